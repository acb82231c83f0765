// Package llm defines the Provider interface for text generation backends.
//
// A generation provider wraps a chat completion API (OpenAI, Anthropic, a
// local Ollama instance) behind a single streaming call. The turn
// orchestrator hands it the session history plus the freshly transcribed
// utterance and pipes the returned chunks straight into speech synthesis,
// so time-to-first-chunk matters more than throughput.
//
// Implementations must be safe for concurrent use and must propagate context
// cancellation promptly: when ctx is cancelled the returned channel must be
// closed as quickly as possible.
package llm

import "context"

// Provider is the abstraction over any generation backend.
type Provider interface {
	// Respond sends req to the model and returns a read-only channel that
	// emits Chunk values as they arrive. The channel is closed by the
	// implementation when generation finishes or when ctx is cancelled.
	//
	// Callers must drain the channel to avoid goroutine leaks. Errors that
	// occur after the stream has started are surfaced as a final Chunk with
	// FinishReason "error"; the error return is non-nil only for failures
	// that prevent the stream from starting (invalid credentials, malformed
	// request).
	//
	// The returned channel must never be nil when error is nil.
	Respond(ctx context.Context, req Request) (<-chan Chunk, error)
}
