// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., OpenAI speech or a
// local Coqui instance) and turns one sentence of text into a stream of raw
// PCM chunks. Sentence splitting happens upstream: the turn orchestrator
// slices the generated reply at sentence boundaries and synthesizes each
// sentence as its own call, so audio for the first sentence starts playing
// while later sentences are still being generated.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/murmux/murmux/pkg/audio"
)

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Multiple synthesis
// requests may run in parallel (e.g., one per active session).
type Provider interface {
	// Synthesize converts text into speech and returns a channel that emits
	// raw PCM audio byte slices as they are synthesised. Chunks carry whole
	// samples in the layout reported by [Provider.Format].
	//
	// The returned channel is closed by the implementation when synthesis
	// completes or when ctx is cancelled. The caller must drain the channel
	// to avoid blocking the provider's internal goroutines.
	//
	// Returns a non-nil error only if synthesis cannot be started. Errors
	// encountered mid-stream are signalled by closing the channel early;
	// callers should check ctx.Err() to distinguish cancellation from
	// provider errors.
	Synthesize(ctx context.Context, text string) (<-chan []byte, error)

	// Format reports the PCM layout of the audio emitted by Synthesize.
	// The value is fixed for the lifetime of the provider.
	Format() audio.Format
}
