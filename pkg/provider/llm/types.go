package llm

import "github.com/murmux/murmux/pkg/voice"

// Request carries everything the generation backend needs to produce one
// assistant reply.
type Request struct {
	// System is an optional high-priority instruction injected before the
	// conversation history.
	System string

	// History is the prior conversation, oldest first. The current
	// utterance is not part of History; it travels in Text.
	History []voice.Message

	// Text is the transcribed user utterance driving this reply.
	Text string

	// Temperature controls output randomness in the range [0.0, 2.0].
	// Zero means use the provider default.
	Temperature float64

	// MaxTokens caps the number of tokens the model may generate.
	// Zero means use the provider default.
	MaxTokens int
}

// Chunk is a single fragment emitted by a streaming generation.
type Chunk struct {
	// Text is the incremental text content of this chunk. May be empty when
	// the chunk carries only a FinishReason.
	Text string

	// FinishReason is set on the final chunk and indicates why generation
	// stopped. Common values are "stop" (natural end), "length" (MaxTokens
	// reached), and "error" (the backend failed mid-stream; Text carries
	// the error message). It is empty on non-final chunks.
	FinishReason string
}
