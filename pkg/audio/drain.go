package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when a streaming producer (a TTS chunk
// channel, an LLM token channel) must run to completion but the consumer no
// longer wants the data, e.g. after a barge-in cancelled the turn.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
