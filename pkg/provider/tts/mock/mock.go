// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio chunks to consumers and to verify
// the text passed to the TTS backend. The pacing knobs simulate a slow
// backend for cancellation and barge-in tests.
//
// Example:
//
//	p := &mock.Provider{
//	    Chunks: [][]byte{pcm1, pcm2},
//	}
//	ch, _ := p.Synthesize(ctx, "Hello there.")
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/murmux/murmux/pkg/audio"
	"github.com/murmux/murmux/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Text is the text passed to Synthesize.
	Text string
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Chunks is the sequence of PCM byte slices emitted on the channel
	// returned by Synthesize.
	Chunks [][]byte

	// Err, if non-nil, is returned as the error from Synthesize instead of
	// starting a stream.
	Err error

	// StartDelay postpones the first chunk after Synthesize returns.
	StartDelay time.Duration

	// ChunkInterval is the pause between consecutive chunks.
	ChunkInterval time.Duration

	// OutputFormat is reported by Format. The zero value maps to
	// 24 kHz mono 16-bit.
	OutputFormat audio.Format

	// --- Call records ---

	// SynthesizeCalls records every call to Synthesize in order.
	SynthesizeCalls []SynthesizeCall
}

// Synthesize records the call and, if Err is nil, returns a channel that
// emits Chunks then closes.
func (p *Provider) Synthesize(ctx context.Context, text string) (<-chan []byte, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Text: text})
	if p.Err != nil {
		err := p.Err
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([][]byte, len(p.Chunks))
	copy(chunks, p.Chunks)
	startDelay := p.StartDelay
	interval := p.ChunkInterval
	p.mu.Unlock()

	ch := make(chan []byte, len(chunks))
	go func() {
		defer close(ch)
		if startDelay > 0 {
			select {
			case <-time.After(startDelay):
			case <-ctx.Done():
				return
			}
		}
		for i, pcm := range chunks {
			if i > 0 && interval > 0 {
				select {
				case <-time.After(interval):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- pcm:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Format returns OutputFormat, defaulting to 24 kHz mono 16-bit when unset.
func (p *Provider) Format() audio.Format {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.OutputFormat == (audio.Format{}) {
		return audio.Format{SampleRate: 24000, Channels: 1, BitsPerSample: 16}
	}
	return p.OutputFormat
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
