// Package mock provides a test double for the asr.Provider interface.
//
// Use Provider in unit tests to feed controlled transcripts without a live
// transcription backend and to verify what audio the orchestrator submits.
// All fields are safe to set before calling any method; mutating them during
// a concurrent call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{Text: "hello there"}
//	text, err := p.Transcribe(ctx, pcm, format)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/murmux/murmux/pkg/audio"
	"github.com/murmux/murmux/pkg/provider/asr"
)

// TranscribeCall records a single invocation of Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// PCM is a copy of the audio passed to Transcribe.
	PCM []byte
	// Format is the format passed to Transcribe.
	Format audio.Format
}

// Provider is a mock implementation of asr.Provider.
// Zero values cause Transcribe to return ("", nil) immediately.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Text is returned by Transcribe.
	Text string

	// Err, if non-nil, is returned by Transcribe instead of Text.
	Err error

	// Delay, when positive, makes Transcribe wait before returning,
	// honouring ctx cancellation. Simulates a slow backend.
	Delay time.Duration

	// --- Call records (read after test) ---

	// TranscribeCalls records every invocation of Transcribe in order.
	TranscribeCalls []TranscribeCall
}

// Transcribe records the call, waits Delay if set, and returns Text, Err.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, format audio.Format) (string, error) {
	p.mu.Lock()
	data := make([]byte, len(pcm))
	copy(data, pcm)
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{Ctx: ctx, PCM: data, Format: format})
	text, err, delay := p.Text, p.Err, p.Delay
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return text, nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = nil
}

// Ensure Provider implements asr.Provider at compile time.
var _ asr.Provider = (*Provider)(nil)
