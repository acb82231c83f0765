// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify what the orchestrator asks the
// generation backend and to feed controlled streams without a live model.
// All fields are safe to set before calling any method; mutating them during
// a concurrent call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{
//	    Chunks: []llm.Chunk{{Text: "Hello"}, {Text: "!", FinishReason: "stop"}},
//	}
//	ch, err := p.Respond(ctx, req)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/murmux/murmux/pkg/provider/llm"
)

// RespondCall records a single invocation of Respond.
type RespondCall struct {
	// Ctx is the context passed to Respond.
	Ctx context.Context
	// Req is the Request passed to Respond.
	Req llm.Request
}

// Provider is a mock implementation of llm.Provider.
// Zero values cause Respond to return an immediately-closed channel.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Chunks is the sequence of Chunk values emitted on the channel returned
	// by Respond. All chunks are sent before the channel is closed.
	Chunks []llm.Chunk

	// Err, if non-nil, is returned as the error from Respond instead of
	// opening a stream.
	Err error

	// StartDelay, when positive, delays the first chunk after Respond
	// returns, honouring ctx cancellation. Simulates a slow first token.
	StartDelay time.Duration

	// ChunkInterval, when positive, spaces consecutive chunks apart,
	// honouring ctx cancellation.
	ChunkInterval time.Duration

	// --- Call records (read after test) ---

	// RespondCalls records every invocation of Respond in order.
	RespondCalls []RespondCall
}

// Respond records the call and returns a channel that emits Chunks.
// If Err is set, it returns nil, Err without opening a channel.
func (p *Provider) Respond(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.RespondCalls = append(p.RespondCalls, RespondCall{Ctx: ctx, Req: req})
	if p.Err != nil {
		err := p.Err
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([]llm.Chunk, len(p.Chunks))
	copy(chunks, p.Chunks)
	startDelay, interval := p.StartDelay, p.ChunkInterval
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		if startDelay > 0 {
			select {
			case <-time.After(startDelay):
			case <-ctx.Done():
				return
			}
		}
		for i, c := range chunks {
			if interval > 0 && i > 0 {
				select {
				case <-time.After(interval):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.RespondCalls = nil
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
