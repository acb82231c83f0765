package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/murmux/murmux/pkg/provider/llm"
)

// ErrAllFailed is returned when every backend in a [Chain] fails or has an
// open circuit breaker.
var ErrAllFailed = errors.New("all backends failed")

// ErrNoBackends is returned by [Chain.Respond] when the chain is empty.
var ErrNoBackends = errors.New("no backends registered")

// chainEntry pairs a generation backend with its dedicated circuit breaker.
type chainEntry struct {
	name     string
	provider llm.Provider
	breaker  *CircuitBreaker
}

// Chain implements [llm.Provider] with automatic failover across multiple
// generation backends. Backends are tried in registration order; an entry
// that fails to start a stream, or whose breaker is open, is bypassed in
// favour of the next one.
//
// Only the start of the stream participates in failover. Once a stream is
// established its chunks may already be spoken aloud, so mid-stream errors
// stay with the caller rather than replaying the reply from another backend.
//
// The chain must be fully assembled before first use; Add is not safe to
// call concurrently with Respond.
type Chain struct {
	entries []chainEntry
	cbCfg   CircuitBreakerConfig
}

// Compile-time interface assertion.
var _ llm.Provider = (*Chain)(nil)

// NewChain creates an empty [Chain]. cbCfg configures the per-backend
// circuit breakers; its Name field is overwritten per entry.
func NewChain(cbCfg CircuitBreakerConfig) *Chain {
	return &Chain{cbCfg: cbCfg}
}

// Add appends a backend to the chain. The first backend added is the
// primary; later ones are fallbacks in order.
func (c *Chain) Add(name string, provider llm.Provider) {
	cbCfg := c.cbCfg
	cbCfg.Name = name
	c.entries = append(c.entries, chainEntry{
		name:     name,
		provider: provider,
		breaker:  NewCircuitBreaker(cbCfg),
	})
}

// Len returns the number of registered backends.
func (c *Chain) Len() int { return len(c.entries) }

// Names returns the backend names in failover order.
func (c *Chain) Names() []string {
	names := make([]string, len(c.entries))
	for i, e := range c.entries {
		names[i] = e.name
	}
	return names
}

// Respond implements [llm.Provider]. It starts the stream on the first
// healthy backend. A cancelled context stops the cascade immediately: the
// turn is over, and no backend should receive it.
func (c *Chain) Respond(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	if len(c.entries) == 0 {
		return nil, ErrNoBackends
	}

	var lastErr error
	for i := range c.entries {
		entry := &c.entries[i]

		var ch <-chan llm.Chunk
		err := entry.breaker.Execute(func() error {
			var startErr error
			ch, startErr = entry.provider.Respond(ctx, req)
			return startErr
		})
		if err == nil {
			return ch, nil
		}
		lastErr = err

		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping backend (circuit open)", "backend", entry.name)
			continue
		}
		if ctx.Err() != nil {
			return nil, err
		}
		slog.Warn("backend failed to start stream, trying next",
			"backend", entry.name, "error", err)
	}
	return nil, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
