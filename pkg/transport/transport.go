// Package transport carries the session's duplex stream: binary PCM in both
// directions multiplexed with the structured JSON events of the wire
// protocol.
//
// A [Conn] delivers messages ordered and reliable per direction. On loss the
// session is torn down and must be re-established by the client; no reconnect
// or retransmission happens at this layer, because stale audio frames are
// worse than dropped ones.
//
// Two implementations exist: the production WebSocket connection created by
// [Accept] or [Dial], and the in-memory [Pipe] pair used by tests.
package transport

import (
	"context"
	"sync"

	"github.com/murmux/murmux/pkg/voice"
)

// Message is one inbound item from a [Conn]: binary PCM or a structured
// event, never both.
type Message struct {
	// Audio is the raw PCM payload of a binary message.
	Audio []byte

	// Event is the decoded payload of a structured message.
	Event *Event
}

// Conn is one duplex session channel. Receive must be driven by a single
// goroutine; the send methods are safe for concurrent use.
type Conn interface {
	// SendEvent writes one structured event.
	SendEvent(ctx context.Context, evt Event) error

	// SendAudio writes one binary PCM message.
	SendAudio(ctx context.Context, pcm []byte) error

	// Receive blocks until the next inbound message arrives. It returns a
	// transport error once the connection is gone.
	Receive(ctx context.Context) (Message, error)

	// Close tears the connection down. Pending and future Receives fail.
	Close() error
}

// pipeBuffer is the per-direction message capacity of a [Pipe] pair. Sends
// block once the peer falls this far behind.
const pipeBuffer = 64

// Pipe returns two connected in-memory [Conn] ends: messages sent on one end
// arrive at the other's Receive in order. Closing either end fails the
// peer's pending operations.
func Pipe() (Conn, Conn) {
	ab := make(chan Message, pipeBuffer)
	ba := make(chan Message, pipeBuffer)
	a := &pipeConn{in: ba, out: ab, closed: make(chan struct{})}
	b := &pipeConn{in: ab, out: ba, closed: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

var _ Conn = (*pipeConn)(nil)

type pipeConn struct {
	in   chan Message
	out  chan Message
	peer *pipeConn

	closed    chan struct{}
	closeOnce sync.Once
}

func (c *pipeConn) SendEvent(ctx context.Context, evt Event) error {
	return c.send(ctx, Message{Event: &evt})
}

func (c *pipeConn) SendAudio(ctx context.Context, pcm []byte) error {
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	return c.send(ctx, Message{Audio: cp})
}

func (c *pipeConn) send(ctx context.Context, m Message) error {
	select {
	case <-c.closed:
		return errClosed()
	case <-c.peer.closed:
		return errClosed()
	default:
	}
	select {
	case c.out <- m:
		return nil
	case <-c.closed:
		return errClosed()
	case <-c.peer.closed:
		return errClosed()
	case <-ctx.Done():
		return voice.Classify(voice.KindTransport, ctx.Err())
	}
}

func (c *pipeConn) Receive(ctx context.Context) (Message, error) {
	// Drain messages already in flight before honoring a close, so an end
	// that sends and immediately closes loses nothing.
	select {
	case m := <-c.in:
		return m, nil
	default:
	}
	select {
	case m := <-c.in:
		return m, nil
	case <-c.closed:
		return Message{}, errClosed()
	case <-c.peer.closed:
		return Message{}, errClosed()
	case <-ctx.Done():
		return Message{}, voice.Classify(voice.KindTransport, ctx.Err())
	}
}

func (c *pipeConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	return nil
}

func errClosed() error {
	return voice.Errorf(voice.KindTransport, "transport: connection closed")
}
