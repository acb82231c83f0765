// Package playback buffers synthesized speech and drains it at real-time
// pace toward the session's outbound audio path.
//
// The [Queue] receives [Chunk] values tagged with the segment that produced
// them and plays one episode at a time: chunks for the active segment append
// to the buffer, a fixed-period tick drains the buffer into the sink at the
// nominal byte rate of the playback format, and when the producing turn has
// finished and the buffer runs dry the queue raises a single empty
// notification for the episode.
//
// Barge-in rides on [Queue.Clear]: it discards everything buffered
// immediately and notifies synchronously, without waiting for a natural
// drain. Chunks belonging to a cleared episode are rejected if they arrive
// late, so a cancelled turn can never resurrect its own audio.
//
// All exported methods are safe for concurrent use.
package playback

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/murmux/murmux/pkg/audio"
	"github.com/murmux/murmux/pkg/voice"
)

// DefaultTick is the drain period used when no explicit tick is configured
// via [WithTick].
const DefaultTick = 20 * time.Millisecond

// Chunk is one span of synthesized PCM tagged with the speech segment whose
// turn produced it.
type Chunk struct {
	SegmentID string
	Data      []byte
}

// Option configures a [Queue] during construction.
type Option func(*Queue)

// WithTick sets the drain period. Each tick moves one tick's worth of bytes
// at the playback format's rate from the buffer to the sink. The default is
// [DefaultTick].
func WithTick(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.tick = d
		}
	}
}

// WithOnEmpty registers the empty notification callback. It is invoked with
// the episode's segment ID once per episode on natural exhaustion, and on
// every [Queue.Clear] or [Queue.Mute] — with an empty segment ID when the
// queue was already idle. The callback runs synchronously on the calling or
// drain goroutine and must not block.
func WithOnEmpty(fn func(segmentID string)) Option {
	return func(q *Queue) {
		q.onEmpty = fn
	}
}

// Queue is the paced playback buffer. Create one per session with [New].
type Queue struct {
	sink    func([]byte) error
	onEmpty func(segmentID string)
	tick    time.Duration
	perTick int

	mu            sync.Mutex
	buffer        bytes.Buffer
	activeID      string // segment of the current episode, "" when idle
	flushedID     string // most recently cleared segment; its chunks are stale
	endReceived   bool   // Finish was called for the active episode
	emptyNotified bool   // empty latch for the active episode
	muted         bool
	closed        bool

	done      chan struct{}
	errCh     chan error
	closeOnce sync.Once
}

// New creates a Queue draining into sink at the byte rate of format. The
// drain goroutine starts immediately; call [Queue.Close] to stop it.
//
// sink receives PCM in tick-sized spans, is called sequentially from the
// drain goroutine and must not block for extended periods.
func New(format audio.Format, sink func([]byte) error, opts ...Option) (*Queue, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, voice.Errorf(voice.KindConfiguration, "playback: sink must not be nil")
	}

	q := &Queue{
		sink:  sink,
		tick:  DefaultTick,
		done:  make(chan struct{}),
		errCh: make(chan error, 1),
	}
	for _, opt := range opts {
		opt(q)
	}

	q.perTick = format.Bytes(q.tick)
	if q.perTick <= 0 {
		return nil, voice.Errorf(voice.KindConfiguration,
			"playback: tick %v yields no bytes at %s", q.tick, format)
	}

	go q.run()
	return q, nil
}

// Enqueue appends a chunk to the buffer. The first chunk after idle starts a
// new episode. Chunks are dropped silently while muted, after Close, and
// when their segment was already cleared.
func (q *Queue) Enqueue(c Chunk) {
	if len(c.Data) == 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.muted || c.SegmentID == q.flushedID {
		return
	}

	if q.activeID != c.SegmentID {
		// A new episode begins. Anything left of the previous one was
		// superseded without a clear; drop it rather than interleave.
		q.buffer.Reset()
		q.activeID = c.SegmentID
		q.endReceived = false
		q.emptyNotified = false
	}
	q.buffer.Write(c.Data)
}

// Finish marks the episode's chunk stream complete: no more audio for
// segmentID will be enqueued. When the buffer is already dry the empty
// notification fires before Finish returns; otherwise it fires on the tick
// that drains the final bytes.
func (q *Queue) Finish(segmentID string) {
	q.mu.Lock()
	notify := ""
	if !q.closed && q.activeID == segmentID {
		q.endReceived = true
		if q.buffer.Len() == 0 && !q.emptyNotified {
			q.emptyNotified = true
			q.activeID = ""
			notify = segmentID
		}
	}
	q.mu.Unlock()

	if notify != "" {
		q.notifyEmpty(notify)
	}
}

// Clear discards all buffered audio immediately and raises exactly one empty
// notification before returning, regardless of whether anything was
// buffered. Late chunks for the cleared segment are rejected from now on.
func (q *Queue) Clear() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	cleared := q.clearLocked()
	q.mu.Unlock()

	q.notifyEmpty(cleared)
}

// Mute clears the queue exactly like [Queue.Clear] and additionally drops
// every subsequently enqueued chunk until [Queue.Unmute].
func (q *Queue) Mute() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.muted = true
	cleared := q.clearLocked()
	q.mu.Unlock()

	q.notifyEmpty(cleared)
}

// Unmute lifts a mute. Audio enqueued while muted is gone; playback resumes
// with the next episode.
func (q *Queue) Unmute() {
	q.mu.Lock()
	q.muted = false
	q.mu.Unlock()
}

// clearLocked flushes the buffer and ends the episode, returning the cleared
// segment ID. Must be called with q.mu held.
func (q *Queue) clearLocked() string {
	cleared := q.activeID
	if cleared != "" {
		q.flushedID = cleared
	}
	q.buffer.Reset()
	q.activeID = ""
	q.endReceived = false
	q.emptyNotified = true
	return cleared
}

// Buffered returns the number of PCM bytes waiting to be drained.
func (q *Queue) Buffered() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.buffer.Len()
}

// ActiveSegment returns the segment ID of the current episode, or "" when
// the queue is idle.
func (q *Queue) ActiveSegment() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.activeID
}

// Err returns the channel carrying the first sink failure. A failing sink
// means the outbound path is gone; the session owner should tear down.
func (q *Queue) Err() <-chan error {
	return q.errCh
}

// Close stops the drain goroutine and discards buffered audio. Close is
// idempotent and raises no empty notification.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.buffer.Reset()
		q.activeID = ""
		q.mu.Unlock()
		close(q.done)
	})
	return nil
}

// run drains the buffer at the configured pace until Close.
func (q *Queue) run() {
	ticker := time.NewTicker(q.tick)
	defer ticker.Stop()

	for {
		select {
		case <-q.done:
			return
		case <-ticker.C:
			q.onTick()
		}
	}
}

func (q *Queue) onTick() {
	var (
		toPlay []byte
		notify string
	)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if q.buffer.Len() > 0 {
		n := q.perTick
		if n > q.buffer.Len() {
			n = q.buffer.Len()
		}
		toPlay = make([]byte, n)
		_, _ = io.ReadFull(&q.buffer, toPlay)
	}
	if q.activeID != "" && q.endReceived && q.buffer.Len() == 0 && !q.emptyNotified {
		q.emptyNotified = true
		notify = q.activeID
		q.activeID = ""
	}
	q.mu.Unlock()

	if len(toPlay) > 0 {
		if err := q.sink(toPlay); err != nil {
			select {
			case q.errCh <- err:
			default:
			}
		}
	}
	if notify != "" {
		q.notifyEmpty(notify)
	}
}

func (q *Queue) notifyEmpty(segmentID string) {
	if q.onEmpty != nil {
		q.onEmpty(segmentID)
	}
}
