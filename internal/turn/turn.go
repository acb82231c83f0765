// Package turn sequences the transcribe, generate, and synthesize stages for
// each finalized speech segment and owns cancellation when new speech
// preempts an in-flight response.
//
// The [Orchestrator] accepts one [audio.SpeechSegment] at a time via
// [Orchestrator.Submit]. Each submission becomes a [Turn] that runs in its
// own goroutine: the segment audio is transcribed, the transcript is sent to
// the generation provider together with the session's conversation history,
// and the streamed reply is cut at sentence boundaries into sentence-sized
// synthesis calls whose audio is enqueued on the session's playback queue as
// it is produced. Sentence-level chunking keeps latency-to-first-audio low:
// the opening sentence is playing while the rest of the reply is still being
// generated.
//
// Barge-in rides on [Orchestrator.Interrupt]: the active turn's cancellation
// token is cancelled, the playback queue is flushed, and late results are
// discarded by checking the token before every commit point. A turn's token
// is set exactly once, by barge-in, by a provider timeout, or by terminal
// completion, so downstream code has a single cancellation path.
//
// Stage transitions surface as status events on the session's wire, with
// tts_start and tts_complete bracketing audio delivery and the transcript
// relayed as soon as recognition finishes.
package turn

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Stage identifies where a [Turn] is in its lifecycle. Stages only move
// forward; [StageDone] and [StageCancelled] are terminal.
type Stage int

const (
	// StageIdle is the zero value: the turn has not started processing.
	StageIdle Stage = iota

	// StageTranscribing covers the speech-to-text call.
	StageTranscribing

	// StageGenerating covers the wait for the first response sentence.
	StageGenerating

	// StageSynthesizing begins when the first sentence is handed to the
	// synthesis provider.
	StageSynthesizing

	// StageStreaming begins when the first audio chunk is enqueued for
	// playback.
	StageStreaming

	// StageDone marks a turn that delivered its full reply.
	StageDone

	// StageCancelled marks a turn ended by barge-in, timeout, provider
	// failure, or an empty transcript. The cancellation cause is available
	// via [Turn.Cause].
	StageCancelled
)

// String returns the wire representation of the stage, used in status events
// and metric labels.
func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageTranscribing:
		return "transcribing"
	case StageGenerating:
		return "generating"
	case StageSynthesizing:
		return "synthesizing"
	case StageStreaming:
		return "streaming"
	case StageDone:
		return "done"
	case StageCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ErrBargeIn is the cancellation cause recorded when new speech preempts an
// in-flight turn.
var ErrBargeIn = errors.New("turn: superseded by new speech")

// errTurnDone is the cancellation cause used to release a completed turn's
// context resources.
var errTurnDone = errors.New("turn: completed")

// errEmptyTranscript abandons a turn whose segment produced no words.
var errEmptyTranscript = errors.New("turn: transcript empty")

// Turn is one request/response cycle for a single speech segment. Turns are
// created by [Orchestrator.Submit] and advance monotonically through
// [Stage] values until a terminal stage.
//
// All methods are safe for concurrent use.
type Turn struct {
	segmentID string
	ctx       context.Context
	cancel    context.CancelCauseFunc
	started   time.Time

	mu         sync.Mutex
	stage      Stage
	stageSince time.Time
}

// SegmentID returns the ID of the speech segment driving this turn. Playback
// chunks produced by the turn carry the same ID.
func (t *Turn) SegmentID() string { return t.segmentID }

// Context returns the turn's cancellation token. It is cancelled on
// barge-in, timeout, failure, or completion; [context.Cause] reports which.
func (t *Turn) Context() context.Context { return t.ctx }

// Stage returns the turn's current stage.
func (t *Turn) Stage() Stage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stage
}

// Cancelled reports whether the turn's token has been set. True for
// completed turns as well; check [Turn.Stage] to distinguish.
func (t *Turn) Cancelled() bool { return t.ctx.Err() != nil }

// Cause returns the reason the turn's token was set, or nil while the turn
// is still live.
func (t *Turn) Cause() error { return context.Cause(t.ctx) }

// advance moves the turn to s and reports whether it moved. Backward and
// repeated transitions are ignored, as are transitions out of a terminal
// stage, so callers may advance unconditionally at each potential entry
// point.
func (t *Turn) advance(s Stage) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s <= t.stage || t.stage >= StageDone {
		return false
	}
	t.stage = s
	t.stageSince = time.Now()
	return true
}
