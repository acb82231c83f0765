// Package session wires one connection into a complete voice pipeline:
// transport receive feeds frame assembly, speech detection and segment
// accumulation; finished utterances drive the turn pipeline; synthesized
// replies drain back out through the paced playback queue.
//
// A [Session] owns every piece of per-connection state. A single receiver
// goroutine reads the connection and hands messages to the dispatch loop in
// [Session.Run], which is the only goroutine touching the assembler, the
// detector and the segment buffer. The playback queue and the turn
// goroutines communicate with the dispatch loop through thread-safe methods
// and the turn's cancellation token, never through shared pipeline state.
//
// The [Manager] runs sessions on behalf of the server: one per accepted
// connection, bounded by the configured limit, all closed together on
// shutdown.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/murmux/murmux/internal/observe"
	"github.com/murmux/murmux/internal/turn"
	"github.com/murmux/murmux/pkg/audio"
	"github.com/murmux/murmux/pkg/playback"
	"github.com/murmux/murmux/pkg/transport"
	"github.com/murmux/murmux/pkg/vad"
	"github.com/murmux/murmux/pkg/voice"
)

// defaultWatchdogPoll is how often the dispatch loop checks the detector for
// a stalled speech run.
const defaultWatchdogPoll = 500 * time.Millisecond

// Config carries the pipeline parameters shared by every session of a
// server.
type Config struct {
	// Format is the session's PCM layout in both directions, announced to
	// the peer in the audio_start event.
	Format audio.Format

	// FrameDuration is the fixed size of one analysis frame.
	FrameDuration time.Duration

	// VAD holds the speech detection parameters. A zero FrameDuration
	// inherits the session's; any other value must match it.
	VAD vad.Config

	// SilencePadding bounds the trailing silence kept on finalized segments.
	SilencePadding time.Duration

	// PlaybackTick is the playback drain period. Zero uses
	// [playback.DefaultTick].
	PlaybackTick time.Duration

	// Providers are the pipeline stages behind the turn orchestrator.
	Providers turn.Providers

	// TurnOptions configure each session's orchestrator: system prompt,
	// stage timeouts, history depth.
	TurnOptions []turn.Option
}

// Option configures a [Session] during construction.
type Option func(*Session)

// WithID overrides the generated session ID.
func WithID(id string) Option {
	return func(s *Session) {
		if id != "" {
			s.id = id
		}
	}
}

// WithLogger sets the session's logger; the session ID is attached as an
// attribute. The default is [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics sets the metrics instruments. The default is
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithWatchdogPoll sets how often the dispatch loop polls for stalled speech
// runs. The default is 500ms.
func WithWatchdogPoll(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.watchdogPoll = d
		}
	}
}

// WithClock replaces the wall-clock source used for stall detection. The
// default is [time.Now].
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// Session is one connection's voice pipeline. Create it with [New] and drive
// it with [Session.Run].
type Session struct {
	id   string
	conn transport.Conn
	cfg  Config

	assembler *audio.FrameAssembler
	detector  *vad.Detector
	segments  *audio.SegmentBuffer
	queue     *playback.Queue
	orch      *turn.Orchestrator

	log          *slog.Logger
	metrics      *observe.Metrics
	now          func() time.Time
	watchdogPoll time.Duration

	// ctx spans the session's lifetime independent of Run's parameter, so
	// the playback sink and the turn goroutines hold a context that exists
	// before Run starts and dies with the session.
	ctx    context.Context
	cancel context.CancelFunc

	done      chan struct{}
	closeOnce sync.Once
}

// New assembles the pipeline for one accepted connection. The connection is
// not read until [Session.Run]; on error the caller keeps ownership of it.
func New(conn transport.Conn, cfg Config, opts ...Option) (*Session, error) {
	if conn == nil {
		return nil, voice.Errorf(voice.KindConfiguration, "session: connection must not be nil")
	}

	s := &Session{
		id:           uuid.NewString(),
		conn:         conn,
		cfg:          cfg,
		log:          slog.Default(),
		metrics:      observe.DefaultMetrics(),
		now:          time.Now,
		watchdogPoll: defaultWatchdogPoll,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("session_id", s.id)

	vcfg := cfg.VAD
	if vcfg.FrameDuration == 0 {
		vcfg.FrameDuration = cfg.FrameDuration
	}
	if vcfg.FrameDuration != cfg.FrameDuration {
		return nil, voice.Errorf(voice.KindConfiguration,
			"session: detector frame duration %v does not match capture frame duration %v",
			vcfg.FrameDuration, cfg.FrameDuration)
	}

	assembler, err := audio.NewFrameAssembler(cfg.Format, cfg.FrameDuration)
	if err != nil {
		return nil, err
	}
	detector, err := vad.New(vcfg, vad.WithClock(s.now))
	if err != nil {
		return nil, err
	}
	segments, err := audio.NewSegmentBuffer(audio.SegmentBufferConfig{
		FrameDuration: cfg.FrameDuration,
		// The start boundary is confirmed MinSpeechDuration after the fact;
		// one extra frame of ring absorbs a boundary landing mid-frame.
		PreRoll:        vcfg.MinSpeechDuration + cfg.FrameDuration,
		SilencePadding: cfg.SilencePadding,
	})
	if err != nil {
		return nil, err
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())

	queue, err := playback.New(cfg.Format,
		func(pcm []byte) error { return conn.SendAudio(s.ctx, pcm) },
		playback.WithTick(cfg.PlaybackTick),
		playback.WithOnEmpty(s.onPlaybackEmpty),
	)
	if err != nil {
		s.cancel()
		return nil, err
	}

	turnOpts := append([]turn.Option{
		turn.WithLogger(s.log),
		turn.WithMetrics(s.metrics),
	}, cfg.TurnOptions...)
	orch, err := turn.New(cfg.Providers, cfg.Format, queue, s.sendEvent, turnOpts...)
	if err != nil {
		_ = queue.Close()
		s.cancel()
		return nil, err
	}

	s.assembler = assembler
	s.detector = detector
	s.segments = segments
	s.queue = queue
	s.orch = orch
	return s, nil
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Done is closed once Run has returned and the pipeline is released.
func (s *Session) Done() <-chan struct{} { return s.done }

// History returns the session's committed conversation so far.
func (s *Session) History() []voice.Message { return s.orch.History() }

// Close tears the session down from outside Run: the dispatch loop observes
// the cancellation, releases the pipeline and closes the connection. Safe to
// call any number of times, concurrently with Run, and on a session that was
// never run.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.queue.Close()
		_ = s.conn.Close()
	})
	return nil
}

// inbound pairs one received message with the receive error that ended the
// stream, so the dispatch loop consumes both through a single channel.
type inbound struct {
	msg transport.Message
	err error
}

// Run announces the session format and processes inbound traffic until the
// peer disconnects, ctx is cancelled or [Session.Close] is called. The
// pipeline is fully released when Run returns. The returned error is the
// reason the session ended; nil when this side initiated the close.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)
	defer s.teardown()

	s.sendEvent(transport.Event{
		Type:   transport.EventAudioStart,
		Format: transport.NewFormat(s.cfg.Format),
	})
	s.log.Debug("session running",
		"format", s.cfg.Format.String(),
		"frame_duration", s.cfg.FrameDuration,
	)

	recv := make(chan inbound)
	go s.receive(ctx, recv)

	watchdog := time.NewTicker(s.watchdogPoll)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-s.ctx.Done():
			return nil

		case err := <-s.queue.Err():
			s.log.Warn("playback sink failed", "error", err)
			return err

		case <-watchdog.C:
			if s.detector.Stalled(s.now()) {
				s.log.Debug("speech run stalled, forcing end")
				s.flushPending()
			}

		case in := <-recv:
			if in.err != nil {
				if s.ctx.Err() != nil || ctx.Err() != nil {
					return nil
				}
				s.log.Info("transport closed", "error", in.err)
				return in.err
			}
			s.handleMessage(in.msg)
		}
	}
}

// receive pumps the connection into the dispatch loop. It exits after
// delivering the first receive error.
func (s *Session) receive(ctx context.Context, out chan<- inbound) {
	for {
		msg, err := s.conn.Receive(ctx)
		select {
		case out <- inbound{msg: msg, err: err}:
		case <-s.ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// handleMessage routes one inbound message: binary payloads feed the capture
// pipeline, structured events feed the control switch.
func (s *Session) handleMessage(msg transport.Message) {
	switch {
	case msg.Event != nil:
		s.handleEvent(*msg.Event)
	case len(msg.Audio) > 0:
		s.handleAudio(msg.Audio)
	}
}

// handleAudio runs the capture pipeline over one inbound PCM payload:
// assemble frames, extend the segment buffer, update the detector and act on
// the boundaries it reports.
func (s *Session) handleAudio(pcm []byte) {
	for _, frame := range s.assembler.Push(pcm) {
		s.segments.Append(frame)
		evt, ok := s.detector.Update(frame)
		if !ok {
			continue
		}
		switch evt.Type {
		case vad.SpeechStart:
			s.beginSegment(evt)
		case vad.SpeechEnd:
			s.endSegment(evt)
		}
	}
}

// handleEvent applies one control event from the peer.
func (s *Session) handleEvent(evt transport.Event) {
	switch evt.Type {
	case transport.EventMute:
		s.queue.Mute()
	case transport.EventUnmute:
		s.queue.Unmute()
	case transport.EventClear:
		s.queue.Clear()
	case transport.EventSpeech:
		switch evt.Status {
		case transport.SpeechStatusStart:
			// A peer running its own detection gets the barge-in fast path;
			// segmentation stays with the session's detector.
			s.orch.Interrupt()
		case transport.SpeechStatusEnd:
			s.flushPending()
		}
	default:
		s.log.Debug("inbound event ignored", "event_type", string(evt.Type))
	}
}

// beginSegment reacts to a confirmed speech start: stale playback stops
// first, then the boundary is relayed and the segment opened from the
// back-dated rise.
func (s *Session) beginSegment(evt vad.Event) {
	s.orch.Interrupt()
	s.sendEvent(transport.Event{Type: transport.EventSpeech, Status: transport.SpeechStatusStart})
	s.segments.Open(evt.At)
}

// endSegment relays the boundary, finalizes the open segment and hands it to
// the turn pipeline.
func (s *Session) endSegment(evt vad.Event) {
	s.sendEvent(transport.Event{Type: transport.EventSpeech, Status: transport.SpeechStatusEnd})
	seg := s.segments.Finalize(uuid.NewString(), evt.VoiceEnd)
	if seg == nil {
		// Every frame fell inside the trimmed silence tail.
		return
	}
	s.metrics.RecordSegment(s.ctx)
	s.log.Debug("segment finalized",
		"segment_id", seg.ID,
		"duration", seg.Duration(),
		"frames", len(seg.Frames),
	)
	s.orch.Submit(s.ctx, seg)
}

// flushPending closes an open speech run immediately, submitting whatever
// confirmed audio accumulated. Used when the peer announces its own end
// boundary and when the stream stalls mid-run.
func (s *Session) flushPending() {
	if evt, ok := s.detector.ForceEnd(); ok {
		s.endSegment(evt)
	}
}

// onPlaybackEmpty relays the queue's episode-end notification. Clears raised
// while the queue was already idle carry no segment and stay silent.
func (s *Session) onPlaybackEmpty(segmentID string) {
	if segmentID == "" {
		return
	}
	s.sendEvent(transport.Event{Type: transport.EventAudioEnd})
}

// sendEvent delivers one wire event best-effort. Events ride the session
// context so they stop blocking the moment the session dies; loss on a dying
// connection is logged, never fatal.
func (s *Session) sendEvent(evt transport.Event) {
	if err := s.conn.SendEvent(s.ctx, evt); err != nil {
		s.log.Debug("event not delivered", "event_type", string(evt.Type), "error", err)
	}
}

// teardown releases the pipeline in dependency order: cancel everything
// scoped to the session, resolve the capture state, stop playback, wait out
// the turn goroutines and close the connection. An utterance still open at
// close is dropped; there is no one left to answer it.
func (s *Session) teardown() {
	s.cancel()
	if _, ok := s.detector.ForceEnd(); ok {
		s.log.Debug("speech run open at close discarded")
	}
	s.segments.Discard()
	_ = s.queue.Close()
	s.orch.Wait()
	_ = s.conn.Close()
	s.log.Debug("session pipeline released")
}
