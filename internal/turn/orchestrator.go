package turn

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/murmux/murmux/internal/observe"
	"github.com/murmux/murmux/pkg/audio"
	"github.com/murmux/murmux/pkg/playback"
	"github.com/murmux/murmux/pkg/provider/asr"
	"github.com/murmux/murmux/pkg/provider/llm"
	"github.com/murmux/murmux/pkg/provider/tts"
	"github.com/murmux/murmux/pkg/transport"
	"github.com/murmux/murmux/pkg/voice"
)

// Default bounds for the stage timeouts configured via [WithTimeouts].
const (
	DefaultASRTimeout        = 15 * time.Second
	DefaultLLMTimeout        = 60 * time.Second
	DefaultFirstTokenTimeout = 10 * time.Second
	DefaultTTSTimeout        = 30 * time.Second
)

// DefaultMaxHistoryTurns bounds the conversation history supplied to the
// generation provider, counted in user/assistant exchanges.
const DefaultMaxHistoryTurns = 20

// Providers bundles the three pipeline stages behind their contracts. All
// fields are required.
type Providers struct {
	ASR asr.Provider
	LLM llm.Provider
	TTS tts.Provider
}

// Timeouts bounds each provider call of a turn. A zero field keeps its
// default. LLM covers the whole generation stream; LLMFirstToken
// additionally bounds the wait for the stream's first chunk, so a backend
// that accepts the request but never produces output still cancels the turn
// promptly.
type Timeouts struct {
	ASR           time.Duration
	LLM           time.Duration
	LLMFirstToken time.Duration
	TTS           time.Duration
}

// Option configures an [Orchestrator] during construction.
type Option func(*Orchestrator)

// WithSystemPrompt sets the instruction injected before the conversation
// history on every generation request.
func WithSystemPrompt(s string) Option {
	return func(o *Orchestrator) { o.system = s }
}

// WithTemperature sets the generation temperature. Zero uses the provider
// default.
func WithTemperature(t float64) Option {
	return func(o *Orchestrator) { o.temperature = t }
}

// WithMaxTokens caps the number of tokens per generated reply. Zero uses the
// provider default.
func WithMaxTokens(n int) Option {
	return func(o *Orchestrator) { o.maxTokens = n }
}

// WithMaxHistoryTurns sets how many user/assistant exchanges the session
// history retains. The default is [DefaultMaxHistoryTurns].
func WithMaxHistoryTurns(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxHistory = n
		}
	}
}

// WithTimeouts overrides the per-stage timeout bounds. Zero fields keep
// their defaults.
func WithTimeouts(t Timeouts) Option {
	return func(o *Orchestrator) {
		if t.ASR > 0 {
			o.asrTimeout = t.ASR
		}
		if t.LLM > 0 {
			o.llmTimeout = t.LLM
		}
		if t.LLMFirstToken > 0 {
			o.firstTokenTimeout = t.LLMFirstToken
		}
		if t.TTS > 0 {
			o.ttsTimeout = t.TTS
		}
	}
}

// WithLogger sets the orchestrator's logger. The default is [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// WithMetrics sets the metrics instruments. The default is
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// Orchestrator drives at most one active [Turn] per session. Create one per
// session with [New].
//
// All exported methods are safe for concurrent use, though in practice
// [Orchestrator.Submit] and [Orchestrator.Interrupt] are called from the
// session's single dispatch goroutine.
type Orchestrator struct {
	providers Providers
	format    audio.Format
	queue     *playback.Queue
	notify    func(transport.Event)

	system      string
	temperature float64
	maxTokens   int
	maxHistory  int

	asrTimeout        time.Duration
	llmTimeout        time.Duration
	firstTokenTimeout time.Duration
	ttsTimeout        time.Duration

	log     *slog.Logger
	metrics *observe.Metrics

	mu      sync.Mutex
	active  *Turn
	history []voice.Message

	wg sync.WaitGroup
}

// New creates an Orchestrator that plays synthesized replies into queue in
// the session's PCM format and reports wire events through notify.
//
// notify is invoked from turn goroutines and must not block; a nil notify
// discards events. Delivery is best-effort: the orchestrator never fails a
// turn because an event could not be sent.
func New(p Providers, format audio.Format, queue *playback.Queue, notify func(transport.Event), opts ...Option) (*Orchestrator, error) {
	if p.ASR == nil || p.LLM == nil || p.TTS == nil {
		return nil, voice.Errorf(voice.KindConfiguration, "turn: all three providers are required")
	}
	if err := format.Validate(); err != nil {
		return nil, err
	}
	if queue == nil {
		return nil, voice.Errorf(voice.KindConfiguration, "turn: playback queue must not be nil")
	}

	o := &Orchestrator{
		providers:         p,
		format:            format,
		queue:             queue,
		notify:            notify,
		maxHistory:        DefaultMaxHistoryTurns,
		asrTimeout:        DefaultASRTimeout,
		llmTimeout:        DefaultLLMTimeout,
		firstTokenTimeout: DefaultFirstTokenTimeout,
		ttsTimeout:        DefaultTTSTimeout,
		log:               slog.Default(),
		metrics:           observe.DefaultMetrics(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Submit starts a new turn for a finalized speech segment. An active turn is
// cancelled first: a segment arriving while the previous turn is still in
// flight is a barge-in, and the superseded turn's pending audio is flushed.
// The new turn runs in its own goroutine; Submit returns it immediately.
//
// ctx scopes the turn to the session: when it is cancelled the turn's token
// is cancelled with it.
func (o *Orchestrator) Submit(ctx context.Context, seg *audio.SpeechSegment) *Turn {
	if prev := o.preempt(ErrBargeIn); prev != nil {
		// The segment finalized without a SpeechStart interrupt, e.g. a
		// client-announced boundary. Same barge-in semantics.
		o.queue.Clear()
		o.metrics.RecordBargeIn(ctx)
		o.log.Debug("turn preempted by new segment",
			"cancelled_segment_id", prev.segmentID,
			"segment_id", seg.ID,
		)
	}

	tctx, cancel := context.WithCancelCause(ctx)
	t := &Turn{
		segmentID: seg.ID,
		ctx:       tctx,
		cancel:    cancel,
		started:   time.Now(),
	}

	o.mu.Lock()
	o.active = t
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		reply, err := o.process(t, seg)
		o.finish(t, reply, err)
	}()
	return t
}

// Interrupt handles barge-in: the active turn's token is cancelled and all
// pending playback is flushed, raising the queue's empty notification
// synchronously. It reports whether anything was actually interrupted; when
// no turn is active and no audio is draining it is a no-op, so the session
// may call it on every detected speech start.
func (o *Orchestrator) Interrupt() bool {
	t := o.preempt(ErrBargeIn)
	if t == nil && o.queue.ActiveSegment() == "" {
		return false
	}

	// Cancel happens before the flush: chunks the dying turn races in after
	// this point are rejected by the queue's cleared-segment latch.
	o.queue.Clear()
	o.metrics.RecordBargeIn(context.Background())
	if t != nil {
		o.log.Debug("turn interrupted", "segment_id", t.segmentID, "stage", t.Stage().String())
	}
	return true
}

// Active returns the in-flight turn, or nil when the orchestrator is idle.
func (o *Orchestrator) Active() *Turn {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// History returns a copy of the committed conversation history, oldest
// first.
func (o *Orchestrator) History() []voice.Message {
	return o.snapshotHistory()
}

// Wait blocks until all turn goroutines have finished. Useful for session
// teardown and for tests that inspect side effects after cancelling.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// preempt detaches and cancels the active turn, returning it, or nil when
// idle.
func (o *Orchestrator) preempt(cause error) *Turn {
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.active
	o.active = nil
	if t != nil {
		t.cancel(cause)
	}
	return t
}

// process runs the turn's stages in order and returns the full reply text.
// Every path that consumes a provider result checks the turn's token first,
// so results that arrive after cancellation are discarded rather than acted
// on.
func (o *Orchestrator) process(t *Turn, seg *audio.SpeechSegment) (string, error) {
	o.advance(t, StageTranscribing, "")

	text, err := o.transcribe(t, seg)
	if err != nil {
		return "", err
	}
	if t.ctx.Err() != nil {
		return "", cancelled(t)
	}
	if text == "" {
		return "", errEmptyTranscript
	}

	o.emit(transport.Event{Type: transport.EventTranscript, Text: text, IsFinal: true})
	o.log.Debug("segment transcribed", "segment_id", t.segmentID, "chars", len(text))

	o.advance(t, StageGenerating, "")

	genCtx, cancel := context.WithTimeout(t.ctx, o.llmTimeout)
	defer cancel()

	req := llm.Request{
		System:      o.system,
		History:     o.snapshotHistory(),
		Text:        text,
		Temperature: o.temperature,
		MaxTokens:   o.maxTokens,
	}
	genStart := time.Now()
	stream, err := o.providers.LLM.Respond(genCtx, req)
	if err != nil {
		return "", voice.Classify(voice.KindGeneration, err)
	}

	reply, err := o.speak(t, genCtx, stream)
	if err != nil {
		return "", err
	}
	o.metrics.LLMDuration.Record(t.ctx, time.Since(genStart).Seconds())

	if t.ctx.Err() != nil {
		return "", cancelled(t)
	}

	o.commit(t, text, reply)
	o.queue.Finish(t.segmentID)
	o.advance(t, StageDone, reply)
	return reply, nil
}

// transcribe runs the speech-to-text call under its own timeout.
func (o *Orchestrator) transcribe(t *Turn, seg *audio.SpeechSegment) (string, error) {
	ctx, cancel := context.WithTimeout(t.ctx, o.asrTimeout)
	defer cancel()

	start := time.Now()
	text, err := o.providers.ASR.Transcribe(ctx, seg.PCM(), o.format)
	if err != nil {
		return "", voice.Classify(voice.KindASR, err)
	}
	o.metrics.ASRDuration.Record(t.ctx, time.Since(start).Seconds())
	return strings.TrimSpace(text), nil
}

// speak consumes the generation stream, cutting it at sentence boundaries
// into sentence-sized synthesis calls so the opening sentence is audible
// while the rest of the reply is still streaming in. It returns the full
// reply text.
func (o *Orchestrator) speak(t *Turn, genCtx context.Context, stream <-chan llm.Chunk) (string, error) {
	conv := &audio.Converter{Source: o.providers.TTS.Format(), Target: o.format}

	var full, buf strings.Builder

	// flush synthesizes whatever partial sentence remains when the stream
	// ends.
	flush := func() error {
		if rest := strings.TrimSpace(buf.String()); rest != "" {
			return o.speakSentence(t, conv, rest)
		}
		return nil
	}

	watchdog := time.NewTimer(o.firstTokenTimeout)
	defer watchdog.Stop()
	watchdogC := watchdog.C

	for {
		select {
		case <-t.ctx.Done():
			go audio.Drain(stream)
			return full.String(), cancelled(t)

		case <-watchdogC:
			go audio.Drain(stream)
			return "", voice.Errorf(voice.KindTimeout,
				"turn: no generation output within %s", o.firstTokenTimeout)

		case chunk, ok := <-stream:
			if !ok {
				// Stream closed without a finish reason: either a natural
				// end or the generation window expired underneath it.
				if err := genCtx.Err(); err != nil {
					return full.String(), voice.Classify(voice.KindGeneration, err)
				}
				if err := flush(); err != nil {
					return full.String(), err
				}
				return full.String(), nil
			}
			watchdogC = nil

			if chunk.FinishReason == "error" {
				// Mid-stream failure; Text carries the backend's message.
				return full.String(), voice.Errorf(voice.KindGeneration,
					"turn: generation failed mid-stream: %s", chunk.Text)
			}

			if chunk.Text != "" {
				buf.WriteString(chunk.Text)
				full.WriteString(chunk.Text)
			}

			// Dispatch complete sentences eagerly.
			for {
				s := buf.String()
				idx := sentenceBoundary(s)
				if idx < 0 {
					break
				}
				sentence := strings.TrimSpace(s[:idx+1])
				buf.Reset()
				buf.WriteString(strings.TrimLeft(s[idx+1:], " \t\n\r"))
				if sentence == "" {
					continue
				}
				if err := o.speakSentence(t, conv, sentence); err != nil {
					go audio.Drain(stream)
					return full.String(), err
				}
			}

			if chunk.FinishReason != "" {
				if err := flush(); err != nil {
					return full.String(), err
				}
				return full.String(), nil
			}
		}
	}
}

// speakSentence synthesizes one sentence and enqueues its audio, converted
// to the session format, as it arrives. The turn's token is checked before
// every enqueue so a barge-in never resurrects stale audio.
func (o *Orchestrator) speakSentence(t *Turn, conv *audio.Converter, sentence string) error {
	o.advance(t, StageSynthesizing, "")

	synthCtx, cancel := context.WithTimeout(t.ctx, o.ttsTimeout)
	defer cancel()

	start := time.Now()
	stream, err := o.providers.TTS.Synthesize(synthCtx, sentence)
	if err != nil {
		return voice.Classify(voice.KindSynthesis, err)
	}

	for chunk := range stream {
		pcm := conv.Convert(chunk)
		if len(pcm) == 0 {
			continue
		}
		if t.ctx.Err() != nil {
			go audio.Drain(stream)
			return cancelled(t)
		}
		o.queue.Enqueue(playback.Chunk{SegmentID: t.segmentID, Data: pcm})
		o.advance(t, StageStreaming, "")
	}

	// The provider closes its channel on both natural completion and
	// context expiry; only the context tells them apart.
	if err := synthCtx.Err(); err != nil {
		return voice.Classify(voice.KindSynthesis, err)
	}
	o.metrics.TTSDuration.Record(t.ctx, time.Since(start).Seconds())
	return nil
}

// finish terminalizes the turn: the token is set (idempotently), the
// outcome is recorded, and failures surface as a best-effort error event.
// Cancelled turns are swallowed quietly; barge-in is the expected outcome of
// normal conversation, not an error.
func (o *Orchestrator) finish(t *Turn, reply string, err error) {
	o.mu.Lock()
	if o.active == t {
		o.active = nil
	}
	o.mu.Unlock()

	failedStage := t.Stage()

	switch {
	case err == nil:
		t.cancel(errTurnDone)
		o.metrics.RecordTurn(t.ctx, "completed")
		o.metrics.TurnDuration.Record(t.ctx, time.Since(t.started).Seconds())
		o.log.Info("turn completed",
			"segment_id", t.segmentID,
			"reply_chars", len(reply),
			"duration", time.Since(t.started),
		)

	case errors.Is(err, errEmptyTranscript):
		t.cancel(err)
		o.advance(t, StageCancelled, "")
		o.metrics.RecordTurn(t.ctx, "empty")
		o.log.Debug("turn abandoned: nothing transcribed", "segment_id", t.segmentID)

	case voice.IsKind(err, voice.KindCancelled):
		t.cancel(err)
		o.advance(t, StageCancelled, "")
		o.metrics.RecordTurn(t.ctx, "cancelled")
		o.log.Debug("turn cancelled",
			"segment_id", t.segmentID,
			"stage", failedStage.String(),
			"cause", context.Cause(t.ctx),
		)

	default:
		t.cancel(err)
		o.advance(t, StageCancelled, "")
		kind := voice.KindOf(err)
		o.emit(transport.Event{
			Type:    transport.EventError,
			Kind:    kind.String(),
			Message: err.Error(),
		})
		o.metrics.RecordTurn(t.ctx, "failed")
		o.metrics.RecordPipelineError(t.ctx, failedStage.String(), kind.String())
		o.log.Warn("turn failed",
			"segment_id", t.segmentID,
			"stage", failedStage.String(),
			"error", err,
		)
	}
}

// advance moves the turn forward and emits the stage's wire events. message
// rides on the status event; the Done transition carries the full reply text
// for text-first clients.
func (o *Orchestrator) advance(t *Turn, s Stage, message string) {
	if !t.advance(s) {
		return
	}

	switch s {
	case StageStreaming:
		o.metrics.FirstAudio.Record(t.ctx, time.Since(t.started).Seconds())
	}

	o.emit(transport.Event{Type: transport.EventStatus, Stage: s.String(), Message: message})

	switch s {
	case StageSynthesizing:
		o.emit(transport.Event{Type: transport.EventTTSStart})
	case StageDone:
		o.emit(transport.Event{Type: transport.EventTTSComplete})
	}
}

// commit appends the exchange to the conversation history and trims it to
// the configured depth. A cancelled turn never commits: the user is already
// saying something else, and a half-delivered reply in history would corrupt
// the next generation's context.
func (o *Orchestrator) commit(t *Turn, user, reply string) {
	if strings.TrimSpace(reply) == "" {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if t.ctx.Err() != nil {
		return
	}

	o.history = append(o.history,
		voice.Message{Role: voice.RoleUser, Content: user},
		voice.Message{Role: voice.RoleAssistant, Content: reply},
	)
	if max := o.maxHistory * 2; len(o.history) > max {
		o.history = o.history[len(o.history)-max:]
	}
}

func (o *Orchestrator) snapshotHistory() []voice.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]voice.Message, len(o.history))
	copy(out, o.history)
	return out
}

func (o *Orchestrator) emit(evt transport.Event) {
	if o.notify != nil {
		o.notify(evt)
	}
}

// cancelled wraps the turn's cancellation cause in the taxonomy's quiet
// kind.
func cancelled(t *Turn) error {
	return voice.NewError(voice.KindCancelled, context.Cause(t.ctx))
}

// sentenceBoundary returns the index of the first sentence-ending character
// ('.', '!', '?') that is immediately followed by whitespace, or -1 when the
// text holds no complete sentence yet. Requiring the trailing whitespace
// keeps abbreviations like "Dr." and decimals like "3.14" intact while the
// stream is still arriving; text pending at stream end is flushed whole.
func sentenceBoundary(s string) int {
	for i := 0; i+1 < len(s); i++ {
		switch s[i] {
		case '.', '!', '?':
			if unicode.IsSpace(rune(s[i+1])) {
				return i
			}
		}
	}
	return -1
}
