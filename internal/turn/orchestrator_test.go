package turn_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/murmux/murmux/internal/observe"
	"github.com/murmux/murmux/internal/turn"
	"github.com/murmux/murmux/pkg/audio"
	"github.com/murmux/murmux/pkg/playback"
	asrmock "github.com/murmux/murmux/pkg/provider/asr/mock"
	"github.com/murmux/murmux/pkg/provider/llm"
	llmmock "github.com/murmux/murmux/pkg/provider/llm/mock"
	ttsmock "github.com/murmux/murmux/pkg/provider/tts/mock"
	"github.com/murmux/murmux/pkg/transport"
	"github.com/murmux/murmux/pkg/voice"
)

// sessionFormat is the session-side PCM layout used across these tests.
var sessionFormat = audio.Format{SampleRate: 16000, Channels: 1, BitsPerSample: 16}

// ─── Helpers ────────────────────────────────────────────────────────────────

// eventLog records wire events emitted from turn goroutines so tests can
// inspect them after synchronizing on Orchestrator.Wait.
type eventLog struct {
	mu     sync.Mutex
	events []transport.Event
}

func (l *eventLog) add(evt transport.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
}

func (l *eventLog) snapshot() []transport.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]transport.Event, len(l.events))
	copy(out, l.events)
	return out
}

func (l *eventLog) first(typ transport.EventType) (transport.Event, bool) {
	for _, evt := range l.snapshot() {
		if evt.Type == typ {
			return evt, true
		}
	}
	return transport.Event{}, false
}

func (l *eventLog) count(typ transport.EventType) int {
	n := 0
	for _, evt := range l.snapshot() {
		if evt.Type == typ {
			n++
		}
	}
	return n
}

// trace flattens the log into comparable strings: status events become
// "status:<stage>", everything else the bare type.
func (l *eventLog) trace() []string {
	events := l.snapshot()
	out := make([]string, 0, len(events))
	for _, evt := range events {
		if evt.Type == transport.EventStatus {
			out = append(out, "status:"+evt.Stage)
			continue
		}
		out = append(out, string(evt.Type))
	}
	return out
}

// fixture wires an Orchestrator to mock providers and a paused playback
// queue, mirroring how a session assembles the pipeline. The hour-long tick
// keeps the drain goroutine inert so buffered byte counts stay deterministic,
// and the TTS output format matches the session format so chunk sizes pass
// through conversion unchanged.
type fixture struct {
	asr   *asrmock.Provider
	llm   *llmmock.Provider
	tts   *ttsmock.Provider
	queue *playback.Queue
	orch  *turn.Orchestrator

	events  *eventLog
	empties func() []string
}

func newFixture(t *testing.T, opts ...turn.Option) *fixture {
	t.Helper()

	f := &fixture{
		asr: &asrmock.Provider{Text: "what is the weather"},
		llm: &llmmock.Provider{Chunks: []llm.Chunk{
			{Text: "Sunny all day."},
			{FinishReason: "stop"},
		}},
		tts: &ttsmock.Provider{
			Chunks:       [][]byte{make([]byte, 320)},
			OutputFormat: sessionFormat,
		},
		events: &eventLog{},
	}

	var mu sync.Mutex
	var empties []string
	onEmpty := func(id string) {
		mu.Lock()
		defer mu.Unlock()
		empties = append(empties, id)
	}
	f.empties = func() []string {
		mu.Lock()
		defer mu.Unlock()
		out := make([]string, len(empties))
		copy(out, empties)
		return out
	}

	queue, err := playback.New(sessionFormat, func([]byte) error { return nil },
		playback.WithTick(time.Hour),
		playback.WithOnEmpty(onEmpty),
	)
	if err != nil {
		t.Fatalf("playback.New: %v", err)
	}
	t.Cleanup(func() { queue.Close() })
	f.queue = queue

	met, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	base := []turn.Option{
		turn.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		turn.WithMetrics(met),
	}
	orch, err := turn.New(
		turn.Providers{ASR: f.asr, LLM: f.llm, TTS: f.tts},
		sessionFormat,
		queue,
		f.events.add,
		append(base, opts...)...,
	)
	if err != nil {
		t.Fatalf("turn.New: %v", err)
	}
	f.orch = orch
	return f
}

// makeSegment builds a single-frame speech segment of n PCM bytes.
func makeSegment(id string, n int) *audio.SpeechSegment {
	return &audio.SpeechSegment{
		ID:     id,
		Frames: []audio.AudioFrame{{Data: make([]byte, n)}},
		Start:  0,
		End:    20 * time.Millisecond,
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ─── Happy path ─────────────────────────────────────────────────────────────

// TestTurnDeliversReply walks one segment through all stages and checks the
// wire event sequence, the buffered audio, the committed history, and what
// each provider was asked.
func TestTurnDeliversReply(t *testing.T) {
	t.Parallel()

	f := newFixture(t, turn.WithSystemPrompt("Answer in one sentence."))

	tr := f.orch.Submit(context.Background(), makeSegment("seg-1", 640))
	f.orch.Wait()

	if got := tr.Stage(); got != turn.StageDone {
		t.Fatalf("stage = %s, want %s", got, turn.StageDone)
	}
	if f.orch.Active() != nil {
		t.Error("orchestrator still reports an active turn after completion")
	}

	// The full reply sits buffered behind the hour-long tick, and the episode
	// must not raise its empty notification while audio is still pending.
	if got := f.queue.Buffered(); got != 320 {
		t.Errorf("buffered = %d, want 320", got)
	}
	if got := f.empties(); len(got) != 0 {
		t.Errorf("empty notifications = %v, want none while audio is buffered", got)
	}

	want := []string{
		"status:transcribing",
		"transcript",
		"status:generating",
		"status:synthesizing",
		"tts_start",
		"status:streaming",
		"status:done",
		"tts_complete",
	}
	if got := f.events.trace(); !slices.Equal(got, want) {
		t.Errorf("event sequence = %v, want %v", got, want)
	}

	tx, ok := f.events.first(transport.EventTranscript)
	if !ok {
		t.Fatal("no transcript event emitted")
	}
	if tx.Text != "what is the weather" || !tx.IsFinal {
		t.Errorf("transcript event = %+v, want final %q", tx, "what is the weather")
	}

	var doneMsg string
	for _, evt := range f.events.snapshot() {
		if evt.Type == transport.EventStatus && evt.Stage == "done" {
			doneMsg = evt.Message
		}
	}
	if doneMsg != "Sunny all day." {
		t.Errorf("done status message = %q, want the reply text", doneMsg)
	}

	hist := f.orch.History()
	if len(hist) != 2 {
		t.Fatalf("history holds %d messages, want 2", len(hist))
	}
	if hist[0].Role != voice.RoleUser || hist[0].Content != "what is the weather" {
		t.Errorf("history[0] = %+v, want the user utterance", hist[0])
	}
	if hist[1].Role != voice.RoleAssistant || hist[1].Content != "Sunny all day." {
		t.Errorf("history[1] = %+v, want the assistant reply", hist[1])
	}

	if len(f.asr.TranscribeCalls) != 1 {
		t.Fatalf("ASR called %d times, want 1", len(f.asr.TranscribeCalls))
	}
	if got := len(f.asr.TranscribeCalls[0].PCM); got != 640 {
		t.Errorf("ASR received %d bytes, want the full 640-byte segment", got)
	}
	if got := f.asr.TranscribeCalls[0].Format; got != sessionFormat {
		t.Errorf("ASR received format %s, want %s", got, sessionFormat)
	}

	if len(f.llm.RespondCalls) != 1 {
		t.Fatalf("LLM called %d times, want 1", len(f.llm.RespondCalls))
	}
	req := f.llm.RespondCalls[0].Req
	if req.Text != "what is the weather" {
		t.Errorf("generation request text = %q, want the transcript", req.Text)
	}
	if req.System != "Answer in one sentence." {
		t.Errorf("generation system prompt = %q, want the configured prompt", req.System)
	}
	if len(req.History) != 0 {
		t.Errorf("first turn carried %d history messages, want 0", len(req.History))
	}
}

// TestSentenceBoundaryChunking verifies the reply stream is cut into
// sentence-sized synthesis calls: text up to a terminator followed by
// whitespace goes out eagerly, the remainder is flushed at stream end, and
// tts_start brackets the whole reply rather than each sentence.
func TestSentenceBoundaryChunking(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.llm.Chunks = []llm.Chunk{
		{Text: "One fish. Two "},
		{Text: "fish."},
		{FinishReason: "stop"},
	}

	f.orch.Submit(context.Background(), makeSegment("seg-1", 640))
	f.orch.Wait()

	var texts []string
	for _, call := range f.tts.SynthesizeCalls {
		texts = append(texts, call.Text)
	}
	want := []string{"One fish.", "Two fish."}
	if !slices.Equal(texts, want) {
		t.Errorf("synthesized sentences = %q, want %q", texts, want)
	}

	if got := f.events.count(transport.EventTTSStart); got != 1 {
		t.Errorf("tts_start emitted %d times, want once per reply", got)
	}
	// Two synthesis calls, one 320-byte chunk each.
	if got := f.queue.Buffered(); got != 640 {
		t.Errorf("buffered = %d, want 640", got)
	}

	var doneMsg string
	for _, evt := range f.events.snapshot() {
		if evt.Type == transport.EventStatus && evt.Stage == "done" {
			doneMsg = evt.Message
		}
	}
	if doneMsg != "One fish. Two fish." {
		t.Errorf("done status message = %q, want the full reply", doneMsg)
	}
}

// ─── Barge-in ───────────────────────────────────────────────────────────────

// TestInterruptFlushesPendingAudio drives a turn into the streaming stage,
// holds it there with a stalled generation stream, and barges in. The flush
// must be synchronous, raise exactly one empty notification, reject late
// audio, and leave no trace in history or as an error event.
func TestInterruptFlushesPendingAudio(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	// The first sentence synthesizes immediately; the second chunk is an hour
	// out, pinning the turn mid-stream until the test interrupts it.
	f.llm.Chunks = []llm.Chunk{
		{Text: "Sunny all day. "},
		{Text: "And tomorrow too.", FinishReason: "stop"},
	}
	f.llm.ChunkInterval = time.Hour

	tr := f.orch.Submit(context.Background(), makeSegment("seg-1", 640))

	waitFor(t, 2*time.Second, "first sentence buffered", func() bool {
		return f.queue.Buffered() == 320
	})

	if !f.orch.Interrupt() {
		t.Fatal("Interrupt reported nothing to interrupt")
	}

	// Synchronous effects, before the turn goroutine has unwound.
	if got := f.queue.Buffered(); got != 0 {
		t.Errorf("buffered after barge-in = %d, want 0", got)
	}
	if !errors.Is(tr.Cause(), turn.ErrBargeIn) {
		t.Errorf("cause = %v, want ErrBargeIn", tr.Cause())
	}

	f.orch.Wait()

	if got := tr.Stage(); got != turn.StageCancelled {
		t.Errorf("stage = %s, want %s", got, turn.StageCancelled)
	}
	if got := f.empties(); len(got) != 1 || got[0] != "seg-1" {
		t.Errorf("empty notifications = %v, want exactly one for seg-1", got)
	}
	if got := f.queue.Buffered(); got != 0 {
		t.Errorf("late synthesis audio slipped past the flush: buffered = %d", got)
	}
	if got := f.orch.History(); len(got) != 0 {
		t.Errorf("cancelled turn committed %d history messages, want none", len(got))
	}

	// Barge-in is conversation, not failure.
	if got := f.events.count(transport.EventError); got != 0 {
		t.Errorf("barge-in produced %d error events, want none", got)
	}
	want := []string{
		"status:transcribing",
		"transcript",
		"status:generating",
		"status:synthesizing",
		"tts_start",
		"status:streaming",
		"status:cancelled",
	}
	if got := f.events.trace(); !slices.Equal(got, want) {
		t.Errorf("event sequence = %v, want %v", got, want)
	}
}

// TestSubmitPreemptsActiveTurn checks that a segment arriving while a turn is
// in flight carries barge-in semantics: the old turn is cancelled with
// ErrBargeIn and its buffered audio flushed before the new turn starts.
func TestSubmitPreemptsActiveTurn(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.llm.Chunks = []llm.Chunk{
		{Text: "Sunny all day. "},
		{Text: "And tomorrow too.", FinishReason: "stop"},
	}
	f.llm.ChunkInterval = time.Hour

	tr1 := f.orch.Submit(context.Background(), makeSegment("seg-1", 640))
	waitFor(t, 2*time.Second, "first turn streaming", func() bool {
		return f.queue.Buffered() == 320
	})

	tr2 := f.orch.Submit(context.Background(), makeSegment("seg-2", 640))

	if !errors.Is(tr1.Cause(), turn.ErrBargeIn) {
		t.Errorf("first turn cause = %v, want ErrBargeIn", tr1.Cause())
	}
	if got := f.empties(); len(got) == 0 || got[0] != "seg-1" {
		t.Errorf("empty notifications = %v, want seg-1 flushed first", got)
	}
	if got := f.orch.Active(); got != tr2 {
		t.Errorf("active turn = %v, want the new submission", got)
	}

	// The second turn reaches streaming on its own segment.
	waitFor(t, 2*time.Second, "second turn streaming", func() bool {
		return f.queue.Buffered() == 320 && f.queue.ActiveSegment() == "seg-2"
	})
	if got := f.events.count(transport.EventTranscript); got != 2 {
		t.Errorf("transcript events = %d, want one per turn", got)
	}

	f.orch.Interrupt()
	f.orch.Wait()

	if got := tr1.Stage(); got != turn.StageCancelled {
		t.Errorf("first turn stage = %s, want %s", got, turn.StageCancelled)
	}
	if got := f.orch.History(); len(got) != 0 {
		t.Errorf("preempted turns committed %d history messages, want none", len(got))
	}
	if got := f.events.count(transport.EventError); got != 0 {
		t.Errorf("preemption produced %d error events, want none", got)
	}
}

// TestInterruptIdleIsNoOp: with no active turn and no draining audio there is
// nothing to barge into, so Interrupt must not flush or notify.
func TestInterruptIdleIsNoOp(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	if f.orch.Interrupt() {
		t.Error("Interrupt on an idle orchestrator reported an interruption")
	}
	if got := f.empties(); len(got) != 0 {
		t.Errorf("idle Interrupt raised empty notifications: %v", got)
	}
	if got := len(f.events.snapshot()); got != 0 {
		t.Errorf("idle Interrupt emitted %d events, want none", got)
	}
}

// ─── Failure paths ──────────────────────────────────────────────────────────

// TestTranscriptionFailure: an ASR error aborts the turn before generation,
// surfaces as an error event with the asr kind, and leaves the orchestrator
// idle.
func TestTranscriptionFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.asr.Err = errors.New("decoder crashed")

	tr := f.orch.Submit(context.Background(), makeSegment("seg-1", 640))
	f.orch.Wait()

	if got := tr.Stage(); got != turn.StageCancelled {
		t.Errorf("stage = %s, want %s", got, turn.StageCancelled)
	}
	evt, ok := f.events.first(transport.EventError)
	if !ok {
		t.Fatal("no error event emitted")
	}
	if evt.Kind != "asr" {
		t.Errorf("error kind = %q, want %q", evt.Kind, "asr")
	}
	if !strings.Contains(evt.Message, "decoder crashed") {
		t.Errorf("error message = %q, want the provider failure", evt.Message)
	}

	if got := len(f.llm.RespondCalls); got != 0 {
		t.Errorf("generation called %d times after ASR failure, want 0", got)
	}
	if got := f.orch.History(); len(got) != 0 {
		t.Errorf("failed turn committed %d history messages, want none", len(got))
	}
	if f.orch.Active() != nil {
		t.Error("orchestrator still reports an active turn after failure")
	}

	want := []string{"status:transcribing", "status:cancelled", "error"}
	if got := f.events.trace(); !slices.Equal(got, want) {
		t.Errorf("event sequence = %v, want %v", got, want)
	}
}

// TestEmptyTranscriptSkipsGeneration: silence that transcribes to nothing
// abandons the turn quietly. No generation call, no transcript event, no
// error event.
func TestEmptyTranscriptSkipsGeneration(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.asr.Text = "   \n"

	tr := f.orch.Submit(context.Background(), makeSegment("seg-1", 640))
	f.orch.Wait()

	if got := tr.Stage(); got != turn.StageCancelled {
		t.Errorf("stage = %s, want %s", got, turn.StageCancelled)
	}
	if got := len(f.llm.RespondCalls); got != 0 {
		t.Errorf("generation called %d times for an empty transcript, want 0", got)
	}

	want := []string{"status:transcribing", "status:cancelled"}
	if got := f.events.trace(); !slices.Equal(got, want) {
		t.Errorf("event sequence = %v, want %v", got, want)
	}
}

// TestFirstTokenWatchdog: a generation backend that accepts the request but
// produces no output within the first-token window fails the turn with the
// timeout kind instead of hanging until the full generation deadline.
func TestFirstTokenWatchdog(t *testing.T) {
	t.Parallel()

	f := newFixture(t, turn.WithTimeouts(turn.Timeouts{LLMFirstToken: 25 * time.Millisecond}))
	f.llm.StartDelay = 5 * time.Second

	tr := f.orch.Submit(context.Background(), makeSegment("seg-1", 640))
	f.orch.Wait()

	if got := tr.Stage(); got != turn.StageCancelled {
		t.Errorf("stage = %s, want %s", got, turn.StageCancelled)
	}
	evt, ok := f.events.first(transport.EventError)
	if !ok {
		t.Fatal("no error event emitted")
	}
	if evt.Kind != "timeout" {
		t.Errorf("error kind = %q, want %q", evt.Kind, "timeout")
	}
	if got := len(f.tts.SynthesizeCalls); got != 0 {
		t.Errorf("synthesis called %d times after watchdog fired, want 0", got)
	}
}

// TestMidStreamGenerationFailure: a stream that dies with an error finish
// reason aborts the turn with the generation kind and synthesizes nothing.
func TestMidStreamGenerationFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.llm.Chunks = []llm.Chunk{
		{Text: "Let me see"},
		{Text: "backend overloaded", FinishReason: "error"},
	}

	tr := f.orch.Submit(context.Background(), makeSegment("seg-1", 640))
	f.orch.Wait()

	if got := tr.Stage(); got != turn.StageCancelled {
		t.Errorf("stage = %s, want %s", got, turn.StageCancelled)
	}
	evt, ok := f.events.first(transport.EventError)
	if !ok {
		t.Fatal("no error event emitted")
	}
	if evt.Kind != "generation" {
		t.Errorf("error kind = %q, want %q", evt.Kind, "generation")
	}
	if !strings.Contains(evt.Message, "backend overloaded") {
		t.Errorf("error message = %q, want the backend failure", evt.Message)
	}
	if got := len(f.tts.SynthesizeCalls); got != 0 {
		t.Errorf("synthesis called %d times for a dead stream, want 0", got)
	}
	if got := f.queue.Buffered(); got != 0 {
		t.Errorf("buffered = %d, want 0", got)
	}
}

// TestSynthesisFailure: a TTS error fails the turn with the synthesis kind
// after tts_start already went out.
func TestSynthesisFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.tts.Err = errors.New("voice model missing")

	tr := f.orch.Submit(context.Background(), makeSegment("seg-1", 640))
	f.orch.Wait()

	if got := tr.Stage(); got != turn.StageCancelled {
		t.Errorf("stage = %s, want %s", got, turn.StageCancelled)
	}
	evt, ok := f.events.first(transport.EventError)
	if !ok {
		t.Fatal("no error event emitted")
	}
	if evt.Kind != "synthesis" {
		t.Errorf("error kind = %q, want %q", evt.Kind, "synthesis")
	}

	want := []string{
		"status:transcribing",
		"transcript",
		"status:generating",
		"status:synthesizing",
		"tts_start",
		"status:cancelled",
		"error",
	}
	if got := f.events.trace(); !slices.Equal(got, want) {
		t.Errorf("event sequence = %v, want %v", got, want)
	}
}

// ─── History ────────────────────────────────────────────────────────────────

// TestHistoryAccumulatesAndTrims: the second turn's generation request sees
// the first exchange, and a depth of one keeps only the newest exchange
// afterwards.
func TestHistoryAccumulatesAndTrims(t *testing.T) {
	t.Parallel()

	f := newFixture(t, turn.WithMaxHistoryTurns(1))

	f.asr.Text = "first utterance"
	f.orch.Submit(context.Background(), makeSegment("seg-1", 640))
	f.orch.Wait()

	f.asr.Text = "second utterance"
	f.orch.Submit(context.Background(), makeSegment("seg-2", 640))
	f.orch.Wait()

	if len(f.llm.RespondCalls) != 2 {
		t.Fatalf("LLM called %d times, want 2", len(f.llm.RespondCalls))
	}
	prior := f.llm.RespondCalls[1].Req.History
	if len(prior) != 2 || prior[0].Content != "first utterance" {
		t.Errorf("second request history = %+v, want the first exchange", prior)
	}

	hist := f.orch.History()
	if len(hist) != 2 {
		t.Fatalf("history holds %d messages after trim, want 2", len(hist))
	}
	if hist[0].Role != voice.RoleUser || hist[0].Content != "second utterance" {
		t.Errorf("history[0] = %+v, want the newest user utterance", hist[0])
	}
}

// ─── Construction ───────────────────────────────────────────────────────────

func TestNewValidatesConfiguration(t *testing.T) {
	t.Parallel()

	a := &asrmock.Provider{}
	l := &llmmock.Provider{}
	s := &ttsmock.Provider{}
	queue, err := playback.New(sessionFormat, func([]byte) error { return nil })
	if err != nil {
		t.Fatalf("playback.New: %v", err)
	}
	t.Cleanup(func() { queue.Close() })

	tests := []struct {
		name   string
		p      turn.Providers
		format audio.Format
		queue  *playback.Queue
	}{
		{"missing asr", turn.Providers{LLM: l, TTS: s}, sessionFormat, queue},
		{"missing llm", turn.Providers{ASR: a, TTS: s}, sessionFormat, queue},
		{"missing tts", turn.Providers{ASR: a, LLM: l}, sessionFormat, queue},
		{"invalid format", turn.Providers{ASR: a, LLM: l, TTS: s}, audio.Format{}, queue},
		{"nil queue", turn.Providers{ASR: a, LLM: l, TTS: s}, sessionFormat, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := turn.New(tt.p, tt.format, tt.queue, nil)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !voice.IsKind(err, voice.KindConfiguration) {
				t.Errorf("error kind = %q, want %q", voice.KindOf(err), voice.KindConfiguration)
			}
		})
	}
}
