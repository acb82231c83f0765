// Package vad implements energy-based voice activity detection over the
// fixed-size frames produced by the capture pipeline.
//
// The [Detector] consumes one [audio.AudioFrame] at a time and reports the
// boundaries of speech as [Event] values:
//
//   - [SpeechStart] — a speech run began and survived the minimum-duration
//     confirmation. The event is emitted only once the run is confirmed, but
//     its At field is back-dated to the frame where the energy first rose, so
//     downstream consumers lose no leading audio.
//   - [SpeechEnd] — a confirmed run ended after the configured silence
//     duration elapsed with no voiced frame. VoiceEnd carries the end of the
//     last voiced frame, which is where the utterance actually stopped.
//
// A run that falls silent before confirmation is discarded without emitting
// anything, so threshold-crossing noise blips produce no events at all.
//
// All speech and silence arithmetic runs on the session sample clock (frame
// timestamps), never on wall-clock time. A transport stall therefore cannot
// accumulate phantom silence across the gap; the wall clock is consulted only
// by [Detector.Stalled], which bounds how long a run may stay open while no
// frames arrive at all.
//
// A Detector is owned by exactly one capture flow and is not safe for
// concurrent use.
package vad

import (
	"time"

	"github.com/murmux/murmux/pkg/audio"
	"github.com/murmux/murmux/pkg/voice"
)

// EventType classifies the speech boundaries emitted by a [Detector].
type EventType int

const (
	// SpeechStart marks a confirmed speech run. At is the back-dated rise.
	SpeechStart EventType = iota

	// SpeechEnd marks the end of a confirmed run after sustained silence.
	SpeechEnd
)

// String returns the human-readable name of the event type.
func (t EventType) String() string {
	switch t {
	case SpeechStart:
		return "SPEECH_START"
	case SpeechEnd:
		return "SPEECH_END"
	default:
		return "UNKNOWN"
	}
}

// Event is one detected speech boundary on the session sample clock.
type Event struct {
	Type EventType

	// At is the boundary position: the start of the rise frame for
	// [SpeechStart], the detection point for [SpeechEnd].
	At time.Duration

	// VoiceEnd is the end of the last voiced frame. Set for [SpeechEnd]
	// only; the audio between VoiceEnd and At is trailing silence.
	VoiceEnd time.Duration
}

// Phase is the externally visible detector state.
type Phase int

const (
	// PhaseSilent means no speech run is open.
	PhaseSilent Phase = iota

	// PhasePending means energy rose but the run is not yet confirmed.
	PhasePending

	// PhaseSpeaking means a confirmed run is open (SpeechStart emitted).
	PhaseSpeaking
)

// String returns the human-readable name of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseSilent:
		return "SILENT"
	case PhasePending:
		return "PENDING"
	case PhaseSpeaking:
		return "SPEAKING"
	default:
		return "UNKNOWN"
	}
}

// Config holds every detection parameter. All tuning is configuration; the
// detector hard-codes nothing about the expected speech.
type Config struct {
	// FrameDuration is the duration of one input frame. Required.
	FrameDuration time.Duration

	// Threshold is the smoothed-energy level above which a frame counts as
	// voiced. Energies are normalized mean-square values in [0, 1].
	Threshold float64

	// SmoothingWindow is the number of recent frame energies averaged before
	// the threshold comparison. 1 disables smoothing. Until the window
	// fills, the average runs over the frames seen so far.
	SmoothingWindow int

	// MinSpeechDuration is how long a run must stay voiced before it is
	// confirmed and SpeechStart is emitted. Runs that die earlier emit
	// nothing. Zero confirms on the rise frame itself.
	MinSpeechDuration time.Duration

	// MaxSilenceDuration is how much silence after the last voiced frame
	// ends a run.
	MaxSilenceDuration time.Duration

	// WatchdogInterval bounds the wall-clock gap between frames before
	// [Detector.Stalled] reports the stream dead. Zero disables the
	// watchdog.
	WatchdogInterval time.Duration
}

// DefaultConfig returns detection parameters tuned for 16kHz speech capture:
// threshold 1e-4, smoothing over 5 frames, 250ms minimum speech, 500ms
// maximum silence and a 2s stream watchdog.
func DefaultConfig(frameDuration time.Duration) Config {
	return Config{
		FrameDuration:      frameDuration,
		Threshold:          1e-4,
		SmoothingWindow:    5,
		MinSpeechDuration:  250 * time.Millisecond,
		MaxSilenceDuration: 500 * time.Millisecond,
		WatchdogInterval:   2 * time.Second,
	}
}

func (c Config) validate() error {
	if c.FrameDuration <= 0 {
		return voice.Errorf(voice.KindConfiguration, "vad: frame duration %v must be positive", c.FrameDuration)
	}
	if c.Threshold <= 0 {
		return voice.Errorf(voice.KindConfiguration, "vad: threshold %v must be positive", c.Threshold)
	}
	if c.SmoothingWindow < 1 {
		return voice.Errorf(voice.KindConfiguration, "vad: smoothing window %d must be at least 1", c.SmoothingWindow)
	}
	if c.MinSpeechDuration < 0 {
		return voice.Errorf(voice.KindConfiguration, "vad: min speech duration %v must not be negative", c.MinSpeechDuration)
	}
	if c.MaxSilenceDuration <= 0 {
		return voice.Errorf(voice.KindConfiguration, "vad: max silence duration %v must be positive", c.MaxSilenceDuration)
	}
	if c.WatchdogInterval < 0 {
		return voice.Errorf(voice.KindConfiguration, "vad: watchdog interval %v must not be negative", c.WatchdogInterval)
	}
	return nil
}

// Option configures a [Detector] during construction.
type Option func(*Detector)

// WithClock replaces the wall-clock source used for stall detection.
// The default is [time.Now].
func WithClock(now func() time.Time) Option {
	return func(d *Detector) {
		d.now = now
	}
}

// Detector is the energy-based voice activity detector. Create one per
// session with [New] and feed it every assembled frame in order.
type Detector struct {
	cfg Config
	now func() time.Time

	// ring of the most recent frame energies, for smoothing
	window []float64
	head   int
	filled int

	speaking    bool
	confirmed   bool
	speechStart time.Duration
	voiceEnd    time.Duration
	lastSeen    time.Duration
	lastArrival time.Time
}

// New creates a Detector. Returns a configuration error when cfg is invalid.
func New(cfg Config, opts ...Option) (*Detector, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	d := &Detector{
		cfg:    cfg,
		now:    time.Now,
		window: make([]float64, cfg.SmoothingWindow),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Update processes one frame and returns a boundary event when this frame
// produced one. Frames must arrive in capture order.
func (d *Detector) Update(frame audio.AudioFrame) (Event, bool) {
	d.lastArrival = d.now()
	frameEnd := frame.Timestamp + d.cfg.FrameDuration
	d.lastSeen = frameEnd

	smoothed := d.smooth(audio.Energy(frame.Data))
	voiced := smoothed > d.cfg.Threshold

	switch {
	case voiced && !d.speaking:
		d.speaking = true
		d.confirmed = false
		d.speechStart = frame.Timestamp
		d.voiceEnd = frameEnd
		if frameEnd-d.speechStart >= d.cfg.MinSpeechDuration {
			d.confirmed = true
			return Event{Type: SpeechStart, At: d.speechStart}, true
		}

	case voiced && d.speaking:
		d.voiceEnd = frameEnd
		if !d.confirmed && d.voiceEnd-d.speechStart >= d.cfg.MinSpeechDuration {
			d.confirmed = true
			return Event{Type: SpeechStart, At: d.speechStart}, true
		}

	case !voiced && d.speaking:
		if frameEnd-d.voiceEnd >= d.cfg.MaxSilenceDuration {
			confirmed, voiceEnd := d.confirmed, d.voiceEnd
			d.endRun()
			if confirmed {
				return Event{Type: SpeechEnd, At: frameEnd, VoiceEnd: voiceEnd}, true
			}
		}
	}
	return Event{}, false
}

// ForceEnd closes an open run immediately, returning the SpeechEnd event when
// the run was confirmed. Pending runs are dropped silently. Used on stream
// stall and session teardown.
func (d *Detector) ForceEnd() (Event, bool) {
	confirmed := d.speaking && d.confirmed
	voiceEnd, lastSeen := d.voiceEnd, d.lastSeen
	d.endRun()
	if !confirmed {
		return Event{}, false
	}
	return Event{Type: SpeechEnd, At: lastSeen, VoiceEnd: voiceEnd}, true
}

// Reset returns the detector to its pristine silent state, clearing the
// smoothing window and the run in progress.
func (d *Detector) Reset() {
	d.endRun()
	for i := range d.window {
		d.window[i] = 0
	}
	d.head = 0
	d.filled = 0
	d.lastSeen = 0
	d.lastArrival = time.Time{}
}

// Phase returns the current detector phase.
func (d *Detector) Phase() Phase {
	switch {
	case !d.speaking:
		return PhaseSilent
	case d.confirmed:
		return PhaseSpeaking
	default:
		return PhasePending
	}
}

// Stalled reports whether a run is open and no frame has arrived for longer
// than WatchdogInterval of wall-clock time. The capture flow polls this and
// forces the end of stalled runs. Always false when the watchdog is disabled.
func (d *Detector) Stalled(now time.Time) bool {
	if d.cfg.WatchdogInterval <= 0 || !d.speaking || d.lastArrival.IsZero() {
		return false
	}
	return now.Sub(d.lastArrival) > d.cfg.WatchdogInterval
}

func (d *Detector) endRun() {
	d.speaking = false
	d.confirmed = false
	d.speechStart = 0
	d.voiceEnd = 0
}

// smooth records e and returns the mean over the filled window.
func (d *Detector) smooth(e float64) float64 {
	d.window[d.head] = e
	d.head = (d.head + 1) % len(d.window)
	if d.filled < len(d.window) {
		d.filled++
	}
	var sum float64
	for i := range d.filled {
		sum += d.window[i]
	}
	return sum / float64(d.filled)
}
