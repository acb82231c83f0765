package audio

import (
	"time"

	"github.com/murmux/murmux/pkg/voice"
)

// SpeechSegment is the contiguous audio of one detected utterance: an ordered
// run of frames with the boundary timestamps set at finalize. Once finalized
// the segment is owned by the turn pipeline and is no longer touched by the
// capture side.
type SpeechSegment struct {
	// ID is unique per session.
	ID string

	// Frames in capture order.
	Frames []AudioFrame

	// Start is the timestamp of the first frame; End is the end of the last
	// kept frame. Both on the session sample clock.
	Start time.Duration
	End   time.Duration
}

// Duration returns the audio span covered by the segment.
func (s *SpeechSegment) Duration() time.Duration { return s.End - s.Start }

// PCM concatenates the segment's frames into one buffer.
func (s *SpeechSegment) PCM() []byte {
	var n int
	for _, f := range s.Frames {
		n += len(f.Data)
	}
	out := make([]byte, 0, n)
	for _, f := range s.Frames {
		out = append(out, f.Data...)
	}
	return out
}

// SegmentBufferConfig sizes a [SegmentBuffer].
type SegmentBufferConfig struct {
	// FrameDuration is the duration of one frame, used to compute segment
	// end times and ring eviction. Required.
	FrameDuration time.Duration

	// PreRoll bounds how much audio is retained while no segment is open, so
	// that a speech start confirmed after the fact loses no leading frames.
	PreRoll time.Duration

	// SilencePadding bounds how much trailing audio after the last voiced
	// frame survives finalize. Zero trims everything after the voice ended.
	SilencePadding time.Duration
}

// SegmentBuffer accumulates the frames of one in-progress speech segment. It
// sees every assembled frame: while no segment is open it keeps a bounded
// pre-roll ring, and once opened it grows until finalized or discarded.
// Frames are never retained across segments — finalize and discard both leave
// the buffer empty, so no audio from one utterance can leak into the next.
//
// Owned by the capture flow; not safe for concurrent use.
type SegmentBuffer struct {
	cfg    SegmentBufferConfig
	open   bool
	frames []AudioFrame
}

// NewSegmentBuffer creates an empty buffer. Returns a configuration error
// when FrameDuration is not positive or a padding knob is negative.
func NewSegmentBuffer(cfg SegmentBufferConfig) (*SegmentBuffer, error) {
	if cfg.FrameDuration <= 0 {
		return nil, voice.Errorf(voice.KindConfiguration, "audio: segment buffer frame duration %v must be positive", cfg.FrameDuration)
	}
	if cfg.PreRoll < 0 || cfg.SilencePadding < 0 {
		return nil, voice.Errorf(voice.KindConfiguration, "audio: segment buffer padding must not be negative")
	}
	return &SegmentBuffer{cfg: cfg}, nil
}

// Append adds a frame. While no segment is open, frames older than the
// pre-roll window relative to the newest frame are evicted.
func (b *SegmentBuffer) Append(f AudioFrame) {
	b.frames = append(b.frames, f)
	if b.open {
		return
	}
	cutoff := f.Timestamp - b.cfg.PreRoll
	i := 0
	for i < len(b.frames) && b.frames[i].Timestamp < cutoff {
		i++
	}
	if i > 0 {
		b.frames = b.frames[i:]
	}
}

// Open marks the segment in progress, keeping only frames from the detected
// speech start onward. Frames appended from now on extend the segment
// unconditionally.
func (b *SegmentBuffer) Open(at time.Duration) {
	i := 0
	for i < len(b.frames) && b.frames[i].Timestamp < at {
		i++
	}
	if i > 0 {
		b.frames = b.frames[i:]
	}
	b.open = true
}

// Finalize closes the open segment: frames starting at or after
// voiceEnd + SilencePadding are trimmed away, and the remainder becomes the
// returned segment. The buffer is empty afterwards. Returns nil when nothing
// was open or no frames survive the trim.
func (b *SegmentBuffer) Finalize(id string, voiceEnd time.Duration) *SpeechSegment {
	if !b.open {
		return nil
	}
	keepUntil := voiceEnd + b.cfg.SilencePadding
	n := len(b.frames)
	for n > 0 && b.frames[n-1].Timestamp >= keepUntil {
		n--
	}

	var seg *SpeechSegment
	if n > 0 {
		frames := make([]AudioFrame, n)
		copy(frames, b.frames[:n])
		seg = &SpeechSegment{
			ID:     id,
			Frames: frames,
			Start:  frames[0].Timestamp,
			End:    frames[n-1].Timestamp + b.cfg.FrameDuration,
		}
	}
	b.frames = nil
	b.open = false
	return seg
}

// Discard drops the open segment (or the pre-roll ring) without emitting.
func (b *SegmentBuffer) Discard() {
	b.frames = nil
	b.open = false
}

// InProgress reports whether a segment is currently open.
func (b *SegmentBuffer) InProgress() bool { return b.open }

// Len returns the number of frames currently held.
func (b *SegmentBuffer) Len() int { return len(b.frames) }
