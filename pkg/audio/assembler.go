// Package audio provides the PCM primitives of the capture pipeline: stream
// formats, fixed-size frames, energy measurement, frame assembly from
// arbitrarily chopped byte streams, speech-segment accumulation, and format
// conversion.
package audio

import (
	"time"

	"github.com/murmux/murmux/pkg/voice"
)

// FrameAssembler reassembles a byte stream arriving in arbitrarily sized
// chunks into fixed-length [AudioFrame] values. It keeps a residual tail
// between calls, so the emitted frame sequence is independent of how the
// stream was chopped. No frame is ever emitted twice.
//
// Not safe for concurrent use; an assembler belongs to exactly one capture
// flow.
type FrameAssembler struct {
	frameBytes int
	frameDur   time.Duration

	tail []byte
	seq  uint64
}

// NewFrameAssembler creates an assembler producing frames of frameDuration
// worth of samples at the given format. The frame size is fixed for the
// assembler's lifetime. Returns a configuration error when the derived frame
// size is not a positive multiple of the format's sample width.
func NewFrameAssembler(format Format, frameDuration time.Duration) (*FrameAssembler, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	frameBytes := format.Bytes(frameDuration)
	if frameBytes <= 0 {
		return nil, voice.Errorf(voice.KindConfiguration,
			"audio: frame duration %v yields %d-byte frames at %s", frameDuration, frameBytes, format)
	}
	if frameBytes%format.SampleWidth() != 0 {
		return nil, voice.Errorf(voice.KindConfiguration,
			"audio: frame size %d is not a multiple of the %d-byte sample width", frameBytes, format.SampleWidth())
	}
	return &FrameAssembler{
		frameBytes: frameBytes,
		frameDur:   frameDuration,
	}, nil
}

// Push appends p to the residual tail and slices out every complete frame now
// available. Each returned frame owns its data; later pushes never mutate it.
// Returns nil when p did not complete a frame.
func (a *FrameAssembler) Push(p []byte) []AudioFrame {
	a.tail = append(a.tail, p...)
	if len(a.tail) < a.frameBytes {
		return nil
	}

	frames := make([]AudioFrame, 0, len(a.tail)/a.frameBytes)
	for len(a.tail) >= a.frameBytes {
		data := make([]byte, a.frameBytes)
		copy(data, a.tail[:a.frameBytes])
		a.tail = a.tail[a.frameBytes:]

		frames = append(frames, AudioFrame{
			Data:      data,
			Seq:       a.seq,
			Timestamp: time.Duration(a.seq) * a.frameDur,
		})
		a.seq++
	}

	// Re-home the residual so the emitted frames and the tail never share
	// a backing array with future pushes.
	if len(a.tail) > 0 {
		rest := make([]byte, len(a.tail), a.frameBytes)
		copy(rest, a.tail)
		a.tail = rest
	} else {
		a.tail = nil
	}
	return frames
}

// FrameBytes returns the fixed size of emitted frames.
func (a *FrameAssembler) FrameBytes() int { return a.frameBytes }

// FrameDuration returns the duration of one frame.
func (a *FrameAssembler) FrameDuration() time.Duration { return a.frameDur }

// Pending returns the residual byte count waiting for the next push.
func (a *FrameAssembler) Pending() int { return len(a.tail) }

// Reset discards the residual tail and restarts the sequence clock. Used on
// session teardown, never mid-stream.
func (a *FrameAssembler) Reset() {
	a.tail = nil
	a.seq = 0
}
