package audio

import (
	"fmt"
	"time"

	"github.com/murmux/murmux/pkg/voice"
)

// Format describes the PCM layout of an audio stream. It is fixed at session
// configuration time, announced once over the transport, and not renegotiable
// mid-session.
type Format struct {
	// SampleRate in Hz (e.g. 16000 for capture, 24000 for some TTS output).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// BitsPerSample is the width of a single sample. Only 16-bit signed
	// little-endian PCM is supported.
	BitsPerSample int
}

// SampleWidth returns the byte count of one sample instant across all
// channels.
func (f Format) SampleWidth() int {
	return f.Channels * f.BitsPerSample / 8
}

// BytesPerSecond returns the PCM byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.SampleWidth()
}

// Bytes returns the PCM byte count spanning d at this format.
func (f Format) Bytes(d time.Duration) int {
	return int(int64(f.BytesPerSecond()) * int64(d) / int64(time.Second))
}

// Validate reports a configuration error when the format cannot carry the
// pipeline's PCM.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return voice.Errorf(voice.KindConfiguration, "audio: sample rate %d must be positive", f.SampleRate)
	}
	if f.Channels != 1 && f.Channels != 2 {
		return voice.Errorf(voice.KindConfiguration, "audio: %d channels unsupported (want mono or stereo)", f.Channels)
	}
	if f.BitsPerSample != 16 {
		return voice.Errorf(voice.KindConfiguration, "audio: %d bits per sample unsupported (want 16)", f.BitsPerSample)
	}
	return nil
}

// String returns a human-readable description, e.g. "16000Hz mono".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// AudioFrame is a fixed-length slice of PCM flowing through the capture
// pipeline. Frames are the atomic unit of speech detection: the assembler
// produces them at a fixed size, the detector classifies them, and the
// segment buffer accumulates them into utterances. A frame is immutable once
// produced.
type AudioFrame struct {
	// Data is little-endian int16 PCM of exactly the configured frame size.
	Data []byte

	// Seq increases by one per frame, starting at zero, with no gaps.
	Seq uint64

	// Timestamp is the frame's position on the session sample clock:
	// Seq × frame duration.
	Timestamp time.Duration
}

// Energy returns the normalized mean-square energy of little-endian int16
// PCM: mean((s/32768)²) over all samples, a value in [0, 1]. Empty or
// sub-sample input yields 0.
func Energy(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n*2; i += 2 {
		s := float64(int16(pcm[i])|int16(pcm[i+1])<<8) / 32768
		sum += s * s
	}
	return sum / float64(n)
}
