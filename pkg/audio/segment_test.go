package audio_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/murmux/murmux/pkg/audio"
	"github.com/murmux/murmux/pkg/voice"
)

const frameDur = 20 * time.Millisecond

// frameAt builds a frame for sequence number seq whose payload encodes seq,
// so segment contents can be traced back to their source frames.
func frameAt(seq uint64) audio.AudioFrame {
	return audio.AudioFrame{
		Data:      []byte{byte(seq), byte(seq >> 8)},
		Seq:       seq,
		Timestamp: time.Duration(seq) * frameDur,
	}
}

func newSegmentBuffer(t *testing.T, preRoll, padding time.Duration) *audio.SegmentBuffer {
	t.Helper()
	b, err := audio.NewSegmentBuffer(audio.SegmentBufferConfig{
		FrameDuration:  frameDur,
		PreRoll:        preRoll,
		SilencePadding: padding,
	})
	if err != nil {
		t.Fatalf("NewSegmentBuffer: %v", err)
	}
	return b
}

func TestSegmentBuffer_PreRollEviction(t *testing.T) {
	b := newSegmentBuffer(t, 100*time.Millisecond, 0)

	for seq := uint64(0); seq < 20; seq++ {
		b.Append(frameAt(seq))
	}

	// Newest frame is at 380ms; the ring keeps frames from 280ms on, which
	// is frames 14 through 19.
	if b.Len() != 6 {
		t.Fatalf("ring holds %d frames, want 6", b.Len())
	}
	if b.InProgress() {
		t.Error("buffer reports a segment in progress before Open")
	}
}

func TestSegmentBuffer_OpenBackdated(t *testing.T) {
	b := newSegmentBuffer(t, 100*time.Millisecond, 0)

	// Ten frames arrive before the start is confirmed; the confirmation
	// back-dates the segment to 100ms (frame 5), inside the pre-roll window.
	for seq := uint64(0); seq < 10; seq++ {
		b.Append(frameAt(seq))
	}
	b.Open(100 * time.Millisecond)
	if !b.InProgress() {
		t.Fatal("buffer not in progress after Open")
	}
	for seq := uint64(10); seq < 15; seq++ {
		b.Append(frameAt(seq))
	}

	seg := b.Finalize("seg-1", 300*time.Millisecond)
	if seg == nil {
		t.Fatal("Finalize returned nil")
	}
	if seg.ID != "seg-1" {
		t.Errorf("segment ID = %q, want %q", seg.ID, "seg-1")
	}
	if len(seg.Frames) != 10 {
		t.Fatalf("segment holds %d frames, want 10", len(seg.Frames))
	}
	if seg.Frames[0].Seq != 5 {
		t.Errorf("first frame seq = %d, want 5 (back-dated start)", seg.Frames[0].Seq)
	}
	if seg.Start != 100*time.Millisecond {
		t.Errorf("segment start = %v, want 100ms", seg.Start)
	}
	if seg.End != 300*time.Millisecond {
		t.Errorf("segment end = %v, want 300ms", seg.End)
	}
	if seg.Duration() != 200*time.Millisecond {
		t.Errorf("segment duration = %v, want 200ms", seg.Duration())
	}
}

func TestSegmentBuffer_TrailingSilenceTrimmed(t *testing.T) {
	// An utterance whose voice ends at 300ms but whose end is only detected
	// far later keeps 200ms of padding, nothing more: frames 0 through 24.
	b := newSegmentBuffer(t, 0, 200*time.Millisecond)

	b.Open(0)
	for seq := uint64(0); seq < 45; seq++ {
		b.Append(frameAt(seq))
	}

	seg := b.Finalize("seg-1", 300*time.Millisecond)
	if seg == nil {
		t.Fatal("Finalize returned nil")
	}
	if len(seg.Frames) != 25 {
		t.Fatalf("segment holds %d frames, want 25", len(seg.Frames))
	}
	if last := seg.Frames[len(seg.Frames)-1].Seq; last != 24 {
		t.Errorf("last frame seq = %d, want 24", last)
	}
	if seg.End != 500*time.Millisecond {
		t.Errorf("segment end = %v, want 500ms", seg.End)
	}
}

func TestSegmentBuffer_NoLeakageAcrossSegments(t *testing.T) {
	b := newSegmentBuffer(t, 100*time.Millisecond, 0)

	b.Open(0)
	for seq := uint64(0); seq < 10; seq++ {
		b.Append(frameAt(seq))
	}
	first := b.Finalize("seg-1", 200*time.Millisecond)
	if first == nil {
		t.Fatal("first Finalize returned nil")
	}
	if b.Len() != 0 {
		t.Fatalf("buffer holds %d frames after Finalize, want 0", b.Len())
	}
	if b.InProgress() {
		t.Fatal("buffer still in progress after Finalize")
	}

	for seq := uint64(10); seq < 20; seq++ {
		b.Append(frameAt(seq))
	}
	b.Open(280 * time.Millisecond) // frame 14
	for seq := uint64(20); seq < 25; seq++ {
		b.Append(frameAt(seq))
	}
	second := b.Finalize("seg-2", 500*time.Millisecond)
	if second == nil {
		t.Fatal("second Finalize returned nil")
	}

	for _, f := range second.Frames {
		if f.Seq < 14 {
			t.Errorf("frame %d from before the second segment leaked in", f.Seq)
		}
		for _, old := range first.Frames {
			if f.Seq == old.Seq {
				t.Errorf("frame %d appears in both segments", f.Seq)
			}
		}
	}
}

func TestSegmentBuffer_FinalizeWhenClosed(t *testing.T) {
	b := newSegmentBuffer(t, 100*time.Millisecond, 0)
	b.Append(frameAt(0))
	if seg := b.Finalize("seg-1", time.Second); seg != nil {
		t.Errorf("Finalize on a closed buffer returned %+v, want nil", seg)
	}
}

func TestSegmentBuffer_FinalizeNothingSurvives(t *testing.T) {
	b := newSegmentBuffer(t, 0, 0)
	b.Open(0)
	for seq := uint64(10); seq < 13; seq++ {
		b.Append(frameAt(seq))
	}
	// Voice ended before any held frame: everything is trimmed away.
	if seg := b.Finalize("seg-1", 0); seg != nil {
		t.Errorf("Finalize returned %+v, want nil", seg)
	}
	if b.Len() != 0 || b.InProgress() {
		t.Error("buffer not empty and closed after a fully trimmed Finalize")
	}
}

func TestSegmentBuffer_Discard(t *testing.T) {
	b := newSegmentBuffer(t, 100*time.Millisecond, 0)
	b.Open(0)
	for seq := uint64(0); seq < 5; seq++ {
		b.Append(frameAt(seq))
	}
	b.Discard()
	if b.Len() != 0 {
		t.Errorf("buffer holds %d frames after Discard, want 0", b.Len())
	}
	if b.InProgress() {
		t.Error("buffer still in progress after Discard")
	}
}

func TestNewSegmentBuffer_Errors(t *testing.T) {
	tests := []struct {
		name string
		cfg  audio.SegmentBufferConfig
	}{
		{"zero frame duration", audio.SegmentBufferConfig{FrameDuration: 0}},
		{"negative pre-roll", audio.SegmentBufferConfig{FrameDuration: frameDur, PreRoll: -time.Millisecond}},
		{"negative padding", audio.SegmentBufferConfig{FrameDuration: frameDur, SilencePadding: -time.Millisecond}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := audio.NewSegmentBuffer(tt.cfg)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !voice.IsKind(err, voice.KindConfiguration) {
				t.Errorf("error kind = %q, want %q", voice.KindOf(err), voice.KindConfiguration)
			}
		})
	}
}

func TestSpeechSegment_PCM(t *testing.T) {
	b := newSegmentBuffer(t, 0, 0)
	b.Open(0)
	b.Append(audio.AudioFrame{Data: []byte{1, 2}, Seq: 0, Timestamp: 0})
	b.Append(audio.AudioFrame{Data: []byte{3, 4}, Seq: 1, Timestamp: frameDur})

	seg := b.Finalize("seg-1", 2*frameDur)
	if seg == nil {
		t.Fatal("Finalize returned nil")
	}
	want := []byte{1, 2, 3, 4}
	if got := seg.PCM(); !bytes.Equal(got, want) {
		t.Errorf("PCM() = %v, want %v", got, want)
	}
}
