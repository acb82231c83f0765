// Package asr defines the Provider interface for speech-to-text backends.
//
// An ASR provider wraps a transcription service (the OpenAI audio API, a
// local whisper.cpp server or model) behind a single batch call: one
// finalized speech segment in, its text out. Utterance segmentation happens
// upstream — the voice activity detector decides where a segment ends — so
// providers carry no streaming session state.
//
// Implementations must be safe for concurrent use. The pipeline transcribes
// at most one segment per session at a time, but many sessions may share one
// provider instance.
package asr

import (
	"context"

	"github.com/murmux/murmux/pkg/audio"
)

// Provider is the abstraction over any speech-to-text backend.
type Provider interface {
	// Transcribe converts one finalized speech segment to text. pcm is raw
	// 16-bit signed little-endian PCM in the given format. A segment the
	// backend cannot make words of yields an empty string and a nil error;
	// the caller decides what to do with an empty transcript. An empty pcm
	// slice is caller misuse and returns an error.
	//
	// Implementations must respect ctx cancellation and deadline.
	Transcribe(ctx context.Context, pcm []byte, format audio.Format) (string, error)
}
