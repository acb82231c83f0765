package transport

import "github.com/murmux/murmux/pkg/audio"

// EventType discriminates the structured messages of the wire protocol.
type EventType string

const (
	// EventAudioStart announces the session's PCM format. Sent once by the
	// pipeline before any binary audio.
	EventAudioStart EventType = "audio_start"

	// EventAudioEnd signals that playback for the current reply drained or
	// was flushed.
	EventAudioEnd EventType = "audio_end"

	// EventSpeech relays a speech boundary. Inbound it is the listener's own
	// detection (start triggers barge-in immediately); outbound it mirrors
	// the pipeline's detector.
	EventSpeech EventType = "speech_event"

	// EventTranscript carries recognized text for a finished utterance.
	EventTranscript EventType = "transcript"

	// EventTTSStart and EventTTSComplete bracket synthesized audio delivery.
	EventTTSStart    EventType = "tts_start"
	EventTTSComplete EventType = "tts_complete"

	// EventStatus is a generic stage/progress message.
	EventStatus EventType = "status"

	// EventError surfaces a pipeline failure, best-effort.
	EventError EventType = "error"

	// Control commands, listener → pipeline.
	EventMute   EventType = "mute"
	EventUnmute EventType = "unmute"
	EventClear  EventType = "clear"
)

// Speech boundary values for the [EventSpeech] Status field.
const (
	SpeechStatusStart = "start"
	SpeechStatusEnd   = "end"
)

// Format is the wire form of the session's PCM layout, carried by
// [EventAudioStart].
type Format struct {
	SampleRate    int `json:"sampleRate"`
	Channels      int `json:"channels"`
	BitsPerSample int `json:"bitsPerSample"`
}

// NewFormat converts an [audio.Format] to its wire form.
func NewFormat(f audio.Format) *Format {
	return &Format{
		SampleRate:    f.SampleRate,
		Channels:      f.Channels,
		BitsPerSample: f.BitsPerSample,
	}
}

// AudioFormat converts the wire form back to an [audio.Format].
func (f *Format) AudioFormat() audio.Format {
	return audio.Format{
		SampleRate:    f.SampleRate,
		Channels:      f.Channels,
		BitsPerSample: f.BitsPerSample,
	}
}

// Event is the tagged union of every structured wire message. Type selects
// which of the remaining fields are meaningful; unused fields are omitted on
// the wire. Both flows consume events through a single dispatch switch on
// Type.
type Event struct {
	Type EventType `json:"type"`

	// Format is set for audio_start.
	Format *Format `json:"format,omitempty"`

	// Status is "start" or "end" for speech_event.
	Status string `json:"status,omitempty"`

	// Text and IsFinal are set for transcript.
	Text    string `json:"text,omitempty"`
	IsFinal bool   `json:"isFinal,omitempty"`

	// Stage is set for status events; Message for status and error events.
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message,omitempty"`

	// Kind is the error classification for error events.
	Kind string `json:"kind,omitempty"`
}
