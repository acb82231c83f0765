// Package config provides the configuration schema, loader, file watcher,
// and provider registry for the Murmux voice pipeline server.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/murmux/murmux/pkg/audio"
)

// LogLevel controls log verbosity for the Murmux server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to the corresponding slog level. Unrecognised values map
// to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Duration wraps [time.Duration] with YAML support for Go duration strings
// such as "15s" or "500ms". The unit suffix is mandatory; bare numbers are
// rejected so a stray "15" cannot silently mean fifteen nanoseconds.
type Duration time.Duration

// UnmarshalYAML decodes a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("config: duration must be a string like \"15s\": %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the wrapped standard-library value.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// Config is the root configuration structure for Murmux.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Audio     AudioConfig     `yaml:"audio"`
	VAD       VADConfig       `yaml:"vad"`
	Playback  PlaybackConfig  `yaml:"playback"`
	Turn      TurnConfig      `yaml:"turn"`
	Providers ProvidersConfig `yaml:"providers"`
}

// ServerConfig holds network, logging, and session-capacity settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// MaxSessions caps the number of concurrent voice sessions. Connections
	// beyond the cap are refused before any pipeline state is allocated.
	MaxSessions int `yaml:"max_sessions"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// AudioConfig fixes the session-side PCM layout. Every session announces this
// format in its audio_start event; providers that produce a different format
// are converted to it.
type AudioConfig struct {
	// SampleRate in Hz (e.g., 16000).
	SampleRate int `yaml:"sample_rate"`

	// Channels is 1 for mono or 2 for interleaved stereo.
	Channels int `yaml:"channels"`

	// BitsPerSample is the sample depth. Only 16-bit little-endian PCM is
	// supported.
	BitsPerSample int `yaml:"bits_per_sample"`

	// FrameDurationMs is the fixed analysis frame length in milliseconds.
	FrameDurationMs int `yaml:"frame_duration_ms"`
}

// Format returns the PCM layout as the domain type.
func (a AudioConfig) Format() audio.Format {
	return audio.Format{
		SampleRate:    a.SampleRate,
		Channels:      a.Channels,
		BitsPerSample: a.BitsPerSample,
	}
}

// FrameDuration returns the analysis frame length.
func (a AudioConfig) FrameDuration() time.Duration {
	return time.Duration(a.FrameDurationMs) * time.Millisecond
}

// VADConfig tunes the energy-based voice activity detector.
type VADConfig struct {
	// Threshold is the smoothed mean-square energy above which a frame
	// counts as speech, on normalised samples in [-1, 1).
	Threshold float64 `yaml:"threshold"`

	// SmoothingWindow is the number of recent frames averaged before the
	// threshold comparison.
	SmoothingWindow int `yaml:"smoothing_window"`

	// MinSpeechMs is how long energy must stay above threshold before a
	// speech start is confirmed. Shorter bursts are treated as noise.
	MinSpeechMs int `yaml:"min_speech_ms"`

	// MaxSilenceMs is how long energy must stay below threshold before the
	// utterance is considered finished.
	MaxSilenceMs int `yaml:"max_silence_ms"`

	// WatchdogMs bounds how long a segment may sit open without fresh audio
	// arriving before it is force-finalized. Zero keeps the default; the
	// watchdog cannot be disabled, only widened.
	WatchdogMs int `yaml:"watchdog_ms"`

	// SilencePaddingMs is how much trailing silence each finalized segment
	// keeps beyond the detected voice end.
	SilencePaddingMs int `yaml:"silence_padding_ms"`
}

// MinSpeech returns the speech-start confirmation window.
func (v VADConfig) MinSpeech() time.Duration {
	return time.Duration(v.MinSpeechMs) * time.Millisecond
}

// MaxSilence returns the end-of-utterance hangover window.
func (v VADConfig) MaxSilence() time.Duration {
	return time.Duration(v.MaxSilenceMs) * time.Millisecond
}

// Watchdog returns the stalled-segment bound.
func (v VADConfig) Watchdog() time.Duration {
	return time.Duration(v.WatchdogMs) * time.Millisecond
}

// SilencePadding returns the trailing silence kept per segment.
func (v VADConfig) SilencePadding() time.Duration {
	return time.Duration(v.SilencePaddingMs) * time.Millisecond
}

// PlaybackConfig tunes the outbound playback queue.
type PlaybackConfig struct {
	// TickMs is the drain period in milliseconds. Each tick moves one tick's
	// worth of bytes at the session format's rate toward the listener.
	TickMs int `yaml:"tick_ms"`
}

// Tick returns the drain period.
func (p PlaybackConfig) Tick() time.Duration {
	return time.Duration(p.TickMs) * time.Millisecond
}

// TurnConfig bounds the pipeline stages of a turn and shapes generation.
type TurnConfig struct {
	// ASRTimeout bounds the transcription call.
	ASRTimeout Duration `yaml:"asr_timeout"`

	// LLMTimeout bounds the whole generation stream.
	LLMTimeout Duration `yaml:"llm_timeout"`

	// LLMFirstTokenTimeout additionally bounds the wait for the stream's
	// first chunk.
	LLMFirstTokenTimeout Duration `yaml:"llm_first_token_timeout"`

	// TTSTimeout bounds each sentence-sized synthesis call.
	TTSTimeout Duration `yaml:"tts_timeout"`

	// MaxHistoryTurns is how many user/assistant exchanges each session
	// retains for generation context.
	MaxHistoryTurns int `yaml:"max_history_turns"`

	// SystemPrompt is injected before the conversation history on every
	// generation request.
	SystemPrompt string `yaml:"system_prompt"`
}

// ProvidersConfig declares which provider implementation serves each pipeline
// stage. Each entry selects a named factory registered in the [Registry].
//
// LLM is an ordered fallback chain: the first entry is the primary backend
// and the rest are tried in order when it is unavailable.
type ProvidersConfig struct {
	ASR ProviderEntry   `yaml:"asr"`
	LLM []ProviderEntry `yaml:"llm"`
	TTS ProviderEntry   `yaml:"tts"`
}

// ProviderEntry is the common configuration block shared by all provider
// kinds. The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai",
	// "whisper", "ollama").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	// Supports ${VAR} expansion from the environment.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o-mini",
	// "whisper-1").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or
	// nested maps.
	Options map[string]any `yaml:"options"`
}
