package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"asr": {"openai", "whisper", "whisper-native"},
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts": {"openai", "coqui"},
}

// envRef matches ${VAR} references in the raw YAML. Only the braced form is
// recognised so plain dollar signs in prompts survive.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} environment
// references, applies defaults, and validates the result. Useful in tests
// where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expandEnv(string(data))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}

	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnv substitutes ${VAR} references with values from the process
// environment. Unset variables expand to the empty string, which surfaces as
// an ordinary validation or provider-auth failure rather than a literal
// "${VAR}" credential.
func expandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		return os.Getenv(ref[2 : len(ref)-1])
	})
}

// ApplyDefaults fills unset fields with production defaults so a minimal
// config file only needs provider credentials.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.MaxSessions == 0 {
		cfg.Server.MaxSessions = 64
	}

	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = 16000
	}
	if cfg.Audio.Channels == 0 {
		cfg.Audio.Channels = 1
	}
	if cfg.Audio.BitsPerSample == 0 {
		cfg.Audio.BitsPerSample = 16
	}
	if cfg.Audio.FrameDurationMs == 0 {
		cfg.Audio.FrameDurationMs = 20
	}

	if cfg.VAD.Threshold == 0 {
		cfg.VAD.Threshold = 1e-4
	}
	if cfg.VAD.SmoothingWindow == 0 {
		cfg.VAD.SmoothingWindow = 5
	}
	if cfg.VAD.MinSpeechMs == 0 {
		cfg.VAD.MinSpeechMs = 250
	}
	if cfg.VAD.MaxSilenceMs == 0 {
		cfg.VAD.MaxSilenceMs = 500
	}
	if cfg.VAD.WatchdogMs == 0 {
		cfg.VAD.WatchdogMs = 2000
	}
	if cfg.VAD.SilencePaddingMs == 0 {
		cfg.VAD.SilencePaddingMs = 200
	}

	if cfg.Playback.TickMs == 0 {
		cfg.Playback.TickMs = 20
	}

	if cfg.Turn.ASRTimeout == 0 {
		cfg.Turn.ASRTimeout = Duration(15 * time.Second)
	}
	if cfg.Turn.LLMTimeout == 0 {
		cfg.Turn.LLMTimeout = Duration(60 * time.Second)
	}
	if cfg.Turn.LLMFirstTokenTimeout == 0 {
		cfg.Turn.LLMFirstTokenTimeout = Duration(10 * time.Second)
	}
	if cfg.Turn.TTSTimeout == 0 {
		cfg.Turn.TTSTimeout = Duration(30 * time.Second)
	}
	if cfg.Turn.MaxHistoryTurns == 0 {
		cfg.Turn.MaxHistoryTurns = 20
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxSessions <= 0 {
		errs = append(errs, fmt.Errorf("server.max_sessions %d must be positive", cfg.Server.MaxSessions))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	// Audio
	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}
	if cfg.Audio.Channels != 1 && cfg.Audio.Channels != 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is invalid; valid values: 1, 2", cfg.Audio.Channels))
	}
	if cfg.Audio.BitsPerSample != 16 {
		errs = append(errs, fmt.Errorf("audio.bits_per_sample %d is unsupported; only 16-bit PCM is supported", cfg.Audio.BitsPerSample))
	}
	if cfg.Audio.FrameDurationMs <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_duration_ms %d must be positive", cfg.Audio.FrameDurationMs))
	}

	// VAD
	if cfg.VAD.Threshold <= 0 {
		errs = append(errs, fmt.Errorf("vad.threshold %g must be positive", cfg.VAD.Threshold))
	}
	if cfg.VAD.SmoothingWindow < 1 {
		errs = append(errs, fmt.Errorf("vad.smoothing_window %d must be at least 1", cfg.VAD.SmoothingWindow))
	}
	if cfg.VAD.MinSpeechMs < 0 {
		errs = append(errs, fmt.Errorf("vad.min_speech_ms %d must not be negative", cfg.VAD.MinSpeechMs))
	}
	if cfg.VAD.MaxSilenceMs <= 0 {
		errs = append(errs, fmt.Errorf("vad.max_silence_ms %d must be positive", cfg.VAD.MaxSilenceMs))
	}
	if cfg.VAD.WatchdogMs < 0 {
		errs = append(errs, fmt.Errorf("vad.watchdog_ms %d must not be negative", cfg.VAD.WatchdogMs))
	}
	if cfg.VAD.SilencePaddingMs < 0 {
		errs = append(errs, fmt.Errorf("vad.silence_padding_ms %d must not be negative", cfg.VAD.SilencePaddingMs))
	}
	if cfg.VAD.SilencePaddingMs > cfg.VAD.MaxSilenceMs {
		slog.Warn("vad.silence_padding_ms exceeds max_silence_ms; segments will keep all trailing silence",
			"silence_padding_ms", cfg.VAD.SilencePaddingMs,
			"max_silence_ms", cfg.VAD.MaxSilenceMs,
		)
	}

	// Playback
	if cfg.Playback.TickMs <= 0 {
		errs = append(errs, fmt.Errorf("playback.tick_ms %d must be positive", cfg.Playback.TickMs))
	}

	// Turn
	if cfg.Turn.ASRTimeout <= 0 {
		errs = append(errs, fmt.Errorf("turn.asr_timeout %s must be positive", cfg.Turn.ASRTimeout))
	}
	if cfg.Turn.LLMTimeout <= 0 {
		errs = append(errs, fmt.Errorf("turn.llm_timeout %s must be positive", cfg.Turn.LLMTimeout))
	}
	if cfg.Turn.LLMFirstTokenTimeout <= 0 {
		errs = append(errs, fmt.Errorf("turn.llm_first_token_timeout %s must be positive", cfg.Turn.LLMFirstTokenTimeout))
	}
	if cfg.Turn.TTSTimeout <= 0 {
		errs = append(errs, fmt.Errorf("turn.tts_timeout %s must be positive", cfg.Turn.TTSTimeout))
	}
	if cfg.Turn.MaxHistoryTurns <= 0 {
		errs = append(errs, fmt.Errorf("turn.max_history_turns %d must be positive", cfg.Turn.MaxHistoryTurns))
	}

	// Providers
	if cfg.Providers.ASR.Name == "" {
		errs = append(errs, errors.New("providers.asr.name is required"))
	}
	if len(cfg.Providers.LLM) == 0 {
		errs = append(errs, errors.New("providers.llm requires at least one backend"))
	}
	for i, entry := range cfg.Providers.LLM {
		if entry.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm[%d].name is required", i))
		}
	}
	if cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts.name is required"))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("asr", cfg.Providers.ASR.Name)
	for _, entry := range cfg.Providers.LLM {
		validateProviderName("llm", entry.Name)
	}
	validateProviderName("tts", cfg.Providers.TTS.Name)

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
