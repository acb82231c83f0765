package app

import (
	"fmt"

	"github.com/murmux/murmux/internal/config"
	"github.com/murmux/murmux/internal/resilience"
	"github.com/murmux/murmux/pkg/provider/asr"
	"github.com/murmux/murmux/pkg/provider/llm"
	"github.com/murmux/murmux/pkg/provider/tts"
)

// Providers holds one implementation per pipeline stage. All three slots are
// required; [New] rejects a nil provider. Populated by main via
// [BuildProviders] or assembled directly in tests.
type Providers struct {
	ASR asr.Provider
	LLM llm.Provider
	TTS tts.Provider
}

// BuildProviders instantiates the providers named in cfg from the registry.
//
// The generation entries form a fallback chain in configuration order, each
// backend behind its own circuit breaker. A single entry still goes through
// the chain so breaker accounting stays uniform.
func BuildProviders(cfg *config.Config, reg *config.Registry) (*Providers, error) {
	asrProvider, err := reg.CreateASR(cfg.Providers.ASR)
	if err != nil {
		return nil, fmt.Errorf("app: build asr provider: %w", err)
	}

	chain := resilience.NewChain(resilience.CircuitBreakerConfig{})
	for _, entry := range cfg.Providers.LLM {
		backend, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("app: build llm backend %q: %w", entry.Name, err)
		}
		chain.Add(chainLabel(entry), backend)
	}

	ttsProvider, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		return nil, fmt.Errorf("app: build tts provider: %w", err)
	}

	return &Providers{ASR: asrProvider, LLM: chain, TTS: ttsProvider}, nil
}

// chainLabel names a chain entry for logs and breaker state. Two entries may
// share a provider name with different models, so the model disambiguates.
func chainLabel(entry config.ProviderEntry) string {
	if entry.Model != "" {
		return entry.Name + "/" + entry.Model
	}
	return entry.Name
}
