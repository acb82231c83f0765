// Package openai provides a TTS provider backed by the OpenAI speech API.
//
// Audio is requested in the raw "pcm" response format, which the API streams
// as headerless 24 kHz mono 16-bit little-endian samples. The provider
// re-chunks the HTTP body on sample boundaries so downstream consumers never
// see a torn sample.
package openai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/murmux/murmux/pkg/audio"
	"github.com/murmux/murmux/pkg/provider/tts"
)

// DefaultModel is the speech model used when none is configured.
const DefaultModel = oai.SpeechModelTTS1

// DefaultVoice is the voice used when none is configured.
const DefaultVoice = "alloy"

// pcmChunkSize is the target size of emitted PCM chunks in bytes.
const pcmChunkSize = 4096

// outputFormat is the PCM layout of the API's "pcm" response format.
var outputFormat = audio.Format{SampleRate: 24000, Channels: 1, BitsPerSample: 16}

// Ensure Provider implements the tts.Provider interface.
var _ tts.Provider = (*Provider)(nil)

// Provider implements tts.Provider using the OpenAI speech API.
type Provider struct {
	client oai.Client
	model  string
	voice  string
}

// config holds optional configuration for the provider.
type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
	voice        string
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout. The timeout covers the whole
// synthesis stream, not just the first byte.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithVoice selects the voice (e.g., "alloy", "nova", "onyx").
func WithVoice(voice string) Option {
	return func(c *config) {
		c.voice = voice
	}
}

// New constructs a new OpenAI speech Provider. If model is empty,
// [DefaultModel] is used.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai tts: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{voice: DefaultVoice}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	client := oai.NewClient(reqOpts...)
	return &Provider{client: client, model: model, voice: cfg.voice}, nil
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string) (<-chan []byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("openai tts: empty text")
	}

	params := oai.AudioSpeechNewParams{
		Model:          oai.SpeechModel(p.model),
		Input:          text,
		Voice:          oai.AudioSpeechNewParamsVoice(p.voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	}

	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai tts: synthesize: %w", err)
	}

	out := make(chan []byte, 8)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		streamPCM(ctx, resp.Body, out)
	}()

	return out, nil
}

// streamPCM copies raw PCM from body to out in chunks of whole 16-bit
// samples. The HTTP body arrives in arbitrary read sizes, so a trailing odd
// byte is carried into the next chunk rather than emitted as a torn sample.
//
// Returns on EOF, on a read error, or when ctx is cancelled. Read errors
// close the stream early; callers consult ctx.Err() to tell cancellation
// apart from provider failure.
func streamPCM(ctx context.Context, body io.Reader, out chan<- []byte) {
	buf := make([]byte, pcmChunkSize)
	var carry byte
	haveCarry := false
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			data := make([]byte, 0, n+1)
			if haveCarry {
				data = append(data, carry)
				haveCarry = false
			}
			data = append(data, buf[:n]...)
			if len(data)%2 != 0 {
				carry = data[len(data)-1]
				haveCarry = true
				data = data[:len(data)-1]
			}
			if len(data) > 0 {
				select {
				case out <- data:
				case <-ctx.Done():
					return
				}
			}
		}
		if readErr != nil {
			return
		}
	}
}

// Format implements tts.Provider.
func (p *Provider) Format() audio.Format {
	return outputFormat
}
