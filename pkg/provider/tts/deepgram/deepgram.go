// Package deepgram provides a Deepgram Aura-backed TTS provider using the
// Deepgram REST speak API. It implements the tts.Provider interface.
//
// Aura synthesises one utterance per HTTP call rather than over a streaming
// socket, so SynthesizeStream accumulates incoming text fragments into complete
// sentences and issues one POST /v1/speak request per sentence, emitting the
// returned PCM in order. The same API key works for both this package and the
// Deepgram STT provider.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/askjohngeorge/leadline/pkg/provider/tts"
	"github.com/askjohngeorge/leadline/pkg/types"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

const (
	defaultBaseURL    = "https://api.deepgram.com"
	speakEndpoint     = "/v1/speak"
	defaultModel      = "aura-2-thalia-en"
	defaultSampleRate = 16000
	defaultTimeout    = 30 * time.Second

	// audioChanBuf is the buffer depth of the returned audio channel.
	audioChanBuf = 256

	// pcmChunkSize is the size of each PCM chunk emitted on the audio channel.
	pcmChunkSize = 4096
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the default Aura voice model (e.g., "aura-2-thalia-en").
// A non-empty VoiceProfile.ID passed to SynthesizeStream takes precedence.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithSampleRate sets the PCM sample rate requested from Aura. Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithBaseURL overrides the Deepgram API base URL. Intended for tests.
func WithBaseURL(base string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(base, "/")
	}
}

// Provider implements tts.Provider backed by the Deepgram Aura speak API.
// It is safe for concurrent use.
type Provider struct {
	apiKey     string
	model      string
	sampleRate int
	baseURL    string
	httpClient *http.Client
}

// New creates a new Deepgram Aura Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		sampleRate: defaultSampleRate,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// speakRequest is the JSON body sent to POST /v1/speak.
type speakRequest struct {
	Text string `json:"text"`
}

// SynthesizeStream consumes text fragments from the text channel, accumulates
// them into complete sentences, and issues one speak request per sentence. Raw
// PCM from each response is emitted on the returned channel in sentence order.
//
// voice.ID, when non-empty, selects the Aura model for this stream (e.g.,
// "aura-2-orion-en"); otherwise the provider default is used.
//
// The returned channel is closed when all text has been synthesised or when ctx
// is cancelled. The caller must drain the channel to prevent goroutine leaks.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	model := p.model
	if voice.ID != "" {
		model = voice.ID
	}

	audioCh := make(chan []byte, audioChanBuf)

	go func() {
		defer close(audioCh)

		emit := func(sentence string) bool {
			pcm, err := p.synthesize(ctx, sentence, model)
			if err != nil {
				// Synthesis failure ends the stream. The caller can inspect
				// ctx.Err() to distinguish cancellation from provider errors.
				return false
			}
			for len(pcm) > 0 {
				end := min(pcmChunkSize, len(pcm))
				select {
				case audioCh <- pcm[:end]:
				case <-ctx.Done():
					return false
				}
				pcm = pcm[end:]
			}
			return true
		}

		var buf strings.Builder
		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					// Text channel closed: flush any remaining partial sentence.
					if remaining := strings.TrimSpace(buf.String()); remaining != "" {
						emit(remaining)
					}
					return
				}
				buf.WriteString(fragment)
				for {
					s := buf.String()
					idx := findSentenceBoundary(s)
					if idx < 0 {
						break
					}
					sentence := strings.TrimSpace(s[:idx+1])
					buf.Reset()
					buf.WriteString(s[idx+1:])
					if sentence == "" {
						continue
					}
					if !emit(sentence) {
						return
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return audioCh, nil
}

// synthesize performs a single POST /v1/speak call and returns the raw PCM.
// container=none requests headerless linear16 audio, so no WAV stripping is needed.
func (p *Provider) synthesize(ctx context.Context, sentence, model string) ([]byte, error) {
	body, err := json.Marshal(speakRequest{Text: sentence})
	if err != nil {
		return nil, fmt.Errorf("deepgram: marshal speak request: %w", err)
	}

	params := url.Values{}
	params.Set("model", model)
	params.Set("encoding", "linear16")
	params.Set("sample_rate", strconv.Itoa(p.sampleRate))
	params.Set("container", "none")

	reqURL := p.baseURL + speakEndpoint + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("deepgram: create speak request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deepgram: POST %s: %w", speakEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("deepgram: POST %s returned status %d", speakEndpoint, resp.StatusCode)
	}

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("deepgram: read speak response: %w", err)
	}
	return pcm, nil
}

// auraVoices is the catalogue of Aura voice models. Deepgram exposes no listing
// endpoint for TTS voices, so the set is maintained here.
var auraVoices = []types.VoiceProfile{
	{ID: "aura-2-thalia-en", Name: "Thalia", Provider: "deepgram", Metadata: map[string]string{"gender": "female", "accent": "american"}},
	{ID: "aura-2-andromeda-en", Name: "Andromeda", Provider: "deepgram", Metadata: map[string]string{"gender": "female", "accent": "american"}},
	{ID: "aura-2-helena-en", Name: "Helena", Provider: "deepgram", Metadata: map[string]string{"gender": "female", "accent": "american"}},
	{ID: "aura-2-athena-en", Name: "Athena", Provider: "deepgram", Metadata: map[string]string{"gender": "female", "accent": "british"}},
	{ID: "aura-2-hera-en", Name: "Hera", Provider: "deepgram", Metadata: map[string]string{"gender": "female", "accent": "american"}},
	{ID: "aura-2-orion-en", Name: "Orion", Provider: "deepgram", Metadata: map[string]string{"gender": "male", "accent": "american"}},
	{ID: "aura-2-arcas-en", Name: "Arcas", Provider: "deepgram", Metadata: map[string]string{"gender": "male", "accent": "american"}},
	{ID: "aura-2-draco-en", Name: "Draco", Provider: "deepgram", Metadata: map[string]string{"gender": "male", "accent": "british"}},
}

// ListVoices returns the static Aura voice catalogue.
func (p *Provider) ListVoices(_ context.Context) ([]types.VoiceProfile, error) {
	out := make([]types.VoiceProfile, len(auraVoices))
	copy(out, auraVoices)
	return out, nil
}

// CloneVoice is not supported by the Aura API.
func (p *Provider) CloneVoice(_ context.Context, _ [][]byte) (*types.VoiceProfile, error) {
	return nil, errors.New("deepgram: voice cloning is not supported by Aura")
}

// findSentenceBoundary returns the index of the first sentence-ending character
// ('.', '!', '?') that is either at the end of s or immediately followed by
// whitespace. Returns -1 if no boundary is found.
func findSentenceBoundary(s string) int {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '.' || c == '!' || c == '?' {
			if i+1 >= len(s) || unicode.IsSpace(rune(s[i+1])) {
				return i
			}
		}
	}
	return -1
}
