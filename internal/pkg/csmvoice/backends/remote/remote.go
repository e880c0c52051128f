// Package remote delegates synthesis to a model server over HTTP.
//
// The server accepts a JSON request on /v1/synthesize and answers with a WAV
// body. Context turns travel as base64-encoded WAV.
package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"csmvoice/internal/pkg/csmvoice/audio"
	"csmvoice/internal/pkg/csmvoice/engine"
)

const Name = "remote"

const (
	apiSynthesize = "/v1/synthesize"
	apiHealth     = "/health"

	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
	contentTypeWAV    = "audio/wav"

	defaultTimeout = 300 * time.Second
	maxErrorBody   = 4 << 10

	// Response budget per second of requested audio: stereo float32 at 48 kHz.
	maxAudioBytesPerSecond = 48000 * 2 * 4
	maxAudioHeaderBytes    = 64 << 10
)

var (
	errReceivedEmptyAudio = errors.New("received empty audio data")
	errNoServiceURL       = errors.New("remote backend requires a service URL")
)

func init() {
	engine.Register(Name, NewEngine)
}

type segmentPayload struct {
	Speaker  int    `json:"speaker"`
	Text     string `json:"text"`
	AudioWAV string `json:"audio_wav,omitempty"`
}

type synthesizeRequest struct {
	Text             string           `json:"text"`
	Speaker          int              `json:"speaker"`
	Context          []segmentPayload `json:"context,omitempty"`
	MaxAudioLengthMs int              `json:"max_audio_length_ms"`
	Temperature      float64          `json:"temperature"`
	MinP             float64          `json:"min_p"`
	Seed             int64            `json:"seed"`
}

type errorResponse struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
}

type Engine struct {
	httpClient *http.Client
	baseURL    string
}

func NewEngine(cfg engine.Config) (engine.Engine, error) {
	if strings.TrimSpace(cfg.ServiceURL) == "" {
		return nil, errNoServiceURL
	}

	timeout := defaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}

	return NewClient(cfg.ServiceURL, timeout), nil
}

func NewClient(baseURL string, timeout time.Duration) *Engine {
	return &Engine{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (e *Engine) Synthesize(ctx context.Context, req engine.Request) (*audio.Audio, error) {
	out, err := e.synthesize(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, engine.Fail(Name, err)
	}
	return out, nil
}

func (e *Engine) synthesize(ctx context.Context, req engine.Request) (*audio.Audio, error) {
	payload, err := buildPayload(req)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+apiSynthesize, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, contentTypeWAV)

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to reach model server at %s: %w", e.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseErrorResponse(resp)
	}

	if ct := resp.Header.Get(headerContentType); !strings.HasPrefix(ct, contentTypeWAV) {
		return nil, fmt.Errorf("unexpected content type: expected %s, got %q", contentTypeWAV, ct)
	}

	limit := maxAudioBody(req.MaxAudioLengthMs)
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("audio response exceeds %d bytes for %d ms requested", limit, req.MaxAudioLengthMs)
	}
	if len(data) == 0 {
		return nil, errReceivedEmptyAudio
	}

	return audio.DecodeWAV(bytes.NewReader(data))
}

// maxAudioBody is the largest WAV body accepted for a request of maxMs,
// with two seconds of slack.
func maxAudioBody(maxMs int) int64 {
	if maxMs < 0 {
		maxMs = 0
	}
	seconds := int64(maxMs)/1000 + 2
	return maxAudioHeaderBytes + seconds*maxAudioBytesPerSecond
}

func buildPayload(req engine.Request) (synthesizeRequest, error) {
	payload := synthesizeRequest{
		Text:             req.Text,
		Speaker:          req.SpeakerID,
		MaxAudioLengthMs: req.MaxAudioLengthMs,
		Temperature:      req.Sampling.Temperature,
		MinP:             req.Sampling.MinP,
		Seed:             req.Sampling.Seed,
	}

	for i, seg := range req.Context {
		p := segmentPayload{Speaker: seg.SpeakerID, Text: seg.Text}
		if seg.Audio != nil {
			wav, err := seg.Audio.EncodeWAV()
			if err != nil {
				return payload, fmt.Errorf("failed to encode context turn %d: %w", i, err)
			}
			p.AudioWAV = base64.StdEncoding.EncodeToString(wav)
		}
		payload.Context = append(payload.Context, p)
	}

	return payload, nil
}

func parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var er errorResponse
	if json.Unmarshal(body, &er) == nil && er.Detail != "" {
		if er.ErrorCode != "" {
			return fmt.Errorf("model server error (%s): %s (code: %s)", resp.Status, er.Detail, er.ErrorCode)
		}
		return fmt.Errorf("model server error (%s): %s", resp.Status, er.Detail)
	}

	return fmt.Errorf("model server returned non-OK status: %s, body: %s", resp.Status, strings.TrimSpace(string(body)))
}

// HealthCheck reports whether the model server answers on /health.
func (e *Engine) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+apiHealth, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed for model server at %s: %w", e.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("model server unhealthy: %s", resp.Status)
	}
	return nil
}

func (e *Engine) Info() engine.Info {
	return engine.Info{
		Name:       Name,
		SampleRate: audio.SampleRate,
	}
}

func (e *Engine) Close() error {
	e.httpClient.CloseIdleConnections()
	return nil
}
