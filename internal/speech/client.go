package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/proplio/askdesk/internal/reliability"
)

// Transcriber converts a finished WAV blob into recognized text.
type Transcriber interface {
	Transcribe(ctx context.Context, wav []byte) (string, error)
}

// Synthesizer converts answer text into playable audio bytes.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voiceID string) ([]byte, error)
}

type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	RetryBase  time.Duration
}

// Client talks to the external speech inference service over HTTP.
// One client serves both the transcription and synthesis endpoints.
type Client struct {
	cfg    Config
	client *http.Client
	logger zerolog.Logger
}

func NewClient(cfg Config, logger zerolog.Logger) *Client {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 200 * time.Millisecond
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With().Str("component", "speech").Logger(),
	}
}

type transcribeRequest struct {
	Audio string `json:"audio"`
}

type transcribeResponse struct {
	Text string `json:"text"`
}

// Transcribe sends the blob to the transcription endpoint and returns the
// recognized text. A single call per finished recording; no retries.
func (c *Client) Transcribe(ctx context.Context, wav []byte) (string, error) {
	body, err := json.Marshal(transcribeRequest{Audio: base64.StdEncoding.EncodeToString(wav)})
	if err != nil {
		return "", &TranscriptionError{Err: err}
	}

	start := time.Now()
	resp, err := c.post(ctx, "/v1/transcribe", body)
	if err != nil {
		return "", &TranscriptionError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &TranscriptionError{Err: c.apiError("transcribe", resp)}
	}

	var decoded transcribeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", &TranscriptionError{Err: fmt.Errorf("decode response: %w", err)}
	}
	if strings.TrimSpace(decoded.Text) == "" {
		return "", &TranscriptionError{Err: ErrEmptyTranscript}
	}

	c.logger.Debug().
		Int("audio_bytes", len(wav)).
		Int("chars", len(decoded.Text)).
		Int64("latency_ms", time.Since(start).Milliseconds()).
		Msg("transcribed audio")
	return decoded.Text, nil
}

type synthesizeRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice"`
}

type synthesizeResponse struct {
	AudioContent string `json:"audioContent"`
}

// Synthesize sends text to the synthesis endpoint and returns audio bytes.
// Blank text is a no-op: nothing to play, no network call.
func (c *Client) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	body, err := json.Marshal(synthesizeRequest{Text: text, Voice: voiceID})
	if err != nil {
		return nil, &SynthesisError{Err: err}
	}

	start := time.Now()
	resp, err := c.postWithRetry(ctx, "/v1/synthesize", body)
	if err != nil {
		return nil, &SynthesisError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &SynthesisError{Err: c.apiError("synthesize", resp)}
	}

	var decoded synthesizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, &SynthesisError{Err: fmt.Errorf("decode response: %w", err)}
	}
	if decoded.AudioContent == "" {
		return nil, &SynthesisError{Err: ErrEmptyAudio}
	}
	audioBytes, err := base64.StdEncoding.DecodeString(decoded.AudioContent)
	if err != nil {
		return nil, &SynthesisError{Err: fmt.Errorf("decode audio payload: %w", err)}
	}
	if len(audioBytes) == 0 {
		return nil, &SynthesisError{Err: ErrEmptyAudio}
	}

	c.logger.Debug().
		Int("chars", len(text)).
		Int("audio_bytes", len(audioBytes)).
		Int64("latency_ms", time.Since(start).Milliseconds()).
		Msg("synthesized audio")
	return audioBytes, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	return resp, nil
}

// postWithRetry retries on transient upstream failures with capped backoff.
func (c *Client) postWithRetry(ctx context.Context, path string, body []byte) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(reliability.ExponentialBackoff(attempt-1, c.cfg.RetryBase, 2*time.Second)):
			}
		}

		resp, err := c.post(ctx, path, body)
		if err != nil {
			lastErr = err
			continue
		}
		if reliability.IsRetryableHTTPStatus(resp.StatusCode) && attempt < c.cfg.MaxRetries {
			lastErr = c.apiError(path, resp)
			resp.Body.Close()
			c.logger.Warn().Int("attempt", attempt+1).Int("status", resp.StatusCode).Msg("retrying speech request")
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
}

func (c *Client) apiError(endpoint string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	// Prefer a structured message when the endpoint provides one.
	var decoded struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	message := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &decoded) == nil {
		if decoded.Error != "" {
			message = decoded.Error
		} else if decoded.Message != "" {
			message = decoded.Message
		}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: message, Endpoint: strings.TrimPrefix(endpoint, "/v1/")}
}
