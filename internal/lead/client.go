package lead

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/proplio/askdesk/internal/reliability"
)

type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	RetryBase  time.Duration
}

// Client fetches lead quota from the external registration service.
type Client struct {
	cfg    Config
	client *http.Client
	logger zerolog.Logger
}

func NewClient(cfg Config, logger zerolog.Logger) *Client {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
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
		logger: logger.With().Str("component", "lead").Logger(),
	}
}

type quotaResponse struct {
	QuestionsRemaining int `json:"questions_remaining"`
}

// QuestionsRemaining returns the authoritative remaining-question count.
func (c *Client) QuestionsRemaining(ctx context.Context, leadID string) (int, error) {
	if strings.TrimSpace(leadID) == "" {
		return 0, fmt.Errorf("lead id is required")
	}
	endpoint := c.cfg.BaseURL + "/v1/leads/" + url.PathEscape(leadID) + "/quota"

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(reliability.ExponentialBackoff(attempt-1, c.cfg.RetryBase, 2*time.Second)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return 0, fmt.Errorf("create request: %w", err)
		}
		if c.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request: %w", err)
			continue
		}

		if reliability.IsRetryableHTTPStatus(resp.StatusCode) && attempt < c.cfg.MaxRetries {
			resp.Body.Close()
			lastErr = fmt.Errorf("lead service status %d", resp.StatusCode)
			c.logger.Warn().Int("attempt", attempt+1).Int("status", resp.StatusCode).Msg("retrying quota fetch")
			continue
		}

		n, err := decodeQuota(resp)
		resp.Body.Close()
		return n, err
	}
	return 0, lastErr
}

func decodeQuota(resp *http.Response) (int, error) {
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return 0, fmt.Errorf("lead service status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var decoded quotaResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return 0, fmt.Errorf("decode quota response: %w", err)
	}
	return decoded.QuestionsRemaining, nil
}

// MockSource serves quota values locally for keyless development and tests.
type MockSource struct {
	mu        sync.Mutex
	Remaining int
	Err       error
	calls     int
}

func NewMockSource(remaining int) *MockSource {
	return &MockSource{Remaining: remaining}
}

func (m *MockSource) QuestionsRemaining(_ context.Context, _ string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.Err != nil {
		return 0, m.Err
	}
	return m.Remaining, nil
}

func (m *MockSource) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

var (
	_ QuotaSource = (*Client)(nil)
	_ QuotaSource = (*MockSource)(nil)
)
