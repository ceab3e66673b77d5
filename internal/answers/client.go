package answers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// SubmissionError wraps transport or server failures of an ask round trip.
// Business outcomes (rate limited, no content) are Outcome kinds, never errors.
type SubmissionError struct {
	Err error
}

func (e *SubmissionError) Error() string { return fmt.Sprintf("submission failed: %v", e.Err) }
func (e *SubmissionError) Unwrap() error { return e.Err }

// Asker submits one question on behalf of a lead.
type Asker interface {
	Ask(ctx context.Context, question, leadID string) (Outcome, error)
}

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client talks to the knowledge-grounded answer service.
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
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With().Str("component", "answers").Logger(),
	}
}

type askRequest struct {
	Question string `json:"question"`
	LeadID   string `json:"leadId"`
}

// askResponse covers every shape the endpoint may answer with; Ask maps it
// into the closed Outcome union.
type askResponse struct {
	Answer             *string  `json:"answer"`
	Sources            []Source `json:"sources"`
	Timestamp          string   `json:"timestamp"`
	TokensUsed         *int     `json:"tokensUsed"`
	QuestionsRemaining *int     `json:"questionsRemaining"`
	RateLimited        bool     `json:"rateLimited"`
	NoContent          bool     `json:"noContent"`
}

// Ask submits one question. No retries: the caller decides whether the user
// may try again.
func (c *Client) Ask(ctx context.Context, question, leadID string) (Outcome, error) {
	body, err := json.Marshal(askRequest{Question: question, LeadID: leadID})
	if err != nil {
		return Outcome{}, &SubmissionError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/ask", bytes.NewReader(body))
	if err != nil {
		return Outcome{}, &SubmissionError{Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return Outcome{}, &SubmissionError{Err: fmt.Errorf("request: %w", err)}
	}
	defer resp.Body.Close()

	// Quota exhaustion may surface as an HTTP status instead of a body flag.
	if resp.StatusCode == http.StatusTooManyRequests {
		return Outcome{Kind: OutcomeRateLimited, TokensUsed: -1, QuestionsRemaining: 0}, nil
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Outcome{}, &SubmissionError{Err: fmt.Errorf("answer endpoint status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))}
	}

	var decoded askResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Outcome{}, &SubmissionError{Err: fmt.Errorf("decode response: %w", err)}
	}

	switch {
	case decoded.RateLimited:
		return Outcome{Kind: OutcomeRateLimited, TokensUsed: -1, QuestionsRemaining: 0}, nil
	case decoded.NoContent:
		return Outcome{Kind: OutcomeNoContent, TokensUsed: -1, QuestionsRemaining: -1}, nil
	case decoded.Answer != nil:
		out := Outcome{
			Kind:               OutcomeAnswered,
			Answer:             *decoded.Answer,
			Sources:            decoded.Sources,
			Timestamp:          decoded.Timestamp,
			TokensUsed:         -1,
			QuestionsRemaining: -1,
		}
		if decoded.TokensUsed != nil {
			out.TokensUsed = *decoded.TokensUsed
		}
		if decoded.QuestionsRemaining != nil {
			out.QuestionsRemaining = *decoded.QuestionsRemaining
		}
		c.logger.Debug().
			Int("sources", len(out.Sources)).
			Int64("latency_ms", time.Since(start).Milliseconds()).
			Msg("question answered")
		return out, nil
	default:
		return Outcome{}, &SubmissionError{Err: errors.New("answer endpoint returned no recognizable payload")}
	}
}
