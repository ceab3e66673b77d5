package transcript

import (
	"context"
	"time"
)

// Record stores one answered question/answer exchange.
type Record struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	LeadID     string    `json:"lead_id"`
	Question   string    `json:"question"`
	Answer     string    `json:"answer"`
	TokensUsed int       `json:"tokens_used"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store persists and retrieves answered exchanges.
type Store interface {
	SaveExchange(ctx context.Context, record Record) error
	Recent(ctx context.Context, sessionID string, limit int) ([]Record, error)
	Close() error
}
