package convo

import (
	"errors"
	"time"

	"github.com/proplio/askdesk/internal/answers"
)

// MaxQuestionRunes is the question length ceiling enforced before any
// network call.
const MaxQuestionRunes = 500

// InputState is the capture pipeline state. Exactly one holds at a time.
type InputState string

const (
	InputIdle         InputState = "idle"
	InputRecording    InputState = "recording"
	InputTranscribing InputState = "transcribing"
)

// Status is the widget session lifecycle state.
type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrSessionEnded    = errors.New("session ended")
	ErrEmptyQuestion   = errors.New("question is empty")
	ErrQuestionTooLong = errors.New("question exceeds length limit")
	ErrSubmitInFlight  = errors.New("submission already in flight")
	ErrQuotaExhausted  = errors.New("question quota exhausted")
)

// Message is one answered exchange. Immutable once appended.
type Message struct {
	ID         string           `json:"id"`
	Question   string           `json:"question"`
	Answer     string           `json:"answer"`
	Sources    []answers.Source `json:"sources"`
	Timestamp  string           `json:"timestamp"`
	TokensUsed int              `json:"tokens_used,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

// CreateRequest defines the payload for creating a widget session.
type CreateRequest struct {
	LeadID  string `json:"lead_id"`
	VoiceID string `json:"voice_id"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID          string    `json:"session_id"`
	LeadID             string    `json:"lead_id"`
	Status             Status    `json:"status"`
	VoiceID            string    `json:"voice_id"`
	QuestionsRemaining int       `json:"questions_remaining"`
	StartedAt          time.Time `json:"started_at"`
	LastActivityAt     time.Time `json:"last_activity_at"`
	InactivityTTLMS    int64     `json:"inactivity_ttl_ms"`
}
