package convo

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/proplio/askdesk/internal/answers"
	"github.com/proplio/askdesk/internal/lead"
)

// Session holds the conversation state for one widget visitor. All
// methods are safe for concurrent use; a session outlives any single
// websocket connection so a page reload can resume where it left off.
type Session struct {
	mu sync.Mutex

	id      string
	leadID  string
	voiceID string

	status         Status
	startedAt      time.Time
	lastActivityAt time.Time

	input        InputState
	submitting   bool
	pendingInput string
	speakAnswers bool

	messages     []Message
	lastIDMillis int64

	quota *lead.QuotaTracker
}

func newSession(id, leadID, voiceID string, quota *lead.QuotaTracker) *Session {
	now := time.Now().UTC()
	return &Session{
		id:             id,
		leadID:         leadID,
		voiceID:        voiceID,
		status:         StatusActive,
		startedAt:      now,
		lastActivityAt: now,
		input:          InputIdle,
		speakAnswers:   true,
		quota:          quota,
	}
}

func (s *Session) ID() string     { return s.id }
func (s *Session) LeadID() string { return s.leadID }

func (s *Session) VoiceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voiceID
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

func (s *Session) LastActivityAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivityAt
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivityAt = time.Now().UTC()
	s.mu.Unlock()
}

func (s *Session) end() {
	s.mu.Lock()
	s.status = StatusEnded
	s.mu.Unlock()
}

// Input returns the current capture pipeline state.
func (s *Session) Input() InputState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.input
}

// SetInput moves the capture pipeline to the given state.
func (s *Session) SetInput(state InputState) {
	s.mu.Lock()
	s.input = state
	s.mu.Unlock()
}

// PendingInput returns the transcribed text waiting in the composer.
func (s *Session) PendingInput() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingInput
}

// SetPendingInput stores transcribed text for the visitor to review.
// It never triggers a submission.
func (s *Session) SetPendingInput(text string) {
	s.mu.Lock()
	s.pendingInput = text
	s.mu.Unlock()
}

// SpeakAnswers reports whether answers should be voiced.
func (s *Session) SpeakAnswers() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speakAnswers
}

// SetSpeakAnswers toggles spoken answers. A non-blank voice also
// switches the synthesis voice.
func (s *Session) SetSpeakAnswers(enabled bool, voice string) {
	s.mu.Lock()
	s.speakAnswers = enabled
	if strings.TrimSpace(voice) != "" {
		s.voiceID = voice
	}
	s.mu.Unlock()
}

// Quota exposes the per-lead question tracker.
func (s *Session) Quota() *lead.QuotaTracker { return s.quota }

// BeginSubmit validates a question and claims the single submission
// slot. Callers must pair a successful BeginSubmit with FinishSubmit.
// Validation failures never reach the network.
func (s *Session) BeginSubmit(question string) error {
	trimmed := strings.TrimSpace(question)
	if trimmed == "" {
		return ErrEmptyQuestion
	}
	if utf8.RuneCountInString(question) > MaxQuestionRunes {
		return ErrQuestionTooLong
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusActive {
		return ErrSessionEnded
	}
	if s.submitting {
		return ErrSubmitInFlight
	}
	if !s.quota.CanSubmit() {
		return ErrQuotaExhausted
	}
	s.submitting = true
	return nil
}

// FinishSubmit releases the submission slot.
func (s *Session) FinishSubmit() {
	s.mu.Lock()
	s.submitting = false
	s.mu.Unlock()
}

// AcceptAnswer appends an answered exchange to the conversation and
// settles the quota: a remaining count reported by the server replaces
// the local value, otherwise one question is consumed locally. It
// returns the appended message and the questions remaining.
func (s *Session) AcceptAnswer(question string, out answers.Outcome) (Message, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Absent usage metadata is reported as -1 by the answers client;
	// normalize so the sentinel never reaches the wire or the store.
	tokens := out.TokensUsed
	if tokens < 0 {
		tokens = 0
	}

	now := time.Now().UTC()
	msg := Message{
		ID:         s.nextMessageIDLocked(now),
		Question:   question,
		Answer:     out.Answer,
		Sources:    out.Sources,
		Timestamp:  out.Timestamp,
		TokensUsed: tokens,
		CreatedAt:  now,
	}
	s.messages = append(s.messages, msg)
	s.pendingInput = ""

	var remaining int
	if out.QuestionsRemaining >= 0 {
		remaining = s.quota.SetAuthoritative(out.QuestionsRemaining)
	} else {
		remaining = s.quota.Consume()
	}
	return msg, remaining
}

// ForceExhausted zeroes the quota, as when the server reports the lead
// rate limited.
func (s *Session) ForceExhausted() int {
	return s.quota.SetAuthoritative(0)
}

// Messages returns a copy of the conversation so far, oldest first.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// ResetTransient clears per-connection state when a websocket detaches.
// Conversation history and quota survive.
func (s *Session) ResetTransient() {
	s.mu.Lock()
	s.input = InputIdle
	s.submitting = false
	s.mu.Unlock()
}

// nextMessageIDLocked derives an ID from the submission timestamp,
// bumped by one millisecond when two answers land inside the same one
// so IDs stay unique and strictly increasing.
func (s *Session) nextMessageIDLocked(now time.Time) string {
	ms := now.UnixMilli()
	if ms <= s.lastIDMillis {
		ms = s.lastIDMillis + 1
	}
	s.lastIDMillis = ms
	return fmt.Sprintf("m-%d", ms)
}
