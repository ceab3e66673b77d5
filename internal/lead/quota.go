package lead

import (
	"context"
	"sync"
)

// MaxQuestions is the lifetime question ceiling the lead service grants.
const MaxQuestions = 10

// QuotaSource fetches the authoritative remaining-question count for a lead.
type QuotaSource interface {
	QuestionsRemaining(ctx context.Context, leadID string) (int, error)
}

// QuotaTracker tracks the remaining allowed questions for one lead. The
// server-reported value is authoritative and always overwrites the local
// count; Consume is only an optimistic display hint between round trips.
type QuotaTracker struct {
	mu        sync.Mutex
	leadID    string
	remaining int
	source    QuotaSource
}

func NewQuotaTracker(leadID string, initial int, source QuotaSource) *QuotaTracker {
	return &QuotaTracker{
		leadID:    leadID,
		remaining: clamp(initial),
		source:    source,
	}
}

// LeadID returns the tracked lead identifier.
func (t *QuotaTracker) LeadID() string { return t.leadID }

// Remaining returns the last known count.
func (t *QuotaTracker) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remaining
}

// CanSubmit reports whether another question may be submitted.
func (t *QuotaTracker) CanSubmit() bool {
	return t.Remaining() > 0
}

// Consume decrements the local count after an accepted question. Floor is 0.
func (t *QuotaTracker) Consume() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remaining > 0 {
		t.remaining--
	}
	return t.remaining
}

// SetAuthoritative overwrites the local count with a server-reported value.
func (t *QuotaTracker) SetAuthoritative(n int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remaining = clamp(n)
	return t.remaining
}

// Refresh re-fetches the authoritative count from the lead service.
func (t *QuotaTracker) Refresh(ctx context.Context) (int, error) {
	if t.source == nil {
		return t.Remaining(), nil
	}
	n, err := t.source.QuestionsRemaining(ctx, t.leadID)
	if err != nil {
		return t.Remaining(), err
	}
	return t.SetAuthoritative(n), nil
}

func clamp(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxQuestions {
		return MaxQuestions
	}
	return n
}
