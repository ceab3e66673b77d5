package answers

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Mock answers every question locally. Used when no answer service is
// configured, and as a scripted double in tests.
type Mock struct {
	mu sync.Mutex

	// Next forces the outcome of the next Ask calls when set.
	Next *Outcome
	// Err forces Ask to fail when set.
	Err error

	calls     int
	questions []string
}

func NewMock() *Mock { return &Mock{} }

func (m *Mock) Ask(_ context.Context, question, _ string) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.questions = append(m.questions, question)
	if m.Err != nil {
		return Outcome{}, m.Err
	}
	if m.Next != nil {
		return *m.Next, nil
	}
	return Outcome{
		Kind:               OutcomeAnswered,
		Answer:             fmt.Sprintf("Simulated answer to: %s", question),
		Sources:            []Source{{ID: "doc-1", Title: "Getting Started", DocType: "guide", Reference: "[1]"}},
		Timestamp:          time.Now().UTC().Format(time.RFC3339),
		TokensUsed:         42,
		QuestionsRemaining: -1,
	}, nil
}

func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *Mock) Questions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.questions))
	copy(out, m.questions)
	return out
}

var _ Asker = (*Mock)(nil)
