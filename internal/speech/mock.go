package speech

import (
	"context"
	"strings"
	"sync"
)

// Mock is a local fallback provider used when no speech service is
// configured, and a recording double for tests.
type Mock struct {
	mu sync.Mutex

	TranscriptText string
	TranscribeErr  error
	SynthesisAudio []byte
	SynthesizeErr  error

	transcribeCalls int
	synthesizeCalls int
	lastText        string
	lastVoice       string
}

func NewMock() *Mock {
	return &Mock{
		TranscriptText: "simulated voice input",
		SynthesisAudio: []byte("mock-audio"),
	}
}

func (m *Mock) Transcribe(_ context.Context, wav []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transcribeCalls++
	if m.TranscribeErr != nil {
		return "", m.TranscribeErr
	}
	if len(wav) == 0 {
		return "", &TranscriptionError{Err: ErrEmptyTranscript}
	}
	return m.TranscriptText, nil
}

func (m *Mock) Synthesize(_ context.Context, text, voiceID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	m.synthesizeCalls++
	m.lastText = text
	m.lastVoice = voiceID
	if m.SynthesizeErr != nil {
		return nil, m.SynthesizeErr
	}
	return m.SynthesisAudio, nil
}

func (m *Mock) TranscribeCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transcribeCalls
}

func (m *Mock) SynthesizeCalls() (int, string, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.synthesizeCalls, m.lastText, m.lastVoice
}

var (
	_ Transcriber = (*Mock)(nil)
	_ Synthesizer = (*Mock)(nil)
)
