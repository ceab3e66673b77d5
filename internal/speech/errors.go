package speech

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyTranscript is returned when the endpoint answers without text.
	ErrEmptyTranscript = errors.New("speech: transcription returned no text")

	// ErrEmptyAudio is returned when the endpoint answers without audio.
	ErrEmptyAudio = errors.New("speech: synthesis returned no audio")
)

// APIError represents an error response from a speech endpoint.
type APIError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("speech [%s]: API error %d: %s", e.Endpoint, e.StatusCode, e.Message)
}

// TranscriptionError wraps any failure of a transcription round trip.
type TranscriptionError struct {
	Err error
}

func (e *TranscriptionError) Error() string { return fmt.Sprintf("transcription failed: %v", e.Err) }
func (e *TranscriptionError) Unwrap() error { return e.Err }

// SynthesisError wraps any failure of a synthesis round trip.
type SynthesisError struct {
	Err error
}

func (e *SynthesisError) Error() string { return fmt.Sprintf("synthesis failed: %v", e.Err) }
func (e *SynthesisError) Unwrap() error { return e.Err }
