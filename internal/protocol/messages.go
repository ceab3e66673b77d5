package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/proplio/askdesk/internal/answers"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	// Client → server.
	TypeStartRecording  MessageType = "start_recording"
	TypeAudioChunk      MessageType = "audio_chunk"
	TypeStopRecording   MessageType = "stop_recording"
	TypeSubmitQuestion  MessageType = "submit_question"
	TypeStopSpeaking    MessageType = "stop_speaking"
	TypeSetSpeakAnswers MessageType = "set_speak_answers"

	// Server → client.
	TypeInputState    MessageType = "input_state"
	TypeTranscript    MessageType = "transcript"
	TypeAnswerMessage MessageType = "message"
	TypeSpeakStarted  MessageType = "speaking_started"
	TypeSpeakAudio    MessageType = "speaking_audio_chunk"
	TypeSpeakEnded    MessageType = "speaking_ended"
	TypeQuota         MessageType = "quota"
	TypeNotice        MessageType = "notice"
	TypeErrorEvent    MessageType = "error_event"
)

// Notice categories surfaced to the widget. One dismissable notice per
// failure or terminal business outcome; no internal payloads leak through.
const (
	NoticeRateLimited         = "rate_limited"
	NoticeNoContent           = "no_content"
	NoticeQuestionTooLong     = "question_too_long"
	NoticeTranscriptionFailed = "transcription_failed"
	NoticeSynthesisFailed     = "synthesis_failed"
	NoticeSubmissionFailed    = "submission_failed"
	NoticeCaptureFailed       = "capture_failed"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type StartRecording struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	SampleRate int         `json:"sample_rate"`
}

type AudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Seq         int         `json:"seq"`
	PCM16Base64 string      `json:"pcm16_base64"`
	SampleRate  int         `json:"sample_rate"`
}

type StopRecording struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type SubmitQuestion struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
}

type StopSpeaking struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	MessageID string      `json:"message_id,omitempty"`
}

type SetSpeakAnswers struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Enabled   bool        `json:"enabled"`
	VoiceID   string      `json:"voice_id,omitempty"`
}

type InputState struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	State     string      `json:"state"`
}

type Transcript struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
}

type AnswerMessage struct {
	Type               MessageType      `json:"type"`
	SessionID          string           `json:"session_id"`
	MessageID          string           `json:"message_id"`
	Question           string           `json:"question"`
	Answer             string           `json:"answer"`
	Sources            []answers.Source `json:"sources"`
	Timestamp          string           `json:"timestamp"`
	TokensUsed         int              `json:"tokens_used,omitempty"`
	QuestionsRemaining int              `json:"questions_remaining"`
}

type SpeakStarted struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	MessageID string      `json:"message_id"`
}

type SpeakAudio struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	MessageID   string      `json:"message_id"`
	Seq         int         `json:"seq"`
	AudioBase64 string      `json:"audio_base64"`
}

type SpeakEnded struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	MessageID string      `json:"message_id"`
	Reason    string      `json:"reason"`
}

type Quota struct {
	Type               MessageType `json:"type"`
	SessionID          string      `json:"session_id"`
	QuestionsRemaining int         `json:"questions_remaining"`
}

type Notice struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Category  string      `json:"category"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

// ParseClientMessage decodes and validates one inbound payload.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeStartRecording:
		var msg StartRecording
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid start_recording")
		}
		return msg, nil
	case TypeAudioChunk:
		var msg AudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.PCM16Base64 == "" || msg.SampleRate <= 0 {
			return nil, errors.New("invalid audio_chunk")
		}
		return msg, nil
	case TypeStopRecording:
		var msg StopRecording
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid stop_recording")
		}
		return msg, nil
	case TypeSubmitQuestion:
		var msg SubmitQuestion
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid submit_question")
		}
		return msg, nil
	case TypeStopSpeaking:
		var msg StopSpeaking
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid stop_speaking")
		}
		return msg, nil
	case TypeSetSpeakAnswers:
		var msg SetSpeakAnswers
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid set_speak_answers")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
