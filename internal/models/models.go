// Package models defines the core data structures of the dialog core.
//
// It includes the per-session DialogState, the transient per-turn inputs
// (signals, behavior contract, stimulus, meta) and the HTTP payload types
// shared across modules.
package models

import (
	"errors"
	"time"
)

// Validation constants for input validation
const (
	// MaxUserTextLength defines the maximum allowed length of a single user utterance
	MaxUserTextLength = 2000
	// MaxRecentMessages defines the maximum number of transcript entries accepted per turn
	MaxRecentMessages = 50
	// MaxTrainingLevel defines the highest supported training difficulty
	MaxTrainingLevel = 5
)

// Error variables for better error handling and testability
var (
	ErrUserTextTooLong      = errors.New("user_text exceeds maximum length")
	ErrTooManyMessages      = errors.New("too many recent_messages")
	ErrInvalidTrainingLevel = errors.New("training_level must be between 1 and 5")
)

// Session is a persisted dialog session: its state plus bookkeeping the
// flow keeps between turns.
type Session struct {
	ID            string       `json:"id"`
	State         *DialogState `json:"state"`
	UsedPhrases   []string     `json:"used_phrases,omitempty"`
	RecentStimuli []string     `json:"recent_stimuli,omitempty"` // prompts of recently served stimuli
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// TurnRecord is one persisted transcript entry.
type TurnRecord struct {
	SessionID string    `json:"session_id"`
	TurnIndex int       `json:"turn_index"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateSessionRequest is the payload for opening a dialog session.
type CreateSessionRequest struct {
	TrainingType  string `json:"training_type,omitempty"`
	TrainingLevel int    `json:"training_level,omitempty"`
}

// Validate validates a CreateSessionRequest.
func (r *CreateSessionRequest) Validate() error {
	if r.TrainingLevel < 0 || r.TrainingLevel > MaxTrainingLevel {
		return ErrInvalidTrainingLevel
	}
	return nil
}

// TurnAPIRequest is the payload for processing one turn over HTTP.
type TurnAPIRequest struct {
	RequestID      string               `json:"request_id,omitempty"` // idempotency key
	UserText       string               `json:"user_text"`
	Transcription  *TranscriptionResult `json:"transcription,omitempty"`
	Signals        map[string]any       `json:"signals,omitempty"`
	Meta           map[string]any       `json:"meta,omitempty"`
	ModelResult    map[string]any       `json:"model_result,omitempty"`
	RecentMessages []ChatMessage        `json:"recent_messages,omitempty"`
	ElapsedSec     int                  `json:"elapsed_sec,omitempty"`
}

// Validate validates a TurnAPIRequest.
func (r *TurnAPIRequest) Validate() error {
	if len(r.UserText) > MaxUserTextLength {
		return ErrUserTextTooLong
	}
	if r.Transcription != nil && len(r.Transcription.Text) > MaxUserTextLength {
		return ErrUserTextTooLong
	}
	if len(r.RecentMessages) > MaxRecentMessages {
		return ErrTooManyMessages
	}
	return nil
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse is the envelope every endpoint answers with.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success wraps result in an ok envelope.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage wraps result in an ok envelope carrying message.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error builds an error envelope.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
