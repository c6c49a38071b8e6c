package models

import "github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/util"

// TurnSignals are the per-turn inputs to the transition engine. They are
// consumed once and never persisted.
type TurnSignals struct {
	UserText            string  `json:"user_text"`
	SpeechDetected      bool    `json:"is_speech_detected"`
	Recognized          bool    `json:"is_recognized"`
	Confidence          float64 `json:"confidence"`
	SilenceDuration     float64 `json:"silence_duration"`
	ConsecutiveFailures int     `json:"consecutive_failures"`

	RequestClose        bool `json:"request_close"`
	IsQuestion          bool `json:"is_question"`
	IsSuggestion        bool `json:"is_suggestion"`
	IsMetaFeedback      bool `json:"is_meta_feedback"`
	IsNegativeResponse  bool `json:"is_negative_response"`
	UserRefusedTraining bool `json:"user_refused_training"`

	// Empty levels mean "not supplied upstream".
	FatigueLevel    Level `json:"fatigue_level,omitempty"`
	EngagementLevel Level `json:"engagement_level,omitempty"`
	ErrorLevel      Level `json:"error_level,omitempty"`
}

// SignalsFromMap coerces a loose payload into TurnSignals. A nil map yields
// empty signals. Recognition defaults to true and confidence to 1 so that a
// payload without STT fields never reads as a recognition failure.
func SignalsFromMap(m map[string]any) TurnSignals {
	s := TurnSignals{Recognized: true, Confidence: 1}
	if m == nil {
		return s
	}
	s.UserText = util.CoerceString(m["user_text"])
	s.SpeechDetected = util.CoerceBool(first(m, "is_speech_detected", "speech_detected"))
	if v := first(m, "is_recognized", "recognized"); v != nil {
		s.Recognized = util.CoerceBool(v)
	}
	s.Confidence = util.CoerceFloat(m["confidence"], 1)
	s.SilenceDuration = util.CoerceFloat(m["silence_duration"], 0)
	s.ConsecutiveFailures = util.CoerceInt(m["consecutive_failures"], 0)
	s.RequestClose = util.CoerceBool(m["request_close"])
	s.IsQuestion = util.CoerceBool(m["is_question"])
	s.IsSuggestion = util.CoerceBool(m["is_suggestion"])
	s.IsMetaFeedback = util.CoerceBool(m["is_meta_feedback"])
	s.IsNegativeResponse = util.CoerceBool(m["is_negative_response"])
	s.UserRefusedTraining = util.CoerceBool(m["user_refused_training"])
	s.FatigueLevel = ParseLevel(util.CoerceString(m["fatigue_level"]), "")
	s.EngagementLevel = ParseLevel(util.CoerceString(m["engagement_level"]), "")
	s.ErrorLevel = ParseLevel(util.CoerceString(m["error_level"]), "")
	return s
}

func first(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

// STT error categories reported by the speech collaborator.
const (
	STTErrorAPI           = "api_error"
	STTErrorNoSound       = "no_sound"
	STTErrorUnclearSpeech = "unclear_speech"
	STTErrorLowConfidence = "low_confidence"
)

// STTEventNoSpeech is the meta stt_event value that selects the no-speech fallback.
const STTEventNoSpeech = "no_speech"

// TranscriptionResult is what the speech-to-text collaborator hands over for one utterance.
type TranscriptionResult struct {
	Text             string  `json:"text"`
	Confidence       float64 `json:"confidence"`
	IsSpeechDetected bool    `json:"is_speech_detected"`
	IsRecognized     bool    `json:"is_recognized"`
	ErrorType        string  `json:"error_type,omitempty"`
}

// STTEvent derives the meta stt_event value for a transcription.
func (t TranscriptionResult) STTEvent() string {
	if t.ErrorType == STTErrorNoSound || (!t.IsSpeechDetected && t.Text == "") {
		return STTEventNoSpeech
	}
	return ""
}

// ApplyTranscription overlays the speech fields of a transcription onto the
// signals. Caller-supplied flags are preserved.
func (s TurnSignals) ApplyTranscription(t TranscriptionResult) TurnSignals {
	s.UserText = t.Text
	s.SpeechDetected = t.IsSpeechDetected
	s.Recognized = t.IsRecognized
	s.Confidence = t.Confidence
	switch t.ErrorType {
	case STTErrorNoSound:
		s.SpeechDetected = false
		if s.UserText == "" && s.SilenceDuration <= 0 {
			s.SilenceDuration = 1
		}
	case STTErrorUnclearSpeech, STTErrorLowConfidence:
		s.SpeechDetected = true
		s.Recognized = false
	}
	return s
}

// SignalsFromTranscription builds turn signals from a transcription and the
// loose signal payload the caller sent alongside it.
func SignalsFromTranscription(t TranscriptionResult, extra map[string]any) TurnSignals {
	return SignalsFromMap(extra).ApplyTranscription(t)
}
