package models

import (
	"strings"

	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/util"
)

// Chat roles accepted in recent-turn transcripts.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ChatMessage is one entry of a conversation transcript.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NormalizeMessages keeps user/assistant entries with non-empty content.
// Accepted inputs are []ChatMessage, []map[string]any and []any of maps.
func NormalizeMessages(v any) []ChatMessage {
	var raw []ChatMessage
	switch t := v.(type) {
	case []ChatMessage:
		raw = t
	case []map[string]any:
		for _, m := range t {
			raw = append(raw, ChatMessage{Role: util.CoerceString(m["role"]), Content: util.CoerceString(m["content"])})
		}
	case []any:
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				raw = append(raw, ChatMessage{Role: util.CoerceString(m["role"]), Content: util.CoerceString(m["content"])})
			}
		}
	}
	out := make([]ChatMessage, 0, len(raw))
	for _, m := range raw {
		role := strings.ToLower(strings.TrimSpace(m.Role))
		content := strings.TrimSpace(m.Content)
		if content == "" || (role != RoleUser && role != RoleAssistant) {
			continue
		}
		out = append(out, ChatMessage{Role: role, Content: content})
	}
	return out
}

// Input status values reported by upstream utterance analysis.
const InputStatusIncomplete = "incomplete"

// TurnMeta is the normalized per-turn metadata supplied by the caller.
type TurnMeta struct {
	ConversationPhase ConversationPhase `json:"conversation_phase"`
	FatigueState      Level             `json:"fatigue_state"`
	TrainingType      string            `json:"training_type,omitempty"`
	TrainingLevel     int               `json:"training_level"`
	BehaviorContract  BehaviorContract  `json:"behavior_contract"`
	Stimulus          *Stimulus         `json:"stimulus,omitempty"`
	ActionText        string            `json:"action_text,omitempty"`
	UserTimeReference string            `json:"user_time_reference,omitempty"`
	TimeContext       string            `json:"time_context,omitempty"`
	MemorySummary     string            `json:"memory_summary,omitempty"`
	UsedPhrases       []string          `json:"used_phrases,omitempty"`
	STTEvent          string            `json:"stt_event,omitempty"`
	RequestClose      bool              `json:"request_close"`
	TurnIndex         int               `json:"turn_index"`
	InputStatus       string            `json:"input_status,omitempty"`
	Model             string            `json:"model,omitempty"`
	FallbackModel     string            `json:"fallback_model,omitempty"`
}

// IsClosing reports whether this turn closes the session.
func (m TurnMeta) IsClosing() bool {
	return m.RequestClose || m.ConversationPhase == PhaseClosing
}

// IsIncompleteInput reports whether upstream marked the user input as incomplete.
func (m TurnMeta) IsIncompleteInput() bool {
	return m.InputStatus == InputStatusIncomplete || m.BehaviorContract.Outcome == OutcomeIncomplete
}

// MetaFromMap coerces a loose meta payload. It never fails; malformed fields take defaults.
func MetaFromMap(m map[string]any) TurnMeta {
	meta := TurnMeta{
		ConversationPhase: PhaseDialog,
		FatigueState:      LevelLow,
		TrainingLevel:     1,
		BehaviorContract:  DefaultBehaviorContract(),
	}
	if m == nil {
		return meta
	}
	if p := util.CoerceString(m["conversation_phase"]); p != "" {
		meta.ConversationPhase = ParseConversationPhase(p)
	}
	meta.FatigueState = ParseLevel(util.CoerceString(first(m, "fatigue_state", "fatigue_level")), LevelLow)
	meta.TrainingType = util.CoerceString(m["training_type"])
	meta.TrainingLevel = util.CoerceInt(m["training_level"], 1)
	if v, ok := m["behavior_contract"]; ok {
		meta.BehaviorContract = ParseBehaviorContract(v)
	}
	if st, ok := m["stimulus"].(map[string]any); ok {
		meta.Stimulus = StimulusFromMap(st)
	}
	meta.ActionText = util.CoerceString(m["action_text"])
	meta.UserTimeReference = util.CoerceString(m["user_time_reference"])
	meta.TimeContext = util.CoerceString(m["time_context"])
	meta.MemorySummary = util.CoerceString(m["memory_summary"])
	meta.UsedPhrases = util.CoerceStringSlice(m["used_phrases"])
	meta.STTEvent = strings.ToLower(util.CoerceString(m["stt_event"]))
	meta.RequestClose = util.CoerceBool(m["request_close"])
	meta.TurnIndex = util.CoerceInt(m["turn_index"], 0)
	meta.InputStatus = strings.ToLower(util.CoerceString(m["input_status"]))
	meta.Model = util.CoerceString(m["model"])
	meta.FallbackModel = util.CoerceString(m["fallback_model"])
	return meta
}

// TurnRequest is everything the caller supplies for one turn.
type TurnRequest struct {
	UserText       string         `json:"user_text"`
	State          *DialogState   `json:"state"`
	Meta           TurnMeta       `json:"meta"`
	ModelResult    map[string]any `json:"model_result,omitempty"`
	RecentMessages []ChatMessage  `json:"recent_messages,omitempty"`
}

// TurnResult is the return contract of a processed turn.
type TurnResult struct {
	Response      string         `json:"response"`
	State         *DialogState   `json:"state"`
	DialogSummary *string        `json:"dialog_summary"`
	Meta          map[string]any `json:"meta"`
}
