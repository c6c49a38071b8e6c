package models

import (
	"strconv"
	"strings"

	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/util"
)

// ConversationPhase is the coarse position of a session in its lifecycle.
type ConversationPhase string

const (
	PhaseOpening ConversationPhase = "opening"
	PhaseWarmup  ConversationPhase = "warmup"
	PhaseDialog  ConversationPhase = "dialog"
	PhaseClosing ConversationPhase = "closing"
)

// ParseConversationPhase maps external values onto a phase. Unknown values map to PhaseDialog.
func ParseConversationPhase(s string) ConversationPhase {
	switch ConversationPhase(strings.ToLower(strings.TrimSpace(s))) {
	case PhaseOpening:
		return PhaseOpening
	case PhaseWarmup:
		return PhaseWarmup
	case PhaseClosing:
		return PhaseClosing
	}
	return PhaseDialog
}

// IsEarly reports whether the phase is opening or warmup.
func (p ConversationPhase) IsEarly() bool {
	return p == PhaseOpening || p == PhaseWarmup
}

// DialogStage is the therapy-phase marker recomputed on every transition.
type DialogStage string

const (
	StageEmotionalStabilization DialogStage = "emotional_stabilization"
	StageSessionOpen            DialogStage = "session_open"
	StageCognitiveTraining      DialogStage = "cognitive_training"
	StageAdaptiveAdjustment     DialogStage = "adaptive_adjustment"
	StageRecoveryDialog         DialogStage = "recovery_dialog"
	StageSessionWrap            DialogStage = "session_wrap"
)

// ParseDialogStage maps external values onto a stage. Unknown values map to StageSessionOpen.
func ParseDialogStage(s string) DialogStage {
	switch st := DialogStage(strings.ToLower(strings.TrimSpace(s))); st {
	case StageEmotionalStabilization, StageSessionOpen, StageCognitiveTraining,
		StageAdaptiveAdjustment, StageRecoveryDialog, StageSessionWrap:
		return st
	}
	return StageSessionOpen
}

// StrategyMode governs whether the next turn asks, answers, repairs or soothes.
type StrategyMode string

const (
	ModeExplore       StrategyMode = "explore_mode"
	ModeAnswer        StrategyMode = "answer_mode"
	ModeRepair        StrategyMode = "repair_mode"
	ModeSupportive    StrategyMode = "supportive_mode"
	ModeClarification StrategyMode = "clarification_mode"
)

// ParseStrategyMode maps external values onto a mode. Unknown values map to ModeExplore.
func ParseStrategyMode(s string) StrategyMode {
	switch m := StrategyMode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeExplore, ModeAnswer, ModeRepair, ModeSupportive, ModeClarification:
		return m
	}
	return ModeExplore
}

// Level is the tri-state scale used for fatigue, engagement and error signals.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// ParseLevel maps external values onto a level, returning def for anything unrecognized.
// "mid" is accepted as an alias of medium.
func ParseLevel(s string, def Level) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return LevelLow
	case "medium", "mid":
		return LevelMedium
	case "high":
		return LevelHigh
	}
	return def
}

// DialogState is the per-session conversational record. It is created with
// NewDialogState, mutated by the transition engine once per turn and stored
// between turns as a flat key/value record.
type DialogState struct {
	ConversationPhase      ConversationPhase `json:"conversation_phase"`
	DialogStage            DialogStage       `json:"dialog_stage"`
	StrategyMode           StrategyMode      `json:"strategy_mode"`
	QuestionBudget         int               `json:"question_budget"`
	TrainingType           string            `json:"training_type"`
	TrainingLevel          int               `json:"training_level"`
	TrainingStep           int               `json:"training_step"`
	FatigueLevel           Level             `json:"fatigue_level"`
	TurnIndex              int               `json:"turn_index"`
	ElapsedSec             int               `json:"elapsed_sec"`
	LastUserUtterance      string            `json:"last_user_utterance"`
	LastAssistantUtterance string            `json:"last_assistant_utterance"`
	LastUserIntent         string            `json:"last_user_intent"`
	MemorySummary          string            `json:"memory_summary"`
	HasUserTurn            bool              `json:"has_user_turn"`
}

// NewDialogState returns the state of a freshly opened session.
func NewDialogState() *DialogState {
	return &DialogState{
		ConversationPhase: PhaseOpening,
		DialogStage:       StageSessionOpen,
		StrategyMode:      ModeExplore,
		QuestionBudget:    1,
		TrainingLevel:     1,
		FatigueLevel:      LevelLow,
	}
}

// Clone returns an independent copy of the state.
func (s *DialogState) Clone() *DialogState {
	if s == nil {
		return NewDialogState()
	}
	c := *s
	return &c
}

// SetQuestionBudget stores the budget clamped to {0, 1}.
func (s *DialogState) SetQuestionBudget(n int) {
	if n > 0 {
		s.QuestionBudget = 1
		return
	}
	s.QuestionBudget = 0
}

// Record keys of a persisted DialogState.
const (
	KeyConversationPhase      = "conversation_phase"
	KeyDialogStage            = "dialog_stage"
	KeyStrategyMode           = "strategy_mode"
	KeyQuestionBudget         = "question_budget"
	KeyTrainingType           = "training_type"
	KeyTrainingLevel          = "training_level"
	KeyTrainingStep           = "training_step"
	KeyFatigueLevel           = "fatigue_level"
	KeyTurnIndex              = "turn_index"
	KeyElapsedSec             = "elapsed_sec"
	KeyLastUserUtterance      = "last_user_utterance"
	KeyLastAssistantUtterance = "last_assistant_utterance"
	KeyLastUserIntent         = "last_user_intent"
	KeyMemorySummary          = "memory_summary"
	KeyHasUserTurn            = "has_user_turn"
)

// ToRecord flattens the state into string key/value pairs for storage.
func (s *DialogState) ToRecord() map[string]string {
	return map[string]string{
		KeyConversationPhase:      string(s.ConversationPhase),
		KeyDialogStage:            string(s.DialogStage),
		KeyStrategyMode:           string(s.StrategyMode),
		KeyQuestionBudget:         strconv.Itoa(s.QuestionBudget),
		KeyTrainingType:           s.TrainingType,
		KeyTrainingLevel:          strconv.Itoa(s.TrainingLevel),
		KeyTrainingStep:           strconv.Itoa(s.TrainingStep),
		KeyFatigueLevel:           string(s.FatigueLevel),
		KeyTurnIndex:              strconv.Itoa(s.TurnIndex),
		KeyElapsedSec:             strconv.Itoa(s.ElapsedSec),
		KeyLastUserUtterance:      s.LastUserUtterance,
		KeyLastAssistantUtterance: s.LastAssistantUtterance,
		KeyLastUserIntent:         s.LastUserIntent,
		KeyMemorySummary:          s.MemorySummary,
		KeyHasUserTurn:            strconv.FormatBool(s.HasUserTurn),
	}
}

// StateFromRecord rebuilds a state from a stored record. Missing or invalid
// fields keep the NewDialogState defaults.
func StateFromRecord(rec map[string]string) *DialogState {
	loose := make(map[string]any, len(rec))
	for k, v := range rec {
		loose[k] = v
	}
	return StateFromMap(loose)
}

// StateFromMap resolves a loosely typed payload (decoded JSON, form values)
// into a typed DialogState.
func StateFromMap(m map[string]any) *DialogState {
	s := NewDialogState()
	if m == nil {
		return s
	}
	if v, ok := m[KeyConversationPhase]; ok && util.CoerceString(v) != "" {
		s.ConversationPhase = ParseConversationPhase(util.CoerceString(v))
	}
	if v, ok := m[KeyDialogStage]; ok && util.CoerceString(v) != "" {
		s.DialogStage = ParseDialogStage(util.CoerceString(v))
	}
	if v, ok := m[KeyStrategyMode]; ok && util.CoerceString(v) != "" {
		s.StrategyMode = ParseStrategyMode(util.CoerceString(v))
	}
	if v, ok := m[KeyQuestionBudget]; ok {
		s.SetQuestionBudget(util.CoerceInt(v, s.QuestionBudget))
	}
	s.TrainingType = util.CoerceString(m[KeyTrainingType])
	s.TrainingLevel = util.CoerceInt(m[KeyTrainingLevel], s.TrainingLevel)
	s.TrainingStep = util.CoerceInt(m[KeyTrainingStep], 0)
	s.FatigueLevel = ParseLevel(util.CoerceString(m[KeyFatigueLevel]), LevelLow)
	s.TurnIndex = util.CoerceInt(m[KeyTurnIndex], 0)
	s.ElapsedSec = util.CoerceInt(m[KeyElapsedSec], 0)
	s.LastUserUtterance = util.CoerceString(m[KeyLastUserUtterance])
	s.LastAssistantUtterance = util.CoerceString(m[KeyLastAssistantUtterance])
	s.LastUserIntent = util.CoerceString(m[KeyLastUserIntent])
	s.MemorySummary = util.CoerceString(m[KeyMemorySummary])
	s.HasUserTurn = util.CoerceBool(m[KeyHasUserTurn])
	return s
}
