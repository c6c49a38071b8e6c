// Package dialog implements the conversational policy of a therapy session:
// the state transition engine, the structured context builder and the
// training strategy card builder.
package dialog

import (
	"log/slog"
	"strings"

	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/models"
)

// Intents recorded in DialogState.LastUserIntent.
const (
	IntentCloseRequest       = "close_request"
	IntentNeedsEncouragement = "needs_encouragement"
	IntentRecognitionFailed  = "recognition_failed"
	IntentMetaFeedback       = "meta_feedback"
	IntentQuestion           = "question"
	IntentSuggestion         = "suggestion"
	IntentNegativeResponse   = "negative_response"
	IntentGeneral            = "general"
	IntentRefusal            = "refusal"
)

const (
	// recognitionConfidenceFloor is the STT confidence below which a detected utterance counts as unrecognized.
	recognitionConfidenceFloor = 0.4
	// maxClarificationAttempts stops asking the user to repeat after this many consecutive failures.
	maxClarificationAttempts = 3
	// warmupTurns is the last turn index still treated as warmup.
	warmupTurns = 2
)

// DecideNextState applies one turn of session policy to state and returns it.
// The state is mutated in place; a nil state is replaced by a fresh one.
// The first matching rule wins.
func DecideNextState(state *models.DialogState, signals models.TurnSignals) *models.DialogState {
	if state == nil {
		state = models.NewDialogState()
	}
	text := strings.TrimSpace(signals.UserText)

	if signals.RequestClose {
		state.ConversationPhase = models.PhaseClosing
		state.DialogStage = models.StageSessionWrap
		state.QuestionBudget = 0
		state.LastUserIntent = IntentCloseRequest
		logDecision(state, "close_request")
		return state
	}

	if signals.SilenceDuration > 0 && text == "" {
		state.StrategyMode = models.ModeSupportive
		state.QuestionBudget = 0
		state.LastUserIntent = IntentNeedsEncouragement
		logDecision(state, "silence")
		return state
	}

	if signals.SpeechDetected && (!signals.Recognized || signals.Confidence < recognitionConfidenceFloor) {
		state.StrategyMode = models.ModeClarification
		if signals.ConsecutiveFailures >= maxClarificationAttempts {
			state.QuestionBudget = 0
		} else {
			state.QuestionBudget = 1
		}
		state.LastUserIntent = IntentRecognitionFailed
		logDecision(state, "recognition_failed")
		return state
	}

	if state.TurnIndex <= warmupTurns {
		state.ConversationPhase = models.PhaseWarmup
		state.DialogStage = models.StageSessionOpen
	} else {
		state.ConversationPhase = models.PhaseDialog
		state.DialogStage = models.StageCognitiveTraining
	}
	if text != "" {
		state.LastUserUtterance = text
		state.HasUserTurn = true
		if state.TrainingStep == 0 {
			state.TrainingStep = 1
		}
	}

	switch {
	case signals.IsMetaFeedback:
		state.LastUserIntent = IntentMetaFeedback
		state.StrategyMode = models.ModeRepair
		state.QuestionBudget = 0
	case signals.IsQuestion || signals.IsSuggestion:
		if signals.IsQuestion {
			state.LastUserIntent = IntentQuestion
		} else {
			state.LastUserIntent = IntentSuggestion
		}
		state.StrategyMode = models.ModeAnswer
		state.QuestionBudget = 1
	case signals.IsNegativeResponse:
		state.LastUserIntent = IntentNegativeResponse
		state.StrategyMode = models.ModeExplore
		state.QuestionBudget = 0
	default:
		state.LastUserIntent = IntentGeneral
		state.StrategyMode = models.ModeExplore
		state.QuestionBudget = 1
	}

	if signals.FatigueLevel != "" {
		state.FatigueLevel = signals.FatigueLevel
	}
	if IsTiredUtterance(text) {
		state.FatigueLevel = models.LevelHigh
	}

	if signals.UserRefusedTraining || IsRefusalUtterance(text) {
		state.DialogStage = models.StageRecoveryDialog
		state.QuestionBudget = 0
		state.LastUserIntent = IntentRefusal
		logDecision(state, "refusal")
		return state
	}

	if state.FatigueLevel == models.LevelHigh {
		state.DialogStage = models.StageRecoveryDialog
		state.QuestionBudget = 0
		logDecision(state, "fatigue_high")
		return state
	}

	if state.ConversationPhase == models.PhaseDialog {
		if state.FatigueLevel == models.LevelMedium &&
			(signals.EngagementLevel == models.LevelLow || signals.ErrorLevel == models.LevelHigh) {
			state.DialogStage = models.StageRecoveryDialog
			state.QuestionBudget = 0
			logDecision(state, "fatigue_medium_recovery")
			return state
		}
		state.DialogStage = models.StageCognitiveTraining
		logDecision(state, "training")
		return state
	}

	state.DialogStage = models.StageSessionOpen
	logDecision(state, "session_open")
	return state
}

func logDecision(state *models.DialogState, rule string) {
	slog.Debug("dialog.DecideNextState: rule applied",
		"rule", rule,
		"phase", state.ConversationPhase,
		"stage", state.DialogStage,
		"mode", state.StrategyMode,
		"questionBudget", state.QuestionBudget,
		"intent", state.LastUserIntent,
		"fatigue", state.FatigueLevel)
}
