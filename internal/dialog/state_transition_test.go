package dialog

import (
	"testing"

	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/models"
)

func stateAtTurn(turn int) *models.DialogState {
	s := models.NewDialogState()
	s.TurnIndex = turn
	return s
}

func TestDecideNextState_RequestClose(t *testing.T) {
	s := stateAtTurn(5)
	s.QuestionBudget = 1
	got := DecideNextState(s, models.TurnSignals{RequestClose: true, UserText: "피곤해요", Recognized: true, Confidence: 1})
	if got != s {
		t.Fatal("expected the same state object to be returned")
	}
	if got.ConversationPhase != models.PhaseClosing || got.DialogStage != models.StageSessionWrap || got.QuestionBudget != 0 {
		t.Errorf("unexpected closing state: %+v", got)
	}
	if got.FatigueLevel != models.LevelLow {
		t.Error("close request must short-circuit before fatigue escalation")
	}
}

func TestDecideNextState_Silence(t *testing.T) {
	s := DecideNextState(stateAtTurn(1), models.SignalsFromMap(map[string]any{"silence_duration": 5, "user_text": ""}))
	if s.StrategyMode != models.ModeSupportive || s.QuestionBudget != 0 || s.LastUserIntent != IntentNeedsEncouragement {
		t.Errorf("unexpected silence state: %+v", s)
	}
}

func TestDecideNextState_RecognitionFailure(t *testing.T) {
	tests := []struct {
		name       string
		signals    models.TurnSignals
		wantBudget int
	}{
		{"unrecognized", models.TurnSignals{SpeechDetected: true, Recognized: false, Confidence: 0.9}, 1},
		{"low confidence", models.TurnSignals{SpeechDetected: true, Recognized: true, Confidence: 0.39, UserText: "어"}, 1},
		{"third failure", models.TurnSignals{SpeechDetected: true, Recognized: false, ConsecutiveFailures: 3}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DecideNextState(stateAtTurn(4), tt.signals)
			if s.StrategyMode != models.ModeClarification || s.LastUserIntent != IntentRecognitionFailed {
				t.Errorf("unexpected state: %+v", s)
			}
			if s.QuestionBudget != tt.wantBudget {
				t.Errorf("budget = %d, want %d", s.QuestionBudget, tt.wantBudget)
			}
			if s.HasUserTurn {
				t.Error("recognition failure must not record a user turn")
			}
		})
	}
}

func TestDecideNextState_PhaseAndIntent(t *testing.T) {
	tests := []struct {
		name       string
		turn       int
		signals    models.TurnSignals
		wantPhase  models.ConversationPhase
		wantStage  models.DialogStage
		wantMode   models.StrategyMode
		wantBudget int
		wantIntent string
	}{
		{"warmup general", 0, models.TurnSignals{UserText: "산책을 다녀왔어요", Recognized: true, Confidence: 1},
			models.PhaseWarmup, models.StageSessionOpen, models.ModeExplore, 1, IntentGeneral},
		{"dialog question", 3, models.TurnSignals{UserText: "오늘 날씨 어때요", IsQuestion: true, Recognized: true, Confidence: 1},
			models.PhaseDialog, models.StageCognitiveTraining, models.ModeAnswer, 1, IntentQuestion},
		{"meta feedback wins over question", 4, models.TurnSignals{UserText: "말이 너무 빨라요", IsMetaFeedback: true, IsQuestion: true, Recognized: true, Confidence: 1},
			models.PhaseDialog, models.StageCognitiveTraining, models.ModeRepair, 0, IntentMetaFeedback},
		{"suggestion", 6, models.TurnSignals{UserText: "노래 얘기 해요", IsSuggestion: true, Recognized: true, Confidence: 1},
			models.PhaseDialog, models.StageCognitiveTraining, models.ModeAnswer, 1, IntentSuggestion},
		{"negative", 2, models.TurnSignals{UserText: "아니요", IsNegativeResponse: true, Recognized: true, Confidence: 1},
			models.PhaseWarmup, models.StageSessionOpen, models.ModeExplore, 0, IntentNegativeResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DecideNextState(stateAtTurn(tt.turn), tt.signals)
			if s.ConversationPhase != tt.wantPhase || s.DialogStage != tt.wantStage {
				t.Errorf("phase/stage = %s/%s, want %s/%s", s.ConversationPhase, s.DialogStage, tt.wantPhase, tt.wantStage)
			}
			if s.StrategyMode != tt.wantMode || s.QuestionBudget != tt.wantBudget || s.LastUserIntent != tt.wantIntent {
				t.Errorf("mode/budget/intent = %s/%d/%s, want %s/%d/%s", s.StrategyMode, s.QuestionBudget, s.LastUserIntent, tt.wantMode, tt.wantBudget, tt.wantIntent)
			}
		})
	}
}

func TestDecideNextState_TrainingStepAdvancesOnce(t *testing.T) {
	s := stateAtTurn(0)
	DecideNextState(s, models.TurnSignals{UserText: "", Recognized: true, Confidence: 1})
	if s.TrainingStep != 0 || s.HasUserTurn {
		t.Fatalf("empty utterance must not advance: %+v", s)
	}
	DecideNextState(s, models.TurnSignals{UserText: "안녕하세요", Recognized: true, Confidence: 1})
	if s.TrainingStep != 1 || !s.HasUserTurn || s.LastUserUtterance != "안녕하세요" {
		t.Fatalf("first utterance should advance step: %+v", s)
	}
	s.TrainingStep = 4
	DecideNextState(s, models.TurnSignals{UserText: "또 왔어요", Recognized: true, Confidence: 1})
	if s.TrainingStep != 4 {
		t.Errorf("step must only advance from 0, got %d", s.TrainingStep)
	}
}

func TestDecideNextState_FatigueKeywordForcesRecovery(t *testing.T) {
	s := DecideNextState(stateAtTurn(5), models.TurnSignals{UserText: "오늘은 좀 피곤하네요", FatigueLevel: models.LevelLow, Recognized: true, Confidence: 1})
	if s.FatigueLevel != models.LevelHigh || s.DialogStage != models.StageRecoveryDialog || s.QuestionBudget != 0 {
		t.Errorf("unexpected fatigue handling: %+v", s)
	}
}

func TestDecideNextState_Refusal(t *testing.T) {
	for _, sig := range []models.TurnSignals{
		{UserText: "이제 그만할래요", Recognized: true, Confidence: 1},
		{UserText: "음", UserRefusedTraining: true, Recognized: true, Confidence: 1},
	} {
		s := DecideNextState(stateAtTurn(4), sig)
		if s.DialogStage != models.StageRecoveryDialog || s.QuestionBudget != 0 || s.LastUserIntent != IntentRefusal {
			t.Errorf("unexpected refusal handling for %q: %+v", sig.UserText, s)
		}
	}
}

func TestDecideNextState_MediumFatigue(t *testing.T) {
	tests := []struct {
		name      string
		signals   models.TurnSignals
		wantStage models.DialogStage
	}{
		{"low engagement", models.TurnSignals{UserText: "네", FatigueLevel: models.LevelMedium, EngagementLevel: models.LevelLow}, models.StageRecoveryDialog},
		{"high error", models.TurnSignals{UserText: "네", FatigueLevel: models.LevelMedium, ErrorLevel: models.LevelHigh}, models.StageRecoveryDialog},
		{"engaged", models.TurnSignals{UserText: "네", FatigueLevel: models.LevelMedium, EngagementLevel: models.LevelHigh}, models.StageCognitiveTraining},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.signals.Recognized, tt.signals.Confidence = true, 1
			s := DecideNextState(stateAtTurn(5), tt.signals)
			if s.DialogStage != tt.wantStage {
				t.Errorf("stage = %s, want %s", s.DialogStage, tt.wantStage)
			}
		})
	}

	// Warmup ignores the medium-fatigue rule.
	s := DecideNextState(stateAtTurn(1), models.TurnSignals{UserText: "네", FatigueLevel: models.LevelMedium, EngagementLevel: models.LevelLow, Recognized: true, Confidence: 1})
	if s.DialogStage != models.StageSessionOpen {
		t.Errorf("warmup stage = %s, want session_open", s.DialogStage)
	}
}

func TestDecideNextState_Deterministic(t *testing.T) {
	base := stateAtTurn(3)
	base.FatigueLevel = models.LevelMedium
	signals := models.TurnSignals{UserText: "사과랑 배를 샀어요", IsSuggestion: true, EngagementLevel: models.LevelLow, Recognized: true, Confidence: 1}

	a := DecideNextState(base.Clone(), signals)
	b := DecideNextState(base.Clone(), signals)
	if *a != *b {
		t.Errorf("transition is not deterministic:\n%+v\n%+v", a, b)
	}
}

func TestDecideNextState_BudgetInvariant(t *testing.T) {
	signalSets := []models.TurnSignals{
		{},
		{RequestClose: true},
		{SilenceDuration: 2},
		{SpeechDetected: true},
		{SpeechDetected: true, Recognized: true, Confidence: 0.1, ConsecutiveFailures: 9},
		{UserText: "질문", IsQuestion: true, Recognized: true, Confidence: 1},
		{UserText: "힘들어요", Recognized: true, Confidence: 1},
		{UserText: "싫어요", Recognized: true, Confidence: 1},
	}
	for turn := 0; turn < 6; turn++ {
		for _, sig := range signalSets {
			s := stateAtTurn(turn)
			s.QuestionBudget = 5
			DecideNextState(s, sig)
			if s.QuestionBudget != 0 && s.QuestionBudget != 1 {
				t.Fatalf("budget %d out of range for turn %d signals %+v", s.QuestionBudget, turn, sig)
			}
		}
	}
}

func TestDecideNextState_NilState(t *testing.T) {
	s := DecideNextState(nil, models.TurnSignals{})
	if s == nil {
		t.Fatal("expected a fresh state")
	}
}
