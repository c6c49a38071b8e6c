package validator

import (
	"strings"
	"testing"

	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/models"
)

func askCandidate(text string) Candidate {
	return Candidate{
		Text:           text,
		UserText:       "어제 공원에 다녀왔어요",
		Phase:          models.PhaseDialog,
		NextMove:       models.MoveAsk,
		QuestionBudget: 1,
	}
}

func hintFor(t *testing.T, name string) string {
	t.Helper()
	for _, r := range HardRules {
		if r.Name == name {
			return r.Hint
		}
	}
	for _, r := range SoftRules {
		if r.Name == name {
			return r.Hint
		}
	}
	t.Fatalf("no rule named %q", name)
	return ""
}

func TestBuildRetryHint_ProposalOnly(t *testing.T) {
	c := askCandidate("좋아요 해볼까요?")
	if got := BuildRetryHint(c); got != hintFor(t, RuleProposalOnly) {
		t.Errorf("BuildRetryHint() = %q", got)
	}
}

func TestBuildRetryHint_RepeatedPhrase(t *testing.T) {
	c := askCandidate("오늘 날씨가 참 좋네요. 산책은 하셨어요?")
	c.UsedPhrases = []string{"처음 뵙네요.", "오늘 날씨가 참 좋네요! 산책은 하셨어요?"}
	got := BuildRetryHint(c)
	if !strings.HasPrefix(got, "직전 발화와 겹치지 않게") {
		t.Errorf("BuildRetryHint() = %q", got)
	}
}

func TestBuildRetryHint_RepeatedLead(t *testing.T) {
	c := askCandidate("그렇군요 정말 즐거우셨겠어요! 누구랑 가셨나요?")
	c.UsedPhrases = []string{"그렇군요, 정말 즐거우셨겠어요. 어디 가셨어요?"}
	if got := BuildRetryHint(c); got != hintFor(t, RuleRepeatedLead) {
		t.Errorf("BuildRetryHint() = %q", got)
	}
}

func TestIsRepeatedLead_OnlyRecentWindow(t *testing.T) {
	c := askCandidate("그렇군요 정말 즐거우셨겠어요! 누구랑 가셨나요?")
	c.UsedPhrases = []string{"그렇군요, 정말 즐거우셨겠어요. 어디 가셨어요?"}
	for i := 0; i < recentLeadWindow; i++ {
		c.UsedPhrases = append(c.UsedPhrases, strings.Repeat("다", i+1)+" 다른 말이에요.")
	}
	if IsRepeatedLead(c) {
		t.Error("lead older than the recent window must not count")
	}
}

func TestBuildRetryHint_MissingFollowup(t *testing.T) {
	c := askCandidate("그렇군요. 즐거운 하루였네요.")
	if got := BuildRetryHint(c); got != hintFor(t, RuleMissingFollowup) {
		t.Errorf("BuildRetryHint() = %q", got)
	}

	c.QuestionBudget = 0
	if got := BuildRetryHint(c); got != "" {
		t.Errorf("zero budget must suppress the follow-up requirement, got %q", got)
	}

	c.QuestionBudget = 1
	c.Closing = true
	if got := BuildRetryHint(c); got != "" {
		t.Errorf("closing turn must not require a follow-up, got %q", got)
	}
}

func TestBuildRetryHint_IncompleteInput(t *testing.T) {
	c := askCandidate("네, 알겠어요.")
	c.NextMove = models.MoveNone
	c.IncompleteInput = true
	if got := BuildRetryHint(c); got != hintFor(t, RuleIncompleteInputFollowup) {
		t.Errorf("BuildRetryHint() = %q", got)
	}
	c.Text = "네, 이어서 말씀해 주시겠어요?"
	if got := BuildRetryHint(c); got != "" {
		t.Errorf("follow-up prompt should satisfy the rule, got %q", got)
	}
}

func TestBuildRetryHint_NoResponse(t *testing.T) {
	c := askCandidate("괜찮아요. 천천히 하셔도 돼요.")
	c.Outcome = models.OutcomeNoResponse
	c.QuestionBudget = 0
	if got := BuildRetryHint(c); got != hintFor(t, RuleNoResponseFollowup) {
		t.Errorf("BuildRetryHint() = %q", got)
	}
}

func TestBuildRetryHint_SessionMetaOpening(t *testing.T) {
	c := askCandidate("오늘의 훈련을 시작하겠습니다. 어제 잘 주무셨어요?")
	c.Phase = models.PhaseOpening
	if got := BuildRetryHint(c); got != hintFor(t, RuleSessionMetaOpening) {
		t.Errorf("BuildRetryHint() = %q", got)
	}
	c.Phase = models.PhaseDialog
	if got := BuildRetryHint(c); got != "" {
		t.Errorf("session meta only matters early in the session, got %q", got)
	}
}

func TestBuildRetryHint_SwitchPermission(t *testing.T) {
	c := askCandidate("좋은 이야기네요. 다른 이야기로 넘어가도 될까요?")
	c.NextMove = models.MoveSwitch
	if got := BuildRetryHint(c); got != hintFor(t, RuleSwitchPermission) {
		t.Errorf("BuildRetryHint() = %q", got)
	}
}

func TestBuildRetryHint_PriorityOrder(t *testing.T) {
	// Session meta wins over the missing follow-up it also has.
	c := askCandidate("세션을 시작하겠습니다.")
	c.Phase = models.PhaseWarmup
	if got := BuildRetryHint(c); got != hintFor(t, RuleSessionMetaOpening) {
		t.Errorf("BuildRetryHint() = %q", got)
	}

	// Empty text wins over everything.
	c.Text = "  "
	if got := BuildRetryHint(c); got != hintFor(t, RuleEmpty) {
		t.Errorf("BuildRetryHint() = %q", got)
	}
}

func TestSoftRetryHint(t *testing.T) {
	c := askCandidate("오늘은 무엇을 드셨어요?")
	if got := SoftRetryHint(c); got != hintFor(t, RuleMissingReaction) {
		t.Errorf("SoftRetryHint() = %q", got)
	}
	if !Passes(c) {
		t.Error("soft rules must not block acceptance")
	}

	c.Text = "좋네요. 오늘은 무엇을 드셨어요?"
	if got := SoftRetryHint(c); got != "" {
		t.Errorf("SoftRetryHint() = %q", got)
	}

	c.Text = "오늘은 무엇을 드셨어요?"
	c.UserText = ""
	if got := SoftRetryHint(c); got != "" {
		t.Errorf("no user text means nothing to react to, got %q", got)
	}
}

func TestRemoveLeadingUnhelpfulSentence(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		phase models.ConversationPhase
		move  models.NextMove
		want  string
	}{
		{"session meta stripped", "세션을 시작하겠습니다. 오늘 기분은 어떠세요?", models.PhaseOpening, models.MoveAsk, "오늘 기분은 어떠세요?"},
		{"single sentence kept", "세션을 시작하겠습니다.", models.PhaseOpening, models.MoveAsk, "세션을 시작하겠습니다."},
		{"meta kept outside early phases", "세션을 시작하겠습니다. 오늘 기분은 어떠세요?", models.PhaseDialog, models.MoveAsk, "세션을 시작하겠습니다. 오늘 기분은 어떠세요?"},
		{"switch permission stripped", "좋은 이야기네요. 다른 주제로 넘어가도 될까요? 좋아하는 음식은 뭐예요?", models.PhaseDialog, models.MoveSwitch, "좋은 이야기네요. 좋아하는 음식은 뭐예요?"},
		{"switch permission alone kept", "다른 주제로 넘어가도 될까요?", models.PhaseDialog, models.MoveSwitch, "다른 주제로 넘어가도 될까요?"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RemoveLeadingUnhelpfulSentence(tt.text, tt.phase, tt.move); got != tt.want {
				t.Errorf("RemoveLeadingUnhelpfulSentence() = %q, want %q", got, tt.want)
			}
		})
	}
}
