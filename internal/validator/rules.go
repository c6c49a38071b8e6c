package validator

import (
	"strings"
	"unicode"

	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/models"
)

const (
	// leadSimilarityThreshold is the sequence ratio at which two lead sentences count as the same.
	leadSimilarityThreshold = 0.90
	// recentLeadWindow is how many of the latest used phrases are compared by lead sentence.
	recentLeadWindow = 5
	// proposalResidueLimit is the most non-proposal content a proposal-only reply may carry.
	proposalResidueLimit = 8
	// reactionWindowRunes is how much of the reply's opening is searched for a reaction.
	reactionWindowRunes = 30
)

// Candidate is a reply under validation together with the turn facts the rules need.
type Candidate struct {
	Text            string
	UserText        string
	Phase           models.ConversationPhase
	NextMove        models.NextMove
	Outcome         string
	Closing         bool
	IncompleteInput bool
	QuestionBudget  int
	UsedPhrases     []string
}

// requiresFollowup reports whether the generic follow-up rule applies. The
// question budget is authoritative: a zero budget suppresses the requirement.
func (c Candidate) requiresFollowup() bool {
	return !c.Closing && c.QuestionBudget > 0 && c.NextMove.RequiresFollowup()
}

// Rule is one named check with the corrective instruction used for a retry.
type Rule struct {
	Name  string
	Check func(Candidate) bool // true means the reply violates the rule
	Hint  string
}

// Rule names.
const (
	RuleEmpty                   = "empty"
	RuleSessionMetaOpening      = "session_meta_opening"
	RuleSwitchPermission        = "switch_permission"
	RuleRepeatedPhrase          = "repeated_phrase"
	RuleRepeatedLead            = "repeated_lead"
	RuleProposalOnly            = "proposal_only"
	RuleIncompleteInputFollowup = "incomplete_input_missing_followup"
	RuleNoResponseFollowup      = "no_response_missing_followup"
	RuleMissingFollowup         = "missing_followup"
	RuleMissingReaction         = "missing_reaction"
)

// HardRules are evaluated in priority order; the first violation decides the retry hint.
var HardRules = []Rule{
	{
		Name:  RuleEmpty,
		Check: func(c Candidate) bool { return strings.TrimSpace(c.Text) == "" },
		Hint:  "응답이 비어 있었습니다. 사용자의 말에 짧게 반응하고 한두 문장으로 답해 주세요.",
	},
	{
		Name:  RuleSessionMetaOpening,
		Check: IsSessionMetaOpening,
		Hint:  "세션 시작이나 환영을 알리는 말은 빼고, 사용자의 말에 바로 자연스럽게 반응해 주세요.",
	},
	{
		Name:  RuleSwitchPermission,
		Check: HasSwitchPermissionQuestion,
		Hint:  "주제를 바꿔도 되는지 묻지 말고, 바로 새로운 질문 하나를 건네 주세요.",
	},
	{
		Name:  RuleRepeatedPhrase,
		Check: IsRepeatedPhrase,
		Hint:  "직전 발화와 겹치지 않게 새로운 표현으로 다시 말해 주세요.",
	},
	{
		Name:  RuleRepeatedLead,
		Check: IsRepeatedLead,
		Hint:  "직전 발화들과 다른 첫 문장으로 시작해 주세요. 같은 인사나 맞장구로 시작하지 마세요.",
	},
	{
		Name:  RuleProposalOnly,
		Check: IsProposalOnly,
		Hint:  "제안만 하지 말고, 사용자의 말에 먼저 구체적으로 반응한 뒤 질문 하나를 덧붙여 주세요.",
	},
	{
		Name: RuleIncompleteInputFollowup,
		Check: func(c Candidate) bool {
			return c.IncompleteInput && !c.Closing && !HasFollowupPrompt(c.Text)
		},
		Hint: "사용자의 말이 끝나지 않았습니다. 대신 완성하지 말고, 이어서 말씀해 달라고 부드럽게 물어봐 주세요.",
	},
	{
		Name: RuleNoResponseFollowup,
		Check: func(c Candidate) bool {
			return c.Outcome == models.OutcomeNoResponse && c.NextMove == models.MoveAsk && !c.Closing && !HasFollowupPrompt(c.Text)
		},
		Hint: "사용자가 대답하지 않았습니다. 부담 없는 짧은 질문 하나로 다시 말을 건네 주세요.",
	},
	{
		Name: RuleMissingFollowup,
		Check: func(c Candidate) bool {
			return c.requiresFollowup() && !HasFollowupPrompt(c.Text)
		},
		Hint: "응답 끝에 사용자가 답할 수 있는 짧은 질문 하나를 꼭 넣어 주세요.",
	},
}

// SoftRules never block acceptance; they only suggest a retry when no hard rule fired.
var SoftRules = []Rule{
	{
		Name:  RuleMissingReaction,
		Check: IsMissingReaction,
		Hint:  "첫 부분에서 사용자의 말에 짧게 공감하거나 반응해 주세요.",
	},
}

// FirstViolation returns the first rule in rules that c violates.
func FirstViolation(rules []Rule, c Candidate) (Rule, bool) {
	for _, r := range rules {
		if r.Check(c) {
			return r, true
		}
	}
	return Rule{}, false
}

// BuildRetryHint returns the corrective instruction of the first violated
// hard rule, or "" when the reply is acceptable.
func BuildRetryHint(c Candidate) string {
	if r, ok := FirstViolation(HardRules, c); ok {
		return r.Hint
	}
	return ""
}

// SoftRetryHint returns the instruction of the first violated soft rule, or "".
func SoftRetryHint(c Candidate) string {
	if r, ok := FirstViolation(SoftRules, c); ok {
		return r.Hint
	}
	return ""
}

// Passes reports whether c violates no hard rule.
func Passes(c Candidate) bool {
	_, violated := FirstViolation(HardRules, c)
	return !violated
}

// IsSessionMetaOpening flags session narration during opening or warmup.
func IsSessionMetaOpening(c Candidate) bool {
	return c.Phase.IsEarly() && IsSessionMeta(c.Text)
}

// HasSwitchPermissionQuestion flags asking permission to switch when the contract says switch.
func HasSwitchPermissionQuestion(c Candidate) bool {
	if c.NextMove != models.MoveSwitch {
		return false
	}
	for _, s := range SplitSentences(c.Text) {
		if IsSwitchPermission(s) {
			return true
		}
	}
	return false
}

// IsRepeatedPhrase flags a reply whose signature equals that of a used phrase.
func IsRepeatedPhrase(c Candidate) bool {
	sig := Signature(c.Text)
	if sig == "" {
		return false
	}
	for _, p := range c.UsedPhrases {
		if Signature(p) == sig {
			return true
		}
	}
	return false
}

// IsRepeatedLead flags a reply whose first sentence nearly matches the first
// sentence of one of the latest used phrases.
func IsRepeatedLead(c Candidate) bool {
	lead := Signature(FirstSentence(c.Text))
	if lead == "" {
		return false
	}
	recent := c.UsedPhrases
	if len(recent) > recentLeadWindow {
		recent = recent[len(recent)-recentLeadWindow:]
	}
	for _, p := range recent {
		prev := Signature(FirstSentence(p))
		if prev == "" {
			continue
		}
		if SequenceRatio(lead, prev) >= leadSimilarityThreshold {
			return true
		}
	}
	return false
}

// IsProposalOnly flags replies that only invite an activity: a proposal
// phrase with either no reaction and almost nothing else, or no more than
// one sentence in total.
func IsProposalOnly(c Candidate) bool {
	if !proposalPattern.MatchString(c.Text) {
		return false
	}
	if CountSentences(c.Text) <= 1 {
		return true
	}
	return !HasReaction(c.Text) && proposalResidue(c.Text) <= proposalResidueLimit
}

// proposalResidue counts letters and digits left after removing proposal phrases.
func proposalResidue(text string) int {
	n := 0
	for _, r := range proposalPattern.ReplaceAllString(text, "") {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			n++
		}
	}
	return n
}

// IsMissingReaction flags replies that do not acknowledge the user near the start.
// It only applies when the user actually said something.
func IsMissingReaction(c Candidate) bool {
	if c.Closing || strings.TrimSpace(c.UserText) == "" || strings.TrimSpace(c.Text) == "" {
		return false
	}
	opening := []rune(c.Text)
	if len(opening) > reactionWindowRunes {
		opening = opening[:reactionWindowRunes]
	}
	return !HasReaction(string(opening))
}
