package dialog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/models"
	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/util"
)

const (
	// maxContextTurns bounds the transcript embedded in the context document.
	maxContextTurns = 12
	// maxTopics bounds topic candidates extracted from one utterance.
	maxTopics = 3
	// maxSummaryTopics bounds the topics mentioned in a memory summary.
	maxSummaryTopics = 2
	// maxObservationEvents bounds the merged observation list.
	maxObservationEvents = 8
	// maxQuotedRunes bounds the user utterance quoted in a memory summary.
	maxQuotedRunes = 40
)

// SessionTimezone is the civil timezone all session times are rendered in.
var SessionTimezone = time.FixedZone("KST", 9*60*60)

var topicTokenPattern = regexp.MustCompile(`[\x{AC00}-\x{D7A3}A-Za-z]{2,}`)

// ContextInput carries everything BuildContext assembles into the context document.
type ContextInput struct {
	SessionID      string
	State          *models.DialogState
	UserText       string
	RecentTurns    []models.ChatMessage
	UserProfile    map[string]any
	WeeklyProfile  map[string]any
	TherapyProfile map[string]any
	Now            time.Time
}

// ContextDocument is the structured context artifact for a turn.
type ContextDocument struct {
	CurrentTime       string               `json:"current_time"`
	Session           map[string]any       `json:"session"`
	MemorySummary     string               `json:"memory_summary"`
	RecentTurns       []models.ChatMessage `json:"recent_turns"`
	LastUserUtterance string               `json:"last_user_utterance"`
	TopicCandidates   []string             `json:"topic_candidates"`
	FollowupCandidate string               `json:"followup_candidate"`
	MiniIntervention  string               `json:"mini_intervention"`
	UserProfile       map[string]any       `json:"user_profile"`
	ObservationEvents []string             `json:"observation_events"`
}

// BuildContext assembles the structured context document for a turn and returns it as JSON.
// It never fails: a marshal error yields "{}".
func BuildContext(in ContextInput) string {
	doc := NewContextDocument(in)
	raw, err := json.Marshal(doc)
	if err != nil {
		slog.Error("dialog.BuildContext: marshal failed", "error", err)
		return "{}"
	}
	return string(raw)
}

// NewContextDocument builds the context document without serializing it.
func NewContextDocument(in ContextInput) ContextDocument {
	state := in.State
	if state == nil {
		state = models.NewDialogState()
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	userText := strings.TrimSpace(in.UserText)
	topics := ExtractTopics(userText)

	turns := models.NormalizeMessages(in.RecentTurns)
	if len(turns) > maxContextTurns {
		turns = turns[len(turns)-maxContextTurns:]
	}

	lastUser := userText
	if lastUser == "" {
		lastUser = state.LastUserUtterance
	}

	return ContextDocument{
		CurrentTime: now.In(SessionTimezone).Format("2006-01-02 15:04 (Mon) MST"),
		Session: map[string]any{
			"session_id":         in.SessionID,
			"conversation_phase": state.ConversationPhase,
			"dialog_stage":       state.DialogStage,
			"strategy_mode":      state.StrategyMode,
			"question_budget":    state.QuestionBudget,
			"training_type":      state.TrainingType,
			"training_level":     state.TrainingLevel,
			"training_step":      state.TrainingStep,
			"fatigue_level":      state.FatigueLevel,
			"turn_index":         state.TurnIndex,
			"elapsed_sec":        state.ElapsedSec,
		},
		MemorySummary:     state.MemorySummary,
		RecentTurns:       turns,
		LastUserUtterance: lastUser,
		TopicCandidates:   topics,
		FollowupCandidate: BuildFollowupCandidate(topics, userText),
		MiniIntervention:  BuildMiniIntervention(state.TrainingType, userText),
		UserProfile:       profileFragments(in.UserProfile),
		ObservationEvents: mergeObservationEvents(state, in.WeeklyProfile, in.TherapyProfile),
	}
}

// ExtractTopics returns up to three topic tokens from text: runs of two or more
// Hangul/Latin letters, minus stopwords, deduplicated case-insensitively in
// order of first appearance.
func ExtractTopics(text string) []string {
	topics := make([]string, 0, maxTopics)
	seen := make(map[string]struct{})
	for _, tok := range topicTokenPattern.FindAllString(text, -1) {
		key := strings.ToLower(tok)
		if _, stop := stopwords[key]; stop {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		topics = append(topics, tok)
		if len(topics) == maxTopics {
			break
		}
	}
	return topics
}

// BuildFollowupCandidate proposes a follow-up question for the model to adapt.
func BuildFollowupCandidate(topics []string, userText string) string {
	if len(topics) > 0 {
		return fmt.Sprintf("%s 이야기를 조금 더 들려주시겠어요?", topics[0])
	}
	if strings.TrimSpace(userText) != "" {
		return "그다음에는 어떻게 되었는지 말씀해 주시겠어요?"
	}
	return ""
}

// Training types with a dedicated mini intervention.
const (
	TrainingSemanticNaming  = "semantic_naming"
	TrainingSemanticFluency = "semantic_fluency"
	TrainingDiscourse       = "discourse"
	TrainingWMDiscourse     = "wm_discourse"
)

// BuildMiniIntervention returns the short training instruction for the model.
// There is no intervention for an empty utterance.
func BuildMiniIntervention(trainingType, userText string) string {
	if strings.TrimSpace(userText) == "" {
		return ""
	}
	switch strings.ToLower(strings.TrimSpace(trainingType)) {
	case TrainingSemanticNaming:
		return "사용자가 말한 대상의 쓰임새나 특징을 한 가지만 떠올리게 해 주세요."
	case TrainingSemanticFluency:
		return "같은 범주에 속하는 단어를 하나 더 말해 보도록 가볍게 권해 주세요."
	case TrainingDiscourse:
		return "방금 이야기한 장면을 한 문장 더 묘사하도록 이끌어 주세요."
	case TrainingWMDiscourse:
		return "방금 말씀하신 내용 중 두 가지를 순서대로 다시 떠올리게 해 주세요."
	}
	return "짧은 후속 질문 하나만 해 주세요."
}

// UpdateMemorySummary rewrites state.MemorySummary from the user turns in
// turns and returns it. Without user turns the existing summary is kept.
func UpdateMemorySummary(state *models.DialogState, turns []models.ChatMessage) string {
	if state == nil {
		return ""
	}
	var userTexts []string
	for _, m := range models.NormalizeMessages(turns) {
		if m.Role == models.RoleUser {
			userTexts = append(userTexts, m.Content)
		}
	}
	if len(userTexts) == 0 {
		return state.MemorySummary
	}

	last := userTexts[len(userTexts)-1]
	topics := ExtractTopics(last)
	if len(topics) < maxSummaryTopics && len(userTexts) > 1 {
		for _, t := range ExtractTopics(userTexts[len(userTexts)-2]) {
			if !containsFold(topics, t) {
				topics = append(topics, t)
			}
		}
	}
	if len(topics) > maxSummaryTopics {
		topics = topics[:maxSummaryTopics]
	}

	quoted := truncateRunes(last, maxQuotedRunes)
	if len(topics) > 0 {
		state.MemorySummary = fmt.Sprintf("사용자는 최근 %s에 대해 이야기했고, 마지막으로 \"%s\"라고 말했다.", strings.Join(topics, ", "), quoted)
	} else {
		state.MemorySummary = fmt.Sprintf("사용자는 마지막으로 \"%s\"라고 말했다.", quoted)
	}
	return state.MemorySummary
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

// profileKeys are the user profile fragments worth showing to the model.
var profileKeys = []string{"name", "nickname", "age", "hometown", "hobbies", "family", "occupation", "preferred_topics"}

func profileFragments(profile map[string]any) map[string]any {
	out := map[string]any{}
	for _, k := range profileKeys {
		v, ok := profile[k]
		if !ok || v == nil {
			continue
		}
		if s := util.CoerceString(v); s != "" {
			out[k] = s
			continue
		}
		if list := util.CoerceStringSlice(v); len(list) > 0 {
			out[k] = list
		}
	}
	return out
}

func mergeObservationEvents(state *models.DialogState, profiles ...map[string]any) []string {
	events := make([]string, 0, maxObservationEvents)
	seen := map[string]struct{}{}
	add := func(e string) {
		e = strings.TrimSpace(e)
		if e == "" || len(events) >= maxObservationEvents {
			return
		}
		if _, dup := seen[e]; dup {
			return
		}
		seen[e] = struct{}{}
		events = append(events, e)
	}
	for _, p := range profiles {
		for _, e := range util.CoerceStringSlice(p["observation_events"]) {
			add(e)
		}
	}
	if state.FatigueLevel != models.LevelLow && state.FatigueLevel != "" {
		add("fatigue:" + string(state.FatigueLevel))
	}
	if state.LastUserIntent != "" && state.LastUserIntent != IntentGeneral {
		add("intent:" + state.LastUserIntent)
	}
	if state.DialogStage == models.StageRecoveryDialog {
		add("stage:recovery_dialog")
	}
	return events
}
