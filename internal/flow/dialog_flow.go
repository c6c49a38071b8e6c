// Package flow runs complete dialog turns: it loads the session, applies the
// state transition, assembles context and stimulus, calls the orchestrator and
// persists the outcome together with a turn event in the outbox.
package flow

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/dialog"
	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/events"
	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/llm"
	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/models"
	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/store"
	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/util"
)

const (
	// DefaultHistoryLimit is how many stored turns feed the prompt transcript.
	DefaultHistoryLimit = 12
	// MaxUsedPhrases bounds the used-phrase pool kept per session.
	MaxUsedPhrases = 8
	// MaxRecentStimuli bounds the stimulus prompts remembered for anti-repetition.
	MaxRecentStimuli = 5
)

// TurnRunner produces replies and stimuli. *llm.Orchestrator implements it.
type TurnRunner interface {
	Run(ctx context.Context, req models.TurnRequest) llm.Result
	GenerateStimulus(ctx context.Context, req llm.StimulusRequest) llm.StimulusResult
}

// DialogFlow processes turns for persisted sessions.
type DialogFlow struct {
	store        store.Store
	runner       TurnRunner
	historyLimit int
	now          func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sessionLock
}

// NewDialogFlow creates a flow over the given store and turn runner.
func NewDialogFlow(st store.Store, runner TurnRunner) *DialogFlow {
	slog.Debug("Creating DialogFlow")
	return &DialogFlow{
		store:        st,
		runner:       runner,
		historyLimit: DefaultHistoryLimit,
		now:          time.Now,
		locks:        make(map[string]*sessionLock),
	}
}

// SetHistoryLimit sets how many stored turns are loaded per turn.
func (f *DialogFlow) SetHistoryLimit(limit int) {
	if limit > 0 {
		f.historyLimit = limit
	}
}

// CreateSession opens a session with a fresh DialogState.
func (f *DialogFlow) CreateSession(ctx context.Context, req models.CreateSessionRequest) (*models.Session, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	state := models.NewDialogState()
	if req.TrainingType != "" {
		state.TrainingType = req.TrainingType
	}
	if req.TrainingLevel > 0 {
		state.TrainingLevel = req.TrainingLevel
	}
	now := f.now()
	sess := models.Session{
		ID:        util.GenerateSessionID(),
		State:     state,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := f.store.CreateSession(sess); err != nil {
		slog.Error("DialogFlow.CreateSession: store failed", "error", err)
		return nil, err
	}
	slog.Info("DialogFlow.CreateSession: session created", "sessionID", sess.ID, "trainingType", state.TrainingType)
	return &sess, nil
}

// GetSession returns the persisted session.
func (f *DialogFlow) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	return f.store.GetSession(sessionID)
}

// ProcessTurn runs one turn for sessionID. Generation failures never surface
// as errors; only invalid input and storage failures do.
func (f *DialogFlow) ProcessTurn(ctx context.Context, sessionID string, req models.TurnAPIRequest) (*models.TurnResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	unlock := f.lockSession(sessionID)
	defer unlock()

	sess, err := f.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	state := sess.State
	now := f.now()

	signals, sttEvent := buildSignals(req)
	userText := strings.TrimSpace(signals.UserText)
	if req.ElapsedSec > 0 {
		state.ElapsedSec = req.ElapsedSec
	}
	turnIndex := state.TurnIndex
	dialog.DecideNextState(state, signals)

	history, err := f.history(sessionID, req.RecentMessages)
	if err != nil {
		return nil, err
	}
	summaryTurns := history
	if userText != "" {
		summaryTurns = append(append([]models.ChatMessage(nil), history...), models.ChatMessage{Role: models.RoleUser, Content: userText})
	}
	dialog.UpdateMemorySummary(state, summaryTurns)

	modelResult := req.ModelResult
	doc := dialog.NewContextDocument(dialog.ContextInput{
		SessionID:      sessionID,
		State:          state,
		UserText:       userText,
		RecentTurns:    history,
		UserProfile:    util.CoerceMap(modelResult["user_profile"]),
		WeeklyProfile:  util.CoerceMap(modelResult["weekly_profile"]),
		TherapyProfile: util.CoerceMap(modelResult["therapy_profile"]),
		Now:            now,
	})

	meta := buildMeta(req.Meta, state, sess, signals, sttEvent, turnIndex)
	if meta.ActionText == "" && state.DialogStage == models.StageCognitiveTraining {
		meta.ActionText = doc.MiniIntervention
	}
	if card := trainingCard(modelResult, userText); card != "" {
		meta.ActionText = strings.TrimSpace(meta.ActionText + "\n훈련 카드: " + card)
	}

	var stim *llm.StimulusResult
	if meta.Stimulus == nil && meta.BehaviorContract.Stimulus == nil && state.DialogStage == models.StageCognitiveTraining && !meta.IsClosing() {
		res := f.runner.GenerateStimulus(ctx, llm.StimulusRequest{
			Module:          state.TrainingType,
			Difficulty:      state.TrainingLevel,
			RecentPrompts:   sess.RecentStimuli,
			TrainingProfile: util.CoerceMap(modelResult["training_profile"]),
			Topics:          doc.TopicCandidates,
		})
		stim = &res
		meta.Stimulus = res.Stimulus
		sess.RecentStimuli = appendBounded(sess.RecentStimuli, res.Stimulus.Prompt, MaxRecentStimuli)
	}

	result := f.runner.Run(ctx, models.TurnRequest{
		UserText:       userText,
		State:          state,
		Meta:           meta,
		ModelResult:    modelResult,
		RecentMessages: history,
	})

	state.LastAssistantUtterance = result.Response
	state.TurnIndex = turnIndex + 1
	sess.UsedPhrases = appendBounded(sess.UsedPhrases, result.Response, MaxUsedPhrases)
	sess.UpdatedAt = now
	commit := store.TurnCommit{
		Session: *sess,
		Turns:   turnRecords(sessionID, turnIndex, userText, result.Response, now),
		Event:   turnEvent(sessionID, turnIndex, state, result, now),
	}
	if err := f.store.CommitTurn(commit); err != nil {
		slog.Error("DialogFlow.ProcessTurn: commit failed", "error", err, "sessionID", sessionID)
		return nil, err
	}

	slog.Info("DialogFlow.ProcessTurn: turn completed",
		"sessionID", sessionID,
		"turn", turnIndex,
		"phase", state.ConversationPhase,
		"stage", state.DialogStage,
		"model", result.Model,
		"retried", result.Retried,
		"usedFallback", result.UsedFallback)

	return &models.TurnResult{
		Response:      result.Response,
		State:         state,
		DialogSummary: summaryPtr(state.MemorySummary),
		Meta:          resultMeta(meta, state, result, stim, doc, turnIndex),
	}, nil
}

// buildSignals derives the transition inputs and the stt_event for a request.
func buildSignals(req models.TurnAPIRequest) (models.TurnSignals, string) {
	var signals models.TurnSignals
	sttEvent := ""
	if req.Transcription != nil {
		signals = models.SignalsFromTranscription(*req.Transcription, req.Signals)
		if strings.TrimSpace(signals.UserText) == "" {
			signals.UserText = req.UserText
		}
		sttEvent = req.Transcription.STTEvent()
	} else {
		signals = models.SignalsFromMap(req.Signals)
		if req.UserText != "" {
			signals.UserText = req.UserText
		}
	}
	if util.CoerceBool(req.Meta["request_close"]) {
		signals.RequestClose = true
	}
	return signals, sttEvent
}

// buildMeta resolves the turn meta. Caller-supplied keys win; the rest are
// filled from the transitioned state and the session pools.
func buildMeta(raw map[string]any, state *models.DialogState, sess *models.Session, signals models.TurnSignals, sttEvent string, turnIndex int) models.TurnMeta {
	meta := models.MetaFromMap(raw)
	has := func(key string) bool {
		_, ok := raw[key]
		return ok
	}
	if !has("conversation_phase") {
		meta.ConversationPhase = state.ConversationPhase
	}
	if !has("fatigue_state") && !has("fatigue_level") {
		meta.FatigueState = state.FatigueLevel
	}
	if !has("training_type") {
		meta.TrainingType = state.TrainingType
	}
	if !has("training_level") {
		meta.TrainingLevel = state.TrainingLevel
	}
	if !has("turn_index") {
		meta.TurnIndex = turnIndex
	}
	if !has("memory_summary") {
		meta.MemorySummary = state.MemorySummary
	}
	if !has("stt_event") {
		meta.STTEvent = sttEvent
	}
	meta.UsedPhrases = appendUnique(meta.UsedPhrases, sess.UsedPhrases...)
	meta.RequestClose = meta.RequestClose || signals.RequestClose
	return meta
}

// trainingCard renders the intervention card when model_result carries a strategy.
func trainingCard(modelResult map[string]any, userText string) string {
	strategy, ok := modelResult["training_strategy"]
	if !ok || strategy == nil {
		return ""
	}
	return dialog.BuildTrainingBehavior(jsonText(strategy), jsonText(modelResult["strategy_modifier"]), userText)
}

// jsonText passes strings through and marshals anything else.
func jsonText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}

func (f *DialogFlow) history(sessionID string, supplied []models.ChatMessage) ([]models.ChatMessage, error) {
	if len(supplied) > 0 {
		return models.NormalizeMessages(supplied), nil
	}
	turns, err := f.store.ListTurns(sessionID, f.historyLimit)
	if err != nil {
		slog.Error("DialogFlow.history: list turns failed", "error", err, "sessionID", sessionID)
		return nil, err
	}
	msgs := make([]models.ChatMessage, 0, len(turns))
	for _, t := range turns {
		msgs = append(msgs, models.ChatMessage{Role: t.Role, Content: t.Content})
	}
	return models.NormalizeMessages(msgs), nil
}

func turnRecords(sessionID string, turnIndex int, userText, response string, at time.Time) []models.TurnRecord {
	var recs []models.TurnRecord
	if userText != "" {
		recs = append(recs, models.TurnRecord{SessionID: sessionID, TurnIndex: turnIndex, Role: models.RoleUser, Content: userText, CreatedAt: at})
	}
	return append(recs, models.TurnRecord{SessionID: sessionID, TurnIndex: turnIndex, Role: models.RoleAssistant, Content: response, CreatedAt: at})
}

// turnEvent builds the outbox entry for a completed turn. An encode failure
// is logged and the turn commits without an event.
func turnEvent(sessionID string, turnIndex int, state *models.DialogState, result llm.Result, at time.Time) *store.OutboxEvent {
	ev := events.TurnEvent{
		EventID:           util.GenerateEventID(),
		SessionID:         sessionID,
		TurnIndex:         turnIndex,
		ConversationPhase: string(state.ConversationPhase),
		DialogStage:       string(state.DialogStage),
		StrategyMode:      string(state.StrategyMode),
		UsedFallback:      result.UsedFallback,
		Retried:           result.Retried,
		At:                at,
	}
	payload, err := ev.Encode()
	if err != nil {
		slog.Error("DialogFlow.turnEvent: encode failed", "error", err, "sessionID", sessionID)
		return nil
	}
	return &store.OutboxEvent{Subject: events.SubjectTurnCompleted, PayloadJSON: payload, DedupeKey: ev.DedupeKey()}
}

func resultMeta(meta models.TurnMeta, state *models.DialogState, result llm.Result, stim *llm.StimulusResult, doc dialog.ContextDocument, turnIndex int) map[string]any {
	out := map[string]any{
		"turn_index":         turnIndex,
		"conversation_phase": state.ConversationPhase,
		"dialog_stage":       state.DialogStage,
		"strategy_mode":      state.StrategyMode,
		"question_budget":    state.QuestionBudget,
		"fatigue_state":      state.FatigueLevel,
		"request_close":      meta.IsClosing(),
		"next_move":          meta.BehaviorContract.NextMove,
		"model":              result.Model,
		"used_fallback":      result.UsedFallback,
		"retried":            result.Retried,
		"llm_calls":          result.Calls,
		"topic_candidates":   doc.TopicCandidates,
		"followup_candidate": doc.FollowupCandidate,
	}
	if result.Hint != "" {
		out["retry_hint"] = result.Hint
	}
	if meta.STTEvent != "" {
		out["stt_event"] = meta.STTEvent
	}
	if meta.ActionText != "" {
		out["action_text"] = meta.ActionText
	}
	if meta.Stimulus != nil {
		out["stimulus"] = meta.Stimulus
	}
	if stim != nil {
		out["stimulus_synthesized"] = stim.Synthesized
		out["stimulus_calls"] = stim.Calls
	}
	return out
}

func summaryPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// appendBounded appends v (if non-empty) and keeps the last max entries.
func appendBounded(list []string, v string, max int) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return list
	}
	list = append(list, v)
	if len(list) > max {
		list = append([]string(nil), list[len(list)-max:]...)
	}
	return list
}

func appendUnique(list []string, items ...string) []string {
	seen := make(map[string]struct{}, len(list))
	for _, s := range list {
		seen[s] = struct{}{}
	}
	for _, s := range items {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		list = append(list, s)
	}
	return list
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// lockSession serializes turns of one session. Sessions never block each other.
// An entry lives only while a turn holds or waits for it.
func (f *DialogFlow) lockSession(sessionID string) func() {
	f.locksMu.Lock()
	l, ok := f.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		f.locks[sessionID] = l
	}
	l.refs++
	f.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		f.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(f.locks, sessionID)
		}
		f.locksMu.Unlock()
	}
}
