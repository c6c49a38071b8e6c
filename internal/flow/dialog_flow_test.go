package flow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/events"
	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/llm"
	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/models"
	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/store"
)

// fakeRunner records requests and returns canned results.
type fakeRunner struct {
	reply        string
	turns        []models.TurnRequest
	stimulusReqs []llm.StimulusRequest
}

func (r *fakeRunner) Run(ctx context.Context, req models.TurnRequest) llm.Result {
	r.turns = append(r.turns, req)
	return llm.Result{Response: r.reply, Model: "test-model", Calls: 1}
}

func (r *fakeRunner) GenerateStimulus(ctx context.Context, req llm.StimulusRequest) llm.StimulusResult {
	r.stimulusReqs = append(r.stimulusReqs, req)
	return llm.StimulusResult{
		Stimulus: &models.Stimulus{Module: "semantic_naming", Difficulty: 2, Prompt: "과일 이름을 하나 말해 보세요", TargetKeywords: []string{"사과"}},
		Calls:    1,
	}
}

// scriptedCompleter answers every call with the next reply; errors on "".
type scriptedCompleter struct {
	replies []string
	calls   int
}

func (c *scriptedCompleter) Complete(ctx context.Context, model string, temperature float64, messages []models.ChatMessage) (string, error) {
	i := c.calls
	c.calls++
	if i >= len(c.replies) || c.replies[i] == "" {
		return "", errors.New("service unavailable")
	}
	return c.replies[i], nil
}

// flakyCommitStore fails the first CommitTurn and delegates everything else.
type flakyCommitStore struct {
	*store.InMemoryStore
	failures int
}

func (s *flakyCommitStore) CommitTurn(c store.TurnCommit) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("disk I/O error")
	}
	return s.InMemoryStore.CommitTurn(c)
}

// lockedRunner is a fakeRunner safe for concurrent turns.
type lockedRunner struct {
	mu sync.Mutex
	fakeRunner
}

func (r *lockedRunner) Run(ctx context.Context, req models.TurnRequest) llm.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fakeRunner.Run(ctx, req)
}

func (r *lockedRunner) GenerateStimulus(ctx context.Context, req llm.StimulusRequest) llm.StimulusResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fakeRunner.GenerateStimulus(ctx, req)
}

func newTestFlow(t *testing.T, runner TurnRunner) (*DialogFlow, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	f := NewDialogFlow(st, runner)
	f.now = func() time.Time { return time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) }
	return f, st
}

func createSession(t *testing.T, f *DialogFlow) string {
	t.Helper()
	sess, err := f.CreateSession(context.Background(), models.CreateSessionRequest{TrainingType: "semantic_naming", TrainingLevel: 2})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	return sess.ID
}

func TestCreateSessionDefaults(t *testing.T) {
	f, _ := newTestFlow(t, &fakeRunner{})
	sess, err := f.CreateSession(context.Background(), models.CreateSessionRequest{TrainingType: "semantic_naming", TrainingLevel: 2})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if !strings.HasPrefix(sess.ID, "s_") {
		t.Errorf("unexpected session id %q", sess.ID)
	}
	if sess.State.ConversationPhase != models.PhaseOpening || sess.State.TrainingLevel != 2 {
		t.Errorf("unexpected initial state: %+v", sess.State)
	}

	if _, err := f.CreateSession(context.Background(), models.CreateSessionRequest{TrainingLevel: 9}); !errors.Is(err, models.ErrInvalidTrainingLevel) {
		t.Errorf("expected ErrInvalidTrainingLevel, got %v", err)
	}
}

func TestProcessTurnPersistsOutcome(t *testing.T) {
	runner := &fakeRunner{reply: "그러셨군요. 시장에서 무엇을 사셨어요?"}
	f, st := newTestFlow(t, runner)
	id := createSession(t, f)

	res, err := f.ProcessTurn(context.Background(), id, models.TurnAPIRequest{UserText: "오늘 시장에 다녀왔어요"})
	if err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if res.Response != runner.reply {
		t.Errorf("unexpected response %q", res.Response)
	}
	if res.State.TurnIndex != 1 || res.State.ConversationPhase != models.PhaseWarmup {
		t.Errorf("unexpected state after first turn: %+v", res.State)
	}
	if res.State.LastAssistantUtterance != runner.reply {
		t.Errorf("assistant utterance not recorded: %q", res.State.LastAssistantUtterance)
	}
	if res.DialogSummary == nil || !strings.Contains(*res.DialogSummary, "시장") {
		t.Errorf("expected memory summary mentioning the topic, got %v", res.DialogSummary)
	}
	if res.Meta["model"] != "test-model" || res.Meta["turn_index"] != 0 {
		t.Errorf("unexpected meta: %v", res.Meta)
	}

	sess, _ := st.GetSession(id)
	if sess.State.TurnIndex != 1 {
		t.Errorf("state not saved, turn index %d", sess.State.TurnIndex)
	}
	if len(sess.UsedPhrases) != 1 || sess.UsedPhrases[0] != runner.reply {
		t.Errorf("used phrases not updated: %v", sess.UsedPhrases)
	}

	turns, _ := st.ListTurns(id, 0)
	if len(turns) != 2 || turns[0].Role != models.RoleUser || turns[1].Role != models.RoleAssistant {
		t.Fatalf("unexpected transcript: %+v", turns)
	}

	outbox := st.OutboxMessages()
	if len(outbox) != 1 || outbox[0].Subject != events.SubjectTurnCompleted || outbox[0].SessionID != id {
		t.Fatalf("expected one turn event in the outbox, got %+v", outbox)
	}
	if !strings.Contains(outbox[0].PayloadJSON, `"turn_index":0`) {
		t.Errorf("unexpected event payload %s", outbox[0].PayloadJSON)
	}
}

func TestProcessTurnFeedsHistoryAndUsedPhrases(t *testing.T) {
	runner := &fakeRunner{reply: "좋아요. 어떤 반찬을 좋아하세요?"}
	f, _ := newTestFlow(t, runner)
	id := createSession(t, f)

	for _, text := range []string{"밥을 먹었어요", "된장찌개를 먹었어요"} {
		if _, err := f.ProcessTurn(context.Background(), id, models.TurnAPIRequest{UserText: text}); err != nil {
			t.Fatalf("ProcessTurn failed: %v", err)
		}
	}

	second := runner.turns[1]
	if len(second.RecentMessages) != 2 || second.RecentMessages[0].Content != "밥을 먹었어요" {
		t.Errorf("expected stored transcript as history, got %+v", second.RecentMessages)
	}
	if len(second.Meta.UsedPhrases) != 1 || second.Meta.UsedPhrases[0] != runner.reply {
		t.Errorf("expected previous reply in used phrases, got %v", second.Meta.UsedPhrases)
	}
	if second.Meta.TurnIndex != 1 {
		t.Errorf("expected turn index 1 in meta, got %d", second.Meta.TurnIndex)
	}
}

func TestProcessTurnUsedPhrasesBounded(t *testing.T) {
	runner := &fakeRunner{}
	f, st := newTestFlow(t, runner)
	id := createSession(t, f)
	for i := 0; i < MaxUsedPhrases+3; i++ {
		runner.reply = "네, 그렇군요 " + strings.Repeat("하", i+1) + "?"
		if _, err := f.ProcessTurn(context.Background(), id, models.TurnAPIRequest{UserText: "그래요"}); err != nil {
			t.Fatal(err)
		}
	}
	sess, _ := st.GetSession(id)
	if len(sess.UsedPhrases) != MaxUsedPhrases {
		t.Errorf("expected %d used phrases, got %d", MaxUsedPhrases, len(sess.UsedPhrases))
	}
	if sess.UsedPhrases[MaxUsedPhrases-1] != runner.reply {
		t.Errorf("expected latest reply last, got %q", sess.UsedPhrases[MaxUsedPhrases-1])
	}
}

func TestProcessTurnGeneratesStimulusInTraining(t *testing.T) {
	runner := &fakeRunner{reply: "좋아요. 과일 이름을 하나 말해 보세요."}
	f, st := newTestFlow(t, runner)
	id := createSession(t, f)

	sess, _ := st.GetSession(id)
	sess.State.TurnIndex = 5
	sess.RecentStimuli = []string{"채소 이름을 말해 보세요"}
	if err := st.SaveSession(*sess); err != nil {
		t.Fatal(err)
	}

	res, err := f.ProcessTurn(context.Background(), id, models.TurnAPIRequest{UserText: "사과를 좋아해요"})
	if err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if res.State.DialogStage != models.StageCognitiveTraining {
		t.Fatalf("expected training stage, got %s", res.State.DialogStage)
	}
	if len(runner.stimulusReqs) != 1 {
		t.Fatalf("expected one stimulus request, got %d", len(runner.stimulusReqs))
	}
	sreq := runner.stimulusReqs[0]
	if sreq.Module != "semantic_naming" || sreq.Difficulty != 2 || len(sreq.RecentPrompts) != 1 {
		t.Errorf("unexpected stimulus request: %+v", sreq)
	}
	if runner.turns[0].Meta.Stimulus == nil || runner.turns[0].Meta.ActionText == "" {
		t.Errorf("expected stimulus and mini intervention in meta, got %+v", runner.turns[0].Meta)
	}
	if _, ok := res.Meta["stimulus"]; !ok {
		t.Error("expected stimulus echoed in result meta")
	}

	sess, _ = st.GetSession(id)
	if len(sess.RecentStimuli) != 2 || sess.RecentStimuli[1] != "과일 이름을 하나 말해 보세요" {
		t.Errorf("recent stimuli not updated: %v", sess.RecentStimuli)
	}
}

func TestProcessTurnKeepsCallerStimulus(t *testing.T) {
	runner := &fakeRunner{reply: "좋아요. 무엇이 떠오르세요?"}
	f, st := newTestFlow(t, runner)
	id := createSession(t, f)
	sess, _ := st.GetSession(id)
	sess.State.TurnIndex = 5
	st.SaveSession(*sess)

	meta := map[string]any{"stimulus": map[string]any{"prompt": "동물 이름을 말해 보세요", "target_keywords": []any{"호랑이"}}}
	if _, err := f.ProcessTurn(context.Background(), id, models.TurnAPIRequest{UserText: "음", Meta: meta}); err != nil {
		t.Fatal(err)
	}
	if len(runner.stimulusReqs) != 0 {
		t.Error("stimulus should not be generated when the caller supplies one")
	}
	if runner.turns[0].Meta.Stimulus == nil || runner.turns[0].Meta.Stimulus.Prompt != "동물 이름을 말해 보세요" {
		t.Errorf("caller stimulus not passed through: %+v", runner.turns[0].Meta.Stimulus)
	}
}

func TestProcessTurnUsesContractStimulus(t *testing.T) {
	runner := &fakeRunner{reply: "좋아요. 무엇이 떠오르세요?"}
	f, st := newTestFlow(t, runner)
	id := createSession(t, f)
	sess, _ := st.GetSession(id)
	sess.State.TurnIndex = 5
	st.SaveSession(*sess)

	meta := map[string]any{"behavior_contract": map[string]any{
		"next_move": "ask",
		"stimulus":  map[string]any{"prompt": "탈것 이름을 말해 보세요", "target_keywords": []any{"기차"}},
	}}
	res, err := f.ProcessTurn(context.Background(), id, models.TurnAPIRequest{UserText: "사과를 좋아해요", Meta: meta})
	if err != nil {
		t.Fatal(err)
	}
	if res.State.DialogStage != models.StageCognitiveTraining {
		t.Fatalf("expected training stage, got %s", res.State.DialogStage)
	}
	if len(runner.stimulusReqs) != 0 {
		t.Errorf("stimulus generated despite contract stimulus: %d requests", len(runner.stimulusReqs))
	}
	if runner.turns[0].Meta.Stimulus != nil {
		t.Errorf("meta stimulus should stay empty, got %+v", runner.turns[0].Meta.Stimulus)
	}
	contract := runner.turns[0].Meta.BehaviorContract.Stimulus
	if contract == nil || contract.Prompt != "탈것 이름을 말해 보세요" {
		t.Errorf("contract stimulus not passed through: %+v", contract)
	}
	sess, _ = st.GetSession(id)
	if len(sess.RecentStimuli) != 0 {
		t.Errorf("recent stimuli should be untouched, got %v", sess.RecentStimuli)
	}
}

func TestProcessTurnNoSpeechTranscription(t *testing.T) {
	runner := &fakeRunner{reply: "천천히 말씀해 주세요."}
	f, _ := newTestFlow(t, runner)
	id := createSession(t, f)

	req := models.TurnAPIRequest{Transcription: &models.TranscriptionResult{ErrorType: models.STTErrorNoSound}}
	res, err := f.ProcessTurn(context.Background(), id, req)
	if err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if runner.turns[0].Meta.STTEvent != models.STTEventNoSpeech {
		t.Errorf("expected no_speech stt event, got %q", runner.turns[0].Meta.STTEvent)
	}
	if res.State.StrategyMode != models.ModeSupportive || res.State.QuestionBudget != 0 {
		t.Errorf("expected supportive silence handling, got %+v", res.State)
	}
	if res.Meta["stt_event"] != models.STTEventNoSpeech {
		t.Errorf("expected stt_event echoed, got %v", res.Meta["stt_event"])
	}
}

func TestProcessTurnCallerMetaWins(t *testing.T) {
	runner := &fakeRunner{reply: "오늘도 고마웠어요. 편히 쉬세요."}
	f, _ := newTestFlow(t, runner)
	id := createSession(t, f)

	meta := map[string]any{"conversation_phase": "closing", "request_close": true, "used_phrases": []any{"안녕하세요"}}
	res, err := f.ProcessTurn(context.Background(), id, models.TurnAPIRequest{UserText: "이제 그만할게요", Meta: meta})
	if err != nil {
		t.Fatal(err)
	}
	got := runner.turns[0].Meta
	if got.ConversationPhase != models.PhaseClosing || !got.IsClosing() {
		t.Errorf("expected closing meta, got %+v", got)
	}
	if len(got.UsedPhrases) != 1 || got.UsedPhrases[0] != "안녕하세요" {
		t.Errorf("caller used phrases lost: %v", got.UsedPhrases)
	}
	if res.State.ConversationPhase != models.PhaseClosing || res.State.DialogStage != models.StageSessionWrap {
		t.Errorf("expected closing transition, got %+v", res.State)
	}
}

func TestProcessTurnTrainingCard(t *testing.T) {
	runner := &fakeRunner{reply: "좋아요. 또 어떤 과일이 있을까요?"}
	f, _ := newTestFlow(t, runner)
	id := createSession(t, f)

	req := models.TurnAPIRequest{
		UserText: "사과요",
		ModelResult: map[string]any{
			"training_strategy": map[string]any{"name": "naming_drill", "category": "naming"},
			"strategy_modifier": `{"pace":"slow"}`,
		},
	}
	if _, err := f.ProcessTurn(context.Background(), id, req); err != nil {
		t.Fatal(err)
	}
	action := runner.turns[0].Meta.ActionText
	if !strings.Contains(action, "훈련 카드") || !strings.Contains(action, "naming_drill") {
		t.Errorf("expected intervention card in action text, got %q", action)
	}
}

func TestProcessTurnErrors(t *testing.T) {
	f, _ := newTestFlow(t, &fakeRunner{reply: "네"})
	if _, err := f.ProcessTurn(context.Background(), "missing", models.TurnAPIRequest{UserText: "안녕"}); !errors.Is(err, store.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
	id := createSession(t, f)
	long := strings.Repeat("가", models.MaxUserTextLength+1)
	if _, err := f.ProcessTurn(context.Background(), id, models.TurnAPIRequest{UserText: long}); !errors.Is(err, models.ErrUserTextTooLong) {
		t.Errorf("expected ErrUserTextTooLong, got %v", err)
	}
}

func TestProcessTurnWithOrchestratorFallback(t *testing.T) {
	orch := llm.NewOrchestrator(&scriptedCompleter{}, llm.DefaultConfig())
	f, st := newTestFlow(t, orch)
	id := createSession(t, f)

	res, err := f.ProcessTurn(context.Background(), id, models.TurnAPIRequest{UserText: "안녕하세요"})
	if err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if res.Response != llm.GenericFallbackMessage {
		t.Errorf("expected generic fallback, got %q", res.Response)
	}
	if res.Meta["used_fallback"] != true {
		t.Errorf("expected used_fallback in meta, got %v", res.Meta)
	}
	if !strings.Contains(st.OutboxMessages()[0].PayloadJSON, `"used_fallback":true`) {
		t.Errorf("turn event should record the fallback: %s", st.OutboxMessages()[0].PayloadJSON)
	}
}

func TestProcessTurnWithOrchestrator(t *testing.T) {
	reply := "그러셨군요. 시장에서 무엇을 사셨어요?"
	orch := llm.NewOrchestrator(&scriptedCompleter{replies: []string{reply}}, llm.DefaultConfig())
	f, _ := newTestFlow(t, orch)
	id := createSession(t, f)

	res, err := f.ProcessTurn(context.Background(), id, models.TurnAPIRequest{UserText: "시장에 다녀왔어요"})
	if err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if res.Response != reply || res.Meta["retried"] != false {
		t.Errorf("expected first reply accepted, got %q meta=%v", res.Response, res.Meta)
	}
}

func TestProcessTurnCommitFailureLeavesNothingBehind(t *testing.T) {
	runner := &fakeRunner{reply: "그러셨군요. 무엇을 사셨어요?"}
	st := &flakyCommitStore{InMemoryStore: store.NewInMemoryStore(), failures: 1}
	f := NewDialogFlow(st, runner)
	f.now = func() time.Time { return time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) }
	id := createSession(t, f)

	req := models.TurnAPIRequest{UserText: "시장에 다녀왔어요"}
	if _, err := f.ProcessTurn(context.Background(), id, req); err == nil {
		t.Fatal("expected the first turn to fail")
	}
	sess, _ := st.GetSession(id)
	if sess.State.TurnIndex != 0 || len(sess.UsedPhrases) != 0 {
		t.Fatalf("failed turn left state behind: turn=%d used=%v", sess.State.TurnIndex, sess.UsedPhrases)
	}

	res, err := f.ProcessTurn(context.Background(), id, req)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if res.State.TurnIndex != 1 {
		t.Errorf("turn index = %d, want 1", res.State.TurnIndex)
	}
	sess, _ = st.GetSession(id)
	if sess.State.TurnIndex != 1 || len(sess.UsedPhrases) != 1 {
		t.Errorf("stored turn=%d used=%v", sess.State.TurnIndex, sess.UsedPhrases)
	}
	turns, _ := st.ListTurns(id, 0)
	if len(turns) != 2 {
		t.Errorf("expected one user and one assistant turn, got %+v", turns)
	}
	for _, turn := range turns {
		if turn.TurnIndex != 0 {
			t.Errorf("unexpected turn index %d in transcript", turn.TurnIndex)
		}
	}
	if n := len(st.OutboxMessages()); n != 1 {
		t.Errorf("expected one outbox message, got %d", n)
	}
}

func TestProcessTurnReleasesSessionLocks(t *testing.T) {
	runner := &lockedRunner{fakeRunner: fakeRunner{reply: "네, 좋아요."}}
	f, st := newTestFlow(t, runner)
	ids := []string{createSession(t, f), createSession(t, f)}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := f.ProcessTurn(context.Background(), id, models.TurnAPIRequest{UserText: "안녕하세요"}); err != nil {
				t.Errorf("ProcessTurn failed: %v", err)
			}
		}(ids[i%2])
	}
	wg.Wait()

	f.locksMu.Lock()
	held := len(f.locks)
	f.locksMu.Unlock()
	if held != 0 {
		t.Errorf("expected no session locks after all turns, got %d", held)
	}
	for _, id := range ids {
		sess, _ := st.GetSession(id)
		if sess.State.TurnIndex != 4 {
			t.Errorf("session %s turn index = %d, want 4", id, sess.State.TurnIndex)
		}
	}
}
