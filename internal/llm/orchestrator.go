// Package llm drives one assistant turn against the generative service:
// prompt construction, model-candidate fallback, validation with a bounded
// corrective retry and canned fallbacks. It also generates training stimuli.
package llm

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/models"
	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/validator"
)

// Built-in model candidates tried after any configured ones.
const (
	DefaultModel         = "gpt-4o"
	DefaultFallbackModel = "gpt-4o-mini"
)

// Default orchestration parameters.
const (
	DefaultTemperature        = 0.55
	DefaultMaxRetries         = 1
	DefaultStimulusRetryLimit = 1
)

// Completer is the generative text service.
type Completer interface {
	Complete(ctx context.Context, model string, temperature float64, messages []models.ChatMessage) (string, error)
}

// Config holds orchestration parameters.
type Config struct {
	Model              string
	FallbackModel      string
	Temperature        float64
	MaxRetries         int  // validator-triggered retries per turn
	StimulusRetryLimit int  // corrective retries after an unparsable stimulus
	SoftReactionCheck  bool // let a missing reaction trigger a retry
}

// DefaultConfig returns the stock orchestration parameters.
func DefaultConfig() Config {
	return Config{
		Model:              DefaultModel,
		FallbackModel:      DefaultFallbackModel,
		Temperature:        DefaultTemperature,
		MaxRetries:         DefaultMaxRetries,
		StimulusRetryLimit: DefaultStimulusRetryLimit,
		SoftReactionCheck:  true,
	}
}

// Result is the outcome of one orchestrated turn.
type Result struct {
	Response     string
	Model        string // model that produced Response; empty for canned replies
	Hint         string // retry instruction that was issued, if any
	Retried      bool
	UsedFallback bool
	Calls        int // logical generation attempts
}

// Orchestrator runs single turns. It holds no per-session state and is safe
// for concurrent use by independent sessions.
type Orchestrator struct {
	llm Completer
	cfg Config
	now func() time.Time
}

// NewOrchestrator creates an orchestrator around the given completer.
func NewOrchestrator(llm Completer, cfg Config) *Orchestrator {
	if cfg.Temperature <= 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.StimulusRetryLimit < 0 {
		cfg.StimulusRetryLimit = 0
	}
	return &Orchestrator{llm: llm, cfg: cfg, now: time.Now}
}

// Config returns the orchestrator's parameters.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// Run produces the assistant reply for one turn. It never fails: when the
// service errors or no reply passes validation, a canned message is returned.
func (o *Orchestrator) Run(ctx context.Context, req models.TurnRequest) Result {
	meta := req.Meta
	req.RecentMessages = models.NormalizeMessages(req.RecentMessages)
	limit := models.ClampSentences(meta.BehaviorContract.Constraints.MaxSentences)
	prompt := BuildPrompt(req, o.now())
	candidates := o.modelCandidates(meta)

	var res Result
	raw, model := o.generate(ctx, prompt.Messages(""), candidates, o.cfg.Temperature)
	res.Calls++
	shaped := validator.EnforceResponseShape(raw, limit)
	if shaped == "" {
		slog.Warn("Orchestrator.Run: empty generation, using fallback", "turn", meta.TurnIndex)
		return o.fallback(res, meta)
	}

	first := o.candidate(shaped, req)
	hint := validator.BuildRetryHint(first)
	if hint == "" && o.cfg.SoftReactionCheck {
		hint = validator.SoftRetryHint(first)
	}

	if hint != "" && !meta.IsClosing() {
		for attempt := 0; attempt < o.cfg.MaxRetries && hint != ""; attempt++ {
			slog.Info("Orchestrator.Run: retrying with hint", "turn", meta.TurnIndex, "attempt", attempt+1, "hint", hint)
			res.Hint = hint
			res.Retried = true
			retryRaw, retryModel := o.generate(ctx, prompt.Messages(hint), candidates, o.cfg.Temperature)
			res.Calls++
			retry := validator.EnforceResponseShape(retryRaw, limit)
			retry = validator.RemoveLeadingUnhelpfulSentence(retry, meta.ConversationPhase, meta.BehaviorContract.NextMove)
			if retry == "" {
				continue
			}
			c := o.candidate(retry, req)
			if validator.Passes(c) {
				res.Response = retry
				res.Model = retryModel
				return res
			}
			hint = validator.BuildRetryHint(c)
		}
	}

	cleaned := validator.RemoveLeadingUnhelpfulSentence(shaped, meta.ConversationPhase, meta.BehaviorContract.NextMove)
	if cleaned != "" && validator.Passes(o.candidate(cleaned, req)) {
		res.Response = cleaned
		res.Model = model
		return res
	}

	slog.Warn("Orchestrator.Run: no reply passed validation, using fallback", "turn", meta.TurnIndex, "retried", res.Retried)
	return o.fallback(res, meta)
}

func (o *Orchestrator) fallback(res Result, meta models.TurnMeta) Result {
	res.Response = FallbackMessage(meta)
	res.Model = ""
	res.UsedFallback = true
	return res
}

// candidate assembles the validation input for a reply.
func (o *Orchestrator) candidate(text string, req models.TurnRequest) validator.Candidate {
	budget := 1
	if req.State != nil {
		budget = req.State.QuestionBudget
	}
	return validator.Candidate{
		Text:            text,
		UserText:        req.UserText,
		Phase:           req.Meta.ConversationPhase,
		NextMove:        req.Meta.BehaviorContract.NextMove,
		Outcome:         req.Meta.BehaviorContract.Outcome,
		Closing:         req.Meta.IsClosing(),
		IncompleteInput: req.Meta.IsIncompleteInput(),
		QuestionBudget:  budget,
		UsedPhrases:     req.Meta.UsedPhrases,
	}
}

// modelCandidates lists models in the order they are tried: the turn's
// requested model, its fallback, the configured pair, then the built-ins.
func (o *Orchestrator) modelCandidates(meta models.TurnMeta) []string {
	all := []string{meta.Model, meta.FallbackModel, o.cfg.Model, o.cfg.FallbackModel, DefaultModel, DefaultFallbackModel}
	out := make([]string, 0, len(all))
	seen := make(map[string]struct{}, len(all))
	for _, m := range all {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

// generate is one logical attempt: models are tried in order until one
// returns non-empty text. Service errors are logged and skipped.
func (o *Orchestrator) generate(ctx context.Context, messages []models.ChatMessage, candidates []string, temperature float64) (string, string) {
	for _, model := range candidates {
		if ctx.Err() != nil {
			slog.Warn("Orchestrator.generate: context done", "error", ctx.Err())
			return "", ""
		}
		text, err := o.llm.Complete(ctx, model, temperature, messages)
		if err != nil {
			slog.Warn("Orchestrator.generate: model failed", "model", model, "error", err)
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			return text, model
		}
		slog.Warn("Orchestrator.generate: empty response", "model", model)
	}
	return "", ""
}
