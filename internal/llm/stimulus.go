package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/models"
	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/util"
)

const (
	minDifficulty       = 1
	maxDifficulty       = 5
	maxStimulusList     = 5
	maxRecentStimuli    = 5
	defaultModule       = "semantic_naming"
	stimulusTemperature = 0.7
)

const stimulusSystemPrompt = `당신은 경도인지장애 어르신을 위한 인지 훈련 문항을 만드는 도우미입니다.
반드시 JSON 객체 하나만 출력합니다. 설명이나 코드 블록 표시는 쓰지 않습니다.`

const stimulusSchema = `{
  "module": "문자열",
  "difficulty": 1~5 정수,
  "prompt": "어르신에게 소리 내어 읽어 줄 한 문장 문제",
  "target_keywords": ["정답 단어"],
  "related_keywords": ["관련 단어"],
  "superordinate_keywords": ["상위 범주"],
  "phonological_cues": ["첫 음절 힌트"],
  "task_family": "문자열",
  "cognitive_domain": "문자열",
  "region_focus": "문자열",
  "note": "치료사용 메모"
}`

const stimulusCorrection = "앞의 출력은 JSON으로 읽을 수 없었습니다. 위 형식의 JSON 객체 하나만 다시 출력하세요."

// StimulusRequest describes the exercise to generate.
type StimulusRequest struct {
	Module          string
	Difficulty      int
	RecentPrompts   []string       // prompts served recently; must not be repeated
	TrainingProfile map[string]any // region_focus, task_family, weak_domains
	Topics          []string       // conversation topics usable as themes
}

// StimulusResult is a sanitized stimulus and how it was obtained.
type StimulusResult struct {
	Stimulus    *models.Stimulus
	Synthesized bool // true when no generated JSON could be parsed
	Calls       int
}

// GenerateStimulus asks the service for a stimulus, retrying with a
// corrective instruction while the output has no parsable JSON object, up
// to StimulusRetryLimit retries. On total failure a stimulus is synthesized
// from the request. It never fails.
func (o *Orchestrator) GenerateStimulus(ctx context.Context, req StimulusRequest) StimulusResult {
	messages := []models.ChatMessage{
		{Role: models.RoleSystem, Content: stimulusSystemPrompt},
		{Role: models.RoleUser, Content: buildStimulusPrompt(req)},
	}
	candidates := o.modelCandidates(models.TurnMeta{})

	var res StimulusResult
	for attempt := 0; attempt <= o.cfg.StimulusRetryLimit; attempt++ {
		raw, _ := o.generate(ctx, messages, candidates, stimulusTemperature)
		res.Calls++
		if obj, ok := ExtractFirstJSONObject(raw); ok {
			res.Stimulus = SanitizeStimulus(models.StimulusFromMap(obj), req)
			slog.Debug("Orchestrator.GenerateStimulus: generated", "module", res.Stimulus.Module, "attempts", res.Calls)
			return res
		}
		slog.Warn("Orchestrator.GenerateStimulus: unparsable output", "attempt", attempt+1)
		if raw != "" {
			messages = append(messages, models.ChatMessage{Role: models.RoleAssistant, Content: raw})
		}
		messages = append(messages, models.ChatMessage{Role: models.RoleUser, Content: stimulusCorrection})
	}

	res.Stimulus = SynthesizeStimulus(req)
	res.Synthesized = true
	return res
}

func buildStimulusPrompt(req StimulusRequest) string {
	module := req.Module
	if module == "" {
		module = defaultModule
	}
	var b strings.Builder
	fmt.Fprintf(&b, "다음 형식으로 인지 훈련 문항 하나를 만드세요.\n%s\n\n", stimulusSchema)
	fmt.Fprintf(&b, "- module: %s\n", module)
	fmt.Fprintf(&b, "- difficulty: %d\n", clampDifficulty(req.Difficulty))
	b.WriteString("- prompt 문장 안에 target_keywords의 정답 단어를 쓰지 마세요.\n")
	if recent := lastN(req.RecentPrompts, maxRecentStimuli); len(recent) > 0 {
		fmt.Fprintf(&b, "- 최근에 낸 문제와 겹치지 않게 하세요: %s\n", compactJSON(recent))
	}
	if region := util.CoerceString(req.TrainingProfile["region_focus"]); region != "" {
		fmt.Fprintf(&b, "- region_focus는 %s로 맞추세요.\n", region)
	}
	if family := util.CoerceString(req.TrainingProfile["task_family"]); family != "" {
		fmt.Fprintf(&b, "- task_family는 %s 계열을 우선하세요.\n", family)
	}
	if weak := util.CoerceStringSlice(req.TrainingProfile["weak_domains"]); len(weak) > 0 {
		fmt.Fprintf(&b, "- 다음 인지 영역을 우선 훈련하세요: %s\n", strings.Join(weak, ", "))
	}
	if len(req.Topics) > 0 {
		fmt.Fprintf(&b, "- 가능하면 대화 주제와 연결하세요: %s\n", strings.Join(req.Topics, ", "))
	}
	return b.String()
}

// SanitizeStimulus clamps difficulty to [1,5], bounds every list to five
// non-empty entries and guarantees a non-empty prompt and target keyword list.
func SanitizeStimulus(st *models.Stimulus, req StimulusRequest) *models.Stimulus {
	if st == nil {
		return SynthesizeStimulus(req)
	}
	out := *st
	out.Module = strings.TrimSpace(out.Module)
	if out.Module == "" {
		out.Module = req.Module
	}
	if out.Module == "" {
		out.Module = defaultModule
	}
	if out.Difficulty == 0 {
		out.Difficulty = req.Difficulty
	}
	out.Difficulty = clampDifficulty(out.Difficulty)
	out.Prompt = strings.TrimSpace(out.Prompt)
	out.TargetKeywords = boundList(out.TargetKeywords)
	out.RelatedKeywords = boundList(out.RelatedKeywords)
	out.SuperordinateKeywords = boundList(out.SuperordinateKeywords)
	out.PhonologicalCues = boundList(out.PhonologicalCues)

	if out.Prompt == "" || len(out.TargetKeywords) == 0 {
		synth := SynthesizeStimulus(req)
		if out.Prompt == "" {
			out.Prompt = synth.Prompt
		}
		if len(out.TargetKeywords) == 0 {
			if len(out.RelatedKeywords) > 0 {
				out.TargetKeywords = out.RelatedKeywords[:1]
			} else {
				out.TargetKeywords = synth.TargetKeywords
			}
		}
	}
	return &out
}

// SynthesizeStimulus builds a minimal valid stimulus from the request alone.
func SynthesizeStimulus(req StimulusRequest) *models.Stimulus {
	module := req.Module
	if module == "" {
		module = defaultModule
	}
	st := &models.Stimulus{
		Module:          module,
		Difficulty:      clampDifficulty(req.Difficulty),
		TaskFamily:      util.CoerceString(req.TrainingProfile["task_family"]),
		RegionFocus:     util.CoerceString(req.TrainingProfile["region_focus"]),
		CognitiveDomain: "semantic_memory",
		Note:            "synthesized",
	}
	if len(req.Topics) > 0 {
		topic := req.Topics[0]
		st.Prompt = fmt.Sprintf("%s 하면 떠오르는 단어를 하나 말씀해 주시겠어요?", topic)
		st.TargetKeywords = []string{topic}
		st.SuperordinateKeywords = []string{topic}
		return st
	}
	st.Prompt = "좋아하는 과일 이름을 하나 말씀해 주시겠어요?"
	st.TargetKeywords = []string{"사과", "배", "포도"}
	st.SuperordinateKeywords = []string{"과일"}
	return st
}

func clampDifficulty(d int) int {
	if d < minDifficulty {
		return minDifficulty
	}
	if d > maxDifficulty {
		return maxDifficulty
	}
	return d
}

func boundList(items []string) []string {
	out := make([]string, 0, maxStimulusList)
	for _, s := range items {
		if s = strings.TrimSpace(s); s == "" {
			continue
		}
		out = append(out, s)
		if len(out) == maxStimulusList {
			break
		}
	}
	return out
}

func lastN(items []string, n int) []string {
	if len(items) > n {
		return items[len(items)-n:]
	}
	return items
}
