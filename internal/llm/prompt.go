package llm

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/dialog"
	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/models"
)

// maxPromptTurns bounds the transcript quoted in the user prompt.
const maxPromptTurns = 12

// systemPersona frames the assistant for every turn.
const systemPersona = `당신은 경도인지장애 어르신과 음성으로 대화하는 따뜻한 말벗이자 인지 훈련 도우미입니다.
짧고 쉬운 존댓말로 말하고, 한 번에 하나만 묻습니다.
답변은 소리 내어 읽히므로 목록, 이모지, 괄호, 따옴표 같은 기호를 쓰지 않습니다.`

// styleGuard is appended to every system prompt.
const styleGuard = `[StyleGuard]
- "세션을 시작합니다", "환영합니다"처럼 시스템을 설명하는 말은 하지 않습니다.
- 주제를 바꿀 때 "다른 이야기로 넘어가도 될까요?"처럼 허락을 구하지 말고 바로 새 질문을 합니다.
- 직전 발화와 같은 인사, 맞장구, 첫 문장으로 시작하지 않습니다.
- 시간 표현은 현재 시각과 사용자가 말한 시점에 맞춥니다. 아침에 저녁 인사를 하지 않습니다.
- 정답 단어를 먼저 말해 버리지 않습니다.`

var koreanWeekdays = [...]string{"일", "월", "화", "수", "목", "금", "토"}

// Prompt is the system/user message pair sent for one turn.
type Prompt struct {
	System string
	User   string
}

// Messages returns the prompt as a chat transcript. A non-empty hint is
// appended to the system prompt as an additional instruction.
func (p Prompt) Messages(hint string) []models.ChatMessage {
	system := p.System
	if hint != "" {
		system += "\n\n[추가 지시]\n" + hint
	}
	return []models.ChatMessage{
		{Role: models.RoleSystem, Content: system},
		{Role: models.RoleUser, Content: p.User},
	}
}

// BuildPrompt renders the model-facing prompt for a turn.
func BuildPrompt(req models.TurnRequest, now time.Time) Prompt {
	return Prompt{
		System: systemPersona + "\n\n" + styleGuard,
		User:   buildUserPrompt(req, now),
	}
}

func buildUserPrompt(req models.TurnRequest, now time.Time) string {
	meta := req.Meta
	contract := meta.BehaviorContract
	var b strings.Builder

	b.WriteString("[세션]\n")
	fmt.Fprintf(&b, "- 대화 단계: %s\n", meta.ConversationPhase)
	fmt.Fprintf(&b, "- 피로도: %s\n", meta.FatigueState)
	fmt.Fprintf(&b, "- 종료 요청: %s\n", yesNo(meta.RequestClose))
	fmt.Fprintf(&b, "- 턴: %d\n", meta.TurnIndex)
	if meta.TrainingType != "" {
		fmt.Fprintf(&b, "- 훈련: %s (레벨 %d)\n", meta.TrainingType, meta.TrainingLevel)
	}
	if req.State != nil {
		fmt.Fprintf(&b, "- 질문 허용: %d\n", req.State.QuestionBudget)
	}

	b.WriteString("\n[시간]\n")
	local := now.In(dialog.SessionTimezone)
	fmt.Fprintf(&b, "- 현재 시각: %s (%s요일) %s\n", local.Format("2006-01-02"), koreanWeekdays[local.Weekday()], local.Format("15:04"))
	if meta.UserTimeReference != "" {
		fmt.Fprintf(&b, "- 사용자가 말한 시점: %s\n", meta.UserTimeReference)
	}
	if meta.TimeContext != "" {
		fmt.Fprintf(&b, "- 시간 참고: %s\n", meta.TimeContext)
	}

	b.WriteString("\n[행동 계약]\n")
	b.WriteString(compactJSON(contract))
	b.WriteString("\n")

	b.WriteString("\n[자극]\n")
	if st := promptStimulus(meta); st != nil {
		b.WriteString(compactJSON(st))
	} else {
		b.WriteString("없음")
	}
	b.WriteString("\n")

	if meta.ActionText != "" {
		fmt.Fprintf(&b, "\n[이번 턴 행동]\n%s\n", meta.ActionText)
	}
	if meta.MemorySummary != "" {
		fmt.Fprintf(&b, "\n[기억 요약]\n%s\n", meta.MemorySummary)
	}
	if meta.IsIncompleteInput() {
		b.WriteString("\n[입력 상태]\n사용자의 말이 중간에 끊겼습니다. 내용을 추측해 완성하지 말고 이어서 말씀해 달라고 요청하세요.\n")
	}
	if meta.TimeContext == "" && meta.UserTimeReference != "" {
		b.WriteString("\n[시간 힌트]\n사용자가 말한 시점을 기준으로 과거와 현재를 구분해 말하세요.\n")
	}

	b.WriteString("\n[최근 대화]\n")
	turns := req.RecentMessages
	if len(turns) > maxPromptTurns {
		turns = turns[len(turns)-maxPromptTurns:]
	}
	if len(turns) == 0 {
		b.WriteString("없음\n")
	}
	for _, t := range turns {
		speaker := "사용자"
		if t.Role == models.RoleAssistant {
			speaker = "도우미"
		}
		fmt.Fprintf(&b, "%s: %s\n", speaker, t.Content)
	}

	b.WriteString("\n[이미 사용한 표현]\n")
	used := meta.UsedPhrases
	if used == nil {
		used = []string{}
	}
	b.WriteString(compactJSON(used))
	b.WriteString("\n")

	b.WriteString("\n[사용자 발화]\n")
	if text := strings.TrimSpace(req.UserText); text != "" {
		b.WriteString(text)
	} else {
		b.WriteString("(발화 없음)")
	}
	b.WriteString("\n\n위 내용을 바탕으로 1~2문장으로만 자연스럽게 답하세요.")
	return b.String()
}

// promptStimulus prefers the stimulus embedded in the contract.
func promptStimulus(meta models.TurnMeta) *models.Stimulus {
	if meta.BehaviorContract.Stimulus != nil {
		return meta.BehaviorContract.Stimulus
	}
	return meta.Stimulus
}

func compactJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func yesNo(b bool) string {
	if b {
		return "예"
	}
	return "아니오"
}
