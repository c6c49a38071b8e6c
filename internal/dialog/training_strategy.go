package dialog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/util"
)

// maxHintQuoteRunes bounds the user utterance quoted inside a hint.
const maxHintQuoteRunes = 20

// InterventionCard is the compact per-turn training behaviour handed to the prompt.
type InterventionCard struct {
	Name      string `json:"name"`
	Hint      string `json:"hint"`
	Avoid     string `json:"avoid"`
	Intensity string `json:"intensity"`
}

// categoryHints are keyed by strategy category; %s is the quoted user utterance.
var categoryHints = map[string]string{
	"naming":    "'%s'에서 나온 대상의 이름이나 특징을 하나 더 말해 보게 해 주세요.",
	"fluency":   "'%s'와 같은 종류의 단어를 하나 더 떠올리게 해 주세요.",
	"recall":    "'%s'와 관련된 기억을 한 가지만 더 꺼내 보게 해 주세요.",
	"discourse": "'%s' 다음에 무슨 일이 있었는지 한 문장으로 이어 말하게 해 주세요.",
}

const (
	defaultStrategyName = "default"
	defaultAvoid        = "정답을 먼저 알려주기"
	genericHint         = "사용자의 말에 짧게 반응하고 부담 없는 질문 하나를 건네세요."
)

// BuildTrainingBehavior turns a training strategy and its modifier (both JSON
// objects) into an intervention card JSON. Malformed inputs are treated as empty.
func BuildTrainingBehavior(strategyJSON, modifierJSON, userUtterance string) string {
	card := NewInterventionCard(decodeObject(strategyJSON), decodeObject(modifierJSON), userUtterance)
	raw, err := json.Marshal(card)
	if err != nil {
		slog.Error("dialog.BuildTrainingBehavior: marshal failed", "error", err)
		return "{}"
	}
	return string(raw)
}

// NewInterventionCard builds the card from decoded strategy and modifier objects.
func NewInterventionCard(strategy, modifier map[string]any, userUtterance string) InterventionCard {
	card := InterventionCard{
		Name:      util.CoerceString(strategy["name"]),
		Avoid:     strings.Join(util.CoerceStringSlice(strategy["avoid"]), ", "),
		Intensity: "low",
	}
	if card.Name == "" {
		card.Name = defaultStrategyName
	}
	if card.Avoid == "" {
		card.Avoid = defaultAvoid
	}

	hintLevel := strings.ToLower(util.CoerceString(modifier["hint_level"]))
	pace := strings.ToLower(util.CoerceString(modifier["pace"]))
	if hintLevel == "high" || hintLevel == "strong" || pace == "slow" {
		card.Intensity = "mid"
	}

	utterance := truncateRunes(strings.TrimSpace(userUtterance), maxHintQuoteRunes)
	category := strings.ToLower(util.CoerceString(strategy["category"]))
	goal := util.CoerceString(strategy["goal"])

	switch tmpl, known := categoryHints[category]; {
	case known && utterance != "":
		card.Hint = fmt.Sprintf(tmpl, utterance)
	case goal != "" && utterance != "":
		card.Hint = fmt.Sprintf("'%s'라는 말에 이어 %s 쪽으로 한 걸음만 이끌어 주세요.", utterance, goal)
	case goal != "":
		card.Hint = fmt.Sprintf("%s을(를) 목표로 짧게 질문해 주세요.", goal)
	default:
		card.Hint = genericHint
	}
	return card
}

func decodeObject(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil || m == nil {
		slog.Debug("dialog.decodeObject: malformed JSON treated as empty", "error", err)
		return map[string]any{}
	}
	return m
}
