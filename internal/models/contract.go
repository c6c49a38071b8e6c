package models

import (
	"encoding/json"
	"strings"

	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/util"
)

// NextMove is the contract's directive for what the next assistant turn does.
type NextMove string

const (
	MoveAsk        NextMove = "ask"
	MoveRetry      NextMove = "retry"
	MoveSwitch     NextMove = "switch"
	MoveHintUp     NextMove = "hint_up"
	MoveConfirmSTT NextMove = "confirm_stt"
	MoveNone       NextMove = "none"
)

// ParseNextMove maps external values onto a move. Unknown values map to MoveNone.
func ParseNextMove(s string) NextMove {
	switch m := NextMove(strings.ToLower(strings.TrimSpace(s))); m {
	case MoveAsk, MoveRetry, MoveSwitch, MoveHintUp, MoveConfirmSTT:
		return m
	}
	return MoveNone
}

// RequiresFollowup reports whether a response under this move must end in a follow-up prompt.
func (m NextMove) RequiresFollowup() bool {
	switch m {
	case MoveAsk, MoveRetry, MoveSwitch, MoveHintUp, MoveConfirmSTT:
		return true
	}
	return false
}

// Contract outcomes that change validation behaviour.
const (
	OutcomeIncomplete = "incomplete"
	OutcomeNoResponse = "no_response"
)

// Sentence limits accepted in contract constraints.
const (
	MinSentences     = 1
	MaxSentences     = 3
	DefaultSentences = 2
)

// ContractConstraints bounds the shape of the next assistant turn.
type ContractConstraints struct {
	MaxSentences int `json:"max_sentences"`
}

// BehaviorContract is the read-only per-turn directive for the prompt builder and validator.
type BehaviorContract struct {
	Outcome     string              `json:"outcome,omitempty"`
	NextMove    NextMove            `json:"next_move"`
	Constraints ContractConstraints `json:"constraints"`
	Stimulus    *Stimulus           `json:"stimulus,omitempty"`
	Notes       string              `json:"notes,omitempty"`
}

// DefaultBehaviorContract is used when no contract was supplied upstream.
func DefaultBehaviorContract() BehaviorContract {
	return BehaviorContract{
		NextMove:    MoveNone,
		Constraints: ContractConstraints{MaxSentences: DefaultSentences},
	}
}

// ParseBehaviorContract accepts a decoded map, a JSON string/bytes or a typed
// contract and always returns a usable contract.
func ParseBehaviorContract(v any) BehaviorContract {
	switch t := v.(type) {
	case BehaviorContract:
		return normalizeContract(t)
	case *BehaviorContract:
		if t == nil {
			return DefaultBehaviorContract()
		}
		return normalizeContract(*t)
	case string:
		return parseContractJSON([]byte(t))
	case []byte:
		return parseContractJSON(t)
	case map[string]any:
		return contractFromMap(t)
	}
	return DefaultBehaviorContract()
}

func parseContractJSON(raw []byte) BehaviorContract {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return DefaultBehaviorContract()
	}
	return contractFromMap(m)
}

func contractFromMap(m map[string]any) BehaviorContract {
	c := DefaultBehaviorContract()
	if m == nil {
		return c
	}
	c.Outcome = strings.ToLower(util.CoerceString(m["outcome"]))
	c.NextMove = ParseNextMove(util.CoerceString(m["next_move"]))
	c.Notes = util.CoerceString(m["notes"])
	constraints := util.CoerceMap(m["constraints"])
	c.Constraints.MaxSentences = util.CoerceInt(constraints["max_sentences"], DefaultSentences)
	if st, ok := m["stimulus"].(map[string]any); ok {
		c.Stimulus = StimulusFromMap(st)
	}
	return normalizeContract(c)
}

func normalizeContract(c BehaviorContract) BehaviorContract {
	c.NextMove = ParseNextMove(string(c.NextMove))
	c.Constraints.MaxSentences = ClampSentences(c.Constraints.MaxSentences)
	return c
}

// ClampSentences bounds a requested sentence limit to [MinSentences, MaxSentences].
// Non-positive requests fall back to DefaultSentences.
func ClampSentences(n int) int {
	if n <= 0 {
		return DefaultSentences
	}
	if n > MaxSentences {
		return MaxSentences
	}
	return n
}

// Stimulus describes one cognitive-training exercise.
type Stimulus struct {
	Module                string   `json:"module"`
	Difficulty            int      `json:"difficulty"`
	Prompt                string   `json:"prompt"`
	TargetKeywords        []string `json:"target_keywords"`
	RelatedKeywords       []string `json:"related_keywords"`
	SuperordinateKeywords []string `json:"superordinate_keywords"`
	PhonologicalCues      []string `json:"phonological_cues"`
	TaskFamily            string   `json:"task_family"`
	CognitiveDomain       string   `json:"cognitive_domain"`
	RegionFocus           string   `json:"region_focus"`
	Note                  string   `json:"note"`
}

// StimulusFromMap reads a stimulus out of a decoded JSON object without validation.
func StimulusFromMap(m map[string]any) *Stimulus {
	if m == nil {
		return nil
	}
	return &Stimulus{
		Module:                util.CoerceString(m["module"]),
		Difficulty:            util.CoerceInt(m["difficulty"], 0),
		Prompt:                util.CoerceString(m["prompt"]),
		TargetKeywords:        util.CoerceStringSlice(m["target_keywords"]),
		RelatedKeywords:       util.CoerceStringSlice(m["related_keywords"]),
		SuperordinateKeywords: util.CoerceStringSlice(m["superordinate_keywords"]),
		PhonologicalCues:      util.CoerceStringSlice(m["phonological_cues"]),
		TaskFamily:            util.CoerceString(m["task_family"]),
		CognitiveDomain:       util.CoerceString(m["cognitive_domain"]),
		RegionFocus:           util.CoerceString(m["region_focus"]),
		Note:                  util.CoerceString(m["note"]),
	}
}
