package validator

import (
	"strings"

	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/models"
)

// RemoveLeadingUnhelpfulSentence drops sentences that a retry hint would
// otherwise complain about, never leaving the reply without a sentence.
// During opening and warmup, leading session-meta sentences go; when the move
// is switch, permission-to-switch sentences go wherever they appear.
func RemoveLeadingUnhelpfulSentence(text string, phase models.ConversationPhase, move models.NextMove) string {
	sentences := SplitSentences(text)
	if len(sentences) < 2 {
		return strings.TrimSpace(text)
	}
	if phase.IsEarly() {
		for len(sentences) > 1 && IsSessionMeta(sentences[0]) {
			sentences = sentences[1:]
		}
	}
	if move == models.MoveSwitch {
		kept := make([]string, 0, len(sentences))
		for i, s := range sentences {
			remaining := len(kept) + len(sentences) - i - 1
			if IsSwitchPermission(s) && remaining >= 1 {
				continue
			}
			kept = append(kept, s)
		}
		sentences = kept
	}
	return strings.Join(sentences, " ")
}
