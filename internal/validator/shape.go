// Package validator decides whether a generated reply is fit for voice
// delivery: it shapes raw model output, evaluates an ordered table of
// content rules and strips sentences that are safe to drop.
package validator

import (
	"strings"
	"unicode"
)

// AbsoluteMaxSentences is the hard cap on sentences in any delivered reply.
const AbsoluteMaxSentences = 3

func isSentenceDelimiter(r rune) bool {
	switch r {
	case '.', '!', '?', '…':
		return true
	}
	return false
}

// CollapseQuestionMarks keeps the first '?' and turns every later one into '.'.
func CollapseQuestionMarks(text string) string {
	first := strings.IndexByte(text, '?')
	if first < 0 {
		return text
	}
	return text[:first+1] + strings.ReplaceAll(text[first+1:], "?", ".")
}

// isDecimalPoint reports whether runes[i] is a '.' between two digits.
func isDecimalPoint(runes []rune, i int) bool {
	return runes[i] == '.' && i > 0 && i+1 < len(runes) &&
		unicode.IsDigit(runes[i-1]) && unicode.IsDigit(runes[i+1])
}

// SplitSentences splits text after each run of sentence delimiters, keeping
// the delimiters. A decimal point such as "36.5" does not end a sentence. Whitespace inside a sentence is collapsed, and fragments
// without any letter or digit are dropped.
func SplitSentences(text string) []string {
	var (
		sentences []string
		current   strings.Builder
	)
	flush := func() {
		s := strings.Join(strings.Fields(current.String()), " ")
		current.Reset()
		if hasContent(s) {
			sentences = append(sentences, s)
		}
	}
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		current.WriteRune(r)
		if !isSentenceDelimiter(r) || isDecimalPoint(runes, i) {
			continue
		}
		for i+1 < len(runes) && isSentenceDelimiter(runes[i+1]) {
			i++
			current.WriteRune(runes[i])
		}
		flush()
	}
	flush()
	return sentences
}

func hasContent(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

// CountSentences returns the number of sentences SplitSentences finds.
func CountSentences(text string) int {
	return len(SplitSentences(text))
}

// FirstSentence returns the leading sentence of text, or "".
func FirstSentence(text string) string {
	if s := SplitSentences(text); len(s) > 0 {
		return s[0]
	}
	return ""
}

// EnforceResponseShape makes raw model output deliverable: at most one
// question mark, at most max(1, min(3, limit)) sentences joined by single
// spaces, and terminal punctuation. Empty input yields "".
func EnforceResponseShape(text string, limit int) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	if limit > AbsoluteMaxSentences {
		limit = AbsoluteMaxSentences
	}
	if limit < 1 {
		limit = 1
	}
	sentences := SplitSentences(CollapseQuestionMarks(text))
	if len(sentences) == 0 {
		return ""
	}
	if len(sentences) > limit {
		sentences = sentences[:limit]
	}
	out := strings.Join(sentences, " ")
	if r := []rune(out); !isSentenceDelimiter(r[len(r)-1]) {
		out += "."
	}
	return out
}
