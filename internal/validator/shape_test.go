package validator

import (
	"strings"
	"testing"
)

func TestEnforceResponseShape_TruncatesToLimit(t *testing.T) {
	raw := "첫째 문장입니다. 둘째 문장이에요! 셋째요. 넷째. 다섯째."
	got := EnforceResponseShape(raw, 2)
	want := "첫째 문장입니다. 둘째 문장이에요!"
	if got != want {
		t.Errorf("EnforceResponseShape() = %q, want %q", got, want)
	}
}

func TestEnforceResponseShape_SentenceBound(t *testing.T) {
	inputs := []string{
		"하나. 둘. 셋. 넷.",
		"정말요?? 그랬군요!! 다음엔 뭐 하실 거예요? 저도 궁금해요...",
		"마침표 없는 문장",
		"짧은 말… 그리고 긴 말. 또 다른 말",
	}
	for _, in := range inputs {
		for limit := -1; limit <= 5; limit++ {
			out := EnforceResponseShape(in, limit)
			bound := limit
			if bound < 1 {
				bound = 1
			}
			if bound > AbsoluteMaxSentences {
				bound = AbsoluteMaxSentences
			}
			if n := CountSentences(out); n > bound {
				t.Errorf("EnforceResponseShape(%q, %d) has %d sentences", in, limit, n)
			}
		}
	}
}

func TestEnforceResponseShape_Idempotent(t *testing.T) {
	inputs := []string{
		"그렇군요. 산책은 즐거우셨어요? 어디로 가셨나요? 누구랑요?",
		"  네   알겠어요  ",
		"와!! 정말 좋네요?! 또 해요.",
		"하나… 둘…",
	}
	for _, in := range inputs {
		for limit := 1; limit <= 3; limit++ {
			once := EnforceResponseShape(in, limit)
			if twice := EnforceResponseShape(once, limit); twice != once {
				t.Errorf("not idempotent for %q (limit %d): %q then %q", in, limit, once, twice)
			}
		}
	}
}

func TestEnforceResponseShape_SingleQuestionMark(t *testing.T) {
	got := EnforceResponseShape("어때요? 좋아요? 네?", 3)
	if c := strings.Count(got, "?"); c != 1 {
		t.Errorf("got %d question marks in %q", c, got)
	}
	if got != "어때요? 좋아요. 네." {
		t.Errorf("EnforceResponseShape() = %q", got)
	}
}

func TestEnforceResponseShape_TerminalPunctuation(t *testing.T) {
	if got := EnforceResponseShape("안녕하세요", 2); got != "안녕하세요." {
		t.Errorf("EnforceResponseShape() = %q", got)
	}
	if got := EnforceResponseShape("   ", 2); got != "" {
		t.Errorf("expected empty output, got %q", got)
	}
}

func TestSplitSentences_DropsEmptyFragments(t *testing.T) {
	got := SplitSentences("네. ... 좋아요!")
	if len(got) != 2 || got[0] != "네." || got[1] != "좋아요!" {
		t.Errorf("SplitSentences() = %q", got)
	}
}

func TestSplitSentences_KeepsDecimalNumbers(t *testing.T) {
	got := SplitSentences("체온은 36.5도예요. 괜찮으세요?")
	if len(got) != 2 || got[0] != "체온은 36.5도예요." {
		t.Errorf("SplitSentences() = %q", got)
	}

	shaped := EnforceResponseShape("체온은 36.5도예요. 괜찮으세요?", 1)
	if shaped != "체온은 36.5도예요." {
		t.Errorf("EnforceResponseShape() = %q", shaped)
	}
	if again := EnforceResponseShape(shaped, 1); again != shaped {
		t.Errorf("reshaping changed %q to %q", shaped, again)
	}
	if n := CountSentences("약은 1.5알, 물은 0.5리터 드세요."); n != 1 {
		t.Errorf("CountSentences() = %d, want 1", n)
	}
}

func TestSignature(t *testing.T) {
	if got := Signature("Hello, 세상! 반가워요_2"); got != "hello세상반가워요_2" {
		t.Errorf("Signature() = %q", got)
	}
	if got := len([]rune(Signature(strings.Repeat("가", 200)))); got != maxSignatureRunes {
		t.Errorf("signature length = %d", got)
	}
}

func TestSequenceRatio(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
	}{
		{"", "", 1},
		{"abcd", "abcd", 1},
		{"abc", "xyz", 0},
		{"abcd", "abce", 0.75},
		{"그렇군요", "그렇군요정말", 0.8},
	}
	for _, tt := range tests {
		if got := SequenceRatio(tt.a, tt.b); got != tt.want {
			t.Errorf("SequenceRatio(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
