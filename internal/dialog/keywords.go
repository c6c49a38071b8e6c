package dialog

import "strings"

// tiredKeywords force fatigue_level=high when any of them appears in the user text.
var tiredKeywords = []string{
	"피곤", "힘들", "힘드", "지쳤", "지쳐", "졸려", "졸리", "쉬고 싶", "쉬고싶", "머리 아파", "머리아파", "기운이 없", "기운없",
}

// refusalKeywords route the session into a recovery dialog.
var refusalKeywords = []string{
	"안 할래", "안할래", "하기 싫", "싫어요", "싫어", "그만할래", "그만 할래", "그만하고 싶", "안 하고 싶", "안하고 싶", "못 하겠", "못하겠", "다음에 할래",
}

// stopwords are dropped from topic candidates.
var stopwords = map[string]struct{}{
	"그냥": {}, "그리고": {}, "그래서": {}, "그런데": {}, "근데": {}, "하지만": {}, "그러면": {},
	"이거": {}, "저거": {}, "그거": {}, "이것": {}, "저것": {}, "그것": {}, "여기": {}, "저기": {}, "거기": {},
	"오늘": {}, "어제": {}, "내일": {}, "지금": {}, "요즘": {}, "아까": {},
	"제가": {}, "저는": {}, "나는": {}, "내가": {}, "우리": {}, "저도": {}, "나도": {},
	"있어요": {}, "없어요": {}, "했어요": {}, "해요": {}, "했는데": {}, "같아요": {}, "있었어요": {}, "없었어요": {},
	"정말": {}, "진짜": {}, "너무": {}, "조금": {}, "좀": {}, "많이": {}, "아주": {}, "매우": {},
	"네": {}, "예": {}, "아니요": {}, "아니": {}, "음": {}, "어": {}, "아": {}, "응": {},
	"뭐": {}, "무엇": {}, "어떤": {}, "어떻게": {}, "왜": {}, "언제": {}, "누구": {},
	"그래요": {}, "맞아요": {}, "글쎄요": {}, "모르겠어요": {}, "잘": {}, "다": {}, "또": {}, "더": {},
}

func containsAny(text string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}

// IsTiredUtterance reports whether the text contains a tired keyword.
func IsTiredUtterance(text string) bool {
	return containsAny(text, tiredKeywords)
}

// IsRefusalUtterance reports whether the text contains a refusal keyword.
func IsRefusalUtterance(text string) bool {
	return containsAny(text, refusalKeywords)
}
