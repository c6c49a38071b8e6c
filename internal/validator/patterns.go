package validator

import "regexp"

// sessionMetaPatterns match narration about the session itself (starting,
// welcoming) instead of conversation.
var sessionMetaPatterns = []*regexp.Regexp{
	regexp.MustCompile(`세션(을|이|를)?\s*(시작|열|진행)`),
	regexp.MustCompile(`(오늘의?|이번)\s*(훈련|세션|프로그램|대화|활동)(을|를|이|가)?\s*(시작|진행)`),
	regexp.MustCompile(`(훈련|대화|세션|활동)(을|를)?\s*시작(하겠|할게|해\s*보겠|합니다|할까요)`),
	regexp.MustCompile(`환영합니다|환영해요`),
	regexp.MustCompile(`시작하겠습니다`),
}

// switchPermissionPatterns match asking the user for permission to change topic.
var switchPermissionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(다른|새로운)\s*(주제|이야기|얘기|활동|질문)[^.!?]*(넘어가|바꿔|바꾸|옮겨|해도|하면)[^.!?]*(될까요|볼까요|괜찮을까요|괜찮으세요|좋을까요|어떠세요|어떨까요)`),
	regexp.MustCompile(`(주제|화제|이야기|얘기)(를|을)?\s*(바꿔|바꾸|전환)[^.!?]*(될까요|볼까요|괜찮|좋을까요|어떠세요|어떨까요)`),
}

// proposalPattern matches invitation phrases that propose an activity.
var proposalPattern = regexp.MustCompile(`(시작해\s*볼까요|해\s*볼까요|해\s*보실래요|해\s*보시겠어요|해\s*봐요|해\s*봅시다|같이\s*해요|함께\s*해요)`)

// reactionPattern matches acknowledgement of what the user said.
var reactionPattern = regexp.MustCompile(`(그렇군요|그러셨군요|그랬군요|그러시군요|좋네요|좋아요|좋았겠|좋으셨|멋지|훌륭|대단|잘하셨|잘\s*하셨|맞아요|맞습니다|고마워요|감사해요|감사합니다|이해해요|힘드셨|속상|반가워요|반갑|기쁘|재미있|재밌|아하|와,|네,|그럼요)`)

// followupPattern matches Korean question or prompt endings that invite a reply.
var followupPattern = regexp.MustCompile(`(까요|나요|인가요|는지요|어때요|어떠세요|어떠셨|어땠|말씀해\s*주|들려\s*주|알려\s*주|떠올려\s*보|말해\s*보|생각나세요|기억나세요|있으세요|있나요|하실래요|보실래요)`)

func matchesAny(patterns []*regexp.Regexp, text string) bool {
	for _, p := range patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// IsSessionMeta reports whether text narrates the session itself.
func IsSessionMeta(text string) bool {
	return matchesAny(sessionMetaPatterns, text)
}

// IsSwitchPermission reports whether text asks for permission to change topic.
func IsSwitchPermission(text string) bool {
	return matchesAny(switchPermissionPatterns, text)
}

// HasFollowupPrompt reports whether text invites a reply.
func HasFollowupPrompt(text string) bool {
	for _, r := range text {
		if r == '?' {
			return true
		}
	}
	return followupPattern.MatchString(text)
}

// HasReaction reports whether text acknowledges the user.
func HasReaction(text string) bool {
	return reactionPattern.MatchString(text)
}
