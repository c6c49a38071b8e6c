package llm

import "github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/models"

// Canned replies used when no generated text survives validation.
const (
	ClosingFallbackMessage  = "오늘 함께 이야기 나눠 주셔서 고마워요. 편히 쉬세요."
	NoSpeechFallbackMessage = "잘 들리지 않았어요. 준비되시면 다시 말씀해 주세요."
	GenericFallbackMessage  = "목소리가 잠깐 끊겼어요. 한 번만 다시 말씀해 주시겠어요?"
)

// FallbackMessage picks the canned reply for a turn: a close request wins,
// then a no-speech STT event, then the generic message.
func FallbackMessage(meta models.TurnMeta) string {
	switch {
	case meta.RequestClose:
		return ClosingFallbackMessage
	case meta.STTEvent == models.STTEventNoSpeech:
		return NoSpeechFallbackMessage
	default:
		return GenericFallbackMessage
	}
}
