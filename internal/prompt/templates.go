package prompt

import (
	"regexp"
	"strings"

	"waassist/internal/conversation"
)

// TemplateKind вид шаблона промпта.
type TemplateKind string

const (
	KindDefault  TemplateKind = "default"
	KindQuestion TemplateKind = "question"
	KindGroup    TemplateKind = "group"
)

// Заголовки шаблонов. Normalizer вырезает их из ответа модели, если она их повторила.
const (
	headingContext   = "Conversation context:"
	headingRecent    = "Recent messages:"
	headingMessage   = "New message:"
	headingQuestion  = "Question:"
	headingGroupChat = "Group conversation:"
	headingPrevious  = "Previous context:"
	headingRules     = "Reply rules:"
)

const onlyReplyInstruction = "Output ONLY the reply text itself: no headings, no labels, no quotes, no code fences and do not repeat these instructions."

// TemplateDefault шаблон для обычного личного сообщения.
const TemplateDefault = `You are {assistant}, a friendly assistant answering messages in a WhatsApp chat.

` + headingContext + `
{context}

` + headingRecent + `
{recent_messages}

` + headingMessage + `
{user_message}

` + headingRules + `
- Keep the reply short and conversational, like a chat message.
- Answer in the language of the new message.
- ` + onlyReplyInstruction

// TemplateQuestion шаблон для сообщения, содержащего вопрос.
const TemplateQuestion = `You are {assistant}, a helpful assistant answering questions in a WhatsApp chat.

` + headingContext + `
{context}

` + headingRecent + `
{recent_messages}

` + headingQuestion + `
{user_message}

` + headingRules + `
- Answer the question directly and concisely.
- If something is unclear, ask one short follow-up question.
- Answer in the language of the question.
- ` + onlyReplyInstruction

// TemplateGroup шаблон для группового чата.
const TemplateGroup = `You are {assistant}, a member of the WhatsApp group "{group_name}" who helps when addressed.

` + headingContext + `
{context}

` + headingGroupChat + `
{recent_messages}

` + headingMessage + `
{user_message}

` + headingRules + `
- Reply to the whole group in one or two sentences.
- Do not address people who did not talk to you.
- Answer in the language of the new message.
- ` + onlyReplyInstruction

var templates = map[TemplateKind]string{
	KindDefault:  TemplateDefault,
	KindQuestion: TemplateQuestion,
	KindGroup:    TemplateGroup,
}

// QuestionWords словарь вопросительных слов.
var QuestionWords = []string{
	"what", "how", "why", "when", "where", "who", "can", "would", "could",
	"which", "do", "does", "did", "is", "are", "am", "should", "will",
}

var questionWordRe = regexp.MustCompile(`(?i)\b(` + strings.Join(QuestionWords, "|") + `)\b`)

// HasQuestionWord сообщает, есть ли в тексте вопросительное слово как отдельное слово.
func HasQuestionWord(text string) bool {
	return questionWordRe.MatchString(text)
}

// IsQuestion true, если текст содержит "?" или вопросительное слово.
func IsQuestion(text string) bool {
	return strings.Contains(text, "?") || HasQuestionWord(text)
}

// SelectTemplate выбирает шаблон: группа, затем вопрос, иначе шаблон по умолчанию.
func SelectTemplate(conv conversation.Conversation, msg conversation.Message) TemplateKind {
	if conv.IsGroup || msg.IsGroup {
		return KindGroup
	}
	if IsQuestion(msg.Text) {
		return KindQuestion
	}
	return KindDefault
}

// ArtifactMarkers возвращает заголовки шаблонов в фиксированном порядке.
// Список связан с текстом шаблонов: при изменении шаблонов его нужно пересмотреть.
func ArtifactMarkers() []string {
	return []string{
		headingContext,
		headingRecent,
		headingMessage,
		headingQuestion,
		headingGroupChat,
		headingPrevious,
		headingRules,
	}
}

// StopSequences стоп-последовательности для бэкенда: начало разделов шаблона,
// которые модель не должна продолжать после своего ответа.
func StopSequences() []string {
	return []string{
		"\n" + headingMessage,
		"\n" + headingRules,
		"\n" + headingRecent,
		"\n" + headingContext,
	}
}
