package prompt

import (
	"strings"
)

// DefaultAssistantName используется, если имя не задано.
const DefaultAssistantName = "Jason"

const noContext = "No additional context."

// Slots значения для подстановки в шаблон.
type Slots struct {
	Context        string
	RecentMessages string
	UserMessage    string
	GroupName      string
}

// Builder собирает итоговый промпт. Чистая функция от входных данных.
type Builder struct {
	AssistantName string
}

// Build подставляет slots в шаблон kind. Неизвестный kind считается KindDefault.
func (b Builder) Build(kind TemplateKind, slots Slots) string {
	tmpl, ok := templates[kind]
	if !ok {
		tmpl = templates[KindDefault]
	}

	name := strings.TrimSpace(b.AssistantName)
	if name == "" {
		name = DefaultAssistantName
	}
	ctx := strings.TrimSpace(slots.Context)
	if ctx == "" {
		ctx = noContext
	}
	recent := strings.TrimSpace(slots.RecentMessages)
	if recent == "" {
		recent = NoRecentMessages
	}
	group := strings.TrimSpace(slots.GroupName)
	if group == "" {
		group = "group chat"
	}

	r := strings.NewReplacer(
		"{assistant}", name,
		"{context}", ctx,
		"{recent_messages}", recent,
		"{user_message}", strings.TrimSpace(slots.UserMessage),
		"{group_name}", group,
	)
	return r.Replace(tmpl)
}
