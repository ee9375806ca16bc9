package prompt

import (
	"fmt"
	"strings"

	"waassist/internal/conversation"
)

const (
	DefaultMaxContextChars = 2000
	DefaultRecentCount     = 6
	DefaultSnippetChars    = 240

	// NoRecentMessages подставляется вместо пустой истории.
	NoRecentMessages = "No recent messages."

	timestampLayout = "2006-01-02 15:04:05"
	ellipsis        = "…"
)

// Composer собирает ограниченный по длине контекст и блок последних сообщений.
type Composer struct {
	MaxChars     int
	RecentCount  int
	SnippetChars int
}

// Composed результат работы Composer.
type Composed struct {
	Context string
	Recent  string
}

// NewComposer создаёт Composer; неположительные значения заменяются значениями по умолчанию.
func NewComposer(maxChars, recentCount, snippetChars int) Composer {
	c := Composer{MaxChars: maxChars, RecentCount: recentCount, SnippetChars: snippetChars}
	return c.withDefaults()
}

// Compose строит контекст и блок последних сообщений для промпта.
// msg добавляется в конец истории, если диалог ещё не содержит его.
func (c Composer) Compose(conv conversation.Conversation, msg conversation.Message, profile *conversation.UserProfile, group *conversation.GroupContext) Composed {
	c = c.withDefaults()
	return Composed{
		Context: c.context(conv, profile, group),
		Recent:  c.recent(conv, msg),
	}
}

func (c Composer) context(conv conversation.Conversation, profile *conversation.UserProfile, group *conversation.GroupContext) string {
	parts := make([]string, 0, 4)

	if prior := strings.TrimSpace(conv.Context); prior != "" {
		parts = append(parts, "Previous context: "+truncate(prior, c.MaxChars/2))
	}

	if profile != nil && strings.TrimSpace(profile.Name) != "" {
		line := "User: " + strings.TrimSpace(profile.Name)
		if lang := strings.TrimSpace(profile.Language); lang != "" {
			line += fmt.Sprintf(" (Language: %s)", lang)
		}
		parts = append(parts, line)
	}

	if conv.IsGroup && group != nil {
		name := strings.TrimSpace(group.Name)
		if name == "" {
			name = strings.TrimSpace(conv.GroupName)
		}
		if name != "" {
			parts = append(parts, "Group: "+name)
		}
		if topic := strings.TrimSpace(group.Topic); topic != "" {
			parts = append(parts, "Topic: "+topic)
		}
	}

	joined := strings.Join(parts, "\n")
	if runes := []rune(joined); len(runes) > c.MaxChars {
		joined = string(runes[:c.MaxChars])
	}
	return joined
}

func (c Composer) recent(conv conversation.Conversation, msg conversation.Message) string {
	history := conv.Messages
	if msg.ChatID != "" && !containsMessage(history, msg) {
		history = append(append(make([]conversation.Message, 0, len(history)+1), history...), msg)
	}
	if len(history) > c.RecentCount {
		history = history[len(history)-c.RecentCount:]
	}
	if len(history) == 0 {
		return NoRecentMessages
	}

	lines := make([]string, 0, len(history))
	for _, m := range history {
		lines = append(lines, c.renderLine(m))
	}
	return strings.Join(lines, "\n")
}

func (c Composer) renderLine(m conversation.Message) string {
	sender := strings.TrimSpace(m.SenderName)
	if sender == "" {
		sender = m.SenderID
	}
	if m.IsGroup && m.GroupName != "" {
		sender += " in " + m.GroupName
	}

	stamp := ""
	if !m.Timestamp.IsZero() {
		stamp = m.Timestamp.UTC().Format(timestampLayout)
	}

	text := strings.Join(strings.Fields(m.Text), " ")
	if m.Type != "" && m.Type != conversation.TypeText {
		if text == "" {
			text = "[" + string(m.Type) + "]"
		} else {
			text = "[" + string(m.Type) + "] " + text
		}
	}

	return fmt.Sprintf("%s (%s): %s", sender, stamp, truncate(text, c.SnippetChars))
}

func (c Composer) withDefaults() Composer {
	if c.MaxChars <= 0 {
		c.MaxChars = DefaultMaxContextChars
	}
	if c.RecentCount <= 0 {
		c.RecentCount = DefaultRecentCount
	}
	if c.SnippetChars <= 0 {
		c.SnippetChars = DefaultSnippetChars
	}
	return c
}

func containsMessage(history []conversation.Message, msg conversation.Message) bool {
	if len(history) == 0 {
		return false
	}
	last := history[len(history)-1]
	if msg.ID != "" {
		return last.ID == msg.ID
	}
	return last.SenderID == msg.SenderID && last.Text == msg.Text && last.Timestamp.Equal(msg.Timestamp)
}

// truncate обрезает s до limit рун, последняя руна заменяется многоточием.
func truncate(s string, limit int) string {
	runes := []rune(s)
	if limit <= 0 || len(runes) <= limit {
		return s
	}
	if limit == 1 {
		return ellipsis
	}
	return string(runes[:limit-1]) + ellipsis
}
