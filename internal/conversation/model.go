package conversation

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrValidation базовая ошибка некорректного входящего сообщения.
var ErrValidation = errors.New("invalid message")

// ValidationError описывает, какое поле сообщения некорректно.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid message: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// MessageType тип входящего сообщения.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeAudio    MessageType = "audio"
	TypeVideo    MessageType = "video"
	TypeDocument MessageType = "document"
	TypeLocation MessageType = "location"
	TypeContact  MessageType = "contact"
	TypeSticker  MessageType = "sticker"
	TypeReaction MessageType = "reaction"
	TypeSystem   MessageType = "system"
)

// Valid сообщает, входит ли тип в поддерживаемый набор.
func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeAudio, TypeVideo, TypeDocument,
		TypeLocation, TypeContact, TypeSticker, TypeReaction, TypeSystem:
		return true
	default:
		return false
	}
}

// Media вложение сообщения.
type Media struct {
	URL             string  `json:"url,omitempty"`
	MimeType        string  `json:"mime_type,omitempty"`
	SHA256          string  `json:"sha256,omitempty"`
	Size            int64   `json:"size,omitempty"`
	Width           int     `json:"width,omitempty"`
	Height          int     `json:"height,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
}

// Message одно входящее сообщение чата.
type Message struct {
	ID         string         `json:"id"`
	Text       string         `json:"text,omitempty"`
	SenderID   string         `json:"sender_id"`
	SenderName string         `json:"sender_name,omitempty"`
	ChatID     string         `json:"chat_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Type       MessageType    `json:"message_type"`
	IsGroup    bool           `json:"is_group"`
	GroupName  string         `json:"group_name,omitempty"`
	ReplyTo    string         `json:"reply_to,omitempty"`
	Media      *Media         `json:"media,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Normalize приводит сообщение к каноническому виду и проверяет инварианты:
// текст обрезается, время переводится в UTC, пустой тип считается текстом,
// у текстового сообщения должен быть непустой текст.
func (m Message) Normalize() (Message, error) {
	m.Text = strings.TrimSpace(m.Text)
	m.ChatID = strings.TrimSpace(m.ChatID)
	m.SenderID = strings.TrimSpace(m.SenderID)
	if !m.Timestamp.IsZero() {
		m.Timestamp = m.Timestamp.UTC()
	}
	if m.Type == "" {
		m.Type = TypeText
	}

	if m.ChatID == "" {
		return Message{}, &ValidationError{Field: "chat_id", Reason: "is required"}
	}
	if m.SenderID == "" {
		return Message{}, &ValidationError{Field: "sender_id", Reason: "is required"}
	}
	if !m.Type.Valid() {
		return Message{}, &ValidationError{Field: "message_type", Reason: fmt.Sprintf("unknown value %q", m.Type)}
	}
	if m.Type == TypeText && m.Text == "" {
		return Message{}, &ValidationError{Field: "text", Reason: "is required for text messages"}
	}
	return m, nil
}

func (m Message) clone() Message {
	if m.Media != nil {
		media := *m.Media
		m.Media = &media
	}
	if m.Metadata != nil {
		meta := make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			meta[k] = v
		}
		m.Metadata = meta
	}
	return m
}

// UserProfile сведения об отправителе, которые попадают в контекст промпта.
type UserProfile struct {
	UserID   string `json:"user_id,omitempty"`
	Name     string `json:"name,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Language string `json:"language,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// GroupContext описание группового чата.
type GroupContext struct {
	GroupID     string `json:"group_id,omitempty"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Topic       string `json:"topic,omitempty"`
}

// Conversation состояние одного чата.
type Conversation struct {
	ChatID       string    `json:"chat_id"`
	Messages     []Message `json:"messages"`
	CreatedAt    time.Time `json:"created_at"`
	LastUpdated  time.Time `json:"last_updated"`
	Context      string    `json:"context"`
	IsGroup      bool      `json:"is_group"`
	GroupName    string    `json:"group_name,omitempty"`
	Participants []string  `json:"participants"`
	AIEnabled    bool      `json:"ai_enabled"`
}

// Recent возвращает последние n сообщений (n <= 0 означает все).
func (c Conversation) Recent(n int) []Message {
	if n <= 0 || n >= len(c.Messages) {
		return c.Messages
	}
	return c.Messages[len(c.Messages)-n:]
}

func (c Conversation) clone() Conversation {
	msgs := make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		msgs[i] = m.clone()
	}
	c.Messages = msgs
	c.Participants = append(make([]string, 0, len(c.Participants)), c.Participants...)
	return c
}
