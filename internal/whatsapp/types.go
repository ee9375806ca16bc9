package whatsapp

import (
	"encoding/json"
	"strings"
	"time"

	"waassist/internal/conversation"
)

const (
	EventMessage = "message"

	groupSuffix = "@g.us"
)

// Event конверт вебхука шлюза.
type Event struct {
	Event    string         `json:"event"`
	DeviceID string         `json:"device_id"`
	Payload  MessagePayload `json:"payload"`
}

// MessagePayload полезная нагрузка события message.
// Вложения приходят либо строкой (путь к скачанному файлу), либо объектом с url.
type MessagePayload struct {
	ID           string          `json:"id"`
	ChatID       string          `json:"chat_id"`
	From         string          `json:"from"`
	FromName     string          `json:"from_name"`
	Timestamp    string          `json:"timestamp"`
	IsFromMe     bool            `json:"is_from_me"`
	Body         string          `json:"body"`
	RepliedToID  string          `json:"replied_to_id"`
	Reaction     string          `json:"reaction"`
	Image        json.RawMessage `json:"image"`
	Video        json.RawMessage `json:"video"`
	VideoNote    json.RawMessage `json:"video_note"`
	Audio        json.RawMessage `json:"audio"`
	Document     json.RawMessage `json:"document"`
	Sticker      json.RawMessage `json:"sticker"`
	Location     json.RawMessage `json:"location"`
	LiveLocation json.RawMessage `json:"live_location"`
	Contact      json.RawMessage `json:"contact"`
}

type mediaObject struct {
	URL      string `json:"url"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

// IsGroupChat определяет групповой чат по суффиксу JID.
func IsGroupChat(chatID string) bool {
	return strings.HasSuffix(chatID, groupSuffix)
}

// ToMessage переводит событие шлюза во входящее сообщение.
// Сообщения владельца аккаунта получают selfID в качестве отправителя.
func (p MessagePayload) ToMessage(selfID string, now time.Time) conversation.Message {
	msg := conversation.Message{
		ID:         p.ID,
		ChatID:     p.ChatID,
		SenderID:   p.From,
		SenderName: p.FromName,
		Text:       p.Body,
		Type:       conversation.TypeText,
		IsGroup:    IsGroupChat(p.ChatID),
		ReplyTo:    p.RepliedToID,
		Timestamp:  now,
	}
	if p.IsFromMe {
		msg.SenderID = selfID
	}
	if msg.SenderID == "" {
		msg.SenderID = p.ChatID
	}
	if ts, err := time.Parse(time.RFC3339, p.Timestamp); err == nil {
		msg.Timestamp = ts
	}

	media := []struct {
		raw json.RawMessage
		typ conversation.MessageType
	}{
		{p.Image, conversation.TypeImage},
		{p.Video, conversation.TypeVideo},
		{p.VideoNote, conversation.TypeVideo},
		{p.Audio, conversation.TypeAudio},
		{p.Document, conversation.TypeDocument},
		{p.Sticker, conversation.TypeSticker},
	}
	for _, m := range media {
		if !present(m.raw) {
			continue
		}
		msg.Type = m.typ
		obj := decodeMedia(m.raw)
		msg.Media = &conversation.Media{URL: obj.URL}
		if msg.Text == "" {
			msg.Text = obj.Caption
		}
		if msg.Text == "" && obj.Filename != "" {
			msg.Text = obj.Filename
		}
		return msg
	}

	switch {
	case present(p.Location) || present(p.LiveLocation):
		msg.Type = conversation.TypeLocation
	case present(p.Contact):
		msg.Type = conversation.TypeContact
	case p.Reaction != "":
		msg.Type = conversation.TypeReaction
		msg.Text = p.Reaction
	}
	return msg
}

func present(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s != "" && s != "null"
}

func decodeMedia(raw json.RawMessage) mediaObject {
	var path string
	if err := json.Unmarshal(raw, &path); err == nil {
		return mediaObject{URL: path}
	}
	var obj mediaObject
	_ = json.Unmarshal(raw, &obj)
	return obj
}
