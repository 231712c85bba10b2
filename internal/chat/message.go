package chat

import (
	"encoding/json"
	"errors"
	"time"
)

type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
	KindAudio MessageKind = "audio"
	KindTic   MessageKind = "tic" // ephemeral attention ping, never persisted
)

// Message is the canonical shape used everywhere past the wire boundary.
// The backend is loose about field names (sender vs from vs userId, message
// vs text vs content); DecodeMessage flattens all of that in one place so the
// rest of the client never does fallback lookups.
type Message struct {
	ID        string
	ChatID    string
	SenderID  string
	Kind      MessageKind
	Body      string // text body, or the media reference for image/audio
	CreatedAt time.Time
}

type rawMessage struct {
	ID    string `json:"_id"`
	AltID string `json:"id"`

	ChatID    string `json:"chat_id"`
	ChatIDAlt string `json:"chatId"`
	Chat      string `json:"chat"`

	Sender json.RawMessage `json:"sender"`
	From   json.RawMessage `json:"from"`
	User   json.RawMessage `json:"user"`
	UserID string          `json:"userId"`

	Message string `json:"message"`
	Text    string `json:"text"`
	Content string `json:"content"`

	Image string `json:"image"`
	Audio string `json:"audio"`
	Tic   bool   `json:"tic"`

	CreatedAt time.Time `json:"createdAt"`
}

var errEmptyMessage = errors.New("chat: message without id or body")

// DecodeMessage normalizes a wire message from either the REST history
// endpoint or a realtime "message" event.
func DecodeMessage(data []byte) (Message, error) {
	var raw rawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Message{}, err
	}
	return raw.normalize()
}

func (raw rawMessage) normalize() (Message, error) {
	m := Message{
		ID:        firstNonEmpty(raw.ID, raw.AltID),
		ChatID:    firstNonEmpty(raw.ChatID, raw.ChatIDAlt, raw.Chat),
		CreatedAt: raw.CreatedAt,
	}

	m.SenderID = refID(raw.Sender)
	if m.SenderID == "" {
		m.SenderID = refID(raw.From)
	}
	if m.SenderID == "" {
		m.SenderID = refID(raw.User)
	}
	if m.SenderID == "" {
		m.SenderID = raw.UserID
	}

	switch {
	case raw.Tic:
		m.Kind = KindTic
	case raw.Image != "":
		m.Kind = KindImage
		m.Body = raw.Image
	case raw.Audio != "":
		m.Kind = KindAudio
		m.Body = raw.Audio
	default:
		m.Kind = KindText
		m.Body = firstNonEmpty(raw.Message, raw.Text, raw.Content)
	}

	if m.ID == "" && m.Kind != KindTic {
		return Message{}, errEmptyMessage
	}
	return m, nil
}

// refID resolves a field that may hold either a bare id string or an
// embedded object carrying one.
func refID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		ID    string `json:"_id"`
		AltID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return firstNonEmpty(obj.ID, obj.AltID)
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
