package realtime

import "encoding/json"

// Event names on the wire. The channel speaks JSON envelopes
// {"event": <name>, "data": <payload>}; connect and connect_error are
// synthesized locally from the transport state so consumers see one stream.
const (
	// client -> server
	EventIdentify = "identify"
	EventJoin     = "join"
	EventLeave    = "leave"
	EventTyping   = "typing"
	EventTic      = "tic"

	// server -> client
	EventMessage     = "message"
	EventOnlineUsers = "online_users"
	EventUserOnline  = "user_online"
	EventUserOffline = "user_offline"

	// transport, local only
	EventConnect      = "connect"
	EventConnectError = "connect_error"
)

type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// TypingSignal is the payload of typing events in both directions.
type TypingSignal struct {
	ChatID string `json:"chat_id"`
	Name   string `json:"name,omitempty"`
}

// TicSignal is the payload of tic (nudge) events in both directions.
type TicSignal struct {
	ChatID string `json:"chat_id"`
	From   string `json:"from,omitempty"`
}

// DecodeUserID reads a payload that is either a bare id string or an object
// carrying one, as the presence events are sent both ways.
func DecodeUserID(data []byte) string {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s
	}
	var obj struct {
		ID     string `json:"_id"`
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		if obj.ID != "" {
			return obj.ID
		}
		return obj.UserID
	}
	return ""
}
