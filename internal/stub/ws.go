package stub

import (
	"encoding/json"

	"github.com/gofiber/contrib/websocket"

	"github.com/magic2k/magichat/internal/realtime"
)

// handleWS runs one realtime session: register, pump frames, dispatch the
// client-emitted events, unregister on any read error.
func (s *Server) handleWS(conn *websocket.Conn) {
	client := &wsClient{conn: conn, send: make(chan []byte, 16)}
	s.hub.register(client)
	defer s.hub.unregister(client)
	go client.writePump()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var ev realtime.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		s.dispatch(client, ev)
	}
}

func (s *Server) dispatch(client *wsClient, ev realtime.Event) {
	switch ev.Name {
	case realtime.EventIdentify:
		var userID string
		if err := json.Unmarshal(ev.Data, &userID); err == nil && userID != "" {
			s.hub.identify(client, userID)
		}
	case realtime.EventJoin:
		var chatID string
		if err := json.Unmarshal(ev.Data, &chatID); err == nil && chatID != "" {
			s.hub.join(client, chatID)
		}
	case realtime.EventLeave:
		var chatID string
		if err := json.Unmarshal(ev.Data, &chatID); err == nil && chatID != "" {
			s.hub.leave(client, chatID)
		}
	case realtime.EventTyping:
		var sig realtime.TypingSignal
		if err := json.Unmarshal(ev.Data, &sig); err == nil && sig.ChatID != "" {
			// Typing only matters to the other side.
			s.hub.emitToRoomExcept(client, sig.ChatID, realtime.EventTyping, sig)
		}
	case realtime.EventTic:
		var sig realtime.TicSignal
		if err := json.Unmarshal(ev.Data, &sig); err == nil && sig.ChatID != "" {
			// Tics echo to the sender too; both sides render the entry.
			s.hub.emitToRoom(sig.ChatID, realtime.EventTic, sig)
		}
	default:
		log.Debugf("ignoring unknown client event %q", ev.Name)
	}
}
