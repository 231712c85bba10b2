package stub

import (
	"encoding/json"
	"net"
	"sort"
	"sync"

	"github.com/gofiber/contrib/websocket"

	"github.com/magic2k/magichat/internal/realtime"
)

// connLike is the slice of the websocket connection the pumps need, which
// keeps the hub testable without a live socket.
type connLike interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	Close() error
}

type wsClient struct {
	userID string // set by the identify event
	conn   connLike
	send   chan []byte
}

func (c *wsClient) writePump() {
	for data := range c.send {
		_ = c.conn.WriteMessage(websocket.TextMessage, data)
	}
	_ = c.conn.Close()
}

// hub tracks connected sockets, which user each belongs to, and room
// membership, and fans events out to them.
type hub struct {
	mu      sync.Mutex
	clients map[*wsClient]bool
	byUser  map[string]map[*wsClient]bool
	rooms   map[string]map[*wsClient]bool
}

func newHub() *hub {
	return &hub{
		clients: map[*wsClient]bool{},
		byUser:  map[string]map[*wsClient]bool{},
		rooms:   map[string]map[*wsClient]bool{},
	}
}

func (h *hub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
}

// identify binds the socket to a user, answers with the online snapshot and
// tells everyone else the user came online.
func (h *hub) identify(c *wsClient, userID string) {
	h.mu.Lock()
	c.userID = userID
	if h.byUser[userID] == nil {
		h.byUser[userID] = map[*wsClient]bool{}
	}
	first := len(h.byUser[userID]) == 0
	h.byUser[userID][c] = true
	snapshot := h.onlineLocked()
	h.mu.Unlock()

	h.sendTo(c, realtime.EventOnlineUsers, snapshot)
	if first {
		h.broadcastExcept(c, realtime.EventUserOnline, userID)
	}
}

func (h *hub) unregister(c *wsClient) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	for _, members := range h.rooms {
		delete(members, c)
	}
	last := false
	if c.userID != "" {
		if set := h.byUser[c.userID]; set != nil {
			delete(set, c)
			if len(set) == 0 {
				delete(h.byUser, c.userID)
				last = true
			}
		}
	}
	close(c.send)
	h.mu.Unlock()

	if last {
		h.broadcastExcept(nil, realtime.EventUserOffline, c.userID)
	}
}

// closeAll drops every socket; the read loops then unregister their clients.
func (h *hub) closeAll() {
	h.mu.Lock()
	conns := make([]connLike, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c.conn)
	}
	h.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
		// Close is a no-op on fasthttp-hijacked websockets; the raw socket
		// must be closed directly for the peer to see the drop.
		if wc, ok := conn.(interface{ NetConn() net.Conn }); ok {
			raw := wc.NetConn()
			if u, ok := raw.(interface{ UnsafeConn() net.Conn }); ok {
				raw = u.UnsafeConn()
			}
			if raw != nil {
				_ = raw.Close()
			}
		}
	}
}

func (h *hub) join(c *wsClient, chatID string) {
	h.mu.Lock()
	if h.rooms[chatID] == nil {
		h.rooms[chatID] = map[*wsClient]bool{}
	}
	h.rooms[chatID][c] = true
	h.mu.Unlock()
}

func (h *hub) leave(c *wsClient, chatID string) {
	h.mu.Lock()
	if members := h.rooms[chatID]; members != nil {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, chatID)
		}
	}
	h.mu.Unlock()
}

// emitToRoom delivers an event to every socket joined to the room, the
// sender included: the authoritative copy of a message reaches its author the
// same way it reaches everyone else.
func (h *hub) emitToRoom(chatID, name string, payload interface{}) {
	frame, err := encodeEvent(name, payload)
	if err != nil {
		return
	}
	h.mu.Lock()
	for c := range h.rooms[chatID] {
		deliver(c, frame)
	}
	h.mu.Unlock()
}

func (h *hub) emitToRoomExcept(sender *wsClient, chatID, name string, payload interface{}) {
	frame, err := encodeEvent(name, payload)
	if err != nil {
		return
	}
	h.mu.Lock()
	for c := range h.rooms[chatID] {
		if c != sender {
			deliver(c, frame)
		}
	}
	h.mu.Unlock()
}

func (h *hub) broadcastExcept(skip *wsClient, name string, payload interface{}) {
	frame, err := encodeEvent(name, payload)
	if err != nil {
		return
	}
	h.mu.Lock()
	for c := range h.clients {
		if c != skip {
			deliver(c, frame)
		}
	}
	h.mu.Unlock()
}

func (h *hub) sendTo(c *wsClient, name string, payload interface{}) {
	frame, err := encodeEvent(name, payload)
	if err != nil {
		return
	}
	h.mu.Lock()
	deliver(c, frame)
	h.mu.Unlock()
}

func (h *hub) onlineLocked() []string {
	ids := make([]string, 0, len(h.byUser))
	for id := range h.byUser {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func deliver(c *wsClient, frame []byte) {
	select {
	case c.send <- frame:
	default:
	}
}

func encodeEvent(name string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(realtime.Event{Name: name, Data: data})
}
