// Package realtime maintains the one websocket connection an authenticated
// session holds and fans its events out to subscribers.
package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("realtime")

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

var ErrNotConnected = errors.New("realtime: not connected")

const defaultRetryWait = 3 * time.Second

type Config struct {
	// URL is the websocket endpoint, e.g. wss://magic2k.com/ws.
	URL    string
	Token  string
	UserID string
	// RetryWait is the pause between reconnection attempts.
	RetryWait time.Duration
}

// Conn is one realtime connection. It identifies itself after every
// (re)connect, rejoins rooms it was in, and keeps retrying in the background
// after transport errors; each failure surfaces as a connect_error event so
// consumers can degrade, and each recovery as a connect event.
type Conn struct {
	cfg    Config
	dialer *websocket.Dialer
	done   chan struct{}

	mu      sync.Mutex
	ws      *websocket.Conn
	state   State
	subs    map[int]chan Event
	nextSub int
	rooms   map[string]bool
	closed  bool

	wmu sync.Mutex // serializes websocket writes
}

// Dial starts the connection loop and returns immediately.
func Dial(cfg Config) *Conn {
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = defaultRetryWait
	}
	c := &Conn{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		done:   make(chan struct{}),
		subs:   map[int]chan Event{},
		rooms:  map[string]bool{},
	}
	go c.run()
	return c
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe returns a stream of events and a cancel function. Slow consumers
// lose events rather than stalling the connection.
func (c *Conn) Subscribe() (<-chan Event, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	ch := make(chan Event, 32)
	c.subs[id] = ch
	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
}

// JoinRoom subscribes this connection to a conversation's events. The join is
// replayed automatically after a reconnect.
func (c *Conn) JoinRoom(chatID string) error {
	c.mu.Lock()
	c.rooms[chatID] = true
	c.mu.Unlock()
	return c.Emit(EventJoin, chatID)
}

func (c *Conn) LeaveRoom(chatID string) error {
	c.mu.Lock()
	delete(c.rooms, chatID)
	c.mu.Unlock()
	return c.Emit(EventLeave, chatID)
}

// Emit sends a named event. Returns ErrNotConnected while the transport is
// down; ephemeral signals are simply lost then, which matches how the web
// client behaves.
func (c *Conn) Emit(name string, payload interface{}) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(Event{Name: name, Data: data})
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return ws.WriteMessage(websocket.TextMessage, frame)
}

// Close leaves joined rooms, tears the transport down and ends all
// subscriptions. Safe to call more than once.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	c.rooms = map[string]bool{}
	ws := c.ws
	subs := c.subs
	c.subs = map[int]chan Event{}
	c.state = Disconnected
	c.mu.Unlock()

	close(c.done)
	if ws != nil {
		for _, room := range rooms {
			if frame, err := json.Marshal(Event{Name: EventLeave, Data: mustRaw(room)}); err == nil {
				c.wmu.Lock()
				_ = ws.WriteMessage(websocket.TextMessage, frame)
				c.wmu.Unlock()
			}
		}
		ws.Close()
	}
	for _, sub := range subs {
		close(sub)
	}
}

func (c *Conn) run() {
	for {
		if c.isClosed() {
			return
		}
		c.setState(Connecting)

		header := http.Header{}
		if c.cfg.Token != "" {
			header.Set("Authorization", "Bearer "+c.cfg.Token)
		}
		ws, resp, err := c.dialer.Dial(c.cfg.URL, header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			log.Debugf("dial %s: %s", c.cfg.URL, err)
			c.setState(Disconnected)
			c.publish(Event{Name: EventConnectError})
			if !c.wait() {
				return
			}
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			ws.Close()
			return
		}
		c.ws = ws
		c.state = Connected
		rooms := make([]string, 0, len(c.rooms))
		for room := range c.rooms {
			rooms = append(rooms, room)
		}
		c.mu.Unlock()

		log.Infof("realtime connected as %s", c.cfg.UserID)
		c.publish(Event{Name: EventConnect})
		if err := c.Emit(EventIdentify, c.cfg.UserID); err != nil {
			log.Warningf("identify: %s", err)
		}
		for _, room := range rooms {
			if err := c.Emit(EventJoin, room); err != nil {
				log.Warningf("rejoin %s: %s", room, err)
			}
		}

		c.readLoop(ws)

		c.mu.Lock()
		c.ws = nil
		c.state = Disconnected
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		log.Info("realtime connection lost")
		c.publish(Event{Name: EventConnectError})
		if !c.wait() {
			return
		}
	}
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			ws.Close()
			return
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil || ev.Name == "" {
			log.Debugf("dropping unparseable frame: %s", data)
			continue
		}
		c.publish(ev)
	}
}

func (c *Conn) publish(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs {
		select {
		case sub <- ev:
		default:
		}
	}
}

func (c *Conn) wait() bool {
	select {
	case <-time.After(c.cfg.RetryWait):
		return true
	case <-c.done:
		return false
	}
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func mustRaw(v interface{}) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
