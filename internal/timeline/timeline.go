// Package timeline produces the ordered, de-duplicated message list for one
// open conversation, merging REST history with live realtime events and
// falling back to polling while the realtime channel is down.
package timeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/op/go-logging"

	"github.com/magic2k/magichat/internal/chat"
	"github.com/magic2k/magichat/internal/realtime"
)

var log = logging.MustGetLogger("timeline")

const (
	defaultPollInterval = 5 * time.Second
	typingTTL           = 2 * time.Second
)

// API is the REST surface the timeline needs.
type API interface {
	Messages(ctx context.Context, chatID string) ([]chat.Message, error)
	SendMessage(ctx context.Context, chatID, text string) (*chat.Message, error)
}

// Conn is the realtime surface the timeline needs.
type Conn interface {
	Subscribe() (<-chan realtime.Event, func())
	JoinRoom(chatID string) error
	LeaveRoom(chatID string) error
	Emit(name string, payload interface{}) error
}

type Options struct {
	// PollInterval is the degraded-mode polling cadence.
	PollInterval time.Duration
	// TypingTTL is how long a typing signal stays visible without renewal.
	TypingTTL time.Duration
	// OnChange fires after every visible change, the typing flag dropping off
	// its TTL included.
	OnChange func()
	// OnTic fires when a tic arrives, for the local sound/visual effect.
	OnTic func()
}

type Timeline struct {
	chatID string
	selfID string
	api    API
	conn   Conn
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	msgs        []chat.Message
	seen        map[string]bool
	seeded      bool
	pending     []chat.Message // live arrivals racing the history fetch
	typingName  string
	typingUntil time.Time
	typingTimer *time.Timer
	ticSeq      int
	pollCancel  context.CancelFunc

	unsubscribe func()
	closeOnce   sync.Once
}

// Open joins the conversation's room, seeds the list from the history
// endpoint and starts consuming live events. Messages arriving over the
// socket while the fetch is still in flight are kept and merged; an id seen
// on both paths shows up exactly once.
func Open(ctx context.Context, chatID, selfID string, api API, conn Conn, opts Options) (*Timeline, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.TypingTTL <= 0 {
		opts.TypingTTL = typingTTL
	}
	tctx, cancel := context.WithCancel(context.Background())
	t := &Timeline{
		chatID: chatID,
		selfID: selfID,
		api:    api,
		conn:   conn,
		opts:   opts,
		ctx:    tctx,
		cancel: cancel,
		seen:   map[string]bool{},
	}

	events, unsubscribe := conn.Subscribe()
	t.unsubscribe = unsubscribe
	if err := conn.JoinRoom(chatID); err != nil && err != realtime.ErrNotConnected {
		unsubscribe()
		cancel()
		return nil, err
	}
	go t.loop(events)

	history, err := api.Messages(ctx, chatID)
	if err != nil {
		t.Close()
		return nil, err
	}
	t.seed(history)
	return t, nil
}

// Messages returns a copy of the current list, in arrival order.
func (t *Timeline) Messages() []chat.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]chat.Message, len(t.msgs))
	copy(out, t.msgs)
	return out
}

// Send submits a text message over REST. The authoritative copy arrives via
// the realtime channel (or the next poll), so nothing is inserted locally.
func (t *Timeline) Send(ctx context.Context, text string) error {
	_, err := t.api.SendMessage(ctx, t.chatID, text)
	return err
}

// SendTic emits a nudge to the room.
func (t *Timeline) SendTic() error {
	return t.conn.Emit(realtime.EventTic, realtime.TicSignal{ChatID: t.chatID, From: t.selfID})
}

// SendTyping announces that the local user is composing.
func (t *Timeline) SendTyping(displayName string) error {
	return t.conn.Emit(realtime.EventTyping, realtime.TypingSignal{ChatID: t.chatID, Name: displayName})
}

// Typing reports who is typing in this conversation, if the signal is still
// fresh.
func (t *Timeline) Typing() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if time.Now().Before(t.typingUntil) {
		return t.typingName, true
	}
	return "", false
}

// Polling reports whether the degraded polling fallback is active.
func (t *Timeline) Polling() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pollCancel != nil
}

// Close leaves the room, detaches from the event stream and cancels any
// in-flight polling. The timeline stops changing after Close returns, so a
// conversation switch cannot bleed messages into the wrong view.
func (t *Timeline) Close() {
	t.closeOnce.Do(func() {
		t.cancel()
		t.mu.Lock()
		if t.typingTimer != nil {
			t.typingTimer.Stop()
		}
		t.mu.Unlock()
		t.unsubscribe()
		if err := t.conn.LeaveRoom(t.chatID); err != nil && err != realtime.ErrNotConnected {
			log.Debugf("leave %s: %s", t.chatID, err)
		}
	})
}

func (t *Timeline) loop(events <-chan realtime.Event) {
	for {
		select {
		case <-t.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			t.handle(ev)
		}
	}
}

func (t *Timeline) handle(ev realtime.Event) {
	switch ev.Name {
	case realtime.EventMessage:
		msg, err := chat.DecodeMessage(ev.Data)
		if err != nil {
			log.Debugf("dropping malformed realtime message: %s", err)
			return
		}
		if msg.ChatID != "" && msg.ChatID != t.chatID {
			return
		}
		t.append(msg)
	case realtime.EventTic:
		var sig realtime.TicSignal
		if err := json.Unmarshal(ev.Data, &sig); err != nil || (sig.ChatID != "" && sig.ChatID != t.chatID) {
			return
		}
		t.appendTic(sig.From)
		if t.opts.OnTic != nil {
			t.opts.OnTic()
		}
	case realtime.EventTyping:
		var sig realtime.TypingSignal
		if err := json.Unmarshal(ev.Data, &sig); err != nil || sig.ChatID != t.chatID {
			return
		}
		t.mu.Lock()
		t.typingName = sig.Name
		t.typingUntil = time.Now().Add(t.opts.TypingTTL)
		if t.typingTimer != nil {
			t.typingTimer.Stop()
		}
		// Push the flag dropping off, so a renderer driven purely by the
		// change callback never shows a stale "typing".
		t.typingTimer = time.AfterFunc(t.opts.TypingTTL, func() {
			if t.ctx.Err() != nil {
				return
			}
			t.changed()
		})
		t.mu.Unlock()
		t.changed()
	case realtime.EventConnectError:
		t.startPolling()
	case realtime.EventConnect:
		// Realtime is primary again; the room rejoin already happened on the
		// connection itself.
		t.stopPolling()
	}
}

// seed installs the fetched history and then replays any live messages that
// arrived during the fetch, skipping ids the history already contains.
func (t *Timeline) seed(history []chat.Message) {
	t.mu.Lock()
	t.msgs = nil
	t.seen = map[string]bool{}
	for _, msg := range history {
		if msg.ID != "" && t.seen[msg.ID] {
			continue
		}
		t.msgs = append(t.msgs, msg)
		if msg.ID != "" {
			t.seen[msg.ID] = true
		}
	}
	pending := t.pending
	t.pending = nil
	t.seeded = true
	for _, msg := range pending {
		t.appendLocked(msg)
	}
	t.mu.Unlock()
	t.changed()
}

func (t *Timeline) append(msg chat.Message) {
	t.mu.Lock()
	if !t.seeded {
		t.pending = append(t.pending, msg)
		t.mu.Unlock()
		return
	}
	added := t.appendLocked(msg)
	t.mu.Unlock()
	if added {
		t.changed()
	}
}

func (t *Timeline) appendLocked(msg chat.Message) bool {
	if msg.ID != "" {
		if t.seen[msg.ID] {
			return false
		}
		t.seen[msg.ID] = true
	}
	t.msgs = append(t.msgs, msg)
	return true
}

// appendTic adds a transient entry with a local id; tics are never persisted
// so there is no durable id to dedup on.
func (t *Timeline) appendTic(from string) {
	t.mu.Lock()
	t.ticSeq++
	t.msgs = append(t.msgs, chat.Message{
		ID:        fmt.Sprintf("tic-local-%d", t.ticSeq),
		ChatID:    t.chatID,
		SenderID:  from,
		Kind:      chat.KindTic,
		CreatedAt: time.Now(),
	})
	t.mu.Unlock()
	t.changed()
}

func (t *Timeline) startPolling() {
	t.mu.Lock()
	if t.pollCancel != nil {
		t.mu.Unlock()
		return
	}
	pctx, cancel := context.WithCancel(t.ctx)
	t.pollCancel = cancel
	t.mu.Unlock()

	log.Infof("realtime degraded, polling %s every %s", t.chatID, t.opts.PollInterval)
	go t.poll(pctx)
}

func (t *Timeline) stopPolling() {
	t.mu.Lock()
	cancel := t.pollCancel
	t.pollCancel = nil
	t.mu.Unlock()
	if cancel != nil {
		log.Infof("realtime recovered, polling for %s cancelled", t.chatID)
		cancel()
	}
}

// poll refetches the history page on a fixed cadence and replaces the local
// list with each response, until cancelled.
func (t *Timeline) poll(ctx context.Context) {
	ticker := time.NewTicker(t.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		page, err := t.api.Messages(ctx, t.chatID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Debugf("poll %s: %s", t.chatID, err)
			continue
		}
		t.seed(page)
	}
}

func (t *Timeline) changed() {
	if t.opts.OnChange != nil {
		t.opts.OnChange()
	}
}
