// Package roster maintains the conversation list: previews, unread counters,
// typing flags, and chat creation against the backend.
package roster

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/op/go-logging"

	"github.com/magic2k/magichat/internal/chat"
	"github.com/magic2k/magichat/internal/realtime"
)

var log = logging.MustGetLogger("roster")

const typingTTL = 2 * time.Second

// API is the REST surface the roster needs.
type API interface {
	Chats(ctx context.Context) ([]chat.Conversation, error)
	CreateChat(ctx context.Context, idOne, idTwo string) (*chat.Conversation, error)
	MarkRead(ctx context.Context, chatID string) error
	SearchUsers(ctx context.Context, query string) ([]chat.User, error)
}

// Entry is one conversation with its local view state.
type Entry struct {
	ID          string
	Other       chat.User
	LastBody    string
	LastAt      time.Time
	Unread      int
	TypingName  string
	TypingUntil time.Time
}

// Typing reports whether the other side is still composing.
func (e *Entry) Typing() bool {
	return time.Now().Before(e.TypingUntil)
}

type Roster struct {
	api       API
	selfID    string
	selfEmail string
	onChange  func()

	mu      sync.Mutex
	entries map[string]*Entry
	focused string // conversation currently on screen; its unread never grows
}

func New(api API, selfID, selfEmail string, onChange func()) *Roster {
	return &Roster{
		api:       api,
		selfID:    selfID,
		selfEmail: selfEmail,
		onChange:  onChange,
		entries:   map[string]*Entry{},
	}
}

// Load fetches the conversation list and resolves the other participant of
// each thread by excluding the current user.
func (r *Roster) Load(ctx context.Context) error {
	convs, err := r.api.Chats(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.entries = make(map[string]*Entry, len(convs))
	for _, conv := range convs {
		entry := &Entry{
			ID:       conv.ID,
			LastBody: conv.LastMessage,
			LastAt:   conv.LastMessageAt,
			Unread:   conv.Unread,
		}
		if other := conv.Other(r.selfID, r.selfEmail); other != nil {
			entry.Other = *other
		}
		r.entries[conv.ID] = entry
	}
	r.mu.Unlock()
	r.changed()
	return nil
}

// Entries returns the roster ordered by most recent activity.
func (r *Roster) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastAt.Equal(out[j].LastAt) {
			return out[i].LastAt.After(out[j].LastAt)
		}
		return out[i].Other.DisplayName() < out[j].Other.DisplayName()
	})
	return out
}

// Get returns a snapshot of one entry.
func (r *Roster) Get(chatID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[chatID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// FindByUser returns the conversation shared with the given user, if any.
func (r *Roster) FindByUser(userID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.Other.ID == userID {
			return *e, true
		}
	}
	return Entry{}, false
}

// Create opens a conversation with another user. When the backend reports the
// pair already shares one (an answer without an id), the roster reloads and
// resolves the existing entry instead of failing.
func (r *Roster) Create(ctx context.Context, other chat.User) (Entry, error) {
	if entry, ok := r.FindByUser(other.ID); ok {
		return entry, nil
	}
	conv, err := r.api.CreateChat(ctx, r.selfID, other.ID)
	if err != nil {
		return Entry{}, err
	}
	if conv == nil {
		// Already exists server-side but not in our local list yet.
		if err := r.Load(ctx); err != nil {
			return Entry{}, err
		}
		if entry, ok := r.FindByUser(other.ID); ok {
			return entry, nil
		}
		log.Warningf("backend says chat with %s exists but roster does not list it", other.ID)
		return Entry{}, &missingChatError{userID: other.ID}
	}
	entry := Entry{ID: conv.ID, Other: other}
	if resolved := conv.Other(r.selfID, r.selfEmail); resolved != nil {
		entry.Other = *resolved
	}
	r.mu.Lock()
	r.entries[entry.ID] = &entry
	r.mu.Unlock()
	r.changed()
	return entry, nil
}

// MarkRead zeroes the unread counter immediately and tells the server. The
// optimistic reset stands even if the round-trip fails; the next roster load
// reconciles.
func (r *Roster) MarkRead(ctx context.Context, chatID string) {
	r.mu.Lock()
	if e, ok := r.entries[chatID]; ok {
		e.Unread = 0
	}
	r.mu.Unlock()
	r.changed()
	if err := r.api.MarkRead(ctx, chatID); err != nil {
		log.Warningf("mark read %s: %s", chatID, err)
	}
}

// SetFocused marks the conversation currently on screen; new messages there
// do not raise its unread counter. An empty id means none is focused.
func (r *Roster) SetFocused(chatID string) {
	r.mu.Lock()
	r.focused = chatID
	r.mu.Unlock()
}

// SearchContacts looks up users, filtering the current user out. A failed
// query degrades to an empty result; search is not worth an error screen.
func (r *Roster) SearchContacts(ctx context.Context, query string) []chat.User {
	users, err := r.api.SearchUsers(ctx, query)
	if err != nil {
		log.Debugf("user search %q: %s", query, err)
		return nil
	}
	out := users[:0]
	for _, u := range users {
		if u.ID == r.selfID || (u.Email != "" && u.Email == r.selfEmail) {
			continue
		}
		out = append(out, u)
	}
	return out
}

// Run consumes a realtime subscription until the channel closes.
func (r *Roster) Run(events <-chan realtime.Event) {
	for ev := range events {
		r.Handle(ev)
	}
}

// Handle updates previews, unread counters and typing flags from the shared
// event stream.
func (r *Roster) Handle(ev realtime.Event) {
	switch ev.Name {
	case realtime.EventMessage:
		msg, err := chat.DecodeMessage(ev.Data)
		if err != nil || msg.ChatID == "" {
			return
		}
		r.mu.Lock()
		e, ok := r.entries[msg.ChatID]
		if ok {
			e.LastBody = preview(msg)
			e.LastAt = arrivalTime(msg)
			if msg.SenderID != r.selfID && msg.ChatID != r.focused {
				e.Unread++
			}
		}
		r.mu.Unlock()
		if ok {
			r.changed()
		}
	case realtime.EventTyping:
		var sig realtime.TypingSignal
		if err := json.Unmarshal(ev.Data, &sig); err != nil || sig.ChatID == "" {
			return
		}
		r.mu.Lock()
		e, ok := r.entries[sig.ChatID]
		if ok {
			e.TypingName = sig.Name
			e.TypingUntil = time.Now().Add(typingTTL)
		}
		r.mu.Unlock()
		if ok {
			r.changed()
		}
	}
}

func (r *Roster) changed() {
	if r.onChange != nil {
		r.onChange()
	}
}

func preview(msg chat.Message) string {
	switch msg.Kind {
	case chat.KindImage:
		return "[image]"
	case chat.KindAudio:
		return "[audio]"
	case chat.KindTic:
		return "[tic]"
	default:
		return msg.Body
	}
}

func arrivalTime(msg chat.Message) time.Time {
	if !msg.CreatedAt.IsZero() {
		return msg.CreatedAt
	}
	return time.Now()
}

type missingChatError struct {
	userID string
}

func (e *missingChatError) Error() string {
	return "conversation with " + e.userID + " exists but could not be resolved"
}
