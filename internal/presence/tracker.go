// Package presence tracks which users are online, fed by the realtime
// snapshot and incremental events.
package presence

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/op/go-logging"

	"github.com/magic2k/magichat/internal/realtime"
)

var log = logging.MustGetLogger("presence")

type Tracker struct {
	mu     sync.RWMutex
	online map[string]bool
}

func NewTracker() *Tracker {
	return &Tracker{online: map[string]bool{}}
}

// Run consumes a realtime subscription until the channel closes.
func (t *Tracker) Run(events <-chan realtime.Event) {
	for ev := range events {
		t.Handle(ev)
	}
}

// Handle applies one event. Adds and removes are idempotent; the snapshot
// replaces the set wholesale; a reconnect clears it so nothing stale from the
// previous connection survives until the fresh snapshot lands.
func (t *Tracker) Handle(ev realtime.Event) {
	switch ev.Name {
	case realtime.EventOnlineUsers:
		var ids []string
		if err := json.Unmarshal(ev.Data, &ids); err != nil {
			log.Warningf("bad online_users payload: %s", err)
			return
		}
		t.replace(ids)
	case realtime.EventUserOnline:
		if id := realtime.DecodeUserID(ev.Data); id != "" {
			t.set(id, true)
		}
	case realtime.EventUserOffline:
		if id := realtime.DecodeUserID(ev.Data); id != "" {
			t.set(id, false)
		}
	case realtime.EventConnect, realtime.EventConnectError:
		t.replace(nil)
	}
}

func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.online[userID]
}

// Online returns the online user ids, sorted.
func (t *Tracker) Online() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.online))
	for id := range t.online {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (t *Tracker) replace(ids []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.online = make(map[string]bool, len(ids))
	for _, id := range ids {
		t.online[id] = true
	}
}

func (t *Tracker) set(id string, on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if on {
		t.online[id] = true
	} else {
		delete(t.online, id)
	}
}
