package stub

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/magic2k/magichat/internal/realtime"
)

// fakeConn satisfies connLike without a live socket.
type fakeConn struct{}

func (fakeConn) ReadMessage() (int, []byte, error) { return 0, nil, errors.New("not used") }
func (fakeConn) WriteMessage(int, []byte) error    { return nil }
func (fakeConn) Close() error                      { return nil }

func newClient() *wsClient {
	return &wsClient{conn: fakeConn{}, send: make(chan []byte, 16)}
}

func drainEvents(t *testing.T, c *wsClient) []realtime.Event {
	t.Helper()
	var out []realtime.Event
	for {
		select {
		case data := <-c.send:
			var ev realtime.Event
			if err := json.Unmarshal(data, &ev); err != nil {
				t.Fatalf("bad frame %s: %v", data, err)
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestIdentifySendsSnapshotAndAnnounces(t *testing.T) {
	h := newHub()
	a, b := newClient(), newClient()
	h.register(a)
	h.register(b)
	h.identify(a, "u1")
	drainEvents(t, a)
	drainEvents(t, b)

	h.identify(b, "u2")

	bEvents := drainEvents(t, b)
	if len(bEvents) != 1 || bEvents[0].Name != realtime.EventOnlineUsers {
		t.Fatalf("b events = %+v", bEvents)
	}
	var ids []string
	if err := json.Unmarshal(bEvents[0].Data, &ids); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(ids, []string{"u1", "u2"}) {
		t.Errorf("snapshot = %v", ids)
	}

	aEvents := drainEvents(t, a)
	if len(aEvents) != 1 || aEvents[0].Name != realtime.EventUserOnline {
		t.Fatalf("a events = %+v", aEvents)
	}
	if got := realtime.DecodeUserID(aEvents[0].Data); got != "u2" {
		t.Errorf("announced = %q", got)
	}
}

func TestSecondSocketSameUserIsSilent(t *testing.T) {
	h := newHub()
	a, b, a2 := newClient(), newClient(), newClient()
	h.register(a)
	h.register(b)
	h.identify(a, "u1")
	h.identify(b, "u2")
	drainEvents(t, a)
	drainEvents(t, b)

	// u1 opens a second tab; nobody is told they came online again.
	h.register(a2)
	h.identify(a2, "u1")
	if events := drainEvents(t, b); len(events) != 0 {
		t.Errorf("b saw %+v", events)
	}

	// Closing one of two sockets is not going offline either.
	h.unregister(a2)
	if events := drainEvents(t, b); len(events) != 0 {
		t.Errorf("b saw %+v after partial disconnect", events)
	}

	h.unregister(a)
	events := drainEvents(t, b)
	if len(events) != 1 || events[0].Name != realtime.EventUserOffline {
		t.Fatalf("b saw %+v after full disconnect", events)
	}
	if got := realtime.DecodeUserID(events[0].Data); got != "u1" {
		t.Errorf("offline user = %q", got)
	}
}

func TestRoomDelivery(t *testing.T) {
	h := newHub()
	a, b, c := newClient(), newClient(), newClient()
	for _, cl := range []*wsClient{a, b, c} {
		h.register(cl)
	}
	h.join(a, "room")
	h.join(b, "room")

	h.emitToRoom("room", realtime.EventTic, realtime.TicSignal{ChatID: "room"})
	if events := drainEvents(t, a); len(events) != 1 {
		t.Errorf("sender-side delivery missing: %+v", events)
	}
	if events := drainEvents(t, b); len(events) != 1 {
		t.Errorf("peer delivery missing: %+v", events)
	}
	if events := drainEvents(t, c); len(events) != 0 {
		t.Errorf("non-member got %+v", events)
	}

	h.emitToRoomExcept(a, "room", realtime.EventTyping, realtime.TypingSignal{ChatID: "room"})
	if events := drainEvents(t, a); len(events) != 0 {
		t.Errorf("sender got its own typing back: %+v", events)
	}
	if events := drainEvents(t, b); len(events) != 1 {
		t.Errorf("peer missed typing: %+v", events)
	}

	h.leave(b, "room")
	h.emitToRoom("room", realtime.EventTic, realtime.TicSignal{ChatID: "room"})
	if events := drainEvents(t, b); len(events) != 0 {
		t.Errorf("left member got %+v", events)
	}
}

func TestUnregisterTwiceIsSafe(t *testing.T) {
	h := newHub()
	a := newClient()
	h.register(a)
	h.identify(a, "u1")
	h.unregister(a)
	h.unregister(a) // double close would panic here if unguarded
}
