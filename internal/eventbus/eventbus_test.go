package eventbus

import (
	"reflect"
	"sync"
	"testing"

	"github.com/MarcosBrendonDePaula/fluxlive/internal/protocol"
)

type recordingSender struct {
	mu   sync.Mutex
	sent map[string][]*protocol.Event
}

func newRecordingSender() *recordingSender {
	return &recordingSender{sent: make(map[string][]*protocol.Event)}
}

func (r *recordingSender) SendUpdates(connectionID string, updates ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range updates {
		if ev, ok := u.(*protocol.Event); ok {
			r.sent[connectionID] = append(r.sent[connectionID], ev)
		}
	}
}

type staticSubscribers map[string][]string

func (s staticSubscribers) Subscribers(instanceID string) []string {
	return s[instanceID]
}

func TestPublishSelfScope(t *testing.T) {
	sender := newRecordingSender()
	bus := New(sender)
	bus.BindSubscribers(staticSubscribers{})

	bus.Publish(Emission{
		Scope: protocol.ScopeSelf, Name: "done", Data: "x",
		FromInstanceID: "inst-1", OriginConn: "conn-a", RequestID: "r1",
	})

	if len(sender.sent["conn-a"]) != 1 {
		t.Fatalf("expected 1 event on origin, got %+v", sender.sent)
	}
	ev := sender.sent["conn-a"][0]
	if ev.Name != "done" || ev.Scope != protocol.ScopeSelf || ev.RequestID != "r1" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("self scope leaked to other connections: %+v", sender.sent)
	}
}

func TestPublishSelfWithoutOriginDropped(t *testing.T) {
	sender := newRecordingSender()
	bus := New(sender)
	bus.Publish(Emission{Scope: protocol.ScopeSelf, Name: "done", FromInstanceID: "inst-1"})
	if len(sender.sent) != 0 {
		t.Fatalf("originless self event must be dropped: %+v", sender.sent)
	}
}

func TestPublishBroadcastScope(t *testing.T) {
	sender := newRecordingSender()
	bus := New(sender)
	bus.BindSubscribers(staticSubscribers{"inst-1": {"conn-a", "conn-b"}})

	bus.Publish(Emission{
		Scope: protocol.ScopeBroadcast, Name: "tick",
		FromInstanceID: "inst-1", OriginConn: "conn-a",
	})

	for _, conn := range []string{"conn-a", "conn-b"} {
		if len(sender.sent[conn]) != 1 {
			t.Fatalf("%s missed the broadcast: %+v", conn, sender.sent)
		}
	}
}

func TestPublishRoomScopeDedups(t *testing.T) {
	sender := newRecordingSender()
	bus := New(sender)
	// conn-b subscribes to both instances in the room.
	bus.BindSubscribers(staticSubscribers{
		"inst-1": {"conn-a", "conn-b"},
		"inst-2": {"conn-b", "conn-c"},
	})
	bus.Join("lobby", "inst-1")
	bus.Join("lobby", "inst-2")

	bus.Publish(Emission{
		Scope: protocol.ScopeRoom, Room: "lobby", Name: "chat:message",
		FromInstanceID: "inst-1", OriginConn: "conn-a",
	})

	for _, conn := range []string{"conn-a", "conn-b", "conn-c"} {
		if len(sender.sent[conn]) != 1 {
			t.Fatalf("%s got %d events, want exactly 1: %+v", conn, len(sender.sent[conn]), sender.sent)
		}
	}
}

func TestLeaveStopsRoomDelivery(t *testing.T) {
	sender := newRecordingSender()
	bus := New(sender)
	bus.BindSubscribers(staticSubscribers{"inst-1": {"conn-a"}, "inst-2": {"conn-b"}})
	bus.Join("lobby", "inst-1")
	bus.Join("lobby", "inst-2")
	bus.Leave("lobby", "inst-2")

	bus.Publish(Emission{Scope: protocol.ScopeRoom, Room: "lobby", Name: "n", FromInstanceID: "inst-1"})
	if len(sender.sent["conn-b"]) != 0 {
		t.Fatalf("left instance still receives room events: %+v", sender.sent)
	}
}

func TestDropInstanceClearsAllRooms(t *testing.T) {
	sender := newRecordingSender()
	bus := New(sender)
	bus.Join("red", "inst-1")
	bus.Join("blue", "inst-1")
	if got := bus.Rooms("inst-1"); !reflect.DeepEqual(got, []string{"blue", "red"}) {
		t.Fatalf("rooms: %v", got)
	}

	bus.DropInstance("inst-1")
	if got := bus.Rooms("inst-1"); len(got) != 0 {
		t.Fatalf("rooms after drop: %v", got)
	}
}

func TestUnknownScopeDropped(t *testing.T) {
	sender := newRecordingSender()
	bus := New(sender)
	bus.Publish(Emission{Scope: "multicast", Name: "n", FromInstanceID: "inst-1", OriginConn: "conn-a"})
	if len(sender.sent) != 0 {
		t.Fatalf("unknown scope must not deliver: %+v", sender.sent)
	}
}
