package presence

import (
	"testing"

	"chatstream/pkg/models"
)

func TestOnlineOfflineTransitions(t *testing.T) {
	var events []models.Presence
	r := NewRegistry(func(p models.Presence) { events = append(events, p) })

	r.Connect("alice")
	if !r.Get("alice").Online {
		t.Fatalf("alice should be online")
	}
	if len(events) != 1 || !events[0].Online {
		t.Fatalf("expected one online event, got %+v", events)
	}

	// a second tab does not re-announce
	r.Connect("alice")
	if len(events) != 1 {
		t.Fatalf("second connection must not notify, got %+v", events)
	}

	r.Disconnect("alice")
	if !r.Get("alice").Online {
		t.Fatalf("alice still has a live connection")
	}
	r.Disconnect("alice")
	p := r.Get("alice")
	if p.Online || p.LastSeen == 0 {
		t.Fatalf("alice should be offline with last seen set: %+v", p)
	}
	if len(events) != 2 || events[1].Online {
		t.Fatalf("expected offline event, got %+v", events)
	}
}

func TestDisconnectWithoutConnect(t *testing.T) {
	r := NewRegistry(nil)
	r.Disconnect("ghost")
	if r.Get("ghost").Online {
		t.Fatalf("ghost should not be online")
	}
}

func TestOnlineList(t *testing.T) {
	r := NewRegistry(nil)
	r.Connect("alice")
	r.Connect("bob")
	r.Connect("bob")
	got := r.Online()
	if len(got) != 2 {
		t.Fatalf("expected 2 online users, got %v", got)
	}
}
