package reconcile

import (
	"testing"
	"time"

	"chatstream/pkg/feed"
	"chatstream/pkg/models"
)

func mkMsg(id string, at int64) models.Message {
	return models.Message{
		ID:          id,
		SenderID:    "alice",
		RecipientID: "bob",
		Body:        "body-" + id,
		Kind:        models.KindText,
		CreatedAt:   at,
	}
}

func ids(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func expectOrder(t *testing.T, r *Reconciler, want ...string) {
	t.Helper()
	got := ids(r.Messages())
	if len(got) != len(want) {
		t.Fatalf("expected %d messages %v, got %v", len(want), want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func TestBufferThenReplay(t *testing.T) {
	r := New("alice", "bob")

	// events land while the snapshot fetch is in flight
	r.Apply(feed.Insert(mkMsg("m3", 30)))
	r.Apply(feed.Update(models.Message{ID: "m1", Body: "edited", Edited: true}))
	r.Apply(feed.Delete("m2"))

	if r.Ready() || r.Len() != 0 {
		t.Fatalf("events before the snapshot must be buffered, len=%d", r.Len())
	}

	r.ApplySnapshot([]models.Message{mkMsg("m1", 10), mkMsg("m2", 20)})

	if !r.Ready() {
		t.Fatalf("snapshot should mark the reconciler ready")
	}
	expectOrder(t, r, "m1", "m3")
	m1, _ := r.Get("m1")
	if m1.Body != "edited" || !m1.Edited {
		t.Fatalf("buffered update not replayed: %+v", m1)
	}
}

func TestInsertIsIdempotent(t *testing.T) {
	r := New("alice", "bob")
	r.ApplySnapshot(nil)

	m := mkMsg("m1", 10)
	r.Apply(feed.Insert(m))
	r.Apply(feed.Insert(m))
	r.Apply(feed.Insert(m))

	if r.Len() != 1 {
		t.Fatalf("duplicate inserts must not duplicate the message, len=%d", r.Len())
	}
}

func TestInsertKeepsCreatedAtOrder(t *testing.T) {
	r := New("alice", "bob")
	r.ApplySnapshot(nil)

	r.Apply(feed.Insert(mkMsg("m3", 30)))
	r.Apply(feed.Insert(mkMsg("m1", 10)))
	r.Apply(feed.Insert(mkMsg("m2", 20)))

	expectOrder(t, r, "m1", "m2", "m3")
}

func TestEqualTimestampsBreakTiesByID(t *testing.T) {
	r := New("alice", "bob")
	r.ApplySnapshot(nil)

	r.Apply(feed.Insert(mkMsg("mb", 10)))
	r.Apply(feed.Insert(mkMsg("ma", 10)))

	expectOrder(t, r, "ma", "mb")
}

func TestConvergenceUnderInterleavingAndDuplication(t *testing.T) {
	snapshot := []models.Message{mkMsg("m1", 10), mkMsg("m2", 20)}
	events := []feed.Event{
		feed.Insert(mkMsg("m3", 30)),
		feed.Update(models.Message{ID: "m2", Body: "patched", Edited: true}),
		feed.Delete("m1"),
	}

	// replay with every event duplicated and the snapshot applied at
	// different points in the stream; the final view must be identical
	for cut := 0; cut <= len(events); cut++ {
		r := New("alice", "bob")
		for i, ev := range events {
			if i == cut {
				r.ApplySnapshot(snapshot)
			}
			r.Apply(ev)
			r.Apply(ev)
		}
		if cut == len(events) {
			r.ApplySnapshot(snapshot)
		}

		expectOrder(t, r, "m2", "m3")
		m2, _ := r.Get("m2")
		if m2.Body != "patched" || !m2.Edited {
			t.Fatalf("cut=%d: update lost: %+v", cut, m2)
		}
	}
}

func TestUpdateForUnknownMessageIsDropped(t *testing.T) {
	r := New("alice", "bob")
	r.ApplySnapshot(nil)

	r.Apply(feed.Update(models.Message{ID: "ghost", Body: "boo"}))
	if r.Len() != 0 {
		t.Fatalf("update for unknown id must not create a message")
	}
}

func TestMergeNeverClearsMonotonicFlags(t *testing.T) {
	r := New("alice", "bob")
	m := mkMsg("m1", 10)
	m.Edited = true
	m.Deleted = true
	m.ReadByRecipient = true
	r.ApplySnapshot([]models.Message{m})

	// a stale update with all flags false must not clear any of them
	r.Apply(feed.Update(models.Message{ID: "m1", Body: "later"}))

	got, _ := r.Get("m1")
	if !got.Edited || !got.Deleted || !got.ReadByRecipient {
		t.Fatalf("monotonic flags cleared by merge: %+v", got)
	}
	if got.Body != "later" {
		t.Fatalf("body not merged: %q", got.Body)
	}
}

func TestUpdateAfterDeleteStaysDeleted(t *testing.T) {
	r := New("alice", "bob")
	r.ApplySnapshot([]models.Message{mkMsg("m1", 10)})

	r.Apply(feed.Update(models.Message{ID: "m1", Deleted: true}))
	r.Apply(feed.Update(models.Message{ID: "m1", Body: "resurrected", Edited: true}))

	got, _ := r.Get("m1")
	if !got.Deleted {
		t.Fatalf("delete flag must survive later updates: %+v", got)
	}
}

func TestHardDeleteRemovesMessage(t *testing.T) {
	r := New("alice", "bob")
	r.ApplySnapshot([]models.Message{mkMsg("m1", 10), mkMsg("m2", 20)})

	r.Apply(feed.Delete("m1"))
	r.Apply(feed.Delete("m1"))
	r.Apply(feed.Delete("ghost"))

	expectOrder(t, r, "m2")
}

func TestInsertForOtherConversationIgnored(t *testing.T) {
	r := New("alice", "bob")
	r.ApplySnapshot(nil)

	stray := mkMsg("m1", 10)
	stray.RecipientID = "carol"
	r.Apply(feed.Insert(stray))

	if r.Len() != 0 {
		t.Fatalf("message for another conversation must be ignored")
	}
}

func TestOptimisticSendConfirmedByInsert(t *testing.T) {
	r := New("alice", "bob")
	r.ApplySnapshot(nil)

	local := mkMsg("m1", 10)
	r.AddOptimistic(local, time.Now().Add(time.Minute))

	confirmed := local
	confirmed.UpdatedAt = 11
	r.Apply(feed.Insert(confirmed))

	if r.Len() != 1 {
		t.Fatalf("confirming insert must dedupe against the optimistic entry, len=%d", r.Len())
	}
	if got := r.ExpireOptimistic(time.Now().Add(2 * time.Minute)); len(got) != 0 {
		t.Fatalf("confirmed send must not expire: %v", got)
	}
	if r.Unconfirmed("m1") {
		t.Fatalf("confirmed send flagged unconfirmed")
	}
}

func TestOptimisticSendExpiresToUnconfirmed(t *testing.T) {
	r := New("alice", "bob")
	r.ApplySnapshot(nil)

	r.AddOptimistic(mkMsg("m1", 10), time.Now().Add(-time.Second))

	expired := r.ExpireOptimistic(time.Now())
	if len(expired) != 1 || expired[0] != "m1" {
		t.Fatalf("expected m1 to expire, got %v", expired)
	}
	if !r.Unconfirmed("m1") {
		t.Fatalf("expired send should be flagged unconfirmed")
	}
	if r.Len() != 1 {
		t.Fatalf("unconfirmed send must stay visible")
	}

	// the confirmation may still arrive afterwards
	r.Apply(feed.Insert(mkMsg("m1", 10)))
	if r.Unconfirmed("m1") {
		t.Fatalf("late confirmation must clear the unconfirmed flag")
	}
}

func TestResyncPreservesOptimisticEntries(t *testing.T) {
	r := New("alice", "bob")
	r.ApplySnapshot([]models.Message{mkMsg("m1", 10)})
	r.AddOptimistic(mkMsg("m2", 20), time.Now().Add(time.Minute))

	r.BeginResync()
	if r.Ready() {
		t.Fatalf("resync should return to buffering mode")
	}
	r.Apply(feed.Insert(mkMsg("m3", 30)))

	// fresh snapshot does not yet contain the optimistic send
	r.ApplySnapshot([]models.Message{mkMsg("m1", 10)})

	expectOrder(t, r, "m1", "m2", "m3")
	if r.Unconfirmed("m2") {
		t.Fatalf("pending send wrongly flagged during resync")
	}
}

func TestResyncSnapshotConfirmsOptimisticEntry(t *testing.T) {
	r := New("alice", "bob")
	r.ApplySnapshot(nil)
	r.AddOptimistic(mkMsg("m1", 10), time.Now().Add(time.Minute))

	r.BeginResync()
	r.ApplySnapshot([]models.Message{mkMsg("m1", 10)})

	if got := r.ExpireOptimistic(time.Now().Add(2 * time.Minute)); len(got) != 0 {
		t.Fatalf("snapshot containing the send must confirm it: %v", got)
	}
	expectOrder(t, r, "m1")
}

func TestUnreadFromPeer(t *testing.T) {
	r := New("bob", "alice")
	read := mkMsg("m1", 10)
	read.ReadByRecipient = true
	r.ApplySnapshot([]models.Message{read, mkMsg("m2", 20), mkMsg("m3", 30)})

	unread := r.UnreadFromPeer()
	if len(unread) != 2 || unread[0].ID != "m2" || unread[1].ID != "m3" {
		t.Fatalf("unexpected unread set: %v", ids(unread))
	}
}

func TestPresenceEventsIgnored(t *testing.T) {
	r := New("alice", "bob")
	r.ApplySnapshot(nil)
	r.Apply(feed.PresenceChange(models.Presence{UserID: "bob", Online: true}))
	if r.Len() != 0 {
		t.Fatalf("presence events must not touch the message view")
	}
}
