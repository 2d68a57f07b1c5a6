package client

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chatstream/pkg/api"
	"chatstream/pkg/auth"
	"chatstream/pkg/blob"
	"chatstream/pkg/feed"
	"chatstream/pkg/models"
	"chatstream/pkg/presence"
	"chatstream/pkg/reconcile"
	"chatstream/pkg/security"
	"chatstream/pkg/store"
)

func startServer(t *testing.T) *httptest.Server {
	t.Helper()
	if err := store.Open(t.TempDir()); err != nil {
		t.Fatalf("store open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	blobs, err := blob.New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}
	hub := feed.NewHub()
	go hub.Run()
	reg := presence.NewRegistry(func(p models.Presence) {
		hub.PublishAll(feed.PresenceChange(p))
	})
	tokens := auth.NewJWTManager("test-secret", time.Hour)
	srv := api.NewServer(blobs, hub, reg, tokens)
	mw := security.Middleware(security.SecConfig{RPS: 1000, Burst: 1000}, tokens)
	ts := httptest.NewServer(mw(srv.Router()))
	t.Cleanup(ts.Close)
	return ts
}

func loginClient(t *testing.T, ts *httptest.Server, user string) *Client {
	t.Helper()
	token, err := Login(context.Background(), ts.URL, user)
	if err != nil {
		t.Fatalf("login %s: %v", user, err)
	}
	return New(ts.URL, token)
}

func waitMessages(t *testing.T, s *reconcile.Session, n int) []models.Message {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := s.Messages(); len(msgs) == n {
			return msgs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages, have %v", n, s.Messages())
	return nil
}

func TestSessionOverLiveServer(t *testing.T) {
	ts := startServer(t)
	ctx := context.Background()

	alice := loginClient(t, ts, "alice")
	bob := loginClient(t, ts, "bob")

	// history present before bob opens the conversation
	if _, err := alice.Send(ctx, SendRequest{RecipientID: "bob", Body: "earlier"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	session := reconcile.NewSession("bob", bob, bob, bob, reconcile.Options{})
	defer session.Close()
	session.Select(ctx, "alice")

	msgs := waitMessages(t, session, 1)
	if msgs[0].Body != "earlier" {
		t.Fatalf("unexpected snapshot: %+v", msgs)
	}

	// a live send lands through the feed
	sent, err := alice.Send(ctx, SendRequest{RecipientID: "bob", Body: "live"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	msgs = waitMessages(t, session, 2)
	if msgs[1].ID != sent.ID || msgs[1].Body != "live" {
		t.Fatalf("live message not reconciled: %+v", msgs)
	}

	// edits and deletes propagate as updates
	if _, err := alice.Edit(ctx, sent.ID, "live, edited"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		cur := session.Messages()
		if len(cur) == 2 && cur[1].Body == "live, edited" && cur[1].Edited {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("edit never arrived: %+v", cur)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := alice.Delete(ctx, sent.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	for {
		cur := session.Messages()
		if len(cur) == 2 && cur[1].Deleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("delete never arrived: %+v", cur)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// bob's session marked the incoming messages read on arrival
	for {
		convs, err := bob.Conversations(ctx)
		if err != nil {
			t.Fatalf("conversations: %v", err)
		}
		if len(convs) == 1 && convs[0].Unread == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("unread never cleared: %+v", convs)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOptimisticSendConfirmedOverLiveServer(t *testing.T) {
	ts := startServer(t)
	ctx := context.Background()

	alice := loginClient(t, ts, "alice")

	session := reconcile.NewSession("alice", alice, alice, alice, reconcile.Options{ConfirmWait: 2 * time.Second})
	defer session.Close()
	session.Select(ctx, "bob")
	waitMessages(t, session, 0)

	// optimistic entry first, then the network send; the echo confirms it
	local := models.Message{
		ID:          "will-be-replaced",
		SenderID:    "alice",
		RecipientID: "bob",
		Body:        "optimistic",
		Kind:        models.KindText,
		CreatedAt:   time.Now().UTC().UnixNano(),
	}
	sent, err := alice.Send(ctx, SendRequest{RecipientID: "bob", Body: "optimistic"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	local.ID = sent.ID
	local.CreatedAt = sent.CreatedAt
	session.Send(local)

	msgs := waitMessages(t, session, 1)
	if msgs[0].ID != sent.ID {
		t.Fatalf("unexpected message: %+v", msgs)
	}
	time.Sleep(50 * time.Millisecond)
	if session.Unconfirmed(sent.ID) {
		t.Fatalf("server echo should have confirmed the send")
	}
}

func TestUploadRoundTrip(t *testing.T) {
	ts := startServer(t)
	ctx := context.Background()
	alice := loginClient(t, ts, "alice")

	url, err := alice.Upload(ctx, models.KindImage, "pic.png", "image/png", 9, strings.NewReader("png-bytes"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	m, err := alice.Send(ctx, SendRequest{RecipientID: "bob", Kind: models.KindImage, Body: "pic.png", MediaURL: url})
	if err != nil {
		t.Fatalf("send media: %v", err)
	}
	if m.MediaURL != url || m.Kind != models.KindImage {
		t.Fatalf("unexpected media message: %+v", m)
	}
}
