package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"chatstream/pkg/auth"
	"chatstream/pkg/blob"
	"chatstream/pkg/feed"
	"chatstream/pkg/models"
	"chatstream/pkg/presence"
	"chatstream/pkg/security"
	"chatstream/pkg/store"
)

func newTestServer(t *testing.T) *httptest.Server {
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

	srv := NewServer(blobs, hub, reg, tokens)
	mw := security.Middleware(security.SecConfig{AllowedOrigins: []string{"*"}, RPS: 1000, Burst: 1000}, tokens)
	ts := httptest.NewServer(mw(srv.Router()))
	t.Cleanup(ts.Close)
	return ts
}

func login(t *testing.T, ts *httptest.Server, user string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"user_id": user})
	resp, err := http.Post(ts.URL+"/v1/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status %d", resp.StatusCode)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("login decode: %v", err)
	}
	return out.Token
}

func doJSON(t *testing.T, method, url, token string, payload any) (*http.Response, []byte) {
	t.Helper()
	var body io.Reader
	if payload != nil {
		b, _ := json.Marshal(payload)
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func TestUnauthorizedWithoutToken(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/v1/conversations", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestMessageLifecycle(t *testing.T) {
	ts := newTestServer(t)
	alice := login(t, ts, "alice")
	bob := login(t, ts, "bob")

	resp, data := doJSON(t, http.MethodPost, ts.URL+"/v1/messages", alice, map[string]string{
		"recipient_id": "bob",
		"body":         "hello bob",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", resp.StatusCode, data)
	}
	var created models.Message
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("decode created: %v", err)
	}
	if created.ID == "" || created.SenderID != "alice" || created.CreatedAt == 0 {
		t.Fatalf("unexpected created message: %+v", created)
	}

	// bob sees the message in his snapshot
	resp, data = doJSON(t, http.MethodGet, ts.URL+"/v1/conversations/alice/messages", bob, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fetch status %d", resp.StatusCode)
	}
	var snap struct {
		Messages []models.Message `json:"messages"`
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snap.Messages) != 1 || snap.Messages[0].Body != "hello bob" {
		t.Fatalf("unexpected snapshot: %+v", snap.Messages)
	}

	// edit by non-sender fails
	resp, _ = doJSON(t, http.MethodPut, ts.URL+"/v1/messages/"+created.ID, bob, map[string]string{"body": "hijack"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-sender edit, got %d", resp.StatusCode)
	}

	// edit by sender succeeds
	resp, data = doJSON(t, http.MethodPut, ts.URL+"/v1/messages/"+created.ID, alice, map[string]string{"body": "hello again"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("edit status %d: %s", resp.StatusCode, data)
	}
	var edited models.Message
	if err := json.Unmarshal(data, &edited); err != nil {
		t.Fatalf("decode edited: %v", err)
	}
	if edited.Body != "hello again" || !edited.Edited {
		t.Fatalf("unexpected edited message: %+v", edited)
	}

	// versions show both revisions
	resp, data = doJSON(t, http.MethodGet, ts.URL+"/v1/messages/"+created.ID+"/versions", alice, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("versions status %d", resp.StatusCode)
	}
	var vers struct {
		Versions []models.Message `json:"versions"`
	}
	if err := json.Unmarshal(data, &vers); err != nil {
		t.Fatalf("decode versions: %v", err)
	}
	if len(vers.Versions) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(vers.Versions))
	}

	// soft delete leaves a tombstone
	resp, data = doJSON(t, http.MethodDelete, ts.URL+"/v1/messages/"+created.ID, alice, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status %d: %s", resp.StatusCode, data)
	}
	var deleted models.Message
	if err := json.Unmarshal(data, &deleted); err != nil {
		t.Fatalf("decode deleted: %v", err)
	}
	if !deleted.Deleted {
		t.Fatalf("message not flagged deleted: %+v", deleted)
	}
}

func TestMarkReadAndConversations(t *testing.T) {
	ts := newTestServer(t)
	alice := login(t, ts, "alice")
	bob := login(t, ts, "bob")

	for i := 0; i < 2; i++ {
		resp, data := doJSON(t, http.MethodPost, ts.URL+"/v1/messages", alice, map[string]string{
			"recipient_id": "bob",
			"body":         fmt.Sprintf("msg %d", i),
		})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("create status %d: %s", resp.StatusCode, data)
		}
	}

	resp, data := doJSON(t, http.MethodGet, ts.URL+"/v1/conversations", bob, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("conversations status %d", resp.StatusCode)
	}
	var convs struct {
		Conversations []models.Conversation `json:"conversations"`
	}
	if err := json.Unmarshal(data, &convs); err != nil {
		t.Fatalf("decode conversations: %v", err)
	}
	if len(convs.Conversations) != 1 || convs.Conversations[0].Unread != 2 {
		t.Fatalf("unexpected conversations: %+v", convs.Conversations)
	}
	if convs.Conversations[0].LastMessage != "msg 1" {
		t.Fatalf("unexpected preview: %q", convs.Conversations[0].LastMessage)
	}

	resp, data = doJSON(t, http.MethodPost, ts.URL+"/v1/conversations/alice/read", bob, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("read status %d", resp.StatusCode)
	}
	var marked struct {
		Updated int `json:"updated"`
	}
	if err := json.Unmarshal(data, &marked); err != nil {
		t.Fatalf("decode read: %v", err)
	}
	if marked.Updated != 2 {
		t.Fatalf("expected 2 updated, got %d", marked.Updated)
	}

	resp, data = doJSON(t, http.MethodGet, ts.URL+"/v1/conversations", bob, nil)
	if err := json.Unmarshal(data, &convs); err != nil {
		t.Fatalf("decode conversations: %v", err)
	}
	if convs.Conversations[0].Unread != 0 {
		t.Fatalf("unread not cleared: %+v", convs.Conversations[0])
	}
}

func TestUploadAndServeBlob(t *testing.T) {
	ts := newTestServer(t)
	alice := login(t, ts, "alice")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreatePart(map[string][]string{
		"Content-Disposition": {`form-data; name="file"; filename="pic.png"`},
		"Content-Type":        {"image/png"},
	})
	if err != nil {
		t.Fatalf("part: %v", err)
	}
	if _, err := part.Write([]byte("png-bytes")); err != nil {
		t.Fatalf("write part: %v", err)
	}
	mw.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/uploads/image", &buf)
	req.Header.Set("Authorization", "Bearer "+alice)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status %d: %s", resp.StatusCode, data)
	}
	var up struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(data, &up); err != nil {
		t.Fatalf("decode upload: %v", err)
	}
	if !strings.HasPrefix(up.URL, "/v1/blobs/image/") {
		t.Fatalf("unexpected blob url: %s", up.URL)
	}

	// blobs are served without auth
	got, err := http.Get(ts.URL + up.URL)
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	served, _ := io.ReadAll(got.Body)
	got.Body.Close()
	if got.StatusCode != http.StatusOK || string(served) != "png-bytes" {
		t.Fatalf("unexpected blob response: %d %q", got.StatusCode, served)
	}

	// a media message referencing the blob
	resp2, data := doJSON(t, http.MethodPost, ts.URL+"/v1/messages", alice, map[string]string{
		"recipient_id": "bob",
		"kind":         "image",
		"body":         "pic.png",
		"media_url":    up.URL,
	})
	if resp2.StatusCode != http.StatusCreated {
		t.Fatalf("media message status %d: %s", resp2.StatusCode, data)
	}
}

func TestBlockHidesMessages(t *testing.T) {
	ts := newTestServer(t)
	alice := login(t, ts, "alice")
	bob := login(t, ts, "bob")

	resp, data := doJSON(t, http.MethodPost, ts.URL+"/v1/messages", bob, map[string]string{
		"recipient_id": "alice",
		"body":         "spam",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", resp.StatusCode, data)
	}

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/blocks/bob", alice, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("block status %d", resp.StatusCode)
	}

	resp, data = doJSON(t, http.MethodGet, ts.URL+"/v1/conversations/bob/messages", alice, nil)
	var snap struct {
		Messages []models.Message `json:"messages"`
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snap.Messages) != 0 {
		t.Fatalf("blocked sender's messages leaked: %+v", snap.Messages)
	}

	resp, data = doJSON(t, http.MethodGet, ts.URL+"/v1/blocks", alice, nil)
	var blocks struct {
		Blocked []string `json:"blocked"`
	}
	if err := json.Unmarshal(data, &blocks); err != nil {
		t.Fatalf("decode blocks: %v", err)
	}
	if len(blocks.Blocked) != 1 || blocks.Blocked[0] != "bob" {
		t.Fatalf("unexpected block list: %v", blocks.Blocked)
	}

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/v1/blocks/bob", alice, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unblock status %d", resp.StatusCode)
	}
}

func TestFeedDeliversInsertsAndPresence(t *testing.T) {
	ts := newTestServer(t)
	alice := login(t, ts, "alice")
	bob := login(t, ts, "bob")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/ws?peer=alice&token=" + bob
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// the open socket counts as presence
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, data := doJSON(t, http.MethodGet, ts.URL+"/v1/presence/bob", alice, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("presence status %d", resp.StatusCode)
		}
		var p models.Presence
		if err := json.Unmarshal(data, &p); err != nil {
			t.Fatalf("decode presence: %v", err)
		}
		if p.Online {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("bob never came online")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, data := doJSON(t, http.MethodPost, ts.URL+"/v1/messages", alice, map[string]string{
		"recipient_id": "bob",
		"body":         "over the wire",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", resp.StatusCode, data)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var ev feed.Event
		if err := json.Unmarshal(frame, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if ev.Op == feed.OpPresence {
			continue
		}
		if ev.Op != feed.OpInsert || ev.Message == nil || ev.Message.Body != "over the wire" {
			t.Fatalf("unexpected event: %+v", ev)
		}
		break
	}
}
