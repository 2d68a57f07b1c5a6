package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"chatstream/pkg/feed"
	"chatstream/pkg/reconcile"
)

// wsSubscription is one live websocket attachment to a conversation feed.
type wsSubscription struct {
	conn    *websocket.Conn
	events  chan feed.Event
	errs    chan error
	stopped atomic.Bool
	once    sync.Once
}

func (s *wsSubscription) Events() <-chan feed.Event { return s.events }
func (s *wsSubscription) Err() <-chan error         { return s.errs }

// Unsubscribe closes the connection. Safe to call any number of times.
func (s *wsSubscription) Unsubscribe() {
	s.stopped.Store(true)
	s.once.Do(func() {
		_ = s.conn.Close()
	})
}

// Subscribe opens the change feed for the conversation with peer. The
// returned subscription's Events channel closes when the connection ends;
// unexpected ends also produce one error on Err.
func (c *Client) Subscribe(ctx context.Context, viewerID, peerID string) (reconcile.Subscription, error) {
	wsBase := c.baseURL
	switch {
	case strings.HasPrefix(wsBase, "https://"):
		wsBase = "wss://" + strings.TrimPrefix(wsBase, "https://")
	case strings.HasPrefix(wsBase, "http://"):
		wsBase = "ws://" + strings.TrimPrefix(wsBase, "http://")
	}
	q := url.Values{}
	q.Set("peer", peerID)
	q.Set("token", c.token)
	endpoint := wsBase + "/v1/ws?" + q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("feed dial failed: %w", err)
	}

	sub := &wsSubscription{
		conn:   conn,
		events: make(chan feed.Event, 32),
		errs:   make(chan error, 1),
	}
	go sub.readLoop()
	return sub, nil
}

// readLoop decodes frames into events until the connection ends. A close
// initiated by Unsubscribe ends the loop silently; anything else surfaces
// on the error channel so the session can resync.
func (s *wsSubscription) readLoop() {
	defer close(s.events)
	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			deliberate := s.stopped.Load() ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
			if !deliberate {
				select {
				case s.errs <- err:
				default:
				}
			}
			return
		}
		var ev feed.Event
		if err := json.Unmarshal(frame, &ev); err != nil {
			// skip malformed frames, the feed stays up
			continue
		}
		select {
		case s.events <- ev:
		default:
			// consumer is not draining; drop rather than block the socket
		}
	}
}
