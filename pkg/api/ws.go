package api

import (
	"net/http"

	"github.com/gorilla/websocket"

	"chatstream/pkg/feed"
	"chatstream/pkg/logger"
	"chatstream/pkg/models"
	"chatstream/pkg/security"
	"chatstream/pkg/telemetry"
)

// the middleware already enforces auth and origin policy, so the upgrader
// accepts any origin here
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleFeed upgrades to a websocket and attaches the caller to one
// conversation's change feed (?peer=<id>). The connection also counts as
// presence: the first open connection announces the user online, the last
// close announces offline.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	viewer := security.Viewer(r.Context())
	peer := r.URL.Query().Get("peer")
	if peer == "" || peer == viewer {
		writeErr(w, http.StatusBadRequest, "peer query parameter required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("ws_upgrade_failed", "user", viewer, "error", err)
		return
	}

	s.presence.Connect(viewer)
	telemetry.FeedClientConnected()

	client := &feed.Client{
		UserID:  viewer,
		ConvKey: models.ConversationKey(viewer, peer),
		Send:    make(chan []byte, 32),
		Conn:    conn,
		OnClose: func() {
			s.presence.Disconnect(viewer)
			telemetry.FeedClientDisconnected()
		},
	}
	s.hub.ServeClient(client)
}
