// Package api exposes the HTTP and websocket surface: auth, message CRUD,
// conversation summaries, uploads, presence, blocks and the live change
// feed.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"chatstream/pkg/auth"
	"chatstream/pkg/blob"
	"chatstream/pkg/feed"
	"chatstream/pkg/logger"
	"chatstream/pkg/presence"
	"chatstream/pkg/telemetry"
)

// Server wires the handlers to their collaborators. Message persistence
// goes through the package-global store.
type Server struct {
	blobs    *blob.Store
	hub      *feed.Hub
	presence *presence.Registry
	tokens   *auth.JWTManager
}

// NewServer returns a Server. The hub must already be running.
func NewServer(blobs *blob.Store, hub *feed.Hub, reg *presence.Registry, tokens *auth.JWTManager) *Server {
	return &Server{blobs: blobs, hub: hub, presence: reg, tokens: tokens}
}

// Router builds the /v1 route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(metricsMiddleware)
	v1 := r.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)

	v1.HandleFunc("/conversations", s.handleListConversations).Methods(http.MethodGet)
	v1.HandleFunc("/conversations/{peer}/messages", s.handleFetchMessages).Methods(http.MethodGet)
	v1.HandleFunc("/conversations/{peer}/read", s.handleMarkRead).Methods(http.MethodPost)

	v1.HandleFunc("/messages", s.handleCreateMessage).Methods(http.MethodPost)
	v1.HandleFunc("/messages/{id}", s.handleEditMessage).Methods(http.MethodPut)
	v1.HandleFunc("/messages/{id}", s.handleDeleteMessage).Methods(http.MethodDelete)
	v1.HandleFunc("/messages/{id}/versions", s.handleListVersions).Methods(http.MethodGet)

	v1.HandleFunc("/uploads/{kind}", s.handleUpload).Methods(http.MethodPost)
	v1.HandleFunc("/blobs/{kind}/{name}", s.handleServeBlob).Methods(http.MethodGet)

	v1.HandleFunc("/presence/{user}", s.handleGetPresence).Methods(http.MethodGet)

	v1.HandleFunc("/blocks", s.handleListBlocks).Methods(http.MethodGet)
	v1.HandleFunc("/blocks/{user}", s.handleBlock).Methods(http.MethodPost)
	v1.HandleFunc("/blocks/{user}", s.handleUnblock).Methods(http.MethodDelete)

	v1.HandleFunc("/ws", s.handleFeed).Methods(http.MethodGet)

	return r
}

// metricsMiddleware labels request metrics with the mux route template so
// path parameters do not blow up label cardinality.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		telemetry.Middleware(route, next).ServeHTTP(w, r)
	})
}

// publish fans one event out to the conversation's subscribers and counts
// it.
func (s *Server) publish(convKey string, ev feed.Event) {
	telemetry.CountFeedEvent(string(ev.Op))
	s.hub.Publish(convKey, ev)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

type loginRequest struct {
	UserID string `json:"user_id"`
}

type loginResponse struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"`
}

// handleLogin issues a token for the given user id. There is no user
// database; any non-empty id is accepted.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeErr(w, http.StatusBadRequest, "user_id required")
		return
	}
	token, err := s.tokens.Generate(req.UserID)
	if err != nil {
		logger.Error("token_generate_failed", "user", req.UserID, "error", err)
		writeErr(w, http.StatusInternalServerError, "token generation failed")
		return
	}
	logger.Info("user_logged_in", "user", req.UserID)
	writeJSON(w, http.StatusOK, loginResponse{UserID: req.UserID, Token: token})
}

// handleGetPresence returns a user's availability.
func (s *Server) handleGetPresence(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]
	writeJSON(w, http.StatusOK, s.presence.Get(user))
}

// nowNanos is the single clock for message timestamps.
func nowNanos() int64 { return time.Now().UTC().UnixNano() }
