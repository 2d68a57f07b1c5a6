package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"chatstream/pkg/feed"
	"chatstream/pkg/logger"
	"chatstream/pkg/models"
	"chatstream/pkg/security"
	"chatstream/pkg/store"
	"chatstream/pkg/telemetry"
)

type createMessageRequest struct {
	RecipientID string      `json:"recipient_id"`
	Body        string      `json:"body"`
	Kind        models.Kind `json:"kind"`
	MediaURL    string      `json:"media_url"`
}

// handleCreateMessage stores a new message and broadcasts the insert to
// the conversation feed.
func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	viewer := security.Viewer(r.Context())
	var req createMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Kind == "" {
		req.Kind = models.KindText
	}
	if !req.Kind.Valid() {
		writeErr(w, http.StatusBadRequest, "unknown message kind")
		return
	}
	if req.RecipientID == "" || req.RecipientID == viewer {
		writeErr(w, http.StatusBadRequest, "recipient_id must name another user")
		return
	}
	if req.Kind == models.KindText && strings.TrimSpace(req.Body) == "" {
		writeErr(w, http.StatusBadRequest, "body required for text messages")
		return
	}
	if req.Kind != models.KindText && !strings.HasPrefix(req.MediaURL, "/v1/blobs/") {
		writeErr(w, http.StatusBadRequest, "media_url must reference an uploaded blob")
		return
	}

	m := models.Message{
		ID:          uuid.NewString(),
		SenderID:    viewer,
		RecipientID: req.RecipientID,
		Body:        req.Body,
		Kind:        req.Kind,
		MediaURL:    req.MediaURL,
		CreatedAt:   nowNanos(),
	}
	if err := store.SaveMessage(m); err != nil {
		logger.Error("create_message_failed", "id", m.ID, "error", err)
		writeErr(w, http.StatusInternalServerError, "failed to store message")
		return
	}
	telemetry.CountMessage(string(m.Kind))
	s.publish(models.ConversationKey(m.SenderID, m.RecipientID), feed.Insert(m))
	writeJSON(w, http.StatusCreated, m)
}

type editMessageRequest struct {
	Body string `json:"body"`
}

// handleEditMessage replaces a message body and broadcasts the update.
func (s *Server) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	viewer := security.Viewer(r.Context())
	id := mux.Vars(r)["id"]
	var req editMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Body) == "" {
		writeErr(w, http.StatusBadRequest, "body required")
		return
	}
	m, err := store.EditMessage(id, viewer, req.Body)
	if err != nil {
		writeErr(w, statusForStoreErr(err), err.Error())
		return
	}
	s.publish(models.ConversationKey(m.SenderID, m.RecipientID), feed.Update(m))
	writeJSON(w, http.StatusOK, m)
}

// handleDeleteMessage soft-deletes a message, leaving a tombstone that
// broadcasts as an update. With ?purge=true the message is removed
// entirely and subscribers receive a delete event.
func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	viewer := security.Viewer(r.Context())
	id := mux.Vars(r)["id"]

	if r.URL.Query().Get("purge") == "true" {
		m, err := store.GetMessage(id)
		if err != nil {
			writeErr(w, http.StatusNotFound, err.Error())
			return
		}
		if m.SenderID != viewer {
			writeErr(w, http.StatusForbidden, "only the sender may purge a message")
			return
		}
		if err := store.HardDeleteMessage(id); err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		if m.MediaURL != "" {
			if err := s.blobs.RemoveURL(m.MediaURL); err != nil {
				logger.Warn("purge_blob_remove_failed", "id", id, "error", err)
			}
		}
		s.publish(models.ConversationKey(m.SenderID, m.RecipientID), feed.Delete(id))
		writeJSON(w, http.StatusOK, map[string]string{"status": "purged"})
		return
	}

	m, err := store.SoftDeleteMessage(id, viewer)
	if err != nil {
		writeErr(w, statusForStoreErr(err), err.Error())
		return
	}
	s.publish(models.ConversationKey(m.SenderID, m.RecipientID), feed.Update(m))
	writeJSON(w, http.StatusOK, m)
}

// handleListVersions returns a message's edit history.
func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	viewer := security.Viewer(r.Context())
	id := mux.Vars(r)["id"]
	m, err := store.GetMessage(id)
	if err != nil {
		writeErr(w, http.StatusNotFound, err.Error())
		return
	}
	if m.SenderID != viewer && m.RecipientID != viewer {
		writeErr(w, http.StatusForbidden, "not a participant")
		return
	}
	vers, err := store.ListMessageVersions(id)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "versions": vers})
}

// handleFetchMessages returns the full conversation snapshot with the
// given peer, oldest first.
func (s *Server) handleFetchMessages(w http.ResponseWriter, r *http.Request) {
	viewer := security.Viewer(r.Context())
	peer := mux.Vars(r)["peer"]
	msgs, err := store.FetchMessages(viewer, peer)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"peer": peer, "messages": msgs})
}

// handleMarkRead flags the unread messages from peer as read and
// broadcasts one update per changed message.
func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	viewer := security.Viewer(r.Context())
	peer := mux.Vars(r)["peer"]
	updated, err := store.MarkRead(viewer, peer)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	convKey := models.ConversationKey(viewer, peer)
	for _, m := range updated {
		s.publish(convKey, feed.Update(m))
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": len(updated)})
}

// handleListConversations returns the viewer's conversation summaries,
// most recent activity first.
func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	viewer := security.Viewer(r.Context())
	convs, err := store.ListConversations(viewer)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].LastActivityAt > convs[j].LastActivityAt
	})
	if convs == nil {
		convs = []models.Conversation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

// statusForStoreErr maps store failures onto status codes: missing
// messages are 404, permission and state violations 403/409 territory;
// keep it coarse with 400 for the latter.
func statusForStoreErr(err error) int {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "not found"):
		return http.StatusNotFound
	case strings.Contains(msg, "only the sender"):
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}
