package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"chatstream/pkg/security"
	"chatstream/pkg/store"
)

// handleListBlocks returns the ids the viewer has blocked.
func (s *Server) handleListBlocks(w http.ResponseWriter, r *http.Request) {
	viewer := security.Viewer(r.Context())
	blocked, err := store.ListBlocked(viewer)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if blocked == nil {
		blocked = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"blocked": blocked})
}

// handleBlock hides the target's messages from the viewer's fetches.
func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	viewer := security.Viewer(r.Context())
	target := mux.Vars(r)["user"]
	if target == viewer {
		writeErr(w, http.StatusBadRequest, "cannot block yourself")
		return
	}
	if err := store.Block(viewer, target); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "blocked"})
}

// handleUnblock removes a block.
func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	viewer := security.Viewer(r.Context())
	target := mux.Vars(r)["user"]
	if err := store.Unblock(viewer, target); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unblocked"})
}
