package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"chatstream/pkg/blob"
	"chatstream/pkg/logger"
	"chatstream/pkg/models"
	"chatstream/pkg/security"
)

// handleUpload accepts one multipart file upload for the given kind and
// returns the public URL of the stored blob. The message referencing the
// blob is created separately via POST /v1/messages.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	viewer := security.Viewer(r.Context())
	kind := models.Kind(mux.Vars(r)["kind"])
	if !kind.Valid() || kind == models.KindText {
		writeErr(w, http.StatusBadRequest, "unknown upload kind")
		return
	}

	// cap the multipart parse at the kind's limit plus form overhead
	max := s.blobs.MaxBytes(kind)
	r.Body = http.MaxBytesReader(w, r.Body, max+64*1024)
	if err := r.ParseMultipartForm(max); err != nil {
		writeErr(w, http.StatusRequestEntityTooLarge, "upload too large")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeErr(w, http.StatusBadRequest, "file field required")
		return
	}
	defer file.Close()

	url, err := s.blobs.Save(kind, header.Filename, header.Header.Get("Content-Type"), header.Size, file)
	if err != nil {
		var verr *blob.ValidationError
		if errors.As(err, &verr) {
			writeErr(w, http.StatusBadRequest, verr.Error())
			return
		}
		logger.Error("upload_failed", "kind", string(kind), "user", viewer, "error", err)
		writeErr(w, http.StatusInternalServerError, "failed to store upload")
		return
	}
	logger.Info("upload_stored", "kind", string(kind), "user", viewer, "url", url)
	writeJSON(w, http.StatusCreated, map[string]string{"url": url})
}

// handleServeBlob streams a stored blob.
func (s *Server) handleServeBlob(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	kind := models.Kind(vars["kind"])
	path, err := s.blobs.Path(kind, vars["name"])
	if err != nil {
		writeErr(w, http.StatusNotFound, "blob not found")
		return
	}
	http.ServeFile(w, r, path)
}
