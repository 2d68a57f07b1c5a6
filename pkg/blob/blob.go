// Package blob stores uploaded media on the local filesystem, one bucket
// directory per message kind. Uploads are validated against per-kind size
// caps and MIME allow-lists before anything touches disk.
package blob

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chatstream/pkg/logger"
	"chatstream/pkg/models"
)

// URLPrefix is where the HTTP layer serves stored blobs from.
const URLPrefix = "/v1/blobs/"

const mb = 1 << 20

// DefaultMaxBytes holds the per-kind upload caps applied when the config
// does not override them.
var DefaultMaxBytes = map[models.Kind]int64{
	models.KindImage:    1 * mb,
	models.KindVideo:    2 * mb,
	models.KindDocument: 2 * mb,
	models.KindAudio:    5 * mb,
}

var allowedMIME = map[models.Kind]map[string]bool{
	models.KindImage: {
		"image/jpeg": true,
		"image/jpg":  true,
		"image/png":  true,
		"image/gif":  true,
		"image/webp": true,
	},
	models.KindVideo: {
		"video/mp4":  true,
		"video/webm": true,
	},
	models.KindAudio: {
		"audio/webm": true,
		"audio/mpeg": true,
	},
}

// documents are validated by extension, not MIME; browsers are unreliable
// about document content types.
var allowedDocExt = map[string]bool{
	"pdf": true, "doc": true, "docx": true,
	"xls": true, "xlsx": true, "csv": true,
	"ppt": true, "pptx": true,
	"mp3": true, "zip": true, "txt": true,
}

var docLabels = map[string]string{
	"pdf":  "PDF",
	"doc":  "Word",
	"docx": "Word",
	"xls":  "Excel",
	"xlsx": "Excel",
	"csv":  "CSV",
	"ppt":  "PowerPoint",
	"pptx": "PowerPoint",
	"mp3":  "Audio",
	"zip":  "ZIP",
	"txt":  "Text",
}

// DocumentLabel returns the display label for a document extension, or
// "Document" for anything unrecognized.
func DocumentLabel(ext string) string {
	if l, ok := docLabels[strings.ToLower(strings.TrimPrefix(ext, "."))]; ok {
		return l
	}
	return "Document"
}

// ValidationError is a rejected upload: wrong kind, disallowed type or
// over the size cap. The HTTP layer maps it to a 4xx.
type ValidationError struct {
	Kind   models.Kind
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s upload: %s", e.Kind, e.Reason)
}

// Store writes blobs under root, one subdirectory per kind.
type Store struct {
	root     string
	maxBytes map[models.Kind]int64
}

// New prepares the bucket directories under root. maxBytes overrides the
// default per-kind caps for the kinds it names.
func New(root string, maxBytes map[models.Kind]int64) (*Store, error) {
	limits := make(map[models.Kind]int64, len(DefaultMaxBytes))
	for k, v := range DefaultMaxBytes {
		limits[k] = v
	}
	for k, v := range maxBytes {
		if v > 0 {
			limits[k] = v
		}
	}
	s := &Store{root: root, maxBytes: limits}
	for kind := range limits {
		if err := os.MkdirAll(filepath.Join(root, string(kind)), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create blob bucket %s: %w", kind, err)
		}
	}
	logger.Info("blob_store_ready", "root", root)
	return s, nil
}

// MaxBytes returns the size cap for the given kind.
func (s *Store) MaxBytes(kind models.Kind) int64 { return s.maxBytes[kind] }

// Validate checks an upload's kind, declared size and content type without
// touching the filesystem.
func (s *Store) Validate(kind models.Kind, filename, contentType string, size int64) error {
	if !kind.Valid() || kind == models.KindText {
		return &ValidationError{Kind: kind, Reason: "unsupported kind"}
	}
	if max := s.maxBytes[kind]; size > max {
		return &ValidationError{Kind: kind, Reason: fmt.Sprintf("size %d exceeds limit %d", size, max)}
	}
	if size <= 0 {
		return &ValidationError{Kind: kind, Reason: "empty upload"}
	}
	if kind == models.KindDocument {
		ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
		if !allowedDocExt[ext] {
			return &ValidationError{Kind: kind, Reason: fmt.Sprintf("extension %q not allowed", ext)}
		}
		return nil
	}
	ct := contentType
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if !allowedMIME[kind][strings.ToLower(ct)] {
		return &ValidationError{Kind: kind, Reason: fmt.Sprintf("content type %q not allowed", contentType)}
	}
	return nil
}

// Save validates and stores one upload, returning the public URL of the
// stored blob. The write is capped at the declared size; a reader that
// yields more data than declared fails the save.
func (s *Store) Save(kind models.Kind, filename, contentType string, size int64, r io.Reader) (string, error) {
	if err := s.Validate(kind, filename, contentType, size); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s-%d-%s", kind, time.Now().UTC().UnixNano(), sanitize(filename))
	path := filepath.Join(s.root, string(kind), name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create blob file: %w", err)
	}
	written, err := io.Copy(f, io.LimitReader(r, size+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && written > size {
		err = &ValidationError{Kind: kind, Reason: "upload larger than declared size"}
	}
	if err != nil {
		_ = os.Remove(path)
		logger.Error("blob_save_failed", "kind", string(kind), "name", name, "error", err)
		return "", err
	}
	logger.Info("blob_saved", "kind", string(kind), "name", name, "bytes", written)
	return URLPrefix + string(kind) + "/" + name, nil
}

// Path resolves a (kind, name) pair to the on-disk file, rejecting names
// that would escape the bucket.
func (s *Store) Path(kind models.Kind, name string) (string, error) {
	if !kind.Valid() || kind == models.KindText {
		return "", fmt.Errorf("unknown blob bucket %q", kind)
	}
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid blob name %q", name)
	}
	path := filepath.Join(s.root, string(kind), name)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("blob %s/%s not found: %w", kind, name, err)
	}
	return path, nil
}

// RemoveURL deletes the blob a public URL points at. Unknown URLs and
// already-removed blobs are not errors; retention calls this repeatedly.
func (s *Store) RemoveURL(url string) error {
	rest, ok := strings.CutPrefix(url, URLPrefix)
	if !ok {
		return nil
	}
	kind, name, ok := strings.Cut(rest, "/")
	if !ok || name != filepath.Base(name) {
		return nil
	}
	path := filepath.Join(s.root, kind, name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Error("blob_remove_failed", "url", url, "error", err)
		return err
	}
	logger.Info("blob_removed", "url", url)
	return nil
}

// sanitize keeps the upload's extension and reduces the base name to a
// short filesystem-safe suffix.
func sanitize(filename string) string {
	base := filepath.Base(filename)
	ext := strings.ToLower(filepath.Ext(base))
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	var b strings.Builder
	for _, c := range stem {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			b.WriteRune(c)
		}
	}
	out := b.String()
	if len(out) > 40 {
		out = out[:40]
	}
	if out == "" {
		out = "upload"
	}
	return out + ext
}
