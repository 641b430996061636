package handler

import (
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/meshloan/flashmesh/internal/domain"
)

// ArchiveHandler serves the cold-storage archive: listings and downloads of
// the loan and audit batches the archiver has exported.
type ArchiveHandler struct {
	blobs  domain.BlobReader
	logger *slog.Logger
}

func NewArchiveHandler(blobs domain.BlobReader, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{
		blobs:  blobs,
		logger: logHandler(logger, "archive"),
	}
}

// archiveView is the JSON shape of one archived object.
type archiveView struct {
	Path         string `json:"path"`
	Size         int64  `json:"size"`
	LastModified string `json:"last_modified"`
}

// ListArchives returns metadata for archived objects, optionally narrowed
// by a key prefix such as "archive/loans/2026-08".
// GET /api/archive?prefix=...
func (h *ArchiveHandler) ListArchives(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")

	infos, err := h.blobs.List(r.Context(), prefix)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list archives failed",
			slog.String("prefix", prefix),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "list archives failed")
		return
	}

	views := make([]archiveView, 0, len(infos))
	for _, info := range infos {
		views = append(views, archiveView{
			Path:         info.Path,
			Size:         info.Size,
			LastModified: info.LastModified.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"archives": views})
}

// GetArchive streams an archived object.
// GET /api/archive/{path...}
func (h *ArchiveHandler) GetArchive(w http.ResponseWriter, r *http.Request) {
	path := pathParam(r, "path")
	if path == "" || strings.Contains(path, "..") {
		writeError(w, http.StatusBadRequest, "invalid archive path")
		return
	}

	body, err := h.blobs.Get(r.Context(), path)
	if err != nil {
		writeError(w, statusForError(err), "archive object not available")
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	if _, err := io.Copy(w, body); err != nil {
		h.logger.ErrorContext(r.Context(), "archive download aborted",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}

// StatArchive reports whether an archived object exists without sending its
// body.
// HEAD /api/archive/{path...}
func (h *ArchiveHandler) StatArchive(w http.ResponseWriter, r *http.Request) {
	path := pathParam(r, "path")
	if path == "" || strings.Contains(path, "..") {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	exists, err := h.blobs.Exists(r.Context(), path)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !exists {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}
