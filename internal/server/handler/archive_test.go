package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/meshloan/flashmesh/internal/domain"
)

// stubBlobReader serves a fixed set of archived objects.
type stubBlobReader struct {
	objects map[string]string
}

func (s *stubBlobReader) Get(_ context.Context, path string) (io.ReadCloser, error) {
	body, ok := s.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

func (s *stubBlobReader) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	var infos []domain.BlobInfo
	for path, body := range s.objects {
		if strings.HasPrefix(path, prefix) {
			infos = append(infos, domain.BlobInfo{
				Path:         path,
				Size:         int64(len(body)),
				LastModified: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
			})
		}
	}
	return infos, nil
}

func (s *stubBlobReader) Exists(_ context.Context, path string) (bool, error) {
	_, ok := s.objects[path]
	return ok, nil
}

func archiveServer(objects map[string]string) *http.ServeMux {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewArchiveHandler(&stubBlobReader{objects: objects}, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/archive", h.ListArchives)
	mux.HandleFunc("GET /api/archive/{path...}", h.GetArchive)
	mux.HandleFunc("HEAD /api/archive/{path...}", h.StatArchive)
	return mux
}

func TestListArchives(t *testing.T) {
	mux := archiveServer(map[string]string{
		"archive/loans/2026-08.jsonl": `{"id":"0x01"}` + "\n",
		"archive/audit/2026-08.jsonl": `{"action":"pause"}` + "\n",
	})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/archive?prefix=archive/loans/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp struct {
		Archives []struct {
			Path string `json:"path"`
			Size int64  `json:"size"`
		} `json:"archives"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(resp.Archives) != 1 || resp.Archives[0].Path != "archive/loans/2026-08.jsonl" {
		t.Fatalf("archives = %+v, want only the loans batch", resp.Archives)
	}
	if resp.Archives[0].Size == 0 {
		t.Fatalf("archive size = 0, want > 0")
	}
}

func TestGetArchive(t *testing.T) {
	body := `{"id":"0x01"}` + "\n"
	mux := archiveServer(map[string]string{"archive/loans/2026-08.jsonl": body})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/archive/archive/loans/2026-08.jsonl", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != body {
		t.Fatalf("body = %q, want %q", got, body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content type = %q", ct)
	}
}

func TestGetArchiveMissingAndInvalid(t *testing.T) {
	mux := archiveServer(map[string]string{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/archive/archive/loans/2099-01.jsonl", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing object status = %d, want 404", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/archive/..%2Fsecrets", nil))
	if rec.Code != http.StatusBadRequest && rec.Code != http.StatusNotFound {
		t.Fatalf("traversal status = %d, want rejection", rec.Code)
	}
}

func TestStatArchive(t *testing.T) {
	mux := archiveServer(map[string]string{"archive/audit/2026-08.jsonl": "{}\n"})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/api/archive/archive/audit/2026-08.jsonl", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("existing object status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/api/archive/archive/audit/2099-01.jsonl", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing object status = %d, want 404", rec.Code)
	}
}
