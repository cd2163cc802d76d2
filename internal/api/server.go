// Package api exposes the document catalog and pipeline over HTTP (chi)
// and over MCP (stdio). Both surfaces are thin adapters: all semantics
// live in the pipeline and storage packages.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/docmill/docmill/internal/cache"
	"github.com/docmill/docmill/internal/job"
	"github.com/docmill/docmill/internal/pipeline"
	"github.com/docmill/docmill/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Processor is the slice of the pipeline coordinator the API needs.
type Processor interface {
	Process(ctx context.Context, path string, opts pipeline.Options) (*pipeline.Result, error)
}

// Deps holds dependencies for the HTTP and MCP surfaces.
type Deps struct {
	Store     *storage.Store
	Cache     *cache.Cache
	Processor Processor
	Token     string // optional bearer token; empty disables auth
}

// NewHandler returns the docmill REST API.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	if deps.Token != "" {
		r.Use(BearerAuth(deps.Token))
	}

	r.Get("/health", handleHealth)
	r.Get("/documents", handleListDocuments(deps))
	r.Post("/documents", handleProcessDocument(deps))
	r.Get("/documents/{fingerprint}", handleGetDocument(deps))
	r.Get("/documents/{fingerprint}/progress", handleGetProgress(deps))

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func handleListDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)

		docs, err := deps.Store.ListDocuments(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list documents: %v", err)
			return
		}
		if docs == nil {
			docs = []storage.Document{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(docs)
	}
}

func handleGetDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fp := chi.URLParam(r, "fingerprint")

		doc, err := deps.Store.GetDocument(fp)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get document: %v", err)
			return
		}

		runs, err := deps.Store.GetRunsForDocument(fp)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get runs: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"document": doc,
			"runs":     runs,
		})
	}
}

// ProcessRequest asks the server to run the pipeline over a file readable
// by the server process.
type ProcessRequest struct {
	Path    string `json:"path"`
	ToStage string `json:"to_stage,omitempty"`
	Resume  bool   `json:"resume,omitempty"`
	Workers int    `json:"workers,omitempty"`
}

func handleProcessDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ProcessRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Path == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "path is required")
			return
		}

		data, err := os.ReadFile(req.Path)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unreadable input: %v", err)
			return
		}
		fp := cache.Fingerprint(data)

		opts := pipeline.Options{Workers: req.Workers}
		if req.ToStage != "" {
			stage, err := pipeline.ParseStage(req.ToStage)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			opts.ToStage = stage
		}
		if req.Resume {
			opts.Mode = job.ModeResume
		}

		// The pipeline can block for minutes on backend calls, so the run
		// detaches from the request. Progress is polled via /progress.
		go func() {
			if _, err := deps.Processor.Process(context.Background(), req.Path, opts); err != nil {
				slog.Error("background processing failed", "path", req.Path, "fingerprint", fp, "error", err)
			}
		}()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{
			"fingerprint": fp,
			"status":      "processing",
		})
	}
}

func handleGetProgress(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fp := chi.URLParam(r, "fingerprint")

		tracker := job.New(deps.Cache, fp)
		if err := tracker.Load(); err != nil {
			if errors.Is(err, job.ErrNoJob) {
				httpError(w, http.StatusNotFound, "not_found", "no enhancement job for fingerprint")
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load job: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"progress":     tracker.Snapshot(),
			"failed_units": tracker.FailedUnits(),
		})
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"type":    errType,
			"message": msg,
		},
	})
}
