// ABOUTME: Read-only HTTP status surface over documents, stage status, and error chains.
// ABOUTME: chi-routed JSON endpoints for operators; no write operations are exposed.
package pipeline

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// statusStore is the read-only store slice the status server consumes.
// The relational store implements it.
type statusStore interface {
	StatusDocuments(limit int) ([]*Document, error)
	StatusDocument(id string) (*Document, error)
	StatusStages(documentID string) ([]*StageStatus, error)
	StatusErrors(documentID string) ([]*PipelineError, error)
}

// StatusServer serves pipeline observability endpoints.
type StatusServer struct {
	store  statusStore
	router chi.Router
}

// NewStatusServer builds the server and its routes.
func NewStatusServer(store statusStore) *StatusServer {
	s := &StatusServer{store: store}

	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/documents", s.handleListDocuments)
	r.Get("/documents/{id}", s.handleGetDocument)
	r.Get("/documents/{id}/status", s.handleStageStatus)
	r.Get("/documents/{id}/errors", s.handleErrors)
	s.router = r

	return s
}

// Handler returns the HTTP handler for mounting or serving.
func (s *StatusServer) Handler() http.Handler {
	return s.router
}

func (s *StatusServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

func (s *StatusServer) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	docs, err := s.store.StatusDocuments(limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, docsResponse(docs))
}

func (s *StatusServer) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.StatusDocument(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if doc == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "document not found"})
		return
	}
	writeJSON(w, http.StatusOK, docJSON(doc))
}

func (s *StatusServer) handleStageStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.store.StatusStages(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	out := make([]map[string]any, 0, len(statuses))
	for _, st := range statuses {
		entry := map[string]any{
			"stage":    st.Stage,
			"status":   st.Status,
			"progress": st.Progress,
			"attempts": st.Attempts,
		}
		if st.StartedAt != nil {
			entry["started_at"] = st.StartedAt.Format(time.RFC3339)
		}
		if st.CompletedAt != nil {
			entry["completed_at"] = st.CompletedAt.Format(time.RFC3339)
		}
		if st.Error != "" {
			entry["error"] = st.Error
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *StatusServer) handleErrors(w http.ResponseWriter, r *http.Request) {
	errs, err := s.store.StatusErrors(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	out := make([]map[string]any, 0, len(errs))
	for _, e := range errs {
		out = append(out, map[string]any{
			"id":             e.ID,
			"stage":          e.Stage,
			"category":       e.Category,
			"message":        e.Message,
			"retry_attempt":  e.RetryAttempt,
			"max_retries":    e.MaxRetries,
			"status":         e.Status,
			"correlation_id": e.CorrelationID,
			"created_at":     e.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func docJSON(d *Document) map[string]any {
	return map[string]any{
		"id":           d.ID,
		"filename":     d.Filename,
		"content_hash": d.ContentHash,
		"manufacturer": d.Manufacturer,
		"doc_type":     d.DocType,
		"status":       d.Status,
		"search_ready": d.SearchReady,
		"created_at":   d.CreatedAt.Format(time.RFC3339),
		"updated_at":   d.UpdatedAt.Format(time.RFC3339),
	}
}

func docsResponse(docs []*Document) []map[string]any {
	out := make([]map[string]any, 0, len(docs))
	for _, d := range docs {
		out = append(out, docJSON(d))
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
