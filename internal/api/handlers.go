package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/publicboost/boost-publisher/internal/dispatcher"
	"github.com/publicboost/boost-publisher/internal/domain"
	"github.com/publicboost/boost-publisher/internal/store"
)

// Posts is the read side the status endpoint needs.
type Posts interface {
	GetPost(ctx context.Context, id uuid.UUID) (*domain.Post, error)
	ListPublications(ctx context.Context, postID uuid.UUID) ([]domain.PostPublication, error)
}

// Pinger is a dependency checked by /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Snapshotter reports the local dispatcher state.
type Snapshotter interface {
	Snapshot() dispatcher.Snapshot
}

type Handler struct {
	posts      Posts
	dispatcher Snapshotter
	checks     map[string]Pinger
	metrics    http.Handler
	logger     *zap.SugaredLogger
}

// NewHandler wires the ops endpoints. checks maps a dependency name to its
// ping; metrics may be nil when metrics are disabled.
func NewHandler(posts Posts, disp Snapshotter, checks map[string]Pinger, metrics http.Handler, logger *zap.SugaredLogger) *Handler {
	return &Handler{
		posts:      posts,
		dispatcher: disp,
		checks:     checks,
		metrics:    metrics,
		logger:     logger,
	}
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

const readyTimeout = 2 * time.Second

func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	resp := ReadinessDTO{Status: "ready", Checks: make(map[string]string, len(h.checks))}
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			h.logger.Warnw("Readiness check failed", "dependency", name, "error", err)
			resp.Checks[name] = "down"
			resp.Status = "not_ready"
			continue
		}
		resp.Checks[name] = "up"
	}

	status := http.StatusOK
	if resp.Status != "ready" {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, resp)
}

func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	if h.metrics == nil {
		h.writeError(w, http.StatusNotFound, "METRICS_DISABLED", "metrics are not enabled")
		return
	}
	h.metrics.ServeHTTP(w, r)
}

func (h *Handler) GetPostStatus(w http.ResponseWriter, r *http.Request) {
	postID, err := uuid.Parse(chi.URLParam(r, "postID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_POST_ID", "post id must be a UUID")
		return
	}

	post, err := h.posts.GetPost(r.Context(), postID)
	if errors.Is(err, store.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "POST_NOT_FOUND", "post not found")
		return
	}
	if err != nil {
		h.logger.Errorw("Failed to load post", "post_id", postID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "STORE_ERROR", "failed to load post")
		return
	}

	pubs, err := h.posts.ListPublications(r.Context(), postID)
	if err != nil {
		h.logger.Errorw("Failed to list publications", "post_id", postID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "STORE_ERROR", "failed to load publications")
		return
	}

	h.writeJSON(w, http.StatusOK, newPostStatusDTO(post, pubs))
}

func (h *Handler) GetDispatcher(w http.ResponseWriter, r *http.Request) {
	if h.dispatcher == nil {
		h.writeError(w, http.StatusNotFound, "DISPATCHER_DISABLED", "no dispatcher runs in this process")
		return
	}
	h.writeJSON(w, http.StatusOK, h.dispatcher.Snapshot())
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warnw("Failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	if status >= http.StatusInternalServerError {
		h.logger.Errorw("API error", "code", code, "message", message, "status", status)
	}
	h.writeJSON(w, status, ErrorResponse{Code: code, Message: message})
}
