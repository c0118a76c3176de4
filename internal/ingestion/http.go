package ingestion

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/your-org/birdtag/internal/media"
	"github.com/your-org/birdtag/internal/results"
	"github.com/your-org/birdtag/pkg/logger"
)

const filesPath = "/api/v1/files/"

// HTTPParams configures the HTTP surface.
type HTTPParams struct {
	Service *Service
	Logger  *zap.Logger
	// MaxUploadBytes caps any request body; per-type limits are enforced by
	// the service.
	MaxUploadBytes  int64
	FormMemBytes    int64
	GrantsPerSecond float64
	GrantBurst      int
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

// HTTPHandler exposes REST endpoints for uploads, status and search.
type HTTPHandler struct {
	service      *Service
	logger       *zap.Logger
	maxSizeBytes int64
	formMemBytes int64
	limiter      *rateLimiter
	metrics      http.Handler
	router       chi.Router
}

// NewHTTPHandler constructs the HTTP handler and wires routes.
func NewHTTPHandler(p HTTPParams) *HTTPHandler {
	formMem := p.FormMemBytes
	if formMem <= 0 {
		formMem = 32 << 20
	}
	h := &HTTPHandler{
		service:      p.Service,
		logger:       logger.OrNop(p.Logger),
		maxSizeBytes: p.MaxUploadBytes,
		formMemBytes: formMem,
		limiter:      newRateLimiter(p.GrantsPerSecond, p.GrantBurst),
		metrics:      p.Metrics,
	}
	h.buildRouter()
	return h
}

func (h *HTTPHandler) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.logger.Named("http")))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(2 * time.Minute))

	r.Get("/healthz", h.handleHealth)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.With(h.limiter.Handler).Post("/uploads/grants", h.handleGrant)
		r.Put("/uploads/local/*", h.handleLocalWrite)
		r.Post("/uploads", h.handleUpload)
		r.Get("/status/*", h.handleStatus)
		r.Get("/search", h.handleSearchTags)
		r.Get("/search/species", h.handleSearchSpecies)
		r.Post("/tags", h.handleTags)
		r.Delete("/media/*", h.handleDelete)
		r.Get("/files/*", h.handleFile)
	})

	h.router = r
}

// Router exposes the configured chi router.
func (h *HTTPHandler) Router() http.Handler {
	return h.router
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type grantRequest struct {
	Name      string `json:"name"`
	MediaType string `json:"media_type"`
	Size      int64  `json:"size"`
}

func (h *HTTPHandler) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	grant, err := h.service.RequestGrant(r.Context(), req.Name, req.MediaType, req.Size)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, grant)
}

func (h *HTTPHandler) handleLocalWrite(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	if !media.ValidKey(key) {
		writeError(w, http.StatusNotFound, "unknown key")
		return
	}
	if h.maxSizeBytes > 0 && r.ContentLength > h.maxSizeBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	rec, err := h.service.WriteLocal(r.Context(), key, r.Body, r.ContentLength)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *HTTPHandler) handleUpload(w http.ResponseWriter, r *http.Request) {
	if h.maxSizeBytes > 0 && r.ContentLength > 0 && r.ContentLength > h.maxSizeBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	if err := r.ParseMultipartForm(h.formMemBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	if h.maxSizeBytes > 0 && header.Size > h.maxSizeBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "file exceeds max size limit")
		return
	}

	result, err := h.service.ProcessUpload(r.Context(), file, header.Size, UploadOptions{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		MediaType:   r.FormValue("media_type"),
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, result)
}

func (h *HTTPHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	if !media.ValidKey(key) {
		writeError(w, http.StatusNotFound, "unknown key")
		return
	}
	rec, err := h.service.Status(r.Context(), key)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *HTTPHandler) handleSearchTags(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("tags")
	var min map[string]int
	if raw == "" || json.Unmarshal([]byte(raw), &min) != nil || len(min) == 0 {
		writeError(w, http.StatusBadRequest, `tags must be a JSON object like {"crow":2}`)
		return
	}
	hits, err := h.service.SearchTags(r.Context(), min)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": hits})
}

func (h *HTTPHandler) handleSearchSpecies(w http.ResponseWriter, r *http.Request) {
	species := strings.TrimSpace(r.URL.Query().Get("species"))
	if species == "" {
		writeError(w, http.StatusBadRequest, "species is required")
		return
	}
	hits, err := h.service.SearchSpecies(r.Context(), species)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": hits})
}

type tagsRequest struct {
	Keys      []string `json:"keys"`
	Operation *int     `json:"operation"`
	Tags      []string `json:"tags"`
}

func (h *HTTPHandler) handleTags(w http.ResponseWriter, r *http.Request) {
	var req tagsRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Keys) == 0 || len(req.Tags) == 0 || req.Operation == nil {
		writeError(w, http.StatusBadRequest, "keys, operation and tags are required")
		return
	}
	op, err := results.ParseOperation(*req.Operation)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	updated, err := h.service.AdjustTags(r.Context(), req.Keys, op, req.Tags)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": updated})
}

func (h *HTTPHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	if !media.ValidKey(key) {
		writeError(w, http.StatusNotFound, "unknown key")
		return
	}
	if err := h.service.Delete(r.Context(), key); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) handleFile(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	rc, err := h.service.OpenLocal(key)
	if err != nil {
		if errors.Is(err, media.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		h.writeServiceError(w, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("stream local file", zap.String("key", key), zap.Error(err))
	}
}

func (h *HTTPHandler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, media.ErrInvalidMediaType), errors.Is(err, media.ErrInvalidSize),
		errors.Is(err, results.ErrInvalidTagEntry):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, media.ErrPayloadTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, media.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, media.ErrGrantExpired):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, media.ErrGrantAlreadyUsed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, media.ErrStoreUnavailable):
		h.logger.Error("dependency unavailable", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
	default:
		h.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{
		"error": msg,
	})
}
