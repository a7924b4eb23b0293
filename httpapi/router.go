// Package httpapi exposes generation over HTTP
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/richinsley/charimage/client"
	"github.com/richinsley/charimage/generation"
	"go.uber.org/zap"
)

// Generator is implemented by *generation.Coordinator
type Generator interface {
	Generate(ctx context.Context, req generation.GenerationRequest) generation.GenerationResult
	ListImages(ctx context.Context, userID, characterID string) ([]generation.StoredImage, error)
	CheckEmbeddingAvailability(ctx context.Context, characterID string) (generation.EmbeddingAvailability, error)
}

// BackendProbe is implemented by *client.ComfyClient
type BackendProbe interface {
	GetSystemStats(ctx context.Context) (*client.SystemStats, error)
}

var (
	_ Generator    = (*generation.Coordinator)(nil)
	_ BackendProbe = (*client.ComfyClient)(nil)
)

type API struct {
	Generator Generator
	Backend   BackendProbe
	// Gatherer serves /metrics; nil uses the default registry
	Gatherer prometheus.Gatherer
	// ImagesDir, when set, is served under /images for local storage
	ImagesDir string
	Logger    *zap.Logger
}

const healthTimeout = 5 * time.Second

func NewRouter(api *API) http.Handler {
	if api.Logger == nil {
		api.Logger = zap.NewNop()
	}
	if api.Gatherer == nil {
		api.Gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer, requestLogger(api.Logger))

	r.Get("/healthz", api.health)
	r.Handle("/metrics", promhttp.HandlerFor(api.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/characters/{characterID}/images", api.generate)
		r.Get("/characters/{characterID}/embedding", api.embedding)
		r.Get("/users/{userID}/characters/{characterID}/images", api.listImages)
	})

	if api.ImagesDir != "" {
		r.Handle("/images/*", http.StripPrefix("/images/", http.FileServer(http.Dir(api.ImagesDir))))
	}
	return r
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	log := logger.Named("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info("Request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)))
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

// statusFor maps generation errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, generation.ErrInvalidRequest):
		return http.StatusBadRequest
	case generation.IsSafetyViolation(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, generation.ErrCharacterNotFound), errors.Is(err, generation.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, generation.ErrBackendUnavailable), errors.Is(err, generation.ErrBackendProtocol):
		return http.StatusBadGateway
	case errors.Is(err, generation.ErrArtifactNotFound), errors.Is(err, generation.ErrNoImages):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) generate(w http.ResponseWriter, r *http.Request) {
	var req generation.GenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid payload"})
		return
	}
	req.CharacterID = chi.URLParam(r, "characterID")

	res := a.Generator.Generate(r.Context(), req)
	writeJSON(w, statusFor(res.Err), res)
}

func (a *API) listImages(w http.ResponseWriter, r *http.Request) {
	images, err := a.Generator.ListImages(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "characterID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"images":  images,
		"count":   len(images),
	})
}

func (a *API) embedding(w http.ResponseWriter, r *http.Request) {
	avail, err := a.Generator.CheckEmbeddingAvailability(r.Context(), chi.URLParam(r, "characterID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, avail)
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	if a.Backend == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	stats, err := a.Backend.GetSystemStats(ctx)
	if err != nil {
		a.Logger.Warn("Backend health probe failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "backend": stats})
}
