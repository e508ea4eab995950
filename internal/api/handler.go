// Package api provides the HTTP relay between browsers and the analysis service.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Cybrite/project-amobagan/internal/credential"
	"github.com/Cybrite/project-amobagan/internal/identity"
	"github.com/Cybrite/project-amobagan/internal/metrics"
	"github.com/Cybrite/project-amobagan/internal/nutrition"
	"github.com/Cybrite/project-amobagan/internal/speech"
	"github.com/Cybrite/project-amobagan/internal/store"
	"github.com/Cybrite/project-amobagan/internal/stream"
	"github.com/go-chi/chi/v5"
)

const defaultKeepalive = 15 * time.Second

// Options configures a Handler.
type Options struct {
	Repo               store.Repository
	Sessions           *credential.SessionStore
	Tracker            *nutrition.Tracker
	Speech             speech.Synthesizer // nil disables the speech route
	Metrics            *metrics.Metrics   // nil disables instrumentation
	Stream             stream.Config
	RateLimitPerMinute int
	Keepalive          time.Duration
	Logger             *slog.Logger
}

// Handler serves the relay routes.
type Handler struct {
	repo      store.Repository
	sessions  *credential.SessionStore
	clients   *ClientRegistry
	tracker   *nutrition.Tracker
	speech    speech.Synthesizer
	metrics   *metrics.Metrics
	limiter   *RateLimiter
	streamCfg stream.Config
	keepalive time.Duration
	logger    *slog.Logger
}

// NewHandler creates a Handler. Call Close on shutdown.
func NewHandler(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sessions := opts.Sessions
	if sessions == nil {
		sessions = credential.NewSessionStore()
	}
	tracker := opts.Tracker
	if tracker == nil {
		tracker = nutrition.NewTracker(opts.Repo, nil, logger)
	}
	keepalive := opts.Keepalive
	if keepalive <= 0 {
		keepalive = defaultKeepalive
	}
	perMinute := opts.RateLimitPerMinute
	if perMinute <= 0 {
		perMinute = 30
	}

	return &Handler{
		repo:      opts.Repo,
		sessions:  sessions,
		clients:   NewClientRegistry(),
		tracker:   tracker,
		speech:    opts.Speech,
		metrics:   opts.Metrics,
		limiter:   NewRateLimiter(perMinute),
		streamCfg: opts.Stream,
		keepalive: keepalive,
		logger:    logger,
	}
}

// RegisterRoutes registers the relay API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Put("/credential", h.PutCredential)
		r.Delete("/credential", h.DeleteCredential)
		r.Get("/profile", h.GetProfile)
		r.Put("/profile", h.PutProfile)
		r.Get("/nutritional-status", h.GetNutritionalStatus)

		r.Route("/analysis", func(r chi.Router) {
			r.Get("/", h.ListAnalyses)
			r.Get("/stream", h.StreamAnalysis)
			r.Get("/{id}", h.GetAnalysis)
			r.Post("/{id}/consume", h.ConsumeAnalysis)
			r.Post("/{id}/speech", h.SpeakAnalysis)
		})
	})
}

// Close tears down every upstream client and stops the rate limiter.
func (h *Handler) Close() {
	h.clients.CloseAll()
	h.limiter.Stop()
}

// credentials returns the resolver chain for a caller: durable then session.
func (h *Handler) credentials(c identity.Caller) credential.Chain {
	return credential.ForUser(h.repo, h.sessions, c.UserID, c.SessionID)
}

func (h *Handler) clientOptions() []stream.ClientOption {
	opts := []stream.ClientOption{stream.WithLogger(h.logger)}
	if h.metrics != nil {
		opts = append(opts, stream.WithObserver(h.metrics))
	}
	return opts
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// StreamError writes a stream failure with its kind.
func StreamError(w http.ResponseWriter, err error) {
	kind := stream.KindOf(err)
	JSON(w, statusForKind(kind), map[string]string{
		"error": errorMessage(err),
		"kind":  kind.String(),
	})
}

func statusForKind(kind stream.Kind) int {
	switch kind {
	case stream.KindUnauthenticated:
		return http.StatusUnauthorized
	case stream.KindInvalidRequest:
		return http.StatusBadRequest
	case stream.KindTimeout:
		return http.StatusGatewayTimeout
	case stream.KindCancelled:
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

// errorMessage returns the user-facing message of a stream error without
// the wrapped cause.
func errorMessage(err error) string {
	var se *stream.Error
	if errors.As(err, &se) {
		return se.Message
	}
	return err.Error()
}
