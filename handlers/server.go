package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"auto-focus.app/licensing/internal/licensing"
	"auto-focus.app/licensing/internal/logger"
	"auto-focus.app/licensing/internal/ratelimit"
	"auto-focus.app/licensing/storage"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Options struct {
	WebhookSecret  string
	AllowedOrigins []string
	Version        string
	// ValidateLimiter guards the license validation route. Nil disables it.
	ValidateLimiter ratelimit.RateLimit
	RetryAfter      time.Duration
}

type Server struct {
	Router     chi.Router
	Storage    storage.Storage
	Reconciler *licensing.Reconciler
	Actions    *licensing.Service

	webhookSecret string
	version       string
	now           func() time.Time
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

func NewHttpServer(store storage.Storage, reconciler *licensing.Reconciler, actions *licensing.Service, opts Options) *Server {
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = time.Minute
	}

	s := &Server{
		Router:        chi.NewRouter(),
		Storage:       store,
		Reconciler:    reconciler,
		Actions:       actions,
		webhookSecret: opts.WebhookSecret,
		version:       opts.Version,
		now:           time.Now,
	}

	r := s.Router
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Stripe-Signature"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/webhooks/stripe", s.Stripe)
		r.Post("/subscriptions/actions", s.SubscriptionAction)
		r.Group(func(r chi.Router) {
			if opts.ValidateLimiter != nil {
				r.Use(ratelimit.Middleware(opts.ValidateLimiter, opts.RetryAfter))
			}
			r.Post("/licenses/validate", s.ValidateLicense)
		})
	})

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

// SetClock replaces the time source used for expiry checks.
func (s *Server) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if p, ok := s.Storage.(storage.Pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			logger.Error("Storage health check failed", map[string]interface{}{
				"error": err.Error(),
			})
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, HealthResponse{
		Status:    status,
		Version:   s.version,
		Timestamp: s.now().UTC(),
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Debug("Request handled", map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("Failed to encode response", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
