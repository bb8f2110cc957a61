// Package server exposes the relay's HTTP surface: one route per feature,
// image upload, the session transcript and the websocket push channel.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"chatrelay/internal/feature"
	"chatrelay/internal/hub"
	"chatrelay/internal/limits"
	"chatrelay/internal/metrics"
	"chatrelay/internal/normalize"
	"chatrelay/internal/providers/imgur"
	"chatrelay/internal/storage"
)

const (
	SessionHeader     = "X-Session-ID"
	IdempotencyHeader = "Idempotency-Key"
	DefaultSession    = "default"

	maxJSONBody   = 1 << 20
	maxUploadBody = 10 << 20
)

// Dispatcher is the part of dispatch.Dispatcher the handlers need.
type Dispatcher interface {
	Dispatch(ctx context.Context, name string, payload map[string]string) (normalize.Reply, error)
}

type Config struct {
	Dispatcher  Dispatcher
	Store       *storage.Store
	Hub         *hub.Hub
	Uploader    *imgur.Client
	RateLimiter *limits.RateLimiter
	Idempotency *limits.Idempotency
	StaticDir   string
	HealthPath  string
	MetricsPath string
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
}

type Server struct {
	dispatcher  Dispatcher
	store       *storage.Store
	hub         *hub.Hub
	uploader    *imgur.Client
	rateLimiter *limits.RateLimiter
	idempotency *limits.Idempotency
	staticDir   string
	healthPath  string
	metricsPath string
	logger      zerolog.Logger
	metrics     *metrics.Metrics
}

func New(cfg Config) *Server {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/healthz"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.Uploader == nil {
		cfg.Uploader = imgur.New(imgur.Config{})
	}
	return &Server{
		dispatcher:  cfg.Dispatcher,
		store:       cfg.Store,
		hub:         cfg.Hub,
		uploader:    cfg.Uploader,
		rateLimiter: cfg.RateLimiter,
		idempotency: cfg.Idempotency,
		staticDir:   cfg.StaticDir,
		healthPath:  cfg.HealthPath,
		metricsPath: cfg.MetricsPath,
		logger:      cfg.Logger,
		metrics:     m,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors)

	r.Get(s.healthPath, s.handleHealth)
	r.Handle(s.metricsPath, promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)

		for _, f := range []feature.Feature{feature.Quote, feature.Motivation, feature.Advice} {
			r.Get(f.Path(), s.handleFeature(f.String()))
		}
		for _, f := range []feature.Feature{feature.Chat, feature.Vision, feature.RemoveBG, feature.Remini} {
			r.Post(f.Path(), s.handleFeature(f.String()))
		}
		r.Post("/"+feature.ImagePrefix+"{style}", s.handleImage)
		r.Post("/upload", s.handleUpload)
	})

	r.Get("/messages", s.handleMessages)
	r.Get("/", s.handleRoot)
	if s.staticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(s.staticDir)))
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		if err := s.store.Ping(r.Context()); err != nil {
			s.logger.Error().Err(err).Msg("health check: store unreachable")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("store unavailable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		if s.hub == nil {
			writeJSON(w, http.StatusServiceUnavailable, errorBody("Push channel is disabled."))
			return
		}
		s.hub.ServeWS(w, r, sessionID(r))
		return
	}
	if s.staticDir != "" {
		http.FileServer(http.Dir(s.staticDir)).ServeHTTP(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("chatrelay\n"))
}

// sessionID scopes transcripts, push connections and rate limits.
func sessionID(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(SessionHeader)); v != "" {
		return v
	}
	if v := strings.TrimSpace(r.URL.Query().Get("session")); v != "" {
		return v
	}
	return DefaultSession
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(started)).
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.rateLimiter.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		win, err := s.rateLimiter.Allow(r.Context(), sessionID(r), time.Now())
		if err != nil {
			// fail open on redis errors
			s.logger.Error().Err(err).Msg("rate limit check failed")
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(win.Limit, 10))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(win.Remaining(), 10))
		if !win.Allowed {
			s.metrics.RateLimited.Inc()
			w.Header().Set("Retry-After", win.ResetAt.UTC().Format(http.TimeFormat))
			writeJSON(w, http.StatusTooManyRequests, errorBody("Rate limit exceeded. Try again later."))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+SessionHeader+", "+IdempotencyHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}
