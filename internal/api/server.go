// Package api serves redial's HTTP surface: the enqueue ingress, the
// carrier-facing callback endpoints, the media-stream WebSocket, and the
// observability read API.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/redialhq/redial/internal/api/middleware"
	"github.com/redialhq/redial/internal/carrier"
	"github.com/redialhq/redial/internal/config"
	"github.com/redialhq/redial/internal/crm"
	"github.com/redialhq/redial/internal/database"
	"github.com/redialhq/redial/internal/dialer"
)

// StatusProcessor drives the retry state machine from parsed callbacks.
type StatusProcessor interface {
	Process(ctx context.Context, ev dialer.StatusEvent) error
}

// ContactSource fills in callee details the enqueue request left out. Nil
// when no CRM is configured.
type ContactSource interface {
	Contact(ctx context.Context, contactID string) (*crm.Contact, error)
}

// StreamHandler services one upgraded carrier media socket.
type StreamHandler interface {
	Run(ctx context.Context, ws *websocket.Conn)
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router    *chi.Mux
	db        *database.DB
	cfg       *config.Config
	queue     database.CallQueueRepository
	states    database.CallStateRepository
	processor StatusProcessor
	streams   StreamHandler
	contacts  ContactSource
	validator *carrier.Validator
	metrics   http.Handler
	limiter   *middleware.IPRateLimiter
	logger    *slog.Logger

	upgrader websocket.Upgrader
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(db *database.DB, cfg *config.Config, queue database.CallQueueRepository, states database.CallStateRepository, processor StatusProcessor, streams StreamHandler, contacts ContactSource, validator *carrier.Validator, metricsHandler http.Handler, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		db:        db,
		cfg:       cfg,
		queue:     queue,
		states:    states,
		processor: processor,
		streams:   streams,
		contacts:  contacts,
		validator: validator,
		metrics:   metricsHandler,
		limiter: middleware.NewIPRateLimiter(middleware.RateLimitConfig{
			Rate:  rate.Limit(cfg.RateLimitRPS),
			Burst: cfg.RateLimitBurst,
		}),
		logger: logger.With("subsystem", "api"),
		// The carrier connects from its own infrastructure; origin
		// checking does not apply to machine peers.
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops background work owned by the server.
func (s *Server) Close() {
	s.limiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route(s.cfg.RoutePrefix, func(r chi.Router) {
		r.With(middleware.RateLimit(s.limiter)).Post("/outbound-call", s.handleOutboundCall)
		r.Post("/call-status", s.handleCallStatus)
		r.HandleFunc("/outbound-call-twiml", s.handleTwiML)
		r.Get("/outbound-media-stream", s.handleMediaStream)

		r.Get("/queue", s.handleQueueList)
		r.Get("/calls", s.handleCallList)
	})

	s.logger.Info("api routes mounted", "prefix", s.cfg.RoutePrefix)
}

// handleMediaStream upgrades the carrier connection and hands it to the
// bridge for the lifetime of the call.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("media stream upgrade failed", "error", err)
		return
	}
	s.streams.Run(r.Context(), ws)
}
