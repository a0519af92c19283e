package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/calsync/internal/database"
	"github.com/dukerupert/calsync/internal/handler"
	"github.com/dukerupert/calsync/internal/middleware"
	"github.com/dukerupert/calsync/internal/reconcile"
	"github.com/dukerupert/calsync/internal/secret"
	"github.com/dukerupert/calsync/internal/store"
	"github.com/dukerupert/calsync/internal/webhook"
	ws "github.com/dukerupert/calsync/internal/websocket"
)

const (
	defaultWebhookRateLimit = 120
	manualImportLimit       = 6 // per user per minute
)

// Options configures the HTTP surface.
type Options struct {
	JWTSecret        []byte
	AllowedOrigins   []string
	WebhookRateLimit int // deliveries per minute per channel
}

// Deps are the long-lived components the routes call into. Enricher and
// Searcher may be nil when embeddings are disabled.
type Deps struct {
	Hub        *ws.Hub
	Sync       handler.SyncRunner
	Watches    handler.WatchManager
	Dispatcher *webhook.Dispatcher
	Enricher   reconcile.Enricher
	Searcher   handler.Searcher
}

type Server struct {
	db          *database.DB
	hub         *ws.Hub
	dispatcher  *webhook.Dispatcher
	eventH      *handler.CalendarEventHandler
	searchH     *handler.SearchHandler
	credentialH *handler.CredentialHandler
	watchH      *handler.WatchHandler
	syncH       *handler.SyncHandler
	rateLimiter *middleware.RateLimiter
	opts        Options
	logger      *slog.Logger
}

func New(db *database.DB, sealer *secret.Sealer, deps Deps, opts Options, logger *slog.Logger) *Server {
	if opts.WebhookRateLimit <= 0 {
		opts.WebhookRateLimit = defaultWebhookRateLimit
	}

	eventStore := store.NewEventStore(db)
	credentialStore := store.NewCredentialStore(db, sealer)
	watchStore := store.NewWatchStore(db)
	runStore := store.NewRunStore(db)

	var notifier reconcile.Notifier
	if deps.Hub != nil {
		notifier = deps.Hub
	}

	return &Server{
		db:          db,
		hub:         deps.Hub,
		dispatcher:  deps.Dispatcher,
		eventH:      handler.NewCalendarEventHandler(eventStore, notifier, deps.Enricher, logger.With("component", "calendar")),
		searchH:     handler.NewSearchHandler(deps.Searcher, logger.With("component", "search")),
		credentialH: handler.NewCredentialHandler(credentialStore, logger.With("component", "credential")),
		watchH:      handler.NewWatchHandler(deps.Watches, watchStore, logger.With("component", "watch")),
		syncH:       handler.NewSyncHandler(deps.Sync, runStore, notifier, logger.With("component", "sync")),
		rateLimiter: middleware.NewRateLimiter(),
		opts:        opts,
		logger:      logger,
	}
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()

	// Public routes
	outerMux.HandleFunc("GET /health", s.healthHandler)
	outerMux.Handle("POST /webhooks/google", s.throttledWebhook(webhook.Handler(s.dispatcher)))

	// Protected routes, wrapped with RequireToken
	protectedMux := http.NewServeMux()
	s.registerProtectedRoutes(protectedMux)

	authMiddleware := middleware.RequireToken(s.opts.JWTSecret)
	outerMux.Handle("/", authMiddleware(protectedMux))

	return middleware.RequestLogger(s.logger.With("component", "http"))(outerMux)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")
	if err := s.db.PingContext(ctx); err != nil {
		s.logger.Error("health check", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "unavailable"})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// throttledWebhook limits dispatches per channel. Deliveries over the limit
// are acknowledged with 200 and not dispatched.
func (s *Server) throttledWebhook(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		channelID := r.Header.Get(webhook.HeaderChannelID)
		if ok, _ := s.rateLimiter.Allow("webhook:"+channelID, s.opts.WebhookRateLimit, time.Minute); !ok {
			s.logger.Warn("webhook throttled", "channel_id", channelID)
			w.WriteHeader(http.StatusOK)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func (s *Server) registerProtectedRoutes(mux *http.ServeMux) {
	// Calendar event API routes
	mux.HandleFunc("POST /api/events", s.eventH.Create)
	mux.HandleFunc("GET /api/events", s.eventH.List)
	mux.HandleFunc("GET /api/events/similar", s.searchH.Similar)
	mux.HandleFunc("GET /api/events.ics", s.eventH.Export)
	mux.HandleFunc("GET /api/events/{id}", s.eventH.Get)
	mux.HandleFunc("PUT /api/events/{id}", s.eventH.Update)
	mux.HandleFunc("DELETE /api/events/{id}", s.eventH.Delete)
	mux.HandleFunc("POST /api/events/{id}/complete", s.eventH.Complete)

	// Provider credential
	mux.HandleFunc("GET /api/credentials", s.credentialH.Get)
	mux.HandleFunc("PUT /api/credentials", s.credentialH.Put)

	// Watch subscriptions
	mux.HandleFunc("POST /api/watches", s.watchH.Create)
	mux.HandleFunc("GET /api/watches", s.watchH.List)
	mux.HandleFunc("DELETE /api/watches/{id}", s.watchH.Delete)

	// Sync
	importLimit := middleware.RateLimit(s.rateLimiter, middleware.ByUser, manualImportLimit, time.Minute)
	mux.Handle("POST /api/sync", importLimit(http.HandlerFunc(s.syncH.Import)))
	mux.HandleFunc("GET /api/sync/runs", s.syncH.Runs)

	// Change feed
	mux.HandleFunc("GET /ws", ws.HandleWebSocket(s.hub, s.opts.AllowedOrigins, s.logger.With("component", "websocket")))
}
