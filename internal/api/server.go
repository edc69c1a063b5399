// Package api serves the subtrack REST API and the live job event feed.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/subtrack/subtrack/internal/config"
	"github.com/subtrack/subtrack/internal/jobs"
	"github.com/subtrack/subtrack/internal/notify"
	"github.com/subtrack/subtrack/internal/recommend"
	"github.com/subtrack/subtrack/internal/store"
)

// UserHeader identifies the calling user.
const UserHeader = "X-Subtrack-User"

// Notifier queues a notification for background delivery.
type Notifier interface {
	Send(n notify.Notification)
}

// Server is the subtrack HTTP API server.
type Server struct {
	config      config.ServerConfig
	store       store.Store
	cfgLoader   *config.Loader
	recommender *recommend.Service
	runner      *jobs.Runner
	fetcher     jobs.Fetcher
	notifier    Notifier
	wsHub       *WebSocketHub
	mux         *http.ServeMux
	httpServer  *http.Server
	now         func() time.Time
	logger      *slog.Logger
}

// NewServer creates a new API server. runner may be nil, which disables the
// job endpoints. When set, the runner's events are streamed to websocket
// clients.
func NewServer(
	cfg config.ServerConfig,
	st store.Store,
	cfgLoader *config.Loader,
	recommender *recommend.Service,
	runner *jobs.Runner,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:      cfg,
		store:       st,
		cfgLoader:   cfgLoader,
		recommender: recommender,
		runner:      runner,
		wsHub:       NewWebSocketHub(logger, cfg.CORS),
		mux:         http.NewServeMux(),
		now:         time.Now,
		logger:      logger.With("component", "api.Server"),
	}
	if runner != nil {
		runner.SetPublisher(s.wsHub)
	}

	s.registerRoutes()
	return s
}

// SetUsageSource enables the per-plan usage chart and scoring routes,
// which download activity with f.
func (s *Server) SetUsageSource(f jobs.Fetcher) {
	s.fetcher = f
}

// SetNotifier sends unused-subscription warnings after on-demand scoring.
func (s *Server) SetNotifier(n Notifier) {
	s.notifier = n
}

func (s *Server) registerRoutes() {
	// Users
	s.mux.HandleFunc("POST /api/users", s.handleCreateUser)
	s.mux.HandleFunc("GET /api/user/settings", s.userRequired(s.handleGetSettings))
	s.mux.HandleFunc("PATCH /api/user/settings", s.userRequired(s.handleUpdateSettings))

	// Catalog
	s.mux.HandleFunc("GET /api/categories", s.handleListCategories)
	s.mux.HandleFunc("POST /api/categories", s.userRequired(s.handleSaveCategory))
	s.mux.HandleFunc("PUT /api/categories/{id}", s.userRequired(s.handleSaveCategory))
	s.mux.HandleFunc("GET /api/subscriptions", s.handleListSubscriptions)
	s.mux.HandleFunc("POST /api/subscriptions", s.userRequired(s.handleSaveSubscription))
	s.mux.HandleFunc("PUT /api/subscriptions/{id}", s.userRequired(s.handleSaveSubscription))
	s.mux.HandleFunc("GET /api/plans", s.handleListPlans)
	s.mux.HandleFunc("POST /api/plans", s.userRequired(s.handleSavePlan))
	s.mux.HandleFunc("PUT /api/plans/{id}", s.userRequired(s.handleSavePlan))

	// User plans
	s.mux.HandleFunc("GET /api/user-plans", s.userRequired(s.handleListUserPlans))
	s.mux.HandleFunc("POST /api/user-plans", s.userRequired(s.handleCreateUserPlan))
	s.mux.HandleFunc("GET /api/user-plans/{id}/scores", s.userRequired(s.handleListScores))
	s.mux.HandleFunc("GET /api/user-plans/{id}/usage", s.userRequired(s.handleUsageChart))
	s.mux.HandleFunc("POST /api/user-plans/{id}/score", s.userRequired(s.handleScoreUserPlan))
	s.mux.HandleFunc("PATCH /api/user-plans/{id}/toggle-usage", s.userRequired(s.handleToggleUsage))
	s.mux.HandleFunc("DELETE /api/user-plans/{id}", s.userRequired(s.handleDeleteUserPlan))

	// Analytics
	s.mux.HandleFunc("GET /api/spending/total", s.userRequired(s.handleTotalSpending))
	s.mux.HandleFunc("GET /api/spending/average", s.userRequired(s.handleAverageSpending))
	s.mux.HandleFunc("GET /api/spending/category", s.userRequired(s.handleSpendingByCategory))
	s.mux.HandleFunc("GET /api/usage/category", s.userRequired(s.handleUsageByCategory))
	s.mux.HandleFunc("GET /api/budget", s.userRequired(s.handleBudget))
	s.mux.HandleFunc("POST /api/usage/score", s.handleScoreUsage)

	// Jobs
	s.mux.HandleFunc("POST /api/jobs/payments", s.handleRunPayments)
	s.mux.HandleFunc("POST /api/jobs/usage", s.handleRunUsage)

	// System
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// WebSocket
	s.mux.HandleFunc("GET /api/ws/events", s.wsHub.HandleWebSocket)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	if s.config.CORS {
		return corsMiddleware(s.mux)
	}
	return s.mux
}

// Start starts the API server on the given address.
func (s *Server) Start(addr string) error {
	go s.wsHub.Run()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.wsHub.Close()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers for browser clients.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+UserHeader)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// APIAddr makes a listen address from a port.
func APIAddr(port int) string {
	return fmt.Sprintf(":%d", port)
}
