package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/meshloan/flashmesh/internal/domain"
	"github.com/meshloan/flashmesh/internal/server/handler"
	"github.com/meshloan/flashmesh/internal/server/middleware"
	"github.com/meshloan/flashmesh/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	AdminToken  string // if empty, authentication is disabled

	// RateLimiter, when set, throttles requests per client IP with the
	// given minimum spacing.
	RateLimiter domain.SpacingLimiter
	MinSpacing  time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health *handler.HealthHandler
	Status *handler.StatusHandler
	Loans  *handler.LoanHandler
	Bridge *handler.BridgeHandler
	Admin  *handler.AdminHandler

	// Archive is nil when blob storage is not configured; its routes are
	// then not registered.
	Archive *handler.ArchiveHandler
}

// Server is the HTTP + WebSocket API server for a flashmesh node.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (logging, CORS, auth, rate limiting) and attaches
// the WebSocket hub.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check and node status.
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	// Loan vault endpoints.
	mux.HandleFunc("GET /api/loans", handlers.Loans.ListLoans)
	mux.HandleFunc("GET /api/loans/active", handlers.Loans.ListActive)
	mux.HandleFunc("GET /api/loans/{id}", handlers.Loans.GetLoan)
	mux.HandleFunc("POST /api/loans", handlers.Loans.CreateLoan)
	mux.HandleFunc("POST /api/loans/{id}/execute", handlers.Loans.ExecuteLoan)
	mux.HandleFunc("POST /api/loans/{id}/reclaim", handlers.Loans.ReclaimLoan)

	// Bridge endpoints.
	mux.HandleFunc("POST /api/bridge/initiate", handlers.Bridge.Initiate)
	mux.HandleFunc("GET /api/bridge/pending", handlers.Bridge.ListPending)
	mux.HandleFunc("GET /api/bridge/trips/{id}", handlers.Bridge.GetRoundTrip)

	// Operator endpoints.
	mux.HandleFunc("POST /api/admin/pause", handlers.Admin.SetPaused)
	mux.HandleFunc("POST /api/admin/limits", handlers.Admin.SetAssetLimits)
	mux.HandleFunc("POST /api/admin/breaker", handlers.Admin.SetCircuitBreaker)
	mux.HandleFunc("POST /api/admin/max-loan", handlers.Admin.SetMaxLoanAmount)
	mux.HandleFunc("POST /api/admin/spacing", handlers.Admin.SetMinSpacing)
	mux.HandleFunc("POST /api/admin/withdraw-fees", handlers.Admin.WithdrawFees)
	mux.HandleFunc("POST /api/admin/emergency-withdraw", handlers.Admin.EmergencyWithdraw)
	mux.HandleFunc("GET /api/admin/fees", handlers.Admin.GetFees)

	// Cold-storage archive, when blob storage is configured.
	if handlers.Archive != nil {
		mux.HandleFunc("GET /api/archive", handlers.Archive.ListArchives)
		mux.HandleFunc("GET /api/archive/{path...}", handlers.Archive.GetArchive)
		mux.HandleFunc("HEAD /api/archive/{path...}", handlers.Archive.StatArchive)
	}

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux

	// Auth middleware (skips if AdminToken is empty).
	h = middleware.Auth(cfg.AdminToken)(h)

	if cfg.RateLimiter != nil && cfg.MinSpacing > 0 {
		h = middleware.RateLimit(cfg.RateLimiter, cfg.MinSpacing)(h)
	}

	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
