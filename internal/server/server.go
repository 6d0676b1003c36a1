// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"log/slog"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/settle/internal/config"
	"github.com/mbd888/settle/internal/dispute"
	"github.com/mbd888/settle/internal/escrow"
	"github.com/mbd888/settle/internal/events"
	"github.com/mbd888/settle/internal/idgen"
	"github.com/mbd888/settle/internal/ledger"
	"github.com/mbd888/settle/internal/logging"
	"github.com/mbd888/settle/internal/metrics"
	"github.com/mbd888/settle/internal/provider"
	"github.com/mbd888/settle/internal/tx"
)

// maxRequestSize bounds request bodies (1MB).
const maxRequestSize = 1 << 20

// Server wraps the HTTP server and dependencies.
type Server struct {
	cfg            *config.Config
	client         ledger.Client
	bus            *events.Bus
	hub            *events.Hub
	registry       *provider.Registry
	operator       tx.Signer
	escrowService  *escrow.Service
	escrowTimer    *escrow.Timer
	disputeService *dispute.Service
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithLedgerClient sets a custom ledger client (for testing).
func WithLedgerClient(c ledger.Client) Option {
	return func(s *Server) {
		s.client = c
	}
}

// New creates a new server instance.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.healthy.Store(true)

	if s.client == nil {
		s.client = ledger.NewRPCClient(cfg.LedgerRPCURL, cfg.SubmitTimeout)
	}

	s.bus = events.NewBus()
	s.hub = events.NewHub(s.bus, s.logger)

	// Wallet provider backends.
	s.registry = provider.NewRegistry(cfg.Network, s.bus)
	if cfg.SignerKey != "" {
		local, err := provider.NewLocalProvider(cfg.SignerKey)
		if err != nil {
			return nil, fmt.Errorf("local signer: %w", err)
		}
		s.registry.Register(local)
	}
	if cfg.RemoteSignerURL != "" {
		s.registry.Register(provider.NewRemoteProvider("remote", cfg.RemoteSignerURL))
	}

	if cfg.SignerKey != "" {
		session, err := s.registry.Connect(context.Background(), "local")
		if err != nil {
			return nil, fmt.Errorf("operator session: %w", err)
		}
		s.operator = session
		s.logger.Info("operator signer connected", "address", session.Address())
	} else {
		s.logger.Warn("no SIGNER_KEY set, settlement endpoints require a provider per request")
	}

	commitment, err := ledger.ParseCommitment(cfg.Commitment)
	if err != nil {
		return nil, err
	}

	submitter := tx.NewSubmitter(s.client, s.logger, cfg.SubmitTimeout,
		tx.WithMaxAttempts(cfg.MaxSubmitRetries))
	tracker := tx.NewTracker(s.client, s.logger)

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory).
	var escrowStore escrow.Store
	var disputeStore dispute.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		escrowStore = escrow.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		escrowStore = escrow.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		s.logger.Info("using in-memory storage")
	}

	s.escrowService = escrow.NewService(escrowStore, s.bus, submitter, tracker, escrow.Config{
		FundingTimeout: cfg.FundingTimeout,
		ConfirmTimeout: cfg.ConfirmTimeout,
		Commitment:     commitment,
		AutoRelease:    cfg.AutoRelease,
		FeeBps:         int64(cfg.FeeBps),
	}, s.logger)
	s.escrowTimer = escrow.NewTimer(s.escrowService, escrowStore, s.operator, cfg.SweepInterval, s.logger)

	s.disputeService = dispute.NewService(disputeStore, s.escrowService, s.bus, cfg.Moderators, s.logger)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Request size limit
	s.router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestSize)
		c.Next()
	})

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.Hex(16)
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")

	v1.GET("/providers", s.providersHandler)

	escrowHandler := escrow.NewHandler(s.escrowService, s.registry, s.operator, s.client, s.cfg.MintDecimals)
	escrowHandler.RegisterRoutes(v1)

	disputeHandler := dispute.NewHandler(s.disputeService, s.operator)
	disputeHandler.RegisterRoutes(v1)
}

// providersHandler lists installed signer backends.
func (s *Server) providersHandler(c *gin.Context) {
	installed := s.registry.Discover()
	ids := make([]string, 0, len(installed))
	for _, p := range installed {
		ids = append(ids, p.ID())
	}
	c.JSON(http.StatusOK, gin.H{
		"providers": ids,
		"network":   s.cfg.Network,
	})
}

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	// A balance probe exercises the full RPC path.
	if _, err := s.client.Balance(ctx, "health-probe"); err != nil && errors.Is(err, ledger.ErrUnavailable) {
		checks["ledger"] = "unhealthy"
	} else {
		checks["ledger"] = "healthy"
	}

	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
		} else {
			checks["database"] = "healthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	for _, v := range checks {
		if v != "healthy" {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Router exposes the gin engine for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "network", s.cfg.Network)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	go s.escrowTimer.Start(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel background goroutines (hub, sweeper).
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.escrowTimer.Stop()
	s.bus.Close()

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("database close error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}

// maskDSN hides credentials when logging a connection string.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "(unparseable)"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.Redacted()
}
