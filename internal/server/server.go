// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/milepay/internal/agreements"
	"github.com/mbd888/milepay/internal/auth"
	"github.com/mbd888/milepay/internal/circuitbreaker"
	"github.com/mbd888/milepay/internal/config"
	"github.com/mbd888/milepay/internal/disputes"
	"github.com/mbd888/milepay/internal/docstore"
	"github.com/mbd888/milepay/internal/events"
	"github.com/mbd888/milepay/internal/health"
	"github.com/mbd888/milepay/internal/ledger"
	"github.com/mbd888/milepay/internal/logging"
	"github.com/mbd888/milepay/internal/metrics"
	"github.com/mbd888/milepay/internal/rails"
	"github.com/mbd888/milepay/internal/ratelimit"
	"github.com/mbd888/milepay/internal/realtime"
	"github.com/mbd888/milepay/internal/reconciliation"
	"github.com/mbd888/milepay/internal/security"
	"github.com/mbd888/milepay/internal/traces"
	"github.com/mbd888/milepay/internal/validation"
	"github.com/mbd888/milepay/internal/wallet"
	"github.com/mbd888/milepay/internal/webhooks"
	"github.com/mbd888/milepay/migrations"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// eventWorkers is the number of goroutines delivering events to sinks.
const eventWorkers = 4

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	store         docstore.Store
	rails         *rails.Registry
	engine        *wallet.Engine
	agreements    *agreements.Service
	disputes      *disputes.Service
	authMgr       *auth.Manager
	emitter       *events.Emitter
	webhookStore  *webhooks.Store
	webhooks      *webhooks.Dispatcher
	realtimeHub   *realtime.Hub
	reconciler    *reconciliation.Runner
	scheduler     *reconciliation.Scheduler
	health        *health.Registry
	rateLimiter   *ratelimit.Limiter
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	traceShutdown func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStore sets the document store instead of opening one from config (for testing)
func WithStore(store docstore.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithRails sets the payment rails instead of building them from config (for testing)
func WithRails(r *rails.Registry) Option {
	return func(s *Server) {
		s.rails = r
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	// Apply options first (may set store/rails/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.traceShutdown = shutdown

	if err := s.setupStorage(ctx); err != nil {
		return nil, err
	}
	if s.rails == nil {
		s.rails = s.buildRails()
	}

	// Event fan-out: log, user webhooks, websocket clients and optionally SNS
	s.emitter = events.NewEmitter(s.logger, events.NewLogSink(s.logger))
	s.webhookStore = webhooks.NewStore(s.store)
	s.webhooks = webhooks.NewDispatcher(s.webhookStore).WithLogger(s.logger)
	if cfg.IsProduction() {
		s.webhooks.WithEndpointPolicy(security.ProductionPolicy())
	}
	s.emitter.AddSink(s.webhooks)
	s.realtimeHub = realtime.NewHub(s.logger).WithAllowedOrigins(cfg.AllowedOrigins)
	s.emitter.AddSink(s.realtimeHub)
	if cfg.SNSTopicARN != "" {
		sink, err := events.NewSNSSinkFromEnv(ctx, cfg.SNSTopicARN)
		if err != nil {
			s.logger.Warn("failed to configure SNS sink, continuing without it", "error", err)
		} else {
			s.emitter.AddSink(sink)
			s.logger.Info("SNS event fan-out enabled", "topic", cfg.SNSTopicARN)
		}
	}
	s.emitter.Start(eventWorkers)

	// Money movement
	s.engine = wallet.NewEngine(s.store, s.rails, feeSchedule(cfg), cfg.PlatformWalletID, cfg.Currency).
		WithEvents(s.emitter).
		WithLogger(s.logger)

	// Agreements and disputes. The dispute service gates milestone approvals.
	s.agreements = agreements.NewService(s.store, s.engine).
		WithEvents(s.emitter).
		WithLogger(s.logger)
	s.disputes = disputes.NewService(s.agreements).
		WithEvents(s.emitter).
		WithLogger(s.logger)
	s.agreements.WithDisputeGate(s.disputes)

	s.authMgr = auth.NewManager(cfg.JWTSecret, "milepay")

	// Reconciliation
	s.reconciler = reconciliation.NewRunner(s.engine, s.store, s.logger)
	if cfg.ReconcileSchedule != "" {
		sched, err := reconciliation.NewScheduler(s.reconciler, cfg.ReconcileSchedule, s.logger)
		if err != nil {
			return nil, err
		}
		s.scheduler = sched
	}

	s.setupHealth()

	// Setup router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// setupStorage opens Postgres when DATABASE_URL is set and falls back to the
// in-memory store otherwise.
func (s *Server) setupStorage(ctx context.Context) error {
	if s.store != nil {
		return nil
	}
	if s.cfg.DatabaseURL == "" {
		s.store = docstore.NewMemoryStore().WithRetry(s.cfg.TxMaxAttempts, s.cfg.TxBaseDelay)
		s.logger.Warn("using in-memory storage, data is lost on restart")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Test connection
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if s.cfg.AutoMigrate {
		applied, err := migrations.Up(ctx, db)
		if err != nil {
			_ = db.Close()
			return fmt.Errorf("apply migrations: %w", err)
		}
		s.logger.Info("migrations applied", "count", len(applied))
	}

	if err := metrics.RegisterDB(db); err != nil {
		s.logger.Warn("database pool metrics unavailable", "error", err)
	}
	s.db = db
	s.store = docstore.NewPostgresStore(db).WithRetry(s.cfg.TxMaxAttempts, s.cfg.TxBaseDelay)
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

// buildRails routes every source and destination kind to Stripe when a key
// is configured, otherwise to the sandbox.
func (s *Server) buildRails() *rails.Registry {
	var rail rails.Rail
	if s.cfg.StripeSecretKey != "" {
		rail = rails.NewStripeRail(s.cfg.StripeSecretKey)
		s.logger.Info("payment rail: stripe")
	} else {
		rail = rails.NewSandboxRail()
		s.logger.Warn("payment rail: sandbox, no money moves")
	}

	return rails.NewRegistry(circuitbreaker.New(5, 30*time.Second).WithLogger(s.logger)).
		HandleSource(rails.SourceCard, rail).
		HandleSource(rails.SourceBank, rail).
		HandleDestination(rails.DestinationBank, rail).
		HandleDestination(rails.DestinationInstant, rail)
}

// feeSchedule overlays configured rates on the default schedule.
func feeSchedule(cfg *config.Config) wallet.FeeSchedule {
	fees := wallet.DefaultFees()
	fees.CardRate = cfg.CardFeeRate
	fees.CardFlatCents = cfg.CardFeeFlatCents
	fees.InstantWithdrawalRate = cfg.InstantWithdrawalFeeRate
	fees.PlatformRate = cfg.PlatformFeeRate
	return fees
}

func (s *Server) setupHealth() {
	s.health = health.NewRegistry()
	s.health.Register("docstore", health.Ping(s.store.Ping))
	s.health.RegisterAdvisory("rails", func(context.Context) health.Status {
		st := health.Status{Healthy: true}
		for _, c := range s.rails.Circuits() {
			if c.State != "closed" {
				st.Healthy = false
				st.Detail = fmt.Sprintf("%s circuit %s", c.Key, c.State)
			}
		}
		return st
	})
	s.health.RegisterAdvisory("reconciliation", func(context.Context) health.Status {
		st := health.Status{Healthy: true}
		if r := s.reconciler.Last(); r != nil && !r.OK() {
			st.Healthy = false
			st.Detail = fmt.Sprintf("%d ledger mismatches, %d escrow drifts, %d orphaned holds",
				len(r.LedgerMismatches), len(r.EscrowDrift), len(r.OrphanedHolds))
		}
		return st
	})
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

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

	// Security headers
	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))

	// CORS
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics and request spans
	s.router.Use(metrics.Middleware())
	s.router.Use(traces.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())

	// Identify the caller, then rate limit per user (or per IP when anonymous)
	s.router.Use(auth.Middleware(s.authMgr))
	s.rateLimiter = ratelimit.New(ratelimit.ForRPM(s.cfg.RateLimitRPM))
	s.router.Use(s.rateLimiter.Middleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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

		// Log level based on status code
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	v1.GET("/platform", s.platformHandler)

	// Public
	authHandler := auth.NewHandler(s.authMgr, s.cfg.IsDevelopment())
	authHandler.RegisterRoutes(v1)
	if s.cfg.StripeWebhookSecret != "" {
		rails.NewWebhookHandler(s.cfg.StripeWebhookSecret, s.engine, s.logger).RegisterRoutes(v1)
	}

	walletHandler := wallet.NewHandler(s.engine)
	ledgerHandler := ledger.NewHandler(s.store)
	disputeHandler := disputes.NewHandler(s.disputes)

	// Any authenticated user
	protected := v1.Group("", auth.RequireAuth())
	authHandler.RegisterProtectedRoutes(protected)
	walletHandler.RegisterProtectedRoutes(protected)
	ledgerHandler.RegisterProtectedRoutes(protected)
	agreements.NewHandler(s.agreements).RegisterProtectedRoutes(protected)
	disputeHandler.RegisterProtectedRoutes(protected)
	webhooks.NewHandler(s.webhookStore, s.webhooks).RegisterProtectedRoutes(protected)
	s.realtimeHub.RegisterProtectedRoutes(protected)

	// Mediators and admins decide disputes
	mediator := v1.Group("", auth.RequireRole(auth.RoleMediator, auth.RoleAdmin))
	disputeHandler.RegisterMediatorRoutes(mediator)

	// Operators
	admin := v1.Group("", auth.RequireRole(auth.RoleAdmin))
	walletHandler.RegisterAdminRoutes(admin)
	ledgerHandler.RegisterAdminRoutes(admin)
	reconciliation.NewHandler(s.reconciler).RegisterAdminRoutes(admin)
	s.realtimeHub.RegisterAdminRoutes(admin)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
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

// platformHandler describes the money rules clients need to quote fees.
func (s *Server) platformHandler(c *gin.Context) {
	fees := s.engine.Fees()
	c.JSON(http.StatusOK, gin.H{
		"currency":      s.cfg.Currency,
		"sources":       []string{rails.SourceCard, rails.SourceBank},
		"destinations":  []string{rails.DestinationBank, rails.DestinationInstant},
		"eventTypes":    events.Types,
		"authDevTokens": s.cfg.IsDevelopment(),
		"fees": gin.H{
			"cardRate":              fees.CardRate.String(),
			"cardFlatCents":         fees.CardFlatCents,
			"bankRate":              fees.BankRate.String(),
			"bankWithdrawalRate":    fees.BankWithdrawalRate.String(),
			"instantWithdrawalRate": fees.InstantWithdrawalRate.String(),
			"platformRate":          fees.PlatformRate.String(),
		},
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
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

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"currency", s.cfg.Currency,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start scheduled reconciliation
	if s.scheduler != nil {
		s.scheduler.Start(runCtx)
		s.logger.Info("reconciliation scheduled", "spec", s.cfg.ReconcileSchedule)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, scheduler, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Wait for an in-flight reconciliation
	if s.scheduler != nil {
		s.scheduler.Stop()
		s.logger.Info("reconciliation scheduler stopped")
	}

	// Drain queued events
	if err := s.emitter.Close(ctx); err != nil {
		s.logger.Warn("event queue not drained", "error", err)
	}

	// Flush spans
	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Warn("trace shutdown error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
