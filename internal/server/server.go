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
	"github.com/mbd888/bazaar/internal/auth"
	"github.com/mbd888/bazaar/internal/catalog"
	"github.com/mbd888/bazaar/internal/config"
	"github.com/mbd888/bazaar/internal/deposits"
	"github.com/mbd888/bazaar/internal/escrow"
	"github.com/mbd888/bazaar/internal/health"
	"github.com/mbd888/bazaar/internal/idempotency"
	"github.com/mbd888/bazaar/internal/ledger"
	"github.com/mbd888/bazaar/internal/logging"
	"github.com/mbd888/bazaar/internal/metrics"
	"github.com/mbd888/bazaar/internal/ratelimit"
	"github.com/mbd888/bazaar/internal/realtime"
	"github.com/mbd888/bazaar/internal/reconciliation"
	"github.com/mbd888/bazaar/internal/security"
	"github.com/mbd888/bazaar/internal/settings"
	"github.com/mbd888/bazaar/internal/validation"
)

// Version is reported by /health and tracing.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg             *config.Config
	authMgr         *auth.Manager
	ledger          *ledger.Ledger
	products        catalog.Store
	settings        *settings.Service
	escrowService   *escrow.Service
	sweeper         *escrow.Sweeper
	reconciler      *reconciliation.Reconciler
	reconcileTimer  *reconciliation.Timer
	realtimeHub     *realtime.Hub
	idempotency     *idempotency.Store
	rateLimiter     *ratelimit.Limiter
	checkoutLimiter *ratelimit.Limiter
	health          *health.Registry
	db              *sql.DB // nil if using in-memory
	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	drainDelay      time.Duration
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run

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

// WithDB uses an already opened database instead of DATABASE_URL.
func WithDB(db *sql.DB) Option {
	return func(s *Server) {
		s.db = db
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// sending traffic before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	authMgr, err := auth.NewManager(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth manager: %w", err)
	}
	s.authMgr = authMgr

	if s.db == nil && cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	}

	var (
		escrowStore   escrow.Store
		settingsStore settings.Store
		ledgerStore   ledger.Store
	)
	if s.db != nil {
		wallets := ledger.NewPostgresStore(s.db)
		products := catalog.NewPostgresStore(s.db)
		ledgerStore = wallets
		s.products = products
		settingsStore = settings.NewPostgresStore(s.db)
		escrowStore = escrow.NewPostgresStore(s.db, wallets, products)
		s.health.Register("database", health.DBChecker("database", s.db, 2*time.Second))
	} else {
		wallets := ledger.NewMemoryStore()
		products := catalog.NewMemoryStore()
		ledgerStore = wallets
		s.products = products
		settingsStore = settings.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore(wallets, products)
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.ledger = ledger.New(ledgerStore)
	s.settings = settings.NewService(settingsStore, cfg.CommissionRate)

	if cfg.CatalogSeedPath != "" {
		n, err := catalog.LoadSeed(ctx, s.products, cfg.CatalogSeedPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load catalog seed: %w", err)
		}
		s.logger.Info("catalog seeded", "products", n, "path", cfg.CatalogSeedPath)
	}

	s.realtimeHub = realtime.NewHub(s.logger)

	s.escrowService = escrow.NewService(escrowStore, s.products, s.settings).
		WithLogger(s.logger).
		WithNotifier(s.realtimeHub)
	s.sweeper = escrow.NewSweeper(s.escrowService, s.logger).
		WithBatchSize(cfg.SweepBatchSize)
	if cfg.SweepInterval > 0 {
		s.sweeper.WithInterval(cfg.SweepInterval)
		s.health.Register("sweeper", health.LoopChecker("sweeper", s.sweeper.Running))
		s.logger.Info("auto-finalize sweeper enabled", "interval", cfg.SweepInterval)
	}

	s.reconciler = reconciliation.New(escrowStore, ledgerStore, s.logger)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, s.logger)
	s.health.Register("reconciliation", health.LoopChecker("reconciliation", s.reconcileTimer.Running))

	if cfg.IdempotencyDBPath != "" {
		idem, err := idempotency.Open(cfg.IdempotencyDBPath, cfg.IdempotencyTTL)
		if err != nil {
			return nil, err
		}
		s.idempotency = idem
		s.logger.Info("checkout replay cache enabled", "path", cfg.IdempotencyDBPath)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

// userContextMiddleware copies the authenticated user onto the request
// context so logging.L tags every line with it.
func userContextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if userID := auth.GetUserID(c); userID != "" {
			c.Request = c.Request.WithContext(logging.WithUserID(c.Request.Context(), userID))
		}
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Card deposits authenticate by signature, not bearer token.
	if s.cfg.StripeWebhookSecret != "" {
		deposits.NewHandler(s.ledger, s.cfg.StripeWebhookSecret, s.logger).RegisterRoutes(s.router)
		s.logger.Info("stripe deposit webhook enabled")
	}

	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rl)
	s.checkoutLimiter = ratelimit.New(ratelimit.CheckoutConfig())

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authMgr))
	v1.Use(s.rateLimiter.Middleware())
	v1.Use(auth.RequireAuth())
	v1.Use(userContextMiddleware())

	checkout := []gin.HandlerFunc{s.checkoutLimiter.Middleware()}
	if s.idempotency != nil {
		checkout = append(checkout, idempotency.Middleware(s.idempotency, s.logger))
	}

	escrowHandler := escrow.NewHandler(s.escrowService, s.sweeper, s.logger)
	escrowHandler.RegisterRoutes(v1, checkout...)

	ledgerHandler := ledger.NewHandler(s.ledger, s.logger)
	ledgerHandler.RegisterRoutes(v1)

	v1.GET("/stream", s.realtimeHub.HandleStream)

	admin := v1.Group("/admin", auth.RequireAdmin())
	escrowHandler.RegisterAdminRoutes(admin)
	ledgerHandler.RegisterAdminRoutes(admin)
	settings.NewHandler(s.settings, s.logger).RegisterAdminRoutes(admin)
	reconciliation.NewHandler(s.reconciler, s.logger).RegisterAdminRoutes(admin)
	admin.GET("/stream/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})
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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)

	if s.cfg.SweepInterval > 0 {
		go s.sweeper.Start(runCtx)
	}

	go s.reconcileTimer.Start(runCtx)

	if s.idempotency != nil {
		go s.purgeIdempotencyKeys(runCtx, time.Hour)
	}

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

func (s *Server) purgeIdempotencyKeys(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.idempotency.Purge()
			if err != nil {
				s.logger.Warn("idempotency purge failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Debug("idempotency keys purged", "count", n)
			}
		}
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, sweeper, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.sweeper.Stop()
	s.reconcileTimer.Stop()

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.checkoutLimiter != nil {
		s.checkoutLimiter.Stop()
	}

	if s.idempotency != nil {
		if err := s.idempotency.Close(); err != nil {
			s.logger.Error("idempotency store close error", "error", err)
		}
	}

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

// AuthManager returns the token manager, for issuing tokens in tests and tools.
func (s *Server) AuthManager() *auth.Manager {
	return s.authMgr
}

// Products returns the catalog store.
func (s *Server) Products() catalog.Store {
	return s.products
}

// Ledger returns the wallet ledger.
func (s *Server) Ledger() *ledger.Ledger {
	return s.ledger
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
