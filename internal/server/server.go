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

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/sendguard/sendguard/internal/circuitbreaker"
	"github.com/sendguard/sendguard/internal/config"
	"github.com/sendguard/sendguard/internal/health"
	"github.com/sendguard/sendguard/internal/history"
	"github.com/sendguard/sendguard/internal/ledger"
	"github.com/sendguard/sendguard/internal/logging"
	"github.com/sendguard/sendguard/internal/metrics"
	"github.com/sendguard/sendguard/internal/notify"
	"github.com/sendguard/sendguard/internal/provisioning"
	"github.com/sendguard/sendguard/internal/ratelimit"
	"github.com/sendguard/sendguard/internal/realtime"
	"github.com/sendguard/sendguard/internal/risk"
	"github.com/sendguard/sendguard/internal/security"
	"github.com/sendguard/sendguard/internal/session"
	"github.com/sendguard/sendguard/internal/traces"
	"github.com/sendguard/sendguard/internal/transfer"
	"github.com/sendguard/sendguard/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	params      *chaincfg.Params
	sessions    *session.Manager
	provisioner *provisioning.Provisioner
	transfers   *transfer.Manager
	wallet      ledger.Wallet
	analyzer    risk.Analyzer
	dispatcher  *notify.Dispatcher
	activity    history.Store
	hub         *realtime.Hub
	checks      *health.Registry
	rateLimiter *ratelimit.Limiter
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	cancelRun   context.CancelFunc // cancels background goroutines started in Run
	stopTraces  func(context.Context) error

	// Test seams, set via options before wiring
	auth     session.AuthService
	profiles session.ProfileService
	deriver  provisioning.Deriver
	registry provisioning.Registry

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

// WithAuthService overrides the authentication backend (for testing)
func WithAuthService(a session.AuthService) Option {
	return func(s *Server) {
		s.auth = a
	}
}

// WithProfileService overrides the profile backend (for testing)
func WithProfileService(p session.ProfileService) Option {
	return func(s *Server) {
		s.profiles = p
	}
}

// WithDeriver overrides the address derivation backend (for testing)
func WithDeriver(d provisioning.Deriver) Option {
	return func(s *Server) {
		s.deriver = d
	}
}

// WithAddressRegistry overrides the account registry backend (for testing)
func WithAddressRegistry(r provisioning.Registry) Option {
	return func(s *Server) {
		s.registry = r
	}
}

// WithAnalyzer overrides the risk analyzer (for testing)
func WithAnalyzer(a risk.Analyzer) Option {
	return func(s *Server) {
		s.analyzer = a
	}
}

// WithWallet overrides the submission wallet (for testing)
func WithWallet(w ledger.Wallet) Option {
	return func(s *Server) {
		s.wallet = w
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set backends/logger)
	for _, opt := range opts {
		opt(s)
	}

	params, err := cfg.ChainParams()
	if err != nil {
		return nil, err
	}
	s.params = params

	s.checks = health.NewRegistry()

	// Activity storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.activity = history.NewPostgresStore(db)
		s.checks.Register("database", func(ctx context.Context) health.Status {
			st := health.Status{Healthy: true}
			if err := db.PingContext(ctx); err != nil {
				st.Healthy = false
				st.Detail = err.Error()
			}
			return st
		})
		s.logger.Info("using PostgreSQL activity storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.activity = history.NewMemoryStore()
		s.logger.Info("using in-memory activity storage")
	}

	// Session manager over the external auth and profile services
	if s.auth == nil {
		s.auth = session.NewHTTPAuthService(cfg.AuthServiceURL)
	}
	if s.profiles == nil {
		s.profiles = session.NewHTTPProfileService(cfg.ProfileServiceURL)
	}
	s.sessions = session.NewManager(s.auth, s.profiles, s.logger)

	// Submission wallet, bound to the active identity on login
	if s.wallet == nil {
		s.wallet = ledger.NewClient(cfg.LedgerServiceURL)
	}
	if binder, ok := s.wallet.(session.Binder); ok {
		s.sessions.RegisterBinder(binder)
	}

	// Realtime hub for workflow and provisioning events
	s.hub = realtime.NewHub(s.logger)

	// Address provisioning with live progress reporting
	if s.deriver == nil {
		s.deriver = provisioning.NewHTTPDeriver(cfg.DerivationURL)
	}
	if s.registry == nil {
		s.registry = provisioning.NewHTTPRegistry(cfg.RegistryURL)
	}
	s.provisioner = provisioning.New(s.deriver, s.registry, s.sessions,
		provisioning.WithLogger(s.logger),
		provisioning.WithProgress(s.hub.BroadcastProvisioning),
	)

	// Risk analyzer behind a circuit breaker
	if s.analyzer == nil {
		s.analyzer = risk.NewClient(cfg.RiskServiceURL, params,
			risk.WithLogger(s.logger),
			risk.WithBreaker(circuitbreaker.New(5, 30*time.Second)),
		)
	}

	// Webhook dispatcher for terminal transfer outcomes
	s.dispatcher = notify.NewDispatcher(cfg.WebhookURL, cfg.WebhookSecret, notify.WithLogger(s.logger))
	if s.dispatcher.Enabled() {
		s.logger.Info("webhooks enabled", "url", cfg.WebhookURL)
	}

	// Transfer orchestration
	recorder := history.NewRecorder(s.activity, s.logger)
	s.transfers = transfer.NewManager(s.sessions, s.provisioner, s.analyzer, s.wallet, params,
		transfer.WithLogger(s.logger),
		transfer.WithEmitter(notify.NewEmitter(s.dispatcher)),
		transfer.WithBroadcaster(s.hub),
		transfer.WithRecorder(recorder),
		transfer.WithTimeouts(cfg.AnalyzeTimeout, cfg.SubmitTimeout),
	)

	// Logout invalidates everything tied to the old identity
	s.sessions.OnInvalidate(s.transfers.CancelAll)
	s.sessions.OnInvalidate(func() {
		s.hub.BroadcastSession("logged_out", "")
	})

	s.setupRouter()
	s.healthy.Store(true)

	return s, nil
}

func (s *Server) setupRouter() {
	if s.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()
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
	s.router.Use(security.HeadersMiddleware())

	// CORS
	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(security.CORSMiddleware(origins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

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

	// WebSocket for real-time workflow events
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	session.NewHandler(s.sessions).RegisterRoutes(v1)
	provisioning.NewHandler(s.provisioner).RegisterRoutes(v1)
	ledger.NewHandler(s.wallet).RegisterRoutes(v1)
	transfer.NewHandler(s.transfers).RegisterRoutes(v1)
	history.NewHandler(s.activity, s.sessions).RegisterRoutes(v1)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse reports component health
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    "sendguard",
		"version": "0.1.0",
		"network": s.cfg.Network,
		"endpoints": gin.H{
			"auth":      "/v1/auth",
			"wallet":    "/v1/wallet",
			"transfers": "/v1/transfers",
			"activity":  "/v1/activity",
			"websocket": "/ws",
		},
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the server and blocks until shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel

	// Distributed tracing (no-op without an OTLP endpoint)
	stopTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	s.stopTraces = stopTraces

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
			"network", s.cfg.Network,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.hub.Run(runCtx)

	// Sample DB pool and runtime stats into gauges
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

	// Cancel the context for background goroutines (hub)
	if s.cancelRun != nil {
		s.cancelRun()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Flush pending trace spans
	if s.stopTraces != nil {
		if err := s.stopTraces(ctx); err != nil {
			s.logger.Warn("trace shutdown error", "error", err)
		}
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
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

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
