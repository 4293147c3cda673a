// Package server wires the escrow engine together and serves its HTTP
// surface.
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

	"github.com/middlemark/escrowd/internal/chain"
	"github.com/middlemark/escrowd/internal/config"
	"github.com/middlemark/escrowd/internal/escrow"
	"github.com/middlemark/escrowd/internal/events"
	"github.com/middlemark/escrowd/internal/health"
	"github.com/middlemark/escrowd/internal/logging"
	"github.com/middlemark/escrowd/internal/metrics"
	"github.com/middlemark/escrowd/internal/ratelimit"
	"github.com/middlemark/escrowd/internal/security"
	"github.com/middlemark/escrowd/internal/settle"
	"github.com/middlemark/escrowd/internal/validation"
	"github.com/middlemark/escrowd/internal/verify"
	"github.com/middlemark/escrowd/internal/wallet"
)

// Server wraps the HTTP server and dependencies.
type Server struct {
	cfg           *config.Config
	db            *sql.DB // nil if using in-memory stores
	chains        *chain.Registry
	escrowService *escrow.Service
	scheduler     *verify.Scheduler
	feed          *events.Feed
	rateLimiter   *ratelimit.Limiter
	checks        *health.Registry
	bookings      escrow.Bookings
	invoices      escrow.Invoices
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

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

// WithChains injects a pre-built chain registry (for testing).
func WithChains(r *chain.Registry) Option {
	return func(s *Server) {
		s.chains = r
	}
}

// WithBookings binds the booking system so escrow transitions mark
// bookings linked, completed, and cancelled.
func WithBookings(b escrow.Bookings) Option {
	return func(s *Server) {
		s.bookings = b
	}
}

// WithInvoices binds the invoice system so funded escrows mark their
// invoice paid and refunds mark it cancelled.
func WithInvoices(i escrow.Invoices) Option {
	return func(s *Server) {
		s.invoices = i
	}
}

// New creates a new server instance.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set chains/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		escrowStore escrow.Store
		jobStore    verify.JobStore
		subStore    events.Store
		walletStore wallet.Store
	)
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
		jobStore = verify.NewPostgresJobStore(db)
		subStore = events.NewPostgresStore(db)
		walletStore = wallet.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		escrowStore = escrow.NewMemoryStore()
		jobStore = verify.NewMemoryJobStore()
		subStore = events.NewMemoryStore()
		walletStore = wallet.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Chain clients. Each chain needs its hot wallet key; without one
	// the chain is simply not registered and deposits on it are
	// rejected by the verifier.
	if s.chains == nil {
		s.chains = chain.NewRegistry()

		if cfg.EVMPrivateKey != "" {
			evm, err := chain.NewEVM(chain.EVMConfig{
				ChainID:    cfg.EVMChainID,
				NetworkID:  cfg.EVMNetworkID,
				Endpoints:  cfg.EVMEndpoints,
				PrivateKey: cfg.EVMPrivateKey,
				Tokens: []chain.Token{
					{Symbol: "USDC", Asset: cfg.EVMUSDCContract, Decimals: 6},
				},
			})
			if err != nil {
				return nil, fmt.Errorf("evm chain: %w", err)
			}
			s.chains.Register(cfg.EVMChainID, evm, cfg.EVMConfirmTimeout)
			s.logger.Info("chain registered", "chain", cfg.EVMChainID, "network_id", cfg.EVMNetworkID, "endpoints", len(cfg.EVMEndpoints))
		}

		if cfg.SolanaSecretKey != "" {
			sol, err := chain.NewSolana(chain.SolanaConfig{
				ChainID:   "solana",
				Endpoints: cfg.SolanaEndpoints,
				SecretKey: cfg.SolanaSecretKey,
				Tokens: []chain.Token{
					{Symbol: "USDC", Asset: cfg.SolanaUSDCMint, Decimals: 6},
				},
			})
			if err != nil {
				return nil, fmt.Errorf("solana chain: %w", err)
			}
			s.chains.Register("solana", sol, cfg.SolanaConfirmTimeout)
			s.logger.Info("chain registered", "chain", "solana", "endpoints", len(cfg.SolanaEndpoints))
		}

		if len(s.chains.Chains()) == 0 {
			s.logger.Warn("no chain clients configured; deposits cannot be verified or settled")
		}
	}

	// Events: operator feed plus signed webhooks.
	s.feed = events.NewFeed(s.logger)
	dispatcher := events.NewDispatcher(subStore)
	notifier := events.NewNotifier(dispatcher, s.feed, s.logger)

	// Deposit verification with persisted retries.
	engine := verify.NewEngine(escrowStore, s.chains, s.logger).
		WithNotifier(notifier)
	if s.invoices != nil {
		engine = engine.WithInvoices(s.invoices)
	}
	schedCfg := verify.DefaultSchedulerConfig()
	schedCfg.BaseDelay = cfg.VerifyBaseDelay
	schedCfg.MaxDelay = cfg.VerifyMaxDelay
	schedCfg.MaxAttempts = cfg.VerifyMaxAttempts
	s.scheduler = verify.NewScheduler(jobStore, engine, escrowStore, schedCfg, s.logger).
		WithNotifier(notifier)

	// Settlement through the payout wallet directory.
	directory := wallet.NewDirectory(walletStore)
	executor := settle.NewExecutor(escrowStore, s.chains, directory, s.logger).
		WithNotifier(notifier)
	if s.bookings != nil {
		executor = executor.WithBookings(s.bookings)
	}
	if s.invoices != nil {
		executor = executor.WithInvoices(s.invoices)
	}

	s.escrowService = escrow.NewService(escrowStore, cfg.FeeBPS, s.logger).
		WithVerifier(&verifierAdapter{engine: engine, scheduler: s.scheduler}).
		WithSettler(executor).
		WithNotifier(notifier)
	if s.bookings != nil {
		s.escrowService = s.escrowService.WithBookings(s.bookings)
	}
	if s.invoices != nil {
		s.escrowService = s.escrowService.WithInvoices(s.invoices)
	}

	// Health checks.
	s.checks = health.NewRegistry()
	if s.db != nil {
		db := s.db
		s.checks.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}
	for _, chainID := range s.chains.Chains() {
		chainID := chainID
		s.checks.Register("chain:"+chainID, func(ctx context.Context) health.Status {
			name := "chain:" + chainID
			client, err := s.chains.Client(chainID)
			if err != nil {
				return health.Status{Name: name, Healthy: false, Detail: err.Error()}
			}
			ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			// A hot wallet lookup exercises the RPC path end to end.
			if _, err := client.AccountExists(ctx, client.HotWalletAddress()); err != nil {
				return health.Status{Name: name, Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: name, Healthy: true}
		})
	}

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes(directory, subStore)

	s.healthy.Store(true)

	return s, nil
}

// verifierAdapter joins the verification engine and the retry
// scheduler into the single collaborator the escrow service expects.
type verifierAdapter struct {
	engine    *verify.Engine
	scheduler *verify.Scheduler
}

func (a *verifierAdapter) Verify(ctx context.Context, escrowID string) (*escrow.VerifyResult, error) {
	return a.engine.Verify(ctx, escrowID)
}

func (a *verifierAdapter) Schedule(ctx context.Context, escrowID string) error {
	return a.scheduler.Schedule(ctx, escrowID)
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

	// CORS. The API sits behind the platform gateway; browsers never
	// talk to it directly except the operator feed, so origins come
	// from config rather than staying wide open.
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RequestsPerMinute > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RequestsPerMinute
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

func (s *Server) setupRoutes(directory *wallet.Directory, subStore events.Store) {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	escrow.NewHandler(s.escrowService).RegisterRoutes(v1)
	wallet.NewHandler(directory).RegisterRoutes(v1, escrow.ActorFromContext)
	events.NewHandler(subStore, s.feed).RegisterRoutes(v1, escrow.ActorFromContext)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "escrowd",
		"description": "Escrow engine for marketplace payments",
		"version":     "0.1.0",
		"network":     s.cfg.Network,
		"chains":      s.chains.Chains(),
		"feeBps":      s.cfg.FeeBPS,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown.
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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"network", s.cfg.Network,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Verification retry scheduler
	go s.scheduler.Run(runCtx)

	// DB pool metrics
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

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (scheduler, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	if s.feed != nil {
		s.feed.Shutdown(ctx)
		s.logger.Info("operator feed closed")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.chains != nil {
		s.chains.Close()
		s.logger.Info("chain clients closed")
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

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
