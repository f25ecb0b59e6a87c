// Package server wires the escrow ledgers, the reconciliation loops and the
// HTTP API into one process.
package server

import (
	"context"
	"database/sql"
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

	"github.com/mbd888/escrowsync/internal/auth"
	"github.com/mbd888/escrowsync/internal/chain"
	"github.com/mbd888/escrowsync/internal/circuitbreaker"
	"github.com/mbd888/escrowsync/internal/config"
	"github.com/mbd888/escrowsync/internal/custody"
	"github.com/mbd888/escrowsync/internal/escrow"
	"github.com/mbd888/escrowsync/internal/executor"
	"github.com/mbd888/escrowsync/internal/health"
	"github.com/mbd888/escrowsync/internal/idgen"
	"github.com/mbd888/escrowsync/internal/logging"
	"github.com/mbd888/escrowsync/internal/metrics"
	"github.com/mbd888/escrowsync/internal/observer"
	"github.com/mbd888/escrowsync/internal/ratelimit"
	"github.com/mbd888/escrowsync/internal/realtime"
	"github.com/mbd888/escrowsync/internal/scheduler"
	"github.com/mbd888/escrowsync/internal/security"
	"github.com/mbd888/escrowsync/internal/token"
	"github.com/mbd888/escrowsync/internal/traces"
	"github.com/mbd888/escrowsync/internal/transition"
	"github.com/mbd888/escrowsync/internal/validation"
	"github.com/mbd888/escrowsync/migrations"
)

// Version is reported by /health.
const Version = "0.1.0"

// Breaker settings shared by every payment source.
const (
	breakerThreshold = 5
	breakerOpenFor   = 30 * time.Second
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	db          *sql.DB // nil if using in-memory
	authMgr     *auth.Manager
	payments    escrow.Store[escrow.PaymentAction]
	purchases   escrow.Store[escrow.PurchasingAction]
	cursors     escrow.CursorStore
	wallets     *custody.Custody
	breaker     *circuitbreaker.Breaker
	adapters    map[string]chain.Adapter // overrides, keyed by source id
	service     *escrow.Service
	realtimeHub *realtime.Hub
	loops       *scheduler.Group
	health      *health.Registry
	rateLimiter *ratelimit.Limiter
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	closers     []func()
	stopTracing func(context.Context) error
	drainDelay  time.Duration

	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithAdapter replaces the chain adapter of one payment source (for testing).
func WithAdapter(sourceID string, a chain.Adapter) Option {
	return func(s *Server) {
		s.adapters[sourceID] = a
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers before
// closing the listener.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		adapters:   make(map[string]chain.Adapter),
		loops:      &scheduler.Group{},
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}

	ctx := context.Background()

	// A gap in either table would strand records, so refuse to start.
	if err := transition.Seller().Validate(); err != nil {
		return nil, fmt.Errorf("seller transition table: %w", err)
	}
	if err := transition.Buyer().Validate(); err != nil {
		return nil, fmt.Errorf("buyer transition table: %w", err)
	}

	stopTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.stopTracing = stopTracing

	if err := s.setupStorage(ctx); err != nil {
		return nil, err
	}

	if err := s.setupAuth(ctx); err != nil {
		return nil, err
	}

	wallets, err := custodyFromConfig(cfg.Sources)
	if err != nil {
		return nil, err
	}
	s.wallets = wallets

	s.realtimeHub = realtime.NewHub(s.logger)

	s.breaker = circuitbreaker.New(breakerThreshold, breakerOpenFor)
	s.breaker.OnTransition(func(source string, from, to circuitbreaker.State) {
		s.logger.Warn("chain circuit changed", "source", source, "from", from.String(), "to", to.String())
	})

	sources, err := s.setupSources()
	if err != nil {
		return nil, err
	}

	s.service = escrow.NewService(
		s.payments,
		s.purchases,
		s.wallets,
		sources,
		escrow.ServiceConfig{Limits: limitsFrom(cfg)},
		s.logger,
	).WithPublisher(s.realtimeHub)

	if s.db != nil {
		s.health.Register("database", health.Database(s.db, 3*time.Second))
	}
	s.health.Register("loops", health.Loops(s.loops.Stalled))
	s.health.Register("chain", health.Chain(s.breaker.Open))

	gin.SetMode(gin.ReleaseMode)
	if cfg.IsDevelopment() {
		gin.SetMode(gin.DebugMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) setupStorage(ctx context.Context) error {
	if s.cfg.DatabaseURL == "" {
		s.payments = escrow.NewMemoryStore[escrow.PaymentAction]()
		s.purchases = escrow.NewMemoryStore[escrow.PurchasingAction]()
		s.cursors = escrow.NewMemoryCursorStore()
		s.logger.Warn("using in-memory storage (data lost on restart)")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	s.db = db
	s.payments = escrow.NewPostgresStore[escrow.PaymentAction](db)
	s.purchases = escrow.NewPostgresStore[escrow.PurchasingAction](db)
	s.cursors = escrow.NewPostgresCursorStore(db)
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

func (s *Server) setupAuth(ctx context.Context) error {
	var store auth.Store = auth.NewMemoryStore()
	if s.db != nil {
		store = auth.NewPostgresStore(s.db)
	}
	s.authMgr = auth.NewManager(store)

	if s.cfg.AdminAPIKey == "" {
		s.logger.Warn("ADMIN_API_KEY not set; no admin key bootstrapped")
		return nil
	}
	if err := s.authMgr.Bootstrap(ctx, s.cfg.AdminAPIKey); err != nil {
		return fmt.Errorf("failed to bootstrap admin key: %w", err)
	}
	s.logger.Info("admin API key bootstrapped", "keyId", auth.AdminKeyID)
	return nil
}

// setupSources builds one guarded adapter, observer and executor per payment
// source and registers their loops.
func (s *Server) setupSources() ([]escrow.Source, error) {
	sources := make([]escrow.Source, 0, len(s.cfg.Sources))
	for _, src := range s.cfg.Sources {
		adapter, ok := s.adapters[src.ID]
		if !ok {
			evm, err := chain.NewEVMAdapter(chain.EVMConfig{RPCURL: src.RPCURL, ChainID: src.ChainID})
			if err != nil {
				return nil, fmt.Errorf("payment source %s: %w", src.ID, err)
			}
			s.closers = append(s.closers, evm.Close)
			adapter = evm
		}
		guarded := chain.NewGuarded(adapter, src.ID, src.RateLimitRPS, s.breaker)

		obs := observer.New(src.ID, guarded, s.payments, s.purchases, s.cursors, observer.Config{
			Concurrency:   src.Concurrency,
			PageSize:      src.PageSize,
			RecordTimeout: s.cfg.RecordTimeout,
			TxTimeout:     s.cfg.TxTimeout,
			Recheck:       s.cfg.RecheckInterval,
		}, s.logger).WithPublisher(s.realtimeHub)

		exe := executor.New(src.ID, guarded, s.wallets, s.payments, s.purchases, executor.Config{
			Concurrency:    src.Concurrency,
			BatchSize:      src.PageSize,
			RecordTimeout:  s.cfg.RecordTimeout,
			ClaimTTL:       s.cfg.ClaimTTL,
			RefundCooldown: s.cfg.RefundCooldown,
		}, s.logger).WithPublisher(s.realtimeHub)

		loopOpts := []scheduler.Option{
			scheduler.WithTimeout(s.cfg.CycleTimeout),
			scheduler.WithMaxBackoff(s.cfg.MaxBackoff),
		}
		s.loops.Add(scheduler.NewLoop(observer.LoopName, src.ID, s.cfg.ObserveInterval, obs.Cycle, s.logger, loopOpts...))
		s.loops.Add(scheduler.NewLoop(executor.LoopName, src.ID, s.cfg.ExecuteInterval, exe.Cycle, s.logger, loopOpts...))

		sources = append(sources, escrow.Source{
			ID:              src.ID,
			Network:         escrow.Network(src.Network),
			ContractAddress: src.ContractAddress,
			AssetContract:   src.AssetContract,
			Assets:          guarded,
		})
		s.logger.Info("payment source enabled",
			"source", src.ID,
			"network", src.Network,
			"contract", src.ContractAddress,
			"executor", exe.Owner(),
		)
	}
	return sources, nil
}

func custodyFromConfig(sources []config.PaymentSource) (*custody.Custody, error) {
	c, err := custody.New()
	if err != nil {
		return nil, err
	}
	for _, src := range sources {
		for _, w := range src.HotWallets {
			purpose := custody.PurposeSelling
			if w.Type == config.WalletPurchasing {
				purpose = custody.PurposePurchasing
			}
			err := c.Add(custody.WalletConfig{
				ID:         w.ID,
				SourceID:   src.ID,
				Purpose:    purpose,
				PrivateKey: w.PrivateKey,
			})
			if err != nil {
				return nil, fmt.Errorf("payment source %s: wallet %s: %w", src.ID, w.ID, err)
			}
		}
	}
	return c, nil
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())

	// Keys are resolved before rate limiting so each key gets its own bucket.
	s.router.Use(auth.Middleware(s.authMgr))
	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitPerMinute > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitPerMinute
	}
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = idgen.New()
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
			logger.Debug("request completed",
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")

	authHandler := auth.NewHandler(s.authMgr)
	authHandler.RegisterRoutes(v1)

	escrowHandler := escrow.NewHandler(s.service)
	escrowHandler.RegisterRoutes(v1.Group("", auth.RequirePermission(auth.PermissionRead)))
	escrowHandler.RegisterProtectedRoutes(v1.Group("", auth.RequirePermission(auth.PermissionPay)))

	admin := v1.Group("/admin", auth.RequirePermission(auth.PermissionAdmin))
	authHandler.RegisterAdminRoutes(admin)
	escrowHandler.RegisterAdminRoutes(admin)
	admin.GET("/loops", s.loopsHandler)

	// Transition events cover every ledger, so the stream is admin only.
	v1.GET("/ws", auth.RequirePermission(auth.PermissionAdmin), func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
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

// LoopStatus describes one reconciliation loop.
type LoopStatus struct {
	Name        string     `json:"name"`
	Running     bool       `json:"running"`
	Failures    int64      `json:"consecutiveFailures"`
	LastSuccess *time.Time `json:"lastSuccess,omitempty"`
}

func (s *Server) loopsHandler(c *gin.Context) {
	loops := s.loops.Loops()
	out := make([]LoopStatus, len(loops))
	for i, l := range loops {
		out[i] = LoopStatus{Name: l.Name(), Running: l.Running(), Failures: l.Failures()}
		if t := l.LastSuccess(); !t.IsZero() {
			out[i].LastSuccess = &t
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"loops":        out,
		"openCircuits": s.breaker.Open(),
		"realtime":     s.realtimeHub.Stats(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and the reconciliation loops, and blocks until
// a signal, a server error or ctx cancellation triggers a graceful shutdown.
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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"sources", len(s.cfg.Sources),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.loops.Start(runCtx)
	s.logger.Info("reconciliation loops started", "loops", len(s.loops.Loops()))

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server. In-flight cycles finish their
// current record writes before the stores are closed.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.loops.Stop()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.loops.Wait()
	s.logger.Info("reconciliation loops stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	for _, closeFn := range s.closers {
		closeFn()
	}

	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
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
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Service returns the escrow service.
func (s *Server) Service() *escrow.Service {
	return s.service
}

func limitsFrom(cfg *config.Config) token.Limits {
	return token.Limits{
		MinSubmitWindow:  cfg.MinSubmitWindow,
		MinDisputeMargin: cfg.MinDisputeMargin,
	}
}
