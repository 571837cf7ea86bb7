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
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/lock"
	"github.com/redis/go-redis/v9"

	"github.com/kunsthall/settlement/internal/auth"
	"github.com/kunsthall/settlement/internal/config"
	"github.com/kunsthall/settlement/internal/disputes"
	"github.com/kunsthall/settlement/internal/escrow"
	"github.com/kunsthall/settlement/internal/health"
	"github.com/kunsthall/settlement/internal/lease"
	"github.com/kunsthall/settlement/internal/logging"
	"github.com/kunsthall/settlement/internal/metrics"
	"github.com/kunsthall/settlement/internal/notify"
	"github.com/kunsthall/settlement/internal/offers"
	"github.com/kunsthall/settlement/internal/payments"
	"github.com/kunsthall/settlement/internal/ratelimit"
	"github.com/kunsthall/settlement/internal/retry"
	"github.com/kunsthall/settlement/internal/security"
	"github.com/kunsthall/settlement/internal/settlement"
	"github.com/kunsthall/settlement/internal/traces"
	"github.com/kunsthall/settlement/internal/validation"
	"github.com/kunsthall/settlement/migrations"
)

const version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	offerService    *offers.Service
	escrowService   *escrow.Service
	executor        *settlement.Executor
	disputeService  *disputes.Service
	accounts        payments.AccountStore
	processor       payments.Processor
	dispatcher      *notify.Dispatcher
	notifySinks     []notify.Sink
	alerter         *notify.Alerter
	kafkaSink       *notify.KafkaSink
	locker          lease.Locker
	redis           *redis.Client
	checks          *health.Registry
	offerTimer      *offers.Timer
	escrowTimer     *escrow.Timer
	settlementTimer *settlement.Timer

	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	traceShutdown func(context.Context) error
	drainDelay    time.Duration

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

// WithProcessor sets the payment processor (for testing)
func WithProcessor(p payments.Processor) Option {
	return func(s *Server) {
		s.processor = p
	}
}

// WithNotifySinks replaces the default notification sinks (for testing)
func WithNotifySinks(sinks ...notify.Sink) Option {
	return func(s *Server) {
		s.notifySinks = sinks
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		checks:     health.NewRegistry(3 * time.Second),
		drainDelay: 5 * time.Second,
	}

	// Apply options first (may set processor/logger/sinks)
	for _, opt := range opts {
		opt(s)
	}

	ctx := logging.WithLogger(context.Background(), s.logger)

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, cfg.Env, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.traceShutdown = shutdown

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		offerStore   offers.Store
		escrowStore  escrow.Store
		disputeStore disputes.Store
		alertStore   notify.AlertStore
	)
	if cfg.DatabaseURL != "" {
		db, err := openDatabase(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		if err := migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}

		offerStore = offers.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		disputeStore = disputes.NewPostgresStore(db)
		alertStore = notify.NewPostgresAlertStore(db)
		s.accounts = payments.NewPostgresAccountStore(db)
		s.checks.Register("database", true, health.PingChecker(db))
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		offerMem := offers.NewMemoryStore()
		offerStore = offerMem
		escrowStore = escrow.NewLinkedMemoryStore(offerMem)
		disputeStore = disputes.NewMemoryStore()
		alertStore = notify.NewMemoryAlertStore()
		s.accounts = payments.NewMemoryAccountStore()
	}

	// Sweep leases (Redis if REDIS_URL set, otherwise process-local)
	if cfg.RedisURL != "" {
		locker, client, err := lease.Connect(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		err = retry.Do(ctx, "redis", retry.StartupPolicy, func(ctx context.Context) error {
			return redisStartupError(client.Ping(ctx).Err())
		})
		if err != nil {
			// Sweeps still run without a lease; every instance just sweeps.
			s.logger.Warn("redis unreachable at startup", "error", err)
		}
		s.locker = locker
		s.redis = client
		s.checks.Register("redis", false, health.PingChecker(locker))
		s.logger.Info("sweep leases enabled (redis)")
	} else {
		s.locker = lease.NewMemoryLocker()
	}

	// Payment processor
	if s.processor == nil {
		if cfg.StripeSecretKey != "" {
			s.processor = payments.NewStripeProcessor(payments.StripeConfig{
				SecretKey:        cfg.StripeSecretKey,
				APIURL:           cfg.StripeAPIURL,
				BreakerThreshold: 5,
				BreakerCooldown:  30 * time.Second,
			})
			s.logger.Info("stripe processor enabled")
		} else {
			s.processor = payments.NewSandboxProcessor()
			s.logger.Warn("no STRIPE_SECRET_KEY set, using sandbox processor")
		}
	}
	s.checks.Register("processor", false, health.PingChecker(s.processor))

	// Notifications and operator alerts
	if s.notifySinks == nil {
		s.notifySinks = []notify.Sink{notify.NewLogSink(s.logger)}
		if len(cfg.KafkaBrokers) > 0 {
			s.kafkaSink = notify.NewKafkaSink(cfg.KafkaBrokers, cfg.NotifyTopic)
			s.notifySinks = append(s.notifySinks, s.kafkaSink)
			s.logger.Info("kafka notifications enabled", "topic", cfg.NotifyTopic)
		}
	}
	s.dispatcher = notify.NewDispatcher(s.logger, s.notifySinks...)
	s.alerter = notify.NewAlerter(alertStore, s.logger)

	// Domain services
	s.offerService = offers.NewService(offerStore).WithNotifier(s.dispatcher)
	s.executor = settlement.NewExecutor(s.offerService, escrowStore, s.accounts, s.processor, settlement.Config{
		Rates:    cfg.Rates,
		Currency: cfg.Currency,
		ClaimTTL: cfg.ReleaseClaimTTL,
	}).WithNotifier(s.dispatcher).WithAlerter(s.alerter)
	s.escrowService = escrow.NewService(escrowStore, s.offerService, cfg.ApprovalWindow).
		WithPaymentVerifier(s.processor).
		WithNotifier(s.dispatcher).
		WithAlerter(s.alerter).
		OnBothApproved(s.executor.ReleaseHook)
	s.disputeService = disputes.NewService(disputeStore, s.offerService, s.escrowService).
		WithNotifier(s.dispatcher).
		WithAlerter(s.alerter)

	// Sweeps
	s.offerTimer = offers.NewTimer(s.offerService, cfg.OfferExpiry, cfg.SweepInterval, s.logger).WithLocker(s.locker)
	s.escrowTimer = escrow.NewTimer(s.escrowService, cfg.DeadlineWarningLead, cfg.SweepInterval, s.logger).WithLocker(s.locker)
	s.settlementTimer = settlement.NewTimer(s.executor, cfg.SweepInterval, s.logger).WithLocker(s.locker)

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(int(cfg.DBMaxOpenConns))
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// The database container often comes up after us in compose setups.
	err = retry.Do(ctx, "postgres", retry.StartupPolicy, func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return postgresStartupError(db.PingContext(pingCtx))
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// postgresStartupError marks failures that waiting will not fix: bad
// credentials and a database that does not exist.
func postgresStartupError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && (pqErr.Code.Class() == "28" || pqErr.Code == "3D000") {
		return retry.Permanent(err)
	}
	return err
}

// redisStartupError marks authentication failures as permanent.
func redisStartupError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.HasPrefix(msg, "NOAUTH") || strings.HasPrefix(msg, "WRONGPASS") {
		return retry.Permanent(err)
	}
	return err
}

// migrate applies pending embedded migrations. The session lock serializes
// instances booting at the same time.
func migrate(ctx context.Context, db *sql.DB) error {
	sessionLocker, err := lock.NewPostgresSessionLocker()
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations.FS,
		goose.WithSessionLocker(sessionLocker),
	)
	if err != nil {
		return err
	}
	_, err = provider.Up(ctx)
	return err
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
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from the web app or load balancer)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = generateRequestID()
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
		case path == "/health/live" || path == "/health/ready" || path == "/metrics":
			// Health checks and scrapes would drown everything else.
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

	authCfg := auth.Config{
		InternalToken: s.cfg.InternalAPIToken,
		AdminSecret:   s.cfg.AdminSecret,
	}

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(authCfg))
	v1.GET("/info", s.infoHandler)

	offerHandler := offers.NewHandler(s.offerService)
	escrowHandler := escrow.NewHandler(s.escrowService)
	settlementHandler := settlement.NewHandler(s.executor)
	disputeHandler := disputes.NewHandler(s.disputeService)

	// Party routes: the web app forwards the signed-in user.
	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: int(s.cfg.UserRequestsPerMinute),
		BurstSize:         max(1, int(s.cfg.UserRequestsPerMinute)/6),
	})
	users := v1.Group("", auth.RequireUser(), limiter.Middleware(auth.UserID))
	{
		offerHandler.RegisterRoutes(users)
		escrowHandler.RegisterRoutes(users)
		settlementHandler.RegisterRoutes(users)
		disputeHandler.RegisterRoutes(users)
	}

	// Operator routes: payment callbacks, dispute decisions, payout directory.
	admin := v1.Group("/admin", auth.RequireAdmin(authCfg))
	{
		escrowHandler.RegisterAdminRoutes(admin)
		settlementHandler.RegisterAdminRoutes(admin)
		disputeHandler.RegisterAdminRoutes(admin)
		payments.NewHandler(s.accounts).RegisterAdminRoutes(admin)
		notify.NewHandler(s.alerter).RegisterAdminRoutes(admin)
		admin.POST("/sweeps/run", s.runSweepsHandler)
	}
}

// HealthResponse is the response for health checks
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		for _, st := range statuses {
			if !st.Healthy {
				status = "degraded"
				break
			}
		}
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   version,
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
	if healthy, _ := s.checks.CheckAll(c.Request.Context()); !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "dependencies_unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":           "settlement",
		"version":        version,
		"currency":       s.cfg.Currency,
		"commissionBps":  s.cfg.Rates.CommissionBps,
		"vatBps":         s.cfg.Rates.VATBps,
		"approvalWindow": s.cfg.ApprovalWindow.String(),
	})
}

// runSweepsHandler handles POST /v1/admin/sweeps/run
func (s *Server) runSweepsHandler(c *gin.Context) {
	s.RunSweeps(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"status": "completed"})
}

// RunSweeps runs every periodic sweep once, each under its own lease.
func (s *Server) RunSweeps(ctx context.Context) {
	s.offerTimer.RunOnce(ctx)
	s.escrowTimer.RunOnce(ctx)
	s.settlementTimer.RunOnce(ctx)
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

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.offerTimer.Start(runCtx)
	go s.escrowTimer.Start(runCtx)
	go s.settlementTimer.Start(runCtx)

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

// Shutdown gracefully stops the server. Timers stop before notification
// sinks are drained so no sweep can enqueue after the flush.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

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

	s.Close(ctx)
	s.logger.Info("server stopped")
	return shutdownErr
}

// Close stops the timers and releases every backing resource. It is used
// directly by one-shot commands that never call Run.
func (s *Server) Close(ctx context.Context) {
	s.offerTimer.Stop()
	s.escrowTimer.Stop()
	s.settlementTimer.Stop()

	s.dispatcher.Close()
	s.alerter.Close()
	s.logger.Info("notifications drained")

	if s.kafkaSink != nil {
		if err := s.kafkaSink.Close(); err != nil {
			s.logger.Error("kafka writer close error", "error", err)
		}
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}
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
