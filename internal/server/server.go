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
	"github.com/mbd888/gigledger/internal/auth"
	"github.com/mbd888/gigledger/internal/autorelease"
	"github.com/mbd888/gigledger/internal/circuitbreaker"
	"github.com/mbd888/gigledger/internal/config"
	"github.com/mbd888/gigledger/internal/escrow"
	"github.com/mbd888/gigledger/internal/events"
	"github.com/mbd888/gigledger/internal/health"
	"github.com/mbd888/gigledger/internal/ledger"
	"github.com/mbd888/gigledger/internal/logging"
	"github.com/mbd888/gigledger/internal/marketplace"
	"github.com/mbd888/gigledger/internal/metrics"
	"github.com/mbd888/gigledger/internal/milestone"
	"github.com/mbd888/gigledger/internal/ratelimit"
	"github.com/mbd888/gigledger/internal/reconciliation"
	"github.com/mbd888/gigledger/internal/security"
	"github.com/mbd888/gigledger/internal/subscription"
	"github.com/mbd888/gigledger/internal/traces"
	"github.com/mbd888/gigledger/internal/validation"
	"github.com/mbd888/gigledger/migrations"
	"golang.org/x/sync/errgroup"
)

// Version is reported by /health.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	db            *sql.DB // nil if using in-memory
	ledger        *ledger.Ledger
	market        marketplace.Store
	plans         *subscription.Resolver
	escrows       *escrow.Service
	milestones    *milestone.Service
	timer         *autorelease.Timer
	reconciler    *reconciliation.Service
	reconTimer    *reconciliation.Timer
	events        *events.Queue
	kafka         *events.KafkaSink
	rateLimiter   *ratelimit.Limiter
	tokens        *auth.Tokens
	checks        *health.Registry
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	traceShutdown func(context.Context) error
	group         *errgroup.Group
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
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
		drainDelay: 5 * time.Second,
		checks:     health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, traces.Config{
		Endpoint:    cfg.OTLPEndpoint,
		Version:     Version,
		Environment: cfg.Env,
		SampleRatio: cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.traceShutdown = shutdown

	if err := s.setupEvents(); err != nil {
		return nil, err
	}
	if err := s.setupStores(ctx); err != nil {
		if s.kafka != nil {
			_ = s.kafka.Close()
		}
		return nil, err
	}

	s.checks.Register("auto_release_timer", health.RunningChecker("auto_release_timer", s.timer.Running))
	s.checks.Register("event_queue", health.RunningChecker("event_queue", s.events.Healthy))
	if s.db != nil {
		s.checks.Register("database", health.PingChecker("database", s.db))
	}

	s.tokens = auth.NewTokens(cfg.JWTSecret)
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitPerMinute,
		BurstSize:         cfg.RateLimitBurst,
	})

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func (s *Server) setupEvents() error {
	sinks := []events.Sink{events.LogSink{Logger: s.logger}}
	if len(s.cfg.KafkaBrokers) > 0 {
		k, err := events.DialKafka(s.cfg.KafkaBrokers, s.cfg.KafkaTopic)
		if err != nil {
			return fmt.Errorf("failed to connect to kafka: %w", err)
		}
		s.kafka = k
		sinks = append(sinks, k)
		s.logger.Info("publishing events to kafka", "brokers", s.cfg.KafkaBrokers, "topic", s.cfg.KafkaTopic)
	}
	s.events = events.NewQueue(s.cfg.EventQueueSize, s.logger, sinks...).
		WithBreaker(circuitbreaker.New(5, 30*time.Second))
	return nil
}

// setupStores picks Postgres when DATABASE_URL is set and in-memory stores
// otherwise, then wires the payment services on top.
func (s *Server) setupStores(ctx context.Context) error {
	var (
		ledgerStore       ledger.Store
		subscriptionStore subscription.Store
		escrowStore       escrow.Store
		milestoneStore    milestone.Store
	)

	if s.cfg.DatabaseURL != "" {
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
		if s.cfg.MigrateOnStart {
			if err := migrations.Up(ctx, db); err != nil {
				_ = db.Close()
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			s.logger.Info("migrations applied")
		}

		s.db = db
		s.market = marketplace.NewPostgresStore(db)
		ledgerStore = ledger.NewPostgresStore(db)
		subscriptionStore = subscription.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		milestoneStore = milestone.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	} else {
		s.market = marketplace.NewMemoryStore()
		ledgerStore = ledger.NewMemoryStore()
		subscriptionStore = subscription.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		milestoneStore = milestone.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.ledger = ledger.New(ledgerStore, s.logger)
	s.plans = subscription.NewResolver(subscriptionStore, s.ledger, s.logger).
		WithGracePeriodDays(s.cfg.GracePeriodDays).
		WithEvents(s.events)
	s.escrows = escrow.NewService(escrowStore, s.ledger, s.plans, s.market).
		WithLogger(s.logger).
		WithEvents(s.events).
		WithPlatformOwner(s.cfg.PlatformWalletOwner).
		WithMinAmount(s.cfg.MinEscrowAmount).
		WithAutoReleaseHours(s.cfg.AutoReleaseHours)
	s.milestones = milestone.NewService(milestoneStore, s.escrows, s.market, s.market).
		WithLogger(s.logger).
		WithEvents(s.events).
		WithAutoReleaseHours(s.cfg.AutoReleaseHours)
	s.timer = autorelease.NewTimer(s.milestones, s.escrows, s.cfg.AutoReleaseInterval, s.logger)
	s.reconciler = reconciliation.NewService(milestoneStore, escrowStore,
		max(reconciliation.DefaultGrace, 2*s.cfg.AutoReleaseInterval), s.logger)
	s.reconTimer = reconciliation.NewTimer(s.reconciler, reconciliation.DefaultInterval, s.logger)
	return nil
}

// maskDSN hides the password in a database URL for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return "***"
	}
	if _, has := u.User.Password(); has {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
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
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No route for " + c.Request.Method + " " + c.Request.URL.Path})
	})

	v1 := s.router.Group("/v1")
	v1.Use(validation.IDParamMiddleware())

	ledgerHandler := ledger.NewHandler(s.ledger, s.market)
	subscriptionHandler := subscription.NewHandler(s.plans)
	escrowHandler := escrow.NewHandler(s.escrows)
	milestoneHandler := milestone.NewHandler(s.milestones)

	subscriptionHandler.RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(auth.Middleware(s.tokens), auth.RequireAuth(), s.rateLimiter.Middleware())
	ledgerHandler.RegisterProtectedRoutes(protected)
	subscriptionHandler.RegisterProtectedRoutes(protected)
	escrowHandler.RegisterProtectedRoutes(protected)
	milestoneHandler.RegisterProtectedRoutes(protected)

	internal := v1.Group("/internal")
	internal.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	ledgerHandler.RegisterInternalRoutes(internal)
	escrowHandler.RegisterInternalRoutes(internal)
	marketplace.NewHandler(s.market).RegisterInternalRoutes(internal)
	reconciliation.NewHandler(s.reconciler).RegisterInternalRoutes(internal)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	ok, checks := s.checks.CheckAll(ctx)
	status, httpStatus := "healthy", http.StatusOK
	if !ok {
		status, httpStatus = "degraded", http.StatusServiceUnavailable
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

// Run serves HTTP and runs the background workers until ctx is cancelled,
// a shutdown signal arrives, or the listener fails.
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

	g, gctx := errgroup.WithContext(runCtx)
	s.group = g

	g.Go(func() error {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	s.startWorkers(gctx, g)

	// Mark as ready after brief delay for startup
	go func() {
		select {
		case <-time.After(100 * time.Millisecond):
			s.ready.Store(true)
			s.logger.Info("server ready")
		case <-gctx.Done():
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-gctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// startWorkers launches the auto-release and reconciliation timers, the
// event queue, the rate limiter sweeper and the DB stats collector on g.
func (s *Server) startWorkers(ctx context.Context, g *errgroup.Group) {
	g.Go(func() error {
		s.timer.Start(ctx)
		return nil
	})
	g.Go(func() error {
		s.reconTimer.Start(ctx)
		return nil
	})
	g.Go(func() error {
		return s.events.Run(ctx)
	})
	g.Go(func() error {
		s.rateLimiter.Start()
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.rateLimiter.Stop()
		return nil
	})
	if s.db != nil {
		g.Go(func() error {
			metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
			return nil
		})
	}
}

// Shutdown gracefully stops the server
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

	// Stops the timer and lets the event queue drain
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	if s.group != nil {
		if err := s.group.Wait(); err != nil {
			shutdownErr = errors.Join(shutdownErr, err)
		}
		s.logger.Info("background workers stopped")
	}

	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.Error("kafka close error", "error", err)
		}
	}
	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
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
