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

	"github.com/vietkhanh/payhub/internal/chain"
	"github.com/vietkhanh/payhub/internal/config"
	"github.com/vietkhanh/payhub/internal/engine"
	"github.com/vietkhanh/payhub/internal/fulfillment"
	"github.com/vietkhanh/payhub/internal/health"
	"github.com/vietkhanh/payhub/internal/invoice"
	"github.com/vietkhanh/payhub/internal/license"
	"github.com/vietkhanh/payhub/internal/logging"
	"github.com/vietkhanh/payhub/internal/mail"
	"github.com/vietkhanh/payhub/internal/metrics"
	"github.com/vietkhanh/payhub/internal/provider"
	"github.com/vietkhanh/payhub/internal/provider/coinpayments"
	"github.com/vietkhanh/payhub/internal/provider/cryptocloud"
	"github.com/vietkhanh/payhub/internal/provider/nowpayments"
	"github.com/vietkhanh/payhub/internal/provider/stripecheckout"
	"github.com/vietkhanh/payhub/internal/ratelimit"
	"github.com/vietkhanh/payhub/internal/realtime"
	"github.com/vietkhanh/payhub/internal/security"
	"github.com/vietkhanh/payhub/internal/traces"
	"github.com/vietkhanh/payhub/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	store        invoice.Store
	registry     *provider.Registry
	engine       *engine.Engine
	dispatcher   *fulfillment.Dispatcher
	sweeper      *engine.Sweeper
	realtimeHub  *realtime.Hub
	healthChecks *health.Registry
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	tracesStop   func(context.Context) error

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

// WithStore sets a custom invoice store (for testing)
func WithStore(store invoice.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithAdapter registers an extra provider adapter (for testing)
func WithAdapter(a provider.Adapter) Option {
	return func(s *Server) {
		s.registry.Register(a)
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:          cfg,
		registry:     provider.NewRegistry(),
		healthChecks: health.NewRegistry(),
		logger:       logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set store/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if s.store == nil {
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
			s.store = invoice.NewPostgresStore(db)
			s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

			s.healthChecks.Register("database", func(ctx context.Context) health.Status {
				if err := db.PingContext(ctx); err != nil {
					return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
				}
				return health.Status{Name: "database", Healthy: true}
			})
		} else {
			s.store = invoice.NewMemoryStore()
			s.logger.Info("using in-memory storage (data will not persist)")
		}
	}

	s.registerProviders()

	// On-chain settlement resolver
	resolver := chain.New(chain.Config{
		EthereumRPC:   cfg.EthereumRPC,
		PolygonRPC:    cfg.PolygonRPC,
		BSCRPC:        cfg.BSCRPC,
		BSCTestnetRPC: cfg.BSCTestnetRPC,
	}, s.logger)

	// Fulfillment: license issuance + mail delivery
	var issuer fulfillment.LicenseIssuer
	if cfg.LicenseServerConfigured() {
		issuer = license.NewClient(license.Config{
			BaseURL:  cfg.LicenseServerURL,
			Username: cfg.LicenseServerUser,
			Password: cfg.LicenseServerPassword,
		}, nil)
		s.logger.Info("license issuance enabled", "server", cfg.LicenseServerURL)
	}
	var mailer fulfillment.Mailer
	if cfg.MailConfigured() {
		mailer = mail.New(mail.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			CC:       cfg.SMTPCC,
		})
		s.logger.Info("mail delivery enabled", "host", cfg.SMTPHost)
	}
	s.dispatcher = fulfillment.New(issuer, mailer, s.store, s.logger)

	// Create realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)
	s.logger.Info("realtime streaming enabled")

	// Lifecycle engine ties it all together
	s.engine = engine.New(s.store, s.registry, resolver, s.dispatcher, s.realtimeHub, s.logger)
	s.sweeper = engine.NewSweeper(s.engine, s.logger)

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

// registerProviders wires an adapter for every provider whose credentials
// are configured. A missing provider simply is not registered; requests
// naming it get a 404.
func (s *Server) registerProviders() {
	cfg := s.cfg

	if cfg.CoinPaymentsConfigured() {
		s.registry.Register(coinpayments.New(coinpayments.Config{
			APIURL:    cfg.CoinPaymentsAPIURL,
			APIKey:    cfg.CoinPaymentsAPIKey,
			APISecret: cfg.CoinPaymentsAPISecret,
			IPNSecret: cfg.CoinPaymentsIPNSecret,
			IPNURL:    cfg.CoinPaymentsIPNURL,
		}, nil))
		s.logger.Info("payment provider enabled", "provider", invoice.ProviderCoinPayments)
	}

	if cfg.CryptoCloudConfigured() {
		s.registry.Register(cryptocloud.New(cryptocloud.Config{
			APIURL: cfg.CryptoCloudAPIURL,
			APIKey: cfg.CryptoCloudAPIKey,
			ShopID: cfg.CryptoCloudShopID,
		}, nil))
		s.logger.Info("payment provider enabled", "provider", invoice.ProviderCryptoCloud)
	}

	if cfg.NowPaymentsConfigured() {
		s.registry.Register(nowpayments.New(nowpayments.Config{
			APIURL:         cfg.NowPaymentsAPIURL,
			APIKey:         cfg.NowPaymentsAPIKey,
			IPNSecret:      cfg.NowPaymentsIPNSecret,
			IPNCallbackURL: cfg.NowPaymentsCallbackURL,
		}, nil))
		s.logger.Info("payment provider enabled", "provider", invoice.ProviderNowPayments)
	}

	if cfg.StripeConfigured() {
		s.registry.Register(stripecheckout.New(stripecheckout.Config{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
			SuccessURL:    cfg.StripeSuccessURL,
			CancelURL:     cfg.StripeCancelURL,
		}, nil))
		s.logger.Info("payment provider enabled", "provider", invoice.ProviderStripe)
	}
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

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
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

	// WebSocket for real-time invoice event streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	v1.GET("/providers", s.listProvidersHandler)

	// Invoice lifecycle
	v1.POST("/invoices/:provider", s.createInvoiceHandler)
	v1.POST("/invoices/:provider/notify", s.notificationHandler)
	v1.GET("/invoices/:number", s.getInvoiceHandler)

	// Direct on-chain settlement
	v1.POST("/payments/web3", s.web3PaymentHandler)

	// Stream stats for the operator dashboard
	v1.GET("/stream/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
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

	tracesStop, err := traces.Init(ctx, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), s.logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	s.tracesStop = tracesStop

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
			"providers", s.registry.IDs(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start pending-invoice sweeper
	go s.sweeper.Start(runCtx)

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

	// Cancel the context for all background goroutines (hub, sweeper)
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

	// Stop pending-invoice sweeper
	if s.sweeper != nil {
		s.sweeper.Stop()
		s.logger.Info("sweeper stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Drain in-flight fulfillment dispatches; a license that was paid for
	// must not be dropped by a restart.
	if s.dispatcher != nil {
		s.dispatcher.Wait()
		s.logger.Info("fulfillment dispatches drained")
	}

	// Flush any buffered trace spans
	if s.tracesStop != nil {
		if err := s.tracesStop(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
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

// Engine returns the lifecycle engine (used by the MCP server)
func (s *Server) Engine() *engine.Engine {
	return s.engine
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
