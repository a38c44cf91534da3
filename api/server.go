// Package api exposes the ledger over HTTP
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/visionmarket/ledger/api/responses"
	"github.com/visionmarket/ledger/internal/custody"
	"github.com/visionmarket/ledger/internal/dashboard"
	"github.com/visionmarket/ledger/internal/middleware/ratelimit"
	"github.com/visionmarket/ledger/internal/registry"
	"github.com/visionmarket/ledger/internal/revenue"
	"github.com/visionmarket/ledger/internal/settlement"
	"github.com/visionmarket/ledger/internal/wallet"
	"github.com/visionmarket/ledger/internal/withdrawal"
	apperrors "github.com/visionmarket/ledger/pkg/errors"
	"github.com/visionmarket/ledger/pkg/logger"
)

// Services are the ledger components the API drives
type Services struct {
	Wallets     *wallet.Store
	Assets      *registry.Store
	Settlement  *settlement.Service
	Custody     *custody.Manager
	Withdrawals *withdrawal.Service
	Dashboard   *dashboard.Dashboard
	Revenue     *revenue.Recorder
}

// Options configures authentication and throttling
type Options struct {
	JWTSecret    string
	ServiceToken string
	// RateLimiter is optional; nil disables per-caller throttling
	RateLimiter ratelimit.Window
	DB          *gorm.DB
}

// Server represents the API server
type Server struct {
	router       *gin.Engine
	logger       *zap.Logger
	svc          Services
	db           *gorm.DB
	jwtSecret    []byte
	serviceToken string
	limiter      ratelimit.Window
}

// NewServer creates a new API server
func NewServer(log *zap.Logger, svc Services, opts Options) *Server {
	log = logger.Named(log, "api")
	s := &Server{
		logger:       log,
		svc:          svc,
		db:           opts.DB,
		jwtSecret:    []byte(opts.JWTSecret),
		serviceToken: opts.ServiceToken,
		limiter:      opts.RateLimiter,
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(log, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(log, true))
	router.Use(otelgin.Middleware("ledgerd"))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))
	router.NoRoute(func(c *gin.Context) {
		responses.Fail(c, apperrors.NotFound.Explain("no route for %s %s", c.Request.Method, c.Request.URL.Path))
	})

	s.router = router
	s.registerRoutes()
	return s
}

// Router returns the internal Gin engine for testing purposes
func (s *Server) Router() *gin.Engine {
	return s.router
}

// HTTPServer wraps the router for graceful shutdown by the caller
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (s *Server) registerRoutes() {
	public := s.router.Group("/api/v1")
	{
		public.GET("/metrics", gin.WrapH(promhttp.Handler()))
		public.GET("/health", s.healthCheck)
	}

	protected := s.router.Group("/api/v1")
	protected.Use(s.authMiddleware())
	if s.limiter != nil {
		protected.Use(ratelimit.Middleware(s.limiter, rateLimitKey, func(c *gin.Context) {
			responses.Fail(c, apperrors.RateLimit.Explain("too many requests"))
		}, s.logger))
	}
	{
		protected.GET("/wallet", s.getWallet)
		protected.GET("/wallet/ledger", s.getWalletLedger)

		protected.GET("/listings", s.listListings)
		protected.GET("/listings/:id", s.getListing)
		protected.POST("/listings", s.createListing)
		protected.DELETE("/listings/:id", s.cancelListing)
		protected.POST("/listings/:id/purchase", s.purchaseListing)

		protected.GET("/assets/:id", s.getAsset)
		protected.POST("/assets/:id/reclaim", s.reclaimAsset)
		protected.GET("/custody", s.getCustodyState)

		protected.GET("/withdrawals", s.listWithdrawals)
		protected.POST("/withdrawals", s.createWithdrawal)
		protected.DELETE("/withdrawals/:id", s.cancelWithdrawal)
	}

	admin := protected.Group("/admin")
	admin.Use(s.adminMiddleware())
	{
		admin.POST("/withdrawals/:id/approve", s.approveWithdrawal)
		admin.POST("/withdrawals/:id/reject", s.rejectWithdrawal)
		admin.POST("/withdrawals/:id/complete", s.completeWithdrawal)

		admin.GET("/wallets/:id/reconcile", s.reconcileWallet)
		admin.POST("/wallets/:id/adjust", s.adjustWallet)

		admin.GET("/dashboard/pools", s.dashboardPools)
		admin.GET("/dashboard/wallets", s.dashboardWallets)
		admin.GET("/dashboard/withdrawals", s.dashboardWithdrawals)
	}

	internal := s.router.Group("/api/v1/internal")
	internal.Use(s.serviceMiddleware())
	{
		internal.POST("/assets", s.registerAsset)
		internal.POST("/payments/deposit", s.recordDeposit)
		internal.POST("/payments/product-order", s.recordProductOrder)
		internal.POST("/payments/subscription", s.recordSubscription)
	}
}

// healthCheck handles the health check endpoint
func (s *Server) healthCheck(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok", "time": time.Now().UTC()}
	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		sqlDB, err := s.db.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			s.logger.Warn("Database ping failed", zap.Error(err))
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}
