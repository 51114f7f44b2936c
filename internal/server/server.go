package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/examly/internal/access"
	accessdomain "github.com/smallbiznis/examly/internal/access/domain"
	"github.com/smallbiznis/examly/internal/attempt"
	"github.com/smallbiznis/examly/internal/config"
	"github.com/smallbiznis/examly/internal/entitlement"
	"github.com/smallbiznis/examly/internal/exam"
	"github.com/smallbiznis/examly/internal/grant"
	"github.com/smallbiznis/examly/internal/invoice"
	"github.com/smallbiznis/examly/internal/notify"
	"github.com/smallbiznis/examly/internal/observability"
	obsmiddleware "github.com/smallbiznis/examly/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/examly/internal/observability/metrics"
	obstracing "github.com/smallbiznis/examly/internal/observability/tracing"
	"github.com/smallbiznis/examly/internal/payment"
	paymentdomain "github.com/smallbiznis/examly/internal/payment/domain"
	"github.com/smallbiznis/examly/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	ratelimit.Module,
	exam.Module,
	invoice.Module,
	grant.Module,
	attempt.Module,
	entitlement.Module,
	access.Module,
	notify.Module,
	payment.Module,
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	addr := cfg.HTTPAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server listening", zap.String("addr", addr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine     *gin.Engine
	log        *zap.Logger
	accessSvc  accessdomain.Service
	paymentSvc paymentdomain.Service
	reconciler paymentdomain.Reconciler
	limiter    *ratelimit.PaymentLimiter
	obsMetrics *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Log        *zap.Logger
	AccessSvc  accessdomain.Service
	PaymentSvc paymentdomain.Service
	Reconciler paymentdomain.Reconciler
	Limiter    *ratelimit.PaymentLimiter `optional:"true"`
	ObsMetrics *obsmetrics.Metrics       `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		log:        p.Log.Named("http"),
		accessSvc:  p.AccessSvc,
		paymentSvc: p.PaymentSvc,
		reconciler: p.Reconciler,
		limiter:    p.Limiter,
		obsMetrics: p.ObsMetrics,
	}

	svc.registerAPIRoutes()
	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	// The gateway posts here without caller identity.
	api.POST("/payments/webhook", s.HandlePaymentWebhook)

	scoped := api.Group("", IdentityMiddleware())
	scoped.GET("/access", s.CheckAccess)
	scoped.POST("/attempts", s.StartAttempt)
	scoped.POST("/attempts/:id/complete", s.CompleteAttempt)
	scoped.POST("/oral/open", s.OpenOral)
	scoped.POST("/payments/checkout", s.CreateCheckout)
	scoped.GET("/payments/status", s.StatusPollRateLimit(), s.GetPaymentStatus)
}
