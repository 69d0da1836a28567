package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/rebill/internal/billing"
	"github.com/smallbiznis/rebill/internal/config"
	invoicedomain "github.com/smallbiznis/rebill/internal/invoice/domain"
	"github.com/smallbiznis/rebill/internal/observability"
	obslogger "github.com/smallbiznis/rebill/internal/observability/logger"
	plandomain "github.com/smallbiznis/rebill/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/rebill/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/rebill/internal/usage/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config) *gin.Engine {
	return NewEngine(obsCfg)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
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
	engine *gin.Engine
	cfg    config.Config
	db     *gorm.DB
	genID  *snowflake.Node

	planSvc         plandomain.Service
	subscriptionSvc subscriptiondomain.Service
	usageSvc        usagedomain.Service
	subRepo         subscriptiondomain.Repository
	invoiceRepo     invoicedomain.Repository
	processor       *billing.Processor
}

type ServerParams struct {
	fx.In

	Gin   *gin.Engine
	Cfg   config.Config
	DB    *gorm.DB
	GenID *snowflake.Node

	PlanSvc         plandomain.Service
	SubscriptionSvc subscriptiondomain.Service
	UsageSvc        usagedomain.Service
	SubRepo         subscriptiondomain.Repository
	InvoiceRepo     invoicedomain.Repository
	Processor       *billing.Processor
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine: p.Gin,
		cfg:    p.Cfg,
		db:     p.DB,
		genID:  p.GenID,

		planSvc:         p.PlanSvc,
		subscriptionSvc: p.SubscriptionSvc,
		usageSvc:        p.UsageSvc,
		subRepo:         p.SubRepo,
		invoiceRepo:     p.InvoiceRepo,
		processor:       p.Processor,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1")

	// -------- Plans --------
	v1.POST("/plans", s.CreatePlan)
	v1.GET("/plans", s.ListPlans)
	v1.GET("/plans/:id", s.GetPlan)

	// -------- Subscriptions --------
	v1.POST("/subscriptions", s.CreateSubscription)
	v1.POST("/subscriptions/cancel", s.CancelSubscription)
	v1.POST("/subscriptions/upgrade", s.UpgradeSubscription)
	v1.POST("/subscriptions/transition", s.TransitionSubscription)
	v1.GET("/subscriptions/status", s.SubscriptionStatus)

	// -------- Usage --------
	v1.POST("/usage", s.RecordUsage)

	// -------- Invoices --------
	v1.GET("/invoices", s.ListInvoices)

	// -------- Billing --------
	v1.POST("/billing/run", s.RunBilling)
}
