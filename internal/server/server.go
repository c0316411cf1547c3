package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	catalogdomain "github.com/smallbiznis/meterline/internal/catalog/domain"
	"github.com/smallbiznis/meterline/internal/config"
	invoicedomain "github.com/smallbiznis/meterline/internal/invoice/domain"
	paymentdomain "github.com/smallbiznis/meterline/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/meterline/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/meterline/internal/usage/domain"
	webhookdomain "github.com/smallbiznis/meterline/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func registerGin(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(CorrelationMiddleware())
	r.Use(RequestLogger(log))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", srv.Addr))
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
	log    *zap.Logger

	catalogSvc      catalogdomain.Service
	subscriptionSvc subscriptiondomain.Service
	usageSvc        usagedomain.Service
	invoiceSvc      invoicedomain.Service
	paymentSvc      paymentdomain.Service
	webhookSvc      webhookdomain.Service
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	Log             *zap.Logger
	CatalogSvc      catalogdomain.Service
	SubscriptionSvc subscriptiondomain.Service
	UsageSvc        usagedomain.Service
	InvoiceSvc      invoicedomain.Service
	PaymentSvc      paymentdomain.Service
	WebhookSvc      webhookdomain.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		log:             p.Log.Named("http.server"),
		catalogSvc:      p.CatalogSvc,
		subscriptionSvc: p.SubscriptionSvc,
		usageSvc:        p.UsageSvc,
		invoiceSvc:      p.InvoiceSvc,
		paymentSvc:      p.PaymentSvc,
		webhookSvc:      p.WebhookSvc,
	}

	svc.registerRoutes()
	return svc
}

func (s *Server) registerRoutes() {
	v1 := s.engine.Group("/v1", s.IdentityRequired())

	v1.POST("/usage", s.TrackUsage)
	v1.POST("/usage/track", s.RecordUsage)
	v1.GET("/usage", s.RecentUsage)

	v1.POST("/subscriptions", s.StartSubscription)
	v1.GET("/subscriptions/active", s.GetActiveSubscription)
	v1.GET("/subscriptions/:id", s.GetSubscription)
	v1.POST("/subscriptions/:id/change-plan", s.ChangePlan)
	v1.POST("/subscriptions/:id/cancel", s.CancelSubscription)
	v1.POST("/subscriptions/:id/reactivate", s.ReactivateSubscription)
	v1.POST("/subscriptions/:id/rebuild-items", s.RebuildSubscriptionItems)
	v1.GET("/subscriptions/:id/history", s.SubscriptionChangeHistory)

	v1.GET("/invoices", s.ListInvoices)
	v1.GET("/invoices/:id", s.GetInvoice)
	v1.GET("/invoices/:id/lines", s.ListInvoiceLines)
	v1.POST("/invoices/:id/recalculate", s.RecalculateInvoice)
	v1.POST("/invoices/:id/pay", s.PayInvoice)
	v1.POST("/invoices/:id/retry", s.RetryInvoicePayment)
	v1.POST("/invoices/:id/cancel", s.CancelInvoice)
	v1.GET("/invoices/:id/attempts", s.ListPaymentAttempts)

	v1.POST("/webhooks/endpoints", s.RegisterWebhookEndpoint)
	v1.GET("/webhooks/endpoints", s.ListWebhookEndpoints)
	v1.DELETE("/webhooks/endpoints/:id", s.RevokeWebhookEndpoint)
	v1.GET("/webhooks/endpoints/:id/deliveries", s.ListWebhookDeliveries)
	v1.POST("/webhooks/endpoints/:id/redeliver", s.RedeliverWebhooks)

	v1.GET("/plans/:id", s.GetPlan)
	v1.GET("/plans/:id/features", s.ListPlanFeatures)
	v1.GET("/plans/:id/price", s.GetPlanPrice)
	v1.GET("/features/:key", s.GetFeature)
}
