package migration

import (
	"strings"

	catalogdomain "github.com/smallbiznis/meterline/internal/catalog/domain"
	"github.com/smallbiznis/meterline/internal/config"
	invoicedomain "github.com/smallbiznis/meterline/internal/invoice/domain"
	outboxdomain "github.com/smallbiznis/meterline/internal/outbox/domain"
	subscriptiondomain "github.com/smallbiznis/meterline/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/meterline/internal/usage/domain"
	webhookdomain "github.com/smallbiznis/meterline/internal/webhook/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if strings.EqualFold(cfg.DBType, "postgres") {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			return RunMigrations(sqlDB)
		}

		// Non-postgres dialects (sqlite in dev, mysql) derive the schema
		// from the models.
		return conn.AutoMigrate(
			&catalogdomain.Feature{},
			&catalogdomain.Plan{},
			&catalogdomain.PlanFeature{},
			&catalogdomain.PlanPrice{},
			&subscriptiondomain.Subscription{},
			&subscriptiondomain.SubscriptionItem{},
			&subscriptiondomain.SubscriptionChangeLog{},
			&usagedomain.UsageRecord{},
			&invoicedomain.Invoice{},
			&invoicedomain.InvoiceLine{},
			&invoicedomain.InvoicePaymentAttempt{},
			&outboxdomain.Message{},
			&webhookdomain.Endpoint{},
			&webhookdomain.Delivery{},
		)
	}),
)
