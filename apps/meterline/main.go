package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterline/internal/catalog"
	"github.com/smallbiznis/meterline/internal/clock"
	"github.com/smallbiznis/meterline/internal/config"
	"github.com/smallbiznis/meterline/internal/invoice"
	"github.com/smallbiznis/meterline/internal/migration"
	"github.com/smallbiznis/meterline/internal/observability"
	"github.com/smallbiznis/meterline/internal/outbox"
	"github.com/smallbiznis/meterline/internal/payment"
	"github.com/smallbiznis/meterline/internal/scheduler"
	"github.com/smallbiznis/meterline/internal/seed"
	"github.com/smallbiznis/meterline/internal/server"
	"github.com/smallbiznis/meterline/internal/subscription"
	"github.com/smallbiznis/meterline/internal/usage"
	"github.com/smallbiznis/meterline/internal/webhook"
	"github.com/smallbiznis/meterline/pkg/db"
	"github.com/smallbiznis/meterline/pkg/log"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func main() {
	app := fx.New(
		// core infrastructure
		config.Module,
		log.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		fx.Invoke(seedDemoCatalog),

		// billing domains
		catalog.Module,
		subscription.Module,
		usage.Module,
		invoice.Module,
		payment.Module,
		outbox.Module,
		webhook.Module,
		scheduler.Module,

		server.Module,
	)
	app.Run()
}

func seedDemoCatalog(cfg config.Config, gdb *gorm.DB) error {
	if !cfg.SeedDemo {
		return nil
	}
	return seed.EnsureDemoCatalog(gdb)
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
