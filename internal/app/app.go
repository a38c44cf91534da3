// Package app assembles the ledger services from configuration
package app

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/visionmarket/ledger/internal/config"
	"github.com/visionmarket/ledger/internal/custody"
	"github.com/visionmarket/ledger/internal/dashboard"
	"github.com/visionmarket/ledger/internal/distribution"
	"github.com/visionmarket/ledger/internal/events"
	"github.com/visionmarket/ledger/internal/notification"
	"github.com/visionmarket/ledger/internal/pools"
	"github.com/visionmarket/ledger/internal/registry"
	"github.com/visionmarket/ledger/internal/revenue"
	"github.com/visionmarket/ledger/internal/scoring"
	"github.com/visionmarket/ledger/internal/settlement"
	"github.com/visionmarket/ledger/internal/transfer"
	"github.com/visionmarket/ledger/internal/wallet"
	"github.com/visionmarket/ledger/internal/withdrawal"
)

// Deps are the optional infrastructure clients. Nil sinks fall back to the log.
type Deps struct {
	Redis            redis.UniversalClient
	InteractionSink  events.Publisher
	NotificationSink events.Publisher
}

// App holds every wired ledger component
type App struct {
	Config      *config.Config
	DB          *gorm.DB
	Wallets     *wallet.Store
	Assets      *registry.Store
	Pools       *pools.Registry
	Engine      *distribution.Engine
	Limiter     *transfer.Limiter
	Notifier    *notification.Notifier
	Scoring     *scoring.Publisher
	Settlement  *settlement.Service
	Custody     *custody.Manager
	Withdrawals *withdrawal.Service
	Revenue     *revenue.Recorder
	Dashboard   *dashboard.Dashboard
}

// New wires the ledger on db according to cfg
func New(cfg *config.Config, db *gorm.DB, deps Deps, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	tables, err := distribution.TablesFromConfig(cfg.Distribution.Tables)
	if err != nil {
		return nil, err
	}
	feeRate, err := cfg.FeeRate()
	if err != nil {
		return nil, err
	}
	reinvest, err := cfg.ReinvestRate()
	if err != nil {
		return nil, err
	}
	withdrawalCfg, err := withdrawal.ConfigFrom(cfg.Withdrawal, cfg.Auth.AdminIDs)
	if err != nil {
		return nil, fmt.Errorf("withdrawal config: %w", err)
	}

	if deps.InteractionSink == nil {
		deps.InteractionSink = events.NewLogPublisher(log.Named("interactions"))
	}
	if deps.NotificationSink == nil {
		deps.NotificationSink = events.NewLogPublisher(log.Named("notifications"))
	}
	var dedup notification.Deduper = notification.NewDBDeduper(db)
	if deps.Redis != nil {
		dedup = notification.NewRedisDeduper(deps.Redis)
	}

	a := &App{Config: cfg, DB: db}
	a.Wallets = wallet.NewStore(db, log)
	a.Assets = registry.NewStore(db, log)
	a.Pools = pools.NewRegistry(db, log)
	a.Engine = distribution.NewEngine(a.Pools, log)
	a.Limiter = transfer.NewLimiter(cfg.Transfer.Limit, cfg.Transfer.Window, log)
	a.Notifier = notification.NewNotifier(dedup, deps.NotificationSink, log)
	a.Scoring = scoring.NewPublisher(deps.InteractionSink, log)

	a.Settlement, err = settlement.NewService(db, a.Wallets, a.Assets, a.Limiter, a.Engine, a.Scoring,
		settlement.Config{FeeRate: feeRate, Table: tables[cfg.Settlement.RatioTable]}, log)
	if err != nil {
		return nil, err
	}
	a.Custody = custody.NewManager(db, a.Assets, a.Limiter, a.Notifier, cfg.Custody.GraceDays, log)
	a.Withdrawals = withdrawal.NewService(db, a.Wallets, a.Notifier, withdrawalCfg, log)
	a.Revenue, err = revenue.NewRecorder(db, a.Wallets, a.Engine, a.Assets, a.Custody, a.Scoring,
		revenue.Config{ReinvestRate: reinvest, Table: tables[cfg.Revenue.RatioTable]}, log)
	if err != nil {
		return nil, err
	}
	a.Dashboard = dashboard.New(db, a.Withdrawals)
	return a, nil
}

// Close flushes the outbound sinks
func (a *App) Close() error {
	var first error
	for _, c := range []interface{ Close() error }{a.Scoring, a.Notifier} {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
