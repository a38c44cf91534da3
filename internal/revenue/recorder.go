// Package revenue records payment-collaborator events against the ledger.
// Every entry point is idempotent per external event id.
package revenue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/visionmarket/ledger/internal/custody"
	"github.com/visionmarket/ledger/internal/distribution"
	"github.com/visionmarket/ledger/internal/registry"
	"github.com/visionmarket/ledger/internal/scoring"
	"github.com/visionmarket/ledger/internal/wallet"
	apperrors "github.com/visionmarket/ledger/pkg/errors"
	"github.com/visionmarket/ledger/pkg/logger"
	"github.com/visionmarket/ledger/pkg/metrics"
	"github.com/visionmarket/ledger/pkg/models"
)

// DefaultReinvestRate is the share of product net profit fed back into pools
var DefaultReinvestRate = decimal.RequireFromString("0.17")

const (
	kindDeposit      = "deposit"
	kindProductOrder = "product_order"
	kindSubscription = "subscription"
)

// PaymentEvent is a confirmed charge reported by the payment collaborator.
// Amounts are cents.
type PaymentEvent struct {
	EventID      string
	UserID       uuid.UUID
	AssetID      *uuid.UUID
	Gross        int64
	ProcessorFee int64
	Tax          int64
	Cost         int64
	Attribution  *models.Attribution
}

// Net is what remains after processor fee and tax
func (e PaymentEvent) Net() int64 {
	return e.Gross - e.ProcessorFee - e.Tax
}

// Result reports what an event did
type Result struct {
	EventID     string                    `json:"event_id"`
	Duplicate   bool                      `json:"duplicate"`
	Credited    int64                     `json:"credited,omitempty"`
	Reinvested  int64                     `json:"reinvested,omitempty"`
	Allocations []distribution.Allocation `json:"allocations,omitempty"`
}

// Config holds the product-order economics
type Config struct {
	ReinvestRate decimal.Decimal
	Table        distribution.RatioTable
}

// Recorder is the ledger side of the payment integration
type Recorder struct {
	db      *gorm.DB
	wallets *wallet.Store
	engine  *distribution.Engine
	assets  registry.Registry
	custody *custody.Manager
	scoring *scoring.Publisher
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
}

// NewRecorder wires a revenue recorder. scorer may be nil.
func NewRecorder(
	db *gorm.DB,
	wallets *wallet.Store,
	engine *distribution.Engine,
	assets registry.Registry,
	custodian *custody.Manager,
	scorer *scoring.Publisher,
	cfg Config,
	log *zap.Logger,
) (*Recorder, error) {
	if cfg.ReinvestRate.IsNegative() || cfg.ReinvestRate.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("reinvest rate %s out of range", cfg.ReinvestRate)
	}
	if err := cfg.Table.Validate(); err != nil {
		return nil, fmt.Errorf("revenue ratio table: %w", err)
	}
	return &Recorder{
		db:      db,
		wallets: wallets,
		engine:  engine,
		assets:  assets,
		custody: custodian,
		scoring: scorer,
		cfg:     cfg,
		logger:  logger.Named(log, "revenue"),
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// RecordDeposit credits the net of a wallet top-up
func (r *Recorder) RecordDeposit(ctx context.Context, ev PaymentEvent) (*Result, error) {
	if err := validateEvent(ev); err != nil {
		return nil, err
	}
	if ev.UserID == uuid.Nil {
		return nil, apperrors.Validation.Explain("user id is required").WithField("user_id", "required")
	}
	net := ev.Net()
	if net <= 0 {
		return nil, apperrors.Validation.Explain("deposit nets to %d after fees and tax", net)
	}

	res := &Result{EventID: ev.EventID}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fresh, err := r.markProcessed(tx, ev.EventID, kindDeposit)
		if err != nil || !fresh {
			res.Duplicate = !fresh
			return err
		}
		if _, err := r.wallets.Credit(tx, ev.UserID, net, wallet.Entry{
			Type:      models.EntryDeposit,
			Reference: ev.EventID,
		}); err != nil {
			return err
		}
		res.Credited = net
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.logResult("Deposit recorded", kindDeposit, ev, res)
	return res, nil
}

// RecordProductOrder reinvests a share of a print order's net profit into
// the pools attributed to the ordered asset
func (r *Recorder) RecordProductOrder(ctx context.Context, ev PaymentEvent) (*Result, error) {
	if err := validateEvent(ev); err != nil {
		return nil, err
	}
	if ev.Cost < 0 {
		return nil, apperrors.Validation.Explain("cost must not be negative").WithField("cost", "must be >= 0")
	}

	attr := models.Attribution{}
	switch {
	case ev.Attribution != nil:
		attr = *ev.Attribution
	case ev.AssetID != nil:
		asset, err := r.assets.Get(ctx, *ev.AssetID)
		if err != nil {
			return nil, err
		}
		attr = asset.Attribution()
	}

	profit := ev.Net() - ev.Cost
	reinvest := int64(0)
	if profit > 0 {
		reinvest = decimal.NewFromInt(profit).Mul(r.cfg.ReinvestRate).Round(0).IntPart()
	}

	res := &Result{EventID: ev.EventID}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fresh, err := r.markProcessed(tx, ev.EventID, kindProductOrder)
		if err != nil || !fresh {
			res.Duplicate = !fresh
			return err
		}
		allocations, err := r.engine.Distribute(tx, reinvest, attr, r.cfg.Table)
		if err != nil {
			return err
		}
		res.Reinvested = reinvest
		res.Allocations = allocations
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.logResult("Product order recorded", kindProductOrder, ev, res)

	if !res.Duplicate && r.scoring != nil && ev.AssetID != nil {
		r.scoring.Emit(scoring.InteractionEvent{
			Type:        scoring.InteractionPrintOrder,
			AssetID:     *ev.AssetID,
			UserID:      ev.UserID,
			Attribution: attr,
			Amount:      ev.Gross,
			At:          r.now(),
		})
	}
	return res, nil
}

// RecordSubscriptionEvent routes a billing event to the custody manager.
// The event id is claimed in the same transaction as the custody transition.
func (r *Recorder) RecordSubscriptionEvent(ctx context.Context, eventID string, userID uuid.UUID, kind custody.EventKind) (*Result, *models.CustodyState, error) {
	if eventID == "" {
		return nil, nil, apperrors.Validation.Explain("event id is required").WithField("event_id", "required")
	}
	res := &Result{EventID: eventID}
	ev := PaymentEvent{EventID: eventID, UserID: userID}

	var out *custody.Outcome
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fresh, err := r.markProcessed(tx, eventID, kindSubscription)
		if err != nil {
			return err
		}
		if !fresh {
			res.Duplicate = true
			return nil
		}
		out, err = r.custody.ApplyEvent(tx, userID, kind)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	if res.Duplicate {
		r.logResult("Subscription event skipped", kindSubscription, ev, res)
		return res, nil, nil
	}

	r.custody.Finish(ctx, out)
	r.logResult("Subscription event recorded", kindSubscription, ev, res)
	return res, out.State, nil
}

// markProcessed claims eventID; false means it was already recorded
func (r *Recorder) markProcessed(tx *gorm.DB, eventID, kind string) (bool, error) {
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.ProcessedEvent{
		EventID:     eventID,
		Kind:        kind,
		ProcessedAt: r.now(),
	})
	if res.Error != nil {
		return false, fmt.Errorf("failed to record event %s: %w", eventID, res.Error)
	}
	if res.RowsAffected == 0 {
		metrics.DuplicatePaymentEvents.WithLabelValues(kind).Inc()
		return false, nil
	}
	return true, nil
}

func (r *Recorder) logResult(msg, kind string, ev PaymentEvent, res *Result) {
	r.logger.Info(msg,
		zap.String("event_id", ev.EventID),
		zap.String("kind", kind),
		zap.String("user_id", ev.UserID.String()),
		zap.Bool("duplicate", res.Duplicate),
		zap.Int64("credited", res.Credited),
		zap.Int64("reinvested", res.Reinvested))
}

func validateEvent(ev PaymentEvent) error {
	switch {
	case ev.EventID == "":
		return apperrors.Validation.Explain("event id is required").WithField("event_id", "required")
	case ev.Gross <= 0:
		return apperrors.Validation.Explain("gross amount must be positive").WithField("gross", "must be > 0")
	case ev.ProcessorFee < 0 || ev.Tax < 0:
		return apperrors.Validation.Explain("processor fee and tax must not be negative")
	}
	return nil
}
