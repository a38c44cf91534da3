package distribution

import (
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/visionmarket/ledger/internal/pools"
	"github.com/visionmarket/ledger/pkg/logger"
	"github.com/visionmarket/ledger/pkg/metrics"
	"github.com/visionmarket/ledger/pkg/models"
)

var tracer = otel.Tracer("github.com/visionmarket/ledger/internal/distribution")

// Allocation is the amount credited to one pool
type Allocation struct {
	Category models.PoolCategory `json:"category"`
	PoolID   string              `json:"pool_id"`
	Amount   int64               `json:"amount"`
}

// Engine credits value pools with allocations computed from a ratio table
type Engine struct {
	pools  *pools.Registry
	logger *zap.Logger
}

// NewEngine creates a distribution engine writing through the given pool registry
func NewEngine(registry *pools.Registry, log *zap.Logger) *Engine {
	return &Engine{pools: registry, logger: logger.Named(log, "distribution")}
}

// Distribute allocates amount by table and credits each resulting pool inside tx.
// A bucket whose attribution id is missing is folded into the remainder bucket;
// if the remainder bucket is itself unattributed the company pool receives it.
func (e *Engine) Distribute(tx *gorm.DB, amount int64, attr models.Attribution, table RatioTable) ([]Allocation, error) {
	ctx, span := tracer.Start(tx.Statement.Context, "distribution.Distribute")
	defer span.End()
	span.SetAttributes(
		attribute.String("ratio_table", table.Name),
		attribute.Int64("amount", amount),
	)

	shares, err := Allocate(amount, table)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if amount == 0 {
		return nil, nil
	}

	folded := int64(0)
	var allocations []Allocation
	for _, cat := range table.Categories() {
		if cat == table.RemainderBucket {
			continue
		}
		id, ok := PoolID(cat, attr)
		if !ok {
			folded += shares[cat]
			continue
		}
		allocations = append(allocations, Allocation{Category: cat, PoolID: id, Amount: shares[cat]})
	}

	remainder := shares[table.RemainderBucket] + folded
	if id, ok := PoolID(table.RemainderBucket, attr); ok {
		allocations = append(allocations, Allocation{Category: table.RemainderBucket, PoolID: id, Amount: remainder})
	} else {
		allocations = append(allocations, Allocation{Category: models.PoolCompany, PoolID: pools.CompanyPoolID, Amount: remainder})
	}

	txCtx := tx.WithContext(ctx)
	for _, a := range allocations {
		if _, err := e.pools.Credit(txCtx, a.Category, a.PoolID, a.Amount); err != nil {
			span.RecordError(err)
			return nil, err
		}
	}
	for _, a := range allocations {
		metrics.FeesDistributed.WithLabelValues(string(a.Category)).Add(float64(a.Amount))
	}

	e.logger.Debug("Amount distributed",
		zap.String("ratio_table", table.Name),
		zap.Int64("amount", amount),
		zap.Int("pools", len(allocations)),
		zap.Int64("folded", folded))
	return allocations, nil
}

// PoolID resolves the pool a category credits for an attribution
func PoolID(cat models.PoolCategory, attr models.Attribution) (string, bool) {
	switch cat {
	case models.PoolGamecard:
		return attr.GameID, attr.GameID != ""
	case models.PoolPalette:
		return attr.PaletteID, attr.PaletteID != ""
	case models.PoolOpening:
		return attr.OpeningID, attr.OpeningID != ""
	case models.PoolCompany:
		return pools.CompanyPoolID, true
	case models.PoolPlatformOps:
		return pools.PlatformOpsPoolID, true
	case models.PoolCreatorRoyalty:
		if attr.CreatorID == uuid.Nil {
			return "", false
		}
		return attr.CreatorID.String(), true
	}
	return "", false
}
