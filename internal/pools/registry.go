// Package pools maintains the value pools that accumulate attributed revenue
package pools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	apperrors "github.com/visionmarket/ledger/pkg/errors"
	"github.com/visionmarket/ledger/pkg/logger"
	"github.com/visionmarket/ledger/pkg/models"
)

// Fixed pool ids for categories that are not attributed per asset
const (
	CompanyPoolID     = "company"
	PlatformOpsPoolID = "platform_ops"
)

// Registry reads and upserts value pools
type Registry struct {
	db     *gorm.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewRegistry creates a pool registry
func NewRegistry(db *gorm.DB, log *zap.Logger) *Registry {
	return &Registry{
		db:     db,
		logger: logger.Named(log, "pools"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Credit adds amount to the pool keyed by (category, poolID) inside tx.
// The row is locked before it is read so concurrent credits never lose updates;
// a missing pool is inserted first and then locked.
func (r *Registry) Credit(tx *gorm.DB, category models.PoolCategory, poolID string, amount int64) (*models.ValuePool, error) {
	if poolID == "" {
		return nil, apperrors.Validation.Explain("pool id is required for category %s", category)
	}
	if amount < 0 {
		return nil, apperrors.Validation.Explain("pool credit must not be negative, got %d", amount)
	}

	now := r.now()
	pool, err := r.lock(tx, category, poolID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		seed := &models.ValuePool{Category: category, PoolID: poolID, LastInteractionAt: now, CreatedAt: now}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(seed).Error; err != nil {
			return nil, fmt.Errorf("failed to create pool %s/%s: %w", category, poolID, err)
		}
		pool, err = r.lock(tx, category, poolID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock pool %s/%s: %w", category, poolID, err)
	}

	pool.EarnedValue += amount
	pool.InteractionCount++
	pool.LastInteractionAt = now
	if err := tx.Model(&models.ValuePool{}).
		Where("category = ? AND pool_id = ?", category, poolID).
		Updates(map[string]interface{}{
			"earned_value":        pool.EarnedValue,
			"interaction_count":   pool.InteractionCount,
			"last_interaction_at": now,
		}).Error; err != nil {
		return nil, fmt.Errorf("failed to update pool %s/%s: %w", category, poolID, err)
	}

	r.logger.Debug("Pool credited",
		zap.String("category", string(category)),
		zap.String("pool_id", poolID),
		zap.Int64("amount", amount),
		zap.Int64("earned_value", pool.EarnedValue))
	return pool, nil
}

func (r *Registry) lock(tx *gorm.DB, category models.PoolCategory, poolID string) (*models.ValuePool, error) {
	var pool models.ValuePool
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("category = ? AND pool_id = ?", category, poolID).
		First(&pool).Error
	if err != nil {
		return nil, err
	}
	return &pool, nil
}

// Pool returns one pool
func (r *Registry) Pool(ctx context.Context, category models.PoolCategory, poolID string) (*models.ValuePool, error) {
	var pool models.ValuePool
	err := r.db.WithContext(ctx).Where("category = ? AND pool_id = ?", category, poolID).First(&pool).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound.Explain("pool %s/%s not found", category, poolID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find pool: %w", err)
	}
	return &pool, nil
}

// Pools lists the pools of a category ordered by earned value
func (r *Registry) Pools(ctx context.Context, category models.PoolCategory) ([]models.ValuePool, error) {
	var list []models.ValuePool
	if err := r.db.WithContext(ctx).
		Where("category = ?", category).
		Order("earned_value DESC, pool_id").
		Find(&list).Error; err != nil {
		return nil, fmt.Errorf("failed to list pools: %w", err)
	}
	return list, nil
}
