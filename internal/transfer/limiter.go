// Package transfer caps how often an asset may change hands
package transfer

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	apperrors "github.com/visionmarket/ledger/pkg/errors"
	"github.com/visionmarket/ledger/pkg/logger"
	"github.com/visionmarket/ledger/pkg/models"
)

// Defaults for the per-asset transfer window
const (
	DefaultLimit  = 3
	DefaultWindow = 24 * time.Hour
)

// Limiter is a sliding-window limiter over TransferRecord rows. Callers run
// Check and Record in one transaction while holding the asset row lock.
type Limiter struct {
	limit  int
	window time.Duration
	logger *zap.Logger
}

// NewLimiter creates a limiter allowing limit transfers per window
func NewLimiter(limit int, window time.Duration, log *zap.Logger) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{limit: limit, window: window, logger: logger.Named(log, "transfer")}
}

// Check allows a new transfer of assetID iff fewer than limit ownership
// transfers happened after now-window. Releases do not count.
func (l *Limiter) Check(tx *gorm.DB, assetID uuid.UUID, now time.Time) error {
	cutoff := now.Add(-l.window)
	var recent []time.Time
	if err := tx.Model(&models.TransferRecord{}).
		Where("asset_id = ? AND created_at > ? AND type <> ?", assetID, cutoff, models.TransferRelease).
		Order("created_at ASC").
		Pluck("created_at", &recent).Error; err != nil {
		return fmt.Errorf("failed to count transfers: %w", err)
	}
	if len(recent) < l.limit {
		return nil
	}

	nextSlot := recent[len(recent)-l.limit].Add(l.window)
	l.logger.Info("Transfer rate limit reached",
		zap.String("asset_id", assetID.String()),
		zap.Int("transfers", len(recent)),
		zap.Time("next_slot", nextSlot))
	return apperrors.RateLimit.Explain("asset %s already transferred %d times in the last %s; next transfer allowed after %s",
		assetID, len(recent), l.window, nextSlot.UTC().Format(time.RFC3339))
}

// Record appends a transfer record
func (l *Limiter) Record(tx *gorm.DB, rec *models.TransferRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if err := tx.Create(rec).Error; err != nil {
		return fmt.Errorf("failed to record transfer: %w", err)
	}
	return nil
}
