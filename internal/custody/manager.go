// Package custody ties asset ownership to subscription status: grace periods, release and reclaim
package custody

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	cronrunner "github.com/visionmarket/ledger/internal/cron"
	"github.com/visionmarket/ledger/internal/notification"
	"github.com/visionmarket/ledger/internal/registry"
	"github.com/visionmarket/ledger/internal/transfer"
	apperrors "github.com/visionmarket/ledger/pkg/errors"
	"github.com/visionmarket/ledger/pkg/logger"
	"github.com/visionmarket/ledger/pkg/metrics"
	"github.com/visionmarket/ledger/pkg/models"
)

// DefaultGraceDays is how long custody is preserved after a lapse
const DefaultGraceDays = 7

// EventKind is a subscription billing event
type EventKind string

const (
	EventActive    EventKind = "active"
	EventRenewed   EventKind = "renewed"
	EventCancelled EventKind = "cancelled"
	EventPastDue   EventKind = "past_due"
	EventUnpaid    EventKind = "unpaid"
)

// Renewal reports whether the event restores the subscription
func (k EventKind) Renewal() bool { return k == EventActive || k == EventRenewed }

// Lapse reports whether the event starts a grace period
func (k EventKind) Lapse() bool {
	return k == EventCancelled || k == EventPastDue || k == EventUnpaid
}

// Notifier receives post-commit custody alerts
type Notifier interface {
	NotifyBestEffort(ctx context.Context, alert notification.Alert)
}

// Manager runs the per-user custody state machine
type Manager struct {
	db        *gorm.DB
	assets    registry.Registry
	limiter   *transfer.Limiter
	notifier  Notifier
	graceDays int
	logger    *zap.Logger
	now       func() time.Time
}

// NewManager creates a custody manager
func NewManager(db *gorm.DB, assets registry.Registry, limiter *transfer.Limiter, notifier Notifier, graceDays int, log *zap.Logger) *Manager {
	if graceDays <= 0 {
		graceDays = DefaultGraceDays
	}
	return &Manager{
		db:        db,
		assets:    assets,
		limiter:   limiter,
		notifier:  notifier,
		graceDays: graceDays,
		logger:    logger.Named(log, "custody"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Outcome is a custody transition applied inside a caller's transaction.
// Pass it to Finish once that transaction has committed.
type Outcome struct {
	State    *models.CustodyState
	Released int

	userID  uuid.UUID
	event   EventKind
	expired bool
	alerts  []notification.Alert
}

// HandleEvent applies a subscription event in its own transaction
func (m *Manager) HandleEvent(ctx context.Context, userID uuid.UUID, kind EventKind) (*models.CustodyState, error) {
	var out *Outcome
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		out, err = m.ApplyEvent(tx, userID, kind)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.Finish(ctx, out)
	return out.State, nil
}

// ApplyEvent applies a subscription event within tx. A grace period that has
// already ended is released first, so a late renewal does not keep the assets.
// A lapse while a grace period is running leaves it untouched so repeated
// lapses cannot extend it.
func (m *Manager) ApplyEvent(tx *gorm.DB, userID uuid.UUID, kind EventKind) (*Outcome, error) {
	if !kind.Renewal() && !kind.Lapse() {
		return nil, apperrors.Validation.Explain("unknown subscription event %q", kind)
	}

	now := m.now()
	st, err := m.lockState(tx, userID, now)
	if err != nil {
		return nil, err
	}
	out := &Outcome{State: st, userID: userID, event: kind}
	if st.GracePeriodEnd != nil && now.After(*st.GracePeriodEnd) {
		if err := m.release(tx, st, now, out); err != nil {
			return nil, err
		}
	}

	if kind.Renewal() {
		st.SubscriptionStatus = models.SubscriptionActive
		st.GracePeriodEnd = nil
		st.GraceNotifiedAt = nil
		st.UpdatedAt = now
		if err := m.save(tx, st); err != nil {
			return nil, err
		}
		out.alerts = append(out.alerts, notification.Alert{UserID: userID, Type: notification.AlertSubscriptionRenewed})
		return out, nil
	}

	// released just now; nothing is left to hold in custody
	if out.expired {
		return out, nil
	}
	if st.GracePeriodEnd != nil {
		m.logger.Info("Grace period already running",
			zap.String("user_id", userID.String()),
			zap.Time("grace_period_end", *st.GracePeriodEnd))
		return out, nil
	}

	end := now.Add(time.Duration(m.graceDays) * 24 * time.Hour)
	st.SubscriptionStatus = models.SubscriptionGracePeriod
	st.GracePeriodEnd = &end
	st.GraceNotifiedAt = &now
	st.UpdatedAt = now
	if err := m.save(tx, st); err != nil {
		return nil, err
	}
	out.alerts = append(out.alerts, notification.Alert{
		UserID:  userID,
		Type:    notification.AlertGracePeriodStarted,
		Payload: map[string]interface{}{"grace_period_end": end.Format(time.RFC3339)},
	})
	return out, nil
}

// Finish records and announces a committed Outcome
func (m *Manager) Finish(ctx context.Context, out *Outcome) {
	if out == nil {
		return
	}
	if out.expired {
		metrics.CustodyReleases.Add(float64(out.Released))
		m.logger.Info("Grace period expired, assets released",
			zap.String("user_id", out.userID.String()),
			zap.Int("released", out.Released))
	}
	if out.event != "" {
		m.logger.Info("Subscription event applied",
			zap.String("user_id", out.userID.String()),
			zap.String("event", string(out.event)),
			zap.String("status", string(out.State.SubscriptionStatus)))
	}
	for _, alert := range out.alerts {
		m.notifier.NotifyBestEffort(ctx, alert)
	}
}

// CheckExpiry releases the user's assets if their grace period has ended.
// It returns the number of assets orphaned.
func (m *Manager) CheckExpiry(ctx context.Context, userID uuid.UUID) (int, error) {
	var out *Outcome
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := m.now()
		var st models.CustodyState
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("user_id = ?", userID).First(&st).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to lock custody state: %w", err)
		}
		if st.GracePeriodEnd == nil || !now.After(*st.GracePeriodEnd) {
			return nil
		}
		out = &Outcome{State: &st, userID: userID}
		return m.release(tx, &st, now, out)
	})
	if err != nil {
		return 0, err
	}
	if out == nil {
		return 0, nil
	}
	m.Finish(ctx, out)
	return out.Released, nil
}

// release cancels the user's active listings, orphans every asset they own
// and marks the state released
func (m *Manager) release(tx *gorm.DB, st *models.CustodyState, now time.Time, out *Outcome) error {
	userID := st.UserID
	var listingIDs []uuid.UUID
	if err := tx.Model(&models.Listing{}).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("seller_id = ? AND status = ?", userID, models.ListingActive).
		Pluck("id", &listingIDs).Error; err != nil {
		return fmt.Errorf("failed to lock active listings: %w", err)
	}
	if len(listingIDs) > 0 {
		if err := tx.Model(&models.Listing{}).
			Where("id IN ?", listingIDs).
			Updates(map[string]interface{}{"status": models.ListingCancelled, "updated_at": now}).Error; err != nil {
			return fmt.Errorf("failed to cancel listings: %w", err)
		}
	}

	owned, err := m.assets.AssetsOwnedBy(tx, userID)
	if err != nil {
		return err
	}
	from := userID
	for _, a := range owned {
		if err := m.assets.SetOwner(tx, a.ID, nil); err != nil {
			return err
		}
		if err := m.limiter.Record(tx, &models.TransferRecord{
			AssetID:   a.ID,
			FromUser:  &from,
			Type:      models.TransferRelease,
			CreatedAt: now,
		}); err != nil {
			return err
		}
	}

	st.SubscriptionStatus = models.SubscriptionReleased
	st.GracePeriodEnd = nil
	st.GraceNotifiedAt = nil
	st.UpdatedAt = now
	if err := m.save(tx, st); err != nil {
		return err
	}
	out.expired = true
	out.Released = len(owned)
	out.alerts = append(out.alerts, notification.Alert{
		UserID:  userID,
		Type:    notification.AlertAssetsReleased,
		Payload: map[string]interface{}{"released": len(owned)},
	})
	return nil
}

// SweepResult summarizes one sweep
type SweepResult struct {
	Users    int `json:"users"`
	Released int `json:"released"`
	Failed   int `json:"failed"`
}

// Sweep runs CheckExpiry for every user whose grace period has ended
func (m *Manager) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	var users []uuid.UUID
	if err := m.db.WithContext(ctx).Model(&models.CustodyState{}).
		Where("grace_period_end IS NOT NULL AND grace_period_end < ?", m.now()).
		Pluck("user_id", &users).Error; err != nil {
		return res, fmt.Errorf("failed to find expired grace periods: %w", err)
	}

	for _, u := range users {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		n, err := m.CheckExpiry(ctx, u)
		if err != nil {
			res.Failed++
			m.logger.Error("Custody release failed", zap.String("user_id", u.String()), zap.Error(err))
			continue
		}
		res.Users++
		res.Released += n
	}
	if len(users) > 0 {
		m.logger.Info("Custody sweep finished",
			zap.Int("users", res.Users),
			zap.Int("released", res.Released),
			zap.Int("failed", res.Failed))
	}
	return res, nil
}

// Schedule registers the periodic sweep on runner
func (m *Manager) Schedule(runner *cronrunner.Runner, spec string) error {
	_, err := runner.Add(spec, func(ctx context.Context) {
		if _, err := m.Sweep(ctx); err != nil {
			m.logger.Error("Custody sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return nil
}

// Reclaim lets the original creator of an orphaned asset take it back.
// The first claimant to commit wins; later ones see the asset owned.
func (m *Manager) Reclaim(ctx context.Context, claimantID, assetID uuid.UUID) (*models.Asset, error) {
	var asset *models.Asset
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := m.now()
		a, err := m.assets.LockAsset(tx, assetID)
		if err != nil {
			return err
		}
		if !a.Orphaned() {
			return apperrors.StateConflict.Explain("asset %s is not orphaned", assetID)
		}
		if a.OriginalCreatorID != claimantID {
			return apperrors.Authorization.Explain("only the original creator may reclaim asset %s", assetID)
		}

		var active int64
		if err := tx.Model(&models.Listing{}).
			Where("asset_id = ? AND status = ?", assetID, models.ListingActive).
			Count(&active).Error; err != nil {
			return fmt.Errorf("failed to check active listings: %w", err)
		}
		if active > 0 {
			return apperrors.StateConflict.Explain("asset %s has an active listing", assetID)
		}
		if err := m.limiter.Check(tx, assetID, now); err != nil {
			return err
		}

		claimant := claimantID
		if err := m.assets.SetOwner(tx, assetID, &claimant); err != nil {
			return err
		}
		if err := m.limiter.Record(tx, &models.TransferRecord{
			AssetID:   assetID,
			ToUser:    &claimant,
			Type:      models.TransferReclaim,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		a.OwnerID = &claimant
		asset = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("Asset reclaimed",
		zap.String("asset_id", assetID.String()),
		zap.String("claimant_id", claimantID.String()))
	return asset, nil
}

// State returns the user's custody state; users without one are active
func (m *Manager) State(ctx context.Context, userID uuid.UUID) (*models.CustodyState, error) {
	var st models.CustodyState
	err := m.db.WithContext(ctx).Where("user_id = ?", userID).First(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.CustodyState{UserID: userID, SubscriptionStatus: models.SubscriptionActive}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find custody state: %w", err)
	}
	return &st, nil
}

func (m *Manager) lockState(tx *gorm.DB, userID uuid.UUID, now time.Time) (*models.CustodyState, error) {
	seed := &models.CustodyState{UserID: userID, SubscriptionStatus: models.SubscriptionActive, UpdatedAt: now}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(seed).Error; err != nil {
		return nil, fmt.Errorf("failed to create custody state: %w", err)
	}
	var st models.CustodyState
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("user_id = ?", userID).First(&st).Error; err != nil {
		return nil, fmt.Errorf("failed to lock custody state: %w", err)
	}
	return &st, nil
}

func (m *Manager) save(tx *gorm.DB, st *models.CustodyState) error {
	if err := tx.Model(&models.CustodyState{}).Where("user_id = ?", st.UserID).Updates(map[string]interface{}{
		"subscription_status": st.SubscriptionStatus,
		"grace_period_end":    st.GracePeriodEnd,
		"grace_notified_at":   st.GraceNotifiedAt,
		"updated_at":          st.UpdatedAt,
	}).Error; err != nil {
		return fmt.Errorf("failed to save custody state: %w", err)
	}
	return nil
}
