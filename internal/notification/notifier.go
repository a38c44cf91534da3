// Package notification sends typed user and admin alerts, at most one per key per UTC day
package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/visionmarket/ledger/internal/events"
	"github.com/visionmarket/ledger/pkg/logger"
	"github.com/visionmarket/ledger/pkg/models"
)

// AlertType names an alert kind
type AlertType string

const (
	AlertGracePeriodStarted  AlertType = "grace_period_started"
	AlertSubscriptionRenewed AlertType = "subscription_renewed"
	AlertAssetsReleased      AlertType = "assets_released"
	AlertHighValueWithdrawal AlertType = "high_value_withdrawal"
	AlertWithdrawalReviewed  AlertType = "withdrawal_reviewed"
)

const dayLayout = "2006-01-02"

// Alert is one notification
type Alert struct {
	UserID  uuid.UUID              `json:"user_id"`
	Type    AlertType              `json:"type"`
	Payload map[string]interface{} `json:"payload,omitempty"`
	SentAt  time.Time              `json:"sent_at"`
}

// Deduper claims the right to send an alert for a (user, type, day) key.
// Release gives a claim back when delivery failed.
type Deduper interface {
	Acquire(ctx context.Context, userID uuid.UUID, alertType AlertType, now time.Time) (bool, error)
	Release(ctx context.Context, userID uuid.UUID, alertType AlertType, now time.Time) error
}

// RedisDeduper claims keys with SETNX expiring at the end of the UTC day
type RedisDeduper struct {
	client redis.UniversalClient
}

// NewRedisDeduper creates a Redis-backed deduper
func NewRedisDeduper(client redis.UniversalClient) *RedisDeduper {
	return &RedisDeduper{client: client}
}

// Acquire implements Deduper
func (d *RedisDeduper) Acquire(ctx context.Context, userID uuid.UUID, alertType AlertType, now time.Time) (bool, error) {
	now = now.UTC()
	ok, err := d.client.SetNX(ctx, alertKey(userID, alertType, now), now.Unix(), untilEndOfDay(now)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim alert key: %w", err)
	}
	return ok, nil
}

// Release implements Deduper
func (d *RedisDeduper) Release(ctx context.Context, userID uuid.UUID, alertType AlertType, now time.Time) error {
	if err := d.client.Del(ctx, alertKey(userID, alertType, now.UTC())).Err(); err != nil {
		return fmt.Errorf("failed to release alert key: %w", err)
	}
	return nil
}

func alertKey(userID uuid.UUID, alertType AlertType, now time.Time) string {
	return fmt.Sprintf("ledger:alert:%s:%s:%s", userID, alertType, now.Format(dayLayout))
}

// DBDeduper claims keys by inserting AlertLog rows
type DBDeduper struct {
	db *gorm.DB
}

// NewDBDeduper creates a database-backed deduper
func NewDBDeduper(db *gorm.DB) *DBDeduper {
	return &DBDeduper{db: db}
}

// Acquire implements Deduper
func (d *DBDeduper) Acquire(ctx context.Context, userID uuid.UUID, alertType AlertType, now time.Time) (bool, error) {
	now = now.UTC()
	res := d.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.AlertLog{UserID: userID, AlertType: string(alertType), Day: now.Format(dayLayout), CreatedAt: now})
	if res.Error != nil {
		return false, fmt.Errorf("failed to claim alert key: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Release implements Deduper
func (d *DBDeduper) Release(ctx context.Context, userID uuid.UUID, alertType AlertType, now time.Time) error {
	err := d.db.WithContext(ctx).
		Where("user_id = ? AND alert_type = ? AND day = ?", userID, string(alertType), now.UTC().Format(dayLayout)).
		Delete(&models.AlertLog{}).Error
	if err != nil {
		return fmt.Errorf("failed to release alert key: %w", err)
	}
	return nil
}

func untilEndOfDay(now time.Time) time.Duration {
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC).Sub(now)
}

// Notifier deduplicates and dispatches alerts
type Notifier struct {
	dedup  Deduper
	sink   events.Publisher
	logger *zap.Logger
	now    func() time.Time
}

// NewNotifier creates a notifier
func NewNotifier(dedup Deduper, sink events.Publisher, log *zap.Logger) *Notifier {
	return &Notifier{
		dedup:  dedup,
		sink:   sink,
		logger: logger.Named(log, "notification"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Notify sends the alert unless one with the same user and type was already sent today.
// It reports whether the alert was dispatched.
func (n *Notifier) Notify(ctx context.Context, alert Alert) (bool, error) {
	now := n.now()
	ok, err := n.dedup.Acquire(ctx, alert.UserID, alert.Type, now)
	if err != nil {
		return false, err
	}
	if !ok {
		n.logger.Debug("Alert suppressed",
			zap.String("user_id", alert.UserID.String()),
			zap.String("type", string(alert.Type)))
		return false, nil
	}

	alert.SentAt = now
	if err := n.sink.PublishEvent(ctx, alert.UserID.String(), alert); err != nil {
		n.logger.Error("Failed to dispatch alert",
			zap.String("user_id", alert.UserID.String()),
			zap.String("type", string(alert.Type)),
			zap.Error(err))
		// an undelivered alert must not use up the day's slot
		if rerr := n.dedup.Release(context.WithoutCancel(ctx), alert.UserID, alert.Type, now); rerr != nil {
			n.logger.Error("Failed to release alert claim", zap.Error(rerr))
		}
		return false, err
	}
	n.logger.Info("Alert dispatched",
		zap.String("user_id", alert.UserID.String()),
		zap.String("type", string(alert.Type)))
	return true, nil
}

// NotifyBestEffort sends the alert and logs instead of returning failures.
// Callers use it after their transaction committed.
func (n *Notifier) NotifyBestEffort(ctx context.Context, alert Alert) {
	if _, err := n.Notify(ctx, alert); err != nil {
		n.logger.Warn("Alert not delivered", zap.String("type", string(alert.Type)), zap.Error(err))
	}
}

// Close closes the delivery sink
func (n *Notifier) Close() error {
	return n.sink.Close()
}
