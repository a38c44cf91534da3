// Package withdrawal screens cash-out requests and runs their review lifecycle
package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/visionmarket/ledger/internal/config"
	apperrors "github.com/visionmarket/ledger/pkg/errors"
	"github.com/visionmarket/ledger/pkg/models"
)

// Config holds the anti-fraud thresholds. Amounts are cents.
type Config struct {
	MinWalletAge          time.Duration
	MinAmount             int64
	HighValueThreshold    int64
	LargeDepositThreshold int64
	CooldownWindow        time.Duration
	Admins                []uuid.UUID
}

// DefaultConfig returns the production thresholds
func DefaultConfig() Config {
	return Config{
		MinWalletAge:          7 * 24 * time.Hour,
		MinAmount:             1000,
		HighValueThreshold:    50000,
		LargeDepositThreshold: 10000,
		CooldownWindow:        24 * time.Hour,
	}
}

// ConfigFrom maps service configuration onto withdrawal thresholds
func ConfigFrom(wc config.WithdrawalConfig, admins []string) (Config, error) {
	cfg := Config{
		MinWalletAge:          wc.MinWalletAge,
		MinAmount:             wc.MinAmount,
		HighValueThreshold:    wc.HighValueThreshold,
		LargeDepositThreshold: wc.LargeDepositThreshold,
		CooldownWindow:        wc.CooldownWindow,
	}
	for _, raw := range admins {
		id, err := uuid.Parse(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid admin id %q: %w", raw, err)
		}
		cfg.Admins = append(cfg.Admins, id)
	}
	return cfg, nil
}

// Validator runs the sequential withdrawal checks; the first failure wins
type Validator struct {
	db  *gorm.DB
	cfg Config
	now func() time.Time
}

// NewValidator creates a validator
func NewValidator(db *gorm.DB, cfg Config) *Validator {
	return &Validator{db: db, cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
}

// Validate checks whether userID may request amount right now
func (v *Validator) Validate(ctx context.Context, userID uuid.UUID, amount int64) error {
	return v.check(v.db.WithContext(ctx), userID, amount, v.now())
}

// MaxWithdrawable is earned funds not yet withdrawn or reserved by open
// requests, capped by what is still in the wallet
func MaxWithdrawable(w *models.Wallet, reserved int64) int64 {
	limit := w.TotalEarned - w.TotalWithdrawn - reserved
	if spendable := w.Balance - reserved; spendable < limit {
		limit = spendable
	}
	if limit < 0 {
		return 0
	}
	return limit
}

func (v *Validator) check(tx *gorm.DB, userID uuid.UUID, amount int64, now time.Time) error {
	var w models.Wallet
	err := tx.Where("user_id = ?", userID).First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperrors.NotFound.Explain("no wallet exists for user %s", userID)
	}
	if err != nil {
		return fmt.Errorf("failed to load wallet: %w", err)
	}

	if age := w.Age(now); age < v.cfg.MinWalletAge {
		remaining := int(math.Ceil((v.cfg.MinWalletAge - age).Hours() / 24))
		unit := "days"
		if remaining == 1 {
			unit = "day"
		}
		return apperrors.StateConflict.Explain("wallet too young to withdraw: %d %s remaining", remaining, unit)
	}

	var open struct {
		Total int64
		Count int64
	}
	if err := tx.Model(&models.WithdrawalRequest{}).
		Select("COALESCE(SUM(amount), 0) AS total, COUNT(*) AS count").
		Where("user_id = ? AND status IN ?", userID, []models.WithdrawalStatus{models.WithdrawalPending, models.WithdrawalApproved}).
		Scan(&open).Error; err != nil {
		return fmt.Errorf("failed to sum open withdrawals: %w", err)
	}

	maxWithdrawable := MaxWithdrawable(&w, open.Total)
	if amount > maxWithdrawable {
		return apperrors.InsufficientFunds.Explain("amount %d exceeds max_withdrawable %d", amount, maxWithdrawable)
	}

	if amount < v.cfg.MinAmount {
		return apperrors.Validation.Explain("amount %d is below the minimum withdrawal of %d", amount, v.cfg.MinAmount).
			WithField("amount", fmt.Sprintf("must be at least %d", v.cfg.MinAmount))
	}

	var lastLarge models.LedgerEntry
	err = tx.Where("wallet_id = ? AND type = ? AND signed_amount >= ? AND created_at > ?",
		userID, models.EntryDeposit, v.cfg.LargeDepositThreshold, now.Add(-v.cfg.CooldownWindow)).
		Order("created_at DESC").
		First(&lastLarge).Error
	switch {
	case err == nil:
		earned := w.TotalEarned - w.TotalWithdrawn
		if amount*2 > earned {
			until := lastLarge.CreatedAt.Add(v.cfg.CooldownWindow).UTC()
			return apperrors.RateLimit.Explain("a large deposit landed recently; requests above half the earned balance (%d) are paused until %s",
				earned/2, until.Format(time.RFC3339))
		}
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("failed to check recent deposits: %w", err)
	}

	if open.Count > 0 {
		return apperrors.StateConflict.Explain("an open withdrawal request already exists")
	}
	return nil
}
