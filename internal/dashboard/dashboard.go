// Package dashboard serves read-only aggregates for operators
package dashboard

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/visionmarket/ledger/internal/withdrawal"
	"github.com/visionmarket/ledger/pkg/models"
)

// PoolTotal aggregates one pool category
type PoolTotal struct {
	Category     models.PoolCategory `json:"category"`
	Pools        int64               `json:"pools"`
	EarnedValue  int64               `json:"earned_value"`
	Interactions int64               `json:"interactions"`
}

// WalletTotals aggregates every wallet
type WalletTotals struct {
	Wallets        int64 `json:"wallets"`
	Balance        int64 `json:"balance"`
	TotalDeposited int64 `json:"total_deposited"`
	TotalWithdrawn int64 `json:"total_withdrawn"`
	TotalEarned    int64 `json:"total_earned"`
	TotalSpent     int64 `json:"total_spent"`
}

// BacklogSource reports open withdrawal requests
type BacklogSource interface {
	Backlog(ctx context.Context) ([]withdrawal.BacklogRow, error)
}

// Dashboard runs aggregate queries
type Dashboard struct {
	db      *gorm.DB
	backlog BacklogSource
}

// New creates a dashboard
func New(db *gorm.DB, backlog BacklogSource) *Dashboard {
	return &Dashboard{db: db, backlog: backlog}
}

// PoolTotals sums pools per category
func (d *Dashboard) PoolTotals(ctx context.Context) ([]PoolTotal, error) {
	var rows []PoolTotal
	if err := d.db.WithContext(ctx).Model(&models.ValuePool{}).
		Select("category, COUNT(*) AS pools, COALESCE(SUM(earned_value), 0) AS earned_value, COALESCE(SUM(interaction_count), 0) AS interactions").
		Group("category").
		Order("category").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to aggregate pools: %w", err)
	}
	return rows, nil
}

// WalletTotals sums balances and lifetime counters
func (d *Dashboard) WalletTotals(ctx context.Context) (*WalletTotals, error) {
	var totals WalletTotals
	if err := d.db.WithContext(ctx).Model(&models.Wallet{}).
		Select(`COUNT(*) AS wallets,
			COALESCE(SUM(balance), 0) AS balance,
			COALESCE(SUM(total_deposited), 0) AS total_deposited,
			COALESCE(SUM(total_withdrawn), 0) AS total_withdrawn,
			COALESCE(SUM(total_earned), 0) AS total_earned,
			COALESCE(SUM(total_spent), 0) AS total_spent`).
		Scan(&totals).Error; err != nil {
		return nil, fmt.Errorf("failed to aggregate wallets: %w", err)
	}
	return &totals, nil
}

// WithdrawalBacklog returns count and sum of pending and approved requests
func (d *Dashboard) WithdrawalBacklog(ctx context.Context) ([]withdrawal.BacklogRow, error) {
	return d.backlog.Backlog(ctx)
}
