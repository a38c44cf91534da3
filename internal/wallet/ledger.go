package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	apperrors "github.com/visionmarket/ledger/pkg/errors"
	"github.com/visionmarket/ledger/pkg/models"
)

const maxEntriesPage = 500

// Reconciliation compares a wallet balance with the sum of its ledger
type Reconciliation struct {
	UserID    uuid.UUID `json:"user_id"`
	Balance   int64     `json:"balance"`
	LedgerSum int64     `json:"ledger_sum"`
	Entries   int64     `json:"entries"`
	Drift     int64     `json:"drift"`
}

// Consistent reports whether the balance matches the ledger
func (r *Reconciliation) Consistent() bool { return r.Drift == 0 }

// Get returns a user's wallet
func (s *Store) Get(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	var w models.Wallet
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound.Explain("wallet for user %s not found", userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find wallet: %w", err)
	}
	return &w, nil
}

// Entries returns a page of a wallet's ledger, newest first, with the total count
func (s *Store) Entries(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.LedgerEntry, int64, error) {
	if limit <= 0 || limit > maxEntriesPage {
		limit = maxEntriesPage
	}
	if offset < 0 {
		offset = 0
	}

	db := s.db.WithContext(ctx)
	var count int64
	if err := db.Model(&models.LedgerEntry{}).Where("wallet_id = ?", userID).Count(&count).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count ledger entries: %w", err)
	}

	var entries []models.LedgerEntry
	if err := db.Where("wallet_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&entries).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to find ledger entries: %w", err)
	}
	return entries, count, nil
}

// Reconcile recomputes the ledger sum of a wallet and reports any drift
func (s *Store) Reconcile(ctx context.Context, userID uuid.UUID) (*Reconciliation, error) {
	w, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	var agg struct {
		Total int64
		Count int64
	}
	if err := s.db.WithContext(ctx).Model(&models.LedgerEntry{}).
		Select("COALESCE(SUM(signed_amount), 0) AS total, COUNT(*) AS count").
		Where("wallet_id = ?", userID).
		Scan(&agg).Error; err != nil {
		return nil, fmt.Errorf("failed to sum ledger: %w", err)
	}

	rec := &Reconciliation{
		UserID:    userID,
		Balance:   w.Balance,
		LedgerSum: agg.Total,
		Entries:   agg.Count,
		Drift:     w.Balance - agg.Total,
	}
	if !rec.Consistent() {
		s.logger.Error("Wallet balance drifted from ledger",
			zap.String("user_id", userID.String()),
			zap.Int64("balance", rec.Balance),
			zap.Int64("ledger_sum", rec.LedgerSum))
	}
	return rec, nil
}

// ReconcileAll checks every wallet and returns the ones that drifted
func (s *Store) ReconcileAll(ctx context.Context) ([]Reconciliation, error) {
	var ids []uuid.UUID
	if err := s.db.WithContext(ctx).Model(&models.Wallet{}).Pluck("user_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to list wallets: %w", err)
	}
	var drifted []Reconciliation
	for _, id := range ids {
		rec, err := s.Reconcile(ctx, id)
		if err != nil {
			return nil, err
		}
		if !rec.Consistent() {
			drifted = append(drifted, *rec)
		}
	}
	s.logger.Info("Reconciliation finished", zap.Int("wallets", len(ids)), zap.Int("drifted", len(drifted)))
	return drifted, nil
}
