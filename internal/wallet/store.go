// Package wallet keeps per-user balances and the append-only ledger that explains them
package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	apperrors "github.com/visionmarket/ledger/pkg/errors"
	"github.com/visionmarket/ledger/pkg/logger"
	"github.com/visionmarket/ledger/pkg/metrics"
	"github.com/visionmarket/ledger/pkg/models"
)

// Entry describes the ledger row written alongside a balance mutation
type Entry struct {
	Type           models.LedgerEntryType
	CounterpartyID *uuid.UUID
	ListingID      *uuid.UUID
	Reference      string
}

// Store mutates wallets under row locks. Mutating methods take the caller's
// transaction so several wallets can change atomically.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewStore creates a wallet store
func NewStore(db *gorm.DB, log *zap.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.Named(log, "wallet"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// LockForUpdate locks an existing wallet row
func (s *Store) LockForUpdate(tx *gorm.DB, userID uuid.UUID) (*models.Wallet, error) {
	var w models.Wallet
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound.Explain("wallet for user %s not found", userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock wallet: %w", err)
	}
	return &w, nil
}

// GetOrCreateForUpdate locks the user's wallet, creating an empty one first if needed
func (s *Store) GetOrCreateForUpdate(tx *gorm.DB, userID uuid.UUID) (*models.Wallet, error) {
	w, err := s.LockForUpdate(tx, userID)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, apperrors.NotFound) {
		return nil, err
	}

	now := s.now()
	fresh := &models.Wallet{UserID: userID, CreatedAt: now, UpdatedAt: now}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(fresh).Error; err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}
	s.logger.Info("Wallet created", zap.String("user_id", userID.String()))
	return s.LockForUpdate(tx, userID)
}

// Debit removes amount from a wallet and appends the matching ledger entry
func (s *Store) Debit(tx *gorm.DB, userID uuid.UUID, amount int64, entry Entry) (*models.LedgerEntry, error) {
	if amount <= 0 {
		return nil, apperrors.Validation.Explain("debit amount must be positive, got %d", amount)
	}
	w, err := s.LockForUpdate(tx, userID)
	if err != nil {
		return nil, err
	}
	if amount > w.Balance {
		return nil, apperrors.InsufficientFunds.Explain("balance %d is below required %d", w.Balance, amount)
	}

	updates := map[string]interface{}{
		"balance":    w.Balance - amount,
		"updated_at": s.now(),
	}
	switch entry.Type {
	case models.EntryPurchase:
		updates["total_spent"] = w.TotalSpent + amount
	case models.EntryWithdrawal:
		updates["total_withdrawn"] = w.TotalWithdrawn + amount
	}
	return s.apply(tx, w, -amount, updates, entry)
}

// Credit adds amount to a wallet, creating it lazily, and appends the matching ledger entry
func (s *Store) Credit(tx *gorm.DB, userID uuid.UUID, amount int64, entry Entry) (*models.LedgerEntry, error) {
	if amount <= 0 {
		return nil, apperrors.Validation.Explain("credit amount must be positive, got %d", amount)
	}
	w, err := s.GetOrCreateForUpdate(tx, userID)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{
		"balance":    w.Balance + amount,
		"updated_at": s.now(),
	}
	switch entry.Type {
	case models.EntrySale:
		updates["total_earned"] = w.TotalEarned + amount
	case models.EntryDeposit:
		updates["total_deposited"] = w.TotalDeposited + amount
	}
	return s.apply(tx, w, amount, updates, entry)
}

// RecordFee appends a platform_fee audit entry to an already locked wallet.
// The balance is untouched; the fee travels in FeeAmount.
func (s *Store) RecordFee(tx *gorm.DB, userID uuid.UUID, fee int64, entry Entry) (*models.LedgerEntry, error) {
	var w models.Wallet
	if err := tx.Where("user_id = ?", userID).First(&w).Error; err != nil {
		return nil, fmt.Errorf("failed to load wallet for fee entry: %w", err)
	}
	le := &models.LedgerEntry{
		ID:               uuid.New(),
		WalletID:         userID,
		Type:             models.EntryPlatformFee,
		SignedAmount:     0,
		FeeAmount:        fee,
		BalanceAfter:     w.Balance,
		CounterpartyID:   entry.CounterpartyID,
		RelatedListingID: entry.ListingID,
		Reference:        entry.Reference,
		CreatedAt:        s.now(),
	}
	if err := tx.Create(le).Error; err != nil {
		return nil, fmt.Errorf("failed to append fee entry: %w", err)
	}
	return le, nil
}

// Adjust applies an operator correction inside tx. A correction that would
// drive the balance negative is clamped to zero, recorded as clamped, and
// reported as an IntegrityViolation together with the written entry.
func (s *Store) Adjust(tx *gorm.DB, userID uuid.UUID, signedAmount int64, reason string) (*models.LedgerEntry, error) {
	if signedAmount == 0 {
		return nil, apperrors.Validation.Explain("adjustment amount must be non-zero")
	}
	w, err := s.GetOrCreateForUpdate(tx, userID)
	if err != nil {
		return nil, err
	}

	applied := signedAmount
	var violation error
	if w.Balance+signedAmount < 0 {
		applied = -w.Balance
		violation = apperrors.IntegrityViolation.Explain("adjustment %d would drive balance %d negative; clamped to %d", signedAmount, w.Balance, applied)
		metrics.IntegrityViolations.Inc()
		s.logger.Error("Balance adjustment clamped to zero",
			zap.String("user_id", userID.String()),
			zap.Int64("requested", signedAmount),
			zap.Int64("applied", applied),
			zap.Int64("balance", w.Balance),
			zap.String("reason", reason))
	}

	updates := map[string]interface{}{
		"balance":    w.Balance + applied,
		"updated_at": s.now(),
	}
	le, err := s.apply(tx, w, applied, updates, Entry{Type: models.EntryAdjustment, Reference: reason})
	if err != nil {
		return nil, err
	}
	return le, violation
}

// AdjustBalance runs Adjust in its own transaction. A clamped adjustment is
// committed and its IntegrityViolation still returned.
func (s *Store) AdjustBalance(ctx context.Context, userID uuid.UUID, signedAmount int64, reason string) (*models.LedgerEntry, error) {
	var (
		entry     *models.LedgerEntry
		violation error
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		le, err := s.Adjust(tx, userID, signedAmount, reason)
		if err != nil && !errors.Is(err, apperrors.IntegrityViolation) {
			return err
		}
		entry, violation = le, err
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, violation
}

func (s *Store) apply(tx *gorm.DB, w *models.Wallet, signed int64, updates map[string]interface{}, entry Entry) (*models.LedgerEntry, error) {
	balanceAfter := updates["balance"].(int64)
	if balanceAfter < 0 {
		return nil, apperrors.IntegrityViolation.Explain("wallet %s balance would become %d", w.UserID, balanceAfter)
	}
	if err := tx.Model(&models.Wallet{}).Where("user_id = ?", w.UserID).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to update wallet: %w", err)
	}

	le := &models.LedgerEntry{
		ID:               uuid.New(),
		WalletID:         w.UserID,
		Type:             entry.Type,
		SignedAmount:     signed,
		BalanceAfter:     balanceAfter,
		CounterpartyID:   entry.CounterpartyID,
		RelatedListingID: entry.ListingID,
		Reference:        entry.Reference,
		CreatedAt:        s.now(),
	}
	if err := tx.Create(le).Error; err != nil {
		return nil, fmt.Errorf("failed to append ledger entry: %w", err)
	}

	s.logger.Debug("Wallet mutated",
		zap.String("user_id", w.UserID.String()),
		zap.String("type", string(entry.Type)),
		zap.Int64("amount", signed),
		zap.Int64("balance_after", balanceAfter))
	return le, nil
}
