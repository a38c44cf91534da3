package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/visionmarket/ledger/internal/notification"
	"github.com/visionmarket/ledger/internal/wallet"
	apperrors "github.com/visionmarket/ledger/pkg/errors"
	"github.com/visionmarket/ledger/pkg/logger"
	"github.com/visionmarket/ledger/pkg/metrics"
	"github.com/visionmarket/ledger/pkg/models"
)

const maxReasonLength = 512

// Notifier receives post-commit withdrawal alerts
type Notifier interface {
	NotifyBestEffort(ctx context.Context, alert notification.Alert)
}

// BacklogRow aggregates open requests of one status
type BacklogRow struct {
	Status models.WithdrawalStatus `json:"status"`
	Count  int64                   `json:"count"`
	Total  int64                   `json:"total"`
}

// Service runs the withdrawal request lifecycle
type Service struct {
	db        *gorm.DB
	wallets   *wallet.Store
	validator *Validator
	notifier  Notifier
	cfg       Config
	sanitizer *bluemonday.Policy
	logger    *zap.Logger
	now       func() time.Time
}

// NewService creates a withdrawal service
func NewService(db *gorm.DB, wallets *wallet.Store, notifier Notifier, cfg Config, log *zap.Logger) *Service {
	return &Service{
		db:        db,
		wallets:   wallets,
		validator: NewValidator(db, cfg),
		notifier:  notifier,
		cfg:       cfg,
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger.Named(log, "withdrawal"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Validate runs the withdrawal checks without creating a request
func (s *Service) Validate(ctx context.Context, userID uuid.UUID, amount int64) error {
	return s.validator.check(s.db.WithContext(ctx), userID, amount, s.now())
}

// Request validates and records a pending request under the wallet row lock.
// Requests above the high-value threshold alert every configured admin.
func (s *Service) Request(ctx context.Context, callerID uuid.UUID, amount int64) (*models.WithdrawalRequest, error) {
	var req *models.WithdrawalRequest
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		if _, err := s.wallets.LockForUpdate(tx, callerID); err != nil {
			return err
		}
		if err := s.validator.check(tx, callerID, amount, now); err != nil {
			return err
		}
		req = &models.WithdrawalRequest{
			ID:        uuid.New(),
			UserID:    callerID,
			Amount:    amount,
			Status:    models.WithdrawalPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.Create(req).Error; err != nil {
			return fmt.Errorf("failed to create withdrawal request: %w", err)
		}
		return nil
	})
	if err != nil {
		metrics.WithdrawalsTotal.WithLabelValues(outcome(err)).Inc()
		s.logger.Info("Withdrawal request rejected",
			zap.String("user_id", callerID.String()),
			zap.Int64("amount", amount),
			zap.Error(err))
		return nil, err
	}

	metrics.WithdrawalsTotal.WithLabelValues(string(models.WithdrawalPending)).Inc()
	s.logger.Info("Withdrawal requested",
		zap.String("request_id", req.ID.String()),
		zap.String("user_id", callerID.String()),
		zap.Int64("amount", amount))

	if amount > s.cfg.HighValueThreshold {
		for _, admin := range s.cfg.Admins {
			s.notifier.NotifyBestEffort(ctx, notification.Alert{
				UserID: admin,
				Type:   notification.AlertHighValueWithdrawal,
				Payload: map[string]interface{}{
					"request_id": req.ID.String(),
					"user_id":    callerID.String(),
					"amount":     amount,
				},
			})
		}
	}
	return req, nil
}

// Cancel withdraws a pending request; only its owner may cancel
func (s *Service) Cancel(ctx context.Context, callerID, requestID uuid.UUID) (*models.WithdrawalRequest, error) {
	return s.transition(ctx, requestID, func(tx *gorm.DB, req *models.WithdrawalRequest) error {
		if req.UserID != callerID {
			return apperrors.Authorization.Explain("only the requester may cancel withdrawal %s", requestID)
		}
		if req.Status != models.WithdrawalPending {
			return apperrors.StateConflict.Explain("withdrawal %s is %s and cannot be cancelled", requestID, req.Status)
		}
		req.Status = models.WithdrawalCancelled
		return nil
	})
}

// Approve moves a pending request to approved
func (s *Service) Approve(ctx context.Context, adminID, requestID uuid.UUID) (*models.WithdrawalRequest, error) {
	if err := s.requireAdmin(adminID); err != nil {
		return nil, err
	}
	req, err := s.transition(ctx, requestID, func(tx *gorm.DB, req *models.WithdrawalRequest) error {
		if req.Status != models.WithdrawalPending {
			return apperrors.StateConflict.Explain("withdrawal %s is %s and cannot be approved", requestID, req.Status)
		}
		reviewer := adminID
		req.Status = models.WithdrawalApproved
		req.ReviewedBy = &reviewer
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notifyReviewed(ctx, req)
	return req, nil
}

// Reject moves a pending request to rejected. The reason is stripped of markup.
func (s *Service) Reject(ctx context.Context, adminID, requestID uuid.UUID, reason string) (*models.WithdrawalRequest, error) {
	if err := s.requireAdmin(adminID); err != nil {
		return nil, err
	}
	clean := s.sanitizeReason(reason)
	if clean == "" {
		return nil, apperrors.Validation.Explain("a rejection reason is required").WithField("reason", "required")
	}
	req, err := s.transition(ctx, requestID, func(tx *gorm.DB, req *models.WithdrawalRequest) error {
		if req.Status != models.WithdrawalPending {
			return apperrors.StateConflict.Explain("withdrawal %s is %s and cannot be rejected", requestID, req.Status)
		}
		reviewer := adminID
		req.Status = models.WithdrawalRejected
		req.Reason = clean
		req.ReviewedBy = &reviewer
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notifyReviewed(ctx, req)
	return req, nil
}

// Complete pays out an approved request, debiting the wallet in the same transaction
func (s *Service) Complete(ctx context.Context, adminID, requestID uuid.UUID) (*models.WithdrawalRequest, error) {
	if err := s.requireAdmin(adminID); err != nil {
		return nil, err
	}
	existing, err := s.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}

	req, err := s.transition(ctx, requestID, func(tx *gorm.DB, req *models.WithdrawalRequest) error {
		if req.Status != models.WithdrawalApproved {
			return apperrors.StateConflict.Explain("withdrawal %s is %s and cannot be completed", requestID, req.Status)
		}
		if _, err := s.wallets.Debit(tx, req.UserID, req.Amount, wallet.Entry{
			Type:      models.EntryWithdrawal,
			Reference: "withdrawal:" + req.ID.String(),
		}); err != nil {
			return err
		}
		req.Status = models.WithdrawalCompleted
		return nil
	}, existing.UserID)
	if err != nil {
		return nil, err
	}
	metrics.WithdrawalsTotal.WithLabelValues(string(models.WithdrawalCompleted)).Inc()
	return req, nil
}

// Get returns one request
func (s *Service) Get(ctx context.Context, requestID uuid.UUID) (*models.WithdrawalRequest, error) {
	var req models.WithdrawalRequest
	err := s.db.WithContext(ctx).Where("id = ?", requestID).First(&req).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound.Explain("withdrawal %s not found", requestID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find withdrawal: %w", err)
	}
	return &req, nil
}

// ListForUser returns a user's requests, newest first
func (s *Service) ListForUser(ctx context.Context, userID uuid.UUID) ([]models.WithdrawalRequest, error) {
	var list []models.WithdrawalRequest
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("failed to list withdrawals: %w", err)
	}
	return list, nil
}

// Backlog aggregates pending and approved requests
func (s *Service) Backlog(ctx context.Context) ([]BacklogRow, error) {
	var rows []BacklogRow
	if err := s.db.WithContext(ctx).Model(&models.WithdrawalRequest{}).
		Select("status, COUNT(*) AS count, COALESCE(SUM(amount), 0) AS total").
		Where("status IN ?", []models.WithdrawalStatus{models.WithdrawalPending, models.WithdrawalApproved}).
		Group("status").
		Order("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to aggregate withdrawal backlog: %w", err)
	}
	return rows, nil
}

// transition locks the request (after the owner's wallet when walletFirst is
// given), applies mutate and persists the result
func (s *Service) transition(ctx context.Context, requestID uuid.UUID, mutate func(tx *gorm.DB, req *models.WithdrawalRequest) error, walletFirst ...uuid.UUID) (*models.WithdrawalRequest, error) {
	var out *models.WithdrawalRequest
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, owner := range walletFirst {
			if _, err := s.wallets.LockForUpdate(tx, owner); err != nil {
				return err
			}
		}

		var req models.WithdrawalRequest
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", requestID).First(&req).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.NotFound.Explain("withdrawal %s not found", requestID)
		}
		if err != nil {
			return fmt.Errorf("failed to lock withdrawal: %w", err)
		}

		if err := mutate(tx, &req); err != nil {
			return err
		}
		req.UpdatedAt = s.now()
		if err := tx.Model(&models.WithdrawalRequest{}).Where("id = ?", req.ID).Updates(map[string]interface{}{
			"status":      req.Status,
			"reason":      req.Reason,
			"reviewed_by": req.ReviewedBy,
			"updated_at":  req.UpdatedAt,
		}).Error; err != nil {
			return fmt.Errorf("failed to update withdrawal: %w", err)
		}
		out = &req
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Withdrawal updated",
		zap.String("request_id", out.ID.String()),
		zap.String("status", string(out.Status)))
	return out, nil
}

func (s *Service) requireAdmin(adminID uuid.UUID) error {
	if len(s.cfg.Admins) == 0 {
		return nil
	}
	for _, a := range s.cfg.Admins {
		if a == adminID {
			return nil
		}
	}
	return apperrors.Authorization.Explain("user %s is not a withdrawal reviewer", adminID)
}

func (s *Service) sanitizeReason(reason string) string {
	clean := strings.TrimSpace(s.sanitizer.Sanitize(reason))
	if len(clean) > maxReasonLength {
		clean = clean[:maxReasonLength]
	}
	return clean
}

func (s *Service) notifyReviewed(ctx context.Context, req *models.WithdrawalRequest) {
	metrics.WithdrawalsTotal.WithLabelValues(string(req.Status)).Inc()
	s.notifier.NotifyBestEffort(ctx, notification.Alert{
		UserID: req.UserID,
		Type:   notification.AlertWithdrawalReviewed,
		Payload: map[string]interface{}{
			"request_id": req.ID.String(),
			"status":     string(req.Status),
			"reason":     req.Reason,
		},
	})
}

func outcome(err error) string {
	if kind := apperrors.KindOf(err); kind != "" {
		return kind
	}
	return "error"
}
