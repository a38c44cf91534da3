package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/visionmarket/ledger/internal/database"
	apperrors "github.com/visionmarket/ledger/pkg/errors"
	"github.com/visionmarket/ledger/pkg/models"
)

const maxListingsPage = 200

// CreateListing offers an asset owned by sellerID for sale. The asset row
// lock serializes creation so an asset never has two active listings.
func (s *Service) CreateListing(ctx context.Context, sellerID, assetID uuid.UUID, price int64) (*models.Listing, error) {
	if price <= 0 {
		return nil, apperrors.Validation.Explain("price must be positive, got %d", price).WithField("price", "must be > 0")
	}

	var listing *models.Listing
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		asset, err := s.assets.LockAsset(tx, assetID)
		if err != nil {
			return err
		}
		if asset.OwnerID == nil || *asset.OwnerID != sellerID {
			return apperrors.Authorization.Explain("only the owner of asset %s may list it", assetID)
		}

		var active int64
		if err := tx.Model(&models.Listing{}).
			Where("asset_id = ? AND status = ?", assetID, models.ListingActive).
			Count(&active).Error; err != nil {
			return fmt.Errorf("failed to check active listings: %w", err)
		}
		if active > 0 {
			return apperrors.StateConflict.Explain("asset %s already has an active listing", assetID)
		}

		now := s.now()
		listing = &models.Listing{
			ID:        uuid.New(),
			AssetID:   assetID,
			SellerID:  sellerID,
			Price:     price,
			Status:    models.ListingActive,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.Create(listing).Error; err != nil {
			if database.IsUniqueViolation(err) {
				return apperrors.StateConflict.Explain("asset %s already has an active listing", assetID)
			}
			return fmt.Errorf("failed to create listing: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Listing created",
		zap.String("listing_id", listing.ID.String()),
		zap.String("asset_id", assetID.String()),
		zap.Int64("price", price))
	return listing, nil
}

// CancelListing withdraws an active listing; only its seller may do so
func (s *Service) CancelListing(ctx context.Context, callerID, listingID uuid.UUID) (*models.Listing, error) {
	var listing *models.Listing
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		l, err := lockListing(tx, listingID)
		if err != nil {
			return err
		}
		if l.SellerID != callerID {
			return apperrors.Authorization.Explain("only the seller may cancel listing %s", listingID)
		}
		if l.Status != models.ListingActive {
			return apperrors.StateConflict.Explain("listing %s is %s", listingID, l.Status)
		}

		l.Status = models.ListingCancelled
		l.UpdatedAt = s.now()
		if err := tx.Model(&models.Listing{}).Where("id = ?", l.ID).Updates(map[string]interface{}{
			"status":     l.Status,
			"updated_at": l.UpdatedAt,
		}).Error; err != nil {
			return fmt.Errorf("failed to cancel listing: %w", err)
		}
		listing = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Listing cancelled", zap.String("listing_id", listingID.String()))
	return listing, nil
}

// GetListing returns one listing
func (s *Service) GetListing(ctx context.Context, listingID uuid.UUID) (*models.Listing, error) {
	var l models.Listing
	err := s.db.WithContext(ctx).Where("id = ?", listingID).First(&l).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound.Explain("listing %s not found", listingID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find listing: %w", err)
	}
	return &l, nil
}

// ActiveListings pages through active listings, newest first
func (s *Service) ActiveListings(ctx context.Context, limit, offset int) ([]models.Listing, error) {
	if limit <= 0 || limit > maxListingsPage {
		limit = maxListingsPage
	}
	if offset < 0 {
		offset = 0
	}
	var list []models.Listing
	if err := s.db.WithContext(ctx).
		Where("status = ?", models.ListingActive).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&list).Error; err != nil {
		return nil, fmt.Errorf("failed to list active listings: %w", err)
	}
	return list, nil
}
