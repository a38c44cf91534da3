// Package registry is the gorm-backed asset registry: current owner and attribution of each vision
package registry

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
	"github.com/visionmarket/ledger/pkg/models"
)

// Registry is what the ledger needs from the asset registry. Methods taking a
// transaction participate in the caller's atomic unit.
type Registry interface {
	LockAsset(tx *gorm.DB, assetID uuid.UUID) (*models.Asset, error)
	SetOwner(tx *gorm.DB, assetID uuid.UUID, owner *uuid.UUID) error
	AssetsOwnedBy(tx *gorm.DB, ownerID uuid.UUID) ([]models.Asset, error)
	Get(ctx context.Context, assetID uuid.UUID) (*models.Asset, error)
}

// NewAsset describes a vision being registered
type NewAsset struct {
	OwnerID   uuid.UUID
	GameID    string
	PaletteID string
	OpeningID string
}

// Store implements Registry on the ledger database
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
	now    func() time.Time
}

var _ Registry = (*Store)(nil)

// NewStore creates a registry store
func NewStore(db *gorm.DB, log *zap.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.Named(log, "registry"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create registers a vision owned and created by req.OwnerID
func (s *Store) Create(ctx context.Context, req NewAsset) (*models.Asset, error) {
	if req.OwnerID == uuid.Nil {
		return nil, apperrors.Validation.Explain("owner is required").WithField("owner_id", "required")
	}
	owner := req.OwnerID
	now := s.now()
	asset := &models.Asset{
		ID:                uuid.New(),
		OwnerID:           &owner,
		OriginalCreatorID: owner,
		GameID:            optional(req.GameID),
		PaletteID:         optional(req.PaletteID),
		OpeningID:         optional(req.OpeningID),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.db.WithContext(ctx).Create(asset).Error; err != nil {
		return nil, fmt.Errorf("failed to create asset: %w", err)
	}
	s.logger.Info("Asset registered",
		zap.String("asset_id", asset.ID.String()),
		zap.String("owner_id", owner.String()))
	return asset, nil
}

// LockAsset locks the asset row for the rest of tx
func (s *Store) LockAsset(tx *gorm.DB, assetID uuid.UUID) (*models.Asset, error) {
	var asset models.Asset
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", assetID).
		First(&asset).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound.Explain("asset %s not found", assetID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock asset: %w", err)
	}
	return &asset, nil
}

// SetOwner writes the asset's owner; nil orphans it
func (s *Store) SetOwner(tx *gorm.DB, assetID uuid.UUID, owner *uuid.UUID) error {
	res := tx.Model(&models.Asset{}).
		Where("id = ?", assetID).
		Updates(map[string]interface{}{"owner_id": owner, "updated_at": s.now()})
	if res.Error != nil {
		return fmt.Errorf("failed to set asset owner: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.NotFound.Explain("asset %s not found", assetID)
	}
	return nil
}

// AssetsOwnedBy locks and returns every asset currently owned by ownerID
func (s *Store) AssetsOwnedBy(tx *gorm.DB, ownerID uuid.UUID) ([]models.Asset, error) {
	var assets []models.Asset
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("owner_id = ?", ownerID).
		Order("id").
		Find(&assets).Error; err != nil {
		return nil, fmt.Errorf("failed to list owned assets: %w", err)
	}
	return assets, nil
}

// Get reads an asset outside any transaction
func (s *Store) Get(ctx context.Context, assetID uuid.UUID) (*models.Asset, error) {
	var asset models.Asset
	err := s.db.WithContext(ctx).Where("id = ?", assetID).First(&asset).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound.Explain("asset %s not found", assetID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find asset: %w", err)
	}
	return &asset, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
