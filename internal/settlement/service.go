// Package settlement executes marketplace sales atomically and manages listings
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/visionmarket/ledger/internal/distribution"
	"github.com/visionmarket/ledger/internal/registry"
	"github.com/visionmarket/ledger/internal/scoring"
	"github.com/visionmarket/ledger/internal/transfer"
	"github.com/visionmarket/ledger/internal/wallet"
	apperrors "github.com/visionmarket/ledger/pkg/errors"
	"github.com/visionmarket/ledger/pkg/logger"
	"github.com/visionmarket/ledger/pkg/metrics"
	"github.com/visionmarket/ledger/pkg/models"
)

var tracer = otel.Tracer("github.com/visionmarket/ledger/internal/settlement")

// DefaultFeeRate is the marketplace platform fee
var DefaultFeeRate = decimal.RequireFromString("0.05")

// Config holds the economic parameters of a sale
type Config struct {
	FeeRate decimal.Decimal
	Table   distribution.RatioTable
}

// PurchaseRequest asks for one listing to be bought. CallerID is the
// authenticated identity and must match BuyerID.
type PurchaseRequest struct {
	CallerID  uuid.UUID
	ListingID uuid.UUID
	BuyerID   uuid.UUID
}

// Receipt describes a committed sale
type Receipt struct {
	ListingID      uuid.UUID                 `json:"listing_id"`
	AssetID        uuid.UUID                 `json:"asset_id"`
	BuyerID        uuid.UUID                 `json:"buyer_id"`
	SellerID       uuid.UUID                 `json:"seller_id"`
	Price          int64                     `json:"price"`
	Fee            int64                     `json:"fee"`
	SellerProceeds int64                     `json:"seller_proceeds"`
	Allocations    []distribution.Allocation `json:"allocations"`
	SoldAt         time.Time                 `json:"sold_at"`
}

// Service is the single entry point for marketplace sales
type Service struct {
	db      *gorm.DB
	wallets *wallet.Store
	assets  registry.Registry
	limiter *transfer.Limiter
	engine  *distribution.Engine
	scoring *scoring.Publisher
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
}

// NewService wires a settlement service. scorer may be nil.
func NewService(
	db *gorm.DB,
	wallets *wallet.Store,
	assets registry.Registry,
	limiter *transfer.Limiter,
	engine *distribution.Engine,
	scorer *scoring.Publisher,
	cfg Config,
	log *zap.Logger,
) (*Service, error) {
	if cfg.FeeRate.IsNegative() || cfg.FeeRate.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("fee rate %s out of range", cfg.FeeRate)
	}
	if err := cfg.Table.Validate(); err != nil {
		return nil, fmt.Errorf("settlement ratio table: %w", err)
	}
	return &Service{
		db:      db,
		wallets: wallets,
		assets:  assets,
		limiter: limiter,
		engine:  engine,
		scoring: scorer,
		cfg:     cfg,
		logger:  logger.Named(log, "settlement"),
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Fee returns the platform fee for price, rounded half away from zero
func Fee(price int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(price).Mul(rate).Round(0).IntPart()
}

// Purchase settles one sale in a single transaction. Locks are taken in the
// order listing, asset, buyer wallet, seller wallet.
func (s *Service) Purchase(ctx context.Context, req PurchaseRequest) (receipt *Receipt, err error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "settlement.Purchase")
	span.SetAttributes(
		attribute.String("listing_id", req.ListingID.String()),
		attribute.String("buyer_id", req.BuyerID.String()),
	)
	defer func() {
		outcome := "committed"
		if err != nil {
			outcome = apperrors.KindOf(err)
			if outcome == "" {
				outcome = "error"
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		metrics.SettlementsTotal.WithLabelValues(outcome).Inc()
		metrics.SettlementLatency.Observe(time.Since(start).Seconds())
		span.End()
	}()

	if req.CallerID != req.BuyerID {
		return nil, apperrors.Authorization.Explain("caller may only purchase on their own behalf")
	}

	var attr models.Attribution
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()

		listing, err := lockListing(tx, req.ListingID)
		if err != nil {
			return err
		}
		if listing.Status != models.ListingActive {
			return apperrors.StateConflict.Explain("listing %s is %s", listing.ID, listing.Status)
		}
		if listing.SellerID == req.BuyerID {
			return apperrors.Authorization.Explain("buyer cannot purchase their own listing")
		}

		asset, err := s.assets.LockAsset(tx, listing.AssetID)
		if err != nil {
			return err
		}
		if asset.OwnerID == nil || *asset.OwnerID != listing.SellerID {
			return apperrors.StateConflict.Explain("asset %s is no longer owned by the seller", asset.ID)
		}
		if err := s.limiter.Check(tx, asset.ID, now); err != nil {
			return err
		}

		buyer, err := s.wallets.LockForUpdate(tx, req.BuyerID)
		if errors.Is(err, apperrors.NotFound) {
			return apperrors.InsufficientFunds.Explain("balance 0 is below price %d", listing.Price)
		}
		if err != nil {
			return err
		}
		if buyer.Balance < listing.Price {
			return apperrors.InsufficientFunds.Explain("balance %d is below price %d", buyer.Balance, listing.Price)
		}

		fee := Fee(listing.Price, s.cfg.FeeRate)
		proceeds := listing.Price - fee

		if _, err := s.wallets.GetOrCreateForUpdate(tx, listing.SellerID); err != nil {
			return err
		}

		seller, buyerID, listingID := listing.SellerID, req.BuyerID, listing.ID
		if _, err := s.wallets.Debit(tx, buyerID, listing.Price, wallet.Entry{
			Type: models.EntryPurchase, CounterpartyID: &seller, ListingID: &listingID,
		}); err != nil {
			return err
		}
		if proceeds > 0 {
			if _, err := s.wallets.Credit(tx, seller, proceeds, wallet.Entry{
				Type: models.EntrySale, CounterpartyID: &buyerID, ListingID: &listingID,
			}); err != nil {
				return err
			}
		}
		if fee > 0 {
			if _, err := s.wallets.RecordFee(tx, seller, fee, wallet.Entry{
				ListingID: &listingID, Reference: "marketplace_fee",
			}); err != nil {
				return err
			}
		}

		if err := s.assets.SetOwner(tx, asset.ID, &buyerID); err != nil {
			return err
		}
		if err := tx.Model(&models.Listing{}).Where("id = ?", listing.ID).Updates(map[string]interface{}{
			"status":     models.ListingSold,
			"buyer_id":   buyerID,
			"sold_at":    now,
			"updated_at": now,
		}).Error; err != nil {
			return fmt.Errorf("failed to mark listing sold: %w", err)
		}
		if err := s.limiter.Record(tx, &models.TransferRecord{
			AssetID:   asset.ID,
			FromUser:  &seller,
			ToUser:    &buyerID,
			Type:      models.TransferPurchase,
			CreatedAt: now,
		}); err != nil {
			return err
		}

		allocations, err := s.engine.Distribute(tx, fee, asset.Attribution(), s.cfg.Table)
		if err != nil {
			return err
		}

		attr = asset.Attribution()
		receipt = &Receipt{
			ListingID:      listing.ID,
			AssetID:        asset.ID,
			BuyerID:        buyerID,
			SellerID:       seller,
			Price:          listing.Price,
			Fee:            fee,
			SellerProceeds: proceeds,
			Allocations:    allocations,
			SoldAt:         now,
		}
		return nil
	})
	if err != nil {
		s.logger.Info("Purchase rejected",
			zap.String("listing_id", req.ListingID.String()),
			zap.String("buyer_id", req.BuyerID.String()),
			zap.Error(err))
		return nil, err
	}

	s.logger.Info("Purchase settled",
		zap.String("listing_id", receipt.ListingID.String()),
		zap.String("asset_id", receipt.AssetID.String()),
		zap.String("buyer_id", receipt.BuyerID.String()),
		zap.String("seller_id", receipt.SellerID.String()),
		zap.Int64("price", receipt.Price),
		zap.Int64("fee", receipt.Fee))

	if s.scoring != nil {
		s.scoring.Emit(scoring.InteractionEvent{
			Type:        scoring.InteractionTrade,
			AssetID:     receipt.AssetID,
			UserID:      receipt.BuyerID,
			Attribution: attr,
			Amount:      receipt.Price,
			At:          receipt.SoldAt,
		})
	}
	return receipt, nil
}

func lockListing(tx *gorm.DB, id uuid.UUID) (*models.Listing, error) {
	var l models.Listing
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&l).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound.Explain("listing %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock listing: %w", err)
	}
	return &l, nil
}
