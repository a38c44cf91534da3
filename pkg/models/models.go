package models

import (
	"time"

	"github.com/google/uuid"
)

// LedgerEntryType classifies a balance-affecting event
type LedgerEntryType string

const (
	EntryDeposit     LedgerEntryType = "deposit"
	EntryPurchase    LedgerEntryType = "purchase"
	EntrySale        LedgerEntryType = "sale"
	EntryPlatformFee LedgerEntryType = "platform_fee"
	EntryWithdrawal  LedgerEntryType = "withdrawal"
	EntryAdjustment  LedgerEntryType = "adjustment"
)

// ListingStatus is the lifecycle state of a marketplace listing
type ListingStatus string

const (
	ListingActive    ListingStatus = "active"
	ListingSold      ListingStatus = "sold"
	ListingCancelled ListingStatus = "cancelled"
)

// TransferType records how an asset changed hands
type TransferType string

const (
	TransferPurchase TransferType = "purchase"
	TransferReclaim  TransferType = "reclaim"
	TransferRelease  TransferType = "release"
)

// PoolCategory groups value pools
type PoolCategory string

const (
	PoolGamecard       PoolCategory = "gamecard"
	PoolPalette        PoolCategory = "palette"
	PoolOpening        PoolCategory = "opening"
	PoolCompany        PoolCategory = "company"
	PoolPlatformOps    PoolCategory = "platform_ops"
	PoolCreatorRoyalty PoolCategory = "creator_royalty"
)

// LedgerEntry is an immutable record of one balance-affecting event.
// SignedAmount is zero for platform_fee audit entries; the fee itself is
// carried in FeeAmount so signed amounts still sum to the balance.
type LedgerEntry struct {
	ID               uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	WalletID         uuid.UUID       `json:"wallet_id" gorm:"type:uuid;index;not null"`
	Type             LedgerEntryType `json:"type" gorm:"size:32;not null"`
	SignedAmount     int64           `json:"signed_amount" gorm:"not null"`
	FeeAmount        int64           `json:"fee_amount,omitempty" gorm:"not null;default:0"`
	BalanceAfter     int64           `json:"balance_after" gorm:"not null"`
	CounterpartyID   *uuid.UUID      `json:"counterparty_id,omitempty" gorm:"type:uuid"`
	RelatedListingID *uuid.UUID      `json:"related_listing_id,omitempty" gorm:"type:uuid;index"`
	Reference        string          `json:"reference,omitempty" gorm:"size:128"`
	CreatedAt        time.Time       `json:"created_at" gorm:"index"`
}

// Listing offers an asset for sale
type Listing struct {
	ID        uuid.UUID     `json:"id" gorm:"primaryKey;type:uuid"`
	AssetID   uuid.UUID     `json:"asset_id" gorm:"type:uuid;not null;index:idx_listing_active_asset,unique,where:status = 'active'"`
	SellerID  uuid.UUID     `json:"seller_id" gorm:"type:uuid;index;not null"`
	Price     int64         `json:"price" gorm:"not null"`
	Status    ListingStatus `json:"status" gorm:"size:16;index;not null"`
	BuyerID   *uuid.UUID    `json:"buyer_id,omitempty" gorm:"type:uuid"`
	SoldAt    *time.Time    `json:"sold_at,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Attribution identifies the pools that share revenue from an asset.
// Empty ids mean the asset carries no such attribution.
type Attribution struct {
	GameID    string    `json:"game_id,omitempty"`
	PaletteID string    `json:"palette_id,omitempty"`
	OpeningID string    `json:"opening_id,omitempty"`
	CreatorID uuid.UUID `json:"creator_id,omitempty"`
}

// Asset is a vision. A nil OwnerID marks the asset as orphaned.
type Asset struct {
	ID                uuid.UUID  `json:"id" gorm:"primaryKey;type:uuid"`
	OwnerID           *uuid.UUID `json:"owner_id,omitempty" gorm:"type:uuid;index"`
	OriginalCreatorID uuid.UUID  `json:"original_creator_id" gorm:"type:uuid;index;not null"`
	GameID            *string    `json:"game_id,omitempty" gorm:"size:64"`
	PaletteID         *string    `json:"palette_id,omitempty" gorm:"size:64"`
	OpeningID         *string    `json:"opening_id,omitempty" gorm:"size:64"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Attribution returns the typed attribution of the asset
func (a *Asset) Attribution() Attribution {
	deref := func(s *string) string {
		if s == nil {
			return ""
		}
		return *s
	}
	return Attribution{
		GameID:    deref(a.GameID),
		PaletteID: deref(a.PaletteID),
		OpeningID: deref(a.OpeningID),
		CreatorID: a.OriginalCreatorID,
	}
}

// Orphaned reports whether the asset currently has no owner
func (a *Asset) Orphaned() bool {
	return a.OwnerID == nil
}

// ValuePool accumulates attributed revenue for one (category, pool id) key
type ValuePool struct {
	Category          PoolCategory `json:"category" gorm:"primaryKey;size:32"`
	PoolID            string       `json:"pool_id" gorm:"primaryKey;size:64"`
	BaseValue         int64        `json:"base_value" gorm:"not null;default:0"`
	EarnedValue       int64        `json:"earned_value" gorm:"not null;default:0"`
	InteractionCount  int64        `json:"interaction_count" gorm:"not null;default:0"`
	LastInteractionAt time.Time    `json:"last_interaction_at"`
	CreatedAt         time.Time    `json:"created_at"`
}

// TransferRecord is an append-only record of an ownership change.
// Releases have no ToUser; reclaims of orphaned assets have no FromUser.
type TransferRecord struct {
	ID        uuid.UUID    `json:"id" gorm:"primaryKey;type:uuid"`
	AssetID   uuid.UUID    `json:"asset_id" gorm:"type:uuid;not null;index:idx_transfer_asset_time"`
	FromUser  *uuid.UUID   `json:"from_user,omitempty" gorm:"type:uuid"`
	ToUser    *uuid.UUID   `json:"to_user,omitempty" gorm:"type:uuid"`
	Type      TransferType `json:"type" gorm:"size:16;not null"`
	CreatedAt time.Time    `json:"created_at" gorm:"index:idx_transfer_asset_time"`
}

// SubscriptionStatus is the custody-relevant subscription state of a user
type SubscriptionStatus string

const (
	SubscriptionActive      SubscriptionStatus = "active"
	SubscriptionGracePeriod SubscriptionStatus = "grace_period"
	SubscriptionReleased    SubscriptionStatus = "released"
)

// CustodyState tracks the grace period of a user whose subscription lapsed
type CustodyState struct {
	UserID             uuid.UUID          `json:"user_id" gorm:"primaryKey;type:uuid"`
	SubscriptionStatus SubscriptionStatus `json:"subscription_status" gorm:"size:16;not null"`
	GracePeriodEnd     *time.Time         `json:"grace_period_end,omitempty" gorm:"index"`
	GraceNotifiedAt    *time.Time         `json:"grace_notified_at,omitempty"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// ProcessedEvent marks an external payment event as recorded
type ProcessedEvent struct {
	EventID     string    `json:"event_id" gorm:"primaryKey;size:128"`
	Kind        string    `json:"kind" gorm:"size:32;not null"`
	ProcessedAt time.Time `json:"processed_at"`
}

// AlertLog deduplicates notifications when no Redis is configured
type AlertLog struct {
	UserID    uuid.UUID `gorm:"type:uuid;primaryKey"`
	AlertType string    `gorm:"size:64;primaryKey"`
	Day       string    `gorm:"size:10;primaryKey"`
	CreatedAt time.Time
}

// All returns every model managed by the ledger, in migration order
func All() []interface{} {
	return []interface{}{
		&Wallet{},
		&LedgerEntry{},
		&Asset{},
		&Listing{},
		&ValuePool{},
		&TransferRecord{},
		&WithdrawalRequest{},
		&CustodyState{},
		&ProcessedEvent{},
		&AlertLog{},
	}
}
