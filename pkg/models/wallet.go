package models

import (
	"time"

	"github.com/google/uuid"
)

// Wallet holds a user's balance in cents and lifetime counters.
// Balance is never negative and always equals the sum of the wallet's
// ledger entries.
type Wallet struct {
	UserID         uuid.UUID `json:"user_id" gorm:"primaryKey;type:uuid"`
	Balance        int64     `json:"balance" gorm:"not null;default:0"`
	TotalDeposited int64     `json:"total_deposited" gorm:"not null;default:0"`
	TotalWithdrawn int64     `json:"total_withdrawn" gorm:"not null;default:0"`
	TotalEarned    int64     `json:"total_earned" gorm:"not null;default:0"`
	TotalSpent     int64     `json:"total_spent" gorm:"not null;default:0"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Age returns how long the wallet has existed at now
func (w *Wallet) Age(now time.Time) time.Duration {
	return now.Sub(w.CreatedAt)
}
