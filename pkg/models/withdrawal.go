package models

import (
	"time"

	"github.com/google/uuid"
)

// WithdrawalStatus is the lifecycle state of a cash-out request
type WithdrawalStatus string

const (
	WithdrawalPending   WithdrawalStatus = "pending"
	WithdrawalApproved  WithdrawalStatus = "approved"
	WithdrawalRejected  WithdrawalStatus = "rejected"
	WithdrawalCompleted WithdrawalStatus = "completed"
	WithdrawalCancelled WithdrawalStatus = "cancelled"
)

// Open reports whether the request still reserves earned funds
func (s WithdrawalStatus) Open() bool {
	return s == WithdrawalPending || s == WithdrawalApproved
}

// WithdrawalRequest represents a withdrawal request
type WithdrawalRequest struct {
	ID         uuid.UUID        `json:"id" gorm:"primaryKey;type:uuid"`
	UserID     uuid.UUID        `json:"user_id" gorm:"type:uuid;index;not null"`
	Amount     int64            `json:"amount" gorm:"not null"`
	Status     WithdrawalStatus `json:"status" gorm:"size:16;index;not null"`
	Reason     string           `json:"reason,omitempty" gorm:"size:512"`
	ReviewedBy *uuid.UUID       `json:"reviewed_by,omitempty" gorm:"type:uuid"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}
