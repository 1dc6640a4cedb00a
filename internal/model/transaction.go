package model

import (
	"time"

	"github.com/google/uuid"
)

// Transaction is one payment attempt against an external gateway.
type Transaction struct {
	ID             uuid.UUID   `gorm:"type:uuid;primaryKey"`
	OrderID        string      `gorm:"size:255;not null;index"`
	UserID         uuid.UUID   `gorm:"type:uuid;not null;index"`
	GatewayID      GatewayType `gorm:"not null;index"`
	Amount         int64       `gorm:"not null"`
	Currency       string      `gorm:"size:10;not null;default:'IRR'"`
	Description    string
	AuthorityCode  *string `gorm:"size:255;index"`
	RefID          *string `gorm:"size:255;index"`
	Meta           JSONMap `gorm:"type:jsonb"`
	IdempotencyKey *string `gorm:"size:255;uniqueIndex"`

	IsDone        bool `gorm:"not null;default:false;index"`
	IsAddedWallet bool `gorm:"not null;default:false"`
	IsRefund      bool `gorm:"not null;default:false"`

	CreatedAt time.Time `gorm:"autoCreateTime;index"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (Transaction) TableName() string { return "transactions" }

// Status is always derived from the flag triple, never stored.
// Precedence: refunded > completed_and_added > completed > pending.
func (t *Transaction) Status() string {
	switch {
	case t.IsRefund:
		return StatusRefunded
	case t.IsDone && t.IsAddedWallet:
		return StatusCompletedAndAdded
	case t.IsDone:
		return StatusCompleted
	}
	return StatusPending
}

// TransactionEvent is one append-only audit row per state change.
// Rows are never updated or deleted.
type TransactionEvent struct {
	ID            uint64    `gorm:"primaryKey"`
	TransactionID uuid.UUID `gorm:"type:uuid;not null;index"`
	OldStatus     string    `gorm:"size:50;not null"`
	NewStatus     string    `gorm:"size:50;not null"`
	EventSource   string    `gorm:"size:100;not null"`
	Payload       JSONMap   `gorm:"type:jsonb"`
	ProviderIP    *string   `gorm:"size:45"`
	CreatedAt     time.Time `gorm:"autoCreateTime;index"`
}

func (TransactionEvent) TableName() string { return "transaction_event" }
