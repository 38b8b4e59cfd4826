package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	AuditAllocationCreated = "allocation_created"
	AuditAllocationDeleted = "allocation_deleted"
)

type AllocationAuditLog struct {
	ID             uuid.UUID        `gorm:"type:uuid;primaryKey" json:"id"`
	AllocationID   uuid.UUID        `gorm:"type:uuid;index" json:"allocation_id"`
	PaymentID      uuid.UUID        `gorm:"type:uuid;index" json:"payment_id"`
	ObligationKind ObligationKind   `json:"obligation_kind"`
	ObligationID   uuid.UUID        `gorm:"type:uuid" json:"obligation_id"`
	Action         string           `json:"action"`
	Source         AllocationSource `json:"source"`
	Amount         decimal.Decimal  `gorm:"type:numeric(14,2)" json:"amount"`
	PerformedBy    string           `json:"performed_by"`
	Reason         string           `json:"reason,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}
