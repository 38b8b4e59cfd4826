package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type AllocationSource string

const (
	SourceManual       AllocationSource = "manual"
	SourceEngine       AllocationSource = "engine"
	SourceSuggestion   AllocationSource = "suggestion"
	SourceRegistration AllocationSource = "registration"
)

// Allocation links one payment to one obligation for a fixed amount. Rows are
// immutable; unlinking deletes the row.
type Allocation struct {
	ID             uuid.UUID        `gorm:"type:uuid;primaryKey" json:"id"`
	PaymentID      uuid.UUID        `gorm:"type:uuid;index;not null" json:"payment_id"`
	Payment        *Payment         `gorm:"constraint:OnDelete:RESTRICT" json:"-"`
	ObligationKind ObligationKind   `gorm:"size:16;not null;index:idx_allocations_obligation" json:"obligation_kind"`
	ObligationID   uuid.UUID        `gorm:"type:uuid;not null;index:idx_allocations_obligation" json:"obligation_id"`
	Amount         decimal.Decimal  `gorm:"type:numeric(14,2);not null" json:"amount"`
	Note           string           `gorm:"type:text" json:"note,omitempty"`
	Source         AllocationSource `gorm:"size:16;not null" json:"source"`
	MatchDetails   datatypes.JSON   `json:"match_details,omitempty"`
	CreatedAt      time.Time        `gorm:"index" json:"created_at"`
}

func (a Allocation) ObligationRef() ObligationRef {
	return ObligationRef{Kind: a.ObligationKind, ID: a.ObligationID}
}

// EngineGenerated reports whether the matching engine committed a without
// human confirmation.
func (a Allocation) EngineGenerated() bool {
	return a.Source == SourceEngine
}
