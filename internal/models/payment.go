package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Direction string

const (
	Inflow  Direction = "inflow"
	Outflow Direction = "outflow"
)

func ParseDirection(s string) (Direction, error) {
	switch Direction(strings.ToLower(strings.TrimSpace(s))) {
	case Inflow, "in", "credit":
		return Inflow, nil
	case Outflow, "out", "debit":
		return Outflow, nil
	}
	return "", fmt.Errorf("unknown direction %q", s)
}

// Payment is a single bank ledger movement. The allocated total is never
// stored here; it is derived from the allocations table.
type Payment struct {
	ID            uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	BankAccountID uuid.UUID       `gorm:"type:uuid;index;not null" json:"bank_account_id"`
	Direction     Direction       `gorm:"size:16;index;not null" json:"direction"`
	Amount        decimal.Decimal `gorm:"type:numeric(14,2);not null" json:"amount"`
	Date          time.Time       `gorm:"column:payment_date;index;not null" json:"date"`
	Note          string          `gorm:"type:text" json:"note"`
	CreatedAt     time.Time       `json:"created_at"`
}
