package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ObligationKind string

const (
	KindReceivable ObligationKind = "receivable"
	KindPayable    ObligationKind = "payable"
	KindCustody    ObligationKind = "custody"
	KindTransfer   ObligationKind = "transfer"
)

var ObligationKinds = []ObligationKind{KindReceivable, KindPayable, KindCustody, KindTransfer}

func ParseObligationKind(s string) (ObligationKind, error) {
	k := ObligationKind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range ObligationKinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown obligation kind %q", s)
}

type ObligationStatus string

const (
	StatusOpen    ObligationStatus = "open"
	StatusPartial ObligationStatus = "partial"
	StatusSettled ObligationStatus = "settled"
)

// OpenStatuses are the statuses an obligation can still be settled from.
var OpenStatuses = []ObligationStatus{StatusOpen, StatusPartial}

// Side narrows custody balances (asset/liability) and transfer legs
// (incoming/outgoing). Receivables and payables have no side.
type Side string

const (
	SideNone      Side = ""
	SideAsset     Side = "asset"
	SideLiability Side = "liability"
	SideIncoming  Side = "incoming"
	SideOutgoing  Side = "outgoing"
)

// Epsilon is half a cent; anything closer than that counts as equal.
var Epsilon = decimal.New(5, -3)

// DeriveStatus is the only place obligation status is computed.
func DeriveStatus(total, settled decimal.Decimal) ObligationStatus {
	switch {
	case settled.GreaterThanOrEqual(total.Sub(Epsilon)):
		return StatusSettled
	case settled.GreaterThan(decimal.Zero):
		return StatusPartial
	default:
		return StatusOpen
	}
}

// ObligationRef is the polymorphic {kind, id} pointer stored on allocations.
type ObligationRef struct {
	Kind ObligationKind `json:"kind"`
	ID   uuid.UUID      `json:"id"`
}

func (r ObligationRef) String() string {
	return string(r.Kind) + ":" + r.ID.String()
}

// Settlement is embedded in every obligation table. SettledAmount and Status
// are written only by the allocation ledger.
type Settlement struct {
	TotalAmount   decimal.Decimal  `gorm:"type:numeric(14,2);not null" json:"total_amount"`
	SettledAmount decimal.Decimal  `gorm:"type:numeric(14,2);not null" json:"settled_amount"`
	Status        ObligationStatus `gorm:"size:16;index;not null" json:"status"`
	Version       int64            `gorm:"not null" json:"-"`
}

// NewSettlement returns the settlement block of a freshly created obligation.
func NewSettlement(total decimal.Decimal) Settlement {
	return Settlement{
		TotalAmount:   total,
		SettledAmount: decimal.Zero,
		Status:        StatusOpen,
	}
}

// Obligation is the kind-independent view every obligation table maps onto.
type Obligation struct {
	Ref              ObligationRef    `json:"ref"`
	CounterpartyName string           `json:"counterparty_name"`
	Description      string           `json:"description,omitempty"`
	Side             Side             `json:"side,omitempty"`
	BankAccountID    *uuid.UUID       `json:"bank_account_id,omitempty"`
	TotalAmount      decimal.Decimal  `json:"total_amount"`
	SettledAmount    decimal.Decimal  `json:"settled_amount"`
	Status           ObligationStatus `json:"status"`
	DueDate          *time.Time       `json:"due_date,omitempty"`
	Version          int64            `json:"-"`
}

// Remaining is the open amount, floored at zero.
func (o Obligation) Remaining() decimal.Decimal {
	r := o.TotalAmount.Sub(o.SettledAmount)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// ObligationRecord is implemented by every obligation table.
type ObligationRecord interface {
	Obligation() Obligation
}

// Compatible reports whether a payment in the given direction may settle the
// obligation.
func Compatible(d Direction, o Obligation) bool {
	switch o.Ref.Kind {
	case KindReceivable:
		return d == Inflow
	case KindPayable:
		return d == Outflow
	case KindCustody:
		return (d == Inflow && o.Side == SideAsset) || (d == Outflow && o.Side == SideLiability)
	case KindTransfer:
		return (d == Inflow && o.Side == SideIncoming) || (d == Outflow && o.Side == SideOutgoing)
	}
	return false
}

// Receivable is an amount owed to the firm by a client.
type Receivable struct {
	ID               uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	Number           string     `gorm:"uniqueIndex" json:"number"`
	CounterpartyName string     `gorm:"index;not null" json:"counterparty_name"`
	Description      string     `json:"description"`
	DueDate          *time.Time `json:"due_date,omitempty"`
	Settlement       `gorm:"embedded"`
	CreatedAt        time.Time `json:"created_at"`
}

func (r Receivable) Obligation() Obligation {
	return Obligation{
		Ref:              ObligationRef{Kind: KindReceivable, ID: r.ID},
		CounterpartyName: r.CounterpartyName,
		Description:      r.Description,
		TotalAmount:      r.TotalAmount,
		SettledAmount:    r.SettledAmount,
		Status:           r.Status,
		DueDate:          r.DueDate,
		Version:          r.Version,
	}
}

// Payable is an amount the firm owes a supplier or employee.
type Payable struct {
	ID               uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	CounterpartyName string     `gorm:"index;not null" json:"counterparty_name"`
	Description      string     `json:"description"`
	DueDate          *time.Time `json:"due_date,omitempty"`
	Settlement       `gorm:"embedded"`
	CreatedAt        time.Time `json:"created_at"`
}

func (p Payable) Obligation() Obligation {
	return Obligation{
		Ref:              ObligationRef{Kind: KindPayable, ID: p.ID},
		CounterpartyName: p.CounterpartyName,
		Description:      p.Description,
		TotalAmount:      p.TotalAmount,
		SettledAmount:    p.SettledAmount,
		Status:           p.Status,
		DueDate:          p.DueDate,
		Version:          p.Version,
	}
}

// Custody is an escrow-like balance held for (asset) or owed to (liability)
// a counterparty.
type Custody struct {
	ID               uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	CounterpartyName string     `gorm:"index;not null" json:"counterparty_name"`
	Side             Side       `gorm:"size:16;index;not null" json:"side"`
	Description      string     `json:"description"`
	DueDate          *time.Time `json:"due_date,omitempty"`
	Settlement       `gorm:"embedded"`
	CreatedAt        time.Time `json:"created_at"`
}

func (Custody) TableName() string {
	return "custodies"
}

func (c Custody) Obligation() Obligation {
	return Obligation{
		Ref:              ObligationRef{Kind: KindCustody, ID: c.ID},
		CounterpartyName: c.CounterpartyName,
		Description:      c.Description,
		Side:             c.Side,
		TotalAmount:      c.TotalAmount,
		SettledAmount:    c.SettledAmount,
		Status:           c.Status,
		DueDate:          c.DueDate,
		Version:          c.Version,
	}
}

// Transfer moves money between two of the firm's bank accounts. Each side of
// the movement is a TransferLeg that settles on its own.
type Transfer struct {
	ID               uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	FromAccountID    uuid.UUID       `gorm:"type:uuid;not null" json:"from_account_id"`
	FromAccountLabel string          `json:"from_account_label"`
	ToAccountID      uuid.UUID       `gorm:"type:uuid;not null" json:"to_account_id"`
	ToAccountLabel   string          `json:"to_account_label"`
	Amount           decimal.Decimal `gorm:"type:numeric(14,2);not null" json:"amount"`
	Date             time.Time       `gorm:"column:transfer_date;not null" json:"date"`
	Description      string          `json:"description"`
	Legs             []TransferLeg   `gorm:"constraint:OnDelete:CASCADE" json:"legs,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

type TransferLeg struct {
	ID               uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	TransferID       uuid.UUID  `gorm:"type:uuid;index;not null" json:"transfer_id"`
	BankAccountID    uuid.UUID  `gorm:"type:uuid;index;not null" json:"bank_account_id"`
	Side             Side       `gorm:"size:16;index;not null" json:"side"`
	CounterpartyName string     `gorm:"index" json:"counterparty_name"`
	DueDate          *time.Time `json:"due_date,omitempty"`
	Settlement       `gorm:"embedded"`
	CreatedAt        time.Time `json:"created_at"`
}

func (l TransferLeg) Obligation() Obligation {
	account := l.BankAccountID
	return Obligation{
		Ref:              ObligationRef{Kind: KindTransfer, ID: l.ID},
		CounterpartyName: l.CounterpartyName,
		Side:             l.Side,
		BankAccountID:    &account,
		TotalAmount:      l.TotalAmount,
		SettledAmount:    l.SettledAmount,
		Status:           l.Status,
		DueDate:          l.DueDate,
		Version:          l.Version,
	}
}

// NewLegs builds the outgoing and incoming legs of t. Each leg's counterparty
// is the label of the opposite account, falling back to the description.
func (t *Transfer) NewLegs() []TransferLeg {
	date := t.Date
	label := func(s string) string {
		if strings.TrimSpace(s) != "" {
			return s
		}
		return t.Description
	}
	return []TransferLeg{
		{
			ID:               uuid.New(),
			TransferID:       t.ID,
			BankAccountID:    t.FromAccountID,
			Side:             SideOutgoing,
			CounterpartyName: label(t.ToAccountLabel),
			DueDate:          &date,
			Settlement:       NewSettlement(t.Amount),
		},
		{
			ID:               uuid.New(),
			TransferID:       t.ID,
			BankAccountID:    t.ToAccountID,
			Side:             SideIncoming,
			CounterpartyName: label(t.FromAccountLabel),
			DueDate:          &date,
			Settlement:       NewSettlement(t.Amount),
		},
	}
}
