// Package testutil builds throwaway databases and fixtures for tests.
package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"ledger-allocation-backend/internal/config"
	"ledger-allocation-backend/internal/models"
)

// NewDB returns a migrated SQLite database in a temp dir that is removed
// when the test ends.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := config.OpenSQLite(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := config.Migrate(db); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func Amount(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// Fixtures inserts rows directly, bypassing the services.
type Fixtures struct {
	T  *testing.T
	DB *gorm.DB
	// BankAccountID is used for every payment unless overridden.
	BankAccountID uuid.UUID
}

func NewFixtures(t *testing.T, db *gorm.DB) *Fixtures {
	return &Fixtures{T: t, DB: db, BankAccountID: uuid.New()}
}

func (f *Fixtures) create(v any) {
	f.T.Helper()
	if err := f.DB.WithContext(context.Background()).Create(v).Error; err != nil {
		f.T.Fatalf("failed to insert fixture %T: %v", v, err)
	}
}

func (f *Fixtures) Payment(dir models.Direction, amount string, date time.Time, note string) *models.Payment {
	f.T.Helper()
	p := &models.Payment{
		ID:            uuid.New(),
		BankAccountID: f.BankAccountID,
		Direction:     dir,
		Amount:        Amount(amount),
		Date:          date,
		Note:          note,
	}
	f.create(p)
	return p
}

func (f *Fixtures) Receivable(counterparty, amount string) *models.Receivable {
	f.T.Helper()
	due := Date(2024, time.March, 10)
	r := &models.Receivable{
		ID:               uuid.New(),
		Number:           uuid.NewString(),
		CounterpartyName: counterparty,
		DueDate:          &due,
		Settlement:       models.NewSettlement(Amount(amount)),
	}
	f.create(r)
	return r
}

func (f *Fixtures) Payable(counterparty, amount string) *models.Payable {
	f.T.Helper()
	due := Date(2024, time.March, 10)
	p := &models.Payable{
		ID:               uuid.New(),
		CounterpartyName: counterparty,
		DueDate:          &due,
		Settlement:       models.NewSettlement(Amount(amount)),
	}
	f.create(p)
	return p
}

func (f *Fixtures) Custody(counterparty string, side models.Side, amount string) *models.Custody {
	f.T.Helper()
	c := &models.Custody{
		ID:               uuid.New(),
		CounterpartyName: counterparty,
		Side:             side,
		Settlement:       models.NewSettlement(Amount(amount)),
	}
	f.create(c)
	return c
}

// Transfer creates a transfer out of the fixtures' bank account into a fresh
// one and returns it with both legs.
func (f *Fixtures) Transfer(amount string, date time.Time, toLabel string) *models.Transfer {
	f.T.Helper()
	t := &models.Transfer{
		ID:               uuid.New(),
		FromAccountID:    f.BankAccountID,
		FromAccountLabel: "Operating account",
		ToAccountID:      uuid.New(),
		ToAccountLabel:   toLabel,
		Amount:           Amount(amount),
		Date:             date,
		Description:      "Internal transfer",
	}
	t.Legs = t.NewLegs()
	f.create(t)
	return t
}

// Obligation re-reads the settled state of ref.
func (f *Fixtures) Obligation(ref models.ObligationRef) models.Obligation {
	f.T.Helper()
	var rec models.ObligationRecord
	switch ref.Kind {
	case models.KindReceivable:
		rec = &models.Receivable{}
	case models.KindPayable:
		rec = &models.Payable{}
	case models.KindCustody:
		rec = &models.Custody{}
	case models.KindTransfer:
		rec = &models.TransferLeg{}
	}
	if err := f.DB.First(rec, "id = ?", ref.ID).Error; err != nil {
		f.T.Fatalf("failed to load %s: %v", ref, err)
	}
	return rec.Obligation()
}
