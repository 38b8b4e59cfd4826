package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ledger-allocation-backend/internal/apperrors"
	"ledger-allocation-backend/internal/models"
)

// PaymentRepository is the ledger entry store.
type PaymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// WithTx returns a copy bound to tx.
func (r *PaymentRepository) WithTx(tx *gorm.DB) *PaymentRepository {
	return &PaymentRepository{db: tx}
}

type PaymentFilter struct {
	From          *time.Time // inclusive
	To            *time.Time // exclusive
	BankAccountID *uuid.UUID
	Direction     models.Direction
}

func (r *PaymentRepository) Create(ctx context.Context, p *models.Payment) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(p).Error
}

func (r *PaymentRepository) Get(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	return r.get(r.db.WithContext(ctx), id)
}

// GetForUpdate locks the payment row until the surrounding transaction ends.
func (r *PaymentRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	return r.get(r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), id)
}

func (r *PaymentRepository) get(q *gorm.DB, id uuid.UUID) (*models.Payment, error) {
	var p models.Payment
	if err := q.First(&p, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("payment", id)
		}
		return nil, err
	}
	return &p, nil
}

// List returns payments in a stable order: date ascending, then id.
func (r *PaymentRepository) List(ctx context.Context, f PaymentFilter) ([]models.Payment, error) {
	q := r.db.WithContext(ctx).Model(&models.Payment{})
	if f.From != nil {
		q = q.Where("payment_date >= ?", *f.From)
	}
	if f.To != nil {
		q = q.Where("payment_date < ?", *f.To)
	}
	if f.BankAccountID != nil {
		q = q.Where("bank_account_id = ?", *f.BankAccountID)
	}
	if f.Direction != "" {
		q = q.Where("direction = ?", f.Direction)
	}

	var payments []models.Payment
	err := q.Order("payment_date ASC").Order("id ASC").Find(&payments).Error
	return payments, err
}

func (r *PaymentRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Delete(&models.Payment{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperrors.NotFound("payment", id)
	}
	return nil
}
