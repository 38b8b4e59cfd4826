package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"ledger-allocation-backend/internal/apperrors"
	"ledger-allocation-backend/internal/models"
)

type AllocationRepository struct {
	db *gorm.DB
}

func NewAllocationRepository(db *gorm.DB) *AllocationRepository {
	return &AllocationRepository{db: db}
}

func (r *AllocationRepository) WithTx(tx *gorm.DB) *AllocationRepository {
	return &AllocationRepository{db: tx}
}

func (r *AllocationRepository) Create(ctx context.Context, a *models.Allocation) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(a).Error
}

func (r *AllocationRepository) Get(ctx context.Context, id uuid.UUID) (*models.Allocation, error) {
	var a models.Allocation
	if err := r.db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("allocation", id)
		}
		return nil, err
	}
	return &a, nil
}

func (r *AllocationRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Delete(&models.Allocation{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperrors.NotFound("allocation", id)
	}
	return nil
}

func (r *AllocationRepository) ListByPayment(ctx context.Context, paymentID uuid.UUID) ([]models.Allocation, error) {
	var out []models.Allocation
	err := r.db.WithContext(ctx).
		Where("payment_id = ?", paymentID).
		Order("created_at ASC").Order("id ASC").
		Find(&out).Error
	return out, err
}

func (r *AllocationRepository) ListByObligation(ctx context.Context, ref models.ObligationRef) ([]models.Allocation, error) {
	var out []models.Allocation
	err := r.db.WithContext(ctx).
		Where("obligation_kind = ? AND obligation_id = ?", ref.Kind, ref.ID).
		Order("created_at ASC").Order("id ASC").
		Find(&out).Error
	return out, err
}

// sumRow receives SUM results; SQLite returns floats, so totals are rounded
// back to cents before use.
type sumRow struct {
	PaymentID uuid.UUID
	Total     decimal.Decimal
}

// SumByPayment returns the allocated total of one payment.
func (r *AllocationRepository) SumByPayment(ctx context.Context, paymentID uuid.UUID) (decimal.Decimal, error) {
	var row sumRow
	err := r.db.WithContext(ctx).Model(&models.Allocation{}).
		Select("COALESCE(SUM(amount), 0) AS total").
		Where("payment_id = ?", paymentID).
		Scan(&row).Error
	return row.Total.Round(2), err
}

// SumByObligation returns the allocated total of one obligation.
func (r *AllocationRepository) SumByObligation(ctx context.Context, ref models.ObligationRef) (decimal.Decimal, error) {
	var row sumRow
	err := r.db.WithContext(ctx).Model(&models.Allocation{}).
		Select("COALESCE(SUM(amount), 0) AS total").
		Where("obligation_kind = ? AND obligation_id = ?", ref.Kind, ref.ID).
		Scan(&row).Error
	return row.Total.Round(2), err
}

// SumsByPayments returns allocated totals keyed by payment id. Payments
// without allocations are absent from the map.
func (r *AllocationRepository) SumsByPayments(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]decimal.Decimal, error) {
	sums := make(map[uuid.UUID]decimal.Decimal, len(ids))
	if len(ids) == 0 {
		return sums, nil
	}

	var rows []sumRow
	err := r.db.WithContext(ctx).Model(&models.Allocation{}).
		Select("payment_id, SUM(amount) AS total").
		Where("payment_id IN ?", ids).
		Group("payment_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		sums[row.PaymentID] = row.Total.Round(2)
	}
	return sums, nil
}

func (r *AllocationRepository) CountByObligation(ctx context.Context, ref models.ObligationRef) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.Allocation{}).
		Where("obligation_kind = ? AND obligation_id = ?", ref.Kind, ref.ID).
		Count(&n).Error
	return n, err
}

func (r *AllocationRepository) CountByPayment(ctx context.Context, paymentID uuid.UUID) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.Allocation{}).
		Where("payment_id = ?", paymentID).
		Count(&n).Error
	return n, err
}

func (r *AllocationRepository) CreateAudit(ctx context.Context, entry *models.AllocationAuditLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *AllocationRepository) ListAudit(ctx context.Context, paymentID uuid.UUID) ([]models.AllocationAuditLog, error) {
	var out []models.AllocationAuditLog
	err := r.db.WithContext(ctx).
		Where("payment_id = ?", paymentID).
		Order("created_at ASC").
		Find(&out).Error
	return out, err
}
