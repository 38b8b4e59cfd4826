package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"ledger-allocation-backend/internal/apperrors"
	"ledger-allocation-backend/internal/models"
)

type TransferRepository struct {
	db *gorm.DB
}

func NewTransferRepository(db *gorm.DB) *TransferRepository {
	return &TransferRepository{db: db}
}

func (r *TransferRepository) WithTx(tx *gorm.DB) *TransferRepository {
	return &TransferRepository{db: tx}
}

// Create inserts the transfer together with its outgoing and incoming legs.
func (r *TransferRepository) Create(ctx context.Context, t *models.Transfer) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.Legs = t.NewLegs()
	return r.db.WithContext(ctx).Create(t).Error
}

func (r *TransferRepository) Get(ctx context.Context, id uuid.UUID) (*models.Transfer, error) {
	var t models.Transfer
	err := r.db.WithContext(ctx).Preload("Legs").First(&t, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound("transfer", id)
	}
	return &t, err
}

// GetByLeg returns the transfer owning the given leg.
func (r *TransferRepository) GetByLeg(ctx context.Context, legID uuid.UUID) (*models.Transfer, error) {
	var leg models.TransferLeg
	err := r.db.WithContext(ctx).Select("transfer_id").First(&leg, "id = ?", legID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound("transfer", legID)
	}
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, leg.TransferID)
}

// Delete removes the transfer and both legs.
func (r *TransferRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&models.TransferLeg{}, "transfer_id = ?", id).Error; err != nil {
			return err
		}
		res := tx.Delete(&models.Transfer{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperrors.NotFound("transfer", id)
		}
		return nil
	})
}
