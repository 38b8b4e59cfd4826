package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ledger-allocation-backend/internal/apperrors"
	"ledger-allocation-backend/internal/models"
	"ledger-allocation-backend/pkg/textnorm"
)

// ObligationFilter narrows a listing. Counterparty is matched case- and
// accent-insensitively as a substring.
type ObligationFilter struct {
	Statuses      []models.ObligationStatus
	Counterparty  string
	Side          models.Side
	BankAccountID *uuid.UUID
}

// ObligationStore is the single interface the allocation ledger uses to reach
// any obligation kind.
type ObligationStore interface {
	Kind() models.ObligationKind
	WithTx(tx *gorm.DB) ObligationStore
	List(ctx context.Context, f ObligationFilter) ([]models.Obligation, error)
	ListOpen(ctx context.Context, f ObligationFilter) ([]models.Obligation, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Obligation, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*models.Obligation, error)
	// ApplySettlement writes the recomputed settled amount and status of ob.
	// It fails with ErrConcurrentModification when the row version no longer
	// matches ob.Version.
	ApplySettlement(ctx context.Context, ob models.Obligation, settled decimal.Decimal) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// ObligationRepository is the gorm-backed ObligationStore for one table.
type ObligationRepository[T models.ObligationRecord] struct {
	db   *gorm.DB
	kind models.ObligationKind
	// sided tables carry side/bank_account_id columns
	sided bool
}

func NewReceivableRepository(db *gorm.DB) *ObligationRepository[models.Receivable] {
	return &ObligationRepository[models.Receivable]{db: db, kind: models.KindReceivable}
}

func NewPayableRepository(db *gorm.DB) *ObligationRepository[models.Payable] {
	return &ObligationRepository[models.Payable]{db: db, kind: models.KindPayable}
}

func NewCustodyRepository(db *gorm.DB) *ObligationRepository[models.Custody] {
	return &ObligationRepository[models.Custody]{db: db, kind: models.KindCustody, sided: true}
}

func NewTransferLegRepository(db *gorm.DB) *ObligationRepository[models.TransferLeg] {
	return &ObligationRepository[models.TransferLeg]{db: db, kind: models.KindTransfer, sided: true}
}

func (r *ObligationRepository[T]) Kind() models.ObligationKind {
	return r.kind
}

func (r *ObligationRepository[T]) WithTx(tx *gorm.DB) ObligationStore {
	return &ObligationRepository[T]{db: tx, kind: r.kind, sided: r.sided}
}

func (r *ObligationRepository[T]) Create(ctx context.Context, rec *T) error {
	return r.db.WithContext(ctx).Create(rec).Error
}

// CreateIfAbsent inserts rec unless it collides with a unique key, and
// reports whether a row was written.
func (r *ObligationRepository[T]) CreateIfAbsent(ctx context.Context, rec *T) (bool, error) {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	return res.RowsAffected > 0, res.Error
}

func (r *ObligationRepository[T]) List(ctx context.Context, f ObligationFilter) ([]models.Obligation, error) {
	q := r.db.WithContext(ctx).Model(new(T))
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if r.sided {
		if f.Side != models.SideNone {
			q = q.Where("side = ?", f.Side)
		}
		if f.BankAccountID != nil && r.kind == models.KindTransfer {
			q = q.Where("bank_account_id = ?", *f.BankAccountID)
		}
	}

	var rows []T
	if err := q.Order("created_at ASC").Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list %s: %w", r.kind, err)
	}

	out := make([]models.Obligation, 0, len(rows))
	for _, row := range rows {
		ob := row.Obligation()
		// LIKE cannot fold accents, so the name filter runs here
		if f.Counterparty != "" && !textnorm.Contains(ob.CounterpartyName, f.Counterparty) {
			continue
		}
		out = append(out, ob)
	}
	return out, nil
}

// ListOpen returns obligations that still have an open balance.
func (r *ObligationRepository[T]) ListOpen(ctx context.Context, f ObligationFilter) ([]models.Obligation, error) {
	f.Statuses = models.OpenStatuses
	return r.List(ctx, f)
}

func (r *ObligationRepository[T]) Get(ctx context.Context, id uuid.UUID) (*models.Obligation, error) {
	return r.get(r.db.WithContext(ctx), id)
}

func (r *ObligationRepository[T]) GetForUpdate(ctx context.Context, id uuid.UUID) (*models.Obligation, error) {
	return r.get(r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), id)
}

func (r *ObligationRepository[T]) get(q *gorm.DB, id uuid.UUID) (*models.Obligation, error) {
	var rec T
	if err := q.First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound(string(r.kind), id)
		}
		return nil, err
	}
	ob := rec.Obligation()
	return &ob, nil
}

func (r *ObligationRepository[T]) ApplySettlement(ctx context.Context, ob models.Obligation, settled decimal.Decimal) error {
	res := r.db.WithContext(ctx).Model(new(T)).
		Where("id = ? AND version = ?", ob.Ref.ID, ob.Version).
		Updates(map[string]interface{}{
			"settled_amount": settled,
			"status":         models.DeriveStatus(ob.TotalAmount, settled),
			"version":        gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%s: %w", ob.Ref, apperrors.ErrConcurrentModification)
	}
	return nil
}

func (r *ObligationRepository[T]) Delete(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Delete(new(T), "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperrors.NotFound(string(r.kind), id)
	}
	return nil
}

// ObligationRegistry resolves a kind to its store.
type ObligationRegistry map[models.ObligationKind]ObligationStore

func NewObligationRegistry(stores ...ObligationStore) ObligationRegistry {
	reg := make(ObligationRegistry, len(stores))
	for _, s := range stores {
		reg[s.Kind()] = s
	}
	return reg
}

func (r ObligationRegistry) Store(kind models.ObligationKind) (ObligationStore, error) {
	s, ok := r[kind]
	if !ok {
		return nil, apperrors.Invalid("unknown obligation kind %q", kind)
	}
	return s, nil
}

// Kinds returns the registered kinds in a fixed order.
func (r ObligationRegistry) Kinds() []models.ObligationKind {
	kinds := make([]models.ObligationKind, 0, len(r))
	for k := range r {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
