package allocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"ledger-allocation-backend/internal/apperrors"
	"ledger-allocation-backend/internal/metrics"
	"ledger-allocation-backend/internal/models"
	"ledger-allocation-backend/internal/repository"
)

// Service is the allocation ledger. Every write that changes an obligation's
// settled amount goes through CreateAllocation or DeleteAllocation, so row
// locking and the version check live only here.
type Service struct {
	db          *gorm.DB
	payments    *repository.PaymentRepository
	allocations *repository.AllocationRepository
	transfers   *repository.TransferRepository
	obligations repository.ObligationRegistry
}

func NewService(
	db *gorm.DB,
	payments *repository.PaymentRepository,
	allocations *repository.AllocationRepository,
	transfers *repository.TransferRepository,
	obligations repository.ObligationRegistry,
) *Service {
	return &Service{
		db:          db,
		payments:    payments,
		allocations: allocations,
		transfers:   transfers,
		obligations: obligations,
	}
}

// CreateInput describes one allocation. Amount is always explicit.
type CreateInput struct {
	PaymentID  uuid.UUID
	Obligation models.ObligationRef
	Amount     decimal.Decimal
	Note       string
	Source     models.AllocationSource
	Details    datatypes.JSON
	Actor      string
}

// CreateAllocation links a payment to an obligation for in.Amount. The
// allocation row, the obligation's recomputed settlement and the audit entry
// are written in one transaction.
func (s *Service) CreateAllocation(ctx context.Context, in CreateInput) (*models.Allocation, error) {
	amount := in.Amount.Round(2)
	if !amount.IsPositive() {
		return nil, apperrors.Invalid("amount must be positive")
	}
	if in.Source == "" {
		in.Source = models.SourceManual
	}
	store, err := s.obligations.Store(in.Obligation.Kind)
	if err != nil {
		return nil, err
	}

	var created *models.Allocation
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payments := s.payments.WithTx(tx)
		allocations := s.allocations.WithTx(tx)
		obligations := store.WithTx(tx)

		payment, err := payments.GetForUpdate(ctx, in.PaymentID)
		if err != nil {
			return err
		}
		ob, err := obligations.GetForUpdate(ctx, in.Obligation.ID)
		if err != nil {
			return err
		}
		if !models.Compatible(payment.Direction, *ob) {
			return fmt.Errorf("%s payment cannot settle %s: %w", payment.Direction, describe(*ob), apperrors.ErrIncompatibleDirection)
		}

		paymentAllocated, err := allocations.SumByPayment(ctx, payment.ID)
		if err != nil {
			return err
		}
		if remaining := floor(payment.Amount.Sub(paymentAllocated)); amount.GreaterThan(remaining) {
			return &apperrors.BalanceError{Err: apperrors.ErrAmountExceedsPaymentBalance, Requested: amount, Remaining: remaining}
		}

		settled, err := allocations.SumByObligation(ctx, ob.Ref)
		if err != nil {
			return err
		}
		if remaining := floor(ob.TotalAmount.Sub(settled)); amount.GreaterThan(remaining) {
			return &apperrors.BalanceError{Err: apperrors.ErrAmountExceedsObligationBalance, Requested: amount, Remaining: remaining}
		}

		a := &models.Allocation{
			ID:             uuid.New(),
			PaymentID:      payment.ID,
			ObligationKind: ob.Ref.Kind,
			ObligationID:   ob.Ref.ID,
			Amount:         amount,
			Note:           strings.TrimSpace(in.Note),
			Source:         in.Source,
			MatchDetails:   in.Details,
		}
		if err := allocations.Create(ctx, a); err != nil {
			return fmt.Errorf("failed to insert allocation: %w", err)
		}
		if err := obligations.ApplySettlement(ctx, *ob, settled.Add(amount)); err != nil {
			return err
		}
		if err := allocations.CreateAudit(ctx, auditEntry(a, models.AuditAllocationCreated, in.Actor)); err != nil {
			return fmt.Errorf("failed to write audit log: %w", err)
		}

		created = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Allocation created",
		"allocation_id", created.ID,
		"payment_id", created.PaymentID,
		"obligation", created.ObligationRef().String(),
		"amount", created.Amount.StringFixed(2),
		"source", created.Source,
	)
	metrics.AllocationCreated(string(created.Source))
	return created, nil
}

// DeleteAllocation unlinks an allocation and recomputes the obligation it
// pointed at.
func (s *Service) DeleteAllocation(ctx context.Context, id uuid.UUID, actor string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		allocations := s.allocations.WithTx(tx)

		a, err := allocations.Get(ctx, id)
		if err != nil {
			return err
		}
		store, err := s.obligations.Store(a.ObligationKind)
		if err != nil {
			return err
		}
		obligations := store.WithTx(tx)
		ob, err := obligations.GetForUpdate(ctx, a.ObligationID)
		if err != nil {
			return err
		}

		if err := allocations.Delete(ctx, a.ID); err != nil {
			return err
		}
		settled, err := allocations.SumByObligation(ctx, ob.Ref)
		if err != nil {
			return err
		}
		if err := obligations.ApplySettlement(ctx, *ob, settled); err != nil {
			return err
		}
		return allocations.CreateAudit(ctx, auditEntry(a, models.AuditAllocationDeleted, actor))
	})
	if err != nil {
		return err
	}

	slog.Info("Allocation deleted", "allocation_id", id)
	metrics.AllocationDeleted()
	return nil
}

func (s *Service) GetAllocation(ctx context.Context, id uuid.UUID) (*models.Allocation, error) {
	return s.allocations.Get(ctx, id)
}

func (s *Service) ListAllocationsForPayment(ctx context.Context, paymentID uuid.UUID) ([]models.Allocation, error) {
	if _, err := s.payments.Get(ctx, paymentID); err != nil {
		return nil, err
	}
	return s.allocations.ListByPayment(ctx, paymentID)
}

// PaymentAudit returns every allocation create and delete recorded against
// paymentID, including allocations that no longer exist.
func (s *Service) PaymentAudit(ctx context.Context, paymentID uuid.UUID) ([]models.AllocationAuditLog, error) {
	if _, err := s.payments.Get(ctx, paymentID); err != nil {
		return nil, err
	}
	return s.allocations.ListAudit(ctx, paymentID)
}

func (s *Service) ListAllocationsForObligation(ctx context.Context, ref models.ObligationRef) ([]models.Allocation, error) {
	if _, err := s.Obligation(ctx, ref); err != nil {
		return nil, err
	}
	return s.allocations.ListByObligation(ctx, ref)
}

// RemainingForPayment is the payment amount not yet allocated, floored at
// zero.
func (s *Service) RemainingForPayment(ctx context.Context, paymentID uuid.UUID) (decimal.Decimal, error) {
	p, err := s.payments.Get(ctx, paymentID)
	if err != nil {
		return decimal.Zero, err
	}
	allocated, err := s.allocations.SumByPayment(ctx, paymentID)
	if err != nil {
		return decimal.Zero, err
	}
	return floor(p.Amount.Sub(allocated)), nil
}

// RemainingForObligation is the obligation total not yet allocated, floored
// at zero. It is computed from the allocation rows, not the stored settled
// amount.
func (s *Service) RemainingForObligation(ctx context.Context, ref models.ObligationRef) (decimal.Decimal, error) {
	ob, err := s.Obligation(ctx, ref)
	if err != nil {
		return decimal.Zero, err
	}
	settled, err := s.allocations.SumByObligation(ctx, ref)
	if err != nil {
		return decimal.Zero, err
	}
	return floor(ob.TotalAmount.Sub(settled)), nil
}

// Obligation resolves ref through the registry.
func (s *Service) Obligation(ctx context.Context, ref models.ObligationRef) (*models.Obligation, error) {
	store, err := s.obligations.Store(ref.Kind)
	if err != nil {
		return nil, err
	}
	return store.Get(ctx, ref.ID)
}

func (s *Service) CreatePayment(ctx context.Context, p *models.Payment) error {
	if err := ValidatePayment(p); err != nil {
		return err
	}
	if err := s.payments.Create(ctx, p); err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}
	slog.Info("Payment created", "payment_id", p.ID, "direction", p.Direction, "amount", p.Amount.StringFixed(2))
	return nil
}

// PaymentBalance is a payment with its derived allocation totals.
type PaymentBalance struct {
	models.Payment
	Allocated   decimal.Decimal `json:"allocated"`
	Unallocated decimal.Decimal `json:"unallocated"`
}

func (s *Service) GetPayment(ctx context.Context, id uuid.UUID) (*PaymentBalance, error) {
	p, err := s.payments.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	allocated, err := s.allocations.SumByPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	return &PaymentBalance{Payment: *p, Allocated: allocated, Unallocated: floor(p.Amount.Sub(allocated))}, nil
}

func (s *Service) ListPayments(ctx context.Context, f repository.PaymentFilter) ([]PaymentBalance, error) {
	payments, err := s.payments.List(ctx, f)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, len(payments))
	for i := range payments {
		ids[i] = payments[i].ID
	}
	sums, err := s.allocations.SumsByPayments(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]PaymentBalance, len(payments))
	for i, p := range payments {
		allocated := sums[p.ID]
		out[i] = PaymentBalance{Payment: p, Allocated: allocated, Unallocated: floor(p.Amount.Sub(allocated))}
	}
	return out, nil
}

// DeletePayment removes a payment that has no allocations left.
func (s *Service) DeletePayment(ctx context.Context, id uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payments := s.payments.WithTx(tx)
		if _, err := payments.GetForUpdate(ctx, id); err != nil {
			return err
		}
		n, err := s.allocations.WithTx(tx).CountByPayment(ctx, id)
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("payment %s has %d allocation(s): %w", id, n, apperrors.ErrReferentialDeleteBlocked)
		}
		return payments.Delete(ctx, id)
	})
}

// DeleteObligation removes an obligation that has no allocations left. A
// transfer leg takes its whole transfer with it, so both legs must be free.
func (s *Service) DeleteObligation(ctx context.Context, ref models.ObligationRef) error {
	store, err := s.obligations.Store(ref.Kind)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		obligations := store.WithTx(tx)
		allocations := s.allocations.WithTx(tx)

		if _, err := obligations.GetForUpdate(ctx, ref.ID); err != nil {
			return err
		}

		refs := []models.ObligationRef{ref}
		var transfer *models.Transfer
		if ref.Kind == models.KindTransfer {
			transfer, err = s.transfers.WithTx(tx).GetByLeg(ctx, ref.ID)
			if err != nil {
				return err
			}
			refs = refs[:0]
			for _, leg := range transfer.Legs {
				refs = append(refs, models.ObligationRef{Kind: models.KindTransfer, ID: leg.ID})
			}
		}

		for _, r := range refs {
			n, err := allocations.CountByObligation(ctx, r)
			if err != nil {
				return err
			}
			if n > 0 {
				return fmt.Errorf("%s has %d allocation(s): %w", r, n, apperrors.ErrReferentialDeleteBlocked)
			}
		}

		if transfer != nil {
			return s.transfers.WithTx(tx).Delete(ctx, transfer.ID)
		}
		return obligations.Delete(ctx, ref.ID)
	})
}

// RegistrationRow is one obligation a newly registered payment settles.
type RegistrationRow struct {
	Obligation models.ObligationRef
	Amount     decimal.Decimal
	Note       string
}

// RowFailure reports why one row of a batch did not go through.
type RowFailure struct {
	Index      int                  `json:"index"`
	Obligation models.ObligationRef `json:"obligation"`
	Kind       string               `json:"kind"`
	Error      string               `json:"error"`
}

type RegistrationResult struct {
	Payment     *models.Payment     `json:"payment"`
	Allocations []models.Allocation `json:"allocations"`
	Failures    []RowFailure        `json:"failures"`
	Unallocated decimal.Decimal     `json:"unallocated"`
}

// RegisterPayment records a payment and settles the given obligations with
// it, one independent CreateAllocation per row. A failing row is reported and
// leaves the other rows committed.
func (s *Service) RegisterPayment(ctx context.Context, p *models.Payment, rows []RegistrationRow, actor string) (*RegistrationResult, error) {
	if err := s.CreatePayment(ctx, p); err != nil {
		return nil, err
	}

	res := &RegistrationResult{
		Payment:     p,
		Allocations: []models.Allocation{},
		Failures:    []RowFailure{},
	}
	for i, row := range rows {
		a, err := s.CreateAllocation(ctx, CreateInput{
			PaymentID:  p.ID,
			Obligation: row.Obligation,
			Amount:     row.Amount,
			Note:       row.Note,
			Source:     models.SourceRegistration,
			Actor:      actor,
		})
		if err != nil {
			res.Failures = append(res.Failures, RowFailure{
				Index:      i,
				Obligation: row.Obligation,
				Kind:       apperrors.KindOf(err),
				Error:      err.Error(),
			})
			continue
		}
		res.Allocations = append(res.Allocations, *a)
	}

	remaining, err := s.RemainingForPayment(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	res.Unallocated = remaining
	return res, nil
}

// ValidatePayment checks the fields a payment must carry before it is stored.
func ValidatePayment(p *models.Payment) error {
	if p.Direction != models.Inflow && p.Direction != models.Outflow {
		return apperrors.Invalid("direction must be inflow or outflow")
	}
	if !p.Amount.IsPositive() {
		return apperrors.Invalid("amount must be positive")
	}
	if p.BankAccountID == uuid.Nil {
		return apperrors.Invalid("bank_account_id is required")
	}
	if p.Date.IsZero() {
		return apperrors.Invalid("date is required")
	}
	p.Amount = p.Amount.Round(2)
	p.Date = p.Date.UTC()
	return nil
}

// IsRetryable reports whether err is worth retrying as-is.
func IsRetryable(err error) bool {
	return errors.Is(err, apperrors.ErrConcurrentModification)
}

func auditEntry(a *models.Allocation, action, actor string) *models.AllocationAuditLog {
	return &models.AllocationAuditLog{
		AllocationID:   a.ID,
		PaymentID:      a.PaymentID,
		ObligationKind: a.ObligationKind,
		ObligationID:   a.ObligationID,
		Action:         action,
		Source:         a.Source,
		Amount:         a.Amount,
		PerformedBy:    actor,
		Reason:         a.Note,
	}
}

func describe(ob models.Obligation) string {
	if ob.Side != models.SideNone {
		return fmt.Sprintf("%s (%s)", ob.Ref.Kind, ob.Side)
	}
	return string(ob.Ref.Kind)
}

func floor(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
