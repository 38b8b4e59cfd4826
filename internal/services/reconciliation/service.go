package reconciliation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"ledger-allocation-backend/internal/apperrors"
	"ledger-allocation-backend/internal/metrics"
	"ledger-allocation-backend/internal/models"
	"ledger-allocation-backend/internal/repository"
	"ledger-allocation-backend/internal/services/allocation"
	"ledger-allocation-backend/internal/services/matching"
)

const engineActor = "matching-engine"

type ReconciliationService struct {
	payments    *repository.PaymentRepository
	allocations *repository.AllocationRepository
	obligations repository.ObligationRegistry
	runs        *repository.RunRepository
	ledger      *allocation.Service
	engine      *matching.Engine
	sessions    *SessionStore
}

func NewReconciliationService(
	payments *repository.PaymentRepository,
	allocations *repository.AllocationRepository,
	obligations repository.ObligationRegistry,
	runs *repository.RunRepository,
	ledger *allocation.Service,
	engine *matching.Engine,
	sessions *SessionStore,
) *ReconciliationService {
	return &ReconciliationService{
		payments:    payments,
		allocations: allocations,
		obligations: obligations,
		runs:        runs,
		ledger:      ledger,
		engine:      engine,
		sessions:    sessions,
	}
}

type Result struct {
	RunID       uuid.UUID           `json:"run_id"`
	Committed   []models.Allocation `json:"committed"`
	Suggestions []Suggestion        `json:"suggestions"`
	Errors      []string            `json:"errors"`
}

// ReconcileMonth runs Reconcile over one calendar month in UTC.
func (s *ReconciliationService) ReconcileMonth(ctx context.Context, month, year int) (*Result, error) {
	if month < 1 || month > 12 {
		return nil, apperrors.Invalid("month must be between 1 and 12")
	}
	if year < 1900 || year > 9999 {
		return nil, apperrors.Invalid("year out of range")
	}
	start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	return s.Reconcile(ctx, start, start.AddDate(0, 1, 0))
}

// Reconcile matches every payment dated in [start, end) that still has an
// unallocated balance. Unambiguous matches are committed one transaction at
// a time; the rest become suggestions in a new session. Running it again
// over the same period commits nothing new and suggests the same pairs.
//
// If the run stops early, the run is marked failed and the allocations
// committed so far are returned together with the error.
func (s *ReconciliationService) Reconcile(ctx context.Context, start, end time.Time) (*Result, error) {
	start, end = start.UTC(), end.UTC()
	if !end.After(start) {
		return nil, apperrors.Invalid("period end must be after period start")
	}

	run := &models.ReconciliationRun{
		ID:          uuid.New(),
		PeriodStart: start,
		PeriodEnd:   end,
	}
	if err := s.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create reconciliation run: %w", err)
	}
	res := &Result{
		RunID:       run.ID,
		Committed:   []models.Allocation{},
		Suggestions: []Suggestion{},
		Errors:      []string{},
	}

	pending, err := s.pendingPayments(ctx, start, end)
	if err != nil {
		return s.abort(ctx, run, res, err)
	}
	pool, err := s.loadPool(ctx)
	if err != nil {
		return s.abort(ctx, run, res, err)
	}
	run.ProcessedCount = len(pending)

	// A commit can take the only candidate of a payment evaluated before it,
	// so deferred payments are evaluated again until a pass commits nothing.
	// Commits only shrink the pool, which bounds the number of passes.
	for len(pending) > 0 {
		var deferred []evaluation
		committed := false
		for _, pp := range pending {
			if err := ctx.Err(); err != nil {
				return s.abort(ctx, run, res, err)
			}

			out := s.engine.Evaluate(pp.payment, pp.unallocated, pool.items)
			switch out.Decision {
			case matching.DecisionAutoCommit:
				metrics.MatchDecision(string(out.Decision))
				if s.commit(ctx, pp, out, pool, res) {
					committed = true
				}
			case matching.DecisionSuggest:
				deferred = append(deferred, evaluation{pendingPayment: pp, outcome: out})
			default:
				metrics.MatchDecision(string(out.Decision))
				run.UnmatchedCount++
			}
		}

		if !committed {
			for _, ev := range deferred {
				metrics.MatchDecision(string(ev.outcome.Decision))
				res.Suggestions = append(res.Suggestions, ev.suggestion())
			}
			break
		}
		pending = pending[:0]
		for _, ev := range deferred {
			pending = append(pending, ev.pendingPayment)
		}
	}

	s.tally(run, res)
	if err := s.runs.MarkCompleted(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to complete reconciliation run: %w", err)
	}
	s.sessions.Put(run.ID, res.Suggestions)

	slog.Info("Reconciliation run completed",
		"run_id", run.ID,
		"period_start", start.Format(time.DateOnly),
		"period_end", end.Format(time.DateOnly),
		"processed", run.ProcessedCount,
		"committed", run.AutoMatchedCount,
		"suggested", run.SuggestedCount,
		"unmatched", run.UnmatchedCount,
		"errors", run.ErrorCount,
	)
	return res, nil
}

type pendingPayment struct {
	payment     models.Payment
	unallocated decimal.Decimal
}

type evaluation struct {
	pendingPayment
	outcome matching.Outcome
}

func (ev evaluation) suggestion() Suggestion {
	return Suggestion{
		PaymentID:   ev.payment.ID,
		PaymentDate: ev.payment.Date,
		PaymentNote: ev.payment.Note,
		Direction:   ev.payment.Direction,
		Unallocated: ev.unallocated,
		Reason:      ev.outcome.Reason,
		Candidates:  ev.outcome.Candidates,
		State:       StateProposed,
	}
}

// pendingPayments lists the payments of the period that still have an
// unallocated balance, oldest first.
func (s *ReconciliationService) pendingPayments(ctx context.Context, start, end time.Time) ([]pendingPayment, error) {
	payments, err := s.payments.List(ctx, repository.PaymentFilter{From: &start, To: &end})
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, len(payments))
	for i := range payments {
		ids[i] = payments[i].ID
	}
	allocated, err := s.allocations.SumsByPayments(ctx, ids)
	if err != nil {
		return nil, err
	}

	pending := make([]pendingPayment, 0, len(payments))
	for _, p := range payments {
		unallocated := p.Amount.Sub(allocated[p.ID])
		if unallocated.IsPositive() {
			pending = append(pending, pendingPayment{payment: p, unallocated: unallocated})
		}
	}
	return pending, nil
}

// commit writes an engine allocation for an auto-commit outcome and reports
// whether it was stored. A rejected commit is recorded in res.Errors.
func (s *ReconciliationService) commit(ctx context.Context, pp pendingPayment, out matching.Outcome, pool *obligationPool, res *Result) bool {
	target := out.Target.Obligation
	a, err := s.ledger.CreateAllocation(ctx, allocation.CreateInput{
		PaymentID:  pp.payment.ID,
		Obligation: target.Ref,
		Amount:     decimal.Min(pp.unallocated, target.Remaining()),
		Source:     models.SourceEngine,
		Details:    out.Details(pp.payment, pp.unallocated),
		Actor:      engineActor,
	})
	if err != nil {
		slog.Warn("Auto-commit failed", "payment_id", pp.payment.ID, "obligation", target.Ref.String(), "error", err)
		res.Errors = append(res.Errors, fmt.Sprintf("payment %s: %v", pp.payment.ID, err))
		metrics.CommitError()
		return false
	}
	pool.settle(target.Ref, a.Amount)
	res.Committed = append(res.Committed, *a)
	return true
}

func (s *ReconciliationService) tally(run *models.ReconciliationRun, res *Result) {
	run.AutoMatchedCount = len(res.Committed)
	run.SuggestedCount = len(res.Suggestions)
	run.ErrorCount = len(res.Errors)
	if len(res.Errors) > 0 {
		raw, _ := json.Marshal(res.Errors)
		run.Errors = datatypes.JSON(raw)
	}
}

// abort closes run as failed and hands back what was committed before cause
// stopped it. No session is stored for a failed run.
func (s *ReconciliationService) abort(ctx context.Context, run *models.ReconciliationRun, res *Result, cause error) (*Result, error) {
	res.Suggestions = []Suggestion{}
	res.Errors = append(res.Errors, cause.Error())
	s.tally(run, res)
	if err := s.runs.MarkFailed(context.WithoutCancel(ctx), run); err != nil {
		slog.Error("Failed to mark reconciliation run failed", "run_id", run.ID, "error", err)
	}

	slog.Error("Reconciliation run stopped",
		"run_id", run.ID,
		"committed", run.AutoMatchedCount,
		"error", cause,
	)
	return res, cause
}

// ListRuns returns the most recent runs first.
func (s *ReconciliationService) ListRuns(ctx context.Context, limit int) ([]models.ReconciliationRun, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.runs.ListRecent(ctx, limit)
}

// ConfirmSuggestion allocates the payment's remaining balance, capped at the
// obligation's open amount, to ref. runID is optional; when given, the
// suggestion in that session is marked confirmed.
func (s *ReconciliationService) ConfirmSuggestion(ctx context.Context, runID *uuid.UUID, paymentID uuid.UUID, ref models.ObligationRef) (*models.Allocation, error) {
	if runID != nil {
		if _, err := s.sessions.Lookup(*runID, paymentID); err != nil {
			return nil, err
		}
	}

	paymentRemaining, err := s.ledger.RemainingForPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	obligationRemaining, err := s.ledger.RemainingForObligation(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !paymentRemaining.IsPositive() {
		return nil, &apperrors.BalanceError{Err: apperrors.ErrAmountExceedsPaymentBalance, Requested: obligationRemaining, Remaining: decimal.Zero}
	}
	if !obligationRemaining.IsPositive() {
		return nil, &apperrors.BalanceError{Err: apperrors.ErrAmountExceedsObligationBalance, Requested: paymentRemaining, Remaining: decimal.Zero}
	}

	in := allocation.CreateInput{
		PaymentID:  paymentID,
		Obligation: ref,
		Amount:     decimal.Min(paymentRemaining, obligationRemaining),
		Source:     models.SourceSuggestion,
	}
	if runID != nil {
		in.Note = "confirmed from reconciliation run " + runID.String()
	}
	a, err := s.ledger.CreateAllocation(ctx, in)
	if err != nil {
		return nil, err
	}

	if runID != nil {
		// the allocation is committed; a session that expired meanwhile is
		// not worth failing the request over
		if err := s.sessions.Confirm(*runID, paymentID, ref); err != nil {
			slog.Debug("Session gone before confirm was recorded", "run_id", *runID, "error", err)
		}
	}
	return a, nil
}

// Skip removes a suggestion from the working set of runID.
func (s *ReconciliationService) Skip(runID, paymentID uuid.UUID) error {
	return s.sessions.Skip(runID, paymentID)
}

type ConfirmItem struct {
	PaymentID  uuid.UUID            `json:"payment_id"`
	Obligation models.ObligationRef `json:"obligation"`
}

type ItemFailure struct {
	Index      int                  `json:"index"`
	PaymentID  uuid.UUID            `json:"payment_id"`
	Obligation models.ObligationRef `json:"obligation"`
	Kind       string               `json:"kind"`
	Error      string               `json:"error"`
}

type BatchResult struct {
	Created []models.Allocation `json:"created"`
	Failed  []ItemFailure       `json:"failed"`
	Summary string              `json:"summary"`
}

// ConfirmBatch confirms each item on its own. A failing item does not undo
// the others.
func (s *ReconciliationService) ConfirmBatch(ctx context.Context, runID *uuid.UUID, items []ConfirmItem) *BatchResult {
	res := &BatchResult{
		Created: []models.Allocation{},
		Failed:  []ItemFailure{},
	}
	for i, item := range items {
		a, err := s.ConfirmSuggestion(ctx, runID, item.PaymentID, item.Obligation)
		if err != nil {
			res.Failed = append(res.Failed, ItemFailure{
				Index:      i,
				PaymentID:  item.PaymentID,
				Obligation: item.Obligation,
				Kind:       apperrors.KindOf(err),
				Error:      err.Error(),
			})
			continue
		}
		res.Created = append(res.Created, *a)
	}
	res.Summary = fmt.Sprintf("created %d, failed %d", len(res.Created), len(res.Failed))
	return res
}

type SessionView struct {
	Run         *models.ReconciliationRun `json:"run"`
	Suggestions []Suggestion              `json:"suggestions"`
	// Expired is set when the run exists but its suggestions have been
	// discarded.
	Expired bool `json:"expired"`
}

// Session returns the persisted summary of runID and the current state of
// its suggestions.
func (s *ReconciliationService) Session(ctx context.Context, runID uuid.UUID) (*SessionView, error) {
	run, err := s.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	suggestions, ok := s.sessions.Get(runID)
	if !ok {
		return &SessionView{Run: run, Suggestions: []Suggestion{}, Expired: true}, nil
	}
	return &SessionView{Run: run, Suggestions: suggestions}, nil
}

// obligationPool is the open obligation set of one run. Commits update it so
// later payments in the same run see the new balances.
type obligationPool struct {
	items []models.Obligation
	index map[models.ObligationRef]int
}

func (s *ReconciliationService) loadPool(ctx context.Context) (*obligationPool, error) {
	pool := &obligationPool{index: make(map[models.ObligationRef]int)}
	for _, kind := range s.obligations.Kinds() {
		store, err := s.obligations.Store(kind)
		if err != nil {
			return nil, err
		}
		open, err := store.ListOpen(ctx, repository.ObligationFilter{})
		if err != nil {
			return nil, err
		}
		for _, ob := range open {
			pool.index[ob.Ref] = len(pool.items)
			pool.items = append(pool.items, ob)
		}
	}
	slog.Debug("Obligation pool loaded", "count", len(pool.items))
	return pool, nil
}

func (p *obligationPool) settle(ref models.ObligationRef, amount decimal.Decimal) {
	i, ok := p.index[ref]
	if !ok {
		return
	}
	ob := &p.items[i]
	ob.SettledAmount = ob.SettledAmount.Add(amount)
	ob.Status = models.DeriveStatus(ob.TotalAmount, ob.SettledAmount)
	ob.Version++
}
