package reconciliation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"ledger-allocation-backend/internal/apperrors"
	"ledger-allocation-backend/internal/models"
	"ledger-allocation-backend/internal/repository"
	"ledger-allocation-backend/internal/services/allocation"
	"ledger-allocation-backend/internal/services/matching"
	"ledger-allocation-backend/internal/testutil"
)

func newTestService(t *testing.T) (*ReconciliationService, *testutil.Fixtures) {
	t.Helper()
	db := testutil.NewDB(t)
	return newServiceFor(db, NewSessionStore(time.Hour)), testutil.NewFixtures(t, db)
}

func newServiceFor(db *gorm.DB, sessions *SessionStore) *ReconciliationService {
	payments := repository.NewPaymentRepository(db)
	allocations := repository.NewAllocationRepository(db)
	registry := repository.NewObligationRegistry(
		repository.NewReceivableRepository(db),
		repository.NewPayableRepository(db),
		repository.NewCustodyRepository(db),
		repository.NewTransferLegRepository(db),
	)
	ledger := allocation.NewService(db, payments, allocations, repository.NewTransferRepository(db), registry)
	return NewReconciliationService(
		payments,
		allocations,
		registry,
		repository.NewRunRepository(db),
		ledger,
		matching.NewEngine(matching.DefaultConfig()),
		sessions,
	)
}

func ref(kind models.ObligationKind, id uuid.UUID) models.ObligationRef {
	return models.ObligationRef{Kind: kind, ID: id}
}

func TestReconcileAutoCommitsNameMatch(t *testing.T) {
	svc, fx := newTestService(t)
	ctx := context.Background()

	p := fx.Payment(models.Inflow, "1500.00", testutil.Date(2024, time.March, 5), "Pagamento ref. João Silva")
	joao := fx.Receivable("João Silva", "1500.00")
	fx.Receivable("Maria Souza", "1500.00")

	res, err := svc.ReconcileMonth(ctx, 3, 2024)
	if err != nil {
		t.Fatalf("ReconcileMonth failed: %v", err)
	}
	if len(res.Committed) != 1 || len(res.Suggestions) != 0 {
		t.Fatalf("expected 1 commit and no suggestions, got %d / %d", len(res.Committed), len(res.Suggestions))
	}
	a := res.Committed[0]
	if a.PaymentID != p.ID || a.ObligationRef() != ref(models.KindReceivable, joao.ID) {
		t.Errorf("committed to the wrong pair: %+v", a)
	}
	if !a.EngineGenerated() || len(a.MatchDetails) == 0 {
		t.Errorf("expected engine allocation with match details, got %+v", a)
	}
	if got := fx.Obligation(ref(models.KindReceivable, joao.ID)).Status; got != models.StatusSettled {
		t.Errorf("expected João Silva settled, got %s", got)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	svc, fx := newTestService(t)
	ctx := context.Background()

	fx.Payment(models.Inflow, "1500.00", testutil.Date(2024, time.March, 5), "João Silva")
	fx.Receivable("João Silva", "1500.00")
	fx.Payment(models.Outflow, "800.00", testutil.Date(2024, time.March, 6), "boleto")
	fx.Payable("Papelaria Central", "800.00")
	fx.Payable("Contabilidade Lima", "800.00")

	first, err := svc.ReconcileMonth(ctx, 3, 2024)
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	second, err := svc.ReconcileMonth(ctx, 3, 2024)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	if len(first.Committed) != 1 {
		t.Errorf("expected 1 commit on first run, got %d", len(first.Committed))
	}
	if len(second.Committed) != 0 {
		t.Errorf("expected no commits on second run, got %d", len(second.Committed))
	}
	if len(first.Suggestions) != 1 || len(second.Suggestions) != 1 {
		t.Fatalf("expected 1 suggestion per run, got %d / %d", len(first.Suggestions), len(second.Suggestions))
	}
	a, b := first.Suggestions[0], second.Suggestions[0]
	if a.PaymentID != b.PaymentID || len(a.Candidates) != len(b.Candidates) {
		t.Fatalf("suggestions differ between runs: %+v vs %+v", a, b)
	}
	for i := range a.Candidates {
		if a.Candidates[i].Obligation.Ref != b.Candidates[i].Obligation.Ref {
			t.Errorf("candidate %d differs between runs", i)
		}
	}
	if first.RunID == second.RunID {
		t.Error("expected a new run id per run")
	}
}

func TestReconcileSeesBalancesCommittedEarlierInRun(t *testing.T) {
	svc, fx := newTestService(t)
	ctx := context.Background()

	// both payments name the same client; only the first may take it
	first := fx.Payment(models.Inflow, "500.00", testutil.Date(2024, time.March, 1), "Acme Ltda")
	fx.Payment(models.Inflow, "500.00", testutil.Date(2024, time.March, 2), "Acme Ltda")
	r := fx.Receivable("Acme Ltda", "500.00")

	res, err := svc.ReconcileMonth(ctx, 3, 2024)
	if err != nil {
		t.Fatalf("ReconcileMonth failed: %v", err)
	}
	if len(res.Committed) != 1 || res.Committed[0].PaymentID != first.ID {
		t.Fatalf("expected only the earlier payment committed, got %+v", res.Committed)
	}
	if len(res.Errors) != 0 {
		t.Errorf("expected no errors, got %v", res.Errors)
	}
	if got := fx.Obligation(ref(models.KindReceivable, r.ID)).SettledAmount; !got.Equal(testutil.Amount("500")) {
		t.Errorf("expected settled 500, got %s", got)
	}

	view, err := svc.Session(ctx, res.RunID)
	if err != nil {
		t.Fatalf("Session failed: %v", err)
	}
	if view.Run.Status != models.RunStatusCompleted || view.Run.AutoMatchedCount != 1 || view.Run.UnmatchedCount != 1 {
		t.Errorf("unexpected run summary: %+v", view.Run)
	}
}

func TestReconcileRespectsPeriod(t *testing.T) {
	svc, fx := newTestService(t)
	ctx := context.Background()

	fx.Payment(models.Inflow, "100.00", testutil.Date(2024, time.February, 29), "João Silva")
	fx.Payment(models.Inflow, "100.00", testutil.Date(2024, time.April, 1), "João Silva")
	fx.Receivable("João Silva", "100.00")

	res, err := svc.ReconcileMonth(ctx, 3, 2024)
	if err != nil {
		t.Fatalf("ReconcileMonth failed: %v", err)
	}
	if len(res.Committed) != 0 {
		t.Errorf("expected payments outside March to be ignored, got %d commits", len(res.Committed))
	}

	if _, err := svc.ReconcileMonth(ctx, 13, 2024); !errors.Is(err, apperrors.ErrInvalidRequest) {
		t.Errorf("expected invalid month to be rejected, got %v", err)
	}
}

func TestConfirmSuggestionCapsAmount(t *testing.T) {
	svc, fx := newTestService(t)
	ctx := context.Background()

	p := fx.Payment(models.Outflow, "800.00", testutil.Date(2024, time.March, 6), "boleto")
	a := fx.Payable("Papelaria Central", "800.00")
	fx.Payable("Contabilidade Lima", "800.00")
	small := fx.Payable("Correios", "300.00")

	res, err := svc.ReconcileMonth(ctx, 3, 2024)
	if err != nil {
		t.Fatalf("ReconcileMonth failed: %v", err)
	}
	if len(res.Suggestions) != 1 || res.Suggestions[0].Reason != matching.ReasonNoNameMatch {
		t.Fatalf("expected one no_name_match suggestion, got %+v", res.Suggestions)
	}

	// pick an obligation outside the candidate list; the open amount caps it
	smallRef := ref(models.KindPayable, small.ID)
	alloc, err := svc.ConfirmSuggestion(ctx, &res.RunID, p.ID, smallRef)
	if err != nil {
		t.Fatalf("ConfirmSuggestion failed: %v", err)
	}
	if !alloc.Amount.Equal(testutil.Amount("300")) || alloc.Source != models.SourceSuggestion {
		t.Errorf("expected a 300.00 suggestion allocation, got %s %s", alloc.Amount, alloc.Source)
	}

	// the rest of the payment goes to the 800.00 payable, leaving it partial
	aRef := ref(models.KindPayable, a.ID)
	alloc, err = svc.ConfirmSuggestion(ctx, nil, p.ID, aRef)
	if err != nil {
		t.Fatalf("second ConfirmSuggestion failed: %v", err)
	}
	if !alloc.Amount.Equal(testutil.Amount("500")) {
		t.Errorf("expected remaining 500.00, got %s", alloc.Amount)
	}
	if got := fx.Obligation(aRef).Status; got != models.StatusPartial {
		t.Errorf("expected partial, got %s", got)
	}

	_, err = svc.ConfirmSuggestion(ctx, nil, p.ID, aRef)
	if !errors.Is(err, apperrors.ErrAmountExceedsPaymentBalance) {
		t.Errorf("expected payment balance error once fully allocated, got %v", err)
	}

	view, err := svc.Session(ctx, res.RunID)
	if err != nil {
		t.Fatalf("Session failed: %v", err)
	}
	if view.Suggestions[0].State != StateConfirmed {
		t.Errorf("expected suggestion confirmed, got %s", view.Suggestions[0].State)
	}
}

func TestConfirmSuggestionDirectionGuard(t *testing.T) {
	svc, fx := newTestService(t)
	ctx := context.Background()

	p := fx.Payment(models.Inflow, "100.00", testutil.Date(2024, time.March, 6), "")
	payable := fx.Payable("Supplier", "100.00")

	_, err := svc.ConfirmSuggestion(ctx, nil, p.ID, ref(models.KindPayable, payable.ID))
	if !errors.Is(err, apperrors.ErrIncompatibleDirection) {
		t.Errorf("expected incompatible direction, got %v", err)
	}
}

func TestSkip(t *testing.T) {
	svc, fx := newTestService(t)
	ctx := context.Background()

	p := fx.Payment(models.Outflow, "800.00", testutil.Date(2024, time.March, 6), "boleto")
	fx.Payable("Papelaria Central", "800.00")
	fx.Payable("Contabilidade Lima", "800.00")

	res, err := svc.ReconcileMonth(ctx, 3, 2024)
	if err != nil {
		t.Fatalf("ReconcileMonth failed: %v", err)
	}

	if err := svc.Skip(res.RunID, p.ID); err != nil {
		t.Fatalf("Skip failed: %v", err)
	}
	view, _ := svc.Session(ctx, res.RunID)
	if view.Suggestions[0].State != StateSkipped {
		t.Errorf("expected skipped, got %s", view.Suggestions[0].State)
	}

	var n int64
	fx.DB.Model(&models.Allocation{}).Count(&n)
	if n != 0 {
		t.Errorf("skip must not persist anything, found %d allocations", n)
	}

	if err := svc.Skip(uuid.New(), p.ID); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected not found for unknown run, got %v", err)
	}
	if err := svc.Skip(res.RunID, uuid.New()); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected not found for unknown payment, got %v", err)
	}
}

func TestConfirmBatchReportsPartialFailure(t *testing.T) {
	svc, fx := newTestService(t)
	ctx := context.Background()

	p1 := fx.Payment(models.Outflow, "800.00", testutil.Date(2024, time.March, 6), "boleto 1")
	p2 := fx.Payment(models.Outflow, "200.00", testutil.Date(2024, time.March, 7), "boleto 2")
	a := fx.Payable("Papelaria Central", "800.00")
	fx.Payable("Contabilidade Lima", "800.00")
	b := fx.Payable("Correios", "200.00")
	fx.Payable("Transportadora", "200.00")

	res, err := svc.ReconcileMonth(ctx, 3, 2024)
	if err != nil {
		t.Fatalf("ReconcileMonth failed: %v", err)
	}
	if len(res.Suggestions) != 2 {
		t.Fatalf("expected 2 suggestions, got %d", len(res.Suggestions))
	}

	batch := svc.ConfirmBatch(ctx, &res.RunID, []ConfirmItem{
		{PaymentID: p1.ID, Obligation: ref(models.KindPayable, a.ID)},
		{PaymentID: p2.ID, Obligation: ref(models.KindPayable, a.ID)},
		{PaymentID: p2.ID, Obligation: ref(models.KindPayable, b.ID)},
	})

	if len(batch.Created) != 2 || len(batch.Failed) != 1 {
		t.Fatalf("expected 2 created / 1 failed, got %+v", batch)
	}
	if batch.Failed[0].Index != 1 || batch.Failed[0].Kind != apperrors.KindAmountExceedsObligationBalance {
		t.Errorf("unexpected failure: %+v", batch.Failed[0])
	}
	if batch.Summary != "created 2, failed 1" {
		t.Errorf("unexpected summary %q", batch.Summary)
	}
}

func TestSessionExpires(t *testing.T) {
	db := testutil.NewDB(t)
	sessions := NewSessionStore(time.Minute)
	now := time.Date(2024, time.March, 31, 12, 0, 0, 0, time.UTC)
	sessions.now = func() time.Time { return now }

	svc := newServiceFor(db, sessions)
	fx := testutil.NewFixtures(t, db)
	ctx := context.Background()

	p := fx.Payment(models.Outflow, "800.00", testutil.Date(2024, time.March, 6), "boleto")
	fx.Payable("Papelaria Central", "800.00")
	fx.Payable("Contabilidade Lima", "800.00")

	res, err := svc.ReconcileMonth(ctx, 3, 2024)
	if err != nil {
		t.Fatalf("ReconcileMonth failed: %v", err)
	}

	now = now.Add(2 * time.Minute)

	view, err := svc.Session(ctx, res.RunID)
	if err != nil {
		t.Fatalf("Session failed: %v", err)
	}
	if !view.Expired || len(view.Suggestions) != 0 {
		t.Errorf("expected expired session, got %+v", view)
	}
	if err := svc.Skip(res.RunID, p.ID); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected not found after expiry, got %v", err)
	}

	if _, err := svc.Session(ctx, uuid.New()); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected not found for unknown run, got %v", err)
	}
}

func TestReconcileDropsSuggestionTakenLaterInRun(t *testing.T) {
	svc, fx := newTestService(t)
	ctx := context.Background()

	// the first payment is only offered Acme; the second one names it and
	// takes it before the run ends
	unnamed := fx.Payment(models.Inflow, "500.00", testutil.Date(2024, time.March, 1), "deposito")
	named := fx.Payment(models.Inflow, "500.00", testutil.Date(2024, time.March, 2), "Acme Ltda")
	r := fx.Receivable("Acme Ltda", "500.00")

	first, err := svc.ReconcileMonth(ctx, 3, 2024)
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if len(first.Committed) != 1 || first.Committed[0].PaymentID != named.ID {
		t.Fatalf("expected the named payment committed, got %+v", first.Committed)
	}
	for _, sg := range first.Suggestions {
		if sg.PaymentID == unnamed.ID {
			t.Errorf("suggestion for %s points at an obligation settled in the same run", unnamed.ID)
		}
	}
	if got := fx.Obligation(ref(models.KindReceivable, r.ID)).Status; got != models.StatusSettled {
		t.Errorf("expected Acme settled, got %s", got)
	}

	view, err := svc.Session(ctx, first.RunID)
	if err != nil {
		t.Fatalf("Session failed: %v", err)
	}
	if view.Run.ProcessedCount != 2 || view.Run.SuggestedCount != 0 || view.Run.UnmatchedCount != 1 {
		t.Errorf("unexpected run summary: %+v", view.Run)
	}

	second, err := svc.ReconcileMonth(ctx, 3, 2024)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if len(second.Committed) != 0 || len(second.Suggestions) != len(first.Suggestions) {
		t.Errorf("expected the rerun to repeat the first run's suggestions, got %d commits / %d suggestions",
			len(second.Committed), len(second.Suggestions))
	}
}

func TestSuggestionLeavesProposedOnce(t *testing.T) {
	svc, fx := newTestService(t)
	ctx := context.Background()

	skipped := fx.Payment(models.Outflow, "800.00", testutil.Date(2024, time.March, 6), "boleto 1")
	confirmed := fx.Payment(models.Outflow, "200.00", testutil.Date(2024, time.March, 7), "boleto 2")
	a := fx.Payable("Papelaria Central", "800.00")
	fx.Payable("Contabilidade Lima", "800.00")
	b := fx.Payable("Correios", "200.00")
	fx.Payable("Transportadora", "200.00")

	res, err := svc.ReconcileMonth(ctx, 3, 2024)
	if err != nil {
		t.Fatalf("ReconcileMonth failed: %v", err)
	}
	if len(res.Suggestions) != 2 {
		t.Fatalf("expected 2 suggestions, got %d", len(res.Suggestions))
	}

	if err := svc.Skip(res.RunID, skipped.ID); err != nil {
		t.Fatalf("Skip failed: %v", err)
	}
	if _, err := svc.ConfirmSuggestion(ctx, &res.RunID, skipped.ID, ref(models.KindPayable, a.ID)); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected not found when confirming a skipped suggestion, got %v", err)
	}
	if err := svc.Skip(res.RunID, skipped.ID); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected not found when skipping twice, got %v", err)
	}

	if _, err := svc.ConfirmSuggestion(ctx, &res.RunID, confirmed.ID, ref(models.KindPayable, b.ID)); err != nil {
		t.Fatalf("ConfirmSuggestion failed: %v", err)
	}
	if _, err := svc.ConfirmSuggestion(ctx, &res.RunID, confirmed.ID, ref(models.KindPayable, b.ID)); !errors.Is(err, apperrors.ErrInvalidRequest) {
		t.Errorf("expected invalid request when confirming twice, got %v", err)
	}
	if err := svc.Skip(res.RunID, confirmed.ID); !errors.Is(err, apperrors.ErrInvalidRequest) {
		t.Errorf("expected invalid request when skipping a confirmed suggestion, got %v", err)
	}

	var n int64
	fx.DB.Model(&models.Allocation{}).Where("payment_id = ?", skipped.ID).Count(&n)
	if n != 0 {
		t.Errorf("skipped payment must stay unallocated, found %d allocations", n)
	}

	view, err := svc.Session(ctx, res.RunID)
	if err != nil {
		t.Fatalf("Session failed: %v", err)
	}
	states := map[uuid.UUID]SuggestionState{}
	for _, sg := range view.Suggestions {
		states[sg.PaymentID] = sg.State
	}
	if states[skipped.ID] != StateSkipped || states[confirmed.ID] != StateConfirmed {
		t.Errorf("unexpected states: %v", states)
	}
}

func TestReconcileMarksRunFailedWhenPoolCannotLoad(t *testing.T) {
	svc, fx := newTestService(t)
	ctx := context.Background()

	fx.Payment(models.Inflow, "100.00", testutil.Date(2024, time.March, 5), "João Silva")
	if err := fx.DB.Migrator().DropTable(&models.Custody{}); err != nil {
		t.Fatalf("failed to drop custody table: %v", err)
	}

	res, err := svc.ReconcileMonth(ctx, 3, 2024)
	if err == nil {
		t.Fatal("expected the run to fail")
	}
	if res == nil || res.RunID == uuid.Nil {
		t.Fatalf("expected a partial result with the run id, got %+v", res)
	}

	run, err := svc.runs.Get(ctx, res.RunID)
	if err != nil {
		t.Fatalf("failed to load run: %v", err)
	}
	if run.Status != models.RunStatusFailed || run.CompletedAt == nil || run.ErrorCount != 1 {
		t.Errorf("expected a closed failed run, got %+v", run)
	}

	view, err := svc.Session(ctx, res.RunID)
	if err != nil {
		t.Fatalf("Session failed: %v", err)
	}
	if !view.Expired {
		t.Error("a failed run must not leave a suggestion session")
	}
}

// cancelAfter reports cancellation once Err has been asked n times. Done
// stays nil so the database driver never sees it.
type cancelAfter struct {
	context.Context
	n int
}

func (c *cancelAfter) Err() error {
	if c.n <= 0 {
		return context.Canceled
	}
	c.n--
	return nil
}

func TestReconcileReturnsCommitsMadeBeforeCancel(t *testing.T) {
	svc, fx := newTestService(t)

	acme := fx.Payment(models.Inflow, "500.00", testutil.Date(2024, time.March, 1), "Acme Ltda")
	fx.Payment(models.Inflow, "700.00", testutil.Date(2024, time.March, 2), "Beta Servicos")
	fx.Receivable("Acme Ltda", "500.00")
	beta := fx.Receivable("Beta Servicos", "700.00")

	res, err := svc.ReconcileMonth(&cancelAfter{Context: context.Background(), n: 1}, 3, 2024)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if res == nil || len(res.Committed) != 1 || res.Committed[0].PaymentID != acme.ID {
		t.Fatalf("expected the first commit to be returned, got %+v", res)
	}
	if got := fx.Obligation(ref(models.KindReceivable, beta.ID)).Status; got != models.StatusOpen {
		t.Errorf("expected Beta untouched, got %s", got)
	}

	run, err := svc.runs.Get(context.Background(), res.RunID)
	if err != nil {
		t.Fatalf("failed to load run: %v", err)
	}
	if run.Status != models.RunStatusFailed || run.AutoMatchedCount != 1 {
		t.Errorf("expected failed run with 1 commit, got %+v", run)
	}
}

func TestListRuns(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := svc.ReconcileMonth(ctx, 3, 2024); err != nil {
			t.Fatalf("ReconcileMonth failed: %v", err)
		}
	}

	runs, err := svc.ListRuns(ctx, 2)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].StartedAt.Before(runs[1].StartedAt) {
		t.Error("expected newest run first")
	}
}
