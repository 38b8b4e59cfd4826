package obligation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"ledger-allocation-backend/internal/apperrors"
	"ledger-allocation-backend/internal/models"
	"ledger-allocation-backend/internal/repository"
	"ledger-allocation-backend/internal/testutil"
)

func newTestService(t *testing.T) *Service {
	db := testutil.NewDB(t)
	receivables := repository.NewReceivableRepository(db)
	payables := repository.NewPayableRepository(db)
	custodies := repository.NewCustodyRepository(db)
	legs := repository.NewTransferLegRepository(db)
	return NewService(
		receivables,
		payables,
		custodies,
		repository.NewTransferRepository(db),
		repository.NewObligationRegistry(receivables, payables, custodies, legs),
	)
}

func TestCreateValidates(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	account := uuid.New()

	tests := []struct {
		name string
		kind models.ObligationKind
		in   CreateInput
	}{
		{"zero amount", models.KindReceivable, CreateInput{CounterpartyName: "A", TotalAmount: testutil.Amount("0")}},
		{"missing counterparty", models.KindPayable, CreateInput{TotalAmount: testutil.Amount("10")}},
		{"custody without side", models.KindCustody, CreateInput{CounterpartyName: "A", TotalAmount: testutil.Amount("10")}},
		{"transfer to same account", models.KindTransfer, CreateInput{
			TotalAmount: testutil.Amount("10"), FromAccountID: account, ToAccountID: account, Date: time.Now(),
		}},
		{"unknown kind", models.ObligationKind("loan"), CreateInput{CounterpartyName: "A", TotalAmount: testutil.Amount("10")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Create(ctx, tt.kind, tt.in); !errors.Is(err, apperrors.ErrInvalidRequest) {
				t.Errorf("expected invalid request, got %v", err)
			}
		})
	}
}

func TestCreateTransferBuildsLegs(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	from, to := uuid.New(), uuid.New()

	rec, err := svc.Create(ctx, models.KindTransfer, CreateInput{
		TotalAmount:      testutil.Amount("250.00"),
		FromAccountID:    from,
		FromAccountLabel: "Operating",
		ToAccountID:      to,
		ToAccountLabel:   "Savings",
		Date:             testutil.Date(2024, time.March, 4),
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	tr := rec.(*models.Transfer)
	if len(tr.Legs) != 2 {
		t.Fatalf("expected 2 legs, got %d", len(tr.Legs))
	}

	outgoing, err := svc.List(ctx, models.KindTransfer, repository.ObligationFilter{Side: models.SideOutgoing})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(outgoing) != 1 || *outgoing[0].BankAccountID != from || outgoing[0].CounterpartyName != "Savings" {
		t.Errorf("unexpected outgoing leg: %+v", outgoing)
	}

	incoming, err := svc.List(ctx, models.KindTransfer, repository.ObligationFilter{BankAccountID: &to})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(incoming) != 1 || incoming[0].Side != models.SideIncoming || incoming[0].CounterpartyName != "Operating" {
		t.Errorf("unexpected incoming leg: %+v", incoming)
	}

	got, err := svc.Transfer(ctx, incoming[0].Ref.ID)
	if err != nil || got.ID != tr.ID {
		t.Errorf("expected leg to resolve to transfer %s, got %v / %v", tr.ID, got, err)
	}
}

func TestListFiltersCounterpartyWithoutAccents(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for _, name := range []string{"João Silva", "Maria Souza", "JOAO SILVEIRA"} {
		if _, err := svc.Create(ctx, models.KindReceivable, CreateInput{CounterpartyName: name, TotalAmount: testutil.Amount("10")}); err != nil {
			t.Fatalf("Create %s failed: %v", name, err)
		}
	}

	got, err := svc.List(ctx, models.KindReceivable, repository.ObligationFilter{Counterparty: "joão silv"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 matches, got %d", len(got))
	}

	if _, err := svc.Get(ctx, models.ObligationRef{Kind: models.KindReceivable, ID: uuid.New()}); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}
