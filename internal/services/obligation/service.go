package obligation

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledger-allocation-backend/internal/apperrors"
	"ledger-allocation-backend/internal/models"
	"ledger-allocation-backend/internal/repository"
)

// Service registers obligations. Settlement state is owned by the allocation
// ledger and is only ever initialised here.
type Service struct {
	receivables *repository.ObligationRepository[models.Receivable]
	payables    *repository.ObligationRepository[models.Payable]
	custodies   *repository.ObligationRepository[models.Custody]
	transfers   *repository.TransferRepository
	registry    repository.ObligationRegistry
}

func NewService(
	receivables *repository.ObligationRepository[models.Receivable],
	payables *repository.ObligationRepository[models.Payable],
	custodies *repository.ObligationRepository[models.Custody],
	transfers *repository.TransferRepository,
	registry repository.ObligationRegistry,
) *Service {
	return &Service{
		receivables: receivables,
		payables:    payables,
		custodies:   custodies,
		transfers:   transfers,
		registry:    registry,
	}
}

type CreateInput struct {
	Number           string
	CounterpartyName string
	Description      string
	Side             models.Side
	TotalAmount      decimal.Decimal
	DueDate          *time.Time

	// transfer only
	FromAccountID    uuid.UUID
	FromAccountLabel string
	ToAccountID      uuid.UUID
	ToAccountLabel   string
	Date             time.Time
}

// Create stores a new obligation of kind and returns the stored record. A
// transfer is returned with both legs.
func (s *Service) Create(ctx context.Context, kind models.ObligationKind, in CreateInput) (any, error) {
	if !in.TotalAmount.IsPositive() {
		return nil, apperrors.Invalid("total_amount must be positive")
	}
	total := in.TotalAmount.Round(2)
	name := strings.TrimSpace(in.CounterpartyName)
	if in.DueDate != nil {
		due := in.DueDate.UTC()
		in.DueDate = &due
	}
	if kind != models.KindTransfer && name == "" {
		return nil, apperrors.Invalid("counterparty_name is required")
	}

	var (
		rec any
		id  uuid.UUID
		err error
	)
	switch kind {
	case models.KindReceivable:
		number := strings.TrimSpace(in.Number)
		if number == "" {
			number = uuid.New().String()
		}
		r := &models.Receivable{
			ID:               uuid.New(),
			Number:           number,
			CounterpartyName: name,
			Description:      in.Description,
			DueDate:          in.DueDate,
			Settlement:       models.NewSettlement(total),
		}
		rec, id, err = r, r.ID, s.receivables.Create(ctx, r)

	case models.KindPayable:
		p := &models.Payable{
			ID:               uuid.New(),
			CounterpartyName: name,
			Description:      in.Description,
			DueDate:          in.DueDate,
			Settlement:       models.NewSettlement(total),
		}
		rec, id, err = p, p.ID, s.payables.Create(ctx, p)

	case models.KindCustody:
		if in.Side != models.SideAsset && in.Side != models.SideLiability {
			return nil, apperrors.Invalid("custody side must be asset or liability")
		}
		c := &models.Custody{
			ID:               uuid.New(),
			CounterpartyName: name,
			Side:             in.Side,
			Description:      in.Description,
			DueDate:          in.DueDate,
			Settlement:       models.NewSettlement(total),
		}
		rec, id, err = c, c.ID, s.custodies.Create(ctx, c)

	case models.KindTransfer:
		if in.FromAccountID == uuid.Nil || in.ToAccountID == uuid.Nil {
			return nil, apperrors.Invalid("from_account_id and to_account_id are required")
		}
		if in.FromAccountID == in.ToAccountID {
			return nil, apperrors.Invalid("a transfer needs two different accounts")
		}
		if in.Date.IsZero() {
			return nil, apperrors.Invalid("date is required")
		}
		t := &models.Transfer{
			FromAccountID:    in.FromAccountID,
			FromAccountLabel: in.FromAccountLabel,
			ToAccountID:      in.ToAccountID,
			ToAccountLabel:   in.ToAccountLabel,
			Amount:           total,
			Date:             in.Date.UTC(),
			Description:      in.Description,
		}
		err = s.transfers.Create(ctx, t)
		rec, id = t, t.ID

	default:
		return nil, apperrors.Invalid("unknown obligation kind %q", kind)
	}
	if err != nil {
		return nil, err
	}

	slog.Info("Obligation created", "kind", kind, "id", id, "total", total.StringFixed(2))
	return rec, nil
}

func (s *Service) List(ctx context.Context, kind models.ObligationKind, f repository.ObligationFilter) ([]models.Obligation, error) {
	store, err := s.registry.Store(kind)
	if err != nil {
		return nil, err
	}
	return store.List(ctx, f)
}

func (s *Service) Get(ctx context.Context, ref models.ObligationRef) (*models.Obligation, error) {
	store, err := s.registry.Store(ref.Kind)
	if err != nil {
		return nil, err
	}
	return store.Get(ctx, ref.ID)
}

// Transfer returns the transfer a leg belongs to.
func (s *Service) Transfer(ctx context.Context, legID uuid.UUID) (*models.Transfer, error) {
	return s.transfers.GetByLeg(ctx, legID)
}
