package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledger-allocation-backend/internal/csvimport"
	"ledger-allocation-backend/internal/models"
	"ledger-allocation-backend/internal/repository"
	"ledger-allocation-backend/internal/services/allocation"
	"ledger-allocation-backend/internal/services/obligation"
)

type ObligationHandler struct {
	obligations *obligation.Service
	ledger      *allocation.Service
}

func NewObligationHandler(obligations *obligation.Service, ledger *allocation.Service) *ObligationHandler {
	return &ObligationHandler{obligations: obligations, ledger: ledger}
}

type obligationRequest struct {
	Number           string          `json:"number"`
	CounterpartyName string          `json:"counterparty_name"`
	Description      string          `json:"description"`
	Side             string          `json:"side"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	DueDate          string          `json:"due_date"`

	FromAccountID    string `json:"from_account_id"`
	FromAccountLabel string `json:"from_account_label"`
	ToAccountID      string `json:"to_account_id"`
	ToAccountLabel   string `json:"to_account_label"`
	Date             string `json:"date"`
}

func (h *ObligationHandler) Create(c *gin.Context) {
	kind, err := models.ParseObligationKind(c.Param("kind"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	var payload obligationRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		badRequest(c, "invalid payload: "+err.Error())
		return
	}

	in := obligation.CreateInput{
		Number:           payload.Number,
		CounterpartyName: payload.CounterpartyName,
		Description:      payload.Description,
		Side:             models.Side(strings.ToLower(strings.TrimSpace(payload.Side))),
		TotalAmount:      payload.TotalAmount,
		FromAccountLabel: payload.FromAccountLabel,
		ToAccountLabel:   payload.ToAccountLabel,
	}
	if payload.DueDate != "" {
		due, err := csvimport.ParseDate(payload.DueDate)
		if err != nil {
			badRequest(c, "invalid due_date")
			return
		}
		in.DueDate = &due
	}
	if kind == models.KindTransfer {
		if in.FromAccountID, err = uuid.Parse(payload.FromAccountID); err != nil {
			badRequest(c, "invalid from_account_id")
			return
		}
		if in.ToAccountID, err = uuid.Parse(payload.ToAccountID); err != nil {
			badRequest(c, "invalid to_account_id")
			return
		}
		if in.Date, err = csvimport.ParseDate(payload.Date); err != nil {
			badRequest(c, "invalid date")
			return
		}
	}

	rec, err := h.obligations.Create(c.Request.Context(), kind, in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (h *ObligationHandler) List(c *gin.Context) {
	kind, err := models.ParseObligationKind(c.Param("kind"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	f := repository.ObligationFilter{
		Counterparty: c.Query("counterparty"),
		Side:         models.Side(c.Query("side")),
	}
	switch status := c.Query("status"); status {
	case "", "all":
	case "open_or_partial":
		f.Statuses = models.OpenStatuses
	default:
		for _, s := range strings.Split(status, ",") {
			f.Statuses = append(f.Statuses, models.ObligationStatus(strings.TrimSpace(s)))
		}
	}
	account, ok := parseOptionalID(c, c.Query("bank_account_id"), "bank_account_id")
	if !ok {
		return
	}
	f.BankAccountID = account

	items, err := h.obligations.List(c.Request.Context(), kind, f)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// Get returns the obligation with its remaining balance and allocations.
func (h *ObligationHandler) Get(c *gin.Context) {
	ref, ok := parseRef(c, c.Param("kind"), c.Param("id"))
	if !ok {
		return
	}
	ctx := c.Request.Context()

	ob, err := h.obligations.Get(ctx, ref)
	if err != nil {
		respondError(c, err)
		return
	}
	remaining, err := h.ledger.RemainingForObligation(ctx, ref)
	if err != nil {
		respondError(c, err)
		return
	}
	allocations, err := h.ledger.ListAllocationsForObligation(ctx, ref)
	if err != nil {
		respondError(c, err)
		return
	}

	body := gin.H{
		"obligation":  ob,
		"remaining":   remaining,
		"allocations": allocations,
	}
	if ref.Kind == models.KindTransfer {
		transfer, err := h.obligations.Transfer(ctx, ref.ID)
		if err != nil {
			respondError(c, err)
			return
		}
		body["transfer"] = transfer
	}
	c.JSON(http.StatusOK, body)
}

func (h *ObligationHandler) Delete(c *gin.Context) {
	ref, ok := parseRef(c, c.Param("kind"), c.Param("id"))
	if !ok {
		return
	}
	if err := h.ledger.DeleteObligation(c.Request.Context(), ref); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
