package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledger-allocation-backend/internal/services/allocation"
)

type AllocationHandler struct {
	service *allocation.Service
}

func NewAllocationHandler(s *allocation.Service) *AllocationHandler {
	return &AllocationHandler{service: s}
}

type createAllocationRequest struct {
	PaymentID      string          `json:"payment_id" binding:"required"`
	ObligationKind string          `json:"obligation_kind" binding:"required"`
	ObligationID   string          `json:"obligation_id" binding:"required"`
	Amount         decimal.Decimal `json:"amount"`
	Note           string          `json:"note"`
}

func (h *AllocationHandler) Create(c *gin.Context) {
	var payload createAllocationRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		badRequest(c, "invalid payload: "+err.Error())
		return
	}
	paymentID, err := uuid.Parse(payload.PaymentID)
	if err != nil {
		badRequest(c, "invalid payment_id")
		return
	}
	ref, ok := parseRef(c, payload.ObligationKind, payload.ObligationID)
	if !ok {
		return
	}

	a, err := h.service.CreateAllocation(c.Request.Context(), allocation.CreateInput{
		PaymentID:  paymentID,
		Obligation: ref,
		Amount:     payload.Amount,
		Note:       payload.Note,
		Actor:      actor(c),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (h *AllocationHandler) Get(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	a, err := h.service.GetAllocation(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *AllocationHandler) Delete(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.service.DeleteAllocation(c.Request.Context(), id, actor(c)); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *AllocationHandler) ListForPayment(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	items, err := h.service.ListAllocationsForPayment(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// PaymentAudit lists the allocation audit trail of a payment, oldest first.
func (h *AllocationHandler) PaymentAudit(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	items, err := h.service.PaymentAudit(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *AllocationHandler) ListForObligation(c *gin.Context) {
	ref, ok := parseRef(c, c.Param("kind"), c.Param("id"))
	if !ok {
		return
	}
	items, err := h.service.ListAllocationsForObligation(c.Request.Context(), ref)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}
