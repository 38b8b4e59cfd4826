package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	service "ledger-allocation-backend/internal/services/reconciliation"
)

type ReconciliationHandler struct {
	service *service.ReconciliationService
}

func NewReconciliationHandler(s *service.ReconciliationService) *ReconciliationHandler {
	return &ReconciliationHandler{service: s}
}

// Run reconciles one calendar month.
func (h *ReconciliationHandler) Run(c *gin.Context) {
	var payload struct {
		Month int `json:"month" binding:"required"`
		Year  int `json:"year" binding:"required"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		badRequest(c, "month and year are required")
		return
	}

	res, err := h.service.ReconcileMonth(c.Request.Context(), payload.Month, payload.Year)
	if err != nil {
		if res != nil {
			// stopped mid-run; report what was already committed
			respondErrorWith(c, err, gin.H{"run_id": res.RunID, "committed": res.Committed})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type confirmItem struct {
	PaymentID      string `json:"payment_id" binding:"required"`
	ObligationKind string `json:"obligation_kind" binding:"required"`
	ObligationID   string `json:"obligation_id" binding:"required"`
}

func (h *ReconciliationHandler) Confirm(c *gin.Context) {
	var payload struct {
		RunID string `json:"run_id"`
		confirmItem
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		badRequest(c, "invalid payload: "+err.Error())
		return
	}
	runID, ok := parseOptionalID(c, payload.RunID, "run_id")
	if !ok {
		return
	}
	item, ok := parseConfirmItem(c, payload.confirmItem)
	if !ok {
		return
	}

	a, err := h.service.ConfirmSuggestion(c.Request.Context(), runID, item.PaymentID, item.Obligation)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

// ConfirmBulk confirms every item independently and reports per-item
// failures alongside the created allocations.
func (h *ReconciliationHandler) ConfirmBulk(c *gin.Context) {
	var payload struct {
		RunID string        `json:"run_id"`
		Items []confirmItem `json:"items" binding:"required,dive"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		badRequest(c, "invalid payload: "+err.Error())
		return
	}
	runID, ok := parseOptionalID(c, payload.RunID, "run_id")
	if !ok {
		return
	}

	items := make([]service.ConfirmItem, 0, len(payload.Items))
	for _, raw := range payload.Items {
		item, ok := parseConfirmItem(c, raw)
		if !ok {
			return
		}
		items = append(items, item)
	}

	c.JSON(http.StatusOK, h.service.ConfirmBatch(c.Request.Context(), runID, items))
}

func (h *ReconciliationHandler) Skip(c *gin.Context) {
	var payload struct {
		RunID     string `json:"run_id" binding:"required"`
		PaymentID string `json:"payment_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		badRequest(c, "run_id and payment_id are required")
		return
	}
	runID, err := uuid.Parse(payload.RunID)
	if err != nil {
		badRequest(c, "invalid run_id")
		return
	}
	paymentID, err := uuid.Parse(payload.PaymentID)
	if err != nil {
		badRequest(c, "invalid payment_id")
		return
	}

	if err := h.service.Skip(runID, paymentID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetRun returns the persisted summary of a run and the live state of its
// suggestions.
func (h *ReconciliationHandler) GetRun(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	view, err := h.service.Session(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// ListRuns returns recent runs, newest first. limit defaults to 20.
func (h *ReconciliationHandler) ListRuns(c *gin.Context) {
	limit := 0
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			badRequest(c, "limit must be a positive integer")
			return
		}
		limit = n
	}
	runs, err := h.service.ListRuns(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": runs})
}

func parseConfirmItem(c *gin.Context, raw confirmItem) (service.ConfirmItem, bool) {
	paymentID, err := uuid.Parse(raw.PaymentID)
	if err != nil {
		badRequest(c, "invalid payment_id")
		return service.ConfirmItem{}, false
	}
	ref, ok := parseRef(c, raw.ObligationKind, raw.ObligationID)
	if !ok {
		return service.ConfirmItem{}, false
	}
	return service.ConfirmItem{PaymentID: paymentID, Obligation: ref}, true
}
