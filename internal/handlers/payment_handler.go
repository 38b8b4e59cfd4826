package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledger-allocation-backend/internal/apperrors"
	"ledger-allocation-backend/internal/csvimport"
	"ledger-allocation-backend/internal/models"
	"ledger-allocation-backend/internal/repository"
	"ledger-allocation-backend/internal/services/allocation"
)

type PaymentHandler struct {
	service  *allocation.Service
	importer *csvimport.Importer
}

func NewPaymentHandler(s *allocation.Service, im *csvimport.Importer) *PaymentHandler {
	return &PaymentHandler{service: s, importer: im}
}

type paymentRequest struct {
	BankAccountID string          `json:"bank_account_id" binding:"required"`
	Direction     string          `json:"direction" binding:"required"`
	Amount        decimal.Decimal `json:"amount"`
	Date          string          `json:"date" binding:"required"`
	Note          string          `json:"note"`
}

func (r paymentRequest) toModel() (*models.Payment, error) {
	account, err := uuid.Parse(r.BankAccountID)
	if err != nil {
		return nil, apperrors.Invalid("invalid bank_account_id")
	}
	dir, err := models.ParseDirection(r.Direction)
	if err != nil {
		return nil, apperrors.Invalid("%v", err)
	}
	date, err := csvimport.ParseDate(r.Date)
	if err != nil {
		return nil, apperrors.Invalid("%v", err)
	}
	return &models.Payment{
		BankAccountID: account,
		Direction:     dir,
		Amount:        r.Amount,
		Date:          date,
		Note:          r.Note,
	}, nil
}

func (h *PaymentHandler) Create(c *gin.Context) {
	var payload paymentRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		badRequest(c, "invalid payload: "+err.Error())
		return
	}
	p, err := payload.toModel()
	if err != nil {
		respondError(c, err)
		return
	}
	if err := h.service.CreatePayment(c.Request.Context(), p); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h *PaymentHandler) List(c *gin.Context) {
	var f repository.PaymentFilter
	if s := c.Query("from"); s != "" {
		from, err := csvimport.ParseDate(s)
		if err != nil {
			badRequest(c, "invalid from date")
			return
		}
		f.From = &from
	}
	if s := c.Query("to"); s != "" {
		to, err := csvimport.ParseDate(s)
		if err != nil {
			badRequest(c, "invalid to date")
			return
		}
		f.To = &to
	}
	account, ok := parseOptionalID(c, c.Query("bank_account_id"), "bank_account_id")
	if !ok {
		return
	}
	f.BankAccountID = account
	if s := c.Query("direction"); s != "" {
		dir, err := models.ParseDirection(s)
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		f.Direction = dir
	}

	items, err := h.service.ListPayments(c.Request.Context(), f)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *PaymentHandler) Get(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	p, err := h.service.GetPayment(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *PaymentHandler) Delete(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.service.DeletePayment(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Register records a payment and settles several obligations with it in one
// request. Rows fail independently.
func (h *PaymentHandler) Register(c *gin.Context) {
	var payload struct {
		Payment     paymentRequest `json:"payment"`
		Allocations []struct {
			ObligationKind string          `json:"obligation_kind" binding:"required"`
			ObligationID   string          `json:"obligation_id" binding:"required"`
			Amount         decimal.Decimal `json:"amount"`
			Note           string          `json:"note"`
		} `json:"allocations" binding:"dive"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		badRequest(c, "invalid payload: "+err.Error())
		return
	}
	p, err := payload.Payment.toModel()
	if err != nil {
		respondError(c, err)
		return
	}

	rows := make([]allocation.RegistrationRow, 0, len(payload.Allocations))
	for _, raw := range payload.Allocations {
		ref, ok := parseRef(c, raw.ObligationKind, raw.ObligationID)
		if !ok {
			return
		}
		rows = append(rows, allocation.RegistrationRow{Obligation: ref, Amount: raw.Amount, Note: raw.Note})
	}

	res, err := h.service.RegisterPayment(c.Request.Context(), p, rows, actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// Upload imports a bank statement CSV. bank_account_id in the form applies
// to rows that leave the column empty.
func (h *PaymentHandler) Upload(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		badRequest(c, "file required")
		return
	}
	defer file.Close()

	var opts csvimport.StatementOptions
	account, ok := parseOptionalID(c, c.PostForm("bank_account_id"), "bank_account_id")
	if !ok {
		return
	}
	if account != nil {
		opts.BankAccountID = *account
	}

	report, err := h.importer.ImportStatement(c.Request.Context(), file, opts)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"file": header.Filename, "report": report})
}

func (h *PaymentHandler) UploadReceivables(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		badRequest(c, "file required")
		return
	}
	defer file.Close()

	report, err := h.importer.ImportReceivables(c.Request.Context(), file)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"file": header.Filename, "report": report})
}
