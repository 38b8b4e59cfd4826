package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"ledger-allocation-backend/internal/apperrors"
	"ledger-allocation-backend/internal/models"
)

var statusByKind = map[string]int{
	apperrors.KindNotFound:                       http.StatusNotFound,
	apperrors.KindInvalidRequest:                 http.StatusBadRequest,
	apperrors.KindAmountExceedsPaymentBalance:    http.StatusUnprocessableEntity,
	apperrors.KindAmountExceedsObligationBalance: http.StatusUnprocessableEntity,
	apperrors.KindIncompatibleDirection:          http.StatusUnprocessableEntity,
	apperrors.KindConcurrentModification:         http.StatusConflict,
	apperrors.KindReferentialDeleteBlocked:       http.StatusConflict,
}

// respondError writes err as {error, kind, remaining?}.
func respondError(c *gin.Context, err error) {
	respondErrorWith(c, err, nil)
}

// respondErrorWith adds extra fields to the error body.
func respondErrorWith(c *gin.Context, err error, extra gin.H) {
	kind := apperrors.KindOf(err)
	status, ok := statusByKind[kind]
	if !ok {
		status = http.StatusInternalServerError
	}

	body := gin.H{"error": err.Error(), "kind": kind}
	for k, v := range extra {
		body[k] = v
	}
	var be *apperrors.BalanceError
	if errors.As(err, &be) {
		body["remaining"] = be.Remaining.StringFixed(2)
	}
	if status == http.StatusInternalServerError {
		slog.Error("Request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
		body["error"] = "internal error"
	}
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg, "kind": apperrors.KindInvalidRequest})
}

func parseID(c *gin.Context, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		badRequest(c, "invalid "+param)
		return uuid.Nil, false
	}
	return id, true
}

func parseRef(c *gin.Context, kind, id string) (models.ObligationRef, bool) {
	k, err := models.ParseObligationKind(kind)
	if err != nil {
		badRequest(c, err.Error())
		return models.ObligationRef{}, false
	}
	u, err := uuid.Parse(id)
	if err != nil {
		badRequest(c, "invalid obligation_id")
		return models.ObligationRef{}, false
	}
	return models.ObligationRef{Kind: k, ID: u}, true
}

func parseOptionalID(c *gin.Context, s, name string) (*uuid.UUID, bool) {
	if s == "" {
		return nil, true
	}
	id, err := uuid.Parse(s)
	if err != nil {
		badRequest(c, "invalid "+name)
		return nil, false
	}
	return &id, true
}

// actor names who performed a write, for the audit log.
func actor(c *gin.Context) string {
	if a := c.GetHeader("X-Actor"); a != "" {
		return a
	}
	return "api"
}
