// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/odyssey-erp/backoffice/internal/workflow"
)

// ErrBadRequest marks undecodable request bodies or parameters.
var ErrBadRequest = errors.New("bad request")

// RespondError maps domain errors to HTTP responses using RFC7807. Unknown
// errors are logged and reported without detail.
func RespondError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var (
		validationErr *workflow.ValidationError
		transitionErr *workflow.TransitionError
		receiptErr    *workflow.IncompleteReceiptError
	)
	switch {
	case errors.As(err, &receiptErr):
		JSON(w, http.StatusUnprocessableEntity, ProblemDetail{
			Type:      "incomplete-receipt",
			Title:     "Incomplete Receipt",
			Status:    http.StatusUnprocessableEntity,
			Detail:    err.Error(),
			Shortages: receiptErr.Shortages,
		})
	case errors.As(err, &validationErr):
		JSON(w, http.StatusBadRequest, ProblemDetail{
			Type:   "validation",
			Title:  "Validation Failed",
			Status: http.StatusBadRequest,
			Detail: err.Error(),
			Field:  validationErr.Field,
		})
	case errors.As(err, &transitionErr):
		JSON(w, http.StatusConflict, ProblemDetail{
			Type:   "invalid-state-transition",
			Title:  "Invalid State Transition",
			Status: http.StatusConflict,
			Detail: err.Error(),
			From:   transitionErr.From,
			To:     transitionErr.To,
		})
	case errors.Is(err, workflow.ErrValidation), errors.Is(err, ErrBadRequest):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, workflow.ErrInvalidTransition):
		Problem(w, http.StatusConflict, "Invalid State Transition", err.Error())
	case errors.Is(err, workflow.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, workflow.ErrForbidden):
		Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, workflow.ErrInsufficientStock):
		Problem(w, http.StatusConflict, "Insufficient Stock", err.Error())
	default:
		if logger != nil {
			logger.Error("unhandled error", slog.Any("error", err))
		}
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
