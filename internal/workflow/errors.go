package workflow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrValidation indicates malformed or incomplete input to an operation.
	ErrValidation = errors.New("workflow: validation failed")
	// ErrInvalidTransition indicates the document state forbids the operation.
	ErrInvalidTransition = errors.New("workflow: invalid state transition")
	// ErrIncompleteReceipt indicates completion was attempted before every line was received.
	ErrIncompleteReceipt = errors.New("workflow: receipt incomplete")
	// ErrNotFound indicates the document does not exist.
	ErrNotFound = errors.New("workflow: document not found")
	// ErrForbidden indicates the acting warehouse is not a party to the step.
	ErrForbidden = errors.New("workflow: acting warehouse not permitted")
	// ErrInsufficientStock indicates a stock side effect would drive a balance negative.
	ErrInsufficientStock = errors.New("insufficient stock")
)

// ValidationError describes a single rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

// Invalid builds a *ValidationError.
func Invalid(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// Is matches ErrValidation.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// TransitionError reports a forbidden status change, or an operation the
// current status does not allow when To is empty.
type TransitionError struct {
	Workflow string
	From     string
	To       string
	Op       string
}

// NotAllowed reports that op cannot run while the document is in status from.
func NotAllowed(workflow, op, from string) *TransitionError {
	return &TransitionError{Workflow: workflow, From: from, Op: op}
}

func (e *TransitionError) Error() string {
	if e.To == "" {
		return fmt.Sprintf("%s cannot %s while %s", e.Workflow, e.Op, e.From)
	}
	return fmt.Sprintf("%s cannot move from %s to %s", e.Workflow, e.From, e.To)
}

// Is matches ErrInvalidTransition.
func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// Shortage describes one under-received line.
type Shortage struct {
	ItemID    int64           `json:"item_id"`
	ProductID int64           `json:"product_id"`
	Expected  decimal.Decimal `json:"expected"`
	Received  decimal.Decimal `json:"received"`
	Short     decimal.Decimal `json:"short"`
}

// IncompleteReceiptError lists every short line of a document.
type IncompleteReceiptError struct {
	Shortages []Shortage
}

func (e *IncompleteReceiptError) Error() string {
	parts := make([]string, 0, len(e.Shortages))
	for _, s := range e.Shortages {
		parts = append(parts, fmt.Sprintf("item %d short by %s", s.ItemID, s.Short.String()))
	}
	return "receipt incomplete: " + strings.Join(parts, ", ")
}

// Is matches ErrIncompleteReceipt.
func (e *IncompleteReceiptError) Is(target error) bool { return target == ErrIncompleteReceipt }

// ForbiddenError names the warehouse a step requires.
type ForbiddenError struct {
	Step     string
	Required int64
	Acting   int64
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("%s must be performed by warehouse %d, not %d", e.Step, e.Required, e.Acting)
}

// Is matches ErrForbidden.
func (e *ForbiddenError) Is(target error) bool { return target == ErrForbidden }
