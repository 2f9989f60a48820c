package inventory

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/backoffice/internal/workflow"
)

// TransactionType enumerates supported inventory movements.
type TransactionType string

const (
	// TransactionTypeIn represents an inbound movement.
	TransactionTypeIn TransactionType = "IN"
	// TransactionTypeOut represents an outbound movement.
	TransactionTypeOut TransactionType = "OUT"
)

// Transaction models the header of an inventory transaction.
type Transaction struct {
	ID          int64
	Code        string
	Type        TransactionType
	WarehouseID int64
	RefModule   string
	RefID       string
	Note        string
	PostedAt    time.Time
	CreatedBy   int64
}

// TransactionLine models one product movement line. Qty is signed.
type TransactionLine struct {
	TransactionID int64
	ProductID     int64
	Qty           decimal.Decimal
	UnitCost      decimal.Decimal
}

// Balance summarises stock in warehouse per product.
type Balance struct {
	WarehouseID int64           `json:"warehouse_id"`
	ProductID   int64           `json:"product_id"`
	Qty         decimal.Decimal `json:"qty"`
	AvgCost     decimal.Decimal `json:"avg_cost"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// StockCardEntry describes an inventory card row.
type StockCardEntry struct {
	TxCode      string          `json:"tx_code"`
	TxType      TransactionType `json:"tx_type"`
	PostedAt    time.Time       `json:"posted_at"`
	QtyIn       decimal.Decimal `json:"qty_in"`
	QtyOut      decimal.Decimal `json:"qty_out"`
	BalanceQty  decimal.Decimal `json:"balance_qty"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	BalanceCost decimal.Decimal `json:"balance_cost"`
	Note        string          `json:"note"`
}

// Posting moves every line in or out of one warehouse as a single unit.
// Code must be unique per posting; it keys idempotency.
type Posting struct {
	Code        string
	WarehouseID int64
	Lines       []PostingLine
	Note        string
	ActorID     int64
	RefModule   string
	RefID       string
}

// PostingLine is one product of a Posting. Qty is always positive; the
// direction comes from the operation.
type PostingLine struct {
	ProductID int64
	Qty       decimal.Decimal
	UnitCost  decimal.Decimal
}

// StockCardFilter filters card entries.
type StockCardFilter struct {
	WarehouseID int64
	ProductID   int64
	From        time.Time
	To          time.Time
	Limit       int
}

var (
	// ErrNegativeStock triggered when movement would result negative qty.
	ErrNegativeStock = fmt.Errorf("inventory: %w", workflow.ErrInsufficientStock)
	// ErrInvalidQuantity indicates invalid qty.
	ErrInvalidQuantity = workflow.Invalid("qty", "must be positive")
	// ErrInvalidUnitCost indicates invalid cost value.
	ErrInvalidUnitCost = workflow.Invalid("unit_cost", "must be >= 0")
	// ErrMissingReference indicates warehouse or product is absent.
	ErrMissingReference = workflow.Invalid("", "inventory requires warehouse and product")
	// ErrAlreadyPosted indicates the movement code was applied earlier.
	ErrAlreadyPosted = errors.New("inventory: movement already posted")
	// ErrBalanceNotFound indicates missing balance row.
	ErrBalanceNotFound = errors.New("inventory: balance not found")
)
