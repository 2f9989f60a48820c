// Package purchasing implements supplier purchase orders and purchase
// returns. Both share one lifecycle: a draft is completed or cancelled, and
// completion moves stock into (orders) or out of (returns) a warehouse.
package purchasing

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/backoffice/internal/inventory"
	"github.com/odyssey-erp/backoffice/internal/money"
	"github.com/odyssey-erp/backoffice/internal/workflow"
)

// Status of a purchasing document.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusDraft: {StatusCompleted, StatusCancelled},
}

// Kind configures one document family.
type Kind struct {
	// Name identifies the family in errors, metrics and audit records.
	Name       string
	CodePrefix string
	// Direction is the stock movement booked on completion.
	Direction inventory.TransactionType

	table      string
	itemTable  string
	dateColumn string
}

var (
	// KindPurchaseOrder receives goods from a supplier.
	KindPurchaseOrder = Kind{
		Name:       "purchase_order",
		CodePrefix: "PO",
		Direction:  inventory.TransactionTypeIn,
		table:      "purchase_orders",
		itemTable:  "purchase_order_items",
		dateColumn: "import_date",
	}
	// KindReturn sends goods back to a supplier.
	KindReturn = Kind{
		Name:       "purchase_return",
		CodePrefix: "RT",
		Direction:  inventory.TransactionTypeOut,
		table:      "purchase_returns",
		itemTable:  "purchase_return_items",
		dateColumn: "created_at",
	}
)

// PartnerRef identifies the supplier on a document.
type PartnerRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// WarehouseRef identifies the warehouse stock moves through.
type WarehouseRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Item is one product line.
type Item struct {
	ID          int64           `json:"id"`
	ProductID   int64           `json:"product_id"`
	ProductName string          `json:"product_name,omitempty"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

func (i Item) LineQuantity() decimal.Decimal  { return i.Quantity }
func (i Item) LineUnitPrice() decimal.Decimal { return i.UnitPrice }

// Document is a purchase order or purchase return.
type Document struct {
	ID          int64           `json:"id"`
	Kind        string          `json:"kind"`
	Code        string          `json:"code"`
	Status      Status          `json:"status"`
	Partner     *PartnerRef     `json:"partner,omitempty"`
	Warehouse   WarehouseRef    `json:"warehouse"`
	Items       []Item          `json:"items"`
	Discount    decimal.Decimal `json:"discount"`
	PaidAmount  decimal.Decimal `json:"paid_amount"`
	DocDate     time.Time       `json:"doc_date"`
	Note        string          `json:"note,omitempty"`
	CreatedBy   int64           `json:"created_by"`
	Version     int64           `json:"version"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	CancelledAt *time.Time      `json:"cancelled_at,omitempty"`
}

// Summary derives the money fields.
func (d Document) Summary() money.Summary {
	return money.Summarize(d.Items, d.Discount, d.PaidAmount)
}

// MarshalJSON adds the derived money fields.
func (d Document) MarshalJSON() ([]byte, error) {
	type plain Document
	sum := d.Summary()
	return json.Marshal(struct {
		plain
		TotalQuantity decimal.Decimal `json:"total_quantity"`
		TotalAmount   decimal.Decimal `json:"total_amount"`
		FinalAmount   decimal.Decimal `json:"final_amount"`
		DebtAmount    decimal.Decimal `json:"debt_amount"`
	}{plain(d), money.TotalQuantity(d.Items), sum.TotalAmount, sum.FinalAmount, sum.DebtAmount})
}

// Input creates or replaces a document. Status chooses between saving a
// draft and completing in the same call.
type Input struct {
	Status      Status          `json:"status" validate:"omitempty,oneof=draft completed"`
	PartnerID   int64           `json:"partner_id" validate:"omitempty,gt=0"`
	WarehouseID int64           `json:"warehouse_id" validate:"required,gt=0"`
	DocDate     time.Time       `json:"doc_date"`
	Discount    decimal.Decimal `json:"discount"`
	PaidAmount  decimal.Decimal `json:"paid_amount"`
	Note        string          `json:"note" validate:"max=1000"`
	Items       []ItemInput     `json:"items" validate:"dive"`
}

// ItemInput describes one line.
type ItemInput struct {
	ProductID   int64           `json:"product_id" validate:"required,gt=0"`
	ProductName string          `json:"product_name" validate:"max=255"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

// DeleteFailure explains why one id was not deleted.
type DeleteFailure struct {
	ID     int64  `json:"id"`
	Reason string `json:"reason"`
}

// DeleteResult reports a best-effort bulk deletion.
type DeleteResult struct {
	Deleted int             `json:"deleted"`
	Failed  []DeleteFailure `json:"failed"`
}

func completable(d Document) error {
	if len(d.Items) == 0 {
		return workflow.Invalid("items", "must not be empty")
	}
	if d.Partner == nil || d.Partner.ID == 0 {
		return workflow.Invalid("partner_id", "is required")
	}
	return nil
}
