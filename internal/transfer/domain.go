// Package transfer implements stock transfers between two warehouses:
// a draft is handed off by the sender, the receiver confirms quantities, and
// the transfer completes only once every line is fully received.
package transfer

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/backoffice/internal/money"
	"github.com/odyssey-erp/backoffice/internal/workflow"
)

// Status of a transfer document.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Machine is the transfer transition table.
var Machine = workflow.NewMachine("transfer", map[Status][]Status{
	StatusDraft:   {StatusPending, StatusCancelled},
	StatusPending: {StatusCompleted, StatusCancelled},
})

// WarehouseRef identifies a stock location owned by the warehouse registry.
type WarehouseRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Item is one product line. Quantity is fixed once the document exists;
// ReceivedQuantity changes only while the transfer is pending.
type Item struct {
	ID               int64           `json:"id"`
	ProductID        int64           `json:"product_id"`
	ProductName      string          `json:"product_name,omitempty"`
	Quantity         decimal.Decimal `json:"quantity"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
	ReceivedQuantity decimal.Decimal `json:"received_quantity"`

	// IssuedCost is the moving-average cost the source warehouse issued the
	// line at on submit. Completion and cancellation book stock at it.
	IssuedCost decimal.Decimal `json:"issued_cost"`
}

func (i Item) LineQuantity() decimal.Decimal  { return i.Quantity }
func (i Item) LineUnitPrice() decimal.Decimal { return i.UnitPrice }
func (i Item) LineReceived() decimal.Decimal  { return i.ReceivedQuantity }

// Document is a stock transfer.
type Document struct {
	ID            int64        `json:"id"`
	Code          string       `json:"code"`
	FromWarehouse WarehouseRef `json:"from_warehouse"`
	ToWarehouse   WarehouseRef `json:"to_warehouse"`
	Status        Status       `json:"status"`
	Items         []Item       `json:"items"`
	TransferDate  time.Time    `json:"transfer_date"`
	Note          string       `json:"note,omitempty"`
	CancelReason  string       `json:"cancel_reason,omitempty"`
	CreatedBy     int64        `json:"created_by"`
	Version       int64        `json:"version"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	SubmittedAt   *time.Time   `json:"submitted_at,omitempty"`
	CompletedAt   *time.Time   `json:"completed_at,omitempty"`
	CancelledAt   *time.Time   `json:"cancelled_at,omitempty"`
}

// TotalQuantity sums the sent quantity.
func (d Document) TotalQuantity() decimal.Decimal { return money.TotalQuantity(d.Items) }

// TotalReceived sums the confirmed received quantity.
func (d Document) TotalReceived() decimal.Decimal { return money.TotalReceived(d.Items) }

// TotalValue is the value of the goods sent.
func (d Document) TotalValue() decimal.Decimal { return money.TotalAmount(d.Items) }

// MarshalJSON adds the derived totals.
func (d Document) MarshalJSON() ([]byte, error) {
	type plain Document
	return json.Marshal(struct {
		plain
		TotalQuantity decimal.Decimal `json:"total_quantity"`
		TotalReceived decimal.Decimal `json:"total_received_quantity"`
		TotalValue    decimal.Decimal `json:"total_value"`
	}{plain(d), d.TotalQuantity(), d.TotalReceived(), d.TotalValue()})
}

// IsFullyReceived reports whether every line received at least its quantity.
func IsFullyReceived(d Document) bool {
	return len(Shortages(d)) == 0
}

// Shortages lists the lines received below their quantity.
func Shortages(d Document) []workflow.Shortage {
	var out []workflow.Shortage
	for _, item := range d.Items {
		if item.ReceivedQuantity.LessThan(item.Quantity) {
			out = append(out, workflow.Shortage{
				ItemID:    item.ID,
				ProductID: item.ProductID,
				Expected:  item.Quantity,
				Received:  item.ReceivedQuantity,
				Short:     item.Quantity.Sub(item.ReceivedQuantity),
			})
		}
	}
	return out
}

func (d Document) item(id int64) (int, bool) {
	for i, item := range d.Items {
		if item.ID == id {
			return i, true
		}
	}
	return -1, false
}

// CreateInput describes a new transfer.
type CreateInput struct {
	FromWarehouseID int64       `json:"from_warehouse_id" validate:"required,gt=0"`
	ToWarehouseID   int64       `json:"to_warehouse_id" validate:"required,gt=0,nefield=FromWarehouseID"`
	TransferDate    time.Time   `json:"transfer_date"`
	Note            string      `json:"note" validate:"max=1000"`
	Items           []ItemInput `json:"items" validate:"dive"`
}

// ItemInput describes one line of a new transfer.
type ItemInput struct {
	ProductID   int64           `json:"product_id" validate:"required,gt=0"`
	ProductName string          `json:"product_name" validate:"max=255"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

// Receipt sets the received quantity of one line.
type Receipt struct {
	ItemID   int64           `json:"item_id" validate:"required,gt=0"`
	Quantity decimal.Decimal `json:"quantity"`
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
