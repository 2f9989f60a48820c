package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/backoffice/internal/inventory"
	"github.com/odyssey-erp/backoffice/internal/money"
	"github.com/odyssey-erp/backoffice/internal/query"
	"github.com/odyssey-erp/backoffice/internal/shared"
	"github.com/odyssey-erp/backoffice/internal/workflow"
)

const (
	cacheScope = "transfers"
	refModule  = "TRANSFER"
)

// ErrStaleVersion is returned by TxRepository.Update when the row changed
// after it was read.
var ErrStaleVersion = errors.New("transfer: stale document version")

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Document, error)
	List(ctx context.Context, filter query.Filter) ([]Document, int, error)
	ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]Document, error)
	Warehouse(ctx context.Context, id int64) (WarehouseRef, error)
}

// TxRepository exposes transactional operations used by Service.
type TxRepository interface {
	Insert(ctx context.Context, doc *Document) error
	GetForUpdate(ctx context.Context, id int64) (Document, error)
	// Update persists header fields and received quantities when the stored
	// version still equals expectedVersion, then bumps the version.
	Update(ctx context.Context, doc Document, expectedVersion int64) error
	Delete(ctx context.Context, id int64) error
}

// StockPort posts the stock movements of a transfer.
type StockPort interface {
	Receive(ctx context.Context, p inventory.Posting) ([]inventory.StockCardEntry, error)
	Issue(ctx context.Context, p inventory.Posting) ([]inventory.StockCardEntry, error)
}

// ListCache caches list pages and drops them when documents change.
type ListCache interface {
	FetchJSON(ctx context.Context, scope, key string, dest any, loader func(context.Context) (any, error)) error
	Bump(ctx context.Context, scope string) error
}

// TransitionRecorder observes the outcome of every state-changing operation.
type TransitionRecorder interface {
	RecordTransition(workflow, op string, err error)
}

// ServiceConfig groups optional collaborators.
type ServiceConfig struct {
	Cache   ListCache
	Metrics TransitionRecorder
	Logger  *slog.Logger
	Now     func() time.Time
}

// Service runs the transfer workflow.
type Service struct {
	repo    RepositoryPort
	stock   StockPort
	audit   shared.AuditPort
	cache   ListCache
	metrics TransitionRecorder
	logger  *slog.Logger
	now     func() time.Time
}

// NewService constructs the transfer service. stock and audit may be nil.
func NewService(repo RepositoryPort, stock StockPort, audit shared.AuditPort, cfg ServiceConfig) *Service {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, stock: stock, audit: audit, cache: cfg.Cache, metrics: cfg.Metrics, logger: logger, now: now}
}

// Create stores a new draft transfer.
func (s *Service) Create(ctx context.Context, actor shared.Actor, input CreateInput) (doc Document, err error) {
	defer func() { s.record("create", err) }()
	if err := workflow.ValidateStruct(input); err != nil {
		return Document{}, err
	}
	if err := validateItems(input.Items); err != nil {
		return Document{}, err
	}
	if err := requireWarehouse(actor, "create transfer", input.FromWarehouseID); err != nil {
		return Document{}, err
	}
	from, err := s.warehouse(ctx, "from_warehouse_id", input.FromWarehouseID)
	if err != nil {
		return Document{}, err
	}
	to, err := s.warehouse(ctx, "to_warehouse_id", input.ToWarehouseID)
	if err != nil {
		return Document{}, err
	}
	now := s.now().UTC()
	doc = Document{
		Code:          generateCode(now),
		FromWarehouse: from,
		ToWarehouse:   to,
		Status:        StatusDraft,
		TransferDate:  input.TransferDate,
		Note:          strings.TrimSpace(input.Note),
		CreatedBy:     actor.StaffID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if doc.TransferDate.IsZero() {
		doc.TransferDate = now
	}
	for _, in := range input.Items {
		doc.Items = append(doc.Items, Item{
			ProductID:        in.ProductID,
			ProductName:      strings.TrimSpace(in.ProductName),
			Quantity:         in.Quantity,
			UnitPrice:        in.UnitPrice,
			ReceivedQuantity: decimal.Zero,
		})
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.Insert(ctx, &doc)
	})
	if err != nil {
		return Document{}, err
	}
	s.afterChange(ctx, actor, "transfer.create", doc, nil)
	return doc, nil
}

// Submit hands a draft to the receiving warehouse and draws the stock out
// of the source warehouse.
func (s *Service) Submit(ctx context.Context, actor shared.Actor, id int64) (Document, error) {
	return s.mutate(ctx, actor, id, "submit", func(ctx context.Context, doc *Document) error {
		if err := Machine.Transition(doc.Status, StatusPending); err != nil {
			return err
		}
		if err := requireWarehouse(actor, "submit transfer", doc.FromWarehouse.ID); err != nil {
			return err
		}
		if err := validateForSubmit(*doc); err != nil {
			return err
		}
		if err := s.post(ctx, actor, doc, "OUT"); err != nil {
			return err
		}
		now := s.now().UTC()
		doc.Status = StatusPending
		doc.SubmittedAt = &now
		return nil
	})
}

// Get loads a transfer.
func (s *Service) Get(ctx context.Context, id int64) (Document, error) {
	return s.repo.Get(ctx, id)
}

// SetReceivedQuantities records the receiver's counts while the transfer is
// pending. The whole batch is rejected when any entry is invalid, and a
// batch that changes nothing writes nothing.
func (s *Service) SetReceivedQuantities(ctx context.Context, actor shared.Actor, id int64, receipts []Receipt) (Document, error) {
	if len(receipts) == 0 {
		err := workflow.Invalid("receipts", "must not be empty")
		s.record("receive", err)
		return Document{}, err
	}
	return s.mutate(ctx, actor, id, "receive", func(ctx context.Context, doc *Document) error {
		if doc.Status != StatusPending {
			return workflow.NotAllowed(Machine.Name(), "set received quantities", string(doc.Status))
		}
		if err := requireWarehouse(actor, "receive transfer", doc.ToWarehouse.ID); err != nil {
			return err
		}
		changed, err := applyReceipts(doc, receipts)
		if err != nil {
			return err
		}
		if !changed {
			return errUnchanged
		}
		return nil
	})
}

// Complete closes a fully received transfer and books the stock into the
// destination warehouse. Receipts, when given, are applied first in the
// same transaction; nothing is kept if the gate then fails.
func (s *Service) Complete(ctx context.Context, actor shared.Actor, id int64, receipts []Receipt) (Document, error) {
	return s.mutate(ctx, actor, id, "complete", func(ctx context.Context, doc *Document) error {
		if err := Machine.Transition(doc.Status, StatusCompleted); err != nil {
			return err
		}
		if err := requireWarehouse(actor, "complete transfer", doc.ToWarehouse.ID); err != nil {
			return err
		}
		if _, err := applyReceipts(doc, receipts); err != nil {
			return err
		}
		if short := Shortages(*doc); len(short) > 0 {
			return &workflow.IncompleteReceiptError{Shortages: short}
		}
		if err := s.post(ctx, actor, doc, "IN"); err != nil {
			return err
		}
		now := s.now().UTC()
		doc.Status = StatusCompleted
		doc.CompletedAt = &now
		return nil
	})
}

// Cancel stops a draft or pending transfer. Stock already drawn by submit is
// returned to the source warehouse.
func (s *Service) Cancel(ctx context.Context, actor shared.Actor, id int64, reason string) (Document, error) {
	reason = strings.TrimSpace(reason)
	return s.mutate(ctx, actor, id, "cancel", func(ctx context.Context, doc *Document) error {
		if err := Machine.Transition(doc.Status, StatusCancelled); err != nil {
			return err
		}
		if reason == "" {
			return workflow.Invalid("reason", "is required")
		}
		if len(reason) > 1000 {
			return workflow.Invalid("reason", "must be at most 1000 long")
		}
		if doc.Status == StatusDraft {
			if err := requireWarehouse(actor, "cancel transfer", doc.FromWarehouse.ID); err != nil {
				return err
			}
		} else {
			if err := requireEither(actor, "cancel transfer", doc.FromWarehouse.ID, doc.ToWarehouse.ID); err != nil {
				return err
			}
			if err := s.post(ctx, actor, doc, "RETURN"); err != nil {
				return err
			}
		}
		now := s.now().UTC()
		doc.Status = StatusCancelled
		doc.CancelReason = reason
		doc.CancelledAt = &now
		return nil
	})
}

// List returns a page of transfers matching filter.
func (s *Service) List(ctx context.Context, filter query.Filter) (query.Page[Document], error) {
	filter = filter.Normalize()
	for _, status := range filter.Statuses {
		if !Machine.Known(Status(status)) {
			return query.Page[Document]{}, workflow.Invalid("status", fmt.Sprintf("unknown status %q", status))
		}
	}
	load := func(ctx context.Context) (any, error) {
		docs, total, err := s.repo.List(ctx, filter)
		if err != nil {
			return nil, err
		}
		return query.NewPage(filter, docs, total), nil
	}
	if s.cache == nil {
		v, err := load(ctx)
		if err != nil {
			return query.Page[Document]{}, err
		}
		return v.(query.Page[Document]), nil
	}
	var page query.Page[Document]
	if err := s.cache.FetchJSON(ctx, cacheScope, filter.Key(), &page, load); err != nil {
		return query.Page[Document]{}, err
	}
	return page, nil
}

// DeleteMany removes each id independently and reports what happened.
// Pending transfers hold stock in transit and are refused.
func (s *Service) DeleteMany(ctx context.Context, actor shared.Actor, ids []int64) (DeleteResult, error) {
	if len(ids) == 0 {
		return DeleteResult{}, workflow.Invalid("ids", "must not be empty")
	}
	result := DeleteResult{Failed: []DeleteFailure{}}
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			doc, err := tx.GetForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if doc.Status == StatusPending {
				return workflow.NotAllowed(Machine.Name(), "delete", string(doc.Status))
			}
			return tx.Delete(ctx, id)
		})
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			result.Failed = append(result.Failed, DeleteFailure{ID: id, Reason: err.Error()})
			continue
		}
		result.Deleted++
	}
	s.record("delete", nil)
	s.afterChange(ctx, actor, "transfer.delete", Document{}, map[string]any{"ids": ids, "deleted": result.Deleted})
	return result, nil
}

// StalePending lists transfers pending since before cutoff.
func (s *Service) StalePending(ctx context.Context, cutoff time.Time, limit int) ([]Document, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.repo.ListPendingBefore(ctx, cutoff, limit)
}

var errUnchanged = errors.New("transfer: unchanged")

// mutate runs fn against the locked document and persists the result with a
// version check, so at most one transition lands per document version.
func (s *Service) mutate(ctx context.Context, actor shared.Actor, id int64, op string, fn func(context.Context, *Document) error) (out Document, err error) {
	defer func() { s.record(op, err) }()
	unchanged := false
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		doc, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		version := doc.Version
		if err := fn(ctx, &doc); err != nil {
			if errors.Is(err, errUnchanged) {
				unchanged = true
				out = doc
				return nil
			}
			return err
		}
		doc.UpdatedAt = s.now().UTC()
		if err := tx.Update(ctx, doc, version); err != nil {
			if errors.Is(err, ErrStaleVersion) {
				return workflow.NotAllowed(Machine.Name(), op, "modified concurrently")
			}
			return err
		}
		doc.Version = version + 1
		out = doc
		return nil
	})
	if err != nil {
		return Document{}, err
	}
	if !unchanged {
		s.afterChange(ctx, actor, "transfer."+op, out, nil)
	}
	return out, nil
}

// post books one stock movement for doc. kind is OUT (submit), IN
// (complete) or RETURN (cancel after submit). OUT records the cost each line
// left the source warehouse at; IN and RETURN book the stock at that cost. A
// posting applied by an earlier attempt counts as done and keeps the costs
// already recorded.
func (s *Service) post(ctx context.Context, actor shared.Actor, doc *Document, kind string) error {
	if s.stock == nil {
		return nil
	}
	p := inventory.Posting{
		Code:      fmt.Sprintf("%s-%s", doc.Code, kind),
		ActorID:   actor.StaffID,
		RefModule: refModule,
		RefID:     uuid.NewSHA1(uuid.Nil, []byte(fmt.Sprintf("TRANSFER:%d", doc.ID))).String(),
	}
	for _, item := range doc.Items {
		line := inventory.PostingLine{ProductID: item.ProductID, Qty: item.Quantity, UnitCost: item.IssuedCost}
		if kind == "IN" {
			line.Qty = item.ReceivedQuantity
		}
		p.Lines = append(p.Lines, line)
	}
	var (
		cards []inventory.StockCardEntry
		err   error
	)
	switch kind {
	case "OUT":
		p.WarehouseID = doc.FromWarehouse.ID
		p.Note = fmt.Sprintf("Transfer %s to %s", doc.Code, doc.ToWarehouse.Name)
		cards, err = s.stock.Issue(ctx, p)
	case "IN":
		p.WarehouseID = doc.ToWarehouse.ID
		p.Note = fmt.Sprintf("Transfer %s from %s", doc.Code, doc.FromWarehouse.Name)
		_, err = s.stock.Receive(ctx, p)
	default:
		p.WarehouseID = doc.FromWarehouse.ID
		p.Note = fmt.Sprintf("Transfer %s cancelled", doc.Code)
		_, err = s.stock.Receive(ctx, p)
	}
	if errors.Is(err, inventory.ErrAlreadyPosted) {
		return nil
	}
	if err != nil {
		return err
	}
	if kind == "OUT" && len(cards) == len(doc.Items) {
		for i := range doc.Items {
			doc.Items[i].IssuedCost = cards[i].UnitCost
		}
	}
	return nil
}

func (s *Service) afterChange(ctx context.Context, actor shared.Actor, action string, doc Document, meta map[string]any) {
	if s.cache != nil {
		if err := s.cache.Bump(ctx, cacheScope); err != nil {
			s.logger.WarnContext(ctx, "transfer list cache not invalidated", slog.String("action", action), slog.Any("error", err))
		}
	}
	if s.audit == nil {
		return
	}
	if meta == nil {
		meta = map[string]any{"code": doc.Code, "status": string(doc.Status)}
	}
	entityID := "bulk"
	if doc.ID != 0 {
		entityID = fmt.Sprintf("%d", doc.ID)
	}
	_ = s.audit.Record(ctx, shared.AuditLog{ActorID: actor.StaffID, Action: action, Entity: "transfer", EntityID: entityID, Meta: meta})
}

func (s *Service) record(op string, err error) {
	if s.metrics != nil {
		s.metrics.RecordTransition(Machine.Name(), op, err)
	}
}

func (s *Service) warehouse(ctx context.Context, field string, id int64) (WarehouseRef, error) {
	ref, err := s.repo.Warehouse(ctx, id)
	if errors.Is(err, workflow.ErrNotFound) {
		return WarehouseRef{}, workflow.Invalid(field, "refers to an unknown warehouse")
	}
	return ref, err
}

func applyReceipts(doc *Document, receipts []Receipt) (bool, error) {
	seen := make(map[int64]struct{}, len(receipts))
	for i, r := range receipts {
		field := fmt.Sprintf("receipts[%d]", i)
		if err := workflow.ValidateStruct(r); err != nil {
			return false, workflow.Invalid(field+".item_id", "is required")
		}
		if _, dup := seen[r.ItemID]; dup {
			return false, workflow.Invalid(field+".item_id", "is repeated")
		}
		seen[r.ItemID] = struct{}{}
		idx, ok := doc.item(r.ItemID)
		if !ok {
			return false, workflow.Invalid(field+".item_id", fmt.Sprintf("item %d is not on this transfer", r.ItemID))
		}
		if r.Quantity.IsNegative() {
			return false, workflow.Invalid(field+".quantity", "must not be negative")
		}
		if err := money.CheckQuantity(r.Quantity); err != nil {
			return false, workflow.Invalid(field+".quantity", err.Error())
		}
		if r.Quantity.GreaterThan(doc.Items[idx].Quantity) {
			return false, workflow.Invalid(field+".quantity", fmt.Sprintf("must not exceed sent quantity %s", doc.Items[idx].Quantity))
		}
	}
	changed := false
	for _, r := range receipts {
		idx, _ := doc.item(r.ItemID)
		if !doc.Items[idx].ReceivedQuantity.Equal(r.Quantity) {
			doc.Items[idx].ReceivedQuantity = r.Quantity
			changed = true
		}
	}
	return changed, nil
}

func validateItems(items []ItemInput) error {
	for i, item := range items {
		if !item.Quantity.IsPositive() {
			return workflow.Invalid(fmt.Sprintf("items[%d].quantity", i), "must be greater than 0")
		}
		if err := money.CheckQuantity(item.Quantity); err != nil {
			return workflow.Invalid(fmt.Sprintf("items[%d].quantity", i), err.Error())
		}
		if item.UnitPrice.IsNegative() {
			return workflow.Invalid(fmt.Sprintf("items[%d].unit_price", i), "must not be negative")
		}
		if err := money.CheckAmount(item.UnitPrice); err != nil {
			return workflow.Invalid(fmt.Sprintf("items[%d].unit_price", i), err.Error())
		}
	}
	return nil
}

func validateForSubmit(doc Document) error {
	if len(doc.Items) == 0 {
		return workflow.Invalid("items", "must not be empty")
	}
	for i, item := range doc.Items {
		if !item.Quantity.IsPositive() {
			return workflow.Invalid(fmt.Sprintf("items[%d].quantity", i), "must be greater than 0")
		}
	}
	if doc.FromWarehouse.ID == 0 || doc.ToWarehouse.ID == 0 {
		return workflow.Invalid("warehouse", "source and destination are required")
	}
	if doc.FromWarehouse.ID == doc.ToWarehouse.ID {
		return workflow.Invalid("to_warehouse_id", "must differ from from_warehouse_id")
	}
	return nil
}

// requireWarehouse enforces that a warehouse-scoped actor is the party the
// step belongs to.
func requireWarehouse(actor shared.Actor, step string, required int64) error {
	if actor.WarehouseID == 0 || actor.WarehouseID == required {
		return nil
	}
	return &workflow.ForbiddenError{Step: step, Required: required, Acting: actor.WarehouseID}
}

func requireEither(actor shared.Actor, step string, a, b int64) error {
	if actor.WarehouseID == 0 || actor.WarehouseID == a || actor.WarehouseID == b {
		return nil
	}
	return &workflow.ForbiddenError{Step: step, Required: a, Acting: actor.WarehouseID}
}

func generateCode(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return fmt.Sprintf("CK-%s-%s", now.Format("20060102"), suffix)
}
