package purchasing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/backoffice/internal/inventory"
	"github.com/odyssey-erp/backoffice/internal/money"
	"github.com/odyssey-erp/backoffice/internal/query"
	"github.com/odyssey-erp/backoffice/internal/shared"
	"github.com/odyssey-erp/backoffice/internal/workflow"
)

// ErrStaleVersion is returned by TxRepository.Update when the row changed
// after it was read.
var ErrStaleVersion = errors.New("purchasing: stale document version")

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Document, error)
	List(ctx context.Context, filter query.Filter) ([]Document, int, error)
	Partner(ctx context.Context, id int64) (PartnerRef, error)
	Warehouse(ctx context.Context, id int64) (WarehouseRef, error)
}

// TxRepository exposes transactional operations used by Service.
type TxRepository interface {
	Insert(ctx context.Context, doc *Document) error
	GetForUpdate(ctx context.Context, id int64) (Document, error)
	// Update persists the header when the stored version equals
	// expectedVersion and bumps the version.
	Update(ctx context.Context, doc Document, expectedVersion int64) error
	ReplaceItems(ctx context.Context, doc *Document) error
	Delete(ctx context.Context, id int64) error
}

// StockPort books the stock movement of a completed document.
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

// Service runs the order or return workflow selected by its Kind.
type Service struct {
	kind    Kind
	machine *workflow.Machine[Status]
	repo    RepositoryPort
	stock   StockPort
	audit   shared.AuditPort
	cache   ListCache
	metrics TransitionRecorder
	logger  *slog.Logger
	now     func() time.Time
}

// NewService constructs a purchasing service for kind.
func NewService(kind Kind, repo RepositoryPort, stock StockPort, audit shared.AuditPort, cfg ServiceConfig) *Service {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		kind:    kind,
		machine: workflow.NewMachine(kind.Name, transitions),
		repo:    repo,
		stock:   stock,
		audit:   audit,
		cache:   cfg.Cache,
		metrics: cfg.Metrics,
		logger:  logger,
		now:     now,
	}
}

// Kind reports the document family handled by s.
func (s *Service) Kind() Kind { return s.kind }

// Create stores a new document, completing it straight away when the input
// asks for it.
func (s *Service) Create(ctx context.Context, actor shared.Actor, input Input) (doc Document, err error) {
	defer func() { s.record("create", err) }()
	if err := validateInput(input); err != nil {
		return Document{}, err
	}
	if err := requireWarehouse(actor, "create "+s.kind.Name, input.WarehouseID); err != nil {
		return Document{}, err
	}
	now := s.now().UTC()
	doc = Document{
		Kind:      s.kind.Name,
		Code:      generateCode(s.kind.CodePrefix, now),
		Status:    StatusDraft,
		CreatedBy: actor.StaffID,
		CreatedAt: now,
	}
	if err := s.apply(ctx, &doc, input); err != nil {
		return Document{}, err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if input.Status == StatusCompleted {
			if err := completable(doc); err != nil {
				return err
			}
		}
		if err := tx.Insert(ctx, &doc); err != nil {
			return err
		}
		if input.Status != StatusCompleted {
			return nil
		}
		version := doc.Version
		if err := s.complete(ctx, actor, &doc); err != nil {
			return err
		}
		if err := tx.Update(ctx, doc, version); err != nil {
			return err
		}
		doc.Version = version + 1
		return nil
	})
	if err != nil {
		return Document{}, err
	}
	s.afterChange(ctx, actor, "create", doc)
	return doc, nil
}

// Update replaces the content of a draft. A completed status in the input
// completes the document in the same transaction.
func (s *Service) Update(ctx context.Context, actor shared.Actor, id int64, input Input) (Document, error) {
	if err := validateInput(input); err != nil {
		s.record("update", err)
		return Document{}, err
	}
	return s.mutate(ctx, actor, id, "update", func(ctx context.Context, tx TxRepository, doc *Document) error {
		if s.machine.IsTerminal(doc.Status) {
			return workflow.NotAllowed(s.machine.Name(), "update", string(doc.Status))
		}
		if err := requireWarehouse(actor, "update "+s.kind.Name, doc.Warehouse.ID); err != nil {
			return err
		}
		if err := requireWarehouse(actor, "update "+s.kind.Name, input.WarehouseID); err != nil {
			return err
		}
		if err := s.apply(ctx, doc, input); err != nil {
			return err
		}
		if err := tx.ReplaceItems(ctx, doc); err != nil {
			return err
		}
		if input.Status == StatusCompleted {
			if err := s.machine.Transition(doc.Status, StatusCompleted); err != nil {
				return err
			}
			if err := completable(*doc); err != nil {
				return err
			}
			return s.complete(ctx, actor, doc)
		}
		return nil
	})
}

// Complete finalises a draft and books its stock movement.
func (s *Service) Complete(ctx context.Context, actor shared.Actor, id int64) (Document, error) {
	return s.mutate(ctx, actor, id, "complete", func(ctx context.Context, _ TxRepository, doc *Document) error {
		if err := s.machine.Transition(doc.Status, StatusCompleted); err != nil {
			return err
		}
		if err := requireWarehouse(actor, "complete "+s.kind.Name, doc.Warehouse.ID); err != nil {
			return err
		}
		if err := completable(*doc); err != nil {
			return err
		}
		return s.complete(ctx, actor, doc)
	})
}

// Cancel abandons a draft. Completed documents cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, actor shared.Actor, id int64) (Document, error) {
	return s.mutate(ctx, actor, id, "cancel", func(ctx context.Context, _ TxRepository, doc *Document) error {
		if err := s.machine.Transition(doc.Status, StatusCancelled); err != nil {
			return err
		}
		if err := requireWarehouse(actor, "cancel "+s.kind.Name, doc.Warehouse.ID); err != nil {
			return err
		}
		now := s.now().UTC()
		doc.Status = StatusCancelled
		doc.CancelledAt = &now
		return nil
	})
}

// Get loads a document.
func (s *Service) Get(ctx context.Context, id int64) (Document, error) {
	return s.repo.Get(ctx, id)
}

// List returns a page of documents matching filter.
func (s *Service) List(ctx context.Context, filter query.Filter) (query.Page[Document], error) {
	filter = filter.Normalize()
	for _, status := range filter.Statuses {
		if !s.machine.Known(Status(status)) {
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
	if err := s.cache.FetchJSON(ctx, s.kind.table, filter.Key(), &page, load); err != nil {
		return query.Page[Document]{}, err
	}
	return page, nil
}

// DeleteMany removes each id independently regardless of status. Stock
// booked by completed documents stays booked.
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
	s.bump(ctx, "delete")
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{ActorID: actor.StaffID, Action: s.kind.Name + ".delete", Entity: s.kind.Name, EntityID: "bulk", Meta: map[string]any{"ids": ids, "deleted": result.Deleted}})
	}
	return result, nil
}

func (s *Service) mutate(ctx context.Context, actor shared.Actor, id int64, op string, fn func(context.Context, TxRepository, *Document) error) (out Document, err error) {
	defer func() { s.record(op, err) }()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		doc, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		version := doc.Version
		if err := fn(ctx, tx, &doc); err != nil {
			return err
		}
		doc.UpdatedAt = s.now().UTC()
		if err := tx.Update(ctx, doc, version); err != nil {
			if errors.Is(err, ErrStaleVersion) {
				return workflow.NotAllowed(s.machine.Name(), op, "modified concurrently")
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
	s.afterChange(ctx, actor, op, out)
	return out, nil
}

// apply copies input onto doc after resolving its references.
func (s *Service) apply(ctx context.Context, doc *Document, input Input) error {
	wh, err := s.repo.Warehouse(ctx, input.WarehouseID)
	if errors.Is(err, workflow.ErrNotFound) {
		return workflow.Invalid("warehouse_id", "refers to an unknown warehouse")
	}
	if err != nil {
		return err
	}
	doc.Warehouse = wh
	doc.Partner = nil
	if input.PartnerID != 0 {
		partner, err := s.repo.Partner(ctx, input.PartnerID)
		if errors.Is(err, workflow.ErrNotFound) {
			return workflow.Invalid("partner_id", "refers to an unknown supplier")
		}
		if err != nil {
			return err
		}
		doc.Partner = &partner
	}
	doc.Discount = input.Discount
	doc.PaidAmount = input.PaidAmount
	doc.Note = strings.TrimSpace(input.Note)
	doc.DocDate = input.DocDate
	if doc.DocDate.IsZero() {
		doc.DocDate = s.now().UTC()
	}
	doc.Items = make([]Item, 0, len(input.Items))
	for _, in := range input.Items {
		doc.Items = append(doc.Items, Item{
			ProductID:   in.ProductID,
			ProductName: strings.TrimSpace(in.ProductName),
			Quantity:    in.Quantity,
			UnitPrice:   in.UnitPrice,
		})
	}
	doc.UpdatedAt = s.now().UTC()
	return nil
}

// complete books the stock movement and marks doc completed. A movement
// already booked by an earlier attempt counts as done.
func (s *Service) complete(ctx context.Context, actor shared.Actor, doc *Document) error {
	if s.stock != nil {
		p := inventory.Posting{
			Code:        fmt.Sprintf("%s-%s", doc.Code, s.kind.Direction),
			WarehouseID: doc.Warehouse.ID,
			ActorID:     actor.StaffID,
			RefModule:   strings.ToUpper(s.kind.Name),
			RefID:       uuid.NewSHA1(uuid.Nil, []byte(fmt.Sprintf("%s:%d", s.kind.Name, doc.ID))).String(),
			Note:        fmt.Sprintf("%s %s", strings.ReplaceAll(s.kind.Name, "_", " "), doc.Code),
		}
		for _, item := range doc.Items {
			p.Lines = append(p.Lines, inventory.PostingLine{ProductID: item.ProductID, Qty: item.Quantity, UnitCost: item.UnitPrice})
		}
		var err error
		if s.kind.Direction == inventory.TransactionTypeOut {
			_, err = s.stock.Issue(ctx, p)
		} else {
			_, err = s.stock.Receive(ctx, p)
		}
		if err != nil && !errors.Is(err, inventory.ErrAlreadyPosted) {
			return err
		}
	}
	now := s.now().UTC()
	doc.Status = StatusCompleted
	doc.CompletedAt = &now
	return nil
}

func (s *Service) bump(ctx context.Context, op string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Bump(ctx, s.kind.table); err != nil {
		s.logger.WarnContext(ctx, "list cache not invalidated", slog.String("workflow", s.kind.Name), slog.String("op", op), slog.Any("error", err))
	}
}

func (s *Service) afterChange(ctx context.Context, actor shared.Actor, op string, doc Document) {
	s.bump(ctx, op)
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actor.StaffID,
		Action:   s.kind.Name + "." + op,
		Entity:   s.kind.Name,
		EntityID: fmt.Sprintf("%d", doc.ID),
		Meta:     map[string]any{"code": doc.Code, "status": string(doc.Status)},
	})
}

func (s *Service) record(op string, err error) {
	if s.metrics != nil {
		s.metrics.RecordTransition(s.machine.Name(), op, err)
	}
}

func validateInput(input Input) error {
	if err := workflow.ValidateStruct(input); err != nil {
		return err
	}
	if input.Discount.IsNegative() {
		return workflow.Invalid("discount", "must not be negative")
	}
	if err := money.CheckAmount(input.Discount); err != nil {
		return workflow.Invalid("discount", err.Error())
	}
	if input.PaidAmount.IsNegative() {
		return workflow.Invalid("paid_amount", "must not be negative")
	}
	if err := money.CheckAmount(input.PaidAmount); err != nil {
		return workflow.Invalid("paid_amount", err.Error())
	}
	for i, item := range input.Items {
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

func requireWarehouse(actor shared.Actor, step string, required int64) error {
	if actor.WarehouseID == 0 || actor.WarehouseID == required {
		return nil
	}
	return &workflow.ForbiddenError{Step: step, Required: required, Acting: actor.WarehouseID}
}

func generateCode(prefix string, now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return fmt.Sprintf("%s-%s-%s", prefix, now.Format("20060102"), suffix)
}
