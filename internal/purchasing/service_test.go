package purchasing

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/backoffice/internal/inventory"
	"github.com/odyssey-erp/backoffice/internal/query"
	"github.com/odyssey-erp/backoffice/internal/query/querytest"
	"github.com/odyssey-erp/backoffice/internal/shared"
	"github.com/odyssey-erp/backoffice/internal/workflow"
)

type memoryRepo struct {
	mu       sync.Mutex
	docs     map[int64]Document
	nextID   int64
	nextItem int64
	// updateErr, when set, fails every TxRepository.Update.
	updateErr error
}

func newMemoryRepo() *memoryRepo { return &memoryRepo{docs: map[int64]Document{}} }

var (
	partners   = map[int64]PartnerRef{4: {ID: 4, Name: "Fresh Farms"}, 5: {ID: 5, Name: "Dairy Co"}}
	warehouses = map[int64]WarehouseRef{1: {ID: 1, Name: "Central Kitchen"}, 2: {ID: 2, Name: "Outlet North"}}
)

type memoryTx struct {
	repo     *memoryRepo
	staged   map[int64]Document
	deleted  map[int64]bool
	onCommit []func()
}

type memoryTxKey struct{}

func clone(d Document) Document {
	d.Items = append([]Item(nil), d.Items...)
	return d
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx := &memoryTx{repo: r, staged: map[int64]Document{}, deleted: map[int64]bool{}}
	if err := fn(context.WithValue(ctx, memoryTxKey{}, tx), tx); err != nil {
		return err
	}
	for id, doc := range tx.staged {
		r.docs[id] = doc
	}
	for id := range tx.deleted {
		delete(r.docs, id)
	}
	for _, apply := range tx.onCommit {
		apply()
	}
	return nil
}

func (r *memoryRepo) Get(_ context.Context, id int64) (Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return Document{}, workflow.ErrNotFound
	}
	return clone(doc), nil
}

func (r *memoryRepo) List(_ context.Context, filter query.Filter) ([]Document, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []Document
	for _, doc := range r.docs {
		rec := querytest.Record{
			Status:       string(doc.Status),
			WarehouseIDs: []int64{doc.Warehouse.ID},
			CreatorID:    doc.CreatedBy,
			Date:         doc.DocDate,
			SearchText:   []string{doc.Code, doc.Note},
		}
		if doc.Partner != nil {
			rec.PartnerID = doc.Partner.ID
			rec.SearchText = append(rec.SearchText, doc.Partner.Name)
		}
		if querytest.Matches(filter, rec) {
			matched = append(matched, clone(doc))
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	page, total := querytest.Paginate(filter, matched)
	return page, total, nil
}

func (r *memoryRepo) Partner(_ context.Context, id int64) (PartnerRef, error) {
	p, ok := partners[id]
	if !ok {
		return PartnerRef{}, workflow.ErrNotFound
	}
	return p, nil
}

func (r *memoryRepo) Warehouse(_ context.Context, id int64) (WarehouseRef, error) {
	w, ok := warehouses[id]
	if !ok {
		return WarehouseRef{}, workflow.ErrNotFound
	}
	return w, nil
}

func (tx *memoryTx) current(id int64) (Document, bool) {
	if doc, ok := tx.staged[id]; ok {
		return doc, true
	}
	doc, ok := tx.repo.docs[id]
	return doc, ok
}

func (tx *memoryTx) Insert(_ context.Context, doc *Document) error {
	tx.repo.nextID++
	doc.ID = tx.repo.nextID
	doc.Version = 1
	tx.assignItemIDs(doc)
	tx.staged[doc.ID] = clone(*doc)
	return nil
}

func (tx *memoryTx) assignItemIDs(doc *Document) {
	for i := range doc.Items {
		tx.repo.nextItem++
		doc.Items[i].ID = tx.repo.nextItem
	}
}

func (tx *memoryTx) GetForUpdate(_ context.Context, id int64) (Document, error) {
	doc, ok := tx.current(id)
	if !ok {
		return Document{}, workflow.ErrNotFound
	}
	return clone(doc), nil
}

func (tx *memoryTx) Update(_ context.Context, doc Document, expectedVersion int64) error {
	if tx.repo.updateErr != nil {
		return tx.repo.updateErr
	}
	current, ok := tx.current(doc.ID)
	if !ok {
		return workflow.ErrNotFound
	}
	if current.Version != expectedVersion {
		return ErrStaleVersion
	}
	doc.Version = expectedVersion + 1
	tx.staged[doc.ID] = clone(doc)
	return nil
}

func (tx *memoryTx) ReplaceItems(_ context.Context, doc *Document) error {
	tx.assignItemIDs(doc)
	return nil
}

func (tx *memoryTx) Delete(_ context.Context, id int64) error {
	if _, ok := tx.current(id); !ok {
		return workflow.ErrNotFound
	}
	tx.deleted[id] = true
	return nil
}

// fakeStock books postings when the memoryTx carried by the context
// commits.
type fakeStock struct {
	mu       sync.Mutex
	received []inventory.Posting
	issued   []inventory.Posting
	err      error
}

func (f *fakeStock) book(ctx context.Context, into *[]inventory.Posting, p inventory.Posting) ([]inventory.StockCardEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	tx, ok := ctx.Value(memoryTxKey{}).(*memoryTx)
	if !ok {
		*into = append(*into, p)
		return nil, nil
	}
	tx.onCommit = append(tx.onCommit, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		*into = append(*into, p)
	})
	return nil, nil
}

func (f *fakeStock) Receive(ctx context.Context, p inventory.Posting) ([]inventory.StockCardEntry, error) {
	return f.book(ctx, &f.received, p)
}

func (f *fakeStock) Issue(ctx context.Context, p inventory.Posting) ([]inventory.StockCardEntry, error) {
	return f.book(ctx, &f.issued, p)
}

func newTestService(kind Kind) (*Service, *memoryRepo, *fakeStock) {
	repo := newMemoryRepo()
	stock := &fakeStock{}
	now := time.Date(2024, 5, 2, 8, 30, 0, 0, time.UTC)
	svc := NewService(kind, repo, stock, shared.LogAudit{}, ServiceConfig{Now: func() time.Time { return now }})
	return svc, repo, stock
}

var clerk = shared.Actor{StaffID: 3}

func orderInput() Input {
	return Input{
		PartnerID:   4,
		WarehouseID: 1,
		Discount:    decimal.NewFromInt(5000),
		PaidAmount:  decimal.NewFromInt(20000),
		Items: []ItemInput{
			{ProductID: 11, Quantity: decimal.NewFromInt(10), UnitPrice: decimal.NewFromInt(1000)},
			{ProductID: 12, Quantity: decimal.NewFromInt(5), UnitPrice: decimal.NewFromInt(3000)},
		},
	}
}

func TestCreateDraftOrder(t *testing.T) {
	svc, _, stock := newTestService(KindPurchaseOrder)
	doc, err := svc.Create(context.Background(), clerk, orderInput())
	require.NoError(t, err)
	require.Equal(t, StatusDraft, doc.Status)
	require.Equal(t, "purchase_order", doc.Kind)
	require.True(t, strings.HasPrefix(doc.Code, "PO-20240502-"), doc.Code)
	require.Equal(t, "Fresh Farms", doc.Partner.Name)
	require.Empty(t, stock.received)

	sum := doc.Summary()
	require.True(t, sum.TotalAmount.Equal(decimal.NewFromInt(25000)))
	require.True(t, sum.FinalAmount.Equal(decimal.NewFromInt(20000)))
	require.True(t, sum.DebtAmount.IsZero())
}

func TestDiscountAboveTotal(t *testing.T) {
	svc, _, _ := newTestService(KindPurchaseOrder)
	input := orderInput()
	input.Items = []ItemInput{{ProductID: 11, Quantity: decimal.NewFromInt(3), UnitPrice: decimal.NewFromInt(50000)}}
	input.Discount = decimal.NewFromInt(200000)
	input.PaidAmount = decimal.Zero
	doc, err := svc.Create(context.Background(), clerk, input)
	require.NoError(t, err)
	sum := doc.Summary()
	require.True(t, sum.TotalAmount.Equal(decimal.NewFromInt(150000)))
	require.True(t, sum.FinalAmount.IsZero())
	require.True(t, sum.DebtAmount.IsZero())
}

func TestCreateCompletedPostsStock(t *testing.T) {
	svc, repo, stock := newTestService(KindPurchaseOrder)
	input := orderInput()
	input.Status = StatusCompleted
	doc, err := svc.Create(context.Background(), clerk, input)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, doc.Status)
	require.NotNil(t, doc.CompletedAt)
	require.Equal(t, int64(2), doc.Version)
	require.Equal(t, StatusCompleted, repo.docs[doc.ID].Status)

	require.Len(t, stock.received, 1)
	p := stock.received[0]
	require.Equal(t, doc.Code+"-IN", p.Code)
	require.Equal(t, int64(1), p.WarehouseID)
	require.Len(t, p.Lines, 2)
	require.True(t, p.Lines[1].UnitCost.Equal(decimal.NewFromInt(3000)))
}

func TestCompletionPreconditions(t *testing.T) {
	svc, repo, _ := newTestService(KindPurchaseOrder)

	input := orderInput()
	input.Status = StatusCompleted
	input.PartnerID = 0
	_, err := svc.Create(context.Background(), clerk, input)
	var ve *workflow.ValidationError
	require.True(t, errors.As(err, &ve))
	require.Equal(t, "partner_id", ve.Field)

	input = orderInput()
	input.Status = StatusCompleted
	input.Items = nil
	_, err = svc.Create(context.Background(), clerk, input)
	require.True(t, errors.As(err, &ve))
	require.Equal(t, "items", ve.Field)
	require.Empty(t, repo.docs)

	input = orderInput()
	input.Items = nil
	draft, err := svc.Create(context.Background(), clerk, input)
	require.NoError(t, err)
	_, err = svc.Complete(context.Background(), clerk, draft.ID)
	require.ErrorIs(t, err, workflow.ErrValidation)
	stored, _ := svc.Get(context.Background(), draft.ID)
	require.Equal(t, StatusDraft, stored.Status)
}

func TestInputValidation(t *testing.T) {
	svc, _, _ := newTestService(KindPurchaseOrder)
	cases := []struct {
		name  string
		edit  func(*Input)
		field string
	}{
		{"negative discount", func(in *Input) { in.Discount = decimal.NewFromInt(-1) }, "discount"},
		{"negative paid", func(in *Input) { in.PaidAmount = decimal.NewFromInt(-1) }, "paid_amount"},
		{"zero quantity", func(in *Input) { in.Items[0].Quantity = decimal.Zero }, "items[0].quantity"},
		{"negative price", func(in *Input) { in.Items[1].UnitPrice = decimal.NewFromInt(-2) }, "items[1].unit_price"},
		{"quantity scale", func(in *Input) { in.Items[0].Quantity = decimal.RequireFromString("2.12345") }, "items[0].quantity"},
		{"quantity range", func(in *Input) { in.Items[0].Quantity = decimal.New(1, 14) }, "items[0].quantity"},
		{"fractional price", func(in *Input) { in.Items[1].UnitPrice = decimal.RequireFromString("2999.99") }, "items[1].unit_price"},
		{"price range", func(in *Input) { in.Items[1].UnitPrice = decimal.New(1, 14) }, "items[1].unit_price"},
		{"fractional discount", func(in *Input) { in.Discount = decimal.RequireFromString("0.5") }, "discount"},
		{"discount range", func(in *Input) { in.Discount = decimal.New(1, 16) }, "discount"},
		{"fractional paid", func(in *Input) { in.PaidAmount = decimal.RequireFromString("100.25") }, "paid_amount"},
		{"paid range", func(in *Input) { in.PaidAmount = decimal.New(1, 16) }, "paid_amount"},
		{"missing warehouse", func(in *Input) { in.WarehouseID = 0 }, "warehouse_id"},
		{"unknown warehouse", func(in *Input) { in.WarehouseID = 9 }, "warehouse_id"},
		{"unknown partner", func(in *Input) { in.PartnerID = 9 }, "partner_id"},
		{"bad status", func(in *Input) { in.Status = "cancelled" }, "status"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			input := orderInput()
			tc.edit(&input)
			_, err := svc.Create(context.Background(), clerk, input)
			var ve *workflow.ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			require.Equal(t, tc.field, ve.Field)
		})
	}
}

func TestCancelOnlyFromDraft(t *testing.T) {
	svc, _, _ := newTestService(KindPurchaseOrder)
	draft, err := svc.Create(context.Background(), clerk, orderInput())
	require.NoError(t, err)
	cancelled, err := svc.Cancel(context.Background(), clerk, draft.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)

	_, err = svc.Complete(context.Background(), clerk, draft.ID)
	require.ErrorIs(t, err, workflow.ErrInvalidTransition)

	input := orderInput()
	input.Status = StatusCompleted
	done, err := svc.Create(context.Background(), clerk, input)
	require.NoError(t, err)
	_, err = svc.Cancel(context.Background(), clerk, done.ID)
	var te *workflow.TransitionError
	require.True(t, errors.As(err, &te))
	require.Equal(t, "completed", te.From)
	require.Equal(t, "cancelled", te.To)

	_, err = svc.Complete(context.Background(), clerk, done.ID)
	require.ErrorIs(t, err, workflow.ErrInvalidTransition)
}

func TestUpdateDraftThenComplete(t *testing.T) {
	svc, _, stock := newTestService(KindPurchaseOrder)
	draft, err := svc.Create(context.Background(), clerk, orderInput())
	require.NoError(t, err)

	input := orderInput()
	input.PartnerID = 5
	input.Items = input.Items[:1]
	input.Note = "revised"
	updated, err := svc.Update(context.Background(), clerk, draft.ID, input)
	require.NoError(t, err)
	require.Equal(t, StatusDraft, updated.Status)
	require.Equal(t, "Dairy Co", updated.Partner.Name)
	require.Len(t, updated.Items, 1)
	require.Equal(t, draft.Version+1, updated.Version)
	require.Empty(t, stock.received)

	input.Status = StatusCompleted
	done, err := svc.Update(context.Background(), clerk, draft.ID, input)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, done.Status)
	require.Len(t, stock.received, 1)

	_, err = svc.Update(context.Background(), clerk, draft.ID, orderInput())
	require.ErrorIs(t, err, workflow.ErrInvalidTransition)
}

func TestReturnIssuesStock(t *testing.T) {
	svc, _, stock := newTestService(KindReturn)
	draft, err := svc.Create(context.Background(), clerk, orderInput())
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(draft.Code, "RT-"))

	done, err := svc.Complete(context.Background(), clerk, draft.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, done.Status)
	require.Empty(t, stock.received)
	require.Len(t, stock.issued, 1)
	require.Equal(t, done.Code+"-OUT", stock.issued[0].Code)
}

func TestReturnWithoutStockStaysDraft(t *testing.T) {
	svc, _, stock := newTestService(KindReturn)
	draft, err := svc.Create(context.Background(), clerk, orderInput())
	require.NoError(t, err)
	stock.err = inventory.ErrNegativeStock

	_, err = svc.Complete(context.Background(), clerk, draft.ID)
	require.ErrorIs(t, err, workflow.ErrInsufficientStock)
	stored, _ := svc.Get(context.Background(), draft.ID)
	require.Equal(t, StatusDraft, stored.Status)
}

func TestCompleteTreatsRepeatedPostingAsDone(t *testing.T) {
	svc, _, stock := newTestService(KindPurchaseOrder)
	draft, err := svc.Create(context.Background(), clerk, orderInput())
	require.NoError(t, err)
	stock.err = inventory.ErrAlreadyPosted

	done, err := svc.Complete(context.Background(), clerk, draft.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, done.Status)
}

func TestWarehouseScopedActor(t *testing.T) {
	svc, _, _ := newTestService(KindPurchaseOrder)
	_, err := svc.Create(context.Background(), shared.Actor{StaffID: 3, WarehouseID: 2}, orderInput())
	require.ErrorIs(t, err, workflow.ErrForbidden)

	draft, err := svc.Create(context.Background(), shared.Actor{StaffID: 3, WarehouseID: 1}, orderInput())
	require.NoError(t, err)
	_, err = svc.Complete(context.Background(), shared.Actor{StaffID: 3, WarehouseID: 2}, draft.ID)
	require.ErrorIs(t, err, workflow.ErrForbidden)
}

func TestListByPartnerAndDate(t *testing.T) {
	svc, _, _ := newTestService(KindPurchaseOrder)
	first := orderInput()
	first.DocDate = time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC)
	_, err := svc.Create(context.Background(), clerk, first)
	require.NoError(t, err)
	second := orderInput()
	second.PartnerID = 5
	second.DocDate = time.Date(2024, 4, 20, 10, 0, 0, 0, time.UTC)
	_, err = svc.Create(context.Background(), clerk, second)
	require.NoError(t, err)

	page, err := svc.List(context.Background(), query.Filter{PartnerIDs: []int64{5}})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)

	from := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 4, 10, 23, 59, 59, 0, time.UTC)
	page, err = svc.List(context.Background(), query.Filter{DateFrom: &from, DateTo: &to})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	require.Equal(t, "Fresh Farms", page.Data[0].Partner.Name)

	page, err = svc.List(context.Background(), query.Filter{Search: "dairy"})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)

	page, err = svc.List(context.Background(), query.Filter{})
	require.NoError(t, err)
	require.Equal(t, 2, page.Total)

	_, err = svc.List(context.Background(), query.Filter{Statuses: []string{"pending"}})
	require.ErrorIs(t, err, workflow.ErrValidation)
}

func TestDeleteManyIgnoresStatus(t *testing.T) {
	svc, _, stock := newTestService(KindPurchaseOrder)
	draft, err := svc.Create(context.Background(), clerk, orderInput())
	require.NoError(t, err)
	input := orderInput()
	input.Status = StatusCompleted
	done, err := svc.Create(context.Background(), clerk, input)
	require.NoError(t, err)

	result, err := svc.DeleteMany(context.Background(), clerk, []int64{draft.ID, done.ID, 50})
	require.NoError(t, err)
	require.Equal(t, 2, result.Deleted)
	require.Len(t, result.Failed, 1)
	require.Equal(t, int64(50), result.Failed[0].ID)
	require.Len(t, stock.received, 1)
	require.Empty(t, stock.issued)
}

var errConnReset = errors.New("write: connection reset by peer")

func TestCreateCompletedFailureBooksNothing(t *testing.T) {
	svc, repo, stock := newTestService(KindPurchaseOrder)
	repo.updateErr = errConnReset
	input := orderInput()
	input.Status = StatusCompleted

	_, err := svc.Create(context.Background(), clerk, input)
	require.ErrorIs(t, err, errConnReset)
	require.Empty(t, repo.docs)
	require.Empty(t, stock.received)
}

func TestCompleteFailureBooksNothing(t *testing.T) {
	for _, kind := range []Kind{KindPurchaseOrder, KindReturn} {
		t.Run(kind.Name, func(t *testing.T) {
			svc, repo, stock := newTestService(kind)
			draft, err := svc.Create(context.Background(), clerk, orderInput())
			require.NoError(t, err)

			repo.updateErr = errConnReset
			_, err = svc.Complete(context.Background(), clerk, draft.ID)
			require.ErrorIs(t, err, errConnReset)
			require.Empty(t, stock.received)
			require.Empty(t, stock.issued)
			repo.updateErr = nil

			stored, err := svc.Get(context.Background(), draft.ID)
			require.NoError(t, err)
			require.Equal(t, StatusDraft, stored.Status)

			done, err := svc.Complete(context.Background(), clerk, draft.ID)
			require.NoError(t, err)
			require.Equal(t, StatusCompleted, done.Status)
			require.Len(t, append(stock.received, stock.issued...), 1)
		})
	}
}

type failingCache struct{}

func (failingCache) FetchJSON(ctx context.Context, _, _ string, _ any, loader func(context.Context) (any, error)) error {
	_, err := loader(ctx)
	return err
}

func (failingCache) Bump(context.Context, string) error { return errConnReset }

func TestCacheBumpFailureIsLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	svc := NewService(KindReturn, newMemoryRepo(), &fakeStock{}, nil, ServiceConfig{Cache: failingCache{}, Logger: logger})

	draft, err := svc.Create(context.Background(), clerk, orderInput())
	require.NoError(t, err)
	_, err = svc.DeleteMany(context.Background(), clerk, []int64{draft.ID})
	require.NoError(t, err)

	out := buf.String()
	require.Equal(t, 2, strings.Count(out, "list cache not invalidated"), out)
	require.Contains(t, out, "workflow=purchase_return")
	require.Contains(t, out, "op=delete")
}
