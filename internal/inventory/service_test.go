package inventory

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/backoffice/internal/shared"
)

type memoryRepo struct {
	mu       sync.Mutex
	balances map[string]Balance
	cards    []StockCardEntry
	nextID   int64
}

type memoryTx struct {
	repo     *memoryRepo
	balances map[string]Balance
	cards    []StockCardEntry
	onCommit []func()
}

type memoryTxKey struct{}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{balances: make(map[string]Balance)}
}

func key(warehouseID, productID int64) string {
	return fmt.Sprintf("%d:%d", warehouseID, productID)
}

// WithTx stages writes and applies them only when fn succeeds.
func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx := &memoryTx{repo: r, balances: make(map[string]Balance)}
	if err := fn(context.WithValue(ctx, memoryTxKey{}, tx), tx); err != nil {
		return err
	}
	for k, v := range tx.balances {
		r.balances[k] = v
	}
	r.cards = append(r.cards, tx.cards...)
	for _, apply := range tx.onCommit {
		apply()
	}
	return nil
}

func (r *memoryRepo) GetStockCard(ctx context.Context, filter StockCardFilter) ([]StockCardEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]StockCardEntry, len(r.cards))
	copy(result, r.cards)
	return result, nil
}

func (r *memoryRepo) GetBalance(ctx context.Context, warehouseID, productID int64) (Balance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bal, ok := r.balances[key(warehouseID, productID)]
	if !ok {
		return Balance{}, ErrBalanceNotFound
	}
	return bal, nil
}

func (tx *memoryTx) InsertTransaction(ctx context.Context, _ Transaction) (int64, error) {
	tx.repo.nextID++
	return tx.repo.nextID, nil
}

func (tx *memoryTx) InsertTransactionLine(ctx context.Context, _ TransactionLine) error {
	return nil
}

func (tx *memoryTx) GetBalanceForUpdate(ctx context.Context, warehouseID, productID int64) (Balance, error) {
	k := key(warehouseID, productID)
	if bal, ok := tx.balances[k]; ok {
		return bal, nil
	}
	if bal, ok := tx.repo.balances[k]; ok {
		return bal, nil
	}
	return Balance{WarehouseID: warehouseID, ProductID: productID}, ErrBalanceNotFound
}

func (tx *memoryTx) UpsertBalance(ctx context.Context, balance Balance) error {
	tx.balances[key(balance.WarehouseID, balance.ProductID)] = balance
	return nil
}

func (tx *memoryTx) InsertCardEntry(ctx context.Context, card StockCardEntry, warehouseID, productID, txID int64) error {
	tx.cards = append(tx.cards, card)
	return nil
}

type memoryKeys struct {
	mu   sync.Mutex
	keys map[string]string
}

func newMemoryKeys() *memoryKeys { return &memoryKeys{keys: map[string]string{}} }

// CheckAndInsert claims key when the surrounding memoryTx commits.
func (m *memoryKeys) CheckAndInsert(ctx context.Context, key, module string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	tx, ok := ctx.Value(memoryTxKey{}).(*memoryTx)
	if !ok {
		m.keys[key] = module
		return nil
	}
	tx.onCommit = append(tx.onCommit, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.keys[key] = module
	})
	return nil
}

func qty(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func line(productID int64, q, cost string) PostingLine {
	return PostingLine{ProductID: productID, Qty: qty(q), UnitCost: qty(cost)}
}

func TestAverageMovingCost(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, ServiceConfig{})
	ctx := context.Background()

	cards, err := svc.Receive(ctx, Posting{Code: "PN-1", WarehouseID: 1, Lines: []PostingLine{line(1, "10", "100000")}})
	require.NoError(t, err)
	require.True(t, cards[0].BalanceQty.Equal(qty("10")))
	require.True(t, cards[0].BalanceCost.Equal(qty("100000")))

	cards, err = svc.Receive(ctx, Posting{Code: "PN-2", WarehouseID: 1, Lines: []PostingLine{line(1, "5", "120000")}})
	require.NoError(t, err)
	require.True(t, cards[0].BalanceQty.Equal(qty("15")))
	require.Equal(t, "106666.6667", cards[0].BalanceCost.String())

	cards, err = svc.Issue(ctx, Posting{Code: "OUT-1", WarehouseID: 1, Lines: []PostingLine{{ProductID: 1, Qty: qty("8")}}})
	require.NoError(t, err)
	require.True(t, cards[0].BalanceQty.Equal(qty("7")))
	require.True(t, cards[0].QtyOut.Equal(qty("8")))
	require.Equal(t, "106666.6667", cards[0].UnitCost.String())

	cards, err = svc.Issue(ctx, Posting{Code: "OUT-2", WarehouseID: 1, Lines: []PostingLine{{ProductID: 1, Qty: qty("7")}}})
	require.NoError(t, err)
	require.True(t, cards[0].BalanceQty.IsZero())
	require.True(t, cards[0].BalanceCost.IsZero())
}

func TestNegativeStockRollsBackWholePosting(t *testing.T) {
	repo := newMemoryRepo()
	keys := newMemoryKeys()
	svc := NewService(repo, nil, keys, ServiceConfig{})
	ctx := context.Background()

	_, err := svc.Receive(ctx, Posting{Code: "PN-1", WarehouseID: 1, Lines: []PostingLine{line(1, "5", "1000")}})
	require.NoError(t, err)

	_, err = svc.Issue(ctx, Posting{Code: "OUT-1", WarehouseID: 1, Lines: []PostingLine{line(1, "2", "0"), line(2, "1", "0")}})
	require.ErrorIs(t, err, ErrNegativeStock)

	bal, err := svc.GetBalance(ctx, 1, 1)
	require.NoError(t, err)
	require.True(t, bal.Qty.Equal(qty("5")), "first line must not be applied")
	require.NotContains(t, keys.keys, "OUT:OUT-1:1", "key released for retry")

	_, err = svc.Receive(ctx, Posting{Code: "PN-2", WarehouseID: 1, Lines: []PostingLine{line(2, "1", "500")}})
	require.NoError(t, err)
	_, err = svc.Issue(ctx, Posting{Code: "OUT-1", WarehouseID: 1, Lines: []PostingLine{line(1, "2", "0"), line(2, "1", "0")}})
	require.NoError(t, err)
	require.Contains(t, keys.keys, "OUT:OUT-1:1")
}

func TestAllowNegativeStock(t *testing.T) {
	svc := NewService(newMemoryRepo(), nil, nil, ServiceConfig{AllowNegativeStock: true})
	cards, err := svc.Issue(context.Background(), Posting{Code: "OUT-1", WarehouseID: 1, Lines: []PostingLine{line(1, "3", "0")}})
	require.NoError(t, err)
	require.True(t, cards[0].BalanceQty.Equal(qty("-3")))
}

func TestPostingIsIdempotentByCode(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, newMemoryKeys(), ServiceConfig{})
	ctx := context.Background()
	p := Posting{Code: "CK-1-IN", WarehouseID: 2, Lines: []PostingLine{line(1, "4", "10")}}

	_, err := svc.Receive(ctx, p)
	require.NoError(t, err)
	_, err = svc.Receive(ctx, p)
	require.ErrorIs(t, err, ErrAlreadyPosted)

	bal, err := svc.GetBalance(ctx, 2, 1)
	require.NoError(t, err)
	require.True(t, bal.Qty.Equal(qty("4")))
}

func TestPostingValidation(t *testing.T) {
	svc := NewService(newMemoryRepo(), nil, nil, ServiceConfig{})
	ctx := context.Background()
	_, err := svc.Receive(ctx, Posting{WarehouseID: 1})
	require.ErrorIs(t, err, ErrMissingReference)
	_, err = svc.Receive(ctx, Posting{WarehouseID: 1, Lines: []PostingLine{line(1, "0", "1")}})
	require.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = svc.Receive(ctx, Posting{WarehouseID: 1, Lines: []PostingLine{line(1, "1", "-1")}})
	require.ErrorIs(t, err, ErrInvalidUnitCost)
	_, err = svc.Receive(ctx, Posting{WarehouseID: 1, RefID: "nope", Lines: []PostingLine{line(1, "1", "1")}})
	require.Error(t, err)
	_, err = svc.GetStockCard(ctx, StockCardFilter{WarehouseID: 1})
	require.ErrorIs(t, err, ErrMissingReference)
}

func TestGetBalanceDefaultsToZero(t *testing.T) {
	svc := NewService(newMemoryRepo(), nil, nil, ServiceConfig{})
	bal, err := svc.GetBalance(context.Background(), 3, 9)
	require.NoError(t, err)
	require.Equal(t, int64(3), bal.WarehouseID)
	require.True(t, bal.Qty.IsZero())
}
