package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/backoffice/internal/shared"
)

// costPlaces is the precision kept on moving-average unit costs.
const costPlaces = 4

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetStockCard(ctx context.Context, filter StockCardFilter) ([]StockCardEntry, error)
	GetBalance(ctx context.Context, warehouseID, productID int64) (Balance, error)
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	InsertTransaction(ctx context.Context, tx Transaction) (int64, error)
	InsertTransactionLine(ctx context.Context, line TransactionLine) error
	GetBalanceForUpdate(ctx context.Context, warehouseID, productID int64) (Balance, error)
	UpsertBalance(ctx context.Context, balance Balance) error
	InsertCardEntry(ctx context.Context, card StockCardEntry, warehouseID, productID, txID int64) error
}

// Service maintains warehouse balances with moving-average cost.
type Service struct {
	repo        RepositoryPort
	audit       shared.AuditPort
	idempotency shared.IdempotencyPort
	allowNeg    bool
	now         func() time.Time
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	AllowNegativeStock bool
}

// NewService builds Service. audit and idem may be nil.
func NewService(repo RepositoryPort, audit shared.AuditPort, idem shared.IdempotencyPort, cfg ServiceConfig) *Service {
	return &Service{repo: repo, audit: audit, idempotency: idem, allowNeg: cfg.AllowNegativeStock, now: time.Now}
}

// Receive posts an inbound movement. A posting whose code was already
// applied returns ErrAlreadyPosted and changes nothing.
func (s *Service) Receive(ctx context.Context, p Posting) ([]StockCardEntry, error) {
	return s.post(ctx, p, TransactionTypeIn)
}

// Issue posts an outbound movement valued at the current average cost.
func (s *Service) Issue(ctx context.Context, p Posting) ([]StockCardEntry, error) {
	return s.post(ctx, p, TransactionTypeOut)
}

// GetStockCard lists stock card entries.
func (s *Service) GetStockCard(ctx context.Context, filter StockCardFilter) ([]StockCardEntry, error) {
	if filter.WarehouseID == 0 || filter.ProductID == 0 {
		return nil, ErrMissingReference
	}
	return s.repo.GetStockCard(ctx, filter)
}

// GetBalance returns the on-hand balance, zero when nothing was posted yet.
func (s *Service) GetBalance(ctx context.Context, warehouseID, productID int64) (Balance, error) {
	if warehouseID == 0 || productID == 0 {
		return Balance{}, ErrMissingReference
	}
	bal, err := s.repo.GetBalance(ctx, warehouseID, productID)
	if errors.Is(err, ErrBalanceNotFound) {
		return Balance{WarehouseID: warehouseID, ProductID: productID}, nil
	}
	return bal, err
}

func validatePosting(p Posting) error {
	if p.WarehouseID == 0 || len(p.Lines) == 0 {
		return ErrMissingReference
	}
	for _, line := range p.Lines {
		if line.ProductID == 0 {
			return ErrMissingReference
		}
		if !line.Qty.IsPositive() {
			return ErrInvalidQuantity
		}
		if line.UnitCost.IsNegative() {
			return ErrInvalidUnitCost
		}
	}
	if p.RefID != "" {
		if _, err := uuid.Parse(p.RefID); err != nil {
			return fmt.Errorf("inventory: invalid ref id: %w", err)
		}
	}
	return nil
}

func (s *Service) post(ctx context.Context, p Posting, txType TransactionType) ([]StockCardEntry, error) {
	if err := validatePosting(p); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	code := p.Code
	if code == "" {
		code = fmt.Sprintf("INV-%d", now.UnixNano())
	}
	key := fmt.Sprintf("%s:%s:%d", txType, code, p.WarehouseID)

	var cards []StockCardEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if s.idempotency != nil {
			if err := s.idempotency.CheckAndInsert(ctx, key, "inventory"); err != nil {
				if errors.Is(err, shared.ErrIdempotencyConflict) {
					return ErrAlreadyPosted
				}
				return err
			}
		}
		txID, err := tx.InsertTransaction(ctx, Transaction{
			Code:        code,
			Type:        txType,
			WarehouseID: p.WarehouseID,
			RefModule:   p.RefModule,
			RefID:       p.RefID,
			Note:        p.Note,
			PostedAt:    now,
			CreatedBy:   p.ActorID,
		})
		if err != nil {
			return err
		}
		cards = make([]StockCardEntry, 0, len(p.Lines))
		for _, line := range p.Lines {
			qtyChange := line.Qty
			if txType == TransactionTypeOut {
				qtyChange = qtyChange.Neg()
			}
			card, err := s.applyLine(ctx, tx, p, txID, code, txType, line, qtyChange, now)
			if err != nil {
				return err
			}
			cards = append(cards, card)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  p.ActorID,
			Action:   fmt.Sprintf("inventory:%s", txType),
			Entity:   "inventory_tx",
			EntityID: code,
			Meta: map[string]any{
				"warehouse_id": p.WarehouseID,
				"lines":        len(p.Lines),
				"ref_module":   p.RefModule,
				"ref_id":       p.RefID,
			},
		})
	}
	return cards, nil
}

func (s *Service) applyLine(ctx context.Context, tx TxRepository, p Posting, txID int64, code string, txType TransactionType, line PostingLine, qtyChange decimal.Decimal, now time.Time) (StockCardEntry, error) {
	balance, err := tx.GetBalanceForUpdate(ctx, p.WarehouseID, line.ProductID)
	if errors.Is(err, ErrBalanceNotFound) {
		balance = Balance{WarehouseID: p.WarehouseID, ProductID: line.ProductID}
	} else if err != nil {
		return StockCardEntry{}, err
	}
	newQty := balance.Qty.Add(qtyChange)
	if !s.allowNeg && newQty.IsNegative() {
		return StockCardEntry{}, fmt.Errorf("%w: product %d in warehouse %d has %s", ErrNegativeStock, line.ProductID, p.WarehouseID, balance.Qty)
	}
	var unitCost, newAvg decimal.Decimal
	if qtyChange.IsPositive() {
		unitCost = line.UnitCost
		totalCost := balance.Qty.Mul(balance.AvgCost).Add(qtyChange.Mul(unitCost))
		if !newQty.IsZero() {
			newAvg = totalCost.DivRound(newQty, costPlaces)
		}
	} else {
		unitCost = balance.AvgCost
		if newQty.IsPositive() {
			newAvg = balance.AvgCost
		}
	}
	if err := tx.InsertTransactionLine(ctx, TransactionLine{TransactionID: txID, ProductID: line.ProductID, Qty: qtyChange, UnitCost: unitCost}); err != nil {
		return StockCardEntry{}, err
	}
	balance.Qty = newQty
	balance.AvgCost = newAvg
	balance.UpdatedAt = now
	if err := tx.UpsertBalance(ctx, balance); err != nil {
		return StockCardEntry{}, err
	}
	card := StockCardEntry{
		TxCode:      code,
		TxType:      txType,
		PostedAt:    now,
		QtyIn:       decimal.Max(qtyChange, decimal.Zero),
		QtyOut:      decimal.Max(qtyChange.Neg(), decimal.Zero),
		BalanceQty:  newQty,
		UnitCost:    unitCost,
		BalanceCost: newAvg,
		Note:        p.Note,
	}
	if err := tx.InsertCardEntry(ctx, card, p.WarehouseID, line.ProductID, txID); err != nil {
		return StockCardEntry{}, err
	}
	return card, nil
}
