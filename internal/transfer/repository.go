package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/backoffice/internal/platform/db"
	"github.com/odyssey-erp/backoffice/internal/query"
	"github.com/odyssey-erp/backoffice/internal/workflow"
)

// Repository persists transfers in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

var listColumns = query.Columns{
	Status:        "t.status",
	Warehouse:     []string{"t.from_warehouse_id", "t.to_warehouse_id"},
	FromWarehouse: "t.from_warehouse_id",
	ToWarehouse:   "t.to_warehouse_id",
	Creator:       "t.created_by",
	Date:          "t.transfer_date",
	Search:        []string{"t.code", "t.note", "fw.name", "tw.name"},
}

const selectHeader = `SELECT t.id, t.code, t.from_warehouse_id, fw.name, t.to_warehouse_id, tw.name, t.status, t.transfer_date,
COALESCE(t.note, ''), COALESCE(t.cancel_reason, ''), t.created_by, t.version, t.created_at, t.updated_at,
t.submitted_at, t.completed_at, t.cancelled_at
FROM transfers t
JOIN warehouses fw ON fw.id = t.from_warehouse_id
JOIN warehouses tw ON tw.id = t.to_warehouse_id`

// WithTx executes fn inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("transfer repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// Get loads a transfer with its items.
func (r *Repository) Get(ctx context.Context, id int64) (Document, error) {
	doc, err := scanHeader(r.pool.QueryRow(ctx, selectHeader+` WHERE t.id=$1`, id))
	if err != nil {
		return Document{}, err
	}
	items, err := loadItems(ctx, r.pool, []int64{id})
	if err != nil {
		return Document{}, err
	}
	if lines, ok := items[id]; ok {
		doc.Items = lines
	}
	return doc, nil
}

// List returns one page of transfers and the total match count.
func (r *Repository) List(ctx context.Context, filter query.Filter) ([]Document, int, error) {
	filter = filter.Normalize()
	where, args := filter.Where(listColumns, nil)
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM transfers t
JOIN warehouses fw ON fw.id = t.from_warehouse_id
JOIN warehouses tw ON tw.id = t.to_warehouse_id
WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, filter.Limit, filter.Offset())
	sql := fmt.Sprintf("%s WHERE %s ORDER BY t.transfer_date DESC, t.id DESC LIMIT $%d OFFSET $%d", selectHeader, where, len(args)-1, len(args))
	docs, err := r.queryDocuments(ctx, sql, args...)
	if err != nil {
		return nil, 0, err
	}
	return docs, total, nil
}

// ListPendingBefore returns transfers submitted before cutoff and still pending.
func (r *Repository) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]Document, error) {
	return r.queryDocuments(ctx, selectHeader+` WHERE t.status='pending' AND t.submitted_at < $1 ORDER BY t.submitted_at ASC LIMIT $2`, cutoff, limit)
}

// Warehouse resolves a warehouse reference.
func (r *Repository) Warehouse(ctx context.Context, id int64) (WarehouseRef, error) {
	var ref WarehouseRef
	err := r.pool.QueryRow(ctx, `SELECT id, name FROM warehouses WHERE id=$1`, id).Scan(&ref.ID, &ref.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return WarehouseRef{}, workflow.ErrNotFound
	}
	return ref, err
}

func (r *Repository) queryDocuments(ctx context.Context, sql string, args ...any) ([]Document, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	docs := []Document{}
	for rows.Next() {
		doc, err := scanHeader(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		docs = append(docs, doc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return docs, nil
	}
	ids := make([]int64, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	items, err := loadItems(ctx, r.pool, ids)
	if err != nil {
		return nil, err
	}
	for i := range docs {
		if lines, ok := items[docs[i].ID]; ok {
			docs[i].Items = lines
		}
	}
	return docs, nil
}

func (r *txRepository) Insert(ctx context.Context, doc *Document) error {
	err := r.tx.QueryRow(ctx, `INSERT INTO transfers (code, from_warehouse_id, to_warehouse_id, status, transfer_date, note, created_by, version, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,1,$8,$9) RETURNING id, version`,
		doc.Code, doc.FromWarehouse.ID, doc.ToWarehouse.ID, string(doc.Status), doc.TransferDate, doc.Note, nullInt(doc.CreatedBy), doc.CreatedAt, doc.UpdatedAt).
		Scan(&doc.ID, &doc.Version)
	if err != nil {
		return err
	}
	for i := range doc.Items {
		item := &doc.Items[i]
		if err := r.tx.QueryRow(ctx, `INSERT INTO transfer_items (transfer_id, product_id, product_name, quantity, unit_price, received_quantity, issued_cost)
VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`, doc.ID, item.ProductID, item.ProductName, item.Quantity, item.UnitPrice, item.ReceivedQuantity, item.IssuedCost).Scan(&item.ID); err != nil {
			return err
		}
	}
	return nil
}

func (r *txRepository) GetForUpdate(ctx context.Context, id int64) (Document, error) {
	doc, err := scanHeader(r.tx.QueryRow(ctx, selectHeader+` WHERE t.id=$1 FOR UPDATE OF t`, id))
	if err != nil {
		return Document{}, err
	}
	items, err := loadItems(ctx, r.tx, []int64{id})
	if err != nil {
		return Document{}, err
	}
	if lines, ok := items[id]; ok {
		doc.Items = lines
	}
	return doc, nil
}

func (r *txRepository) Update(ctx context.Context, doc Document, expectedVersion int64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE transfers SET status=$2, cancel_reason=NULLIF($3,''), submitted_at=$4, completed_at=$5, cancelled_at=$6,
updated_at=$7, version=version+1 WHERE id=$1 AND version=$8`,
		doc.ID, string(doc.Status), doc.CancelReason, doc.SubmittedAt, doc.CompletedAt, doc.CancelledAt, doc.UpdatedAt, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleVersion
	}
	for _, item := range doc.Items {
		if _, err := r.tx.Exec(ctx, `UPDATE transfer_items SET received_quantity=$3, issued_cost=$4 WHERE id=$1 AND transfer_id=$2`, item.ID, doc.ID, item.ReceivedQuantity, item.IssuedCost); err != nil {
			return err
		}
	}
	return nil
}

func (r *txRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM transfers WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return workflow.ErrNotFound
	}
	return nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadItems(ctx context.Context, q querier, ids []int64) (map[int64][]Item, error) {
	rows, err := q.Query(ctx, `SELECT id, transfer_id, product_id, COALESCE(product_name, ''), quantity, unit_price, received_quantity, issued_cost
FROM transfer_items WHERE transfer_id = ANY($1) ORDER BY transfer_id, id`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64][]Item, len(ids))
	for rows.Next() {
		var item Item
		var transferID int64
		if err := rows.Scan(&item.ID, &transferID, &item.ProductID, &item.ProductName, &item.Quantity, &item.UnitPrice, &item.ReceivedQuantity, &item.IssuedCost); err != nil {
			return nil, err
		}
		out[transferID] = append(out[transferID], item)
	}
	return out, rows.Err()
}

func scanHeader(row pgx.Row) (Document, error) {
	var doc Document
	var status string
	var createdBy *int64
	err := row.Scan(&doc.ID, &doc.Code, &doc.FromWarehouse.ID, &doc.FromWarehouse.Name, &doc.ToWarehouse.ID, &doc.ToWarehouse.Name,
		&status, &doc.TransferDate, &doc.Note, &doc.CancelReason, &createdBy, &doc.Version, &doc.CreatedAt, &doc.UpdatedAt,
		&doc.SubmittedAt, &doc.CompletedAt, &doc.CancelledAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Document{}, workflow.ErrNotFound
		}
		return Document{}, err
	}
	doc.Status = Status(status)
	if createdBy != nil {
		doc.CreatedBy = *createdBy
	}
	doc.Items = []Item{}
	return doc, nil
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}
