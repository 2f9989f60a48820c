package purchasing

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/backoffice/internal/platform/db"
	"github.com/odyssey-erp/backoffice/internal/query"
	"github.com/odyssey-erp/backoffice/internal/workflow"
)

// Repository persists one document family in PostgreSQL. Orders keep their
// reference date in import_date; returns are dated by created_at.
type Repository struct {
	pool *pgxpool.Pool
	kind Kind
}

// NewRepository constructs Repository for kind.
func NewRepository(pool *pgxpool.Pool, kind Kind) *Repository {
	return &Repository{pool: pool, kind: kind}
}

type txRepository struct {
	tx   pgx.Tx
	kind Kind
}

func (k Kind) columns() query.Columns {
	return query.Columns{
		Status:    "d.status",
		Warehouse: []string{"d.warehouse_id"},
		Creator:   "d.created_by",
		Partner:   "d.supplier_id",
		Date:      "d." + k.dateColumn,
		Search:    []string{"d.code", "d.note", "s.name"},
	}
}

func (k Kind) separateDate() bool { return k.dateColumn != "created_at" }

func (k Kind) selectHeader() string {
	return fmt.Sprintf(`SELECT d.id, d.code, d.status, d.supplier_id, COALESCE(s.name, ''), d.warehouse_id, w.name,
d.discount, d.paid_amount, d.%s, COALESCE(d.note, ''), d.created_by, d.version, d.created_at, d.updated_at,
d.completed_at, d.cancelled_at
FROM %s d
JOIN warehouses w ON w.id = d.warehouse_id
LEFT JOIN suppliers s ON s.id = d.supplier_id`, k.dateColumn, k.table)
}

// WithTx executes fn inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("purchasing repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx, kind: r.kind})
	})
}

// Get loads a document with its items.
func (r *Repository) Get(ctx context.Context, id int64) (Document, error) {
	doc, err := r.kind.scanHeader(r.pool.QueryRow(ctx, r.kind.selectHeader()+` WHERE d.id=$1`, id))
	if err != nil {
		return Document{}, err
	}
	if err := r.kind.attachItems(ctx, r.pool, []*Document{&doc}); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// List returns one page of documents and the total match count.
func (r *Repository) List(ctx context.Context, filter query.Filter) ([]Document, int, error) {
	filter = filter.Normalize()
	where, args := filter.Where(r.kind.columns(), nil)
	var total int
	countSQL := fmt.Sprintf(`SELECT COUNT(*) FROM %s d LEFT JOIN suppliers s ON s.id = d.supplier_id WHERE %s`, r.kind.table, where)
	if err := r.pool.QueryRow(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, filter.Limit, filter.Offset())
	sql := fmt.Sprintf("%s WHERE %s ORDER BY d.%s DESC, d.id DESC LIMIT $%d OFFSET $%d", r.kind.selectHeader(), where, r.kind.dateColumn, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, err
	}
	docs := []Document{}
	for rows.Next() {
		doc, err := r.kind.scanHeader(rows)
		if err != nil {
			rows.Close()
			return nil, 0, err
		}
		docs = append(docs, doc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	ptrs := make([]*Document, len(docs))
	for i := range docs {
		ptrs[i] = &docs[i]
	}
	if err := r.kind.attachItems(ctx, r.pool, ptrs); err != nil {
		return nil, 0, err
	}
	return docs, total, nil
}

// Partner resolves a supplier reference.
func (r *Repository) Partner(ctx context.Context, id int64) (PartnerRef, error) {
	var ref PartnerRef
	err := r.pool.QueryRow(ctx, `SELECT id, name FROM suppliers WHERE id=$1`, id).Scan(&ref.ID, &ref.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return PartnerRef{}, workflow.ErrNotFound
	}
	return ref, err
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

func (r *txRepository) Insert(ctx context.Context, doc *Document) error {
	var err error
	if r.kind.separateDate() {
		err = r.tx.QueryRow(ctx, fmt.Sprintf(`INSERT INTO %s (code, status, supplier_id, warehouse_id, discount, paid_amount, %s, note, created_by, version, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,1,$10,$11) RETURNING id, version`, r.kind.table, r.kind.dateColumn),
			doc.Code, string(doc.Status), partnerID(doc), doc.Warehouse.ID, doc.Discount, doc.PaidAmount, doc.DocDate, doc.Note, nullInt(doc.CreatedBy), doc.CreatedAt, doc.UpdatedAt).
			Scan(&doc.ID, &doc.Version)
	} else {
		err = r.tx.QueryRow(ctx, fmt.Sprintf(`INSERT INTO %s (code, status, supplier_id, warehouse_id, discount, paid_amount, note, created_by, version, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,1,$9,$10) RETURNING id, version`, r.kind.table),
			doc.Code, string(doc.Status), partnerID(doc), doc.Warehouse.ID, doc.Discount, doc.PaidAmount, doc.Note, nullInt(doc.CreatedBy), doc.CreatedAt, doc.UpdatedAt).
			Scan(&doc.ID, &doc.Version)
		doc.DocDate = doc.CreatedAt
	}
	if err != nil {
		return err
	}
	return r.insertItems(ctx, doc)
}

func (r *txRepository) GetForUpdate(ctx context.Context, id int64) (Document, error) {
	doc, err := r.kind.scanHeader(r.tx.QueryRow(ctx, r.kind.selectHeader()+` WHERE d.id=$1 FOR UPDATE OF d`, id))
	if err != nil {
		return Document{}, err
	}
	if err := r.kind.attachItems(ctx, r.tx, []*Document{&doc}); err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (r *txRepository) Update(ctx context.Context, doc Document, expectedVersion int64) error {
	dateSet := ""
	args := []any{doc.ID, string(doc.Status), partnerID(&doc), doc.Warehouse.ID, doc.Discount, doc.PaidAmount, doc.Note,
		doc.CompletedAt, doc.CancelledAt, doc.UpdatedAt, expectedVersion}
	if r.kind.separateDate() {
		args = append(args, doc.DocDate)
		dateSet = fmt.Sprintf(", %s=$12", r.kind.dateColumn)
	}
	tag, err := r.tx.Exec(ctx, fmt.Sprintf(`UPDATE %s SET status=$2, supplier_id=$3, warehouse_id=$4, discount=$5, paid_amount=$6, note=$7,
completed_at=$8, cancelled_at=$9, updated_at=$10, version=version+1%s WHERE id=$1 AND version=$11`, r.kind.table, dateSet), args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleVersion
	}
	return nil
}

func (r *txRepository) ReplaceItems(ctx context.Context, doc *Document) error {
	if _, err := r.tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE document_id=$1`, r.kind.itemTable), doc.ID); err != nil {
		return err
	}
	return r.insertItems(ctx, doc)
}

func (r *txRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id=$1`, r.kind.table), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return workflow.ErrNotFound
	}
	return nil
}

func (r *txRepository) insertItems(ctx context.Context, doc *Document) error {
	for i := range doc.Items {
		item := &doc.Items[i]
		if err := r.tx.QueryRow(ctx, fmt.Sprintf(`INSERT INTO %s (document_id, product_id, product_name, quantity, unit_price)
VALUES ($1,$2,$3,$4,$5) RETURNING id`, r.kind.itemTable), doc.ID, item.ProductID, item.ProductName, item.Quantity, item.UnitPrice).Scan(&item.ID); err != nil {
			return err
		}
	}
	return nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (k Kind) attachItems(ctx context.Context, q querier, docs []*Document) error {
	if len(docs) == 0 {
		return nil
	}
	ids := make([]int64, len(docs))
	byID := make(map[int64]*Document, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
		byID[d.ID] = d
	}
	rows, err := q.Query(ctx, fmt.Sprintf(`SELECT id, document_id, product_id, COALESCE(product_name, ''), quantity, unit_price
FROM %s WHERE document_id = ANY($1) ORDER BY document_id, id`, k.itemTable), ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var item Item
		var docID int64
		if err := rows.Scan(&item.ID, &docID, &item.ProductID, &item.ProductName, &item.Quantity, &item.UnitPrice); err != nil {
			return err
		}
		if d, ok := byID[docID]; ok {
			d.Items = append(d.Items, item)
		}
	}
	return rows.Err()
}

func (k Kind) scanHeader(row pgx.Row) (Document, error) {
	var doc Document
	var status, partnerName string
	var supplierID, createdBy *int64
	err := row.Scan(&doc.ID, &doc.Code, &status, &supplierID, &partnerName, &doc.Warehouse.ID, &doc.Warehouse.Name,
		&doc.Discount, &doc.PaidAmount, &doc.DocDate, &doc.Note, &createdBy, &doc.Version, &doc.CreatedAt, &doc.UpdatedAt,
		&doc.CompletedAt, &doc.CancelledAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Document{}, workflow.ErrNotFound
		}
		return Document{}, err
	}
	doc.Kind = k.Name
	doc.Status = Status(status)
	if supplierID != nil {
		doc.Partner = &PartnerRef{ID: *supplierID, Name: partnerName}
	}
	if createdBy != nil {
		doc.CreatedBy = *createdBy
	}
	doc.Items = []Item{}
	return doc, nil
}

func partnerID(doc *Document) any {
	if doc.Partner == nil || doc.Partner.ID == 0 {
		return nil
	}
	return doc.Partner.ID
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}
