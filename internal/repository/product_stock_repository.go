package repository

import (
	"context"
	"database/sql"
	"errors"

	pkgerrors "github.com/pkg/errors"

	"github.com/iliyamo/stock-reservation/internal/model"
)

// ProductStockRepo implements StockStore on the product_stock table. Writes
// to available are only ever issued as
// UPDATE ... WHERE product_id = ? AND version = ?, so two writers racing on
// the same row serialize through InnoDB and the loser sees a conflict.
type ProductStockRepo struct {
	db *sql.DB
}

// NewProductStockRepo returns a new ProductStockRepo bound to the provided database.
func NewProductStockRepo(db *sql.DB) *ProductStockRepo { return &ProductStockRepo{db: db} }

// DB exposes the underlying handle for health checks.
func (r *ProductStockRepo) DB() *sql.DB { return r.db }

// GetStock loads the stock row for productID.
func (r *ProductStockRepo) GetStock(ctx context.Context, productID uint64) (model.ProductStock, error) {
	const q = `SELECT product_id, sku, available, is_active, version, updated_at
               FROM product_stock WHERE product_id = ?`
	var p model.ProductStock
	err := r.db.QueryRowContext(ctx, q, productID).Scan(
		&p.ProductID, &p.SKU, &p.Available, &p.IsActive, &p.Version, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ProductStock{}, ErrNotFound
	}
	if err != nil {
		return model.ProductStock{}, pkgerrors.Wrapf(err, "get stock %d", productID)
	}
	return p, nil
}

// UpdateStockConditional writes newAvailable when the row still carries
// expectedVersion. Zero affected rows means either the row vanished or
// another writer bumped the version; a follow-up existence check tells the
// two apart.
func (r *ProductStockRepo) UpdateStockConditional(ctx context.Context, productID uint64, newAvailable int64, expectedVersion uint64) error {
	const q = `UPDATE product_stock
               SET available = ?, version = version + 1, updated_at = UTC_TIMESTAMP(6)
               WHERE product_id = ? AND version = ?`
	res, err := r.db.ExecContext(ctx, q, newAvailable, productID, expectedVersion)
	if err != nil {
		return pkgerrors.Wrapf(err, "update stock %d", productID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return pkgerrors.Wrap(err, "rows affected")
	}
	if n == 1 {
		return nil
	}
	var one int
	err = r.db.QueryRowContext(ctx, `SELECT 1 FROM product_stock WHERE product_id = ?`, productID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return pkgerrors.Wrapf(err, "check stock %d", productID)
	}
	return ErrVersionConflict
}

// CreateStock inserts a stock row with version 1. The generated
// updated_at is read back into stock.
func (r *ProductStockRepo) CreateStock(ctx context.Context, stock *model.ProductStock) error {
	const q = `INSERT INTO product_stock (product_id, sku, available, is_active, version, updated_at)
               VALUES (?, ?, ?, ?, 1, UTC_TIMESTAMP(6))`
	if _, err := r.db.ExecContext(ctx, q, stock.ProductID, stock.SKU, stock.Available, stock.IsActive); err != nil {
		if isDuplicateEntry(err) {
			return ErrConflict
		}
		return pkgerrors.Wrapf(err, "create stock %d", stock.ProductID)
	}
	created, err := r.GetStock(ctx, stock.ProductID)
	if err != nil {
		return err
	}
	*stock = created
	return nil
}
