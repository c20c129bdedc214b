package repository

import (
	"context"
	"time"

	"github.com/iliyamo/stock-reservation/internal/model"
)

// StockStore gives read and conditional write access to product stock rows.
// There is deliberately no unconditional setter for Available.
type StockStore interface {
	// GetStock returns the current row or ErrNotFound.
	GetStock(ctx context.Context, productID uint64) (model.ProductStock, error)
	// UpdateStockConditional sets Available to newAvailable only when the
	// stored version equals expectedVersion, bumping the version. It returns
	// ErrVersionConflict on a stale version and ErrNotFound for a missing row.
	UpdateStockConditional(ctx context.Context, productID uint64, newAvailable int64, expectedVersion uint64) error
	// CreateStock inserts a new row; ErrConflict if one already exists.
	CreateStock(ctx context.Context, stock *model.ProductStock) error
}

// ReservationStore persists reservation rows. Soft-deleted rows are excluded
// from every listing; GetReservation returns them so callers can decide.
type ReservationStore interface {
	CreateReservation(ctx context.Context, r *model.StockReservation) error
	GetReservation(ctx context.Context, id string) (model.StockReservation, error)
	// UpdateReservationConditional writes every mutable column of r when the
	// stored version equals expectedVersion and bumps the version.
	UpdateReservationConditional(ctx context.Context, r model.StockReservation, expectedVersion uint64) error
	// ListExpiredPending returns up to limit PENDING, non-deleted rows with
	// expires_at <= now and id > afterID, ordered by id.
	ListExpiredPending(ctx context.Context, now time.Time, afterID string, limit int) ([]model.StockReservation, error)
	// ListRestorePending returns up to limit rows with RestorePending set
	// and id > afterID, ordered by id, soft-deleted rows included.
	ListRestorePending(ctx context.Context, afterID string, limit int) ([]model.StockReservation, error)
	ListByGroup(ctx context.Context, groupID string) ([]model.StockReservation, error)
	// ListByCustomer returns visible rows newest first, ties by id.
	ListByCustomer(ctx context.Context, customerID uint64) ([]model.StockReservation, error)
}
