package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/iliyamo/stock-reservation/internal/model"
)

// StockReservationRepo implements ReservationStore on the
// stock_reservations table. Rows are never deleted; soft-deleted rows are
// filtered out of every listing by an explicit is_deleted = 0 predicate.
// All timestamps are stored in UTC.
type StockReservationRepo struct {
	db *sql.DB
}

// NewStockReservationRepo returns a new StockReservationRepo bound to the given database.
func NewStockReservationRepo(db *sql.DB) *StockReservationRepo {
	return &StockReservationRepo{db: db}
}

const reservationColumns = `id, group_id, product_id, customer_id, order_id, external_ref, quantity, status,
                      created_at, expires_at, confirmed_at, released_at, release_reason,
                      is_deleted, deleted_at, deleted_by, deleted_reason, restore_pending, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReservation(s rowScanner) (model.StockReservation, error) {
	var (
		r                                          model.StockReservation
		status                                     string
		orderID, externalRef, releaseReason, delRe sql.NullString
		confirmedAt, releasedAt, deletedAt         sql.NullTime
		deletedBy                                  sql.NullInt64
	)
	err := s.Scan(
		&r.ID, &r.GroupID, &r.ProductID, &r.CustomerID, &orderID, &externalRef, &r.Quantity, &status,
		&r.CreatedAt, &r.ExpiresAt, &confirmedAt, &releasedAt, &releaseReason,
		&r.IsDeleted, &deletedAt, &deletedBy, &delRe, &r.RestorePending, &r.Version,
	)
	if err != nil {
		return model.StockReservation{}, err
	}
	r.Status = model.ReservationStatus(status)
	r.OrderID = nullString(orderID)
	r.ExternalRef = nullString(externalRef)
	r.ReleaseReason = nullString(releaseReason)
	r.DeletedReason = nullString(delRe)
	r.ConfirmedAt = nullTime(confirmedAt)
	r.ReleasedAt = nullTime(releasedAt)
	r.DeletedAt = nullTime(deletedAt)
	if deletedBy.Valid {
		by := uint64(deletedBy.Int64)
		r.DeletedBy = &by
	}
	return r, nil
}

// CreateReservation inserts a new row with version 1.
func (r *StockReservationRepo) CreateReservation(ctx context.Context, res *model.StockReservation) error {
	const q = `INSERT INTO stock_reservations
               (id, group_id, product_id, customer_id, order_id, external_ref, quantity, status,
                created_at, expires_at, is_deleted, version)
               VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 1)`
	_, err := r.db.ExecContext(ctx, q,
		res.ID, res.GroupID, res.ProductID, res.CustomerID, res.OrderID, res.ExternalRef,
		res.Quantity, string(res.Status), res.CreatedAt.UTC(), res.ExpiresAt.UTC(),
	)
	if err != nil {
		if isDuplicateEntry(err) {
			return ErrConflict
		}
		return pkgerrors.Wrapf(err, "create reservation %s", res.ID)
	}
	res.Version = 1
	return nil
}

// GetReservation loads one row, including soft-deleted ones.
func (r *StockReservationRepo) GetReservation(ctx context.Context, id string) (model.StockReservation, error) {
	q := `SELECT ` + reservationColumns + ` FROM stock_reservations WHERE id = ?`
	res, err := scanReservation(r.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.StockReservation{}, ErrNotFound
	}
	if err != nil {
		return model.StockReservation{}, pkgerrors.Wrapf(err, "get reservation %s", id)
	}
	return res, nil
}

// UpdateReservationConditional writes the mutable columns of res when the
// row still carries expectedVersion.
func (r *StockReservationRepo) UpdateReservationConditional(ctx context.Context, res model.StockReservation, expectedVersion uint64) error {
	const q = `UPDATE stock_reservations
               SET status = ?, order_id = ?, confirmed_at = ?, released_at = ?, release_reason = ?,
                   is_deleted = ?, deleted_at = ?, deleted_by = ?, deleted_reason = ?,
                   restore_pending = ?, version = version + 1
               WHERE id = ? AND version = ?`
	result, err := r.db.ExecContext(ctx, q,
		string(res.Status), res.OrderID, utcPtr(res.ConfirmedAt), utcPtr(res.ReleasedAt), res.ReleaseReason,
		res.IsDeleted, utcPtr(res.DeletedAt), res.DeletedBy, res.DeletedReason,
		res.RestorePending, res.ID, expectedVersion,
	)
	if err != nil {
		return pkgerrors.Wrapf(err, "update reservation %s", res.ID)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return pkgerrors.Wrap(err, "rows affected")
	}
	if n == 1 {
		return nil
	}
	var one int
	err = r.db.QueryRowContext(ctx, `SELECT 1 FROM stock_reservations WHERE id = ?`, res.ID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return pkgerrors.Wrapf(err, "check reservation %s", res.ID)
	}
	return ErrVersionConflict
}

// ListExpiredPending pages through overdue PENDING rows by id so that a
// sweep visits each row at most once even when some rows keep failing.
func (r *StockReservationRepo) ListExpiredPending(ctx context.Context, now time.Time, afterID string, limit int) ([]model.StockReservation, error) {
	q := `SELECT ` + reservationColumns + ` FROM stock_reservations
          WHERE status = 'PENDING' AND is_deleted = 0 AND expires_at <= ? AND id > ?
          ORDER BY id LIMIT ?`
	return r.query(ctx, q, now.UTC(), afterID, limit)
}

// ListRestorePending pages through RELEASED or EXPIRED rows whose stock
// could not be added back. Soft-deleted rows are included.
func (r *StockReservationRepo) ListRestorePending(ctx context.Context, afterID string, limit int) ([]model.StockReservation, error) {
	q := `SELECT ` + reservationColumns + ` FROM stock_reservations
          WHERE restore_pending = 1 AND id > ?
          ORDER BY id LIMIT ?`
	return r.query(ctx, q, afterID, limit)
}

// ListByGroup returns the rows created by one reserve call.
func (r *StockReservationRepo) ListByGroup(ctx context.Context, groupID string) ([]model.StockReservation, error) {
	q := `SELECT ` + reservationColumns + ` FROM stock_reservations
          WHERE group_id = ? AND is_deleted = 0 ORDER BY id`
	return r.query(ctx, q, groupID)
}

// ListByCustomer returns a customer's visible reservations, newest first.
func (r *StockReservationRepo) ListByCustomer(ctx context.Context, customerID uint64) ([]model.StockReservation, error) {
	q := `SELECT ` + reservationColumns + ` FROM stock_reservations
          WHERE customer_id = ? AND is_deleted = 0 ORDER BY created_at DESC, id`
	return r.query(ctx, q, customerID)
}

func (r *StockReservationRepo) query(ctx context.Context, q string, args ...any) ([]model.StockReservation, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "query reservations")
	}
	defer rows.Close()
	out := make([]model.StockReservation, 0)
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "scan reservation")
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, "iterate reservations")
	}
	return out, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
