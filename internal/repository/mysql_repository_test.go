package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/stock-reservation/internal/model"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return db, mock
}

func TestProductStockRepo_GetStock(t *testing.T) {
	db, mock := newMock(t)
	now := time.Now().UTC()
	mock.ExpectQuery(`SELECT product_id, sku, available, is_active, version, updated_at\s+FROM product_stock`).
		WithArgs(uint64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"product_id", "sku", "available", "is_active", "version", "updated_at"}).
			AddRow(int64(7), "SKU-7", int64(10), true, int64(3), now))

	p, err := NewProductStockRepo(db).GetStock(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(10), p.Available)
	assert.Equal(t, uint64(3), p.Version)
	assert.True(t, p.IsActive)
}

func TestProductStockRepo_GetStockNotFound(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery(`FROM product_stock`).WithArgs(uint64(8)).WillReturnError(sql.ErrNoRows)

	_, err := NewProductStockRepo(db).GetStock(context.Background(), 8)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProductStockRepo_UpdateStockConditional(t *testing.T) {
	t.Run("applied", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectExec(`UPDATE product_stock\s+SET available = \?, version = version \+ 1`).
			WithArgs(int64(6), uint64(7), uint64(3)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		require.NoError(t, NewProductStockRepo(db).UpdateStockConditional(context.Background(), 7, 6, 3))
	})

	t.Run("stale version", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectExec(`UPDATE product_stock`).
			WithArgs(int64(6), uint64(7), uint64(3)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT 1 FROM product_stock`).WithArgs(uint64(7)).
			WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
		err := NewProductStockRepo(db).UpdateStockConditional(context.Background(), 7, 6, 3)
		assert.ErrorIs(t, err, ErrVersionConflict)
	})

	t.Run("missing row", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectExec(`UPDATE product_stock`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT 1 FROM product_stock`).WillReturnError(sql.ErrNoRows)
		err := NewProductStockRepo(db).UpdateStockConditional(context.Background(), 7, 6, 3)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("deadlock is a conflict", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectExec(`UPDATE product_stock`).
			WillReturnError(&mysql.MySQLError{Number: 1213, Message: "Deadlock found"})
		err := NewProductStockRepo(db).UpdateStockConditional(context.Background(), 7, 6, 3)
		assert.True(t, IsVersionConflict(err))
	})
}

func TestProductStockRepo_CreateStockDuplicate(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectExec(`INSERT INTO product_stock`).
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})
	err := NewProductStockRepo(db).CreateStock(context.Background(), &model.ProductStock{ProductID: 1})
	assert.ErrorIs(t, err, ErrConflict)
}

var reservationCols = []string{
	"id", "group_id", "product_id", "customer_id", "order_id", "external_ref", "quantity", "status",
	"created_at", "expires_at", "confirmed_at", "released_at", "release_reason",
	"is_deleted", "deleted_at", "deleted_by", "deleted_reason", "restore_pending", "version",
}

func TestStockReservationRepo_GetReservation(t *testing.T) {
	db, mock := newMock(t)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	confirmed := created.Add(time.Minute)
	mock.ExpectQuery(`FROM stock_reservations WHERE id = \?`).WithArgs("r-1").
		WillReturnRows(sqlmock.NewRows(reservationCols).AddRow(
			"r-1", "g-1", int64(7), int64(42), "order-1", nil, int64(3), "CONFIRMED",
			created, created.Add(15*time.Minute), confirmed, nil, nil,
			false, nil, nil, nil, false, int64(2),
		))

	r, err := NewStockReservationRepo(db).GetReservation(context.Background(), "r-1")
	require.NoError(t, err)
	assert.Equal(t, model.ReservationConfirmed, r.Status)
	require.NotNil(t, r.OrderID)
	assert.Equal(t, "order-1", *r.OrderID)
	assert.Nil(t, r.ExternalRef)
	require.NotNil(t, r.ConfirmedAt)
	assert.Equal(t, confirmed, *r.ConfirmedAt)
	assert.Nil(t, r.ReleasedAt)
	assert.Nil(t, r.DeletedBy)
	assert.Equal(t, uint64(2), r.Version)
}

func TestStockReservationRepo_GetReservationNotFound(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery(`FROM stock_reservations`).WithArgs("nope").WillReturnError(sql.ErrNoRows)
	_, err := NewStockReservationRepo(db).GetReservation(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStockReservationRepo_CreateReservation(t *testing.T) {
	db, mock := newMock(t)
	r := model.NewStockReservation("r-1", "g-1", 7, 42, 3, time.Now(), time.Minute)
	mock.ExpectExec(`INSERT INTO stock_reservations`).
		WithArgs("r-1", "g-1", uint64(7), uint64(42), nil, nil, int64(3), "PENDING", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, NewStockReservationRepo(db).CreateReservation(context.Background(), &r))
	assert.Equal(t, uint64(1), r.Version)
}

func TestStockReservationRepo_UpdateReservationConditional(t *testing.T) {
	db, mock := newMock(t)
	r := model.NewStockReservation("r-1", "g-1", 7, 42, 3, time.Now(), time.Minute)
	_, err := r.Release(time.Now(), "cart abandoned")
	require.NoError(t, err)

	mock.ExpectExec(`UPDATE stock_reservations`).
		WithArgs("RELEASED", nil, nil, sqlmock.AnyArg(), "cart abandoned", false, nil, nil, nil, false, "r-1", uint64(1)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT 1 FROM stock_reservations`).WithArgs("r-1").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

	err = NewStockReservationRepo(db).UpdateReservationConditional(context.Background(), r, 1)
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestStockReservationRepo_ListExpiredPending(t *testing.T) {
	db, mock := newMock(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`WHERE status = 'PENDING' AND is_deleted = 0 AND expires_at <= \? AND id > \?\s+ORDER BY id LIMIT \?`).
		WithArgs(now, "r-0", 50).
		WillReturnRows(sqlmock.NewRows(reservationCols).
			AddRow("r-1", "g-1", int64(7), int64(42), nil, nil, int64(1), "PENDING",
				now.Add(-time.Hour), now.Add(-time.Minute), nil, nil, nil, false, nil, nil, nil, false, int64(1)).
			AddRow("r-2", "g-1", int64(8), int64(42), nil, "cart-9", int64(2), "PENDING",
				now.Add(-time.Hour), now.Add(-time.Minute), nil, nil, nil, false, nil, nil, nil, false, int64(1)))

	rows, err := NewStockReservationRepo(db).ListExpiredPending(context.Background(), now, "r-0", 50)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.NotNil(t, rows[1].ExternalRef)
	assert.Equal(t, "cart-9", *rows[1].ExternalRef)
}

func TestStockReservationRepo_ListRestorePending(t *testing.T) {
	db, mock := newMock(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`WHERE restore_pending = 1 AND id > \?\s+ORDER BY id LIMIT \?`).
		WithArgs("", 20).
		WillReturnRows(sqlmock.NewRows(reservationCols).
			AddRow("r-3", "g-1", int64(7), int64(42), nil, nil, int64(2), "EXPIRED",
				now.Add(-time.Hour), now.Add(-time.Minute), nil, now, "expired", true, now, int64(1), nil, true, int64(4)))

	rows, err := NewStockReservationRepo(db).ListRestorePending(context.Background(), "", 20)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].RestorePending)
	assert.True(t, rows[0].IsDeleted)
	assert.Equal(t, model.ReservationExpired, rows[0].Status)
}

func TestIsVersionConflict(t *testing.T) {
	assert.False(t, IsVersionConflict(nil))
	assert.True(t, IsVersionConflict(ErrVersionConflict))
	assert.True(t, IsVersionConflict(pkgerrors.Wrap(ErrVersionConflict, "reserve")))
	assert.True(t, IsVersionConflict(&mysql.MySQLError{Number: 1205}))
	assert.False(t, IsVersionConflict(&mysql.MySQLError{Number: 1062}))
	assert.False(t, IsVersionConflict(ErrNotFound))
}
