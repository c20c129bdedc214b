package model

import (
	"errors"
	"time"
)

// ReservationStatus is the lifecycle state of a stock reservation.
type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "PENDING"
	ReservationConfirmed ReservationStatus = "CONFIRMED"
	ReservationReleased  ReservationStatus = "RELEASED"
	ReservationExpired   ReservationStatus = "EXPIRED"
)

// IsTerminal reports whether no further transition is possible.
func (s ReservationStatus) IsTerminal() bool {
	return s == ReservationConfirmed || s == ReservationReleased || s == ReservationExpired
}

// Valid reports whether s is one of the known statuses.
func (s ReservationStatus) Valid() bool {
	return s == ReservationPending || s.IsTerminal()
}

// ErrInvalidState is returned when a transition is illegal for the
// reservation's current status (e.g. releasing a confirmed reservation).
var ErrInvalidState = errors.New("invalid reservation state")

// ErrInvalidReservation is returned by Validate when a reservation breaks
// one of its structural invariants.
var ErrInvalidReservation = errors.New("invalid reservation")

// StockReservation records a quantity of one product held for a customer
// until it is confirmed into an order, released, or expired by the sweeper.
// Every row created by a single reserve call shares a GroupID.
//
// Fields:
//
//	ID            – opaque unique identifier (UUID).
//	GroupID       – id shared by all rows of one multi-item reservation.
//	ProductID     – product whose stock is held.
//	CustomerID    – customer that holds the stock.
//	OrderID       – order the reservation was confirmed into (nullable).
//	ExternalRef   – caller supplied reference such as a cart id (nullable).
//	Quantity      – units held; positive and immutable.
//	Status        – PENDING, CONFIRMED, RELEASED or EXPIRED.
//	CreatedAt     – creation time (UTC).
//	ExpiresAt     – when the sweeper may expire a PENDING row.
//	ConfirmedAt   – set only when CONFIRMED.
//	ReleasedAt    – set only when RELEASED or EXPIRED.
//	ReleaseReason – why stock was returned (nullable).
//	IsDeleted     – soft delete flag; deleted rows are hidden, never removed.
//	DeletedAt, DeletedBy, DeletedReason – soft delete audit trail.
//	RestorePending – the row returned its stock but adding it back to the
//	                 product failed; the sweeper retries the restore.
//	Version       – optimistic concurrency token.
type StockReservation struct {
	ID             string            // stock_reservations.id
	GroupID        string            // stock_reservations.group_id
	ProductID      uint64            // stock_reservations.product_id
	CustomerID     uint64            // stock_reservations.customer_id
	OrderID        *string           // stock_reservations.order_id (nullable)
	ExternalRef    *string           // stock_reservations.external_ref (nullable)
	Quantity       int64             // stock_reservations.quantity
	Status         ReservationStatus // stock_reservations.status
	CreatedAt      time.Time         // stock_reservations.created_at
	ExpiresAt      time.Time         // stock_reservations.expires_at
	ConfirmedAt    *time.Time        // stock_reservations.confirmed_at (nullable)
	ReleasedAt     *time.Time        // stock_reservations.released_at (nullable)
	ReleaseReason  *string           // stock_reservations.release_reason (nullable)
	IsDeleted      bool              // stock_reservations.is_deleted
	DeletedAt      *time.Time        // stock_reservations.deleted_at (nullable)
	DeletedBy      *uint64           // stock_reservations.deleted_by (nullable)
	DeletedReason  *string           // stock_reservations.deleted_reason (nullable)
	RestorePending bool              // stock_reservations.restore_pending
	Version        uint64            // stock_reservations.version
}

// NewStockReservation builds a PENDING reservation expiring window after now.
func NewStockReservation(id, groupID string, productID, customerID uint64, quantity int64, now time.Time, window time.Duration) StockReservation {
	now = now.UTC()
	return StockReservation{
		ID:         id,
		GroupID:    groupID,
		ProductID:  productID,
		CustomerID: customerID,
		Quantity:   quantity,
		Status:     ReservationPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(window),
	}
}

// Validate checks the structural invariants of a reservation.
func (r *StockReservation) Validate() error {
	switch {
	case r.ID == "":
		return errors.Join(ErrInvalidReservation, errors.New("id is required"))
	case r.Quantity <= 0:
		return errors.Join(ErrInvalidReservation, errors.New("quantity must be positive"))
	case !r.ExpiresAt.After(r.CreatedAt):
		return errors.Join(ErrInvalidReservation, errors.New("expires_at must be after created_at"))
	case !r.Status.Valid():
		return errors.Join(ErrInvalidReservation, errors.New("unknown status"))
	}
	return nil
}

// IsExpired reports whether a PENDING reservation is past its expiry at now.
func (r *StockReservation) IsExpired(now time.Time) bool {
	return r.Status == ReservationPending && !now.Before(r.ExpiresAt)
}

// Confirm moves a PENDING reservation to CONFIRMED. It returns changed=false
// with no error when the reservation is already confirmed, and
// ErrInvalidState when stock has already been returned.
func (r *StockReservation) Confirm(now time.Time, orderID string) (bool, error) {
	switch r.Status {
	case ReservationPending:
	case ReservationConfirmed:
		return false, nil
	default:
		return false, ErrInvalidState
	}
	t := now.UTC()
	r.Status = ReservationConfirmed
	r.ConfirmedAt = &t
	if orderID != "" {
		r.OrderID = &orderID
	}
	return true, nil
}

// Release moves a PENDING reservation to RELEASED. Releasing a row whose
// stock was already returned (RELEASED or EXPIRED) is a no-op; releasing a
// CONFIRMED row is ErrInvalidState.
func (r *StockReservation) Release(now time.Time, reason string) (bool, error) {
	switch r.Status {
	case ReservationPending:
	case ReservationReleased, ReservationExpired:
		return false, nil
	default:
		return false, ErrInvalidState
	}
	r.markReturned(ReservationReleased, now, reason)
	return true, nil
}

// Expire moves a PENDING reservation to EXPIRED. It is a no-op for every
// terminal status so that a sweep racing with a confirm or release settles
// quietly.
func (r *StockReservation) Expire(now time.Time) (bool, error) {
	if r.Status != ReservationPending {
		return false, nil
	}
	r.markReturned(ReservationExpired, now, "expired")
	return true, nil
}

func (r *StockReservation) markReturned(status ReservationStatus, now time.Time, reason string) {
	t := now.UTC()
	r.Status = status
	r.ReleasedAt = &t
	if reason != "" {
		r.ReleaseReason = &reason
	}
}

// ReturnsStock reports whether the status means the held units went back
// to the product.
func (s ReservationStatus) ReturnsStock() bool {
	return s == ReservationReleased || s == ReservationExpired
}

// MarkRestorePending records that the stock of a RELEASED or EXPIRED row
// still has to be added back. It reports whether the row changed.
func (r *StockReservation) MarkRestorePending() bool {
	if r.RestorePending || !r.Status.ReturnsStock() {
		return false
	}
	r.RestorePending = true
	return true
}

// ClaimRestore clears the pending restore marker. The caller whose write
// of the cleared marker commits is the one that adds the stock back.
func (r *StockReservation) ClaimRestore() bool {
	if !r.RestorePending {
		return false
	}
	r.RestorePending = false
	return true
}

// SoftDelete hides a terminal reservation from default queries. PENDING rows
// still hold stock and cannot be hidden. Deleting an already deleted row is
// a no-op.
func (r *StockReservation) SoftDelete(now time.Time, by uint64, reason string) (bool, error) {
	if r.IsDeleted {
		return false, nil
	}
	if !r.Status.IsTerminal() {
		return false, ErrInvalidState
	}
	t := now.UTC()
	r.IsDeleted = true
	r.DeletedAt = &t
	r.DeletedBy = &by
	if reason != "" {
		r.DeletedReason = &reason
	}
	return true, nil
}
