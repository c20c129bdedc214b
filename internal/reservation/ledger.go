// Package reservation implements the stock reservation lifecycle: reserving
// stock across several products, confirming or releasing what was reserved,
// and expiring reservations nobody confirmed in time.
//
// No lock protects a stock row. Every write is a compare-and-set on the
// row's version and lost races are re-run by the retry executor, so the
// package is safe to run in many processes against one database.
package reservation

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/iliyamo/stock-reservation/internal/metrics"
	"github.com/iliyamo/stock-reservation/internal/model"
	"github.com/iliyamo/stock-reservation/internal/queue"
	"github.com/iliyamo/stock-reservation/internal/repository"
	"github.com/iliyamo/stock-reservation/internal/retry"
)

const publishTimeout = 5 * time.Second

var tracer = otel.Tracer("github.com/iliyamo/stock-reservation/internal/reservation")

// Deps are the collaborators shared by the ledger, coordinator and sweeper.
// Events, Metrics and Now are optional.
type Deps struct {
	Stocks       repository.StockStore
	Reservations repository.ReservationStore
	Retry        *retry.Executor
	Events       queue.Publisher
	Metrics      *metrics.Metrics
	Log          zerolog.Logger
	Now          func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Events == nil {
		d.Events = queue.NopPublisher{}
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	if d.Retry == nil {
		d.Retry = retry.New(retry.Config{}, repository.IsVersionConflict, nil)
	}
	return d
}

// Ledger applies status transitions to existing reservations and returns
// stock when a PENDING reservation is released or expired.
type Ledger struct {
	Deps
}

// NewLedger builds a Ledger.
func NewLedger(d Deps) *Ledger {
	return &Ledger{Deps: d.withDefaults()}
}

// Get returns a reservation, or repository.ErrNotFound when it is missing
// or soft deleted.
func (l *Ledger) Get(ctx context.Context, id string) (model.StockReservation, error) {
	r, err := l.Reservations.GetReservation(ctx, id)
	if err != nil {
		return model.StockReservation{}, err
	}
	if r.IsDeleted {
		return model.StockReservation{}, repository.ErrNotFound
	}
	return r, nil
}

// ListByCustomer returns the customer's visible reservations, newest first.
func (l *Ledger) ListByCustomer(ctx context.Context, customerID uint64) ([]model.StockReservation, error) {
	return l.Reservations.ListByCustomer(ctx, customerID)
}

// Group returns every visible row of a reservation group, or
// repository.ErrNotFound when there is none.
func (l *Ledger) Group(ctx context.Context, groupID string) ([]model.StockReservation, error) {
	rows, err := l.Reservations.ListByGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, repository.ErrNotFound
	}
	return rows, nil
}

// Confirm marks a PENDING reservation CONFIRMED. Confirming twice is a
// no-op; confirming a released or expired reservation is
// model.ErrInvalidState. Stock is not touched.
func (l *Ledger) Confirm(ctx context.Context, id string) (model.StockReservation, bool, error) {
	return l.ConfirmForOrder(ctx, id, "")
}

// ConfirmForOrder is Confirm that also records the order the stock went to.
func (l *Ledger) ConfirmForOrder(ctx context.Context, id, orderID string) (model.StockReservation, bool, error) {
	return l.transition(ctx, "confirm", id, false, func(r *model.StockReservation, now time.Time) (bool, error) {
		return r.Confirm(now, orderID)
	})
}

// Release returns a PENDING reservation's stock and marks it RELEASED.
// Releasing an already released or expired reservation is a no-op and
// never restores stock a second time, except that it finishes a restore
// left pending by an earlier failure. When the row commits but the stock
// cannot be added back, the row is returned with a non-nil error.
func (l *Ledger) Release(ctx context.Context, id, reason string) (model.StockReservation, bool, error) {
	return l.transition(ctx, "release", id, false, func(r *model.StockReservation, now time.Time) (bool, error) {
		return r.Release(now, reason)
	})
}

// Expire returns a PENDING reservation's stock and marks it EXPIRED. It
// does not look at ExpiresAt; callers decide when a reservation is due.
func (l *Ledger) Expire(ctx context.Context, id string) (model.StockReservation, bool, error) {
	return l.transition(ctx, "expire", id, false, func(r *model.StockReservation, now time.Time) (bool, error) {
		return r.Expire(now)
	})
}

// SoftDelete hides a terminal reservation. Deleting a PENDING reservation
// is model.ErrInvalidState since it still holds stock.
func (l *Ledger) SoftDelete(ctx context.Context, id string, by uint64, reason string) (model.StockReservation, bool, error) {
	return l.transition(ctx, "delete", id, true, func(r *model.StockReservation, now time.Time) (bool, error) {
		return r.SoftDelete(now, by, reason)
	})
}

// ConfirmGroup confirms every row of a group. Rows are handled one by one;
// the returned error joins the failures of individual rows.
func (l *Ledger) ConfirmGroup(ctx context.Context, groupID, orderID string) ([]model.StockReservation, error) {
	return l.eachInGroup(ctx, groupID, func(ctx context.Context, id string) (model.StockReservation, bool, error) {
		return l.ConfirmForOrder(ctx, id, orderID)
	})
}

// ReleaseGroup releases every row of a group.
func (l *Ledger) ReleaseGroup(ctx context.Context, groupID, reason string) ([]model.StockReservation, error) {
	return l.eachInGroup(ctx, groupID, func(ctx context.Context, id string) (model.StockReservation, bool, error) {
		return l.Release(ctx, id, reason)
	})
}

func (l *Ledger) eachInGroup(ctx context.Context, groupID string, fn func(context.Context, string) (model.StockReservation, bool, error)) ([]model.StockReservation, error) {
	rows, err := l.Group(ctx, groupID)
	if err != nil {
		return nil, err
	}
	out := make([]model.StockReservation, 0, len(rows))
	var errs []error
	for _, row := range rows {
		r, _, err := fn(ctx, row.ID)
		if err != nil {
			errs = append(errs, errors.Wrapf(err, "reservation %s", row.ID))
			out = append(out, row)
			continue
		}
		out = append(out, r)
	}
	return out, joinErrors(errs)
}

type applyFunc func(r *model.StockReservation, now time.Time) (bool, error)

// transition runs read, apply, conditional write under the retry executor.
// changed is true only for the call whose write committed the change, and
// only that call restores stock, so racing releases and expiries settle
// without double counting.
func (l *Ledger) transition(ctx context.Context, op, id string, includeDeleted bool, apply applyFunc) (model.StockReservation, bool, error) {
	ctx, span := tracer.Start(ctx, "ledger."+op, trace.WithAttributes(attribute.String("reservation.id", id)))
	defer span.End()

	var (
		out     model.StockReservation
		changed bool
		from    model.ReservationStatus
	)
	err := l.Retry.Run(ctx, op+":"+id, func(ctx context.Context) error {
		r, err := l.Reservations.GetReservation(ctx, id)
		if err != nil {
			return err
		}
		if r.IsDeleted && !includeDeleted {
			return repository.ErrNotFound
		}
		from = r.Status
		expected := r.Version
		ok, err := apply(&r, l.Now())
		if err != nil {
			return err
		}
		if !ok {
			out, changed = r, false
			return nil
		}
		if err := l.Reservations.UpdateReservationConditional(ctx, r, expected); err != nil {
			return err
		}
		r.Version = expected + 1
		out, changed = r, true
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return model.StockReservation{}, false, err
	}
	span.SetAttributes(attribute.Bool("reservation.changed", changed), attribute.String("reservation.status", string(out.Status)))
	if !changed {
		if out.RestorePending && (op == "release" || op == "expire") {
			if _, err := l.ReconcileRestore(ctx, out.ID); err != nil {
				span.RecordError(err)
				return out, false, err
			}
			out.RestorePending = false
		}
		return out, false, nil
	}
	if out.Status == from {
		l.Log.Info().Str("reservation_id", out.ID).Bool("deleted", out.IsDeleted).Msg("reservation updated")
		return out, true, nil
	}

	l.Metrics.ObserveTransition(string(out.Status))
	l.Log.Info().
		Str("reservation_id", out.ID).
		Str("from", string(from)).
		Str("to", string(out.Status)).
		Msg("reservation transition")

	var restoreErr error
	if from == model.ReservationPending && out.Status.ReturnsStock() {
		// The row write is committed; returning stock must not be abandoned
		// because the caller went away.
		if restoreErr = l.returnStock(context.WithoutCancel(ctx), out, op); restoreErr != nil {
			span.RecordError(restoreErr)
			out.RestorePending = true
		}
	}
	l.publish(ctx, queue.EventTypeFor(out.Status), out)
	if restoreErr != nil {
		return out, true, errors.Wrapf(restoreErr, "%s %s", op, out.ID)
	}
	return out, true, nil
}

// ReconcileRestore adds back the stock of a row marked RestorePending. The
// marker is cleared by a conditional write before the stock is touched, so
// concurrent reconcilers restore at most once. It reports whether this call
// restored the stock.
func (l *Ledger) ReconcileRestore(ctx context.Context, id string) (bool, error) {
	r, claimed, err := l.updateRow(ctx, "reconcile:"+id, id, (*model.StockReservation).ClaimRestore)
	if err != nil || !claimed {
		return false, err
	}
	if err := l.returnStock(context.WithoutCancel(ctx), r, "reconcile"); err != nil {
		return false, errors.Wrapf(err, "reconcile %s", id)
	}
	l.Log.Info().Str("reservation_id", id).Uint64("product_id", r.ProductID).Int64("quantity", r.Quantity).Msg("pending stock restore completed")
	return true, nil
}

// returnStock adds a row's quantity back to its product. When that fails
// the row is marked RestorePending so a later sweep or release can finish
// the job.
func (l *Ledger) returnStock(ctx context.Context, r model.StockReservation, cause string) error {
	err := l.restoreStock(ctx, r.ProductID, r.Quantity, cause)
	if err == nil {
		return nil
	}
	if _, _, markErr := l.updateRow(ctx, "mark-restore:"+r.ID, r.ID, (*model.StockReservation).MarkRestorePending); markErr != nil {
		l.Log.Error().Err(markErr).Str("reservation_id", r.ID).Msg("failed to mark pending stock restore")
	}
	return err
}

// updateRow applies fn to a freshly read row and writes it back
// conditionally under the retry executor.
func (l *Ledger) updateRow(ctx context.Context, op, id string, fn func(*model.StockReservation) bool) (model.StockReservation, bool, error) {
	var (
		out     model.StockReservation
		changed bool
	)
	err := l.Retry.Run(ctx, op, func(ctx context.Context) error {
		r, err := l.Reservations.GetReservation(ctx, id)
		if err != nil {
			return err
		}
		expected := r.Version
		if !fn(&r) {
			out, changed = r, false
			return nil
		}
		if err := l.Reservations.UpdateReservationConditional(ctx, r, expected); err != nil {
			return err
		}
		r.Version = expected + 1
		out, changed = r, true
		return nil
	})
	return out, changed, err
}

// restoreStock adds quantity back to a product with its own retry loop.
// Failures are logged here and returned; the caller marks the row.
func (l *Ledger) restoreStock(ctx context.Context, productID uint64, quantity int64, cause string) error {
	err := l.Retry.Run(ctx, fmt.Sprintf("restore:product:%d", productID), func(ctx context.Context) error {
		s, err := l.Stocks.GetStock(ctx, productID)
		if err != nil {
			return err
		}
		return l.Stocks.UpdateStockConditional(ctx, productID, s.Available+quantity, s.Version)
	})
	if err != nil {
		l.Log.Error().
			Err(err).
			Uint64("product_id", productID).
			Int64("quantity", quantity).
			Str("cause", cause).
			Msg("failed to restore stock, product is under-counted")
		return errors.Wrapf(err, "restore product %d", productID)
	}
	return nil
}

func (l *Ledger) publish(ctx context.Context, eventType string, r model.StockReservation) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := l.Events.Publish(ctx, queue.NewReservationEvent(eventType, r, l.Now())); err != nil {
		l.Log.Warn().Err(err).Str("type", eventType).Str("reservation_id", r.ID).Msg("event publish failed")
	}
}
