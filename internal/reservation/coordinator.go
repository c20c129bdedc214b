package reservation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/iliyamo/stock-reservation/internal/model"
	"github.com/iliyamo/stock-reservation/internal/queue"
)

// DefaultWindow is how long a reservation stays PENDING when neither the
// request nor the configuration says otherwise. DefaultMaxWindow caps a
// window asked for by the caller.
const (
	DefaultWindow    = 15 * time.Minute
	DefaultMaxWindow = 24 * time.Hour
)

// CoordinatorConfig sets the default and the largest reservation window.
// Zero values fall back to DefaultWindow and DefaultMaxWindow; a maximum
// below the default window is raised to it.
type CoordinatorConfig struct {
	Window    time.Duration
	MaxWindow time.Duration
}

// ReserveOptions tune a single Reserve call. Zero values fall back to the
// coordinator's defaults.
type ReserveOptions struct {
	Window      time.Duration
	OrderID     string
	ExternalRef string
}

// Coordinator reserves stock for several products at once with
// all-or-nothing semantics.
type Coordinator struct {
	Deps
	ledger    *Ledger
	window    time.Duration
	maxWindow time.Duration
	newID     func() string
}

// NewCoordinator builds a Coordinator. Rolled back items are released
// through ledger so that compensation follows the same path as a customer
// release.
func NewCoordinator(d Deps, ledger *Ledger, cfg CoordinatorConfig) *Coordinator {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.MaxWindow <= 0 {
		cfg.MaxWindow = DefaultMaxWindow
	}
	if cfg.MaxWindow < cfg.Window {
		cfg.MaxWindow = cfg.Window
	}
	return &Coordinator{
		Deps:      d.withDefaults(),
		ledger:    ledger,
		window:    cfg.Window,
		maxWindow: cfg.MaxWindow,
		newID:     uuid.NewString,
	}
}

// MaxWindow is the longest window a caller may ask for.
func (c *Coordinator) MaxWindow() time.Duration { return c.maxWindow }

// Reserve tries to reserve every item. Each item is attempted independently
// and its outcome recorded in the result. If any item fails, the items that
// succeeded are released again and the result reports failure; the
// reservation id is only set on full success.
//
// The returned error is reserved for requests that are malformed as a whole
// (ErrInvalidRequest), including a window longer than the maximum. Stock shortages and per-item storage failures are
// reported in the result.
func (c *Coordinator) Reserve(ctx context.Context, customerID uint64, items []model.ReservationItem, opts ReserveOptions) (*model.StockReservationResult, error) {
	if err := validateRequest(customerID, items); err != nil {
		return nil, err
	}
	if opts.Window > c.maxWindow {
		return nil, errors.Wrapf(ErrInvalidRequest, "window %s exceeds the maximum of %s", opts.Window, c.maxWindow)
	}
	ctx, span := c.startSpan(ctx, customerID, len(items))
	defer span.End()

	window := opts.Window
	if window <= 0 {
		window = c.window
	}
	now := c.Now()
	groupID := c.newID()

	result := &model.StockReservationResult{Items: make([]model.ReservedStockItem, 0, len(items))}
	held := make([]model.StockReservation, 0, len(items))
	var failures []string
	for _, it := range items {
		line := model.ReservedStockItem{ProductID: it.ProductID, Requested: it.Quantity}
		r, err := c.reserveItem(ctx, groupID, customerID, it, now, window, opts)
		c.Metrics.ObserveItem(err == nil)
		if err != nil {
			line.Error = err.Error()
			failures = append(failures, fmt.Sprintf("product %d: %s", it.ProductID, err.Error()))
			c.Log.Info().Err(err).Uint64("product_id", it.ProductID).Int64("quantity", it.Quantity).Msg("reservation item failed")
		} else {
			line.Reserved = it.Quantity
			line.ReservationID = r.ID
			held = append(held, r)
		}
		result.Items = append(result.Items, line)
	}

	if len(failures) > 0 {
		c.rollback(ctx, held, result)
		result.Error = fmt.Sprintf("%d of %d items could not be reserved: %s", len(failures), len(items), strings.Join(failures, "; "))
		c.Metrics.ObserveReservation(false)
		span.SetStatus(codes.Error, result.Error)
		return result, nil
	}

	result.Success = true
	result.ReservationID = groupID
	result.ExpiresAt = now.Add(window)
	c.Metrics.ObserveReservation(true)
	span.SetAttributes(attribute.String("reservation.group_id", groupID))
	c.Log.Info().Str("group_id", groupID).Uint64("customer_id", customerID).Int("items", len(held)).Msg("stock reserved")
	for _, r := range held {
		c.ledger.publish(ctx, queue.EventReservationCreated, r)
	}
	return result, nil
}

func (c *Coordinator) startSpan(ctx context.Context, customerID uint64, items int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "reservation.Reserve", trace.WithAttributes(
		attribute.Int64("customer.id", int64(customerID)),
		attribute.Int("reservation.items", items),
	))
}

// reserveItem takes quantity from one product with a conditional write and
// records a PENDING row for it. A conflict re-runs the whole
// read-check-write; a shortage fails the item without retrying.
func (c *Coordinator) reserveItem(ctx context.Context, groupID string, customerID uint64, it model.ReservationItem, now time.Time, window time.Duration, opts ReserveOptions) (model.StockReservation, error) {
	err := c.Retry.Run(ctx, fmt.Sprintf("reserve:product:%d", it.ProductID), func(ctx context.Context) error {
		s, err := c.Stocks.GetStock(ctx, it.ProductID)
		if err != nil {
			return err
		}
		if !s.IsActive {
			return ErrProductInactive
		}
		if !s.CanReserve(it.Quantity) {
			return errors.Wrapf(ErrInsufficientStock, "requested %d, available %d", it.Quantity, s.Available)
		}
		return c.Stocks.UpdateStockConditional(ctx, it.ProductID, s.Available-it.Quantity, s.Version)
	})
	if err != nil {
		return model.StockReservation{}, err
	}

	r := model.NewStockReservation(c.newID(), groupID, it.ProductID, customerID, it.Quantity, now, window)
	if opts.OrderID != "" {
		orderID := opts.OrderID
		r.OrderID = &orderID
	}
	if opts.ExternalRef != "" {
		ref := opts.ExternalRef
		r.ExternalRef = &ref
	}
	err = r.Validate()
	if err == nil {
		err = c.Reservations.CreateReservation(ctx, &r)
	}
	if err != nil {
		// No row records the decrement, so nothing else would ever give it back.
		_ = c.ledger.restoreStock(context.WithoutCancel(ctx), it.ProductID, it.Quantity, "compensate")
		return model.StockReservation{}, errors.Wrap(err, "record reservation")
	}
	return r, nil
}

// rollback releases every held row on a context detached from the caller,
// so that a cancelled request cannot strand reserved stock.
func (c *Coordinator) rollback(ctx context.Context, held []model.StockReservation, result *model.StockReservationResult) {
	ctx = context.WithoutCancel(ctx)
	released := make(map[string]bool, len(held))
	for _, r := range held {
		out, _, err := c.ledger.Release(ctx, r.ID, "rollback")
		if err != nil {
			c.Log.Error().Err(err).Str("reservation_id", r.ID).Msg("rollback release failed")
			// A committed release with a pending stock restore no longer
			// holds anything for the customer.
			if !out.Status.ReturnsStock() {
				continue
			}
		}
		released[r.ID] = true
	}
	for i := range result.Items {
		if released[result.Items[i].ReservationID] {
			result.Items[i].Reserved = 0
		}
	}
}

func validateRequest(customerID uint64, items []model.ReservationItem) error {
	if customerID == 0 {
		return errors.Wrap(ErrInvalidRequest, "customer id is required")
	}
	if len(items) == 0 {
		return errors.Wrap(ErrInvalidRequest, "at least one item is required")
	}
	for i, it := range items {
		if it.ProductID == 0 {
			return errors.Wrapf(ErrInvalidRequest, "item %d: product id is required", i)
		}
		if it.Quantity <= 0 {
			return errors.Wrapf(ErrInvalidRequest, "item %d: quantity must be positive", i)
		}
	}
	return nil
}
