// Package queue carries reservation lifecycle events to the message broker
// and back. Publishing is best effort: a broker outage never fails a
// reservation.
package queue

import (
	"time"

	"github.com/iliyamo/stock-reservation/internal/model"
)

// Event types emitted after a committed reservation transition.
const (
	EventReservationCreated   = "reservation.created"
	EventReservationConfirmed = "reservation.confirmed"
	EventReservationReleased  = "reservation.released"
	EventReservationExpired   = "reservation.expired"
)

// DefaultTopic is the RabbitMQ queue and Kafka topic events are sent to.
const DefaultTopic = "stock.reservations"

// ReservationEvent is the wire payload for every lifecycle event. It holds
// enough for downstream consumers to log or notify without reading the
// primary database.
type ReservationEvent struct {
	Type          string `json:"type"`
	ReservationID string `json:"reservation_id"`
	GroupID       string `json:"group_id"`
	ProductID     uint64 `json:"product_id"`
	CustomerID    uint64 `json:"customer_id"`
	Quantity      int64  `json:"quantity"`
	Status        string `json:"status"`
	OrderID       string `json:"order_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
	OccurredAt    string `json:"occurred_at"`
}

// NewReservationEvent describes r after a transition of the given type.
func NewReservationEvent(eventType string, r model.StockReservation, at time.Time) ReservationEvent {
	ev := ReservationEvent{
		Type:          eventType,
		ReservationID: r.ID,
		GroupID:       r.GroupID,
		ProductID:     r.ProductID,
		CustomerID:    r.CustomerID,
		Quantity:      r.Quantity,
		Status:        string(r.Status),
		OccurredAt:    at.UTC().Format(time.RFC3339),
	}
	if r.OrderID != nil {
		ev.OrderID = *r.OrderID
	}
	if r.ReleaseReason != nil {
		ev.Reason = *r.ReleaseReason
	}
	return ev
}

// EventTypeFor maps a reservation status to the event emitted on entering it.
func EventTypeFor(status model.ReservationStatus) string {
	switch status {
	case model.ReservationConfirmed:
		return EventReservationConfirmed
	case model.ReservationReleased:
		return EventReservationReleased
	case model.ReservationExpired:
		return EventReservationExpired
	default:
		return EventReservationCreated
	}
}
