package model

import "time"

// ReservationItem is one requested (product, quantity) line.
type ReservationItem struct {
	ProductID uint64 `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}

// ReservedStockItem reports the outcome for one requested line. Reserved is
// zero when the line failed or was rolled back.
type ReservedStockItem struct {
	ProductID     uint64 `json:"product_id"`
	Requested     int64  `json:"requested"`
	Reserved      int64  `json:"reserved"`
	ReservationID string `json:"reservation_id,omitempty"`
	Error         string `json:"error,omitempty"`
}

// StockReservationResult aggregates a multi-item reserve call.
// ReservationID is the group id and is only set when every line succeeded.
type StockReservationResult struct {
	Success       bool                `json:"success"`
	ReservationID string              `json:"reservation_id,omitempty"`
	Items         []ReservedStockItem `json:"items"`
	ExpiresAt     time.Time           `json:"expires_at"`
	Error         string              `json:"error,omitempty"`
}
