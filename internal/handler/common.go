package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/iliyamo/stock-reservation/internal/middleware"
	"github.com/iliyamo/stock-reservation/internal/model"
	"github.com/iliyamo/stock-reservation/internal/repository"
	"github.com/iliyamo/stock-reservation/internal/reservation"
)

const requestTimeout = 5 * time.Second

var errUnauthorized = errors.New("unauthorized")

// getUserID extracts the authenticated user id set by JWTAuth. It accepts
// the numeric shapes a claim can take after JSON decoding.
func getUserID(c echo.Context) (uint64, error) {
	switch v := c.Get(middleware.CtxUserID).(type) {
	case uint64:
		if v > 0 {
			return v, nil
		}
	case int:
		if v > 0 {
			return uint64(v), nil
		}
	case int64:
		if v > 0 {
			return uint64(v), nil
		}
	case float64:
		if v > 0 {
			return uint64(v), nil
		}
	case string:
		if n, err := strconv.ParseUint(v, 10, 64); err == nil && n > 0 {
			return n, nil
		}
	}
	return 0, errUnauthorized
}

func withTimeout(c echo.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request().Context(), requestTimeout)
}

// respondError maps domain errors to status codes. Unexpected errors are
// logged with the request logger and hidden from the client.
func respondError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "not found"})
	case errors.Is(err, repository.ErrForbidden):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
	case errors.Is(err, model.ErrInvalidState):
		return c.JSON(http.StatusConflict, echo.Map{"error": err.Error()})
	case repository.IsVersionConflict(err):
		return c.JSON(http.StatusConflict, echo.Map{"error": "concurrent update, please retry", "retry": true})
	case errors.Is(err, repository.ErrConflict):
		return c.JSON(http.StatusConflict, echo.Map{"error": "already exists"})
	case errors.Is(err, reservation.ErrInvalidRequest):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		return c.JSON(http.StatusGatewayTimeout, echo.Map{"error": "timeout"})
	}
	zerolog.Ctx(c.Request().Context()).Error().Err(err).Str("route", c.Path()).Msg("request failed")
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
}

type reservationResp struct {
	ID            string     `json:"id"`
	GroupID       string     `json:"group_id"`
	ProductID     uint64     `json:"product_id"`
	CustomerID    uint64     `json:"customer_id"`
	Quantity      int64      `json:"quantity"`
	Status        string     `json:"status"`
	OrderID       *string    `json:"order_id,omitempty"`
	ExternalRef   *string    `json:"external_ref,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	ConfirmedAt   *time.Time `json:"confirmed_at,omitempty"`
	ReleasedAt    *time.Time `json:"released_at,omitempty"`
	ReleaseReason *string    `json:"release_reason,omitempty"`
	Deleted       bool       `json:"deleted,omitempty"`
}

func toReservationResp(r model.StockReservation) reservationResp {
	return reservationResp{
		ID:            r.ID,
		GroupID:       r.GroupID,
		ProductID:     r.ProductID,
		CustomerID:    r.CustomerID,
		Quantity:      r.Quantity,
		Status:        string(r.Status),
		OrderID:       r.OrderID,
		ExternalRef:   r.ExternalRef,
		CreatedAt:     r.CreatedAt,
		ExpiresAt:     r.ExpiresAt,
		ConfirmedAt:   r.ConfirmedAt,
		ReleasedAt:    r.ReleasedAt,
		ReleaseReason: r.ReleaseReason,
		Deleted:       r.IsDeleted,
	}
}

func toReservationResps(rows []model.StockReservation) []reservationResp {
	out := make([]reservationResp, 0, len(rows))
	for _, r := range rows {
		out = append(out, toReservationResp(r))
	}
	return out
}
