package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/stock-reservation/internal/model"
	"github.com/iliyamo/stock-reservation/internal/repository"
	"github.com/iliyamo/stock-reservation/internal/reservation"
)

// ReservationHandler serves the customer reservation endpoints. Customers
// only ever see and act on their own reservations.
type ReservationHandler struct {
	Coord  *reservation.Coordinator
	Ledger *reservation.Ledger
}

func NewReservationHandler(coord *reservation.Coordinator, ledger *reservation.Ledger) *ReservationHandler {
	return &ReservationHandler{Coord: coord, Ledger: ledger}
}

type reserveReq struct {
	Items         []model.ReservationItem `json:"items"`
	OrderID       string                  `json:"order_id"`
	ExternalRef   string                  `json:"external_ref"`
	WindowSeconds int                     `json:"window_seconds"`
}

type confirmReq struct {
	OrderID string `json:"order_id"`
}

type releaseReq struct {
	Reason string `json:"reason"`
}

// Reserve handles POST /v1/reservations. A request where any item failed
// still returns the per-item result, with 409.
func (h *ReservationHandler) Reserve(c echo.Context) error {
	uid, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var req reserveReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if req.WindowSeconds < 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "window_seconds must not be negative"})
	}
	if limit := h.Coord.MaxWindow(); int64(req.WindowSeconds) > int64(limit/time.Second) {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "window_seconds exceeds the maximum of " + limit.String()})
	}

	ctx, cancel := withTimeout(c)
	defer cancel()

	res, err := h.Coord.Reserve(ctx, uid, req.Items, reservation.ReserveOptions{
		Window:      time.Duration(req.WindowSeconds) * time.Second,
		OrderID:     strings.TrimSpace(req.OrderID),
		ExternalRef: strings.TrimSpace(req.ExternalRef),
	})
	if err != nil {
		return respondError(c, err)
	}
	if !res.Success {
		return c.JSON(http.StatusConflict, res)
	}
	return c.JSON(http.StatusCreated, res)
}

// Get handles GET /v1/reservations/:id.
func (h *ReservationHandler) Get(c echo.Context) error {
	r, err := h.owned(c, c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, toReservationResp(r))
}

// ListMine handles GET /v1/my-reservations.
func (h *ReservationHandler) ListMine(c echo.Context) error {
	uid, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	ctx, cancel := withTimeout(c)
	defer cancel()
	rows, err := h.Ledger.ListByCustomer(ctx, uid)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"items": toReservationResps(rows)})
}

// Confirm handles POST /v1/reservations/:id/confirm.
func (h *ReservationHandler) Confirm(c echo.Context) error {
	var req confirmReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if _, err := h.owned(c, c.Param("id")); err != nil {
		return respondError(c, err)
	}
	ctx, cancel := withTimeout(c)
	defer cancel()
	r, changed, err := h.Ledger.ConfirmForOrder(ctx, c.Param("id"), strings.TrimSpace(req.OrderID))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"changed": changed, "reservation": toReservationResp(r)})
}

// Release handles POST /v1/reservations/:id/release.
func (h *ReservationHandler) Release(c echo.Context) error {
	var req releaseReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if _, err := h.owned(c, c.Param("id")); err != nil {
		return respondError(c, err)
	}
	ctx, cancel := withTimeout(c)
	defer cancel()
	r, changed, err := h.Ledger.Release(ctx, c.Param("id"), releaseReason(req.Reason))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"changed": changed, "reservation": toReservationResp(r)})
}

// ConfirmGroup handles POST /v1/reservation-groups/:id/confirm.
func (h *ReservationHandler) ConfirmGroup(c echo.Context) error {
	var req confirmReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if err := h.ownedGroup(c, c.Param("id")); err != nil {
		return respondError(c, err)
	}
	ctx, cancel := withTimeout(c)
	defer cancel()
	rows, err := h.Ledger.ConfirmGroup(ctx, c.Param("id"), strings.TrimSpace(req.OrderID))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"items": toReservationResps(rows)})
}

// ReleaseGroup handles POST /v1/reservation-groups/:id/release.
func (h *ReservationHandler) ReleaseGroup(c echo.Context) error {
	var req releaseReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if err := h.ownedGroup(c, c.Param("id")); err != nil {
		return respondError(c, err)
	}
	ctx, cancel := withTimeout(c)
	defer cancel()
	rows, err := h.Ledger.ReleaseGroup(ctx, c.Param("id"), releaseReason(req.Reason))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"items": toReservationResps(rows)})
}

// owned loads a reservation and checks it belongs to the caller.
func (h *ReservationHandler) owned(c echo.Context, id string) (model.StockReservation, error) {
	uid, err := getUserID(c)
	if err != nil {
		return model.StockReservation{}, repository.ErrForbidden
	}
	ctx, cancel := withTimeout(c)
	defer cancel()
	r, err := h.Ledger.Get(ctx, id)
	if err != nil {
		return model.StockReservation{}, err
	}
	if r.CustomerID != uid {
		return model.StockReservation{}, repository.ErrForbidden
	}
	return r, nil
}

func (h *ReservationHandler) ownedGroup(c echo.Context, groupID string) error {
	uid, err := getUserID(c)
	if err != nil {
		return repository.ErrForbidden
	}
	ctx, cancel := withTimeout(c)
	defer cancel()
	rows, err := h.Ledger.Group(ctx, groupID)
	if err != nil {
		return err
	}
	for _, r := range rows {
		if r.CustomerID != uid {
			return repository.ErrForbidden
		}
	}
	return nil
}

func releaseReason(s string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return "customer"
}
