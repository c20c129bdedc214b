package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/iliyamo/stock-reservation/internal/model"
	"github.com/iliyamo/stock-reservation/internal/repository"
	"github.com/iliyamo/stock-reservation/internal/reservation"
	"github.com/iliyamo/stock-reservation/internal/retry"
)

var errNegativeStock = errors.New("stock would become negative")

// AdminHandler serves stock administration and maintenance endpoints.
type AdminHandler struct {
	Stocks  repository.StockStore
	Retry   *retry.Executor
	Ledger  *reservation.Ledger
	Sweeper *reservation.Sweeper
}

func NewAdminHandler(stocks repository.StockStore, ex *retry.Executor, ledger *reservation.Ledger, sweeper *reservation.Sweeper) *AdminHandler {
	return &AdminHandler{Stocks: stocks, Retry: ex, Ledger: ledger, Sweeper: sweeper}
}

type createProductReq struct {
	ProductID uint64 `json:"product_id"`
	SKU       string `json:"sku"`
	Available int64  `json:"available"`
	IsActive  *bool  `json:"is_active"`
}

type adjustStockReq struct {
	Delta int64 `json:"delta"`
}

type deleteReq struct {
	Reason string `json:"reason"`
}

// CreateProduct handles POST /v1/admin/products.
func (h *AdminHandler) CreateProduct(c echo.Context) error {
	var req createProductReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	req.SKU = strings.TrimSpace(req.SKU)
	if req.ProductID == 0 || req.SKU == "" || req.Available < 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "product_id, sku and a non-negative available are required"})
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	ctx, cancel := withTimeout(c)
	defer cancel()

	s := model.ProductStock{ProductID: req.ProductID, SKU: req.SKU, Available: req.Available, IsActive: active}
	if err := h.Stocks.CreateStock(ctx, &s); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, toStockResp(s))
}

// AdjustStock handles POST /v1/admin/products/:id/stock. The delta is
// applied with a conditional write, re-run on version conflicts.
func (h *AdminHandler) AdjustStock(c echo.Context) error {
	pid, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || pid == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid product id"})
	}
	var req adjustStockReq
	if err := c.Bind(&req); err != nil || req.Delta == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "non-zero delta required"})
	}

	ctx, cancel := withTimeout(c)
	defer cancel()

	s, err := retry.Do(ctx, h.Retry, fmt.Sprintf("adjust:product:%d", pid), func(ctx context.Context) (model.ProductStock, error) {
		s, err := h.Stocks.GetStock(ctx, pid)
		if err != nil {
			return s, err
		}
		next := s.Available + req.Delta
		if next < 0 {
			return s, errNegativeStock
		}
		if err := h.Stocks.UpdateStockConditional(ctx, pid, next, s.Version); err != nil {
			return s, err
		}
		s.Available = next
		s.Version++
		return s, nil
	})
	if errors.Is(err, errNegativeStock) {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	if err != nil {
		return respondError(c, err)
	}
	zerolog.Ctx(c.Request().Context()).Info().
		Uint64("product_id", pid).Int64("delta", req.Delta).Int64("available", s.Available).
		Msg("stock adjusted")
	return c.JSON(http.StatusOK, toStockResp(s))
}

// RunSweep handles POST /v1/admin/sweeps.
func (h *AdminHandler) RunSweep(c echo.Context) error {
	ctx, cancel := withTimeout(c)
	defer cancel()
	n, err := h.Sweeper.Sweep(ctx, h.Ledger.Now())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"expired": n})
}

// DeleteReservation handles DELETE /v1/admin/reservations/:id.
func (h *AdminHandler) DeleteReservation(c echo.Context) error {
	uid, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var req deleteReq
	_ = c.Bind(&req)

	ctx, cancel := withTimeout(c)
	defer cancel()
	r, changed, err := h.Ledger.SoftDelete(ctx, c.Param("id"), uid, strings.TrimSpace(req.Reason))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"changed": changed, "reservation": toReservationResp(r)})
}
