package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/stock-reservation/internal/model"
	"github.com/iliyamo/stock-reservation/internal/repository"
)

// StockHandler serves the public stock lookup.
type StockHandler struct {
	Stocks repository.StockStore
}

func NewStockHandler(stocks repository.StockStore) *StockHandler {
	return &StockHandler{Stocks: stocks}
}

type stockResp struct {
	ProductID uint64    `json:"product_id"`
	SKU       string    `json:"sku"`
	Available int64     `json:"available"`
	IsActive  bool      `json:"is_active"`
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toStockResp(s model.ProductStock) stockResp {
	return stockResp{
		ProductID: s.ProductID,
		SKU:       s.SKU,
		Available: s.Available,
		IsActive:  s.IsActive,
		Version:   s.Version,
		UpdatedAt: s.UpdatedAt,
	}
}

// Get handles GET /v1/products/:id/stock.
func (h *StockHandler) Get(c echo.Context) error {
	pid, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || pid == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid product id"})
	}
	ctx, cancel := withTimeout(c)
	defer cancel()
	s, err := h.Stocks.GetStock(ctx, pid)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, toStockResp(s))
}
