package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/stock-reservation/internal/handler"
	"github.com/iliyamo/stock-reservation/internal/middleware"
	"github.com/iliyamo/stock-reservation/internal/model"
)

// RegisterAdmin registers ADMIN-scoped endpoints under /v1/admin.
func RegisterAdmin(v1 *echo.Group, h *handler.AdminHandler, jwtSecret string) {
	g := v1.Group("/admin",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(model.RoleAdmin),
	)

	// ---- Stock ----
	g.POST("/products", h.CreateProduct)
	g.POST("/products/:id/stock", h.AdjustStock)

	// ---- Maintenance ----
	g.POST("/sweeps", h.RunSweep)
	g.DELETE("/reservations/:id", h.DeleteReservation)
}
