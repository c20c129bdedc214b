package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/stock-reservation/internal/handler"
	"github.com/iliyamo/stock-reservation/internal/middleware"
	"github.com/iliyamo/stock-reservation/internal/model"
)

// RegisterCustomer registers customer-scoped endpoints under /v1. All
// routes require a valid JWT and the CUSTOMER role; ownership of each
// reservation is checked in the handler.
func RegisterCustomer(v1 *echo.Group, h *handler.ReservationHandler, jwtSecret string) {
	auth := []echo.MiddlewareFunc{
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(model.RoleCustomer),
	}
	v1.POST("/reservations", h.Reserve, auth...)
	v1.GET("/reservations/:id", h.Get, auth...)
	v1.POST("/reservations/:id/confirm", h.Confirm, auth...)
	v1.POST("/reservations/:id/release", h.Release, auth...)
	v1.GET("/my-reservations", h.ListMine, auth...)

	v1.POST("/reservation-groups/:id/confirm", h.ConfirmGroup, auth...)
	v1.POST("/reservation-groups/:id/release", h.ReleaseGroup, auth...)
}
