// Package router registers the HTTP routes on an Echo instance.
package router

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iliyamo/stock-reservation/internal/handler"
	"github.com/iliyamo/stock-reservation/internal/middleware"
	"github.com/iliyamo/stock-reservation/internal/model"
)

// RegisterRoutes registers the operational endpoints: the health check and
// the Prometheus scrape endpoint.
func RegisterRoutes(e *echo.Echo, gatherer prometheus.Gatherer) {
	e.GET("/healthz", handler.Health)
	if gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
}

// V1 returns the /v1 group every API route hangs off. limit runs in front
// of each of them.
func V1(e *echo.Echo, limit echo.MiddlewareFunc) *echo.Group {
	return e.Group("/v1", limit)
}

// RegisterAuth registers the session endpoints under /v1/auth and the
// authenticated /v1/me.
func RegisterAuth(v1 *echo.Group, a *handler.AuthHandler, jwtSecret string) {
	g := v1.Group("/auth")
	g.POST("/register", a.Register)
	g.POST("/login", a.Login)
	g.POST("/refresh", a.Refresh)              // rotates the refresh token
	g.POST("/refresh-access", a.RefreshAccess) // keeps the refresh token
	g.POST("/logout", a.Logout)

	v1.GET("/me", a.Me,
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(model.RoleCustomer, model.RoleAdmin),
	)
}

// RegisterPublic registers unauthenticated lookups. cache fronts the stock
// lookup so hot products do not hit the store on every request.
func RegisterPublic(v1 *echo.Group, s *handler.StockHandler, cache echo.MiddlewareFunc) {
	v1.GET("/products/:id/stock", s.Get, cache)
}
