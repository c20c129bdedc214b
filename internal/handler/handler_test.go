package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/stock-reservation/internal/config"
	"github.com/iliyamo/stock-reservation/internal/middleware"
	"github.com/iliyamo/stock-reservation/internal/model"
	"github.com/iliyamo/stock-reservation/internal/repository"
	"github.com/iliyamo/stock-reservation/internal/reservation"
	"github.com/iliyamo/stock-reservation/internal/retry"
	"github.com/iliyamo/stock-reservation/internal/utils"
)

const secret = "handler-secret"

type env struct {
	e      *echo.Echo
	now    time.Time
	store  *repository.MemoryStore
	auth   *repository.MemoryAuthStore
	ledger *reservation.Ledger
}

func newEnv(t *testing.T, stock map[uint64]int64) *env {
	t.Helper()
	store := repository.NewMemoryStore()
	for pid, qty := range stock {
		require.NoError(t, store.CreateStock(context.Background(), &model.ProductStock{
			ProductID: pid, SKU: "SKU", Available: qty, IsActive: true,
		}))
	}
	v := &env{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	ex := retry.New(retry.Config{MaxRetries: 3, BaseDelay: time.Microsecond, MaxJitter: -1}, repository.IsVersionConflict, nil)
	deps := reservation.Deps{
		Stocks: store, Reservations: store, Retry: ex, Log: zerolog.Nop(),
		Now: func() time.Time { return v.now },
	}
	ledger := reservation.NewLedger(deps)
	coord := reservation.NewCoordinator(deps, ledger, reservation.CoordinatorConfig{Window: time.Minute, MaxWindow: time.Hour})
	sweeper := reservation.NewSweeper(ledger, reservation.SweeperConfig{}, nil)

	auth := repository.NewMemoryAuthStore()
	cfg := config.Config{JWTSecret: secret, AccessTTLMin: 5, RefreshTTLDays: 1, BcryptCost: 4}

	e := echo.New()
	jwt := middleware.JWTAuth(secret)
	customer := []echo.MiddlewareFunc{jwt, middleware.RequireRole(model.RoleCustomer)}
	admin := []echo.MiddlewareFunc{jwt, middleware.RequireRole(model.RoleAdmin)}

	a := NewAuthHandler(cfg, auth, auth)
	e.POST("/auth/register", a.Register)
	e.POST("/auth/login", a.Login)
	e.POST("/auth/refresh", a.Refresh)
	e.POST("/auth/refresh-access", a.RefreshAccess)
	e.POST("/auth/logout", a.Logout)
	e.GET("/me", a.Me, jwt)

	s := NewStockHandler(store)
	e.GET("/products/:id/stock", s.Get)

	r := NewReservationHandler(coord, ledger)
	e.POST("/reservations", r.Reserve, customer...)
	e.GET("/reservations/:id", r.Get, customer...)
	e.POST("/reservations/:id/confirm", r.Confirm, customer...)
	e.POST("/reservations/:id/release", r.Release, customer...)
	e.GET("/my-reservations", r.ListMine, customer...)
	e.POST("/reservation-groups/:id/confirm", r.ConfirmGroup, customer...)
	e.POST("/reservation-groups/:id/release", r.ReleaseGroup, customer...)

	ad := NewAdminHandler(store, ex, ledger, sweeper)
	e.POST("/admin/products", ad.CreateProduct, admin...)
	e.POST("/admin/products/:id/stock", ad.AdjustStock, admin...)
	e.POST("/admin/sweeps", ad.RunSweep, admin...)
	e.DELETE("/admin/reservations/:id", ad.DeleteReservation, admin...)

	v.e, v.store, v.auth, v.ledger = e, store, auth, ledger
	return v
}

func bearer(t *testing.T, uid uint64, role string) string {
	t.Helper()
	at, err := utils.NewAccessToken(secret, uid, role, 5)
	require.NoError(t, err)
	return "Bearer " + at.Token
}

func (v *env) do(t *testing.T, method, path, auth string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	v.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (v *env) available(t *testing.T, pid uint64) int64 {
	t.Helper()
	s, err := v.store.GetStock(context.Background(), pid)
	require.NoError(t, err)
	return s.Available
}

func TestAuthFlow(t *testing.T) {
	v := newEnv(t, nil)
	creds := echo.Map{"email": " Ann@Example.com ", "password": "pw"}

	rec := v.do(t, http.MethodPost, "/auth/register", "", creds)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	reg := decode[authResp](t, rec)
	assert.Equal(t, "ann@example.com", reg.User.Email)
	assert.Equal(t, model.RoleCustomer, reg.User.Role)

	assert.Equal(t, http.StatusConflict, v.do(t, http.MethodPost, "/auth/register", "", creds).Code)
	assert.Equal(t, http.StatusUnauthorized,
		v.do(t, http.MethodPost, "/auth/login", "", echo.Map{"email": "ann@example.com", "password": "bad"}).Code)

	rec = v.do(t, http.MethodPost, "/auth/login", "", creds)
	require.Equal(t, http.StatusOK, rec.Code)
	login := decode[authResp](t, rec)

	rec = v.do(t, http.MethodGet, "/me", "Bearer "+login.Access.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user_id":1,"role":"CUSTOMER"}`, rec.Body.String())

	rec = v.do(t, http.MethodPost, "/auth/refresh", "", echo.Map{"refresh_token": login.Refresh.Token})
	require.Equal(t, http.StatusOK, rec.Code)
	rotated := decode[authResp](t, rec)
	assert.NotEqual(t, login.Refresh.Token, rotated.Refresh.Token)

	// the old token was revoked by the rotation
	assert.Equal(t, http.StatusUnauthorized,
		v.do(t, http.MethodPost, "/auth/refresh-access", "", echo.Map{"refresh_token": login.Refresh.Token}).Code)
	assert.Equal(t, http.StatusOK,
		v.do(t, http.MethodPost, "/auth/refresh-access", "", echo.Map{"refresh_token": rotated.Refresh.Token}).Code)

	assert.Equal(t, http.StatusNoContent,
		v.do(t, http.MethodPost, "/auth/logout", "", echo.Map{"refresh_token": rotated.Refresh.Token}).Code)
	assert.Equal(t, http.StatusUnauthorized,
		v.do(t, http.MethodPost, "/auth/refresh", "", echo.Map{"refresh_token": rotated.Refresh.Token}).Code)
}

func TestLogoutAllSessions(t *testing.T) {
	v := newEnv(t, nil)
	creds := echo.Map{"email": "bo@example.com", "password": "pw"}
	reg := decode[authResp](t, v.do(t, http.MethodPost, "/auth/register", "", creds))
	login := decode[authResp](t, v.do(t, http.MethodPost, "/auth/login", "", creds))

	assert.Equal(t, http.StatusBadRequest, v.do(t, http.MethodPost, "/auth/logout", "", nil).Code)
	assert.Equal(t, http.StatusNoContent, v.do(t, http.MethodPost, "/auth/logout", "Bearer "+login.Access.Token, nil).Code)

	for _, raw := range []string{reg.Refresh.Token, login.Refresh.Token} {
		assert.Equal(t, http.StatusUnauthorized,
			v.do(t, http.MethodPost, "/auth/refresh", "", echo.Map{"refresh_token": raw}).Code)
	}
}

func TestReserveConfirmAndRelease(t *testing.T) {
	v := newEnv(t, map[uint64]int64{1: 10, 2: 5})
	alice := bearer(t, 11, model.RoleCustomer)

	rec := v.do(t, http.MethodPost, "/reservations", alice, echo.Map{
		"items":    []model.ReservationItem{{ProductID: 1, Quantity: 4}, {ProductID: 2, Quantity: 2}},
		"order_id": "ord-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decode[model.StockReservationResult](t, rec)
	require.True(t, res.Success)
	require.Len(t, res.Items, 2)
	assert.EqualValues(t, 6, v.available(t, 1))
	assert.EqualValues(t, 3, v.available(t, 2))

	first := res.Items[0].ReservationID
	rec = v.do(t, http.MethodGet, "/reservations/"+first, alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[reservationResp](t, rec)
	assert.Equal(t, "PENDING", got.Status)
	assert.Equal(t, res.ReservationID, got.GroupID)
	require.NotNil(t, got.OrderID)
	assert.Equal(t, "ord-1", *got.OrderID)

	rec = v.do(t, http.MethodPost, "/reservations/"+first+"/confirm", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"changed":true`)
	rec = v.do(t, http.MethodPost, "/reservations/"+first+"/confirm", alice, nil)
	assert.Contains(t, rec.Body.String(), `"changed":false`)

	// confirmed stock cannot be handed back
	rec = v.do(t, http.MethodPost, "/reservations/"+first+"/release", alice, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	second := res.Items[1].ReservationID
	rec = v.do(t, http.MethodPost, "/reservations/"+second+"/release", alice, echo.Map{"reason": "changed mind"})
	require.Equal(t, http.StatusOK, rec.Code)
	rel := decode[struct {
		Reservation reservationResp `json:"reservation"`
	}](t, rec)
	assert.Equal(t, "RELEASED", rel.Reservation.Status)
	require.NotNil(t, rel.Reservation.ReleaseReason)
	assert.Equal(t, "changed mind", *rel.Reservation.ReleaseReason)
	assert.EqualValues(t, 5, v.available(t, 2))
	assert.EqualValues(t, 6, v.available(t, 1))

	rec = v.do(t, http.MethodGet, "/my-reservations", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	mine := decode[struct {
		Items []reservationResp `json:"items"`
	}](t, rec)
	assert.Len(t, mine.Items, 2)
}

func TestReserveFailureReturnsResultWith409(t *testing.T) {
	v := newEnv(t, map[uint64]int64{1: 10, 2: 1})
	alice := bearer(t, 11, model.RoleCustomer)

	rec := v.do(t, http.MethodPost, "/reservations", alice, echo.Map{
		"items": []model.ReservationItem{{ProductID: 1, Quantity: 4}, {ProductID: 2, Quantity: 2}},
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	res := decode[model.StockReservationResult](t, rec)
	assert.False(t, res.Success)
	assert.Empty(t, res.ReservationID)
	assert.NotEmpty(t, res.Items[1].Error)
	assert.EqualValues(t, 10, v.available(t, 1))
	assert.EqualValues(t, 1, v.available(t, 2))
}

func TestReserveRejectsBadRequests(t *testing.T) {
	v := newEnv(t, map[uint64]int64{1: 10})
	alice := bearer(t, 11, model.RoleCustomer)

	cases := []any{
		echo.Map{"items": []model.ReservationItem{}},
		echo.Map{"items": []model.ReservationItem{{ProductID: 1, Quantity: 0}}},
		echo.Map{"items": []model.ReservationItem{{ProductID: 1, Quantity: 1}}, "window_seconds": -5},
		echo.Map{"items": []model.ReservationItem{{ProductID: 1, Quantity: 1}}, "window_seconds": 3601},
		echo.Map{"items": []model.ReservationItem{{ProductID: 1, Quantity: 1}}, "window_seconds": int64(18446744074)},
	}
	for _, body := range cases {
		assert.Equal(t, http.StatusBadRequest, v.do(t, http.MethodPost, "/reservations", alice, body).Code)
	}
	assert.Equal(t, int64(10), v.available(t, 1))

	rec := v.do(t, http.MethodPost, "/reservations", alice, echo.Map{
		"items": []model.ReservationItem{{ProductID: 1, Quantity: 1}}, "window_seconds": 3600,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.WithinDuration(t, v.now.Add(time.Hour), decode[model.StockReservationResult](t, rec).ExpiresAt, time.Millisecond)

	assert.Equal(t, http.StatusUnauthorized, v.do(t, http.MethodPost, "/reservations", "", cases[0]).Code)
	assert.Equal(t, http.StatusForbidden,
		v.do(t, http.MethodPost, "/reservations", bearer(t, 1, model.RoleAdmin), cases[0]).Code)
}

func TestMalformedBodiesAreRejected(t *testing.T) {
	v := newEnv(t, map[uint64]int64{1: 10})
	alice := bearer(t, 11, model.RoleCustomer)
	res := decode[model.StockReservationResult](t, v.do(t, http.MethodPost, "/reservations", alice, echo.Map{
		"items": []model.ReservationItem{{ProductID: 1, Quantity: 3}},
	}))
	id := res.Items[0].ReservationID

	for _, path := range []string{
		"/reservations/" + id + "/confirm",
		"/reservations/" + id + "/release",
		"/reservation-groups/" + res.ReservationID + "/confirm",
		"/reservation-groups/" + res.ReservationID + "/release",
	} {
		assert.Equal(t, http.StatusBadRequest, v.do(t, http.MethodPost, path, alice, "not an object").Code, path)
	}
	r := decode[reservationResp](t, v.do(t, http.MethodGet, "/reservations/"+id, alice, nil))
	assert.Equal(t, string(model.ReservationPending), r.Status)
	assert.Equal(t, int64(7), v.available(t, 1))
}

func TestReservationOwnership(t *testing.T) {
	v := newEnv(t, map[uint64]int64{1: 10})
	alice := bearer(t, 11, model.RoleCustomer)
	mallory := bearer(t, 12, model.RoleCustomer)

	res := decode[model.StockReservationResult](t, v.do(t, http.MethodPost, "/reservations", alice, echo.Map{
		"items": []model.ReservationItem{{ProductID: 1, Quantity: 3}},
	}))
	id := res.Items[0].ReservationID

	assert.Equal(t, http.StatusForbidden, v.do(t, http.MethodGet, "/reservations/"+id, mallory, nil).Code)
	assert.Equal(t, http.StatusForbidden, v.do(t, http.MethodPost, "/reservations/"+id+"/release", mallory, nil).Code)
	assert.Equal(t, http.StatusForbidden,
		v.do(t, http.MethodPost, "/reservation-groups/"+res.ReservationID+"/release", mallory, nil).Code)
	assert.Equal(t, http.StatusNotFound, v.do(t, http.MethodGet, "/reservations/nope", alice, nil).Code)
	assert.EqualValues(t, 7, v.available(t, 1))
}

func TestGroupEndpoints(t *testing.T) {
	v := newEnv(t, map[uint64]int64{1: 10, 2: 10})
	alice := bearer(t, 11, model.RoleCustomer)
	items := echo.Map{"items": []model.ReservationItem{{ProductID: 1, Quantity: 1}, {ProductID: 2, Quantity: 2}}}

	a := decode[model.StockReservationResult](t, v.do(t, http.MethodPost, "/reservations", alice, items))
	rec := v.do(t, http.MethodPost, "/reservation-groups/"+a.ReservationID+"/confirm", alice, echo.Map{"order_id": "o-9"})
	require.Equal(t, http.StatusOK, rec.Code)
	for _, r := range decode[struct {
		Items []reservationResp `json:"items"`
	}](t, rec).Items {
		assert.Equal(t, "CONFIRMED", r.Status)
	}

	b := decode[model.StockReservationResult](t, v.do(t, http.MethodPost, "/reservations", alice, items))
	require.Equal(t, http.StatusOK, v.do(t, http.MethodPost, "/reservation-groups/"+b.ReservationID+"/release", alice, nil).Code)
	assert.EqualValues(t, 9, v.available(t, 1))
	assert.EqualValues(t, 8, v.available(t, 2))

	assert.Equal(t, http.StatusNotFound, v.do(t, http.MethodPost, "/reservation-groups/missing/release", alice, nil).Code)
}

func TestStockLookup(t *testing.T) {
	v := newEnv(t, map[uint64]int64{3: 42})
	rec := v.do(t, http.MethodGet, "/products/3/stock", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	s := decode[stockResp](t, rec)
	assert.EqualValues(t, 42, s.Available)
	assert.True(t, s.IsActive)

	assert.Equal(t, http.StatusNotFound, v.do(t, http.MethodGet, "/products/4/stock", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, v.do(t, http.MethodGet, "/products/x/stock", "", nil).Code)
}

func TestAdminStockManagement(t *testing.T) {
	v := newEnv(t, nil)
	root := bearer(t, 1, model.RoleAdmin)

	assert.Equal(t, http.StatusForbidden,
		v.do(t, http.MethodPost, "/admin/products", bearer(t, 2, model.RoleCustomer), echo.Map{}).Code)

	rec := v.do(t, http.MethodPost, "/admin/products", root, echo.Map{"product_id": 5, "sku": "W-5", "available": 3})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, http.StatusConflict,
		v.do(t, http.MethodPost, "/admin/products", root, echo.Map{"product_id": 5, "sku": "W-5", "available": 3}).Code)
	assert.Equal(t, http.StatusBadRequest,
		v.do(t, http.MethodPost, "/admin/products", root, echo.Map{"product_id": 6, "sku": "", "available": 3}).Code)

	rec = v.do(t, http.MethodPost, "/admin/products/5/stock", root, echo.Map{"delta": 7})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 10, decode[stockResp](t, rec).Available)

	rec = v.do(t, http.MethodPost, "/admin/products/5/stock", root, echo.Map{"delta": -11})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.EqualValues(t, 10, v.available(t, 5))

	assert.Equal(t, http.StatusNotFound, v.do(t, http.MethodPost, "/admin/products/99/stock", root, echo.Map{"delta": 1}).Code)
	assert.Equal(t, http.StatusBadRequest, v.do(t, http.MethodPost, "/admin/products/5/stock", root, echo.Map{"delta": 0}).Code)
}

func TestAdminSweepAndSoftDelete(t *testing.T) {
	v := newEnv(t, map[uint64]int64{1: 10})
	alice := bearer(t, 11, model.RoleCustomer)
	root := bearer(t, 1, model.RoleAdmin)

	res := decode[model.StockReservationResult](t, v.do(t, http.MethodPost, "/reservations", alice, echo.Map{
		"items":          []model.ReservationItem{{ProductID: 1, Quantity: 4}},
		"window_seconds": 1,
	}))
	id := res.Items[0].ReservationID

	// PENDING rows still hold stock and cannot be hidden
	assert.Equal(t, http.StatusConflict, v.do(t, http.MethodDelete, "/admin/reservations/"+id, root, nil).Code)

	v.now = v.now.Add(2 * time.Second)
	rec := v.do(t, http.MethodPost, "/admin/sweeps", root, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"expired":1}`, rec.Body.String())
	assert.EqualValues(t, 10, v.available(t, 1))

	rec = v.do(t, http.MethodDelete, "/admin/reservations/"+id, root, echo.Map{"reason": "cleanup"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"changed":true`)
	assert.Equal(t, http.StatusNotFound, v.do(t, http.MethodGet, "/reservations/"+id, alice, nil).Code)
}

func TestRespondErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{repository.ErrNotFound, http.StatusNotFound},
		{repository.ErrForbidden, http.StatusForbidden},
		{model.ErrInvalidState, http.StatusConflict},
		{repository.ErrVersionConflict, http.StatusConflict},
		{repository.ErrConflict, http.StatusConflict},
		{reservation.ErrInvalidRequest, http.StatusBadRequest},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		e := echo.New()
		rec := httptest.NewRecorder()
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
		require.NoError(t, respondError(c, tc.err))
		assert.Equal(t, tc.code, rec.Code, tc.err.Error())
	}

	e := echo.New()
	rec := httptest.NewRecorder()
	require.NoError(t, respondError(e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec), repository.ErrVersionConflict))
	assert.Contains(t, rec.Body.String(), `"retry":true`)
}

func TestGetUserID(t *testing.T) {
	e := echo.New()
	for _, v := range []any{uint64(5), 5, int64(5), float64(5), "5"} {
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
		c.Set(middleware.CtxUserID, v)
		id, err := getUserID(c)
		require.NoError(t, err)
		assert.EqualValues(t, 5, id)
	}
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	_, err := getUserID(c)
	assert.Error(t, err)
}
