package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
)

// Context keys set by JWTAuth.
const (
	CtxUserID = "user_id"
	CtxRole   = "role"
)

// ErrInvalidToken covers every reason a bearer token is rejected.
var ErrInvalidToken = errors.New("invalid token")

// ParseAccessToken verifies an HS256 access token and returns its subject
// and role claims.
func ParseAccessToken(secret, raw string) (uint64, string, error) {
	tok, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !tok.Valid {
		return 0, "", errors.Wrap(ErrInvalidToken, "parse")
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return 0, "", errors.Wrap(ErrInvalidToken, "claims")
	}
	uid, ok := subjectID(claims["sub"])
	if !ok {
		return 0, "", errors.Wrap(ErrInvalidToken, "subject")
	}
	role, _ := claims["role"].(string)
	return uid, role, nil
}

// BearerToken extracts the raw token from an Authorization header.
func BearerToken(header string) (string, bool) {
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	return raw, raw != ""
}

// JWTAuth validates a Bearer access token and stores the user id (uint64)
// and role (string) in the echo context.
func JWTAuth(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw, ok := BearerToken(c.Request().Header.Get("Authorization"))
			if !ok {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing bearer token"})
			}
			uid, role, err := ParseAccessToken(secret, raw)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token"})
			}
			c.Set(CtxUserID, uid)
			c.Set(CtxRole, role)
			return next(c)
		}
	}
}

// subjectID accepts the sub claim as a JSON number or a numeric string.
func subjectID(v interface{}) (uint64, bool) {
	switch s := v.(type) {
	case float64:
		if s <= 0 {
			return 0, false
		}
		return uint64(s), true
	case string:
		n, err := strconv.ParseUint(s, 10, 64)
		return n, err == nil && n > 0
	}
	return 0, false
}
