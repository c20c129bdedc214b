package utils

import (
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

// HashPassword hashes an account password at the configured BCRYPT_COST.
// A cost below bcrypt's minimum is raised to it and one above its maximum
// is lowered, so account creation never fails on a bad cost setting.
func HashPassword(plain string, cost int) (string, error) {
	cost = min(max(cost, bcrypt.MinCost), bcrypt.MaxCost)
	b, err := bcrypt.GenerateFromPassword([]byte(plain), cost)
	if err != nil {
		return "", errors.Wrap(err, "hash password")
	}
	return string(b), nil
}

// VerifyPassword reports whether plain matches a stored hash. Accounts
// without a hash never match.
func VerifyPassword(hash, plain string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}
