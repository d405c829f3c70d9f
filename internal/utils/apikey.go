package utils

import (
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// HashAPIKey returns the bcrypt hash stored in AUTH_API_KEY_HASH.
func HashAPIKey(key string) (string, error) {
	const op = "utils.HashAPIKey"

	key = strings.TrimSpace(key)
	if key == "" {
		return "", E(CodeInvalidArgument, op, "api key is empty", nil)
	}
	b, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", E(CodeInvalidArgument, op, "api key cannot be hashed", err)
	}
	return string(b), nil
}

// CheckAPIKey compares key with hash. A mismatch is UNAUTHORIZED; a hash
// bcrypt cannot read is INTERNAL.
func CheckAPIKey(hash, key string) error {
	const op = "utils.CheckAPIKey"

	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(strings.TrimSpace(key)))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return E(CodeUnauthorized, op, "invalid credentials", err)
	default:
		return E(CodeInternal, op, "api key hash is unusable", err)
	}
}
