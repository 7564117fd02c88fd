package auth

import (
	"crypto/subtle"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// HashPassword produces a bcrypt hash of the password.
func HashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// CheckPassword verifies a candidate against the configured credential.
// The credential may be a bcrypt hash or, for local setups, the plain
// password itself.
func CheckPassword(credential, candidate string) bool {
	if strings.HasPrefix(credential, "$2a$") || strings.HasPrefix(credential, "$2b$") || strings.HasPrefix(credential, "$2y$") {
		return bcrypt.CompareHashAndPassword([]byte(credential), []byte(candidate)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(credential), []byte(candidate)) == 1
}
