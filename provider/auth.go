package provider

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// blfCryptPrefix marks bcrypt hashes in Dovecot-style credential exports.
const blfCryptPrefix = "{BLF-CRYPT}"

// dummyHash is compared against when a username does not exist, so the
// unknown-user path costs the same as a wrong-password one.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// HashPassword returns a bcrypt hash of the password for storage.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to generate bcrypt hash: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword checks a password against a stored hash. A {BLF-CRYPT}
// prefix on the hash is tolerated for imported credential databases.
func VerifyPassword(hashedPassword, password string) error {
	hashedPassword = strings.TrimPrefix(hashedPassword, blfCryptPrefix)
	return bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password))
}

// MitigateTiming burns one bcrypt comparison against a throwaway hash.
// Backends call it on the unknown-user path before returning
// ErrAuthenticationFailed.
func MitigateTiming(password string) {
	_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
}
