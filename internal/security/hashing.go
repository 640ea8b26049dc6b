package security

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Hasher derives bcrypt hashes at a fixed cost and checks passwords against
// stored hashes. Plaintext passwords must never be logged or persisted.
type Hasher struct {
	cost int
}

// NewHasher returns a Hasher at the given bcrypt cost. The configured value
// is range-checked at load time (see config.Load); anything out of bcrypt's
// supported range here falls back to the library default.
func NewHasher(cost int) *Hasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Hasher{cost: cost}
}

// Hash derives a storable hash from password.
func (h *Hasher) Hash(password []byte) (string, error) {
	b, err := bcrypt.GenerateFromPassword(password, h.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(b), nil
}

// Compare checks password against the stored hash in constant time. A
// mismatch surfaces as bcrypt.ErrMismatchedHashAndPassword.
func (h *Hasher) Compare(hash string, password []byte) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), password)
}
