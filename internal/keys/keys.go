package keys

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// LicenseKeyLength is the length of every license key: a canonical UUID.
const LicenseKeyLength = 36

// Generator produces random license keys and referral codes. Uniqueness is
// enforced by the store; collisions surface as insert errors.
type Generator struct{}

func NewGenerator() *Generator {
	return &Generator{}
}

// LicenseKey returns a random UUIDv4 string, e.g.
// "7f0c6a4e-2b1d-4c8e-9a55-3f1e2d4c5b6a".
func (g *Generator) LicenseKey() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return id.String(), nil
}

// ReferralCode returns a ULID. It is safe for use in a Telegram deep link
// start parameter.
func (g *Generator) ReferralCode() (string, error) {
	return ulid.Make().String(), nil
}
