package models

import (
	"time"

	"github.com/google/uuid"
)

// CardValidityYears is how long a freshly issued card stays valid.
const CardValidityYears = 4

// Card represents an issued payment card
type Card struct {
	ID        uuid.UUID `json:"id" db:"id"`
	OwnerID   uuid.UUID `json:"owner_id" db:"owner_id"`
	Number    string    `json:"number" db:"number"`
	Balance   int64     `json:"balance" db:"balance"` // minor units
	Active    bool      `json:"active" db:"active"`
	IssuedAt  time.Time `json:"issued_at" db:"issued_at"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
	CVVHash   string    `json:"-" db:"cvv_hash"` // Not serialized
}

// Expired reports whether the card is past its expiry at t
func (c *Card) Expired(t time.Time) bool {
	return !t.Before(c.ExpiresAt)
}

// MaskedNumber hides everything but the issuer prefix and the last four digits
func (c *Card) MaskedNumber() string {
	if len(c.Number) != 16 {
		return c.Number
	}
	return c.Number[:6] + "******" + c.Number[12:]
}

// IssuedCard is returned once at provisioning; the CVV is never stored in clear
type IssuedCard struct {
	*Card
	CVV string `json:"cvv"`
}
