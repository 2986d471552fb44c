package utils

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Dan9191/card-ledger/internal/errors"
	"github.com/Dan9191/card-ledger/internal/models"
)

const (
	// IssuerPrefix identifies cards issued by this service
	IssuerPrefix = "465100"
	// CardNumberLength includes the check digit
	CardNumberLength = 16
	// DefaultMaxAttempts bounds the collision retries of a single generation
	DefaultMaxAttempts = 1000

	issuerPrefixLength = 6
	// bytes at or above this value are rejected so b%10 stays uniform
	uniformByteLimit = 250
)

// CardNumberGenerator draws Luhn-valid card numbers that are not yet issued
type CardNumberGenerator struct {
	Prefix      string
	Rand        io.Reader
	MaxAttempts int
}

// NewCardNumberGenerator returns a generator backed by crypto/rand
func NewCardNumberGenerator(prefix string) *CardNumberGenerator {
	if prefix == "" {
		prefix = IssuerPrefix
	}
	return &CardNumberGenerator{
		Prefix:      prefix,
		Rand:        rand.Reader,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// Generate returns a card number for which exists reports false.
// Candidates that collide are discarded and redrawn until MaxAttempts is spent.
func (g *CardNumberGenerator) Generate(exists func(number string) (bool, error)) (string, error) {
	if err := ValidateIssuerPrefix(g.Prefix); err != nil {
		return "", err
	}
	attempts := g.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	randomLength := CardNumberLength - len(g.Prefix) - 1

	for i := 0; i < attempts; i++ {
		digits, err := g.randomDigits(randomLength)
		if err != nil {
			return "", fmt.Errorf("failed to generate random digits: %w", err)
		}

		var builder strings.Builder
		builder.Grow(CardNumberLength)
		builder.WriteString(g.Prefix)
		builder.WriteString(digits)

		check, err := LuhnCheckDigit(builder.String())
		if err != nil {
			return "", err
		}
		builder.WriteByte(check)
		cardNumber := builder.String()

		taken, err := exists(cardNumber)
		if err != nil {
			return "", fmt.Errorf("failed to check card number: %w", err)
		}
		if !taken {
			return cardNumber, nil
		}
	}

	return "", fmt.Errorf("%w after %d attempts", errors.ErrGenerationExhausted, attempts)
}

func (g *CardNumberGenerator) randomDigits(n int) (string, error) {
	out := make([]byte, 0, n)
	buf := make([]byte, n)
	for len(out) < n {
		need := n - len(out)
		if _, err := io.ReadFull(g.Rand, buf[:need]); err != nil {
			return "", err
		}
		for _, b := range buf[:need] {
			if b >= uniformByteLimit {
				continue
			}
			out = append(out, b%10+'0')
		}
	}
	return string(out), nil
}

// ValidateIssuerPrefix checks that prefix is exactly six ASCII digits
func ValidateIssuerPrefix(prefix string) error {
	if len(prefix) != issuerPrefixLength {
		return errors.NewValidationError(errors.ErrInvalidInput, "prefix", fmt.Sprintf("must be %d digits", issuerPrefixLength))
	}
	for i := 0; i < len(prefix); i++ {
		if prefix[i] < '0' || prefix[i] > '9' {
			return errors.NewValidationError(errors.ErrInvalidInput, "prefix", "must contain only 0-9")
		}
	}
	return nil
}

// ExpiryDate returns the expiry of a card issued at t
func ExpiryDate(issuedAt time.Time) time.Time {
	return issuedAt.AddDate(models.CardValidityYears, 0, 0)
}

// GenerateCVV generates a 3-digit CVV code
func GenerateCVV(r io.Reader) (string, error) {
	if r == nil {
		r = rand.Reader
	}
	g := &CardNumberGenerator{Rand: r}
	return g.randomDigits(3)
}
