package utils

import (
	"github.com/Dan9191/card-ledger/internal/errors"
)

// LuhnCheckDigit returns the ASCII digit that makes partial+digit pass the Luhn check
func LuhnCheckDigit(partial string) (byte, error) {
	sum, err := luhnSum(partial, true)
	if err != nil {
		return 0, err
	}
	return byte((10-sum%10)%10) + '0', nil
}

// LuhnValid reports whether the full digit sequence passes the Luhn check
func LuhnValid(full string) (bool, error) {
	sum, err := luhnSum(full, false)
	if err != nil {
		return false, err
	}
	return sum%10 == 0, nil
}

// luhnSum walks digits right to left. When doubleFirst is set the rightmost digit
// sits at an even distance from the end, which is the case when a check digit is
// still to be appended.
func luhnSum(digits string, doubleFirst bool) (int, error) {
	if digits == "" {
		return 0, errors.NewValidationError(errors.ErrInvalidInput, "digits", "must not be empty")
	}

	sum := 0
	double := doubleFirst
	for i := len(digits) - 1; i >= 0; i-- {
		c := digits[i]
		if c < '0' || c > '9' {
			return 0, errors.NewValidationError(errors.ErrInvalidInput, "digits", "must contain only 0-9")
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum, nil
}
