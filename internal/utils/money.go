package utils

import "github.com/shopspring/decimal"

// Currency is the only currency balances are kept in
const Currency = "RUB"

// minorUnitExp converts kopecks to rubles
const minorUnitExp = -2

// ToMajorUnits turns an amount in minor units into a decimal in major units
func ToMajorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, minorUnitExp)
}

// FormatAmount renders minor units as a fixed two-place major amount, e.g. 150050 -> "1500.50"
func FormatAmount(minor int64) string {
	return ToMajorUnits(minor).StringFixed(2)
}
