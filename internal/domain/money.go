package domain

import (
	"math"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Money is a currency amount in integer minor units (cents).
// Dollar values only exist at the API edge; all arithmetic happens here.
type Money int64

// PlatformFeeBasisPoints is the fixed platform cut retained at escrow release.
const PlatformFeeBasisPoints = 1500

// MoneyFromDollars converts a decimal dollar amount to minor units, rounding to the cent.
func MoneyFromDollars(dollars float64) Money {
	return Money(math.Round(dollars * 100))
}

// Dollars converts the amount back to decimal dollars.
func (m Money) Dollars() float64 {
	return float64(m) / 100
}

// MinorUnits returns the raw integer amount expected by payment processors.
func (m Money) MinorUnits() int64 {
	return int64(m)
}

var moneyPrinter = message.NewPrinter(language.English)

// Format renders the amount as a human-readable dollar string such as
// "$120.00", grouping the dollar digits of large amounts ("$1,234.56").
func (m Money) Format() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return moneyPrinter.Sprintf("%s$%d.%02d", sign, v/100, v%100)
}

// SplitPlatformFee divides an escrow amount into the platform fee and the provider payout.
// The fee is rounded half up in minor units so fee+net always equals the input.
func SplitPlatformFee(amount Money) (fee Money, net Money) {
	f := (int64(amount)*PlatformFeeBasisPoints + 5000) / 10000
	return Money(f), amount - Money(f)
}

// AdjustmentDelta computes the non-negative magnitude and direction of a price change.
func AdjustmentDelta(original, adjusted Money) (Money, AdjustmentType) {
	if adjusted >= original {
		return adjusted - original, AdjustmentTypeIncrease
	}
	return original - adjusted, AdjustmentTypeDecrease
}
