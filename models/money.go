package models

import "github.com/shopspring/decimal"

// Amounts are whole currency units (rupiah); sub-units are never stored.

// MaxAmount is the largest value a decimal(20,0) column holds.
var MaxAmount = decimal.New(1, 20).Sub(decimal.NewFromInt(1))

func ValidateAmount(d decimal.Decimal) error {
	if !d.IsPositive() || !d.IsInteger() || d.GreaterThan(MaxAmount) {
		return ErrInvalidAmount
	}
	return nil
}

func SumDecimals(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}
