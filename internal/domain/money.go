package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Money represents a monetary value in a specific currency.
// Amount is stored as BIGINT cents (10^-2) to avoid floating point errors;
// every balance in the system is fixed-point with two fraction digits.
type Money struct {
	Cents    int64
	Currency Currency
}

// NewMoney creates a new Money instance from cents.
func NewMoney(cents int64, currency Currency) Money {
	return Money{
		Cents:    cents,
		Currency: currency,
	}
}

// ToDecimal converts the int64 cents to a shopspring/decimal.Decimal.
func (m Money) ToDecimal() decimal.Decimal {
	return decimal.NewFromInt(m.Cents).Div(decimal.NewFromInt(100))
}

// FromDecimal converts a decimal.Decimal to int64 cents using standard
// half-away-from-zero rounding at two fraction digits.
func FromDecimal(d decimal.Decimal) int64 {
	return d.Round(2).Mul(decimal.NewFromInt(100)).IntPart()
}

// Convert converts the money to a target currency using a given FX rate ratio.
// The ratio must be rate(target)/rate(source), with rates expressed as units
// of currency per one base-currency unit. The result is rounded to cents.
func (m Money) Convert(target Currency, ratio decimal.Decimal) Money {
	amountDec := m.ToDecimal().Mul(ratio)
	return Money{
		Cents:    FromDecimal(amountDec),
		Currency: target,
	}
}

// String returns the string representation of the money.
func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.ToDecimal().StringFixed(2), m.Currency)
}
