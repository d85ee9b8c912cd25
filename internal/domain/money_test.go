package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestMoney_ToDecimal(t *testing.T) {
	m := NewMoney(10_50, "USD") // 10.50 USD
	d := m.ToDecimal()
	assert.Equal(t, "10.5", d.String())
}

func TestFromDecimal(t *testing.T) {
	d := decimal.NewFromFloat(10.50)
	cents := FromDecimal(d)
	assert.Equal(t, int64(10_50), cents)
}

func TestFromDecimal_RoundsHalfAwayFromZero(t *testing.T) {
	assert.Equal(t, int64(10_13), FromDecimal(decimal.NewFromFloat(10.125)))
	assert.Equal(t, int64(-10_13), FromDecimal(decimal.NewFromFloat(-10.125)))
	assert.Equal(t, int64(10_12), FromDecimal(decimal.NewFromFloat(10.124)))
}

func TestMoney_Convert(t *testing.T) {
	// Source: 100 USD
	source := NewMoney(100_00, "USD")

	// Ratio: 1 USD = 0.92 EUR
	ratio := decimal.NewFromFloat(0.92)

	// Target: 92 EUR
	target := source.Convert("EUR", ratio)

	assert.Equal(t, Currency("EUR"), target.Currency)
	assert.Equal(t, int64(92_00), target.Cents)
}

func TestMoney_Convert_RoundsToCents(t *testing.T) {
	// 100 USD at 0.925555 rounds to 92.56 EUR
	source := NewMoney(100_00, "USD")
	ratio := decimal.NewFromFloat(0.925555)

	target := source.Convert("EUR", ratio)

	assert.Equal(t, int64(92_56), target.Cents)
}

func TestMoney_Convert_FixedCNYRatio(t *testing.T) {
	// 100.00 USD at the pinned CNY rate of 0.013 yields 1.30 CNY.
	source := NewMoney(100_00, "USD")
	ratio := decimal.NewFromFloat(0.013)

	target := source.Convert("CNY", ratio)

	assert.Equal(t, int64(1_30), target.Cents)
}

func TestMoney_String(t *testing.T) {
	m := NewMoney(1_30, "CNY")
	assert.Equal(t, "1.30 CNY", m.String())
}
