package domain

import "strings"

// Currency is an ISO 4217 currency code from the wallet's tracked set.
type Currency string

const (
	USD Currency = "USD"
	EUR Currency = "EUR"
	CNY Currency = "CNY"
	JPY Currency = "JPY"
)

// BaseCurrency is the reference currency all exchange rates are expressed against.
const BaseCurrency = USD

// Currencies lists every tracked currency in a stable order. Balance rows,
// historical snapshots and rate sets all cover exactly this set.
var Currencies = []Currency{USD, EUR, CNY, JPY}

type currencyInfo struct {
	Symbol string
	Name   string
}

// Display metadata only; none of the financial invariants depend on it.
var currencyMeta = map[Currency]currencyInfo{
	USD: {Symbol: "$", Name: "US Dollar"},
	EUR: {Symbol: "€", Name: "Euro"},
	CNY: {Symbol: "¥", Name: "Chinese Yuan"},
	JPY: {Symbol: "¥", Name: "Japanese Yen"},
}

// ParseCurrency normalizes and validates a currency code.
func ParseCurrency(code string) (Currency, bool) {
	c := Currency(strings.ToUpper(strings.TrimSpace(code)))
	_, ok := currencyMeta[c]
	return c, ok
}

// Valid reports whether the currency belongs to the tracked set.
func (c Currency) Valid() bool {
	_, ok := currencyMeta[c]
	return ok
}

// Symbol returns the display symbol for the currency.
func (c Currency) Symbol() string {
	return currencyMeta[c].Symbol
}

// Name returns the human-readable currency name.
func (c Currency) Name() string {
	return currencyMeta[c].Name
}

func (c Currency) String() string {
	return string(c)
}
