// Package types provides value types shared across ledgersync.
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// ErrUnknownCurrency is returned for currency codes outside ISO 4217.
var ErrUnknownCurrency = errors.New("money: unknown currency")

// Money is an amount in the currency's minor unit, so USD(4900) is $49.00
// and JPY(100) is ¥100. Arithmetic never touches floating point.
type Money struct {
	Amount   int64  `json:"amount"`   // Smallest unit (cents, pence, etc)
	Currency string `json:"currency"` // ISO 4217 uppercase: "USD", "EUR"
}

// New creates a Money value in minor units, normalizing the currency code.
func New(amount int64, currency string) Money {
	return Money{Amount: amount, Currency: strings.ToUpper(strings.TrimSpace(currency))}
}

// USD creates a Money value in US Dollars (cents).
func USD(cents int64) Money { return Money{Amount: cents, Currency: money.USD} }

// EUR creates a Money value in Euros (cents).
func EUR(cents int64) Money { return Money{Amount: cents, Currency: money.EUR} }

// JPY creates a Money value in Japanese Yen (no decimal).
func JPY(yen int64) Money { return Money{Amount: yen, Currency: money.JPY} }

// Zero returns a zero Money value in the specified currency.
func Zero(currency string) Money { return New(0, currency) }

// ParseMoney parses a major-unit decimal string ("12.34") into minor units
// of the given currency. Inputs carrying more precision than the currency
// allows are rejected rather than rounded.
func ParseMoney(s, currency string) (Money, error) {
	cur := money.GetCurrency(strings.ToUpper(strings.TrimSpace(currency)))
	if cur == nil {
		return Money{}, fmt.Errorf("%w: %q", ErrUnknownCurrency, currency)
	}

	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Money{}, fmt.Errorf("money: parse %q: %w", s, err)
	}

	minor := d.Shift(int32(cur.Fraction))
	if !minor.Equal(minor.Truncate(0)) {
		return Money{}, fmt.Errorf("money: %q has more than %d decimal places for %s", s, cur.Fraction, cur.Code)
	}
	if !minor.BigInt().IsInt64() {
		return Money{}, fmt.Errorf("money: %q overflows minor units", s)
	}

	return Money{Amount: minor.IntPart(), Currency: cur.Code}, nil
}

// Validate reports whether the currency is a known ISO 4217 code.
func (m Money) Validate() error {
	if money.GetCurrency(m.Currency) == nil {
		return fmt.Errorf("%w: %q", ErrUnknownCurrency, m.Currency)
	}
	return nil
}

// Add adds two Money values. Panics if currencies don't match.
func (m Money) Add(other Money) Money {
	m.assertSameCurrency(other)
	return Money{Amount: m.Amount + other.Amount, Currency: m.Currency}
}

// Subtract subtracts another Money value. Panics if currencies don't match.
func (m Money) Subtract(other Money) Money {
	m.assertSameCurrency(other)
	return Money{Amount: m.Amount - other.Amount, Currency: m.Currency}
}

// Negate returns the negative of the Money value.
func (m Money) Negate() Money {
	return Money{Amount: -m.Amount, Currency: m.Currency}
}

// Abs returns the absolute value.
func (m Money) Abs() Money {
	if m.Amount < 0 {
		return Money{Amount: -m.Amount, Currency: m.Currency}
	}
	return m
}

// IsZero returns true if the amount is zero.
func (m Money) IsZero() bool { return m.Amount == 0 }

// IsNegative returns true if the amount is less than zero.
func (m Money) IsNegative() bool { return m.Amount < 0 }

// Equal returns true if both Money values are equal (same amount and currency).
func (m Money) Equal(other Money) bool {
	return m.Amount == other.Amount && m.Currency == other.Currency
}

// FormatMajor returns the major unit string without currency symbol:
// "49.00" for USD(4900), "100" for JPY(100).
func (m Money) FormatMajor() string {
	fraction := 2
	if cur := money.GetCurrency(m.Currency); cur != nil {
		fraction = cur.Fraction
	}
	return decimal.New(m.Amount, -int32(fraction)).StringFixed(int32(fraction))
}

// String returns a human-readable string with currency symbol, e.g. "$1,234.56".
// Unknown currencies fall back to "CODE 12.34".
func (m Money) String() string {
	cur := money.GetCurrency(m.Currency)
	if cur == nil {
		return strings.TrimSpace(m.Currency + " " + m.FormatMajor())
	}
	return cur.Formatter().Format(m.Amount)
}

// MarshalJSON implements json.Marshaler.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
		Display  string `json:"display"`
	}{
		Amount:   m.Amount,
		Currency: m.Currency,
		Display:  m.String(),
	})
}

// UnmarshalJSON implements json.Unmarshaler. The display field is ignored.
func (m *Money) UnmarshalJSON(data []byte) error {
	var raw struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = New(raw.Amount, raw.Currency)
	return nil
}

func (m Money) assertSameCurrency(other Money) {
	if m.Currency != other.Currency {
		panic(fmt.Sprintf("money: currency mismatch: %s != %s", m.Currency, other.Currency))
	}
}

// Sum adds values in currency. It panics if any value is in another
// currency; callers group by currency first.
func Sum(currency string, values ...Money) Money {
	result := Zero(currency)
	for _, v := range values {
		result = result.Add(v)
	}
	return result
}
