// Package money implements exact minor-unit amounts. Decimal strings only
// appear at the I/O boundary; all arithmetic is int64 cents.
package money

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultCurrency is the only currency ACH rails settle in.
const DefaultCurrency = "USD"

// Currencies with two minor digits that amounts may be tagged with.
var supported = map[string]bool{
	"USD": true,
	"CAD": true,
	"EUR": true,
	"GBP": true,
}

// Money is an amount of minor units (cents) tagged with an ISO currency code.
type Money struct {
	Cents    int64  `json:"-"`
	Currency string `json:"-"`
}

func New(cents int64, currency string) Money {
	if currency == "" {
		currency = DefaultCurrency
	}
	return Money{Cents: cents, Currency: currency}
}

// USD returns a dollar amount in cents.
func USD(cents int64) Money { return New(cents, DefaultCurrency) }

func Zero(currency string) Money { return New(0, currency) }

// Supported reports whether the currency code can be used.
func Supported(currency string) bool { return supported[currency] }

// Parse converts a decimal string ("381.75", "-12", "0.5") to Money.
// More than two fractional digits is an error, never a silent rounding.
func Parse(s, currency string) (Money, error) {
	if currency == "" {
		currency = DefaultCurrency
	}
	if !supported[currency] {
		return Money{}, fmt.Errorf("unsupported currency: %s", currency)
	}
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "$"))
	if s == "" {
		return Money{}, fmt.Errorf("empty amount")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("parse amount %q: %w", s, err)
	}
	shifted := d.Shift(2)
	if !shifted.Equal(shifted.Truncate(0)) {
		return Money{}, fmt.Errorf("amount %q has more than two decimal places", s)
	}
	if !shifted.Abs().LessThanOrEqual(decimal.New(1, 17)) {
		return Money{}, fmt.Errorf("amount %q out of range", s)
	}
	return Money{Cents: shifted.IntPart(), Currency: currency}, nil
}

// MustParse is Parse for literals in tests and fixtures.
func MustParse(s string) Money {
	m, err := Parse(s, DefaultCurrency)
	if err != nil {
		panic(err)
	}
	return m
}

// Decimal returns the amount in major units.
func (m Money) Decimal() decimal.Decimal { return decimal.New(m.Cents, -2) }

func (m Money) String() string { return m.Decimal().StringFixed(2) }

func (m Money) currency() string {
	if m.Currency == "" {
		return DefaultCurrency
	}
	return m.Currency
}

func (m Money) mustMatch(o Money) {
	if m.currency() != o.currency() {
		panic(fmt.Sprintf("money: currency mismatch %s vs %s", m.currency(), o.currency()))
	}
}

func (m Money) Add(o Money) Money {
	m.mustMatch(o)
	return Money{Cents: m.Cents + o.Cents, Currency: m.currency()}
}

func (m Money) Sub(o Money) Money {
	m.mustMatch(o)
	return Money{Cents: m.Cents - o.Cents, Currency: m.currency()}
}

func (m Money) Neg() Money { return Money{Cents: -m.Cents, Currency: m.currency()} }

func (m Money) Abs() Money {
	if m.Cents < 0 {
		return m.Neg()
	}
	return m
}

// MulInt multiplies by an integer count (installments, hours).
func (m Money) MulInt(n int64) Money { return Money{Cents: m.Cents * n, Currency: m.currency()} }

// MulDecimal multiplies by a decimal factor and rounds half away from zero
// to the nearest cent.
func (m Money) MulDecimal(f decimal.Decimal) Money {
	c := decimal.NewFromInt(m.Cents).Mul(f).Round(0)
	return Money{Cents: c.IntPart(), Currency: m.currency()}
}

// Percent returns pct% of m, rounded to the cent.
func (m Money) Percent(pct decimal.Decimal) Money {
	return m.MulDecimal(pct.Div(decimal.NewFromInt(100)))
}

func (m Money) IsZero() bool     { return m.Cents == 0 }
func (m Money) IsPositive() bool { return m.Cents > 0 }
func (m Money) IsNegative() bool { return m.Cents < 0 }

// Cmp returns -1, 0 or 1.
func (m Money) Cmp(o Money) int {
	m.mustMatch(o)
	switch {
	case m.Cents < o.Cents:
		return -1
	case m.Cents > o.Cents:
		return 1
	default:
		return 0
	}
}

func (m Money) Equal(o Money) bool {
	return m.currency() == o.currency() && m.Cents == o.Cents
}

func (m Money) LessThan(o Money) bool    { return m.Cmp(o) < 0 }
func (m Money) GreaterThan(o Money) bool { return m.Cmp(o) > 0 }

func Min(a, b Money) Money {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Sum adds amounts of one currency. An empty list sums to zero USD.
func Sum(items ...Money) Money {
	if len(items) == 0 {
		return USD(0)
	}
	total := Zero(items[0].currency())
	for _, it := range items {
		total = total.Add(it)
	}
	return total
}

type wireMoney struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireMoney{Amount: m.String(), Currency: m.currency()})
}

// UnmarshalJSON accepts {"amount":"1.23","currency":"USD"}, "1.23" or 1.23.
func (m *Money) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*m = Money{}
		return nil
	}
	switch b[0] {
	case '{':
		var w wireMoney
		if err := json.Unmarshal(b, &w); err != nil {
			return err
		}
		v, err := Parse(w.Amount, w.Currency)
		if err != nil {
			return err
		}
		*m = v
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := Parse(s, DefaultCurrency)
		if err != nil {
			return err
		}
		*m = v
	default:
		v, err := Parse(string(b), DefaultCurrency)
		if err != nil {
			return err
		}
		*m = v
	}
	return nil
}
