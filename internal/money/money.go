// Package money implements arbitrary-precision minor-unit arithmetic for
// payment amounts: no floats, truncating division, integer fee splits.
//
// Amount wraps math/big.Int so that minor-unit sums are never bounded by a
// machine word; the decimal package is used only as the major-unit input
// of ToMinorUnits (major-unit -> minor-unit conversion), since its
// coefficient is itself a big.Int under the hood.
package money

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrNonFinite       = errors.New("money: amount is not a finite integer")
	ErrDivideByZero    = errors.New("money: division by zero")
	ErrUnknownCurrency = errors.New("money: unrecognized currency code")
	ErrNotPositive     = errors.New("money: amount must be positive")
)

// currencyDecimals is the minor-unit exponent table. Unlisted currencies
// default to 2 (the common case: USD, EUR, GBP, ...).
var currencyDecimals = map[string]int32{
	"JPY": 0,
	"BHD": 3,
}

const defaultDecimals = 2

// Decimals returns the number of minor-unit digits for a currency code.
func Decimals(currency string) int32 {
	if d, ok := currencyDecimals[strings.ToUpper(currency)]; ok {
		return d
	}
	return defaultDecimals
}

// Amount is a signed arbitrary-precision integer count of minor currency
// units (cents, yen, fils, ...). The zero value is zero.
type Amount struct {
	v *big.Int
}

// Zero returns the additive identity.
func Zero() Amount { return Amount{v: big.NewInt(0)} }

// FromInt64 builds an Amount from a machine integer. Safe for any value
// that fits an int64; larger values should be built via FromString.
func FromInt64(n int64) Amount { return Amount{v: big.NewInt(n)} }

// FromString parses a base-10 integer string (no fractional part, no
// exponent) into an Amount.
func FromString(s string) (Amount, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return Amount{}, fmt.Errorf("%w: %q", ErrNonFinite, s)
	}
	return Amount{v: n}, nil
}

func (a Amount) bigOrZero() *big.Int {
	if a.v == nil {
		return big.NewInt(0)
	}
	return a.v
}

// Int64 returns the value as an int64. The caller is responsible for range
// checking: Amount carries no size limit and nothing in this system caps
// payment amounts, and for a value outside the int64 range the result is
// undefined (as for big.Int.Int64).
func (a Amount) Int64() int64 { return a.bigOrZero().Int64() }

// BigInt returns a defensive copy of the underlying big.Int.
func (a Amount) BigInt() *big.Int { return new(big.Int).Set(a.bigOrZero()) }

func (a Amount) String() string { return a.bigOrZero().String() }

func (a Amount) Sign() int { return a.bigOrZero().Sign() }

// IsPositive reports whether the amount is strictly greater than zero.
func (a Amount) IsPositive() bool { return a.Sign() > 0 }

// IsNegative reports whether the amount is strictly less than zero.
func (a Amount) IsNegative() bool { return a.Sign() < 0 }

func (a Amount) Cmp(b Amount) int { return a.bigOrZero().Cmp(b.bigOrZero()) }

func (a Amount) Equal(b Amount) bool { return a.Cmp(b) == 0 }

func (a Amount) Add(b Amount) Amount {
	return Amount{v: new(big.Int).Add(a.bigOrZero(), b.bigOrZero())}
}

func (a Amount) Sub(b Amount) Amount {
	return Amount{v: new(big.Int).Sub(a.bigOrZero(), b.bigOrZero())}
}

func (a Amount) Mul(n int64) Amount {
	return Amount{v: new(big.Int).Mul(a.bigOrZero(), big.NewInt(n))}
}

// MarshalJSON renders the amount as a bare JSON integer (spec: "amounts
// are numbers (safe-integer range)" on the wire), never as a string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.bigOrZero().String()), nil
}

func (a *Amount) UnmarshalJSON(b []byte) error {
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	parsed, err := FromString(n.String())
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value implements driver.Valuer so an Amount can be bound directly as a
// Postgres NUMERIC parameter.
func (a Amount) Value() (driver.Value, error) { return a.bigOrZero().String(), nil }

// Scan implements sql.Scanner for reading a NUMERIC column back out.
func (a *Amount) Scan(src any) error {
	switch v := src.(type) {
	case string:
		parsed, err := FromString(v)
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	case []byte:
		parsed, err := FromString(string(v))
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	case int64:
		*a = FromInt64(v)
		return nil
	case nil:
		*a = Zero()
		return nil
	default:
		return fmt.Errorf("money: cannot scan %T into Amount", src)
	}
}

// ToMinorUnits converts a major-unit decimal amount (e.g. "19.99") into an
// Amount counting minor units for the given currency. The input must be
// finite and must not carry more precision than the currency supports.
func ToMinorUnits(amount decimal.Decimal, currency string) (Amount, error) {
	if amount.Exponent() < -38 {
		return Amount{}, ErrNonFinite
	}
	scaled := amount.Shift(Decimals(currency))
	if !scaled.IsInteger() {
		return Amount{}, fmt.Errorf("money: %s has more precision than %s allows", amount.String(), currency)
	}
	return Amount{v: new(big.Int).Set(scaled.BigInt())}, nil
}

// DivideWithRemainder performs truncating (toward zero) integer division:
// quotient*divisor + remainder == amount, exactly, for any divisor != 0.
func DivideWithRemainder(amount Amount, divisor int64) (quotient, remainder Amount, err error) {
	if divisor == 0 {
		return Amount{}, Amount{}, ErrDivideByZero
	}
	q, r := new(big.Int), new(big.Int)
	q.QuoRem(amount.bigOrZero(), big.NewInt(divisor), r) // big.Int.QuoRem truncates toward zero.
	return Amount{v: q}, Amount{v: r}, nil
}

// SplitFee computes fee = (amount * feePercent) / 100, truncated toward
// zero, and merchantShare = amount - fee. By construction fee+merchantShare
// == amount. feePercent is 0-100 inclusive.
func SplitFee(amount Amount, feePercent int) (fee, merchantShare Amount, err error) {
	if !amount.IsPositive() {
		return Amount{}, Amount{}, ErrNotPositive
	}
	if feePercent < 0 || feePercent > 100 {
		return Amount{}, Amount{}, fmt.Errorf("money: fee percent %d out of range", feePercent)
	}
	fee, _, err = DivideWithRemainder(amount.Mul(int64(feePercent)), 100)
	if err != nil {
		return Amount{}, Amount{}, err
	}
	merchantShare = amount.Sub(fee)
	return fee, merchantShare, nil
}
