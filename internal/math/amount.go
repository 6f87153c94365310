// internal/math/amount.go
package math

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"sync"
)

// Amount is an arbitrary-precision non-negative token quantity in the asset's
// smallest unit. The zero value is a valid zero amount.
//
// Amounts are immutable: every operation returns a new value and the wrapped
// big.Int is never modified after construction, so copying an Amount (or a
// record holding one) is always safe.
type Amount struct {
	v *big.Int
}

var (
	bigZero = new(big.Int)

	ErrNegativeAmount = errors.New("amount must be non-negative")
)

// Int pool for intermediate products in MulDiv
var bigPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getBig() *big.Int {
	return bigPool.Get().(*big.Int)
}

func putBig(v *big.Int) {
	v.SetInt64(0)
	bigPool.Put(v)
}

// Zero returns the zero amount.
func Zero() Amount {
	return Amount{}
}

// NewAmount creates an amount from a uint64.
func NewAmount(v uint64) Amount {
	if v == 0 {
		return Amount{}
	}
	return Amount{v: new(big.Int).SetUint64(v)}
}

// AmountFromBig copies b into a new Amount. Negative values are rejected.
func AmountFromBig(b *big.Int) (Amount, error) {
	if b == nil {
		return Amount{}, nil
	}
	if b.Sign() < 0 {
		return Amount{}, fmt.Errorf("%w: %s", ErrNegativeAmount, b.String())
	}
	if b.Sign() == 0 {
		return Amount{}, nil
	}
	return Amount{v: new(big.Int).Set(b)}, nil
}

// ParseAmount parses a base-10 integer string.
func ParseAmount(s string) (Amount, error) {
	b, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Amount{}, fmt.Errorf("invalid amount %q", s)
	}
	return AmountFromBig(b)
}

// MustParseAmount is ParseAmount for constants and tests.
func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) raw() *big.Int {
	if a.v == nil {
		return bigZero
	}
	return a.v
}

// Big returns a copy of the underlying integer.
func (a Amount) Big() *big.Int {
	return new(big.Int).Set(a.raw())
}

func (a Amount) IsZero() bool {
	return a.v == nil || a.v.Sign() == 0
}

// Cmp compares a and b and returns -1, 0 or +1.
func (a Amount) Cmp(b Amount) int {
	return a.raw().Cmp(b.raw())
}

func (a Amount) Equal(b Amount) bool {
	return a.Cmp(b) == 0
}

func (a Amount) Add(b Amount) Amount {
	if b.IsZero() {
		return a
	}
	if a.IsZero() {
		return b
	}
	return Amount{v: new(big.Int).Add(a.v, b.v)}
}

// Sub returns a - b. ok is false (and the result zero) when b > a.
func (a Amount) Sub(b Amount) (Amount, bool) {
	if a.Cmp(b) < 0 {
		return Amount{}, false
	}
	if b.IsZero() {
		return a, true
	}
	return Amount{v: new(big.Int).Sub(a.v, b.v)}, true
}

// SaturatingSub returns max(a - b, 0).
func (a Amount) SaturatingSub(b Amount) Amount {
	r, _ := a.Sub(b)
	return r
}

// MulDiv returns floor(a * num / den). den must be non-zero.
func (a Amount) MulDiv(num, den uint64) Amount {
	if den == 0 {
		panic("math: MulDiv by zero")
	}
	if a.IsZero() || num == 0 {
		return Amount{}
	}

	product := getBig()
	n := getBig()
	d := getBig()
	defer func() {
		putBig(product)
		putBig(n)
		putBig(d)
	}()

	n.SetUint64(num)
	d.SetUint64(den)
	product.Mul(a.v, n)

	return Amount{v: new(big.Int).Quo(product, d)}
}

// Min returns the smaller of a and b.
func Min(a, b Amount) Amount {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

// Uint64 returns the amount as a uint64 when it fits.
func (a Amount) Uint64() (uint64, bool) {
	r := a.raw()
	if !r.IsUint64() {
		return 0, false
	}
	return r.Uint64(), true
}

func (a Amount) String() string {
	return a.raw().String()
}

// MarshalJSON encodes the amount as a decimal string so that values beyond
// 2^53 survive JavaScript clients.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON accepts both a quoted decimal string and a bare JSON number.
func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*a = Amount{}
		return nil
	}
	s := string(bytes.Trim(data, `"`))
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
