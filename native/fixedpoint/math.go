// Package fixedpoint implements deterministic arithmetic over 1e18-scaled
// integers ("wads"). All operations work on big.Int values, never floating
// point, so results are bit-identical across platforms and runs. Values are
// bounded to the 256-bit unsigned range; operations that would leave it fail
// with ErrOverflow instead of saturating.
package fixedpoint

import (
	"errors"
	"math/big"
)

var (
	// ErrDivisionByZero is returned when a divisor is zero.
	ErrDivisionByZero = errors.New("fixedpoint: division by zero")
	// ErrOverflow is returned when a result falls outside the representable range.
	ErrOverflow = errors.New("fixedpoint: value outside representable range")
	// ErrNotPositive is returned for logarithm domains requiring a positive input.
	ErrNotPositive = errors.New("fixedpoint: input must be positive")
)

const (
	lnTerms  = 32
	expTerms = 32
)

var (
	// One is the wad unit, 1.0 scaled by 1e18.
	One = mustBigInt("1000000000000000000")

	two    = big.NewInt(2)
	twoWad = mustBigInt("2000000000000000000")

	// ln(2) at wad precision.
	ln2Wad = mustBigInt("693147180559945309")

	// Largest exponent accepted by Exp: ln((2^256-1)/1e18) truncated to wad.
	// Anything above produces a result that cannot be represented.
	expInputMax = mustBigInt("135999146549453176000")

	maxValue = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

func valueOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}

func checkRange(v *big.Int) (*big.Int, error) {
	if v.Sign() < 0 || v.Cmp(maxValue) > 0 {
		return nil, ErrOverflow
	}
	return v, nil
}

// Mul returns a*b at wad scale, truncating toward zero.
func Mul(a, b *big.Int) (*big.Int, error) {
	a, b = valueOrZero(a), valueOrZero(b)
	if a.Sign() < 0 || b.Sign() < 0 {
		return nil, ErrOverflow
	}
	product := new(big.Int).Mul(a, b)
	product.Quo(product, One)
	return checkRange(product)
}

// Div returns a/b at wad scale, truncating toward zero.
func Div(a, b *big.Int) (*big.Int, error) {
	a, b = valueOrZero(a), valueOrZero(b)
	if b.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	if a.Sign() < 0 || b.Sign() < 0 {
		return nil, ErrOverflow
	}
	quotient := new(big.Int).Mul(a, One)
	quotient.Quo(quotient, b)
	return checkRange(quotient)
}

// Exp returns e^x for a signed wad x. Positive inputs above the representable
// ceiling fail with ErrOverflow; negative inputs resolve through the
// reciprocal identity e^-x = 1/e^x.
func Exp(x *big.Int) (*big.Int, error) {
	x = valueOrZero(x)
	if x.Sign() == 0 {
		return new(big.Int).Set(One), nil
	}
	if x.Sign() < 0 {
		inv, err := Exp(new(big.Int).Neg(x))
		if err != nil {
			return nil, err
		}
		return Div(One, inv)
	}
	if x.Cmp(expInputMax) > 0 {
		return nil, ErrOverflow
	}

	// Range reduction: x = n*ln2 + r with 0 <= r < ln2, so e^x = 2^n * e^r.
	n := new(big.Int)
	r := new(big.Int)
	n.QuoRem(x, ln2Wad, r)

	// Horner evaluation of the Taylor series for e^r:
	// e^r ~= 1 + r/1*(1 + r/2*(1 + ... (1 + r/N))).
	s := new(big.Int).Set(One)
	for i := int64(expTerms); i > 0; i-- {
		s.Mul(s, r)
		s.Quo(s, One)
		s.Quo(s, big.NewInt(i))
		s.Add(s, One)
	}

	s.Lsh(s, uint(n.Uint64()))
	return checkRange(s)
}

// ln returns the natural logarithm of a positive wad as a signed wad.
// It normalizes the mantissa into [1,2) and applies the atanh series
// ln(m) = 2*(t + t^3/3 + t^5/5 + ...) with t = (m-1)/(m+1).
func ln(x *big.Int) (*big.Int, error) {
	x = valueOrZero(x)
	if x.Sign() <= 0 {
		return nil, ErrNotPositive
	}

	k := int64(0)
	m := new(big.Int).Set(x)
	for m.Cmp(twoWad) >= 0 {
		m.Quo(m, two)
		k++
	}
	for m.Cmp(One) < 0 {
		m.Mul(m, two)
		k--
	}

	t := new(big.Int).Sub(m, One)
	t.Mul(t, One)
	t.Quo(t, new(big.Int).Add(m, One))

	t2 := new(big.Int).Mul(t, t)
	t2.Quo(t2, One)

	sum := new(big.Int).Set(t)
	term := new(big.Int).Set(t)
	scratch := new(big.Int)
	for i := int64(1); i < lnTerms; i++ {
		term.Mul(term, t2)
		term.Quo(term, One)
		scratch.Quo(term, big.NewInt(2*i+1))
		sum.Add(sum, scratch)
	}
	sum.Mul(sum, two)

	shift := new(big.Int).Mul(big.NewInt(k), ln2Wad)
	return sum.Add(sum, shift), nil
}

// Pow returns base^exponent for a positive wad base and a non-negative wad
// exponent. Whole-number exponents are evaluated by exact square-and-multiply;
// fractional exponents fall back to exp(exponent*ln(base)).
func Pow(base, exponent *big.Int) (*big.Int, error) {
	base, exponent = valueOrZero(base), valueOrZero(exponent)
	if exponent.Sign() < 0 {
		return nil, ErrOverflow
	}
	if base.Sign() <= 0 {
		return nil, ErrNotPositive
	}
	if exponent.Sign() == 0 || base.Cmp(One) == 0 {
		return new(big.Int).Set(One), nil
	}

	whole := new(big.Int)
	frac := new(big.Int)
	whole.QuoRem(exponent, One, frac)
	if frac.Sign() == 0 && whole.IsUint64() {
		return powWhole(base, whole.Uint64())
	}

	lnBase, err := ln(base)
	if err != nil {
		return nil, err
	}
	y := new(big.Int).Mul(lnBase, exponent)
	y.Quo(y, One)
	return Exp(y)
}

func powWhole(base *big.Int, n uint64) (*big.Int, error) {
	result := new(big.Int).Set(One)
	b := new(big.Int).Set(base)
	var err error
	for n > 0 {
		if n&1 == 1 {
			if result, err = Mul(result, b); err != nil {
				return nil, err
			}
		}
		n >>= 1
		if n > 0 {
			if b, err = Mul(b, b); err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}
