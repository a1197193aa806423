package pricing

import (
	"errors"
	"math/big"

	"dlp/native/fixedpoint"
)

var (
	// ErrZeroSupply is returned when a curve is evaluated against an empty pool.
	ErrZeroSupply = errors.New("pricing: supply must be positive")
	// ErrNilState is returned when a curve is evaluated without configured state.
	ErrNilState = errors.New("pricing: state not configured")
	// ErrInvalidAmount is returned for negative purchase amounts.
	ErrInvalidAmount = errors.New("pricing: amount must not be negative")
	// ErrInvalidBudget is returned for negative budgets.
	ErrInvalidBudget = errors.New("pricing: budget must not be negative")
	// ErrSupplyExceeded is returned when a purchase amount is above the remaining
	// supply, or a state carries more remaining than total supply.
	ErrSupplyExceeded = errors.New("pricing: remaining supply exceeds total supply")
	// ErrAlphaOutOfBounds is returned when the curve exponent leaves the supported band.
	ErrAlphaOutOfBounds = errors.New("pricing: alpha out of bounds")
	// ErrIntensityOutOfBounds is returned when the premium intensity leaves the supported band.
	ErrIntensityOutOfBounds = errors.New("pricing: premium intensity out of bounds")
	// ErrBetaOutOfBounds is returned when the supply blend factor leaves [0,1].
	ErrBetaOutOfBounds = errors.New("pricing: beta must be within [0,1]")
	// ErrInvalidPrice is returned when the initial price is missing or non-positive.
	ErrInvalidPrice = errors.New("pricing: initial price must be positive")
)

// Curve parameter bounds. They exist to keep Pow and Exp inside their
// representable domains for every reachable purchase size.
const (
	MinAlpha = -10
	MaxAlpha = 10
	MaxK     = 250
)

// State carries the pricing inputs for one distribution. All big.Int fields
// are 1e18-scaled. RemainingSupply is the only field a committed purchase
// mutates; everything else is fixed at creation.
type State struct {
	InitialPrice    *big.Int
	TotalSupply     *big.Int
	RemainingSupply *big.Int
	Alpha           int64
	K               uint64
	Beta            *big.Int
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	out.InitialPrice = newBigInt(s.InitialPrice)
	out.TotalSupply = newBigInt(s.TotalSupply)
	out.RemainingSupply = newBigInt(s.RemainingSupply)
	out.Beta = newBigInt(s.Beta)
	return &out
}

// Validate checks the configured parameters against the supported bands.
func (s *State) Validate() error {
	if s == nil {
		return ErrNilState
	}
	if s.InitialPrice == nil || s.InitialPrice.Sign() <= 0 {
		return ErrInvalidPrice
	}
	if s.TotalSupply == nil || s.TotalSupply.Sign() <= 0 {
		return ErrZeroSupply
	}
	if s.RemainingSupply == nil || s.RemainingSupply.Sign() < 0 {
		return ErrZeroSupply
	}
	if s.RemainingSupply.Cmp(s.TotalSupply) > 0 {
		return ErrSupplyExceeded
	}
	if s.Alpha < MinAlpha || s.Alpha > MaxAlpha {
		return ErrAlphaOutOfBounds
	}
	if s.K > MaxK {
		return ErrIntensityOutOfBounds
	}
	if s.Beta == nil || s.Beta.Sign() < 0 || s.Beta.Cmp(fixedpoint.One) > 0 {
		return ErrBetaOutOfBounds
	}
	return nil
}

// Quote is the full cost breakdown for a single purchase. BasePrice and
// Premium are surfaced for observability; FinalCost is what must be paid.
type Quote struct {
	BasePrice *big.Int
	Premium   *big.Int
	BaseCost  *big.Int
	FinalCost *big.Int
}

// Clone returns a deep copy of the quote.
func (q *Quote) Clone() *Quote {
	if q == nil {
		return nil
	}
	return &Quote{
		BasePrice: newBigInt(q.BasePrice),
		Premium:   newBigInt(q.Premium),
		BaseCost:  newBigInt(q.BaseCost),
		FinalCost: newBigInt(q.FinalCost),
	}
}

func newBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
