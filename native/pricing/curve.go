package pricing

import (
	"math/big"

	"dlp/native/fixedpoint"
)

// BasePrice evaluates the power-law price curve at the current supply ratio.
// With ratio = remaining/total the price is initialPrice * ratio^alpha; a
// negative alpha is evaluated as initialPrice * (1/ratio)^|alpha| so price
// rises as supply depletes. At full supply the result equals InitialPrice
// exactly for any alpha.
func BasePrice(s *State) (*big.Int, error) {
	if s == nil {
		return nil, ErrNilState
	}
	if s.TotalSupply == nil || s.TotalSupply.Sign() == 0 || s.RemainingSupply == nil || s.RemainingSupply.Sign() == 0 {
		return nil, ErrZeroSupply
	}
	ratio, err := fixedpoint.Div(s.RemainingSupply, s.TotalSupply)
	if err != nil {
		return nil, err
	}

	base := ratio
	exponent := s.Alpha
	if exponent < 0 {
		if base, err = fixedpoint.Div(fixedpoint.One, ratio); err != nil {
			return nil, err
		}
		exponent = -exponent
	}
	factor, err := fixedpoint.Pow(base, new(big.Int).Mul(big.NewInt(exponent), fixedpoint.One))
	if err != nil {
		return nil, err
	}
	return fixedpoint.Mul(s.InitialPrice, factor)
}

// Premium computes the congestion multiplier exp(k*amount/effectiveSupply)
// where effectiveSupply blends remaining and total supply by beta. A zero
// amount, a drained pool, or k == 0 short-circuit to 1.0.
func Premium(s *State, amount *big.Int) (*big.Int, error) {
	if s == nil {
		return nil, ErrNilState
	}
	if amount != nil && amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	if amount == nil || amount.Sign() == 0 || s.RemainingSupply == nil || s.RemainingSupply.Sign() == 0 || s.K == 0 {
		return new(big.Int).Set(fixedpoint.One), nil
	}

	weighted, err := fixedpoint.Mul(s.RemainingSupply, s.Beta)
	if err != nil {
		return nil, err
	}
	complement := new(big.Int).Sub(fixedpoint.One, newBigInt(s.Beta))
	if complement.Sign() < 0 {
		return nil, ErrBetaOutOfBounds
	}
	rest, err := fixedpoint.Mul(s.TotalSupply, complement)
	if err != nil {
		return nil, err
	}
	effectiveSupply := weighted.Add(weighted, rest)

	scaled := new(big.Int).Mul(amount, new(big.Int).SetUint64(s.K))
	pressure, err := fixedpoint.Div(scaled, effectiveSupply)
	if err != nil {
		return nil, err
	}
	return fixedpoint.Exp(pressure)
}

// TotalCost prices a purchase of the given amount against the current state.
// The premium is a flat multiplier over the whole purchase, deliberately not
// an integral over the shrinking-supply path; downstream consumers depend on
// that exact composition.
func TotalCost(s *State, amount *big.Int) (*Quote, error) {
	if s == nil {
		return nil, ErrNilState
	}
	if amount != nil && amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	if amount == nil || amount.Sign() == 0 {
		return &Quote{
			BasePrice: big.NewInt(0),
			Premium:   new(big.Int).Set(fixedpoint.One),
			BaseCost:  big.NewInt(0),
			FinalCost: big.NewInt(0),
		}, nil
	}

	if s.RemainingSupply == nil || amount.Cmp(s.RemainingSupply) > 0 {
		return nil, ErrSupplyExceeded
	}

	basePrice, err := BasePrice(s)
	if err != nil {
		return nil, err
	}
	premium, err := Premium(s, amount)
	if err != nil {
		return nil, err
	}
	baseCost, err := fixedpoint.Mul(basePrice, amount)
	if err != nil {
		return nil, err
	}
	finalCost, err := fixedpoint.Mul(baseCost, premium)
	if err != nil {
		return nil, err
	}
	return &Quote{BasePrice: basePrice, Premium: premium, BaseCost: baseCost, FinalCost: finalCost}, nil
}

// TokensForBudget solves the inverse pricing problem: the largest amount not
// above the remaining supply whose final cost fits the budget. Zero when even
// a single unit is unaffordable, the full remaining supply when the budget
// covers everything.
func TokensForBudget(s *State, budget *big.Int) (*big.Int, error) {
	if s == nil {
		return nil, ErrNilState
	}
	if budget != nil && budget.Sign() < 0 {
		return nil, ErrInvalidBudget
	}
	if budget == nil || budget.Sign() == 0 || s.RemainingSupply == nil || s.RemainingSupply.Sign() == 0 {
		return big.NewInt(0), nil
	}
	return searchMaxAffordable(s.RemainingSupply, budget, func(amount *big.Int) (*big.Int, error) {
		quote, err := TotalCost(s, amount)
		if err != nil {
			return nil, err
		}
		return quote.FinalCost, nil
	})
}
