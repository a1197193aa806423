package pricing

import "math/big"

// searchMaxAffordable binary-searches [0, limit] for the largest value whose
// cost does not exceed budget. The cost function must be monotonically
// non-decreasing over the interval; cost(0) is assumed to be affordable.
// The midpoint is biased upward (low + ceil((high-low)/2)) so the loop
// converges when low == high without re-testing low.
func searchMaxAffordable(limit, budget *big.Int, cost func(*big.Int) (*big.Int, error)) (*big.Int, error) {
	low := big.NewInt(0)
	high := new(big.Int).Set(limit)
	one := big.NewInt(1)
	for low.Cmp(high) < 0 {
		mid := new(big.Int).Sub(high, low)
		mid.Add(mid, one)
		mid.Rsh(mid, 1)
		mid.Add(mid, low)

		c, err := cost(mid)
		if err != nil {
			return nil, err
		}
		if c.Cmp(budget) <= 0 {
			low.Set(mid)
		} else {
			high.Sub(mid, one)
		}
	}
	return low, nil
}
