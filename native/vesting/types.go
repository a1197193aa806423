package vesting

import "math/big"

// Grant is a single vesting schedule. TotalAmount is fixed at creation;
// ConsumedAmount is the only mutable field and never decreases. A
// beneficiary's grants form an append-only sequence in creation order, and
// that order is semantically meaningful: outgoing transfers drain the oldest
// grant first.
type Grant struct {
	ID             uint64
	Beneficiary    [20]byte
	Asset          string
	StartTime      int64
	CliffEndTime   int64
	EndTime        int64
	TotalAmount    *big.Int
	ConsumedAmount *big.Int
}

// Clone returns a deep copy of the grant.
func (g *Grant) Clone() *Grant {
	if g == nil {
		return nil
	}
	out := *g
	out.TotalAmount = newBigInt(g.TotalAmount)
	out.ConsumedAmount = newBigInt(g.ConsumedAmount)
	return &out
}

// AssetPolicy is the per-asset vesting configuration consulted when sizing
// new grants. AggregateCap bounds the sum of all grant amounts ever issued
// for the asset; nil or zero means uncapped.
type AssetPolicy struct {
	Asset        string
	MinDuration  int64
	MaxDuration  int64
	AggregateCap *big.Int
	UpdatedAt    int64
}

// Clone returns a deep copy of the policy.
func (p *AssetPolicy) Clone() *AssetPolicy {
	if p == nil {
		return nil
	}
	out := *p
	out.AggregateCap = newBigInt(p.AggregateCap)
	return &out
}

func newBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// VestedAmount returns how much of the grant has unlocked at the supplied
// time. Nothing unlocks before the cliff ends, everything is unlocked at or
// beyond the end time, and in between the unlock is linear over the
// post-cliff window with truncating division. A zero-length window vests in
// full the moment the cliff passes.
func VestedAmount(g *Grant, atTime int64) *big.Int {
	if g == nil {
		return big.NewInt(0)
	}
	total := newBigInt(g.TotalAmount)
	if atTime < g.StartTime {
		return big.NewInt(0)
	}
	if atTime >= g.EndTime {
		return total
	}
	if atTime < g.CliffEndTime {
		return big.NewInt(0)
	}
	window := g.EndTime - g.CliffEndTime
	if window == 0 {
		return total
	}
	elapsed := atTime - g.CliffEndTime
	vested := total.Mul(total, big.NewInt(elapsed))
	return vested.Quo(vested, big.NewInt(window))
}
