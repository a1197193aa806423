package launch

import (
	"math/big"

	"dlp/native/pricing"
)

// Distribution is one token sale: an asset, its pricing curve, and the
// per-purchase bound enforced on top of the curve. The embedded pricing
// state's RemainingSupply is the only field a committed purchase changes.
type Distribution struct {
	ID            string
	Asset         string
	Pricing       *pricing.State
	MaxPurchase   *big.Int // zero or nil means unbounded
	CliffDuration int64
	CreatedAt     int64
	UpdatedAt     int64
}

// Clone returns a deep copy of the distribution.
func (d *Distribution) Clone() *Distribution {
	if d == nil {
		return nil
	}
	out := *d
	out.Pricing = d.Pricing.Clone()
	out.MaxPurchase = newBigInt(d.MaxPurchase)
	return &out
}

// Receipt describes a committed purchase: what was paid, what the curve
// quoted, and the vesting grant the purchase opened.
type Receipt struct {
	DistributionID  string
	Beneficiary     [20]byte
	Amount          *big.Int
	Quote           *pricing.Quote
	GrantID         uint64
	VestingDuration int64
	PurchasedAt     int64
}

func newBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
