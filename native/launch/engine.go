package launch

import (
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"dlp/core/events"
	"dlp/native/pricing"
	"dlp/native/vesting"
)

var (
	ErrNilState             = errors.New("launch engine: state not configured")
	ErrNilVesting           = errors.New("launch engine: vesting engine not configured")
	ErrIDRequired           = errors.New("launch engine: distribution id required")
	ErrAssetRequired        = errors.New("launch engine: asset required")
	ErrDistributionExists   = errors.New("launch engine: distribution already exists")
	ErrDistributionNotFound = errors.New("launch engine: distribution not found")
	ErrZeroBeneficiary      = errors.New("launch engine: beneficiary required")
	ErrInvalidAmount        = errors.New("launch engine: amount must be positive")
	ErrAmountTooLarge       = errors.New("launch engine: amount exceeds purchase limit")
	ErrExceedsSupply        = errors.New("launch engine: amount exceeds remaining supply")
	ErrInsufficientPayment  = errors.New("launch engine: payment below quoted cost")
	ErrNegativeCliff        = errors.New("launch engine: cliff duration must not be negative")
)

type engineState interface {
	LaunchDistributionGet(id string) (*Distribution, bool, error)
	LaunchDistributionPut(distribution *Distribution) error
}

// Engine orchestrates purchases against a distribution: it quotes the
// pricing curve, commits the supply decrement, and opens the vesting grant
// sized from the pre-purchase supply ratio. A mutex serializes every
// mutation so each purchase observes and updates state as one unit.
type Engine struct {
	mu      sync.Mutex
	state   engineState
	vesting *vesting.Engine
	emitter events.Emitter
	logger  *slog.Logger
	nowFn   func() int64
}

// NewEngine constructs a launch engine with default dependencies.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn: func() int64 {
			return time.Now().Unix()
		},
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetVesting configures the vesting engine purchases open grants against.
func (e *Engine) SetVesting(v *vesting.Engine) { e.vesting = v }

// SetEmitter configures the event emitter used by the engine.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetLogger configures the logger used for write-failure diagnostics.
func (e *Engine) SetLogger(logger *slog.Logger) { e.logger = logger }

func (e *Engine) log() *slog.Logger {
	if e == nil || e.logger == nil {
		return slog.Default()
	}
	return e.logger
}

// SetNowFunc overrides the time source used for deterministic testing.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func sanitizeID(id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return "", ErrIDRequired
	}
	return trimmed, nil
}

func isZeroAddress(addr [20]byte) bool {
	var zero [20]byte
	return addr == zero
}

// CreateDistribution validates and stores a new distribution. The asset must
// already carry a vesting policy so later purchases can size their grants.
func (e *Engine) CreateDistribution(dist *Distribution) (*Distribution, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if e.vesting == nil {
		return nil, ErrNilVesting
	}
	if dist == nil {
		return nil, ErrIDRequired
	}
	id, err := sanitizeID(dist.ID)
	if err != nil {
		return nil, err
	}
	asset := strings.TrimSpace(dist.Asset)
	if asset == "" {
		return nil, ErrAssetRequired
	}
	if err := dist.Pricing.Validate(); err != nil {
		return nil, err
	}
	if dist.MaxPurchase != nil && dist.MaxPurchase.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	if dist.CliffDuration < 0 {
		return nil, ErrNegativeCliff
	}
	if _, err := e.vesting.Policy(asset); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok, err := e.state.LaunchDistributionGet(id); err != nil {
		return nil, err
	} else if ok && existing != nil {
		return nil, ErrDistributionExists
	}
	stored := dist.Clone()
	stored.ID = id
	stored.Asset = asset
	stored.CreatedAt = e.now()
	stored.UpdatedAt = stored.CreatedAt
	if err := e.state.LaunchDistributionPut(stored); err != nil {
		return nil, err
	}
	e.emit(events.DistributionCreated{
		ID:           stored.ID,
		Asset:        stored.Asset,
		TotalSupply:  stored.Pricing.TotalSupply,
		InitialPrice: stored.Pricing.InitialPrice,
	})
	return stored.Clone(), nil
}

// Distribution returns a copy of the stored distribution.
func (e *Engine) Distribution(id string) (*Distribution, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	id, err := sanitizeID(id)
	if err != nil {
		return nil, err
	}
	dist, ok, err := e.state.LaunchDistributionGet(id)
	if err != nil {
		return nil, err
	}
	if !ok || dist == nil {
		return nil, ErrDistributionNotFound
	}
	return dist.Clone(), nil
}

// Quote prices a purchase of the given amount without mutating anything.
func (e *Engine) Quote(id string, amount *big.Int) (*pricing.Quote, error) {
	dist, err := e.Distribution(id)
	if err != nil {
		return nil, err
	}
	return pricing.TotalCost(dist.Pricing, amount)
}

// QuoteBudget answers how many tokens the budget buys at current state.
func (e *Engine) QuoteBudget(id string, budget *big.Int) (*big.Int, error) {
	dist, err := e.Distribution(id)
	if err != nil {
		return nil, err
	}
	return pricing.TokensForBudget(dist.Pricing, budget)
}

// Purchase executes a buy of an exact token amount. The quote, the supply
// decrement, and the grant creation are committed as one unit; any failure
// leaves the distribution untouched. Payment must cover the quoted final
// cost in full. Both the quote and the grant's vesting duration use the
// supply observed before the decrement.
func (e *Engine) Purchase(id string, beneficiary [20]byte, amount, payment *big.Int) (*Receipt, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if e.vesting == nil {
		return nil, ErrNilVesting
	}
	if isZeroAddress(beneficiary) {
		return nil, ErrZeroBeneficiary
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	id, err := sanitizeID(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	dist, ok, err := e.state.LaunchDistributionGet(id)
	if err != nil {
		return nil, err
	}
	if !ok || dist == nil {
		return nil, ErrDistributionNotFound
	}
	if dist.MaxPurchase != nil && dist.MaxPurchase.Sign() > 0 && amount.Cmp(dist.MaxPurchase) > 0 {
		return nil, ErrAmountTooLarge
	}
	if amount.Cmp(dist.Pricing.RemainingSupply) > 0 {
		return nil, ErrExceedsSupply
	}

	quote, err := pricing.TotalCost(dist.Pricing, amount)
	if err != nil {
		return nil, err
	}
	if payment == nil || payment.Cmp(quote.FinalCost) < 0 {
		return nil, ErrInsufficientPayment
	}

	policy, err := e.vesting.Policy(dist.Asset)
	if err != nil {
		return nil, err
	}
	duration, err := vesting.SizeDuration(policy, dist.Pricing.RemainingSupply, dist.Pricing.TotalSupply)
	if err != nil {
		return nil, err
	}

	before := dist.Clone()
	updated := dist.Clone()
	updated.Pricing.RemainingSupply = new(big.Int).Sub(updated.Pricing.RemainingSupply, amount)
	updated.UpdatedAt = e.now()
	if err := e.state.LaunchDistributionPut(updated); err != nil {
		return nil, err
	}

	now := e.now()
	grant, err := e.vesting.CreateGrant(beneficiary, dist.Asset, now, duration, dist.CliffDuration, amount)
	if err != nil {
		// Restore the pre-purchase supply so the failed purchase leaves
		// no trace.
		if restoreErr := e.state.LaunchDistributionPut(before); restoreErr != nil {
			e.log().Error("restore distribution after failed grant creation",
				"distribution", id,
				"error", restoreErr,
			)
		}
		return nil, err
	}

	receipt := &Receipt{
		DistributionID:  id,
		Beneficiary:     beneficiary,
		Amount:          newBigInt(amount),
		Quote:           quote.Clone(),
		GrantID:         grant.ID,
		VestingDuration: duration,
		PurchasedAt:     now,
	}
	e.emit(events.PurchaseCompleted{
		DistributionID: id,
		Beneficiary:    hexAddr(beneficiary),
		Amount:         receipt.Amount,
		FinalCost:      quote.FinalCost,
		Premium:        quote.Premium,
		GrantID:        grant.ID,
		Duration:       duration,
	})
	return receipt, nil
}

// PurchaseWithBudget buys the largest affordable amount for the budget and
// settles at that amount's quoted cost.
func (e *Engine) PurchaseWithBudget(id string, beneficiary [20]byte, budget *big.Int) (*Receipt, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	dist, err := e.Distribution(id)
	if err != nil {
		return nil, err
	}
	amount, err := pricing.TokensForBudget(dist.Pricing, budget)
	if err != nil {
		return nil, err
	}
	if amount.Sign() == 0 {
		return nil, ErrInsufficientPayment
	}
	return e.Purchase(id, beneficiary, amount, budget)
}

// Unlocked reports the beneficiary's transferable balance for the asset.
func (e *Engine) Unlocked(beneficiary [20]byte, asset string, atTime int64) (*big.Int, error) {
	if e == nil || e.vesting == nil {
		return nil, ErrNilVesting
	}
	return e.vesting.TotalUnlocked(beneficiary, asset, atTime)
}

// Transfer records an outgoing movement of the governed asset: it verifies
// the unlocked balance covers the amount and then consumes it across the
// beneficiary's grants in creation order.
func (e *Engine) Transfer(beneficiary [20]byte, asset string, amount *big.Int) error {
	if e == nil || e.vesting == nil {
		return ErrNilVesting
	}
	if isZeroAddress(beneficiary) {
		return ErrZeroBeneficiary
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vesting.RecordConsumption(beneficiary, asset, amount, e.now())
}
