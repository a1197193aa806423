package vesting

import (
	"errors"
	"log/slog"
	"math/big"
	"time"

	"dlp/core/events"
)

var (
	ErrNilState            = errors.New("vesting engine: state not configured")
	ErrAssetRequired       = errors.New("vesting engine: asset required")
	ErrAssetNotRegistered  = errors.New("vesting engine: asset not registered")
	ErrZeroBeneficiary     = errors.New("vesting engine: beneficiary required")
	ErrInvalidAmount       = errors.New("vesting engine: amount must be positive")
	ErrInvalidPolicy       = errors.New("vesting engine: invalid duration policy")
	ErrInvalidDuration     = errors.New("vesting engine: duration must be positive")
	ErrCliffBeyondEnd      = errors.New("vesting engine: cliff extends past schedule end")
	ErrStartOutOfWindow    = errors.New("vesting engine: start time outside accepted window")
	ErrEndTooFar           = errors.New("vesting engine: end time too far in the future")
	ErrAggregateCapReached = errors.New("vesting engine: asset aggregate cap exceeded")
	ErrNoGrants            = errors.New("vesting engine: no grants for beneficiary")
	ErrInsufficientVested  = errors.New("vesting engine: amount exceeds unlocked balance")
	ErrZeroSupply          = errors.New("vesting engine: total supply must be positive")
)

// Grant timing guard rails. They exist to reject typo and replay inputs, not
// to encode any economic rule.
const (
	maxStartBehind = int64(30 * 24 * time.Hour / time.Second)
	maxStartAhead  = int64(365 * 24 * time.Hour / time.Second)
	maxEndHorizon  = int64(20 * 365 * 24 * time.Hour / time.Second)
)

type engineState interface {
	VestingPolicyGet(asset string) (*AssetPolicy, bool, error)
	VestingPolicyPut(policy *AssetPolicy) error
	VestingGrantsList(beneficiary [20]byte, asset string) ([]*Grant, error)
	VestingGrantAppend(grant *Grant) error
	VestingGrantUpdate(grant *Grant) error
	VestingNextGrantID() (uint64, error)
	VestingAssetGranted(asset string) (*big.Int, error)
	VestingAssetGrantedPut(asset string, total *big.Int) error
}

// Engine tracks vesting grants and policies against a pluggable state
// backend and answers unlock queries for the surrounding ledger.
type Engine struct {
	state   engineState
	emitter events.Emitter
	logger  *slog.Logger
	nowFn   func() int64
}

// NewEngine constructs a vesting engine with default dependencies.
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

func isZeroAddress(addr [20]byte) bool {
	var zero [20]byte
	return addr == zero
}

// RegisterAsset installs or replaces the vesting policy for an asset.
func (e *Engine) RegisterAsset(policy *AssetPolicy) (*AssetPolicy, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if policy == nil || policy.Asset == "" {
		return nil, ErrAssetRequired
	}
	if policy.MinDuration <= 0 || policy.MaxDuration < policy.MinDuration {
		return nil, ErrInvalidPolicy
	}
	if policy.AggregateCap != nil && policy.AggregateCap.Sign() < 0 {
		return nil, ErrInvalidPolicy
	}
	stored := policy.Clone()
	stored.UpdatedAt = e.now()
	if err := e.state.VestingPolicyPut(stored); err != nil {
		return nil, err
	}
	e.emit(events.VestingPolicyUpdated{
		Asset:       stored.Asset,
		MinDuration: stored.MinDuration,
		MaxDuration: stored.MaxDuration,
	})
	return stored.Clone(), nil
}

// Policy returns the registered policy for the asset.
func (e *Engine) Policy(asset string) (*AssetPolicy, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	policy, ok, err := e.state.VestingPolicyGet(asset)
	if err != nil {
		return nil, err
	}
	if !ok || policy == nil {
		return nil, ErrAssetNotRegistered
	}
	return policy.Clone(), nil
}

// CreateGrant validates and appends a new immutable grant for the
// beneficiary. The grant id is assigned monotonically by the state backend.
func (e *Engine) CreateGrant(beneficiary [20]byte, asset string, startTime, duration, cliffDuration int64, amount *big.Int) (*Grant, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if isZeroAddress(beneficiary) {
		return nil, ErrZeroBeneficiary
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if duration <= 0 {
		return nil, ErrInvalidDuration
	}
	if cliffDuration < 0 || cliffDuration > duration {
		return nil, ErrCliffBeyondEnd
	}
	now := e.now()
	if startTime < now-maxStartBehind || startTime > now+maxStartAhead {
		return nil, ErrStartOutOfWindow
	}
	endTime := startTime + duration
	if endTime > now+maxEndHorizon {
		return nil, ErrEndTooFar
	}

	policy, ok, err := e.state.VestingPolicyGet(asset)
	if err != nil {
		return nil, err
	}
	if !ok || policy == nil {
		return nil, ErrAssetNotRegistered
	}
	previousGranted, err := e.state.VestingAssetGranted(asset)
	if err != nil {
		return nil, err
	}
	previousGranted = newBigInt(previousGranted)
	granted := new(big.Int).Add(previousGranted, amount)
	if policy.AggregateCap != nil && policy.AggregateCap.Sign() > 0 && granted.Cmp(policy.AggregateCap) > 0 {
		return nil, ErrAggregateCapReached
	}

	id, err := e.state.VestingNextGrantID()
	if err != nil {
		return nil, err
	}
	grant := &Grant{
		ID:             id,
		Beneficiary:    beneficiary,
		Asset:          asset,
		StartTime:      startTime,
		CliffEndTime:   startTime + cliffDuration,
		EndTime:        endTime,
		TotalAmount:    newBigInt(amount),
		ConsumedAmount: big.NewInt(0),
	}
	// The aggregate total commits first so a failed append can be undone with
	// the same write primitive; a grant must never exist without its cap
	// accounting.
	if err := e.state.VestingAssetGrantedPut(asset, granted); err != nil {
		return nil, err
	}
	if err := e.state.VestingGrantAppend(grant); err != nil {
		if restoreErr := e.state.VestingAssetGrantedPut(asset, previousGranted); restoreErr != nil {
			e.log().Error("restore asset granted total after failed append",
				"asset", asset,
				"grantId", id,
				"error", restoreErr,
			)
		}
		return nil, err
	}
	e.emit(events.GrantCreated{
		GrantID:     grant.ID,
		Beneficiary: hexAddr(beneficiary),
		Asset:       asset,
		Amount:      grant.TotalAmount,
		StartTime:   grant.StartTime,
		EndTime:     grant.EndTime,
	})
	return grant.Clone(), nil
}

// Grants returns the beneficiary's grants for the asset in creation order.
func (e *Engine) Grants(beneficiary [20]byte, asset string) ([]*Grant, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	grants, err := e.state.VestingGrantsList(beneficiary, asset)
	if err != nil {
		return nil, err
	}
	out := make([]*Grant, 0, len(grants))
	for _, g := range grants {
		out = append(out, g.Clone())
	}
	return out, nil
}

// TotalUnlocked sums the unlocked, not-yet-consumed amount across all of the
// beneficiary's grants for the asset at the supplied time.
func (e *Engine) TotalUnlocked(beneficiary [20]byte, asset string, atTime int64) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	grants, err := e.state.VestingGrantsList(beneficiary, asset)
	if err != nil {
		return nil, err
	}
	total := big.NewInt(0)
	for _, g := range grants {
		available := VestedAmount(g, atTime)
		available.Sub(available, newBigInt(g.ConsumedAmount))
		if available.Sign() > 0 {
			total.Add(total, available)
		}
	}
	return total, nil
}

// RecordConsumption deducts amount from the beneficiary's grants in creation
// order: each grant is drained up to its unlocked remainder before the next
// is touched. The whole request either applies or nothing does; failing the
// walk mid-way restores every grant already written.
func (e *Engine) RecordConsumption(beneficiary [20]byte, asset string, amount *big.Int, atTime int64) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	grants, err := e.state.VestingGrantsList(beneficiary, asset)
	if err != nil {
		return err
	}
	// Deliberately rejects the empty case even for a zero amount.
	if len(grants) == 0 {
		return ErrNoGrants
	}
	if amount.Sign() == 0 {
		return nil
	}

	outstanding := newBigInt(amount)
	type draw struct {
		grant    *Grant
		consumed *big.Int
	}
	draws := make([]draw, 0, len(grants))
	for _, g := range grants {
		if outstanding.Sign() == 0 {
			break
		}
		available := VestedAmount(g, atTime)
		available.Sub(available, newBigInt(g.ConsumedAmount))
		if available.Sign() <= 0 {
			continue
		}
		take := available
		if outstanding.Cmp(available) < 0 {
			take = outstanding
		}
		consumed := newBigInt(g.ConsumedAmount)
		consumed.Add(consumed, take)
		draws = append(draws, draw{grant: g, consumed: consumed})
		outstanding = new(big.Int).Sub(outstanding, take)
	}
	if outstanding.Sign() > 0 {
		return ErrInsufficientVested
	}

	applied := make([]*Grant, 0, len(draws))
	for _, d := range draws {
		before := d.grant.Clone()
		updated := d.grant.Clone()
		updated.ConsumedAmount = d.consumed
		if err := e.state.VestingGrantUpdate(updated); err != nil {
			for _, prior := range applied {
				if restoreErr := e.state.VestingGrantUpdate(prior); restoreErr != nil {
					e.log().Error("restore grant after failed consumption write",
						"grantId", prior.ID,
						"asset", asset,
						"error", restoreErr,
					)
				}
			}
			return err
		}
		applied = append(applied, before)
	}
	e.emit(events.ConsumptionRecorded{
		Beneficiary: hexAddr(beneficiary),
		Asset:       asset,
		Amount:      amount,
		Grants:      len(draws),
	})
	return nil
}

// SizeDuration maps the pre-purchase supply ratio onto the policy's duration
// band: a full pool earns MaxDuration, a drained pool MinDuration, linear in
// between with truncating division.
func SizeDuration(policy *AssetPolicy, remainingSupply, totalSupply *big.Int) (int64, error) {
	if policy == nil {
		return 0, ErrAssetNotRegistered
	}
	if policy.MinDuration <= 0 || policy.MaxDuration < policy.MinDuration {
		return 0, ErrInvalidPolicy
	}
	if totalSupply == nil || totalSupply.Sign() <= 0 {
		return 0, ErrZeroSupply
	}
	remaining := newBigInt(remainingSupply)
	if remaining.Sign() < 0 {
		remaining = big.NewInt(0)
	}
	span := new(big.Int).SetInt64(policy.MaxDuration - policy.MinDuration)
	span.Mul(span, remaining)
	span.Quo(span, totalSupply)
	return policy.MinDuration + span.Int64(), nil
}
