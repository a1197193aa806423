package events

import (
	"math/big"
	"strconv"
	"strings"

	"dlp/core/types"
)

const (
	// TypeDistributionCreated is emitted when a distribution opens.
	TypeDistributionCreated = "launch.distribution.created"
	// TypePurchaseCompleted is emitted after a purchase commits.
	TypePurchaseCompleted = "launch.purchase.completed"
	// TypeGrantCreated is emitted when a vesting grant is appended.
	TypeGrantCreated = "vesting.grant.created"
	// TypeConsumptionRecorded is emitted when unlocked balance is drawn down.
	TypeConsumptionRecorded = "vesting.consumption.recorded"
	// TypeVestingPolicyUpdated is emitted when an asset policy is installed or changed.
	TypeVestingPolicyUpdated = "vesting.policy.updated"
)

// DistributionCreated captures the opening parameters of a distribution.
type DistributionCreated struct {
	ID           string
	Asset        string
	TotalSupply  *big.Int
	InitialPrice *big.Int
}

func (DistributionCreated) EventType() string { return TypeDistributionCreated }

// Event renders the structured distribution event for downstream consumers.
func (e DistributionCreated) Event() *types.Event {
	attrs := map[string]string{
		"id":           strings.TrimSpace(e.ID),
		"asset":        normalizeAsset(e.Asset),
		"totalSupply":  bigString(e.TotalSupply),
		"initialPrice": bigString(e.InitialPrice),
	}
	return &types.Event{Type: TypeDistributionCreated, Attributes: attrs}
}

// PurchaseCompleted captures a committed purchase and the grant it opened.
type PurchaseCompleted struct {
	DistributionID string
	Beneficiary    string
	Amount         *big.Int
	FinalCost      *big.Int
	Premium        *big.Int
	GrantID        uint64
	Duration       int64
}

func (PurchaseCompleted) EventType() string { return TypePurchaseCompleted }

// Event renders the structured purchase event for downstream consumers.
func (e PurchaseCompleted) Event() *types.Event {
	attrs := map[string]string{
		"distribution": strings.TrimSpace(e.DistributionID),
		"beneficiary":  strings.TrimSpace(e.Beneficiary),
		"amount":       bigString(e.Amount),
		"finalCost":    bigString(e.FinalCost),
		"premium":      bigString(e.Premium),
		"grantId":      strconv.FormatUint(e.GrantID, 10),
		"duration":     strconv.FormatInt(e.Duration, 10),
	}
	return &types.Event{Type: TypePurchaseCompleted, Attributes: attrs}
}

// GrantCreated captures a newly appended vesting grant.
type GrantCreated struct {
	GrantID     uint64
	Beneficiary string
	Asset       string
	Amount      *big.Int
	StartTime   int64
	EndTime     int64
}

func (GrantCreated) EventType() string { return TypeGrantCreated }

// Event renders the structured grant event for downstream consumers.
func (e GrantCreated) Event() *types.Event {
	attrs := map[string]string{
		"grantId":     strconv.FormatUint(e.GrantID, 10),
		"beneficiary": strings.TrimSpace(e.Beneficiary),
		"asset":       normalizeAsset(e.Asset),
		"amount":      bigString(e.Amount),
		"startTime":   strconv.FormatInt(e.StartTime, 10),
		"endTime":     strconv.FormatInt(e.EndTime, 10),
	}
	return &types.Event{Type: TypeGrantCreated, Attributes: attrs}
}

// ConsumptionRecorded captures a draw-down across a beneficiary's grants.
type ConsumptionRecorded struct {
	Beneficiary string
	Asset       string
	Amount      *big.Int
	Grants      int
}

func (ConsumptionRecorded) EventType() string { return TypeConsumptionRecorded }

// Event renders the structured consumption event for downstream consumers.
func (e ConsumptionRecorded) Event() *types.Event {
	attrs := map[string]string{
		"beneficiary": strings.TrimSpace(e.Beneficiary),
		"asset":       normalizeAsset(e.Asset),
		"amount":      bigString(e.Amount),
		"grants":      strconv.Itoa(e.Grants),
	}
	return &types.Event{Type: TypeConsumptionRecorded, Attributes: attrs}
}

// VestingPolicyUpdated captures an asset policy registration or change.
type VestingPolicyUpdated struct {
	Asset       string
	MinDuration int64
	MaxDuration int64
}

func (VestingPolicyUpdated) EventType() string { return TypeVestingPolicyUpdated }

// Event renders the structured policy event for downstream consumers.
func (e VestingPolicyUpdated) Event() *types.Event {
	attrs := map[string]string{
		"asset":       normalizeAsset(e.Asset),
		"minDuration": strconv.FormatInt(e.MinDuration, 10),
		"maxDuration": strconv.FormatInt(e.MaxDuration, 10),
	}
	return &types.Event{Type: TypeVestingPolicyUpdated, Attributes: attrs}
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
