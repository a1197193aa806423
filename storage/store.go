// Package storage persists distributions, vesting grants, and asset
// policies in a single bbolt file. It implements the state interfaces the
// launch and vesting engines consume, so the daemon survives restarts with
// supply and grant bookkeeping intact.
package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	bolt "go.etcd.io/bbolt"

	"dlp/native/launch"
	"dlp/native/pricing"
	"dlp/native/vesting"
)

var (
	bucketDistributions = []byte("distributions")
	bucketPolicies      = []byte("policies")
	bucketGrants        = []byte("grants")
	bucketAssetTotals   = []byte("asset_totals")

	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

// Store is a bbolt-backed state backend shared by the launch and vesting
// engines.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the store at the supplied path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketDistributions, bucketPolicies, bucketGrants, bucketAssetTotals} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: init buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type distributionRecord struct {
	ID              string `json:"id"`
	Asset           string `json:"asset"`
	InitialPrice    string `json:"initialPrice"`
	TotalSupply     string `json:"totalSupply"`
	RemainingSupply string `json:"remainingSupply"`
	Alpha           int64  `json:"alpha"`
	K               uint64 `json:"k"`
	Beta            string `json:"beta"`
	MaxPurchase     string `json:"maxPurchase"`
	CliffDuration   int64  `json:"cliffDuration"`
	CreatedAt       int64  `json:"createdAt"`
	UpdatedAt       int64  `json:"updatedAt"`
}

type policyRecord struct {
	Asset        string `json:"asset"`
	MinDuration  int64  `json:"minDuration"`
	MaxDuration  int64  `json:"maxDuration"`
	AggregateCap string `json:"aggregateCap"`
	UpdatedAt    int64  `json:"updatedAt"`
}

type grantRecord struct {
	ID             uint64 `json:"id"`
	Beneficiary    string `json:"beneficiary"`
	Asset          string `json:"asset"`
	StartTime      int64  `json:"startTime"`
	CliffEndTime   int64  `json:"cliffEndTime"`
	EndTime        int64  `json:"endTime"`
	TotalAmount    string `json:"totalAmount"`
	ConsumedAmount string `json:"consumedAmount"`
}

func bigToString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func bigFromString(value string) (*big.Int, error) {
	if value == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("storage: invalid big integer %q", value)
	}
	return v, nil
}

func encodeDistribution(d *launch.Distribution) ([]byte, error) {
	record := distributionRecord{
		ID:              d.ID,
		Asset:           d.Asset,
		InitialPrice:    bigToString(d.Pricing.InitialPrice),
		TotalSupply:     bigToString(d.Pricing.TotalSupply),
		RemainingSupply: bigToString(d.Pricing.RemainingSupply),
		Alpha:           d.Pricing.Alpha,
		K:               d.Pricing.K,
		Beta:            bigToString(d.Pricing.Beta),
		MaxPurchase:     bigToString(d.MaxPurchase),
		CliffDuration:   d.CliffDuration,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
	return json.Marshal(record)
}

func decodeDistribution(raw []byte) (*launch.Distribution, error) {
	var record distributionRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, err
	}
	initialPrice, err := bigFromString(record.InitialPrice)
	if err != nil {
		return nil, err
	}
	totalSupply, err := bigFromString(record.TotalSupply)
	if err != nil {
		return nil, err
	}
	remainingSupply, err := bigFromString(record.RemainingSupply)
	if err != nil {
		return nil, err
	}
	beta, err := bigFromString(record.Beta)
	if err != nil {
		return nil, err
	}
	maxPurchase, err := bigFromString(record.MaxPurchase)
	if err != nil {
		return nil, err
	}
	return &launch.Distribution{
		ID:    record.ID,
		Asset: record.Asset,
		Pricing: &pricing.State{
			InitialPrice:    initialPrice,
			TotalSupply:     totalSupply,
			RemainingSupply: remainingSupply,
			Alpha:           record.Alpha,
			K:               record.K,
			Beta:            beta,
		},
		MaxPurchase:   maxPurchase,
		CliffDuration: record.CliffDuration,
		CreatedAt:     record.CreatedAt,
		UpdatedAt:     record.UpdatedAt,
	}, nil
}

// LaunchDistributionGet implements the launch engine state interface.
func (s *Store) LaunchDistributionGet(id string) (*launch.Distribution, bool, error) {
	var dist *launch.Distribution
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketDistributions).Get([]byte(id))
		if raw == nil {
			return nil
		}
		decoded, err := decodeDistribution(raw)
		if err != nil {
			return err
		}
		dist = decoded
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return dist, dist != nil, nil
}

// LaunchDistributionPut implements the launch engine state interface.
func (s *Store) LaunchDistributionPut(d *launch.Distribution) error {
	raw, err := encodeDistribution(d)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDistributions).Put([]byte(d.ID), raw)
	})
}

// VestingPolicyGet implements the vesting engine state interface.
func (s *Store) VestingPolicyGet(asset string) (*vesting.AssetPolicy, bool, error) {
	var policy *vesting.AssetPolicy
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketPolicies).Get([]byte(asset))
		if raw == nil {
			return nil
		}
		var record policyRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			return err
		}
		cap, err := bigFromString(record.AggregateCap)
		if err != nil {
			return err
		}
		policy = &vesting.AssetPolicy{
			Asset:        record.Asset,
			MinDuration:  record.MinDuration,
			MaxDuration:  record.MaxDuration,
			AggregateCap: cap,
			UpdatedAt:    record.UpdatedAt,
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return policy, policy != nil, nil
}

// VestingPolicyPut implements the vesting engine state interface.
func (s *Store) VestingPolicyPut(policy *vesting.AssetPolicy) error {
	raw, err := json.Marshal(policyRecord{
		Asset:        policy.Asset,
		MinDuration:  policy.MinDuration,
		MaxDuration:  policy.MaxDuration,
		AggregateCap: bigToString(policy.AggregateCap),
		UpdatedAt:    policy.UpdatedAt,
	})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPolicies).Put([]byte(policy.Asset), raw)
	})
}

// Grant keys order by beneficiary, asset, then creation id so a prefix scan
// yields one beneficiary's grants for an asset in creation order.
func grantPrefix(beneficiary [20]byte, asset string) []byte {
	prefix := make([]byte, 0, 64)
	prefix = append(prefix, []byte(hex.EncodeToString(beneficiary[:]))...)
	prefix = append(prefix, '/')
	prefix = append(prefix, []byte(asset)...)
	prefix = append(prefix, '/')
	return prefix
}

func grantKey(grant *vesting.Grant) []byte {
	key := grantPrefix(grant.Beneficiary, grant.Asset)
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], grant.ID)
	return append(key, id[:]...)
}

func encodeGrant(grant *vesting.Grant) ([]byte, error) {
	return json.Marshal(grantRecord{
		ID:             grant.ID,
		Beneficiary:    hex.EncodeToString(grant.Beneficiary[:]),
		Asset:          grant.Asset,
		StartTime:      grant.StartTime,
		CliffEndTime:   grant.CliffEndTime,
		EndTime:        grant.EndTime,
		TotalAmount:    bigToString(grant.TotalAmount),
		ConsumedAmount: bigToString(grant.ConsumedAmount),
	})
}

func decodeGrant(raw []byte) (*vesting.Grant, error) {
	var record grantRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, err
	}
	addrBytes, err := hex.DecodeString(record.Beneficiary)
	if err != nil || len(addrBytes) != 20 {
		return nil, fmt.Errorf("storage: invalid beneficiary %q", record.Beneficiary)
	}
	total, err := bigFromString(record.TotalAmount)
	if err != nil {
		return nil, err
	}
	consumed, err := bigFromString(record.ConsumedAmount)
	if err != nil {
		return nil, err
	}
	grant := &vesting.Grant{
		ID:             record.ID,
		Asset:          record.Asset,
		StartTime:      record.StartTime,
		CliffEndTime:   record.CliffEndTime,
		EndTime:        record.EndTime,
		TotalAmount:    total,
		ConsumedAmount: consumed,
	}
	copy(grant.Beneficiary[:], addrBytes)
	return grant, nil
}

// VestingGrantsList implements the vesting engine state interface. Grants
// come back in creation order.
func (s *Store) VestingGrantsList(beneficiary [20]byte, asset string) ([]*vesting.Grant, error) {
	grants := []*vesting.Grant{}
	err := s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(bucketGrants).Cursor()
		prefix := grantPrefix(beneficiary, asset)
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			grant, err := decodeGrant(v)
			if err != nil {
				return err
			}
			grants = append(grants, grant)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return grants, nil
}

// VestingGrantAppend implements the vesting engine state interface.
func (s *Store) VestingGrantAppend(grant *vesting.Grant) error {
	raw, err := encodeGrant(grant)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGrants).Put(grantKey(grant), raw)
	})
}

// VestingGrantUpdate implements the vesting engine state interface.
func (s *Store) VestingGrantUpdate(grant *vesting.Grant) error {
	raw, err := encodeGrant(grant)
	if err != nil {
		return err
	}
	key := grantKey(grant)
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketGrants)
		if bucket.Get(key) == nil {
			return ErrNotFound
		}
		return bucket.Put(key, raw)
	})
}

// VestingNextGrantID implements the vesting engine state interface using the
// grants bucket sequence, which only ever moves forward.
func (s *Store) VestingNextGrantID() (uint64, error) {
	var id uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		next, err := tx.Bucket(bucketGrants).NextSequence()
		if err != nil {
			return err
		}
		id = next
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// VestingAssetGranted implements the vesting engine state interface.
func (s *Store) VestingAssetGranted(asset string) (*big.Int, error) {
	total := big.NewInt(0)
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketAssetTotals).Get([]byte(asset))
		if raw == nil {
			return nil
		}
		parsed, err := bigFromString(string(raw))
		if err != nil {
			return err
		}
		total = parsed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return total, nil
}

// VestingAssetGrantedPut implements the vesting engine state interface.
func (s *Store) VestingAssetGrantedPut(asset string, total *big.Int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAssetTotals).Put([]byte(asset), []byte(bigToString(total)))
	})
}
