package math

import (
	"bytes"
	"sort"
)

// ProRataShare computes floor(pool * shares / totalShares).
func ProRataShare(pool, shares, totalShares uint64) (uint64, error) {
	if totalShares == 0 {
		return 0, ErrDivisionByZero
	}
	wide := MultiplyInt128(pool, shares)
	defer Release(wide)
	return DivideInt128Floor(wide, totalShares)
}

// Holding is one holder's stake in a pro-rata distribution.
type Holding struct {
	HolderID [16]byte
	Shares   uint64
}

// HolderPayout is one line of a computed distribution.
type HolderPayout struct {
	HolderID [16]byte
	Shares   uint64
	Payout   uint64
}

// Distribution is the full pro-rata split of a pool.
type Distribution struct {
	Pool        uint64
	TotalShares uint64
	Payouts     []HolderPayout
	Distributed uint64
	Dust        uint64 // Pool - Distributed, always < number of holders
}

// ComputeDistribution splits pool across holdings pro-rata to their shares.
// Each payout is computed independently, so the result does not depend on the
// order claims are made in. Holders are sorted by ID for deterministic output.
// Zero-share holdings are skipped.
func ComputeDistribution(pool, totalShares uint64, holdings []Holding) (*Distribution, error) {
	sorted := make([]Holding, len(holdings))
	copy(sorted, holdings)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].HolderID[:], sorted[j].HolderID[:]) < 0
	})

	dist := &Distribution{
		Pool:        pool,
		TotalShares: totalShares,
		Payouts:     make([]HolderPayout, 0, len(sorted)),
	}

	for _, h := range sorted {
		if h.Shares == 0 {
			continue
		}
		payout, err := ProRataShare(pool, h.Shares, totalShares)
		if err != nil {
			return nil, err
		}
		dist.Payouts = append(dist.Payouts, HolderPayout{
			HolderID: h.HolderID,
			Shares:   h.Shares,
			Payout:   payout,
		})
		if dist.Distributed, err = CheckedAdd(dist.Distributed, payout); err != nil {
			return nil, err
		}
	}

	dust, err := CheckedSub(pool, dist.Distributed)
	if err != nil {
		// Holdings exceed totalShares.
		return nil, err
	}
	dist.Dust = dust

	return dist, nil
}
