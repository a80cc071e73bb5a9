package math_test

import (
	"errors"
	stdmath "math"
	"testing"

	fpmath "PredictLedger/internal/math"
)

// ============================================================================
// Checked 64-bit arithmetic
// ============================================================================

func TestCheckedAdd(t *testing.T) {
	got, err := fpmath.CheckedAdd(1_000_000, 99_500)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 1_099_500 {
		t.Errorf("got %d, want 1099500", got)
	}

	if _, err := fpmath.CheckedAdd(stdmath.MaxUint64, 1); !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("MaxUint64+1: got %v, want ErrOverflow", err)
	}
}

func TestCheckedSub(t *testing.T) {
	got, err := fpmath.CheckedSub(1_000_000, 909_504)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 90_496 {
		t.Errorf("got %d, want 90496", got)
	}

	if _, err := fpmath.CheckedSub(1, 2); !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("1-2: got %v, want ErrOverflow", err)
	}
}

func TestCheckedMul(t *testing.T) {
	if got, err := fpmath.CheckedMul(1_000_000, 2); err != nil || got != 2_000_000 {
		t.Errorf("got (%d, %v), want (2000000, nil)", got, err)
	}
	if _, err := fpmath.CheckedMul(stdmath.MaxUint64/2+1, 2); !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("doubling past MaxUint64: got %v, want ErrOverflow", err)
	}
}

// ============================================================================
// Wide multiply / divide
// ============================================================================

func TestMultiplyDivideInt128_CPMMVector(t *testing.T) {
	k := fpmath.MultiplyInt128(1_000_000, 1_000_000)
	defer fpmath.Release(k)

	got, err := fpmath.DivideInt128Floor(k, 1_099_500)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 909_504 {
		t.Errorf("got %d, want 909504", got)
	}
}

func TestMultiplyInt128_FullWidth(t *testing.T) {
	// (2^64-1)^2 / (2^64-1) must come back exactly.
	k := fpmath.MultiplyInt128(stdmath.MaxUint64, stdmath.MaxUint64)
	defer fpmath.Release(k)

	got, err := fpmath.DivideInt128Floor(k, stdmath.MaxUint64)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != stdmath.MaxUint64 {
		t.Errorf("got %d, want MaxUint64", got)
	}
}

func TestDivideInt128Floor_NarrowingFails(t *testing.T) {
	k := fpmath.MultiplyInt128(stdmath.MaxUint64, 4)
	defer fpmath.Release(k)

	if _, err := fpmath.DivideInt128Floor(k, 2); !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("got %v, want ErrOverflow", err)
	}
}

func TestDivideInt128Floor_ZeroDenominator(t *testing.T) {
	k := fpmath.MultiplyInt128(10, 10)
	defer fpmath.Release(k)

	if _, err := fpmath.DivideInt128Floor(k, 0); !errors.Is(err, fpmath.ErrDivisionByZero) {
		t.Errorf("got %v, want ErrDivisionByZero", err)
	}
}

func TestMulDivFloor(t *testing.T) {
	tests := []struct {
		name     string
		a, b, d  uint64
		want     uint64
		overflow bool
	}{
		{"fee on 100k at 50bps", 100_000, 50, 10_000, 500, false},
		{"fee rounds down", 199, 50, 10_000, 0, false},
		{"payout exact", 2_099_500, 90_496, 90_496, 2_099_500, false},
		{"wide intermediate", stdmath.MaxUint64, stdmath.MaxUint64, stdmath.MaxUint64, stdmath.MaxUint64, false},
		{"quotient too wide", stdmath.MaxUint64, 3, 2, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := fpmath.MulDivFloor(tt.a, tt.b, tt.d)
			if tt.overflow {
				if !errors.Is(err, fpmath.ErrOverflow) {
					t.Fatalf("got %v, want ErrOverflow", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestToInt64(t *testing.T) {
	if _, err := fpmath.ToInt64(stdmath.MaxInt64 + 1); !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("got %v, want ErrOverflow", err)
	}
	if v, err := fpmath.ToInt64(42); err != nil || v != 42 {
		t.Errorf("got (%d, %v), want (42, nil)", v, err)
	}
	if _, err := fpmath.ToUint64(-1); !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("ToUint64(-1): got %v, want ErrOverflow", err)
	}
}

// ============================================================================
// Pro-rata distribution
// ============================================================================

func TestComputeDistribution_DustBounded(t *testing.T) {
	holdings := []fpmath.Holding{
		{HolderID: [16]byte{3}, Shares: 1},
		{HolderID: [16]byte{1}, Shares: 1},
		{HolderID: [16]byte{2}, Shares: 1},
	}

	dist, err := fpmath.ComputeDistribution(100, 3, holdings)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(dist.Payouts) != 3 {
		t.Fatalf("payouts: got %d, want 3", len(dist.Payouts))
	}
	for i, p := range dist.Payouts {
		if p.Payout != 33 {
			t.Errorf("payout[%d]: got %d, want 33", i, p.Payout)
		}
		if p.HolderID[0] != byte(i+1) {
			t.Errorf("payout[%d] holder: got %d, want %d (sorted)", i, p.HolderID[0], i+1)
		}
	}
	if dist.Distributed != 99 {
		t.Errorf("distributed: got %d, want 99", dist.Distributed)
	}
	if dist.Dust != 1 {
		t.Errorf("dust: got %d, want 1", dist.Dust)
	}
}

func TestComputeDistribution_SharesExceedTotal(t *testing.T) {
	holdings := []fpmath.Holding{
		{HolderID: [16]byte{1}, Shares: 5},
		{HolderID: [16]byte{2}, Shares: 5},
	}
	if _, err := fpmath.ComputeDistribution(100, 5, holdings); err == nil {
		t.Error("expected error when holdings exceed total shares")
	}
}
