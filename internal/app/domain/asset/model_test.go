package asset

import (
	"math/big"
	"testing"
)

func TestMulDivFloors(t *testing.T) {
	got := MulDiv(big.NewInt(7), big.NewInt(3), big.NewInt(2))
	if got.Int64() != 10 {
		t.Fatalf("MulDiv(7,3,2) = %d, want 10", got.Int64())
	}
	// Inputs must not be mutated.
	a := big.NewInt(5)
	MulDiv(a, big.NewInt(2), big.NewInt(3))
	if a.Int64() != 5 {
		t.Fatalf("input mutated to %d", a.Int64())
	}
}

func TestValueUSD(t *testing.T) {
	// 2 units of an 18-decimal asset at $2000 on the 8-decimal price
	// scale values at 4000 USD units.
	amount := new(big.Int).Mul(big.NewInt(2), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	price := big.NewInt(200000000000)
	want := new(big.Int).Mul(big.NewInt(4000), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	if got := ValueUSD(amount, price); got.Cmp(want) != 0 {
		t.Fatalf("ValueUSD = %s, want %s", got, want)
	}
}

func TestRatioBelowBps(t *testing.T) {
	undefined := UndefinedRatio()
	if undefined.BelowBps(14_000) {
		t.Fatal("undefined ratio compares as not below any threshold")
	}

	r := RatioFromBps(big.NewInt(13_500))
	if !r.BelowBps(14_000) {
		t.Fatal("13500 is below 14000")
	}
	if r.BelowBps(13_500) {
		t.Fatal("equal to threshold is not below")
	}
}

func TestIsPositive(t *testing.T) {
	if IsPositive(nil) {
		t.Fatal("nil is not positive")
	}
	if IsPositive(big.NewInt(0)) {
		t.Fatal("zero is not positive")
	}
	if IsPositive(big.NewInt(-1)) {
		t.Fatal("negative is not positive")
	}
	if !IsPositive(big.NewInt(1)) {
		t.Fatal("one is positive")
	}
}
