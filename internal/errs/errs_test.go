package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfUnwraps(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{ErrUnauthorized, KindAuthorization},
		{fmt.Errorf("user alice: %w", ErrKYCNotVerified), KindAuthorization},
		{fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", ErrInvalidAmount)), KindValidation},
		{ErrInsufficientCollateral, KindEconomic},
		{ErrPositionNotLiquidatable, KindEconomic},
		{ErrStalePrice, KindOracle},
		{fmt.Errorf("feed eth-usd: %w", ErrInvalidQuote), KindOracle},
		{ErrEnginePaused, KindOperational},
		{ErrReentrantCall, KindOperational},
		{errors.New("something else"), KindUnknown},
		{nil, KindUnknown},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Errorf("KindOf(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestKindStrings(t *testing.T) {
	if KindAuthorization.String() != "authorization" {
		t.Fatalf("got %q", KindAuthorization.String())
	}
	if Kind(200).String() != "unknown" {
		t.Fatalf("got %q", Kind(200).String())
	}
}
