// Package errs defines the operation error taxonomy for the issuance layer.
//
// Every operation fails with one of the sentinel errors below (possibly
// wrapped with additional context via fmt.Errorf and %w) so callers can
// distinguish authorization failures from bad inputs, violated economic
// invariants, oracle problems and operational conditions.
package errs

import "errors"

// Kind classifies an operation error.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindAuthorization
	KindValidation
	KindEconomic
	KindOracle
	KindOperational
)

func (k Kind) String() string {
	switch k {
	case KindAuthorization:
		return "authorization"
	case KindValidation:
		return "validation"
	case KindEconomic:
		return "economic"
	case KindOracle:
		return "oracle"
	case KindOperational:
		return "operational"
	default:
		return "unknown"
	}
}

// Authorization errors.
var (
	ErrUnauthorized    = errors.New("caller not authorized for operation")
	ErrKYCNotVerified  = errors.New("user has not passed KYC verification")
	ErrUserBlacklisted = errors.New("user is blacklisted")
)

// Input validation errors.
var (
	ErrInvalidAmount          = errors.New("amount must be positive")
	ErrCollateralNotSupported = errors.New("collateral asset not supported")
	ErrLSDNotSupported        = errors.New("liquid staking derivative not supported")
	ErrBatchLengthMismatch    = errors.New("batch argument lengths do not match")
)

// Economic invariant errors.
var (
	ErrInsufficientCollateral  = errors.New("insufficient collateral for operation")
	ErrInvalidCollateralRatio  = errors.New("resulting collateral ratio below minimum")
	ErrPositionNotLiquidatable = errors.New("position is not liquidatable")
	ErrMintLimitExceeded       = errors.New("cumulative mint limit exceeded")
	ErrBurnLimitExceeded       = errors.New("cumulative burn limit exceeded")
)

// Oracle errors.
var (
	ErrUnknownAsset = errors.New("no price feed registered for asset")
	ErrInvalidQuote = errors.New("price feed returned an invalid quote")
	ErrStalePrice   = errors.New("price quote is stale")
)

// Operational errors.
var (
	ErrEnginePaused           = errors.New("engine is paused")
	ErrReentrantCall          = errors.New("reentrant call detected")
	ErrYieldUpdateTooFrequent = errors.New("yield rate updated too recently")
)

var kinds = map[error]Kind{
	ErrUnauthorized:    KindAuthorization,
	ErrKYCNotVerified:  KindAuthorization,
	ErrUserBlacklisted: KindAuthorization,

	ErrInvalidAmount:          KindValidation,
	ErrCollateralNotSupported: KindValidation,
	ErrLSDNotSupported:        KindValidation,
	ErrBatchLengthMismatch:    KindValidation,

	ErrInsufficientCollateral:  KindEconomic,
	ErrInvalidCollateralRatio:  KindEconomic,
	ErrPositionNotLiquidatable: KindEconomic,
	ErrMintLimitExceeded:       KindEconomic,
	ErrBurnLimitExceeded:       KindEconomic,

	ErrUnknownAsset: KindOracle,
	ErrInvalidQuote: KindOracle,
	ErrStalePrice:   KindOracle,

	ErrEnginePaused:           KindOperational,
	ErrReentrantCall:          KindOperational,
	ErrYieldUpdateTooFrequent: KindOperational,
}

// KindOf reports the taxonomy kind of err, unwrapping as needed.
func KindOf(err error) Kind {
	for sentinel, kind := range kinds {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindUnknown
}
