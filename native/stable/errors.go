package stable

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrNilEngine               = errors.New("stable engine: not initialised")
	ErrInvalidAmount           = errors.New("stable engine: amount must be positive")
	ErrInvalidConfiguration    = errors.New("stable engine: invalid configuration")
	ErrUnsupportedAsset        = errors.New("stable engine: unsupported collateral asset")
	ErrTransferFailed          = errors.New("stable engine: transfer failed")
	ErrMintFailed              = errors.New("stable engine: mint failed")
	ErrHealthFactorBroken      = errors.New("stable engine: health factor below minimum")
	ErrHealthFactorIsFine      = errors.New("stable engine: health factor is fine")
	ErrHealthFactorNotImproved = errors.New("stable engine: health factor not improved")
	ErrInsufficientCollateral  = errors.New("stable engine: insufficient collateral")
	ErrInsufficientDebt        = errors.New("stable engine: burn exceeds outstanding debt")
	ErrInvalidPrice            = errors.New("stable engine: invalid oracle price")
	ErrStalePrice              = errors.New("stable engine: stale oracle price")
	ErrOverflow                = errors.New("stable engine: arithmetic overflow")
	ErrPersistence             = errors.New("stable engine: position persistence failed")
)

// HealthFactorError carries the factor behind a failed solvency check.
// Starting is only set for liquidations that did not improve the target.
type HealthFactorError struct {
	Err      error
	User     common.Address
	Factor   *uint256.Int
	Starting *uint256.Int
}

func (e *HealthFactorError) Error() string {
	if e.Starting != nil {
		return fmt.Sprintf("%v: user %s from %s to %s", e.Err, e.User.Hex(), e.Starting.Dec(), factorString(e.Factor))
	}
	return fmt.Sprintf("%v: user %s factor %s", e.Err, e.User.Hex(), factorString(e.Factor))
}

func (e *HealthFactorError) Unwrap() error { return e.Err }

func factorString(f *uint256.Int) string {
	if f == nil {
		return "<nil>"
	}
	if f.Eq(MaxHealthFactor) {
		return "max"
	}
	return f.Dec()
}

// TransferError reports a collaborator call that returned false or failed.
type TransferError struct {
	Err    error
	Asset  common.Address
	From   common.Address
	To     common.Address
	Amount *uint256.Int
	Cause  error
}

func (e *TransferError) Error() string {
	msg := fmt.Sprintf("%v: asset %s from %s to %s amount %s", e.Err, e.Asset.Hex(), e.From.Hex(), e.To.Hex(), zeroIfNil(e.Amount).Dec())
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *TransferError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

// BalanceError reports a ledger debit larger than the recorded balance.
type BalanceError struct {
	Err       error
	User      common.Address
	Asset     common.Address
	Balance   *uint256.Int
	Requested *uint256.Int
}

func (e *BalanceError) Error() string {
	if e.Asset == (common.Address{}) {
		return fmt.Sprintf("%v: user %s has %s, requested %s", e.Err, e.User.Hex(), zeroIfNil(e.Balance).Dec(), zeroIfNil(e.Requested).Dec())
	}
	return fmt.Sprintf("%v: user %s asset %s has %s, requested %s", e.Err, e.User.Hex(), e.Asset.Hex(), zeroIfNil(e.Balance).Dec(), zeroIfNil(e.Requested).Dec())
}

func (e *BalanceError) Unwrap() error { return e.Err }
