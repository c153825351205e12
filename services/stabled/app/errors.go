package app

import (
	"context"
	"errors"

	nativecommon "nhbstable/native/common"
	"nhbstable/native/oracle"
	"nhbstable/native/stable"
	"nhbstable/native/token"
)

// Code is a stable machine readable error class shared by metrics and the
// HTTP layer.
type Code string

const (
	CodeOK                   Code = ""
	CodeInvalidRequest       Code = "invalid_request"
	CodeInvalidAmount        Code = "invalid_amount"
	CodeInvalidPrice         Code = "invalid_price"
	CodeInvalidConfiguration Code = "invalid_configuration"
	CodeUnsupportedAsset     Code = "unsupported_asset"
	CodeReentrantCall        Code = "reentrant_call"
	CodePaused               Code = "module_paused"
	CodeHealthFactorBroken   Code = "health_factor_broken"
	CodeHealthFactorIsFine   Code = "health_factor_is_fine"
	CodeNotImproved          Code = "health_factor_not_improved"
	CodeInsufficientFunds    Code = "insufficient_funds"
	CodeTransferFailed       Code = "transfer_failed"
	CodeMintFailed           Code = "mint_failed"
	CodeStalePrice           Code = "stale_price"
	CodeOverflow             Code = "overflow"
	CodeForbidden            Code = "forbidden"
	CodeCanceled             Code = "canceled"
	CodeInternal             Code = "internal"
)

// Classify maps engine, ledger and feed errors onto a Code. Balance and
// allowance shortfalls are checked before transfer failures since the
// engine wraps ledger causes inside a TransferError.
func Classify(err error) Code {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeCanceled
	case errors.Is(err, nativecommon.ErrReentrantCall):
		return CodeReentrantCall
	case errors.Is(err, nativecommon.ErrModulePaused):
		return CodePaused
	case errors.Is(err, stable.ErrInvalidAmount), errors.Is(err, token.ErrInvalidAmount):
		return CodeInvalidAmount
	case errors.Is(err, stable.ErrStalePrice):
		return CodeStalePrice
	case errors.Is(err, stable.ErrInvalidPrice), errors.Is(err, oracle.ErrNoRound):
		return CodeInvalidPrice
	case errors.Is(err, stable.ErrInvalidConfiguration):
		return CodeInvalidConfiguration
	case errors.Is(err, ErrUnknownAsset), errors.Is(err, stable.ErrUnsupportedAsset), errors.Is(err, token.ErrUnknownToken):
		return CodeUnsupportedAsset
	case errors.Is(err, ErrManualFeedRequired):
		return CodeForbidden
	case errors.Is(err, stable.ErrHealthFactorBroken):
		return CodeHealthFactorBroken
	case errors.Is(err, stable.ErrHealthFactorIsFine):
		return CodeHealthFactorIsFine
	case errors.Is(err, stable.ErrHealthFactorNotImproved):
		return CodeNotImproved
	case errors.Is(err, stable.ErrInsufficientCollateral), errors.Is(err, stable.ErrInsufficientDebt),
		errors.Is(err, token.ErrInsufficientBalance), errors.Is(err, token.ErrInsufficientAllowance):
		return CodeInsufficientFunds
	case errors.Is(err, token.ErrZeroAddress):
		return CodeInvalidRequest
	case errors.Is(err, stable.ErrTransferFailed):
		return CodeTransferFailed
	case errors.Is(err, stable.ErrMintFailed):
		return CodeMintFailed
	case errors.Is(err, stable.ErrOverflow):
		return CodeOverflow
	default:
		return CodeInternal
	}
}
