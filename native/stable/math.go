package stable

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

const (
	// FeedDecimals is the fixed precision of price feed answers.
	FeedDecimals = 8
	// LiquidationThresholdPct is the share of collateral value counted towards
	// solvency.
	LiquidationThresholdPct = 50
	// LiquidationBonusPct is the extra collateral awarded to liquidators.
	LiquidationBonusPct = 10
	liquidationPrecisionPct = 100
)

var (
	// Precision is the 18-decimal fixed point unit (1e18).
	Precision = uint256.NewInt(1_000_000_000_000_000_000)
	// AdditionalFeedPrecision lifts 8-decimal feed answers to 18 decimals.
	AdditionalFeedPrecision = uint256.NewInt(10_000_000_000)
	// MinHealthFactor is the solvency boundary ("1.0").
	MinHealthFactor = new(uint256.Int).Set(Precision)
	// MaxHealthFactor is reported for positions without debt.
	MaxHealthFactor = new(uint256.Int).SetAllOne()

	liquidationThreshold = uint256.NewInt(LiquidationThresholdPct)
	liquidationBonus     = uint256.NewInt(LiquidationBonusPct)
	liquidationPrecision = uint256.NewInt(liquidationPrecisionPct)
)

// Parameters exposes the protocol constants for callers and dashboards.
type Parameters struct {
	Precision               *uint256.Int
	AdditionalFeedPrecision *uint256.Int
	FeedDecimals            uint8
	LiquidationThreshold    uint64
	LiquidationBonus        uint64
	LiquidationPrecision    uint64
	MinHealthFactor         *uint256.Int
}

// DefaultParameters returns a fresh copy of the protocol constants.
func DefaultParameters() Parameters {
	return Parameters{
		Precision:               new(uint256.Int).Set(Precision),
		AdditionalFeedPrecision: new(uint256.Int).Set(AdditionalFeedPrecision),
		FeedDecimals:            FeedDecimals,
		LiquidationThreshold:    LiquidationThresholdPct,
		LiquidationBonus:        LiquidationBonusPct,
		LiquidationPrecision:    liquidationPrecisionPct,
		MinHealthFactor:         new(uint256.Int).Set(MinHealthFactor),
	}
}

// mulDiv computes x*y/d with a 512-bit intermediate and fails when the
// quotient does not fit 256 bits. d must be non-zero.
func mulDiv(x, y, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, fmt.Errorf("%w: division by zero", ErrOverflow)
	}
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, fmt.Errorf("%w: %s * %s / %s", ErrOverflow, x.Dec(), y.Dec(), d.Dec())
	}
	return z, nil
}

// scalePrice converts a signed 8-decimal feed answer to an 18-decimal price.
func scalePrice(answer *big.Int) (*uint256.Int, error) {
	if answer == nil || answer.Sign() <= 0 {
		return nil, fmt.Errorf("%w: answer %v", ErrInvalidPrice, answer)
	}
	price, overflow := uint256.FromBig(answer)
	if overflow {
		return nil, fmt.Errorf("%w: answer %s exceeds 256 bits", ErrInvalidPrice, answer)
	}
	scaled, overflow := new(uint256.Int).MulOverflow(price, AdditionalFeedPrecision)
	if overflow {
		return nil, fmt.Errorf("%w: answer %s overflows when scaled", ErrInvalidPrice, answer)
	}
	return scaled, nil
}

// usdFromAmount prices amount at the 18-decimal scaled price.
func usdFromAmount(scaledPrice, amount *uint256.Int) (*uint256.Int, error) {
	return mulDiv(scaledPrice, amount, Precision)
}

// amountFromUsd inverts usdFromAmount, rounding down.
func amountFromUsd(scaledPrice, usd *uint256.Int) (*uint256.Int, error) {
	return mulDiv(usd, Precision, scaledPrice)
}

// CalculateHealthFactor derives the 1e18-scaled health factor. Zero debt is
// maximally solvent and reports MaxHealthFactor.
func CalculateHealthFactor(debt, collateralUsd *uint256.Int) (*uint256.Int, error) {
	if debt == nil || debt.IsZero() {
		return new(uint256.Int).Set(MaxHealthFactor), nil
	}
	if collateralUsd == nil {
		collateralUsd = new(uint256.Int)
	}
	adjusted, err := mulDiv(collateralUsd, liquidationThreshold, liquidationPrecision)
	if err != nil {
		return nil, err
	}
	return mulDiv(adjusted, Precision, debt)
}

// liquidationBonusFor returns the bonus owed on a base collateral amount.
func liquidationBonusFor(base *uint256.Int) (*uint256.Int, error) {
	return mulDiv(base, liquidationBonus, liquidationPrecision)
}

func isPositive(amount *uint256.Int) bool {
	return amount != nil && !amount.IsZero()
}

func zeroIfNil(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}
