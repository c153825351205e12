package events

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const (
	// TypeCollateralDeposited is emitted when collateral enters custody.
	TypeCollateralDeposited = "stable.collateral.deposited"
	// TypeCollateralRedeemed is emitted when collateral leaves custody, either
	// back to its owner or to a liquidator.
	TypeCollateralRedeemed = "stable.collateral.redeemed"
	// TypeStableMinted is emitted when debt is opened and tokens are minted.
	TypeStableMinted = "stable.minted"
	// TypeStableBurned is emitted when debt is repaid and tokens destroyed.
	TypeStableBurned = "stable.burned"
	// TypePositionLiquidated is emitted once a liquidation completes.
	TypePositionLiquidated = "stable.liquidated"
)

type CollateralDeposited struct {
	User   common.Address
	Asset  common.Address
	Amount *uint256.Int
}

func (CollateralDeposited) EventType() string { return TypeCollateralDeposited }

func (e CollateralDeposited) Attributes() map[string]string {
	return map[string]string{
		"user":   formatAddress(e.User),
		"asset":  formatAddress(e.Asset),
		"amount": formatAmount(e.Amount),
	}
}

type CollateralRedeemed struct {
	From   common.Address
	To     common.Address
	Asset  common.Address
	Amount *uint256.Int
}

func (CollateralRedeemed) EventType() string { return TypeCollateralRedeemed }

func (e CollateralRedeemed) Attributes() map[string]string {
	return map[string]string{
		"from":   formatAddress(e.From),
		"to":     formatAddress(e.To),
		"asset":  formatAddress(e.Asset),
		"amount": formatAmount(e.Amount),
	}
}

type StableMinted struct {
	User   common.Address
	Amount *uint256.Int
}

func (StableMinted) EventType() string { return TypeStableMinted }

func (e StableMinted) Attributes() map[string]string {
	return map[string]string{
		"user":   formatAddress(e.User),
		"amount": formatAmount(e.Amount),
	}
}

type StableBurned struct {
	Payer      common.Address
	OnBehalfOf common.Address
	Amount     *uint256.Int
}

func (StableBurned) EventType() string { return TypeStableBurned }

func (e StableBurned) Attributes() map[string]string {
	return map[string]string{
		"payer":      formatAddress(e.Payer),
		"onBehalfOf": formatAddress(e.OnBehalfOf),
		"amount":     formatAmount(e.Amount),
	}
}

// PositionLiquidated summarises a completed liquidation. Health factors are
// 1e18-scaled.
type PositionLiquidated struct {
	Liquidator     common.Address
	User           common.Address
	Asset          common.Address
	DebtCovered    *uint256.Int
	Seized         *uint256.Int
	Bonus          *uint256.Int
	StartingFactor *uint256.Int
	EndingFactor   *uint256.Int
}

func (PositionLiquidated) EventType() string { return TypePositionLiquidated }

func (e PositionLiquidated) Attributes() map[string]string {
	return map[string]string{
		"liquidator":     formatAddress(e.Liquidator),
		"user":           formatAddress(e.User),
		"asset":          formatAddress(e.Asset),
		"debtCovered":    formatAmount(e.DebtCovered),
		"seized":         formatAmount(e.Seized),
		"bonus":          formatAmount(e.Bonus),
		"startingFactor": formatAmount(e.StartingFactor),
		"endingFactor":   formatAmount(e.EndingFactor),
	}
}
