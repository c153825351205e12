package stable

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"nhbstable/core/events"
)

// LiquidationResult summarises a completed liquidation.
type LiquidationResult struct {
	DebtCovered    *uint256.Int
	BaseCollateral *uint256.Int
	Bonus          *uint256.Int
	Seized         *uint256.Int
	StartingFactor *uint256.Int
	EndingFactor   *uint256.Int
}

// Liquidate repays debtToCover of user's debt with the liquidator's stable
// tokens and pays the liquidator the equivalent collateral plus a bonus. The
// target must be below the minimum health factor and must end strictly
// healthier; the liquidator must remain solvent.
func (e *Engine) Liquidate(ctx context.Context, liquidator, user, asset common.Address, debtToCover *uint256.Int) (result *LiquidationResult, err error) {
	c, err := e.begin("liquidate")
	if err != nil {
		return nil, err
	}
	defer c.end(&err)
	result, err = c.liquidate(ctx, liquidator, user, asset, debtToCover)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *call) liquidate(ctx context.Context, liquidator, user, asset common.Address, debtToCover *uint256.Int) (*LiquidationResult, error) {
	e := c.engine
	if !isPositive(debtToCover) {
		return nil, fmt.Errorf("%w: liquidation debt", ErrInvalidAmount)
	}
	if _, ok := e.assetLedgers[asset]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAsset, asset.Hex())
	}
	debtToCover = new(uint256.Int).Set(debtToCover)

	starting, err := e.HealthFactor(ctx, user)
	if err != nil {
		return nil, err
	}
	if !starting.Lt(MinHealthFactor) {
		return nil, &HealthFactorError{Err: ErrHealthFactorIsFine, User: user, Factor: starting}
	}

	base, err := e.prices.ToAssetAmount(ctx, asset, debtToCover)
	if err != nil {
		return nil, err
	}
	bonus, err := liquidationBonusFor(base)
	if err != nil {
		return nil, err
	}
	seized, overflow := new(uint256.Int).AddOverflow(base, bonus)
	if overflow {
		return nil, fmt.Errorf("%w: seized collateral", ErrOverflow)
	}

	if err := c.redeem(ctx, user, liquidator, asset, seized); err != nil {
		return nil, err
	}
	if err := c.burn(ctx, liquidator, user, debtToCover); err != nil {
		return nil, err
	}

	ending, err := e.HealthFactor(ctx, user)
	if err != nil {
		return nil, err
	}
	if !ending.Gt(starting) {
		return nil, &HealthFactorError{Err: ErrHealthFactorNotImproved, User: user, Factor: ending, Starting: starting}
	}
	if err := e.assertSolvent(ctx, liquidator); err != nil {
		return nil, err
	}

	c.emit(events.PositionLiquidated{
		Liquidator:     liquidator,
		User:           user,
		Asset:          asset,
		DebtCovered:    debtToCover,
		Seized:         seized,
		Bonus:          bonus,
		StartingFactor: starting,
		EndingFactor:   ending,
	})
	e.logger.Info("stable position liquidated",
		slog.String("liquidator", liquidator.Hex()),
		slog.String("user", user.Hex()),
		slog.String("asset", asset.Hex()),
		slog.String("debt_covered", debtToCover.Dec()),
		slog.String("seized", seized.Dec()),
		slog.String("ending_factor", factorString(ending)))
	return &LiquidationResult{
		DebtCovered:    debtToCover,
		BaseCollateral: base,
		Bonus:          bonus,
		Seized:         seized,
		StartingFactor: starting,
		EndingFactor:   ending,
	}, nil
}
