package app

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"nhbstable/native/oracle"
	"nhbstable/native/stable"
	"nhbstable/observability"
)

// CollateralLine is one asset balance inside a position.
type CollateralLine struct {
	Asset    string
	Address  common.Address
	Amount   *uint256.Int
	ValueUsd *uint256.Int
}

// PositionView is a point-in-time snapshot of a user's account.
type PositionView struct {
	User          common.Address
	Debt          *uint256.Int
	CollateralUsd *uint256.Int
	HealthFactor  *uint256.Int
	Liquidatable  bool
	Collateral    []CollateralLine
	StableBalance *uint256.Int
}

// AssetQuote is a collateral asset with its current feed price.
type AssetQuote struct {
	Asset     *Asset
	Answer    string
	PriceUsd  *uint256.Int
	UpdatedAt time.Time
	Err       error
}

// Position reads the account information of user.
func (a *App) Position(ctx context.Context, user common.Address) (*PositionView, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	debt, collateralUsd, err := a.engine.AccountInformation(ctx, user)
	if err != nil {
		return nil, err
	}
	factor, err := stable.CalculateHealthFactor(debt, collateralUsd)
	if err != nil {
		return nil, err
	}
	view := &PositionView{
		User:          user,
		Debt:          debt,
		CollateralUsd: collateralUsd,
		HealthFactor:  factor,
		Liquidatable:  factor.Lt(stable.MinHealthFactor),
		StableBalance: a.stable.BalanceOf(user),
	}
	for _, asset := range a.assets {
		amount := a.engine.CollateralBalance(user, asset.Address)
		value := new(uint256.Int)
		if !amount.IsZero() {
			value, err = a.engine.UsdValue(ctx, asset.Address, amount)
			if err != nil {
				return nil, err
			}
		}
		view.Collateral = append(view.Collateral, CollateralLine{Asset: asset.Symbol, Address: asset.Address, Amount: amount, ValueUsd: value})
	}
	return view, nil
}

// Quotes reads every collateral feed. Feed failures are reported per asset.
func (a *App) Quotes(ctx context.Context) []AssetQuote {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]AssetQuote, 0, len(a.assets))
	for _, asset := range a.assets {
		quote := AssetQuote{Asset: asset}
		feed, ok := a.engine.PriceFeed(asset.Address)
		if !ok {
			quote.Err = stable.ErrUnsupportedAsset
			out = append(out, quote)
			continue
		}
		round, err := feed.LatestRoundData(ctx)
		if err == nil {
			quote.Answer = oracle.FormatAnswer(round.Answer)
			quote.UpdatedAt = round.UpdatedAt
			observability.Stable().RecordPrice(asset.Symbol, round.Answer, a.now().Sub(round.UpdatedAt))
			quote.PriceUsd, err = a.engine.UsdValue(ctx, asset.Address, stable.Precision)
		}
		quote.Err = err
		out = append(out, quote)
	}
	return out
}

// TokenBalance reports a balance on the stable or a collateral ledger.
func (a *App) TokenBalance(tokenRef string, account common.Address) (*uint256.Int, error) {
	ledger, err := a.resolveLedger(tokenRef)
	if err != nil {
		return nil, err
	}
	return ledger.BalanceOf(account), nil
}

// Parameters returns the engine constants.
func (a *App) Parameters() stable.Parameters { return a.engine.Parameters() }

// StableAddress is the stable token ledger address.
func (a *App) StableAddress() common.Address { return a.engine.StableAddress() }

// Custody is the engine account users approve.
func (a *App) Custody() common.Address { return a.engine.Custody() }
