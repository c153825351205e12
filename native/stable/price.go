package stable

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// PriceAdapter converts between native asset amounts and USD values using the
// per-asset feeds fixed at construction.
type PriceAdapter struct {
	assets []common.Address
	feeds  map[common.Address]PriceOracle
	maxAge time.Duration
	now    func() time.Time
}

func newPriceAdapter(assets []common.Address, feeds []PriceOracle) *PriceAdapter {
	p := &PriceAdapter{
		assets: append([]common.Address(nil), assets...),
		feeds:  make(map[common.Address]PriceOracle, len(assets)),
		now:    time.Now,
	}
	for i, asset := range assets {
		p.feeds[asset] = feeds[i]
	}
	return p
}

// Feed returns the oracle registered for asset.
func (p *PriceAdapter) Feed(asset common.Address) (PriceOracle, bool) {
	feed, ok := p.feeds[asset]
	return feed, ok
}

// Price returns the 18-decimal USD price of one whole unit of asset.
func (p *PriceAdapter) Price(ctx context.Context, asset common.Address) (*uint256.Int, error) {
	feed, ok := p.feeds[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAsset, asset.Hex())
	}
	round, err := feed.LatestRoundData(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: asset %s: %w", ErrInvalidPrice, asset.Hex(), err)
	}
	if p.maxAge > 0 {
		if round.UpdatedAt.IsZero() {
			return nil, fmt.Errorf("%w: asset %s round %d never updated", ErrStalePrice, asset.Hex(), round.RoundID)
		}
		if age := p.now().Sub(round.UpdatedAt); age > p.maxAge {
			return nil, fmt.Errorf("%w: asset %s round %d is %s old", ErrStalePrice, asset.Hex(), round.RoundID, age.Truncate(time.Second))
		}
	}
	scaled, err := scalePrice(round.Answer)
	if err != nil {
		return nil, fmt.Errorf("asset %s: %w", asset.Hex(), err)
	}
	return scaled, nil
}

// ToUsd prices amount of asset in 18-decimal USD.
func (p *PriceAdapter) ToUsd(ctx context.Context, asset common.Address, amount *uint256.Int) (*uint256.Int, error) {
	price, err := p.Price(ctx, asset)
	if err != nil {
		return nil, err
	}
	return usdFromAmount(price, zeroIfNil(amount))
}

// ToAssetAmount converts an 18-decimal USD value into units of asset,
// rounding down.
func (p *PriceAdapter) ToAssetAmount(ctx context.Context, asset common.Address, usd *uint256.Int) (*uint256.Int, error) {
	price, err := p.Price(ctx, asset)
	if err != nil {
		return nil, err
	}
	return amountFromUsd(price, zeroIfNil(usd))
}

// totalValue sums the USD value of balance(asset) over the supported assets
// in construction order. Zero balances skip the feed.
func (p *PriceAdapter) totalValue(ctx context.Context, balance func(common.Address) *uint256.Int) (*uint256.Int, error) {
	total := new(uint256.Int)
	for _, asset := range p.assets {
		amount := balance(asset)
		if amount.IsZero() {
			continue
		}
		value, err := p.ToUsd(ctx, asset, amount)
		if err != nil {
			return nil, err
		}
		if _, overflow := total.AddOverflow(total, value); overflow {
			return nil, fmt.Errorf("%w: collateral value", ErrOverflow)
		}
	}
	return total, nil
}
