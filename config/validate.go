package config

import (
	"fmt"
	"strings"

	"nhbstable/storage"
)

// Validate checks the market definition before any engine is built.
func (c *Config) Validate() error {
	if len(c.CollateralAssets) == 0 {
		return fmt.Errorf("config: at least one collateral asset required")
	}
	if len(c.CollateralAssets) != len(c.PriceFeeds) {
		return fmt.Errorf("config: %d collateral assets but %d price feeds", len(c.CollateralAssets), len(c.PriceFeeds))
	}
	switch strings.ToLower(strings.TrimSpace(c.Backend)) {
	case "", storage.BackendLevelDB, storage.BackendBolt, storage.BackendMemory:
	default:
		return fmt.Errorf("config: unknown Backend %q", c.Backend)
	}
	if strings.TrimSpace(c.StableToken.Symbol) == "" {
		return fmt.Errorf("config: stable token symbol required")
	}
	if _, err := c.OwnerAddress(); err != nil {
		return fmt.Errorf("config: owner: %w", err)
	}
	stableAddr, err := c.TokenAddress(c.StableToken)
	if err != nil {
		return fmt.Errorf("config: stable token address: %w", err)
	}
	seen := map[string]struct{}{strings.ToLower(stableAddr.Hex()): {}}
	for i, symbol := range c.CollateralAssets {
		asset, ok := c.Asset(symbol)
		if !ok {
			return fmt.Errorf("config: collateral asset %q has no [[Asset]] entry", symbol)
		}
		addr, err := c.TokenAddress(asset.TokenConfig)
		if err != nil {
			return fmt.Errorf("config: asset %s address: %w", symbol, err)
		}
		key := strings.ToLower(addr.Hex())
		if _, dup := seen[key]; dup {
			return fmt.Errorf("config: asset %s reuses address %s", symbol, addr.Hex())
		}
		seen[key] = struct{}{}
		feed, err := ParseFeed(c.PriceFeeds[i])
		if err != nil {
			return fmt.Errorf("config: asset %s: %w", symbol, err)
		}
		if feed.Kind == FeedManual && strings.TrimSpace(asset.InitialPrice) == "" {
			return fmt.Errorf("config: asset %s uses a manual feed without InitialPrice", symbol)
		}
	}
	return nil
}
