package config

// TokenConfig describes a token ledger hosted by the daemon.
type TokenConfig struct {
	Address  string `toml:"Address"`
	Symbol   string `toml:"Symbol"`
	Name     string `toml:"Name"`
	Decimals uint8  `toml:"Decimals"`
}

// AssetConfig describes one collateral asset. InitialPrice seeds manual feeds.
type AssetConfig struct {
	TokenConfig
	InitialPrice string `toml:"InitialPrice"`
}

// CoinGecko configures the HTTP price feeds.
type CoinGecko struct {
	Endpoint           string `toml:"Endpoint"`
	MinIntervalSeconds uint64 `toml:"MinIntervalSeconds"`
}

type Pauses struct {
	Stable bool `toml:"Stable"`
}

// IsPaused satisfies the module pause view.
func (p Pauses) IsPaused(module string) bool {
	switch module {
	case "stable":
		return p.Stable
	default:
		return false
	}
}

// FeedKind selects the price feed implementation for an asset.
type FeedKind string

const (
	FeedManual    FeedKind = "manual"
	FeedCoinGecko FeedKind = "coingecko"
)

// FeedSpec is a parsed PriceFeeds entry such as "coingecko:ethereum".
type FeedSpec struct {
	Kind FeedKind
	ID   string
}
