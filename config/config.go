package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"

	"nhbstable/crypto"
	"nhbstable/native/token"
	"nhbstable/storage"
)

// Config is the market definition shared by the daemon and the CLI.
// CollateralAssets and PriceFeeds are parallel lists in engine order.
type Config struct {
	Label              string        `toml:"Label"`
	DataDir            string        `toml:"DataDir"`
	Backend            string        `toml:"Backend"`
	Owner              string        `toml:"Owner"`
	MaxPriceAgeSeconds uint64        `toml:"MaxPriceAgeSeconds"`
	CollateralAssets   []string      `toml:"CollateralAssets"`
	PriceFeeds         []string      `toml:"PriceFeeds"`
	StableToken        TokenConfig   `toml:"StableToken"`
	Assets             []AssetConfig `toml:"Asset"`
	CoinGecko          CoinGecko     `toml:"CoinGecko"`
	Pauses             Pauses        `toml:"Pauses"`
}

// DefaultMaxPriceAge matches the three hour heartbeat tolerance applied to
// aggregator rounds.
const DefaultMaxPriceAge = 3 * time.Hour

// Load loads the configuration from the given path, writing a default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown key %s", path, undecoded[0].String())
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Label) == "" {
		c.Label = "nhbstable"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./stable-data"
	}
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	if c.Backend == "" {
		c.Backend = storage.BackendLevelDB
	}
	if c.StableToken.Decimals == 0 {
		c.StableToken.Decimals = 18
	}
	for i := range c.Assets {
		if c.Assets[i].Decimals == 0 {
			c.Assets[i].Decimals = 18
		}
	}
}

// MaxPriceAge returns the staleness bound; zero disables it.
func (c *Config) MaxPriceAge() time.Duration {
	return time.Duration(c.MaxPriceAgeSeconds) * time.Second
}

// StatePath is where the position database lives for the configured backend.
func (c *Config) StatePath() string {
	if c.Backend == storage.BackendBolt {
		return filepath.Join(c.DataDir, "state.bolt")
	}
	return filepath.Join(c.DataDir, "state")
}

// CoinGeckoInterval returns the minimum spacing between CoinGecko requests.
func (c *Config) CoinGeckoInterval() time.Duration {
	return time.Duration(c.CoinGecko.MinIntervalSeconds) * time.Second
}

// Custody derives the engine account from the market label.
func (c *Config) Custody() common.Address {
	return crypto.DeriveAddress(c.Label + "/custody")
}

// OwnerAddress returns the collateral token owner used by the faucet.
func (c *Config) OwnerAddress() (common.Address, error) {
	if strings.TrimSpace(c.Owner) == "" {
		return crypto.DeriveAddress(c.Label + "/owner"), nil
	}
	return crypto.ParseAddress(c.Owner)
}

// TokenAddress returns the configured ledger address, derived from the
// symbol when unset.
func (c *Config) TokenAddress(cfg TokenConfig) (common.Address, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return crypto.DeriveAddress(c.Label + "/token/" + token.NormalizeSymbol(cfg.Symbol)), nil
	}
	return crypto.ParseAddress(cfg.Address)
}

// Asset looks up a collateral asset by symbol.
func (c *Config) Asset(symbol string) (AssetConfig, bool) {
	want := token.NormalizeSymbol(symbol)
	for _, asset := range c.Assets {
		if token.NormalizeSymbol(asset.Symbol) == want {
			return asset, true
		}
	}
	return AssetConfig{}, false
}

// ParseFeed parses a PriceFeeds entry.
func ParseFeed(raw string) (FeedSpec, error) {
	kind, id, _ := strings.Cut(strings.TrimSpace(raw), ":")
	switch FeedKind(strings.ToLower(kind)) {
	case FeedManual:
		return FeedSpec{Kind: FeedManual}, nil
	case FeedCoinGecko:
		id = strings.TrimSpace(id)
		if id == "" {
			return FeedSpec{}, fmt.Errorf("price feed %q: coingecko asset id required", raw)
		}
		return FeedSpec{Kind: FeedCoinGecko, ID: id}, nil
	default:
		return FeedSpec{}, fmt.Errorf("price feed %q: unknown kind", raw)
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		Label:              "nhbstable",
		DataDir:            "./stable-data",
		Backend:            storage.BackendLevelDB,
		MaxPriceAgeSeconds: uint64(DefaultMaxPriceAge / time.Second),
		CollateralAssets:   []string{"WETH", "WBTC"},
		PriceFeeds:         []string{"manual", "manual"},
		StableToken:        TokenConfig{Symbol: "NUSD", Name: "NHB Stable Dollar", Decimals: 18},
		Assets: []AssetConfig{
			{TokenConfig: TokenConfig{Symbol: "WETH", Name: "Wrapped Ether", Decimals: 18}, InitialPrice: "2000"},
			{TokenConfig: TokenConfig{Symbol: "WBTC", Name: "Wrapped Bitcoin", Decimals: 18}, InitialPrice: "30000"},
		},
		CoinGecko: CoinGecko{MinIntervalSeconds: 60},
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
