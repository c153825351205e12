package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel/codes"

	"nhbstable/config"
	"nhbstable/core/events"
	"nhbstable/native/oracle"
	"nhbstable/native/stable"
	"nhbstable/native/token"
	"nhbstable/observability"
	telemetry "nhbstable/observability/otel"
	"nhbstable/storage"
)

var (
	// ErrUnknownAsset is returned for symbols the market does not list.
	ErrUnknownAsset = errors.New("stabled: unknown asset")
	// ErrManualFeedRequired is returned when an operator tries to set the
	// price of an asset backed by an external feed.
	ErrManualFeedRequired = errors.New("stabled: asset price is not operator controlled")
)

// Options tunes Build for tests and the daemon.
type Options struct {
	Logger *slog.Logger
	// InMemory keeps positions and token balances in a MemDB instead of the
	// market's configured backend.
	InMemory   bool
	HTTPClient oracle.HTTPDoer
	Now        func() time.Time
}

// Asset is a collateral asset as exposed to clients.
type Asset struct {
	Symbol   string
	Name     string
	Address  common.Address
	Decimals uint8
	Feed     config.FeedKind
	ledger   *token.Ledger
	manual   *oracle.ManualFeed
}

// App owns the engine and its collaborators. Every engine call goes through
// the app, which serialises them and persists token state afterwards.
type App struct {
	mu       sync.Mutex
	market   *config.Config
	engine   *stable.Engine
	registry *token.Registry
	stable   *token.Ledger
	assets   []*Asset
	bySymbol map[string]*Asset
	byAddr   map[common.Address]*Asset
	db       storage.Database
	bus      *events.Bus
	paused   atomic.Bool
	owner    common.Address
	logger   *slog.Logger
	now      func() time.Time
}

// Build wires ledgers, feeds, persistence and the engine from the market
// definition.
func Build(market *config.Config, opts Options) (*App, error) {
	if market == nil {
		return nil, fmt.Errorf("market configuration required")
	}
	if err := market.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	owner, err := market.OwnerAddress()
	if err != nil {
		return nil, fmt.Errorf("owner: %w", err)
	}
	a := &App{
		market:   market,
		registry: token.NewRegistry(),
		bySymbol: make(map[string]*Asset),
		byAddr:   make(map[common.Address]*Asset),
		bus:      events.NewBus(),
		owner:    owner,
		logger:   logger,
		now:      now,
	}
	a.paused.Store(market.Pauses.Stable)
	a.bus.SetClock(now)
	a.bus.OnSinkError(func(rec events.Record, err error) {
		observability.Events().RecordSinkFailure("journal")
		logger.Warn("event sink failed", slog.String("type", rec.Type), slog.String("id", rec.ID), slog.Any("error", err))
	})

	custody := market.Custody()
	stableAddr, err := market.TokenAddress(market.StableToken)
	if err != nil {
		return nil, fmt.Errorf("stable token: %w", err)
	}
	a.stable, err = a.registry.Register(stableAddr, token.Metadata{
		Symbol:   market.StableToken.Symbol,
		Name:     market.StableToken.Name,
		Decimals: market.StableToken.Decimals,
	}, custody)
	if err != nil {
		return nil, fmt.Errorf("register stable token: %w", err)
	}

	engineCfg := stable.Config{
		Custody:       custody,
		StableAddress: stableAddr,
		Stable:        a.stable.Session(custody),
		Journal:       a.registry,
	}
	for i, symbol := range market.CollateralAssets {
		asset, err := a.buildAsset(symbol, market.PriceFeeds[i])
		if err != nil {
			return nil, err
		}
		engineCfg.Assets = append(engineCfg.Assets, asset.Address)
		engineCfg.AssetLedgers = append(engineCfg.AssetLedgers, asset.ledger.Session(custody))
		if asset.manual != nil {
			engineCfg.PriceFeeds = append(engineCfg.PriceFeeds, asset.manual)
		} else {
			engineCfg.PriceFeeds = append(engineCfg.PriceFeeds, a.coinGeckoFeed(symbol, market.PriceFeeds[i], opts.HTTPClient))
		}
	}

	backend := market.Backend
	if opts.InMemory {
		backend = storage.BackendMemory
	}
	a.db, err = storage.Open(backend, market.StatePath())
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	if err := token.LoadRegistry(a.db, a.registry); err != nil {
		a.db.Close()
		return nil, err
	}

	a.engine, err = stable.NewEngine(engineCfg)
	if err != nil {
		a.db.Close()
		return nil, err
	}
	a.engine.SetLogger(logger)
	a.engine.SetEmitter(emitter{bus: a.bus})
	a.engine.SetPauses(a)
	a.engine.SetMaxPriceAge(market.MaxPriceAge())
	a.engine.SetClock(now)
	store := stable.NewKVStore(a.db).OnSave(func(batch storage.Batch) error {
		return token.WriteRegistry(batch, a.registry)
	})
	if err := a.engine.SetStore(store); err != nil {
		a.db.Close()
		return nil, err
	}
	a.publishTotals()
	logger.Info("stable engine ready",
		slog.String("custody", custody.Hex()),
		slog.String("stable", stableAddr.Hex()),
		slog.Int("assets", len(a.assets)),
		slog.Int("positions", len(a.engine.Users())))
	return a, nil
}

func (a *App) buildAsset(symbol, feedRaw string) (*Asset, error) {
	meta, ok := a.market.Asset(symbol)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, symbol)
	}
	addr, err := a.market.TokenAddress(meta.TokenConfig)
	if err != nil {
		return nil, fmt.Errorf("asset %s: %w", symbol, err)
	}
	spec, err := config.ParseFeed(feedRaw)
	if err != nil {
		return nil, err
	}
	ledger, err := a.registry.Register(addr, token.Metadata{Symbol: meta.Symbol, Name: meta.Name, Decimals: meta.Decimals}, a.owner)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", symbol, err)
	}
	asset := &Asset{
		Symbol:   ledger.Metadata().Symbol,
		Name:     meta.Name,
		Address:  addr,
		Decimals: meta.Decimals,
		Feed:     spec.Kind,
		ledger:   ledger,
	}
	if spec.Kind == config.FeedManual {
		asset.manual = oracle.NewManualFeed()
		if err := asset.manual.SetDecimal(meta.InitialPrice, a.now()); err != nil {
			return nil, fmt.Errorf("asset %s initial price: %w", symbol, err)
		}
	}
	a.assets = append(a.assets, asset)
	a.bySymbol[asset.Symbol] = asset
	a.byAddr[addr] = asset
	return asset, nil
}

func (a *App) coinGeckoFeed(symbol, feedRaw string, client oracle.HTTPDoer) stable.PriceOracle {
	spec, _ := config.ParseFeed(feedRaw)
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	a.logger.Info("using coingecko feed", slog.String("asset", symbol), slog.String("id", spec.ID))
	return oracle.NewCoinGeckoFeed(client, a.market.CoinGecko.Endpoint, spec.ID, a.market.CoinGeckoInterval())
}

// Close releases the state database.
func (a *App) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.db.Close()
	a.db = nil
	return nil
}

// Bus exposes the event bus for sinks and live subscribers.
func (a *App) Bus() *events.Bus { return a.bus }

// Engine exposes the engine for read-only inspection in tests.
func (a *App) Engine() *stable.Engine { return a.engine }

// Market returns the loaded market definition.
func (a *App) Market() *config.Config { return a.market }

// IsPaused satisfies the engine's pause view.
func (a *App) IsPaused(module string) bool {
	return module == "stable" && a.paused.Load()
}

// SetPaused toggles the stable module pause.
func (a *App) SetPaused(paused bool) {
	a.paused.Store(paused)
	a.logger.Warn("stable module pause updated", slog.Bool("paused", paused))
}

// ResolveAsset accepts a symbol or token address.
func (a *App) ResolveAsset(ref string) (*Asset, error) {
	trimmed := strings.TrimSpace(ref)
	if asset, ok := a.bySymbol[token.NormalizeSymbol(trimmed)]; ok {
		return asset, nil
	}
	if common.IsHexAddress(trimmed) {
		if asset, ok := a.byAddr[common.HexToAddress(trimmed)]; ok {
			return asset, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownAsset, ref)
}

// Assets returns collateral assets in engine order.
func (a *App) Assets() []*Asset {
	out := make([]*Asset, len(a.assets))
	copy(out, a.assets)
	return out
}

// emitter adapts the bus so committed events are also counted.
type emitter struct {
	bus *events.Bus
}

func (e emitter) Emit(evt events.Event) {
	observability.Events().RecordEvent(evt.EventType())
	e.bus.Emit(evt)
}

// run serialises fn and records metrics. Engine calls persist token state
// together with positions.
func (a *App) run(ctx context.Context, op string, fn func() error) error {
	_, span := telemetry.Tracer().Start(ctx, "stable."+op)
	defer span.End()
	start := time.Now()
	a.mu.Lock()
	err := fn()
	if err == nil {
		a.publishTotals()
	}
	a.mu.Unlock()
	observability.Stable().Observe(op, time.Since(start), string(Classify(err)), err != nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(Classify(err)))
		a.logger.Debug("stable operation rejected", slog.String("op", op), slog.Any("error", err))
	}
	return err
}

// tokenOp applies a direct ledger change and persists it, reverting the
// change when the write fails.
func (a *App) tokenOp(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a.db == nil {
		return fmt.Errorf("%w: state database closed", stable.ErrPersistence)
	}
	id := a.registry.Snapshot()
	err := fn()
	if err == nil {
		if saveErr := token.SaveRegistry(a.db, a.registry); saveErr != nil {
			err = fmt.Errorf("%w: %w", stable.ErrPersistence, saveErr)
		}
	}
	if err != nil {
		a.registry.RevertToSnapshot(id)
		return err
	}
	a.registry.DiscardSnapshot(id)
	return nil
}

func (a *App) publishTotals() {
	debt := new(big.Int)
	collateral := make(map[string]*big.Int, len(a.assets))
	for _, asset := range a.assets {
		collateral[asset.Symbol] = new(big.Int)
	}
	for _, user := range a.engine.Users() {
		debt.Add(debt, a.engine.DebtOf(user).ToBig())
		for _, asset := range a.assets {
			collateral[asset.Symbol].Add(collateral[asset.Symbol], a.engine.CollateralBalance(user, asset.Address).ToBig())
		}
	}
	observability.Stable().SetTotals(debt, collateral)
}

func (a *App) DepositCollateral(ctx context.Context, user common.Address, assetRef string, amount *uint256.Int) error {
	asset, err := a.ResolveAsset(assetRef)
	if err != nil {
		return err
	}
	return a.run(ctx, "deposit_collateral", func() error {
		return a.engine.DepositCollateral(ctx, user, asset.Address, amount)
	})
}

func (a *App) RedeemCollateral(ctx context.Context, user common.Address, assetRef string, amount *uint256.Int) error {
	asset, err := a.ResolveAsset(assetRef)
	if err != nil {
		return err
	}
	return a.run(ctx, "redeem_collateral", func() error {
		return a.engine.RedeemCollateral(ctx, user, asset.Address, amount)
	})
}

func (a *App) MintStable(ctx context.Context, user common.Address, amount *uint256.Int) error {
	return a.run(ctx, "mint_stable", func() error {
		return a.engine.MintStable(ctx, user, amount)
	})
}

func (a *App) BurnStable(ctx context.Context, user common.Address, amount *uint256.Int) error {
	return a.run(ctx, "burn_stable", func() error {
		return a.engine.BurnStable(ctx, user, amount)
	})
}

func (a *App) DepositCollateralAndMint(ctx context.Context, user common.Address, assetRef string, collateral, debt *uint256.Int) error {
	asset, err := a.ResolveAsset(assetRef)
	if err != nil {
		return err
	}
	return a.run(ctx, "deposit_and_mint", func() error {
		return a.engine.DepositCollateralAndMint(ctx, user, asset.Address, collateral, debt)
	})
}

func (a *App) RedeemCollateralForStable(ctx context.Context, user common.Address, assetRef string, collateral, debt *uint256.Int) error {
	asset, err := a.ResolveAsset(assetRef)
	if err != nil {
		return err
	}
	return a.run(ctx, "redeem_for_stable", func() error {
		return a.engine.RedeemCollateralForStable(ctx, user, asset.Address, collateral, debt)
	})
}

// Liquidate runs a liquidation on behalf of liquidator.
func (a *App) Liquidate(ctx context.Context, liquidator, user common.Address, assetRef string, debt *uint256.Int) (*stable.LiquidationResult, error) {
	asset, err := a.ResolveAsset(assetRef)
	if err != nil {
		return nil, err
	}
	var result *stable.LiquidationResult
	err = a.run(ctx, "liquidate", func() error {
		var innerErr error
		result, innerErr = a.engine.Liquidate(ctx, liquidator, user, asset.Address, debt)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	observability.Stable().RecordLiquidation(asset.Symbol, result.Seized.ToBig())
	return result, nil
}

// Approve lets the engine custody spend amount of owner's asset or stable
// tokens.
func (a *App) Approve(ctx context.Context, owner common.Address, tokenRef string, amount *uint256.Int) error {
	ledger, err := a.resolveLedger(tokenRef)
	if err != nil {
		return err
	}
	return a.run(ctx, "approve", func() error {
		return a.tokenOp(ctx, func() error {
			return ledger.Approve(owner, a.engine.Custody(), amount)
		})
	})
}

// Faucet mints collateral test balances from the asset owner.
func (a *App) Faucet(ctx context.Context, to common.Address, assetRef string, amount *uint256.Int) error {
	asset, err := a.ResolveAsset(assetRef)
	if err != nil {
		return err
	}
	return a.run(ctx, "faucet", func() error {
		return a.tokenOp(ctx, func() error {
			return asset.ledger.Mint(a.owner, to, amount)
		})
	})
}

// SetPrice records an operator price for a manually fed asset.
func (a *App) SetPrice(assetRef, price string) error {
	asset, err := a.ResolveAsset(assetRef)
	if err != nil {
		return err
	}
	if asset.manual == nil {
		return fmt.Errorf("%w: %s", ErrManualFeedRequired, asset.Symbol)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := asset.manual.SetDecimal(price, a.now()); err != nil {
		return fmt.Errorf("%w: %w", stable.ErrInvalidPrice, err)
	}
	a.logger.Info("operator price set", slog.String("asset", asset.Symbol), slog.String("price", price))
	return nil
}

func (a *App) resolveLedger(ref string) (*token.Ledger, error) {
	trimmed := strings.TrimSpace(ref)
	stableMeta := a.stable.Metadata()
	if token.NormalizeSymbol(trimmed) == stableMeta.Symbol || (common.IsHexAddress(trimmed) && common.HexToAddress(trimmed) == a.stable.Address()) {
		return a.stable, nil
	}
	asset, err := a.ResolveAsset(trimmed)
	if err != nil {
		return nil, err
	}
	return asset.ledger, nil
}
