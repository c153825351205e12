package stable

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"nhbstable/core/events"
	nativecommon "nhbstable/native/common"
)

const moduleName = "stable"

// Config wires the engine to its collaborators. Assets, PriceFeeds and
// AssetLedgers are parallel lists in the same order.
type Config struct {
	// Custody is the engine's own account on the asset and stable ledgers.
	Custody       common.Address
	Assets        []common.Address
	PriceFeeds    []PriceOracle
	AssetLedgers  []AssetLedger
	StableAddress common.Address
	Stable        StableToken
	// Journal, when set, is snapshotted at the start of each call and
	// reverted when the call fails.
	Journal Snapshotter
}

// Engine owns collateral and debt positions and enforces the solvency gate.
// Calls are not safe for concurrent use; the host serialises them.
type Engine struct {
	custody       common.Address
	assets        []common.Address
	assetLedgers  map[common.Address]AssetLedger
	stableAddress common.Address
	stable        StableToken
	journal       Snapshotter
	prices        *PriceAdapter
	ledger        *ledger
	store         PositionStore
	guard         nativecommon.CallGuard
	pauses        nativecommon.PauseView
	emitter       events.Emitter
	logger        *slog.Logger
}

// NewEngine validates cfg and returns an engine with empty ledgers.
func NewEngine(cfg Config) (*Engine, error) {
	if len(cfg.Assets) != len(cfg.PriceFeeds) {
		return nil, fmt.Errorf("%w: %d assets but %d price feeds", ErrInvalidConfiguration, len(cfg.Assets), len(cfg.PriceFeeds))
	}
	if len(cfg.Assets) != len(cfg.AssetLedgers) {
		return nil, fmt.Errorf("%w: %d assets but %d asset ledgers", ErrInvalidConfiguration, len(cfg.Assets), len(cfg.AssetLedgers))
	}
	if cfg.Stable == nil {
		return nil, fmt.Errorf("%w: stable token not configured", ErrInvalidConfiguration)
	}
	if cfg.Custody == (common.Address{}) {
		return nil, fmt.Errorf("%w: custody address not configured", ErrInvalidConfiguration)
	}
	ledgers := make(map[common.Address]AssetLedger, len(cfg.Assets))
	for i, asset := range cfg.Assets {
		if asset == (common.Address{}) {
			return nil, fmt.Errorf("%w: asset %d has zero address", ErrInvalidConfiguration, i)
		}
		if _, dup := ledgers[asset]; dup {
			return nil, fmt.Errorf("%w: asset %s listed twice", ErrInvalidConfiguration, asset.Hex())
		}
		if cfg.PriceFeeds[i] == nil {
			return nil, fmt.Errorf("%w: asset %s has no price feed", ErrInvalidConfiguration, asset.Hex())
		}
		if cfg.AssetLedgers[i] == nil {
			return nil, fmt.Errorf("%w: asset %s has no ledger", ErrInvalidConfiguration, asset.Hex())
		}
		ledgers[asset] = cfg.AssetLedgers[i]
	}
	return &Engine{
		custody:       cfg.Custody,
		assets:        append([]common.Address(nil), cfg.Assets...),
		assetLedgers:  ledgers,
		stableAddress: cfg.StableAddress,
		stable:        cfg.Stable,
		journal:       cfg.Journal,
		prices:        newPriceAdapter(cfg.Assets, cfg.PriceFeeds),
		ledger:        newLedger(),
		emitter:       events.NoopEmitter{},
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, nil
}

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetEmitter configures where committed events are delivered.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

func (e *Engine) SetLogger(logger *slog.Logger) {
	if e == nil || logger == nil {
		return
	}
	e.logger = logger.With("module", moduleName)
}

// SetMaxPriceAge rejects feed rounds older than age. Zero disables the check.
func (e *Engine) SetMaxPriceAge(age time.Duration) {
	if e == nil {
		return
	}
	if age < 0 {
		age = 0
	}
	e.prices.maxAge = age
}

// SetClock overrides the time source used for staleness checks.
func (e *Engine) SetClock(now func() time.Time) {
	if e == nil || now == nil {
		return
	}
	e.prices.now = now
}

// SetStore attaches persistence and loads every stored position into the
// ledger. Entries for assets no longer supported are rejected.
func (e *Engine) SetStore(store PositionStore) error {
	if e == nil {
		return ErrNilEngine
	}
	if e.guard.Active() {
		return nativecommon.ErrReentrantCall
	}
	if store == nil {
		e.store = nil
		return nil
	}
	loaded := newLedger()
	err := store.Load(func(pos Position) error {
		if pos.Key.Kind == KindCollateral {
			if _, ok := e.assetLedgers[pos.Key.Asset]; !ok {
				return fmt.Errorf("%w: stored position for %s", ErrUnsupportedAsset, pos.Key.Asset.Hex())
			}
		}
		loaded.put(pos.Key, pos.Amount)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: load: %w", ErrPersistence, err)
	}
	e.ledger = loaded
	e.store = store
	return nil
}

// call scopes one mutating entry point. Ledger writes, collaborator effects
// and events either all commit in end or are all discarded.
type call struct {
	engine   *Engine
	op       string
	release  func()
	mark     int
	snapshot int
	pending  []events.Event
}

func (e *Engine) begin(op string) (*call, error) {
	if e == nil {
		return nil, ErrNilEngine
	}
	release, err := e.guard.Enter()
	if err != nil {
		return nil, fmt.Errorf("stable engine: %s: %w", op, err)
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		release()
		return nil, err
	}
	c := &call{engine: e, op: op, release: release, mark: e.ledger.mark(), snapshot: -1}
	if e.journal != nil {
		c.snapshot = e.journal.Snapshot()
	}
	return c, nil
}

func (c *call) emit(evt events.Event) {
	c.pending = append(c.pending, evt)
}

// end must be deferred with the entry point's named error result.
func (c *call) end(errp *error) {
	e := c.engine
	defer c.release()
	if r := recover(); r != nil {
		c.rollback(fmt.Errorf("panic: %v", r))
		panic(r)
	}
	if *errp == nil {
		*errp = e.persist(c.mark)
	}
	if *errp != nil {
		c.rollback(*errp)
		return
	}
	e.ledger.commit()
	if e.journal != nil && c.snapshot >= 0 {
		e.journal.DiscardSnapshot(c.snapshot)
	}
	for _, evt := range c.pending {
		e.emitter.Emit(evt)
	}
}

func (c *call) rollback(cause error) {
	e := c.engine
	e.ledger.revert(c.mark)
	if e.journal != nil && c.snapshot >= 0 {
		e.journal.RevertToSnapshot(c.snapshot)
	}
	c.pending = nil
	e.logger.Debug("stable engine call reverted", slog.String("op", c.op), slog.Any("error", cause))
}

func (e *Engine) persist(mark int) error {
	if e.store == nil {
		return nil
	}
	keys := e.ledger.touched(mark)
	if len(keys) == 0 {
		return nil
	}
	positions := make([]Position, len(keys))
	for i, key := range keys {
		positions[i] = Position{Key: key, Amount: e.ledger.get(key)}
	}
	if err := e.store.Save(positions); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return nil
}

// DepositCollateral pulls amount of asset from user into custody.
func (e *Engine) DepositCollateral(ctx context.Context, user, asset common.Address, amount *uint256.Int) (err error) {
	c, err := e.begin("deposit")
	if err != nil {
		return err
	}
	defer c.end(&err)
	return c.deposit(ctx, user, asset, amount)
}

// RedeemCollateral returns amount of asset to user if the position stays
// solvent afterwards.
func (e *Engine) RedeemCollateral(ctx context.Context, user, asset common.Address, amount *uint256.Int) (err error) {
	c, err := e.begin("redeem")
	if err != nil {
		return err
	}
	defer c.end(&err)
	if err := c.redeem(ctx, user, user, asset, amount); err != nil {
		return err
	}
	return e.assertSolvent(ctx, user)
}

// MintStable opens amount of debt for user and mints the tokens.
func (e *Engine) MintStable(ctx context.Context, user common.Address, amount *uint256.Int) (err error) {
	c, err := e.begin("mint")
	if err != nil {
		return err
	}
	defer c.end(&err)
	return c.mint(ctx, user, amount)
}

// BurnStable repays amount of user's debt with user's own tokens.
func (e *Engine) BurnStable(ctx context.Context, user common.Address, amount *uint256.Int) (err error) {
	c, err := e.begin("burn")
	if err != nil {
		return err
	}
	defer c.end(&err)
	return c.burn(ctx, user, user, amount)
}

// DepositCollateralAndMint deposits collateral and mints against it in one
// call.
func (e *Engine) DepositCollateralAndMint(ctx context.Context, user, asset common.Address, collateral, debt *uint256.Int) (err error) {
	c, err := e.begin("deposit_and_mint")
	if err != nil {
		return err
	}
	defer c.end(&err)
	if err := c.deposit(ctx, user, asset, collateral); err != nil {
		return err
	}
	return c.mint(ctx, user, debt)
}

// RedeemCollateralForStable burns debt first and then releases collateral,
// checking the final position.
func (e *Engine) RedeemCollateralForStable(ctx context.Context, user, asset common.Address, collateral, debt *uint256.Int) (err error) {
	c, err := e.begin("redeem_for_stable")
	if err != nil {
		return err
	}
	defer c.end(&err)
	if !isPositive(collateral) {
		return fmt.Errorf("%w: redeem collateral", ErrInvalidAmount)
	}
	if err := c.burn(ctx, user, user, debt); err != nil {
		return err
	}
	if err := c.redeem(ctx, user, user, asset, collateral); err != nil {
		return err
	}
	return e.assertSolvent(ctx, user)
}

func (c *call) deposit(ctx context.Context, user, asset common.Address, amount *uint256.Int) error {
	e := c.engine
	if !isPositive(amount) {
		return fmt.Errorf("%w: deposit", ErrInvalidAmount)
	}
	assetLedger, ok := e.assetLedgers[asset]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedAsset, asset.Hex())
	}
	amount = new(uint256.Int).Set(amount)
	if err := e.ledger.credit(PositionKey{Kind: KindCollateral, User: user, Asset: asset}, amount); err != nil {
		return err
	}
	ok, err := assetLedger.TransferFrom(ctx, user, e.custody, amount)
	if err != nil || !ok {
		return &TransferError{Err: ErrTransferFailed, Asset: asset, From: user, To: e.custody, Amount: amount, Cause: err}
	}
	c.emit(events.CollateralDeposited{User: user, Asset: asset, Amount: amount})
	return nil
}

// redeem moves collateral recorded for from out of custody to to. It does not
// check solvency.
func (c *call) redeem(ctx context.Context, from, to, asset common.Address, amount *uint256.Int) error {
	e := c.engine
	if !isPositive(amount) {
		return fmt.Errorf("%w: redeem", ErrInvalidAmount)
	}
	assetLedger, ok := e.assetLedgers[asset]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedAsset, asset.Hex())
	}
	amount = new(uint256.Int).Set(amount)
	if err := e.ledger.debit(PositionKey{Kind: KindCollateral, User: from, Asset: asset}, amount); err != nil {
		return err
	}
	ok, err := assetLedger.Transfer(ctx, to, amount)
	if err != nil || !ok {
		return &TransferError{Err: ErrTransferFailed, Asset: asset, From: e.custody, To: to, Amount: amount, Cause: err}
	}
	c.emit(events.CollateralRedeemed{From: from, To: to, Asset: asset, Amount: amount})
	return nil
}

func (c *call) mint(ctx context.Context, user common.Address, amount *uint256.Int) error {
	e := c.engine
	if !isPositive(amount) {
		return fmt.Errorf("%w: mint", ErrInvalidAmount)
	}
	amount = new(uint256.Int).Set(amount)
	if err := e.ledger.credit(PositionKey{Kind: KindDebt, User: user}, amount); err != nil {
		return err
	}
	if err := e.assertSolvent(ctx, user); err != nil {
		return err
	}
	ok, err := e.stable.Mint(ctx, user, amount)
	if err != nil || !ok {
		return &TransferError{Err: ErrMintFailed, Asset: e.stableAddress, From: e.custody, To: user, Amount: amount, Cause: err}
	}
	c.emit(events.StableMinted{User: user, Amount: amount})
	return nil
}

// burn reduces the debt of onBehalfOf using tokens pulled from payer.
func (c *call) burn(ctx context.Context, payer, onBehalfOf common.Address, amount *uint256.Int) error {
	e := c.engine
	if !isPositive(amount) {
		return fmt.Errorf("%w: burn", ErrInvalidAmount)
	}
	amount = new(uint256.Int).Set(amount)
	if err := e.ledger.debit(PositionKey{Kind: KindDebt, User: onBehalfOf}, amount); err != nil {
		return err
	}
	ok, err := e.stable.TransferFrom(ctx, payer, e.custody, amount)
	if err != nil || !ok {
		return &TransferError{Err: ErrTransferFailed, Asset: e.stableAddress, From: payer, To: e.custody, Amount: amount, Cause: err}
	}
	if err := e.stable.Burn(ctx, amount); err != nil {
		return &TransferError{Err: ErrTransferFailed, Asset: e.stableAddress, From: e.custody, Amount: amount, Cause: err}
	}
	c.emit(events.StableBurned{Payer: payer, OnBehalfOf: onBehalfOf, Amount: amount})
	return nil
}

// assertSolvent fails with a HealthFactorError when user is below the
// minimum health factor.
func (e *Engine) assertSolvent(ctx context.Context, user common.Address) error {
	factor, err := e.HealthFactor(ctx, user)
	if err != nil {
		return err
	}
	if factor.Lt(MinHealthFactor) {
		return &HealthFactorError{Err: ErrHealthFactorBroken, User: user, Factor: factor}
	}
	return nil
}

// AccountInformation returns user's debt and the USD value of all deposited
// collateral.
func (e *Engine) AccountInformation(ctx context.Context, user common.Address) (debt, collateralUsd *uint256.Int, err error) {
	if e == nil {
		return nil, nil, ErrNilEngine
	}
	collateralUsd, err = e.AccountCollateralValue(ctx, user)
	if err != nil {
		return nil, nil, err
	}
	return e.DebtOf(user), collateralUsd, nil
}

// AccountCollateralValue sums the USD value of user's collateral.
func (e *Engine) AccountCollateralValue(ctx context.Context, user common.Address) (*uint256.Int, error) {
	if e == nil {
		return nil, ErrNilEngine
	}
	return e.prices.totalValue(ctx, func(asset common.Address) *uint256.Int {
		return e.ledger.get(PositionKey{Kind: KindCollateral, User: user, Asset: asset})
	})
}

// HealthFactor returns user's 1e18-scaled health factor. Users without debt
// report MaxHealthFactor.
func (e *Engine) HealthFactor(ctx context.Context, user common.Address) (*uint256.Int, error) {
	if e == nil {
		return nil, ErrNilEngine
	}
	debt := e.DebtOf(user)
	if debt.IsZero() {
		return new(uint256.Int).Set(MaxHealthFactor), nil
	}
	value, err := e.AccountCollateralValue(ctx, user)
	if err != nil {
		return nil, err
	}
	return CalculateHealthFactor(debt, value)
}

// Liquidatable reports whether user sits below the minimum health factor.
func (e *Engine) Liquidatable(ctx context.Context, user common.Address) (bool, *uint256.Int, error) {
	factor, err := e.HealthFactor(ctx, user)
	if err != nil {
		return false, nil, err
	}
	return factor.Lt(MinHealthFactor), factor, nil
}

func (e *Engine) UsdValue(ctx context.Context, asset common.Address, amount *uint256.Int) (*uint256.Int, error) {
	if e == nil {
		return nil, ErrNilEngine
	}
	return e.prices.ToUsd(ctx, asset, amount)
}

func (e *Engine) TokenAmountFromUsd(ctx context.Context, asset common.Address, usd *uint256.Int) (*uint256.Int, error) {
	if e == nil {
		return nil, ErrNilEngine
	}
	return e.prices.ToAssetAmount(ctx, asset, usd)
}

// CollateralBalance returns the amount of asset user has deposited.
func (e *Engine) CollateralBalance(user, asset common.Address) *uint256.Int {
	if e == nil {
		return new(uint256.Int)
	}
	return e.ledger.get(PositionKey{Kind: KindCollateral, User: user, Asset: asset})
}

// DebtOf returns user's outstanding stable debt.
func (e *Engine) DebtOf(user common.Address) *uint256.Int {
	if e == nil {
		return new(uint256.Int)
	}
	return e.ledger.get(PositionKey{Kind: KindDebt, User: user})
}

// Users lists every account holding collateral or debt.
func (e *Engine) Users() []common.Address {
	if e == nil {
		return nil
	}
	return e.ledger.users()
}

// CollateralAssets returns the supported assets in construction order.
func (e *Engine) CollateralAssets() []common.Address {
	if e == nil {
		return nil
	}
	return append([]common.Address(nil), e.assets...)
}

func (e *Engine) PriceFeed(asset common.Address) (PriceOracle, bool) {
	if e == nil {
		return nil, false
	}
	return e.prices.Feed(asset)
}

func (e *Engine) StableToken() StableToken {
	if e == nil {
		return nil
	}
	return e.stable
}

func (e *Engine) StableAddress() common.Address {
	if e == nil {
		return common.Address{}
	}
	return e.stableAddress
}

// Custody returns the account that holds deposited collateral.
func (e *Engine) Custody() common.Address {
	if e == nil {
		return common.Address{}
	}
	return e.custody
}

func (e *Engine) Parameters() Parameters { return DefaultParameters() }
