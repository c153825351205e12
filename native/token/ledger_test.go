package token

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	nativecommon "nhbstable/native/common"
)

var (
	ownerAddr = common.HexToAddress("0x00000000000000000000000000000000000000e0")
	aliceAddr = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bobAddr   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	tokenAddr = common.HexToAddress("0x0000000000000000000000000000000000000101")
)

func amount(v uint64) *uint256.Int { return uint256.NewInt(v) }

func TestMintAndBurnAreOwnerOnly(t *testing.T) {
	l := NewLedger(tokenAddr, Metadata{Symbol: " nusd ", Decimals: 18}, ownerAddr)
	if l.Metadata().Symbol != "NUSD" {
		t.Fatalf("symbol not normalised: %q", l.Metadata().Symbol)
	}
	if err := l.Mint(aliceAddr, aliceAddr, amount(10)); !errors.Is(err, nativecommon.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := l.Mint(ownerAddr, common.Address{}, amount(10)); !errors.Is(err, ErrZeroAddress) {
		t.Fatalf("expected ErrZeroAddress, got %v", err)
	}
	if err := l.Mint(ownerAddr, aliceAddr, amount(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if err := l.Mint(ownerAddr, ownerAddr, amount(25)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := l.Burn(ownerAddr, amount(30)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if err := l.Burn(aliceAddr, amount(1)); !errors.Is(err, nativecommon.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := l.Burn(ownerAddr, amount(5)); err != nil {
		t.Fatalf("burn: %v", err)
	}
	if got := l.TotalSupply(); !got.Eq(amount(20)) {
		t.Fatalf("expected supply 20, got %s", got)
	}
	if got := l.BalanceOf(ownerAddr); !got.Eq(amount(20)) {
		t.Fatalf("expected owner balance 20, got %s", got)
	}
}

func TestTransferFromConsumesAllowance(t *testing.T) {
	l := NewLedger(tokenAddr, Metadata{Symbol: "WETH"}, ownerAddr)
	if err := l.Mint(ownerAddr, aliceAddr, amount(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := l.TransferFrom(bobAddr, aliceAddr, bobAddr, amount(1)); !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("expected ErrInsufficientAllowance, got %v", err)
	}
	if err := l.Approve(aliceAddr, bobAddr, amount(60)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := l.TransferFrom(bobAddr, aliceAddr, bobAddr, amount(40)); err != nil {
		t.Fatalf("transferFrom: %v", err)
	}
	if got := l.Allowance(aliceAddr, bobAddr); !got.Eq(amount(20)) {
		t.Fatalf("expected remaining allowance 20, got %s", got)
	}
	if got := l.BalanceOf(bobAddr); !got.Eq(amount(40)) {
		t.Fatalf("expected bob balance 40, got %s", got)
	}
	if err := l.Approve(aliceAddr, bobAddr, new(uint256.Int).SetAllOne()); err != nil {
		t.Fatalf("approve max: %v", err)
	}
	if err := l.TransferFrom(bobAddr, aliceAddr, bobAddr, amount(60)); err != nil {
		t.Fatalf("transferFrom with max allowance: %v", err)
	}
	if got := l.Allowance(aliceAddr, bobAddr); !got.Eq(maxAllowance) {
		t.Fatalf("max allowance should not decrease, got %s", got)
	}
	if err := l.Transfer(aliceAddr, bobAddr, amount(1)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	holders := l.Holders()
	if len(holders) != 1 || holders[0] != bobAddr {
		t.Fatalf("unexpected holders %v", holders)
	}
}

func TestRegistrySnapshotRevertsEveryLedger(t *testing.T) {
	reg := NewRegistry()
	weth, err := reg.Register(tokenAddr, Metadata{Symbol: "WETH"}, ownerAddr)
	if err != nil {
		t.Fatalf("register weth: %v", err)
	}
	stableAddr := common.HexToAddress("0x0000000000000000000000000000000000000202")
	nusd, err := reg.Register(stableAddr, Metadata{Symbol: "NUSD"}, ownerAddr)
	if err != nil {
		t.Fatalf("register nusd: %v", err)
	}
	if _, err := reg.Register(stableAddr, Metadata{}, ownerAddr); !errors.Is(err, ErrDuplicateToken) {
		t.Fatalf("expected ErrDuplicateToken, got %v", err)
	}
	if err := weth.Mint(ownerAddr, aliceAddr, amount(10)); err != nil {
		t.Fatalf("mint weth: %v", err)
	}

	snap := reg.Snapshot()
	if err := weth.Transfer(aliceAddr, bobAddr, amount(4)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := nusd.Mint(ownerAddr, bobAddr, amount(7)); err != nil {
		t.Fatalf("mint nusd: %v", err)
	}
	if err := nusd.Approve(bobAddr, aliceAddr, amount(3)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	reg.RevertToSnapshot(snap)

	if got := weth.BalanceOf(aliceAddr); !got.Eq(amount(10)) {
		t.Fatalf("alice weth not restored: %s", got)
	}
	if got := weth.BalanceOf(bobAddr); !got.IsZero() {
		t.Fatalf("bob weth not restored: %s", got)
	}
	if got := nusd.TotalSupply(); !got.IsZero() {
		t.Fatalf("nusd supply not restored: %s", got)
	}
	if got := nusd.Allowance(bobAddr, aliceAddr); !got.IsZero() {
		t.Fatalf("allowance not restored: %s", got)
	}

	kept := reg.Snapshot()
	if err := weth.Transfer(aliceAddr, bobAddr, amount(1)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	reg.DiscardSnapshot(kept)
	reg.RevertToSnapshot(kept)
	if got := weth.BalanceOf(bobAddr); !got.Eq(amount(1)) {
		t.Fatalf("discarded snapshot should keep changes, bob has %s", got)
	}
	if _, err := reg.Ledger(common.HexToAddress("0x03")); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("expected ErrUnknownToken, got %v", err)
	}
	if got := len(reg.Ledgers()); got != 2 {
		t.Fatalf("expected 2 ledgers, got %d", got)
	}
}

func TestSessionActsAsCaller(t *testing.T) {
	custody := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	l := NewLedger(tokenAddr, Metadata{Symbol: "NUSD"}, custody)
	session := l.Session(custody)
	ctx := context.Background()

	ok, err := session.Mint(ctx, aliceAddr, amount(50))
	if err != nil || !ok {
		t.Fatalf("mint via session: ok=%v err=%v", ok, err)
	}
	if err := l.Approve(aliceAddr, custody, amount(20)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if ok, err := session.TransferFrom(ctx, aliceAddr, custody, amount(20)); err != nil || !ok {
		t.Fatalf("pull via session: ok=%v err=%v", ok, err)
	}
	if err := session.Burn(ctx, amount(20)); err != nil {
		t.Fatalf("burn via session: %v", err)
	}
	if ok, err := session.Transfer(ctx, bobAddr, amount(1)); ok || !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected failed transfer, ok=%v err=%v", ok, err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if ok, err := session.Mint(cancelled, aliceAddr, amount(1)); ok || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, ok=%v err=%v", ok, err)
	}
	if got := l.TotalSupply(); !got.Eq(amount(30)) {
		t.Fatalf("expected supply 30, got %s", got)
	}
}

func TestNormalizeSymbol(t *testing.T) {
	cases := map[string]string{
		" weth ":                   "WETH",
		"\uff37\uff25\uff34\uff28": "WETH",
		"nusd":                     "NUSD",
	}
	for in, want := range cases {
		if got := NormalizeSymbol(in); got != want {
			t.Fatalf("NormalizeSymbol(%q) = %q, want %q", in, got, want)
		}
	}
}
