package stable

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"nhbstable/storage"
)

func TestCalculateHealthFactor(t *testing.T) {
	cases := []struct {
		debt, value *uint256.Int
		want        *uint256.Int
	}{
		{units(5_000), units(20_000), units(2)},
		{units(20_000), units(20_000), uint256.NewInt(500_000_000_000_000_000)},
		{units(100), new(uint256.Int), new(uint256.Int)},
		{nil, units(1), MaxHealthFactor},
	}
	for i, tc := range cases {
		got, err := CalculateHealthFactor(tc.debt, tc.value)
		if err != nil {
			t.Fatalf("case %d: %v", i, err)
		}
		if !got.Eq(tc.want) {
			t.Fatalf("case %d: expected %s, got %s", i, tc.want, got)
		}
	}
	huge := new(uint256.Int).SetAllOne()
	if _, err := CalculateHealthFactor(uint256.NewInt(1), huge); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
}

func TestScalePriceRejectsBadAnswers(t *testing.T) {
	for _, answer := range []*big.Int{nil, big.NewInt(0), big.NewInt(-1), new(big.Int).Lsh(big.NewInt(1), 300)} {
		if _, err := scalePrice(answer); !errors.Is(err, ErrInvalidPrice) {
			t.Fatalf("answer %v: expected ErrInvalidPrice, got %v", answer, err)
		}
	}
	scaled, err := scalePrice(big.NewInt(2000_00000000))
	if err != nil {
		t.Fatalf("scale: %v", err)
	}
	if !scaled.Eq(units(2000)) {
		t.Fatalf("expected 2000e18, got %s", scaled)
	}
}

func TestLedgerJournalRevert(t *testing.T) {
	l := newLedger()
	user := common.HexToAddress("0x01")
	asset := common.HexToAddress("0x02")
	col := PositionKey{Kind: KindCollateral, User: user, Asset: asset}
	debt := PositionKey{Kind: KindDebt, User: user}

	if err := l.credit(col, uint256.NewInt(10)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	l.commit()
	mark := l.mark()
	if err := l.credit(debt, uint256.NewInt(4)); err != nil {
		t.Fatalf("credit debt: %v", err)
	}
	if err := l.debit(col, uint256.NewInt(3)); err != nil {
		t.Fatalf("debit: %v", err)
	}
	if err := l.debit(col, uint256.NewInt(3)); err != nil {
		t.Fatalf("debit: %v", err)
	}
	if keys := l.touched(mark); len(keys) != 2 || keys[0] != debt || keys[1] != col {
		t.Fatalf("unexpected touched keys %v", keys)
	}
	err := l.debit(col, uint256.NewInt(5))
	var balErr *BalanceError
	if !errors.As(err, &balErr) || !errors.Is(err, ErrInsufficientCollateral) || !balErr.Balance.Eq(uint256.NewInt(4)) {
		t.Fatalf("expected BalanceError, got %v", err)
	}
	if err := l.debit(debt, uint256.NewInt(5)); !errors.Is(err, ErrInsufficientDebt) {
		t.Fatalf("expected ErrInsufficientDebt, got %v", err)
	}
	l.revert(mark)
	if got := l.get(col); !got.Eq(uint256.NewInt(10)) {
		t.Fatalf("collateral not restored: %s", got)
	}
	if got := l.get(debt); !got.IsZero() {
		t.Fatalf("debt not restored: %s", got)
	}
	if users := l.users(); len(users) != 1 || users[0] != user {
		t.Fatalf("unexpected users %v", users)
	}
}

func TestKVStoreRoundTrip(t *testing.T) {
	db := storage.NewMemDB()
	store := NewKVStore(db)
	user := common.HexToAddress("0xaa")
	asset := common.HexToAddress("0xbb")
	positions := []Position{
		{Key: PositionKey{Kind: KindCollateral, User: user, Asset: asset}, Amount: units(3)},
		{Key: PositionKey{Kind: KindDebt, User: user}, Amount: units(1_000)},
	}
	if err := store.Save(positions); err != nil {
		t.Fatalf("save: %v", err)
	}
	var loaded []Position
	if err := store.Load(func(p Position) error {
		loaded = append(loaded, p)
		return nil
	}); err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 2 || loaded[0].Key != positions[0].Key || !loaded[0].Amount.Eq(units(3)) ||
		loaded[1].Key != positions[1].Key || !loaded[1].Amount.Eq(units(1_000)) {
		t.Fatalf("unexpected positions %+v", loaded)
	}
	if err := store.Save([]Position{{Key: positions[1].Key, Amount: new(uint256.Int)}}); err != nil {
		t.Fatalf("save zero: %v", err)
	}
	count := 0
	_ = store.Load(func(Position) error { count++; return nil })
	if count != 1 {
		t.Fatalf("zero amount should delete, %d entries left", count)
	}
}

func TestKVStoreOnSaveSharesBatch(t *testing.T) {
	db := storage.NewMemDB()
	hookErr := errors.New("stage failed")
	fail := true
	store := NewKVStore(db).OnSave(func(b storage.Batch) error {
		if fail {
			return hookErr
		}
		b.Put([]byte("extra"), []byte{1})
		return nil
	})
	pos := []Position{{Key: PositionKey{Kind: KindDebt, User: common.HexToAddress("0xaa")}, Amount: units(5)}}
	if err := store.Save(pos); !errors.Is(err, hookErr) {
		t.Fatalf("expected hook error, got %v", err)
	}
	if _, err := db.Get(positionKeyBytes(pos[0].Key)); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("failed hook must discard the batch, got %v", err)
	}
	fail = false
	if err := store.Save(pos); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := db.Get([]byte("extra")); err != nil {
		t.Fatalf("extra write missing: %v", err)
	}
}
