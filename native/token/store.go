package token

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"nhbstable/storage"
)

var ledgerPrefix = []byte("token/ledger/")

type storedBalance struct {
	Account common.Address
	Amount  *big.Int
}

type storedAllowance struct {
	Owner   common.Address
	Spender common.Address
	Amount  *big.Int
}

type storedLedger struct {
	Supply     *big.Int
	Balances   []storedBalance
	Allowances []storedAllowance
}

func ledgerKey(address common.Address) []byte {
	out := make([]byte, 0, len(ledgerPrefix)+common.AddressLength)
	out = append(out, ledgerPrefix...)
	return append(out, address.Bytes()...)
}

// SaveRegistry writes every ledger's balances, allowances and supply in one
// batch.
func SaveRegistry(db storage.Database, r *Registry) error {
	if db == nil || r == nil {
		return fmt.Errorf("token: store not configured")
	}
	batch := db.NewBatch()
	if err := WriteRegistry(batch, r); err != nil {
		return err
	}
	return batch.Write()
}

// WriteRegistry stages every ledger into batch so token state can commit
// together with other writes.
func WriteRegistry(batch storage.Batch, r *Registry) error {
	for _, ledger := range r.Ledgers() {
		encoded, err := rlp.EncodeToBytes(ledger.export())
		if err != nil {
			return fmt.Errorf("token: encode %s: %w", ledger.meta.Symbol, err)
		}
		batch.Put(ledgerKey(ledger.address), encoded)
	}
	return nil
}

// LoadRegistry restores previously saved state into the registered ledgers.
// Ledgers without saved state are left empty.
func LoadRegistry(db storage.Database, r *Registry) error {
	if db == nil || r == nil {
		return fmt.Errorf("token: store not configured")
	}
	for _, ledger := range r.Ledgers() {
		raw, err := db.Get(ledgerKey(ledger.address))
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("token: load %s: %w", ledger.meta.Symbol, err)
		}
		var state storedLedger
		if err := rlp.DecodeBytes(raw, &state); err != nil {
			return fmt.Errorf("token: decode %s: %w", ledger.meta.Symbol, err)
		}
		if err := ledger.restore(state); err != nil {
			return fmt.Errorf("token: restore %s: %w", ledger.meta.Symbol, err)
		}
	}
	return nil
}

func (l *Ledger) export() storedLedger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	state := storedLedger{Supply: l.supply.ToBig()}
	for account, amount := range l.balances {
		state.Balances = append(state.Balances, storedBalance{Account: account, Amount: amount.ToBig()})
	}
	sort.Slice(state.Balances, func(i, j int) bool {
		return state.Balances[i].Account.Cmp(state.Balances[j].Account) < 0
	})
	for owner, spenders := range l.allowances {
		for spender, amount := range spenders {
			state.Allowances = append(state.Allowances, storedAllowance{Owner: owner, Spender: spender, Amount: amount.ToBig()})
		}
	}
	sort.Slice(state.Allowances, func(i, j int) bool {
		a, b := state.Allowances[i], state.Allowances[j]
		if c := a.Owner.Cmp(b.Owner); c != 0 {
			return c < 0
		}
		return a.Spender.Cmp(b.Spender) < 0
	})
	return state
}

// restore replaces the ledger contents without journaling.
func (l *Ledger) restore(state storedLedger) error {
	toUint := func(v *big.Int) (*uint256.Int, error) {
		if v == nil {
			return new(uint256.Int), nil
		}
		out, overflow := uint256.FromBig(v)
		if overflow {
			return nil, ErrSupplyOverflow
		}
		return out, nil
	}
	supply, err := toUint(state.Supply)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances = make(map[common.Address]*uint256.Int, len(state.Balances))
	l.allowances = make(map[common.Address]map[common.Address]*uint256.Int)
	l.supply = supply
	for _, entry := range state.Balances {
		amount, err := toUint(entry.Amount)
		if err != nil {
			return err
		}
		l.putBalance(entry.Account, amount)
	}
	for _, entry := range state.Allowances {
		amount, err := toUint(entry.Amount)
		if err != nil {
			return err
		}
		l.putAllowance(entry.Owner, entry.Spender, amount)
	}
	return nil
}
