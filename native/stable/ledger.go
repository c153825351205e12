package stable

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// PositionKind distinguishes collateral and debt entries.
type PositionKind uint8

const (
	KindCollateral PositionKind = iota + 1
	KindDebt
)

// PositionKey addresses one ledger entry. Asset is zero for debt.
type PositionKey struct {
	Kind  PositionKind
	User  common.Address
	Asset common.Address
}

type journalEntry struct {
	key  PositionKey
	prev *uint256.Int
}

// ledger owns the collateral and debt maps. Every write is journalled so a
// failed call can be unwound to an earlier mark.
type ledger struct {
	collateral map[common.Address]map[common.Address]*uint256.Int
	debt       map[common.Address]*uint256.Int
	journal    []journalEntry
}

func newLedger() *ledger {
	return &ledger{
		collateral: make(map[common.Address]map[common.Address]*uint256.Int),
		debt:       make(map[common.Address]*uint256.Int),
	}
}

func (l *ledger) get(key PositionKey) *uint256.Int {
	switch key.Kind {
	case KindCollateral:
		if assets, ok := l.collateral[key.User]; ok {
			if v, ok := assets[key.Asset]; ok {
				return new(uint256.Int).Set(v)
			}
		}
	case KindDebt:
		if v, ok := l.debt[key.User]; ok {
			return new(uint256.Int).Set(v)
		}
	}
	return new(uint256.Int)
}

// put stores value without journalling. Zero values delete the entry.
func (l *ledger) put(key PositionKey, value *uint256.Int) {
	switch key.Kind {
	case KindCollateral:
		if value == nil || value.IsZero() {
			if assets, ok := l.collateral[key.User]; ok {
				delete(assets, key.Asset)
				if len(assets) == 0 {
					delete(l.collateral, key.User)
				}
			}
			return
		}
		assets, ok := l.collateral[key.User]
		if !ok {
			assets = make(map[common.Address]*uint256.Int)
			l.collateral[key.User] = assets
		}
		assets[key.Asset] = new(uint256.Int).Set(value)
	case KindDebt:
		if value == nil || value.IsZero() {
			delete(l.debt, key.User)
			return
		}
		l.debt[key.User] = new(uint256.Int).Set(value)
	}
}

func (l *ledger) set(key PositionKey, value *uint256.Int) {
	l.journal = append(l.journal, journalEntry{key: key, prev: l.get(key)})
	l.put(key, value)
}

func (l *ledger) credit(key PositionKey, amount *uint256.Int) error {
	current := l.get(key)
	next, overflow := new(uint256.Int).AddOverflow(current, amount)
	if overflow {
		return fmt.Errorf("%w: crediting %s to %s", ErrOverflow, amount.Dec(), current.Dec())
	}
	l.set(key, next)
	return nil
}

func (l *ledger) debit(key PositionKey, amount *uint256.Int) error {
	current := l.get(key)
	next, underflow := new(uint256.Int).SubOverflow(current, amount)
	if underflow {
		sentinel := ErrInsufficientCollateral
		if key.Kind == KindDebt {
			sentinel = ErrInsufficientDebt
		}
		return &BalanceError{Err: sentinel, User: key.User, Asset: key.Asset, Balance: current, Requested: new(uint256.Int).Set(amount)}
	}
	l.set(key, next)
	return nil
}

func (l *ledger) mark() int { return len(l.journal) }

// revert replays the journal backwards down to mark.
func (l *ledger) revert(mark int) {
	for i := len(l.journal) - 1; i >= mark; i-- {
		entry := l.journal[i]
		l.put(entry.key, entry.prev)
	}
	l.journal = l.journal[:mark]
}

// touched returns the distinct keys written since mark in first-write order.
func (l *ledger) touched(mark int) []PositionKey {
	seen := make(map[PositionKey]struct{}, len(l.journal)-mark)
	keys := make([]PositionKey, 0, len(l.journal)-mark)
	for _, entry := range l.journal[mark:] {
		if _, ok := seen[entry.key]; ok {
			continue
		}
		seen[entry.key] = struct{}{}
		keys = append(keys, entry.key)
	}
	return keys
}

// commit forgets the journal; the current values become the baseline.
func (l *ledger) commit() {
	l.journal = l.journal[:0]
}

func (l *ledger) users() []common.Address {
	set := make(map[common.Address]struct{}, len(l.collateral)+len(l.debt))
	for user := range l.collateral {
		set[user] = struct{}{}
	}
	for user := range l.debt {
		set[user] = struct{}{}
	}
	out := make([]common.Address, 0, len(set))
	for user := range set {
		out = append(out, user)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}
