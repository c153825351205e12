package stable

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"nhbstable/storage"
)

// Position is one persisted ledger entry.
type Position struct {
	Key    PositionKey
	Amount *uint256.Int
}

// PositionStore persists ledger entries between process restarts.
type PositionStore interface {
	Load(fn func(Position) error) error
	// Save writes the given entries atomically. Zero amounts delete.
	Save(positions []Position) error
}

var (
	collateralPrefix = []byte("stable/collateral/")
	debtPrefix       = []byte("stable/debt/")
)

type storedAmount struct {
	Amount *big.Int
}

// KVStore keeps positions in a storage.Database, RLP-encoded under
// stable/collateral/<user><asset> and stable/debt/<user>.
type KVStore struct {
	db     storage.Database
	onSave func(storage.Batch) error
}

func NewKVStore(db storage.Database) *KVStore {
	return &KVStore{db: db}
}

// OnSave registers fn to stage extra writes into every Save batch, so state
// owned by collaborators commits atomically with positions.
func (s *KVStore) OnSave(fn func(storage.Batch) error) *KVStore {
	s.onSave = fn
	return s
}

func positionKeyBytes(key PositionKey) []byte {
	switch key.Kind {
	case KindCollateral:
		out := make([]byte, 0, len(collateralPrefix)+2*common.AddressLength)
		out = append(out, collateralPrefix...)
		out = append(out, key.User.Bytes()...)
		return append(out, key.Asset.Bytes()...)
	default:
		out := make([]byte, 0, len(debtPrefix)+common.AddressLength)
		out = append(out, debtPrefix...)
		return append(out, key.User.Bytes()...)
	}
}

func decodeAmount(raw []byte) (*uint256.Int, error) {
	var stored storedAmount
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, err
	}
	if stored.Amount == nil {
		return new(uint256.Int), nil
	}
	amount, overflow := uint256.FromBig(stored.Amount)
	if overflow {
		return nil, fmt.Errorf("%w: stored amount exceeds 256 bits", ErrOverflow)
	}
	return amount, nil
}

func (s *KVStore) Load(fn func(Position) error) error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Iterate(collateralPrefix, func(key, value []byte) error {
		rest := key[len(collateralPrefix):]
		if len(rest) != 2*common.AddressLength {
			return fmt.Errorf("malformed collateral key %x", key)
		}
		amount, err := decodeAmount(value)
		if err != nil {
			return fmt.Errorf("decode collateral %x: %w", key, err)
		}
		return fn(Position{
			Key: PositionKey{
				Kind:  KindCollateral,
				User:  common.BytesToAddress(rest[:common.AddressLength]),
				Asset: common.BytesToAddress(rest[common.AddressLength:]),
			},
			Amount: amount,
		})
	})
	if err != nil {
		return err
	}
	return s.db.Iterate(debtPrefix, func(key, value []byte) error {
		rest := key[len(debtPrefix):]
		if len(rest) != common.AddressLength {
			return fmt.Errorf("malformed debt key %x", key)
		}
		amount, err := decodeAmount(value)
		if err != nil {
			return fmt.Errorf("decode debt %x: %w", key, err)
		}
		return fn(Position{Key: PositionKey{Kind: KindDebt, User: common.BytesToAddress(rest)}, Amount: amount})
	})
}

func (s *KVStore) Save(positions []Position) error {
	if s == nil || s.db == nil {
		return errors.New("stable store: database not configured")
	}
	batch := s.db.NewBatch()
	for _, pos := range positions {
		key := positionKeyBytes(pos.Key)
		if pos.Amount == nil || pos.Amount.IsZero() {
			batch.Delete(key)
			continue
		}
		encoded, err := rlp.EncodeToBytes(storedAmount{Amount: pos.Amount.ToBig()})
		if err != nil {
			return err
		}
		batch.Put(key, encoded)
	}
	if s.onSave != nil {
		if err := s.onSave(batch); err != nil {
			return err
		}
	}
	if batch.Len() == 0 {
		return nil
	}
	return batch.Write()
}
