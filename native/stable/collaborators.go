package stable

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// AssetLedger moves collateral on behalf of the engine. Implementations are
// bound to the engine's custody account: TransferFrom spends an allowance the
// owner granted to custody, Transfer pays out of custody. A false result
// without an error is treated as a refused transfer.
type AssetLedger interface {
	TransferFrom(ctx context.Context, from, to common.Address, amount *uint256.Int) (bool, error)
	Transfer(ctx context.Context, to common.Address, amount *uint256.Int) (bool, error)
}

// StableToken is the stable token ledger surface the engine drives. Mint is
// restricted to the engine; Burn destroys tokens held by custody.
type StableToken interface {
	AssetLedger
	Mint(ctx context.Context, to common.Address, amount *uint256.Int) (bool, error)
	Burn(ctx context.Context, amount *uint256.Int) error
}

// RoundData mirrors an aggregator round. Answer carries FeedDecimals
// decimals and may be negative on a faulty feed.
type RoundData struct {
	RoundID         uint64
	Answer          *big.Int
	StartedAt       time.Time
	UpdatedAt       time.Time
	AnsweredInRound uint64
}

// PriceOracle reports the latest USD price round for one asset.
type PriceOracle interface {
	LatestRoundData(ctx context.Context) (RoundData, error)
}

// Snapshotter is implemented by state that can be rolled back when an engine
// call fails after collaborators already ran. DiscardSnapshot is called when
// the call succeeds.
type Snapshotter interface {
	Snapshot() int
	RevertToSnapshot(id int)
	DiscardSnapshot(id int)
}
