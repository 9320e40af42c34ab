package ledger

import (
	"context"

	logging "github.com/ipfs/go-log/v2"

	"github.com/tradefleet/fleetd/chain/ethtypes"
)

var log = logging.Logger("ledger")

// ReceiptStatusOK is the status field of a successful transaction
// receipt.
const ReceiptStatusOK = 1

// ReadCall is one contract read in a batch.
type ReadCall struct {
	To   ethtypes.Address
	Data ethtypes.Bytes
}

// Receipt is the subset of a transaction receipt the provision tracker
// consumes.
type Receipt struct {
	TxHash      ethtypes.Hash
	Status      uint64
	BlockNumber ethtypes.Uint64
	Logs        []ethtypes.Log
}

func (r *Receipt) Ok() bool {
	return r.Status == ReceiptStatusOK
}

// FilterQuery selects logs by emitting contract and topics. A nil
// element in Topics matches any value at that position; a non-nil
// element matches if the topic equals any hash in the slice.
type FilterQuery struct {
	Contract  ethtypes.Address
	Topics    [][]ethtypes.Hash
	FromBlock ethtypes.Uint64
	ToBlock   ethtypes.Uint64 // 0 means latest
}

// Client is read-only access to the ledger. Implementations must be
// safe for concurrent use.
type Client interface {
	// GetLogs returns historical logs matching the query.
	GetLogs(ctx context.Context, q FilterQuery) ([]ethtypes.Log, error)

	// ReadOne performs a single eth_call against latest state.
	ReadOne(ctx context.Context, to ethtypes.Address, data ethtypes.Bytes) (ethtypes.Bytes, error)

	// BatchRead performs the given calls in one round trip. The result
	// slice is positionally aligned with calls; an entry is nil when
	// that individual call failed (reverted, contract not deployed).
	// The error return covers transport-level failure only.
	BatchRead(ctx context.Context, calls []ReadCall) ([]ethtypes.Bytes, error)

	// WaitForReceipt blocks until the transaction's receipt is
	// available or ctx is done.
	WaitForReceipt(ctx context.Context, tx ethtypes.Hash) (*Receipt, error)

	// SubscribeToEvent delivers logs matching the query as they are
	// produced, starting from the current head. The returned function
	// cancels the subscription.
	SubscribeToEvent(ctx context.Context, q FilterQuery, sink func([]ethtypes.Log)) (func(), error)

	// BlockNumber returns the current head height.
	BlockNumber(ctx context.Context) (ethtypes.Uint64, error)
}
