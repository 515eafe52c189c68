package basenode

import (
	"context"
	"errors"
	"time"

	"github.com/mimblewallet/walletd/internal/protocol"
)

var (
	ErrNodeNotReachable = errors.New("base node not reachable")
	ErrNoBaseNode       = errors.New("no base node configured")
)

// RejectionReason classifies why a node refused a submitted transaction.
// Orphan and TimeLocked rejections are retryable, the rest are final.
type RejectionReason int

const (
	RejectionUnknown RejectionReason = iota
	RejectionOrphan
	RejectionTimeLocked
	RejectionDoubleSpend
	RejectionAlreadyMined
	RejectionInvalid
)

func (r RejectionReason) String() string {
	switch r {
	case RejectionOrphan:
		return "Orphan"
	case RejectionTimeLocked:
		return "TimeLocked"
	case RejectionDoubleSpend:
		return "DoubleSpend"
	case RejectionAlreadyMined:
		return "AlreadyMined"
	case RejectionInvalid:
		return "Invalid"
	default:
		return "Unknown"
	}
}

// Retryable reports whether a later submission of the same transaction can
// still succeed.
func (r RejectionReason) Retryable() bool {
	return r == RejectionOrphan || r == RejectionTimeLocked
}

// SubmitResult is the node's verdict on a submitted transaction.
type SubmitResult struct {
	Accepted  bool
	Rejection RejectionReason
}

// TxLocation says where the node last saw a queried transaction.
type TxLocation int

const (
	LocationNotStored TxLocation = iota
	LocationInMempool
	LocationMined
)

func (l TxLocation) String() string {
	switch l {
	case LocationInMempool:
		return "InMempool"
	case LocationMined:
		return "Mined"
	default:
		return "NotStored"
	}
}

// TxQueryResult describes a single kernel signature lookup.
type TxQueryResult struct {
	Signature     protocol.Signature
	Location      TxLocation
	BlockHeight   uint64
	BlockHash     []byte
	Confirmations uint64
	MinedAt       time.Time
}

// TipInfo is the node's view of the chain tip.
type TipInfo struct {
	Height    uint64
	Hash      []byte
	Timestamp time.Time
}

// FeePerGramStat summarises fees of recent blocks, ordered from the tip
// backwards.
type FeePerGramStat struct {
	Order         uint64
	MinFeePerGram protocol.Amount
	AvgFeePerGram protocol.Amount
	MaxFeePerGram protocol.Amount
}

// Client talks to a single base node. Implementations must be safe for
// concurrent use.
type Client interface {
	// SubmitTransaction pushes a complete transaction to the node's mempool.
	SubmitTransaction(ctx context.Context, tx *protocol.Transaction) (*SubmitResult, error)

	// QueryTransactions resolves a batch of kernel excess signatures to their
	// chain locations. Signatures unknown to the node come back as NotStored.
	QueryTransactions(ctx context.Context, signatures []protocol.Signature) ([]*TxQueryResult, error)

	// GetTipInfo returns the node's current chain tip.
	GetTipInfo(ctx context.Context) (*TipInfo, error)

	// FeePerGramStats returns fee statistics for the last blockCount blocks.
	FeePerGramStats(ctx context.Context, blockCount uint64) ([]*FeePerGramStat, error)

	// Address identifies the node the client is connected to.
	Address() string
}
