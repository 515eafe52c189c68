// Package store defines the durable persistence contract for wallet
// transactions. It knows nothing about protocol semantics: records are
// inserted, fetched and transitioned exactly as the transaction service
// instructs it to.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mimblewallet/walletd/internal/protocol"
)

var (
	ErrNotFound                 = errors.New("value could not be found")
	ErrValuesNotFound           = errors.New("no values matching the query could be found")
	ErrTransactionAlreadyExists = errors.New("transaction already exists")
	ErrDuplicateOutput          = errors.New("duplicate output")
	ErrOperationNotSupported    = errors.New("operation not supported by this key type")
)

// TxStatus is the lifecycle status of a completed transaction.
type TxStatus int

const (
	// TxStatusCompleted means the handshake finished and the transaction is
	// ready for broadcast.
	TxStatusCompleted TxStatus = iota
	// TxStatusBroadcast means the transaction was accepted by a base node.
	TxStatusBroadcast
	// TxStatusMinedUnconfirmed means it was seen in a block with fewer than
	// the required confirmations.
	TxStatusMinedUnconfirmed
	// TxStatusImported marks funds recognised via chain scanning, not the
	// interactive protocol.
	TxStatusImported
	// TxStatusPending is the status pending inbound and outbound records
	// report before completion.
	TxStatusPending
	// TxStatusCoinbase marks a locally generated block-reward claim.
	TxStatusCoinbase
	// TxStatusMinedConfirmed is terminal for the happy path.
	TxStatusMinedConfirmed
	// TxStatusRejected marks a cancelled or permanently rejected transaction.
	TxStatusRejected
	// TxStatusFauxUnconfirmed is the under-confirmed state of a faux
	// (imported or one-sided-received) transaction.
	TxStatusFauxUnconfirmed
	// TxStatusFauxConfirmed is the confirmed terminal state of a faux
	// transaction.
	TxStatusFauxConfirmed
)

func (s TxStatus) String() string {
	switch s {
	case TxStatusCompleted:
		return "Completed"
	case TxStatusBroadcast:
		return "Broadcast"
	case TxStatusMinedUnconfirmed:
		return "MinedUnconfirmed"
	case TxStatusImported:
		return "Imported"
	case TxStatusPending:
		return "Pending"
	case TxStatusCoinbase:
		return "Coinbase"
	case TxStatusMinedConfirmed:
		return "MinedConfirmed"
	case TxStatusRejected:
		return "Rejected"
	case TxStatusFauxUnconfirmed:
		return "FauxUnconfirmed"
	case TxStatusFauxConfirmed:
		return "FauxConfirmed"
	}
	return fmt.Sprintf("Unknown(%d)", int(s))
}

// IsFaux reports whether the status belongs to a chain-scanned transaction.
func (s TxStatus) IsFaux() bool {
	return s == TxStatusImported || s == TxStatusFauxUnconfirmed || s == TxStatusFauxConfirmed
}

type CancellationReason int

const (
	ReasonUnknown CancellationReason = iota
	ReasonUserCancelled
	ReasonTimeout
	ReasonDoubleSpend
	ReasonOrphan
	ReasonTimeLocked
	ReasonInvalidTransaction
	ReasonAbandonedCoinbase
)

func (r CancellationReason) String() string {
	switch r {
	case ReasonUnknown:
		return "Unknown"
	case ReasonUserCancelled:
		return "UserCancelled"
	case ReasonTimeout:
		return "Timeout"
	case ReasonDoubleSpend:
		return "DoubleSpend"
	case ReasonOrphan:
		return "Orphan"
	case ReasonTimeLocked:
		return "TimeLocked"
	case ReasonInvalidTransaction:
		return "InvalidTransaction"
	case ReasonAbandonedCoinbase:
		return "AbandonedCoinbase"
	}
	return fmt.Sprintf("Unknown(%d)", int(r))
}

type Direction int

const (
	DirectionUnknown Direction = iota
	DirectionInbound
	DirectionOutbound
)

func (d Direction) String() string {
	switch d {
	case DirectionInbound:
		return "Inbound"
	case DirectionOutbound:
		return "Outbound"
	}
	return "Unknown"
}

// OutboundTransaction is a send this wallet initiated that is still waiting
// for the receiver's reply.
type OutboundTransaction struct {
	TxID               protocol.TxID
	DestinationAddress protocol.Address
	Amount             protocol.Amount
	Fee                protocol.Amount
	SenderProtocol     *protocol.SenderProtocol
	Status             TxStatus
	Message            string
	Timestamp          time.Time
	Cancelled          bool
	DirectSendSuccess  bool
	SendCount          uint32
	LastSendTimestamp  *time.Time
}

// InboundTransaction is a receive that replied to a sender and is waiting
// for the finalized transaction.
type InboundTransaction struct {
	TxID              protocol.TxID
	SourceAddress     protocol.Address
	Amount            protocol.Amount
	ReceiverProtocol  *protocol.ReceiverProtocol
	Status            TxStatus
	Message           string
	Timestamp         time.Time
	Cancelled         bool
	DirectSendSuccess bool
	SendCount         uint32
	LastSendTimestamp *time.Time
}

// CompletedTransaction is the terminal record tracked through broadcast,
// mining and confirmation.
type CompletedTransaction struct {
	TxID                 protocol.TxID
	SourceAddress        protocol.Address
	DestinationAddress   protocol.Address
	Amount               protocol.Amount
	Fee                  protocol.Amount
	Transaction          *protocol.Transaction
	Status               TxStatus
	Message              string
	Timestamp            time.Time
	Cancelled            *CancellationReason
	Direction            Direction
	CoinbaseBlockHeight  *uint64
	SendCount            uint32
	LastSendTimestamp    *time.Time
	Confirmations        *uint64
	MinedHeight          *uint64
	MinedInBlock         []byte
	MinedTimestamp       *time.Time
	TransactionSignature protocol.Signature
	Valid                bool
}

// IsCancelled reports whether the record carries a cancellation reason.
func (c *CompletedTransaction) IsCancelled() bool {
	return c.Cancelled != nil
}

// TransactionVariant tags the result of a FetchAny lookup.
type TransactionVariant int

const (
	VariantPendingOutbound TransactionVariant = iota + 1
	VariantPendingInbound
	VariantCompleted
)

// AnyTransaction is the tagged result of a lookup across all three kinds.
// Exactly one of the record fields is set, matching Variant.
type AnyTransaction struct {
	Variant   TransactionVariant
	Outbound  *OutboundTransaction
	Inbound   *InboundTransaction
	Completed *CompletedTransaction
}

// MinedUpdate carries everything needed to mark a transaction mined.
type MinedUpdate struct {
	Height        uint64
	BlockHash     []byte
	MinedAt       time.Time
	Confirmations uint64
	IsConfirmed   bool
	IsFaux        bool
}

// TransactionBackend is the persistence contract consumed by the transaction
// service. There is exactly one production implementation (sqlite) plus an
// in-memory one for tests; the service never depends on either directly.
type TransactionBackend interface {
	InsertOutbound(ctx context.Context, tx *OutboundTransaction) error
	InsertInbound(ctx context.Context, tx *InboundTransaction) error
	InsertCompleted(ctx context.Context, tx *CompletedTransaction) error

	FetchOutbound(ctx context.Context, txID protocol.TxID) (*OutboundTransaction, error)
	FetchInbound(ctx context.Context, txID protocol.TxID) (*InboundTransaction, error)
	FetchCompleted(ctx context.Context, txID protocol.TxID) (*CompletedTransaction, error)
	// FetchAny searches outbound, then inbound, then completed and returns
	// the first active match.
	FetchAny(ctx context.Context, txID protocol.TxID) (*AnyTransaction, error)

	ListOutbound(ctx context.Context, cancelled bool) ([]*OutboundTransaction, error)
	ListInbound(ctx context.Context, cancelled bool) ([]*InboundTransaction, error)
	ListCompleted(ctx context.Context, cancelled bool) ([]*CompletedTransaction, error)

	// RemoveOutbound and RemoveInbound delete a single pending record and
	// return its prior value. Completed records cannot be removed, only
	// cancelled: RemoveCompleted fails with ErrOperationNotSupported.
	RemoveOutbound(ctx context.Context, txID protocol.TxID) (*OutboundTransaction, error)
	RemoveInbound(ctx context.Context, txID protocol.TxID) (*InboundTransaction, error)
	RemoveCompleted(ctx context.Context, txID protocol.TxID) (*CompletedTransaction, error)

	// CompleteOutbound and CompleteInbound atomically delete the pending
	// record and insert the completed one.
	CompleteOutbound(ctx context.Context, txID protocol.TxID, completed *CompletedTransaction) error
	CompleteInbound(ctx context.Context, txID protocol.TxID, completed *CompletedTransaction) error

	CancelOutbound(ctx context.Context, txID protocol.TxID) error
	CancelInbound(ctx context.Context, txID protocol.TxID) error

	// BroadcastCompleted moves Completed -> Broadcast. Calling it when the
	// status has already advanced past Broadcast is a no-op, never a
	// regression.
	BroadcastCompleted(ctx context.Context, txID protocol.TxID) error
	RejectCompleted(ctx context.Context, txID protocol.TxID, reason CancellationReason) error
	UpdateMinedHeight(ctx context.Context, txID protocol.TxID, update MinedUpdate) error
	// SetUnmined rolls a mined transaction back to its pre-mined status.
	SetUnmined(ctx context.Context, txID protocol.TxID) error

	CancelCoinbasesAtHeight(ctx context.Context, blockHeight uint64) error
	FindCoinbaseAtHeight(ctx context.Context, blockHeight uint64, amount protocol.Amount) (*CompletedTransaction, error)

	// TransactionsToBeBroadcast returns active non-coinbase records with
	// status Completed or Broadcast.
	TransactionsToBeBroadcast(ctx context.Context) ([]*CompletedTransaction, error)
	// UnconfirmedTransactions returns active records the broadcast monitor
	// still polls for, including imported and faux ones awaiting chain
	// confirmation.
	UnconfirmedTransactions(ctx context.Context) ([]*CompletedTransaction, error)
	// LastMinedTransaction returns the record with the highest mined height.
	LastMinedTransaction(ctx context.Context) (*CompletedTransaction, error)

	// IncrementSendCount searches outbound, then inbound, then completed and
	// atomically bumps send_count and last_send_timestamp of the first
	// match.
	IncrementSendCount(ctx context.Context, txID protocol.TxID) error
	// SetDirectSendSuccess records that a direct delivery succeeded for a
	// pending record.
	SetDirectSendSuccess(ctx context.Context, txID protocol.TxID) error

	Close() error
}
