package txservice

import (
	"github.com/mimblewallet/walletd/internal/protocol"
	"github.com/mimblewallet/walletd/internal/txservice/store"
)

// Event is the closed set of notifications the service publishes. Subscribers
// switch on the concrete type.
type Event interface {
	isEvent()
}

// ReceivedTransaction announces a new inbound payment attempt.
type ReceivedTransaction struct {
	TxID   protocol.TxID
	Source protocol.Address
	Amount protocol.Amount
}

// ReceivedTransactionReply announces that an outbound payment got its reply
// and is now completed.
type ReceivedTransactionReply struct {
	TxID protocol.TxID
}

// ReceivedFinalizedTransaction announces that an inbound payment was
// finalized by the sender.
type ReceivedFinalizedTransaction struct {
	TxID protocol.TxID
}

// TransactionSendResult reports how an outbound protocol message travelled.
type TransactionSendResult struct {
	TxID           protocol.TxID
	DirectSent     bool
	SafSent        bool
	QueuedForRetry bool
}

// TransactionCompletedImmediately announces a transaction that skipped the
// handshake, such as a one-sided payment.
type TransactionCompletedImmediately struct {
	TxID protocol.TxID
}

// TransactionBroadcast announces acceptance into a base node's mempool.
type TransactionBroadcast struct {
	TxID protocol.TxID
}

// TransactionMinedUnconfirmed announces inclusion in a block below the
// confirmation threshold.
type TransactionMinedUnconfirmed struct {
	TxID          protocol.TxID
	Confirmations uint64
}

// TransactionMined announces the confirmation threshold was reached.
type TransactionMined struct {
	TxID protocol.TxID
}

// TransactionCancelled announces a cancellation with its reason.
type TransactionCancelled struct {
	TxID   protocol.TxID
	Reason store.CancellationReason
}

// ErrorEvent surfaces a failure subscribers may want to show the user.
type ErrorEvent struct {
	TxID        protocol.TxID
	Description string
}

func (ReceivedTransaction) isEvent()             {}
func (ReceivedTransactionReply) isEvent()        {}
func (ReceivedFinalizedTransaction) isEvent()    {}
func (TransactionSendResult) isEvent()           {}
func (TransactionCompletedImmediately) isEvent() {}
func (TransactionBroadcast) isEvent()            {}
func (TransactionMinedUnconfirmed) isEvent()     {}
func (TransactionMined) isEvent()                {}
func (TransactionCancelled) isEvent()            {}
func (ErrorEvent) isEvent()                      {}
