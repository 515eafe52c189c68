// Package outputmgr tracks the wallet's spendable outputs. The transaction
// service reserves outputs when building a spend, releases them when the
// transaction is abandoned and confirms them once the chain includes them.
package outputmgr

import (
	"context"
	"errors"

	"github.com/mimblewallet/walletd/internal/protocol"
)

var (
	ErrNotEnoughFunds   = errors.New("not enough funds")
	ErrNoReservation    = errors.New("no outputs reserved for transaction")
	ErrOutputNotFound   = errors.New("output not found")
	ErrDuplicateOutput  = errors.New("output already tracked")
	ErrOutputsExhausted = errors.New("no spendable outputs")
)

// Selection is the result of reserving outputs for a spend.
type Selection struct {
	Inputs       []protocol.TransactionInput
	TotalValue   protocol.Amount
	ChangeAmount protocol.Amount
}

type Manager interface {
	// ReserveOutputs picks unspent outputs covering amount plus fee and
	// marks them reserved under txID until confirmed or released.
	ReserveOutputs(ctx context.Context, txID protocol.TxID, amount, fee protocol.Amount) (*Selection, error)

	// AddPendingOutput registers an output expected from an unconfirmed
	// transaction. It counts towards the pending incoming balance, becomes
	// spendable when its transaction confirms and disappears when the
	// reservation is released.
	AddPendingOutput(ctx context.Context, txID protocol.TxID, output protocol.TransactionOutput, value protocol.Amount) error

	// ConfirmMinedOutputs makes the reservation permanent. Reserved outputs
	// are spent, outputs produced by the transaction become spendable.
	ConfirmMinedOutputs(ctx context.Context, txID protocol.TxID) error

	// ReleaseReservedOutputs returns the reservation's outputs to the
	// spendable pool.
	ReleaseReservedOutputs(ctx context.Context, txID protocol.TxID) error

	// ScanForOneSidedPaymentOutputs checks whether any of the outputs are
	// claimable by this wallet and returns the claimable subset.
	ScanForOneSidedPaymentOutputs(ctx context.Context, outputs []protocol.TransactionOutput) ([]protocol.TransactionOutput, error)

	// PendingIncomingBalance sums outputs expected from transactions that
	// are not yet confirmed.
	PendingIncomingBalance(ctx context.Context) (protocol.Amount, error)
}
