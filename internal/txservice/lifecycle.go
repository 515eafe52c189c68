package txservice

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/mimblewallet/walletd/internal/protocol"
	"github.com/mimblewallet/walletd/internal/txservice/store"
)

// CancelTransaction abandons a transaction that has not been broadcast. The
// counterparty of a pending handshake is notified over both transports, but
// the local cancellation stands regardless of delivery.
func (s *TransactionService) CancelTransaction(ctx context.Context, txID protocol.TxID) error {
	unlock := s.lockTx(txID)
	defer unlock()

	tx, err := s.store.FetchAny(ctx, txID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errors.Join(ErrTransactionNotFound, err)
		}
		return err
	}

	switch tx.Variant {
	case store.VariantPendingOutbound:
		err = s.store.CancelOutbound(ctx, txID)
		if err != nil {
			return err
		}
		s.releaseOutputs(ctx, txID)
		s.notifyCancellation(ctx, txID, tx.Outbound.DestinationAddress)

	case store.VariantPendingInbound:
		err = s.store.CancelInbound(ctx, txID)
		if err != nil {
			return err
		}
		s.releaseOutputs(ctx, txID)
		s.notifyCancellation(ctx, txID, tx.Inbound.SourceAddress)

	case store.VariantCompleted:
		// once broadcast the chain decides, cancellation is no longer ours
		if tx.Completed.Status != store.TxStatusCompleted {
			return ErrNotCancellable
		}
		err = s.store.RejectCompleted(ctx, txID, store.ReasonUserCancelled)
		if err != nil {
			return err
		}
		if tx.Completed.Direction == store.DirectionOutbound {
			s.releaseOutputs(ctx, txID)
		}
	}

	s.publish(TransactionCancelled{TxID: txID, Reason: store.ReasonUserCancelled})
	return nil
}

// notifyCancellation tells the counterparty over both transports to maximise
// delivery odds.
func (s *TransactionService) notifyCancellation(ctx context.Context, txID protocol.TxID, peer protocol.Address) {
	msg := &protocol.Message{
		ID:        uuid.NewString(),
		Type:      protocol.MessageTypeCancelled,
		Source:    s.ownAddress,
		Cancelled: &protocol.CancelledMessage{TxID: txID},
	}

	err := s.sendDirect(ctx, peer, msg)
	if err != nil {
		s.logger.Info("direct cancellation notice failed", slogTxID(txID), slogErr(err))
	}
	err = s.dispatcher.SendStoreAndForward(ctx, peer, msg)
	if err != nil {
		s.logger.Info("store and forward cancellation notice failed", slogTxID(txID), slogErr(err))
	}
}

// GenerateCoinbase returns the block reward claiming transaction for a
// height. The claimed amount is the block reward plus the collected fees.
// Repeating the call with the same amounts and height returns the
// transaction generated before. A different amount at the same height
// supersedes the earlier coinbase, which is cancelled.
func (s *TransactionService) GenerateCoinbase(ctx context.Context, reward, fees protocol.Amount, blockHeight uint64) (*protocol.Transaction, error) {
	total := reward + fees
	err := total.Validate()
	if err != nil {
		return nil, err
	}

	s.coinbaseMu.Lock()
	defer s.coinbaseMu.Unlock()

	existing, err := s.store.FindCoinbaseAtHeight(ctx, blockHeight, total)
	if err == nil {
		return existing.Transaction, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	err = s.store.CancelCoinbasesAtHeight(ctx, blockHeight)
	if err != nil {
		return nil, err
	}

	txID, err := protocol.NewTxID()
	if err != nil {
		return nil, err
	}

	tx, err := protocol.NewCoinbaseTransaction(txID, total, blockHeight)
	if err != nil {
		return nil, err
	}

	height := blockHeight
	completed := &store.CompletedTransaction{
		TxID:                 txID,
		SourceAddress:        s.ownAddress,
		DestinationAddress:   s.ownAddress,
		Amount:               total,
		Transaction:          tx,
		Status:               store.TxStatusCoinbase,
		Timestamp:            s.now().UTC(),
		Direction:            store.DirectionInbound,
		CoinbaseBlockHeight:  &height,
		TransactionSignature: tx.FirstKernelSignature(),
		Valid:                true,
	}

	err = s.store.InsertCompleted(ctx, completed)
	if err != nil {
		return nil, err
	}

	err = s.outputs.AddPendingOutput(ctx, txID, tx.Outputs[0], total)
	if err != nil {
		s.logger.Warn("failed to register coinbase output", slogTxID(txID), slogErr(err))
	}

	s.startBroadcastTask(txID)

	return tx, nil
}

// ImportTransaction records funds that arrived outside the interactive
// handshake, such as scanned one-sided payments. The record starts as
// Imported and is chain validated like any other unconfirmed transaction.
func (s *TransactionService) ImportTransaction(ctx context.Context, source protocol.Address, amount protocol.Amount, tx *protocol.Transaction, message string) (protocol.TxID, error) {
	err := amount.Validate()
	if err != nil {
		return 0, err
	}

	txID, err := protocol.NewTxID()
	if err != nil {
		return 0, err
	}

	completed := &store.CompletedTransaction{
		TxID:                 txID,
		SourceAddress:        source,
		DestinationAddress:   s.ownAddress,
		Amount:               amount,
		Transaction:          tx,
		Status:               store.TxStatusImported,
		Message:              message,
		Timestamp:            s.now().UTC(),
		Direction:            store.DirectionInbound,
		TransactionSignature: tx.FirstKernelSignature(),
		Valid:                true,
	}

	err = s.store.InsertCompleted(ctx, completed)
	if err != nil {
		return 0, err
	}

	s.startBroadcastTask(txID)

	return txID, nil
}
