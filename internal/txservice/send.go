package txservice

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/mimblewallet/walletd/internal/protocol"
	"github.com/mimblewallet/walletd/internal/txservice/store"
)

// SendTransaction starts the interactive handshake towards destination. The
// returned tx id tracks the transaction through the rest of its life. The
// transaction completes asynchronously when the receiver's reply arrives.
func (s *TransactionService) SendTransaction(ctx context.Context, destination protocol.Address, amount, feePerGram protocol.Amount, message string) (protocol.TxID, error) {
	err := amount.Validate()
	if err != nil {
		return 0, err
	}

	txID, err := protocol.NewTxID()
	if err != nil {
		return 0, err
	}

	selection, fee, err := s.reserveFunds(ctx, txID, amount, feePerGram)
	if err != nil {
		return 0, err
	}

	senderProtocol, err := protocol.NewSenderProtocol(txID, destination, amount, fee, message, selection.Inputs, selection.ChangeAmount)
	if err != nil {
		s.releaseOutputs(ctx, txID)
		return 0, err
	}

	outbound := &store.OutboundTransaction{
		TxID:               txID,
		DestinationAddress: destination,
		Amount:             amount,
		Fee:                fee,
		SenderProtocol:     senderProtocol,
		Status:             store.TxStatusPending,
		Message:            message,
		Timestamp:          s.now().UTC(),
	}

	err = s.store.InsertOutbound(ctx, outbound)
	if err != nil {
		s.releaseOutputs(ctx, txID)
		return 0, err
	}

	senderMsg, err := senderProtocol.BuildSenderMessage()
	if err != nil {
		return 0, err
	}

	s.sendPendingMessage(ctx, txID, destination, &protocol.Message{
		ID:     uuid.NewString(),
		Type:   protocol.MessageTypeSender,
		Source: s.ownAddress,
		Sender: senderMsg,
	})

	return txID, nil
}

// SendOneSidedTransaction builds and finalizes a payment without receiver
// interaction. The result is a completed transaction ready for broadcast.
func (s *TransactionService) SendOneSidedTransaction(ctx context.Context, destination protocol.Address, amount, feePerGram protocol.Amount, message string) (protocol.TxID, error) {
	if destination == s.ownAddress {
		return 0, ErrOneSidedSelfSend
	}
	err := amount.Validate()
	if err != nil {
		return 0, err
	}

	txID, err := protocol.NewTxID()
	if err != nil {
		return 0, err
	}

	selection, fee, err := s.reserveFunds(ctx, txID, amount, feePerGram)
	if err != nil {
		return 0, err
	}

	tx, err := protocol.NewOneSidedTransaction(txID, destination, amount, fee, selection.Inputs, selection.ChangeAmount)
	if err != nil {
		s.releaseOutputs(ctx, txID)
		return 0, err
	}

	completed := &store.CompletedTransaction{
		TxID:                 txID,
		SourceAddress:        s.ownAddress,
		DestinationAddress:   destination,
		Amount:               amount,
		Fee:                  fee,
		Transaction:          tx,
		Status:               store.TxStatusCompleted,
		Message:              message,
		Timestamp:            s.now().UTC(),
		Direction:            store.DirectionOutbound,
		TransactionSignature: tx.FirstKernelSignature(),
		Valid:                true,
	}

	err = s.store.InsertCompleted(ctx, completed)
	if err != nil {
		s.releaseOutputs(ctx, txID)
		return 0, err
	}

	s.publish(TransactionCompletedImmediately{TxID: txID})
	s.startBroadcastTask(txID)

	return txID, nil
}

// reserveFunds picks inputs for amount at the given fee rate and returns the
// selection together with the final fee.
func (s *TransactionService) reserveFunds(ctx context.Context, txID protocol.TxID, amount, feePerGram protocol.Amount) (*selectionResult, protocol.Amount, error) {
	// one recipient output plus change, one kernel
	estimate := protocol.CalculateFee(feePerGram, 1, 2, 1)

	selection, err := s.outputs.ReserveOutputs(ctx, txID, amount, estimate)
	if err != nil {
		return nil, 0, err
	}

	fee := protocol.CalculateFee(feePerGram, len(selection.Inputs), 2, 1)
	if selection.TotalValue < amount+fee {
		s.releaseOutputs(ctx, txID)
		return nil, 0, fmt.Errorf("selected outputs cover %d, need %d", selection.TotalValue, amount+fee)
	}

	return &selectionResult{
		Inputs:       selection.Inputs,
		TotalValue:   selection.TotalValue,
		ChangeAmount: selection.TotalValue - amount - fee,
	}, fee, nil
}

type selectionResult struct {
	Inputs       []protocol.TransactionInput
	TotalValue   protocol.Amount
	ChangeAmount protocol.Amount
}

func (s *TransactionService) releaseOutputs(ctx context.Context, txID protocol.TxID) {
	err := s.outputs.ReleaseReservedOutputs(ctx, txID)
	if err != nil {
		s.logger.Warn("failed to release reserved outputs",
			slogTxID(txID), slogErr(err))
	}
}

/// sendPendingMessage delivers a protocol message for a pending record:
// direct first, store and forward when the peer is unreachable. The outcome
// is published as a TransactionSendResult and recorded on the row.
func (s *TransactionService) sendPendingMessage(ctx context.Context, txID protocol.TxID, peer protocol.Address, msg *protocol.Message) {
	result := TransactionSendResult{TxID: txID}

	err := s.sendDirect(ctx, peer, msg)
	if err == nil {
		result.DirectSent = true

		err = s.store.SetDirectSendSuccess(ctx, txID)
		if err != nil {
			s.logger.Warn("failed to record direct send", slogTxID(txID), slogErr(err))
		}
	} else {
		s.logger.Info("direct send failed, falling back to store and forward",
			slogTxID(txID), slogErr(err))

		safErr := s.dispatcher.SendStoreAndForward(ctx, peer, msg)
		if safErr != nil {
			s.logger.Warn("store and forward send failed", slogTxID(txID), slogErr(safErr))
			result.QueuedForRetry = true
		} else {
			result.SafSent = true
		}
	}

	if result.DirectSent || result.SafSent {
		err = s.store.IncrementSendCount(ctx, txID)
		if err != nil {
			s.logger.Warn("failed to increment send count", slogTxID(txID), slogErr(err))
		}
		s.markSendCooldown(txID)
	}

	s.publish(result)
}
