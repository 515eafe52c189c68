package txservice

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/mimblewallet/walletd/internal/protocol"
	"github.com/mimblewallet/walletd/internal/txservice/store"
)

// HandleMessage routes an incoming protocol message to the handler for its
// variant. Malformed or unexpected messages are logged and dropped, a bad
// message never corrupts stored state.
func (s *TransactionService) HandleMessage(ctx context.Context, msg *protocol.Message) error {
	err := msg.Validate()
	if err != nil {
		return err
	}

	switch msg.Type {
	case protocol.MessageTypeSender:
		return s.handleSenderMessage(ctx, msg)
	case protocol.MessageTypeReply:
		return s.handleReplyMessage(ctx, msg)
	case protocol.MessageTypeFinalized:
		return s.handleFinalizedMessage(ctx, msg)
	case protocol.MessageTypeCancelled:
		return s.handleCancelledMessage(ctx, msg)
	}
	return protocol.ErrUnknownMessageType
}

// handleSenderMessage starts the inbound side of the handshake. A repeated
// sender message triggers a reply resend, throttled by the cooldown.
func (s *TransactionService) handleSenderMessage(ctx context.Context, msg *protocol.Message) error {
	senderMsg := msg.Sender
	txID := senderMsg.TxID

	err := senderMsg.Amount.Validate()
	if err != nil {
		s.logger.Warn("dropping sender message with invalid amount", slogTxID(txID), slogErr(err))
		return nil
	}

	unlock := s.lockTx(txID)
	defer unlock()

	existing, err := s.store.FetchAny(ctx, txID)
	if err == nil {
		if existing.Variant != store.VariantPendingInbound || existing.Inbound.Cancelled {
			s.logger.Debug("dropping duplicate sender message", slogTxID(txID))
			return nil
		}
		return s.resendReply(ctx, existing.Inbound)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	receiverProtocol, err := protocol.NewReceiverProtocol(msg.Source, senderMsg)
	if err != nil {
		s.logger.Warn("dropping invalid sender message", slogTxID(txID), slogErr(err))
		return nil
	}

	inbound := &store.InboundTransaction{
		TxID:             txID,
		SourceAddress:    msg.Source,
		Amount:           senderMsg.Amount,
		ReceiverProtocol: receiverProtocol,
		Status:           store.TxStatusPending,
		Message:          senderMsg.Message,
		Timestamp:        s.now().UTC(),
	}

	err = s.store.InsertInbound(ctx, inbound)
	if err != nil {
		return err
	}

	err = s.outputs.AddPendingOutput(ctx, txID, receiverProtocol.Output(), senderMsg.Amount)
	if err != nil {
		s.logger.Warn("failed to register pending output", slogTxID(txID), slogErr(err))
	}

	reply := receiverProtocol.BuildReply()

	s.sendPendingMessage(ctx, txID, msg.Source, &protocol.Message{
		ID:     uuid.NewString(),
		Type:   protocol.MessageTypeReply,
		Source: s.ownAddress,
		Reply:  reply,
	})

	s.publish(ReceivedTransaction{TxID: txID, Source: msg.Source, Amount: senderMsg.Amount})
	return nil
}

// resendReply answers a repeated sender message. Within the cooldown the
// duplicate is ignored so a retransmitting peer cannot make the wallet spam.
func (s *TransactionService) resendReply(ctx context.Context, inbound *store.InboundTransaction) error {
	if s.inSendCooldown(inbound.TxID) {
		s.logger.Debug("reply resend suppressed by cooldown", slogTxID(inbound.TxID))
		return nil
	}

	reply := inbound.ReceiverProtocol.BuildReply()

	s.sendPendingMessage(ctx, inbound.TxID, inbound.SourceAddress, &protocol.Message{
		ID:     uuid.NewString(),
		Type:   protocol.MessageTypeReply,
		Source: s.ownAddress,
		Reply:  reply,
	})
	return nil
}

// handleReplyMessage advances the outbound protocol to Completed and sends
// the finalized transaction back over both transports.
func (s *TransactionService) handleReplyMessage(ctx context.Context, msg *protocol.Message) error {
	txID := msg.Reply.TxID

	unlock := s.lockTx(txID)
	defer unlock()

	outbound, err := s.store.FetchOutbound(ctx, txID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("dropping reply for unknown transaction", slogTxID(txID))
			return nil
		}
		return err
	}
	if outbound.Cancelled {
		s.logger.Debug("dropping reply for cancelled transaction", slogTxID(txID))
		return nil
	}

	senderProtocol := outbound.SenderProtocol
	err = senderProtocol.ReceiveReply(msg.Reply)
	if err != nil {
		s.logger.Warn("dropping invalid reply", slogTxID(txID), slogErr(err))
		return nil
	}

	tx, err := senderProtocol.Transaction()
	if err != nil {
		return err
	}

	completed := &store.CompletedTransaction{
		TxID:                 txID,
		SourceAddress:        s.ownAddress,
		DestinationAddress:   outbound.DestinationAddress,
		Amount:               outbound.Amount,
		Fee:                  outbound.Fee,
		Transaction:          tx,
		Status:               store.TxStatusCompleted,
		Message:              outbound.Message,
		Timestamp:            s.now().UTC(),
		Direction:            store.DirectionOutbound,
		SendCount:            outbound.SendCount,
		LastSendTimestamp:    outbound.LastSendTimestamp,
		TransactionSignature: tx.FirstKernelSignature(),
		Valid:                true,
	}

	err = s.store.CompleteOutbound(ctx, txID, completed)
	if err != nil {
		return err
	}

	s.publish(ReceivedTransactionReply{TxID: txID})

	s.sendFinalizedMessage(ctx, txID, outbound.DestinationAddress, tx)
	s.startBroadcastTask(txID)
	return nil
}

// sendFinalizedMessage always goes out on both transports. The receiver must
// learn the final transaction or its funds stay pending forever, so delivery
// odds win over duplicate suppression here.
func (s *TransactionService) sendFinalizedMessage(ctx context.Context, txID protocol.TxID, peer protocol.Address, tx *protocol.Transaction) {
	msg := &protocol.Message{
		ID:        uuid.NewString(),
		Type:      protocol.MessageTypeFinalized,
		Source:    s.ownAddress,
		Finalized: &protocol.FinalizedMessage{TxID: txID, Transaction: tx},
	}

	err := s.sendDirect(ctx, peer, msg)
	if err != nil {
		s.logger.Info("direct finalized send failed", slogTxID(txID), slogErr(err))
	}
	err = s.dispatcher.SendStoreAndForward(ctx, peer, msg)
	if err != nil {
		s.logger.Info("store and forward finalized send failed", slogTxID(txID), slogErr(err))
	}
}

// handleFinalizedMessage advances the inbound protocol to Completed. A
// finalized transaction that does not match what the receiver signed leaves
// the pending record untouched.
func (s *TransactionService) handleFinalizedMessage(ctx context.Context, msg *protocol.Message) error {
	txID := msg.Finalized.TxID

	unlock := s.lockTx(txID)
	defer unlock()

	inbound, err := s.store.FetchInbound(ctx, txID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("dropping finalized transaction for unknown transaction", slogTxID(txID))
			return nil
		}
		return err
	}
	if inbound.Cancelled {
		s.logger.Debug("dropping finalized transaction for cancelled transaction", slogTxID(txID))
		return nil
	}

	receiverProtocol := inbound.ReceiverProtocol
	err = receiverProtocol.ReceiveFinalizedTransaction(msg.Finalized.Transaction)
	if err != nil {
		s.logger.Warn("rejecting mismatched finalized transaction", slogTxID(txID), slogErr(err))
		s.publishError(txID, "finalized transaction does not match the reply this wallet signed")
		return nil
	}

	tx := msg.Finalized.Transaction
	completed := &store.CompletedTransaction{
		TxID:                 txID,
		SourceAddress:        inbound.SourceAddress,
		DestinationAddress:   s.ownAddress,
		Amount:               inbound.Amount,
		Fee:                  tx.Kernel.Fee,
		Transaction:          tx,
		Status:               store.TxStatusCompleted,
		Message:              inbound.Message,
		Timestamp:            s.now().UTC(),
		Direction:            store.DirectionInbound,
		SendCount:            inbound.SendCount,
		LastSendTimestamp:    inbound.LastSendTimestamp,
		TransactionSignature: tx.FirstKernelSignature(),
		Valid:                true,
	}

	err = s.store.CompleteInbound(ctx, txID, completed)
	if err != nil {
		return err
	}

	s.publish(ReceivedFinalizedTransaction{TxID: txID})
	s.startBroadcastTask(txID)
	return nil
}

// handleCancelledMessage soft cancels a pending transaction, but only when
// the message's source is the stored counterparty. A forged source is
// ignored.
func (s *TransactionService) handleCancelledMessage(ctx context.Context, msg *protocol.Message) error {
	txID := msg.Cancelled.TxID

	unlock := s.lockTx(txID)
	defer unlock()

	tx, err := s.store.FetchAny(ctx, txID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.logger.Debug("dropping cancellation for unknown transaction", slogTxID(txID))
			return nil
		}
		return err
	}

	switch tx.Variant {
	case store.VariantPendingOutbound:
		if tx.Outbound.DestinationAddress != msg.Source {
			s.logger.Warn("ignoring cancellation from wrong source",
				slogTxID(txID), "claimed_source", string(msg.Source))
			return nil
		}
		if tx.Outbound.Cancelled {
			return nil
		}
		err = s.store.CancelOutbound(ctx, txID)
		if err != nil {
			return err
		}
		s.releaseOutputs(ctx, txID)

	case store.VariantPendingInbound:
		if tx.Inbound.SourceAddress != msg.Source {
			s.logger.Warn("ignoring cancellation from wrong source",
				slogTxID(txID), "claimed_source", string(msg.Source))
			return nil
		}
		if tx.Inbound.Cancelled {
			return nil
		}
		err = s.store.CancelInbound(ctx, txID)
		if err != nil {
			return err
		}
		s.releaseOutputs(ctx, txID)

	default:
		// completed transactions are past the point of peer cancellation
		s.logger.Debug("dropping cancellation for completed transaction", slogTxID(txID))
		return nil
	}

	s.publish(TransactionCancelled{TxID: txID, Reason: store.ReasonUserCancelled})
	return nil
}
