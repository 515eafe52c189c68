package txservice

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mimblewallet/walletd/internal/protocol"
	"github.com/mimblewallet/walletd/internal/txservice/store"
)

// RestartTransactionProtocols resends the outstanding protocol message of
// every pending record that is already overdue. Called once on startup so
// messages lost across a restart go out immediately instead of waiting for
// the next scheduler tick.
func (s *TransactionService) RestartTransactionProtocols(ctx context.Context) error {
	return s.resendOverduePending(ctx)
}

// StartResendScheduler periodically resends the outstanding message of
// pending records whose last send is older than the resend period.
func (s *TransactionService) StartResendScheduler() {
	s.waitGroup.Add(1)
	ticker := time.NewTicker(s.resendPeriod)
	go func() {
		defer s.waitGroup.Done()
		defer ticker.Stop()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				err := s.resendOverduePending(s.ctx)
				if err != nil {
					s.logger.Error("resend sweep failed", slogErr(err))
				}
			}
		}
	}()
}

func (s *TransactionService) resendOverduePending(ctx context.Context) error {
	outbound, err := s.store.ListOutbound(ctx, false)
	if err != nil {
		return err
	}
	for _, tx := range outbound {
		if !s.isOverdue(tx.Timestamp, tx.LastSendTimestamp) {
			continue
		}
		err = s.resendOutbound(ctx, tx.TxID)
		if err != nil {
			s.logger.Error("failed to resend sender message", slogTxID(tx.TxID), slogErr(err))
		}
	}

	inbound, err := s.store.ListInbound(ctx, false)
	if err != nil {
		return err
	}
	for _, tx := range inbound {
		if !s.isOverdue(tx.Timestamp, tx.LastSendTimestamp) {
			continue
		}
		err = s.resendInbound(ctx, tx.TxID)
		if err != nil {
			s.logger.Error("failed to resend reply", slogTxID(tx.TxID), slogErr(err))
		}
	}

	return nil
}

// isOverdue checks the last send, or the record's creation when nothing was
// ever sent, against the resend period.
func (s *TransactionService) isOverdue(created time.Time, lastSend *time.Time) bool {
	reference := created
	if lastSend != nil {
		reference = *lastSend
	}
	return s.now().Sub(reference) > s.resendPeriod
}

func (s *TransactionService) resendOutbound(ctx context.Context, txID protocol.TxID) error {
	unlock := s.lockTx(txID)
	defer unlock()

	tx, err := s.store.FetchOutbound(ctx, txID)
	if err != nil {
		return err
	}
	if tx.Cancelled {
		return nil
	}

	senderMsg, err := tx.SenderProtocol.BuildSenderMessage()
	if err != nil {
		return err
	}

	s.sendPendingMessage(ctx, txID, tx.DestinationAddress, &protocol.Message{
		ID:     uuid.NewString(),
		Type:   protocol.MessageTypeSender,
		Source: s.ownAddress,
		Sender: senderMsg,
	})
	return nil
}

func (s *TransactionService) resendInbound(ctx context.Context, txID protocol.TxID) error {
	unlock := s.lockTx(txID)
	defer unlock()

	tx, err := s.store.FetchInbound(ctx, txID)
	if err != nil {
		return err
	}
	if tx.Cancelled {
		return nil
	}

	reply := tx.ReceiverProtocol.BuildReply()

	s.sendPendingMessage(ctx, txID, tx.SourceAddress, &protocol.Message{
		ID:     uuid.NewString(),
		Type:   protocol.MessageTypeReply,
		Source: s.ownAddress,
		Reply:  reply,
	})
	return nil
}

// StartCancellationScheduler auto cancels pending transactions older than
// the pending cancellation timeout.
func (s *TransactionService) StartCancellationScheduler() {
	s.waitGroup.Add(1)
	ticker := time.NewTicker(s.chainMonitoringInterval)
	go func() {
		defer s.waitGroup.Done()
		defer ticker.Stop()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				err := s.cancelTimedOutPending(s.ctx)
				if err != nil {
					s.logger.Error("cancellation sweep failed", slogErr(err))
				}
			}
		}
	}()
}

func (s *TransactionService) cancelTimedOutPending(ctx context.Context) error {
	cutoff := s.now().Add(-s.pendingCancellationTimeout)

	outbound, err := s.store.ListOutbound(ctx, false)
	if err != nil {
		return err
	}
	for _, tx := range outbound {
		if !tx.Timestamp.Before(cutoff) {
			continue
		}
		err = s.timeoutOutbound(ctx, tx.TxID)
		if err != nil {
			s.logger.Error("failed to cancel timed out transaction", slogTxID(tx.TxID), slogErr(err))
		}
	}

	inbound, err := s.store.ListInbound(ctx, false)
	if err != nil {
		return err
	}
	for _, tx := range inbound {
		if !tx.Timestamp.Before(cutoff) {
			continue
		}
		err = s.timeoutInbound(ctx, tx.TxID)
		if err != nil {
			s.logger.Error("failed to cancel timed out transaction", slogTxID(tx.TxID), slogErr(err))
		}
	}

	return nil
}

func (s *TransactionService) timeoutOutbound(ctx context.Context, txID protocol.TxID) error {
	unlock := s.lockTx(txID)
	defer unlock()

	tx, err := s.store.FetchOutbound(ctx, txID)
	if err != nil {
		return err
	}
	if tx.Cancelled {
		return nil
	}

	err = s.store.CancelOutbound(ctx, txID)
	if err != nil {
		return err
	}
	s.releaseOutputs(ctx, txID)
	s.notifyCancellation(ctx, txID, tx.DestinationAddress)
	s.publish(TransactionCancelled{TxID: txID, Reason: store.ReasonTimeout})
	return nil
}

func (s *TransactionService) timeoutInbound(ctx context.Context, txID protocol.TxID) error {
	unlock := s.lockTx(txID)
	defer unlock()

	tx, err := s.store.FetchInbound(ctx, txID)
	if err != nil {
		return err
	}
	if tx.Cancelled {
		return nil
	}

	err = s.store.CancelInbound(ctx, txID)
	if err != nil {
		return err
	}
	s.releaseOutputs(ctx, txID)
	s.notifyCancellation(ctx, txID, tx.SourceAddress)
	s.publish(TransactionCancelled{TxID: txID, Reason: store.ReasonTimeout})
	return nil
}
