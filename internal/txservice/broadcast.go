package txservice

import (
	"context"
	"errors"
	"time"

	"github.com/mimblewallet/walletd/internal/basenode"
	"github.com/mimblewallet/walletd/internal/protocol"
	"github.com/mimblewallet/walletd/internal/txservice/store"
)

// RestartBroadcastProtocols starts a broadcast task for every stored
// transaction still awaiting chain confirmation. Safe to call repeatedly, a
// transaction with a running task is skipped.
func (s *TransactionService) RestartBroadcastProtocols(ctx context.Context) error {
	txs, err := s.store.UnconfirmedTransactions(ctx)
	if err != nil {
		return err
	}

	for _, tx := range txs {
		s.startBroadcastTask(tx.TxID)
	}
	return nil
}

// startBroadcastTask launches the per transaction broadcast and monitoring
// goroutine. At most one task runs per tx id, a duplicate start is a no-op.
func (s *TransactionService) startBroadcastTask(txID protocol.TxID) {
	s.broadcastMu.Lock()
	if _, active := s.activeBroadcast[txID]; active {
		s.broadcastMu.Unlock()
		return
	}
	s.activeBroadcast[txID] = struct{}{}
	s.broadcastMu.Unlock()

	s.waitGroup.Add(1)
	go func() {
		defer s.waitGroup.Done()
		defer func() {
			s.broadcastMu.Lock()
			delete(s.activeBroadcast, txID)
			s.broadcastMu.Unlock()
			s.clearMempoolSeen(txID)
		}()

		s.runBroadcastTask(txID)
	}()
}

// ActiveBroadcastTasks reports how many per transaction tasks are running.
func (s *TransactionService) ActiveBroadcastTasks() int {
	s.broadcastMu.Lock()
	defer s.broadcastMu.Unlock()
	return len(s.activeBroadcast)
}

func (s *TransactionService) runBroadcastTask(txID protocol.TxID) {
	ticker := time.NewTicker(s.pollInterval())
	defer ticker.Stop()

	for {
		done := s.broadcastStep(s.ctx, txID)
		if done {
			return
		}

		// the interval tracks low power mode switches between polls
		ticker.Reset(s.pollInterval())

		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// broadcastStep advances the transaction one step towards confirmation and
// reports whether the task is finished.
func (s *TransactionService) broadcastStep(ctx context.Context, txID protocol.TxID) bool {
	unlock := s.lockTx(txID)
	defer unlock()

	tx, err := s.store.FetchCompleted(ctx, txID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return true
		}
		s.logger.Error("broadcast step failed to load transaction", slogTxID(txID), slogErr(err))
		return false
	}

	if tx.IsCancelled() {
		return true
	}

	switch tx.Status {
	case store.TxStatusCompleted:
		return s.submitTransaction(ctx, tx)
	case store.TxStatusBroadcast, store.TxStatusMinedUnconfirmed, store.TxStatusCoinbase,
		store.TxStatusImported, store.TxStatusFauxUnconfirmed:
		return s.checkChainState(ctx, tx)
	default:
		// confirmed or rejected, nothing left to drive
		return true
	}
}

// submitTransaction pushes a Completed transaction to the base node and acts
// on the verdict. Network failures and retryable rejections leave the
// transaction as is for the next tick.
func (s *TransactionService) submitTransaction(ctx context.Context, tx *store.CompletedTransaction) bool {
	submitCtx, cancel := context.WithTimeout(ctx, s.broadcastSendTimeout)
	defer cancel()

	result, err := s.node.SubmitTransaction(submitCtx, tx.Transaction)
	if err != nil {
		s.logger.Warn("transaction submission failed, will retry", slogTxID(tx.TxID), slogErr(err))
		return false
	}

	if result.Accepted {
		err = s.store.BroadcastCompleted(ctx, tx.TxID)
		if err != nil {
			s.logger.Error("failed to record broadcast", slogTxID(tx.TxID), slogErr(err))
			return false
		}
		s.publish(TransactionBroadcast{TxID: tx.TxID})
		return false
	}

	switch result.Rejection {
	case basenode.RejectionOrphan, basenode.RejectionTimeLocked:
		s.logger.Info("submission rejected, retrying later",
			slogTxID(tx.TxID), "reason", result.Rejection.String())
		return false

	case basenode.RejectionAlreadyMined:
		// the chain already has it, monitoring will pick the block up
		return false

	default:
		reason := rejectionToCancellation(result.Rejection)
		s.logger.Warn("submission rejected permanently",
			slogTxID(tx.TxID), "reason", result.Rejection.String())

		err = s.store.RejectCompleted(ctx, tx.TxID, reason)
		if err != nil {
			s.logger.Error("failed to reject transaction", slogTxID(tx.TxID), slogErr(err))
			return false
		}
		if tx.Direction == store.DirectionOutbound {
			s.releaseOutputs(ctx, tx.TxID)
		}
		s.publish(TransactionCancelled{TxID: tx.TxID, Reason: reason})
		return true
	}
}

// checkChainState polls the node for the transaction's current location and
// applies the resulting status move.
func (s *TransactionService) checkChainState(ctx context.Context, tx *store.CompletedTransaction) bool {
	results, err := s.node.QueryTransactions(ctx, []protocol.Signature{tx.TransactionSignature})
	if err != nil {
		s.logger.Warn("transaction query failed, will retry", slogTxID(tx.TxID), slogErr(err))
		return false
	}
	if len(results) == 0 {
		return false
	}

	return s.applyQueryResult(ctx, tx, results[0])
}

// applyQueryResult moves the stored record according to where the chain says
// the transaction is. Callers hold the tx lock.
func (s *TransactionService) applyQueryResult(ctx context.Context, tx *store.CompletedTransaction, result *basenode.TxQueryResult) bool {
	switch result.Location {
	case basenode.LocationMined:
		s.clearMempoolSeen(tx.TxID)
		return s.applyMined(ctx, tx, result)

	case basenode.LocationInMempool:
		return s.applyInMempool(ctx, tx)

	default: // NotStored
		s.clearMempoolSeen(tx.TxID)
		return s.applyNotStored(ctx, tx)
	}
}

// applyInMempool watches for a transaction the mempool accepted but the chain
// never picks up. After the tip advances past the staleness window the
// transaction is pushed to the node again.
func (s *TransactionService) applyInMempool(ctx context.Context, tx *store.CompletedTransaction) bool {
	tip, err := s.node.GetTipInfo(ctx)
	if err != nil {
		s.logger.Warn("failed to query tip while transaction sits in mempool",
			slogTxID(tx.TxID), slogErr(err))
		return false
	}

	s.mempoolMu.Lock()
	firstSeen, ok := s.mempoolSeen[tx.TxID]
	if !ok {
		s.mempoolSeen[tx.TxID] = tip.Height
		s.mempoolMu.Unlock()
		return false
	}
	s.mempoolMu.Unlock()

	if tip.Height <= firstSeen+s.mempoolStalenessHeight {
		return false
	}

	s.logger.Info("transaction stale in mempool, resubmitting", slogTxID(tx.TxID),
		"first_seen_height", firstSeen, "tip_height", tip.Height)

	// restart the staleness window from the next sighting
	s.clearMempoolSeen(tx.TxID)
	return s.submitTransaction(ctx, tx)
}

func (s *TransactionService) clearMempoolSeen(txID protocol.TxID) {
	s.mempoolMu.Lock()
	delete(s.mempoolSeen, txID)
	s.mempoolMu.Unlock()
}

func (s *TransactionService) applyMined(ctx context.Context, tx *store.CompletedTransaction, result *basenode.TxQueryResult) bool {
	isFaux := tx.Status.IsFaux() || tx.Status == store.TxStatusImported
	confirmed := result.Confirmations >= s.requiredConfirmations

	// skip the write when nothing changed since the last poll
	unchanged := tx.MinedHeight != nil && *tx.MinedHeight == result.BlockHeight &&
		tx.Confirmations != nil && *tx.Confirmations == result.Confirmations
	if unchanged && !confirmed {
		return false
	}

	err := s.store.UpdateMinedHeight(ctx, tx.TxID, store.MinedUpdate{
		Height:        result.BlockHeight,
		BlockHash:     result.BlockHash,
		MinedAt:       result.MinedAt,
		Confirmations: result.Confirmations,
		IsConfirmed:   confirmed,
		IsFaux:        isFaux,
	})
	if err != nil {
		s.logger.Error("failed to record mined height", slogTxID(tx.TxID), slogErr(err))
		return false
	}

	if !confirmed {
		s.publish(TransactionMinedUnconfirmed{TxID: tx.TxID, Confirmations: result.Confirmations})
		return false
	}

	err = s.outputs.ConfirmMinedOutputs(ctx, tx.TxID)
	if err != nil {
		s.logger.Warn("failed to confirm mined outputs", slogTxID(tx.TxID), slogErr(err))
	}

	s.publish(TransactionMined{TxID: tx.TxID})
	return true
}

// applyNotStored handles a transaction the node no longer knows about. For a
// previously mined transaction that means a chain reorg.
func (s *TransactionService) applyNotStored(ctx context.Context, tx *store.CompletedTransaction) bool {
	if tx.MinedHeight == nil {
		// never mined. A broadcast transaction the mempool dropped gets
		// resubmitted, everything else keeps waiting for its block.
		if tx.Status == store.TxStatusBroadcast {
			return s.submitTransaction(ctx, tx)
		}
		return false
	}

	if tx.CoinbaseBlockHeight != nil {
		return s.rollBackCoinbase(ctx, tx)
	}

	s.logger.Info("transaction reorged out, rolling back", slogTxID(tx.TxID),
		"mined_height", *tx.MinedHeight)

	err := s.store.SetUnmined(ctx, tx.TxID)
	if err != nil {
		s.logger.Error("failed to roll back mined transaction", slogTxID(tx.TxID), slogErr(err))
	}
	return false
}

// rollBackCoinbase decides between waiting out a reorg and abandoning the
// coinbase. Once the chain tip is past the safety window the reward is not
// coming back.
func (s *TransactionService) rollBackCoinbase(ctx context.Context, tx *store.CompletedTransaction) bool {
	tip, err := s.node.GetTipInfo(ctx)
	if err != nil {
		s.logger.Warn("failed to query tip during coinbase rollback", slogTxID(tx.TxID), slogErr(err))
		return false
	}

	if tip.Height > *tx.CoinbaseBlockHeight+s.coinbaseSafetyHeight {
		err = s.store.RejectCompleted(ctx, tx.TxID, store.ReasonAbandonedCoinbase)
		if err != nil {
			s.logger.Error("failed to abandon coinbase", slogTxID(tx.TxID), slogErr(err))
			return false
		}
		s.releaseOutputs(ctx, tx.TxID)
		s.publish(TransactionCancelled{TxID: tx.TxID, Reason: store.ReasonAbandonedCoinbase})
		return true
	}

	err = s.store.SetUnmined(ctx, tx.TxID)
	if err != nil {
		s.logger.Error("failed to roll back coinbase", slogTxID(tx.TxID), slogErr(err))
	}
	return false
}

// ValidateTransactions batch queries every unconfirmed transaction against
// the current base node and applies the results. Used on startup and when
// switching base nodes to resynchronise in one sweep instead of waiting for
// each task's next poll.
func (s *TransactionService) ValidateTransactions(ctx context.Context) error {
	txs, err := s.store.UnconfirmedTransactions(ctx)
	if err != nil {
		return err
	}

	bySignature := make(map[string]*store.CompletedTransaction, len(txs))
	var queryable []*store.CompletedTransaction
	for _, tx := range txs {
		if tx.Status == store.TxStatusCompleted {
			// not submitted yet, nothing to look up
			continue
		}
		bySignature[string(tx.TransactionSignature)] = tx
		queryable = append(queryable, tx)
	}

	for start := 0; start < len(queryable); start += s.maxTxQueryBatchSize {
		end := min(start+s.maxTxQueryBatchSize, len(queryable))

		batch := make([]protocol.Signature, 0, end-start)
		for _, tx := range queryable[start:end] {
			batch = append(batch, tx.TransactionSignature)
		}

		results, err := s.node.QueryTransactions(ctx, batch)
		if err != nil {
			return err
		}

		for _, result := range results {
			tx, ok := bySignature[string(result.Signature)]
			if !ok {
				continue
			}

			unlock := s.lockTx(tx.TxID)
			// re-fetch under the lock so a result computed against a stale
			// snapshot cannot clobber a state change from a concurrent task
			current, err := s.store.FetchCompleted(ctx, tx.TxID)
			if err != nil || current.IsCancelled() {
				unlock()
				continue
			}
			s.applyQueryResult(ctx, current, result)
			unlock()
		}
	}

	return nil
}

func rejectionToCancellation(reason basenode.RejectionReason) store.CancellationReason {
	switch reason {
	case basenode.RejectionDoubleSpend:
		return store.ReasonDoubleSpend
	case basenode.RejectionOrphan:
		return store.ReasonOrphan
	case basenode.RejectionTimeLocked:
		return store.ReasonTimeLocked
	default:
		return store.ReasonInvalidTransaction
	}
}
