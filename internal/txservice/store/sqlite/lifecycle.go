package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ccoveille/go-safecast"

	"github.com/mimblewallet/walletd/internal/protocol"
	"github.com/mimblewallet/walletd/internal/txservice/store"
)

// CompleteOutbound deletes the pending outbound record and inserts the
// completed one under a single storage transaction, so no reader can observe
// a state with neither record present.
func (s *SQLiteStore) CompleteOutbound(ctx context.Context, txID protocol.TxID, completed *store.CompletedTransaction) error {
	return s.completePending(ctx, "outbound_transactions", txID, completed)
}

// CompleteInbound is the receiving-side counterpart of CompleteOutbound.
func (s *SQLiteStore) CompleteInbound(ctx context.Context, txID protocol.TxID, completed *store.CompletedTransaction) error {
	return s.completePending(ctx, "inbound_transactions", txID, completed)
}

func (s *SQLiteStore) completePending(ctx context.Context, table string, txID protocol.TxID, completed *store.CompletedTransaction) error {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = dbTx.Rollback()
	}()

	// the pending record may have raced with a cancellation
	var cancelled int
	err = dbTx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT cancelled FROM %s WHERE tx_id = ?`, table), encodeTxID(txID)).Scan(&cancelled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	if cancelled != 0 {
		return store.ErrNotFound
	}

	_, err = s.fetchCompletedQuerier(ctx, dbTx, txID)
	if err == nil {
		return store.ErrTransactionAlreadyExists
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if _, err = dbTx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE tx_id = ?`, table), encodeTxID(txID)); err != nil {
		return err
	}

	if err = s.insertCompletedQuerier(ctx, dbTx, completed); err != nil {
		return err
	}

	return dbTx.Commit()
}

func (s *SQLiteStore) CancelOutbound(ctx context.Context, txID protocol.TxID) error {
	return s.cancelPending(ctx, "outbound_transactions", txID)
}

func (s *SQLiteStore) CancelInbound(ctx context.Context, txID protocol.TxID) error {
	return s.cancelPending(ctx, "inbound_transactions", txID)
}

func (s *SQLiteStore) cancelPending(ctx context.Context, table string, txID protocol.TxID) error {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET cancelled = 1 WHERE tx_id = ? AND cancelled = 0`, table), encodeTxID(txID))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// BroadcastCompleted transitions Completed -> Broadcast. If the status has
// already advanced the call is a no-op; it never regresses a status.
func (s *SQLiteStore) BroadcastCompleted(ctx context.Context, txID protocol.TxID) error {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = dbTx.Rollback()
	}()

	var status int
	var cancelled sql.NullInt64
	err = dbTx.QueryRowContext(ctx,
		`SELECT status, cancelled FROM completed_transactions WHERE tx_id = ?`, encodeTxID(txID)).
		Scan(&status, &cancelled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	if cancelled.Valid {
		return store.ErrNotFound
	}

	if store.TxStatus(status) != store.TxStatusCompleted {
		// already Broadcast or further along
		return dbTx.Commit()
	}

	if _, err = dbTx.ExecContext(ctx,
		`UPDATE completed_transactions SET status = ? WHERE tx_id = ?`,
		int(store.TxStatusBroadcast), encodeTxID(txID)); err != nil {
		return err
	}

	return dbTx.Commit()
}

// RejectCompleted cancels a completed transaction with a reason. Rejecting an
// already-cancelled transaction is a no-op.
func (s *SQLiteStore) RejectCompleted(ctx context.Context, txID protocol.TxID, reason store.CancellationReason) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE completed_transactions SET cancelled = ?, status = ?
		WHERE tx_id = ? AND cancelled IS NULL`,
		int(reason), int(store.TxStatusRejected), encodeTxID(txID))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// distinguish absent from already cancelled
		if _, err := s.FetchCompleted(ctx, txID); err != nil {
			return err
		}
	}
	return nil
}

// UpdateMinedHeight records where the transaction was mined and derives the
// new status. A mined transaction cannot remain cancelled. A confirmed row
// never moves back to unconfirmed here; only SetUnmined rolls it back.
func (s *SQLiteStore) UpdateMinedHeight(ctx context.Context, txID protocol.TxID, update store.MinedUpdate) error {
	status := store.TxStatusMinedUnconfirmed
	switch {
	case update.IsFaux && update.IsConfirmed:
		status = store.TxStatusFauxConfirmed
	case update.IsFaux:
		status = store.TxStatusFauxUnconfirmed
	case update.IsConfirmed:
		status = store.TxStatusMinedConfirmed
	}

	height, err := safecast.ToInt64(update.Height)
	if err != nil {
		return err
	}
	confirmations, err := safecast.ToInt64(update.Confirmations)
	if err != nil {
		return err
	}

	query := `
		UPDATE completed_transactions SET
		 status = ?, mined_height = ?, mined_in_block = ?, mined_timestamp = ?,
		 confirmations = ?, cancelled = NULL, valid = 1
		WHERE tx_id = ?`
	args := []any{
		int(status), height, update.BlockHash, encodeTime(update.MinedAt),
		confirmations, encodeTxID(txID),
	}
	if !update.IsConfirmed {
		query += ` AND status NOT IN (?, ?)`
		args = append(args, int(store.TxStatusMinedConfirmed), int(store.TxStatusFauxConfirmed))
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// confirmed rows are left alone, absent rows are an error
		if _, err := s.FetchCompleted(ctx, txID); err != nil {
			return err
		}
	}
	return nil
}

// SetUnmined rolls a transaction back after a reorg: mined fields are
// cleared and the status returns to its pre-mined value.
func (s *SQLiteStore) SetUnmined(ctx context.Context, txID protocol.TxID) error {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = dbTx.Rollback()
	}()

	var status int
	var coinbaseHeight sql.NullInt64
	err = dbTx.QueryRowContext(ctx,
		`SELECT status, coinbase_block_height FROM completed_transactions WHERE tx_id = ?`, encodeTxID(txID)).
		Scan(&status, &coinbaseHeight)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}

	newStatus := store.TxStatus(status)
	switch {
	case coinbaseHeight.Valid:
		newStatus = store.TxStatusCoinbase
	case store.TxStatus(status).IsFaux():
		newStatus = store.TxStatusFauxUnconfirmed
	case store.TxStatus(status) == store.TxStatusMinedUnconfirmed || store.TxStatus(status) == store.TxStatusMinedConfirmed:
		newStatus = store.TxStatusBroadcast
	}

	if _, err = dbTx.ExecContext(ctx, `
		UPDATE completed_transactions SET
		 status = ?, mined_height = NULL, mined_in_block = NULL,
		 mined_timestamp = NULL, confirmations = NULL, cancelled = NULL
		WHERE tx_id = ?`,
		int(newStatus), encodeTxID(txID)); err != nil {
		return err
	}

	return dbTx.Commit()
}

// CancelCoinbasesAtHeight rejects every coinbase claim for a block height,
// used when the height was mined by someone else.
func (s *SQLiteStore) CancelCoinbasesAtHeight(ctx context.Context, blockHeight uint64) error {
	height, err := safecast.ToInt64(blockHeight)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE completed_transactions SET cancelled = ?, status = ?
		WHERE coinbase_block_height = ? AND status = ? AND cancelled IS NULL`,
		int(store.ReasonAbandonedCoinbase), int(store.TxStatusRejected),
		height, int(store.TxStatusCoinbase))
	return err
}

// FindCoinbaseAtHeight scans active coinbase rows at a height for an amount
// match.
func (s *SQLiteStore) FindCoinbaseAtHeight(ctx context.Context, blockHeight uint64, amount protocol.Amount) (*store.CompletedTransaction, error) {
	height, err := safecast.ToInt64(blockHeight)
	if err != nil {
		return nil, err
	}

	candidates, err := s.queryCompleted(ctx, selectCompleted+`
		WHERE coinbase_block_height = ? AND status = ? AND cancelled IS NULL`,
		height, int(store.TxStatusCoinbase))
	if err != nil {
		return nil, err
	}

	for _, candidate := range candidates {
		if candidate.Amount == amount {
			return candidate, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *SQLiteStore) TransactionsToBeBroadcast(ctx context.Context) ([]*store.CompletedTransaction, error) {
	return s.queryCompleted(ctx, selectCompleted+`
		WHERE status IN (?, ?) AND cancelled IS NULL AND coinbase_block_height IS NULL`,
		int(store.TxStatusCompleted), int(store.TxStatusBroadcast))
}

func (s *SQLiteStore) UnconfirmedTransactions(ctx context.Context) ([]*store.CompletedTransaction, error) {
	return s.queryCompleted(ctx, selectCompleted+`
		WHERE status IN (?, ?, ?, ?, ?, ?) AND cancelled IS NULL`,
		int(store.TxStatusCompleted), int(store.TxStatusBroadcast),
		int(store.TxStatusMinedUnconfirmed), int(store.TxStatusCoinbase),
		int(store.TxStatusImported), int(store.TxStatusFauxUnconfirmed))
}

func (s *SQLiteStore) LastMinedTransaction(ctx context.Context) (*store.CompletedTransaction, error) {
	result, err := s.queryCompleted(ctx, selectCompleted+`
		WHERE mined_in_block IS NOT NULL AND cancelled IS NULL
		ORDER BY mined_height DESC LIMIT 1`)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, nil
	}
	return result[0], nil
}

// IncrementSendCount bumps the send counter of whichever record holds the tx
// id. The increment is a single statement, so concurrent bumps never lose an
// update.
func (s *SQLiteStore) IncrementSendCount(ctx context.Context, txID protocol.TxID) error {
	now := encodeTime(s.now())

	for _, table := range []string{"outbound_transactions", "inbound_transactions", "completed_transactions"} {
		res, err := s.db.ExecContext(ctx,
			fmt.Sprintf(`UPDATE %s SET send_count = send_count + 1, last_send_timestamp = ? WHERE tx_id = ?`, table),
			now, encodeTxID(txID))
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected > 0 {
			return nil
		}
	}

	return store.ErrValuesNotFound
}

// SetDirectSendSuccess marks a pending record as having been delivered
// directly at least once.
func (s *SQLiteStore) SetDirectSendSuccess(ctx context.Context, txID protocol.TxID) error {
	for _, table := range []string{"outbound_transactions", "inbound_transactions"} {
		res, err := s.db.ExecContext(ctx,
			fmt.Sprintf(`UPDATE %s SET direct_send_success = 1 WHERE tx_id = ?`, table), encodeTxID(txID))
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected > 0 {
			return nil
		}
	}

	return store.ErrValuesNotFound
}
