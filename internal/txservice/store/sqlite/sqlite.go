// Package sqlite is the production TransactionBackend. Protocol state and
// user messages are encrypted with the wallet cipher before they touch disk.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/mimblewallet/walletd/internal/cipher"
	"github.com/mimblewallet/walletd/internal/protocol"
	"github.com/mimblewallet/walletd/internal/txservice/store"
)

const timeFormat = time.RFC3339Nano

type SQLiteStore struct {
	db     *sql.DB
	cipher *cipher.Cipher
	now    func() time.Time
}

func WithNow(nowFunc func() time.Time) func(*SQLiteStore) {
	return func(s *SQLiteStore) {
		s.now = nowFunc
	}
}

// New opens (or creates) the wallet transaction database. The cipher is set
// once here and never replaced; a key mismatch shows up as a decryption
// failure on fetch.
func New(inMemory bool, folder string, walletCipher *cipher.Cipher, opts ...func(*SQLiteStore)) (*SQLiteStore, error) {
	var err error
	var filename string
	if inMemory {
		filename = fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	} else {
		filename, err = filepath.Abs(path.Join(folder, "transactions.db"))
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for sqlite DB: %w", err)
		}
		filename = fmt.Sprintf("%s?cache=shared&_pragma=busy_timeout=10000&_pragma=journal_mode=WAL", filename)
	}

	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite DB: %w", err)
	}

	if _, err = db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("could not enable foreign keys support: %w", err)
	}

	if err = createSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteStore{
		db:     db,
		cipher: walletCipher,
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

func createSchema(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS outbound_transactions (
		tx_id INTEGER PRIMARY KEY,
		destination_address TEXT NOT NULL,
		amount BIGINT NOT NULL,
		fee BIGINT NOT NULL,
		sender_protocol BLOB NOT NULL,
		status INTEGER NOT NULL,
		message BLOB,
		timestamp TEXT NOT NULL,
		cancelled INTEGER NOT NULL DEFAULT 0,
		direct_send_success INTEGER NOT NULL DEFAULT 0,
		send_count INTEGER NOT NULL DEFAULT 0,
		last_send_timestamp TEXT
		);
	`); err != nil {
		return fmt.Errorf("could not create outbound_transactions table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS inbound_transactions (
		tx_id INTEGER PRIMARY KEY,
		source_address TEXT NOT NULL,
		amount BIGINT NOT NULL,
		receiver_protocol BLOB NOT NULL,
		status INTEGER NOT NULL,
		message BLOB,
		timestamp TEXT NOT NULL,
		cancelled INTEGER NOT NULL DEFAULT 0,
		direct_send_success INTEGER NOT NULL DEFAULT 0,
		send_count INTEGER NOT NULL DEFAULT 0,
		last_send_timestamp TEXT
		);
	`); err != nil {
		return fmt.Errorf("could not create inbound_transactions table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS completed_transactions (
		tx_id INTEGER PRIMARY KEY,
		source_address TEXT NOT NULL,
		destination_address TEXT NOT NULL,
		amount BIGINT NOT NULL,
		fee BIGINT NOT NULL,
		transaction_protocol BLOB NOT NULL,
		status INTEGER NOT NULL,
		message BLOB,
		timestamp TEXT NOT NULL,
		cancelled INTEGER,
		direction INTEGER NOT NULL,
		coinbase_block_height BIGINT,
		send_count INTEGER NOT NULL DEFAULT 0,
		last_send_timestamp TEXT,
		confirmations BIGINT,
		mined_height BIGINT,
		mined_in_block BLOB,
		mined_timestamp TEXT,
		transaction_signature BLOB NOT NULL,
		valid INTEGER NOT NULL DEFAULT 1
		);
	`); err != nil {
		return fmt.Errorf("could not create completed_transactions table: %w", err)
	}

	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) InsertOutbound(ctx context.Context, tx *store.OutboundTransaction) error {
	if err := tx.Amount.Validate(); err != nil {
		return err
	}
	if err := tx.Fee.Validate(); err != nil {
		return err
	}

	senderBlob, err := s.encryptJSON(tx.SenderProtocol)
	if err != nil {
		return err
	}
	messageBlob, err := s.encrypt([]byte(tx.Message))
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO outbound_transactions (
		 tx_id, destination_address, amount, fee, sender_protocol, status,
		 message, timestamp, cancelled, direct_send_success, send_count, last_send_timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		encodeTxID(tx.TxID), string(tx.DestinationAddress), int64(tx.Amount), int64(tx.Fee),
		senderBlob, int(tx.Status), messageBlob, encodeTime(tx.Timestamp),
		boolToInt(tx.Cancelled), boolToInt(tx.DirectSendSuccess), tx.SendCount, encodeTimePtr(tx.LastSendTimestamp),
	)
	return mapInsertError(err)
}

func (s *SQLiteStore) InsertInbound(ctx context.Context, tx *store.InboundTransaction) error {
	if err := tx.Amount.Validate(); err != nil {
		return err
	}

	receiverBlob, err := s.encryptJSON(tx.ReceiverProtocol)
	if err != nil {
		return err
	}
	messageBlob, err := s.encrypt([]byte(tx.Message))
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO inbound_transactions (
		 tx_id, source_address, amount, receiver_protocol, status,
		 message, timestamp, cancelled, direct_send_success, send_count, last_send_timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		encodeTxID(tx.TxID), string(tx.SourceAddress), int64(tx.Amount),
		receiverBlob, int(tx.Status), messageBlob, encodeTime(tx.Timestamp),
		boolToInt(tx.Cancelled), boolToInt(tx.DirectSendSuccess), tx.SendCount, encodeTimePtr(tx.LastSendTimestamp),
	)
	return mapInsertError(err)
}

func (s *SQLiteStore) InsertCompleted(ctx context.Context, tx *store.CompletedTransaction) error {
	return s.insertCompletedQuerier(ctx, s.db, tx)
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) insertCompletedQuerier(ctx context.Context, q querier, tx *store.CompletedTransaction) error {
	if err := tx.Amount.Validate(); err != nil {
		return err
	}
	if err := tx.Fee.Validate(); err != nil {
		return err
	}

	txBlob, err := s.encryptJSON(tx.Transaction)
	if err != nil {
		return err
	}
	messageBlob, err := s.encrypt([]byte(tx.Message))
	if err != nil {
		return err
	}
	coinbaseHeight, err := encodeUint64Ptr(tx.CoinbaseBlockHeight)
	if err != nil {
		return err
	}
	confirmations, err := encodeUint64Ptr(tx.Confirmations)
	if err != nil {
		return err
	}
	minedHeight, err := encodeUint64Ptr(tx.MinedHeight)
	if err != nil {
		return err
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO completed_transactions (
		 tx_id, source_address, destination_address, amount, fee,
		 transaction_protocol, status, message, timestamp, cancelled, direction,
		 coinbase_block_height, send_count, last_send_timestamp, confirmations,
		 mined_height, mined_in_block, mined_timestamp, transaction_signature, valid
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		encodeTxID(tx.TxID), string(tx.SourceAddress), string(tx.DestinationAddress),
		int64(tx.Amount), int64(tx.Fee), txBlob, int(tx.Status), messageBlob,
		encodeTime(tx.Timestamp), encodeReasonPtr(tx.Cancelled), int(tx.Direction),
		coinbaseHeight, tx.SendCount, encodeTimePtr(tx.LastSendTimestamp),
		confirmations, minedHeight, tx.MinedInBlock,
		encodeTimePtr(tx.MinedTimestamp), []byte(tx.TransactionSignature), boolToInt(tx.Valid),
	)
	return mapInsertError(err)
}

func (s *SQLiteStore) FetchOutbound(ctx context.Context, txID protocol.TxID) (*store.OutboundTransaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tx_id, destination_address, amount, fee, sender_protocol, status,
		 message, timestamp, cancelled, direct_send_success, send_count, last_send_timestamp
		FROM outbound_transactions WHERE tx_id = ?`, encodeTxID(txID))

	return s.scanOutbound(row)
}

func (s *SQLiteStore) FetchInbound(ctx context.Context, txID protocol.TxID) (*store.InboundTransaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tx_id, source_address, amount, receiver_protocol, status,
		 message, timestamp, cancelled, direct_send_success, send_count, last_send_timestamp
		FROM inbound_transactions WHERE tx_id = ?`, encodeTxID(txID))

	return s.scanInbound(row)
}

func (s *SQLiteStore) FetchCompleted(ctx context.Context, txID protocol.TxID) (*store.CompletedTransaction, error) {
	return s.fetchCompletedQuerier(ctx, s.db, txID)
}

func (s *SQLiteStore) fetchCompletedQuerier(ctx context.Context, q querier, txID protocol.TxID) (*store.CompletedTransaction, error) {
	row := q.QueryRowContext(ctx, selectCompleted+` WHERE tx_id = ?`, encodeTxID(txID))
	return s.scanCompleted(row)
}

func (s *SQLiteStore) FetchAny(ctx context.Context, txID protocol.TxID) (*store.AnyTransaction, error) {
	outbound, err := s.FetchOutbound(ctx, txID)
	if err == nil {
		return &store.AnyTransaction{Variant: store.VariantPendingOutbound, Outbound: outbound}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	inbound, err := s.FetchInbound(ctx, txID)
	if err == nil {
		return &store.AnyTransaction{Variant: store.VariantPendingInbound, Inbound: inbound}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	completed, err := s.FetchCompleted(ctx, txID)
	if err == nil {
		return &store.AnyTransaction{Variant: store.VariantCompleted, Completed: completed}, nil
	}
	return nil, err
}

func (s *SQLiteStore) ListOutbound(ctx context.Context, cancelled bool) ([]*store.OutboundTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tx_id, destination_address, amount, fee, sender_protocol, status,
		 message, timestamp, cancelled, direct_send_success, send_count, last_send_timestamp
		FROM outbound_transactions WHERE cancelled = ?`, boolToInt(cancelled))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*store.OutboundTransaction
	for rows.Next() {
		tx, err := s.scanOutbound(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) ListInbound(ctx context.Context, cancelled bool) ([]*store.InboundTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tx_id, source_address, amount, receiver_protocol, status,
		 message, timestamp, cancelled, direct_send_success, send_count, last_send_timestamp
		FROM inbound_transactions WHERE cancelled = ?`, boolToInt(cancelled))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*store.InboundTransaction
	for rows.Next() {
		tx, err := s.scanInbound(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) ListCompleted(ctx context.Context, cancelled bool) ([]*store.CompletedTransaction, error) {
	clause := ` WHERE cancelled IS NULL`
	if cancelled {
		clause = ` WHERE cancelled IS NOT NULL`
	}

	return s.queryCompleted(ctx, selectCompleted+clause)
}

func (s *SQLiteStore) RemoveOutbound(ctx context.Context, txID protocol.TxID) (*store.OutboundTransaction, error) {
	tx, err := s.FetchOutbound(ctx, txID)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `DELETE FROM outbound_transactions WHERE tx_id = ?`, encodeTxID(txID))
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *SQLiteStore) RemoveInbound(ctx context.Context, txID protocol.TxID) (*store.InboundTransaction, error) {
	tx, err := s.FetchInbound(ctx, txID)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `DELETE FROM inbound_transactions WHERE tx_id = ?`, encodeTxID(txID))
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// RemoveCompleted is deliberately unsupported: completed transactions are the
// wallet's audit trail and may only be cancelled.
func (s *SQLiteStore) RemoveCompleted(_ context.Context, _ protocol.TxID) (*store.CompletedTransaction, error) {
	return nil, store.ErrOperationNotSupported
}
