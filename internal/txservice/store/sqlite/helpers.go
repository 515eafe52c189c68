package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ccoveille/go-safecast"

	"github.com/mimblewallet/walletd/internal/protocol"
	"github.com/mimblewallet/walletd/internal/txservice/store"
)

const selectCompleted = `
	SELECT tx_id, source_address, destination_address, amount, fee,
	 transaction_protocol, status, message, timestamp, cancelled, direction,
	 coinbase_block_height, send_count, last_send_timestamp, confirmations,
	 mined_height, mined_in_block, mined_timestamp, transaction_signature, valid
	FROM completed_transactions`

// encodeTxID stores the unsigned 64-bit id as its signed bit pattern; sqlite
// integers are signed.
func encodeTxID(txID protocol.TxID) int64 {
	return int64(uint64(txID))
}

func decodeTxID(raw int64) protocol.TxID {
	return protocol.TxID(uint64(raw))
}

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func decodeTime(raw string) (time.Time, error) {
	return time.Parse(timeFormat, raw)
}

func encodeTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

func encodeUint64Ptr(v *uint64) (any, error) {
	if v == nil {
		return nil, nil
	}
	return safecast.ToInt64(*v)
}

func encodeReasonPtr(r *store.CancellationReason) any {
	if r == nil {
		return nil
	}
	return int(*r)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func mapInsertError(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return errors.Join(store.ErrTransactionAlreadyExists, err)
	}
	return err
}

func (s *SQLiteStore) encrypt(plaintext []byte) ([]byte, error) {
	return s.cipher.Encrypt(plaintext)
}

func (s *SQLiteStore) decrypt(ciphertext []byte) ([]byte, error) {
	return s.cipher.Decrypt(ciphertext)
}

func (s *SQLiteStore) encryptJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return s.cipher.Encrypt(raw)
}

func (s *SQLiteStore) decryptJSON(ciphertext []byte, v any) error {
	raw, err := s.cipher.Decrypt(ciphertext)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanOutbound(row rowScanner) (*store.OutboundTransaction, error) {
	var (
		txID              int64
		destination       string
		amount            int64
		fee               int64
		senderBlob        []byte
		status            int
		messageBlob       []byte
		timestamp         string
		cancelled         int
		directSendSuccess int
		sendCount         uint32
		lastSend          sql.NullString
	)

	err := row.Scan(&txID, &destination, &amount, &fee, &senderBlob, &status,
		&messageBlob, &timestamp, &cancelled, &directSendSuccess, &sendCount, &lastSend)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	senderProtocol := &protocol.SenderProtocol{}
	if err = s.decryptJSON(senderBlob, senderProtocol); err != nil {
		return nil, fmt.Errorf("sender protocol for tx %d: %w", decodeTxID(txID), err)
	}
	message, err := s.decrypt(messageBlob)
	if err != nil {
		return nil, fmt.Errorf("message for tx %d: %w", decodeTxID(txID), err)
	}
	ts, err := decodeTime(timestamp)
	if err != nil {
		return nil, err
	}
	lastSendTime, err := decodeNullTime(lastSend)
	if err != nil {
		return nil, err
	}

	return &store.OutboundTransaction{
		TxID:               decodeTxID(txID),
		DestinationAddress: protocol.Address(destination),
		Amount:             protocol.Amount(amount),
		Fee:                protocol.Amount(fee),
		SenderProtocol:     senderProtocol,
		Status:             store.TxStatus(status),
		Message:            string(message),
		Timestamp:          ts,
		Cancelled:          cancelled != 0,
		DirectSendSuccess:  directSendSuccess != 0,
		SendCount:          sendCount,
		LastSendTimestamp:  lastSendTime,
	}, nil
}

func (s *SQLiteStore) scanInbound(row rowScanner) (*store.InboundTransaction, error) {
	var (
		txID              int64
		source            string
		amount            int64
		receiverBlob      []byte
		status            int
		messageBlob       []byte
		timestamp         string
		cancelled         int
		directSendSuccess int
		sendCount         uint32
		lastSend          sql.NullString
	)

	err := row.Scan(&txID, &source, &amount, &receiverBlob, &status,
		&messageBlob, &timestamp, &cancelled, &directSendSuccess, &sendCount, &lastSend)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	receiverProtocol := &protocol.ReceiverProtocol{}
	if err = s.decryptJSON(receiverBlob, receiverProtocol); err != nil {
		return nil, fmt.Errorf("receiver protocol for tx %d: %w", decodeTxID(txID), err)
	}
	message, err := s.decrypt(messageBlob)
	if err != nil {
		return nil, fmt.Errorf("message for tx %d: %w", decodeTxID(txID), err)
	}
	ts, err := decodeTime(timestamp)
	if err != nil {
		return nil, err
	}
	lastSendTime, err := decodeNullTime(lastSend)
	if err != nil {
		return nil, err
	}

	return &store.InboundTransaction{
		TxID:              decodeTxID(txID),
		SourceAddress:     protocol.Address(source),
		Amount:            protocol.Amount(amount),
		ReceiverProtocol:  receiverProtocol,
		Status:            store.TxStatus(status),
		Message:           string(message),
		Timestamp:         ts,
		Cancelled:         cancelled != 0,
		DirectSendSuccess: directSendSuccess != 0,
		SendCount:         sendCount,
		LastSendTimestamp: lastSendTime,
	}, nil
}

func (s *SQLiteStore) scanCompleted(row rowScanner) (*store.CompletedTransaction, error) {
	var (
		txID           int64
		source         string
		destination    string
		amount         int64
		fee            int64
		txBlob         []byte
		status         int
		messageBlob    []byte
		timestamp      string
		cancelled      sql.NullInt64
		direction      int
		coinbaseHeight sql.NullInt64
		sendCount      uint32
		lastSend       sql.NullString
		confirmations  sql.NullInt64
		minedHeight    sql.NullInt64
		minedInBlock   []byte
		minedTimestamp sql.NullString
		signature      []byte
		valid          int
	)

	err := row.Scan(&txID, &source, &destination, &amount, &fee, &txBlob, &status,
		&messageBlob, &timestamp, &cancelled, &direction, &coinbaseHeight, &sendCount,
		&lastSend, &confirmations, &minedHeight, &minedInBlock, &minedTimestamp,
		&signature, &valid)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	transaction := &protocol.Transaction{}
	if err = s.decryptJSON(txBlob, transaction); err != nil {
		return nil, fmt.Errorf("transaction for tx %d: %w", decodeTxID(txID), err)
	}
	message, err := s.decrypt(messageBlob)
	if err != nil {
		return nil, fmt.Errorf("message for tx %d: %w", decodeTxID(txID), err)
	}
	ts, err := decodeTime(timestamp)
	if err != nil {
		return nil, err
	}
	lastSendTime, err := decodeNullTime(lastSend)
	if err != nil {
		return nil, err
	}
	minedTime, err := decodeNullTime(minedTimestamp)
	if err != nil {
		return nil, err
	}

	return &store.CompletedTransaction{
		TxID:                 decodeTxID(txID),
		SourceAddress:        protocol.Address(source),
		DestinationAddress:   protocol.Address(destination),
		Amount:               protocol.Amount(amount),
		Fee:                  protocol.Amount(fee),
		Transaction:          transaction,
		Status:               store.TxStatus(status),
		Message:              string(message),
		Timestamp:            ts,
		Cancelled:            decodeNullReason(cancelled),
		Direction:            store.Direction(direction),
		CoinbaseBlockHeight:  decodeNullUint64(coinbaseHeight),
		SendCount:            sendCount,
		LastSendTimestamp:    lastSendTime,
		Confirmations:        decodeNullUint64(confirmations),
		MinedHeight:          decodeNullUint64(minedHeight),
		MinedInBlock:         minedInBlock,
		MinedTimestamp:       minedTime,
		TransactionSignature: protocol.Signature(signature),
		Valid:                valid != 0,
	}, nil
}

func (s *SQLiteStore) queryCompleted(ctx context.Context, query string, args ...any) ([]*store.CompletedTransaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*store.CompletedTransaction
	for rows.Next() {
		tx, err := s.scanCompleted(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

func decodeNullTime(raw sql.NullString) (*time.Time, error) {
	if !raw.Valid {
		return nil, nil
	}
	t, err := decodeTime(raw.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func decodeNullUint64(raw sql.NullInt64) *uint64 {
	if !raw.Valid {
		return nil
	}
	v := uint64(raw.Int64)
	return &v
}

func decodeNullReason(raw sql.NullInt64) *store.CancellationReason {
	if !raw.Valid {
		return nil
	}
	r := store.CancellationReason(raw.Int64)
	return &r
}
