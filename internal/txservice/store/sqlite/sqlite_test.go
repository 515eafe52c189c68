package sqlite

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mimblewallet/walletd/internal/cipher"
	"github.com/mimblewallet/walletd/internal/protocol"
	"github.com/mimblewallet/walletd/internal/txservice/store"
)

func newTestCipher(t *testing.T) *cipher.Cipher {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	c, err := cipher.New(key)
	require.NoError(t, err)
	return c
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := New(true, "", newTestCipher(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func newTestOutbound(t *testing.T, txID protocol.TxID) *store.OutboundTransaction {
	t.Helper()

	senderProtocol, err := protocol.NewSenderProtocol(txID, "bob", 1000, 20, "rent",
		[]protocol.TransactionInput{{Commitment: protocol.Commitment("in")}}, 480)
	require.NoError(t, err)

	return &store.OutboundTransaction{
		TxID:               txID,
		DestinationAddress: "bob",
		Amount:             1000,
		Fee:                20,
		SenderProtocol:     senderProtocol,
		Status:             store.TxStatusPending,
		Message:            "rent",
		Timestamp:          time.Now().UTC(),
	}
}

func newTestInbound(t *testing.T, txID protocol.TxID) *store.InboundTransaction {
	t.Helper()

	receiverProtocol, err := protocol.NewReceiverProtocol("alice", &protocol.SenderMessage{
		TxID: txID, Amount: 750, Fee: 15,
	})
	require.NoError(t, err)

	return &store.InboundTransaction{
		TxID:             txID,
		SourceAddress:    "alice",
		Amount:           750,
		ReceiverProtocol: receiverProtocol,
		Status:           store.TxStatusPending,
		Message:          "thanks",
		Timestamp:        time.Now().UTC(),
	}
}

func newTestCompleted(txID protocol.TxID, status store.TxStatus) *store.CompletedTransaction {
	tx := &protocol.Transaction{
		Kernel: protocol.TransactionKernel{
			Fee:             20,
			Excess:          protocol.Commitment("excess"),
			ExcessSignature: protocol.Signature("signature"),
		},
		Outputs: []protocol.TransactionOutput{{Commitment: protocol.Commitment("out")}},
	}

	return &store.CompletedTransaction{
		TxID:                 txID,
		SourceAddress:        "alice",
		DestinationAddress:   "bob",
		Amount:               1000,
		Fee:                  20,
		Transaction:          tx,
		Status:               status,
		Message:              "rent",
		Timestamp:            time.Now().UTC(),
		Direction:            store.DirectionOutbound,
		TransactionSignature: tx.FirstKernelSignature(),
		Valid:                true,
	}
}

func TestOutboundRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	expected := newTestOutbound(t, 1)
	lastSend := time.Now().UTC().Add(-time.Minute)
	expected.LastSendTimestamp = &lastSend
	expected.SendCount = 2

	require.NoError(t, s.InsertOutbound(ctx, expected))

	actual, err := s.FetchOutbound(ctx, 1)
	require.NoError(t, err)

	assert.Equal(t, expected.TxID, actual.TxID)
	assert.Equal(t, expected.DestinationAddress, actual.DestinationAddress)
	assert.Equal(t, expected.Amount, actual.Amount)
	assert.Equal(t, expected.Fee, actual.Fee)
	assert.Equal(t, expected.SenderProtocol, actual.SenderProtocol)
	assert.Equal(t, expected.Message, actual.Message)
	assert.Equal(t, expected.SendCount, actual.SendCount)
	assert.True(t, expected.Timestamp.Equal(actual.Timestamp))
	require.NotNil(t, actual.LastSendTimestamp)
	assert.True(t, lastSend.Equal(*actual.LastSendTimestamp))
}

func TestInboundRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	expected := newTestInbound(t, 2)
	require.NoError(t, s.InsertInbound(ctx, expected))

	actual, err := s.FetchInbound(ctx, 2)
	require.NoError(t, err)

	assert.Equal(t, expected.SourceAddress, actual.SourceAddress)
	assert.Equal(t, expected.ReceiverProtocol, actual.ReceiverProtocol)
	assert.Equal(t, expected.Message, actual.Message)
}

func TestCompletedRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	expected := newTestCompleted(3, store.TxStatusCompleted)
	height := uint64(100)
	expected.CoinbaseBlockHeight = &height

	require.NoError(t, s.InsertCompleted(ctx, expected))

	actual, err := s.FetchCompleted(ctx, 3)
	require.NoError(t, err)

	assert.Equal(t, expected.Transaction, actual.Transaction)
	assert.Equal(t, expected.Status, actual.Status)
	assert.Equal(t, expected.Direction, actual.Direction)
	assert.Equal(t, expected.TransactionSignature, actual.TransactionSignature)
	require.NotNil(t, actual.CoinbaseBlockHeight)
	assert.Equal(t, height, *actual.CoinbaseBlockHeight)
	assert.Nil(t, actual.Cancelled)
	assert.Nil(t, actual.MinedHeight)
	assert.True(t, actual.Valid)
}

func TestFetchWithWrongCipherFails(t *testing.T) {
	ctx := context.Background()

	s1, err := New(true, "", newTestCipher(t))
	require.NoError(t, err)
	defer s1.Close()

	require.NoError(t, s1.InsertOutbound(ctx, newTestOutbound(t, 9)))

	// swap keys underneath the store, reads must refuse the stale ciphertext
	s1.cipher = newTestCipher(t)

	_, err = s1.FetchOutbound(ctx, 9)
	require.ErrorIs(t, err, cipher.ErrDecryptionFailed)
}

func TestInsertDuplicateFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertOutbound(ctx, newTestOutbound(t, 5)))
	err := s.InsertOutbound(ctx, newTestOutbound(t, 5))
	require.ErrorIs(t, err, store.ErrTransactionAlreadyExists)

	require.NoError(t, s.InsertCompleted(ctx, newTestCompleted(6, store.TxStatusCompleted)))
	err = s.InsertCompleted(ctx, newTestCompleted(6, store.TxStatusCompleted))
	require.ErrorIs(t, err, store.ErrTransactionAlreadyExists)
}

func TestFetchAnySearchOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertOutbound(ctx, newTestOutbound(t, 11)))
	require.NoError(t, s.InsertInbound(ctx, newTestInbound(t, 12)))
	require.NoError(t, s.InsertCompleted(ctx, newTestCompleted(13, store.TxStatusCompleted)))

	any11, err := s.FetchAny(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, store.VariantPendingOutbound, any11.Variant)
	require.NotNil(t, any11.Outbound)

	any12, err := s.FetchAny(ctx, 12)
	require.NoError(t, err)
	assert.Equal(t, store.VariantPendingInbound, any12.Variant)

	any13, err := s.FetchAny(ctx, 13)
	require.NoError(t, err)
	assert.Equal(t, store.VariantCompleted, any13.Variant)

	_, err = s.FetchAny(ctx, 999)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCompleteOutbound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertOutbound(ctx, newTestOutbound(t, 20)))
	require.NoError(t, s.CompleteOutbound(ctx, 20, newTestCompleted(20, store.TxStatusCompleted)))

	// pending record is gone, completed exists
	_, err := s.FetchOutbound(ctx, 20)
	require.ErrorIs(t, err, store.ErrNotFound)

	completed, err := s.FetchCompleted(ctx, 20)
	require.NoError(t, err)
	assert.Equal(t, store.TxStatusCompleted, completed.Status)

	// a second completion has no pending record to consume
	err = s.CompleteOutbound(ctx, 20, newTestCompleted(20, store.TxStatusCompleted))
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCompleteOutboundRacedWithCancellation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertOutbound(ctx, newTestOutbound(t, 21)))
	require.NoError(t, s.CancelOutbound(ctx, 21))

	err := s.CompleteOutbound(ctx, 21, newTestCompleted(21, store.TxStatusCompleted))
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCompleteInboundConflictsWithExistingCompleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertInbound(ctx, newTestInbound(t, 22)))
	require.NoError(t, s.InsertCompleted(ctx, newTestCompleted(22, store.TxStatusCompleted)))

	err := s.CompleteInbound(ctx, 22, newTestCompleted(22, store.TxStatusCompleted))
	require.ErrorIs(t, err, store.ErrTransactionAlreadyExists)

	// the pending record must survive the failed completion
	_, err = s.FetchInbound(ctx, 22)
	require.NoError(t, err)
}

func TestRemove(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertOutbound(ctx, newTestOutbound(t, 30)))

	removed, err := s.RemoveOutbound(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, protocol.TxID(30), removed.TxID)

	_, err = s.RemoveOutbound(ctx, 30)
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.RemoveCompleted(ctx, 30)
	require.ErrorIs(t, err, store.ErrOperationNotSupported)
}

func TestBroadcastCompletedIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertCompleted(ctx, newTestCompleted(40, store.TxStatusCompleted)))

	require.NoError(t, s.BroadcastCompleted(ctx, 40))
	tx, err := s.FetchCompleted(ctx, 40)
	require.NoError(t, err)
	assert.Equal(t, store.TxStatusBroadcast, tx.Status)

	// advance to mined, then verify a repeated broadcast does not regress
	require.NoError(t, s.UpdateMinedHeight(ctx, 40, store.MinedUpdate{
		Height: 10, BlockHash: []byte("block"), MinedAt: time.Now(), Confirmations: 1,
	}))
	require.NoError(t, s.BroadcastCompleted(ctx, 40))

	tx, err = s.FetchCompleted(ctx, 40)
	require.NoError(t, err)
	assert.Equal(t, store.TxStatusMinedUnconfirmed, tx.Status)
}

func TestRejectCompleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertCompleted(ctx, newTestCompleted(41, store.TxStatusCompleted)))
	require.NoError(t, s.RejectCompleted(ctx, 41, store.ReasonDoubleSpend))

	tx, err := s.FetchCompleted(ctx, 41)
	require.NoError(t, err)
	assert.Equal(t, store.TxStatusRejected, tx.Status)
	require.NotNil(t, tx.Cancelled)
	assert.Equal(t, store.ReasonDoubleSpend, *tx.Cancelled)

	// rejecting again is a no-op, the original reason is kept
	require.NoError(t, s.RejectCompleted(ctx, 41, store.ReasonTimeout))
	tx, err = s.FetchCompleted(ctx, 41)
	require.NoError(t, err)
	assert.Equal(t, store.ReasonDoubleSpend, *tx.Cancelled)

	err = s.RejectCompleted(ctx, 999, store.ReasonTimeout)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateMinedHeight(t *testing.T) {
	tt := []struct {
		name           string
		update         store.MinedUpdate
		expectedStatus store.TxStatus
	}{
		{
			name:           "mined unconfirmed",
			update:         store.MinedUpdate{Height: 10, Confirmations: 1},
			expectedStatus: store.TxStatusMinedUnconfirmed,
		},
		{
			name:           "mined confirmed",
			update:         store.MinedUpdate{Height: 10, Confirmations: 3, IsConfirmed: true},
			expectedStatus: store.TxStatusMinedConfirmed,
		},
		{
			name:           "faux unconfirmed",
			update:         store.MinedUpdate{Height: 10, Confirmations: 1, IsFaux: true},
			expectedStatus: store.TxStatusFauxUnconfirmed,
		},
		{
			name:           "faux confirmed",
			update:         store.MinedUpdate{Height: 10, Confirmations: 3, IsFaux: true, IsConfirmed: true},
			expectedStatus: store.TxStatusFauxConfirmed,
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestStore(t)
			ctx := context.Background()

			require.NoError(t, s.InsertCompleted(ctx, newTestCompleted(50, store.TxStatusBroadcast)))

			// a cancelled transaction that turns out mined is uncancelled
			require.NoError(t, s.RejectCompleted(ctx, 50, store.ReasonTimeout))

			tc.update.BlockHash = []byte("block-hash")
			tc.update.MinedAt = time.Now().UTC()
			require.NoError(t, s.UpdateMinedHeight(ctx, 50, tc.update))

			tx, err := s.FetchCompleted(ctx, 50)
			require.NoError(t, err)
			assert.Equal(t, tc.expectedStatus, tx.Status)
			assert.Nil(t, tx.Cancelled)
			require.NotNil(t, tx.MinedHeight)
			assert.Equal(t, tc.update.Height, *tx.MinedHeight)
			assert.Equal(t, []byte("block-hash"), tx.MinedInBlock)
			require.NotNil(t, tx.Confirmations)
			assert.Equal(t, tc.update.Confirmations, *tx.Confirmations)
		})
	}
}

func TestUpdateMinedHeightKeepsConfirmedStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertCompleted(ctx, newTestCompleted(51, store.TxStatusBroadcast)))
	require.NoError(t, s.UpdateMinedHeight(ctx, 51, store.MinedUpdate{
		Height: 10, BlockHash: []byte("confirmed-block"), MinedAt: time.Now().UTC(),
		Confirmations: 3, IsConfirmed: true,
	}))

	// a stale unconfirmed observation must not downgrade a confirmed row
	require.NoError(t, s.UpdateMinedHeight(ctx, 51, store.MinedUpdate{
		Height: 10, BlockHash: []byte("stale-block"), MinedAt: time.Now().UTC(),
		Confirmations: 1,
	}))

	tx, err := s.FetchCompleted(ctx, 51)
	require.NoError(t, err)
	assert.Equal(t, store.TxStatusMinedConfirmed, tx.Status)
	assert.Equal(t, []byte("confirmed-block"), tx.MinedInBlock)
	require.NotNil(t, tx.Confirmations)
	assert.Equal(t, uint64(3), *tx.Confirmations)

	// a later confirmed update still refreshes the confirmation count
	require.NoError(t, s.UpdateMinedHeight(ctx, 51, store.MinedUpdate{
		Height: 10, BlockHash: []byte("confirmed-block"), MinedAt: time.Now().UTC(),
		Confirmations: 5, IsConfirmed: true,
	}))
	tx, err = s.FetchCompleted(ctx, 51)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), *tx.Confirmations)

	err = s.UpdateMinedHeight(ctx, 999, store.MinedUpdate{Height: 10, Confirmations: 1})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSetUnmined(t *testing.T) {
	tt := []struct {
		name           string
		prepare        func(tx *store.CompletedTransaction)
		update         store.MinedUpdate
		expectedStatus store.TxStatus
	}{
		{
			name:           "regular mined rolls back to broadcast",
			prepare:        func(_ *store.CompletedTransaction) {},
			update:         store.MinedUpdate{Height: 10, Confirmations: 5, IsConfirmed: true},
			expectedStatus: store.TxStatusBroadcast,
		},
		{
			name: "coinbase rolls back to coinbase",
			prepare: func(tx *store.CompletedTransaction) {
				height := uint64(10)
				tx.CoinbaseBlockHeight = &height
				tx.Status = store.TxStatusCoinbase
			},
			update:         store.MinedUpdate{Height: 10, Confirmations: 5, IsConfirmed: true},
			expectedStatus: store.TxStatusCoinbase,
		},
		{
			name:           "faux rolls back to faux unconfirmed",
			prepare:        func(tx *store.CompletedTransaction) { tx.Status = store.TxStatusImported },
			update:         store.MinedUpdate{Height: 10, Confirmations: 5, IsConfirmed: true, IsFaux: true},
			expectedStatus: store.TxStatusFauxUnconfirmed,
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestStore(t)
			ctx := context.Background()

			completed := newTestCompleted(60, store.TxStatusBroadcast)
			tc.prepare(completed)
			require.NoError(t, s.InsertCompleted(ctx, completed))

			tc.update.BlockHash = []byte("block")
			tc.update.MinedAt = time.Now().UTC()
			require.NoError(t, s.UpdateMinedHeight(ctx, 60, tc.update))
			require.NoError(t, s.SetUnmined(ctx, 60))

			tx, err := s.FetchCompleted(ctx, 60)
			require.NoError(t, err)
			assert.Equal(t, tc.expectedStatus, tx.Status)
			assert.Nil(t, tx.MinedHeight)
			assert.Nil(t, tx.MinedInBlock)
			assert.Nil(t, tx.Confirmations)
			assert.Nil(t, tx.Cancelled)
		})
	}
}

func TestCoinbaseQueries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	coinbase := newTestCompleted(70, store.TxStatusCoinbase)
	height := uint64(500)
	coinbase.CoinbaseBlockHeight = &height
	coinbase.Amount = 5000
	require.NoError(t, s.InsertCompleted(ctx, coinbase))

	found, err := s.FindCoinbaseAtHeight(ctx, 500, 5000)
	require.NoError(t, err)
	assert.Equal(t, protocol.TxID(70), found.TxID)

	_, err = s.FindCoinbaseAtHeight(ctx, 500, 9999)
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.CancelCoinbasesAtHeight(ctx, 500))
	_, err = s.FindCoinbaseAtHeight(ctx, 500, 5000)
	require.ErrorIs(t, err, store.ErrNotFound)

	cancelled, err := s.FetchCompleted(ctx, 70)
	require.NoError(t, err)
	require.NotNil(t, cancelled.Cancelled)
	assert.Equal(t, store.ReasonAbandonedCoinbase, *cancelled.Cancelled)
}

func TestBroadcastAndUnconfirmedQueries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertCompleted(ctx, newTestCompleted(80, store.TxStatusCompleted)))
	require.NoError(t, s.InsertCompleted(ctx, newTestCompleted(81, store.TxStatusBroadcast)))

	mined := newTestCompleted(82, store.TxStatusMinedConfirmed)
	require.NoError(t, s.InsertCompleted(ctx, mined))

	coinbase := newTestCompleted(83, store.TxStatusCoinbase)
	height := uint64(10)
	coinbase.CoinbaseBlockHeight = &height
	require.NoError(t, s.InsertCompleted(ctx, coinbase))

	rejected := newTestCompleted(84, store.TxStatusCompleted)
	require.NoError(t, s.InsertCompleted(ctx, rejected))
	require.NoError(t, s.RejectCompleted(ctx, 84, store.ReasonUserCancelled))

	toBroadcast, err := s.TransactionsToBeBroadcast(ctx)
	require.NoError(t, err)
	ids := make([]protocol.TxID, 0, len(toBroadcast))
	for _, tx := range toBroadcast {
		ids = append(ids, tx.TxID)
	}
	assert.ElementsMatch(t, []protocol.TxID{80, 81}, ids)

	unconfirmed, err := s.UnconfirmedTransactions(ctx)
	require.NoError(t, err)
	ids = ids[:0]
	for _, tx := range unconfirmed {
		ids = append(ids, tx.TxID)
	}
	assert.ElementsMatch(t, []protocol.TxID{80, 81, 83}, ids)
}

func TestLastMinedTransaction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	last, err := s.LastMinedTransaction(ctx)
	require.NoError(t, err)
	assert.Nil(t, last)

	require.NoError(t, s.InsertCompleted(ctx, newTestCompleted(90, store.TxStatusBroadcast)))
	require.NoError(t, s.InsertCompleted(ctx, newTestCompleted(91, store.TxStatusBroadcast)))
	require.NoError(t, s.UpdateMinedHeight(ctx, 90, store.MinedUpdate{Height: 10, BlockHash: []byte("a"), MinedAt: time.Now(), Confirmations: 1}))
	require.NoError(t, s.UpdateMinedHeight(ctx, 91, store.MinedUpdate{Height: 20, BlockHash: []byte("b"), MinedAt: time.Now(), Confirmations: 1}))

	last, err = s.LastMinedTransaction(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, protocol.TxID(91), last.TxID)
}

func TestIncrementSendCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertOutbound(ctx, newTestOutbound(t, 100)))

	require.NoError(t, s.IncrementSendCount(ctx, 100))
	require.NoError(t, s.IncrementSendCount(ctx, 100))

	tx, err := s.FetchOutbound(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), tx.SendCount)
	assert.NotNil(t, tx.LastSendTimestamp)

	err = s.IncrementSendCount(ctx, 999)
	require.ErrorIs(t, err, store.ErrValuesNotFound)
}

func TestCancellationIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertOutbound(ctx, newTestOutbound(t, 110)))
	require.NoError(t, s.InsertOutbound(ctx, newTestOutbound(t, 111)))

	before, err := s.FetchOutbound(ctx, 111)
	require.NoError(t, err)

	require.NoError(t, s.CancelOutbound(ctx, 110))

	after, err := s.FetchOutbound(ctx, 111)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.False(t, after.Cancelled)
}

func TestListPendingByCancelled(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertOutbound(ctx, newTestOutbound(t, 120)))
	require.NoError(t, s.InsertOutbound(ctx, newTestOutbound(t, 121)))
	require.NoError(t, s.CancelOutbound(ctx, 121))

	active, err := s.ListOutbound(ctx, false)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, protocol.TxID(120), active[0].TxID)

	cancelled, err := s.ListOutbound(ctx, true)
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.Equal(t, protocol.TxID(121), cancelled[0].TxID)
}

func TestTxIDBitPatternRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// ids above the signed 64-bit range must survive the signed encoding
	bigID := protocol.TxID(1<<63 + 42)
	require.NoError(t, s.InsertOutbound(ctx, newTestOutbound(t, bigID)))

	tx, err := s.FetchOutbound(ctx, bigID)
	require.NoError(t, err)
	assert.Equal(t, bigID, tx.TxID)
}
