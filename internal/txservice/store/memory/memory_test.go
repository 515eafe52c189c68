package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mimblewallet/walletd/internal/protocol"
	"github.com/mimblewallet/walletd/internal/txservice/store"
)

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

func newTestCompleted(txID protocol.TxID, status store.TxStatus) *store.CompletedTransaction {
	return &store.CompletedTransaction{
		TxID:   txID,
		Amount: 1000,
		Fee:    20,
		Transaction: &protocol.Transaction{
			Kernel: protocol.TransactionKernel{Fee: 20},
		},
		Status:    status,
		Timestamp: time.Now().UTC(),
		Direction: store.DirectionOutbound,
		Valid:     true,
	}
}

func TestInsertFetchRemove(t *testing.T) {
	s := New()
	ctx := context.Background()

	expected := newTestOutbound(t, 1)
	require.NoError(t, s.InsertOutbound(ctx, expected))

	err := s.InsertOutbound(ctx, newTestOutbound(t, 1))
	require.ErrorIs(t, err, store.ErrTransactionAlreadyExists)

	actual, err := s.FetchOutbound(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, expected.SenderProtocol, actual.SenderProtocol)

	removed, err := s.RemoveOutbound(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, protocol.TxID(1), removed.TxID)

	_, err = s.FetchOutbound(ctx, 1)
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.RemoveCompleted(ctx, 1)
	require.ErrorIs(t, err, store.ErrOperationNotSupported)
}

func TestFetchReturnsCopy(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.InsertOutbound(ctx, newTestOutbound(t, 2)))

	first, err := s.FetchOutbound(ctx, 2)
	require.NoError(t, err)
	first.Message = "mutated"
	first.SendCount = 99

	second, err := s.FetchOutbound(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "rent", second.Message)
	assert.Equal(t, uint32(0), second.SendCount)
}

func TestCompleteOutbound(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.InsertOutbound(ctx, newTestOutbound(t, 3)))
	require.NoError(t, s.CompleteOutbound(ctx, 3, newTestCompleted(3, store.TxStatusCompleted)))

	_, err := s.FetchOutbound(ctx, 3)
	require.ErrorIs(t, err, store.ErrNotFound)

	completed, err := s.FetchCompleted(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, store.TxStatusCompleted, completed.Status)

	err = s.CompleteOutbound(ctx, 3, newTestCompleted(3, store.TxStatusCompleted))
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCompleteCancelledOutboundFails(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.InsertOutbound(ctx, newTestOutbound(t, 4)))
	require.NoError(t, s.CancelOutbound(ctx, 4))

	err := s.CompleteOutbound(ctx, 4, newTestCompleted(4, store.TxStatusCompleted))
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestStatusTransitions(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.InsertCompleted(ctx, newTestCompleted(5, store.TxStatusCompleted)))

	require.NoError(t, s.BroadcastCompleted(ctx, 5))
	tx, err := s.FetchCompleted(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, store.TxStatusBroadcast, tx.Status)

	require.NoError(t, s.UpdateMinedHeight(ctx, 5, store.MinedUpdate{
		Height: 7, BlockHash: []byte("b"), MinedAt: time.Now(), Confirmations: 1,
	}))
	tx, err = s.FetchCompleted(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, store.TxStatusMinedUnconfirmed, tx.Status)

	// broadcast after mining must not regress the status
	require.NoError(t, s.BroadcastCompleted(ctx, 5))
	tx, err = s.FetchCompleted(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, store.TxStatusMinedUnconfirmed, tx.Status)

	require.NoError(t, s.SetUnmined(ctx, 5))
	tx, err = s.FetchCompleted(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, store.TxStatusBroadcast, tx.Status)
	assert.Nil(t, tx.MinedHeight)
}

func TestUpdateMinedHeightKeepsConfirmedStatus(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.InsertCompleted(ctx, newTestCompleted(9, store.TxStatusBroadcast)))
	require.NoError(t, s.UpdateMinedHeight(ctx, 9, store.MinedUpdate{
		Height: 7, BlockHash: []byte("confirmed"), MinedAt: time.Now(),
		Confirmations: 4, IsConfirmed: true,
	}))

	// a stale unconfirmed observation must not downgrade a confirmed row
	require.NoError(t, s.UpdateMinedHeight(ctx, 9, store.MinedUpdate{
		Height: 7, BlockHash: []byte("stale"), MinedAt: time.Now(), Confirmations: 1,
	}))

	tx, err := s.FetchCompleted(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, store.TxStatusMinedConfirmed, tx.Status)
	assert.Equal(t, []byte("confirmed"), tx.MinedInBlock)
	require.NotNil(t, tx.Confirmations)
	assert.Equal(t, uint64(4), *tx.Confirmations)

	// only SetUnmined rolls a confirmed row back
	require.NoError(t, s.SetUnmined(ctx, 9))
	tx, err = s.FetchCompleted(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, store.TxStatusBroadcast, tx.Status)
}

func TestCoinbaseCancellation(t *testing.T) {
	s := New()
	ctx := context.Background()

	coinbase := newTestCompleted(6, store.TxStatusCoinbase)
	height := uint64(300)
	coinbase.CoinbaseBlockHeight = &height
	require.NoError(t, s.InsertCompleted(ctx, coinbase))

	found, err := s.FindCoinbaseAtHeight(ctx, 300, 1000)
	require.NoError(t, err)
	assert.Equal(t, protocol.TxID(6), found.TxID)

	require.NoError(t, s.CancelCoinbasesAtHeight(ctx, 300))

	_, err = s.FindCoinbaseAtHeight(ctx, 300, 1000)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestIncrementSendCount(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.InsertOutbound(ctx, newTestOutbound(t, 7)))
	require.NoError(t, s.IncrementSendCount(ctx, 7))

	tx, err := s.FetchOutbound(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), tx.SendCount)
	assert.NotNil(t, tx.LastSendTimestamp)

	err = s.IncrementSendCount(ctx, 999)
	require.ErrorIs(t, err, store.ErrValuesNotFound)
}

func TestBroadcastQueue(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.InsertCompleted(ctx, newTestCompleted(8, store.TxStatusCompleted)))
	require.NoError(t, s.InsertCompleted(ctx, newTestCompleted(9, store.TxStatusMinedConfirmed)))

	coinbase := newTestCompleted(10, store.TxStatusCoinbase)
	height := uint64(12)
	coinbase.CoinbaseBlockHeight = &height
	require.NoError(t, s.InsertCompleted(ctx, coinbase))

	toBroadcast, err := s.TransactionsToBeBroadcast(ctx)
	require.NoError(t, err)
	require.Len(t, toBroadcast, 1)
	assert.Equal(t, protocol.TxID(8), toBroadcast[0].TxID)

	unconfirmed, err := s.UnconfirmedTransactions(ctx)
	require.NoError(t, err)
	ids := make([]protocol.TxID, 0, len(unconfirmed))
	for _, tx := range unconfirmed {
		ids = append(ids, tx.TxID)
	}
	assert.ElementsMatch(t, []protocol.TxID{8, 10}, ids)
}
