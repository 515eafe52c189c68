// Package memory is the in-memory TransactionBackend used in tests. It
// mirrors the sqlite backend's semantics without encryption or disk I/O.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/mimblewallet/walletd/internal/protocol"
	"github.com/mimblewallet/walletd/internal/txservice/store"
)

type MemoryStore struct {
	mu        sync.RWMutex
	outbound  map[protocol.TxID]*store.OutboundTransaction
	inbound   map[protocol.TxID]*store.InboundTransaction
	completed map[protocol.TxID]*store.CompletedTransaction
	now       func() time.Time
}

func WithNow(nowFunc func() time.Time) func(*MemoryStore) {
	return func(m *MemoryStore) {
		m.now = nowFunc
	}
}

func New(opts ...func(*MemoryStore)) *MemoryStore {
	m := &MemoryStore{
		outbound:  make(map[protocol.TxID]*store.OutboundTransaction),
		inbound:   make(map[protocol.TxID]*store.InboundTransaction),
		completed: make(map[protocol.TxID]*store.CompletedTransaction),
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

func (m *MemoryStore) Close() error {
	return nil
}

func copyOutbound(tx *store.OutboundTransaction) *store.OutboundTransaction {
	c := *tx
	return &c
}

func copyInbound(tx *store.InboundTransaction) *store.InboundTransaction {
	c := *tx
	return &c
}

func copyCompleted(tx *store.CompletedTransaction) *store.CompletedTransaction {
	c := *tx
	if tx.Cancelled != nil {
		reason := *tx.Cancelled
		c.Cancelled = &reason
	}
	return &c
}

func (m *MemoryStore) InsertOutbound(_ context.Context, tx *store.OutboundTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.outbound[tx.TxID]; exists {
		return store.ErrTransactionAlreadyExists
	}
	m.outbound[tx.TxID] = copyOutbound(tx)
	return nil
}

func (m *MemoryStore) InsertInbound(_ context.Context, tx *store.InboundTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.inbound[tx.TxID]; exists {
		return store.ErrTransactionAlreadyExists
	}
	m.inbound[tx.TxID] = copyInbound(tx)
	return nil
}

func (m *MemoryStore) InsertCompleted(_ context.Context, tx *store.CompletedTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.insertCompletedLocked(tx)
}

func (m *MemoryStore) insertCompletedLocked(tx *store.CompletedTransaction) error {
	if _, exists := m.completed[tx.TxID]; exists {
		return store.ErrTransactionAlreadyExists
	}
	m.completed[tx.TxID] = copyCompleted(tx)
	return nil
}

func (m *MemoryStore) FetchOutbound(_ context.Context, txID protocol.TxID) (*store.OutboundTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.outbound[txID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyOutbound(tx), nil
}

func (m *MemoryStore) FetchInbound(_ context.Context, txID protocol.TxID) (*store.InboundTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.inbound[txID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyInbound(tx), nil
}

func (m *MemoryStore) FetchCompleted(_ context.Context, txID protocol.TxID) (*store.CompletedTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.completed[txID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyCompleted(tx), nil
}

func (m *MemoryStore) FetchAny(ctx context.Context, txID protocol.TxID) (*store.AnyTransaction, error) {
	if outbound, err := m.FetchOutbound(ctx, txID); err == nil {
		return &store.AnyTransaction{Variant: store.VariantPendingOutbound, Outbound: outbound}, nil
	}
	if inbound, err := m.FetchInbound(ctx, txID); err == nil {
		return &store.AnyTransaction{Variant: store.VariantPendingInbound, Inbound: inbound}, nil
	}
	if completed, err := m.FetchCompleted(ctx, txID); err == nil {
		return &store.AnyTransaction{Variant: store.VariantCompleted, Completed: completed}, nil
	}
	return nil, store.ErrNotFound
}

func (m *MemoryStore) ListOutbound(_ context.Context, cancelled bool) ([]*store.OutboundTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*store.OutboundTransaction
	for _, tx := range m.outbound {
		if tx.Cancelled == cancelled {
			result = append(result, copyOutbound(tx))
		}
	}
	return result, nil
}

func (m *MemoryStore) ListInbound(_ context.Context, cancelled bool) ([]*store.InboundTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*store.InboundTransaction
	for _, tx := range m.inbound {
		if tx.Cancelled == cancelled {
			result = append(result, copyInbound(tx))
		}
	}
	return result, nil
}

func (m *MemoryStore) ListCompleted(_ context.Context, cancelled bool) ([]*store.CompletedTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*store.CompletedTransaction
	for _, tx := range m.completed {
		if tx.IsCancelled() == cancelled {
			result = append(result, copyCompleted(tx))
		}
	}
	return result, nil
}

func (m *MemoryStore) RemoveOutbound(_ context.Context, txID protocol.TxID) (*store.OutboundTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.outbound[txID]
	if !ok {
		return nil, store.ErrNotFound
	}
	delete(m.outbound, txID)
	return tx, nil
}

func (m *MemoryStore) RemoveInbound(_ context.Context, txID protocol.TxID) (*store.InboundTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.inbound[txID]
	if !ok {
		return nil, store.ErrNotFound
	}
	delete(m.inbound, txID)
	return tx, nil
}

func (m *MemoryStore) RemoveCompleted(_ context.Context, _ protocol.TxID) (*store.CompletedTransaction, error) {
	return nil, store.ErrOperationNotSupported
}

func (m *MemoryStore) CompleteOutbound(_ context.Context, txID protocol.TxID, completed *store.CompletedTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending, ok := m.outbound[txID]
	if !ok || pending.Cancelled {
		return store.ErrNotFound
	}
	if _, exists := m.completed[completed.TxID]; exists {
		return store.ErrTransactionAlreadyExists
	}

	delete(m.outbound, txID)
	return m.insertCompletedLocked(completed)
}

func (m *MemoryStore) CompleteInbound(_ context.Context, txID protocol.TxID, completed *store.CompletedTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending, ok := m.inbound[txID]
	if !ok || pending.Cancelled {
		return store.ErrNotFound
	}
	if _, exists := m.completed[completed.TxID]; exists {
		return store.ErrTransactionAlreadyExists
	}

	delete(m.inbound, txID)
	return m.insertCompletedLocked(completed)
}

func (m *MemoryStore) CancelOutbound(_ context.Context, txID protocol.TxID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.outbound[txID]
	if !ok || tx.Cancelled {
		return store.ErrNotFound
	}
	tx.Cancelled = true
	return nil
}

func (m *MemoryStore) CancelInbound(_ context.Context, txID protocol.TxID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.inbound[txID]
	if !ok || tx.Cancelled {
		return store.ErrNotFound
	}
	tx.Cancelled = true
	return nil
}

func (m *MemoryStore) BroadcastCompleted(_ context.Context, txID protocol.TxID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.completed[txID]
	if !ok || tx.IsCancelled() {
		return store.ErrNotFound
	}
	if tx.Status == store.TxStatusCompleted {
		tx.Status = store.TxStatusBroadcast
	}
	return nil
}

func (m *MemoryStore) RejectCompleted(_ context.Context, txID protocol.TxID, reason store.CancellationReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.completed[txID]
	if !ok {
		return store.ErrNotFound
	}
	if tx.IsCancelled() {
		return nil
	}
	tx.Cancelled = &reason
	tx.Status = store.TxStatusRejected
	return nil
}

func (m *MemoryStore) UpdateMinedHeight(_ context.Context, txID protocol.TxID, update store.MinedUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.completed[txID]
	if !ok {
		return store.ErrNotFound
	}

	// a confirmed row never moves back to unconfirmed here, only SetUnmined
	// rolls it back
	if !update.IsConfirmed &&
		(tx.Status == store.TxStatusMinedConfirmed || tx.Status == store.TxStatusFauxConfirmed) {
		return nil
	}

	status := store.TxStatusMinedUnconfirmed
	switch {
	case update.IsFaux && update.IsConfirmed:
		status = store.TxStatusFauxConfirmed
	case update.IsFaux:
		status = store.TxStatusFauxUnconfirmed
	case update.IsConfirmed:
		status = store.TxStatusMinedConfirmed
	}

	height := update.Height
	confirmations := update.Confirmations
	minedAt := update.MinedAt

	tx.Status = status
	tx.MinedHeight = &height
	tx.MinedInBlock = update.BlockHash
	tx.MinedTimestamp = &minedAt
	tx.Confirmations = &confirmations
	tx.Cancelled = nil
	tx.Valid = true
	return nil
}

func (m *MemoryStore) SetUnmined(_ context.Context, txID protocol.TxID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.completed[txID]
	if !ok {
		return store.ErrNotFound
	}

	switch {
	case tx.CoinbaseBlockHeight != nil:
		tx.Status = store.TxStatusCoinbase
	case tx.Status.IsFaux():
		tx.Status = store.TxStatusFauxUnconfirmed
	case tx.Status == store.TxStatusMinedUnconfirmed || tx.Status == store.TxStatusMinedConfirmed:
		tx.Status = store.TxStatusBroadcast
	}

	tx.MinedHeight = nil
	tx.MinedInBlock = nil
	tx.MinedTimestamp = nil
	tx.Confirmations = nil
	tx.Cancelled = nil
	return nil
}

func (m *MemoryStore) CancelCoinbasesAtHeight(_ context.Context, blockHeight uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	reason := store.ReasonAbandonedCoinbase
	for _, tx := range m.completed {
		if tx.CoinbaseBlockHeight != nil && *tx.CoinbaseBlockHeight == blockHeight &&
			tx.Status == store.TxStatusCoinbase && !tx.IsCancelled() {
			r := reason
			tx.Cancelled = &r
			tx.Status = store.TxStatusRejected
		}
	}
	return nil
}

func (m *MemoryStore) FindCoinbaseAtHeight(_ context.Context, blockHeight uint64, amount protocol.Amount) (*store.CompletedTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, tx := range m.completed {
		if tx.CoinbaseBlockHeight != nil && *tx.CoinbaseBlockHeight == blockHeight &&
			tx.Status == store.TxStatusCoinbase && !tx.IsCancelled() && tx.Amount == amount {
			return copyCompleted(tx), nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *MemoryStore) TransactionsToBeBroadcast(_ context.Context) ([]*store.CompletedTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*store.CompletedTransaction
	for _, tx := range m.completed {
		if tx.IsCancelled() || tx.CoinbaseBlockHeight != nil {
			continue
		}
		if tx.Status == store.TxStatusCompleted || tx.Status == store.TxStatusBroadcast {
			result = append(result, copyCompleted(tx))
		}
	}
	return result, nil
}

func (m *MemoryStore) UnconfirmedTransactions(_ context.Context) ([]*store.CompletedTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*store.CompletedTransaction
	for _, tx := range m.completed {
		if tx.IsCancelled() {
			continue
		}
		switch tx.Status {
		case store.TxStatusCompleted, store.TxStatusBroadcast, store.TxStatusMinedUnconfirmed,
			store.TxStatusCoinbase, store.TxStatusImported, store.TxStatusFauxUnconfirmed:
			result = append(result, copyCompleted(tx))
		}
	}
	return result, nil
}

func (m *MemoryStore) LastMinedTransaction(_ context.Context) (*store.CompletedTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *store.CompletedTransaction
	for _, tx := range m.completed {
		if tx.MinedInBlock == nil || tx.IsCancelled() {
			continue
		}
		if best == nil || (tx.MinedHeight != nil && best.MinedHeight != nil && *tx.MinedHeight > *best.MinedHeight) {
			best = tx
		}
	}
	if best == nil {
		return nil, nil
	}
	return copyCompleted(best), nil
}

func (m *MemoryStore) IncrementSendCount(_ context.Context, txID protocol.TxID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	if tx, ok := m.outbound[txID]; ok {
		tx.SendCount++
		tx.LastSendTimestamp = &now
		return nil
	}
	if tx, ok := m.inbound[txID]; ok {
		tx.SendCount++
		tx.LastSendTimestamp = &now
		return nil
	}
	if tx, ok := m.completed[txID]; ok {
		tx.SendCount++
		tx.LastSendTimestamp = &now
		return nil
	}

	return store.ErrValuesNotFound
}

func (m *MemoryStore) SetDirectSendSuccess(_ context.Context, txID protocol.TxID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx, ok := m.outbound[txID]; ok {
		tx.DirectSendSuccess = true
		return nil
	}
	if tx, ok := m.inbound[txID]; ok {
		tx.DirectSendSuccess = true
		return nil
	}

	return store.ErrValuesNotFound
}
