// Package txservice drives the wallet's transaction lifecycle: the
// interactive sender and receiver handshake, broadcast to a base node and
// chain monitoring until confirmation.
package txservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/mimblewallet/walletd/internal/basenode"
	"github.com/mimblewallet/walletd/internal/dispatcher"
	"github.com/mimblewallet/walletd/internal/events"
	"github.com/mimblewallet/walletd/internal/outputmgr"
	"github.com/mimblewallet/walletd/internal/protocol"
	"github.com/mimblewallet/walletd/internal/txservice/store"
)

var (
	ErrOneSidedSelfSend    = errors.New("one-sided transaction to own address")
	ErrNotCancellable      = errors.New("transaction can no longer be cancelled")
	ErrTransactionNotFound = errors.New("transaction not found")
)

const txLockShards = 64

// TransactionService owns every transaction's protocol state. All state
// machine advances for one tx id are serialized through a keyed lock,
// distinct ids run concurrently.
type TransactionService struct {
	store      store.TransactionBackend
	node       *basenode.Swappable
	dispatcher dispatcher.Dispatcher
	outputs    outputmgr.Manager
	publisher  *events.Publisher[Event]
	logger     *slog.Logger

	ownAddress protocol.Address

	broadcastMonitoringInterval time.Duration
	chainMonitoringInterval     time.Duration
	lowPowerPollingInterval     time.Duration
	directSendTimeout           time.Duration
	broadcastSendTimeout        time.Duration
	resendPeriod                time.Duration
	resendCooldown              time.Duration
	pendingCancellationTimeout  time.Duration
	requiredConfirmations       uint64
	maxTxQueryBatchSize         int
	coinbaseSafetyHeight        uint64
	mempoolStalenessHeight      uint64

	txLocks       [txLockShards]sync.Mutex
	replyCooldown *gocache.Cache
	lowPower      atomic.Bool

	broadcastMu     sync.Mutex
	activeBroadcast map[protocol.TxID]struct{}

	// tip height at which each transaction was first seen in the mempool,
	// used to detect submissions the network accepted but never mines
	mempoolMu   sync.Mutex
	mempoolSeen map[protocol.TxID]uint64

	coinbaseMu sync.Mutex

	now       func() time.Time
	ctx       context.Context
	cancelAll context.CancelFunc
	waitGroup *sync.WaitGroup
}

func New(s store.TransactionBackend, node *basenode.Swappable, d dispatcher.Dispatcher, outputs outputmgr.Manager, ownAddress protocol.Address, opts ...Option) *TransactionService {
	service := &TransactionService{
		store:      s,
		node:       node,
		dispatcher: d,
		outputs:    outputs,
		publisher:  events.NewPublisher[Event](),
		logger:     slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})),
		ownAddress: ownAddress,

		broadcastMonitoringInterval: 30 * time.Second,
		chainMonitoringInterval:     60 * time.Second,
		lowPowerPollingInterval:     5 * time.Minute,
		directSendTimeout:           20 * time.Second,
		broadcastSendTimeout:        60 * time.Second,
		resendPeriod:                10 * time.Minute,
		resendCooldown:              5 * time.Minute,
		pendingCancellationTimeout:  3 * 24 * time.Hour,
		requiredConfirmations:       3,
		maxTxQueryBatchSize:         20,
		coinbaseSafetyHeight:        6,
		mempoolStalenessHeight:      5,

		activeBroadcast: map[protocol.TxID]struct{}{},
		mempoolSeen:     map[protocol.TxID]uint64{},
		now:             time.Now,
		waitGroup:       &sync.WaitGroup{},
	}

	for _, opt := range opts {
		opt(service)
	}

	service.replyCooldown = gocache.New(service.resendCooldown, 2*service.resendCooldown)

	ctx, cancelAll := context.WithCancel(context.Background())
	service.ctx = ctx
	service.cancelAll = cancelAll

	return service
}

// Events returns a subscription to the service's notification stream.
func (s *TransactionService) Events() (<-chan Event, func()) {
	return s.publisher.Subscribe()
}

// Start restarts protocols interrupted by the last shutdown and launches the
// background schedulers.
func (s *TransactionService) Start() error {
	err := s.dispatcher.Subscribe(s.ownAddress, func(msg *protocol.Message) {
		handleErr := s.HandleMessage(s.ctx, msg)
		if handleErr != nil {
			s.logger.Error("failed to handle incoming message",
				slog.String("type", msg.Type.String()),
				slog.Uint64("tx_id", uint64(msg.MessageTxID())),
				slog.String("err", handleErr.Error()))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to incoming messages: %w", err)
	}

	err = s.RestartTransactionProtocols(s.ctx)
	if err != nil {
		return err
	}
	err = s.RestartBroadcastProtocols(s.ctx)
	if err != nil {
		return err
	}

	err = s.ValidateTransactions(s.ctx)
	if err != nil {
		// the node may simply be unreachable, per-tx polls will catch up
		s.logger.Warn("startup chain validation failed", slogErr(err))
	}

	s.StartResendScheduler()
	s.StartCancellationScheduler()

	return nil
}

// Shutdown stops the schedulers and waits for in-flight broadcast tasks to
// wind down.
func (s *TransactionService) Shutdown() {
	if s.cancelAll != nil {
		s.cancelAll()
	}
	s.waitGroup.Wait()
	s.publisher.Close()
}

// SetBaseNode swaps the base node all monitoring tasks talk to. In-flight
// tasks pick up the new node on their next poll.
func (s *TransactionService) SetBaseNode(client basenode.Client) {
	previous := s.node.Swap(client)
	if previous != nil {
		s.logger.Info("base node changed",
			slog.String("previous", previous.Address()),
			slog.String("current", client.Address()))
	}

	s.waitGroup.Add(1)
	go func() {
		defer s.waitGroup.Done()
		err := s.ValidateTransactions(s.ctx)
		if err != nil {
			s.logger.Warn("chain validation against new base node failed", slogErr(err))
		}
	}()
}

// SetLowPowerMode switches chain polling to the low power interval.
func (s *TransactionService) SetLowPowerMode(enabled bool) {
	s.lowPower.Store(enabled)
}

// FeePerGramStats passes fee statistics through from the current base node.
func (s *TransactionService) FeePerGramStats(ctx context.Context, blockCount uint64) ([]*basenode.FeePerGramStat, error) {
	return s.node.FeePerGramStats(ctx, blockCount)
}

func (s *TransactionService) GetPendingOutboundTransactions(ctx context.Context) ([]*store.OutboundTransaction, error) {
	return s.store.ListOutbound(ctx, false)
}

func (s *TransactionService) GetPendingInboundTransactions(ctx context.Context) ([]*store.InboundTransaction, error) {
	return s.store.ListInbound(ctx, false)
}

func (s *TransactionService) GetCompletedTransactions(ctx context.Context) ([]*store.CompletedTransaction, error) {
	return s.store.ListCompleted(ctx, false)
}

func (s *TransactionService) GetCancelledPendingTransactions(ctx context.Context) ([]*store.OutboundTransaction, []*store.InboundTransaction, error) {
	outbound, err := s.store.ListOutbound(ctx, true)
	if err != nil {
		return nil, nil, err
	}
	inbound, err := s.store.ListInbound(ctx, true)
	if err != nil {
		return nil, nil, err
	}
	return outbound, inbound, nil
}

func (s *TransactionService) GetAnyTransaction(ctx context.Context, txID protocol.TxID) (*store.AnyTransaction, error) {
	tx, err := s.store.FetchAny(ctx, txID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errors.Join(ErrTransactionNotFound, err)
		}
		return nil, err
	}
	return tx, nil
}

// lockTx serializes state machine advances for one tx id. The returned
// function releases the lock.
func (s *TransactionService) lockTx(txID protocol.TxID) func() {
	shard := &s.txLocks[uint64(txID)%txLockShards]
	shard.Lock()
	return shard.Unlock
}

// sendDirect bounds direct delivery with the configured timeout so an
// unresponsive peer cannot stall a protocol step.
func (s *TransactionService) sendDirect(ctx context.Context, peer protocol.Address, msg *protocol.Message) error {
	sendCtx, cancel := context.WithTimeout(ctx, s.directSendTimeout)
	defer cancel()
	return s.dispatcher.SendDirect(sendCtx, peer, msg)
}

func (s *TransactionService) publish(event Event) {
	s.publisher.Publish(event)
}

func (s *TransactionService) publishError(txID protocol.TxID, description string) {
	s.publisher.Publish(ErrorEvent{TxID: txID, Description: description})
}

// markSendCooldown notes that a message just went out for txID so reactive
// resends within the cooldown are suppressed.
func (s *TransactionService) markSendCooldown(txID protocol.TxID) {
	s.replyCooldown.SetDefault(cooldownKey(txID), struct{}{})
}

func (s *TransactionService) inSendCooldown(txID protocol.TxID) bool {
	_, found := s.replyCooldown.Get(cooldownKey(txID))
	return found
}

func cooldownKey(txID protocol.TxID) string {
	return fmt.Sprintf("%d", uint64(txID))
}

func slogTxID(txID protocol.TxID) slog.Attr {
	return slog.Uint64("tx_id", uint64(txID))
}

func slogErr(err error) slog.Attr {
	return slog.String("err", err.Error())
}

func (s *TransactionService) pollInterval() time.Duration {
	if s.lowPower.Load() {
		return s.lowPowerPollingInterval
	}
	return s.broadcastMonitoringInterval
}
