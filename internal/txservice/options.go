package txservice

import (
	"log/slog"
	"time"
)

type Option func(*TransactionService)

func WithLogger(logger *slog.Logger) Option {
	return func(s *TransactionService) {
		s.logger = logger.With(slog.String("service", "txservice"))
	}
}

func WithNow(nowFunc func() time.Time) Option {
	return func(s *TransactionService) {
		s.now = nowFunc
	}
}

func WithBroadcastMonitoringInterval(d time.Duration) Option {
	return func(s *TransactionService) {
		s.broadcastMonitoringInterval = d
	}
}

func WithChainMonitoringInterval(d time.Duration) Option {
	return func(s *TransactionService) {
		s.chainMonitoringInterval = d
	}
}

func WithLowPowerPollingInterval(d time.Duration) Option {
	return func(s *TransactionService) {
		s.lowPowerPollingInterval = d
	}
}

func WithDirectSendTimeout(d time.Duration) Option {
	return func(s *TransactionService) {
		s.directSendTimeout = d
	}
}

func WithBroadcastSendTimeout(d time.Duration) Option {
	return func(s *TransactionService) {
		s.broadcastSendTimeout = d
	}
}

func WithResendPeriod(d time.Duration) Option {
	return func(s *TransactionService) {
		s.resendPeriod = d
	}
}

func WithResendCooldown(d time.Duration) Option {
	return func(s *TransactionService) {
		s.resendCooldown = d
	}
}

func WithPendingCancellationTimeout(d time.Duration) Option {
	return func(s *TransactionService) {
		s.pendingCancellationTimeout = d
	}
}

func WithRequiredConfirmations(confirmations uint64) Option {
	return func(s *TransactionService) {
		s.requiredConfirmations = confirmations
	}
}

func WithMaxTxQueryBatchSize(size int) Option {
	return func(s *TransactionService) {
		s.maxTxQueryBatchSize = size
	}
}

func WithCoinbaseSafetyHeight(height uint64) Option {
	return func(s *TransactionService) {
		s.coinbaseSafetyHeight = height
	}
}

// WithMempoolStalenessHeight sets how many blocks a transaction may sit in the
// mempool before it is resubmitted.
func WithMempoolStalenessHeight(height uint64) Option {
	return func(s *TransactionService) {
		s.mempoolStalenessHeight = height
	}
}
