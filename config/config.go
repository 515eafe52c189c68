package config

import (
	"time"
)

type WalletConfig struct {
	LogLevel           string                    `json:"logLevel" mapstructure:"logLevel"`
	LogFormat          string                    `json:"logFormat" mapstructure:"logFormat"`
	ProfilerAddr       string                    `json:"profilerAddr" mapstructure:"profilerAddr"`
	PrometheusAddr     string                    `json:"prometheusAddr" mapstructure:"prometheusAddr"`
	PrometheusEndpoint string                    `json:"prometheusEndpoint" mapstructure:"prometheusEndpoint"`
	Network            string                    `json:"network" mapstructure:"network"`
	QueueURL           string                    `json:"queueURL" mapstructure:"queueURL"`
	Wallet             *WalletIdentityConfig     `json:"wallet" mapstructure:"wallet"`
	Db                 *DbConfig                 `json:"db" mapstructure:"db"`
	BaseNode           *BaseNodeConfig           `json:"baseNode" mapstructure:"baseNode"`
	TransactionService *TransactionServiceConfig `json:"transactionService" mapstructure:"transactionService"`
}

// WalletIdentityConfig is who this wallet is on the network. EncryptionKey
// holds the hex encoded 32 byte store key, normally injected through the
// WALLETD_WALLET_ENCRYPTIONKEY environment variable rather than a file.
type WalletIdentityConfig struct {
	Address       string `json:"address" mapstructure:"address"`
	EncryptionKey string `json:"encryptionKey" mapstructure:"encryptionKey"`
}

type DbConfig struct {
	Mode   string        `json:"mode" mapstructure:"mode"`
	SQLite *SQLiteConfig `json:"sqlite" mapstructure:"sqlite"`
}

type SQLiteConfig struct {
	Folder   string `json:"folder" mapstructure:"folder"`
	InMemory bool   `json:"inMemory" mapstructure:"inMemory"`
}

type BaseNodeConfig struct {
	URL            string        `json:"url" mapstructure:"url"`
	RequestTimeout time.Duration `json:"requestTimeout" mapstructure:"requestTimeout"`
	MaxRetries     uint64        `json:"maxRetries" mapstructure:"maxRetries"`
}

type TransactionServiceConfig struct {
	BroadcastMonitoringTimeout    time.Duration `json:"broadcastMonitoringTimeout" mapstructure:"broadcastMonitoringTimeout"`
	ChainMonitoringTimeout        time.Duration `json:"chainMonitoringTimeout" mapstructure:"chainMonitoringTimeout"`
	LowPowerPollingTimeout        time.Duration `json:"lowPowerPollingTimeout" mapstructure:"lowPowerPollingTimeout"`
	DirectSendTimeout             time.Duration `json:"directSendTimeout" mapstructure:"directSendTimeout"`
	BroadcastSendTimeout          time.Duration `json:"broadcastSendTimeout" mapstructure:"broadcastSendTimeout"`
	ResendPeriod                  time.Duration `json:"resendPeriod" mapstructure:"resendPeriod"`
	ResendCooldown                time.Duration `json:"resendCooldown" mapstructure:"resendCooldown"`
	PendingCancellationTimeout    time.Duration `json:"pendingCancellationTimeout" mapstructure:"pendingCancellationTimeout"`
	RequiredConfirmations         uint64        `json:"requiredConfirmations" mapstructure:"requiredConfirmations"`
	MaxTxQueryBatchSize           int           `json:"maxTxQueryBatchSize" mapstructure:"maxTxQueryBatchSize"`
	CoinbaseAbandonedSafetyHeight uint64        `json:"coinbaseAbandonedSafetyHeight" mapstructure:"coinbaseAbandonedSafetyHeight"`
	MempoolStalenessHeight        uint64        `json:"mempoolStalenessHeight" mapstructure:"mempoolStalenessHeight"`
}
