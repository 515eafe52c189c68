package config

import "time"

func getDefaultWalletConfig() *WalletConfig {
	return &WalletConfig{
		LogLevel:           "INFO",
		LogFormat:          "text",
		PrometheusEndpoint: "/metrics",
		Network:            "testnet",
		QueueURL:           "nats://localhost:4222",
		Wallet:             &WalletIdentityConfig{},
		Db:                 getDefaultDbConfig(),
		BaseNode:           getDefaultBaseNodeConfig(),
		TransactionService: getDefaultTransactionServiceConfig(),
	}
}

func getDefaultDbConfig() *DbConfig {
	return &DbConfig{
		Mode: "sqlite",
		SQLite: &SQLiteConfig{
			Folder:   "data",
			InMemory: false,
		},
	}
}

func getDefaultBaseNodeConfig() *BaseNodeConfig {
	return &BaseNodeConfig{
		URL:            "http://localhost:18142",
		RequestTimeout: 30 * time.Second,
		MaxRetries:     5,
	}
}

func getDefaultTransactionServiceConfig() *TransactionServiceConfig {
	return &TransactionServiceConfig{
		BroadcastMonitoringTimeout:    30 * time.Second,
		ChainMonitoringTimeout:        60 * time.Second,
		LowPowerPollingTimeout:        5 * time.Minute,
		DirectSendTimeout:             20 * time.Second,
		BroadcastSendTimeout:          60 * time.Second,
		ResendPeriod:                  10 * time.Minute,
		ResendCooldown:                5 * time.Minute,
		PendingCancellationTimeout:    3 * 24 * time.Hour,
		RequiredConfirmations:         3,
		MaxTxQueryBatchSize:           500,
		CoinbaseAbandonedSafetyHeight: 6,
		MempoolStalenessHeight:        5,
	}
}
