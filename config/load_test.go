package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Load(t *testing.T) {
	t.Run("default load", func(t *testing.T) {
		// given
		expectedConfig := getDefaultWalletConfig()

		// when
		actualConfig, err := Load()
		require.NoError(t, err, "error loading config")

		// then
		assert.Equal(t, expectedConfig, actualConfig)
	})

	t.Run("partial file override", func(t *testing.T) {
		// given
		expectedConfig := getDefaultWalletConfig()

		// when
		actualConfig, err := Load("./test_files/")
		require.NoError(t, err, "error loading config")

		// then
		// verify not overridden default values
		assert.Equal(t, expectedConfig.QueueURL, actualConfig.QueueURL)
		assert.Equal(t, expectedConfig.TransactionService.ResendCooldown, actualConfig.TransactionService.ResendCooldown)

		// verify correct override
		assert.Equal(t, "DEBUG", actualConfig.LogLevel)
		assert.Equal(t, "tint", actualConfig.LogFormat)
		assert.Equal(t, "mainnet", actualConfig.Network)
		assert.Equal(t, "http://basenode:9998", actualConfig.BaseNode.URL)
		assert.Equal(t, 2*time.Minute, actualConfig.TransactionService.ResendPeriod)
		assert.Equal(t, uint64(7), actualConfig.TransactionService.RequiredConfirmations)
	})
}
