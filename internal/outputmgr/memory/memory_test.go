package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mimblewallet/walletd/internal/outputmgr"
	"github.com/mimblewallet/walletd/internal/protocol"
)

func output(commitment string) protocol.TransactionOutput {
	return protocol.TransactionOutput{Commitment: protocol.Commitment(commitment)}
}

func TestReserveOutputs(t *testing.T) {
	m := New()
	ctx := context.Background()

	require.NoError(t, m.AddOutput(output("a"), 500))
	require.NoError(t, m.AddOutput(output("b"), 300))
	require.NoError(t, m.AddOutput(output("c"), 100))

	selection, err := m.ReserveOutputs(ctx, 1, 600, 50)
	require.NoError(t, err)
	assert.Len(t, selection.Inputs, 2)
	assert.Equal(t, protocol.Amount(800), selection.TotalValue)
	assert.Equal(t, protocol.Amount(150), selection.ChangeAmount)

	// reserved outputs are not available for a second spend
	_, err = m.ReserveOutputs(ctx, 2, 200, 10)
	require.ErrorIs(t, err, outputmgr.ErrNotEnoughFunds)
}

func TestReserveOutputsCarriesFeatures(t *testing.T) {
	m := New()
	ctx := context.Background()

	coinbase := protocol.TransactionOutput{
		Features:   protocol.OutputFeaturesCoinbase,
		Commitment: protocol.Commitment("cb"),
	}
	require.NoError(t, m.AddOutput(coinbase, 500))

	selection, err := m.ReserveOutputs(ctx, 1, 400, 10)
	require.NoError(t, err)
	require.Len(t, selection.Inputs, 1)
	assert.Equal(t, protocol.OutputFeaturesCoinbase, selection.Inputs[0].Features)
	assert.Equal(t, coinbase.Commitment, selection.Inputs[0].Commitment)
}

func TestReserveOutputsNotEnoughFunds(t *testing.T) {
	m := New()
	ctx := context.Background()

	_, err := m.ReserveOutputs(ctx, 1, 100, 10)
	require.ErrorIs(t, err, outputmgr.ErrOutputsExhausted)

	require.NoError(t, m.AddOutput(output("a"), 50))
	_, err = m.ReserveOutputs(ctx, 1, 100, 10)
	require.ErrorIs(t, err, outputmgr.ErrNotEnoughFunds)
}

func TestReleaseReservedOutputs(t *testing.T) {
	m := New()
	ctx := context.Background()

	require.NoError(t, m.AddOutput(output("a"), 500))

	_, err := m.ReserveOutputs(ctx, 1, 400, 10)
	require.NoError(t, err)

	require.NoError(t, m.ReleaseReservedOutputs(ctx, 1))

	// released outputs are spendable again
	selection, err := m.ReserveOutputs(ctx, 2, 400, 10)
	require.NoError(t, err)
	assert.Equal(t, protocol.Amount(500), selection.TotalValue)

	err = m.ReleaseReservedOutputs(ctx, 99)
	require.ErrorIs(t, err, outputmgr.ErrNoReservation)
}

func TestConfirmMinedOutputs(t *testing.T) {
	m := New()
	ctx := context.Background()

	require.NoError(t, m.AddOutput(output("spent"), 500))
	require.NoError(t, m.AddPendingOutput(ctx, 1, output("incoming"), 200))

	_, err := m.ReserveOutputs(ctx, 1, 400, 10)
	require.NoError(t, err)

	pending, err := m.PendingIncomingBalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.Amount(200), pending)

	require.NoError(t, m.ConfirmMinedOutputs(ctx, 1))

	// the spent output is gone, the incoming one is spendable
	pending, err = m.PendingIncomingBalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.Amount(0), pending)

	selection, err := m.ReserveOutputs(ctx, 2, 100, 10)
	require.NoError(t, err)
	assert.Equal(t, protocol.Commitment("incoming"), selection.Inputs[0].Commitment)
}

func TestScanForOneSidedPaymentOutputs(t *testing.T) {
	m := New()
	ctx := context.Background()

	key, err := protocol.NewSecretKey()
	require.NoError(t, err)
	m.AddClaimKey(key.PublicKey())

	mine := output("mine")
	mine.ScriptKey = key.PublicKey()
	other := output("other")
	other.ScriptKey = protocol.PublicKey("someone else")

	claimable, err := m.ScanForOneSidedPaymentOutputs(ctx, []protocol.TransactionOutput{mine, other})
	require.NoError(t, err)
	require.Len(t, claimable, 1)
	assert.Equal(t, protocol.Commitment("mine"), claimable[0].Commitment)
}

func TestAddDuplicateOutput(t *testing.T) {
	m := New()

	require.NoError(t, m.AddOutput(output("a"), 100))
	err := m.AddOutput(output("a"), 100)
	require.ErrorIs(t, err, outputmgr.ErrDuplicateOutput)
}
