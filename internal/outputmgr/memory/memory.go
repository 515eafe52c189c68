// Package memory holds outputs in process memory. Suited to tests and to
// wallets that rebuild their output set from the chain on startup.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/mimblewallet/walletd/internal/outputmgr"
	"github.com/mimblewallet/walletd/internal/protocol"
)

type trackedOutput struct {
	output     protocol.TransactionOutput
	value      protocol.Amount
	reservedBy *protocol.TxID
	pending    bool
}

// Manager implements outputmgr.Manager with an in-memory output set.
type Manager struct {
	mu      sync.Mutex
	outputs map[string]*trackedOutput

	// claimKeys are the wallet's one-sided payment keys, used to recognise
	// outputs addressed to it during scanning.
	claimKeys map[string]struct{}
}

func New() *Manager {
	return &Manager{
		outputs:   map[string]*trackedOutput{},
		claimKeys: map[string]struct{}{},
	}
}

// AddOutput registers a spendable output with its cleartext value.
func (m *Manager) AddOutput(output protocol.TransactionOutput, value protocol.Amount) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := string(output.Commitment)
	if _, ok := m.outputs[key]; ok {
		return outputmgr.ErrDuplicateOutput
	}

	m.outputs[key] = &trackedOutput{output: output, value: value}
	return nil
}

// AddClaimKey registers a script key the wallet can claim one-sided
// payments with.
func (m *Manager) AddClaimKey(key protocol.PublicKey) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.claimKeys[string(key)] = struct{}{}
}

func (m *Manager) AddPendingOutput(_ context.Context, txID protocol.TxID, output protocol.TransactionOutput, value protocol.Amount) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := string(output.Commitment)
	if _, ok := m.outputs[key]; ok {
		return outputmgr.ErrDuplicateOutput
	}

	id := txID
	m.outputs[key] = &trackedOutput{output: output, value: value, reservedBy: &id, pending: true}
	return nil
}

func (m *Manager) ReserveOutputs(_ context.Context, txID protocol.TxID, amount, fee protocol.Amount) (*outputmgr.Selection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	target := amount + fee

	// deterministic selection, largest first
	spendable := make([]*trackedOutput, 0, len(m.outputs))
	for _, tracked := range m.outputs {
		if tracked.reservedBy == nil && !tracked.pending {
			spendable = append(spendable, tracked)
		}
	}
	if len(spendable) == 0 {
		return nil, outputmgr.ErrOutputsExhausted
	}

	sort.Slice(spendable, func(i, j int) bool {
		if spendable[i].value != spendable[j].value {
			return spendable[i].value > spendable[j].value
		}
		return string(spendable[i].output.Commitment) < string(spendable[j].output.Commitment)
	})

	selection := &outputmgr.Selection{}
	for _, tracked := range spendable {
		selection.Inputs = append(selection.Inputs, protocol.TransactionInput{
			Features:   tracked.output.Features,
			Commitment: tracked.output.Commitment,
		})
		selection.TotalValue += tracked.value
		if selection.TotalValue >= target {
			break
		}
	}

	if selection.TotalValue < target {
		return nil, outputmgr.ErrNotEnoughFunds
	}
	selection.ChangeAmount = selection.TotalValue - target

	id := txID
	for _, input := range selection.Inputs {
		m.outputs[string(input.Commitment)].reservedBy = &id
	}

	return selection, nil
}

func (m *Manager) ConfirmMinedOutputs(_ context.Context, txID protocol.TxID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	found := false
	for key, tracked := range m.outputs {
		if tracked.reservedBy == nil || *tracked.reservedBy != txID {
			continue
		}
		found = true

		if tracked.pending {
			// expected output arrived, it is spendable now
			tracked.pending = false
			tracked.reservedBy = nil
			continue
		}

		// reserved input was spent for good
		delete(m.outputs, key)
	}

	if !found {
		return outputmgr.ErrNoReservation
	}
	return nil
}

func (m *Manager) ReleaseReservedOutputs(_ context.Context, txID protocol.TxID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	found := false
	for key, tracked := range m.outputs {
		if tracked.reservedBy == nil || *tracked.reservedBy != txID {
			continue
		}
		found = true

		if tracked.pending {
			// the expected output is not coming
			delete(m.outputs, key)
			continue
		}

		tracked.reservedBy = nil
	}

	if !found {
		return outputmgr.ErrNoReservation
	}
	return nil
}

func (m *Manager) ScanForOneSidedPaymentOutputs(_ context.Context, outputs []protocol.TransactionOutput) ([]protocol.TransactionOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var claimable []protocol.TransactionOutput
	for _, output := range outputs {
		if _, ok := m.claimKeys[string(output.ScriptKey)]; ok {
			claimable = append(claimable, output)
		}
	}

	return claimable, nil
}

func (m *Manager) PendingIncomingBalance(_ context.Context) (protocol.Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total protocol.Amount
	for _, tracked := range m.outputs {
		if tracked.pending {
			total += tracked.value
		}
	}

	return total, nil
}
