package basenode

import (
	"context"
	"sync"

	"github.com/mimblewallet/walletd/internal/protocol"
)

// Swappable lets the wallet switch base nodes at runtime while long-lived
// monitoring goroutines keep a stable handle. All calls go to whichever
// client was installed last.
type Swappable struct {
	mu     sync.RWMutex
	client Client
}

func NewSwappable(client Client) *Swappable {
	return &Swappable{client: client}
}

// Swap installs a new client and returns the previous one, which may be nil.
func (s *Swappable) Swap(client Client) Client {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.client
	s.client = client
	return previous
}

func (s *Swappable) current() (Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.client == nil {
		return nil, ErrNoBaseNode
	}
	return s.client, nil
}

func (s *Swappable) SubmitTransaction(ctx context.Context, tx *protocol.Transaction) (*SubmitResult, error) {
	client, err := s.current()
	if err != nil {
		return nil, err
	}
	return client.SubmitTransaction(ctx, tx)
}

func (s *Swappable) QueryTransactions(ctx context.Context, signatures []protocol.Signature) ([]*TxQueryResult, error) {
	client, err := s.current()
	if err != nil {
		return nil, err
	}
	return client.QueryTransactions(ctx, signatures)
}

func (s *Swappable) GetTipInfo(ctx context.Context) (*TipInfo, error) {
	client, err := s.current()
	if err != nil {
		return nil, err
	}
	return client.GetTipInfo(ctx)
}

func (s *Swappable) FeePerGramStats(ctx context.Context, blockCount uint64) ([]*FeePerGramStat, error) {
	client, err := s.current()
	if err != nil {
		return nil, err
	}
	return client.FeePerGramStats(ctx, blockCount)
}

func (s *Swappable) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.client == nil {
		return ""
	}
	return s.client.Address()
}
