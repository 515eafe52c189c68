// Package dispatcher moves protocol messages between wallets. A message can
// travel directly, requiring the peer to be online and acknowledge receipt,
// or through a store and forward queue the peer drains later.
package dispatcher

import (
	"context"
	"errors"

	"github.com/mimblewallet/walletd/internal/protocol"
)

var (
	ErrDirectSendFailed = errors.New("direct send failed")
	ErrSafSendFailed    = errors.New("store and forward send failed")
)

type Dispatcher interface {
	// SendDirect delivers the message to an online peer and waits for an
	// acknowledgement. Returns ErrDirectSendFailed when the peer does not
	// acknowledge in time.
	SendDirect(ctx context.Context, peer protocol.Address, msg *protocol.Message) error

	// SendStoreAndForward queues the message for a peer that may be offline.
	SendStoreAndForward(ctx context.Context, peer protocol.Address, msg *protocol.Message) error

	// Subscribe registers the handler for messages addressed to own. The
	// handler runs on the dispatcher's receive goroutine.
	Subscribe(own protocol.Address, handler func(*protocol.Message)) error

	Shutdown()
}
