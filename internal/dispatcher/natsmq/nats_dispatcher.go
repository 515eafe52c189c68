package natsmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mimblewallet/walletd/internal/dispatcher"
	"github.com/mimblewallet/walletd/internal/protocol"
)

const (
	connectionTries = 5

	directSubjectPrefix = "wallet.inbox."
	safSubjectPrefix    = "wallet.saf."
)

var ackPayload = []byte("ack")

// NatsConnection is the subset of nats.Conn the dispatcher uses.
type NatsConnection interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
	Publish(subj string, data []byte) error
	QueueSubscribe(subj, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
	Drain() error
}

// Connect dials the NATS server, retrying in intervals while the server
// comes up.
func Connect(natsURL string) (*nats.Conn, error) {
	nc, err := nats.Connect(natsURL)
	if err == nil {
		return nc, nil
	}

	i := 0
	for range time.NewTicker(2 * time.Second).C {
		nc, err = nats.Connect(natsURL)
		if err != nil && i >= connectionTries {
			return nil, fmt.Errorf("failed to connect to NATS server: %v", err)
		}

		if err == nil {
			break
		}
		i++
	}

	return nc, nil
}

// Dispatcher sends and receives wallet messages over NATS subjects. Each
// wallet address maps to one direct subject and one store and forward
// subject.
type Dispatcher struct {
	nc            NatsConnection
	logger        *slog.Logger
	directTimeout time.Duration
}

func WithLogger(logger *slog.Logger) func(*Dispatcher) {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

func WithDirectTimeout(timeout time.Duration) func(*Dispatcher) {
	return func(d *Dispatcher) {
		d.directTimeout = timeout
	}
}

func New(nc NatsConnection, opts ...func(*Dispatcher)) *Dispatcher {
	d := &Dispatcher{
		nc:            nc,
		logger:        slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})),
		directTimeout: 20 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}

	return d
}

// SendDirect sends a request on the peer's inbox subject and treats any
// reply as the acknowledgement. An offline peer surfaces as a timeout.
func (d *Dispatcher) SendDirect(ctx context.Context, peer protocol.Address, msg *protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, d.directTimeout)
	defer cancel()

	_, err = d.nc.RequestWithContext(ctx, directSubjectPrefix+string(peer), data)
	if err != nil {
		return errors.Join(dispatcher.ErrDirectSendFailed, fmt.Errorf("peer: %s", peer), err)
	}

	return nil
}

// SendStoreAndForward publishes on the peer's store and forward subject.
// Delivery is fire and forget.
func (d *Dispatcher) SendStoreAndForward(_ context.Context, peer protocol.Address, msg *protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}

	err = d.nc.Publish(safSubjectPrefix+string(peer), data)
	if err != nil {
		return errors.Join(dispatcher.ErrSafSendFailed, fmt.Errorf("peer: %s", peer), err)
	}

	return nil
}

// Subscribe listens on both of the wallet's subjects. Direct messages are
// acknowledged before the handler runs so the sender is not held up by
// processing.
func (d *Dispatcher) Subscribe(own protocol.Address, handler func(*protocol.Message)) error {
	directSubject := directSubjectPrefix + string(own)
	_, err := d.nc.QueueSubscribe(directSubject, directSubject+"-group", func(natsMsg *nats.Msg) {
		err := natsMsg.Respond(ackPayload)
		if err != nil {
			d.logger.Error("failed to acknowledge direct message", slog.String("err", err.Error()))
		}

		d.dispatch(natsMsg.Data, handler)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", directSubject, err)
	}

	safSubject := safSubjectPrefix + string(own)
	_, err = d.nc.QueueSubscribe(safSubject, safSubject+"-group", func(natsMsg *nats.Msg) {
		d.dispatch(natsMsg.Data, handler)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", safSubject, err)
	}

	return nil
}

func (d *Dispatcher) dispatch(data []byte, handler func(*protocol.Message)) {
	msg, err := protocol.DecodeMessage(data)
	if err != nil {
		d.logger.Error("failed to decode incoming message", slog.String("err", err.Error()))
		return
	}

	handler(msg)
}

func (d *Dispatcher) Shutdown() {
	if d.nc != nil {
		err := d.nc.Drain()
		if err != nil {
			d.logger.Error("failed to drain nats connection", slog.String("err", err.Error()))
		}
	}
}
