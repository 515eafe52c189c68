package natsmq

import (
	"context"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mimblewallet/walletd/internal/dispatcher"
	"github.com/mimblewallet/walletd/internal/protocol"
)

type fakeConnection struct {
	requested   []string
	published   []string
	payloads    [][]byte
	subscribed  map[string]nats.MsgHandler
	requestErr  error
	publishErr  error
	drainCalled bool
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{subscribed: map[string]nats.MsgHandler{}}
}

func (f *fakeConnection) RequestWithContext(_ context.Context, subj string, data []byte) (*nats.Msg, error) {
	f.requested = append(f.requested, subj)
	f.payloads = append(f.payloads, data)
	if f.requestErr != nil {
		return nil, f.requestErr
	}
	return &nats.Msg{Data: ackPayload}, nil
}

func (f *fakeConnection) Publish(subj string, data []byte) error {
	f.published = append(f.published, subj)
	f.payloads = append(f.payloads, data)
	return f.publishErr
}

func (f *fakeConnection) QueueSubscribe(subj, _ string, cb nats.MsgHandler) (*nats.Subscription, error) {
	f.subscribed[subj] = cb
	return &nats.Subscription{}, nil
}

func (f *fakeConnection) Drain() error {
	f.drainCalled = true
	return nil
}

func testMessage(txID protocol.TxID) *protocol.Message {
	return &protocol.Message{
		ID:        "msg-1",
		Type:      protocol.MessageTypeCancelled,
		Source:    "alice",
		Cancelled: &protocol.CancelledMessage{TxID: txID},
	}
}

func TestSendDirect(t *testing.T) {
	nc := newFakeConnection()
	d := New(nc)

	err := d.SendDirect(context.Background(), "bob", testMessage(7))
	require.NoError(t, err)
	require.Len(t, nc.requested, 1)
	assert.Equal(t, "wallet.inbox.bob", nc.requested[0])

	decoded, err := protocol.DecodeMessage(nc.payloads[0])
	require.NoError(t, err)
	assert.Equal(t, protocol.TxID(7), decoded.MessageTxID())
}

func TestSendDirectPeerOffline(t *testing.T) {
	nc := newFakeConnection()
	nc.requestErr = nats.ErrTimeout
	d := New(nc)

	err := d.SendDirect(context.Background(), "bob", testMessage(7))
	require.ErrorIs(t, err, dispatcher.ErrDirectSendFailed)
}

func TestSendStoreAndForward(t *testing.T) {
	nc := newFakeConnection()
	d := New(nc)

	err := d.SendStoreAndForward(context.Background(), "bob", testMessage(8))
	require.NoError(t, err)
	require.Len(t, nc.published, 1)
	assert.Equal(t, "wallet.saf.bob", nc.published[0])

	nc.publishErr = errors.New("connection lost")
	err = d.SendStoreAndForward(context.Background(), "bob", testMessage(8))
	require.ErrorIs(t, err, dispatcher.ErrSafSendFailed)
}

func TestSubscribeRoutesBothSubjects(t *testing.T) {
	nc := newFakeConnection()
	d := New(nc)

	var received []*protocol.Message
	err := d.Subscribe("alice", func(msg *protocol.Message) {
		received = append(received, msg)
	})
	require.NoError(t, err)

	require.Contains(t, nc.subscribed, "wallet.inbox.alice")
	require.Contains(t, nc.subscribed, "wallet.saf.alice")

	data, err := testMessage(9).Encode()
	require.NoError(t, err)

	nc.subscribed["wallet.saf.alice"](&nats.Msg{Data: data})
	require.Len(t, received, 1)
	assert.Equal(t, protocol.TxID(9), received[0].MessageTxID())

	// malformed payloads are dropped, not delivered
	nc.subscribed["wallet.saf.alice"](&nats.Msg{Data: []byte("garbage")})
	assert.Len(t, received, 1)
}

func TestShutdownDrains(t *testing.T) {
	nc := newFakeConnection()
	d := New(nc)

	d.Shutdown()
	assert.True(t, nc.drainCalled)
}
