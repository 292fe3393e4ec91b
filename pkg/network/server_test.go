package network

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDialer struct{}

func (stubDialer) Dial(context.Context, Endpoint) (net.Conn, error) {
	return nil, ErrConnectionRefused
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	config := Config{PingInterval: time.Hour, IdleTimeout: time.Hour, HandshakeTimeout: time.Hour}
	svc := NewService(config, PeerID{0xaa}, stubDialer{}, nil)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Shutdown() })
	return svc
}

func TestServiceLifecycleTransitions(t *testing.T) {
	config := Config{PingInterval: time.Hour}
	svc := NewService(config, PeerID{1}, stubDialer{}, nil)
	assert.Equal(t, LifecycleStopped, svc.State())

	require.NoError(t, svc.Start(context.Background()))
	assert.Equal(t, LifecycleRunning, svc.State())

	assert.ErrorIs(t, svc.Start(context.Background()), ErrAlreadyRunning)

	require.NoError(t, svc.Shutdown())
	assert.Equal(t, LifecycleStopped, svc.State())
}

func TestServiceGetPeersEmptyInitially(t *testing.T) {
	svc := newTestService(t)
	peers, err := svc.GetPeers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, peers)
}

func TestServiceSendMessageToUnknownPeerFails(t *testing.T) {
	svc := newTestService(t)
	msg := &Message{Header: Header{ProtocolID: ProtocolControl, Version: 1}, Payload: []byte("x")}
	err := svc.SendMessage(context.Background(), PeerID{7}, msg, PriorityNormal)
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestServiceBroadcastWithNoPeersSucceeds(t *testing.T) {
	svc := newTestService(t)
	msg := &Message{Header: Header{ProtocolID: ProtocolControl, Version: 1}, Payload: []byte("x")}
	err := svc.Broadcast(context.Background(), msg, PriorityNormal, PolicyAllPeers)
	assert.NoError(t, err)
}

func TestServiceCommandsFailWhenNotRunning(t *testing.T) {
	svc := NewService(Config{}, PeerID{1}, stubDialer{}, nil)
	_, err := svc.GetPeers(context.Background())
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestServiceConnectAdmitsAndTracksProvisionalConnection(t *testing.T) {
	svc := newTestService(t)
	ep := Endpoint{IP: net.ParseIP("10.0.0.1"), Port: 30333}
	require.NoError(t, svc.Connect(context.Background(), ep))

	peers, err := svc.GetPeers(context.Background())
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, StateConnecting, peers[0].State)
}
