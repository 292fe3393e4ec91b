package network

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTCPPeerRoundTripsMessages(t *testing.T) {
	serverSock, clientSock := net.Pipe()
	defer clientSock.Close()

	conn := newConnection(PeerID{1}, Endpoint{IP: net.ParseIP("10.0.0.1"), Port: 1}, Inbound, 4)
	codec := NewCodec(DefaultMaxMessageSize)

	received := make(chan *Message, 1)
	peer := NewTCPPeer(conn, serverSock, codec, nil,
		func(_ *Connection, msg *Message) { received <- msg },
		func(_ *Connection, _ error) {},
	)
	go peer.Run()
	defer peer.Close()

	msg := &Message{Header: Header{ProtocolID: ProtocolControl, MessageType: 1, Version: 1}, Payload: []byte("ping")}
	packet, err := codec.Encode(msg)
	require.NoError(t, err)
	conn.Enqueue(PriorityNormal, packet)

	// Drive the peer's writer by reading from the client side, which
	// simulates the remote end of the wire.
	go func() {
		buf := make([]byte, len(packet))
		_, _ = readFull(clientSock, buf)
		_, _ = clientSock.Write(buf) // loop the bytes back as if the remote echoed
	}()

	select {
	case got := <-received:
		assert.Equal(t, msg.Payload, got.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive echoed message in time")
	}
}

func TestTCPDialerWrapsFailureAsConnectionRefused(t *testing.T) {
	dialer := TCPDialer{Timeout: 50 * time.Millisecond}
	_, err := dialer.Dial(context.Background(), Endpoint{IP: net.ParseIP("192.0.2.1"), Port: 1})
	assert.ErrorIs(t, err, ErrConnectionRefused)
}
