package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecRoundTrip(t *testing.T) {
	c := NewCodec(0)
	m := NewMessage(ProtocolBlockExchange, MessageType(0x2c), 1, []byte("a serialized block"))

	raw, err := c.Encode(m)
	require.NoError(t, err)

	decoded, err := c.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, m.Header.ProtocolID, decoded.Header.ProtocolID)
	assert.Equal(t, m.Header.MessageType, decoded.Header.MessageType)
	assert.Equal(t, m.Header.Version, decoded.Header.Version)
	assert.Equal(t, m.Payload, decoded.Payload)
	assert.Equal(t, uint32(len(m.Payload)), decoded.Header.Length)
}

func TestCodecEmptyPayload(t *testing.T) {
	c := NewCodec(0)
	m := NewMessage(ProtocolControl, MessageType(1), 0, nil)

	raw, err := c.Encode(m)
	require.NoError(t, err)
	assert.Len(t, raw, HeaderSize)

	decoded, err := c.Decode(raw)
	require.NoError(t, err)
	assert.Empty(t, decoded.Payload)
}

func TestCodecTruncatedMessage(t *testing.T) {
	c := NewCodec(0)
	_, err := c.Decode([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrTruncatedMessage)
}

func TestCodecLengthMismatch(t *testing.T) {
	c := NewCodec(0)
	m := NewMessage(ProtocolTransaction, MessageType(1), 0, []byte("hello"))
	raw, err := c.Encode(m)
	require.NoError(t, err)

	// Truncate the payload without fixing the declared length.
	_, err = c.Decode(raw[:len(raw)-1])
	assert.ErrorIs(t, err, ErrTruncatedMessage)
}

func TestCodecUnknownProtocol(t *testing.T) {
	c := NewCodec(0)
	m := NewMessage(ProtocolID(99), MessageType(1), 0, nil)
	raw, err := c.Encode(m)
	require.NoError(t, err)

	_, err = c.Decode(raw)
	assert.ErrorIs(t, err, ErrUnknownProtocol)
}

func TestCodecOversizedMessage(t *testing.T) {
	c := NewCodec(8)
	m := NewMessage(ProtocolTransaction, MessageType(1), 0, make([]byte, 9))

	_, err := c.Encode(m)
	assert.ErrorIs(t, err, ErrOversizedMessage)
}

func TestCodecOversizedOnDecode(t *testing.T) {
	small := NewCodec(4)
	large := NewCodec(0)
	m := NewMessage(ProtocolTransaction, MessageType(1), 0, make([]byte, 5))

	raw, err := large.Encode(m)
	require.NoError(t, err)

	_, err = small.Decode(raw)
	assert.ErrorIs(t, err, ErrOversizedMessage)
}

func TestHeaderLittleEndian(t *testing.T) {
	c := NewCodec(0)
	m := NewMessage(ProtocolID(0x0201), MessageType(0x0403), 5, nil)
	raw, err := c.Encode(m)
	require.NoError(t, err)

	assert.Equal(t, byte(0x01), raw[0])
	assert.Equal(t, byte(0x02), raw[1])
	assert.Equal(t, byte(0x03), raw[2])
	assert.Equal(t, byte(0x04), raw[3])
}
