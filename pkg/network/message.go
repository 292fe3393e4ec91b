package network

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// HeaderSize is the fixed, little-endian wire header size (§6):
// [u16 protocol_id][u16 message_type][u32 length][u8 version][u8 flags]
// followed by two reserved bytes written as zero.
const HeaderSize = 12

// ProtocolID identifies which higher-layer protocol a message belongs
// to, per the stable integer assignment in spec §6.
type ProtocolID uint16

const (
	ProtocolPeerDiscovery ProtocolID = 1
	ProtocolBlockExchange ProtocolID = 2
	ProtocolTransaction   ProtocolID = 3
	ProtocolConsensus     ProtocolID = 4
	ProtocolStateSync     ProtocolID = 5
	ProtocolControl       ProtocolID = 6
	ProtocolIdentity      ProtocolID = 7
)

func (p ProtocolID) known() bool {
	switch p {
	case ProtocolPeerDiscovery, ProtocolBlockExchange, ProtocolTransaction,
		ProtocolConsensus, ProtocolStateSync, ProtocolControl, ProtocolIdentity:
		return true
	default:
		return false
	}
}

// MessageType demultiplexes within a protocol; the core treats it as
// an opaque integer and leaves interpretation to the protocol owner.
type MessageType uint16

// Header is the fixed 12-byte wire header.
type Header struct {
	ProtocolID  ProtocolID
	MessageType MessageType
	Length      uint32
	Version     uint8
	Flags       uint8
}

// Message is a framed protocol message: a header plus opaque payload
// bytes. Blocks and transactions are opaque byte containers to this
// core (§1); higher layers interpret Payload.
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage builds a message with a correctly populated Length field.
func NewMessage(protocol ProtocolID, msgType MessageType, version byte, payload []byte) *Message {
	return &Message{
		Header: Header{
			ProtocolID:  protocol,
			MessageType: msgType,
			Length:      uint32(len(payload)),
			Version:     version,
		},
		Payload: payload,
	}
}

// Codec encodes and decodes wire messages, enforcing the configured
// maximum message size (§4.1).
type Codec struct {
	MaxMessageSize uint32
}

// DefaultMaxMessageSize bounds a single message's payload absent
// explicit configuration.
const DefaultMaxMessageSize = 16 * 1024 * 1024

// NewCodec returns a Codec bounded by maxMessageSize; zero means
// DefaultMaxMessageSize.
func NewCodec(maxMessageSize uint32) *Codec {
	if maxMessageSize == 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	return &Codec{MaxMessageSize: maxMessageSize}
}

// Encode serializes a message: 12-byte header then payload bytes.
func (c *Codec) Encode(m *Message) ([]byte, error) {
	if uint64(len(m.Payload)) > uint64(^uint32(0)) {
		return nil, errors.Wrap(ErrOversizedMessage, "payload exceeds uint32 range")
	}
	if uint32(len(m.Payload)) > c.MaxMessageSize {
		return nil, errors.Wrapf(ErrOversizedMessage, "payload %d exceeds max %d", len(m.Payload), c.MaxMessageSize)
	}
	buf := make([]byte, HeaderSize+len(m.Payload))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(m.Header.ProtocolID))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(m.Header.MessageType))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(m.Payload)))
	buf[8] = m.Header.Version
	buf[9] = m.Header.Flags
	// bytes 10-11 reserved, left zero
	copy(buf[HeaderSize:], m.Payload)
	return buf, nil
}

// Decode reads a full framed message from bytes, validating the
// header's protocol id and length against the wrapped bytes.
func (c *Codec) Decode(data []byte) (*Message, error) {
	if len(data) < HeaderSize {
		return nil, errors.Wrapf(ErrTruncatedMessage, "got %d bytes, need at least %d", len(data), HeaderSize)
	}
	var h Header
	h.ProtocolID = ProtocolID(binary.LittleEndian.Uint16(data[0:2]))
	h.MessageType = MessageType(binary.LittleEndian.Uint16(data[2:4]))
	h.Length = binary.LittleEndian.Uint32(data[4:8])
	h.Version = data[8]
	h.Flags = data[9]

	if !h.ProtocolID.known() {
		return nil, errors.Wrapf(ErrUnknownProtocol, "protocol id %d", h.ProtocolID)
	}
	if h.Length > c.MaxMessageSize {
		return nil, errors.Wrapf(ErrOversizedMessage, "length %d exceeds max %d", h.Length, c.MaxMessageSize)
	}
	if uint64(len(data)) != uint64(HeaderSize)+uint64(h.Length) {
		return nil, errors.Wrapf(ErrTruncatedMessage, "declared length %d, have %d payload bytes", h.Length, len(data)-HeaderSize)
	}

	payload := make([]byte, h.Length)
	copy(payload, data[HeaderSize:])
	return &Message{Header: h, Payload: payload}, nil
}

// ReadHeader decodes only the fixed header, for callers that want to
// size a read buffer before consuming the payload off a stream.
func ReadHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, errors.Wrap(ErrTruncatedMessage, "short header read")
	}
	return Header{
		ProtocolID:  ProtocolID(binary.LittleEndian.Uint16(data[0:2])),
		MessageType: MessageType(binary.LittleEndian.Uint16(data[2:4])),
		Length:      binary.LittleEndian.Uint32(data[4:8]),
		Version:     data[8],
		Flags:       data[9],
	}, nil
}
