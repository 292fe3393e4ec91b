package network

import (
	"time"
)

// Priority orders queued outbound messages; a full send queue drops
// the oldest message at the lowest priority first (§4.4).
type Priority byte

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// queuedMessage pairs an encoded packet with its priority for the
// per-peer outbound queue.
type queuedMessage struct {
	priority Priority
	packet   []byte
}

// Connection is the manager's owned record of a single peer
// connection (§3). Topology and broadcast hold only non-owning
// references (PeerID / snapshots), never the Connection itself.
type Connection struct {
	PeerID          PeerID
	Endpoint        Endpoint
	Direction       Direction
	State           ConnState
	ConnectedAt     time.Time
	LastActivity    time.Time
	UserAgent       string
	ProtocolVersion uint32
	Capabilities    NegotiatedCapabilities
	BlockPreference BlockPreference

	// outboundQueue is the bounded per-peer send queue; only the
	// connection manager's writer goroutine drains it, so ordering
	// of submissions to the same peer is preserved (§5).
	outboundQueue chan queuedMessage
}

// newConnection allocates a Connection with a bounded outbound queue.
func newConnection(id PeerID, ep Endpoint, dir Direction, queueSize int) *Connection {
	return &Connection{
		PeerID:          id,
		Endpoint:        ep,
		Direction:       dir,
		State:           StateConnecting,
		ConnectedAt:     time.Now(),
		LastActivity:    time.Now(),
		BlockPreference: BlockPreferenceCompactBlocks,
		outboundQueue:   make(chan queuedMessage, queueSize),
	}
}

// Enqueue submits a packet for sending to this peer, dropping the
// oldest queued normal-priority message on overflow rather than
// blocking or reordering same-priority traffic (§4.4). High-priority
// messages are never dropped to make room for normal ones; if the
// queue is saturated with high-priority traffic the newest message is
// dropped instead, since there is nothing lower-priority to evict.
func (c *Connection) Enqueue(priority Priority, packet []byte) {
	msg := queuedMessage{priority: priority, packet: packet}
	select {
	case c.outboundQueue <- msg:
		return
	default:
	}
	// Queue full: try to make room by dropping one normal-priority
	// message, then retry once.
	select {
	case old := <-c.outboundQueue:
		if old.priority == PriorityHigh && priority != PriorityHigh {
			// Put it back; we won't displace high priority traffic
			// with normal traffic. Drop the new message instead.
			select {
			case c.outboundQueue <- old:
			default:
			}
			return
		}
	default:
	}
	select {
	case c.outboundQueue <- msg:
	default:
	}
}

// Touch records activity for idle-timeout purposes (§4.4).
func (c *Connection) Touch() {
	c.LastActivity = time.Now()
}
