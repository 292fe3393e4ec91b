package network

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ConnectionManagerConfig bounds the connection manager's admission
// decisions (§4.4).
type ConnectionManagerConfig struct {
	MaxInbound     int
	MaxOutbound    int
	MaxPeersPerIP  int
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	SendQueueSize    int
}

// ConnectionManager owns every live Connection and enforces the
// handshake state machine and per-IP/global connection caps (§4.4).
// Topology, broadcast and gossip never hold a *Connection directly;
// they address peers by PeerID and go through the manager to send.
type ConnectionManager struct {
	mu sync.RWMutex

	self   PeerID
	config ConnectionManagerConfig
	log    *zap.Logger

	conns        map[PeerID]*Connection
	ipConns      map[string]int
	inboundCount int
	outboundCount int
}

// NewConnectionManager constructs a manager. self is this node's own
// peer id, used to resolve simultaneous-connection ties.
func NewConnectionManager(self PeerID, config ConnectionManagerConfig, log *zap.Logger) *ConnectionManager {
	if config.MaxInbound <= 0 {
		config.MaxInbound = DefaultMaxInbound
	}
	if config.MaxOutbound <= 0 {
		config.MaxOutbound = DefaultMaxOutbound
	}
	if config.MaxPeersPerIP <= 0 {
		config.MaxPeersPerIP = DefaultMaxPeersPerIP
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}
	if config.SendQueueSize <= 0 {
		config.SendQueueSize = DefaultSendQueueSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ConnectionManager{
		self:    self,
		config:  config,
		log:     log,
		conns:   make(map[PeerID]*Connection),
		ipConns: make(map[string]int),
	}
}

// AdmitInbound checks whether a newly accepted socket from ep may
// proceed to the handshake, against the per-IP and global inbound
// caps (§4.4). It does not yet know the remote's peer id.
func (m *ConnectionManager) AdmitInbound(ep Endpoint) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.inboundCount >= m.config.MaxInbound {
		return ErrMaxPeers
	}
	if m.ipConns[ep.IP.String()] >= m.config.MaxPeersPerIP {
		return errors.Wrapf(ErrMaxPeers, "ip %s at per-ip connection cap", ep.IP)
	}
	return nil
}

// AdmitOutbound checks the global outbound cap before a dial begins.
func (m *ConnectionManager) AdmitOutbound() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.outboundCount >= m.config.MaxOutbound {
		return ErrMaxPeers
	}
	return nil
}

// BeginConnecting registers a new connection in StateConnecting,
// reserving its slot in the ip/direction counters. The connection's
// peer id is not yet known to be final: until the handshake completes
// callers should treat it as provisional and call Identify once the
// remote's announced peer id arrives.
func (m *ConnectionManager) BeginConnecting(provisionalID PeerID, ep Endpoint, dir Direction) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if dir == Inbound && m.inboundCount >= m.config.MaxInbound {
		return nil, ErrMaxPeers
	}
	if dir == Outbound && m.outboundCount >= m.config.MaxOutbound {
		return nil, ErrMaxPeers
	}
	if m.ipConns[ep.IP.String()] >= m.config.MaxPeersPerIP {
		return nil, errors.Wrapf(ErrMaxPeers, "ip %s at per-ip connection cap", ep.IP)
	}

	conn := newConnection(provisionalID, ep, dir, m.config.SendQueueSize)
	m.conns[provisionalID] = conn
	m.ipConns[ep.IP.String()]++
	if dir == Inbound {
		m.inboundCount++
	} else {
		m.outboundCount++
	}
	return conn, nil
}

// Identify finalizes a connection's peer id once the handshake
// announces it, resolving a duplicate-connection conflict by the
// tie-break rule of §4.4: of the two sides racing a simultaneous
// connect, the peer with the lower id keeps its outbound connection.
// When the remote's id sorts lower than ours we keep our inbound
// connection (the one it dialed) and drop our outbound; when ours
// sorts lower we keep our outbound. This avoids both ends closing (or
// both keeping) the connection under a symmetric rule.
func (m *ConnectionManager) Identify(provisionalID, finalID PeerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[provisionalID]
	if !ok {
		return ErrUnknownPeer
	}

	if existing, dup := m.conns[finalID]; dup && existing != conn {
		keepExisting := m.resolveDuplicate(existing, conn)
		if keepExisting {
			m.removeLocked(conn)
			return ErrDuplicateConnection
		}
		m.removeLocked(existing)
	}

	delete(m.conns, provisionalID)
	conn.PeerID = finalID
	conn.State = StateHandshaking
	m.conns[finalID] = conn
	return nil
}

// resolveDuplicate decides whether the existing connection should be
// kept over the incoming one, per the simultaneous-connect tie-break.
func (m *ConnectionManager) resolveDuplicate(existing, incoming *Connection) bool {
	remote := existing.PeerID
	preferInbound := remote.Less(m.self)
	existingIsInbound := existing.Direction == Inbound
	if preferInbound {
		return existingIsInbound || incoming.Direction != Inbound
	}
	return !existingIsInbound || incoming.Direction == Inbound
}

// CompleteHandshake transitions a connection to StateConnected once
// capability negotiation and identity exchange succeed.
func (m *ConnectionManager) CompleteHandshake(id PeerID, caps NegotiatedCapabilities, userAgent string, protocolVersion uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[id]
	if !ok {
		return ErrUnknownPeer
	}
	conn.Capabilities = caps
	conn.UserAgent = userAgent
	conn.ProtocolVersion = protocolVersion
	conn.State = StateConnected
	conn.Touch()
	return nil
}

// Get returns the live connection for a peer id.
func (m *ConnectionManager) Get(id PeerID) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[id]
	return conn, ok
}

// Disconnect removes a connection and releases its counter slots.
func (m *ConnectionManager) Disconnect(id PeerID, reason DisconnectReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[id]
	if !ok {
		return
	}
	conn.State = StateDisconnected
	m.log.Debug("peer disconnected",
		zap.Stringer("peer", id),
		zap.Stringer("reason", reason))
	m.removeLocked(conn)
}

func (m *ConnectionManager) removeLocked(conn *Connection) {
	delete(m.conns, conn.PeerID)
	if n := m.ipConns[conn.Endpoint.IP.String()]; n > 0 {
		m.ipConns[conn.Endpoint.IP.String()] = n - 1
	}
	if conn.Direction == Inbound {
		if m.inboundCount > 0 {
			m.inboundCount--
		}
	} else if m.outboundCount > 0 {
		m.outboundCount--
	}
}

// Snapshot returns a point-in-time copy of every connected peer's
// state, safe to read concurrently with manager mutation.
func (m *ConnectionManager) Snapshot() []Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Connection, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, *c)
	}
	return out
}

// Count returns current inbound and outbound connection counts.
func (m *ConnectionManager) Count() (inbound, outbound int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.inboundCount, m.outboundCount
}

// SweepIdle returns peer ids whose last activity exceeds the
// configured idle timeout, for the maintenance loop to disconnect
// (§4.4: "connections idle beyond idle_timeout are dropped").
func (m *ConnectionManager) SweepIdle(now time.Time) []PeerID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var idle []PeerID
	for id, conn := range m.conns {
		if conn.State == StateConnected && now.Sub(conn.LastActivity) > m.config.IdleTimeout {
			idle = append(idle, id)
		}
	}
	return idle
}

// SweepStalledHandshakes returns peer ids stuck in StateConnecting or
// StateHandshaking beyond the configured handshake timeout (§4.4).
func (m *ConnectionManager) SweepStalledHandshakes(now time.Time) []PeerID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var stalled []PeerID
	for id, conn := range m.conns {
		if conn.State != StateConnecting && conn.State != StateHandshaking {
			continue
		}
		if now.Sub(conn.ConnectedAt) > m.config.HandshakeTimeout {
			stalled = append(stalled, id)
		}
	}
	return stalled
}
