package network

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/prozchain/network-core/pkg/network/security"
)

// Lifecycle is a coarse running state of the Service (§4.11).
type Lifecycle byte

const (
	LifecycleStopped Lifecycle = iota
	LifecycleStarting
	LifecycleRunning
	LifecycleStopping
)

func (l Lifecycle) String() string {
	switch l {
	case LifecycleStarting:
		return "starting"
	case LifecycleRunning:
		return "running"
	case LifecycleStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// ShutdownGrace bounds how long Shutdown waits for the background
// goroutines to exit before disconnecting every peer (§4.11).
const ShutdownGrace = 5 * time.Second

// commandKind enumerates the operations the Service facade accepts
// over its single command channel (§4.11).
type commandKind byte

const (
	cmdConnect commandKind = iota
	cmdDisconnect
	cmdSendMessage
	cmdBroadcast
	cmdGetPeers
)

// command is a correlated request/response pair flowing through the
// Service's single command channel; the uuid lets a caller match its
// response even though commands are processed one at a time off a
// shared channel.
type command struct {
	id   uuid.UUID
	kind commandKind

	endpoint Endpoint
	peer     PeerID
	message  *Message
	priority Priority
	policy   BroadcastPolicy

	reply chan commandResult
}

type commandResult struct {
	id    uuid.UUID
	peers []Connection
	err   error
}

// Service is the façade wiring every subsystem together: connection
// management and handshake, discovery, topology, security, broadcast,
// gossip and block propagation (§4.11). External callers only ever
// interact through its Connect/Disconnect/SendMessage/Broadcast/
// GetPeers/Shutdown methods; everything else is run by its own
// background goroutines.
type Service struct {
	config Config
	log    *zap.Logger

	self PeerID

	conns      *ConnectionManager
	addresses  *AddressBook
	topology   *Topology
	broadcast  *BroadcastManager
	gossip     *GossipManager
	blocks     *BlockPropagator
	nat        NATTraversal
	sybil      *security.SybilGuard
	dos        *security.DoSGuard
	reputation *security.ReputationLedger

	dialer Dialer

	lifecycle atomic.Uint32 // Lifecycle, accessed atomically for State()

	commands chan command
	quit     chan struct{}
	wg       sync.WaitGroup
}

// Dialer abstracts outbound connection establishment so tests can
// substitute an in-memory transport (§4.4; the concrete TCP
// implementation lives in tcp_peer.go).
type Dialer interface {
	Dial(ctx context.Context, ep Endpoint) (net.Conn, error)
}

// NewService constructs a Service in LifecycleStopped. self is this
// node's own peer id, used by the connection manager's
// simultaneous-connect tie-break.
func NewService(config Config, self PeerID, dialer Dialer, log *zap.Logger) *Service {
	config.ApplyDefaults()
	if log == nil {
		log = zap.NewNop()
	}

	conns := NewConnectionManager(self, ConnectionManagerConfig{
		MaxInbound:       config.MaxInbound,
		MaxOutbound:      config.MaxOutbound,
		MaxPeersPerIP:    config.MaxPeersPerIP,
		HandshakeTimeout: config.HandshakeTimeout,
		IdleTimeout:      config.IdleTimeout,
		SendQueueSize:    config.SendQueueSize,
	}, log)

	addresses := NewAddressBook(BootstrapConfig{
		BootstrapNodes:       config.BootstrapNodes,
		DNSSeeds:             config.DNSSeeds,
		EnableLocalDiscovery: true,
	}, nil, log)

	topology := NewTopology(TopologyConfig{MaxPeers: config.MaxPeers})

	sender := func(id PeerID, priority Priority, packet []byte) {
		if conn, ok := conns.Get(id); ok {
			conn.Enqueue(priority, packet)
		}
	}

	s := &Service{
		config:    config,
		log:       log,
		self:      self,
		conns:     conns,
		addresses: addresses,
		topology:  topology,
		broadcast: NewBroadcastManager(BroadcastConfig{MaxMessageSize: int(config.MaxMessageSize)}, conns, sender, time.Minute),
		gossip:    NewGossipManager(GossipConfig{}, conns, sender),
		blocks:    NewBlockPropagator(noopMempool{}, 4096, time.Minute),
		nat:       NewNoopNATTraversal(),
		sybil: security.NewSybilGuard(security.SybilGuardConfig{
			Level:        security.RestrictionLevel(config.RestrictionLevel),
			MaxPerIP:     config.MaxPerIP,
			MaxPerSubnet: config.MaxPerSubnet,
			MaxPerASN:    config.MaxPerASN,
		}, nil),
		dos: security.NewDoSGuard(security.DoSGuardConfig{
			Limits: map[security.ResourceType]security.ResourceLimit{
				security.ResourceMessages: {EventsPerSecond: 50, Burst: 200},
			},
			BanThreshold: security.DefaultBanThreshold,
		}),
		reputation: security.NewReputationLedger(100),
		dialer:     dialer,
		commands:  make(chan command),
		quit:      make(chan struct{}),
	}
	s.lifecycle.Store(uint32(LifecycleStopped))
	return s
}

// noopMempool is the default Mempool until a real implementation is
// wired in; every lookup misses, so every compact block reconstruction
// is reported incomplete with all of its indices missing.
type noopMempool struct{}

func (noopMempool) LookupByShortID(_ CompactBlockSalt, ids []ShortTxID) ([][]byte, []int) {
	missing := make([]int, len(ids))
	for i := range ids {
		missing[i] = i
	}
	return make([][]byte, len(ids)), missing
}

// State reports the service's current lifecycle stage.
func (s *Service) State() Lifecycle {
	return Lifecycle(s.lifecycle.Load())
}

// Start brings the service from Stopped to Running: it bootstraps the
// address book, optionally requests a NAT mapping, and launches the
// command loop and maintenance goroutines (§4.11).
func (s *Service) Start(ctx context.Context) error {
	if !s.lifecycle.CAS(uint32(LifecycleStopped), uint32(LifecycleStarting)) {
		return ErrAlreadyRunning
	}

	if err := s.addresses.Bootstrap(nil); err != nil {
		s.log.Warn("address book bootstrap encountered errors", zap.Error(err))
	}

	if s.config.EnableUPnP || s.config.EnableNATTraversal {
		if _, err := s.nat.MapPort(ctx, listenPort(s.config)); err != nil {
			s.log.Warn("NAT port mapping unavailable, continuing without it", zap.Error(err))
		}
	}

	s.lifecycle.Store(uint32(LifecycleRunning))
	s.log.Info("network service started", zap.String("node_type", s.config.NodeType))

	s.wg.Add(2)
	go s.runCommands()
	go s.runMaintenance()
	return nil
}

func listenPort(config Config) uint16 {
	if len(config.ListenAddresses) == 0 {
		return 0
	}
	_, port, err := net.SplitHostPort(config.ListenAddresses[0])
	if err != nil {
		return 0
	}
	var p uint16
	fmt.Sscanf(port, "%d", &p)
	return p
}

// Shutdown cooperatively stops the service: it stops accepting new
// commands, disconnects every peer, and waits up to ShutdownGrace for
// background goroutines to exit before returning (§4.11).
func (s *Service) Shutdown() error {
	if !s.lifecycle.CAS(uint32(LifecycleRunning), uint32(LifecycleStopping)) {
		return ErrNotRunning
	}

	close(s.quit)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(ShutdownGrace):
		s.log.Warn("shutdown grace period elapsed before background tasks exited")
	}

	for _, conn := range s.conns.Snapshot() {
		s.teardownPeer(conn.PeerID, ReasonShutdown)
	}

	s.lifecycle.Store(uint32(LifecycleStopped))
	s.log.Info("network service stopped")
	return nil
}

// Connect requests an outbound connection to ep, blocking until the
// connection manager has admitted or refused it.
func (s *Service) Connect(ctx context.Context, ep Endpoint) error {
	res := s.submit(ctx, command{kind: cmdConnect, endpoint: ep})
	return res.err
}

// Disconnect requests that a connected peer be torn down.
func (s *Service) Disconnect(ctx context.Context, id PeerID) error {
	res := s.submit(ctx, command{kind: cmdDisconnect, peer: id})
	return res.err
}

// SendMessage enqueues a direct message to a single connected peer.
func (s *Service) SendMessage(ctx context.Context, id PeerID, msg *Message, priority Priority) error {
	res := s.submit(ctx, command{kind: cmdSendMessage, peer: id, message: msg, priority: priority})
	return res.err
}

// Broadcast fans a message out under the given selection policy.
func (s *Service) Broadcast(ctx context.Context, msg *Message, priority Priority, policy BroadcastPolicy) error {
	res := s.submit(ctx, command{kind: cmdBroadcast, message: msg, priority: priority, policy: policy})
	return res.err
}

// GetPeers returns a snapshot of every connection the service
// currently holds.
func (s *Service) GetPeers(ctx context.Context) ([]Connection, error) {
	res := s.submit(ctx, command{kind: cmdGetPeers})
	return res.peers, res.err
}

func (s *Service) submit(ctx context.Context, cmd command) commandResult {
	if s.State() != LifecycleRunning {
		return commandResult{err: ErrNotRunning}
	}
	cmd.id = uuid.New()
	cmd.reply = make(chan commandResult, 1)
	select {
	case s.commands <- cmd:
	case <-ctx.Done():
		return commandResult{err: ctx.Err()}
	case <-s.quit:
		return commandResult{err: ErrNotRunning}
	}
	select {
	case res := <-cmd.reply:
		return res
	case <-ctx.Done():
		return commandResult{err: ctx.Err()}
	}
}

// runCommands serializes every external request against shared
// connection/topology state, mirroring the register/unregister
// channel pattern this package has always used for peer bookkeeping.
func (s *Service) runCommands() {
	defer s.wg.Done()
	for {
		select {
		case <-s.quit:
			return
		case cmd := <-s.commands:
			cmd.reply <- s.dispatch(cmd)
		}
	}
}

func (s *Service) dispatch(cmd command) commandResult {
	switch cmd.kind {
	case cmdConnect:
		return commandResult{id: cmd.id, err: s.handleConnect(cmd.endpoint)}
	case cmdDisconnect:
		s.teardownPeer(cmd.peer, ReasonNormal)
		return commandResult{id: cmd.id}
	case cmdSendMessage:
		return commandResult{id: cmd.id, err: s.handleSendMessage(cmd.peer, cmd.message, cmd.priority)}
	case cmdBroadcast:
		return commandResult{id: cmd.id, err: s.handleBroadcast(cmd.message, cmd.priority, cmd.policy)}
	case cmdGetPeers:
		return commandResult{id: cmd.id, peers: s.conns.Snapshot()}
	default:
		return commandResult{id: cmd.id, err: errors.Errorf("network: unknown command kind %d", cmd.kind)}
	}
}

// teardownPeer releases every subsystem's bookkeeping for a peer in
// one place, so no disconnect path forgets to release a Sybil-guard
// bucket or a reputation entry.
func (s *Service) teardownPeer(id PeerID, reason DisconnectReason) {
	if conn, ok := s.conns.Get(id); ok {
		s.sybil.RecordDisconnect(conn.Endpoint.IP, conn.Endpoint.Subnet())
	}
	s.conns.Disconnect(id, reason)
	s.topology.RemoveScore(id)
	s.dos.ForgetPeer(security.PeerID(id))
	s.reputation.Forget(security.PeerID(id))
}

func (s *Service) handleConnect(ep Endpoint) error {
	if s.dialer == nil {
		return ErrConnectionRefused
	}
	if s.dos.IsBanned(ep.IP) {
		return ErrPeerBanned
	}
	if !s.sybil.Allow(ep.IP, ep.Subnet()) {
		return errors.Wrapf(ErrMaxPeers, "sybil guard refused %s", ep)
	}
	if err := s.conns.AdmitOutbound(); err != nil {
		return err
	}
	provisional := endpointPeerID(ep)
	if _, err := s.conns.BeginConnecting(provisional, ep, Outbound); err != nil {
		return err
	}
	s.sybil.RecordConnect(ep.IP, ep.Subnet())
	return nil
}

func (s *Service) handleSendMessage(id PeerID, msg *Message, priority Priority) error {
	conn, ok := s.conns.Get(id)
	if !ok {
		return ErrUnknownPeer
	}
	codec := NewCodec(s.config.MaxMessageSize)
	packet, err := codec.Encode(msg)
	if err != nil {
		return err
	}
	conn.Enqueue(priority, packet)
	return nil
}

func (s *Service) handleBroadcast(msg *Message, priority Priority, policy BroadcastPolicy) error {
	codec := NewCodec(s.config.MaxMessageSize)
	packet, err := codec.Encode(msg)
	if err != nil {
		return err
	}
	return s.broadcast.Broadcast(packet, priority, policy)
}

// runMaintenance periodically sweeps idle and stalled connections,
// refreshes DNS seeds, and evicts the lowest-scored peer when over
// capacity, mirroring the ping-timer loop this package has always run
// alongside its peer registry goroutine.
func (s *Service) runMaintenance() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			now := time.Now()
			for _, id := range s.conns.SweepIdle(now) {
				s.teardownPeer(id, ReasonTimeout)
			}
			for _, id := range s.conns.SweepStalledHandshakes(now) {
				s.teardownPeer(id, ReasonTimeout)
			}
			if err := s.addresses.MaybeRefreshDNS(10); err != nil {
				s.log.Debug("dns refresh failed", zap.Error(err))
			}
			s.evictIfOverCapacity()
		}
	}
}

func (s *Service) evictIfOverCapacity() {
	inbound, outbound := s.conns.Count()
	if !s.topology.AtCapacity(inbound + outbound) {
		return
	}
	var ids []PeerID
	for _, c := range s.conns.Snapshot() {
		ids = append(ids, c.PeerID)
	}
	victim, found := s.topology.SelectEvictionCandidate(ids)
	if !found {
		return
	}
	s.teardownPeer(victim, ReasonNormal)
}
