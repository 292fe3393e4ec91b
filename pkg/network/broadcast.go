package network

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// BroadcastPolicy selects which subset of connected peers a broadcast
// reaches (§4.8).
type BroadcastPolicy byte

const (
	// PolicyAllPeers sends to every connected peer.
	PolicyAllPeers BroadcastPolicy = iota
	// PolicyRandomSubset sends to a random sample of connected peers,
	// sized by BroadcastConfig's RandomSubsetFraction/RandomSubsetMinPeers.
	PolicyRandomSubset
	// PolicyValidatorPriority sends to registered validator peers
	// first, then fills remaining subset slots from the rest.
	PolicyValidatorPriority
	// PolicyGeographic prefers peers in the configured regions before
	// filling remaining subset slots from the rest.
	PolicyGeographic
)

// BroadcastConfig configures broadcast fanout and size enforcement
// (§4.8).
type BroadcastConfig struct {
	MaxMessageSize int

	// RandomSubsetFraction and RandomSubsetMinPeers size a
	// PolicyRandomSubset (and the priority policies' fill-in) selection
	// as max(ceil(fraction * connected), min_peers), so the subset
	// scales with the connected-peer count rather than staying fixed
	// (§4.8's RandomSubset{fraction, min_peers}).
	RandomSubsetFraction float64
	RandomSubsetMinPeers int

	DedupCapacity int
}

// subsetSize computes §4.8's RandomSubset selection count for a pool of
// n connected peers.
func (c BroadcastConfig) subsetSize(n int) int {
	target := int(math.Ceil(c.RandomSubsetFraction * float64(n)))
	if target < c.RandomSubsetMinPeers {
		target = c.RandomSubsetMinPeers
	}
	if target > n {
		target = n
	}
	return target
}

// peerDirectory is the narrow view of connected-peer metadata the
// broadcast manager needs; ConnectionManager and Topology together
// satisfy it in the service facade.
type peerDirectory interface {
	Snapshot() []Connection
}

// BroadcastManager fans a message out to connected peers under a
// selection policy, deduplicating against recently broadcast payloads
// so the same payload is not sent out again while it is still in the
// dedup cache (§4.8).
type BroadcastManager struct {
	mu sync.Mutex

	config      BroadcastConfig
	conns       peerDirectory
	sender      func(id PeerID, priority Priority, packet []byte)
	fingerprint *Fingerprinter
	dedup       *RecentCache

	validators map[PeerID]struct{}
	regions    map[PeerID]string
	preferred  []string
}

// NewBroadcastManager constructs a BroadcastManager. sender is the
// connection manager's enqueue hook, kept as a function rather than a
// direct *ConnectionManager dependency so tests can substitute a spy.
func NewBroadcastManager(config BroadcastConfig, conns peerDirectory, sender func(PeerID, Priority, []byte), dedupTTL time.Duration) *BroadcastManager {
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = int(DefaultMaxMessageSize)
	}
	if config.RandomSubsetFraction <= 0 {
		config.RandomSubsetFraction = 0.25
	}
	if config.RandomSubsetMinPeers <= 0 {
		config.RandomSubsetMinPeers = 8
	}
	if config.DedupCapacity <= 0 {
		config.DedupCapacity = 4096
	}
	return &BroadcastManager{
		config:      config,
		conns:       conns,
		sender:      sender,
		fingerprint: NewFingerprinter(),
		dedup:       NewRecentCache(config.DedupCapacity, dedupTTL),
		validators:  make(map[PeerID]struct{}),
		regions:     make(map[PeerID]string),
	}
}

// RegisterValidator marks a peer as a validator for
// PolicyValidatorPriority selection.
func (b *BroadcastManager) RegisterValidator(id PeerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.validators[id] = struct{}{}
}

// SetRegion records a peer's region for PolicyGeographic selection.
func (b *BroadcastManager) SetRegion(id PeerID, region string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.regions[id] = region
}

// SetPreferredRegions configures which regions PolicyGeographic
// favors.
func (b *BroadcastManager) SetPreferredRegions(regions []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.preferred = regions
}

// Broadcast fans payload out to peers selected by policy, rejecting
// oversized payloads and skipping payloads already broadcast recently
// (§4.2, §4.8).
func (b *BroadcastManager) Broadcast(payload []byte, priority Priority, policy BroadcastPolicy) error {
	if len(payload) > b.config.MaxMessageSize {
		return errors.Wrapf(ErrOversizedMessage, "payload %d bytes exceeds broadcast limit %d", len(payload), b.config.MaxMessageSize)
	}

	hash := b.fingerprint.Hash(payload)
	b.mu.Lock()
	if b.dedup.Contains(hash) {
		b.mu.Unlock()
		return nil
	}
	b.dedup.Insert(hash)
	b.mu.Unlock()

	targets := b.selectTargets(policy)
	for _, id := range targets {
		b.sender(id, priority, payload)
	}
	return nil
}

func (b *BroadcastManager) selectTargets(policy BroadcastPolicy) []PeerID {
	conns := b.conns.Snapshot()
	var connected []PeerID
	for _, c := range conns {
		if c.State == StateConnected {
			connected = append(connected, c.PeerID)
		}
	}

	switch policy {
	case PolicyAllPeers:
		return connected
	case PolicyRandomSubset:
		return randomSubset(connected, b.config.subsetSize(len(connected)))
	case PolicyValidatorPriority:
		return b.prioritized(connected, b.isValidator)
	case PolicyGeographic:
		return b.prioritized(connected, b.isPreferredRegion)
	default:
		return connected
	}
}

func (b *BroadcastManager) isValidator(id PeerID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.validators[id]
	return ok
}

func (b *BroadcastManager) isPreferredRegion(id PeerID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	region, ok := b.regions[id]
	if !ok {
		return false
	}
	for _, r := range b.preferred {
		if r == region {
			return true
		}
	}
	return false
}

// prioritized returns every peer satisfying prefer, then fills up to the
// connected pool's subset size with the remaining connected peers chosen
// at random.
func (b *BroadcastManager) prioritized(connected []PeerID, prefer func(PeerID) bool) []PeerID {
	var first, rest []PeerID
	for _, id := range connected {
		if prefer(id) {
			first = append(first, id)
		} else {
			rest = append(rest, id)
		}
	}
	target := b.config.subsetSize(len(connected))
	if len(first) >= target {
		return first
	}
	need := target - len(first)
	return append(first, randomSubset(rest, need)...)
}

func randomSubset(peers []PeerID, n int) []PeerID {
	if n >= len(peers) {
		return peers
	}
	shuffled := make([]PeerID, len(peers))
	copy(shuffled, peers)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	return shuffled[:n]
}
