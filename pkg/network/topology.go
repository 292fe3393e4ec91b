package network

import (
	"sync"
)

// TopologyConfig bounds peer-selection policy (§4.6).
type TopologyConfig struct {
	MaxPeers           int
	PreferredRegions   []string
	RegionalBiasWeight float64
}

// PeerScore is the set of signals topology uses to rank a peer for
// retention or eviction (§4.6). Higher is better.
type PeerScore struct {
	Uptime          float64 // fraction of session duration connected
	LatencyMillis   float64
	MisbehaviorHits float64 // accumulated rate-limit/Sybil penalty weight
	Region          string
}

// value combines the score's signals into a single eviction-ranking
// number: 100 per unit of uptime, minus 0.1 per millisecond of
// latency, minus 50 per unit of misbehavior weight, plus the regional
// bias for a preferred region. Misbehavior carries the heaviest weight
// per unit, but a clean peer with high enough latency can still rank
// below a misbehaving one.
func (s PeerScore) value(preferredRegions []string, regionalBiasWeight float64) float64 {
	score := s.Uptime*100 - s.LatencyMillis*0.1 - s.MisbehaviorHits*50
	for _, r := range preferredRegions {
		if r == s.Region {
			score += regionalBiasWeight
			break
		}
	}
	return score
}

// Topology tracks peer scores and preferred-peer status shared across
// the connection manager, broadcast and gossip engines (§4.6). It
// never dials or disconnects directly; it only recommends which peer,
// if any, should be evicted to make room for a better candidate.
type Topology struct {
	mu sync.RWMutex

	config TopologyConfig

	scores    map[PeerID]PeerScore
	preferred map[PeerID]struct{}
}

// NewTopology constructs a Topology.
func NewTopology(config TopologyConfig) *Topology {
	if config.MaxPeers <= 0 {
		config.MaxPeers = DefaultMaxPeers
	}
	if config.RegionalBiasWeight == 0 {
		config.RegionalBiasWeight = 10
	}
	return &Topology{
		config:    config,
		scores:    make(map[PeerID]PeerScore),
		preferred: make(map[PeerID]struct{}),
	}
}

// MarkPreferred exempts a peer from eviction consideration.
func (t *Topology) MarkPreferred(id PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.preferred[id] = struct{}{}
}

// UnmarkPreferred removes a peer's eviction exemption.
func (t *Topology) UnmarkPreferred(id PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.preferred, id)
}

// IsPreferred reports whether a peer is currently exempt from
// eviction.
func (t *Topology) IsPreferred(id PeerID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.preferred[id]
	return ok
}

// UpdateScore replaces a peer's recorded score, as observed by the
// connection manager or security layer.
func (t *Topology) UpdateScore(id PeerID, score PeerScore) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scores[id] = score
}

// RecordMisbehavior adds to a peer's accumulated misbehavior weight
// without disturbing its other signals.
func (t *Topology) RecordMisbehavior(id PeerID, weight float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	score := t.scores[id]
	score.MisbehaviorHits += weight
	t.scores[id] = score
}

// RemoveScore forgets a disconnected peer's score.
func (t *Topology) RemoveScore(id PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.scores, id)
}

// SelectEvictionCandidate returns the lowest-ranked non-preferred peer
// among `connected`, or false if every connected peer is preferred
// (§4.6: "preferred peers are never chosen for eviction"). A peer
// with no recorded score is valued at zero, so it ranks above any
// scored peer whose value is negative.
func (t *Topology) SelectEvictionCandidate(connected []PeerID) (PeerID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var worst PeerID
	var worstValue float64
	found := false

	for _, id := range connected {
		if _, preferred := t.preferred[id]; preferred {
			continue
		}
		value := t.scores[id].value(t.config.PreferredRegions, t.config.RegionalBiasWeight)
		if !found || value < worstValue {
			worst = id
			worstValue = value
			found = true
		}
	}
	return worst, found
}

// AtCapacity reports whether connectedCount has reached the
// configured peer ceiling.
func (t *Topology) AtCapacity(connectedCount int) bool {
	return connectedCount >= t.config.MaxPeers
}
