package network

import (
	"context"
	"math/rand"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// GossipConfig tunes the epidemic-broadcast schedule (§4.9).
type GossipConfig struct {
	Fanout        int
	Rounds        int
	RoundInterval time.Duration
	CacheSize     int
}

const (
	DefaultGossipFanout        = 3
	DefaultGossipRounds        = 2
	DefaultGossipRoundInterval = 100 * time.Millisecond
	DefaultGossipCacheSize     = 8192
)

// GossipManager propagates a message to a random subset of peers over
// several rounds, tracking which peers have already seen (or sent)
// each message so repeat rounds never resend to a peer known to have
// it (§4.9).
type GossipManager struct {
	mu sync.Mutex

	config      GossipConfig
	conns       peerDirectory
	sender      func(id PeerID, priority Priority, packet []byte)
	fingerprint *Fingerprinter

	cache   *lru.Cache[MessageHash, []byte]
	hasSeen map[MessageHash]map[PeerID]struct{}
}

// NewGossipManager constructs a GossipManager.
func NewGossipManager(config GossipConfig, conns peerDirectory, sender func(PeerID, Priority, []byte)) *GossipManager {
	if config.Fanout <= 0 {
		config.Fanout = DefaultGossipFanout
	}
	if config.Rounds <= 0 {
		config.Rounds = DefaultGossipRounds
	}
	if config.RoundInterval <= 0 {
		config.RoundInterval = DefaultGossipRoundInterval
	}
	if config.CacheSize <= 0 {
		config.CacheSize = DefaultGossipCacheSize
	}
	cache, err := lru.New[MessageHash, []byte](config.CacheSize)
	if err != nil {
		// Only reachable with a non-positive size, which the defaulting
		// above already rules out.
		panic(err)
	}
	return &GossipManager{
		config:      config,
		conns:       conns,
		sender:      sender,
		fingerprint: NewFingerprinter(),
		cache:       cache,
		hasSeen:     make(map[MessageHash]map[PeerID]struct{}),
	}
}

// MarkSeen records that a peer is already known to have a message,
// typically because it was the one that relayed it in (§4.9).
func (g *GossipManager) MarkSeen(hash MessageHash, peer PeerID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.markSeenLocked(hash, peer)
}

func (g *GossipManager) markSeenLocked(hash MessageHash, peer PeerID) {
	seen, ok := g.hasSeen[hash]
	if !ok {
		seen = make(map[PeerID]struct{})
		g.hasSeen[hash] = seen
	}
	seen[peer] = struct{}{}
}

// HasSeen reports whether a peer is already known to have a message.
func (g *GossipManager) HasSeen(hash MessageHash, peer PeerID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.hasSeen[hash][peer]
	return ok
}

// Propagate gossips payload over the configured number of rounds,
// each round sending to up to Fanout peers that have not yet seen it.
// It returns once every round has run or ctx is cancelled, whichever
// comes first (§4.9: "propagation stops early on node shutdown").
func (g *GossipManager) Propagate(ctx context.Context, payload []byte, priority Priority) {
	hash := g.fingerprint.Hash(payload)

	g.mu.Lock()
	g.cache.Add(hash, payload)
	g.mu.Unlock()

	for round := 0; round < g.config.Rounds; round++ {
		targets := g.pickUnseenTargets(hash)
		for _, id := range targets {
			g.sender(id, priority, payload)
			g.MarkSeen(hash, id)
		}
		if round == g.config.Rounds-1 {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(g.config.RoundInterval):
		}
	}
}

func (g *GossipManager) pickUnseenTargets(hash MessageHash) []PeerID {
	conns := g.conns.Snapshot()

	g.mu.Lock()
	seen := g.hasSeen[hash]
	var candidates []PeerID
	for _, c := range conns {
		if c.State != StateConnected {
			continue
		}
		if _, already := seen[c.PeerID]; already {
			continue
		}
		candidates = append(candidates, c.PeerID)
	}
	g.mu.Unlock()

	if len(candidates) <= g.config.Fanout {
		return candidates
	}
	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	return candidates[:g.config.Fanout]
}

// Seen reports whether a message hash is present in the propagation
// cache, for inbound-message handlers to skip regossiping something
// already originated locally or relayed recently.
func (g *GossipManager) Seen(hash MessageHash) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.cache.Get(hash)
	return ok
}
