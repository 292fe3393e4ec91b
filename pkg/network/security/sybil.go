// Package security implements the Sybil-resistance and DoS-mitigation
// layer of the networking core (§4.6, §4.7): connection admission
// limits keyed by IP/subnet/ASN, a reputation ledger that accumulates
// penalty weight toward a ban decision, and token-bucket rate limiting
// per resource type.
//
// This package is deliberately independent of pkg/network: it is the
// layer that guards connection admission, so it must not import the
// connection-layer package it protects. Callers pass plain net.IP
// values and a caller-computed subnet key rather than a network.Endpoint,
// and a local PeerID stands in for network.PeerID (identical underlying
// type, convertible with a plain cast at the call site in server.go).
package security

import (
	"net"
	"sync"
)

// PeerID mirrors network.PeerID's representation so callers can
// convert between the two with a plain type conversion.
type PeerID [32]byte

// RestrictionLevel selects how aggressively Sybil protection buckets
// connecting peers (§4.6).
type RestrictionLevel byte

const (
	// RestrictionNone applies no Sybil-specific admission limits.
	RestrictionNone RestrictionLevel = iota
	// RestrictionPerIP caps connections per individual address.
	RestrictionPerIP
	// RestrictionPerSubnet additionally caps connections per /24
	// (IPv4) or /48 (IPv6) block.
	RestrictionPerSubnet
	// RestrictionPerASN additionally caps connections per autonomous
	// system, the strictest level.
	RestrictionPerASN
)

// ASNLookup resolves an IP to its announcing autonomous system. A nil
// lookup, or one that errors, falls back to subnet-level bucketing
// under RestrictionPerASN (§4.6: "an ASN lookup failure degrades to
// its subnet bucket rather than refusing the connection outright").
type ASNLookup interface {
	LookupASN(ip net.IP) (asn uint32, ok bool)
}

// SybilGuardConfig bounds per-bucket connection counts.
type SybilGuardConfig struct {
	Level        RestrictionLevel
	MaxPerIP     int
	MaxPerSubnet int
	MaxPerASN    int
}

// SybilGuard enforces connection-admission caps intended to make
// operating many connections from one controlling party costly
// (§4.6). It never touches sockets; it only answers Allow/Record.
type SybilGuard struct {
	mu sync.Mutex

	config SybilGuardConfig
	asn    ASNLookup

	perIP     map[string]int
	perSubnet map[string]int
	perASN    map[uint32]int

	whitelist map[string]struct{}
}

// NewSybilGuard constructs a SybilGuard.
func NewSybilGuard(config SybilGuardConfig, asn ASNLookup) *SybilGuard {
	if config.MaxPerIP <= 0 {
		config.MaxPerIP = 3
	}
	if config.MaxPerSubnet <= 0 {
		config.MaxPerSubnet = 10
	}
	if config.MaxPerASN <= 0 {
		config.MaxPerASN = 50
	}
	return &SybilGuard{
		config:    config,
		asn:       asn,
		perIP:     make(map[string]int),
		perSubnet: make(map[string]int),
		perASN:    make(map[uint32]int),
		whitelist: make(map[string]struct{}),
	}
}

// Whitelist exempts an IP from every admission cap.
func (g *SybilGuard) Whitelist(ip net.IP) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.whitelist[ip.String()] = struct{}{}
}

// Allow reports whether a new connection from ip (bucketed under
// subnet) may be admitted under the configured restriction level,
// without recording it.
func (g *SybilGuard) Allow(ip net.IP, subnet string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.allowLocked(ip, subnet)
}

func (g *SybilGuard) allowLocked(ip net.IP, subnet string) bool {
	if _, ok := g.whitelist[ip.String()]; ok {
		return true
	}
	if g.config.Level == RestrictionNone {
		return true
	}
	if g.perIP[ip.String()] >= g.config.MaxPerIP {
		return false
	}
	if g.config.Level == RestrictionPerIP {
		return true
	}
	if g.perSubnet[subnet] >= g.config.MaxPerSubnet {
		return false
	}
	if g.config.Level == RestrictionPerSubnet {
		return true
	}
	asn, ok := g.lookupASN(ip)
	if !ok {
		// ASN unresolved: fall back to the subnet decision already
		// made above.
		return true
	}
	return g.perASN[asn] < g.config.MaxPerASN
}

// RecordConnect registers an admitted connection's buckets. Counters
// saturate at the platform int maximum rather than wrapping.
func (g *SybilGuard) RecordConnect(ip net.IP, subnet string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	incrSaturating(g.perIP, ip.String())
	incrSaturating(g.perSubnet, subnet)
	if asn, ok := g.lookupASN(ip); ok {
		incrSaturatingASN(g.perASN, asn)
	}
}

// RecordDisconnect releases a previously recorded connection's
// buckets.
func (g *SybilGuard) RecordDisconnect(ip net.IP, subnet string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	decr(g.perIP, ip.String())
	decr(g.perSubnet, subnet)
	if asn, ok := g.lookupASN(ip); ok {
		decrASN(g.perASN, asn)
	}
}

func (g *SybilGuard) lookupASN(ip net.IP) (uint32, bool) {
	if g.asn == nil {
		return 0, false
	}
	return g.asn.LookupASN(ip)
}

func incrSaturating(m map[string]int, key string) {
	if m[key] == int(^uint(0)>>1) {
		return
	}
	m[key]++
}

func incrSaturatingASN(m map[uint32]int, key uint32) {
	if m[key] == int(^uint(0)>>1) {
		return
	}
	m[key]++
}

func decr(m map[string]int, key string) {
	if n := m[key]; n > 0 {
		m[key] = n - 1
	}
}

func decrASN(m map[uint32]int, key uint32) {
	if n := m[key]; n > 0 {
		m[key] = n - 1
	}
}

// ReputationEvent is a single scored incident contributing to a
// peer's standing (§4.7).
type ReputationEvent struct {
	Weight float64
	Reason string
}

// ReputationLedger accumulates per-peer penalty weight and converts
// it into a ban decision once a threshold is crossed (§4.7).
type ReputationLedger struct {
	mu sync.Mutex

	banThreshold float64
	scores       map[PeerID]float64
}

// NewReputationLedger constructs a ledger with the given ban
// threshold.
func NewReputationLedger(banThreshold float64) *ReputationLedger {
	return &ReputationLedger{banThreshold: banThreshold, scores: make(map[PeerID]float64)}
}

// Record adds an event's weight to a peer's accumulated score and
// reports whether the peer has now crossed the ban threshold.
func (l *ReputationLedger) Record(id PeerID, event ReputationEvent) (shouldBan bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.scores[id] += event.Weight
	return l.scores[id] >= l.banThreshold
}

// Score returns a peer's current accumulated penalty weight.
func (l *ReputationLedger) Score(id PeerID) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.scores[id]
}

// Forget drops a disconnected peer's reputation record.
func (l *ReputationLedger) Forget(id PeerID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.scores, id)
}
