package security

import (
	"math"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ResourceType identifies what a rate limit bucket governs (§4.7).
type ResourceType byte

const (
	ResourceMessages ResourceType = iota
	ResourceConnections
	ResourceBytes
	ResourceInventoryRequests
)

// ViolationType classifies the severity of an observed misbehavior,
// each carrying a fixed penalty weight toward a peer's ban score
// (§4.7).
type ViolationType byte

const (
	ViolationRateLimit ViolationType = iota
	ViolationInvalidMessage
	ViolationInvalidTransaction
	ViolationProtocolViolation
	ViolationInvalidBlock
)

// PenaltyWeight returns the fixed score contribution of a violation
// type.
func (v ViolationType) PenaltyWeight() float64 {
	switch v {
	case ViolationRateLimit:
		return 1
	case ViolationInvalidMessage:
		return 2
	case ViolationInvalidTransaction:
		return 3
	case ViolationProtocolViolation:
		return 5
	case ViolationInvalidBlock:
		return 10
	default:
		return 1
	}
}

// DoSGuardConfig configures per-resource token buckets and the ban
// escalation curve (§4.7).
type DoSGuardConfig struct {
	// Limits maps a resource to its allowed rate (events/sec) and
	// burst size. Resources absent from this map are unlimited.
	Limits map[ResourceType]ResourceLimit

	BanThreshold float64
	MaxBanTime   time.Duration
}

// ResourceLimit is a token-bucket rate and burst pair.
type ResourceLimit struct {
	EventsPerSecond float64
	Burst           int
}

// DefaultBanThreshold and DefaultMaxBanTime mirror §4.7's ban curve:
// a peer is banned once its accumulated violation score reaches the
// threshold, for 2^(score/5) - 1 hours, capped at one week.
const (
	DefaultBanThreshold = 20
	DefaultMaxBanTime   = 7 * 24 * time.Hour
)

type peerBuckets struct {
	limiters map[ResourceType]*rate.Limiter
}

type banRecord struct {
	bannedUntil time.Time
}

// DoSGuard rate-limits per-peer resource consumption and turns a
// peer's accumulated violation score into an IP ban whose length grows
// exponentially with that score (§4.7).
type DoSGuard struct {
	mu sync.Mutex

	config DoSGuardConfig

	buckets map[PeerID]*peerBuckets
	scores  map[PeerID]float64
	bans    map[string]banRecord // keyed by IP, since a ban must survive a peer id churn

	whitelist map[string]struct{}

	now func() time.Time
}

// NewDoSGuard constructs a DoSGuard.
func NewDoSGuard(config DoSGuardConfig) *DoSGuard {
	if config.BanThreshold <= 0 {
		config.BanThreshold = DefaultBanThreshold
	}
	if config.MaxBanTime <= 0 {
		config.MaxBanTime = DefaultMaxBanTime
	}
	return &DoSGuard{
		config:    config,
		buckets:   make(map[PeerID]*peerBuckets),
		scores:    make(map[PeerID]float64),
		bans:      make(map[string]banRecord),
		whitelist: make(map[string]struct{}),
		now:       time.Now,
	}
}

// Whitelist exempts an IP from rate limiting and banning entirely.
func (d *DoSGuard) Whitelist(ip net.IP) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.whitelist[ip.String()] = struct{}{}
}

// IsBanned reports whether ip is currently serving a ban.
func (d *DoSGuard) IsBanned(ip net.IP) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.whitelist[ip.String()]; ok {
		return false
	}
	rec, ok := d.bans[ip.String()]
	if !ok {
		return false
	}
	return d.now().Before(rec.bannedUntil)
}

// Allow consumes one token from id's bucket for the given resource,
// reporting whether the event is within the configured rate. A
// disallowed event does not by itself record a violation; callers
// decide whether to additionally call RecordViolation.
func (d *DoSGuard) Allow(id PeerID, ip net.IP, resource ResourceType) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.whitelist[ip.String()]; ok {
		return true
	}
	limit, limited := d.config.Limits[resource]
	if !limited {
		return true
	}
	pb, ok := d.buckets[id]
	if !ok {
		pb = &peerBuckets{limiters: make(map[ResourceType]*rate.Limiter)}
		d.buckets[id] = pb
	}
	limiter, ok := pb.limiters[resource]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(limit.EventsPerSecond), limit.Burst)
		pb.limiters[resource] = limiter
	}
	return limiter.Allow()
}

// RecordViolation adds a violation's penalty weight to a peer's
// score. If the score crosses the ban threshold, the peer's IP is
// banned for 2^(score/5) - 1 hours, capped at MaxBanTime (§4.7).
func (d *DoSGuard) RecordViolation(id PeerID, ip net.IP, violation ViolationType) (banned bool, until time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.whitelist[ip.String()]; ok {
		return false, time.Time{}
	}
	d.scores[id] += violation.PenaltyWeight()
	score := d.scores[id]
	if score < d.config.BanThreshold {
		return false, time.Time{}
	}

	duration := banDuration(score, d.config.MaxBanTime)
	bannedUntil := d.now().Add(duration)
	d.bans[ip.String()] = banRecord{bannedUntil: bannedUntil}
	delete(d.scores, id)
	return true, bannedUntil
}

// banDuration computes §4.7's curve: 2^(score/5) - 1 hours, capped at
// max.
func banDuration(score float64, max time.Duration) time.Duration {
	hours := math.Pow(2, score/5) - 1
	duration := time.Duration(hours * float64(time.Hour))
	if duration > max {
		return max
	}
	if duration < 0 {
		return 0
	}
	return duration
}

// ForgetPeer drops a disconnected peer's bucket and score state. Its
// IP ban record, if any, is left intact: the ban is tied to the
// address, not the (possibly reused) peer id.
func (d *DoSGuard) ForgetPeer(id PeerID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.buckets, id)
	delete(d.scores, id)
}
