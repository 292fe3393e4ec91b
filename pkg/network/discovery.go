package network

import (
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// AddressRecord is a single address-book entry (§3).
type AddressRecord struct {
	PeerID          PeerID
	Endpoint        Endpoint
	ProtocolVersion uint32
	UserAgent       string
	FirstSeen       time.Time
	LastSeen        time.Time
	Source          AddressSource
}

// BootstrapConfig configures the discovery subsystem's bootstrap
// procedure (§4.3).
type BootstrapConfig struct {
	BootstrapNodes       []string
	DNSSeeds             []string
	StaticPeers          []string
	EnableLocalDiscovery bool
	DNSLookupInterval    time.Duration
}

// DefaultDNSLookupInterval is applied when BootstrapConfig leaves
// DNSLookupInterval at zero (§4.3: "re-queried at most once per
// dns_lookup_interval, default 60s").
const DefaultDNSLookupInterval = 60 * time.Second

// Resolver abstracts hostname resolution so tests can substitute a
// deterministic stand-in for net.LookupHost/net.ResolveTCPAddr.
type Resolver interface {
	ResolveSeed(hostport string) ([]Endpoint, error)
	LookupDNSSeed(hostname string, defaultPort uint16) ([]Endpoint, error)
}

// netResolver is the production Resolver, backed by the standard
// library.
type netResolver struct{}

func (netResolver) ResolveSeed(hostport string) ([]Endpoint, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid port in seed %q", hostport)
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, err
	}
	out := make([]Endpoint, 0, len(ips))
	for _, ip := range ips {
		out = append(out, Endpoint{IP: ip, Port: uint16(port)})
	}
	return out, nil
}

func (netResolver) LookupDNSSeed(hostname string, defaultPort uint16) ([]Endpoint, error) {
	ips, err := net.LookupIP(hostname)
	if err != nil {
		return nil, err
	}
	out := make([]Endpoint, 0, len(ips))
	for _, ip := range ips {
		out = append(out, Endpoint{IP: ip, Port: defaultPort})
	}
	return out, nil
}

// DefaultSeedPort is used for DNS seed lookups that do not carry an
// explicit port.
const DefaultSeedPort = 30333

// AddressBook learns peer endpoints from seeds, DNS, peer exchange,
// and inbound connections, tracking a trust-prioritized record per
// peer id (§4.3).
type AddressBook struct {
	mu sync.RWMutex

	config   BootstrapConfig
	resolver Resolver
	log      *zap.Logger

	records   map[PeerID]*AddressRecord
	attempted map[string]struct{}
	banned    map[string]struct{}

	lastDNSLookup time.Time
}

// NewAddressBook constructs an AddressBook. A nil resolver uses the
// standard-library implementation.
func NewAddressBook(config BootstrapConfig, resolver Resolver, log *zap.Logger) *AddressBook {
	if resolver == nil {
		resolver = netResolver{}
	}
	if config.DNSLookupInterval <= 0 {
		config.DNSLookupInterval = DefaultDNSLookupInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &AddressBook{
		config:    config,
		resolver:  resolver,
		log:       log,
		records:   make(map[PeerID]*AddressRecord),
		attempted: make(map[string]struct{}),
		banned:    make(map[string]struct{}),
	}
}

// Bootstrap resolves bootstrap seeds, falling back to DNS seeds if
// fewer than 10 peers are known afterward, and merges any persisted
// entries. A seed-level failure (DNS failure, parse error) is
// reported but does not abort bootstrap provided at least one seed
// succeeds (§4.3). Persisted entries, if any, are passed in by the
// caller (typically loaded from the on-disk address-book file, §6).
func (b *AddressBook) Bootstrap(persisted []AddressRecord) error {
	var succeeded int
	var lastErr error

	for _, node := range b.config.BootstrapNodes {
		endpoints, err := b.resolver.ResolveSeed(node)
		if err != nil {
			lastErr = err
			b.log.Warn("failed to resolve bootstrap seed", zap.String("seed", node), zap.Error(err))
			continue
		}
		succeeded++
		for _, ep := range endpoints {
			b.observe(endpointPeerID(ep), ep, 0, "", SourceBootstrap)
		}
	}

	for _, addr := range b.config.StaticPeers {
		ep, err := ParseEndpoint(addr)
		if err != nil {
			lastErr = err
			b.log.Warn("failed to parse static peer", zap.String("addr", addr), zap.Error(err))
			continue
		}
		succeeded++
		b.observe(endpointPeerID(ep), ep, 0, "", SourceManuallyAdded)
	}

	for _, rec := range persisted {
		b.observe(rec.PeerID, rec.Endpoint, rec.ProtocolVersion, rec.UserAgent, SourceManuallyAdded)
	}

	if b.Count() < 10 {
		if err := b.queryDNSSeeds(); err != nil {
			lastErr = err
		} else if len(b.config.DNSSeeds) > 0 {
			succeeded++
		}
	}

	if succeeded == 0 && lastErr != nil {
		return errors.Wrap(lastErr, "bootstrap: all seeds failed")
	}
	return nil
}

// MaybeRefreshDNS re-queries DNS seeds if target_count peers aren't
// yet known and dns_lookup_interval has elapsed since the last query
// (§4.3).
func (b *AddressBook) MaybeRefreshDNS(targetCount int) error {
	if b.Count() >= targetCount {
		return nil
	}
	b.mu.RLock()
	due := time.Since(b.lastDNSLookup) > b.config.DNSLookupInterval
	b.mu.RUnlock()
	if !due {
		return nil
	}
	return b.queryDNSSeeds()
}

func (b *AddressBook) queryDNSSeeds() error {
	var succeeded int
	var lastErr error
	for _, seed := range b.config.DNSSeeds {
		endpoints, err := b.resolver.LookupDNSSeed(seed, DefaultSeedPort)
		if err != nil {
			lastErr = err
			b.log.Warn("dns seed lookup failed", zap.String("seed", seed), zap.Error(err))
			continue
		}
		succeeded++
		for _, ep := range endpoints {
			b.observe(endpointPeerID(ep), ep, 0, "", SourceDNSSeed)
		}
	}
	b.mu.Lock()
	b.lastDNSLookup = time.Now()
	b.mu.Unlock()
	if succeeded == 0 && lastErr != nil {
		return lastErr
	}
	return nil
}

// ObserveInbound records an address learned from an inbound socket;
// per §4.3 the endpoint is NOT overwritten for such observations,
// since an inbound endpoint reflects the remote's NAT mapping rather
// than a reachable listener.
func (b *AddressBook) ObserveInbound(id PeerID, ep Endpoint, protocolVersion uint32, userAgent string) {
	b.observe(id, ep, protocolVersion, userAgent, SourceIncoming)
}

// ObservePeerExchange records an address learned from a peer's
// address-exchange reply.
func (b *AddressBook) ObservePeerExchange(ep Endpoint) {
	b.observe(endpointPeerID(ep), ep, 0, "", SourcePeerExchange)
}

// observe applies the upgrade rule (§4.3): update last_seen always;
// keep the highest-priority source; only overwrite the endpoint if
// the new observation is not from an inbound socket.
func (b *AddressBook) observe(id PeerID, ep Endpoint, protocolVersion uint32, userAgent string, source AddressSource) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	rec, ok := b.records[id]
	if !ok {
		b.records[id] = &AddressRecord{
			PeerID:          id,
			Endpoint:        ep,
			ProtocolVersion: protocolVersion,
			UserAgent:       userAgent,
			FirstSeen:       now,
			LastSeen:        now,
			Source:          source,
		}
		return
	}

	rec.LastSeen = now
	if source != SourceIncoming {
		rec.Endpoint = ep
	}
	if protocolVersion != 0 {
		rec.ProtocolVersion = protocolVersion
	}
	if userAgent != "" {
		rec.UserAgent = userAgent
	}
	if source > rec.Source {
		rec.Source = source
	}
}

// MarkAttempted excludes an endpoint from future candidate lists. The
// mark is never cleared.
func (b *AddressBook) MarkAttempted(ep Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempted[ep.String()] = struct{}{}
}

// MarkBanned excludes an endpoint from future candidate lists.
func (b *AddressBook) MarkBanned(ep Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.banned[ep.String()] = struct{}{}
}

// Candidates returns address records eligible for a new outbound
// connection attempt: not attempted, not banned.
func (b *AddressBook) Candidates(limit int) []AddressRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]AddressRecord, 0, len(b.records))
	for _, rec := range b.records {
		key := rec.Endpoint.String()
		if _, attempted := b.attempted[key]; attempted {
			continue
		}
		if _, banned := b.banned[key]; banned {
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source > out[j].Source })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// All returns every known address record, for peer-exchange replies
// and persistence.
func (b *AddressBook) All() []AddressRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]AddressRecord, 0, len(b.records))
	for _, rec := range b.records {
		out = append(out, *rec)
	}
	return out
}

// Count reports how many distinct peer ids are known.
func (b *AddressBook) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.records)
}

// endpointPeerID stably derives a placeholder peer id from an
// endpoint, used until a handshake yields the peer's announced
// identity (§3: "or stably hashed from its endpoint when no identity
// is available").
func endpointPeerID(ep Endpoint) PeerID {
	f := endpointFingerprinter
	h := f.Hash([]byte(ep.String()))
	var id PeerID
	copy(id[:], h[:])
	return id
}

// endpointFingerprinter is process-wide: placeholder peer ids only
// need to be stable within a process's discovery session, not across
// restarts or cryptographically unpredictable.
var endpointFingerprinter = NewFingerprinter()
