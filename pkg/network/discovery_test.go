package network

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubResolver struct {
	seeds   map[string][]Endpoint
	dns     map[string][]Endpoint
	seedErr map[string]error
	dnsErr  map[string]error
}

func (s *stubResolver) ResolveSeed(hostport string) ([]Endpoint, error) {
	if err, ok := s.seedErr[hostport]; ok {
		return nil, err
	}
	return s.seeds[hostport], nil
}

func (s *stubResolver) LookupDNSSeed(hostname string, port uint16) ([]Endpoint, error) {
	if err, ok := s.dnsErr[hostname]; ok {
		return nil, err
	}
	return s.dns[hostname], nil
}

func ep(ip string, port uint16) Endpoint {
	return Endpoint{IP: net.ParseIP(ip), Port: port}
}

func TestBootstrapMergesSeedsAndDNS(t *testing.T) {
	resolver := &stubResolver{
		seeds: map[string][]Endpoint{
			"seed1:30333": {ep("10.0.0.1", 30333)},
		},
		dns: map[string][]Endpoint{
			"dnsseed.example.com": {ep("10.0.0.2", 30333), ep("10.0.0.3", 30333)},
		},
	}
	book := NewAddressBook(BootstrapConfig{
		BootstrapNodes: []string{"seed1:30333"},
		DNSSeeds:       []string{"dnsseed.example.com"},
	}, resolver, nil)

	err := book.Bootstrap(nil)
	require.NoError(t, err)
	assert.Equal(t, 3, book.Count())
}

func TestBootstrapSkipsDNSWhenEnoughPeers(t *testing.T) {
	seeds := map[string][]Endpoint{}
	var nodes []string
	for i := 0; i < 10; i++ {
		addr := "seed:" + string(rune('a'+i))
		nodes = append(nodes, addr)
		seeds[addr] = []Endpoint{ep("10.0.0.1", uint16(i+1))}
	}
	dnsQueried := false
	resolver := &stubResolver{
		seeds: seeds,
		dns:   map[string][]Endpoint{"shouldnotbequeried.example.com": {ep("10.0.0.99", 30333)}},
	}
	_ = dnsQueried

	book := NewAddressBook(BootstrapConfig{
		BootstrapNodes: nodes,
		DNSSeeds:       []string{"shouldnotbequeried.example.com"},
	}, resolver, nil)

	err := book.Bootstrap(nil)
	require.NoError(t, err)
	assert.Equal(t, 10, book.Count(), "the DNS seed's endpoint must not have been added")
}

func TestBootstrapToleratesPartialFailure(t *testing.T) {
	resolver := &stubResolver{
		seeds: map[string][]Endpoint{
			"good:30333": {ep("10.0.0.1", 30333)},
		},
		seedErr: map[string]error{
			"bad:30333": assertErr{},
		},
	}
	book := NewAddressBook(BootstrapConfig{
		BootstrapNodes: []string{"good:30333", "bad:30333"},
	}, resolver, nil)

	err := book.Bootstrap(nil)
	require.NoError(t, err)
	assert.Equal(t, 1, book.Count())
}

func TestBootstrapFailsWhenAllSeedsFail(t *testing.T) {
	resolver := &stubResolver{
		seedErr: map[string]error{"bad:30333": assertErr{}},
	}
	book := NewAddressBook(BootstrapConfig{
		BootstrapNodes: []string{"bad:30333"},
	}, resolver, nil)

	err := book.Bootstrap(nil)
	assert.Error(t, err)
}

func TestUpgradeRuleKeepsHighestPrioritySource(t *testing.T) {
	book := NewAddressBook(BootstrapConfig{}, &stubResolver{}, nil)
	id := PeerID{1}
	e := ep("10.0.0.5", 1000)

	book.observe(id, e, 1, "ua1", SourceDNSSeed)
	book.observe(id, e, 2, "ua2", SourceManuallyAdded)
	book.observe(id, e, 3, "ua3", SourceDNSSeed) // lower priority must not downgrade

	all := book.All()
	require.Len(t, all, 1)
	assert.Equal(t, SourceManuallyAdded, all[0].Source)
}

func TestUpgradeRuleInboundDoesNotOverwriteEndpoint(t *testing.T) {
	book := NewAddressBook(BootstrapConfig{}, &stubResolver{}, nil)
	id := PeerID{2}
	reachable := ep("203.0.113.1", 9000)
	natMapped := ep("198.51.100.7", 54321)

	book.observe(id, reachable, 1, "", SourceBootstrap)
	book.ObserveInbound(id, natMapped, 1, "")

	all := book.All()
	require.Len(t, all, 1)
	assert.Equal(t, reachable.String(), all[0].Endpoint.String())
}

func TestMarkAttemptedAndBannedFilterCandidates(t *testing.T) {
	resolver := &stubResolver{
		seeds: map[string][]Endpoint{
			"seed:1": {ep("10.0.0.1", 1)},
			"seed:2": {ep("10.0.0.2", 2)},
		},
	}
	book := NewAddressBook(BootstrapConfig{BootstrapNodes: []string{"seed:1", "seed:2"}}, resolver, nil)
	require.NoError(t, book.Bootstrap(nil))

	book.MarkAttempted(ep("10.0.0.1", 1))
	book.MarkBanned(ep("10.0.0.2", 2))

	assert.Empty(t, book.Candidates(0))
}

type assertErr struct{}

func (assertErr) Error() string { return "stub failure" }
