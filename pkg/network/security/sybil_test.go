package security

import (
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sybilIP(ip string) net.IP {
	return net.ParseIP(ip)
}

func subnet24(ip net.IP) string {
	ip4 := ip.To4()
	return fmt.Sprintf("%d.%d.%d.0/24", ip4[0], ip4[1], ip4[2])
}

func TestSybilGuardPerIPCap(t *testing.T) {
	g := NewSybilGuard(SybilGuardConfig{Level: RestrictionPerIP, MaxPerIP: 2}, nil)
	ip := sybilIP("203.0.113.5")
	subnet := subnet24(ip)

	require.True(t, g.Allow(ip, subnet))
	g.RecordConnect(ip, subnet)
	require.True(t, g.Allow(ip, subnet))
	g.RecordConnect(ip, subnet)
	assert.False(t, g.Allow(ip, subnet), "third connection from the same IP must be refused at MaxPerIP=2")
}

func TestSybilGuardPerSubnetCap(t *testing.T) {
	g := NewSybilGuard(SybilGuardConfig{Level: RestrictionPerSubnet, MaxPerIP: 100, MaxPerSubnet: 1}, nil)
	first := sybilIP("203.0.113.5")
	second := sybilIP("203.0.113.9") // same /24

	require.True(t, g.Allow(first, subnet24(first)))
	g.RecordConnect(first, subnet24(first))
	assert.False(t, g.Allow(second, subnet24(second)), "different IP in the same /24 must be refused at MaxPerSubnet=1")
}

func TestSybilGuardWhitelistBypasses(t *testing.T) {
	g := NewSybilGuard(SybilGuardConfig{Level: RestrictionPerIP, MaxPerIP: 1}, nil)
	ip := sybilIP("203.0.113.5")
	subnet := subnet24(ip)
	g.Whitelist(ip)

	g.RecordConnect(ip, subnet)
	g.RecordConnect(ip, subnet)
	assert.True(t, g.Allow(ip, subnet))
}

type stubASNLookup struct {
	asn map[string]uint32
}

func (s stubASNLookup) LookupASN(ip net.IP) (uint32, bool) {
	asn, ok := s.asn[ip.String()]
	return asn, ok
}

func TestSybilGuardPerASNCap(t *testing.T) {
	lookup := stubASNLookup{asn: map[string]uint32{
		"198.51.100.1": 64500,
		"203.0.113.1":  64500,
	}}
	g := NewSybilGuard(SybilGuardConfig{Level: RestrictionPerASN, MaxPerIP: 100, MaxPerSubnet: 100, MaxPerASN: 1}, lookup)

	a := sybilIP("198.51.100.1")
	b := sybilIP("203.0.113.1")

	require.True(t, g.Allow(a, subnet24(a)))
	g.RecordConnect(a, subnet24(a))
	assert.False(t, g.Allow(b, subnet24(b)), "different subnet but same ASN must be refused at MaxPerASN=1")
}

func TestSybilGuardASNLookupFailureFallsBackToSubnetDecision(t *testing.T) {
	g := NewSybilGuard(SybilGuardConfig{Level: RestrictionPerASN, MaxPerIP: 100, MaxPerSubnet: 100, MaxPerASN: 1}, nil)
	ip := sybilIP("203.0.113.5")
	assert.True(t, g.Allow(ip, subnet24(ip)), "unresolved ASN must not block a connection that passed subnet checks")
}

func TestReputationLedgerBansAtThreshold(t *testing.T) {
	ledger := NewReputationLedger(10)
	id := PeerID{1}

	banned := ledger.Record(id, ReputationEvent{Weight: 4, Reason: "rate_limit"})
	assert.False(t, banned)
	banned = ledger.Record(id, ReputationEvent{Weight: 6, Reason: "protocol_violation"})
	assert.True(t, banned)
	assert.Equal(t, float64(10), ledger.Score(id))
}
