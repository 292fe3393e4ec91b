package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectEvictionCandidateSkipsPreferred(t *testing.T) {
	topo := NewTopology(TopologyConfig{MaxPeers: 10})
	good := PeerID{1}
	bad := PeerID{2}

	topo.UpdateScore(good, PeerScore{Uptime: 1.0})
	topo.UpdateScore(bad, PeerScore{Uptime: 0.1})
	topo.MarkPreferred(bad)

	candidate, found := topo.SelectEvictionCandidate([]PeerID{good, bad})
	require.True(t, found)
	assert.Equal(t, good, candidate, "preferred peer must never be chosen despite the worse score")
}

func TestSelectEvictionCandidateReturnsFalseWhenAllPreferred(t *testing.T) {
	topo := NewTopology(TopologyConfig{MaxPeers: 10})
	a, b := PeerID{1}, PeerID{2}
	topo.MarkPreferred(a)
	topo.MarkPreferred(b)

	_, found := topo.SelectEvictionCandidate([]PeerID{a, b})
	assert.False(t, found)
}

func TestMisbehaviorDominatesScoring(t *testing.T) {
	topo := NewTopology(TopologyConfig{MaxPeers: 10})
	clean := PeerID{1}
	misbehaving := PeerID{2}

	topo.UpdateScore(clean, PeerScore{Uptime: 0.1, LatencyMillis: 500})
	topo.UpdateScore(misbehaving, PeerScore{Uptime: 1.0, LatencyMillis: 1})
	topo.RecordMisbehavior(misbehaving, 5)

	candidate, found := topo.SelectEvictionCandidate([]PeerID{clean, misbehaving})
	require.True(t, found)
	assert.Equal(t, misbehaving, candidate)
}

func TestRegionalPreferenceBiasesAgainstEviction(t *testing.T) {
	topo := NewTopology(TopologyConfig{MaxPeers: 10, PreferredRegions: []string{"eu"}, RegionalBiasWeight: 1000})
	euPeer := PeerID{1}
	otherPeer := PeerID{2}

	topo.UpdateScore(euPeer, PeerScore{Uptime: 0, Region: "eu"})
	topo.UpdateScore(otherPeer, PeerScore{Uptime: 0.5, Region: "na"})

	candidate, found := topo.SelectEvictionCandidate([]PeerID{euPeer, otherPeer})
	require.True(t, found)
	assert.Equal(t, otherPeer, candidate)
}

func TestAtCapacity(t *testing.T) {
	topo := NewTopology(TopologyConfig{MaxPeers: 5})
	assert.False(t, topo.AtCapacity(4))
	assert.True(t, topo.AtCapacity(5))
}
