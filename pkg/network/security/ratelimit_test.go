package security

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSGuardAllowsWithinBurst(t *testing.T) {
	guard := NewDoSGuard(DoSGuardConfig{
		Limits: map[ResourceType]ResourceLimit{
			ResourceMessages: {EventsPerSecond: 1, Burst: 3},
		},
	})
	id := PeerID{1}
	ip := net.ParseIP("10.0.0.1")

	assert.True(t, guard.Allow(id, ip, ResourceMessages))
	assert.True(t, guard.Allow(id, ip, ResourceMessages))
	assert.True(t, guard.Allow(id, ip, ResourceMessages))
	assert.False(t, guard.Allow(id, ip, ResourceMessages), "fourth message exceeds burst of 3")
}

func TestDoSGuardUnconfiguredResourceIsUnlimited(t *testing.T) {
	guard := NewDoSGuard(DoSGuardConfig{})
	id := PeerID{1}
	ip := net.ParseIP("10.0.0.1")
	for i := 0; i < 1000; i++ {
		require.True(t, guard.Allow(id, ip, ResourceMessages))
	}
}

func TestDoSGuardBansAtThresholdPerScoreCurve(t *testing.T) {
	guard := NewDoSGuard(DoSGuardConfig{
		BanThreshold: 5,
		MaxBanTime:   7 * 24 * time.Hour,
	})
	var fakeNow time.Time
	guard.now = func() time.Time { return fakeNow }

	id := PeerID{1}
	ip := net.ParseIP("10.0.0.1")

	// score reaches exactly 5: 2^(5/5) - 1 = 1 hour.
	banned, until := guard.RecordViolation(id, ip, ViolationProtocolViolation) // weight 5
	require.True(t, banned)
	assert.Equal(t, fakeNow.Add(time.Hour), until)
	assert.True(t, guard.IsBanned(ip))

	// ban expires
	fakeNow = fakeNow.Add(2 * time.Hour)
	assert.False(t, guard.IsBanned(ip))

	// a higher score produces a longer ban: 2^(10/5) - 1 = 3 hours.
	id2 := PeerID{2}
	banned, until = guard.RecordViolation(id2, ip, ViolationInvalidBlock) // weight 10
	require.True(t, banned)
	assert.Equal(t, fakeNow.Add(3*time.Hour), until)
}

func TestDoSGuardBanDurationCapsAtMax(t *testing.T) {
	guard := NewDoSGuard(DoSGuardConfig{
		BanThreshold: 1,
		MaxBanTime:   90 * time.Minute,
	})
	var fakeNow time.Time
	guard.now = func() time.Time { return fakeNow }
	ip := net.ParseIP("10.0.0.1")
	id := PeerID{1}

	// 2^(10/5) - 1 = 3 hours, which exceeds the 90 minute cap.
	_, until := guard.RecordViolation(id, ip, ViolationInvalidBlock)
	assert.Equal(t, fakeNow.Add(90*time.Minute), until)
}

func TestDoSGuardWhitelistBypassesBothLimitAndBan(t *testing.T) {
	guard := NewDoSGuard(DoSGuardConfig{
		Limits:       map[ResourceType]ResourceLimit{ResourceMessages: {EventsPerSecond: 1, Burst: 1}},
		BanThreshold: 1,
	})
	ip := net.ParseIP("10.0.0.1")
	guard.Whitelist(ip)
	id := PeerID{1}

	assert.True(t, guard.Allow(id, ip, ResourceMessages))
	assert.True(t, guard.Allow(id, ip, ResourceMessages))
	banned, _ := guard.RecordViolation(id, ip, ViolationInvalidBlock)
	assert.False(t, banned)
	assert.False(t, guard.IsBanned(ip))
}
