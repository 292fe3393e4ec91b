package network

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func hashOf(b byte) MessageHash {
	var h MessageHash
	h[0] = b
	return h
}

func TestRecentCacheInsertIdempotent(t *testing.T) {
	c := NewRecentCache(10, time.Minute)
	h := hashOf(1)

	assert.False(t, c.Contains(h))
	c.Insert(h)
	assert.True(t, c.Contains(h))

	c.Insert(h) // no-op
	assert.Equal(t, 1, c.Len())
}

func TestRecentCacheTTLExpiry(t *testing.T) {
	c := NewRecentCache(10, 10*time.Millisecond)
	fake := time.Now()
	c.now = func() time.Time { return fake }

	h := hashOf(2)
	c.Insert(h)
	assert.True(t, c.Contains(h))

	fake = fake.Add(20 * time.Millisecond)
	assert.False(t, c.Contains(h))
}

func TestRecentCacheEvictsOldestWhenFull(t *testing.T) {
	c := NewRecentCache(2, time.Hour)
	fake := time.Now()
	c.now = func() time.Time { return fake }

	c.Insert(hashOf(1))
	fake = fake.Add(time.Millisecond)
	c.Insert(hashOf(2))
	fake = fake.Add(time.Millisecond)
	c.Insert(hashOf(3))

	assert.Equal(t, 2, c.Len())
	assert.False(t, c.Contains(hashOf(1)), "oldest entry should have been evicted")
	assert.True(t, c.Contains(hashOf(2)))
	assert.True(t, c.Contains(hashOf(3)))
}
