package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetSet(t *testing.T) {
	c := New(time.Minute)
	key := Key{Kind: "group", ID: 100}

	_, ok := c.Get(key)
	assert.False(t, ok)

	c.Set(key, "value")
	v, ok := c.Get(key)
	assert.True(t, ok)
	assert.Equal(t, "value", v)
	assert.Equal(t, 1, c.Len())
}

func TestExpiry(t *testing.T) {
	c := New(time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }

	key := Key{Kind: "stranger", ID: 7}
	c.Set(key, "fresh")

	now = now.Add(59 * time.Second)
	_, ok := c.Get(key)
	assert.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok = c.Get(key)
	assert.False(t, ok)
	// Expired entries are evicted on read.
	assert.Equal(t, 0, c.Len())
}

func TestSubKeyedEntries(t *testing.T) {
	c := New(time.Minute)
	c.Set(Key{Kind: "member", ID: 100, Sub: 7}, "a")
	c.Set(Key{Kind: "member", ID: 100, Sub: 8}, "b")

	v, ok := c.Get(Key{Kind: "member", ID: 100, Sub: 7})
	assert.True(t, ok)
	assert.Equal(t, "a", v)
	assert.Equal(t, 2, c.Len())
}

func TestDefaultTTL(t *testing.T) {
	c := New(0)
	assert.Equal(t, DefaultTTL, c.ttl)
}
