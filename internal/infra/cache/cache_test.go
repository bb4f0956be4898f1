package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestStore_SetGet_ExpiryTimestampIsAbsolute(t *testing.T) {
	s := New[[]int](time.Hour)

	for _, ttl := range []time.Duration{time.Second, 90 * time.Second, 6 * time.Hour} {
		v := []int{1, 2, 3}
		before := time.Now()
		require.True(t, s.Set("k", v, ttl))
		after := time.Now()

		got, ok := s.Get("k")
		require.True(t, ok)
		assert.Equal(t, v, got)
		// 不 clone：返回的是同一个底层数组。
		assert.Same(t, &v[0], &got[0])

		ms, ok := s.ExpiryTimestamp("k")
		require.True(t, ok)
		assert.GreaterOrEqual(t, ms, before.Add(ttl).UnixMilli())
		assert.LessOrEqual(t, ms, after.Add(ttl).UnixMilli()+1)
	}
}

func TestStore_DefaultTTL(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)}
	s := New[string](10*time.Minute, WithClock(clk.Now))

	s.Set("a", "x")
	exp, ok := s.ExpiresAt("a")
	require.True(t, ok)
	assert.Equal(t, clk.Now().Add(10*time.Minute), exp)

	s.Set("b", "y", 0)
	exp, ok = s.ExpiresAt("b")
	require.True(t, ok)
	assert.Equal(t, clk.Now().Add(10*time.Minute), exp, "ttl=0 应回退为默认 TTL")
}

func TestStore_ExpiredButNotSweptIsAbsent(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)}
	s := New[string](time.Minute, WithClock(clk.Now))

	s.Set("k", "v")
	require.True(t, s.Has("k"))

	clk.Advance(time.Minute)

	_, ok := s.Get("k")
	assert.False(t, ok)
	assert.False(t, s.Has("k"))
	_, ok = s.ExpiryTimestamp("k")
	assert.False(t, ok)
	assert.Equal(t, 1, s.Len(), "尚未清扫，条目仍在 map 中")

	assert.Equal(t, 1, s.PurgeExpired())
	assert.Equal(t, 0, s.Len())
}

func TestStore_DeleteAndClear(t *testing.T) {
	s := New[int](time.Hour)
	s.Set("a", 1)
	s.Set("b", 2)

	assert.Equal(t, 1, s.Delete("a"))
	assert.Equal(t, 0, s.Delete("a"))
	assert.False(t, s.Has("a"))
	assert.True(t, s.Has("b"))

	s.Clear()
	assert.Equal(t, 0, s.Len())
	assert.False(t, s.Has("b"))
}

func TestStore_NoDefaultTTLNeverExpires(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)}
	s := New[int](0, WithClock(clk.Now))
	s.Set("k", 7)
	clk.Advance(24 * 365 * time.Hour)

	v, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, 7, v)
	ms, ok := s.ExpiryTimestamp("k")
	require.True(t, ok)
	assert.Equal(t, int64(0), ms)
}

func TestSweeper_SweepOnce(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)}
	a := New[int](time.Second, WithClock(clk.Now))
	b := New[string](time.Hour, WithClock(clk.Now))
	a.Set("x", 1)
	b.Set("y", "z")
	clk.Advance(2 * time.Second)

	sw, err := NewSweeper("", nil, a, b)
	require.NoError(t, err)
	sw.SweepOnce()

	assert.Equal(t, 0, a.Len())
	assert.Equal(t, 1, b.Len())
}

func TestNewSweeper_InvalidSpec(t *testing.T) {
	_, err := NewSweeper("not a cron spec", nil)
	assert.Error(t, err)
}
