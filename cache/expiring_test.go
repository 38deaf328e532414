package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestGetWithinTTL(t *testing.T) {
	clock := newFakeClock()
	c := New[string, []string](30*time.Second, WithNow(clock.Now))

	c.Set("team", []string{"ann", "bob"})
	clock.Advance(29 * time.Second)

	got, ok := c.Get("team")
	require.True(t, ok)
	require.Equal(t, []string{"ann", "bob"}, got)
}

func TestGetAfterTTL(t *testing.T) {
	clock := newFakeClock()
	c := New[string, int](600*time.Second, WithNow(clock.Now))

	c.Set("company", 1)
	clock.Advance(600 * time.Second)

	_, ok := c.Get("company")
	require.False(t, ok)

	// Expiry is lazy: the entry stays until replaced or evicted.
	require.Equal(t, 1, c.Len())
}

func TestGetMissing(t *testing.T) {
	c := New[string, int](time.Minute)
	_, ok := c.Get("nope")
	require.False(t, ok)
}

func TestEvictsOldestInserted(t *testing.T) {
	c := New[string, int](time.Hour, WithMaxEntries(3))

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	// Reading "a" does not protect it.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("d", 4)
	require.Equal(t, 3, c.Len())

	_, ok = c.Get("a")
	require.False(t, ok, "oldest inserted entry should be evicted")
	for _, k := range []string{"b", "c", "d"} {
		_, ok := c.Get(k)
		assert.True(t, ok, k)
	}
}

func TestOverwriteDoesNotEvict(t *testing.T) {
	c := New[string, int](time.Hour, WithMaxEntries(2))

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("a", 10)
	require.Equal(t, 2, c.Len())

	got, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, 10, got)

	// "b" is now the oldest insertion.
	c.Set("c", 3)
	_, ok = c.Get("b")
	require.False(t, ok)
	_, ok = c.Get("a")
	require.True(t, ok)
}

func TestSetWithTTL(t *testing.T) {
	clock := newFakeClock()
	c := New[string, string](time.Hour, WithNow(clock.Now))

	c.SetWithTTL("fallback", "default", 5*time.Second)
	clock.Advance(4 * time.Second)
	_, ok := c.Get("fallback")
	require.True(t, ok)

	clock.Advance(time.Second)
	_, ok = c.Get("fallback")
	require.False(t, ok)
}

func TestDelete(t *testing.T) {
	c := New[string, int](time.Hour)
	c.Set("a", 1)
	c.Delete("a")
	c.Delete("missing")

	_, ok := c.Get("a")
	require.False(t, ok)
	require.Zero(t, c.Len())
}

func TestConcurrentAccess(t *testing.T) {
	c := New[string, int](time.Hour, WithMaxEntries(16))

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 100 {
				key := fmt.Sprintf("k%d", (i*100+j)%32)
				c.Set(key, j)
				c.Get(key)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 16)
}
