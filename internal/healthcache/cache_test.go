package healthcache

import (
	"context"
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
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func TestNewDefaults(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want Config
	}{
		{name: "zero config uses defaults", cfg: Config{}, want: DefaultConfig()},
		{name: "negative values use defaults", cfg: Config{Capacity: -1, TTL: -time.Second, Threshold: -3}, want: DefaultConfig()},
		{
			name: "explicit values kept",
			cfg:  Config{Capacity: 10, TTL: time.Minute, Threshold: 2},
			want: Config{Capacity: 10, TTL: time.Minute, Threshold: 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, New(tt.cfg).Config())
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 10000, cfg.Capacity)
	assert.Equal(t, 3*time.Minute, cfg.TTL)
	assert.Equal(t, 25, cfg.Threshold)
}

func TestRecordFailureAndPeek(t *testing.T) {
	c := New(DefaultConfig())

	_, ok := c.Peek("https://a.example/hook")
	assert.False(t, ok)

	assert.Equal(t, 1, c.RecordFailure("https://a.example/hook"))
	assert.Equal(t, 2, c.RecordFailure("https://a.example/hook"))

	n, ok := c.Peek("https://a.example/hook")
	require.True(t, ok)
	assert.Equal(t, 2, n)

	// keys are exact strings
	_, ok = c.Peek("https://a.example/hook/")
	assert.False(t, ok)
}

func TestIsAllowedThreshold(t *testing.T) {
	clock := newFakeClock()
	c := New(DefaultConfig(), WithClock(clock.Now))
	const ep = "https://down.example/hook"

	for i := 1; i < DefaultThreshold; i++ {
		c.RecordFailure(ep)
		assert.True(t, c.IsAllowed(ep), "allowed after %d failures", i)
	}

	c.RecordFailure(ep)
	assert.False(t, c.IsAllowed(ep))
	assert.True(t, c.IsAllowed("https://other.example/hook"))

	// IsAllowed does not change the count
	n, _ := c.Peek(ep)
	assert.Equal(t, DefaultThreshold, n)
}

func TestTTLExpiry(t *testing.T) {
	clock := newFakeClock()
	c := New(Config{TTL: time.Minute, Threshold: 2}, WithClock(clock.Now))
	const ep = "https://down.example/hook"

	c.RecordFailure(ep)
	c.RecordFailure(ep)
	require.False(t, c.IsAllowed(ep))

	clock.Advance(59 * time.Second)
	assert.False(t, c.IsAllowed(ep))

	clock.Advance(time.Second)
	assert.True(t, c.IsAllowed(ep))
	_, ok := c.Peek(ep)
	assert.False(t, ok)
}

func TestTouchesDoNotExtendTTL(t *testing.T) {
	clock := newFakeClock()
	c := New(Config{TTL: time.Minute, Threshold: 100}, WithClock(clock.Now))
	const ep = "https://flaky.example/hook"

	c.RecordFailure(ep)
	clock.Advance(50 * time.Second)
	assert.Equal(t, 2, c.RecordFailure(ep))
	clock.Advance(10 * time.Second)

	_, ok := c.Peek(ep)
	assert.False(t, ok, "entry expires a TTL after creation regardless of later failures")

	// next failure starts a fresh entry
	assert.Equal(t, 1, c.RecordFailure(ep))
}

func TestCapacityEvictsLeastRecentlyTouched(t *testing.T) {
	c := New(Config{Capacity: 3})

	c.RecordFailure("a")
	c.RecordFailure("b")
	c.RecordFailure("c")
	c.RecordFailure("a") // a becomes most recent, b is now oldest
	c.RecordFailure("d")

	assert.Equal(t, 3, c.Len())
	_, ok := c.Peek("b")
	assert.False(t, ok, "b should have been evicted")
	for _, ep := range []string{"a", "c", "d"} {
		_, ok := c.Peek(ep)
		assert.True(t, ok, "%s should still be tracked", ep)
	}
}

func TestPeekDoesNotTouch(t *testing.T) {
	c := New(Config{Capacity: 2})

	c.RecordFailure("a")
	c.RecordFailure("b")
	c.Peek("a")
	c.IsAllowed("a")
	c.RecordFailure("c")

	_, ok := c.Peek("a")
	assert.False(t, ok, "reads must not refresh eviction order")
}

func TestSweep(t *testing.T) {
	clock := newFakeClock()
	c := New(Config{TTL: time.Minute}, WithClock(clock.Now))

	c.RecordFailure("old-1")
	c.RecordFailure("old-2")
	clock.Advance(30 * time.Second)
	c.RecordFailure("new")
	c.RecordFailure("old-1") // touching does not save it
	clock.Advance(30 * time.Second)

	assert.Equal(t, 2, c.Sweep())
	assert.Equal(t, 1, c.Len())
	_, ok := c.Peek("new")
	assert.True(t, ok)
}

func TestRun(t *testing.T) {
	clock := newFakeClock()
	c := New(Config{TTL: time.Minute}, WithClock(clock.Now))
	c.RecordFailure("a")
	clock.Advance(2 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, 5*time.Millisecond) }()

	require.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	assert.Error(t, c.Run(context.Background(), 0))
}

func TestConcurrentRecordFailure(t *testing.T) {
	c := New(Config{Capacity: 1000, Threshold: 100000})

	const workers = 16
	const perWorker = 200
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				c.RecordFailure("shared")
				c.RecordFailure(fmt.Sprintf("ep-%d-%d", w, i%10))
				c.IsAllowed("shared")
			}
		}(w)
	}
	wg.Wait()

	n, ok := c.Peek("shared")
	require.True(t, ok)
	assert.Equal(t, workers*perWorker, n, "no increments may be lost")
	assert.Equal(t, workers*10+1, c.Len())
}
