package search

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bluele/gcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/smartbroker/internal/resilience"
)

type fakeBackend struct {
	calls   atomic.Int32
	queries []string
	mu      sync.Mutex
	err     error
	result  func(q string) *Result
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Search(_ context.Context, q string) (*Result, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result(q), nil
	}
	return &Result{Text: "results for " + q, Links: []string{"https://example.com"}, Usage: Usage{Tokens: 42}}, nil
}

type memPersistent struct {
	mu      sync.Mutex
	data    map[string][]byte
	expires map[string]time.Time
	now     func() time.Time
	sets    int
}

func newMemPersistent(now func() time.Time) *memPersistent {
	return &memPersistent{data: map[string][]byte{}, expires: map[string]time.Time{}, now: now}
}

func (m *memPersistent) GetCachedSearch(_ context.Context, key string) ([]byte, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data[key]
	if !ok {
		return nil, time.Time{}, nil
	}
	return d, m.expires[key], nil
}

func (m *memPersistent) SetCachedSearch(_ context.Context, key string, data []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = data
	m.expires[key] = m.now().Add(ttl)
	m.sets++
	return nil
}

func TestNormalizeQuery(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  string
	}{
		{"trim and fold", "  Acme Software OWNER ", "acme software owner"},
		{"collapse whitespace", "acme\t\tsoftware\n owner", "acme software owner"},
		{"empty", "   ", ""},
		{"unicode fold", "ÄPFEL Inc", "äpfel inc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeQuery(tt.query))
		})
	}
}

func TestAdapter_CacheHitMakesNoBackendCall(t *testing.T) {
	be := &fakeBackend{}
	a := New(be)

	first, err := a.Search(context.Background(), "acme software owner")
	require.NoError(t, err)
	assert.False(t, first.Usage.Cached)
	assert.Equal(t, 42, first.Usage.Tokens)

	for i := 0; i < 5; i++ {
		again, err := a.Search(context.Background(), "acme software owner")
		require.NoError(t, err)
		assert.Equal(t, first.Text, again.Text)
		assert.Equal(t, first.Links, again.Links)
		assert.True(t, again.Usage.Cached)
		assert.Zero(t, again.Usage.Tokens)
	}
	assert.Equal(t, int32(1), be.calls.Load())
}

func TestAdapter_NormalizedQueriesShareEntry(t *testing.T) {
	be := &fakeBackend{}
	a := New(be)

	_, err := a.Search(context.Background(), "Acme Software  Owner")
	require.NoError(t, err)
	res, err := a.Search(context.Background(), "  acme software owner")
	require.NoError(t, err)

	assert.True(t, res.Usage.Cached)
	assert.Equal(t, int32(1), be.calls.Load())
	assert.Equal(t, []string{"Acme Software  Owner"}, be.queries)
}

func TestAdapter_EntryExpiresAfterTTL(t *testing.T) {
	be := &fakeBackend{}
	clock := gcache.NewFakeClock()
	a := New(be, WithClock(clock))

	_, err := a.Search(context.Background(), "acme")
	require.NoError(t, err)

	clock.Advance(DefaultTTL - time.Second)
	_, err = a.Search(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, int32(1), be.calls.Load())

	clock.Advance(2 * time.Second)
	res, err := a.Search(context.Background(), "acme")
	require.NoError(t, err)
	assert.False(t, res.Usage.Cached)
	assert.Equal(t, int32(2), be.calls.Load())
}

func TestAdapter_CallerMutationDoesNotLeakIntoCache(t *testing.T) {
	a := New(&fakeBackend{})

	res, err := a.Search(context.Background(), "acme")
	require.NoError(t, err)
	res.Text = "changed"
	res.Links[0] = "https://changed.example"

	again, err := a.Search(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "results for acme", again.Text)
	assert.Equal(t, []string{"https://example.com"}, again.Links)
}

func TestAdapter_EmptyQuery(t *testing.T) {
	be := &fakeBackend{}
	_, err := New(be).Search(context.Background(), "  ")
	require.Error(t, err)
	assert.Zero(t, be.calls.Load())
}

func TestAdapter_ErrorsAreNotCached(t *testing.T) {
	be := &fakeBackend{err: resilience.NewUpstreamError("fake", 503, errors.New("unavailable"))}
	a := New(be)

	_, err := a.Search(context.Background(), "acme")
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))

	be.err = nil
	res, err := a.Search(context.Background(), "acme")
	require.NoError(t, err)
	assert.False(t, res.Usage.Cached)
	assert.Equal(t, int32(2), be.calls.Load())
}

func TestAdapter_PersistentCache(t *testing.T) {
	clock := gcache.NewFakeClock()

	t.Run("write through", func(t *testing.T) {
		pc := newMemPersistent(clock.Now)
		a := New(&fakeBackend{}, WithClock(clock), WithPersistentCache(pc))

		_, err := a.Search(context.Background(), "Acme")
		require.NoError(t, err)
		assert.Equal(t, 1, pc.sets)
		assert.Contains(t, pc.data, "acme")
	})

	t.Run("hit is promoted", func(t *testing.T) {
		pc := newMemPersistent(clock.Now)
		data, err := json.Marshal(Result{Text: "stored", Links: []string{"https://stored.example"}, Usage: Usage{Tokens: 9}})
		require.NoError(t, err)
		require.NoError(t, pc.SetCachedSearch(context.Background(), "acme", data, time.Minute))

		be := &fakeBackend{}
		a := New(be, WithClock(clock), WithPersistentCache(pc))

		res, err := a.Search(context.Background(), "ACME")
		require.NoError(t, err)
		assert.Equal(t, "stored", res.Text)
		assert.True(t, res.Usage.Cached)
		assert.Zero(t, be.calls.Load())

		// Promoted entry survives removal from the persistent level.
		delete(pc.data, "acme")
		res, err = a.Search(context.Background(), "acme")
		require.NoError(t, err)
		assert.Equal(t, "stored", res.Text)
		assert.Zero(t, be.calls.Load())
	})

	t.Run("expired entry is ignored", func(t *testing.T) {
		pc := newMemPersistent(clock.Now)
		data, err := json.Marshal(Result{Text: "stale"})
		require.NoError(t, err)
		pc.data["acme"] = data
		pc.expires["acme"] = clock.Now().Add(-time.Second)

		be := &fakeBackend{}
		a := New(be, WithClock(clock), WithPersistentCache(pc))

		res, err := a.Search(context.Background(), "acme")
		require.NoError(t, err)
		assert.Equal(t, "results for acme", res.Text)
		assert.Equal(t, int32(1), be.calls.Load())
	})
}

func TestAdapter_ConcurrentIdenticalQueries(t *testing.T) {
	release := make(chan struct{})
	be := &fakeBackend{result: func(q string) *Result {
		<-release
		return &Result{Text: "results for " + q}
	}}
	a := New(be)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := a.Search(context.Background(), "acme")
			assert.NoError(t, err)
			assert.Equal(t, "results for acme", res.Text)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, be.calls.Load(), int32(8))
	res, err := a.Search(context.Background(), "acme")
	require.NoError(t, err)
	assert.True(t, res.Usage.Cached)
}

// gatedBackend blocks each search until release is closed or its context ends.
type gatedBackend struct {
	calls   atomic.Int32
	release chan struct{}
}

func (g *gatedBackend) Name() string { return "gated" }

func (g *gatedBackend) Search(ctx context.Context, q string) (*Result, error) {
	g.calls.Add(1)
	select {
	case <-g.release:
		return &Result{Text: "results for " + q}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestAdapter_SharedFetchSurvivesOneCallerCancelling(t *testing.T) {
	be := &gatedBackend{release: make(chan struct{})}
	a := New(be)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := a.Search(ctxA, "Acme Owner")
		errA <- err
	}()
	require.Eventually(t, func() bool { return be.calls.Load() == 1 }, time.Second, time.Millisecond)

	type outcome struct {
		res *Result
		err error
	}
	doneB := make(chan outcome, 1)
	go func() {
		res, err := a.Search(context.Background(), "acme  owner")
		doneB <- outcome{res, err}
	}()

	cancelA()
	require.ErrorIs(t, <-errA, context.Canceled)

	close(be.release)
	b := <-doneB
	require.NoError(t, b.err)
	assert.Equal(t, "results for Acme Owner", b.res.Text)
	assert.Equal(t, int32(1), be.calls.Load())
}

func TestAdapter_RetryDecorator(t *testing.T) {
	var n atomic.Int32
	be := &fakeBackend{result: func(q string) *Result { return &Result{Text: q} }}
	flaky := &flakyBackend{inner: be, failures: 2, n: &n}

	cfg := resilience.DefaultRetryConfig()
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = time.Millisecond
	a := New(flaky, WithRetry(cfg))

	res, err := a.Search(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "acme", res.Text)
	assert.Equal(t, int32(3), n.Load())
}

func TestAdapter_RetryStopsOnAuth(t *testing.T) {
	be := &fakeBackend{err: resilience.NewUpstreamError("fake", 401, errors.New("bad key"))}
	cfg := resilience.DefaultRetryConfig()
	cfg.InitialBackoff = time.Millisecond
	a := New(be, WithRetry(cfg))

	_, err := a.Search(context.Background(), "acme")
	require.Error(t, err)
	assert.True(t, resilience.IsFatal(err))
	assert.Equal(t, int32(1), be.calls.Load())
}

func TestAdapter_BreakerOpens(t *testing.T) {
	be := &fakeBackend{err: resilience.NewUpstreamError("fake", 500, errors.New("boom"))}
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour})
	a := New(be, WithBreaker(cb))

	for i := 0; i < 2; i++ {
		_, err := a.Search(context.Background(), "acme")
		require.Error(t, err)
	}
	_, err := a.Search(context.Background(), "acme")
	require.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, int32(2), be.calls.Load())
}

func TestAdapter_RateLimitWaitHonoursContext(t *testing.T) {
	be := &fakeBackend{}
	a := New(be, WithRateLimit(0.001))

	_, err := a.Search(context.Background(), "first")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = a.Search(ctx, "second")
	require.Error(t, err)
	assert.Equal(t, int32(1), be.calls.Load())

	// Cache hits bypass the limiter.
	res, err := a.Search(ctx, "first")
	require.NoError(t, err)
	assert.True(t, res.Usage.Cached)
}

type flakyBackend struct {
	inner    Backend
	failures int32
	n        *atomic.Int32
}

func (f *flakyBackend) Name() string { return "flaky" }

func (f *flakyBackend) Search(ctx context.Context, q string) (*Result, error) {
	if f.n.Add(1) <= f.failures {
		return nil, resilience.NewUpstreamError("flaky", 429, errors.New("slow down"))
	}
	return f.inner.Search(ctx, q)
}
