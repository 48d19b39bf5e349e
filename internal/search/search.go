// Package search executes web-search queries for the research agent and
// caches results by normalized query text.
package search

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/bluele/gcache"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/cases"
	"golang.org/x/time/rate"

	"github.com/sells-group/smartbroker/internal/resilience"
)

const (
	// DefaultTTL bounds the staleness of cached results.
	DefaultTTL = 15 * time.Minute

	defaultCacheSize = 1024
)

// Result is the textual outcome of one search.
type Result struct {
	Text  string   `json:"text"`
	Links []string `json:"links,omitempty"`
	Usage Usage    `json:"usage"`
}

// Usage reports what a search cost. Cached results report zero tokens.
type Usage struct {
	Cached bool `json:"cached"`
	Tokens int  `json:"tokens"`
}

func (r *Result) clone() *Result {
	out := *r
	out.Links = append([]string(nil), r.Links...)
	return &out
}

// Backend runs one query against a web-search provider.
type Backend interface {
	Name() string
	Search(ctx context.Context, query string) (*Result, error)
}

// PersistentCache is an optional second cache level shared across
// processes. A miss returns nil data and a nil error.
type PersistentCache interface {
	GetCachedSearch(ctx context.Context, key string) ([]byte, time.Time, error)
	SetCachedSearch(ctx context.Context, key string, data []byte, ttl time.Duration) error
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTTL overrides the cache entry lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(a *Adapter) {
		if ttl > 0 {
			a.ttl = ttl
		}
	}
}

// WithCacheSize caps the number of in-memory entries.
func WithCacheSize(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.size = n
		}
	}
}

// WithPersistentCache adds a second cache level behind the in-memory LRU.
func WithPersistentCache(pc PersistentCache) Option {
	return func(a *Adapter) {
		a.l2 = pc
	}
}

// WithRateLimit throttles backend calls. Cache hits are never throttled.
func WithRateLimit(perSec float64) Option {
	return func(a *Adapter) {
		if perSec > 0 {
			a.limiter = rate.NewLimiter(rate.Limit(perSec), 1)
		}
	}
}

// WithBreaker routes backend calls through a circuit breaker.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(a *Adapter) {
		a.breaker = cb
	}
}

// WithRetry retries transient backend failures.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(a *Adapter) {
		a.retry = &cfg
	}
}

// WithClock replaces the cache clock. Used by tests.
func WithClock(clock gcache.Clock) Option {
	return func(a *Adapter) {
		a.clock = clock
	}
}

// Adapter is the search tool handed to the protocol engine. It is safe for
// concurrent use and may be shared between runs.
type Adapter struct {
	backend Backend
	cache   gcache.Cache
	ttl     time.Duration
	size    int
	clock   gcache.Clock
	l2      PersistentCache
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	retry   *resilience.RetryConfig
	group   singleflight.Group
}

// New creates an adapter over backend.
func New(backend Backend, opts ...Option) *Adapter {
	a := &Adapter{
		backend: backend,
		ttl:     DefaultTTL,
		size:    defaultCacheSize,
		clock:   gcache.NewRealClock(),
	}
	for _, o := range opts {
		o(a)
	}
	a.cache = gcache.New(a.size).LRU().Expiration(a.ttl).Clock(a.clock).Build()
	return a
}

// Backend returns the name of the underlying provider.
func (a *Adapter) Backend() string {
	return a.backend.Name()
}

// NormalizeQuery returns the cache key for a query: whitespace collapsed,
// trimmed and case-folded.
func NormalizeQuery(query string) string {
	collapsed := strings.Join(strings.Fields(query), " ")
	// Casers carry state and must not be shared between goroutines.
	return cases.Fold().String(collapsed)
}

// Search returns the result for query, from cache when possible.
func (a *Adapter) Search(ctx context.Context, query string) (*Result, error) {
	key := NormalizeQuery(query)
	if key == "" {
		return nil, eris.New("search: empty query")
	}

	if v, err := a.cache.Get(key); err == nil {
		recordCacheLookup("memory", true)
		return hit(v.(*Result)), nil
	}
	recordCacheLookup("memory", false)

	if res, ok := a.lookupPersistent(ctx, key); ok {
		return hit(res), nil
	}

	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "search: rate limit wait")
		}
	}

	// The shared fetch outlives any one caller; each caller stops waiting
	// when its own context ends.
	fetchCtx := context.WithoutCancel(ctx)
	ch := a.group.DoChan(key, func() (interface{}, error) {
		return a.fetch(fetchCtx, strings.TrimSpace(query), key)
	})
	select {
	case <-ctx.Done():
		return nil, eris.Wrap(ctx.Err(), "search: query cancelled")
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Result).clone(), nil
	}
}

// Purge drops every in-memory entry.
func (a *Adapter) Purge() {
	a.cache.Purge()
}

func hit(r *Result) *Result {
	out := r.clone()
	out.Usage = Usage{Cached: true}
	return out
}

func (a *Adapter) lookupPersistent(ctx context.Context, key string) (*Result, bool) {
	if a.l2 == nil {
		return nil, false
	}
	data, expiresAt, err := a.l2.GetCachedSearch(ctx, key)
	if err != nil {
		zap.L().Warn("search: persistent cache read failed", zap.Error(err))
		return nil, false
	}
	now := a.clock.Now()
	if data == nil || !expiresAt.After(now) {
		recordCacheLookup("persistent", false)
		return nil, false
	}

	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		zap.L().Warn("search: persistent cache entry unreadable", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	recordCacheLookup("persistent", true)

	ttl := expiresAt.Sub(now)
	if ttl > a.ttl {
		ttl = a.ttl
	}
	if err := a.cache.SetWithExpire(key, &res, ttl); err != nil {
		zap.L().Debug("search: promote cache entry", zap.Error(err))
	}
	return &res, true
}

func (a *Adapter) fetch(ctx context.Context, query, key string) (*Result, error) {
	start := time.Now()
	res, err := a.call(ctx, query)
	recordBackendRequest(a.backend.Name(), err, time.Since(start))
	if err != nil {
		return nil, err
	}
	res.Usage.Cached = false

	if err := a.cache.Set(key, res); err != nil {
		zap.L().Debug("search: cache set", zap.Error(err))
	}
	if a.l2 != nil {
		data, err := json.Marshal(res)
		if err == nil {
			err = a.l2.SetCachedSearch(ctx, key, data, a.ttl)
		}
		if err != nil {
			zap.L().Warn("search: persistent cache write failed", zap.Error(err))
		}
	}
	return res, nil
}

func (a *Adapter) call(ctx context.Context, query string) (*Result, error) {
	call := a.backend.Search
	if a.breaker != nil {
		inner := call
		call = func(ctx context.Context, q string) (*Result, error) {
			return resilience.ExecuteVal(ctx, a.breaker, func(ctx context.Context) (*Result, error) {
				return inner(ctx, q)
			})
		}
	}
	if a.retry == nil {
		return call(ctx, query)
	}
	return resilience.DoVal(ctx, *a.retry, func(ctx context.Context) (*Result, error) {
		return call(ctx, query)
	})
}
