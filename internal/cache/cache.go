// Package cache serves read requests through configurable strategies
// backed by the durable response cache. Writes never pass through here;
// they go through the pending operation queue.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fieldwork-tools/fieldsync/internal/store"
)

// Strategy selects how a read balances freshness against availability.
type Strategy string

const (
	// CacheFirst serves the cached copy when present and only touches
	// the network on a miss.
	CacheFirst Strategy = "cache_first"
	// NetworkFirst tries the network and falls back to the cached copy
	// when the fetch fails.
	NetworkFirst Strategy = "network_first"
	// StaleWhileRevalidate serves the cached copy immediately and
	// refreshes it in the background.
	StaleWhileRevalidate Strategy = "stale_while_revalidate"
	// NetworkOnly bypasses the cache entirely.
	NetworkOnly Strategy = "network_only"
	// CacheOnly never touches the network.
	CacheOnly Strategy = "cache_only"
)

// Valid reports whether s names a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case CacheFirst, NetworkFirst, StaleWhileRevalidate, NetworkOnly, CacheOnly:
		return true
	}

	return false
}

// ErrMiss is returned when a strategy could not produce a response:
// cache-only with no entry, or network paths with no fallback copy.
var ErrMiss = errors.New("cache: no response available")

// Fetcher retrieves one URL from the backend. Satisfied by
// *transport.Client.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*store.CachedResponse, error)
}

const defaultMaxAge = 7 * 24 * time.Hour

// Options tunes the cache. The zero value selects the defaults.
type Options struct {
	// MaxAge bounds how old a cached entry may grow before Prune
	// removes it. Strategies still serve entries up to this age.
	MaxAge time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAge <= 0 {
		o.MaxAge = defaultMaxAge
	}

	return o
}

// Cache is the read path. Safe for concurrent use.
type Cache struct {
	store   store.Store
	fetcher Fetcher
	opts    Options
	logger  *slog.Logger

	// revalidating dedupes background refreshes per URL.
	mu           sync.Mutex
	revalidating map[string]bool
	wg           sync.WaitGroup

	nowFunc func() int64
}

// New creates a cache over the durable store and a backend fetcher.
func New(st store.Store, fetcher Fetcher, opts Options, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}

	return &Cache{
		store:        st,
		fetcher:      fetcher,
		opts:         opts.withDefaults(),
		logger:       logger,
		revalidating: make(map[string]bool),
		nowFunc:      store.NowNano,
	}
}

// Close waits for in-flight background revalidations.
func (c *Cache) Close() {
	c.wg.Wait()
}

// Get serves url through the given strategy.
func (c *Cache) Get(ctx context.Context, url string, strategy Strategy) (*store.CachedResponse, error) {
	switch strategy {
	case CacheFirst:
		return c.cacheFirst(ctx, url)
	case NetworkFirst:
		return c.networkFirst(ctx, url)
	case StaleWhileRevalidate:
		return c.staleWhileRevalidate(ctx, url)
	case NetworkOnly:
		return c.fetcher.Fetch(ctx, url)
	case CacheOnly:
		return c.cacheOnly(ctx, url)
	}

	return nil, fmt.Errorf("cache: unknown strategy %q", strategy)
}

// Prune removes entries older than MaxAge and returns how many went.
func (c *Cache) Prune(ctx context.Context) (int64, error) {
	cutoff := c.nowFunc() - c.opts.MaxAge.Nanoseconds()

	n, err := c.store.PruneCachedResponses(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cache: prune: %w", err)
	}

	if n > 0 {
		c.logger.Debug("cache pruned", slog.Int64("removed", n))
	}

	return n, nil
}

func (c *Cache) cacheFirst(ctx context.Context, url string) (*store.CachedResponse, error) {
	cached, err := c.store.GetCachedResponse(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("cache: read: %w", err)
	}

	if cached != nil {
		return cached, nil
	}

	return c.fetchAndStore(ctx, url)
}

func (c *Cache) networkFirst(ctx context.Context, url string) (*store.CachedResponse, error) {
	resp, err := c.fetchAndStore(ctx, url)
	if err == nil {
		return resp, nil
	}

	cached, cerr := c.store.GetCachedResponse(ctx, url)
	if cerr != nil {
		return nil, fmt.Errorf("cache: read: %w", cerr)
	}

	if cached != nil {
		c.logger.Debug("network failed, serving cached copy",
			slog.String("url", url), slog.String("error", err.Error()))

		return cached, nil
	}

	return nil, fmt.Errorf("%w: %v", ErrMiss, err)
}

func (c *Cache) staleWhileRevalidate(ctx context.Context, url string) (*store.CachedResponse, error) {
	cached, err := c.store.GetCachedResponse(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("cache: read: %w", err)
	}

	if cached == nil {
		return c.fetchAndStore(ctx, url)
	}

	c.revalidate(url)

	return cached, nil
}

func (c *Cache) cacheOnly(ctx context.Context, url string) (*store.CachedResponse, error) {
	cached, err := c.store.GetCachedResponse(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("cache: read: %w", err)
	}

	if cached == nil {
		return nil, ErrMiss
	}

	return cached, nil
}

// revalidate refreshes url in the background, at most once at a time
// per URL. The refresh detaches from the caller's context: a response
// already served should not abort the refresh behind it.
func (c *Cache) revalidate(url string) {
	c.mu.Lock()
	if c.revalidating[url] {
		c.mu.Unlock()

		return
	}
	c.revalidating[url] = true
	c.mu.Unlock()

	c.wg.Add(1)

	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.revalidating, url)
			c.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if _, err := c.fetchAndStore(ctx, url); err != nil {
			c.logger.Debug("revalidation failed",
				slog.String("url", url), slog.String("error", err.Error()))
		}
	}()
}

func (c *Cache) fetchAndStore(ctx context.Context, url string) (*store.CachedResponse, error) {
	resp, err := c.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}

	resp.FetchedAt = c.nowFunc()

	if err := c.store.PutCachedResponse(ctx, resp); err != nil {
		// The caller still gets the response; only durability suffered.
		c.logger.Warn("cache write failed",
			slog.String("url", url), slog.String("error", err.Error()))
	}

	return resp, nil
}
