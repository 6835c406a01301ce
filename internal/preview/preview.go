// Package preview materializes remote binaries (order photos) into local handles
// and revokes them deterministically. Ownership is tracked per entity: handles of
// an entity live until that entity is released, rematerialized, or the whole
// cache is torn down.
package preview

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"adcontrol/internal/blob"
	"adcontrol/internal/observability"
	"adcontrol/pkg/api"
)

const defaultConcurrency = 4

// ErrReleased is returned by Open for handles the cache no longer owns.
var ErrReleased = errors.New("preview: handle released")

// RemoteRef identifies one remote binary.
type RemoteRef struct {
	ID          int64
	URL         string
	ContentType string
}

// Handle is the local counterpart of a RemoteRef. An empty Local means the fetch
// failed and the view should render a placeholder; Err explains why.
type Handle struct {
	EntityID api.EntityID
	Ref      RemoteRef
	Local    string
	Err      error
}

// Degraded reports whether the handle is a placeholder.
func (h Handle) Degraded() bool { return h.Local == "" }

// MaterializeError describes a single ref that could not be made local.
type MaterializeError struct {
	EntityID api.EntityID
	Ref      RemoteRef
	Err      error
}

func (e *MaterializeError) Error() string {
	return fmt.Sprintf("materialize %s ref %d: %v", e.EntityID, e.Ref.ID, e.Err)
}

func (e *MaterializeError) Unwrap() error { return e.Err }

// Fetcher downloads the bytes behind a ref.
type Fetcher interface {
	Fetch(ctx context.Context, ref RemoteRef) (content []byte, contentType string, err error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, ref RemoteRef) ([]byte, string, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, ref RemoteRef) ([]byte, string, error) {
	return f(ctx, ref)
}

// Stats is a snapshot of the cache counters.
type Stats struct {
	Materialized uint64
	Failed       uint64
	Revoked      uint64
	Owned        int
}

type entry struct {
	handles []Handle
	keys    map[string]string // local locator -> blob key
}

// Cache is safe for concurrent use.
type Cache struct {
	store   blob.Store
	fetcher Fetcher
	logger  observability.Logger
	limit   int

	mu    sync.Mutex
	owned map[api.EntityID]*entry
	epoch uint64

	materialized atomic.Uint64
	failed       atomic.Uint64
	revoked      atomic.Uint64
	collectors   []prometheus.Collector
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(l observability.Logger) Option {
	return func(c *Cache) { c.logger = observability.LoggerOrNop(l) }
}

// WithConcurrency bounds simultaneous fetches per batch (default 4).
func WithConcurrency(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.limit = n
		}
	}
}

// New returns a cache writing local copies into store.
func New(store blob.Store, fetcher Fetcher, opts ...Option) *Cache {
	c := &Cache{
		store:   store,
		fetcher: fetcher,
		logger:  observability.NopLogger{},
		limit:   defaultConcurrency,
		owned:   make(map[api.EntityID]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Materialize replaces the handles of id with fresh ones for refs. Per-ref failures
// degrade to placeholders; the batch itself never fails.
func (c *Cache) Materialize(ctx context.Context, id api.EntityID, refs []RemoteRef) []Handle {
	handles, _ := c.MaterializeIf(ctx, id, refs, nil)
	return handles
}

// MaterializeIf is Materialize with a guard evaluated right before the handles are
// recorded. When keep returns false, or ReleaseAll ran while fetching, the fresh
// handles are revoked instead and ok is false. keep runs under the cache lock and
// must not call back into the cache.
func (c *Cache) MaterializeIf(ctx context.Context, id api.EntityID, refs []RemoteRef, keep func() bool) (handles []Handle, ok bool) {
	c.Release(ctx, id)
	c.mu.Lock()
	epoch := c.epoch
	c.mu.Unlock()

	handles, keys := c.fetchAll(ctx, id, refs)

	c.mu.Lock()
	if c.epoch != epoch || (keep != nil && !keep()) {
		c.mu.Unlock()
		c.logger.Debug("discarding stale preview batch", "entity", id, "handles", len(keys))
		c.revoke(ctx, keys)
		return nil, false
	}
	previous := c.owned[id]
	c.owned[id] = &entry{handles: handles, keys: keys}
	c.mu.Unlock()
	if previous != nil {
		// a concurrent batch for the same entity finished first
		c.revoke(ctx, previous.keys)
	}
	return cloneHandles(handles), true
}

func (c *Cache) fetchAll(ctx context.Context, id api.EntityID, refs []RemoteRef) ([]Handle, map[string]string) {
	handles := make([]Handle, len(refs))
	var mu sync.Mutex
	keys := make(map[string]string, len(refs))
	var g errgroup.Group
	g.SetLimit(c.limit)
	for i, ref := range refs {
		g.Go(func() error {
			local, key, err := c.materializeOne(ctx, id, ref)
			if err != nil {
				c.failed.Add(1)
				c.logger.Warn("preview fetch failed", "entity", id, "ref", ref.ID, "error", err)
				handles[i] = Handle{EntityID: id, Ref: ref, Err: &MaterializeError{EntityID: id, Ref: ref, Err: err}}
				return nil
			}
			c.materialized.Add(1)
			handles[i] = Handle{EntityID: id, Ref: ref, Local: local}
			mu.Lock()
			keys[local] = key
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return handles, keys
}

func (c *Cache) materializeOne(ctx context.Context, id api.EntityID, ref RemoteRef) (string, string, error) {
	content, contentType, err := c.fetcher.Fetch(ctx, ref)
	if err != nil {
		return "", "", err
	}
	if contentType == "" {
		contentType = ref.ContentType
	}
	key := string(id) + "/" + uuid.NewString()
	meta := map[string]string{"entity": string(id), "ref": strconv.FormatInt(ref.ID, 10)}
	if _, err := c.store.Put(ctx, key, bytes.NewReader(content), blob.PutOptions{ContentType: contentType, Metadata: meta}); err != nil {
		return "", "", fmt.Errorf("store: %w", err)
	}
	local, err := c.store.Locate(ctx, key)
	if err != nil {
		_, _ = c.store.Delete(ctx, key)
		return "", "", fmt.Errorf("locate: %w", err)
	}
	return local, key, nil
}

// Release revokes every handle of id. Releasing an unknown id is a no-op.
func (c *Cache) Release(ctx context.Context, id api.EntityID) {
	c.mu.Lock()
	e := c.owned[id]
	delete(c.owned, id)
	c.mu.Unlock()
	if e != nil {
		c.revoke(ctx, e.keys)
	}
}

// ReleaseAll revokes every owned handle and invalidates batches still in flight.
func (c *Cache) ReleaseAll(ctx context.Context) {
	c.mu.Lock()
	c.epoch++
	owned := c.owned
	c.owned = make(map[api.EntityID]*entry)
	c.mu.Unlock()
	for _, e := range owned {
		c.revoke(ctx, e.keys)
	}
}

func (c *Cache) revoke(ctx context.Context, keys map[string]string) {
	for _, key := range keys {
		if _, err := c.store.Delete(ctx, key); err != nil {
			c.logger.Warn("preview revoke failed", "key", key, "error", err)
		}
		c.revoked.Add(1)
	}
}

// Handles returns the recorded handles of id, or nil.
func (c *Cache) Handles(id api.EntityID) []Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.owned[id]; e != nil {
		return cloneHandles(e.handles)
	}
	return nil
}

// Open streams the bytes behind a handle the cache still owns.
func (c *Cache) Open(ctx context.Context, id api.EntityID, local string) (io.ReadCloser, error) {
	c.mu.Lock()
	var key string
	if e := c.owned[id]; e != nil {
		key = e.keys[local]
	}
	c.mu.Unlock()
	if key == "" {
		return nil, ErrReleased
	}
	_, rc, err := c.store.Get(ctx, key)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, ErrReleased
	}
	if err != nil {
		return nil, fmt.Errorf("open preview: %w", err)
	}
	return rc, nil
}

// Owned returns the number of live local handles.
func (c *Cache) Owned() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.owned {
		n += len(e.keys)
	}
	return n
}

// Stats returns the counters and the live handle count.
func (c *Cache) Stats() Stats {
	return Stats{
		Materialized: c.materialized.Load(),
		Failed:       c.failed.Load(),
		Revoked:      c.revoked.Load(),
		Owned:        c.Owned(),
	}
}

// RegisterMetrics exports the counters on reg.
func (c *Cache) RegisterMetrics(reg prometheus.Registerer) error {
	c.collectors = []prometheus.Collector{
		prometheus.NewCounterFunc(prometheus.CounterOpts{Name: "adcontrol_preview_materialized_total", Help: "Remote binaries materialized into local handles."},
			func() float64 { return float64(c.materialized.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{Name: "adcontrol_preview_failed_total", Help: "Remote binaries that degraded to placeholders."},
			func() float64 { return float64(c.failed.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{Name: "adcontrol_preview_revoked_total", Help: "Local handles revoked."},
			func() float64 { return float64(c.revoked.Load()) }),
	}
	for _, col := range c.collectors {
		if err := reg.Register(col); err != nil {
			return fmt.Errorf("register preview metrics: %w", err)
		}
	}
	return nil
}

func cloneHandles(in []Handle) []Handle {
	if in == nil {
		return nil
	}
	return append([]Handle(nil), in...)
}
