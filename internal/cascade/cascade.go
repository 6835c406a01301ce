// Package cascade drives the detail view of a list: selecting an entity fetches
// its detail record and binary listing concurrently, and only the latest
// selection may write results. Earlier selections finish in the background and
// are discarded by generation.
package cascade

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"adcontrol/internal/gateway"
	"adcontrol/internal/observability"
	"adcontrol/internal/preview"
	"adcontrol/pkg/api"
)

const defaultCapacity = 256

// Source fetches the data behind a selection.
type Source interface {
	Detail(ctx context.Context, id api.EntityID) (json.RawMessage, error)
	Listing(ctx context.Context, id api.EntityID) ([]preview.RemoteRef, error)
}

// Record is the detail of one entity as of a given generation. Absent marks a
// failed or missing detail; Err carries the cause.
type Record struct {
	ID         api.EntityID
	Payload    json.RawMessage
	Absent     bool
	Err        error
	Generation uint64
	FetchedAt  time.Time
}

// Decode unmarshals the payload into v.
func (r Record) Decode(v any) error {
	if r.Absent {
		return errors.New("cascade: record absent")
	}
	return json.Unmarshal(r.Payload, v)
}

// UpdateKind tells a listener which part of the view changed.
type UpdateKind int

const (
	UpdateSelected UpdateKind = iota // selection changed, view should clear
	UpdateDetail                     // detail record arrived
	UpdatePreviews                   // preview handles arrived
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateSelected:
		return "selected"
	case UpdateDetail:
		return "detail"
	case UpdatePreviews:
		return "previews"
	}
	return "unknown"
}

// Update is delivered to listeners in the order it was produced. An update is
// dropped instead of delivered once a newer selection exists.
type Update struct {
	Kind       UpdateKind
	ID         api.EntityID
	Generation uint64
	Record     *Record
	Handles    []preview.Handle
}

// Cascade is safe for concurrent use.
type Cascade struct {
	name     string
	source   Source
	previews *preview.Cache
	logger   observability.Logger
	clock    func() time.Time
	capacity int
	records  *lru.Cache[api.EntityID, Record]

	mu        sync.Mutex
	gen       uint64
	selected  api.EntityID
	current   *Record
	handles   []preview.Handle
	listeners []func(Update)
	queue     []Update
	draining  bool

	inflight sync.WaitGroup
}

// Option configures a Cascade.
type Option func(*Cascade)

// WithLogger sets the logger.
func WithLogger(l observability.Logger) Option {
	return func(c *Cascade) { c.logger = observability.LoggerOrNop(l) }
}

// WithCapacity bounds the record table (default 256).
func WithCapacity(n int) Option {
	return func(c *Cascade) {
		if n > 0 {
			c.capacity = n
		}
	}
}

// New builds a cascade named name (used in logs). previews may be nil for
// entities without binaries.
func New(name string, source Source, previews *preview.Cache, opts ...Option) *Cascade {
	c := &Cascade{
		name:     name,
		source:   source,
		previews: previews,
		logger:   observability.NopLogger{},
		clock:    time.Now,
		capacity: defaultCapacity,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.records, _ = lru.New[api.EntityID, Record](c.capacity)
	return c
}

// OnUpdate registers a listener. Listeners run on fetch goroutines, one update
// at a time; a listener may call Select, whose updates are queued behind the
// current one.
func (c *Cascade) OnUpdate(fn func(Update)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Select makes id the current selection and returns its generation. It does not
// block on the network. An empty id clears the selection.
func (c *Cascade) Select(ctx context.Context, id api.EntityID) uint64 {
	c.mu.Lock()
	c.gen++
	g := c.gen
	previous := c.selected
	c.selected = id
	c.current = nil
	c.handles = nil
	c.mu.Unlock()

	if previous != "" && c.previews != nil {
		c.previews.Release(ctx, previous)
	}
	c.emit(Update{Kind: UpdateSelected, ID: id, Generation: g})
	if id.IsZero() {
		return g
	}
	fctx := context.WithoutCancel(ctx)
	c.inflight.Add(2)
	go c.fetchDetail(fctx, id, g)
	go c.fetchListing(fctx, id, g)
	return g
}

func (c *Cascade) fetchDetail(ctx context.Context, id api.EntityID, g uint64) {
	defer c.inflight.Done()
	payload, err := c.source.Detail(ctx, id)
	if errors.Is(err, gateway.ErrSessionExpired) {
		return
	}
	rec := Record{ID: id, Generation: g, FetchedAt: c.clock()}
	if err != nil {
		c.logger.Warn("detail fetch failed", "cascade", c.name, "entity", id, "error", err)
		rec.Absent = true
		rec.Err = err
	} else {
		rec.Payload = payload
	}
	c.mu.Lock()
	if g != c.gen {
		c.mu.Unlock()
		c.logger.Debug("dropping stale detail", "cascade", c.name, "entity", id, "generation", g)
		return
	}
	c.current = &rec
	c.records.Add(id, rec)
	c.mu.Unlock()
	c.emit(Update{Kind: UpdateDetail, ID: id, Generation: g, Record: &rec})
}

func (c *Cascade) fetchListing(ctx context.Context, id api.EntityID, g uint64) {
	defer c.inflight.Done()
	refs, err := c.source.Listing(ctx, id)
	if errors.Is(err, gateway.ErrSessionExpired) {
		return
	}
	if err != nil {
		c.logger.Warn("listing fetch failed", "cascade", c.name, "entity", id, "error", err)
		refs = nil
	}
	if !c.live(g) {
		return
	}
	var handles []preview.Handle
	if c.previews != nil && len(refs) > 0 {
		var ok bool
		handles, ok = c.previews.MaterializeIf(ctx, id, refs, func() bool { return c.live(g) })
		if !ok {
			return
		}
	}
	c.mu.Lock()
	if g != c.gen {
		c.mu.Unlock()
		return
	}
	c.handles = handles
	c.mu.Unlock()
	c.emit(Update{Kind: UpdatePreviews, ID: id, Generation: g, Handles: handles})
}

func (c *Cascade) live(g uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return g == c.gen
}

// emit queues u and, unless another goroutine is already delivering, drains the
// queue. The generation is checked at delivery so a late result never follows
// the selection that superseded it.
func (c *Cascade) emit(u Update) {
	c.mu.Lock()
	c.queue = append(c.queue, u)
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	for len(c.queue) > 0 {
		next := c.queue[0]
		c.queue = c.queue[1:]
		if next.Generation != c.gen {
			continue
		}
		listeners := append([]func(Update){}, c.listeners...)
		c.mu.Unlock()
		for _, fn := range listeners {
			fn(next)
		}
		c.mu.Lock()
	}
	c.queue = nil
	c.draining = false
	c.mu.Unlock()
}

// Selected returns the current selection and its generation.
func (c *Cascade) Selected() (api.EntityID, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected, c.gen
}

// Current returns the detail record of the current selection once it arrived.
func (c *Cascade) Current() (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return Record{}, false
	}
	return *c.current, true
}

// Previews returns the preview handles of the current selection.
func (c *Cascade) Previews() []preview.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]preview.Handle(nil), c.handles...)
}

// Record returns the last record written for id, if still in the table.
func (c *Cascade) Record(id api.EntityID) (Record, bool) {
	return c.records.Get(id)
}

// Reset drops the selection and every record. Fetches still in flight are
// discarded when they complete.
func (c *Cascade) Reset(ctx context.Context) {
	c.mu.Lock()
	c.gen++
	g := c.gen
	previous := c.selected
	c.selected = ""
	c.current = nil
	c.handles = nil
	c.mu.Unlock()
	c.records.Purge()
	if previous != "" && c.previews != nil {
		c.previews.Release(ctx, previous)
	}
	c.emit(Update{Kind: UpdateSelected, Generation: g})
}

// Wait blocks until every fetch started so far has settled.
func (c *Cascade) Wait() { c.inflight.Wait() }
