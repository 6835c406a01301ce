// Package notify holds short-lived user notices. Every notice dismisses itself
// after a fixed TTL unless dismissed earlier.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"adcontrol/internal/observability"
)

// DefaultTTL is how long a notice stays visible.
const DefaultTTL = 3200 * time.Millisecond

// Kind classifies a notice.
type Kind string

const (
	KindOK      Kind = "ok"
	KindError   Kind = "error"
	KindSession Kind = "session"
)

// Notice is one visible message.
type Notice struct {
	ID        string
	Kind      Kind
	Text      string
	CreatedAt time.Time
}

type pending struct {
	notice Notice
	timer  *time.Timer
}

// Center is safe for concurrent use.
type Center struct {
	ttl    time.Duration
	logger observability.Logger
	clock  func() time.Time

	mu        sync.Mutex
	active    []*pending
	listeners []func([]Notice)
	closed    bool
}

// Option configures a Center.
type Option func(*Center)

// WithTTL overrides DefaultTTL. Non-positive values are ignored.
func WithTTL(d time.Duration) Option {
	return func(c *Center) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l observability.Logger) Option {
	return func(c *Center) { c.logger = observability.LoggerOrNop(l) }
}

// New returns an empty center.
func New(opts ...Option) *Center {
	c := &Center{ttl: DefaultTTL, logger: observability.NopLogger{}, clock: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the auto-dismiss delay.
func (c *Center) TTL() time.Duration { return c.ttl }

// OnChange registers fn to receive the active notices after every change.
// fn runs outside the center's lock.
func (c *Center) OnChange(fn func([]Notice)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Push shows a notice. After Close it is returned but never shown.
func (c *Center) Push(kind Kind, text string) Notice {
	n := Notice{ID: uuid.NewString(), Kind: kind, Text: text, CreatedAt: c.clock()}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return n
	}
	p := &pending{notice: n}
	p.timer = time.AfterFunc(c.ttl, func() { c.Dismiss(n.ID) })
	c.active = append(c.active, p)
	snapshot := c.snapshotLocked()
	c.mu.Unlock()
	if kind == KindError {
		c.logger.Warn("notice", "kind", string(kind), "text", text)
	} else {
		c.logger.Debug("notice", "kind", string(kind), "text", text)
	}
	c.notify(snapshot)
	return n
}

// Dismiss hides the notice with id. It reports whether the notice was visible.
func (c *Center) Dismiss(id string) bool {
	c.mu.Lock()
	idx := -1
	for i, p := range c.active {
		if p.notice.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		return false
	}
	c.active[idx].timer.Stop()
	c.active = append(c.active[:idx], c.active[idx+1:]...)
	snapshot := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snapshot)
	return true
}

// Active returns the visible notices, oldest first.
func (c *Center) Active() []Notice {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Close dismisses everything and stops accepting notices. Idempotent.
func (c *Center) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	hadAny := len(c.active) > 0
	for _, p := range c.active {
		p.timer.Stop()
	}
	c.active = nil
	c.mu.Unlock()
	if hadAny {
		c.notify(nil)
	}
}

func (c *Center) snapshotLocked() []Notice {
	out := make([]Notice, len(c.active))
	for i, p := range c.active {
		out[i] = p.notice
	}
	return out
}

func (c *Center) notify(snapshot []Notice) {
	c.mu.Lock()
	listeners := append([]func([]Notice){}, c.listeners...)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(snapshot)
	}
}
