// Package session owns the single authoritative token session of a client. The
// in-memory value is updated before the durable record so the next request sees
// new credentials without waiting on storage.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"adcontrol/internal/observability"
	"adcontrol/internal/persistence"
	"adcontrol/pkg/api"
)

// ErrNoRecord is returned by stores when no session was saved.
var ErrNoRecord = persistence.ErrNoRecord

// Store is the durable record behind a Holder.
type Store = persistence.Store

// Holder guards the current session. The zero value is not usable; call New.
type Holder struct {
	store  Store
	logger observability.Logger

	// writeMu serializes Replace, ReplaceIf and Clear across the memory update
	// and the durable write so the record always matches the last winner.
	writeMu sync.Mutex

	mu      sync.RWMutex
	current *api.Session

	hooksMu sync.Mutex
	hooks   []func(context.Context)
}

// Option configures a Holder.
type Option func(*Holder)

// WithLogger routes persistence warnings to logger.
func WithLogger(logger observability.Logger) Option {
	return func(h *Holder) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// New loads the persisted session from store. An absent, unreadable or malformed
// record leaves the holder logged out.
func New(ctx context.Context, store Store, opts ...Option) *Holder {
	h := &Holder{store: store, logger: observability.NopLogger{}}
	for _, opt := range opts {
		opt(h)
	}
	if store == nil {
		return h
	}
	raw, err := store.Load(ctx)
	switch {
	case errors.Is(err, ErrNoRecord):
		return h
	case err != nil:
		h.logger.Warn("session load failed", "driver", store.Driver(), "error", err)
		return h
	}
	var s api.Session
	if err := json.Unmarshal(raw, &s); err != nil || !s.Valid() {
		h.logger.Warn("discarding malformed session record", "driver", store.Driver())
		return h
	}
	h.current = &s
	return h
}

// Current returns a copy of the session, or nil when logged out.
func (h *Holder) Current() *api.Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.current == nil {
		return nil
	}
	cp := *h.current
	return &cp
}

// AccessToken returns the current access token or "".
func (h *Holder) AccessToken() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.current == nil {
		return ""
	}
	return h.current.AccessToken
}

// Authenticated reports whether a session exists.
func (h *Holder) Authenticated() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current != nil
}

// Replace installs s as the current session and persists it.
func (h *Holder) Replace(ctx context.Context, s api.Session) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	h.install(ctx, s)
}

// ReplaceIf installs s only while the current access token still equals
// expected. It reports false, changing nothing, when the session was cleared or
// replaced in the meantime.
func (h *Holder) ReplaceIf(ctx context.Context, expected string, s api.Session) bool {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	h.mu.RLock()
	ok := h.current != nil && h.current.AccessToken == expected
	h.mu.RUnlock()
	if !ok {
		return false
	}
	h.install(ctx, s)
	return true
}

// install must be called with writeMu held.
func (h *Holder) install(ctx context.Context, s api.Session) {
	h.mu.Lock()
	cp := s
	h.current = &cp
	h.mu.Unlock()
	if h.store == nil {
		return
	}
	raw, err := json.Marshal(s)
	if err != nil {
		h.logger.Warn("session encode failed", "error", err)
		return
	}
	if err := h.store.Save(ctx, raw); err != nil {
		h.logger.Warn("session save failed", "driver", h.store.Driver(), "error", err)
	}
}

// Clear drops the session, deletes the durable record and runs every OnClear hook.
// Calling it on an already cleared holder runs the hooks again and is otherwise a no-op.
func (h *Holder) Clear(ctx context.Context) {
	h.writeMu.Lock()
	h.mu.Lock()
	h.current = nil
	h.mu.Unlock()
	if h.store != nil {
		if err := h.store.Delete(ctx); err != nil {
			h.logger.Warn("session delete failed", "driver", h.store.Driver(), "error", err)
		}
	}
	h.writeMu.Unlock()

	h.hooksMu.Lock()
	hooks := append([]func(context.Context){}, h.hooks...)
	h.hooksMu.Unlock()
	for _, fn := range hooks {
		fn(ctx)
	}
}

// OnClear registers fn to run on every Clear, in registration order.
func (h *Holder) OnClear(fn func(context.Context)) {
	if fn == nil {
		return
	}
	h.hooksMu.Lock()
	h.hooks = append(h.hooks, fn)
	h.hooksMu.Unlock()
}
