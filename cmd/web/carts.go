package main

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"finitefield.org/storefront/internal/cart"
	"finitefield.org/storefront/internal/toast"
)

// cartSessionHeader carries the visitor's cart id to the upstream cart API.
const cartSessionHeader = "X-Cart-Session"

// cartEntry is the cart mirror of one session plus the toasts it raised
// during the current request.
type cartEntry struct {
	manager *cart.Manager
	toasts  *toast.Queue
	// mu serialises requests of one session so each drains only its own toasts.
	mu       sync.Mutex
	loaded   bool
	lastSeen time.Time
}

// cartRegistry keeps one manager per cart id.
type cartRegistry struct {
	newAPI func(cartID string) (cart.API, error)
	logger *zap.Logger
	opts   []cart.Option

	mu      sync.Mutex
	entries map[string]*cartEntry
}

func newCartRegistry(newAPI func(string) (cart.API, error), logger *zap.Logger, opts ...cart.Option) *cartRegistry {
	return &cartRegistry{
		newAPI:  newAPI,
		logger:  logger,
		opts:    opts,
		entries: make(map[string]*cartEntry),
	}
}

// acquire returns the locked entry for cartID, creating it on first use.
// Callers must call release.
func (r *cartRegistry) acquire(cartID string) (*cartEntry, error) {
	r.mu.Lock()
	e, ok := r.entries[cartID]
	if !ok {
		api, err := r.newAPI(cartID)
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}
		q := &toast.Queue{}
		opts := append([]cart.Option{
			cart.WithNotifier(q),
			cart.WithLogger(r.logger.With(zap.String("cart_id", cartID))),
		}, r.opts...)
		e = &cartEntry{manager: cart.New(api, nil, opts...), toasts: q}
		r.entries[cartID] = e
	}
	e.lastSeen = time.Now()
	r.mu.Unlock()

	e.mu.Lock()
	// toasts left by an abandoned request belong to nobody
	e.toasts.Drain()
	return e, nil
}

func (e *cartEntry) release() { e.mu.Unlock() }

// ensureLoaded loads the mirror once so line controls resolve against real
// ids. A failure is retried on the next request.
func (e *cartEntry) ensureLoaded(ctx context.Context) {
	if e.loaded {
		return
	}
	if err := e.manager.Load(ctx); err == nil {
		e.loaded = true
	}
}

// sweep drops entries idle for longer than ttl.
func (r *cartRegistry) sweep(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, e := range r.entries {
		if e.lastSeen.Before(cutoff) {
			delete(r.entries, id)
			n++
		}
	}
	return n
}

// janitor sweeps idle managers until ctx is done.
func (r *cartRegistry) janitor(ctx context.Context, every, ttl time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := r.sweep(ttl); n > 0 {
				r.logger.Debug("evicted idle carts", zap.Int("count", n))
			}
		}
	}
}
