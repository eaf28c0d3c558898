// Package interaction implements InteractionRegistry: the future-based
// rendezvous an ask_user (or suggest_mode_switch) tool call suspends on
// while waiting for the human to answer over the event stream. Shaped after
// internal/session.Store's mutex+map pattern, swapping the TTL-cleanup
// goroutine for an explicit CleanupDone plus a per-wait timeout.
package interaction

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultTimeout is the timeout applied when callers use Await without
// specifying their own context deadline.
const DefaultTimeout = 10 * time.Minute

// ErrCancelled is returned by Await when the interaction was cancelled
// before it resolved.
var ErrCancelled = errors.New("interaction: cancelled")

// future is one pending or resolved ask_user exchange.
type future struct {
	done    chan struct{}
	once    sync.Once
	payload string
	err     error
}

func newFuture() *future {
	return &future{done: make(chan struct{})}
}

func (f *future) resolve(payload string, err error) {
	f.once.Do(func() {
		f.payload = payload
		f.err = err
		close(f.done)
	})
}

// Registry tracks in-flight interactions keyed by interaction ID.
type Registry struct {
	mu   sync.Mutex
	live map[string]*future
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{live: make(map[string]*future)}
}

// Create registers a new pending interaction. If one already exists under id
// it is cancelled first, so a retried ask_user call never leaks the old slot.
func (r *Registry) Create(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.live[id]; ok {
		old.resolve("", ErrCancelled)
	}
	r.live[id] = newFuture()
}

// Resolve sets the pending interaction's result. Returns false if no
// interaction exists under id, or it was already resolved.
func (r *Registry) Resolve(id string, payload string) bool {
	r.mu.Lock()
	f, ok := r.live[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-f.done:
		return false // already resolved
	default:
	}
	f.resolve(payload, nil)
	return true
}

// Cancel cancels one pending interaction. No-op if id is unknown or already resolved.
func (r *Registry) Cancel(id string) {
	r.mu.Lock()
	f, ok := r.live[id]
	r.mu.Unlock()
	if !ok {
		return
	}
	f.resolve("", ErrCancelled)
}

// CancelAll cancels every pending interaction, e.g. on session teardown.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.live {
		f.resolve("", ErrCancelled)
	}
}

// CleanupDone drops entries whose future has already resolved, reclaiming
// memory for long-running sessions with many ask_user round-trips.
func (r *Registry) CleanupDone() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, f := range r.live {
		select {
		case <-f.done:
			delete(r.live, id)
			removed++
		default:
		}
	}
	return removed
}

// Await blocks until id resolves, ctx is cancelled, or DefaultTimeout elapses
// (whichever context deadline is sooner). Returns the resolved payload.
func (r *Registry) Await(ctx context.Context, id string) (string, error) {
	r.mu.Lock()
	f, ok := r.live[id]
	r.mu.Unlock()
	if !ok {
		return "", errors.New("interaction: unknown id " + id)
	}

	waitCtx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	select {
	case <-f.done:
		return f.payload, f.err
	case <-waitCtx.Done():
		r.Cancel(id)
		return "", waitCtx.Err()
	}
}
