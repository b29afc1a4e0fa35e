package engine

import (
	"sync"

	"github.com/you/crossarb/internal/types"
)

type routeKey struct {
	asset string
	src   types.Venue
	dst   types.Venue
}

// Registry enforces the single-flight invariant: at most one cycle in
// progress per (asset, sourceVenue, destVenue). Check-and-set is atomic
// under the mutex; a second caller is rejected, not queued, so the same
// capital is never exposed twice.
type Registry struct {
	mu       sync.Mutex
	inFlight map[routeKey]string
}

func NewRegistry() *Registry {
	return &Registry{inFlight: make(map[routeKey]string)}
}

func (r *Registry) Acquire(asset string, src, dst types.Venue, cycleID string) error {
	key := routeKey{asset: asset, src: src, dst: dst}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inFlight[key]; busy {
		return ErrCycleInProgress
	}
	r.inFlight[key] = cycleID
	return nil
}

func (r *Registry) Release(asset string, src, dst types.Venue) {
	key := routeKey{asset: asset, src: src, dst: dst}
	r.mu.Lock()
	delete(r.inFlight, key)
	r.mu.Unlock()
}

// InFlight reports the cycle id currently holding the route, if any.
func (r *Registry) InFlight(asset string, src, dst types.Venue) (string, bool) {
	key := routeKey{asset: asset, src: src, dst: dst}
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.inFlight[key]
	return id, ok
}
