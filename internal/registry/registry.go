// Package registry is the source of truth for which pools are under
// monitoring: per-pool thresholds, active flags, and manager allow-lists.
package registry

import (
	"errors"
	"sync"

	"amm-risk-engine/internal/domain"
	"amm-risk-engine/internal/events"
)

// Registry errors.
var (
	// ErrAlreadyRegistered is returned when registering an active pool.
	ErrAlreadyRegistered = errors.New("pool already registered")

	// ErrPoolInactive is returned when updating a deactivated pool.
	ErrPoolInactive = errors.New("pool inactive")

	// ErrNeverRegistered is returned when operating on a pool that was
	// never registered (zero-threshold sentinel).
	ErrNeverRegistered = errors.New("pool never registered")

	// ErrZeroThreshold is returned when any supplied threshold is zero.
	ErrZeroThreshold = errors.New("thresholds must be non-zero")

	// ErrNotAuthorized is returned when the caller is neither the owner
	// nor an allow-listed manager for the pool.
	ErrNotAuthorized = errors.New("caller not authorized for pool")

	// ErrNotOwner is returned for owner-only operations.
	ErrNotOwner = errors.New("caller is not the owner")

	// ErrLengthMismatch is returned when batch slices differ in length.
	ErrLengthMismatch = errors.New("batch slice length mismatch")
)

// Registry holds per-pool risk parameters and authorization state.
type Registry struct {
	mu       sync.RWMutex
	owner    string
	pools    map[string]*domain.PoolRiskParameters
	managers map[string]map[string]struct{} // pool -> caller set
	ordered  []string                       // registration order, append-only
	recorder events.Recorder
}

// New creates a registry owned by owner.
func New(owner string, recorder events.Recorder) *Registry {
	if recorder == nil {
		recorder = events.NopRecorder{}
	}
	return &Registry{
		owner:    owner,
		pools:    make(map[string]*domain.PoolRiskParameters),
		managers: make(map[string]map[string]struct{}),
		ordered:  make([]string, 0),
		recorder: recorder,
	}
}

// Owner returns the registry owner address.
func (r *Registry) Owner() string {
	return r.owner
}

// Register brings a pool under monitoring. Fails if the pool is
// currently active or any threshold is zero. A pool joins the
// registered-pool list exactly once, ever.
func (r *Registry) Register(caller, pool string, params domain.PoolRiskParameters, nowMs int64) error {
	if !params.Valid() {
		return ErrZeroThreshold
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, seen := r.pools[pool]
	if seen && existing.Active {
		return ErrAlreadyRegistered
	}

	params.Active = true
	params.UpdatedAt = nowMs
	r.pools[pool] = &params
	if !seen {
		r.ordered = append(r.ordered, pool)
	}

	r.recorder.Record(events.Event{
		Type:        events.TypePoolRegistered,
		Pool:        pool,
		User:        caller,
		TimestampMs: nowMs,
	})
	return nil
}

// Update replaces an active pool's thresholds. Manager-or-owner only.
func (r *Registry) Update(caller, pool string, params domain.PoolRiskParameters, nowMs int64) error {
	if !params.Valid() {
		return ErrZeroThreshold
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.authorizedLocked(caller, pool) {
		return ErrNotAuthorized
	}
	existing, seen := r.pools[pool]
	if !seen {
		return ErrNeverRegistered
	}
	if !existing.Active {
		return ErrPoolInactive
	}

	params.Active = true
	params.UpdatedAt = nowMs
	r.pools[pool] = &params

	r.recorder.Record(events.Event{
		Type:        events.TypeParamsUpdated,
		Pool:        pool,
		User:        caller,
		TimestampMs: nowMs,
	})
	return nil
}

// BatchUpdate applies updates across pools, silently skipping entries
// whose new thresholds are invalid or whose pool is not currently
// active; partial success is the intended policy. Returns the number of
// pools actually updated. Slice length mismatch fails the whole call.
func (r *Registry) BatchUpdate(caller string, pools []string, params []domain.PoolRiskParameters, nowMs int64) (int, error) {
	if len(pools) != len(params) {
		return 0, ErrLengthMismatch
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	updated := 0
	for i, pool := range pools {
		if !r.authorizedLocked(caller, pool) {
			continue
		}
		if !params[i].Valid() {
			continue
		}
		existing, seen := r.pools[pool]
		if !seen || !existing.Active {
			continue
		}
		p := params[i]
		p.Active = true
		p.UpdatedAt = nowMs
		r.pools[pool] = &p
		updated++
	}
	return updated, nil
}

// Deactivate takes a pool out of monitoring. Owner only.
func (r *Registry) Deactivate(caller, pool string) error {
	if caller != r.owner {
		return ErrNotOwner
	}
	return r.setActive(pool, false)
}

// Activate resumes monitoring for a previously registered pool. Owner
// only; fails if the pool was never registered.
func (r *Registry) Activate(caller, pool string) error {
	if caller != r.owner {
		return ErrNotOwner
	}
	return r.setActive(pool, true)
}

// SystemDeactivate is the controller's path for taking a pool out of
// monitoring on PAUSE/EMERGENCY. It bypasses the caller check but is
// otherwise identical to Deactivate.
func (r *Registry) SystemDeactivate(pool string) error {
	return r.setActive(pool, false)
}

func (r *Registry) setActive(pool string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, seen := r.pools[pool]
	if !seen || !existing.Valid() {
		return ErrNeverRegistered
	}
	existing.Active = active
	return nil
}

// AddManager allow-lists a manager for a pool. Owner only.
func (r *Registry) AddManager(caller, pool, manager string) error {
	if caller != r.owner {
		return ErrNotOwner
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, seen := r.pools[pool]; !seen {
		return ErrNeverRegistered
	}
	set, ok := r.managers[pool]
	if !ok {
		set = make(map[string]struct{})
		r.managers[pool] = set
	}
	set[manager] = struct{}{}
	return nil
}

// RemoveManager removes a manager from a pool's allow-list. Owner only.
func (r *Registry) RemoveManager(caller, pool, manager string) error {
	if caller != r.owner {
		return ErrNotOwner
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if set, ok := r.managers[pool]; ok {
		delete(set, manager)
	}
	return nil
}

// Authorize returns nil when caller may manage the pool: the owner is
// always implicitly authorized, everyone else must be allow-listed.
func (r *Registry) Authorize(caller, pool string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.authorizedLocked(caller, pool) {
		return ErrNotAuthorized
	}
	return nil
}

func (r *Registry) authorizedLocked(caller, pool string) bool {
	if caller == r.owner {
		return true
	}
	set, ok := r.managers[pool]
	if !ok {
		return false
	}
	_, allowed := set[caller]
	return allowed
}

// IsActive reports whether a pool is currently under monitoring.
func (r *Registry) IsActive(pool string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, seen := r.pools[pool]
	return seen && p.Active
}

// Params returns a copy of a pool's parameters. ErrNeverRegistered for
// unknown pools.
func (r *Registry) Params(pool string) (domain.PoolRiskParameters, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, seen := r.pools[pool]
	if !seen {
		return domain.PoolRiskParameters{}, ErrNeverRegistered
	}
	return *p, nil
}

// RegisteredPools returns every pool ever registered, in registration
// order. The aggregator's user-risk scan iterates this list; its O(n)
// cost is the documented design.
func (r *Registry) RegisteredPools() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, len(r.ordered))
	copy(out, r.ordered)
	return out
}
