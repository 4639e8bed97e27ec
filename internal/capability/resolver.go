// Package capability maps the roles carried in an admin JWT to the
// capabilities checked by the admin API, with a short-lived cache in front
// of the policy.
package capability

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/covenant/model"
)

type cached struct {
	caps    model.CapabilitySet
	expires time.Time
}

// Resolver implements model.CapabilityResolver. Entries are keyed by actor
// and by the exact role list, so a token carrying new roles is resolved
// afresh rather than served a stale set.
type Resolver struct {
	evaluator model.PolicyEvaluator
	ttl       time.Duration
	now       func() time.Time

	mu      sync.Mutex
	byActor map[string]map[string]cached
}

// NewResolver returns a Resolver that caches evaluator results for ttl. A
// non-positive ttl disables caching.
func NewResolver(evaluator model.PolicyEvaluator, ttl time.Duration) *Resolver {
	return &Resolver{
		evaluator: evaluator,
		ttl:       ttl,
		now:       time.Now,
		byActor:   make(map[string]map[string]cached),
	}
}

func rolesKey(roles []string) string {
	sorted := slices.Clone(roles)
	slices.Sort(sorted)
	return strings.Join(slices.Compact(sorted), ",")
}

// Resolve returns the capability set for actor.
func (r *Resolver) Resolve(actor *model.Actor) (model.CapabilitySet, error) {
	key := rolesKey(actor.Roles)
	now := r.now()

	r.mu.Lock()
	if entry, ok := r.byActor[actor.ID][key]; ok && now.Before(entry.expires) {
		r.mu.Unlock()
		return entry.caps, nil
	}
	r.mu.Unlock()

	caps, err := r.evaluator.ResolveCapabilities(actor)
	if err != nil {
		return nil, err
	}
	if r.ttl <= 0 {
		return caps, nil
	}

	r.mu.Lock()
	entries := r.byActor[actor.ID]
	if entries == nil {
		entries = make(map[string]cached)
		r.byActor[actor.ID] = entries
	}
	for k, e := range entries {
		if !now.Before(e.expires) {
			delete(entries, k)
		}
	}
	entries[key] = cached{caps: caps, expires: now.Add(r.ttl)}
	r.mu.Unlock()

	return caps, nil
}

// Invalidate drops every cached set for actorID.
func (r *Resolver) Invalidate(actorID string) {
	r.mu.Lock()
	delete(r.byActor, actorID)
	r.mu.Unlock()
}

// Reload re-reads the policy and drops the whole cache.
func (r *Resolver) Reload() error {
	if err := r.evaluator.Sync(); err != nil {
		return err
	}
	r.mu.Lock()
	clear(r.byActor)
	r.mu.Unlock()
	return nil
}
