// Package roles maps authenticated identities to the organizational roles
// (Graphic, Sales, Procurement and so on) that workflow stages are gated on.
package roles

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/stagegate/model"
)

type cacheEntry struct {
	roles   []string
	expires time.Time
}

// Resolver implements model.RoleResolver with an in-memory cache.
type Resolver struct {
	source model.RoleSource
	ttl    time.Duration
	mu     sync.RWMutex
	cache  map[string]cacheEntry
}

// NewResolver creates a new Resolver with the given source and cache TTL.
func NewResolver(source model.RoleSource, ttl time.Duration) *Resolver {
	return &Resolver{
		source: source,
		ttl:    ttl,
		cache:  make(map[string]cacheEntry),
	}
}

// cacheKey includes the token roles so a changed group membership in a new
// token is never answered from a stale entry.
func cacheKey(rctx *model.RequestContext) string {
	groups := append([]string(nil), rctx.Roles...)
	sort.Strings(groups)
	return rctx.SubjectID + ":" + strings.Join(groups, ",")
}

// Resolve returns the organizational roles for the given context. Results
// are cached for the configured TTL.
func (r *Resolver) Resolve(rctx *model.RequestContext) ([]string, error) {
	key := cacheKey(rctx)

	r.mu.RLock()
	if entry, ok := r.cache[key]; ok && time.Now().Before(entry.expires) {
		r.mu.RUnlock()
		return entry.roles, nil
	}
	r.mu.RUnlock()

	resolved, err := r.source.ResolveRoles(rctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[key] = cacheEntry{roles: resolved, expires: time.Now().Add(r.ttl)}
	r.mu.Unlock()

	return resolved, nil
}

// Invalidate clears cached roles for the given subject.
func (r *Resolver) Invalidate(subjectID string) {
	prefix := subjectID + ":"
	r.mu.Lock()
	for key := range r.cache {
		if strings.HasPrefix(key, prefix) {
			delete(r.cache, key)
		}
	}
	r.mu.Unlock()
}
