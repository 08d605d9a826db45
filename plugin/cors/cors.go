// Package cors maintains the per-plugin allowed-origin registry that gates
// browser chat requests. Entries are fetched lazily from the tenant
// backend and expire after a TTL; the tenant backend can also push updates
// through the internal endpoints.
package cors

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/saleschat/aiservice/internal/apierr"
)

// DefaultTTL is how long a registration is served before a lazy refetch.
const DefaultTTL = 300 * time.Second

// Registration maps one plugin to its tenant and allowed origins.
type Registration struct {
	PluginID       string    `json:"pluginId"`
	CompanyID      string    `json:"companyId"`
	AllowedDomains []string  `json:"allowedDomains"`
	FetchedAt      time.Time `json:"fetchedAt"`
}

// Fetcher loads a registration from the tenant backend on cache miss.
type Fetcher interface {
	FetchPluginDomains(ctx context.Context, pluginID string) (*Registration, error)
}

// Stats reports cache size and request counters for the status endpoint.
type Stats struct {
	Size    int   `json:"size"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Fetches int64 `json:"fetches"`
	Allowed int64 `json:"allowed"`
	Denied  int64 `json:"denied"`
}

// Registry is the in-process origin store. Reads take the shared lock;
// membership changes take the exclusive lock.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Registration

	fetcher Fetcher
	ttl     time.Duration
	group   singleflight.Group

	hits    atomic.Int64
	misses  atomic.Int64
	fetches atomic.Int64
	allowed atomic.Int64
	denied  atomic.Int64
}

func NewRegistry(fetcher Fetcher, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{
		entries: make(map[string]*Registration),
		fetcher: fetcher,
		ttl:     ttl,
	}
}

// Resolve returns the registration for pluginID, refetching expired
// entries. Concurrent misses for the same plugin share one backend call.
// When a refetch fails the stale entry keeps serving; it still restricts
// origins to the last known set.
func (r *Registry) Resolve(ctx context.Context, pluginID string) (*Registration, error) {
	if pluginID == "" {
		return nil, apierr.New(apierr.CodeMissingRequiredField, "plugin_id is required")
	}

	r.mu.RLock()
	cached, ok := r.entries[pluginID]
	r.mu.RUnlock()

	if ok && time.Since(cached.FetchedAt) < r.ttl {
		r.hits.Add(1)
		return cached, nil
	}
	r.misses.Add(1)

	if r.fetcher == nil {
		if ok {
			return cached, nil
		}
		return nil, apierr.ErrPluginNotFound
	}

	v, err, _ := r.group.Do(pluginID, func() (any, error) {
		r.fetches.Add(1)
		fresh, err := r.fetcher.FetchPluginDomains(ctx, pluginID)
		if err != nil {
			return nil, err
		}
		fresh.PluginID = pluginID
		fresh.FetchedAt = time.Now()

		r.mu.Lock()
		r.entries[pluginID] = fresh
		r.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		if ok {
			return cached, nil
		}
		return nil, err
	}
	return v.(*Registration), nil
}

// CheckOrigin resolves the plugin and verifies origin membership. A
// non-member origin is rejected with ORIGIN_NOT_ALLOWED and must not
// receive an Access-Control-Allow-Origin header.
func (r *Registry) CheckOrigin(ctx context.Context, pluginID, origin string) (*Registration, error) {
	reg, err := r.Resolve(ctx, pluginID)
	if err != nil {
		r.denied.Add(1)
		return nil, err
	}
	if !MatchOrigin(reg, origin) {
		r.denied.Add(1)
		return nil, apierr.Newf(apierr.CodeOriginNotAllowed, "origin %q is not allowed for plugin %s", origin, pluginID)
	}
	r.allowed.Add(1)
	return reg, nil
}

// MatchAnyOrigin scans live entries for one that allows origin. Preflight
// requests carry no body, so the plugin is unknown; a match against any
// registered plugin is enough to answer OPTIONS.
func (r *Registry) MatchAnyOrigin(origin string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, reg := range r.entries {
		if time.Since(reg.FetchedAt) >= r.ttl {
			continue
		}
		if MatchOrigin(reg, origin) {
			return reg, true
		}
	}
	return nil, false
}

// Update replaces the registration pushed by the tenant backend and stamps
// FetchedAt. The tenant mapping survives from the previous entry when the
// push carries no company.
func (r *Registry) Update(pluginID, companyID string, domains []string) *Registration {
	reg := &Registration{
		PluginID:       pluginID,
		CompanyID:      companyID,
		AllowedDomains: domains,
		FetchedAt:      time.Now(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if reg.CompanyID == "" {
		if old, ok := r.entries[pluginID]; ok {
			reg.CompanyID = old.CompanyID
		}
	}
	r.entries[pluginID] = reg
	return reg
}

// Invalidate drops one plugin, forcing a refetch on the next request.
func (r *Registry) Invalidate(pluginID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[pluginID]; !ok {
		return false
	}
	delete(r.entries, pluginID)
	return true
}

// Clear drops every entry.
func (r *Registry) Clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.entries)
	r.entries = make(map[string]*Registration)
	return n
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	size := len(r.entries)
	r.mu.RUnlock()

	return Stats{
		Size:    size,
		Hits:    r.hits.Load(),
		Misses:  r.misses.Load(),
		Fetches: r.fetches.Load(),
		Allowed: r.allowed.Load(),
		Denied:  r.denied.Load(),
	}
}

// MatchOrigin compares origin against the allowed set: scheme must match
// exactly, host comparison is case-insensitive. Wildcards are never
// honored.
func MatchOrigin(reg *Registration, origin string) bool {
	o, ok := normalizeOrigin(origin)
	if !ok {
		return false
	}
	for _, domain := range reg.AllowedDomains {
		if a, ok := normalizeOrigin(domain); ok && a == o {
			return true
		}
	}
	return false
}

func normalizeOrigin(s string) (string, bool) {
	s = strings.TrimSuffix(strings.TrimSpace(s), "/")
	if s == "" || s == "*" {
		return "", false
	}
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return u.Scheme + "://" + strings.ToLower(u.Host), true
}
