package session

import (
	"sort"
	"sync"

	"github.com/coachpo/sigma/internal/domain/correlation"
	"github.com/coachpo/sigma/internal/infra/gateway"
)

type route struct {
	table *correlation.Table
	kinds []gateway.RequestKind
}

// Router maps correlation ids to the table that owns them.
type Router struct {
	mu     sync.RWMutex
	routes map[int64]*route
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{routes: make(map[int64]*route)}
}

// Bind routes id to table and records the request kinds issued under it.
// Binding the same id to another table replaces the route.
func (r *Router) Bind(id int64, table *correlation.Table, kinds ...gateway.RequestKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing := r.routes[id]
	if existing == nil || existing.table != table {
		existing = &route{table: table}
		r.routes[id] = existing
	}
	for _, k := range kinds {
		if !containsKind(existing.kinds, k) {
			existing.kinds = append(existing.kinds, k)
		}
	}
}

func containsKind(kinds []gateway.RequestKind, k gateway.RequestKind) bool {
	for _, existing := range kinds {
		if existing == k {
			return true
		}
	}
	return false
}

// Lookup returns the owning table for id.
func (r *Router) Lookup(id int64) (*correlation.Table, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.routes[id]
	if !ok {
		return nil, false
	}
	return rt.table, true
}

// Kinds returns the request kinds issued under id.
func (r *Router) Kinds(id int64) []gateway.RequestKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.routes[id]
	if !ok {
		return nil
	}
	return append([]gateway.RequestKind(nil), rt.kinds...)
}

// Release drops every route owned by table and returns the released ids in order.
func (r *Router) Release(table *correlation.Table) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []int64
	for id, rt := range r.routes {
		if rt.table == table {
			ids = append(ids, id)
			delete(r.routes, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Tables returns the distinct tables currently routed.
func (r *Router) Tables() []*correlation.Table {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[*correlation.Table]struct{})
	var out []*correlation.Table
	for _, rt := range r.routes {
		if _, ok := seen[rt.table]; ok {
			continue
		}
		seen[rt.table] = struct{}{}
		out = append(out, rt.table)
	}
	return out
}

// Len returns the number of routed ids.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}
