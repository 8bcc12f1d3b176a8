// Package routing maps conversation ids to execution workspaces.
package routing

import (
	"sort"
	"sync"

	"github.com/42atom/msgcode/internal/config"
)

// Status reports whether a configured route accepts traffic.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Route binds a conversation to a workspace.
type Route struct {
	ConversationID string
	Workspace      string
	Status         Status
}

// Resolver looks up the route for a conversation. The second return is false
// when no route is configured at all.
type Resolver interface {
	Lookup(conversationID string) (Route, bool)
}

// Table is a Resolver built from configuration. Replace swaps the whole table
// on config reload; lookups in flight keep seeing a consistent snapshot.
type Table struct {
	mu     sync.RWMutex
	routes map[string]Route
}

func NewTable(routes []config.RouteConfig) *Table {
	t := &Table{}
	t.Replace(routes)
	return t
}

func (t *Table) Lookup(conversationID string) (Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.routes[conversationID]
	return r, ok
}

// Replace rebuilds the table from a fresh config snapshot.
func (t *Table) Replace(routes []config.RouteConfig) {
	next := make(map[string]Route, len(routes))
	for _, rc := range routes {
		status := StatusActive
		if rc.Active != nil && !*rc.Active {
			status = StatusInactive
		}
		next[rc.ConversationID] = Route{
			ConversationID: rc.ConversationID,
			Workspace:      rc.Workspace,
			Status:         status,
		}
	}
	t.mu.Lock()
	t.routes = next
	t.mu.Unlock()
}

// All returns every route sorted by conversation id, for status output.
func (t *Table) All() []Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Route, 0, len(t.routes))
	for _, r := range t.routes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out
}
