package remote

import (
	"sync"
	"time"

	"cuebox/internal/clock"
	"cuebox/internal/store"
)

// onlineWindow is how recently an endpoint must have been seen to be
// considered online, per spec.md §3.
const onlineWindow = 8 * time.Second

// Endpoint is the in-memory mirror of store.EndpointRecord, augmented with
// the liveness timestamp that never gets persisted, per spec.md §3.
type Endpoint struct {
	IP            string
	Role          store.Role
	WorkspaceName string
	WorkspaceID   string

	// lastSeen is a monotonic instant; zero means never seen.
	lastSeen time.Time
}

// Online reports whether the endpoint has been seen inside onlineWindow,
// per spec.md §3's `online` predicate.
func (e Endpoint) Online(now time.Time) bool {
	return !e.lastSeen.IsZero() && now.Sub(e.lastSeen) < onlineWindow
}

// Endpoints is a mutex-guarded collection of the (at most three) assigned
// endpoints, keyed by role, plus the reverse address->role map used by
// the inbound dispatcher to resolve an acknowledgement's role.
type Endpoints struct {
	clk clock.Clock

	mu      sync.RWMutex
	byRole  map[store.Role]*Endpoint
	byAddr  map[string]store.Role
}

// NewEndpoints returns an empty Endpoints set.
func NewEndpoints(clk clock.Clock) *Endpoints {
	return &Endpoints{
		clk:    clk,
		byRole: make(map[store.Role]*Endpoint),
		byAddr: make(map[string]store.Role),
	}
}

// Set installs or replaces the endpoint for role and refreshes the
// reverse address map.
func (e *Endpoints) Set(role store.Role, ep Endpoint) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp := ep
	e.byRole[role] = &cp
	e.rebuildReverseLocked()
}

// Clear removes every assigned endpoint.
func (e *Endpoints) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byRole = make(map[store.Role]*Endpoint)
	e.byAddr = make(map[string]store.Role)
}

// Get returns a snapshot copy of the endpoint for role, if assigned.
func (e *Endpoints) Get(role store.Role) (Endpoint, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ep, ok := e.byRole[role]
	if !ok {
		return Endpoint{}, false
	}
	return *ep, true
}

// Roles returns the set of currently-assigned roles.
func (e *Endpoints) Roles() []store.Role {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]store.Role, 0, len(e.byRole))
	for r := range e.byRole {
		out = append(out, r)
	}
	return out
}

// RoleForAddr resolves src IP to its assigned role, used by the
// dispatcher to route an acknowledgement to the right LED, per spec.md
// §4.4 rule 4.
func (e *Endpoints) RoleForAddr(ip string) (store.Role, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.byAddr[ip]
	return r, ok
}

// MarkSeen updates the last-seen timestamp for whichever role is
// assigned to ip, if any. Returns true if an endpoint was found.
func (e *Endpoints) MarkSeen(ip string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	role, ok := e.byAddr[ip]
	if !ok {
		return false
	}
	ep, ok := e.byRole[role]
	if !ok {
		return false
	}
	ep.lastSeen = now
	return true
}

// UpdateWorkspaceID rewrites the workspace identifier for role in place
// (used by reconcile after a drift is observed), keeping the workspace
// name unchanged, and refreshes the reverse map.
func (e *Endpoints) UpdateWorkspaceID(role store.Role, newID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ep, ok := e.byRole[role]
	if !ok {
		return
	}
	ep.WorkspaceID = newID
	e.rebuildReverseLocked()
}

func (e *Endpoints) rebuildReverseLocked() {
	e.byAddr = make(map[string]store.Role, len(e.byRole))
	for role, ep := range e.byRole {
		e.byAddr[ep.IP] = role
	}
}

// ToRecord renders the current assignment as store.EndpointRecord map for
// persistence.
func (e *Endpoints) ToRecord() map[store.Role]store.EndpointRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[store.Role]store.EndpointRecord, len(e.byRole))
	for role, ep := range e.byRole {
		out[role] = store.EndpointRecord{
			IP:            ep.IP,
			WorkspaceName: ep.WorkspaceName,
			WorkspaceID:   ep.WorkspaceID,
		}
	}
	return out
}

// LoadFromRecord replaces the assignment with the contents of recs
// (called by the supervisor on every tick to mirror the persisted
// record). A role whose address is unchanged keeps its last-seen
// timestamp, since that is never persisted.
func (e *Endpoints) LoadFromRecord(recs map[store.Role]store.EndpointRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	prev := e.byRole
	e.byRole = make(map[store.Role]*Endpoint, len(recs))
	for role, r := range recs {
		ep := &Endpoint{
			IP:            r.IP,
			Role:          role,
			WorkspaceName: r.WorkspaceName,
			WorkspaceID:   r.WorkspaceID,
		}
		if old, ok := prev[role]; ok && old.IP == r.IP {
			ep.lastSeen = old.lastSeen
		}
		e.byRole[role] = ep
	}
	e.rebuildReverseLocked()
}
