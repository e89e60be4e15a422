package remote

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"cuebox/internal/clock"
	"cuebox/internal/store"
)

const (
	reconcileMinInterval = 5 * time.Second
	reconcileInitial     = 2 * time.Second
	reconcileMax         = 20 * time.Second

	healMismatchHold = 3 * time.Second
)

// roleBackoff tracks the per-role exponential backoff state of spec.md
// §4.7: next_try[role] gates reconcile attempts, doubling from 2s to a
// 20s cap on failure and resetting to zero on success. current is
// driven by clock, a cenkalti/backoff/v4 ExponentialBackOff configured
// by newBackoffClock to exactly this fixed-step doubling schedule.
type roleBackoff struct {
	nextTry time.Time
	current time.Duration
	clock   *backoff.ExponentialBackOff
}

// Liveness drives per-role reconciliation: detecting a remote's
// workspace identifier drift after a restart/reopen and healing it
// without touching the configured workspace name, per spec.md §4.7.
type Liveness struct {
	clk       clock.Clock
	sender    *Sender
	waiters   *Waiters
	proto     *Protocol
	endpoints *Endpoints
	st        *store.Store
	suf       RoleSuffixes

	mu      sync.Mutex
	backoff map[store.Role]*roleBackoff
}

// NewLiveness constructs a Liveness tracker. suf supplies the configured
// suffixes used to re-derive each role's expected workspace name.
func NewLiveness(clk clock.Clock, proto *Protocol, endpoints *Endpoints, st *store.Store, suf RoleSuffixes) *Liveness {
	return &Liveness{
		clk:       clk,
		proto:     proto,
		endpoints: endpoints,
		st:        st,
		suf:       suf,
		backoff:   make(map[store.Role]*roleBackoff),
	}
}

func (l *Liveness) stateFor(role store.Role) *roleBackoff {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.backoff[role]
	if !ok {
		b = &roleBackoff{clock: newBackoffClock()}
		l.backoff[role] = b
	}
	return b
}

// expectedName returns the workspace name a role's endpoint was last
// known under, which reconcile treats as fixed (it never renames).
func expectedName(ep Endpoint) string {
	return ep.WorkspaceName
}

// due reports whether role's backoff gate has elapsed.
func (l *Liveness) due(role store.Role, now time.Time) bool {
	b := l.stateFor(role)
	l.mu.Lock()
	defer l.mu.Unlock()
	return b.nextTry.IsZero() || !now.Before(b.nextTry)
}

// recordFailure advances role's backoff to the next step of the curve
// (cenkalti/backoff/v4's ExponentialBackOff, configured by
// newBackoffClock to the 2s/x2/20s-cap schedule of spec.md §4.7) and
// sets nextTry that many durations out.
func (l *Liveness) recordFailure(role store.Role, now time.Time) {
	b := l.stateFor(role)
	l.mu.Lock()
	defer l.mu.Unlock()
	b.current = b.clock.NextBackOff()
	b.nextTry = now.Add(b.current)
}

// recordSuccess resets role's backoff curve back to its initial
// interval and clears the gate, so the next failure starts the
// doubling schedule over from reconcileInitial.
func (l *Liveness) recordSuccess(role store.Role) {
	b := l.stateFor(role)
	l.mu.Lock()
	defer l.mu.Unlock()
	b.clock.Reset()
	b.current = 0
	b.nextTry = time.Time{}
}

// newBackoffClock configures a cenkalti/backoff/v4 ExponentialBackOff to
// the fixed-step doubling schedule of spec.md §4.7: 2s initial, x2 each
// failure, capped at 20s, with jitter and the library's own elapsed-time
// cutoff both disabled (next_try is the only cutoff this component
// wants; MaxElapsedTime's Stop sentinel would otherwise fire mid-outage
// and silently stop reconcile from ever retrying a role again).
func newBackoffClock() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = reconcileInitial
	b.Multiplier = 2
	b.MaxInterval = reconcileMax
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0
	// NewExponentialBackOff already seeded its current interval from the
	// library default; re-seed it from reconcileInitial.
	b.Reset()
	return b
}

// ReconcileOfflineRoles iterates every assigned role whose endpoint is
// currently offline and, for each whose backoff gate is due, attempts
// reconcileEndpoint. Called once per supervisor tick while paired, per
// spec.md §4.10 step (d).
func (l *Liveness) ReconcileOfflineRoles() {
	now := l.clk.Now()
	for _, role := range l.endpoints.Roles() {
		ep, ok := l.endpoints.Get(role)
		if !ok || ep.Online(now) {
			continue
		}
		if !l.due(role, now) {
			continue
		}
		l.reconcileEndpoint(role, ep, now)
	}
}

// reconcileEndpoint is reconcile_endpoint of spec.md §4.7: force
// flag-prime, request workspaces, and if the expected name is missing,
// bump backoff and return. Otherwise, if the identifier changed,
// update the in-memory endpoint and persisted record under the
// unchanged workspace name and log the drift; finally force-connect,
// force flag-prime again, and reset backoff.
func (l *Liveness) reconcileEndpoint(role store.Role, ep Endpoint, now time.Time) {
	l.proto.EnsureAppFlags(ep.IP, true)

	env, ok := l.proto.RequestWorkspaces(ep.IP)
	if !ok {
		l.recordFailure(role, now)
		return
	}

	want := expectedName(ep)
	wsmap := ParseWorkspaces(env)
	newID, present := wsmap[want]
	if !present {
		l.recordFailure(role, now)
		return
	}

	if newID != ep.WorkspaceID {
		slog.Warn("remote: workspace identifier drift reconciled",
			"role", role, "ip", ep.IP, "name", want, "old_id", ep.WorkspaceID, "new_id", newID)
		l.endpoints.UpdateWorkspaceID(role, newID)
		ep.WorkspaceID = newID
		l.persistEndpoint(role, ep)
	}

	l.proto.EnsureConnected(ep, l.endpoints, true)
	l.proto.EnsureAppFlags(ep.IP, true)
	l.recordSuccess(role)
}

// persistEndpoint writes the current endpoint assignment for role into
// the persisted record, preserving every other field, per the Endpoint
// row of spec.md §3's lifecycle table ("reconcile loop updates
// workspace_id").
func (l *Liveness) persistEndpoint(role store.Role, ep Endpoint) {
	rec, err := l.st.Load()
	if err != nil {
		slog.Debug("remote: reconcile persist load failed", "err", err)
		return
	}
	if rec.Endpoints == nil {
		rec.Endpoints = make(map[store.Role]store.EndpointRecord)
	}
	rec.Endpoints[role] = store.EndpointRecord{
		IP:            ep.IP,
		WorkspaceName: ep.WorkspaceName,
		WorkspaceID:   ep.WorkspaceID,
	}
	if err := l.st.Save(rec); err != nil {
		slog.Debug("remote: reconcile persist save failed", "err", err)
	}
}

// HealMismatch is one role's outcome from HealRoles: either the
// endpoint matched (Updated false, Mismatch false), its identifier was
// silently re-synced under the unchanged name (Updated true), or the
// expected workspace name was altogether absent (Mismatch true, the
// caller renders this on the role's LED for healMismatchHold).
type HealMismatch struct {
	Role     store.Role
	Updated  bool
	Mismatch bool
}

// HealRoles is the strict, operator-triggered heal-reconcile of
// spec.md §4.7: for every paired role, re-prime, request workspaces,
// and if the expected name is missing, report a mismatch without
// touching state; if present and the identifier differs, update it
// under the same name (never renames).
func (l *Liveness) HealRoles() []HealMismatch {
	var out []HealMismatch
	for _, role := range l.endpoints.Roles() {
		ep, ok := l.endpoints.Get(role)
		if !ok {
			continue
		}

		l.proto.EnsureAppFlags(ep.IP, true)
		env, ok := l.proto.RequestWorkspaces(ep.IP)
		if !ok {
			out = append(out, HealMismatch{Role: role, Mismatch: true})
			continue
		}

		want := expectedName(ep)
		wsmap := ParseWorkspaces(env)
		newID, present := wsmap[want]
		if !present {
			out = append(out, HealMismatch{Role: role, Mismatch: true})
			continue
		}

		if newID != ep.WorkspaceID {
			l.endpoints.UpdateWorkspaceID(role, newID)
			ep.WorkspaceID = newID
			l.persistEndpoint(role, ep)
			out = append(out, HealMismatch{Role: role, Updated: true})
			continue
		}

		out = append(out, HealMismatch{Role: role})
	}
	return out
}

// HealMismatchHold is how long a mismatching role's LED reports the
// condition before the supervisor reverts to its normal sequence.
func HealMismatchHold() time.Duration { return healMismatchHold }
