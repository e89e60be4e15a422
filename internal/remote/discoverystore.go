package remote

import (
	"sync"

	"github.com/davecgh/go-spew/spew"
)

// DiscoveryStore is the transient map from responder address to its last
// /workspaces listing, per spec.md §3 and §4.6. It is cleared at the
// start of each discovery phase.
type DiscoveryStore struct {
	mu   sync.Mutex
	seen map[string]Envelope
}

// NewDiscoveryStore returns an empty store.
func NewDiscoveryStore() *DiscoveryStore {
	return &DiscoveryStore{seen: make(map[string]Envelope)}
}

// Upsert records env as the latest reply seen from ip.
func (d *DiscoveryStore) Upsert(ip string, env Envelope) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[ip] = env
}

// Clear discards every recorded reply, ahead of a new discovery phase.
func (d *DiscoveryStore) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = make(map[string]Envelope)
}

// Snapshot returns a copy of the current ip -> Envelope map.
func (d *DiscoveryStore) Snapshot() map[string]Envelope {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]Envelope, len(d.seen))
	for k, v := range d.seen {
		out[k] = v
	}
	return out
}

// String dumps the current snapshot field-by-field via go-spew, for the
// -debug log: the parsed workspace maps downstream discard envelope
// fields (status, address, workspace_id, raw data) that are sometimes
// what a malformed or partial responder reply needs inspecting for.
func (d *DiscoveryStore) String() string {
	return spew.Sdump(d.Snapshot())
}
