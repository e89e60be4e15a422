package remote

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"cuebox/internal/store"
)

// legacyBase is the sentinel base used for the pre-suffix naming
// convention (EXPECTED_WS_MAIN / EXPECTED_WS_BACKUP), per spec.md §4.6.
const legacyBase = "__legacy_expected__"

// candidateKind classifies a discovered workspace by name.
type candidateKind int

const (
	kindPlain candidateKind = iota
	kindPrimary
	kindBackup
	kindAuxiliary
)

// Candidate is a transient, frozen-at-discovery-time classification of
// one (address, workspace) pair, per spec.md §3.
type Candidate struct {
	IP   string
	Name string
	ID   string
	Kind candidateKind
	Base string
}

// RoleSuffixes names the configured suffixes and legacy expected names
// used to classify candidates, per spec.md §4.6.
type RoleSuffixes struct {
	SuffixMain       string
	SuffixBackup     string
	SuffixAux1       string
	ExpectedWSMain   string
	ExpectedWSBackup string
}

// ErrNoResponders is returned when discovery completed with zero
// parseable workspaces, per spec.md §7.
var ErrNoResponders = errors.New("remote: no responders")

// ConflictError is returned when role assignment is ambiguous, per
// spec.md §4.6 and §7.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string { return "remote: conflict: " + e.Reason }

// Assignment is the role -> Endpoint result of a successful DecideRoles.
type Assignment map[store.Role]Endpoint

func classify(name string, suf RoleSuffixes) (candidateKind, string) {
	switch name {
	case suf.ExpectedWSMain:
		return kindPrimary, legacyBase
	case suf.ExpectedWSBackup:
		return kindBackup, legacyBase
	}

	if suf.SuffixMain != "" && strings.HasSuffix(name, suf.SuffixMain) {
		return kindPrimary, strings.TrimSuffix(name, suf.SuffixMain)
	}
	if suf.SuffixBackup != "" && strings.HasSuffix(name, suf.SuffixBackup) {
		return kindBackup, strings.TrimSuffix(name, suf.SuffixBackup)
	}
	if suf.SuffixAux1 != "" && strings.HasSuffix(name, suf.SuffixAux1) {
		return kindAuxiliary, strings.TrimSuffix(name, suf.SuffixAux1)
	}

	return kindPlain, name
}

// BuildCandidates classifies every (ip, name->id) discovery result into
// Candidates, per spec.md §4.6.
func BuildCandidates(responders map[string]map[string]string, suf RoleSuffixes) []Candidate {
	var out []Candidate
	for ip, wsmap := range responders {
		for name, id := range wsmap {
			if id == "" {
				continue
			}
			kind, base := classify(name, suf)
			out = append(out, Candidate{IP: ip, Name: name, ID: id, Kind: kind, Base: base})
		}
	}
	return out
}

// DecideRoles applies the deterministic role-assignment algorithm of
// spec.md §4.6 to a set of discovered candidates. It returns a
// sum-typed result: (Assignment, nil) on success, or (nil, err) where
// err is ErrNoResponders or *ConflictError, replacing
// exception-for-control-flow (Design Notes §9) with explicit branching.
func DecideRoles(candidates []Candidate) (Assignment, error) {
	if len(candidates) == 0 {
		return nil, ErrNoResponders
	}

	// Step 1: auxiliary candidates.
	var auxCands []Candidate
	for _, c := range candidates {
		if c.Kind == kindAuxiliary {
			auxCands = append(auxCands, c)
		}
	}
	if len(auxCands) > 1 {
		return nil, &ConflictError{Reason: fmt.Sprintf("multiple auxiliary candidates: %v", auxCands)}
	}

	// Step 2: group primary/backup candidates by base, detecting
	// same-base-same-kind duplicates from different addresses.
	type baseGroup struct {
		primary *Candidate
		backup  *Candidate
	}
	byBase := make(map[string]*baseGroup)

	for i := range candidates {
		c := candidates[i]
		if c.Kind != kindPrimary && c.Kind != kindBackup {
			continue
		}
		g, ok := byBase[c.Base]
		if !ok {
			g = &baseGroup{}
			byBase[c.Base] = g
		}
		switch c.Kind {
		case kindPrimary:
			if g.primary != nil {
				return nil, &ConflictError{Reason: fmt.Sprintf("duplicate primary candidate for base %q", c.Base)}
			}
			g.primary = &candidates[i]
		case kindBackup:
			if g.backup != nil {
				return nil, &ConflictError{Reason: fmt.Sprintf("duplicate backup candidate for base %q", c.Base)}
			}
			g.backup = &candidates[i]
		}
	}

	// Step 3: prefer a base with both primary and backup.
	var completeBases []string
	for base, g := range byBase {
		if g.primary != nil && g.backup != nil {
			completeBases = append(completeBases, base)
		}
	}

	var selectedBase string
	haveSelection := false

	if len(completeBases) > 0 {
		sort.Strings(completeBases)
		selectedBase = completeBases[0]
		haveSelection = true
		if len(completeBases) > 1 {
			slog.Warn("remote: multiple complete primary+backup bases found, picking lexicographically smallest",
				"bases", completeBases, "picked", selectedBase)
		}
	} else {
		// Step 4: exactly one base with a primary and no backup.
		var primaryOnlyBases []string
		for base, g := range byBase {
			if g.primary != nil {
				primaryOnlyBases = append(primaryOnlyBases, base)
			}
		}
		if len(primaryOnlyBases) > 1 {
			sort.Strings(primaryOnlyBases)
			return nil, &ConflictError{Reason: fmt.Sprintf("multiple primary-tagged bases with no matching backup: %v", primaryOnlyBases)}
		}
		if len(primaryOnlyBases) == 1 {
			selectedBase = primaryOnlyBases[0]
			haveSelection = true
		}
	}

	assigned := make(Assignment)

	if haveSelection {
		g := byBase[selectedBase]
		assigned[store.RolePrimary] = Endpoint{IP: g.primary.IP, Role: store.RolePrimary, WorkspaceName: g.primary.Name, WorkspaceID: g.primary.ID}
		if g.backup != nil {
			assigned[store.RoleBackup] = Endpoint{IP: g.backup.IP, Role: store.RoleBackup, WorkspaceName: g.backup.Name, WorkspaceID: g.backup.ID}
		}
	} else {
		// Step 5: fall back to a single plain workspace.
		var plains []Candidate
		for _, c := range candidates {
			if c.Kind == kindPlain {
				plains = append(plains, c)
			}
		}
		switch {
		case len(plains) == 0:
			return nil, ErrNoResponders
		case len(plains) > 1:
			names := make([]string, 0, len(plains))
			seen := make(map[string]bool)
			for _, p := range plains {
				if !seen[p.Name] {
					seen[p.Name] = true
					names = append(names, p.Name)
				}
			}
			sort.Strings(names)
			return nil, &ConflictError{Reason: fmt.Sprintf("multiple plain workspaces found (need suffixes): %v", names)}
		default:
			p := plains[0]
			assigned[store.RolePrimary] = Endpoint{IP: p.IP, Role: store.RolePrimary, WorkspaceName: p.Name, WorkspaceID: p.ID}
		}
	}

	// Step 6: attach auxiliary, if any.
	if len(auxCands) == 1 {
		c := auxCands[0]
		assigned[store.RoleAuxiliary] = Endpoint{IP: c.IP, Role: store.RoleAuxiliary, WorkspaceName: c.Name, WorkspaceID: c.ID}
	}

	return assigned, nil
}

// Discoverer runs the two-phase broadcast discovery sequence of spec.md
// §4.6.
type Discoverer struct {
	discovery *DiscoveryStore
	proto     *Protocol

	bcastIP    string
	remotePort int
	replyPort  int
	waitWindow time.Duration
}

// NewDiscoverer constructs a Discoverer.
func NewDiscoverer(discovery *DiscoveryStore, proto *Protocol, bcastIP string, remotePort, replyPort int, waitWindow time.Duration) *Discoverer {
	return &Discoverer{
		discovery:  discovery,
		proto:      proto,
		bcastIP:    bcastIP,
		remotePort: remotePort,
		replyPort:  replyPort,
		waitWindow: waitWindow,
	}
}

// Run performs phase 1 (plain /workspaces broadcast), then phase 2
// (flag-priming trio + /workspaces broadcast, unconditionally, so any
// responder missed in phase 1 gets its reply port set before the
// deciding broadcast), merging phase 2 over phase 1 on address
// collision, per spec.md §4.6.
func (d *Discoverer) Run(runID string) map[string]map[string]string {
	slog.Debug("remote: discovery phase1 start", "run", runID, "bcast", d.bcastIP)
	d.discovery.Clear()
	if err := Broadcast(d.bcastIP, d.remotePort, pathWorkspaces); err != nil {
		slog.Debug("remote: phase1 broadcast failed", "run", runID, "err", err)
	}
	time.Sleep(d.waitWindow)
	slog.Debug("remote: discovery phase1 snapshot", "run", runID, "dump", d.discovery)
	phase1 := parseDiscoverySnapshot(d.discovery.Snapshot())

	slog.Debug("remote: discovery phase2 start", "run", runID, "bcast", d.bcastIP)
	d.discovery.Clear()
	if err := Broadcast(d.bcastIP, d.remotePort, pathUDPReplyPort, d.replyPort); err != nil {
		slog.Debug("remote: phase2 reply-port broadcast failed", "run", runID, "err", err)
	}
	if err := Broadcast(d.bcastIP, d.remotePort, pathAlwaysReply, 1); err != nil {
		slog.Debug("remote: phase2 always-reply broadcast failed", "run", runID, "err", err)
	}
	if err := Broadcast(d.bcastIP, d.remotePort, pathForgetMeNot, 1); err != nil {
		slog.Debug("remote: phase2 forget-me-not broadcast failed", "run", runID, "err", err)
	}
	if err := Broadcast(d.bcastIP, d.remotePort, pathWorkspaces); err != nil {
		slog.Debug("remote: phase2 workspaces broadcast failed", "run", runID, "err", err)
	}
	time.Sleep(d.waitWindow)
	slog.Debug("remote: discovery phase2 snapshot", "run", runID, "dump", d.discovery)
	phase2 := parseDiscoverySnapshot(d.discovery.Snapshot())

	merged := make(map[string]map[string]string)
	for ip, wsmap := range phase1 {
		merged[ip] = wsmap
	}
	for ip, wsmap := range phase2 {
		merged[ip] = wsmap
	}

	slog.Debug("remote: discovery done", "run", runID, "responders", len(merged))
	return merged
}

func parseDiscoverySnapshot(snap map[string]Envelope) map[string]map[string]string {
	out := make(map[string]map[string]string)
	for ip, env := range snap {
		wsmap := ParseWorkspaces(env)
		if len(wsmap) > 0 {
			out[ip] = wsmap
		}
	}
	return out
}
