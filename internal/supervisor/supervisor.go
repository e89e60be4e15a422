// Package supervisor implements the top-level 20Hz orchestration loop
// of spec.md §4.10: it reloads persisted state, drives pairing and
// heal-reconcile, fires heartbeats, runs the liveness reconcile pass,
// feeds the LED renderer, and turns button/encoder events into
// outbound cue actions.
package supervisor

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"cuebox/internal/clock"
	"cuebox/internal/config"
	"cuebox/internal/input"
	"cuebox/internal/led"
	"cuebox/internal/remote"
	"cuebox/internal/store"
)

const tickInterval = 50 * time.Millisecond // 20Hz, per spec.md §4.10

// encoderPollInterval is the rotary encoder's own sample rate (1kHz,
// per spec.md §4.9/§5's "Encoder poller" thread) — far tighter than
// tickInterval because a human spinning the knob produces quadrature
// edges well under 50ms apart, which the 20Hz tick alone would miss or
// misdecode.
const encoderPollInterval = time.Millisecond

const statusLogInterval = 60 * time.Second

// Inputs bundles the physical controls the supervisor polls: the
// encoder on its own 1kHz poller, the rest every tick. Any of Go/Pause/Panic/Encoder may be nil (disabled hardware,
// per spec.md §7's HardwareMissing taxonomy entry); PairSwitch nil
// disables the pair control entirely, which would strand the box
// unpaired, so callers should always supply one.
type Inputs struct {
	Go         *input.Button
	Pause      *input.Button
	Panic      *input.Button
	Encoder    *input.Encoder
	PairSwitch *input.PairSwitch
}

// Supervisor owns every long-lived subsystem and runs the 20Hz tick
// loop described in spec.md §4.10.
type Supervisor struct {
	cfg config.Config
	clk clock.Clock
	st  *store.Store

	sender    *remote.Sender
	waiters   *remote.Waiters
	discovery *remote.DiscoveryStore
	proto     *remote.Protocol
	endpoints *remote.Endpoints
	liveness  *remote.Liveness
	listener  *remote.Listener

	renderer *led.Renderer
	order    []store.Role

	inputs Inputs

	pairingMu     sync.Mutex
	pairingActive bool

	stateMu         sync.Mutex
	conflict        bool
	fatalFail       bool
	discoveryActive bool
	paired          bool
	pairedAt        time.Time
	healUntil       map[store.Role]time.Time
	pauseToggled    map[store.Role]bool

	done chan struct{}

	lastStatus     string
	lastStatusLogAt time.Time
}

// Deps collects the already-constructed subsystems New wires into a
// Supervisor, so main.go owns their lifetime and shutdown order.
type Deps struct {
	Clk       clock.Clock
	Store     *store.Store
	Sender    *remote.Sender
	Waiters   *remote.Waiters
	Discovery *remote.DiscoveryStore
	Proto     *remote.Protocol
	Endpoints *remote.Endpoints
	Liveness  *remote.Liveness
	Listener  *remote.Listener
	Driver    led.Driver
	Inputs    Inputs
}

// New constructs a Supervisor. order fixes the pixel order the LED
// renderer latches roles in (e.g. primary, backup, auxiliary).
func New(cfg config.Config, deps Deps, order []store.Role) *Supervisor {
	return &Supervisor{
		cfg:          cfg,
		clk:          deps.Clk,
		st:           deps.Store,
		sender:       deps.Sender,
		waiters:      deps.Waiters,
		discovery:    deps.Discovery,
		proto:        deps.Proto,
		endpoints:    deps.Endpoints,
		liveness:     deps.Liveness,
		listener:     deps.Listener,
		renderer:     led.NewRenderer(deps.Clk, deps.Driver, cfg.MasterDim, order),
		order:        order,
		inputs:       deps.Inputs,
		healUntil:    make(map[store.Role]time.Time),
		pauseToggled: make(map[store.Role]bool),
		done:         make(chan struct{}),
	}
}

// OnAck is wired as the inbound dispatcher's AckFunc: it flashes the
// acknowledging role's pixel blue for 0.25s, per spec.md §4.8 rule 6.
func (s *Supervisor) OnAck(role store.Role, action string) {
	s.renderer.Flash(role, 250*time.Millisecond)
}

// Run ticks at 20Hz until Stop is called, performing the per-tick
// sequence of spec.md §4.10: reload state, refresh the reverse map
// (implicit in endpoints.LoadFromRecord), poll inputs, select and render
// the LED sequence, drive heartbeats/reconcile while paired, and log a
// status line on change or every 60s.
func (s *Supervisor) Run() {
	if s.inputs.Encoder != nil {
		go s.runEncoderPoller()
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// runEncoderPoller is the dedicated 1kHz "Encoder poller" thread of
// spec.md §5, sampling independently of the 20Hz Run loop — mirroring
// how the outbound sender and inbound listener each get their own
// goroutine (main.go's `go sender.Run()` / `go listener.Run()`) rather
// than being folded into the tick.
func (s *Supervisor) runEncoderPoller() {
	ticker := time.NewTicker(encoderPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.pollEncoder()
		}
	}
}

// pollEncoder reads the encoder once and dispatches a select/next or
// select/previous cue action on a decoded direction, per spec.md §4.9.
func (s *Supervisor) pollEncoder() {
	e := s.inputs.Encoder
	if e == nil {
		return
	}
	dir, err := e.Poll()
	if err != nil {
		slog.Debug("supervisor: encoder read failed", "err", err)
		return
	}
	switch dir {
	case input.DirectionForward:
		s.broadcastAction("select/next")
	case input.DirectionBackward:
		s.broadcastAction("select/previous")
	}
}

// Stop terminates Run.
func (s *Supervisor) Stop() { close(s.done) }

func (s *Supervisor) tick() {
	s.reloadState()
	s.pollInputs()

	frame := s.buildFrame()
	s.renderer.Apply(frame)
	if err := s.renderer.Tick(); err != nil {
		slog.Debug("supervisor: led tick failed", "err", err)
	}

	if frame.Paired {
		for _, role := range s.endpoints.Roles() {
			ep, ok := s.endpoints.Get(role)
			if !ok {
				continue
			}
			s.proto.ThumpFire(ep, s.endpoints)
		}
		s.liveness.ReconcileOfflineRoles()
	}

	s.logStatusIfDue(frame)
}

// reloadState re-reads the persisted record (cheap: mtime-cached) and
// refreshes the in-memory endpoint map and paired/pairedAt flags.
func (s *Supervisor) reloadState() {
	rec, err := s.st.Load()
	if err != nil {
		slog.Debug("supervisor: state reload failed", "err", err)
		return
	}

	s.endpoints.LoadFromRecord(rec.Endpoints)

	s.stateMu.Lock()
	s.paired = rec.Paired
	if rec.Paired && rec.PairedAt > 0 {
		s.pairedAt = time.Unix(int64(rec.PairedAt), 0)
	}
	s.stateMu.Unlock()
}

// buildFrame assembles the led.Frame for this tick from current
// pairing/conflict/fatal-fail/heal-mismatch/liveness state, per the
// supervisor-level precedence of spec.md §4.8.
func (s *Supervisor) buildFrame() led.Frame {
	now := s.clk.Now()

	s.stateMu.Lock()
	conflict := s.conflict
	fatalFail := s.fatalFail
	discoveryActive := s.discoveryActive
	paired := s.paired
	pairedAt := s.pairedAt
	healMismatch := make(map[store.Role]bool, len(s.healUntil))
	for role, until := range s.healUntil {
		if now.Before(until) {
			healMismatch[role] = true
		} else {
			delete(s.healUntil, role)
		}
	}
	s.stateMu.Unlock()

	frame := led.Frame{
		Conflict:        conflict,
		FatalFail:       fatalFail,
		DiscoveryActive: discoveryActive,
		Paired:          paired,
		PairedAt:        pairedAt,
		HealMismatch:    healMismatch,
	}

	if !paired {
		return frame
	}

	states := make(map[store.Role]led.RoleState, len(s.order))
	for _, role := range s.order {
		ep, ok := s.endpoints.Get(role)
		if !ok {
			if s.roleOptional(role) {
				states[role] = led.RoleOptionalMissing
			}
			continue
		}
		if ep.Online(now) {
			states[role] = led.RoleOnline
		} else {
			states[role] = led.RoleOffline
		}
	}
	frame.RoleStates = states
	return frame
}

// roleOptional reports whether role's absence from a completed pairing
// is an accepted outcome (config.BackupOptional / config.AuxOptional,
// per spec.md §7's supplemented original_source behavior) rather than
// an unexpected gap that still earns the recently-missing LED warning.
func (s *Supervisor) roleOptional(role store.Role) bool {
	switch role {
	case store.RoleBackup:
		return s.cfg.BackupOptional
	case store.RoleAuxiliary:
		return s.cfg.AuxOptional
	default:
		return false
	}
}

func (s *Supervisor) logStatusIfDue(frame led.Frame) {
	summary := statusSummary(frame, s.endpoints.Roles())
	now := s.clk.Now()
	if summary == s.lastStatus && now.Sub(s.lastStatusLogAt) < statusLogInterval {
		return
	}
	s.lastStatus = summary
	s.lastStatusLogAt = now
	slog.Info("supervisor: status", "summary", summary, "stats", s.proto.Stats())
}

func statusSummary(frame led.Frame, roles []store.Role) string {
	switch {
	case frame.Conflict:
		return "conflict"
	case frame.FatalFail:
		return "fatal-fail"
	case !frame.Paired:
		return "unpaired"
	}
	online := 0
	for _, r := range roles {
		if frame.RoleStates[r] == led.RoleOnline {
			online++
		}
	}
	return "paired:" + itoa(online) + "/" + itoa(len(roles)) + " online"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

// pollInputs reads every 20Hz-cadence control once and dispatches the
// resulting action, per spec.md §4.9. The encoder is excluded: it runs
// on its own 1kHz poller goroutine (runEncoderPoller) since its
// quadrature edges are far too fast for this tick's cadence.
func (s *Supervisor) pollInputs() {
	if b := s.inputs.Go; b != nil {
		if fired, err := b.Poll(); err != nil {
			slog.Debug("supervisor: go button read failed", "err", err)
		} else if fired {
			s.broadcastAction("go")
		}
	}

	if b := s.inputs.Pause; b != nil {
		if fired, err := b.Poll(); err != nil {
			slog.Debug("supervisor: pause button read failed", "err", err)
		} else if fired {
			s.togglePauseResume()
		}
	}

	if b := s.inputs.Panic; b != nil {
		if fired, err := b.Poll(); err != nil {
			slog.Debug("supervisor: panic button read failed", "err", err)
		} else if fired {
			s.broadcastAction("panic")
		}
	}

	if p := s.inputs.PairSwitch; p != nil {
		ev, err := p.Poll()
		if err != nil {
			slog.Debug("supervisor: pair switch read failed", "err", err)
			return
		}
		s.handlePairEvent(ev)
	}
}

// broadcastAction forwards a cue action to every currently assigned
// role in parallel, per spec.md §1's "forwards operator actions ...
// to all assigned roles in parallel".
func (s *Supervisor) broadcastAction(suffix string) {
	for _, role := range s.endpoints.Roles() {
		ep, ok := s.endpoints.Get(role)
		if !ok {
			continue
		}
		s.proto.SendAction(ep, suffix)
	}
}

func (s *Supervisor) togglePauseResume() {
	for _, role := range s.endpoints.Roles() {
		ep, ok := s.endpoints.Get(role)
		if !ok {
			continue
		}
		s.stateMu.Lock()
		toggled := s.pauseToggled[role]
		s.pauseToggled[role] = !toggled
		s.stateMu.Unlock()

		if toggled {
			s.proto.SendAction(ep, "resume")
		} else {
			s.proto.SendAction(ep, "pause")
		}
	}
}

func (s *Supervisor) handlePairEvent(ev input.PairEvent) {
	switch ev {
	case input.PairHeld:
		s.startTransient(func() { s.forceUnpairAndRepair() })
	case input.PairReleasedShort:
		s.stateMu.Lock()
		alreadyPaired := s.paired
		s.stateMu.Unlock()
		if alreadyPaired {
			s.startTransient(s.healNow)
		} else {
			s.startTransient(s.runPairing)
		}
	}
}

// startTransient runs fn on its own goroutine, refusing to start a
// second concurrent pairing/heal run (spec.md §5's pairing-active
// flag, checked and set atomically under a dedicated mutex).
func (s *Supervisor) startTransient(fn func()) {
	s.pairingMu.Lock()
	if s.pairingActive {
		s.pairingMu.Unlock()
		slog.Debug("supervisor: pairing/heal already in progress, ignoring trigger")
		return
	}
	s.pairingActive = true
	s.pairingMu.Unlock()

	go func() {
		defer func() {
			s.pairingMu.Lock()
			s.pairingActive = false
			s.pairingMu.Unlock()
		}()
		fn()
	}()
}

// runPairing performs discovery and role decision and persists the
// result, per spec.md §4.6/§4.10. NoResponders sets the fatal-fail LED
// pattern; Conflict sets the conflict pattern; either leaves the prior
// pairing record untouched.
func (s *Supervisor) runPairing() {
	runID := uuid.New().String()
	discoverer := remote.NewDiscoverer(s.discovery, s.proto, s.cfg.DiscoveryIP, s.cfg.QLabPort, s.cfg.PiReplyPort,
		time.Duration(s.cfg.DiscoveryWait*float64(time.Second)))

	s.stateMu.Lock()
	s.discoveryActive = true
	s.stateMu.Unlock()

	responders := discoverer.Run(runID)

	s.stateMu.Lock()
	s.discoveryActive = false
	s.stateMu.Unlock()
	suf := remote.RoleSuffixes{
		SuffixMain:       s.cfg.SuffixMain,
		SuffixBackup:     s.cfg.SuffixBackup,
		SuffixAux1:       s.cfg.SuffixAux1,
		ExpectedWSMain:   s.cfg.ExpectedWSMain,
		ExpectedWSBackup: s.cfg.ExpectedWSBackup,
	}
	candidates := remote.BuildCandidates(responders, suf)

	assignment, err := remote.DecideRoles(candidates)
	if err != nil {
		s.stateMu.Lock()
		defer s.stateMu.Unlock()
		var conflictErr *remote.ConflictError
		if errors.As(err, &conflictErr) {
			s.conflict = true
			s.fatalFail = false
			slog.Warn("supervisor: pairing conflict", "run", runID, "reason", conflictErr.Reason)
		} else {
			s.fatalFail = true
			s.conflict = false
			slog.Warn("supervisor: pairing found no responders", "run", runID)
		}
		return
	}

	now := s.clk.Now()
	rec := store.Record{
		Paired:           true,
		PairedAt:         float64(s.clk.Wall().Unix()),
		QLabPort:         s.cfg.QLabPort,
		PiReplyPort:      s.cfg.PiReplyPort,
		ExpectedWSMain:   s.cfg.ExpectedWSMain,
		ExpectedWSBackup: s.cfg.ExpectedWSBackup,
		SuffixMain:       s.cfg.SuffixMain,
		SuffixBackup:     s.cfg.SuffixBackup,
		SuffixAux1:       s.cfg.SuffixAux1,
		Endpoints:        make(map[store.Role]store.EndpointRecord, len(assignment)),
	}
	for role, ep := range assignment {
		rec.Endpoints[role] = store.EndpointRecord{IP: ep.IP, WorkspaceName: ep.WorkspaceName, WorkspaceID: ep.WorkspaceID}
		s.endpoints.Set(role, ep)
		s.proto.EnsureAppFlags(ep.IP, true)
		s.proto.EnsureConnected(ep, s.endpoints, true)
	}

	if err := s.st.Save(rec); err != nil {
		slog.Warn("supervisor: failed to persist pairing record", "run", runID, "err", err)
	}

	s.stateMu.Lock()
	s.conflict = false
	s.fatalFail = false
	s.paired = true
	s.pairedAt = now
	s.stateMu.Unlock()

	slog.Info("supervisor: paired", "run", runID, "roles", len(assignment))
}

// forceUnpairAndRepair clears the persisted pairing record (spec.md
// §7's STARTUP_FORCE_UNPAIR behaviour, here triggered by a pair-button
// hold) and re-runs pairing, per spec.md §4.9.
func (s *Supervisor) forceUnpairAndRepair() {
	s.Unpair()
	s.runPairing()
}

// Unpair clears the persisted pairing record and in-memory assignment
// without attempting to re-pair.
func (s *Supervisor) Unpair() {
	s.endpoints.Clear()
	if err := s.st.Save(store.Record{}); err != nil {
		slog.Warn("supervisor: failed to persist unpair", "err", err)
	}
	s.stateMu.Lock()
	s.paired = false
	s.conflict = false
	s.fatalFail = false
	s.pairedAt = time.Time{}
	s.stateMu.Unlock()
}

// healNow runs the strict, operator-triggered heal-reconcile of
// spec.md §4.7: mismatches are rendered on the affected role's LED for
// HealMismatchHold() without touching the persisted record's pairing
// state.
func (s *Supervisor) healNow() {
	results := s.liveness.HealRoles()
	now := s.clk.Now()

	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	for _, r := range results {
		if r.Mismatch {
			s.healUntil[r.Role] = now.Add(remote.HealMismatchHold())
		}
	}
}
