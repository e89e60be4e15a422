package supervisor

import (
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"cuebox/internal/clock"
	"cuebox/internal/config"
	"cuebox/internal/led"
	"cuebox/internal/remote"
	"cuebox/internal/store"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time  { return f.now }
func (f *fakeClock) Wall() time.Time { return f.now }

type nullDriver struct{}

func (nullDriver) Show(pixels []led.RGB) error { return nil }

func newTestSupervisor(t *testing.T) (*Supervisor, clock.Clock) {
	t.Helper()
	clk := &fakeClock{now: time.Unix(1000, 0)}
	waiters := remote.NewWaiters()
	sender := remote.NewSender()
	proto := remote.NewProtocol(clk, sender, waiters, 53000, 53001, "")
	endpoints := remote.NewEndpoints(clk)
	st := store.New(filepath.Join(t.TempDir(), "state.json"))
	discovery := remote.NewDiscoveryStore()
	suf := remote.RoleSuffixes{SuffixMain: "_main", SuffixBackup: "_backup", SuffixAux1: "_aux1"}
	liveness := remote.NewLiveness(clk, proto, endpoints, st, suf)

	cfg := config.Default()
	deps := Deps{
		Clk:       clk,
		Store:     st,
		Sender:    sender,
		Waiters:   waiters,
		Discovery: discovery,
		Proto:     proto,
		Endpoints: endpoints,
		Liveness:  liveness,
		Driver:    nullDriver{},
	}
	sv := New(cfg, deps, []store.Role{store.RolePrimary, store.RoleBackup, store.RoleAuxiliary})
	return sv, clk
}

func TestBuildFrameUnpaired(t *testing.T) {
	sv, _ := newTestSupervisor(t)
	frame := sv.buildFrame()
	if frame.Paired {
		t.Errorf("expected unpaired frame")
	}
}

func TestBuildFrameConflictTakesPrecedence(t *testing.T) {
	sv, _ := newTestSupervisor(t)
	sv.stateMu.Lock()
	sv.conflict = true
	sv.paired = true
	sv.stateMu.Unlock()

	frame := sv.buildFrame()
	if !frame.Conflict {
		t.Errorf("expected conflict frame")
	}
}

func TestBuildFrameRoleStatesReflectOnlineOffline(t *testing.T) {
	sv, clk := newTestSupervisor(t)
	fc := clk.(*fakeClock)

	sv.endpoints.Set(store.RolePrimary, remote.Endpoint{IP: "10.0.0.1", Role: store.RolePrimary, WorkspaceName: "show_main", WorkspaceID: "id1"})
	sv.endpoints.MarkSeen("10.0.0.1", fc.now)

	sv.stateMu.Lock()
	sv.paired = true
	sv.stateMu.Unlock()

	frame := sv.buildFrame()
	if frame.RoleStates[store.RolePrimary] != led.RoleOnline {
		t.Errorf("primary state = %v, want online", frame.RoleStates[store.RolePrimary])
	}
	if _, ok := frame.RoleStates[store.RoleBackup]; ok {
		t.Errorf("unassigned backup role should not appear in RoleStates")
	}
}

func TestBuildFrameOptionalMissingRoleSkipsWarningWindow(t *testing.T) {
	sv, _ := newTestSupervisor(t)

	sv.stateMu.Lock()
	sv.paired = true
	sv.stateMu.Unlock()

	// AuxOptional defaults true: an unassigned auxiliary role is an
	// accepted outcome, not a warning.
	frame := sv.buildFrame()
	if frame.RoleStates[store.RoleAuxiliary] != led.RoleOptionalMissing {
		t.Errorf("auxiliary state = %v, want RoleOptionalMissing", frame.RoleStates[store.RoleAuxiliary])
	}

	// BackupOptional defaults false: an unassigned backup keeps the
	// existing recently-missing LED treatment (absent from RoleStates).
	if _, ok := frame.RoleStates[store.RoleBackup]; ok {
		t.Errorf("unassigned, non-optional backup role should not appear in RoleStates")
	}
}

func TestBuildFrameHealMismatchExpires(t *testing.T) {
	sv, clk := newTestSupervisor(t)
	fc := clk.(*fakeClock)

	sv.stateMu.Lock()
	sv.paired = true
	sv.healUntil[store.RolePrimary] = fc.now.Add(2 * time.Second)
	sv.stateMu.Unlock()

	frame := sv.buildFrame()
	if !frame.HealMismatch[store.RolePrimary] {
		t.Errorf("expected heal mismatch to be active")
	}

	fc.now = fc.now.Add(3 * time.Second)
	frame = sv.buildFrame()
	if frame.HealMismatch[store.RolePrimary] {
		t.Errorf("expected heal mismatch to have expired")
	}
}

func TestStatusSummaryReflectsCounts(t *testing.T) {
	frame := led.Frame{
		Paired: true,
		RoleStates: map[store.Role]led.RoleState{
			store.RolePrimary: led.RoleOnline,
			store.RoleBackup:  led.RoleOffline,
		},
	}
	got := statusSummary(frame, []store.Role{store.RolePrimary, store.RoleBackup})
	want := "paired:1/2 online"
	if got != want {
		t.Errorf("statusSummary() = %q, want %q", got, want)
	}
}

func TestStartTransientRefusesConcurrentRuns(t *testing.T) {
	sv, _ := newTestSupervisor(t)

	var running int32
	var overlapped int32
	block := make(chan struct{})

	sv.startTransient(func() {
		atomic.AddInt32(&running, 1)
		<-block
	})

	// Give the goroutine a chance to set pairingActive.
	time.Sleep(20 * time.Millisecond)

	sv.startTransient(func() {
		atomic.AddInt32(&overlapped, 1)
	})

	close(block)
	time.Sleep(20 * time.Millisecond)

	if atomic.LoadInt32(&running) != 1 {
		t.Errorf("first transient should have run exactly once")
	}
	if atomic.LoadInt32(&overlapped) != 0 {
		t.Errorf("second transient should have been refused while the first was active")
	}
}

func TestUnpairClearsStateAndPersistsEmptyRecord(t *testing.T) {
	sv, _ := newTestSupervisor(t)
	sv.endpoints.Set(store.RolePrimary, remote.Endpoint{IP: "10.0.0.1", Role: store.RolePrimary, WorkspaceName: "show_main", WorkspaceID: "id1"})
	sv.stateMu.Lock()
	sv.paired = true
	sv.stateMu.Unlock()

	sv.Unpair()

	if _, ok := sv.endpoints.Get(store.RolePrimary); ok {
		t.Errorf("endpoint should be cleared after Unpair")
	}
	rec, err := sv.st.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if rec.Paired {
		t.Errorf("persisted record should not be paired after Unpair")
	}
}
