package led

import (
	"testing"
	"time"

	"cuebox/internal/store"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time  { return f.now }
func (f *fakeClock) Wall() time.Time { return f.now }

type recordingDriver struct {
	frames [][]RGB
}

func (d *recordingDriver) Show(pixels []RGB) error {
	cp := make([]RGB, len(pixels))
	copy(cp, pixels)
	d.frames = append(d.frames, cp)
	return nil
}

func TestCellBlinkTogglesOnHalfPeriodParity(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	c := &Cell{}
	c.SetSteady(colorGreen, true, 500*time.Millisecond)

	// floor(0/500ms) = 0, even -> steady.
	got := c.render(clk.now, 1.0)
	if got != colorGreen {
		t.Errorf("tick 0: got %+v, want steady green", got)
	}

	// floor(500ms/500ms) = 1, odd -> off.
	clk.now = clk.now.Add(500 * time.Millisecond)
	got = c.render(clk.now, 1.0)
	if got != colorOff {
		t.Errorf("tick 1: got %+v, want off", got)
	}

	// floor(1000ms/500ms) = 2, even -> steady again.
	clk.now = clk.now.Add(500 * time.Millisecond)
	got = c.render(clk.now, 1.0)
	if got != colorGreen {
		t.Errorf("tick 2: got %+v, want steady green", got)
	}
}

func TestCellFlashThenFadeThenSteady(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	c := &Cell{}
	c.SetSteady(colorGreen, false, 0)
	c.Flash(clk.now, 250*time.Millisecond)

	// During the flash window: blue.
	for _, ms := range []int{0, 100, 249} {
		clk.now = time.Unix(0, 0).Add(time.Duration(ms) * time.Millisecond)
		got := c.render(clk.now, 1.0)
		if got != colorBlue {
			t.Errorf("at %dms: got %+v, want blue", ms, got)
		}
	}

	// Just past the flash: the fade arms on this tick (frac 0 -> blue).
	clk.now = time.Unix(0, 0).Add(260 * time.Millisecond)
	if got := c.render(clk.now, 1.0); got != colorBlue {
		t.Errorf("fade-arm tick color = %+v, want blue (frac 0)", got)
	}

	// Partway through the fade window: neither pure blue nor pure green.
	clk.now = clk.now.Add(fadeDuration / 2)
	mid := c.render(clk.now, 1.0)
	if mid == colorBlue || mid == colorGreen {
		t.Errorf("mid-fade color = %+v, want an interpolated value", mid)
	}

	// After the fade completes (fade-arm tick + fadeDuration), steady green.
	clk.now = time.Unix(0, 0).Add(260*time.Millisecond + fadeDuration + time.Millisecond)
	got := c.render(clk.now, 1.0)
	if got != colorGreen {
		t.Errorf("post-fade color = %+v, want steady green", got)
	}
}

func TestDimColorScalesMultiplicatively(t *testing.T) {
	got := dimColor(RGB{200, 100, 50}, 0.5)
	want := RGB{100, 50, 25}
	if got != want {
		t.Errorf("dimColor = %+v, want %+v", got, want)
	}
}

func TestRendererPrecedenceConflictBeatsEverything(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	driver := &recordingDriver{}
	r := NewRenderer(clk, driver, 1.0, []store.Role{store.RolePrimary, store.RoleBackup})

	r.Apply(Frame{
		Conflict: true,
		Paired:   true,
		RoleStates: map[store.Role]RoleState{
			store.RolePrimary: RoleOnline,
		},
	})
	if err := r.Tick(); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	frame := driver.frames[len(driver.frames)-1]
	for i, px := range frame {
		if px != colorViolet {
			t.Errorf("pixel %d = %+v, want violet under conflict", i, px)
		}
	}
}

func TestRendererUnpairedIsSlowBlueBlink(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	driver := &recordingDriver{}
	r := NewRenderer(clk, driver, 1.0, []store.Role{store.RolePrimary})

	r.Apply(Frame{Paired: false})
	if err := r.Tick(); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if driver.frames[0][0] != colorBlue {
		t.Errorf("unpaired pixel = %+v, want blue", driver.frames[0][0])
	}
}

func TestRendererRoleOfflineIsRedBlinking(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	driver := &recordingDriver{}
	r := NewRenderer(clk, driver, 1.0, []store.Role{store.RolePrimary})

	r.Apply(Frame{
		Paired:     true,
		RoleStates: map[store.Role]RoleState{store.RolePrimary: RoleOffline},
	})
	r.Tick()
	if driver.frames[0][0] != colorRed {
		t.Errorf("offline role at phase 0 = %+v, want red", driver.frames[0][0])
	}
}

func TestRendererAbsentRoleRecentlyMissingIsSteadyRed(t *testing.T) {
	clk := &fakeClock{now: time.Unix(100, 0)}
	driver := &recordingDriver{}
	r := NewRenderer(clk, driver, 1.0, []store.Role{store.RoleAuxiliary})

	r.Apply(Frame{
		Paired:     true,
		PairedAt:   time.Unix(95, 0),
		RoleStates: map[store.Role]RoleState{},
	})
	r.Tick()
	if driver.frames[0][0] != colorRed {
		t.Errorf("recently-missing absent role = %+v, want red", driver.frames[0][0])
	}
}

func TestRendererAbsentRoleAfterWindowIsOff(t *testing.T) {
	clk := &fakeClock{now: time.Unix(200, 0)}
	driver := &recordingDriver{}
	r := NewRenderer(clk, driver, 1.0, []store.Role{store.RoleAuxiliary})

	r.Apply(Frame{
		Paired:     true,
		PairedAt:   time.Unix(95, 0),
		RoleStates: map[store.Role]RoleState{},
	})
	r.Tick()
	if driver.frames[0][0] != colorOff {
		t.Errorf("long-missing absent role = %+v, want off", driver.frames[0][0])
	}
}

func TestRendererHealMismatchOverridesOnline(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	driver := &recordingDriver{}
	r := NewRenderer(clk, driver, 1.0, []store.Role{store.RolePrimary})

	r.Apply(Frame{
		Paired:       true,
		RoleStates:   map[store.Role]RoleState{store.RolePrimary: RoleOnline},
		HealMismatch: map[store.Role]bool{store.RolePrimary: true},
	})
	r.Tick()
	if driver.frames[0][0] != colorRed {
		t.Errorf("heal-mismatch role = %+v, want red despite being online", driver.frames[0][0])
	}
}

func TestRendererOptionalMissingIsSteadyOffEvenWithinWindow(t *testing.T) {
	clk := &fakeClock{now: time.Unix(100, 0)}
	driver := &recordingDriver{}
	r := NewRenderer(clk, driver, 1.0, []store.Role{store.RoleAuxiliary})

	r.Apply(Frame{
		Paired:     true,
		PairedAt:   time.Unix(95, 0), // well inside recentlyMissingWindow
		RoleStates: map[store.Role]RoleState{store.RoleAuxiliary: RoleOptionalMissing},
	})
	r.Tick()
	if driver.frames[0][0] != colorOff {
		t.Errorf("optional-missing role = %+v, want off despite being within the recently-missing window", driver.frames[0][0])
	}
}

func TestRendererFlashRequestsBlueOnAckedRole(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	driver := &recordingDriver{}
	r := NewRenderer(clk, driver, 1.0, []store.Role{store.RolePrimary})

	r.Apply(Frame{Paired: true, RoleStates: map[store.Role]RoleState{store.RolePrimary: RoleOnline}})
	r.Flash(store.RolePrimary, 250*time.Millisecond)
	r.Tick()
	if driver.frames[0][0] != colorBlue {
		t.Errorf("flashed role = %+v, want blue", driver.frames[0][0])
	}
}
