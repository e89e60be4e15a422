// Package led implements the tick-driven LED compositor of spec.md §4.8:
// per-pixel flash/blink/fade rendering, and the supervisor-level
// precedence that picks each pixel's target sequence from pairing and
// liveness state.
//
// The physical write-pixel/latch interface is an external collaborator
// (spec.md §1 Non-goals); this package renders RGB triples and hands
// them to a Driver at the end of every tick.
package led

import (
	"math"
	"time"

	"cuebox/internal/clock"
	"cuebox/internal/store"
)

// RGB is a pre-dimmed color triple, components in [0, 255].
type RGB struct {
	R, G, B uint8
}

var (
	colorOff    = RGB{0, 0, 0}
	colorBlue   = RGB{0, 0, 255}
	colorGreen  = RGB{0, 255, 0}
	colorRed    = RGB{255, 0, 0}
	colorViolet = RGB{128, 0, 255}
)

const fadeDuration = 250 * time.Millisecond

// Driver is the external collaborator that latches a rendered frame to
// the physical strip. Implementations are expected to be cheap and
// non-blocking; the renderer calls Show once per tick.
type Driver interface {
	Show(pixels []RGB) error
}

// Cell is the per-pixel render state of spec.md §3's LEDCell: steady
// color, blink parameters, flash expiry, and fade bookkeeping.
type Cell struct {
	steady       RGB
	blinkEnabled bool
	halfPeriod   time.Duration

	flashExpiry time.Time // zero means no flash pending
	flashActive bool

	fadeActive bool
	fadeSource RGB
	fadeStart  time.Time

	lastRendered RGB
}

// SetSteady installs a new steady target, optionally blinking at
// halfPeriod. It does not touch any in-flight flash or fade.
func (c *Cell) SetSteady(color RGB, blink bool, halfPeriod time.Duration) {
	c.steady = color
	c.blinkEnabled = blink
	c.halfPeriod = halfPeriod
}

// Flash arms a flash-expiry duration from now, per spec.md §4.8 rule 6.
func (c *Cell) Flash(now time.Time, duration time.Duration) {
	c.flashExpiry = now.Add(duration)
}

// render applies the four-step per-pixel decision of spec.md §4.8 and
// returns the master-dimmed color for this tick.
func (c *Cell) render(now time.Time, dim float64) RGB {
	// Step 1: flash takes priority over everything else.
	if now.Before(c.flashExpiry) {
		c.flashActive = true
		c.lastRendered = colorBlue
		return dimColor(colorBlue, dim)
	}

	// Step 2: flash just ended this tick — arm a fade from where it left off.
	if c.flashActive {
		c.flashActive = false
		c.fadeActive = true
		c.fadeSource = c.lastRendered
		c.fadeStart = now
	}

	// Step 3: compute the blink/steady target.
	target := c.steady
	if c.blinkEnabled && c.halfPeriod > 0 {
		phase := int64(now.UnixNano()/int64(c.halfPeriod)) % 2
		if phase != 0 {
			target = colorOff
		}
	}

	// Step 4: render the fade, if active and not yet complete.
	if c.fadeActive {
		elapsed := now.Sub(c.fadeStart)
		if elapsed < fadeDuration {
			frac := float64(elapsed) / float64(fadeDuration)
			rendered := lerp(c.fadeSource, target, frac)
			c.lastRendered = rendered
			return dimColor(rendered, dim)
		}
		c.fadeActive = false
	}

	c.lastRendered = target
	return dimColor(target, dim)
}

func lerp(a, b RGB, t float64) RGB {
	return RGB{
		R: lerpByte(a.R, b.R, t),
		G: lerpByte(a.G, b.G, t),
		B: lerpByte(a.B, b.B, t),
	}
}

func lerpByte(a, b uint8, t float64) uint8 {
	v := float64(a) + (float64(b)-float64(a))*t
	return clamp255(v)
}

func dimColor(c RGB, dim float64) RGB {
	return RGB{
		R: clamp255(float64(c.R) * dim),
		G: clamp255(float64(c.G) * dim),
		B: clamp255(float64(c.B) * dim),
	}
}

func clamp255(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(math.Round(v))
}

// recentlyMissingWindow is how long after pairing an absent role still
// renders steady red before going dark, per spec.md §4.8 rule 5.
const recentlyMissingWindow = 10 * time.Second

// RoleState is the liveness classification the supervisor feeds the
// renderer for one role, per spec.md §4.8 rule 5.
type RoleState int

const (
	RoleOnline RoleState = iota
	RoleOffline
	RoleAbsent
	// RoleOptionalMissing is a role the supervisor never expected to be
	// assigned (config.BackupOptional / config.AuxOptional), per the
	// "Pairing incomplete (backup/aux manquant)" original behavior: it
	// skips the recentlyMissingWindow red warning and goes dark at once.
	RoleOptionalMissing
)

// Frame is the supervisor's per-tick summary of the state that decides
// color selection, per spec.md §4.8's precedence list.
type Frame struct {
	Conflict        bool
	FatalFail       bool
	DiscoveryActive bool
	Paired          bool
	PairedAt        time.Time

	// RoleStates is nil when unpaired; otherwise it names every assigned
	// role and every optional unassigned one. A pixel role missing from
	// the map is rendered as RoleAbsent.
	RoleStates map[store.Role]RoleState

	// HealMismatch names roles with a pending strict-heal mismatch
	// (spec.md §4.7/§4.8 rule 5's override), each holding for
	// HealMismatchHold from the moment it's set.
	HealMismatch map[store.Role]bool
}

// Renderer owns the three pixel Cells and the master-dim factor, and
// composes one frame per tick per spec.md §4.8.
type Renderer struct {
	clk    clock.Clock
	driver Driver
	dim    float64

	cells map[store.Role]*Cell
	order []store.Role
}

// NewRenderer constructs a Renderer for the given roles, in the pixel
// order they should be latched to the driver.
func NewRenderer(clk clock.Clock, driver Driver, dim float64, order []store.Role) *Renderer {
	cells := make(map[store.Role]*Cell, len(order))
	for _, r := range order {
		cells[r] = &Cell{}
	}
	return &Renderer{clk: clk, driver: driver, dim: dim, cells: cells, order: order}
}

// Flash requests a blue acknowledgement flash lasting duration on role's
// pixel (the supervisor's ack path uses 0.25s), per spec.md §4.8 rule 6.
// No-op if role isn't one of this renderer's pixels.
func (r *Renderer) Flash(role store.Role, duration time.Duration) {
	c, ok := r.cells[role]
	if !ok {
		return
	}
	c.Flash(r.clk.Now(), duration)
}

// Apply selects each pixel's steady/blink target from f per the
// supervisor-level precedence of spec.md §4.8, without yet rendering
// (flash/fade state is preserved across ticks and only resolved in
// Tick).
func (r *Renderer) Apply(f Frame) {
	now := r.clk.Now()

	switch {
	case f.Conflict:
		for _, role := range r.order {
			r.cells[role].SetSteady(colorViolet, false, 0)
		}
		return
	case f.FatalFail:
		for _, role := range r.order {
			r.cells[role].SetSteady(colorRed, false, 0)
		}
		return
	case f.DiscoveryActive:
		for _, role := range r.order {
			r.cells[role].SetSteady(colorBlue, true, 250*time.Millisecond)
		}
		return
	case !f.Paired:
		for _, role := range r.order {
			r.cells[role].SetSteady(colorBlue, true, time.Second)
		}
		return
	}

	for _, role := range r.order {
		if f.HealMismatch[role] {
			r.cells[role].SetSteady(colorRed, false, 0)
			continue
		}

		state, known := f.RoleStates[role]
		if !known {
			state = RoleAbsent
		}
		switch state {
		case RoleOnline:
			r.cells[role].SetSteady(colorGreen, false, 0)
		case RoleOffline:
			r.cells[role].SetSteady(colorRed, true, 500*time.Millisecond)
		case RoleAbsent:
			if !f.PairedAt.IsZero() && now.Sub(f.PairedAt) < recentlyMissingWindow {
				r.cells[role].SetSteady(colorRed, false, 0)
			} else {
				r.cells[role].SetSteady(colorOff, false, 0)
			}
		case RoleOptionalMissing:
			r.cells[role].SetSteady(colorOff, false, 0)
		}
	}
}

// Tick renders every pixel for the current instant and latches the
// frame to the driver, in r.order.
func (r *Renderer) Tick() error {
	now := r.clk.Now()
	pixels := make([]RGB, len(r.order))
	for i, role := range r.order {
		pixels[i] = r.cells[role].render(now, r.dim)
	}
	return r.driver.Show(pixels)
}
