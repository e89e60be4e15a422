// Package input implements the physical trigger surface of spec.md
// §4.9: three debounced pushbuttons, a quadrature rotary encoder with
// integrated push ("pair"), and the pair-switch press/hold/release
// state machine.
//
// GPIO access itself is an external collaborator (spec.md §1
// Non-goals): this package consumes a Line abstraction a platform
// driver implements, and owns only the debounce/glitch-rejection and
// event-classification logic above it.
package input

import (
	"sync"
	"time"

	"cuebox/internal/clock"
)

// Level is a raw GPIO pin level.
type Level bool

const (
	LevelLow  Level = false
	LevelHigh Level = true
)

// Line is a single GPIO input pin, read by the poller. The hardware
// driver is expected to apply its own (80ms-class) hardware debounce;
// this package layers its own software edge-guard on top.
type Line interface {
	Read() (Level, error)
}

// Button is a hardware-debounced, software-edge-guarded momentary
// pushbutton. A press is considered active on a high level (pulled-up
// idle wiring is the driver's concern, not this package's).
//
// Hardware debounce (80ms) is assumed already applied by Line; this
// layer enforces a minimum 250ms between repeated fires of the same
// logical key, per spec.md §4.9.
type Button struct {
	clk  clock.Clock
	line Line
	name string

	mu       sync.Mutex
	lastFire time.Time
	lastSeen Level
}

const buttonEdgeGuard = 250 * time.Millisecond

// NewButton constructs a Button that polls line.
func NewButton(clk clock.Clock, line Line, name string) *Button {
	return &Button{clk: clk, line: line, name: name}
}

// Poll reads the line once and reports whether this call observed a
// fresh low->high press edge that survives the edge-guard. Call this
// from a fixed-interval poller (the teacher's pattern of a dedicated
// goroutine sleeping between reads, generalized from single-socket
// polling to pin polling).
func (b *Button) Poll() (fired bool, err error) {
	level, err := b.line.Read()
	if err != nil {
		return false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	wasLow := b.lastSeen == LevelLow
	b.lastSeen = level
	if !(wasLow && level == LevelHigh) {
		return false, nil
	}

	now := b.clk.Now()
	if !b.lastFire.IsZero() && now.Sub(b.lastFire) < buttonEdgeGuard {
		return false, nil
	}
	b.lastFire = now
	return true, nil
}

// Name identifies which logical button this is (advance/pause/panic),
// for logging.
func (b *Button) Name() string { return b.name }

// Direction is the rotary encoder's sense of rotation.
type Direction int

const (
	DirectionNone Direction = iota
	DirectionForward
	DirectionBackward
)

const (
	encoderCooldown = 120 * time.Millisecond
	encoderGlitch   = 30 * time.Millisecond
)

// Encoder decodes a quadrature rotary encoder by polling both channels
// at a fixed interval (1 kHz, per spec.md §4.9): on any change of the
// primary channel it reads the secondary to derive direction. A
// same-direction repeat is gated by a 120ms global cooldown; a
// direction reversal is gated by a tighter 30ms glitch window instead
// (contact bounce on release tends to produce a single spurious
// opposite-direction edge right after a real step, not another
// same-direction repeat).
type Encoder struct {
	clk     clock.Clock
	primary Line
	second  Line

	mu            sync.Mutex
	lastPrimary   Level
	lastFireAt    time.Time
	lastDirection Direction
}

// NewEncoder constructs an Encoder over its two quadrature lines.
func NewEncoder(clk clock.Clock, primary, second Line) *Encoder {
	return &Encoder{clk: clk, primary: primary, second: second}
}

// Poll reads both channels once and returns the decoded direction, or
// DirectionNone if nothing fired, was within cooldown, or was rejected
// as a glitch.
func (e *Encoder) Poll() (Direction, error) {
	primary, err := e.primary.Read()
	if err != nil {
		return DirectionNone, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	changed := primary != e.lastPrimary
	e.lastPrimary = primary
	if !changed {
		return DirectionNone, nil
	}

	second, err := e.second.Read()
	if err != nil {
		return DirectionNone, err
	}

	dir := DirectionForward
	if second == primary {
		dir = DirectionBackward
	}

	now := e.clk.Now()
	if e.lastDirection != DirectionNone && !e.lastFireAt.IsZero() {
		elapsed := now.Sub(e.lastFireAt)
		if dir == e.lastDirection {
			if elapsed < encoderCooldown {
				return DirectionNone, nil
			}
		} else if elapsed < encoderGlitch {
			return DirectionNone, nil
		}
	}

	e.lastFireAt = now
	e.lastDirection = dir
	return dir, nil
}

// PairEvent is one classified transition of the pair switch.
type PairEvent int

const (
	PairNone PairEvent = iota
	PairPressed
	PairHeld
	PairReleasedAfterHold
	PairReleasedShort
)

const pairHoldThreshold = 3 * time.Second

// PairSwitch tracks the push-to-pair control's press/hold/release
// sequence of spec.md §4.9: a press records a timestamp; if held past
// pairHoldThreshold it fires PairHeld exactly once (the caller force-
// unpairs and re-runs pairing); on release, PairReleasedAfterHold is
// reported if a hold already fired (no further action), otherwise
// PairReleasedShort (the caller runs strict heal if paired, else
// pairing).
type PairSwitch struct {
	clk  clock.Clock
	line Line

	mu        sync.Mutex
	pressedAt time.Time
	holdFired bool
	lastLevel Level
}

// NewPairSwitch constructs a PairSwitch over its line.
func NewPairSwitch(clk clock.Clock, line Line) *PairSwitch {
	return &PairSwitch{clk: clk, line: line}
}

// Poll reads the line once and returns the classified event, if any.
// Call at the same cadence as the button poller.
func (p *PairSwitch) Poll() (PairEvent, error) {
	level, err := p.line.Read()
	if err != nil {
		return PairNone, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clk.Now()
	wasLow := p.lastLevel == LevelLow
	p.lastLevel = level

	switch {
	case wasLow && level == LevelHigh:
		p.pressedAt = now
		p.holdFired = false
		return PairPressed, nil

	case level == LevelHigh && !p.pressedAt.IsZero() && !p.holdFired && now.Sub(p.pressedAt) >= pairHoldThreshold:
		p.holdFired = true
		return PairHeld, nil

	case !wasLow && level == LevelLow:
		held := p.holdFired
		p.pressedAt = time.Time{}
		p.holdFired = false
		if held {
			return PairReleasedAfterHold, nil
		}
		return PairReleasedShort, nil
	}

	return PairNone, nil
}
