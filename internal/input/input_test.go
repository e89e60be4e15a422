package input

import (
	"testing"
	"time"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time  { return f.now }
func (f *fakeClock) Wall() time.Time { return f.now }

type fakeLine struct{ level Level }

func (f *fakeLine) Read() (Level, error) { return f.level, nil }

func TestButtonFiresOnRisingEdge(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	line := &fakeLine{level: LevelLow}
	b := NewButton(clk, line, "go")

	if fired, _ := b.Poll(); fired {
		t.Fatalf("should not fire while still low")
	}

	line.level = LevelHigh
	fired, err := b.Poll()
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if !fired {
		t.Errorf("should fire on low->high edge")
	}
}

func TestButtonSuppressesRepeatedFiresWithinEdgeGuard(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	line := &fakeLine{level: LevelLow}
	b := NewButton(clk, line, "go")
	b.Poll()

	line.level = LevelHigh
	fired, _ := b.Poll()
	if !fired {
		t.Fatalf("first edge should fire")
	}

	line.level = LevelLow
	b.Poll()
	line.level = LevelHigh
	clk.now = clk.now.Add(100 * time.Millisecond)
	fired, _ = b.Poll()
	if fired {
		t.Errorf("re-fire within edge guard should be suppressed")
	}

	line.level = LevelLow
	b.Poll()
	line.level = LevelHigh
	clk.now = clk.now.Add(300 * time.Millisecond)
	fired, _ = b.Poll()
	if !fired {
		t.Errorf("re-fire after edge guard elapsed should succeed")
	}
}

func TestEncoderDecodesForwardAndBackward(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	primary := &fakeLine{level: LevelLow}
	second := &fakeLine{level: LevelLow}
	e := NewEncoder(clk, primary, second)
	e.Poll() // establish baseline

	primary.level = LevelHigh
	second.level = LevelLow // second != primary -> forward
	dir, err := e.Poll()
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if dir != DirectionForward {
		t.Errorf("dir = %v, want forward", dir)
	}

	clk.now = clk.now.Add(200 * time.Millisecond)
	primary.level = LevelLow
	second.level = LevelLow // second == primary -> backward
	dir, err = e.Poll()
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if dir != DirectionBackward {
		t.Errorf("dir = %v, want backward", dir)
	}
}

func TestEncoderRejectsSameDirectionRepeatWithinCooldown(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	primary := &fakeLine{level: LevelLow}
	second := &fakeLine{level: LevelLow}
	e := NewEncoder(clk, primary, second)
	e.Poll()

	primary.level = LevelHigh
	second.level = LevelLow // forward
	e.Poll()

	// A second forward pulse well past the glitch window but inside the
	// 120ms cooldown is rejected as a same-direction repeat.
	clk.now = clk.now.Add(50 * time.Millisecond)
	primary.level = LevelLow
	second.level = LevelHigh // still forward (second != primary)
	dir, _ := e.Poll()
	if dir != DirectionNone {
		t.Errorf("dir within cooldown = %v, want none", dir)
	}
}

func TestEncoderAcceptsSameDirectionRepeatPastCooldown(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	primary := &fakeLine{level: LevelLow}
	second := &fakeLine{level: LevelLow}
	e := NewEncoder(clk, primary, second)
	e.Poll()

	primary.level = LevelHigh
	second.level = LevelLow // forward
	e.Poll()

	clk.now = clk.now.Add(encoderCooldown + time.Millisecond)
	primary.level = LevelLow
	second.level = LevelHigh // still forward
	dir, _ := e.Poll()
	if dir != DirectionForward {
		t.Errorf("dir past cooldown = %v, want forward", dir)
	}
}

func TestEncoderRejectsGlitchReversal(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	primary := &fakeLine{level: LevelLow}
	second := &fakeLine{level: LevelLow}
	e := NewEncoder(clk, primary, second)
	e.Poll()

	primary.level = LevelHigh
	second.level = LevelLow // forward
	e.Poll()

	// A reversal arriving well inside the 30ms glitch window (but past
	// no cooldown gate, since reversals use the tighter window) is
	// rejected as contact bounce.
	clk.now = clk.now.Add(10 * time.Millisecond)
	primary.level = LevelLow
	second.level = LevelLow // same as primary -> backward
	dir, _ := e.Poll()
	if dir != DirectionNone {
		t.Errorf("dir on fast reversal = %v, want none (glitch)", dir)
	}
}

func TestEncoderAcceptsReversalPastGlitchWindow(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	primary := &fakeLine{level: LevelLow}
	second := &fakeLine{level: LevelLow}
	e := NewEncoder(clk, primary, second)
	e.Poll()

	primary.level = LevelHigh
	second.level = LevelLow // forward
	e.Poll()

	clk.now = clk.now.Add(encoderGlitch + time.Millisecond)
	primary.level = LevelLow
	second.level = LevelLow // backward, past the glitch window
	dir, _ := e.Poll()
	if dir != DirectionBackward {
		t.Errorf("dir on genuine reversal = %v, want backward", dir)
	}
}

func TestPairSwitchShortPressReleaseWithoutHold(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	line := &fakeLine{level: LevelLow}
	p := NewPairSwitch(clk, line)

	line.level = LevelHigh
	ev, _ := p.Poll()
	if ev != PairPressed {
		t.Fatalf("ev = %v, want PairPressed", ev)
	}

	clk.now = clk.now.Add(500 * time.Millisecond)
	line.level = LevelLow
	ev, _ = p.Poll()
	if ev != PairReleasedShort {
		t.Errorf("ev = %v, want PairReleasedShort", ev)
	}
}

func TestPairSwitchHoldThenRelease(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	line := &fakeLine{level: LevelLow}
	p := NewPairSwitch(clk, line)

	line.level = LevelHigh
	p.Poll()

	clk.now = clk.now.Add(3 * time.Second)
	ev, _ := p.Poll()
	if ev != PairHeld {
		t.Fatalf("ev = %v, want PairHeld", ev)
	}

	// A subsequent poll while still held must not re-fire PairHeld.
	clk.now = clk.now.Add(time.Second)
	ev, _ = p.Poll()
	if ev != PairNone {
		t.Errorf("ev = %v, want PairNone (hold already fired)", ev)
	}

	line.level = LevelLow
	ev, _ = p.Poll()
	if ev != PairReleasedAfterHold {
		t.Errorf("ev = %v, want PairReleasedAfterHold", ev)
	}
}
