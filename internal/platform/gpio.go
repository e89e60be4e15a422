// Package platform adapts the physical GPIO/LED hardware to the
// input.Line and led.Driver interfaces. It is the one place this
// module imports a hardware-facing library, kept thin and swappable
// (spec.md §1: the LED driver and GPIO primitives are external
// collaborators).
package platform

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"cuebox/internal/input"
)

// InitHost loads periph's platform drivers. Call once at process
// start before OpenLine/OpenWS2812. Returns HardwareMissing-class
// errors (spec.md §7) the caller is expected to log and continue past
// with GPIO/LED subsystems disabled, never abort the daemon.
func InitHost() error {
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("platform: host init: %w", err)
	}
	return nil
}

// Line adapts a periph gpio.PinIO to input.Line.
type Line struct {
	pin gpio.PinIO
}

// OpenLine resolves a BCM pin number to an input.Line, configuring it
// as a pulled-down digital input (idle low, active high on press).
func OpenLine(bcm int) (*Line, error) {
	pin := gpioreg.ByName(fmt.Sprintf("GPIO%d", bcm))
	if pin == nil {
		return nil, fmt.Errorf("platform: no such GPIO pin %d", bcm)
	}
	if err := pin.In(gpio.PullDown, gpio.BothEdges); err != nil {
		return nil, fmt.Errorf("platform: configure GPIO%d as input: %w", bcm, err)
	}
	return &Line{pin: pin}, nil
}

// Read satisfies input.Line.
func (l *Line) Read() (input.Level, error) {
	return input.Level(l.pin.Read() == gpio.High), nil
}
