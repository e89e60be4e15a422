package remote

import (
	"fmt"
	"sync"
	"time"
)

// LatencyStats maintains per-call-kind statistics (min/mean/max
// duration) for the round-trip of a request/reply pair, adapted from
// the teacher's lwl.LatencyStats for the reply-waiter round trips of
// RequestWorkspaces and ConnectEndpoint.
type LatencyStats struct {
	mu    sync.RWMutex
	name  string // identifies the stat set in String()
	count int64
	total time.Duration
	min   time.Duration
	max   time.Duration
}

// NewLatencyStats returns a *LatencyStats.
//
// Returns a pointer-owned struct to prevent its mutex getting copied
// when passed around (e.g. stored in a map).
func NewLatencyStats(name string) *LatencyStats {
	return &LatencyStats{name: name}
}

// Sample records one observed round-trip duration.
func (l *LatencyStats) Sample(t time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.count++
	l.total += t
	if l.min == 0 || l.min > t {
		l.min = t
	}
	if t > l.max {
		l.max = t
	}
}

func (l *LatencyStats) String() string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var mean time.Duration
	if l.count > 0 {
		mean = time.Duration(l.total.Nanoseconds() / l.count)
	}
	return fmt.Sprintf(
		`
%s:
  Samples: %v
      Max: %v
     Mean: %v
      Min: %v
`,
		l.name,
		l.count,
		l.max,
		mean,
		l.min,
	)
}

// StatsRegistry groups the fixed set of timing stats a Protocol
// tracks (two reply round trips plus the thump send interval), so the supervisor's periodic status line (spec.md §4.10 step
// e) can report them without each call site wiring its own LatencyStats.
type StatsRegistry struct {
	Workspaces *LatencyStats
	Connect    *LatencyStats
	Thump      *LatencyStats
}

// NewStatsRegistry constructs a StatsRegistry with its three named
// LatencyStats ready to sample.
func NewStatsRegistry() *StatsRegistry {
	return &StatsRegistry{
		Workspaces: NewLatencyStats("workspaces"),
		Connect:    NewLatencyStats("connect"),
		Thump:      NewLatencyStats("thump"),
	}
}
