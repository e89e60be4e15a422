package remote

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"cuebox/internal/clock"
)

const (
	pathWorkspaces   = "/workspaces"
	pathUDPReplyPort = "/udpReplyPort"
	pathAlwaysReply  = "/alwaysReply"
	pathForgetMeNot  = "/forgetMeNot"

	flagsThrottle   = 10 * time.Second
	connectThrottle = 6 * time.Second
	thumpThrottle   = 2 * time.Second

	workspacesTimeout = 900 * time.Millisecond
	connectTimeout    = 700 * time.Millisecond
)

// Protocol composes the re-prime / list-workspaces / connect / heartbeat
// request sequences named in spec.md §4.5, on top of a Sender and
// Waiters. Per-address throttle timestamps are explicit fields on this
// struct rather than mutable default parameters (Design Notes §9).
type Protocol struct {
	clk     clock.Clock
	sender  *Sender
	waiters *Waiters

	remotePort int
	replyPort  int
	passcode   string

	mu          sync.Mutex
	lastFlagsAt map[string]time.Time
	lastConnAt  map[string]time.Time
	lastThumpAt map[string]time.Time

	stats *StatsRegistry
}

// NewProtocol constructs a Protocol. remotePort is the cue application's
// listen port (default 53000); replyPort is this controller's listen
// port (default 53001), advertised to the remote via /udpReplyPort.
func NewProtocol(clk clock.Clock, sender *Sender, waiters *Waiters, remotePort, replyPort int, passcode string) *Protocol {
	return &Protocol{
		clk:         clk,
		sender:      sender,
		waiters:     waiters,
		remotePort:  remotePort,
		replyPort:   replyPort,
		passcode:    passcode,
		lastFlagsAt: make(map[string]time.Time),
		lastConnAt:  make(map[string]time.Time),
		lastThumpAt: make(map[string]time.Time),
		stats:       NewStatsRegistry(),
	}
}

// Stats returns the timing registry for the supervisor's periodic
// status line: RequestWorkspaces and ConnectEndpoint sample their reply
// round trips; ThumpFire samples the interval between successive
// /thump sends to an (ip, wsid), not a round trip.
func (p *Protocol) Stats() *StatsRegistry { return p.stats }

// EnsureAppFlags primes ip to talk back: reply-port, always-reply, and
// don't-forget-me. Throttled to once per 10s per address unless force is
// set, per spec.md §4.5.
func (p *Protocol) EnsureAppFlags(ip string, force bool) {
	p.mu.Lock()
	last, ok := p.lastFlagsAt[ip]
	now := p.clk.Now()
	if !force && ok && now.Sub(last) < flagsThrottle {
		p.mu.Unlock()
		return
	}
	p.lastFlagsAt[ip] = now
	p.mu.Unlock()

	p.sender.SendApp(ip, p.remotePort, pathUDPReplyPort, p.replyPort)
	p.sender.SendApp(ip, p.remotePort, pathAlwaysReply, 1)
	p.sender.SendApp(ip, p.remotePort, pathForgetMeNot, 1)
}

// ParseWorkspaces builds a display-name -> identifier map from a
// {status:"ok", data:[workspace...]} envelope, per spec.md §4.5 and §6.
// Name comparison strips .qlab5/.qlab4 suffixes to produce the key.
func ParseWorkspaces(env Envelope) map[string]string {
	out := make(map[string]string)
	if !env.IsOK() || len(env.Data) == 0 {
		return out
	}

	var entries []workspaceEntry
	if err := json.Unmarshal(env.Data, &entries); err != nil {
		return out
	}

	for _, e := range entries {
		name := stripWorkspaceSuffix(e.name())
		id := e.id()
		if name == "" || id == "" {
			continue
		}
		out[name] = id
	}
	return out
}

func stripWorkspaceSuffix(name string) string {
	for _, suf := range []string{".qlab5", ".qlab4"} {
		if strings.HasSuffix(name, suf) {
			return strings.TrimSuffix(name, suf)
		}
	}
	return name
}

// RequestWorkspaces arms the workspaces waiter for ip, sends /workspaces,
// waits up to workspacesTimeout, and returns the parsed envelope, or
// false if no reply arrived in time.
func (p *Protocol) RequestWorkspaces(ip string) (Envelope, bool) {
	key := WorkspacesKey(ip)
	ch := p.waiters.Arm(key)
	start := p.clk.Now()

	p.sender.SendApp(ip, p.remotePort, pathWorkspaces)

	select {
	case <-ch:
		payload, ok := p.waiters.Pop(key)
		if !ok {
			return Envelope{}, false
		}
		p.stats.Workspaces.Sample(p.clk.Now().Sub(start))
		return payload.Envelope, true
	case <-time.After(workspacesTimeout):
		p.waiters.Cleanup(key)
		return Envelope{}, false
	}
}

// ConnectEndpoint arms the connect waiter for (ep.IP, ep.WorkspaceID),
// sends /workspace/<wsid>/connect (with passcode if configured), and
// reports whether an "ok" reply arrived within connectTimeout. On
// success it also marks the endpoint's last-seen timestamp, per spec.md
// §4.5.
func (p *Protocol) ConnectEndpoint(ep Endpoint, endpoints *Endpoints) bool {
	key := ConnectKey(ep.IP, ep.WorkspaceID)
	ch := p.waiters.Arm(key)
	start := p.clk.Now()

	if p.passcode != "" {
		p.sender.SendWorkspace(ep.IP, p.remotePort, ep.WorkspaceID, "connect", p.passcode)
	} else {
		p.sender.SendWorkspace(ep.IP, p.remotePort, ep.WorkspaceID, "connect")
	}

	select {
	case <-ch:
		payload, ok := p.waiters.Pop(key)
		if !ok {
			return false
		}
		if payload.Envelope.IsOK() {
			p.stats.Connect.Sample(p.clk.Now().Sub(start))
			endpoints.MarkSeen(ep.IP, p.clk.Now())
			return true
		}
		return false
	case <-time.After(connectTimeout):
		p.waiters.Cleanup(key)
		return false
	}
}

// EnsureConnected performs a throttled (6s) connect attempt; on failure
// it force re-primes flags and retries once, per spec.md §4.5.
func (p *Protocol) EnsureConnected(ep Endpoint, endpoints *Endpoints, force bool) bool {
	p.mu.Lock()
	last, ok := p.lastConnAt[ep.IP]
	now := p.clk.Now()
	if !force && ok && now.Sub(last) < connectThrottle {
		p.mu.Unlock()
		return false
	}
	p.lastConnAt[ep.IP] = now
	p.mu.Unlock()

	if p.ConnectEndpoint(ep, endpoints) {
		return true
	}

	p.EnsureAppFlags(ep.IP, true)
	return p.ConnectEndpoint(ep, endpoints)
}

// ThumpFire re-primes flags (throttled) and re-connects (throttled),
// then — at most once per 2s per (ip, wsid) — sends
// /workspace/<wsid>/thump. Called from the supervisor every LED tick for
// each assigned endpoint, per spec.md §4.7.
func (p *Protocol) ThumpFire(ep Endpoint, endpoints *Endpoints) {
	p.EnsureAppFlags(ep.IP, false)
	p.EnsureConnected(ep, endpoints, false)

	key := ep.IP + ":" + ep.WorkspaceID
	p.mu.Lock()
	last, ok := p.lastThumpAt[key]
	now := p.clk.Now()
	if ok && now.Sub(last) < thumpThrottle {
		p.mu.Unlock()
		return
	}
	p.lastThumpAt[key] = now
	p.mu.Unlock()

	if ok {
		p.stats.Thump.Sample(now.Sub(last))
	}
	p.sender.SendWorkspace(ep.IP, p.remotePort, ep.WorkspaceID, "thump")
}

// SendAction fires a cue-playback action (go/pause/resume/panic/select)
// to ep, fire-and-forget per spec.md §1 Non-goals (no replay of missed
// actions).
func (p *Protocol) SendAction(ep Endpoint, suffix string) {
	p.sender.SendWorkspace(ep.IP, p.remotePort, ep.WorkspaceID, suffix)
}
