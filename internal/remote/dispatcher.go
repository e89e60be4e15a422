package remote

import (
	"encoding/json"
	"log/slog"
	"net"
	"strings"
	"time"

	"cuebox/internal/clock"
	"cuebox/internal/store"
)

// ackSuffixes is the set of inner-address suffixes whose "ok" reply
// triggers the acknowledgement callback, per spec.md §4.4 rule 4.
var ackSuffixes = []string{"/go", "/panic", "/stop", "/pause", "/resume", "/select/next", "/select/previous"}

// AckFunc is invoked when an action reply is acknowledged by a given
// role. Passed into the dispatcher at construction (Design Notes: avoid
// a process-wide callback variable).
type AckFunc func(role store.Role, action string)

// Listener owns the single shared inbound UDP socket and routes every
// datagram through Dispatch, per spec.md §4.4 and §5 (one thread parking
// on recvfrom, dispatching inline).
type Listener struct {
	clk       clock.Clock
	waiters   *Waiters
	discovery *DiscoveryStore
	endpoints *Endpoints
	onAck     AckFunc

	conn *net.UDPConn
	done chan struct{}
}

// NewListener constructs a Listener bound to ip:port. Call Run in its own
// goroutine to begin serving.
func NewListener(clk clock.Clock, ip string, port int, waiters *Waiters, discovery *DiscoveryStore, endpoints *Endpoints, onAck AckFunc) (*Listener, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(ip), Port: port}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{
		clk:       clk,
		waiters:   waiters,
		discovery: discovery,
		endpoints: endpoints,
		onAck:     onAck,
		conn:      conn,
		done:      make(chan struct{}),
	}, nil
}

// Run blocks, reading datagrams and dispatching them inline until Stop is
// called.
func (l *Listener) Run() {
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-l.done:
			return
		default:
		}

		l.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-l.done:
				return
			default:
				slog.Debug("remote: read error", "err", err)
				continue
			}
		}

		l.dispatchRaw(addr.IP.String(), buf[:n])
	}
}

// Stop closes the listener and terminates Run.
func (l *Listener) Stop() {
	close(l.done)
	l.conn.Close()
}

// dispatchRaw decodes an incoming datagram as {address, args:[argString]}
// (the mirror of EncodeRequest's wire stand-in) and, if the single string
// argument decodes as an Envelope, routes it per Dispatch.
func (l *Listener) dispatchRaw(srcIP string, raw []byte) {
	outerAddr, arg, ok := decodeIncoming(raw)
	if !ok {
		return
	}

	env, ok := decodeEnvelope(arg)
	if !ok {
		return
	}

	l.Dispatch(srcIP, outerAddr, env)
}

// Dispatch applies the routing rules of spec.md §4.4, in order, on the
// first match. outerAddr is the envelope address the datagram itself was
// sent to (e.g. "/reply/workspaces"); env.Address is the inner "address"
// field naming the original request path being replied to.
func (l *Listener) Dispatch(srcIP, outerAddr string, env Envelope) {
	now := l.clk.Now()

	// Rule 1: workspaces reply.
	if strings.HasPrefix(outerAddr, "/reply/workspaces") || env.Address == "/workspaces" {
		l.waiters.Set(WorkspacesKey(srcIP), Payload{Envelope: env, FromIP: srcIP})
		l.discovery.Upsert(srcIP, env)
		return
	}

	// Rule 2: connect reply.
	if strings.HasSuffix(env.Address, "/connect") && env.WorkspaceID != "" {
		l.waiters.Set(ConnectKey(srcIP, env.WorkspaceID), Payload{Envelope: env, FromIP: srcIP})
		if env.IsOK() {
			l.endpoints.MarkSeen(srcIP, now)
		}
		return
	}

	// Rule 3: thump (heartbeat) reply.
	if strings.HasSuffix(env.Address, "/thump") && env.IsOK() {
		l.endpoints.MarkSeen(srcIP, now)
		return
	}

	// Rule 4: cue-action acknowledgement.
	if env.IsOK() && hasAckSuffix(env.Address) {
		l.endpoints.MarkSeen(srcIP, now)
		role, ok := l.endpoints.RoleForAddr(srcIP)
		if !ok {
			// Per spec.md §9 Open Questions: an address outside the role
			// map is silently ignored at info level, logged at debug so
			// it's visible without being alarming.
			slog.Debug("remote: ack from unknown address", "ip", srcIP, "address", env.Address)
			return
		}
		if l.onAck != nil {
			l.onAck(role, env.Address)
		}
		return
	}
}

func hasAckSuffix(addr string) bool {
	for _, suf := range ackSuffixes {
		if strings.HasSuffix(addr, suf) {
			return true
		}
	}
	return false
}

// decodeIncoming mirrors EncodeRequest's wire stand-in: {"address":...,
// "args":[...]}, picking out the single string argument.
func decodeIncoming(raw []byte) (address string, arg string, ok bool) {
	if len(raw) > maxPayloadBytes {
		return "", "", false
	}

	var msg struct {
		Address string `json:"address"`
		Args    []any  `json:"args"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return "", "", false
	}
	if len(msg.Args) != 1 {
		return "", "", false
	}
	s, isString := msg.Args[0].(string)
	if !isString {
		return "", "", false
	}
	return msg.Address, s, true
}
