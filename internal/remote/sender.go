package remote

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
)

// sendQueueCapacity is the bounded FIFO depth of the outbound send
// worker, per spec.md §4.2.
const sendQueueCapacity = 1000

// sendJob is one (address, path, argument) tuple awaiting transmission.
type sendJob struct {
	addr string
	port int
	path string
	args []any
}

// Sender serializes every outbound datagram through a single worker
// goroutine, per spec.md §4.2 and §5: input callbacks enqueue and return
// immediately, no caller blocks on network I/O.
type Sender struct {
	queue chan sendJob
	done  chan struct{}

	mu      sync.Mutex
	clients map[string]*net.UDPConn
}

// NewSender constructs a Sender. Call Run in its own goroutine to start
// draining the queue.
func NewSender() *Sender {
	return &Sender{
		queue:   make(chan sendJob, sendQueueCapacity),
		done:    make(chan struct{}),
		clients: make(map[string]*net.UDPConn),
	}
}

// Run drains the queue until Stop is called. Intended to run in its own
// goroutine for the lifetime of the process.
func (s *Sender) Run() {
	for {
		select {
		case job := <-s.queue:
			s.deliver(job)
		case <-s.done:
			return
		}
	}
}

// Stop terminates Run.
func (s *Sender) Stop() {
	close(s.done)
}

// enqueue is a non-blocking send into the bounded queue; overflow drops
// the message and logs a warning, per spec.md §4.2.
func (s *Sender) enqueue(job sendJob) {
	select {
	case s.queue <- job:
	default:
		slog.Warn("remote: send queue full, dropping message", "addr", job.addr, "path", job.path)
	}
}

// SendApp enqueues a message to the remote's application namespace.
func (s *Sender) SendApp(ip string, port int, path string, args ...any) {
	s.enqueue(sendJob{addr: ip, port: port, path: path, args: args})
}

// SendWorkspace enqueues a message to /workspace/<wsid>/<suffix>,
// normalizing doubled slashes per spec.md §4.2.
func (s *Sender) SendWorkspace(ip string, port int, wsid, suffix string, args ...any) {
	path := normalizeSlashes(fmt.Sprintf("/workspace/%s/%s", wsid, suffix))
	s.enqueue(sendJob{addr: ip, port: port, path: path, args: args})
}

func normalizeSlashes(path string) string {
	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}
	return path
}

// deliver transmits job over a lazily-created, process-lifetime UDP
// client for its destination address. Errors are logged at debug and
// swallowed, per spec.md §4.2 (TransientNetwork, §7).
func (s *Sender) deliver(job sendJob) {
	conn, err := s.clientFor(job.addr, job.port)
	if err != nil {
		slog.Debug("remote: dial failed", "addr", job.addr, "err", err)
		return
	}

	msg := EncodeRequest(job.path, job.args...)
	if _, err := conn.Write(msg); err != nil {
		slog.Debug("remote: write failed", "addr", job.addr, "path", job.path, "err", err)
	}
}

func (s *Sender) clientFor(ip string, port int) (*net.UDPConn, error) {
	key := fmt.Sprintf("%s:%d", ip, port)

	s.mu.Lock()
	defer s.mu.Unlock()

	if conn, ok := s.clients[key]; ok {
		return conn, nil
	}

	addr, err := net.ResolveUDPAddr("udp4", key)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		return nil, err
	}
	s.clients[key] = conn
	return conn, nil
}

// Broadcast sends a single one-shot datagram to bcastIP:port with the
// broadcast socket option enabled, bypassing the serialized worker
// entirely (it creates its own ephemeral socket), per spec.md §4.2.
func Broadcast(bcastIP string, port int, path string, args ...any) error {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return err
	}
	defer conn.Close()

	if pc, ok := conn.(*net.UDPConn); ok {
		if err := setBroadcast(pc); err != nil {
			slog.Debug("remote: enabling broadcast failed", "err", err)
		}
	}

	dst, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", bcastIP, port))
	if err != nil {
		return err
	}

	msg := EncodeRequest(path, args...)
	_, err = conn.WriteTo(msg, dst)
	return err
}
