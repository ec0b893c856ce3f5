package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/runtimefilter/rtfilter/internal/rtlog"
)

// UDSConfig configures the Unix-domain-socket reference transport,
// mirroring the teacher's DaemonConfig shape (internal/server/daemon.go).
type UDSConfig struct {
	SocketPath     string
	MaxConcurrency int
	AcceptPoll     time.Duration
}

// UDSTransport broadcasts filter payloads over a Unix domain socket,
// one short-lived connection per Send, framed as a 4-byte big-endian
// length prefix, a 12-byte (fragment instance id, filter id) header,
// and the wire-encoded envelope.
// Adapted from the teacher's UDSDaemon accept loop
// (internal/server/daemon.go): same listen/accept/deadline/shutdown
// structure, repurposed from serving CSV queries to relaying filter
// broadcasts to a local Handler.
type UDSTransport struct {
	config   UDSConfig
	listener net.Listener
	handler  Handler
	sem      chan struct{}
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewUDS creates a transport bound to cfg.SocketPath once Start is
// called. handler is invoked for every complete frame received.
func NewUDS(cfg UDSConfig, handler Handler) *UDSTransport {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 50
	}
	if cfg.AcceptPoll <= 0 {
		cfg.AcceptPoll = time.Second
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = "/tmp/rtfilter.sock"
	}
	return &UDSTransport{
		config:   cfg,
		handler:  handler,
		sem:      make(chan struct{}, cfg.MaxConcurrency),
		shutdown: make(chan struct{}),
	}
}

// Start removes a stale socket file if present, binds the listener,
// and begins accepting connections in the background.
func (t *UDSTransport) Start() error {
	if _, err := os.Stat(t.config.SocketPath); err == nil {
		if err := os.Remove(t.config.SocketPath); err != nil {
			return fmt.Errorf("transport: remove stale socket: %w", err)
		}
	}

	listener, err := net.Listen("unix", t.config.SocketPath)
	if err != nil {
		return fmt.Errorf("transport: bind socket %s: %w", t.config.SocketPath, err)
	}
	t.listener = listener

	go t.acceptLoop()
	return nil
}

func (t *UDSTransport) acceptLoop() {
	for {
		select {
		case <-t.shutdown:
			return
		default:
		}

		if ul, ok := t.listener.(*net.UnixListener); ok {
			_ = ul.SetDeadline(time.Now().Add(t.config.AcceptPoll))
		}

		conn, err := t.listener.Accept()
		if err != nil {
			if opErr, ok := err.(*net.OpError); ok && opErr.Timeout() {
				continue
			}
			select {
			case <-t.shutdown:
				return
			default:
				rtlog.Warnf("transport: accept error: %v", err)
				continue
			}
		}

		t.wg.Add(1)
		go t.handleConn(conn)
	}
}

func (t *UDSTransport) handleConn(conn net.Conn) {
	defer t.wg.Done()
	defer func() { _ = conn.Close() }()

	t.sem <- struct{}{}
	defer func() { <-t.sem }()

	r := bufio.NewReader(conn)
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		frame := make([]byte, n)
		if _, err := io.ReadFull(r, frame); err != nil {
			return
		}
		if len(frame) < 12 {
			rtlog.Warnf("transport: short frame, dropping")
			continue
		}
		fragmentInstanceID := binary.BigEndian.Uint64(frame[0:8])
		filterID := binary.BigEndian.Uint32(frame[8:12])
		if err := t.handler(fragmentInstanceID, filterID, frame[12:]); err != nil {
			rtlog.Warnf("transport: handler error: %v", err)
		}
	}
}

// Send dials endpoint as a Unix socket path, frames the payload with a
// (fragmentInstanceID, filterID, payload) header, and writes it. Each
// Send opens and closes its own connection -- broadcasts are
// infrequent enough per query that connection reuse is not worth the
// bookkeeping (spec §6 distribution happens once per filter per
// consumer fragment).
func (t *UDSTransport) Send(endpoint string, fragmentInstanceID uint64, filterID uint32, payload []byte) error {
	conn, err := net.Dial("unix", endpoint)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", endpoint, err)
	}
	defer func() { _ = conn.Close() }()

	frame := make([]byte, 12+len(payload))
	binary.BigEndian.PutUint64(frame[0:8], fragmentInstanceID)
	binary.BigEndian.PutUint32(frame[8:12], filterID)
	copy(frame[12:], payload)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("transport: write length prefix to %s: %w", endpoint, err)
	}
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("transport: write frame to %s: %w", endpoint, err)
	}
	return nil
}

// Shutdown stops accepting new connections, waits for in-flight ones
// to drain, and removes the socket file.
func (t *UDSTransport) Shutdown() {
	close(t.shutdown)
	if t.listener != nil {
		_ = t.listener.Close()
	}
	t.wg.Wait()
	_ = os.Remove(t.config.SocketPath)
}
