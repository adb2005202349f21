//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Poller provides a goroutine-per-connection fallback for non-Linux
// platforms. On Linux this is replaced by the real epoll implementation. The
// fallback lets developers on macOS/Windows run the server without the epoll
// optimization.
type Poller struct {
	mu      sync.RWMutex
	conns   map[net.Conn]struct{}
	readyCh chan net.Conn // connections with pending data
	done    chan struct{}
}

// NewPoller creates a new fallback poller that uses goroutines to monitor
// each connection for incoming data.
func NewPoller() (*Poller, error) {
	return &Poller{
		conns:   make(map[net.Conn]struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add registers a connection by spawning a goroutine that blocks on a 1-byte
// read. When data arrives, the connection is sent to the ready channel for
// processing by Wait.
func (p *Poller) Add(conn net.Conn) error {
	p.mu.Lock()
	p.conns[conn] = struct{}{}
	p.mu.Unlock()

	go p.monitor(conn)
	return nil
}

// monitor blocks reading a single byte from the connection to detect when
// data is available. It continuously signals readiness until the connection
// is removed or the poller is closed.
func (p *Poller) monitor(conn net.Conn) {
	buf := make([]byte, 1)
	for {
		_, err := conn.Read(buf)
		if err != nil {
			// Closed or errored. Signal readiness so the server's read path
			// detects the closure.
			select {
			case p.readyCh <- conn:
			case <-p.done:
			}
			return
		}

		// Data is available. One byte was consumed, which the fallback
		// tolerates; the real epoll path on Linux does not consume any bytes.
		select {
		case p.readyCh <- conn:
		case <-p.done:
			return
		}
	}
}

// Remove unregisters a connection from the fallback poller.
func (p *Poller) Remove(conn net.Conn) error {
	p.mu.Lock()
	delete(p.conns, conn)
	p.mu.Unlock()
	return nil
}

// Wait blocks until at least one connection is ready for reading. It collects
// all currently ready connections from the channel and returns them.
func (p *Poller) Wait() ([]net.Conn, error) {
	first, ok := <-p.readyCh
	if !ok {
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}

	// Drain any additional ready connections without blocking.
	for {
		select {
		case conn := <-p.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback poller.
func (p *Poller) Close() error {
	close(p.done)
	p.mu.Lock()
	p.conns = nil
	p.mu.Unlock()
	return nil
}

// socketFD is a no-op on non-Linux platforms; the goroutine fallback does not
// need file descriptors.
func socketFD(conn net.Conn) int {
	return -1
}
