//go:build !linux

package ws

import (
	"bufio"
	"errors"
	"net"
	"sync"
)

var errNotWrapped = errors.New("ws: connection was not wrapped before Add")

// peekConn lets the fallback poller detect pending data with Peek, leaving
// the bytes buffered for the frame reader.
type peekConn struct {
	net.Conn
	br    *bufio.Reader
	rearm chan struct{}
}

func (c *peekConn) Read(p []byte) (int, error) { return c.br.Read(p) }

// Epoll is a goroutine-per-connection stand-in for epoll on platforms
// without it, so the server runs unchanged on macOS and Windows during
// development.
type Epoll struct {
	mu      sync.RWMutex
	conns   map[net.Conn]struct{}
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Wrap must be applied before Add; the server reads through the wrapper.
func (e *Epoll) Wrap(conn net.Conn) net.Conn {
	return &peekConn{Conn: conn, br: bufio.NewReader(conn), rearm: make(chan struct{}, 1)}
}

func (e *Epoll) Add(conn net.Conn) error {
	pc, ok := conn.(*peekConn)
	if !ok {
		return errNotWrapped
	}

	e.mu.Lock()
	e.conns[conn] = struct{}{}
	e.mu.Unlock()

	go e.monitor(pc)
	return nil
}

// monitor waits for buffered data, reports the connection ready, then waits
// until the worker has handled it before peeking again.
func (e *Epoll) monitor(pc *peekConn) {
	for {
		_, err := pc.br.Peek(1)

		select {
		case e.readyCh <- pc:
		case <-e.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case <-pc.rearm:
		case <-e.done:
			return
		}
		if !e.has(pc) {
			return
		}
	}
}

func (e *Epoll) has(conn net.Conn) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.conns[conn]
	return ok
}

// Rearm resumes monitoring after a worker has read from conn.
func (e *Epoll) Rearm(conn net.Conn) {
	if pc, ok := conn.(*peekConn); ok {
		select {
		case pc.rearm <- struct{}{}:
		default:
		}
	}
}

func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()
	e.Rearm(conn)
	return nil
}

// Wait blocks until at least one connection is ready and returns every
// connection that is ready at that point.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = make(map[net.Conn]struct{})
	e.mu.Unlock()
	return nil
}

// socketFD has no meaning without epoll; connections are matched by value.
func socketFD(conn net.Conn) int {
	return -1
}
