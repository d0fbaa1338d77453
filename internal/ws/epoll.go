//go:build linux

package ws

import (
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// readEvents is the interest set for client sockets. EPOLLONESHOT disarms a
// socket once it is reported, so a socket whose frame is still being
// processed (a slow classifier call, say) is not reported again until the
// worker calls Rearm.
const readEvents = unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP | unix.EPOLLONESHOT

// Epoll multiplexes client sockets over a single epoll instance so that idle
// connections cost no goroutine.
type Epoll struct {
	fd     int
	mu     sync.RWMutex
	byFd   map[int]net.Conn
	fds    map[net.Conn]int // survives Close on the conn, when the fd is no longer readable from it
	events []unix.EpollEvent
}

func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:     fd,
		byFd:   make(map[int]net.Conn),
		fds:    make(map[net.Conn]int),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

// Wrap returns conn unchanged; the kernel reports readiness without reading.
func (e *Epoll) Wrap(conn net.Conn) net.Conn { return conn }

// Add arms conn for one read notification.
func (e *Epoll) Add(conn net.Conn) error {
	fd := socketFD(conn)
	if fd < 0 {
		return syscall.EBADF
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ev := unix.EpollEvent{Events: readEvents, Fd: int32(fd)}
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}
	e.byFd[fd] = conn
	e.fds[conn] = fd
	return nil
}

// Rearm re-enables notifications for conn after a worker has finished with
// it. Unknown connections are ignored.
func (e *Epoll) Rearm(conn net.Conn) {
	e.mu.RLock()
	fd, ok := e.fds[conn]
	e.mu.RUnlock()
	if !ok {
		return
	}

	ev := unix.EpollEvent{Events: readEvents, Fd: int32(fd)}
	_ = unix.EpollCtl(e.fd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// Remove stops watching conn. The kernel drops closed descriptors from the
// interest list on its own, so a DEL failure on a closed socket is not an
// error worth reporting.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	fd, ok := e.fds[conn]
	if ok {
		delete(e.fds, conn)
		if e.byFd[fd] == conn {
			delete(e.byFd, fd)
		}
	}
	e.mu.Unlock()

	if !ok {
		return nil
	}
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && err != unix.EBADF && err != unix.ENOENT {
		return err
	}
	return nil
}

// Wait blocks until at least one socket is readable or hung up. Sockets
// removed while the call was blocked are skipped.
func (e *Epoll) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(e.fd, e.events, -1)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	conns := make([]net.Conn, 0, n)
	for _, ev := range e.events[:n] {
		if conn, ok := e.byFd[int(ev.Fd)]; ok {
			conns = append(conns, conn)
		}
	}
	return conns, nil
}

func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byFd = make(map[int]net.Conn)
	e.fds = make(map[net.Conn]int)
	return unix.Close(e.fd)
}

// socketFD returns the descriptor behind conn without dup'ing it, or -1 when
// conn has none (or is already closed).
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	fd := -1
	if err := raw.Control(func(sfd uintptr) { fd = int(sfd) }); err != nil {
		return -1
	}
	return fd
}
