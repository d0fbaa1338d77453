package ws

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/safehaven/chat-server/internal/store"
)

var errConnClosed = errors.New("ws: connection closed")

// Connection is one authenticated WebSocket client. It satisfies
// registry.Transport, so the registry writes to it directly.
type Connection struct {
	ID        string      // connection id (UUID)
	UserID    int64       // authenticated user
	User      *store.User // identity loaded at handshake
	Conn      net.Conn    // underlying TCP connection
	Fd        int         // file descriptor for epoll lookups
	CreatedAt time.Time

	writeTimeout time.Duration
	writeMu      sync.Mutex
	lastActive   atomic.Int64 // unix nanos of the last frame read
	processing   atomic.Bool  // set while a worker is reading this connection
	closed       atomic.Bool
}

func newConnection(id string, u *store.User, conn net.Conn, writeTimeout time.Duration) *Connection {
	c := &Connection{
		ID:           id,
		UserID:       u.ID,
		User:         u,
		Conn:         conn,
		Fd:           socketFD(conn),
		CreatedAt:    time.Now(),
		writeTimeout: writeTimeout,
	}
	c.touch()
	return c
}

func (c *Connection) touch() { c.lastActive.Store(time.Now().UnixNano()) }

// LastActive reports when a frame was last read from the client.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// Send writes a text frame. Concurrent senders are serialized so frame bytes
// never interleave; each write is bounded by the write timeout.
func (c *Connection) Send(data []byte) error {
	if c.closed.Load() {
		return errConnClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

func (c *Connection) writePong(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.Conn, ws.NewPongFrame(payload))
}

// CloseWith sends a close frame carrying code and reason, then closes the
// connection.
func (c *Connection) CloseWith(code ws.StatusCode, reason string) error {
	c.writeMu.Lock()
	_ = c.Conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = ws.WriteFrame(c.Conn, ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason)))
	c.writeMu.Unlock()
	return c.Close()
}

// Close closes the underlying network connection. It is safe to call more
// than once.
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.Conn.Close()
}

// ConnectionManager indexes open connections by connection id and by file
// descriptor. It tracks sockets, not users: a superseded connection stays
// here until its socket closes.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
	byFd map[int]*Connection
}

func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
		byFd: make(map[int]*Connection),
	}
}

func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byFd[conn.Fd] = conn
	cm.mu.Unlock()
}

// Remove drops the connection with the given id and closes it. It reports
// false when the connection was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		if cm.byFd[conn.Fd] == conn {
			delete(cm.byFd, conn.Fd)
		}
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByConn looks a connection up by the file descriptor of c. On platforms
// without descriptors it falls back to comparing net.Conn values.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	if fd := socketFD(c); fd >= 0 {
		return cm.GetByFd(fd)
	}

	cm.mu.RLock()
	defer cm.mu.RUnlock()
	for _, conn := range cm.byID {
		if conn.Conn == c {
			return conn
		}
	}
	return nil
}

func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of the open connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
