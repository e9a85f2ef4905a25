// Package connio implements the per-connection runtime described in
// spec.md §4.3: queued outbound writes, idle timeout, and the
// close-vs-crash shutdown discipline.
//
// spec.md models a cooperative single-threaded reactor bridging a TLS
// engine's "want more bytes" / "have encrypted bytes" callbacks to a
// non-blocking socket. Go's crypto/tls already performs that bridging
// internally over a blocking net.Conn, so this package collapses the
// reactor to one writer goroutine per connection plus direct blocking
// reads from the caller (the router's connection goroutine): the shape of
// the contract (queued writes, deferred close, idle timer, crash-vs-close)
// is preserved; the reactor itself is not.
package connio

import (
	"net"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/CPunch/gemcaps/internal/bufpipe"
)

// Connection owns a raw socket (typically a *tls.Conn) and bridges
// handler-produced bytes to it through a buffer pipe, so handlers can
// produce eagerly without unbounded synchronous writes.
type Connection struct {
	id  xid.ID
	log zerolog.Logger

	conn net.Conn
	out  *bufpipe.Pipe

	mu          sync.Mutex
	idleTimeout time.Duration
	closing     bool
	destroyed   bool
	onClose     func()
	onDrain     func()

	closeOnce  sync.Once
	writerDone chan struct{}
}

// New wraps conn. The returned Connection immediately starts its writer
// goroutine; callers should call SetTimeout before the first Read if they
// want an idle timeout in effect from the start.
func New(conn net.Conn, log zerolog.Logger) *Connection {
	c := &Connection{
		id:         xid.New(),
		log:        log,
		conn:       conn,
		out:        bufpipe.New(),
		writerDone: make(chan struct{}),
	}
	go c.writerLoop()
	return c
}

// ID returns the connection's opaque identifier, used to correlate log
// lines for a single connection.
func (c *Connection) ID() xid.ID { return c.id }

// RemoteAddr returns the peer's address.
func (c *Connection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// SetTimeout arms (ms > 0) or disables (ms == 0) the idle timeout. Any
// successful Read or outbound write restarts it.
func (c *Connection) SetTimeout(d time.Duration) {
	c.mu.Lock()
	c.idleTimeout = d
	c.mu.Unlock()
	c.resetDeadline()
}

// Reset explicitly restarts the idle timer using the last configured
// duration.
func (c *Connection) Reset() { c.resetDeadline() }

func (c *Connection) resetDeadline() {
	c.mu.Lock()
	d := c.idleTimeout
	c.mu.Unlock()
	if d <= 0 {
		_ = c.conn.SetDeadline(time.Time{})
		return
	}
	_ = c.conn.SetDeadline(time.Now().Add(d))
}

// Read reads plaintext bytes from the session. Any error -- including idle
// timeout expiry -- crashes the connection before being returned, per
// spec.md §4.3's "socket read error ... transition to crash".
func (c *Connection) Read(p []byte) (int, error) {
	n, err := c.conn.Read(p)
	if err != nil {
		c.Crash()
		return n, err
	}
	c.resetDeadline()
	return n, nil
}

// Send enqueues b on the outbound pipe. It is a no-op once the connection
// is closing or crashed.
func (c *Connection) Send(b []byte) {
	if len(b) == 0 {
		return
	}
	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()
	if closing {
		return
	}
	c.out.Write(b)
}

// OnClose registers cb to run exactly once, after the socket close has
// completed. Per spec.md §4.3, the context must not touch the Connection
// after this fires; conversely, the Connection never touches the context
// after calling it. Callbacks registered earlier still run, in registration
// order, before cb.
func (c *Connection) OnClose(cb func()) {
	c.mu.Lock()
	prev := c.onClose
	if prev == nil {
		c.onClose = cb
	} else {
		c.onClose = func() { prev(); cb() }
	}
	c.mu.Unlock()
}

// OnDrain registers cb to run each time the outbound queue fully drains,
// the Go-idiomatic stand-in for spec.md §4.3's "on_write is called only
// when queued_writes reaches 0".
func (c *Connection) OnDrain(cb func()) {
	c.mu.Lock()
	c.onDrain = cb
	c.mu.Unlock()
}

// Close performs an orderly shutdown: if writes are still queued, the
// actual socket close is deferred until the writer goroutine drains them.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	c.mu.Unlock()
	c.out.Close()
}

// Crash performs a hard, synchronous, idempotent reset: queued data is
// discarded, the connection attempts a TCP RST-equivalent close, and
// on_close fires at most once.
func (c *Connection) Crash() {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	c.mu.Unlock()

	if tcp, ok := underlyingTCPConn(c.conn); ok {
		_ = tcp.SetLinger(0)
	}
	_ = c.conn.Close()
	c.out.Close()
	c.finish()
}

func (c *Connection) writerLoop() {
	defer close(c.writerDone)
	buf := make([]byte, 4096)
	for {
		if !c.out.WaitReadable() {
			break // closed and fully drained
		}
		n := c.out.ReadInto(buf)
		if n == 0 {
			continue
		}
		if _, err := c.conn.Write(buf[:n]); err != nil {
			c.mu.Lock()
			c.closing = true
			c.mu.Unlock()
			break
		}
		c.resetDeadline()
		if c.out.Ready() == 0 {
			c.mu.Lock()
			cb := c.onDrain
			c.mu.Unlock()
			if cb != nil {
				cb()
			}
		}
	}
	_ = c.conn.Close()
	c.finish()
}

func (c *Connection) finish() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.destroyed = true
		cb := c.onClose
		c.mu.Unlock()
		if cb != nil {
			cb()
		}
	})
}

// underlyingTCPConn unwraps a *tls.Conn (or anything exposing NetConn, per
// crypto/tls's interface since Go 1.19) down to the raw *net.TCPConn, so
// Crash can ask for SO_LINGER(0) semantics. In tests, where connections are
// often net.Pipe() ends, this simply reports ok=false.
func underlyingTCPConn(conn net.Conn) (*net.TCPConn, bool) {
	type netConner interface{ NetConn() net.Conn }
	if nc, ok := conn.(netConner); ok {
		conn = nc.NetConn()
	}
	tcp, ok := conn.(*net.TCPConn)
	return tcp, ok
}
