package router

import (
	"sync"

	"github.com/CPunch/gemcaps/internal/connio"
	"github.com/CPunch/gemcaps/internal/gemini"
	"github.com/CPunch/gemcaps/internal/handler"
)

// clientConn is the ClientConnection façade the router hands to whichever
// Handler matched a request, per spec.md §4.5: get_request()/send()/close()
// over the underlying connio.Connection, plus the first-line-is-the-header
// bookkeeping used for logging.
type clientConn struct {
	conn *connio.Connection
	req  gemini.Request

	mu         sync.Mutex
	headerSeen bool
	header     string
}

func newClientConn(conn *connio.Connection, req gemini.Request) *clientConn {
	return &clientConn{conn: conn, req: req}
}

func (c *clientConn) Request() gemini.Request { return c.req }

func (c *clientConn) Send(b []byte) {
	c.mu.Lock()
	if !c.headerSeen {
		c.headerSeen = true
		c.header = firstLine(b)
	}
	c.mu.Unlock()
	c.conn.Send(b)
}

func (c *clientConn) Close() {
	c.conn.Close()
}

func (c *clientConn) OnClose(cb func()) {
	c.conn.OnClose(cb)
}

// ResponseHeader returns the first line ever sent, for access-log purposes.
// Empty if nothing has been sent yet.
func (c *clientConn) ResponseHeader() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.header
}

func firstLine(b []byte) string {
	for i, c := range b {
		if c == '\n' {
			if i > 0 && b[i-1] == '\r' {
				return string(b[:i-1])
			}
			return string(b[:i])
		}
	}
	return string(b)
}

var _ handler.ClientConnection = (*clientConn)(nil)
