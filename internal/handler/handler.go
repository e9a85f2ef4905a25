// Package handler defines the narrow capability interface handler kinds
// implement, per spec.md §9's design note: a should_handle predicate plus
// a handle entry point, instead of a virtual class hierarchy.
package handler

import (
	"context"

	"github.com/CPunch/gemcaps/internal/gemini"
)

// ClientConnection is the façade a Handler uses to answer a request. It is
// implemented by the router package's per-connection state; handlers never
// see the underlying connio.Connection or socket directly.
type ClientConnection interface {
	// Request returns the parsed request being serviced.
	Request() gemini.Request
	// Send streams response bytes. The first call's bytes are expected to
	// begin with the response header line; framing past that point is the
	// handler's responsibility.
	Send(b []byte)
	// Close ends the response. No further Send calls are meaningful after
	// Close.
	Close()
	// OnClose registers a callback invoked when the underlying connection
	// goes away for any reason (peer close, crash, or this handler's own
	// Close), so handlers can stop in-flight work (e.g. kill a CGI child).
	OnClose(cb func())
}

// Handler is a matched request acceptor: a host/path predicate plus a
// request handling entry point. Implementations must be safe to share
// across all connections; per-request state belongs in Handle's call
// stack or in objects it allocates, never in the Handler itself.
type Handler interface {
	// Matches reports whether this handler should service a request for
	// the given host and path.
	Matches(host, path string) bool
	// Handle services a request that Matches has already accepted.
	Handle(ctx context.Context, conn ClientConnection)
}
