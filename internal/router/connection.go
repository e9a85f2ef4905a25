package router

import (
	"bytes"
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/CPunch/gemcaps/internal/connio"
	"github.com/CPunch/gemcaps/internal/gemini"
	"github.com/CPunch/gemcaps/internal/handler"
	"github.com/CPunch/gemcaps/internal/metrics"
)

// DefaultHeaderTimeout bounds how long a connection may sit in
// ReadingHeader before the idle timer crashes it.
const DefaultHeaderTimeout = 30 * time.Second

// DefaultProcessingTimeout is the "longer processing value (order of tens
// of seconds)" spec.md §4.5 says Dispatching extends the idle timeout to
// before invoking the handler.
const DefaultProcessingTimeout = 60 * time.Second

// serveConnection drives one connection through ReadingHeader ->
// Dispatching -> Streaming -> Closing. It returns once the handler's
// Handle call returns (Streaming/Closing happen asynchronously inside the
// handler via the ClientConnection façade thereafter).
func serveConnection(conn *connio.Connection, handlers []handler.Handler, log zerolog.Logger, mc *metrics.Collector) {
	connLog := log.With().Str("conn", conn.ID().String()).Logger()

	conn.SetTimeout(DefaultHeaderTimeout)
	raw, err := readHeaderLine(conn)
	if err != nil {
		connLog.Debug().Err(err).Msg("connection closed before a full request line arrived")
		return
	}

	conn.SetTimeout(DefaultProcessingTimeout)

	req, err := gemini.Parse(raw)
	if err != nil {
		connLog.Debug().Err(err).Msg("bad request")
		conn.Send(gemini.FormatHeader(gemini.StatusBadRequest, "Bad Request"))
		conn.Close()
		if mc != nil {
			mc.RequestDispatched(gemini.StatusBadRequest)
		}
		return
	}

	for _, h := range handlers {
		if !h.Matches(req.Host, req.Path) {
			continue
		}
		cc := newClientConn(conn, req)
		connLog.Info().Str("host", req.Host).Str("path", req.Path).Msg("dispatching request")
		h.Handle(context.Background(), cc)
		if mc != nil {
			mc.RequestDispatched(statusOf(cc.ResponseHeader()))
		}
		return
	}

	connLog.Debug().Str("host", req.Host).Str("path", req.Path).Msg("no handler matched")
	conn.Send(gemini.FormatHeader(gemini.StatusServerUnavail, "There is no server available to take your request"))
	conn.Close()
	if mc != nil {
		mc.RequestDispatched(gemini.StatusServerUnavail)
	}
}

// readHeaderLine implements ReadingHeader: buffer inbound chunks until a
// '\n' appears, crashing the connection as soon as more than 1024 bytes have
// accumulated, even if the chunk that crossed the limit holds a '\n'.
func readHeaderLine(conn *connio.Connection) ([]byte, error) {
	buf := make([]byte, 0, 256)
	chunk := make([]byte, 256)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if len(buf) > gemini.MaxHeaderBytes {
				conn.Crash()
				return nil, errOversizeHeader
			}
			if idx := bytes.IndexByte(buf, '\n'); idx != -1 {
				return buf[:idx+1], nil
			}
		}
		if err != nil {
			return nil, err
		}
	}
}

var errOversizeHeader = &headerError{"request line exceeded 1024 bytes"}

type headerError struct{ msg string }

func (e *headerError) Error() string { return e.msg }

// statusOf extracts the leading two-digit code from a response header
// line, for metrics labeling. Returns 0 if the line is too short to hold one.
func statusOf(header string) int {
	if len(header) < 2 {
		return 0
	}
	d1, d2 := header[0], header[1]
	if d1 < '0' || d1 > '9' || d2 < '0' || d2 > '9' {
		return 0
	}
	return int(d1-'0')*10 + int(d2-'0')
}
