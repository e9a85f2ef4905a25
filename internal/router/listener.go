package router

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/rs/zerolog"

	"github.com/CPunch/gemcaps/internal/config"
	"github.com/CPunch/gemcaps/internal/connio"
	"github.com/CPunch/gemcaps/internal/handler"
	"github.com/CPunch/gemcaps/internal/metrics"
)

// Listener binds one server's host:port, terminates TLS, and accepts
// connections for its ordered handler list, per spec.md §4.5's "Binds a
// host:port, loads certificate+key, accepts connections, creates TLS
// connections, registers them with their owning manager."
type Listener struct {
	server   *config.ServerConfig
	handlers []handler.Handler
	log      zerolog.Logger
	metrics  *metrics.Collector
}

// NewListener builds a Listener for server with its matched handlers in
// declared order. metrics may be nil.
func NewListener(server *config.ServerConfig, handlers []handler.Handler, log zerolog.Logger, mc *metrics.Collector) *Listener {
	return &Listener{server: server, handlers: handlers, log: log, metrics: mc}
}

// ListenAndServe binds the TLS socket and accepts connections until ctx is
// cancelled. It returns nil on a clean shutdown via ctx.
func (l *Listener) ListenAndServe(ctx context.Context) error {
	cert, err := tls.LoadX509KeyPair(l.server.Cert, l.server.Key)
	if err != nil {
		return fmt.Errorf("router: loading TLS material for %q: %w", l.server.Name, err)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	ln, err := tls.Listen("tcp", l.server.Addr(), tlsCfg)
	if err != nil {
		return fmt.Errorf("router: binding %q on %s: %w", l.server.Name, l.server.Addr(), err)
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	l.log.Info().Str("addr", l.server.Addr()).Msg("listening")

	for {
		raw, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			l.log.Error().Err(err).Msg("accept failed")
			continue
		}
		l.serve(raw)
	}
}

func (l *Listener) serve(raw net.Conn) {
	conn := connio.New(raw, l.log)
	if l.metrics != nil {
		l.metrics.ConnectionOpened()
		conn.OnClose(l.metrics.ConnectionClosed)
	}
	go serveConnection(conn, l.handlers, l.log, l.metrics)
}
