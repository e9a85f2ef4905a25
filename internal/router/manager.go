// Package router implements spec.md §4.5: the listener/handler-list
// manager, the per-connection ReadingHeader -> Dispatching -> Streaming ->
// Closing state machine, and the ClientConnection façade handlers use to
// answer requests.
package router

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/CPunch/gemcaps/internal/config"
	"github.com/CPunch/gemcaps/internal/handler"
	"github.com/CPunch/gemcaps/internal/metrics"
)

// Manager owns every configured Listener and runs them until shutdown.
type Manager struct {
	listeners []*Listener
	log       zerolog.Logger
}

// NewManager builds one Listener per entry in servers, attaching each
// server's handlers in the order they were loaded. A server with no
// matching bindings still gets a Listener; per spec.md §4.5 it simply has
// no handlers to try, so every request on it answers 41.
func NewManager(servers map[string]*config.ServerConfig, bindings []config.Binding, log zerolog.Logger, mc *metrics.Collector) *Manager {
	handlers := map[string][]handler.Handler{}
	for _, b := range bindings {
		handlers[b.Server.Name] = append(handlers[b.Server.Name], b.Handler)
	}

	m := &Manager{log: log}
	for name, sc := range servers {
		listenerLog := log.With().Str("server", name).Logger()
		m.listeners = append(m.listeners, NewListener(sc, handlers[name], listenerLog, mc))
	}
	return m
}

// Listeners reports how many listeners were built, for start-up logging.
func (m *Manager) Listeners() int { return len(m.listeners) }

// ListenAndServe runs every listener concurrently until ctx is cancelled,
// aggregating any listener errors with go-multierror the same way the
// config loader aggregates load errors.
func (m *Manager) ListenAndServe(ctx context.Context) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(m.listeners))

	for _, l := range m.listeners {
		wg.Add(1)
		go func(l *Listener) {
			defer wg.Done()
			if err := l.ListenAndServe(ctx); err != nil {
				errCh <- err
			}
		}(l)
	}

	wg.Wait()
	close(errCh)

	var errs *multierror.Error
	for err := range errCh {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}
