// Package config loads servers/*.yml and handlers/*.yml, per spec.md §6,
// and hosts the handler-factory registry described in spec.md §4.9.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/CPunch/gemcaps/internal/handler"
)

// Binding pairs a constructed Handler with the server it was declared
// against.
type Binding struct {
	Server  *ServerConfig
	Handler handler.Handler
}

// Loader reads a config root directory of the shape:
//
//	<root>/servers/*.yml
//	<root>/handlers/*.yml
type Loader struct {
	root string
	log  zerolog.Logger
}

// NewLoader returns a Loader rooted at dir.
func NewLoader(dir string, log zerolog.Logger) *Loader {
	return &Loader{root: dir, log: log}
}

// LoadServers reads every servers/*.yml file. Bad files are aggregated into
// the returned error (via go-multierror, per spec.md §7's "log with
// file+line+column; skip file") but do not stop the scan; only a caller
// with zero surviving servers should treat this as fatal.
func (l *Loader) LoadServers() (map[string]*ServerConfig, error) {
	pattern := filepath.Join(l.root, "servers", "*.yml")
	files, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("config: glob %s: %w", pattern, err)
	}

	var errs *multierror.Error
	out := make(map[string]*ServerConfig, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", f, err))
			continue
		}
		var sc ServerConfig
		if err := unmarshalYAML(data, &sc); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", f, err))
			continue
		}
		if sc.Name == "" {
			errs = multierror.Append(errs, fmt.Errorf("%s: missing required field %q", f, "name"))
			continue
		}
		if sc.Cert == "" || sc.Key == "" {
			errs = multierror.Append(errs, fmt.Errorf("%s: %q and %q are required", f, "cert", "key"))
			continue
		}
		sc.applyDefaults()
		if _, dup := out[sc.Name]; dup {
			errs = multierror.Append(errs, fmt.Errorf("%s: duplicate server name %q", f, sc.Name))
			continue
		}
		out[sc.Name] = &sc
		l.log.Debug().Str("file", f).Str("server", sc.Name).Str("addr", sc.Addr()).Msg("loaded server")
	}
	return out, errs.ErrorOrNil()
}

// LoadHandlers reads every handlers/*.yml file and constructs its Handler
// via the factory registered under its "handler" tag. A file naming an
// unregistered tag or an unknown server is logged and skipped, per
// spec.md §6: "Unknown handlers and references to unknown servers cause
// the file to be skipped with an error."
func (l *Loader) LoadHandlers(servers map[string]*ServerConfig, deps Deps) ([]Binding, error) {
	pattern := filepath.Join(l.root, "handlers", "*.yml")
	files, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("config: glob %s: %w", pattern, err)
	}

	var errs *multierror.Error
	var out []Binding
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", f, err))
			continue
		}
		common, err := DecodeCommon(data)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", f, err))
			continue
		}
		if common.Handler == "" {
			errs = multierror.Append(errs, fmt.Errorf("%s: missing required field %q", f, "handler"))
			continue
		}
		srv, ok := servers[common.Server]
		if !ok {
			errs = multierror.Append(errs, fmt.Errorf("%s: references unknown server %q", f, common.Server))
			continue
		}
		factory, ok := lookupFactory(common.Handler)
		if !ok {
			errs = multierror.Append(errs, fmt.Errorf("%s: unregistered handler type %q", f, common.Handler))
			continue
		}

		name := strippedBase(f)
		h, err := factory(name, data, srv, deps)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", f, err))
			continue
		}
		out = append(out, Binding{Server: srv, Handler: h})
		l.log.Debug().Str("file", f).Str("handler", common.Handler).Str("server", srv.Name).Msg("loaded handler")
	}
	return out, errs.ErrorOrNil()
}

func strippedBase(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}
