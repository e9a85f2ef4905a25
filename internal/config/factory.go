package config

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/CPunch/gemcaps/internal/cache"
	"github.com/CPunch/gemcaps/internal/handler"
)

// Deps are the shared runtime collaborators every handler factory may draw
// on: one cache instance for the whole server (CacheKey.owner_id is what
// keeps different handler instances from colliding, per spec.md §3), and a
// base logger. The loader passes the same Deps to every factory; a factory
// scopes the logger to its handler itself.
type Deps struct {
	Cache *cache.Cache
	Log   zerolog.Logger
}

// HandlerFactory builds a Handler from one handlers/*.yml document. name is
// the file's base name, used for logging and as a component of the
// handler's cache owner id. raw is the whole document; factories decode it
// into their own handler-specific struct (embedding Common inline) rather
// than receiving pre-parsed fields, per spec.md §4.9's "handler-specific
// keys" clause.
type HandlerFactory func(name string, raw []byte, server *ServerConfig, deps Deps) (handler.Handler, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]HandlerFactory{}
)

// RegisterHandlerFactory adds tag to the factory registry. Handler packages
// call this from an init() function, mirroring hexinfra-gorox's
// RegisterHandlet(name, ctor) idiom.
func RegisterHandlerFactory(tag string, f HandlerFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, dup := factories[tag]; dup {
		panic(fmt.Sprintf("config: handler factory %q already registered", tag))
	}
	factories[tag] = f
}

func lookupFactory(tag string) (HandlerFactory, bool) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := factories[tag]
	return f, ok
}
