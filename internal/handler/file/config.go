package file

import "github.com/CPunch/gemcaps/internal/config"

// Config is one handlers/*.yml document for the "filehandler" factory tag,
// per spec.md §4.7: "root (absolute directory), base (optional URL
// prefix), host (optional regex), allow_rules (optional list of regex to
// restrict absolute paths post-realpath), read_dirs (bool), cgi_extensions
// (list of suffixes), optional cgi_interpreter map ext->interpreter,
// optional environment overlay."
type Config struct {
	config.Common `yaml:",inline"`

	Root           string            `yaml:"root"`
	ReadDirs       bool              `yaml:"read_dirs"`
	CGIExtensions  []string          `yaml:"cgi_extensions"`
	CGIInterpreter map[string]string `yaml:"cgi_interpreter"`
	Environment    map[string]string `yaml:"environment"`

	// CacheTTLMS is a handler-specific key beyond spec.md §4.7's listed
	// configuration: how long a served file's cached artifact lives
	// before it is invalidated, per the cache's lifetime_ms field. Zero
	// means no TTL; entries still leave the cache via size-based
	// eviction or explicit invalidation.
	CacheTTLMS int64 `yaml:"cache_ttl_ms"`
}
