// Package file implements spec.md §4.7's file handler: path normalization
// and sandboxing, directory-index resolution, generated directory
// listings, and CGI dispatch for scripts.
package file

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/CPunch/gemcaps/internal/cache"
	"github.com/CPunch/gemcaps/internal/config"
	"github.com/CPunch/gemcaps/internal/gemini"
	"github.com/CPunch/gemcaps/internal/handler"
	"github.com/CPunch/gemcaps/internal/handler/cgi"
	"github.com/CPunch/gemcaps/internal/mimetype"
	"github.com/CPunch/gemcaps/internal/pathutil"
	"github.com/CPunch/gemcaps/internal/pool"
)

func init() {
	config.RegisterHandlerFactory("filehandler", New)
}

var ioBufPool = pool.New[[]byte](32, func() []byte { return make([]byte, 1024) }, nil)

// Handler is the reference file-serving handler described in spec.md §4.7.
type Handler struct {
	name    string
	ownerID uint64

	root     string
	base     string
	hostRe   *regexp.Regexp
	allow    []*regexp.Regexp
	readDirs bool

	cgiExt    []string
	cgiInterp map[string]string
	env       map[string]string

	cache      *cache.Cache
	cacheTTLMS int64
	cgi        *cgi.Executor
	log        zerolog.Logger
}

// New is the config.HandlerFactory for the "filehandler" tag.
func New(name string, raw []byte, server *config.ServerConfig, deps config.Deps) (handler.Handler, error) {
	var cfg Config
	if err := unmarshalConfig(raw, &cfg); err != nil {
		return nil, fmt.Errorf("filehandler: %w", err)
	}
	if cfg.Root == "" {
		return nil, fmt.Errorf("filehandler %q: %q is required", name, "root")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("filehandler %q: resolving root: %w", name, err)
	}

	hostRe, err := regexp.Compile(cfg.Host)
	if err != nil {
		return nil, fmt.Errorf("filehandler %q: bad host regex: %w", name, err)
	}
	allow := make([]*regexp.Regexp, 0, len(cfg.AllowRules))
	for _, pat := range cfg.AllowRules {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("filehandler %q: bad allow rule %q: %w", name, pat, err)
		}
		allow = append(allow, re)
	}

	h := &Handler{
		name:      name,
		ownerID:   ownerIDFor(server.Name, name),
		root:      root,
		base:      cfg.Base,
		hostRe:    hostRe,
		allow:     allow,
		readDirs:  cfg.ReadDirs,
		cgiExt:    cfg.CGIExtensions,
		cgiInterp: cfg.CGIInterpreter,
		env:        cfg.Environment,
		cache:      deps.Cache,
		cacheTTLMS: cfg.CacheTTLMS,
		cgi:        cgi.NewExecutor(deps.Log),
		log:        deps.Log.With().Str("handler", name).Logger(),
	}
	return h, nil
}

// ownerIDFor derives a cache owner id by hashing a freshly generated xid
// (time+machine+counter) together with the server+handler name pair down to
// a uint64, per SPEC_FULL.md §3's note that owner ids disambiguate same-name
// handler instances across servers. Each call yields a different id, so the
// id is unique per handler instance and not stable across restarts.
func ownerIDFor(serverName, handlerName string) uint64 {
	id := xid.New()
	var h uint64 = 1469598103934665603 // FNV-1a offset basis
	for _, b := range id.Bytes() {
		h ^= uint64(b)
		h *= 1099511628211
	}
	for _, b := range []byte(serverName + "/" + handlerName) {
		h ^= uint64(b)
		h *= 1099511628211
	}
	return h
}

// Matches implements handler.Handler. The file handler does not apply its
// allow_rules at selection time: per spec.md §4.7 those rules restrict
// resolved filesystem paths, not raw URL sub-paths, so they are checked
// in Handle (steps 3 and 5) instead of here.
func (h *Handler) Matches(host, path string) bool {
	return h.hostRe.MatchString(host) && strings.HasPrefix(path, h.base)
}

// Handle implements handler.Handler, running the algorithm from spec.md
// §4.7 steps 1-5.
func (h *Handler) Handle(ctx context.Context, conn handler.ClientConnection) {
	req := conn.Request()

	norm := pathutil.Normalize(req.Path)
	if norm != req.Path {
		h.redirect(conn, norm)
		return
	}

	sub := pathutil.Normalize(pathutil.StripPrefix(norm, h.base))
	candidate := pathutil.Join(h.root, sub)

	if !h.checkAllow(candidate) {
		h.fail(conn, gemini.StatusNotFound, "Illegal File")
		return
	}

	info, err := os.Stat(candidate)
	if err != nil {
		h.fail(conn, gemini.StatusNotFound, "File does not exist")
		return
	}

	if info.IsDir() {
		h.serveDir(ctx, conn, req, candidate)
		return
	}
	h.serveFile(ctx, conn, req, candidate)
}

func (h *Handler) serveFile(ctx context.Context, conn handler.ClientConnection, req gemini.Request, candidate string) {
	if strings.HasSuffix(req.Path, "/") {
		h.redirect(conn, strings.TrimSuffix(req.Path, "/"))
		return
	}

	real, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		h.fail(conn, gemini.StatusNotFound, "File does not exist")
		return
	}
	if !pathutil.IsSubpath(h.root, real) && !h.matchesAnyAllow(real) {
		h.fail(conn, gemini.StatusNotFound, "You are not allowed to access this file")
		return
	}

	if interp, ok := h.cgiFor(candidate); ok {
		h.runCGI(ctx, conn, req, candidate, interp)
		return
	}

	h.serveCached(conn, candidate)
}

func (h *Handler) serveDir(ctx context.Context, conn handler.ClientConnection, req gemini.Request, candidate string) {
	if !strings.HasSuffix(req.Path, "/") {
		h.redirect(conn, req.Path+"/")
		return
	}

	entries, err := os.ReadDir(candidate)
	if err != nil {
		h.fail(conn, gemini.StatusNotFound, "File does not exist")
		return
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "index.") {
			continue
		}
		indexPath := filepath.Join(candidate, e.Name())
		if !h.checkAllow(indexPath) {
			continue
		}
		indexReq := req
		indexReq.Path = path.Join(req.Path, e.Name())
		h.serveFile(ctx, conn, indexReq, indexPath)
		return
	}

	if !h.readDirs {
		h.fail(conn, gemini.StatusNotFound, "File does not exist")
		return
	}

	body := h.renderListing(req.Path, entries)
	conn.Send(gemini.FormatHeader(gemini.StatusSuccess, "text/gemini"))
	conn.Send(body)
	conn.Close()
}

func (h *Handler) renderListing(urlPath string, entries []os.DirEntry) []byte {
	b := gemini.NewBuilder()
	b.Heading("Directory Contents")
	b.SubHeading(urlPath)

	parent := path.Join(urlPath, "..")
	if !strings.HasSuffix(parent, "/") {
		parent += "/"
	}
	b.Link(parent, "back")
	b.Blank()

	var dirs, files []os.DirEntry
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e)
		} else {
			files = append(files, e)
		}
	}
	for _, d := range dirs {
		b.Link(path.Join(urlPath, d.Name())+"/", d.Name()+"/")
	}
	b.Blank()
	for _, f := range files {
		info, err := f.Info()
		label := f.Name()
		if err == nil {
			label = fmt.Sprintf("%s (%d bytes, %s)", f.Name(), info.Size(), info.ModTime().Format("2006-01-02"))
		}
		b.Link(path.Join(urlPath, f.Name()), label)
	}
	return b.Bytes()
}

// serveCached answers a plain (non-CGI) file request through the shared
// cache, per spec.md §4.4's single-flight semantics: the first request for
// a given candidate becomes the producer and reads the file in 1 KiB
// chunks (spec.md §4.7's reference chunk size); concurrent and subsequent
// requests are served the cached artifact without touching the
// filesystem again.
func (h *Handler) serveCached(conn handler.ClientConnection, candidate string) {
	key := cache.NewKey(h.ownerID, candidate)

	delivered := h.cache.GetNotified(key, func(tok cache.Token, a cache.Artifact, wasDelivered bool) {
		if wasDelivered {
			h.deliverArtifact(conn, a)
			return
		}
		h.produce(conn, candidate, tok)
	})
	if delivered {
		return
	}

	tok := h.cache.Loading(key)
	h.produce(conn, candidate, tok)
}

func (h *Handler) deliverArtifact(conn handler.ClientConnection, a cache.Artifact) {
	conn.Send(gemini.FormatHeader(a.Code, a.Meta))
	if len(a.Body) > 0 {
		conn.Send(a.Body)
	}
	conn.Close()
}

// produce reads candidate off disk and admits it to the cache under tok,
// then delivers it to the caller that triggered production. A failure to
// open the file cancels the reservation so any coalesced subscribers get
// handed the producer role instead of waiting forever.
func (h *Handler) produce(conn handler.ClientConnection, candidate string, tok cache.Token) {
	f, err := os.Open(candidate)
	if err != nil {
		h.cache.Cancel(tok)
		h.log.Error().Err(err).Str("path", candidate).Msg("open failed after stat succeeded")
		h.fail(conn, gemini.StatusCGIError, "Could not read file")
		return
	}
	defer f.Close()

	buf := ioBufPool.Get()
	defer ioBufPool.Put(buf)
	var body []byte
	for {
		n, readErr := f.Read(*buf)
		if n > 0 {
			body = append(body, (*buf)[:n]...)
		}
		if readErr != nil {
			break
		}
	}

	artifact := cache.Artifact{
		Code:       gemini.StatusSuccess,
		Meta:       mimetype.Lookup(candidate),
		Body:       body,
		LifetimeMS: h.cacheTTLMS,
	}
	if !h.cache.Add(tok, artifact) {
		h.log.Debug().Str("path", candidate).Msg("cache entry cancelled before production finished")
	}
	h.deliverArtifact(conn, artifact)
}

func (h *Handler) runCGI(ctx context.Context, conn handler.ClientConnection, req gemini.Request, candidate, interp string) {
	h.cgi.Run(ctx, conn, cgi.Request{
		Interpreter:  interp,
		ScriptPath:   candidate,
		DocumentRoot: h.root,
		RawURL:       req.RawHeader,
		URLPath:      req.Path,
		Query:        req.Query,
		Host:         req.Host,
		Port:         req.Port,
		Extra:        h.env,
	})
}

func (h *Handler) cgiFor(candidate string) (interp string, ok bool) {
	for _, suffix := range h.cgiExt {
		if strings.HasSuffix(candidate, suffix) {
			return h.cgiInterp[strings.TrimPrefix(suffix, ".")], true
		}
	}
	return "", false
}

func (h *Handler) checkAllow(candidate string) bool {
	if len(h.allow) == 0 {
		return true
	}
	return h.matchesAnyAllow(candidate)
}

func (h *Handler) matchesAnyAllow(candidate string) bool {
	for _, re := range h.allow {
		if re.MatchString(candidate) {
			return true
		}
	}
	return false
}

func (h *Handler) redirect(conn handler.ClientConnection, target string) {
	conn.Send(gemini.FormatHeader(gemini.StatusRedirectPerm, target))
	conn.Close()
}

func (h *Handler) fail(conn handler.ClientConnection, code int, meta string) {
	conn.Send(gemini.FormatHeader(code, meta))
	conn.Close()
}
