// Package cgi implements spec.md §4.8's sub-process executor: it spawns a
// script with a CGI-like environment, forwards its stdout verbatim to a
// ClientConnection, and enforces a graceful-then-forced shutdown if the
// client disconnects before the script exits.
package cgi

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/CPunch/gemcaps/internal/gemini"
	"github.com/CPunch/gemcaps/internal/handler"
	"github.com/CPunch/gemcaps/internal/pool"
)

// ServerSoftware is advertised to scripts via SERVER_SOFTWARE.
const ServerSoftware = "gemcaps"

// DefaultGracePeriod is how long a disconnected script is given to exit
// after SIGTERM before Executor escalates to SIGKILL, per
// SPEC_FULL.md §4.8's Open Question resolution (not pinned to a number in
// spec.md's prose, which only says "forced after a timeout").
const DefaultGracePeriod = 5 * time.Second

var bufPool = pool.New[[]byte](32, func() []byte { return make([]byte, 1024) }, nil)

// Request is everything Run needs to build argv, env, and cwd for one
// script invocation, per spec.md §4.8.
type Request struct {
	Interpreter  string   // argv[0] replacement; empty means run ScriptPath directly
	ScriptPath   string   // absolute path to the script, also argv's path component
	Args         []string // additional arguments appended after ScriptPath
	DocumentRoot string
	RawURL       string // the full "gemini://host[:port]/path[?query]" the client sent
	URLPath      string
	Query        string
	Host         string
	Port         int
	Extra        map[string]string // configured environment overlay
}

// Executor runs CGI-style scripts on behalf of a file handler.
type Executor struct {
	log         zerolog.Logger
	gracePeriod time.Duration
}

// NewExecutor returns an Executor using DefaultGracePeriod.
func NewExecutor(log zerolog.Logger) *Executor {
	return &Executor{log: log, gracePeriod: DefaultGracePeriod}
}

// NewExecutorWithGrace is NewExecutor with an explicit grace period, for
// tests that can't afford to wait out the production default.
func NewExecutorWithGrace(log zerolog.Logger, grace time.Duration) *Executor {
	return &Executor{log: log, gracePeriod: grace}
}

// Run spawns req and streams its stdout to conn. It blocks until the
// script exits (or is killed after the client disconnects), then closes
// conn. Failure to spawn responds 42 per spec.md §4.8 and returns
// immediately without blocking.
func (e *Executor) Run(ctx context.Context, conn handler.ClientConnection, req Request) {
	cmd := e.buildCmd(ctx, req)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		e.log.Error().Err(err).Str("script", req.ScriptPath).Msg("failed to attach stdout pipe")
		conn.Send(gemini.FormatHeader(gemini.StatusCGIError, "Could not run script"))
		conn.Close()
		return
	}

	if err := cmd.Start(); err != nil {
		e.log.Error().Err(err).Str("script", req.ScriptPath).Msg("failed to start script")
		conn.Send(gemini.FormatHeader(gemini.StatusCGIError, "Could not run script"))
		conn.Close()
		return
	}

	var mu sync.Mutex
	exited := false

	conn.OnClose(func() {
		mu.Lock()
		done := exited
		mu.Unlock()
		if done {
			return // the script already exited; this is our own conn.Close() firing it
		}
		e.terminate(cmd, &mu, &exited)
	})

	buf := bufPool.Get()
	defer bufPool.Put(buf)
	for {
		n, readErr := stdout.Read(*buf)
		if n > 0 {
			conn.Send(append([]byte(nil), (*buf)[:n]...))
		}
		if readErr != nil {
			break
		}
	}

	if err := cmd.Wait(); err != nil {
		e.log.Debug().Err(err).Str("script", req.ScriptPath).Msg("script exited non-zero")
	}

	mu.Lock()
	exited = true
	mu.Unlock()
	conn.Close()
}

// terminate signals a SIGTERM immediately and escalates to SIGKILL after
// the grace period if the process is still alive.
func (e *Executor) terminate(cmd *exec.Cmd, mu *sync.Mutex, exited *bool) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	time.AfterFunc(e.gracePeriod, func() {
		mu.Lock()
		done := *exited
		mu.Unlock()
		if done {
			return
		}
		_ = cmd.Process.Kill()
	})
}

func (e *Executor) buildCmd(ctx context.Context, req Request) *exec.Cmd {
	var cmd *exec.Cmd
	if req.Interpreter != "" {
		args := append([]string{req.ScriptPath}, req.Args...)
		cmd = exec.CommandContext(ctx, req.Interpreter, args...)
	} else {
		cmd = exec.CommandContext(ctx, req.ScriptPath, req.Args...)
	}
	cmd.Dir = filepath.Dir(req.ScriptPath)
	cmd.Env = buildEnv(req)
	return cmd
}

func buildEnv(req Request) []string {
	env := []string{
		"GATEWAY_INTERFACE=CGI/1.1",
		"GEMINI_DOCUMENT_ROOT=" + req.DocumentRoot,
		"GEMINI_SCRIPT_FILENAME=" + req.ScriptPath,
		"GEMINI_URL=" + req.RawURL,
		"GEMINI_URL_PATH=" + req.URLPath,
		"QUERY_STRING=" + req.Query,
		"SERVER_NAME=" + req.Host,
		"SERVER_PORT=" + strconv.Itoa(req.Port),
		"SERVER_PROTOCOL=GEMINI",
		"SERVER_SOFTWARE=" + ServerSoftware,
	}
	if p, ok := os.LookupEnv("PATH"); ok {
		env = append(env, "PATH="+p)
	}
	for k, v := range req.Extra {
		env = append(env, k+"="+v)
	}
	return env
}
