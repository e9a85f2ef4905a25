package file

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/CPunch/gemcaps/internal/cache"
	"github.com/CPunch/gemcaps/internal/config"
	"github.com/CPunch/gemcaps/internal/gemini"
)

func discardLogger() zerolog.Logger { return zerolog.New(io.Discard) }

type fakeConn struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
	req    gemini.Request
}

func (f *fakeConn) Request() gemini.Request { return f.req }

func (f *fakeConn) Send(b []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), b...))
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeConn) OnClose(func()) {}

func (f *fakeConn) body() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []byte
	for _, b := range f.sent {
		out = append(out, b...)
	}
	return out
}

func newHandler(t *testing.T, root string, extra string) *Handler {
	t.Helper()
	raw := []byte("handler: filehandler\nserver: test\nroot: " + root + "\n" + extra)
	h, err := New("t", raw, &config.ServerConfig{Name: "test"}, config.Deps{
		Cache: cache.New(0),
		Log:   discardLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h.(*Handler)
}

func newConn(rawURL string) *fakeConn {
	req, err := gemini.Parse([]byte(rawURL))
	if err != nil {
		panic(err)
	}
	return &fakeConn{req: req}
}

func TestHandleUpDirRedirectsToNormalizedPath(t *testing.T) {
	dir := t.TempDir()
	h := newHandler(t, dir, "")

	conn := newConn("gemini://localhost/a/../b\r\n")
	h.Handle(context.Background(), conn)

	if got := string(conn.body()); got != "31 /b\r\n" {
		t.Fatalf("got %q", got)
	}
	if !conn.closed {
		t.Fatal("expected conn to be closed")
	}
}

func TestHandleSandboxEscapeRejected(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "public")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	outside := filepath.Join(dir, "secret.txt")
	if err := os.WriteFile(outside, []byte("nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(sub, "escape.txt")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	h := newHandler(t, sub, "")
	conn := newConn("gemini://localhost/escape.txt\r\n")
	h.Handle(context.Background(), conn)

	if got := string(conn.body()); got != "51 You are not allowed to access this file\r\n" {
		t.Fatalf("got %q", got)
	}
}

func TestHandleDirectoryWithoutTrailingSlashRedirects(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	h := newHandler(t, dir, "read_dirs: true\n")

	conn := newConn("gemini://localhost/sub\r\n")
	h.Handle(context.Background(), conn)

	if got := string(conn.body()); got != "31 /sub/\r\n" {
		t.Fatalf("got %q", got)
	}
}

func TestHandleDirectoryIndexResolution(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "index.gmi"), []byte("# sub index\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	h := newHandler(t, dir, "")

	conn := newConn("gemini://localhost/sub/\r\n")
	h.Handle(context.Background(), conn)

	if got := string(conn.body()); got != "20 text/gemini\r\n# sub index\n" {
		t.Fatalf("got %q", got)
	}
}

func TestHandleDirectoryListingWhenReadDirsEnabled(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "page.gmi"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	h := newHandler(t, dir, "read_dirs: true\n")

	conn := newConn("gemini://localhost/sub/\r\n")
	h.Handle(context.Background(), conn)

	got := string(conn.body())
	if !strings.HasPrefix(got, "20 text/gemini\r\n") {
		t.Fatalf("expected a text/gemini listing, got %q", got)
	}
	if !strings.Contains(got, "page.gmi") {
		t.Fatalf("expected listing to mention page.gmi, got %q", got)
	}
}

func TestHandleDirectoryListingDisabledIsNotFound(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	h := newHandler(t, dir, "")

	conn := newConn("gemini://localhost/sub/\r\n")
	h.Handle(context.Background(), conn)

	if got := string(conn.body()); got != "51 File does not exist\r\n" {
		t.Fatalf("got %q", got)
	}
}

func TestHandleMissingFileIsNotFound(t *testing.T) {
	dir := t.TempDir()
	h := newHandler(t, dir, "")

	conn := newConn("gemini://localhost/nope.gmi\r\n")
	h.Handle(context.Background(), conn)

	if got := string(conn.body()); got != "51 File does not exist\r\n" {
		t.Fatalf("got %q", got)
	}
}

func TestHandleServesPlainFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "hello.gmi"), []byte("# Hi\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	h := newHandler(t, dir, "")

	conn := newConn("gemini://localhost/hello.gmi\r\n")
	h.Handle(context.Background(), conn)

	if got := string(conn.body()); got != "20 text/gemini\r\n# Hi\n" {
		t.Fatalf("got %q", got)
	}
	if !conn.closed {
		t.Fatal("expected conn to be closed")
	}
}

// TestHandleCacheCoalescesConcurrentRequests exercises the single-flight
// path wired through serveCached/produce: several simultaneous requests for
// the same file must all receive the identical cached artifact rather than
// each re-reading the file.
func TestHandleCacheCoalescesConcurrentRequests(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "slow.gmi")
	if err := os.WriteFile(target, []byte("# slow\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	h := newHandler(t, dir, "")

	const n = 3
	var wg sync.WaitGroup
	conns := make([]*fakeConn, n)
	for i := 0; i < n; i++ {
		conns[i] = newConn("gemini://localhost/slow.gmi\r\n")
	}
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			h.Handle(context.Background(), conns[i])
		}(i)
	}
	wg.Wait()

	want := "20 text/gemini\r\n# slow\n"
	for i, c := range conns {
		if got := string(c.body()); got != want {
			t.Fatalf("conn %d: got %q, want %q", i, got, want)
		}
	}

	key := cache.NewKey(h.ownerID, target)
	if !h.cache.IsLoaded(key) {
		t.Fatal("expected the artifact to remain cached after serving")
	}
}

func TestHandleCGIScriptIsExecuted(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "greet.cgi")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nprintf '20 text/gemini\\r\\nhi\\n'\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	h := newHandler(t, dir, "cgi_extensions: [\".cgi\"]\n")

	conn := newConn("gemini://localhost/greet.cgi\r\n")
	done := make(chan struct{})
	go func() {
		h.Handle(context.Background(), conn)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Handle never returned for CGI script")
	}

	if got := string(conn.body()); got != "20 text/gemini\r\nhi\n" {
		t.Fatalf("got %q", got)
	}
}
