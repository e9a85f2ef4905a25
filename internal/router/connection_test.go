package router

import (
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/CPunch/gemcaps/internal/connio"
	"github.com/CPunch/gemcaps/internal/gemini"
	"github.com/CPunch/gemcaps/internal/handler"
)

func discardLogger() zerolog.Logger { return zerolog.New(io.Discard) }

type fakeHandler struct {
	host, path string
	respond    func(ctx context.Context, conn handler.ClientConnection)
}

func (f *fakeHandler) Matches(host, path string) bool {
	return (f.host == "" || f.host == host) && (f.path == "" || strings.HasPrefix(path, f.path))
}

func (f *fakeHandler) Handle(ctx context.Context, conn handler.ClientConnection) {
	f.respond(ctx, conn)
}

func readAll(t *testing.T, r net.Conn, timeout time.Duration) string {
	t.Helper()
	r.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 4096)
	var out []byte
	for {
		n, err := r.Read(buf)
		out = append(out, buf[:n]...)
		if err != nil {
			break
		}
	}
	return string(out)
}

func TestServeConnectionHappyPath(t *testing.T) {
	client, server := net.Pipe()
	conn := connio.New(server, discardLogger())

	h := &fakeHandler{path: "/", respond: func(_ context.Context, cc handler.ClientConnection) {
		cc.Send(gemini.FormatHeader(gemini.StatusSuccess, "text/gemini"))
		cc.Send([]byte("# Hi\n"))
		cc.Close()
	}}

	done := make(chan struct{})
	go func() {
		serveConnection(conn, []handler.Handler{h}, discardLogger(), nil)
		close(done)
	}()

	if _, err := client.Write([]byte("gemini://localhost/hello.gmi\r\n")); err != nil {
		t.Fatalf("write request: %v", err)
	}

	got := readAll(t, client, 2*time.Second)
	want := "20 text/gemini\r\n# Hi\n"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("serveConnection never returned")
	}
}

func TestServeConnectionNoMatchingHandler(t *testing.T) {
	client, server := net.Pipe()
	conn := connio.New(server, discardLogger())

	go serveConnection(conn, nil, discardLogger(), nil)

	if _, err := client.Write([]byte("gemini://unknown/\r\n")); err != nil {
		t.Fatalf("write request: %v", err)
	}

	got := readAll(t, client, 2*time.Second)
	if got != "41 There is no server available to take your request\r\n" {
		t.Fatalf("got %q", got)
	}
}

func TestServeConnectionBadRequest(t *testing.T) {
	client, server := net.Pipe()
	conn := connio.New(server, discardLogger())

	go serveConnection(conn, nil, discardLogger(), nil)

	if _, err := client.Write([]byte("not a gemini url\r\n")); err != nil {
		t.Fatalf("write request: %v", err)
	}

	got := readAll(t, client, 2*time.Second)
	if got != "59 Bad Request\r\n" {
		t.Fatalf("got %q", got)
	}
}

func TestServeConnectionOversizeHeaderCrashes(t *testing.T) {
	client, server := net.Pipe()
	conn := connio.New(server, discardLogger())

	done := make(chan struct{})
	go func() {
		serveConnection(conn, nil, discardLogger(), nil)
		close(done)
	}()

	// 2 KiB with no '\n' at all.
	payload := []byte("gemini://x/" + strings.Repeat("a", 2048))
	writeErrCh := make(chan error, 1)
	go func() {
		_, err := client.Write(payload)
		writeErrCh <- err
	}()

	got := readAll(t, client, 2*time.Second)
	if got != "" {
		t.Fatalf("expected no response bytes on oversize header, got %q", got)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("serveConnection never returned after oversize header")
	}
}

func TestServeConnectionOversizeHeaderWithTerminatorStillCrashes(t *testing.T) {
	client, server := net.Pipe()
	conn := connio.New(server, discardLogger())

	done := make(chan struct{})
	go func() {
		serveConnection(conn, nil, discardLogger(), nil)
		close(done)
	}()

	// Over 1024 bytes but terminated, arriving in 256-byte chunks: the
	// length check must fire before the '\n' search ever sees it.
	payload := []byte("gemini://x/" + strings.Repeat("a", 1200) + "\r\n")
	writeErrCh := make(chan error, 1)
	go func() {
		_, err := client.Write(payload)
		writeErrCh <- err
	}()

	got := readAll(t, client, 2*time.Second)
	if got != "" {
		t.Fatalf("expected no response bytes on oversize header, got %q", got)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("serveConnection never returned after oversize header")
	}
}
