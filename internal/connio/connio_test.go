package connio

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func discardLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func TestSendDeliversBytes(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	c := New(server, discardLogger())
	c.Send([]byte("hello"))

	buf := make([]byte, 5)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("got %q, want %q", buf, "hello")
	}
}

func TestCloseIsDeferredUntilWritesDrain(t *testing.T) {
	client, server := net.Pipe()

	c := New(server, discardLogger())
	done := make(chan struct{})
	c.OnClose(func() { close(done) })

	c.Send([]byte("payload"))
	c.Close()

	buf := make([]byte, 7)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if string(buf) != "payload" {
		t.Fatalf("got %q, want %q", buf, "payload")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose never fired after writes drained")
	}

	// peer should now observe EOF
	n, err := client.Read(make([]byte, 1))
	if err != io.EOF && n != 0 {
		t.Fatalf("expected EOF after drained close, got n=%d err=%v", n, err)
	}
}

func TestOnCloseFiresExactlyOnce(t *testing.T) {
	_, server := net.Pipe()
	c := New(server, discardLogger())

	var calls int
	c.OnClose(func() { calls++ })

	c.Crash()
	c.Crash() // idempotent
	c.Close() // no-op once already closing

	// give the writer goroutine a moment to observe the closed pipe
	time.Sleep(50 * time.Millisecond)

	if calls != 1 {
		t.Fatalf("OnClose fired %d times, want 1", calls)
	}
}

func TestCrashDiscardsQueuedData(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	c := New(server, discardLogger())
	done := make(chan struct{})
	c.OnClose(func() { close(done) })
	c.Send([]byte("queued"))
	c.Crash()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose never fired after Crash")
	}

	if n, _ := client.Read(make([]byte, 16)); n != 0 {
		t.Fatalf("peer received %d bytes of queued data after Crash, want 0", n)
	}
}

func TestIdleTimeoutCrashesConnection(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	c := New(server, discardLogger())
	done := make(chan struct{})
	c.OnClose(func() { close(done) })
	c.SetTimeout(20 * time.Millisecond)

	buf := make([]byte, 1)
	_, err := c.Read(buf) // blocks until the deadline fires
	if err == nil {
		t.Fatal("expected Read to fail once the idle deadline elapsed")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose never fired after idle timeout")
	}
}
