// Package bufpipe implements a unidirectional byte queue between a single
// writer and a single reader, as described in spec.md §4.1.
package bufpipe

import "sync"

// Observer is invoked after a write that grows Ready() from zero, and after
// Close.
type Observer func()

// Pipe is a single-writer, single-reader byte queue. All methods are safe
// for concurrent use; the internal lock also backs the condition variable
// that WaitReadable blocks on, since a Gemini connection's writer goroutine
// needs to sleep until there is something to drain rather than spin.
type Pipe struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      []byte
	head     int
	closed   bool
	observer Observer
}

// New returns an empty, open Pipe.
func New() *Pipe {
	p := &Pipe{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// SetObserver installs cb, replacing any previous observer.
func (p *Pipe) SetObserver(cb Observer) {
	p.mu.Lock()
	p.observer = cb
	p.mu.Unlock()
}

// Write appends b to the queue. It is a no-op once the pipe is closed.
func (p *Pipe) Write(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, nil
	}
	wasEmpty := p.ready() == 0
	p.compactLocked()
	p.buf = append(p.buf, b...)
	obs := p.observer
	p.cond.Broadcast()
	p.mu.Unlock()

	if wasEmpty && obs != nil {
		obs()
	}
	return len(b), nil
}

// ReadInto copies up to len(dest) bytes from the head of the queue into
// dest and advances the head. It never blocks.
func (p *Pipe) ReadInto(dest []byte) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := copy(dest, p.buf[p.head:])
	p.head += n
	if p.head == len(p.buf) {
		p.buf = p.buf[:0]
		p.head = 0
	}
	return n
}

// Ready returns the number of bytes currently available to read.
func (p *Pipe) Ready() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready()
}

func (p *Pipe) ready() int {
	return len(p.buf) - p.head
}

// Closed reports whether Close has been called.
func (p *Pipe) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close marks the pipe closed. No further writes are accepted; buffered
// data remains readable.
func (p *Pipe) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	obs := p.observer
	p.cond.Broadcast()
	p.mu.Unlock()

	if obs != nil {
		obs()
	}
	return nil
}

// WaitReadable blocks until Ready() > 0 or the pipe is closed, then reports
// whether there is data to read (false means closed-and-drained). This is
// the Go-idiomatic replacement for having a reactor re-drive on the
// observer callback: a dedicated writer goroutine can block here instead of
// polling.
func (p *Pipe) WaitReadable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.ready() == 0 && !p.closed {
		p.cond.Wait()
	}
	return p.ready() > 0
}

// compactLocked reclaims head space, aliasing never occurs: either the
// slice is reused by copying live bytes down, or a compaction that isn't
// worth an in-place copy triggers a fresh allocation via append.
func (p *Pipe) compactLocked() {
	if p.head == 0 {
		return
	}
	if p.head == len(p.buf) {
		p.buf = p.buf[:0]
		p.head = 0
		return
	}
	if p.head*2 >= cap(p.buf) {
		n := copy(p.buf, p.buf[p.head:])
		p.buf = p.buf[:n]
		p.head = 0
	}
}
