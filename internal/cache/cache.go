// Package cache implements the size-bounded, single-flight response cache
// described in spec.md §4.4: a fingerprint-keyed map with states {absent,
// loading, ready}, TTL timers, and eviction by soonest expiration.
package cache

import (
	"sync"
	"time"
)

// Metrics receives cache events, for the domain-stack prometheus wiring in
// internal/metrics. A nil Metrics is fine; Cache treats it as a no-op.
type Metrics interface {
	Hit()
	Miss()
	Coalesce()
	Evict()
}

type noopMetrics struct{}

func (noopMetrics) Hit()      {}
func (noopMetrics) Miss()     {}
func (noopMetrics) Coalesce() {}
func (noopMetrics) Evict()    {}

// Cache is a keyed map with coalescing single-flight semantics, bounded by
// total artifact bytes. The zero value is not usable; use New.
type Cache struct {
	mu           sync.Mutex
	maxSizeBytes int64
	size         int64
	nextGen      uint64
	entries      map[Key]*entry
	order        []Key
	metrics      Metrics
}

// New returns an empty Cache. maxSizeBytes <= 0 means unbounded.
func New(maxSizeBytes int64) *Cache {
	return &Cache{
		maxSizeBytes: maxSizeBytes,
		entries:      make(map[Key]*entry),
		metrics:      noopMetrics{},
	}
}

// SetMetrics installs a Metrics sink. Passing nil restores the no-op sink.
func (c *Cache) SetMetrics(m Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m == nil {
		m = noopMetrics{}
	}
	c.metrics = m
}

// Loading reserves key for production. If the key is Absent, a fresh
// Loading entry is created and its Token returned. If the key is already
// Loading, this is a no-op and the existing Token is returned. If the key
// is Ready, it is invalidated and a fresh Loading entry replaces it.
func (c *Cache) Loading(key Key) Token {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if ok && e.state == stateLoading {
		return Token{key: key, gen: e.gen}
	}
	if ok && e.state == stateReady {
		c.removeLocked(key)
	}

	c.nextGen++
	e = &entry{state: stateLoading, gen: c.nextGen}
	c.entries[key] = e
	c.order = append(c.order, key)
	return Token{key: key, gen: e.gen}
}

// Cancel abandons production under tok. If no subscribers are waiting, the
// entry is removed (Loading -> Absent). Otherwise the first subscriber
// (FIFO) is handed the producer role via a non-delivering NotifyFunc call
// carrying a fresh Token for the same key; the remaining subscribers stay
// attached. A stale tok (superseded by a prior Cancel's handoff, or
// referring to an entry that moved on) is a no-op.
func (c *Cache) Cancel(tok Token) {
	c.mu.Lock()
	e, ok := c.entries[tok.key]
	if !ok || e.state != stateLoading || e.gen != tok.gen {
		c.mu.Unlock()
		return
	}

	if len(e.subscribers) == 0 {
		c.removeLocked(tok.key)
		c.mu.Unlock()
		return
	}

	sub := e.subscribers[0]
	e.subscribers = e.subscribers[1:]
	c.nextGen++
	e.gen = c.nextGen
	newTok := Token{key: tok.key, gen: e.gen}
	c.mu.Unlock()

	sub(newTok, Artifact{}, false)
}

// Add stores artifact under tok, transitioning Loading -> Ready, and
// delivers it to every subscriber registered before Add ran. It reports
// false without storing anything if tok is stale, which is how a producer
// discovers it was cancelled out from under it.
func (c *Cache) Add(tok Token, artifact Artifact) bool {
	c.mu.Lock()

	e, ok := c.entries[tok.key]
	if !ok || e.state != stateLoading || e.gen != tok.gen {
		c.mu.Unlock()
		return false
	}

	need := int64(artifact.Size())
	if c.maxSizeBytes > 0 {
		c.evictForSpaceLocked(tok.key, need)
	}

	e.state = stateReady
	e.artifact = artifact
	e.hasTTL = artifact.LifetimeMS > 0
	if e.hasTTL {
		d := time.Duration(artifact.LifetimeMS) * time.Millisecond
		e.expiresAt = time.Now().Add(d)
		gen := e.gen
		e.timer = time.AfterFunc(d, func() { c.expire(tok.key, gen) })
	}
	c.size += need

	subs := e.subscribers
	e.subscribers = nil
	c.mu.Unlock()

	for _, sub := range subs {
		sub(Token{}, artifact, true)
	}
	return true
}

// GetNotified arranges for cb to learn the artifact for key. If key is
// Absent it returns false immediately. If key is Ready, cb runs
// synchronously before GetNotified returns. If key is Loading, cb is
// queued and will run (in registration order, alongside every other
// subscriber) when Add eventually runs, or when Cancel hands off the
// producer role to it in particular.
func (c *Cache) GetNotified(key Key, cb NotifyFunc) bool {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		c.metrics.Miss()
		return false
	}
	switch e.state {
	case stateReady:
		a := e.artifact
		c.mu.Unlock()
		c.metrics.Hit()
		cb(Token{}, a, true)
		return true
	default: // stateLoading
		e.subscribers = append(e.subscribers, cb)
		c.mu.Unlock()
		c.metrics.Coalesce()
		return true
	}
}

// Get returns the artifact for a Ready key. ok is false if key is not
// Ready (Loading or Absent).
func (c *Cache) Get(key Key) (Artifact, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.state != stateReady {
		return Artifact{}, false
	}
	return e.artifact, true
}

// Invalidate removes key unconditionally, cancelling any armed TTL timer
// and subtracting its stored size if it was Ready. It does not notify
// subscribers.
func (c *Cache) Invalidate(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
}

// IsLoading reports whether key is reserved by a producer.
func (c *Cache) IsLoading(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return ok && e.state == stateLoading
}

// IsLoaded reports whether key currently has a ready artifact.
func (c *Cache) IsLoaded(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return ok && e.state == stateReady
}

// Clear removes every entry without notifying subscribers.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	c.entries = make(map[Key]*entry)
	c.order = nil
	c.size = 0
}

// Size reports the current aggregate size in bytes of all Ready artifacts.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *Cache) expire(key Key, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.gen != gen || e.state != stateReady {
		return // superseded or already gone; TTL fires at most once per armed entry
	}
	c.removeLocked(key)
}

// removeLocked deletes key from the map, stopping its timer and
// subtracting its size, without notifying subscribers. Callers hold c.mu.
func (c *Cache) removeLocked(key Key) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	if e.state == stateReady {
		c.size -= int64(e.artifact.Size())
	}
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// evictForSpaceLocked evicts Ready entries, smallest-remaining-TTL first,
// until admitting `need` more bytes (for a key other than skip, which is
// the Loading entry about to receive them) would fit within
// maxSizeBytes, or nothing more can be evicted. No-TTL entries are only
// evicted once every other candidate is also no-TTL.
func (c *Cache) evictForSpaceLocked(skip Key, need int64) {
	for c.size+need > c.maxSizeBytes {
		victim, ok := c.pickEvictionVictimLocked(skip)
		if !ok {
			return
		}
		c.removeLocked(victim)
		c.metrics.Evict()
	}
}

func (c *Cache) pickEvictionVictimLocked(skip Key) (Key, bool) {
	now := time.Now()

	var (
		bestTTLKey   Key
		bestRemain   time.Duration
		haveTTL      bool
		bestNoTTLKey Key
		haveNoTTL    bool
	)

	for _, k := range c.order {
		if k == skip {
			continue
		}
		e := c.entries[k]
		if e == nil || e.state != stateReady {
			continue // Loading entries are never selected; they have no size
		}
		if e.hasTTL {
			remain := e.expiresAt.Sub(now)
			if !haveTTL || remain < bestRemain {
				bestRemain = remain
				bestTTLKey = k
				haveTTL = true
			}
		} else if !haveNoTTL {
			bestNoTTLKey = k
			haveNoTTL = true
		}
	}

	if haveTTL {
		return bestTTLKey, true
	}
	if haveNoTTL {
		return bestNoTTLKey, true
	}
	return Key{}, false
}
