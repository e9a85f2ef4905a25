package cache

import "time"

type entryState int

const (
	stateLoading entryState = iota
	stateReady
)

// NotifyFunc is invoked by GetNotified (readers) and by Cancel (to hand the
// producer role to a waiting subscriber).
//
//   - delivered == true: a is the final artifact. tok is the zero Token and
//     must not be used.
//   - delivered == false: the entry's previous producer gave up (Cancel)
//     and handed the role to this subscriber. a is empty; the subscriber
//     is expected to act as the new producer and eventually call Add(tok,
//     ...) or Cancel(tok) itself.
type NotifyFunc func(tok Token, a Artifact, delivered bool)

type entry struct {
	state       entryState
	gen         uint64
	artifact    Artifact
	hasTTL      bool
	expiresAt   time.Time
	timer       *time.Timer
	subscribers []NotifyFunc
}
