package arbiter

import (
	"time"

	"github.com/groxaxo/kani-tts-arg/internal/pkg/kanitts/engine"
)

type State int32

const (
	StateUninitialized State = iota
	StateLoading
	StateReady
	StateBusy
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Serving reports whether the resource finished loading successfully.
func (s State) Serving() bool {
	return s == StateReady || s == StateBusy
}

// Lease is exclusive ownership of the backend until released.
type Lease struct {
	id         string
	backend    *engine.Backend
	acquiredAt time.Time

	// guarded by Arbiter.mu
	released bool
}

func (l *Lease) ID() string {
	return l.id
}

func (l *Lease) Backend() *engine.Backend {
	return l.backend
}

func (l *Lease) AcquiredAt() time.Time {
	return l.acquiredAt
}
