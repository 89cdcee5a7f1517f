// Package arbiter owns the single inference backend and hands out exclusive
// leases on it. Waiters are admitted strictly in arrival order.
package arbiter

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/groxaxo/kani-tts-arg/internal/pkg/kanitts/engine"
)

var (
	ErrUnavailable   = errors.New("inference resource unavailable")
	ErrLeaseReleased = errors.New("lease already released")
	ErrAlreadyLoaded = errors.New("inference resource already loaded")
)

type Options struct {
	// AdmissionTimeout bounds how long Acquire waits in the queue.
	// Zero waits until the context is done.
	AdmissionTimeout time.Duration
}

type Stats struct {
	State    State
	Acquired uint64
	Released uint64
	Queued   int
}

type Arbiter struct {
	mu      sync.Mutex
	state   State
	backend *engine.Backend
	loadErr error
	current *Lease
	queue   *list.List
	closing bool
	drained chan struct{}

	acquired uint64
	released uint64

	timeout time.Duration
	log     zerolog.Logger
}

type grant struct {
	lease *Lease
	err   error
}

type waiter struct {
	ch      chan grant
	settled bool
}

func New(opts Options, log zerolog.Logger) *Arbiter {
	return &Arbiter{
		state:   StateUninitialized,
		queue:   list.New(),
		timeout: opts.AdmissionTimeout,
		log:     log.With().Str("component", "arbiter").Logger(),
	}
}

func (a *Arbiter) Status() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Arbiter) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		State:    a.state,
		Acquired: a.acquired,
		Released: a.released,
		Queued:   a.queue.Len(),
	}
}

// LoadError returns the startup failure, if any.
func (a *Arbiter) LoadError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loadErr
}

// Load runs the one-time startup load. Requests arriving while it runs queue
// up and are admitted in order once it succeeds. A failure is terminal.
func (a *Arbiter) Load(loader func() (*engine.Backend, error)) (err error) {
	a.mu.Lock()
	if a.state != StateUninitialized {
		a.mu.Unlock()
		return ErrAlreadyLoaded
	}
	a.state = StateLoading
	a.mu.Unlock()

	a.log.Info().Msg("Loading inference resource...")
	started := time.Now()

	var backend *engine.Backend
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("loader panicked: %v", r)
			}
		}()
		backend, err = loader()
	}()
	if err == nil && backend == nil {
		err = errors.New("loader returned no backend")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err != nil {
		a.state = StateFailed
		a.loadErr = err
		a.failWaitersLocked(a.unavailableLocked())
		a.log.Error().Err(err).Dur("elapsed", time.Since(started)).Msg("Failed to load inference resource")
		return err
	}

	if a.closing {
		a.state = StateFailed
		a.loadErr = errors.New("shut down during load")
		return errors.Join(a.loadErr, closeBackend(backend))
	}

	a.backend = backend
	a.state = StateReady
	a.log.Info().Dur("elapsed", time.Since(started)).Str("backend", backend.Info.Name).Msg("Inference resource ready")
	a.dispatchLocked()
	return nil
}

// Acquire blocks until the resource is free, then returns a lease on it.
func (a *Arbiter) Acquire(ctx context.Context) (*Lease, error) {
	a.mu.Lock()
	if a.state == StateFailed || a.closing {
		err := a.unavailableLocked()
		a.mu.Unlock()
		return nil, err
	}
	if a.state == StateReady && a.queue.Len() == 0 {
		lease := a.grantLocked()
		a.mu.Unlock()
		return lease, nil
	}

	w := &waiter{ch: make(chan grant, 1)}
	elem := a.queue.PushBack(w)
	state, depth := a.state, a.queue.Len()
	a.mu.Unlock()

	a.log.Debug().Str("state", state.String()).Int("queued", depth).Msg("Waiting for inference resource")

	var expired <-chan time.Time
	if a.timeout > 0 {
		timer := time.NewTimer(a.timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case g := <-w.ch:
		return g.lease, g.err
	case <-expired:
		return a.abandon(elem, w, func(state State) error {
			return fmt.Errorf("%w: admission timeout after %s (resource %s)", ErrUnavailable, a.timeout, state)
		})
	case <-ctx.Done():
		return a.abandon(elem, w, func(State) error {
			return fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err())
		})
	}
}

// abandon leaves the queue, unless the waiter was settled concurrently, in
// which case the settled grant wins.
func (a *Arbiter) abandon(elem *list.Element, w *waiter, cause func(State) error) (*Lease, error) {
	a.mu.Lock()
	if !w.settled {
		a.queue.Remove(elem)
		err := cause(a.state)
		a.mu.Unlock()
		return nil, err
	}
	a.mu.Unlock()

	g := <-w.ch
	return g.lease, g.err
}

// Release returns the resource. It hands off directly to the next waiter if
// there is one.
func (a *Arbiter) Release(l *Lease) error {
	if l == nil {
		return ErrLeaseReleased
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if l.released || a.current != l {
		return ErrLeaseReleased
	}

	l.released = true
	a.released++
	a.current = nil
	a.state = StateReady

	if a.closing {
		if a.drained != nil {
			close(a.drained)
			a.drained = nil
		}
		return nil
	}

	a.dispatchLocked()
	return nil
}

// Close stops admitting requests, waits for an in-flight lease, and closes the
// backend.
func (a *Arbiter) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closing {
		a.mu.Unlock()
		return nil
	}
	a.closing = true
	a.failWaitersLocked(fmt.Errorf("%w: shutting down", ErrUnavailable))

	var drained chan struct{}
	if a.state == StateBusy {
		drained = make(chan struct{})
		a.drained = drained
	}
	a.mu.Unlock()

	if drained != nil {
		select {
		case <-drained:
		case <-ctx.Done():
			return fmt.Errorf("waiting for in-flight generation: %w", ctx.Err())
		}
	}

	a.mu.Lock()
	backend := a.backend
	a.backend = nil
	a.mu.Unlock()

	if backend == nil {
		return nil
	}
	return closeBackend(backend)
}

func closeBackend(b *engine.Backend) error {
	var errs []error
	if b.Model != nil {
		if err := b.Model.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close model: %w", err))
		}
	}
	if b.Player != nil {
		if err := b.Player.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close player: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (a *Arbiter) grantLocked() *Lease {
	lease := &Lease{
		id:         uuid.NewString(),
		backend:    a.backend,
		acquiredAt: time.Now(),
	}
	a.state = StateBusy
	a.current = lease
	a.acquired++
	return lease
}

func (a *Arbiter) dispatchLocked() {
	if a.state != StateReady {
		return
	}
	front := a.queue.Front()
	if front == nil {
		return
	}
	w := a.queue.Remove(front).(*waiter)
	w.settled = true
	w.ch <- grant{lease: a.grantLocked()}
}

func (a *Arbiter) failWaitersLocked(err error) {
	for e := a.queue.Front(); e != nil; e = e.Next() {
		w := e.Value.(*waiter)
		w.settled = true
		w.ch <- grant{err: err}
	}
	a.queue.Init()
}

func (a *Arbiter) unavailableLocked() error {
	if a.loadErr != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, a.loadErr)
	}
	if a.closing {
		return fmt.Errorf("%w: shutting down", ErrUnavailable)
	}
	return ErrUnavailable
}
