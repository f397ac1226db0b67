// Package scheduler formalizes the node's background task and single-writer
// locking conventions. Each background loop (sync, mining, pool sweeps)
// runs as its own
// `for { select { case <-ctx.Done(): ...; case <-ticker.C: ... } }`
// goroutine, tracked by one shared context/cancel pair and a sync.WaitGroup.
// Scheduler is that pattern pulled out into a reusable supervisor, plus a
// single chain_lock mutex so every mutating operation (block apply, reorg,
// mempool admission) is serialized through one place instead of each caller
// reaching for its own lock.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	klog "github.com/Klingon-tech/klingnet-chain/internal/log"
)

// Task is a registered background function. It must return when ctx is
// cancelled.
type Task func(ctx context.Context)

type registeredTask struct {
	name string
	fn   Task
}

// Scheduler supervises background tasks and serializes mutating chain
// operations behind a single lock. The zero value is not usable; construct
// with New.
type Scheduler struct {
	chainLock sync.Mutex // Single-writer lock: block apply, reorg, mempool admission.

	mu      sync.Mutex // Guards the fields below during Register/Start/Shutdown.
	tasks   []registeredTask
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an unstarted Scheduler.
func New() *Scheduler {
	return &Scheduler{}
}

// Register adds a named background task. Must be called before Start;
// registering after Start panics, since a late-registered task could be
// silently skipped by a shutdown that's already in flight.
func (s *Scheduler) Register(name string, fn Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		panic("scheduler: Register called after Start")
	}
	s.tasks = append(s.tasks, registeredTask{name: name, fn: fn})
}

// RegisterTicker registers a task that runs fn every interval until
// cancelled.
func (s *Scheduler) RegisterTicker(name string, interval time.Duration, fn func(ctx context.Context)) {
	s.Register(name, func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	})
}

// Start launches every registered task in its own goroutine under a context
// derived from parent. Calling Start twice panics.
func (s *Scheduler) Start(parent context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		panic("scheduler: Start called twice")
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(parent)

	for _, t := range s.tasks {
		t := t
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			klog.Scheduler.Debug().Str("task", t.name).Msg("task started")
			t.fn(s.ctx)
			klog.Scheduler.Debug().Str("task", t.name).Msg("task stopped")
		}()
	}
}

// Shutdown cancels every running task and waits up to grace for them to
// return. Returns an error if the grace window elapses first — callers
// decide whether a still-running task after that point is fatal.
func (s *Scheduler) Shutdown(grace time.Duration) error {
	s.mu.Lock()
	started := s.started
	cancel := s.cancel
	s.mu.Unlock()

	if !started {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(grace):
		return fmt.Errorf("scheduler: shutdown grace period (%s) elapsed with tasks still running", grace)
	}
}

// WithLock runs fn while holding the single-writer chain lock, serializing
// it against every other mutation the scheduler guards (block application,
// reorg, mempool admission). fn's error, if any, is returned unchanged.
func (s *Scheduler) WithLock(fn func() error) error {
	s.chainLock.Lock()
	defer s.chainLock.Unlock()
	return fn()
}

// TryLock attempts to acquire the chain lock without blocking, returning
// false if a mutation is already in progress. Callers that release it
// themselves must call Unlock.
func (s *Scheduler) TryLock() bool {
	return s.chainLock.TryLock()
}

// Unlock releases a lock previously acquired via TryLock.
func (s *Scheduler) Unlock() {
	s.chainLock.Unlock()
}
