// README: Timer registry for per-trip broadcast loops, driven by a single ticker.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"rideflow/internal/types"
)

// Task is one trip's retry loop. OnTick runs every Every until Ceiling has
// elapsed since the start; then OnDeadline runs once and the task is gone.
type Task struct {
	Every      time.Duration
	Ceiling    time.Duration
	OnTick     func(ctx context.Context, id types.ID)
	OnDeadline func(ctx context.Context, id types.ID)
}

type entry struct {
	task     Task
	next     time.Time
	deadline time.Time
	running  bool
}

// Scheduler holds the running tasks. Callbacks of one task never overlap.
type Scheduler struct {
	mu         sync.Mutex
	tasks      map[types.ID]*entry
	resolution time.Duration
	now        func() time.Time
	inflight   sync.WaitGroup
	log        *logrus.Entry

	ctxMu sync.RWMutex
	ctx   context.Context
}

func NewScheduler(resolution time.Duration, log *logrus.Entry) *Scheduler {
	return &Scheduler{
		tasks:      make(map[types.ID]*entry),
		resolution: resolution,
		now:        time.Now,
		log:        log.WithField("module", "scheduler"),
		ctx:        context.Background(),
	}
}

// Start registers a task. It reports false, and changes nothing, when id is
// already running.
func (s *Scheduler) Start(id types.ID, t Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; ok {
		return false
	}
	if t.Every <= 0 {
		t.Every = t.Ceiling
	}
	now := s.now()
	s.tasks[id] = &entry{task: t, next: now.Add(t.Every), deadline: now.Add(t.Ceiling)}
	return true
}

// Stop removes id. Stopping an absent task is a no-op. A callback already in
// flight finishes; callbacks must re-check state themselves.
func (s *Scheduler) Stop(id types.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[id]
	delete(s.tasks, id)
	return ok
}

func (s *Scheduler) Running(id types.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[id]
	return ok
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Run drives the registry until ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	s.ctxMu.Lock()
	s.ctx = ctx
	s.ctxMu.Unlock()

	ticker := time.NewTicker(s.resolution)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.inflight.Wait()
			return
		case <-ticker.C:
			s.Tick(s.now())
		}
	}
}

// Tick fires every due callback as of now.
func (s *Scheduler) Tick(now time.Time) {
	s.ctxMu.RLock()
	ctx := s.ctx
	s.ctxMu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.tasks {
		if e.running {
			continue
		}
		switch {
		case !now.Before(e.deadline):
			delete(s.tasks, id)
			if e.task.OnDeadline != nil {
				s.fire(ctx, id, e.task.OnDeadline, nil)
			}
		case !now.Before(e.next):
			for !now.Before(e.next) {
				e.next = e.next.Add(e.task.Every)
			}
			if e.task.OnTick != nil {
				e.running = true
				s.fire(ctx, id, e.task.OnTick, e)
			}
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, id types.ID, fn func(context.Context, types.ID), e *entry) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer func() {
			if e == nil {
				return
			}
			s.mu.Lock()
			e.running = false
			s.mu.Unlock()
		}()
		defer func() {
			if r := recover(); r != nil {
				s.log.WithFields(logrus.Fields{"trip_id": id, "panic": r}).Error("scheduled callback panicked")
			}
		}()
		fn(ctx, id)
	}()
}

// Wait blocks until callbacks fired so far have returned.
func (s *Scheduler) Wait() {
	s.inflight.Wait()
}
