package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ignite/leadgen-engine/internal/pkg/logger"
)

// =============================================================================
// TICK SCHEDULER
// =============================================================================
// A single cooperative loop runs many named tasks with per-task cadence,
// timeouts, singleton semantics, and a "heavy task excludes all others" mode.
// Children are supervised goroutines with their own contexts: on timeout the
// context is cancelled, the child gets a grace period, and after that it is
// abandoned (rescheduled without waiting) — its result is still reaped
// whenever it finally lands, so nothing leaks.

const (
	// DefaultTick is the loop cadence.
	DefaultTick = 500 * time.Millisecond
	// killGrace is how long a cancelled child may keep running before the
	// scheduler stops waiting for it.
	killGrace = 2 * time.Second
)

// TaskFunc is a schedulable unit of work.
type TaskFunc func(ctx context.Context) error

// Task describes a registered task.
type Task struct {
	Name      string
	Fn        TaskFunc
	Every     time.Duration
	Timeout   time.Duration // 0 = no timeout
	Singleton bool          // at most one live instance
	Heavy     bool          // while running, nothing else starts
	Priority  int           // lower runs first
}

type childResult struct {
	name     string
	seq      uint64
	err      error
	panicked bool
}

type child struct {
	seq       uint64
	cancel    context.CancelFunc
	startedAt time.Time
	deadline  time.Time // zero when no timeout
	graceEnd  time.Time // set once the deadline has passed
	abandoned bool
}

type taskState struct {
	def       Task
	nextRunAt time.Time
	children  map[uint64]*child
}

// Scheduler runs registered tasks on their cadence.
type Scheduler struct {
	tick          time.Duration
	maxConcurrent int

	mu      sync.Mutex
	tasks   map[string]*taskState
	results chan childResult
	seq     uint64
	running int // live (non-abandoned) children

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	active bool
}

// New creates a scheduler. maxConcurrent ≤ 0 means a default of 8.
func New(tick time.Duration, maxConcurrent int) *Scheduler {
	if tick <= 0 {
		tick = DefaultTick
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	return &Scheduler{
		tick:          tick,
		maxConcurrent: maxConcurrent,
		tasks:         make(map[string]*taskState),
		results:       make(chan childResult, 256),
	}
}

// Register adds a task. Names must be unique.
func (s *Scheduler) Register(t Task) error {
	if t.Name == "" || t.Fn == nil || t.Every <= 0 {
		return fmt.Errorf("scheduler: task needs name, fn, and a positive cadence")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.Name]; exists {
		return fmt.Errorf("scheduler: task %q already registered", t.Name)
	}
	s.tasks[t.Name] = &taskState{
		def:       t,
		nextRunAt: time.Now(),
		children:  make(map[uint64]*child),
	}
	return nil
}

// Start begins the tick loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.active = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop()
	return nil
}

// Stop cancels all children and stops the loop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.safeTick(time.Now())
		case res := <-s.results:
			s.mu.Lock()
			s.reap(res, time.Now())
			s.mu.Unlock()
		}
	}
}

// safeTick guards the loop body; a tick panic must never kill the ticker.
func (s *Scheduler) safeTick(now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("scheduler: tick panicked", "panic", fmt.Sprintf("%v", r))
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.drainResults(now)
	s.enforceTimeouts(now)
	s.startDue(now)
}

func (s *Scheduler) drainResults(now time.Time) {
	for {
		select {
		case res := <-s.results:
			s.reap(res, now)
		default:
			return
		}
	}
}

// reap handles one finished child: stats, reschedule.
func (s *Scheduler) reap(res childResult, now time.Time) {
	st, ok := s.tasks[res.name]
	if !ok {
		return
	}
	ch, ok := st.children[res.seq]
	if !ok {
		return
	}
	delete(st.children, res.seq)
	if !ch.abandoned {
		s.running--
		st.nextRunAt = now.Add(st.def.Every)
	}

	switch {
	case res.panicked:
		logger.Error("scheduler: task panicked", "task", res.name)
	case res.err != nil:
		// A child error is logged and the task re-runs on cadence; it never
		// removes the registration.
		logger.Warn("scheduler: task failed", "task", res.name, "error", res.err)
	case ch.abandoned:
		logger.Warn("scheduler: abandoned task finally returned", "task", res.name,
			"ran", now.Sub(ch.startedAt).String())
	}
}

// enforceTimeouts cancels children past their deadline and abandons those
// that outlive the grace period.
func (s *Scheduler) enforceTimeouts(now time.Time) {
	for name, st := range s.tasks {
		for _, ch := range st.children {
			if ch.abandoned || ch.deadline.IsZero() {
				continue
			}
			if ch.graceEnd.IsZero() {
				if now.After(ch.deadline) {
					ch.cancel()
					ch.graceEnd = now.Add(killGrace)
					logger.Warn("scheduler: task timed out, cancelling", "task", name)
				}
				continue
			}
			if now.After(ch.graceEnd) {
				// Hard-kill semantics: stop accounting for the child and
				// reschedule. The goroutine's eventual return is reaped above.
				ch.abandoned = true
				s.running--
				st.nextRunAt = now.Add(st.def.Every)
				logger.Error("scheduler: task ignored cancellation, abandoning", "task", name)
			}
		}
	}
}

func (s *Scheduler) liveCount(st *taskState) int {
	n := 0
	for _, ch := range st.children {
		if !ch.abandoned {
			n++
		}
	}
	return n
}

// startDue starts due tasks in (priority, name) order, subject to the global
// concurrency cap, singleton semantics, and heavy exclusion.
func (s *Scheduler) startDue(now time.Time) {
	heavyRunning := false
	for _, st := range s.tasks {
		if st.def.Heavy && s.liveCount(st) > 0 {
			heavyRunning = true
			break
		}
	}
	if heavyRunning {
		return
	}

	var due []*taskState
	for _, st := range s.tasks {
		if now.Before(st.nextRunAt) {
			continue
		}
		if st.def.Singleton && s.liveCount(st) > 0 {
			continue
		}
		due = append(due, st)
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i].def, due[j].def
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.Name < b.Name
	})

	for _, st := range due {
		if st.def.Heavy {
			// A heavy task starts only into an idle scheduler, and then
			// starts alone.
			if s.running == 0 {
				s.startChild(st, now)
			}
			return
		}
		if s.running >= s.maxConcurrent {
			return
		}
		s.startChild(st, now)
	}
}

func (s *Scheduler) startChild(st *taskState, now time.Time) {
	s.seq++
	seq := s.seq

	ctx, cancel := context.WithCancel(s.ctx)
	ch := &child{
		seq:       seq,
		cancel:    cancel,
		startedAt: now,
	}
	if st.def.Timeout > 0 {
		ch.deadline = now.Add(st.def.Timeout)
	}
	st.children[seq] = ch
	s.running++
	// Push nextRunAt forward so a slow child is not double-started; the real
	// reschedule happens at reap time.
	st.nextRunAt = now.Add(st.def.Every)

	name := st.def.Name
	fn := st.def.Fn
	go func() {
		defer cancel()
		var err error
		panicked := false
		func() {
			defer func() {
				if r := recover(); r != nil {
					panicked = true
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			err = fn(ctx)
		}()
		s.results <- childResult{name: name, seq: seq, err: err, panicked: panicked}
	}()
}

// Running reports the number of live children (for introspection and tests).
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
