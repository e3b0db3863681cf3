// Package scheduler implements the Scheduler (): each registered
// periodic task runs in its own dispatch goroutine (there is no single
// shared scheduling loop) that fires it at last+interval±jitter, each guarded by its own circuit breaker and a
// stuck-run detector, behind a process-wide kill switch.
//
// Grounded on the internal/sync/sync.go StartPeriodicSync/Stop
// (ticker + stop-channel shape, one goroutine per periodic concern) —
// generalized here from one hardcoded sync job to an arbitrary registry of
// named tasks. The per-task circuit breaker is its own inline copy of the
// CLOSED/OPEN/HALF_OPEN shape used by internal/health.Prober (with a fixed,
// unjittered recovery timeout), both traceable to the same other_examples'
// aidenlippert-zerostate CircuitBreaker source.
package scheduler

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ConcurrencyPolicy controls what happens when a task's handler is still
// running when its next fire time arrives.
type ConcurrencyPolicy string

const (
	PolicySkip   ConcurrencyPolicy = "skip" // default: drop the overlapping run
	PolicyQueue  ConcurrencyPolicy = "queue"
	PolicyCancel ConcurrencyPolicy = "cancel"
)

// DefaultStuckJobTimeout is the cutoff past which a still-running task is
// marked stuck.
const DefaultStuckJobTimeout = 2 * time.Hour

const taskFailureThreshold = 3
const taskRecoveryTimeout = 30 * time.Second

// Handler is a task's unit of work. It takes no context, so a running
// Handler cannot be cancelled; the `cancel` concurrency policy therefore
// behaves like `skip`.
type Handler func() error

// AlertSink receives stuck-task alerts; nil means alerts are dropped.
type AlertSink interface {
	Alert(taskID string, message string)
}

// Task is one registered periodic job.
type Task struct {
	ID                string
	Interval          time.Duration
	Jitter            time.Duration
	Handler           Handler
	StuckJobTimeout   time.Duration
	ConcurrencyPolicy ConcurrencyPolicy
}

func (t Task) withDefaults() Task {
	if t.StuckJobTimeout == 0 {
		t.StuckJobTimeout = DefaultStuckJobTimeout
	}
	if t.ConcurrencyPolicy == "" {
		t.ConcurrencyPolicy = PolicySkip
	}
	return t
}

type taskState struct {
	task Task

	mu           sync.Mutex
	running      bool
	runStartedAt time.Time
	runID        int64

	circuitState        string // closed | open | half-open
	consecutiveFailures int
	openedAt            time.Time

	paused bool
}

// Scheduler owns the registered tasks, each with its own dispatch goroutine.
type Scheduler struct {
	log   zerolog.Logger
	alert AlertSink

	mu    sync.Mutex
	tasks map[string]*taskState

	killed   bool
	stopCh   chan struct{}
	stopOnce sync.Once

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New constructs a Scheduler. alert may be nil.
func New(logger zerolog.Logger, alert AlertSink) *Scheduler {
	return &Scheduler{
		log:    logger.With().Str("component", "scheduler").Logger(),
		alert:  alert,
		tasks:  make(map[string]*taskState),
		stopCh: make(chan struct{}),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Register adds a task to the scheduler and starts its own dispatch
// goroutine, ticking at task.Interval and jittering each fire.
func (s *Scheduler) Register(task Task) {
	task = task.withDefaults()
	ts := &taskState{task: task, circuitState: "closed"}

	s.mu.Lock()
	s.tasks[task.ID] = ts
	s.mu.Unlock()

	go s.runLoop(ts)
}

func (s *Scheduler) jitter(base time.Duration, spread time.Duration) time.Duration {
	if spread <= 0 {
		return base
	}
	s.rngMu.Lock()
	offset := s.rng.Int63n(2*int64(spread)+1) - int64(spread)
	s.rngMu.Unlock()
	d := base + time.Duration(offset)
	if d < 0 {
		d = 0
	}
	return d
}

func (s *Scheduler) runLoop(ts *taskState) {
	timer := time.NewTimer(s.jitter(ts.task.Interval, ts.task.Jitter))
	defer timer.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-timer.C:
			s.fire(ts)
			timer.Reset(s.jitter(ts.task.Interval, ts.task.Jitter))
		}
	}
}

func (s *Scheduler) isKilled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.killed
}

func (s *Scheduler) fire(ts *taskState) {
	if s.isKilled() {
		return
	}

	ts.mu.Lock()
	if ts.paused {
		ts.mu.Unlock()
		return
	}
	if ts.circuitState == "open" {
		if time.Since(ts.openedAt) > taskRecoveryTimeout {
			ts.circuitState = "half-open"
		} else {
			ts.mu.Unlock()
			return
		}
	}
	if ts.running {
		switch ts.task.ConcurrencyPolicy {
		case PolicyQueue:
			// nothing is queued: the overlapping fire is dropped, as
			// with skip, and the task fires again on a later tick.
			ts.mu.Unlock()
			return
		case PolicyCancel:
			// handlers are expected to observe cancellation themselves;
			// the scheduler has no handle to force-cancel a running
			// Handler call, so this degrades to skip.
			ts.mu.Unlock()
			return
		default: // skip
			ts.mu.Unlock()
			return
		}
	}
	ts.running = true
	ts.runStartedAt = time.Now()
	ts.runID++
	runID := ts.runID
	ts.mu.Unlock()

	err := ts.task.Handler()

	ts.mu.Lock()
	// A stuck detector may have already cleared this run; don't resurrect it.
	if ts.runID == runID {
		ts.running = false
	}
	if err != nil {
		ts.consecutiveFailures++
		if ts.consecutiveFailures >= taskFailureThreshold {
			ts.circuitState = "open"
			ts.openedAt = time.Now()
			s.log.Warn().Str("task_id", ts.task.ID).Msg("task circuit opened after consecutive failures")
		}
	} else {
		ts.consecutiveFailures = 0
		ts.circuitState = "closed"
	}
	ts.mu.Unlock()

	if err != nil {
		s.log.Error().Err(err).Str("task_id", ts.task.ID).Msg("task run failed")
	}
}

// CheckStuck scans all tasks for runs exceeding their stuck timeout,
// marking them stuck, clearing the current-run id, and emitting an
// alert. Intended to be called periodically by the caller (e.g. from the
// same process's own health-check loop).
func (s *Scheduler) CheckStuck() []string {
	s.mu.Lock()
	tasks := make([]*taskState, 0, len(s.tasks))
	for _, ts := range s.tasks {
		tasks = append(tasks, ts)
	}
	s.mu.Unlock()

	var stuck []string
	for _, ts := range tasks {
		ts.mu.Lock()
		if ts.running && time.Since(ts.runStartedAt) > ts.task.StuckJobTimeout {
			ts.running = false
			ts.runID++ // invalidate the in-flight run so its eventual return is ignored
			stuck = append(stuck, ts.task.ID)
			id := ts.task.ID
			ts.mu.Unlock()

			s.log.Warn().Str("task_id", id).Msg("task marked stuck")
			if s.alert != nil {
				s.alert.Alert(id, "task exceeded stuck job timeout")
			}
			continue
		}
		ts.mu.Unlock()
	}
	return stuck
}

// Pause prevents a task from firing until Resume is called.
func (s *Scheduler) Pause(taskID string) {
	s.mu.Lock()
	ts, ok := s.tasks[taskID]
	s.mu.Unlock()
	if !ok {
		return
	}
	ts.mu.Lock()
	ts.paused = true
	ts.mu.Unlock()
}

// Resume re-enables a paused task.
func (s *Scheduler) Resume(taskID string) {
	s.mu.Lock()
	ts, ok := s.tasks[taskID]
	s.mu.Unlock()
	if !ok {
		return
	}
	ts.mu.Lock()
	ts.paused = false
	ts.mu.Unlock()
}

// TaskStatus is one row of List's report.
type TaskStatus struct {
	ID            string
	CircuitState  string
	Running       bool
	Paused        bool
	ConsecutiveFailures int
}

// List reports the current status of every registered task.
func (s *Scheduler) List() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskStatus, 0, len(s.tasks))
	for _, ts := range s.tasks {
		ts.mu.Lock()
		out = append(out, TaskStatus{
			ID: ts.task.ID, CircuitState: ts.circuitState, Running: ts.running,
			Paused: ts.paused, ConsecutiveFailures: ts.consecutiveFailures,
		})
		ts.mu.Unlock()
	}
	return out
}

// Kill is the process-wide kill switch: it halts all future firings. It
// does not interrupt a run already in progress.
func (s *Scheduler) Kill() {
	s.mu.Lock()
	s.killed = true
	s.mu.Unlock()
}

// Revive clears the kill switch.
func (s *Scheduler) Revive() {
	s.mu.Lock()
	s.killed = false
	s.mu.Unlock()
}

// Stop halts the dispatch loop for every registered task.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}
