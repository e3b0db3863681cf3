package scheduler

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAlertSink struct {
	mu     sync.Mutex
	alerts []string
}

func (r *recordingAlertSink) Alert(taskID string, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, taskID)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestRegister_FiresHandlerPeriodically(t *testing.T) {
	s := New(zerolog.Nop(), nil)
	defer s.Stop()

	var count int64
	s.Register(Task{ID: "ping", Interval: 5 * time.Millisecond, Handler: func() error {
		atomic.AddInt64(&count, 1)
		return nil
	}})

	waitFor(t, time.Second, func() bool { return atomic.LoadInt64(&count) >= 3 })
}

func TestCircuitBreaker_OpensAfterThreeConsecutiveFailures(t *testing.T) {
	s := New(zerolog.Nop(), nil)
	defer s.Stop()

	s.Register(Task{ID: "flaky", Interval: 5 * time.Millisecond, Handler: func() error {
		return errors.New("boom")
	}})

	waitFor(t, time.Second, func() bool {
		for _, st := range s.List() {
			if st.ID == "flaky" && st.CircuitState == "open" {
				return true
			}
		}
		return false
	})
}

func TestPauseResume_StopsAndRestartsFiring(t *testing.T) {
	s := New(zerolog.Nop(), nil)
	defer s.Stop()

	var count int64
	s.Register(Task{ID: "toggle", Interval: 5 * time.Millisecond, Handler: func() error {
		atomic.AddInt64(&count, 1)
		return nil
	}})

	waitFor(t, time.Second, func() bool { return atomic.LoadInt64(&count) >= 1 })
	s.Pause("toggle")
	time.Sleep(10 * time.Millisecond)
	paused := atomic.LoadInt64(&count)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, paused, atomic.LoadInt64(&count))

	s.Resume("toggle")
	waitFor(t, time.Second, func() bool { return atomic.LoadInt64(&count) > paused })
}

func TestKill_HaltsAllTasks(t *testing.T) {
	s := New(zerolog.Nop(), nil)
	defer s.Stop()

	var count int64
	s.Register(Task{ID: "a", Interval: 5 * time.Millisecond, Handler: func() error {
		atomic.AddInt64(&count, 1)
		return nil
	}})

	waitFor(t, time.Second, func() bool { return atomic.LoadInt64(&count) >= 1 })
	s.Kill()
	time.Sleep(5 * time.Millisecond)
	frozen := atomic.LoadInt64(&count)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, frozen, atomic.LoadInt64(&count))
}

func TestSkipPolicy_DropsOverlappingRun(t *testing.T) {
	s := New(zerolog.Nop(), nil)
	defer s.Stop()

	var started, completed int64
	release := make(chan struct{})
	s.Register(Task{ID: "slow", Interval: 2 * time.Millisecond, Handler: func() error {
		atomic.AddInt64(&started, 1)
		<-release
		atomic.AddInt64(&completed, 1)
		return nil
	}})

	waitFor(t, time.Second, func() bool { return atomic.LoadInt64(&started) == 1 })
	time.Sleep(20 * time.Millisecond) // several ticks land while the handler blocks
	require.Equal(t, int64(1), atomic.LoadInt64(&started))
	close(release)
	waitFor(t, time.Second, func() bool { return atomic.LoadInt64(&completed) == 1 })
}

func TestCheckStuck_MarksLongRunningTaskAndAlerts(t *testing.T) {
	s := New(zerolog.Nop(), &recordingAlertSink{})
	alert := s.alert.(*recordingAlertSink)
	defer s.Stop()

	block := make(chan struct{})
	s.Register(Task{ID: "wedged", Interval: 5 * time.Millisecond, StuckJobTimeout: time.Millisecond, Handler: func() error {
		<-block
		return nil
	}})

	waitFor(t, time.Second, func() bool {
		for _, st := range s.List() {
			if st.ID == "wedged" && st.Running {
				return true
			}
		}
		return false
	})
	time.Sleep(5 * time.Millisecond)

	stuck := s.CheckStuck()
	assert.Contains(t, stuck, "wedged")

	waitFor(t, time.Second, func() bool {
		alert.mu.Lock()
		defer alert.mu.Unlock()
		return len(alert.alerts) > 0
	})
	close(block)
}

func TestList_ReportsRegisteredTasks(t *testing.T) {
	s := New(zerolog.Nop(), nil)
	defer s.Stop()

	s.Register(Task{ID: "one", Interval: time.Hour, Handler: func() error { return nil }})
	s.Register(Task{ID: "two", Interval: time.Hour, Handler: func() error { return nil }})

	statuses := s.List()
	ids := make(map[string]bool)
	for _, st := range statuses {
		ids[st.ID] = true
	}
	assert.True(t, ids["one"])
	assert.True(t, ids["two"])
}
