// Package sched runs periodic tasks from a single externally driven tick.
package sched

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

type Task struct {
	s        *Scheduler
	interval time.Duration
	fn       func(now time.Time)
	next     time.Time
	armed    bool
	canceled atomic.Bool
}

// Cancel stops the task: no Tick that begins after Cancel returns will
// run fn. A run that a Tick has already picked up is not interrupted and
// may still be executing, so Cancel can be called from inside fn. It is
// safe to call more than once.
func (t *Task) Cancel() {
	if t == nil || t.canceled.Swap(true) {
		return
	}
	t.s.remove(t)
}

func (t *Task) Canceled() bool { return t.canceled.Load() }

type Scheduler struct {
	mu    sync.Mutex
	tasks []*Task
}

func New() *Scheduler { return &Scheduler{} }

// Every registers fn to run every interval. The first run happens on the
// first Tick at or after one interval from that tick.
func (s *Scheduler) Every(interval time.Duration, fn func(now time.Time)) *Task {
	t := &Task{s: s, interval: interval, fn: fn}
	s.mu.Lock()
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()
	return t
}

func (s *Scheduler) remove(t *Task) {
	s.mu.Lock()
	s.tasks = slices.DeleteFunc(s.tasks, func(x *Task) bool { return x == t })
	s.mu.Unlock()
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Tick runs every due task in registration order on the calling goroutine.
// A task canceled by an earlier task of the same tick is skipped.
func (s *Scheduler) Tick(now time.Time) {
	s.mu.Lock()
	due := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if !t.armed {
			t.armed = true
			t.next = now.Add(t.interval)
			continue
		}
		if !now.Before(t.next) {
			t.next = t.next.Add(t.interval)
			if t.next.Before(now) {
				t.next = now.Add(t.interval)
			}
			due = append(due, t)
		}
	}
	s.mu.Unlock()

	for _, t := range due {
		if t.canceled.Load() {
			continue
		}
		t.fn(now)
	}
}
