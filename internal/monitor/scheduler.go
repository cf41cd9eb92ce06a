package monitor

import (
	"sort"
	"sync"
	"time"

	"github.com/channelhub/channelhub/internal/clock"
	"github.com/channelhub/channelhub/internal/safego"
)

// Scheduler runs fn every interval until the returned cancel is called.
// A task's runs never overlap.
type Scheduler interface {
	Every(interval time.Duration, fn func()) (cancel func())
}

// TickerScheduler runs tasks on real time, one goroutine per task.
type TickerScheduler struct{}

// Every implements Scheduler.
func (TickerScheduler) Every(interval time.Duration, fn func()) func() {
	stop := make(chan struct{})
	var once sync.Once

	safego.Go("monitor.ticker", func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				safego.Run("monitor.check", fn)
			}
		}
	})

	return func() { once.Do(func() { close(stop) }) }
}

// ManualScheduler runs tasks on virtual time. Advance moves the fake clock and
// runs every task that falls due, synchronously and in due-time order.
type ManualScheduler struct {
	clock *clock.Fake

	mu     sync.Mutex
	nextID int
	tasks  map[int]*manualTask
}

type manualTask struct {
	id       int
	interval time.Duration
	next     time.Time
	fn       func()
}

// NewManualScheduler returns a scheduler driven by clk.
func NewManualScheduler(clk *clock.Fake) *ManualScheduler {
	return &ManualScheduler{clock: clk, tasks: make(map[int]*manualTask)}
}

// Every implements Scheduler.
func (s *ManualScheduler) Every(interval time.Duration, fn func()) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.tasks[id] = &manualTask{id: id, interval: interval, next: s.clock.Now().Add(interval), fn: fn}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.tasks, id)
	}
}

// Advance moves virtual time forward by d, running due tasks along the way.
func (s *ManualScheduler) Advance(d time.Duration) {
	target := s.clock.Now().Add(d)
	for {
		task, ok := s.nextDue(target)
		if !ok {
			break
		}
		s.clock.Set(task.next)
		s.mu.Lock()
		// The task may have been cancelled by an earlier run in this loop.
		if live, ok := s.tasks[task.id]; ok {
			live.next = live.next.Add(live.interval)
		}
		s.mu.Unlock()
		task.fn()
	}
	s.clock.Set(target)
}

// Pending returns the number of scheduled tasks.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *ManualScheduler) nextDue(target time.Time) (*manualTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	due := make([]*manualTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		if !t.next.After(target) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil, false
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].next.Equal(due[j].next) {
			return due[i].id < due[j].id
		}
		return due[i].next.Before(due[j].next)
	})
	t := due[0]
	return &manualTask{id: t.id, interval: t.interval, next: t.next, fn: t.fn}, true
}
