package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually advanced clock plus scheduler for tests. Advancing
// past a scheduled time runs the callback synchronously on the caller's
// goroutine, in firing order.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	pending map[string]fakeTask
}

type fakeTask struct {
	at time.Time
	fn func()
}

func NewFake(start time.Time) *Fake {
	return &Fake{now: start, pending: make(map[string]fakeTask)}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Schedule(key string, at time.Time, fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[key] = fakeTask{at: at, fn: fn}
}

func (f *Fake) Cancel(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pending, key)
}

func (f *Fake) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = make(map[string]fakeTask)
}

// Advance moves the clock forward and fires every task whose time has
// come, earliest first. Tasks scheduled by fired callbacks are honored
// within the same advance when due.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()
	f.AdvanceTo(target)
}

// AdvanceTo moves the clock to an absolute time.
func (f *Fake) AdvanceTo(target time.Time) {
	for {
		f.mu.Lock()
		var dueKeys []string
		for k, t := range f.pending {
			if !t.at.After(target) {
				dueKeys = append(dueKeys, k)
			}
		}
		if len(dueKeys) == 0 {
			f.now = target
			f.mu.Unlock()
			return
		}
		sort.Slice(dueKeys, func(i, j int) bool {
			return f.pending[dueKeys[i]].at.Before(f.pending[dueKeys[j]].at)
		})
		k := dueKeys[0]
		task := f.pending[k]
		delete(f.pending, k)
		if task.at.After(f.now) {
			f.now = task.at
		}
		f.mu.Unlock()
		task.fn()
	}
}

// Pending reports the number of scheduled tasks.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}
