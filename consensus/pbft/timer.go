package pbft

import (
	"sync"
	"time"
)

// timerTable holds one round-change timer per instance. Restart stops the
// old timer and arms a new one under a single lock; every arm bumps the
// instance's generation, and a callback whose generation is no longer
// current does nothing. time.Timer.Stop cannot recall a callback that has
// already started, so the generation is what keeps a superseded timer from
// acting.
type timerTable struct {
	mu     sync.Mutex
	timers map[int]*time.Timer
	gens   map[int]uint64
}

func newTimerTable() *timerTable {
	return &timerTable{
		timers: make(map[int]*time.Timer),
		gens:   make(map[int]uint64),
	}
}

// restart (re)arms instance's timer to call onExpire after d.
func (tt *timerTable) restart(instance int, d time.Duration, onExpire func()) {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	if t, ok := tt.timers[instance]; ok {
		t.Stop()
	}
	tt.gens[instance]++
	gen := tt.gens[instance]

	tt.timers[instance] = time.AfterFunc(d, func() {
		tt.mu.Lock()
		current := tt.gens[instance] == gen
		if current {
			delete(tt.timers, instance)
		}
		tt.mu.Unlock()

		if current {
			onExpire()
		}
	})
}

// stop cancels instance's timer.
func (tt *timerTable) stop(instance int) {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	if t, ok := tt.timers[instance]; ok {
		t.Stop()
		delete(tt.timers, instance)
	}
	tt.gens[instance]++
}

// running reports whether instance has an armed timer.
func (tt *timerTable) running(instance int) bool {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	_, ok := tt.timers[instance]
	return ok
}

// prune forgets instances <= upTo.
func (tt *timerTable) prune(upTo int) {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	for instance, t := range tt.timers {
		if instance <= upTo {
			t.Stop()
			delete(tt.timers, instance)
		}
	}
	for instance := range tt.gens {
		if instance <= upTo {
			delete(tt.gens, instance)
		}
	}
}

// stopAll cancels every timer.
func (tt *timerTable) stopAll() {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	for instance, t := range tt.timers {
		t.Stop()
		delete(tt.timers, instance)
		tt.gens[instance]++
	}
}
