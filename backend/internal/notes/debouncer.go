package notes

import (
	"sync"
	"time"
)

type TimerClass int

const (
	PersistTimer TimerClass = iota
	PropagateTimer
)

func (c TimerClass) String() string {
	if c == PersistTimer {
		return "persist"
	}
	return "propagate"
}

type timerKey struct {
	line  int
	class TimerClass
}

type pendingTimer struct {
	id    uint64
	timer Timer
}

// Debouncer keeps at most one pending trailing timer per (line, class).
// It is not safe on its own: callers hold lock around every method, and fired
// callbacks run with lock held.
type Debouncer struct {
	sched   Scheduler
	lock    sync.Locker
	delays  map[TimerClass]time.Duration
	pending map[timerKey]pendingTimer
	nextID  uint64
}

func NewDebouncer(sched Scheduler, lock sync.Locker, persistDelay, propagateDelay time.Duration) *Debouncer {
	if sched == nil {
		sched = SystemScheduler
	}
	return &Debouncer{
		sched: sched,
		lock:  lock,
		delays: map[TimerClass]time.Duration{
			PersistTimer:   persistDelay,
			PropagateTimer: propagateDelay,
		},
		pending: make(map[timerKey]pendingTimer),
	}
}

// Schedule restarts the (line, class) timer. fn runs once after the quiet period
// unless the timer is rescheduled or cancelled first.
func (d *Debouncer) Schedule(line int, class TimerClass, fn func()) {
	key := timerKey{line: line, class: class}
	if cur, ok := d.pending[key]; ok {
		cur.timer.Stop()
	}
	d.nextID++
	id := d.nextID
	t := d.sched.AfterFunc(d.delays[class], func() {
		d.lock.Lock()
		defer d.lock.Unlock()
		// Stop 可能晚于触发；只认最新一次的 id
		cur, ok := d.pending[key]
		if !ok || cur.id != id {
			return
		}
		delete(d.pending, key)
		fn()
	})
	d.pending[key] = pendingTimer{id: id, timer: t}
}

func (d *Debouncer) Cancel(line int) {
	for _, class := range []TimerClass{PersistTimer, PropagateTimer} {
		key := timerKey{line: line, class: class}
		if cur, ok := d.pending[key]; ok {
			cur.timer.Stop()
			delete(d.pending, key)
		}
	}
}

func (d *Debouncer) CancelAll() {
	for key, cur := range d.pending {
		cur.timer.Stop()
		delete(d.pending, key)
	}
}

func (d *Debouncer) Pending(line int, class TimerClass) bool {
	_, ok := d.pending[timerKey{line: line, class: class}]
	return ok
}

func (d *Debouncer) PendingCount() int {
	return len(d.pending)
}
