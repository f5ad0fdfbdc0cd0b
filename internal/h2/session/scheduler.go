package session

// Scheduler defers a task to the next turn of the connection's event loop.
// Deferred stream destruction, ping teardown, and scheduled writes all run
// through it so that no application callback fires from inside codec
// callback processing.
type Scheduler interface {
	Defer(fn func())
}

// Loop is a minimal in-process Scheduler. Tasks deferred during a Tick run
// on the following Tick, matching "next scheduling turn" semantics. It is
// not safe for concurrent use; like the session itself it belongs to one
// event-loop goroutine.
type Loop struct {
	tasks []func()
}

func (l *Loop) Defer(fn func()) {
	l.tasks = append(l.tasks, fn)
}

// Tick runs every task deferred before this call and reports whether any
// ran. Tasks deferred by the tasks themselves wait for the next Tick.
func (l *Loop) Tick() bool {
	if len(l.tasks) == 0 {
		return false
	}
	batch := l.tasks
	l.tasks = nil
	for _, fn := range batch {
		fn()
	}
	return true
}

// Drain ticks until no deferred work remains.
func (l *Loop) Drain() {
	for l.Tick() {
	}
}
