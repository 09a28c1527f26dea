package worker

import "time"

// Manual is Executor with virtual clock that runs tasks only when asked
// to. Not safe for concurrent use.
type Manual struct {
	now     time.Time
	queue   taskQueue
	seq     uint64
	running bool
}

// NewManual returns Manual executor with clock set to start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now implements Executor.
func (m *Manual) Now() time.Time { return m.now }

// Post implements Executor.
func (m *Manual) Post(tag Tag, f func()) { m.PostDelayed(tag, 0, f) }

// PostDelayed implements Executor.
func (m *Manual) PostDelayed(tag Tag, d time.Duration, f func()) {
	m.seq++
	m.queue.push(&task{tag: tag, due: m.now.Add(d), seq: m.seq, f: f})
}

// Cancel implements Executor.
func (m *Manual) Cancel(tag Tag) { m.queue.remove(tag) }

// Invoke implements Executor by calling f inline.
func (m *Manual) Invoke(f func()) { f() }

// Pending returns count of queued tasks.
func (m *Manual) Pending() int { return len(m.queue) }

// Run executes all tasks that are due, including ones posted while
// running.
func (m *Manual) Run() {
	m.AdvanceTo(m.now)
}

// Advance moves clock forward by d, running every task that becomes due
// at its own time.
func (m *Manual) Advance(d time.Duration) {
	m.AdvanceTo(m.now.Add(d))
}

// AdvanceTo moves clock to t, running due tasks in order.
func (m *Manual) AdvanceTo(t time.Time) {
	if m.running {
		return
	}
	m.running = true
	defer func() { m.running = false }()
	for {
		next := m.queue.peek()
		if next == nil || next.due.After(t) {
			break
		}
		m.queue.pop()
		if next.due.After(m.now) {
			m.now = next.due
		}
		next.f()
	}
	if t.After(m.now) {
		m.now = t
	}
}
