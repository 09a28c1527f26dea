package worker

import (
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Options for Loop.
type Options struct {
	Log   *zap.Logger
	Clock func() time.Time
}

// Loop is Executor backed by single goroutine.
type Loop struct {
	log    *zap.Logger
	clock  func() time.Time
	mux    sync.Mutex
	queue  taskQueue
	seq    uint64
	wake   chan struct{}
	done   chan struct{}
	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewLoop initializes and starts new Loop.
func NewLoop(o Options) *Loop {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	l := &Loop{
		log:   o.Log,
		clock: o.Clock,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

// Now implements Executor.
func (l *Loop) Now() time.Time { return l.clock() }

// Post implements Executor.
func (l *Loop) Post(tag Tag, f func()) { l.PostDelayed(tag, 0, f) }

// PostDelayed implements Executor.
func (l *Loop) PostDelayed(tag Tag, d time.Duration, f func()) {
	if l.closed.Load() {
		l.log.Debug("post on closed loop")
		return
	}
	l.mux.Lock()
	l.seq++
	l.queue.push(&task{tag: tag, due: l.clock().Add(d), seq: l.seq, f: f})
	l.mux.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Cancel implements Executor.
func (l *Loop) Cancel(tag Tag) {
	l.mux.Lock()
	n := l.queue.remove(tag)
	l.mux.Unlock()
	if n > 0 {
		if ce := l.log.Check(zap.DebugLevel, "canceled"); ce != nil {
			ce.Write(zap.Int("n", n))
		}
	}
}

// Invoke implements Executor. It must not be called from loop tasks,
// which already run on the loop.
func (l *Loop) Invoke(f func()) {
	if l.closed.Load() {
		return
	}
	done := make(chan struct{})
	l.Post(nil, func() {
		defer close(done)
		f()
	})
	select {
	case <-done:
	case <-l.done:
	}
}

// Close stops loop, waiting for the currently running task. Tasks that
// are still queued are discarded. Like Invoke, Close must not be called
// from loop tasks.
func (l *Loop) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	close(l.done)
	l.wg.Wait()
	return nil
}

func (l *Loop) next() (*task, time.Duration) {
	l.mux.Lock()
	defer l.mux.Unlock()
	t := l.queue.peek()
	if t == nil {
		return nil, -1
	}
	if wait := t.due.Sub(l.clock()); wait > 0 {
		return nil, wait
	}
	return l.queue.pop(), 0
}

func (l *Loop) run() {
	defer l.wg.Done()
	for {
		if l.closed.Load() {
			return
		}
		t, wait := l.next()
		if t != nil {
			t.f()
			continue
		}
		var timer *time.Timer
		var timeout <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			timeout = timer.C
		}
		select {
		case <-l.wake:
		case <-timeout:
		case <-l.done:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}
