// Package worker implements single-threaded task executors.
//
// Every ICE object is confined to one executor: timers, retransmissions,
// socket reads and signaling callbacks are posted as tasks and run one by
// one, so the objects themselves need no locks.
package worker

import (
	"container/heap"
	"time"
)

// Tag groups tasks for cancellation, usually a pointer to the owner.
type Tag interface{}

// Executor runs posted tasks sequentially.
type Executor interface {
	// Now returns current executor time.
	Now() time.Time
	// Post schedules f to run as soon as possible after already queued
	// tasks.
	Post(tag Tag, f func())
	// PostDelayed schedules f to run after d.
	PostDelayed(tag Tag, d time.Duration, f func())
	// Cancel removes all not yet started tasks posted with tag.
	Cancel(tag Tag)
	// Invoke runs f on executor and waits for completion. Tasks call
	// their own code directly instead.
	Invoke(f func())
}

type task struct {
	tag Tag
	due time.Time
	seq uint64
	f   func()
}

// taskQueue is min-heap of tasks ordered by due time, then by post order.
type taskQueue []*task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].due.Equal(q[j].due) {
		return q[i].seq < q[j].seq
	}
	return q[i].due.Before(q[j].due)
}

func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x interface{}) { *q = append(*q, x.(*task)) }

func (q *taskQueue) Pop() interface{} {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return t
}

func (q *taskQueue) push(t *task) { heap.Push(q, t) }

func (q *taskQueue) pop() *task { return heap.Pop(q).(*task) }

func (q taskQueue) peek() *task {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}

// remove deletes all tasks with tag and returns removed count.
func (q *taskQueue) remove(tag Tag) int {
	kept := (*q)[:0]
	removed := 0
	for _, t := range *q {
		if t.tag == tag {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(*q); i++ {
		(*q)[i] = nil
	}
	*q = kept
	heap.Init(q)
	return removed
}
