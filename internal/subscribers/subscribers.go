// Package subscribers implements observer registry used for signals.
//
// Registry is not safe for concurrent use, it is owned by the emitter and
// accessed on its executor.
package subscribers

// List of subscribers.
type List struct {
	seq   int
	items []item
}

type item struct {
	id int
	v  interface{}
}

// Add registers v and returns function that removes it.
func (l *List) Add(v interface{}) (remove func()) {
	l.seq++
	id := l.seq
	l.items = append(l.items, item{id: id, v: v})
	return func() { l.remove(id) }
}

func (l *List) remove(id int) {
	for i := range l.items {
		if l.items[i].id != id {
			continue
		}
		l.items = append(l.items[:i:i], l.items[i+1:]...)
		return
	}
}

// Len returns subscribers count.
func (l *List) Len() int { return len(l.items) }

// Each calls f for every subscriber registered before the call. It is
// safe to add or remove subscribers from f.
func (l *List) Each(f func(v interface{})) {
	if len(l.items) == 0 {
		return
	}
	snapshot := make([]item, len(l.items))
	copy(snapshot, l.items)
	for _, it := range snapshot {
		f(it.v)
	}
}

// Clear removes all subscribers.
func (l *List) Clear() { l.items = nil }
