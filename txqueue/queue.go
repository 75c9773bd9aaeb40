package txqueue

import "sort"

// DefaultQueueLen bounds each per-peer queue.
const DefaultQueueLen = 10

// Entry is one bundle awaiting announcement.
type Entry struct {
	Index    int
	Priority uint64
}

func (e Entry) before(o Entry) bool {
	if e.Priority != o.Priority {
		return e.Priority > o.Priority
	}
	return e.Index < o.Index
}

// Queue is a bounded list kept in announcement order. When full, the lowest
// entry is dropped and Overflow counts it. The queue is advisory: the
// selector can always rebuild it from priorities.
type Queue struct {
	entries  []Entry
	max      int
	Overflow uint64
}

func NewQueue(max int) *Queue {
	if max <= 0 {
		max = DefaultQueueLen
	}
	return &Queue{entries: make([]Entry, 0, max+1), max: max}
}

func (q *Queue) Len() int { return len(q.entries) }

// Entries returns a copy of the queue in order.
func (q *Queue) Entries() []Entry { return append([]Entry(nil), q.entries...) }

// Push inserts or re-ranks e. It reports false if e itself was dropped.
func (q *Queue) Push(e Entry) bool {
	q.Remove(e.Index)
	i := sort.Search(len(q.entries), func(i int) bool { return e.before(q.entries[i]) })
	q.entries = append(q.entries, Entry{})
	copy(q.entries[i+1:], q.entries[i:])
	q.entries[i] = e
	if len(q.entries) <= q.max {
		return true
	}
	dropped := q.entries[len(q.entries)-1]
	q.entries = q.entries[:q.max]
	q.Overflow++
	return dropped.Index != e.Index
}

// Peek returns the head without removing it.
func (q *Queue) Peek() (Entry, bool) {
	if len(q.entries) == 0 {
		return Entry{}, false
	}
	return q.entries[0], true
}

// Pop removes and returns the head.
func (q *Queue) Pop() (Entry, bool) {
	e, ok := q.Peek()
	if ok {
		q.entries = q.entries[1:]
	}
	return e, ok
}

// Remove drops the entry for a bundle index, if queued.
func (q *Queue) Remove(index int) {
	for i, e := range q.entries {
		if e.Index == index {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return
		}
	}
}

// Clear empties the queue, keeping the overflow count.
func (q *Queue) Clear() { q.entries = q.entries[:0] }
