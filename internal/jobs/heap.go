package jobs

import (
	"container/heap"
	"time"
)

// entry orders jobs by (due, seq). Entries are never removed when a job leaves
// the queued state; popReadyLocked discards them when they surface.
type entry struct {
	due time.Time
	seq uint64
	id  string
}

type dueQueue []entry

func (q dueQueue) Len() int { return len(q) }
func (q dueQueue) Less(i, j int) bool {
	if q[i].due.Equal(q[j].due) {
		return q[i].seq < q[j].seq
	}
	return q[i].due.Before(q[j].due)
}
func (q dueQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *dueQueue) Push(x any)   { *q = append(*q, x.(entry)) }
func (q *dueQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = entry{}
	*q = old[:n-1]
	return e
}

func (q *dueQueue) push(e entry) { heap.Push(q, e) }
func (q *dueQueue) pop() entry   { return heap.Pop(q).(entry) }
func (q dueQueue) peek() entry   { return q[0] }
