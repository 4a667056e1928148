package task

import (
	"container/list"

	"jobbroker/lib/core"
)

// jobQueue is a FIFO of queued Jobs for a single function, with front
// insertion for high-priority submissions, matching the source's use of
// Python's collections.deque (original_source/gearman/server.py).
type jobQueue struct {
	l *list.List
}

func newJobQueue() *jobQueue {
	return &jobQueue{l: list.New()}
}

func (q *jobQueue) PushFront(job *core.Job) {
	q.l.PushFront(job)
}

func (q *jobQueue) PushBack(job *core.Job) {
	q.l.PushBack(job)
}

// PopFront removes and returns the job at the front of the queue, or nil
// if the queue is empty.
func (q *jobQueue) PopFront() *core.Job {
	front := q.l.Front()
	if front == nil {
		return nil
	}
	q.l.Remove(front)
	return front.Value.(*core.Job)
}

func (q *jobQueue) Len() int {
	return q.l.Len()
}

// Remove deletes the first queued Job with the given handle, if present.
// This is the O(n) scan over a function's queue that deregister_client is
// explicitly permitted to perform.
func (q *jobQueue) Remove(h core.Handle) bool {
	for e := q.l.Front(); e != nil; e = e.Next() {
		if e.Value.(*core.Job).Handle == h {
			q.l.Remove(e)
			return true
		}
	}
	return false
}
