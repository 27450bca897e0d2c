package queue

import "github.com/guido-cesarano/signalq/pkg/tasks"

// entry pairs a task with its enqueue sequence so equal priorities stay FIFO.
// A retried task gets a fresh sequence and lands behind its peers.
type entry struct {
	task *tasks.Task
	seq  uint64
}

// taskHeap implements heap.Interface ordered by (priority, seq).
type taskHeap []*entry

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority < h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*entry)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
