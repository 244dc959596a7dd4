package tpc

import "container/heap"

// timedTask is a task with a deadline, ordered by deadline then insertion.
type timedTask struct {
	deadlineNanos int64
	seq           uint64
	task          func()
}

type timedHeap []*timedTask

func (h timedHeap) Len() int { return len(h) }
func (h timedHeap) Less(i, j int) bool {
	if h[i].deadlineNanos != h[j].deadlineNanos {
		return h[i].deadlineNanos < h[j].deadlineNanos
	}
	return h[i].seq < h[j].seq
}
func (h timedHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timedHeap) Push(x any) { *h = append(*h, x.(*timedTask)) }

func (h *timedHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// timerSet is the loop-owned deadline-ordered timer set. Not thread-safe;
// only the owning loop touches it.
type timerSet struct {
	heap timedHeap
	seq  uint64
}

func (t *timerSet) schedule(task func(), deadlineNanos int64) {
	t.seq++
	heap.Push(&t.heap, &timedTask{deadlineNanos: deadlineNanos, seq: t.seq, task: task})
}

// earliest returns the next deadline, or false when no timer is armed.
func (t *timerSet) earliest() (int64, bool) {
	if len(t.heap) == 0 {
		return 0, false
	}
	return t.heap[0].deadlineNanos, true
}

// expired pops the next task due at or before nowNanos.
func (t *timerSet) expired(nowNanos int64) (func(), bool) {
	if len(t.heap) == 0 || t.heap[0].deadlineNanos > nowNanos {
		return nil, false
	}
	tt := heap.Pop(&t.heap).(*timedTask)
	return tt.task, true
}

func (t *timerSet) size() int { return len(t.heap) }
