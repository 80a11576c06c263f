package scheduler

import "container/heap"

// requestHeap is a max-heap over pending requests: highest priority first,
// submission order within a priority band. Implements heap.Interface; all
// access is guarded by the scheduler mutex.
type requestHeap []*request

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].params.Priority != h[j].params.Priority {
		return h[i].params.Priority > h[j].params.Priority
	}
	return h[i].seq < h[j].seq
}

func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *requestHeap) Push(x any) {
	r := x.(*request)
	r.heapIndex = len(*h)
	*h = append(*h, r)
}

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.heapIndex = -1
	*h = old[:n-1]
	return r
}

// remove takes the request at index i out of the heap. Used when a queued
// request is cancelled before dispatch.
func (h *requestHeap) remove(i int) *request {
	return heap.Remove(h, i).(*request)
}
