package scheduler

import (
	"container/heap"

	"foreman/internal/workorder"
)

// Mode selects the queue ordering discipline.
type Mode string

const (
	ModeFIFO     Mode = "fifo"
	ModePriority Mode = "priority"
)

type queueItem struct {
	qwo      *workorder.QueuedWorkOrder
	sequence uint64 // insertion order, breaks ties
	index    int
}

// itemHeap orders by priority (max first) then insertion order. In FIFO mode
// every item gets priority 0, which degenerates to pure insertion order
// because SubmittedAt tracks insertion.
type itemHeap struct {
	items    []*queueItem
	priority bool
}

func (h *itemHeap) Len() int { return len(h.items) }

func (h *itemHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if h.priority && a.qwo.Priority != b.qwo.Priority {
		return a.qwo.Priority > b.qwo.Priority
	}
	if !a.qwo.SubmittedAt.Equal(b.qwo.SubmittedAt) {
		return a.qwo.SubmittedAt.Before(b.qwo.SubmittedAt)
	}
	return a.sequence < b.sequence
}

func (h *itemHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *itemHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(h.items)
	h.items = append(h.items, item)
}

func (h *itemHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	h.items = old[:n-1]
	return item
}

// workQueue is the scheduler's in-memory queue. Not goroutine-safe; the
// scheduler serializes access under its own mutex.
type workQueue struct {
	heap    itemHeap
	byID    map[string]*queueItem
	nextSeq uint64
}

func newWorkQueue(mode Mode) *workQueue {
	return &workQueue{
		heap: itemHeap{priority: mode == ModePriority},
		byID: make(map[string]*queueItem),
	}
}

func (q *workQueue) len() int {
	return q.heap.Len()
}

func (q *workQueue) contains(id string) bool {
	_, ok := q.byID[id]
	return ok
}

func (q *workQueue) push(qwo *workorder.QueuedWorkOrder) {
	item := &queueItem{qwo: qwo, sequence: q.nextSeq}
	q.nextSeq++
	heap.Push(&q.heap, item)
	q.byID[qwo.ID] = item
}

func (q *workQueue) peek() *workorder.QueuedWorkOrder {
	if q.heap.Len() == 0 {
		return nil
	}
	return q.heap.items[0].qwo
}

func (q *workQueue) pop() *workorder.QueuedWorkOrder {
	if q.heap.Len() == 0 {
		return nil
	}
	item := heap.Pop(&q.heap).(*queueItem)
	delete(q.byID, item.qwo.ID)
	return item.qwo
}

func (q *workQueue) remove(id string) *workorder.QueuedWorkOrder {
	item, ok := q.byID[id]
	if !ok {
		return nil
	}
	heap.Remove(&q.heap, item.index)
	delete(q.byID, id)
	return item.qwo
}

// position returns the 1-based dispatch position of id, or 0 when absent.
// O(n log n); only used for introspection endpoints.
func (q *workQueue) position(id string) int {
	if _, ok := q.byID[id]; !ok {
		return 0
	}
	ordered := q.ordered()
	for i, qwo := range ordered {
		if qwo.ID == id {
			return i + 1
		}
	}
	return 0
}

// ordered returns queue contents in dispatch order without mutating the heap.
func (q *workQueue) ordered() []*workorder.QueuedWorkOrder {
	clone := itemHeap{
		items:    make([]*queueItem, len(q.heap.items)),
		priority: q.heap.priority,
	}
	for i, item := range q.heap.items {
		cloned := *item
		clone.items[i] = &cloned
	}
	result := make([]*workorder.QueuedWorkOrder, 0, clone.Len())
	for clone.Len() > 0 {
		item := heap.Pop(&clone).(*queueItem)
		result = append(result, item.qwo)
	}
	return result
}
