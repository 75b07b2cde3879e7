package refresh

import (
	"container/heap"
	"errors"
	"sort"
	"sync"
)

var ErrEmptyQueue = errors.New("refresh queue is empty")

type queueItem struct {
	entry Entry
	seq   uint64 // insertion order, breaks NextExecution ties
	index int
}

// entryHeap implements container/heap.Interface, earliest NextExecution first.
type entryHeap []*queueItem

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if !a.entry.NextExecution.Equal(b.entry.NextExecution) {
		return a.entry.NextExecution.Before(b.entry.NextExecution)
	}
	return a.seq < b.seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	it := x.(*queueItem)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil // avoid memory leak
	it.index = -1
	*h = old[:n-1]
	return it
}

// Queue is a min-queue of entries ordered by NextExecution, then insertion
// order. Entries are unique by QueryID. All methods are safe for concurrent
// use.
type Queue struct {
	mu    sync.Mutex
	items entryHeap
	byID  map[string]*queueItem
	seq   uint64
}

// NewQueue returns a queue holding entries.
func NewQueue(entries ...Entry) *Queue {
	q := &Queue{}
	q.Reset(entries)
	return q
}

// Reset replaces the queue contents. Later duplicates of a QueryID win.
func (q *Queue) Reset(entries []Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = make(entryHeap, 0, len(entries))
	q.byID = make(map[string]*queueItem, len(entries))
	for _, e := range entries {
		if it, ok := q.byID[e.QueryID]; ok {
			it.entry = e
			continue
		}
		q.seq++
		it := &queueItem{entry: e, seq: q.seq, index: len(q.items)}
		q.items = append(q.items, it)
		q.byID[e.QueryID] = it
	}
	heap.Init(&q.items)
}

// Peek returns the earliest entry without removing it.
func (q *Queue) Peek() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Entry{}, false
	}
	return q.items[0].entry, true
}

// Pop removes and returns the earliest entry. It returns ErrEmptyQueue when
// there is nothing to pop.
func (q *Queue) Pop() (Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Entry{}, ErrEmptyQueue
	}
	it := heap.Pop(&q.items).(*queueItem)
	delete(q.byID, it.entry.QueryID)
	return it.entry, nil
}

// Insert adds e to the queue. If an entry with the same QueryID is already
// queued it is replaced and moved to its new position.
func (q *Queue) Insert(e Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.byID == nil {
		q.byID = map[string]*queueItem{}
	}
	q.seq++
	if it, ok := q.byID[e.QueryID]; ok {
		it.entry = e
		it.seq = q.seq
		heap.Fix(&q.items, it.index)
		return
	}
	it := &queueItem{entry: e, seq: q.seq}
	heap.Push(&q.items, it)
	q.byID[e.QueryID] = it
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns a copy of the queued entries in pop order.
func (q *Queue) Snapshot() []Entry {
	q.mu.Lock()
	items := make([]*queueItem, len(q.items))
	copy(items, q.items)
	q.mu.Unlock()

	sort.Slice(items, func(i, j int) bool { return entryHeap(items).Less(i, j) })
	out := make([]Entry, len(items))
	for i, it := range items {
		out[i] = it.entry
	}
	return out
}
