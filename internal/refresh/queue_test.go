package refresh

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func entryAt(id string, offset time.Duration) Entry {
	return Entry{
		QueryID:       id,
		Owner:         "alice",
		NextExecution: base.Add(offset),
		Interval:      MustParseInterval("10m"),
	}
}

func TestQueuePopsInNextExecutionOrder(t *testing.T) {
	t.Parallel()
	q := NewQueue(
		entryAt("c", 3*time.Minute),
		entryAt("a", time.Minute),
		entryAt("d", 4*time.Minute),
	)
	q.Insert(entryAt("b", 2*time.Minute))
	q.Insert(entryAt("z", -time.Minute))

	want := []string{"z", "a", "b", "c", "d"}
	for i, id := range want {
		e, err := q.Pop()
		if err != nil {
			t.Fatalf("Pop #%d error: %v", i, err)
		}
		if e.QueryID != id {
			t.Fatalf("Pop #%d = %s, want %s", i, e.QueryID, id)
		}
	}
	if _, err := q.Pop(); !errors.Is(err, ErrEmptyQueue) {
		t.Fatalf("Pop on empty queue err = %v, want ErrEmptyQueue", err)
	}
}

func TestQueueTiesBreakByInsertionOrder(t *testing.T) {
	t.Parallel()
	q := NewQueue()
	for _, id := range []string{"first", "second", "third"} {
		q.Insert(entryAt(id, 0))
	}
	for _, id := range []string{"first", "second", "third"} {
		e, _ := q.Pop()
		if e.QueryID != id {
			t.Fatalf("got %s, want %s", e.QueryID, id)
		}
	}
}

func TestQueuePeekDoesNotMutate(t *testing.T) {
	t.Parallel()
	q := NewQueue(entryAt("a", time.Minute), entryAt("b", 0))
	for i := 0; i < 3; i++ {
		e, ok := q.Peek()
		if !ok || e.QueryID != "b" {
			t.Fatalf("Peek = %v/%v, want b", e.QueryID, ok)
		}
	}
	if q.Len() != 2 {
		t.Fatalf("Len = %d, want 2", q.Len())
	}
	if _, ok := NewQueue().Peek(); ok {
		t.Fatal("Peek on empty queue reported an entry")
	}
}

func TestQueueInsertReplacesSameQuery(t *testing.T) {
	t.Parallel()
	q := NewQueue(entryAt("a", 0), entryAt("b", time.Minute))
	q.Insert(entryAt("a", 5*time.Minute))

	if q.Len() != 2 {
		t.Fatalf("Len = %d, want 2 (no duplicates)", q.Len())
	}
	got := q.Snapshot()
	if got[0].QueryID != "b" || got[1].QueryID != "a" {
		t.Fatalf("order = %s,%s, want b,a", got[0].QueryID, got[1].QueryID)
	}
	if !got[1].NextExecution.Equal(base.Add(5 * time.Minute)) {
		t.Fatalf("replaced entry kept stale time %v", got[1].NextExecution)
	}
}

func TestQueuePopRemovesMinimumRandomized(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(7))
	q := NewQueue()
	for i := 0; i < 2000; i++ {
		q.Insert(entryAt(fmt.Sprintf("q%d", i), time.Duration(rng.Intn(10000))*time.Second))
	}
	prev := time.Time{}
	for q.Len() > 0 {
		top, _ := q.Peek()
		e, err := q.Pop()
		if err != nil {
			t.Fatalf("Pop error: %v", err)
		}
		if e.QueryID != top.QueryID {
			t.Fatalf("Pop returned %s, Peek said %s", e.QueryID, top.QueryID)
		}
		if e.NextExecution.Before(prev) {
			t.Fatalf("out of order: %v before %v", e.NextExecution, prev)
		}
		prev = e.NextExecution
	}
}

func TestQueueConcurrentInsertPop(t *testing.T) {
	t.Parallel()
	q := NewQueue()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				q.Insert(entryAt(fmt.Sprintf("w%d-%d", w, i), time.Duration(i)*time.Second))
			}
		}(w)
	}
	wg.Wait()
	if q.Len() != 1600 {
		t.Fatalf("Len = %d, want 1600", q.Len())
	}

	seen := make(map[string]bool)
	var mu sync.Mutex
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				e, err := q.Pop()
				if err != nil {
					return
				}
				mu.Lock()
				if seen[e.QueryID] {
					mu.Unlock()
					t.Errorf("entry %s popped twice", e.QueryID)
					return
				}
				seen[e.QueryID] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(seen) != 1600 {
		t.Fatalf("popped %d entries, want 1600", len(seen))
	}
}

func TestManagerReturnsSameQueue(t *testing.T) {
	t.Parallel()
	m := NewManager()
	q1 := m.Queue()
	q1.Insert(entryAt("a", 0))
	if q2 := m.Queue(); q2 != q1 || q2.Len() != 1 {
		t.Fatal("Queue() did not return the shared instance")
	}
	if DefaultManager() != DefaultManager() {
		t.Fatal("DefaultManager is not process-wide")
	}
}
