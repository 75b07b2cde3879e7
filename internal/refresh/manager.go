package refresh

import "sync"

// Manager owns the refresh queue for the life of the process.
//
// The queue is created on first access and every later call returns the same
// instance, so callers share one mutable state. Only the warm-up cycle
// mutates queue membership; it does so while holding its own cycle lock, and
// the queue itself serializes individual operations.
type Manager struct {
	once  sync.Once
	queue *Queue
}

// NewManager returns a manager with a lazily created queue.
func NewManager() *Manager { return &Manager{} }

// Queue returns the managed queue, creating it on first use.
func (m *Manager) Queue() *Queue {
	m.once.Do(func() {
		m.queue = NewQueue()
	})
	return m.queue
}

var defaultManager = NewManager()

// DefaultManager returns the process-wide manager.
func DefaultManager() *Manager { return defaultManager }
