// Package refresh holds the refresh obligations of the cache warmer.
//
// An Entry is one cached query plus the time it becomes due. Entries are kept
// in a Queue ordered by NextExecution, and the process-wide Queue is owned by
// a Manager. The persistent store is the source of truth; the queue is an
// index rebuilt from it at the start of every cycle.
package refresh
