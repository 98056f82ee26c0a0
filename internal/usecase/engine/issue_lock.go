package engine

import "sync"

// issueLocks serializes scheduler operations per issue id. Waiters for the
// same issue are granted the lock strictly in arrival order; different issues
// never contend. The record for an issue is removed once its queue drains,
// so idle issues leave nothing behind.
type issueLocks struct {
	mu      sync.Mutex
	records map[string]*lockRecord
}

type lockRecord struct {
	waiters []chan struct{} // head is the next waiter to be granted the lock
}

func newIssueLocks() *issueLocks {
	return &issueLocks{records: make(map[string]*lockRecord)}
}

// Lock blocks until the caller holds the issue's lock, then returns the
// unlock function. Unlock must be called exactly once.
func (l *issueLocks) Lock(issueID string) (unlock func()) {
	l.mu.Lock()
	rec, ok := l.records[issueID]
	if !ok {
		l.records[issueID] = &lockRecord{}
		l.mu.Unlock()
		return func() { l.unlock(issueID) }
	}

	ch := make(chan struct{})
	rec.waiters = append(rec.waiters, ch)
	l.mu.Unlock()

	<-ch
	return func() { l.unlock(issueID) }
}

func (l *issueLocks) unlock(issueID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[issueID]
	if !ok {
		return
	}
	if len(rec.waiters) == 0 {
		delete(l.records, issueID)
		return
	}
	next := rec.waiters[0]
	rec.waiters = rec.waiters[1:]
	close(next)
}

// size returns the number of live lock records. Used by tests to verify that
// drained issues are forgotten.
func (l *issueLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}
