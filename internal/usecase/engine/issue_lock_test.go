package engine

import (
	"sync"
	"testing"
	"time"
)

func TestLockSerializesSameIssueFIFO(t *testing.T) {
	locks := newIssueLocks()

	var mu sync.Mutex
	var order []int

	unlock := locks.Lock("issue-1")

	var wg sync.WaitGroup
	for i := 1; i <= 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u := locks.Lock("issue-1")
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			u()
		}(i)
		// Give each goroutine time to enqueue so arrival order is fixed.
		time.Sleep(10 * time.Millisecond)
	}

	unlock()
	wg.Wait()

	for i, got := range order {
		if got != i+1 {
			t.Fatalf("order = %v, want strictly FIFO", order)
		}
	}
}

func TestLockDifferentIssuesDoNotContend(t *testing.T) {
	locks := newIssueLocks()

	unlock := locks.Lock("issue-1")
	defer unlock()

	done := make(chan struct{})
	go func() {
		u := locks.Lock("issue-2")
		u()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different issue blocked")
	}
}

func TestLockRecordRemovedWhenDrained(t *testing.T) {
	locks := newIssueLocks()

	unlock := locks.Lock("issue-1")
	unlock()

	if n := locks.size(); n != 0 {
		t.Fatalf("lock records = %d after drain, want 0", n)
	}
}

func TestLockHandoffKeepsRecordUntilLastUnlock(t *testing.T) {
	locks := newIssueLocks()

	first := locks.Lock("issue-1")

	acquired := make(chan func())
	go func() {
		acquired <- locks.Lock("issue-1")
	}()
	// Let the second caller enqueue.
	time.Sleep(20 * time.Millisecond)

	first()
	second := <-acquired
	if n := locks.size(); n != 1 {
		t.Fatalf("lock records = %d while held, want 1", n)
	}
	second()
	if n := locks.size(); n != 0 {
		t.Fatalf("lock records = %d after drain, want 0", n)
	}
}
