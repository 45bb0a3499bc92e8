package semaphore

import (
	"testing"

	"github.com/ferrokernel/ferro/kernel/list"
)

type fakeWaiter struct {
	pid  int32
	node list.Node[*fakeWaiter]
}

func TestWaitSucceedsImmediatelyWhenCountPositive(t *testing.T) {
	sem := New[*fakeWaiter](1)
	w := &fakeWaiter{pid: 1}
	w.node.Value = w

	if acquired := sem.Wait(&w.node); !acquired {
		t.Fatal("expected Wait to succeed immediately against a positive count")
	}
	if sem.Count() != 0 {
		t.Fatalf("expected count 0 after acquiring, got %d", sem.Count())
	}
}

func TestWaitBlocksWhenCountIsZero(t *testing.T) {
	sem := New[*fakeWaiter](0)
	w := &fakeWaiter{pid: 1}
	w.node.Value = w

	if acquired := sem.Wait(&w.node); acquired {
		t.Fatal("expected Wait to block against a zero count")
	}
}

func TestPostWakesWaitersInFIFOOrder(t *testing.T) {
	sem := New[*fakeWaiter](0)

	var waiters []*fakeWaiter
	for _, pid := range []int32{1, 2, 3} {
		w := &fakeWaiter{pid: pid}
		w.node.Value = w
		if sem.Wait(&w.node) {
			t.Fatalf("pid %d should not have acquired immediately", pid)
		}
		waiters = append(waiters, w)
	}

	for _, want := range waiters {
		woken, ok := sem.Post()
		if !ok {
			t.Fatal("expected Post to wake a queued waiter")
		}
		if woken.pid != want.pid {
			t.Fatalf("expected FIFO order to wake pid %d, woke pid %d", want.pid, woken.pid)
		}
	}

	// No more waiters: Post now increments the count instead.
	if _, ok := sem.Post(); ok {
		t.Fatal("expected Post with an empty wait queue to bank the count instead of waking anyone")
	}
	if sem.Count() != 1 {
		t.Fatalf("expected banked count of 1, got %d", sem.Count())
	}
}

func TestRemoveDetachesSpecificWaiter(t *testing.T) {
	sem := New[*fakeWaiter](0)

	a := &fakeWaiter{pid: 1}
	a.node.Value = a
	b := &fakeWaiter{pid: 2}
	b.node.Value = b

	sem.Wait(&a.node)
	sem.Wait(&b.node)

	sem.Remove(&a.node)

	woken, ok := sem.Post()
	if !ok || woken.pid != 2 {
		t.Fatalf("expected remaining waiter pid 2 to be woken, got %+v ok=%v", woken, ok)
	}
}
