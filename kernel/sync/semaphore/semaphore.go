// Package semaphore implements a counting semaphore with a FIFO waiter
// queue and an explicit remove-a-specific-waiter operation, the
// synchronization primitive kernel/proc blocks processes on.
//
// The waiter type is a type parameter rather than a concrete *Process so
// this package never needs to import kernel/proc — kernel/proc imports
// this package and instantiates Semaphore[*Process], not the other way
// around.
package semaphore

import (
	"github.com/ferrokernel/ferro/kernel/list"
	"github.com/ferrokernel/ferro/kernel/sync/spinlock"
)

// Semaphore is a counting semaphore. The zero value is a semaphore with a
// count of zero and no waiters; use New to start at a non-zero count.
type Semaphore[W any] struct {
	lock    spinlock.Spinlock
	count   int32
	waiters list.List[W]
}

// New returns a semaphore initialized to the given count (sem_init).
func New[W any](count int32) *Semaphore[W] {
	return &Semaphore[W]{count: count}
}

// Wait (sem_wait) attempts to acquire the semaphore without blocking. If the
// count is positive it is decremented and Wait reports true. Otherwise,
// waiter is enqueued at the back of the FIFO wait queue and Wait reports
// false — the caller (kernel/proc) is responsible for transitioning the
// owning process to the blocked state and must not run it again until a
// later Post or Remove call returns it.
func (s *Semaphore[W]) Wait(waiter *list.Node[W]) (acquired bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.count > 0 {
		s.count--
		return true
	}
	s.waiters.PushBack(waiter)
	return false
}

// Post (sem_post) releases the semaphore. If a waiter is queued, the
// longest-waiting one is dequeued and returned so the caller can make it
// runnable again; the count is left unchanged in that case, since the
// release is being handed directly to the waiter rather than banked. If no
// waiter is queued, the count is incremented instead and ok is false.
func (s *Semaphore[W]) Post() (woken W, ok bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if node := s.waiters.Front(); node != nil {
		s.waiters.Remove(node)
		return node.Value, true
	}
	s.count++
	var zero W
	return zero, false
}

// Remove (sem_remove) detaches waiter from the wait queue without granting
// it the semaphore. kernel/proc calls this when a blocked process is killed
// or otherwise leaves the blocked state out from under the semaphore it was
// queued on; it is a no-op if waiter is not currently queued.
func (s *Semaphore[W]) Remove(waiter *list.Node[W]) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.waiters.Remove(waiter)
}

// Count reports the current count. It does not reflect how many waiters are
// queued — a queued waiter implies the count was zero at the time it
// blocked, but Post may have since handed releases directly to waiters
// without ever making the count positive.
func (s *Semaphore[W]) Count() int32 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.count
}
