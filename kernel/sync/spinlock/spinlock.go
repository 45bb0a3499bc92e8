// Package spinlock provides the mutual-exclusion primitive every kernel
// subsystem (buddy zone, pages allocator, heap, scheduler, each semaphore)
// owns one instance of. On real hardware a spinlock also disables
// interrupts for the duration of the critical section so the timer IRQ
// cannot reenter it; that pairing lives in the IRQ layer, which is out of
// scope here, so Lock/Unlock only provide the mutual exclusion half of the
// contract.
package spinlock

import "sync"

// Spinlock is a simple mutual-exclusion lock. The zero value is unlocked
// and ready to use.
type Spinlock struct {
	mu sync.Mutex
}

// Lock acquires the lock, blocking until it is available.
func (s *Spinlock) Lock() { s.mu.Lock() }

// Unlock releases the lock. Unlock on an unlocked Spinlock panics, the same
// as sync.Mutex.
func (s *Spinlock) Unlock() { s.mu.Unlock() }

// TryLock acquires the lock without blocking, reporting whether it
// succeeded.
func (s *Spinlock) TryLock() bool { return s.mu.TryLock() }
