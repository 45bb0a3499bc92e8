package physical

import (
	"testing"
	"unsafe"

	"github.com/ferrokernel/ferro/kernel/errors"
	"github.com/ferrokernel/ferro/kernel/mem"
)

// testArenas pins every backing arena handed to InitZone for the lifetime
// of the test binary: the zone only keeps a raw uintptr, which is invisible
// to the garbage collector, so something else must keep the slice alive.
var testArenas [][]byte

// newTestZone allocates a real backing arena standing in for a firmware
// memory region and initializes a zone over it.
func newTestZone(t *testing.T, kind Zone, frameCount uint32) {
	t.Helper()
	arena := make([]byte, uintptr(frameCount)*uintptr(mem.PageSize)+uintptr(mem.PageSize))
	testArenas = append(testArenas, arena)
	base := mem.Align(uintptr(unsafe.Pointer(&arena[0])), uintptr(mem.PageSize))
	if err := InitZone(kind, base, frameCount); err != nil {
		t.Fatalf("InitZone: %v", err)
	}
}

func TestBuddyNoDuplicateAllocations(t *testing.T) {
	const order = mem.PageOrder(0)
	newTestZone(t, ZoneKernel, 64)

	seen := make(map[uintptr]bool)
	var count int
	for {
		addr, err := AllocatePage(ZoneKernel, order, FlagDoNotClear)
		if err != nil {
			break
		}
		if seen[addr] {
			t.Fatalf("address 0x%x allocated twice", addr)
		}
		seen[addr] = true
		count++
	}

	if count != 64 {
		t.Fatalf("expected 64 order-0 allocations, got %d", count)
	}

	for addr := range seen {
		if err := FreePage(ZoneKernel, addr, order); err != nil {
			t.Fatalf("FreePage: %v", err)
		}
	}

	var countAgain int
	for {
		_, err := AllocatePage(ZoneKernel, order, FlagDoNotClear)
		if err != nil {
			break
		}
		countAgain++
	}
	if countAgain != count {
		t.Fatalf("expected repeated exhaustion to also yield %d pages, got %d", count, countAgain)
	}
}

func TestBuddyRoundTrip(t *testing.T) {
	newTestZone(t, ZoneKernel, 16)

	before := AllocatedPages(ZoneKernel)
	addr, err := AllocatePage(ZoneKernel, 2, FlagDoNotClear)
	if err != nil {
		t.Fatalf("AllocatePage: %v", err)
	}
	if got := AllocatedPages(ZoneKernel); got != before+4 {
		t.Fatalf("expected %d allocated pages, got %d", before+4, got)
	}
	if err := FreePage(ZoneKernel, addr, 2); err != nil {
		t.Fatalf("FreePage: %v", err)
	}
	if got := AllocatedPages(ZoneKernel); got != before {
		t.Fatalf("round trip left %d pages allocated, expected %d", got, before)
	}
}

func TestBuddyExhaustion(t *testing.T) {
	const n = 32
	newTestZone(t, ZoneDMA, n)

	var got int
	for {
		_, err := AllocatePage(ZoneDMA, 0, FlagDoNotClear)
		if err != nil {
			break
		}
		got++
	}
	if got != n {
		t.Fatalf("expected exactly %d order-0 allocations, got %d", n, got)
	}
	if _, err := AllocatePage(ZoneDMA, 0, FlagDoNotClear); err != errors.ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory, got %v", err)
	}
}

func TestOrderMix(t *testing.T) {
	newTestZone(t, ZoneUser, 1<<9)

	for i := 0; i < 1024; i++ {
		big, err := AllocatePage(ZoneUser, 8, FlagDoNotClear)
		if err != nil {
			t.Fatalf("iteration %d: alloc order 8: %v", i, err)
		}
		small, err := AllocatePage(ZoneUser, 0, FlagDoNotClear)
		if err != nil {
			t.Fatalf("iteration %d: alloc order 0: %v", i, err)
		}

		mem.MemsetFn(big, 0xff, uint32(mem.PageSize)<<8)
		mem.MemsetFn(small, 0xff, uint32(mem.PageSize))

		if err := FreePage(ZoneUser, big, 8); err != nil {
			t.Fatalf("iteration %d: free order 8: %v", i, err)
		}
		if err := FreePage(ZoneUser, small, 0); err != nil {
			t.Fatalf("iteration %d: free order 0: %v", i, err)
		}
	}

	if got := AllocatedPages(ZoneUser); got != 0 {
		t.Fatalf("expected 0 allocated pages after order-mix loop, got %d", got)
	}
}

func TestFreeUnknownPointerIsRejected(t *testing.T) {
	newTestZone(t, ZoneKernel, 4)

	if err := FreePage(ZoneKernel, 0, 0); err != ErrPageNotAllocated {
		t.Fatalf("expected ErrPageNotAllocated, got %v", err)
	}
}
