package vmm

import (
	"testing"
	"unsafe"

	"github.com/ferrokernel/ferro/kernel/mem"
	"github.com/ferrokernel/ferro/kernel/mem/physical"
)

var testArenas [][]byte

func resetZone(t *testing.T, frameCount uint32) {
	t.Helper()
	arena := make([]byte, uintptr(frameCount+1)*uintptr(mem.PageSize))
	base := mem.Align(uintptr(unsafe.Pointer(&arena[0])), uintptr(mem.PageSize))
	if err := physical.InitZone(physical.ZoneUser, base, frameCount); err != nil {
		t.Fatalf("InitZone: %v", err)
	}
	testArenas = append(testArenas, arena)
}

func TestAllocRejectsOverlap(t *testing.T) {
	resetZone(t, 64)
	m := New()

	if _, err := m.Alloc(0x1000, 4, FlagRead|FlagWrite); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if _, err := m.Alloc(0x1000+uintptr(mem.PageSize), 4, FlagRead); err != ErrOverlappingRegion {
		t.Fatalf("expected ErrOverlappingRegion, got %v", err)
	}
}

func TestHandleFaultMapsOnFirstTouch(t *testing.T) {
	resetZone(t, 64)
	m := New()

	if _, err := m.Alloc(0x2000, 1, FlagRead|FlagWrite); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if m.IsMapped(0x2000) {
		t.Fatal("expected fresh region to have no backing before a fault")
	}
	if err := m.HandleFault(0x2000, false); err != nil {
		t.Fatalf("HandleFault: %v", err)
	}
	if !m.IsMapped(0x2000) {
		t.Fatal("expected HandleFault to establish physical backing")
	}
}

func TestHandleFaultRejectsWriteToReadOnlyRegion(t *testing.T) {
	resetZone(t, 64)
	m := New()

	if _, err := m.Alloc(0x3000, 1, FlagRead); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := m.HandleFault(0x3000, true); err != ErrProtectionViolation {
		t.Fatalf("expected ErrProtectionViolation, got %v", err)
	}
}

func TestContainsRangeCrossesAdjacentRegions(t *testing.T) {
	resetZone(t, 64)
	m := New()

	if _, err := m.Alloc(0x10000, 2, FlagRead); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if _, err := m.Alloc(0x10000+2*uintptr(mem.PageSize), 1, FlagRead); err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	if !m.ContainsRange(0x10000, 3*uintptr(mem.PageSize)) {
		t.Fatal("expected a range tiled by two adjacent regions to be contained")
	}
	if m.ContainsRange(0x10000, 3*uintptr(mem.PageSize)+1) {
		t.Fatal("expected a range running past the last region to be rejected")
	}
	if m.ContainsRange(0x9000, uintptr(mem.PageSize)) {
		t.Fatal("expected a range outside every region to be rejected")
	}
	if !m.ContainsRange(0x10000, 0) {
		t.Fatal("expected an empty range to be trivially contained")
	}
}

func TestForkSharesPagesUntilWriteFault(t *testing.T) {
	resetZone(t, 64)
	parent := New()

	if _, err := parent.Alloc(0x4000, 1, FlagRead|FlagWrite); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := parent.HandleFault(0x4000, true); err != nil {
		t.Fatalf("HandleFault: %v", err)
	}

	parentFrame := parent.mapped[0x4000]
	*(*byte)(unsafe.Pointer(parentFrame)) = 0x42

	child := parent.Fork()
	if !child.IsMapped(0x4000) {
		t.Fatal("expected forked child to inherit the parent's mapping")
	}
	if got := child.mapped[0x4000]; got != parentFrame {
		t.Fatalf("expected child to share the parent's physical frame before any write, got 0x%x want 0x%x", got, parentFrame)
	}

	// A write fault in the child must split it off a private copy rather
	// than mutating the page still shared with the parent.
	if err := child.HandleFault(0x4000, true); err != nil {
		t.Fatalf("HandleFault: %v", err)
	}
	if got := child.mapped[0x4000]; got == parentFrame {
		t.Fatal("expected child's write fault to allocate a private frame")
	}
	if got := *(*byte)(unsafe.Pointer(parentFrame)); got != 0x42 {
		t.Fatalf("expected parent's original page to survive the child's copy-on-write split, got 0x%x", got)
	}
}

// TestForkThenDestroyBothSpacesReclaimsEveryFrame checks the shared-frame
// bookkeeping: after a fork, a frame mapped in both spaces must survive the
// first space's teardown and go back to the buddy zone only when the second
// lets go of it too.
func TestForkThenDestroyBothSpacesReclaimsEveryFrame(t *testing.T) {
	ResetForTest()
	resetZone(t, 64)
	parent := New()

	if _, err := parent.Alloc(0x5000, 2, FlagRead|FlagWrite); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	for i := uintptr(0); i < 2; i++ {
		if err := parent.HandleFault(0x5000+i*uintptr(mem.PageSize), true); err != nil {
			t.Fatalf("HandleFault: %v", err)
		}
	}
	before := physical.AllocatedPages(physical.ZoneUser)

	child := parent.Fork()
	if err := child.HandleFault(0x5000, true); err != nil {
		t.Fatalf("HandleFault: %v", err)
	}

	parent.Destroy()
	if got := physical.AllocatedPages(physical.ZoneUser); got == 0 {
		t.Fatal("expected frames still mapped by the child to survive the parent's teardown")
	}
	child.Destroy()
	if got := physical.AllocatedPages(physical.ZoneUser); got != 0 {
		t.Fatalf("expected every frame reclaimed once both spaces are destroyed, %d still allocated (was %d live)", got, before)
	}
}

func TestRemapKernelWindowMapsLinearly(t *testing.T) {
	ResetForTest()

	if _, err := RemapKernelWindow(4); err != nil {
		t.Fatalf("RemapKernelWindow: %v", err)
	}
	for i := uintptr(0); i < 4; i++ {
		va := KernelWindowBase + i*uintptr(mem.PageSize)
		if !KernelRestore().IsMapped(va) {
			t.Fatalf("expected page %d of the remap to be mapped", i)
		}
		if got := kernelSpace.mapped[va]; got != i*uintptr(mem.PageSize) {
			t.Fatalf("expected page %d to map linearly to physical 0x%x, got 0x%x", i, i*uintptr(mem.PageSize), got)
		}
	}

	if _, err := RemapKernelWindow(4); err != ErrOverlappingRegion {
		t.Fatalf("expected a second RemapKernelWindow call over the same window to report ErrOverlappingRegion, got %v", err)
	}
}

func TestRemapKernelWindowCapsAtOneGiB(t *testing.T) {
	ResetForTest()

	r, err := RemapKernelWindow(kernelWindowMaxPages * 4)
	if err != nil {
		t.Fatalf("RemapKernelWindow: %v", err)
	}
	if r.Pages != kernelWindowMaxPages {
		t.Fatalf("expected the remap to cap at %d pages (1 GiB), got %d", kernelWindowMaxPages, r.Pages)
	}
}
