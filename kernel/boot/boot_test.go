package boot

import (
	"testing"

	"github.com/ferrokernel/ferro/kernel/hal/multiboot"
	"github.com/ferrokernel/ferro/kernel/mem"
	"github.com/ferrokernel/ferro/kernel/mem/physical"
	"github.com/ferrokernel/ferro/kernel/mem/vmm"
)

func installTestMap() {
	multiboot.SetMemoryMap([]multiboot.MemoryMapEntry{
		{PhysAddress: 0, Length: uint64(4 * mem.Mb), Type: multiboot.MemAvailable},
		{PhysAddress: uint64(16 * mem.Mb), Length: uint64(64 * mem.Mb), Type: multiboot.MemAvailable},
		{PhysAddress: uint64(80 * mem.Mb), Length: uint64(8 * mem.Mb), Type: multiboot.MemReserved},
	})
}

func TestPlanLayoutSplitsDMAKernelUser(t *testing.T) {
	installTestMap()

	layout, err := planLayout(0, 0)
	if err != nil {
		t.Fatalf("planLayout: %v", err)
	}

	if layout.DMABase != 0 || layout.DMAPages != mem.Size(4*mem.Mb).Pages() {
		t.Fatalf("unexpected DMA region: base=0x%x pages=%d", layout.DMABase, layout.DMAPages)
	}
	if layout.KernelBase != uintptr(16*mem.Mb) {
		t.Fatalf("expected kernel zone to start at the low edge of the high region, got 0x%x", layout.KernelBase)
	}
	if layout.KernelPages == 0 || layout.UserPages == 0 {
		t.Fatal("expected both kernel and user zones to receive pages")
	}
	if layout.KernelPages+layout.UserPages != mem.Size(64*mem.Mb).Pages() {
		t.Fatalf("expected kernel+user pages to account for the whole high region, got %d", layout.KernelPages+layout.UserPages)
	}
	if layout.UserBase != layout.KernelBase+uintptr(layout.KernelPages)*uintptr(mem.PageSize) {
		t.Fatal("expected the user zone to start immediately after the kernel zone")
	}
}

func TestPlanLayoutExcludesKernelImage(t *testing.T) {
	installTestMap()

	kernelBase := uintptr(16 * mem.Mb)
	kernelPages := uint32(256) // 1 MiB

	layout, err := planLayout(kernelBase, kernelPages)
	if err != nil {
		t.Fatalf("planLayout: %v", err)
	}
	if layout.KernelBase != kernelBase+uintptr(kernelPages)*uintptr(mem.PageSize) {
		t.Fatalf("expected zone carving to start after the reserved kernel image, got 0x%x", layout.KernelBase)
	}
}

func TestPlanLayoutNoUsableMemory(t *testing.T) {
	multiboot.SetMemoryMap([]multiboot.MemoryMapEntry{
		{PhysAddress: 0, Length: uint64(4 * mem.Mb), Type: multiboot.MemAvailable},
	})

	if _, err := planLayout(0, 0); err != ErrNoUsableMemory {
		t.Fatalf("expected ErrNoUsableMemory when no region clears the DMA ceiling, got %v", err)
	}
}

func TestKmainInitializesZonesAndKernelSpace(t *testing.T) {
	installTestMap()

	layout, err := Kmain(0, 16)
	if err != nil {
		t.Fatalf("Kmain: %v", err)
	}

	if got := physical.TotalPages(physical.ZoneKernel); got != layout.KernelPages {
		t.Fatalf("expected ZoneKernel to report %d total pages, got %d", layout.KernelPages, got)
	}
	if got := physical.TotalPages(physical.ZoneUser); got != layout.UserPages {
		t.Fatalf("expected ZoneUser to report %d total pages, got %d", layout.UserPages, got)
	}

	if !vmm.KernelRestore().IsMapped(0) {
		t.Fatal("expected Kmain to identity-map the kernel image's base address")
	}
	if !vmm.KernelRestore().IsMapped(vmm.KernelWindowBase) {
		t.Fatal("expected Kmain to remap physical memory into the kernel window")
	}
}

func TestLayoutPhysicalExtentPagesCoversEveryZone(t *testing.T) {
	layout := Layout{
		DMABase: 0, DMAPages: 1024,
		KernelBase: uintptr(16 * mem.Mb), KernelPages: 4096,
		UserBase: uintptr(32 * mem.Mb), UserPages: 12288,
	}
	want := uint32(80 * mem.Mb / mem.PageSize)
	if got := layout.physicalExtentPages(); got != want {
		t.Fatalf("expected physicalExtentPages to span up to the user zone's end (%d pages), got %d", want, got)
	}
}
