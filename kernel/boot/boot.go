// Package boot sequences early kernel bring-up: it consumes the firmware
// memory map handed over via the multiboot info structure, carves it into
// the physical allocator's zones, and establishes the kernel's own
// always-resident address space. Kmain is the function a boot shim's
// assembly trampoline would jump to once the CPU is in protected mode with
// paging off and a valid stack — everything before that point (GDT/IDT
// setup, the real mode switch, jumping here at all) is
// architecture-specific and out of scope for this module.
package boot

import (
	"github.com/ferrokernel/ferro/kernel/errors"
	"github.com/ferrokernel/ferro/kernel/hal/multiboot"
	"github.com/ferrokernel/ferro/kernel/kfmt"
	"github.com/ferrokernel/ferro/kernel/mem"
	"github.com/ferrokernel/ferro/kernel/mem/physical"
	"github.com/ferrokernel/ferro/kernel/mem/vmm"
)

// dmaZoneLimit is the conventional ISA DMA ceiling: physical memory below
// this address is reserved for devices that can only address a 24-bit bus
// and is carved into ZoneDMA rather than ZoneKernel/ZoneUser.
const dmaZoneLimit = 16 * mem.Mb

// kernelUserSplit is the fraction of the largest available region at or
// above dmaZoneLimit handed to ZoneKernel; the remainder becomes ZoneUser.
const kernelUserSplitNum, kernelUserSplitDen = 1, 4

// Layout describes the zone boundaries Kmain derived from the installed
// memory map, returned so callers (tests, diagnostics) can inspect the
// decision without re-deriving it.
type Layout struct {
	DMABase, KernelBase, UserBase    uintptr
	DMAPages, KernelPages, UserPages uint32
}

// ErrNoUsableMemory is returned when the installed memory map contains no
// available region at or above dmaZoneLimit large enough to host the
// kernel and user zones.
var ErrNoUsableMemory = errors.KernelError("boot: no usable memory region above the DMA ceiling")

// Kmain runs the kernel's early bring-up sequence: it plans a zone layout
// from the installed multiboot memory map, initializes the three physical
// zones, identity-maps the kernel's own image into the always-resident
// kernel address space, and remaps the first gigabyte of physical memory
// into the kernel's linear window. kernelPhysBase/kernelPages describe
// where the kernel's own code and data already sit in physical memory
// (reserved by the boot shim's linker script), so when that range lies in
// the region split into ZoneKernel/ZoneUser it is excluded from it. A kernel
// image inside the low region that becomes ZoneDMA is not excluded.
func Kmain(kernelPhysBase uintptr, kernelPages uint32) (Layout, error) {
	layout, err := planLayout(kernelPhysBase, kernelPages)
	if err != nil {
		return Layout{}, err
	}

	if layout.DMAPages > 0 {
		if err := physical.InitZone(physical.ZoneDMA, layout.DMABase, layout.DMAPages); err != nil {
			return Layout{}, err
		}
	}
	if err := physical.InitZone(physical.ZoneKernel, layout.KernelBase, layout.KernelPages); err != nil {
		return Layout{}, err
	}
	if layout.UserPages > 0 {
		if err := physical.InitZone(physical.ZoneUser, layout.UserBase, layout.UserPages); err != nil {
			return Layout{}, err
		}
	}

	if _, err := vmm.BootstrapKernelSpace(kernelPhysBase, kernelPages); err != nil {
		return Layout{}, err
	}
	if _, err := vmm.RemapKernelWindow(layout.physicalExtentPages()); err != nil {
		return Layout{}, err
	}

	kfmt.Printf("boot: dma=%d kernel=%d user=%d pages, kernel image at 0x%x (%d pages)\n",
		layout.DMAPages, layout.KernelPages, layout.UserPages, kernelPhysBase, kernelPages)

	return layout, nil
}

// physicalExtentPages returns the page count of the smallest [0, N) range
// covering every region planLayout identified, the span RemapKernelWindow
// linearly maps into the kernel window (capped there at 1 GiB).
func (l Layout) physicalExtentPages() uint32 {
	end := func(base uintptr, pages uint32) uintptr {
		return base + uintptr(pages)*uintptr(mem.PageSize)
	}
	extent := end(l.KernelBase, l.KernelPages)
	if e := end(l.UserBase, l.UserPages); e > extent {
		extent = e
	}
	if l.DMAPages > 0 {
		if e := end(l.DMABase, l.DMAPages); e > extent {
			extent = e
		}
	}
	return uint32(extent / uintptr(mem.PageSize))
}

// planLayout walks the installed memory map and decides zone boundaries
// without touching any allocator state, so it can be unit-tested
// independently of physical.InitZone's side effects.
func planLayout(kernelPhysBase uintptr, kernelPages uint32) (Layout, error) {
	var haveLow, haveHigh bool
	var low, high multiboot.MemoryMapEntry

	multiboot.VisitMemRegions(func(e *multiboot.MemoryMapEntry) bool {
		if e.Type != multiboot.MemAvailable {
			return true
		}
		if e.PhysAddress < uint64(dmaZoneLimit) {
			if !haveLow || e.Length > low.Length {
				low, haveLow = *e, true
			}
			return true
		}
		if !haveHigh || e.Length > high.Length {
			high, haveHigh = *e, true
		}
		return true
	})

	if !haveHigh {
		return Layout{}, ErrNoUsableMemory
	}

	base := uintptr(high.PhysAddress)
	totalPages := mem.Size(high.Length).Pages()

	// Exclude the kernel's own image from the region it was loaded into,
	// so ZoneKernel/ZoneUser never hand out frames the kernel is already
	// occupying.
	kernelEnd := kernelPhysBase + uintptr(kernelPages)*uintptr(mem.PageSize)
	if kernelPhysBase >= base && kernelPhysBase < base+uintptr(totalPages)*uintptr(mem.PageSize) {
		reserved := (kernelEnd - base) / uintptr(mem.PageSize)
		if uint32(reserved) <= totalPages {
			base = kernelEnd
			totalPages -= uint32(reserved)
		}
	}

	kernelPagesOut := totalPages * kernelUserSplitNum / kernelUserSplitDen
	userPagesOut := totalPages - kernelPagesOut
	userBase := base + uintptr(kernelPagesOut)*uintptr(mem.PageSize)

	layout := Layout{
		KernelBase:  base,
		KernelPages: kernelPagesOut,
		UserBase:    userBase,
		UserPages:   userPagesOut,
	}
	if haveLow {
		layout.DMABase = uintptr(low.PhysAddress)
		layout.DMAPages = mem.Size(low.Length).Pages()
	}
	return layout, nil
}
