// Package physical implements the zoned buddy frame allocator: it
// partitions physical memory into named zones (DMA, Kernel, User) and,
// within each zone, serves power-of-two runs of page frames out of
// per-order intrusive freelists with LIFO head-insertion and XOR-buddy
// coalescing.
package physical

import (
	"github.com/ferrokernel/ferro/kernel/errors"
	"github.com/ferrokernel/ferro/kernel/mem"
	"github.com/ferrokernel/ferro/kernel/sync/spinlock"
)

// Flag defines the flags that can be passed to AllocatePage.
type Flag uint16

const (
	// FlagKernel requests a page to be used inside kernel code. The
	// contents of the page are cleared before it is returned.
	FlagKernel Flag = FlagClear

	// FlagClear instructs the allocator to clear the page contents.
	FlagClear Flag = 1 << iota

	// FlagDoNotClear instructs the allocator not to clear the page
	// contents.
	FlagDoNotClear
)

// Zone identifies which physical memory pool a page should come from.
type Zone uint8

// The three zone kinds the allocator partitions physical memory into.
const (
	ZoneDMA Zone = iota
	ZoneKernel
	ZoneUser
	zoneCount
)

// String implements fmt.Stringer for diagnostics.
func (z Zone) String() string {
	switch z {
	case ZoneDMA:
		return "DMA"
	case ZoneKernel:
		return "Kernel"
	case ZoneUser:
		return "User"
	default:
		return "unknown"
	}
}

var (
	// Overridden by tests.
	memsetFn = mem.Memset

	// ErrPageNotAllocated is returned when trying to free a page that
	// the allocator does not believe is currently reserved.
	ErrPageNotAllocated = errors.KernelError("attempted to free non-allocated page")

	// ErrZoneNotInitialized is returned by any operation against a zone
	// that InitZone has not (yet) been called for.
	ErrZoneNotInitialized = errors.KernelError("zone not initialized")

	// ErrMisalignedBlock is returned when FreePage is asked to free an
	// address that is not order-aligned within its zone.
	ErrMisalignedBlock = errors.KernelError("freed address is not order-aligned")
)

// frameNone is the sentinel link value meaning "no frame", used for the
// head/prev/next fields of the per-order freelists. It can never collide
// with a real frame index because a zone's frameCount is always far below
// 1<<32 on this target.
const frameNone = ^uint32(0)

// frameState is the per-frame metadata entry. It is free iff it currently
// sits on freeListHead[order]; the freelist links are intrusive (stored
// here, not in a side allocation), so bootstrapping a zone never itself
// needs a working allocator to allocate from.
type frameState struct {
	free  bool
	order mem.PageOrder
	next  uint32
	prev  uint32
}

// zone tracks one physical memory pool: a base address, a frame-state array
// and MaxPageOrder+1 intrusive freelists. The zone's spinlock serializes
// every mutation of the frame-state array and freelists; it is the
// innermost lock in the kernel (nothing is acquired while holding it).
type zone struct {
	lock       spinlock.Spinlock
	kind       Zone
	baseAddr   uintptr
	frameCount uint32
	frames     []frameState

	freeListHead [mem.MaxPageOrder + 1]uint32
	freeCount    [mem.MaxPageOrder + 1]uint32
}

var zones [zoneCount]zone

// InitZone bootstraps a zone by walking its span and, at each position,
// placing the largest order-aligned block that both starts on an order
// boundary and still fits before frameCount — the standard way a buddy
// allocator seeds its freelists from a span whose length is not itself a
// power of two, rather than discarding whatever remainder would not fill a
// full MaxPageOrder block.
//
// baseAddr must be page-aligned.
func InitZone(kind Zone, baseAddr uintptr, frameCount uint32) error {
	if kind >= zoneCount {
		return errors.ErrInvalidParamValue
	}

	z := &zones[kind]
	z.lock.Lock()
	defer z.lock.Unlock()

	z.kind = kind
	z.baseAddr = baseAddr
	z.frameCount = frameCount
	z.frames = make([]frameState, frameCount)
	for order := range z.freeListHead {
		z.freeListHead[order] = frameNone
		z.freeCount[order] = 0
	}

	for idx := uint32(0); idx < frameCount; {
		order := mem.MaxPageOrder
		for order > 0 {
			blockSize := uint32(1) << uint(order)
			if idx%blockSize == 0 && idx+blockSize <= frameCount {
				break
			}
			order--
		}
		z.pushFree(idx, order)
		idx += uint32(1) << uint(order)
	}

	return nil
}

// AllocatePage allocates a page run of the given order from the given zone
// and returns its base address, splitting a higher-order block if no block
// of exactly the requested order is free. It never falls back to a
// different zone.
func AllocatePage(kind Zone, order mem.PageOrder, flags Flag) (uintptr, error) {
	if kind >= zoneCount || order > mem.MaxPageOrder {
		return 0, errors.ErrInvalidParamValue
	}
	z := &zones[kind]
	z.lock.Lock()
	defer z.lock.Unlock()
	if z.frames == nil {
		return 0, ErrZoneNotInitialized
	}

	foundOrder := order
	for z.freeCount[foundOrder] == 0 {
		foundOrder++
		if foundOrder > mem.MaxPageOrder {
			return 0, errors.ErrOutOfMemory
		}
	}

	idx, _ := z.popFree(foundOrder)

	// Split from foundOrder down to order, handing the second half of
	// each split back to the freelist one order down and keeping the
	// first (lower-addressed) half for the next split.
	for foundOrder > order {
		foundOrder--
		buddyIdx := idx + (uint32(1) << uint(foundOrder))
		z.pushFree(buddyIdx, foundOrder)
	}

	addr := z.baseAddr + uintptr(idx)*uintptr(mem.PageSize)
	if (flags & (FlagClear | FlagDoNotClear)) == FlagClear {
		memsetFn(addr, 0, uint32(mem.PageSize)<<order)
	}
	return addr, nil
}

// FreePage releases a page run previously returned by AllocatePage. The
// caller must pass the same order used at allocation time; passing a
// mismatched order silently corrupts the freelists, which is why every
// caller in this module routes frees through the owning allocator (pages,
// heap) that already tracks the order it used.
func FreePage(kind Zone, addr uintptr, order mem.PageOrder) error {
	if kind >= zoneCount || order > mem.MaxPageOrder {
		return errors.ErrInvalidParamValue
	}
	z := &zones[kind]
	z.lock.Lock()
	defer z.lock.Unlock()
	if z.frames == nil {
		return ErrZoneNotInitialized
	}

	if addr < z.baseAddr {
		return ErrPageNotAllocated
	}
	offset := addr - z.baseAddr
	if offset%uintptr(mem.PageSize) != 0 {
		return ErrMisalignedBlock
	}
	idx := uint32(offset >> mem.PageShift)
	if idx >= z.frameCount || (idx&((1<<uint(order))-1)) != 0 {
		return ErrMisalignedBlock
	}
	if z.frames[idx].free {
		return ErrPageNotAllocated
	}

	z.pushFree(idx, order)
	z.coalesce(idx, order)
	return nil
}

// AllocatedPages reports the number of pages currently reserved in the
// given zone.
func AllocatedPages(kind Zone) uint32 {
	if kind >= zoneCount {
		return 0
	}
	z := &zones[kind]
	z.lock.Lock()
	defer z.lock.Unlock()
	return z.frameCount - z.freePages()
}

// TotalPages reports the zone's total, initialized frame count.
func TotalPages(kind Zone) uint32 {
	if kind >= zoneCount {
		return 0
	}
	z := &zones[kind]
	z.lock.Lock()
	defer z.lock.Unlock()
	return z.frameCount
}

func (z *zone) freePages() uint32 {
	var total uint32
	for order, count := range z.freeCount {
		total += count * (uint32(1) << uint(order))
	}
	return total
}

// pushFree inserts idx at the head of freeListHead[order] (LIFO: recently
// freed frames are reused first, keeping caches hot).
func (z *zone) pushFree(idx uint32, order mem.PageOrder) {
	f := &z.frames[idx]
	f.free = true
	f.order = order
	f.prev = frameNone
	f.next = z.freeListHead[order]
	if f.next != frameNone {
		z.frames[f.next].prev = idx
	}
	z.freeListHead[order] = idx
	z.freeCount[order]++
}

// popFree removes and returns the head of freeListHead[order].
func (z *zone) popFree(order mem.PageOrder) (uint32, bool) {
	idx := z.freeListHead[order]
	if idx == frameNone {
		return 0, false
	}
	z.unlinkFree(idx, order)
	return idx, true
}

// unlinkFree removes idx from freeListHead[order] wherever it currently
// sits in the list (not necessarily the head), which coalescing needs in
// order to detach a buddy frame found by its index rather than by scanning
// from the head.
func (z *zone) unlinkFree(idx uint32, order mem.PageOrder) {
	f := &z.frames[idx]
	if f.prev != frameNone {
		z.frames[f.prev].next = f.next
	} else {
		z.freeListHead[order] = f.next
	}
	if f.next != frameNone {
		z.frames[f.next].prev = f.prev
	}
	f.free = false
	f.prev, f.next = frameNone, frameNone
	z.freeCount[order]--
}

// coalesce walks up from (idx, order), which must already be free at
// order, merging with the buddy frame at each level as long as the buddy is
// free at the same order. It stops at the zone boundary or MaxPageOrder
// even if a buddy would otherwise be in range.
func (z *zone) coalesce(idx uint32, order mem.PageOrder) {
	for order < mem.MaxPageOrder {
		buddyIdx := idx ^ (uint32(1) << uint(order))
		if buddyIdx >= z.frameCount {
			return
		}
		buddy := &z.frames[buddyIdx]
		if !buddy.free || buddy.order != order {
			return
		}

		z.unlinkFree(idx, order)
		z.unlinkFree(buddyIdx, order)
		if buddyIdx < idx {
			idx = buddyIdx
		}
		order++
		z.pushFree(idx, order)
	}
}
