// Package vmm implements a process's virtual address space as a list of
// protected regions, backed lazily by physical frames on first touch and
// supporting copy-on-write fork. Physical backing is driven from page
// faults: HandleFault is the entry point a trap handler (out of scope
// here) would call after decoding the faulting address and access type.
package vmm

import (
	"unsafe"

	"github.com/ferrokernel/ferro/kernel/errors"
	"github.com/ferrokernel/ferro/kernel/list"
	"github.com/ferrokernel/ferro/kernel/mem"
	"github.com/ferrokernel/ferro/kernel/mem/physical"
	"github.com/ferrokernel/ferro/kernel/sync/spinlock"
)

// Flag describes a region's protection and sharing semantics.
type Flag uint8

const (
	FlagRead Flag = 1 << iota
	FlagWrite
	FlagExec
	FlagUser
	FlagShared
	// FlagCopyOnWrite marks a writable region whose physical backing is
	// currently shared with another address space (set by Fork); the
	// first write fault against a page in such a region triggers a real
	// copy, after which that single page's sharing ends.
	FlagCopyOnWrite
)

var (
	// ErrNoSuchRegion is returned when a fault or mapping query targets
	// an address not covered by any region.
	ErrNoSuchRegion = errors.KernelError("vmm: address is not part of any region")

	// ErrProtectionViolation is returned when a write fault targets a
	// region that does not carry FlagWrite.
	ErrProtectionViolation = errors.KernelError("vmm: write fault against a read-only region")

	// ErrOverlappingRegion is returned by Alloc when the requested range
	// intersects an existing region in the same address space.
	ErrOverlappingRegion = errors.KernelError("vmm: requested range overlaps an existing region")
)

// Region describes one contiguous, uniformly-protected range of virtual
// addresses within a MemSpace.
type Region struct {
	Base  uintptr
	Pages uint32
	Flags Flag

	node list.Node[*Region]
}

func (r *Region) end() uintptr {
	return r.Base + uintptr(r.Pages)*uintptr(mem.PageSize)
}

// MemSpace is a virtual address space: an ordered list of regions plus the
// virtual-to-physical mappings currently established for them. The mapped
// table stands in for the hardware page tables a real x86 MMU would walk;
// see DESIGN.md for why a page-directory/page-table bit layout was not
// implemented.
type MemSpace struct {
	lock    spinlock.Spinlock
	regions list.List[*Region]
	mapped  map[uintptr]uintptr // page-aligned virtual address -> physical frame address
}

// New returns an empty address space with no regions.
func New() *MemSpace {
	return &MemSpace{mapped: make(map[uintptr]uintptr)}
}

// Frames faulted in by this package can be shared between address spaces
// after a Fork, so a per-frame reference count decides when a frame really
// goes back to the physical allocator. Frames mapped by other means
// (boot-time identity mappings, the kernel window) have no entry here and
// are never freed.
var (
	frameLock spinlock.Spinlock
	frameRefs = map[uintptr]uint32{}
)

func trackFrame(pa uintptr) {
	frameLock.Lock()
	frameRefs[pa] = 1
	frameLock.Unlock()
}

func retainFrame(pa uintptr) {
	frameLock.Lock()
	if _, ok := frameRefs[pa]; ok {
		frameRefs[pa]++
	}
	frameLock.Unlock()
}

// releaseFrame drops one reference to pa, returning the frame to the user
// zone once the last address space mapping it lets go.
func releaseFrame(pa uintptr) {
	frameLock.Lock()
	refs, ok := frameRefs[pa]
	if ok {
		refs--
		if refs == 0 {
			delete(frameRefs, pa)
		} else {
			frameRefs[pa] = refs
		}
	}
	frameLock.Unlock()

	if ok && refs == 0 {
		if err := physical.FreePage(physical.ZoneUser, pa, 0); err != nil {
			panic(err)
		}
	}
}

// Alloc reserves a new region of n pages at base (mem_space_alloc). It does
// not establish physical backing; pages are faulted in lazily by
// HandleFault on first access.
func (m *MemSpace) Alloc(base uintptr, n uint32, flags Flag) (*Region, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if n == 0 {
		return nil, errors.ErrInvalidParamValue
	}
	r := &Region{Base: base, Pages: n, Flags: flags}
	for node := m.regions.Front(); node != nil; node = node.Next() {
		other := node.Value
		if r.Base < other.end() && other.Base < r.end() {
			return nil, ErrOverlappingRegion
		}
	}

	r.node.Value = r
	m.regions.PushBack(&r.node)
	return r, nil
}

// Free releases a region previously returned by Alloc (mem_space_free),
// dropping this space's reference to any physical frames it had faulted in;
// a frame still shared copy-on-write with another space survives until that
// space releases it too.
func (m *MemSpace) Free(r *Region) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.freeLocked(r)
}

func (m *MemSpace) freeLocked(r *Region) {
	m.regions.Remove(&r.node)
	for i := uint32(0); i < r.Pages; i++ {
		va := r.Base + uintptr(i)*uintptr(mem.PageSize)
		if pa, ok := m.mapped[va]; ok {
			delete(m.mapped, va)
			releaseFrame(pa)
		}
	}
}

// Destroy tears down the whole address space (mem_space_destroy), releasing
// every region and the frames backing it. The space must not be used again
// afterwards.
func (m *MemSpace) Destroy() {
	m.lock.Lock()
	defer m.lock.Unlock()

	for node := m.regions.Front(); node != nil; node = m.regions.Front() {
		m.freeLocked(node.Value)
	}
}

// IsMapped reports whether the page containing addr currently has physical
// backing (vmem_is_mapped).
func (m *MemSpace) IsMapped(addr uintptr) bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	_, ok := m.mapped[mem.AlignDown(addr, uintptr(mem.PageSize))]
	return ok
}

// Contains reports whether addr falls within some region of this address
// space, and returns that region.
func (m *MemSpace) Contains(addr uintptr) (*Region, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.find(addr)
}

// ContainsRange reports whether every byte of [addr, addr+length) falls
// within this address space's regions (vmem_contains), crossing region
// boundaries as long as the regions tile the range without a gap. The
// syscall layer uses it to validate user-supplied buffers before touching
// them.
func (m *MemSpace) ContainsRange(addr uintptr, length uintptr) bool {
	m.lock.Lock()
	defer m.lock.Unlock()

	if length == 0 {
		return true
	}
	end := addr + length
	for va := addr; va < end; {
		r, ok := m.find(va)
		if !ok {
			return false
		}
		va = r.end()
	}
	return true
}

func (m *MemSpace) find(addr uintptr) (*Region, bool) {
	for node := m.regions.Front(); node != nil; node = node.Next() {
		r := node.Value
		if addr >= r.Base && addr < r.end() {
			return r, true
		}
	}
	return nil, false
}

// HandleFault resolves a page fault against addr: on a first touch it
// allocates and maps a fresh physical frame; on a write against a mapped
// page of a copy-on-write region it maps a private copy in place of the
// frame and drops this space's reference to the old one. The region keeps
// FlagCopyOnWrite and no per-page state records the split, so every later
// write fault on that page copies it again. It is the entry point a trap handler would call
// after decoding the faulting address and access type — decoding the trap
// frame itself is architecture-specific and out of scope here.
func (m *MemSpace) HandleFault(addr uintptr, write bool) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	r, ok := m.find(addr)
	if !ok {
		return ErrNoSuchRegion
	}
	if write && r.Flags&FlagWrite == 0 {
		return ErrProtectionViolation
	}

	page := mem.AlignDown(addr, uintptr(mem.PageSize))
	pa, mapped := m.mapped[page]
	if !mapped {
		frame, err := physical.AllocatePage(physical.ZoneUser, 0, physical.FlagClear)
		if err != nil {
			return err
		}
		trackFrame(frame)
		m.mapped[page] = frame
		return nil
	}

	if write && r.Flags&FlagCopyOnWrite != 0 {
		frame, err := physical.AllocatePage(physical.ZoneUser, 0, physical.FlagDoNotClear)
		if err != nil {
			return err
		}
		copyPage(frame, pa)
		trackFrame(frame)
		m.mapped[page] = frame
		releaseFrame(pa)
	}
	return nil
}

func copyPage(dst, src uintptr) {
	for i := uintptr(0); i < uintptr(mem.PageSize); i++ {
		*(*byte)(unsafe.Pointer(dst + i)) = *(*byte)(unsafe.Pointer(src + i))
	}
}

// Fork returns a child address space sharing every current mapping of m
// copy-on-write: parent and child regions both gain FlagCopyOnWrite for any
// writable, non-shared region, and the underlying physical frames are
// shared until a write fault splits them apart.
func (m *MemSpace) Fork() *MemSpace {
	m.lock.Lock()
	defer m.lock.Unlock()

	child := New()
	for node := m.regions.Front(); node != nil; node = node.Next() {
		src := node.Value
		flags := src.Flags
		if flags&FlagWrite != 0 && flags&FlagShared == 0 {
			flags |= FlagCopyOnWrite
			src.Flags = flags
		}

		dst := &Region{Base: src.Base, Pages: src.Pages, Flags: flags}
		dst.node.Value = dst
		child.regions.PushBack(&dst.node)

		for i := uint32(0); i < src.Pages; i++ {
			va := src.Base + uintptr(i)*uintptr(mem.PageSize)
			if pa, ok := m.mapped[va]; ok {
				child.mapped[va] = pa
				retainFrame(pa)
			}
		}
	}
	return child
}

var kernelSpace = New()

// ResetForTest discards the kernel's always-resident address space and the
// shared frame reference counts. It exists for tests only; a real kernel
// never re-initializes this state once boot has run.
func ResetForTest() {
	kernelSpace = New()
	frameLock.Lock()
	frameRefs = map[uintptr]uint32{}
	frameLock.Unlock()
}

// KernelRestore returns the kernel's always-resident address space,
// standing in for reloading the page-directory base register with the
// kernel-only page directory when no user process is current — the actual
// register write is architecture-specific and out of scope.
func KernelRestore() *MemSpace {
	return kernelSpace
}

// BootstrapKernelSpace identity-maps [physBase, physBase+pages*PageSize) in
// the kernel address space as a single always-resident region, representing
// the boot-time remap the kernel performs over its own image before any
// process exists. It does not by itself give the kernel visibility into the
// rest of physical memory — see RemapKernelWindow for the separate 1 GiB
// linear window the kernel also establishes at boot.
func BootstrapKernelSpace(physBase uintptr, pages uint32) (*Region, error) {
	r, err := kernelSpace.Alloc(physBase, pages, FlagRead|FlagWrite|FlagExec)
	if err != nil {
		return nil, err
	}
	kernelSpace.lock.Lock()
	for i := uint32(0); i < pages; i++ {
		va := physBase + uintptr(i)*uintptr(mem.PageSize)
		kernelSpace.mapped[va] = va
	}
	kernelSpace.lock.Unlock()
	return r, nil
}

// KernelWindowBase is the virtual address at which the boot-time remap
// places the start of physical memory: 3 GiB, so the kernel window occupies
// the top quarter of the 32-bit address space.
const KernelWindowBase uintptr = 0xC0000000

// kernelWindowMaxPages caps RemapKernelWindow at 1 GiB of physical memory
// regardless of how much more RAM the installed memory map reports; the
// window covers the first gigabyte and nothing beyond it.
const kernelWindowMaxPages = uint32((1 * mem.Gb) / mem.PageSize)

// RemapKernelWindow linearly maps the first min(physPages, 1 GiB) of
// physical memory into the kernel's always-resident address space starting
// at KernelWindowBase, giving kernel code (and the syscall entry path,
// which runs with the kernel directory loaded) a flat view of low physical
// memory without walking per-process page tables. physPages is the number
// of physical pages, counted from address 0, the window should cover
// (boot.Kmain passes the span reaching the end of its highest zone); it is capped
// here rather than by the caller so boot.Kmain does not need to know the
// window size itself.
func RemapKernelWindow(physPages uint32) (*Region, error) {
	pages := physPages
	if pages > kernelWindowMaxPages {
		pages = kernelWindowMaxPages
	}
	if pages == 0 {
		return nil, errors.ErrInvalidParamValue
	}

	r, err := kernelSpace.Alloc(KernelWindowBase, pages, FlagRead|FlagWrite)
	if err != nil {
		return nil, err
	}
	kernelSpace.lock.Lock()
	for i := uint32(0); i < pages; i++ {
		va := KernelWindowBase + uintptr(i)*uintptr(mem.PageSize)
		pa := uintptr(i) * uintptr(mem.PageSize)
		kernelSpace.mapped[va] = pa
	}
	kernelSpace.lock.Unlock()
	return r, nil
}
