// Package pages implements the pages allocator: it satisfies requests for
// an arbitrary number of contiguous pages by drawing backing blocks from
// the buddy frame allocator (kernel/mem/physical) and splitting them into
// used and free sub-regions. Free sub-regions are indexed by a
// size-bucketed free list; used sub-regions are indexed by a
// pointer-keyed, chain-bucketed hash map so a bare address can be mapped
// back to its block on free.
package pages

import (
	"github.com/ferrokernel/ferro/kernel/errors"
	"github.com/ferrokernel/ferro/kernel/list"
	"github.com/ferrokernel/ferro/kernel/mem"
	"github.com/ferrokernel/ferro/kernel/mem/physical"
	"github.com/ferrokernel/ferro/kernel/sync/spinlock"
)

// numFreeBuckets covers every possible buddy block size: bucket i holds
// blocks whose page count lies in [2^i, 2^(i+1)), up to the largest buddy
// block the physical allocator can hand out.
const numFreeBuckets = int(mem.MaxPageOrder) + 1

// usedHashBuckets is the chain count for the pointer-keyed used-block
// table. It only needs to be large enough to keep chains short; it is not
// related to any size class.
const usedHashBuckets = 256

// region is one live buddy-backed allocation: the span handed back by the
// buddy allocator, now subdivided into a chain of used/free PagesBlock
// descriptors ordered by address.
type region struct {
	buddyAddr  uintptr
	buddyOrder mem.PageOrder
	blocks     list.List[*PagesBlock]
}

// PagesBlock describes one contiguous sub-range of a region: either a live
// allocation or a free span available for reuse. The two list.Node fields
// are never both linked at once: chain always reflects membership in the
// owning region's address-ordered block chain, while bucket reflects
// either free-size-bucket membership or used-hash-chain membership
// depending on the used flag.
type PagesBlock struct {
	addr   uintptr
	pages  uint32
	used   bool
	owner  *region
	chain  list.Node[*PagesBlock]
	bucket list.Node[*PagesBlock]
}

// Addr returns the block's base address.
func (b *PagesBlock) Addr() uintptr { return b.addr }

// Pages returns the block's page count.
func (b *PagesBlock) Pages() uint32 { return b.pages }

// allocator's spinlock serializes all bucket and used-table mutation; the
// buddy zone's own lock is only ever acquired while this one is held,
// never the reverse.
type allocator struct {
	lock        spinlock.Spinlock
	zone        physical.Zone
	freeBuckets [numFreeBuckets]list.List[*PagesBlock]
	usedTable   [usedHashBuckets]list.List[*PagesBlock]
}

var alloc = allocator{zone: physical.ZoneKernel}

// SetZone selects which buddy zone subsequent pages allocations are backed
// by. Defaults to physical.ZoneKernel.
func SetZone(zone physical.Zone) {
	alloc.lock.Lock()
	alloc.zone = zone
	alloc.lock.Unlock()
}

// ResetForTest discards all free/used bookkeeping and starts over against
// the given zone. It exists for this package's tests and for packages
// layered on top of it (kernel/heap) whose tests need a pristine allocator
// alongside a freshly initialized buddy zone.
func ResetForTest(zone physical.Zone) {
	alloc.lock.Lock()
	alloc.zone = zone
	alloc.freeBuckets = [numFreeBuckets]list.List[*PagesBlock]{}
	alloc.usedTable = [usedHashBuckets]list.List[*PagesBlock]{}
	alloc.lock.Unlock()
}

var (
	// errUnknownPointer is the fatal condition raised when Free is
	// called with a pointer the allocator never handed out, or when
	// (errSizeMismatch) the caller's reported page count does not match the
	// one recorded at allocation time. Both indicate caller corruption severe enough
	// to panic rather than return, the same way a double-free does.
	errUnknownPointer = errors.KernelError("pages_free: pointer not tracked by the allocator")
	errSizeMismatch   = errors.KernelError("pages_free: page count does not match allocation")
)

func bucketForSize(pages uint32) int {
	b := 0
	for (uint32(1) << uint(b+1)) <= pages {
		b++
	}
	if b >= numFreeBuckets {
		b = numFreeBuckets - 1
	}
	return b
}

func hashForAddr(addr uintptr) int {
	return int((addr >> mem.PageShift) % usedHashBuckets)
}

// Alloc satisfies a request for n contiguous pages, splitting a free block
// if one large enough already exists, or carving a fresh one out of the
// buddy allocator otherwise.
func Alloc(n uint32) (uintptr, error) {
	if n == 0 {
		return 0, errors.ErrInvalidParamValue
	}
	alloc.lock.Lock()
	defer alloc.lock.Unlock()

	if block := alloc.takeFreeBlock(n); block != nil {
		alloc.markUsed(block, n)
		return block.addr, nil
	}

	order := mem.OrderForPages(n)
	buddyAddr, err := physical.AllocatePage(alloc.zone, order, physical.FlagDoNotClear)
	if err != nil {
		return 0, err
	}

	r := &region{buddyAddr: buddyAddr, buddyOrder: order}
	used := &PagesBlock{addr: buddyAddr, pages: n, used: true, owner: r}
	used.chain.Value, used.bucket.Value = used, used
	r.blocks.PushBack(&used.chain)
	alloc.insertUsed(used)

	if remainder := order.PageCount() - n; remainder > 0 {
		free := &PagesBlock{
			addr:  buddyAddr + uintptr(n)*uintptr(mem.PageSize),
			pages: remainder,
			owner: r,
		}
		free.chain.Value, free.bucket.Value = free, free
		r.blocks.PushBack(&free.chain)
		alloc.insertFree(free)
	}

	return used.addr, nil
}

// AllocZero is Alloc followed by zeroing the returned pages.
func AllocZero(n uint32) (uintptr, error) {
	addr, err := Alloc(n)
	if err != nil {
		return 0, err
	}
	mem.MemsetFn(addr, 0, n*uint32(mem.PageSize))
	return addr, nil
}

// Free releases a pages allocation previously returned by Alloc/AllocZero.
// Freeing an address the allocator never returned, or reporting a page
// count that does not match the original allocation, is a programming
// error and panics rather than returning an error.
func Free(addr uintptr, n uint32) {
	alloc.lock.Lock()
	defer alloc.lock.Unlock()

	block := alloc.lookupUsed(addr)
	if block == nil {
		panic(errUnknownPointer)
	}
	if block.pages != n {
		panic(errSizeMismatch)
	}

	alloc.removeUsed(block)
	block.used = false

	alloc.coalesce(block)

	r := block.owner
	if r.blocks.Len() == 1 && block.addr == r.buddyAddr && block.pages == r.buddyOrder.PageCount() {
		r.blocks.Remove(&block.chain)
		if err := physical.FreePage(alloc.zone, r.buddyAddr, r.buddyOrder); err != nil {
			panic(err)
		}
		return
	}

	alloc.insertFree(block)
}

// coalesce merges block with its immediate chain neighbors in the same
// region whenever they are free, per the invariant that no two adjacent
// free blocks ever coexist — so there is at most one free predecessor and
// one free successor to absorb.
func (a *allocator) coalesce(block *PagesBlock) {
	r := block.owner

	if prevNode := block.chain.Prev(); prevNode != nil {
		prev := prevNode.Value
		if !prev.used {
			a.removeFree(prev)
			r.blocks.Remove(&prev.chain)
			block.addr = prev.addr
			block.pages += prev.pages
		}
	}
	if nextNode := block.chain.Next(); nextNode != nil {
		next := nextNode.Value
		if !next.used {
			a.removeFree(next)
			r.blocks.Remove(&next.chain)
			block.pages += next.pages
		}
	}
}

// takeFreeBlock finds and detaches a free block able to satisfy an n-page
// request, splitting off any remainder back into its bucket. It scans
// buckets upward from n's own bucket and takes the first block large
// enough, front to back within a bucket; that is not necessarily the
// smallest fitting block.
func (a *allocator) takeFreeBlock(n uint32) *PagesBlock {
	for b := bucketForSize(n); b < numFreeBuckets; b++ {
		for node := a.freeBuckets[b].Front(); node != nil; node = node.Next() {
			if node.Value.pages < n {
				continue
			}
			block := node.Value
			a.freeBuckets[b].Remove(node)

			if block.pages > n {
				remainder := &PagesBlock{
					addr:  block.addr + uintptr(n)*uintptr(mem.PageSize),
					pages: block.pages - n,
					owner: block.owner,
				}
				remainder.chain.Value, remainder.bucket.Value = remainder, remainder
				block.owner.blocks.InsertAfter(&remainder.chain, &block.chain)
				a.insertFree(remainder)
				block.pages = n
			}
			return block
		}
	}
	return nil
}

func (a *allocator) insertFree(b *PagesBlock) {
	a.freeBuckets[bucketForSize(b.pages)].PushFront(&b.bucket)
}

func (a *allocator) removeFree(b *PagesBlock) {
	a.freeBuckets[bucketForSize(b.pages)].Remove(&b.bucket)
}

func (a *allocator) markUsed(b *PagesBlock, n uint32) {
	b.used = true
	b.pages = n
	a.insertUsed(b)
}

func (a *allocator) insertUsed(b *PagesBlock) {
	a.usedTable[hashForAddr(b.addr)].PushFront(&b.bucket)
}

func (a *allocator) removeUsed(b *PagesBlock) {
	a.usedTable[hashForAddr(b.addr)].Remove(&b.bucket)
}

func (a *allocator) lookupUsed(addr uintptr) *PagesBlock {
	chain := &a.usedTable[hashForAddr(addr)]
	for node := chain.Front(); node != nil; node = node.Next() {
		if node.Value.addr == addr && node.Value.used {
			return node.Value
		}
	}
	return nil
}
