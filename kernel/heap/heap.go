// Package heap implements the kernel's general-purpose dynamic memory
// allocator (kmalloc/kfree/krealloc), layered on kernel/mem/pages the same
// way kernel/mem/pages is layered on kernel/mem/physical. It classifies
// requests into small, medium and large size classes, each class backed by
// a distinct block size drawn from the pages allocator and carved into
// 16-byte-aligned chunks. A chunk's header immediately precedes its
// payload, so Free recovers the header from the payload pointer alone by a
// fixed negative offset; the size-bucketed free-list bookkeeping follows
// the same bucket-scan pattern kernel/mem/pages uses one layer down.
package heap

import (
	"unsafe"

	"github.com/ferrokernel/ferro/kernel/errors"
	"github.com/ferrokernel/ferro/kernel/list"
	"github.com/ferrokernel/ferro/kernel/mem"
	"github.com/ferrokernel/ferro/kernel/mem/pages"
	"github.com/ferrokernel/ferro/kernel/sync/spinlock"
)

// chunkMagic stamps every live chunk header so Free can detect a corrupted
// or bogus pointer before trusting the rest of the header.
const chunkMagic = 0x4b484d4c

const (
	smallBlockPages  = 8
	mediumBlockPages = 128
	mediumMaxSize    = 256 * 1024

	numSmallBuckets  = 6
	numMediumBuckets = 10

	chunkAlignment = 16
)

type sizeClass uint8

const (
	classSmall sizeClass = iota
	classMedium
	classLarge
)

// chunkHeader sits at the start of every chunk; the payload begins
// chunkHdrSize bytes after it, so kfree recovers the header from a payload
// pointer by a fixed subtraction rather than a separate lookup table.
//
// addrChain links every chunk (used or free) in address order within its
// owning block, for merge-on-free; freeNode links the chunk into its
// size-bucket free list, and is only valid while the chunk is free. A
// chunk never occupies both roles in the same list at once.
type chunkHeader struct {
	block *heapBlock
	size  uint32 // usable payload size in bytes
	used  bool
	magic uint32

	addrChain list.Node[*chunkHeader]
	freeNode  list.Node[*chunkHeader]
}

// chunkHdrSize is the 16-byte-aligned size of chunkHeader itself, fixed for
// the lifetime of the program, so payload-to-header recovery is a constant
// offset.
var chunkHdrSize = mem.Align(unsafe.Sizeof(chunkHeader{}), chunkAlignment)

// heapBlock is one block drawn from the pages allocator and subdivided into
// chunks. Small and medium blocks host many chunks and are returned to the
// pages allocator only once every chunk in them is free; a large block
// always hosts exactly one chunk sized to fit the request.
type heapBlock struct {
	addr  uintptr
	pages uint32
	class sizeClass

	chunks list.List[*chunkHeader]
}

var (
	lock spinlock.Spinlock

	smallBuckets  [numSmallBuckets]list.List[*chunkHeader]
	mediumBuckets [numMediumBuckets]list.List[*chunkHeader]

	// liveBlocks roots every block currently on loan from the pages
	// allocator. A chunkHeader's block field is the only pointer to its
	// heapBlock, and chunkHeaders themselves live inside the block's own
	// backing memory rather than in normal Go-managed heap — invisible to
	// the garbage collector as a source of references. Without this map
	// a heapBlock (and transitively the arena it is carved from) would be
	// collectible the moment no ordinary Go variable happened to be
	// holding it, even while chunks inside it are still in use.
	liveBlocks = map[uintptr]*heapBlock{}
)

var (
	// errDoubleFree is raised when Free is asked to release a chunk that
	// is not currently marked used.
	errDoubleFree = errors.KernelError("kfree: chunk already free")

	// errBadMagic is raised when a payload pointer does not recover a
	// header carrying the expected magic value.
	errBadMagic = errors.KernelError("kfree: corrupted or unrecognized chunk header")
)

// classify picks the size class and an initial bucket for a (16-byte
// aligned) payload size. The bucket is only a search hint: the allocator
// still scans upward through buckets checking each candidate chunk's actual
// size, exactly as kernel/mem/pages' bucketForSize does for page counts.
func classify(size uint32) (sizeClass, int) {
	if size < 8 {
		size = 8
	}
	switch {
	case size < 512:
		return classSmall, bucketIndex(size, 8, numSmallBuckets)
	case size <= mediumMaxSize:
		return classMedium, bucketIndex(size, 512, numMediumBuckets)
	default:
		return classLarge, -1
	}
}

func bucketIndex(size, base uint32, n int) int {
	b := 0
	for (base << uint(b+1)) <= size {
		b++
	}
	if b >= n {
		b = n - 1
	}
	return b
}

func bucketListFor(class sizeClass, i int) *list.List[*chunkHeader] {
	if class == classSmall {
		return &smallBuckets[i]
	}
	return &mediumBuckets[i]
}

func chunkHeaderFromPayload(payload uintptr) *chunkHeader {
	return (*chunkHeader)(unsafe.Pointer(payload - chunkHdrSize))
}

func payloadOf(h *chunkHeader) uintptr {
	return uintptr(unsafe.Pointer(h)) + chunkHdrSize
}

// Alloc (kmalloc) returns the address of a size-byte payload. The contents
// are not zeroed; callers that need that should use AllocZero.
func Alloc(size uint32) (uintptr, error) {
	lock.Lock()
	defer lock.Unlock()
	return alloc(size)
}

// AllocZero (kmalloc_zero) is Alloc followed by zeroing the payload.
func AllocZero(size uint32) (uintptr, error) {
	lock.Lock()
	defer lock.Unlock()
	addr, err := alloc(size)
	if err != nil {
		return 0, err
	}
	mem.MemsetFn(addr, 0, size)
	return addr, nil
}

func alloc(size uint32) (uintptr, error) {
	if size == 0 {
		return 0, errors.ErrInvalidParamValue
	}
	aligned := uint32(mem.Align(uintptr(size), chunkAlignment))

	class, bucket := classify(aligned)
	if class == classLarge {
		return allocLarge(aligned)
	}

	chunk := takeFreeChunk(class, bucket, aligned)
	if chunk == nil {
		block, err := newBlock(class)
		if err != nil {
			return 0, err
		}
		chunk = block.chunks.Front().Value
		removeFree(chunk)
	}

	splitChunk(chunk, aligned)
	chunk.used = true
	return payloadOf(chunk), nil
}

// allocLarge gives size its own dedicated block, sized to fit exactly one
// header plus the requested payload; large chunks are never split or
// coalesced, they are simply returned whole to the pages allocator on free.
func allocLarge(size uint32) (uintptr, error) {
	need := mem.Size(uint64(chunkHdrSize) + uint64(size)).Pages()
	addr, err := pages.Alloc(need)
	if err != nil {
		return 0, err
	}
	block := &heapBlock{addr: addr, pages: need, class: classLarge}

	h := (*chunkHeader)(unsafe.Pointer(addr))
	*h = chunkHeader{block: block, size: size, used: true, magic: chunkMagic}
	h.addrChain.Value = h
	block.chunks.PushBack(&h.addrChain)
	liveBlocks[block.addr] = block

	return payloadOf(h), nil
}

// newBlock draws a fresh block for the given class from the pages
// allocator and carves it into a single free chunk spanning the whole
// block.
func newBlock(class sizeClass) (*heapBlock, error) {
	n := uint32(smallBlockPages)
	if class == classMedium {
		n = mediumBlockPages
	}
	addr, err := pages.Alloc(n)
	if err != nil {
		return nil, err
	}
	block := &heapBlock{addr: addr, pages: n, class: class}

	h := (*chunkHeader)(unsafe.Pointer(addr))
	*h = chunkHeader{
		block: block,
		magic: chunkMagic,
		size:  uint32(uintptr(n)*uintptr(mem.PageSize) - chunkHdrSize),
	}
	h.addrChain.Value = h
	block.chunks.PushBack(&h.addrChain)
	insertFree(h)
	liveBlocks[block.addr] = block

	return block, nil
}

func takeFreeChunk(class sizeClass, startBucket int, size uint32) *chunkHeader {
	n := numSmallBuckets
	if class == classMedium {
		n = numMediumBuckets
	}
	for b := startBucket; b < n; b++ {
		bl := bucketListFor(class, b)
		for node := bl.Front(); node != nil; node = node.Next() {
			if node.Value.size < size {
				continue
			}
			chunk := node.Value
			bl.Remove(node)
			return chunk
		}
	}
	return nil
}

// splitChunk carves the unused tail off a free chunk that is about to be
// marked used, provided the remainder is large enough to host its own
// header plus more than one alignment unit of payload; otherwise the excess
// is left as internal fragmentation rather than producing an unusably tiny
// free chunk.
func splitChunk(chunk *chunkHeader, size uint32) {
	if uintptr(chunk.size-size) <= chunkHdrSize+chunkAlignment {
		return
	}

	remainderAddr := payloadOf(chunk) + uintptr(size)
	remainderSize := chunk.size - size - uint32(chunkHdrSize)

	r := (*chunkHeader)(unsafe.Pointer(remainderAddr))
	*r = chunkHeader{block: chunk.block, magic: chunkMagic, size: remainderSize}
	r.addrChain.Value = r
	chunk.block.chunks.InsertAfter(&r.addrChain, &chunk.addrChain)

	chunk.size = size
	insertFree(r)
}

// bucketFor picks the free-list bucket for a chunk within its owning
// block's class. Bucketing follows the block class, not the chunk size
// alone: a freshly carved small block's remainder chunk can be tens of
// kilobytes, but it must stay findable by the small requests that class's
// buckets serve, so oversized chunks clamp into the class's top bucket.
func bucketFor(class sizeClass, size uint32) int {
	if class == classSmall {
		return bucketIndex(size, 8, numSmallBuckets)
	}
	return bucketIndex(size, 512, numMediumBuckets)
}

func insertFree(h *chunkHeader) {
	h.freeNode.Value = h
	class := h.block.class
	bucketListFor(class, bucketFor(class, h.size)).PushFront(&h.freeNode)
}

func removeFree(h *chunkHeader) {
	class := h.block.class
	bucketListFor(class, bucketFor(class, h.size)).Remove(&h.freeNode)
}

// Free (kfree) releases a payload pointer previously returned by Alloc or
// AllocZero. Freeing an address that does not recover a header carrying the
// expected magic value, or one already marked free, is a programming error
// and panics rather than returning an error, matching the pages allocator's
// own fatal-on-bad-free behavior.
func Free(ptr uintptr) {
	lock.Lock()
	defer lock.Unlock()
	free(ptr)
}

func free(ptr uintptr) {
	h := chunkHeaderFromPayload(ptr)
	if h.magic != chunkMagic {
		panic(errBadMagic)
	}
	if !h.used {
		panic(errDoubleFree)
	}
	h.used = false

	block := h.block
	if block.class == classLarge {
		block.chunks.Remove(&h.addrChain)
		delete(liveBlocks, block.addr)
		pages.Free(block.addr, block.pages)
		return
	}

	merged := mergeNeighbors(h)

	if block.chunks.Len() == 1 {
		block.chunks.Remove(&merged.addrChain)
		delete(liveBlocks, block.addr)
		pages.Free(block.addr, block.pages)
		return
	}

	insertFree(merged)
}

// mergeNeighbors absorbs h's immediate address-order neighbors into it
// whenever they are free. At most one predecessor and one successor can
// ever be free simultaneously, the same invariant kernel/mem/pages relies
// on for its own chain coalescing.
func mergeNeighbors(h *chunkHeader) *chunkHeader {
	block := h.block

	if nextNode := h.addrChain.Next(); nextNode != nil {
		next := nextNode.Value
		if !next.used {
			removeFree(next)
			block.chunks.Remove(&next.addrChain)
			h.size += uint32(chunkHdrSize) + next.size
		}
	}

	if prevNode := h.addrChain.Prev(); prevNode != nil {
		prev := prevNode.Value
		if !prev.used {
			removeFree(prev)
			block.chunks.Remove(&h.addrChain)
			prev.size += uint32(chunkHdrSize) + h.size
			return prev
		}
	}

	return h
}

// Realloc (krealloc) always allocates a fresh chunk and copies the smaller
// of the old and new sizes, rather than attempting to grow in place — see
// DESIGN.md for why reuse-in-place was rejected.
func Realloc(ptr uintptr, newSize uint32) (uintptr, error) {
	if ptr == 0 {
		return Alloc(newSize)
	}

	lock.Lock()
	h := chunkHeaderFromPayload(ptr)
	if h.magic != chunkMagic {
		lock.Unlock()
		panic(errBadMagic)
	}
	oldSize := h.size
	lock.Unlock()

	newPtr, err := Alloc(newSize)
	if err != nil {
		return 0, err
	}

	copySize := oldSize
	if newSize < copySize {
		copySize = newSize
	}
	copyBytes(newPtr, ptr, copySize)
	Free(ptr)

	return newPtr, nil
}

func copyBytes(dst, src uintptr, n uint32) {
	for i := uintptr(0); i < uintptr(n); i++ {
		*(*uint8)(unsafe.Pointer(dst + i)) = *(*uint8)(unsafe.Pointer(src + i))
	}
}
