// Package kheap implements the variable-size kernel heap allocator
// over a fixed virtual window: a sorted, address-coalescing free list
// with first-fit allocation and split/coalesce on free (spec §4.3).
// Growth requests fresh frames from pmm and maps them through vmm,
// generalizing the teacher's BufferPoolImpl grow-on-miss strategy
// (fuse/bufferpool.go: "if no block fits, allocate and append") from
// page-multiple buffers to a byte-granular free list.
package kheap

import (
	"sync"

	"github.com/bbelna/quantum/kernel"
	"github.com/bbelna/quantum/pmm"
	"github.com/bbelna/quantum/vmm"
)

// headerSize is the fixed metadata width every block carries, modeled
// here as a logical record rather than an in-band byte header since
// Quantum's heap is backed by a Go byte slice arena, not raw memory.
const headerSize = 16

// minPayload is the smallest residue worth splitting off as its own
// free block; smaller residues are left attached to the allocation.
const minPayload = 16

// alignment every block header (and therefore every payload) respects.
const alignment = 8

const alignedMagic = 0x484D4147 // "HMAG"

type block struct {
	addr uint32 // payload start address in the heap's virtual window
	size uint32 // payload capacity, excluding headerSize
	free bool
}

// Heap is the kernel allocator over a dedicated virtual window. The
// zero value is not usable; construct with New.
type Heap struct {
	mu      sync.Mutex
	frames  *pmm.Allocator
	pager   *vmm.Manager
	space   *vmm.AddressSpace
	base    uint32
	limit   uint32 // base + window size, the growth ceiling
	grown   uint32 // bytes of virtual window currently backed by frames
	blocks  []block // sorted by addr; invariant maintained by insert/remove
	aligned map[uint32]alignedMeta
}

type alignedMeta struct {
	magic        uint32
	originalAddr uint32
}

// New creates an empty heap over [base, base+windowSize) backed by
// frames and mapped through pager into space. No frames are committed
// until the first allocation forces growth.
func New(frames *pmm.Allocator, pager *vmm.Manager, space *vmm.AddressSpace, base, windowSize uint32) *Heap {
	return &Heap{
		frames:  frames,
		pager:   pager,
		space:   space,
		base:    base,
		limit:   base + windowSize,
		aligned: make(map[uint32]alignedMeta),
	}
}

func roundUp(v, mult uint32) uint32 {
	return (v + mult - 1) &^ (mult - 1)
}

// Allocate returns a payload address of at least size bytes, growing
// the heap from the physical allocator if no free block fits.
func (h *Heap) Allocate(size uint32) (uint32, error) {
	if size == 0 {
		size = 1
	}
	size = roundUp(size, alignment)

	h.mu.Lock()
	defer h.mu.Unlock()

	for {
		if idx, ok := h.firstFitLocked(size); ok {
			return h.takeLocked(idx, size), nil
		}
		if !h.growLocked(size) {
			return 0, kernel.Err("kheap.Allocate", kernel.ResourceExhausted)
		}
	}
}

func (h *Heap) firstFitLocked(size uint32) (int, bool) {
	for i, b := range h.blocks {
		if b.free && b.size >= size {
			return i, true
		}
	}
	return 0, false
}

// takeLocked carves size bytes off the free block at idx, splitting the
// residue into a new free block when it is large enough to be useful,
// and returns the allocated block's payload address.
func (h *Heap) takeLocked(idx int, size uint32) uint32 {
	b := h.blocks[idx]
	residue := b.size - size
	if residue >= headerSize+minPayload {
		newFree := block{addr: b.addr + size + headerSize, size: residue - headerSize, free: true}
		h.blocks[idx] = block{addr: b.addr, size: size, free: false}
		h.blocks = append(h.blocks, block{})
		copy(h.blocks[idx+2:], h.blocks[idx+1:])
		h.blocks[idx+1] = newFree
	} else {
		h.blocks[idx].free = false
	}
	return h.blocks[idx].addr
}

// growLocked commits one more chunk of the virtual window, mapping
// fresh frames and appending a single free block covering the new
// region (spec §4.3: "maps them at the next heap virtual address,
// appends a single free block"). Returns false if the window or the
// physical allocator is exhausted.
func (h *Heap) growLocked(minSize uint32) bool {
	need := roundUp(minSize+headerSize, pmm.FrameSize)
	if h.base+h.grown+need > h.limit {
		// Try to grow by exactly what's left in the window.
		need = h.limit - (h.base + h.grown)
		need = need &^ (pmm.FrameSize - 1)
		if need == 0 {
			return false
		}
	}

	pages := need / pmm.FrameSize
	startVA := h.base + h.grown
	for i := uint32(0); i < pages; i++ {
		f, err := h.frames.Allocate(true)
		if err != nil {
			return false
		}
		if h.pager != nil && h.space != nil {
			if err := h.pager.MapPage(h.space, startVA+i*pmm.FrameSize, f, vmm.Writable); err != nil {
				h.frames.Free(f)
				return false
			}
		}
	}

	newBlock := block{addr: startVA + headerSize, size: need - headerSize, free: true}
	h.blocks = append(h.blocks, newBlock)
	h.sortLocked()
	h.grown += need
	return true
}

func (h *Heap) sortLocked() {
	// Small N (heap growth is rare); insertion sort keeps the list
	// address-ordered, the invariant Free's coalescing relies on.
	for i := 1; i < len(h.blocks); i++ {
		for j := i; j > 0 && h.blocks[j-1].addr > h.blocks[j].addr; j-- {
			h.blocks[j-1], h.blocks[j] = h.blocks[j], h.blocks[j-1]
		}
	}
}

// Free returns the block at addr to the free list, coalescing with
// both its preceding and following physically-adjacent neighbors if
// either is also free (spec §4.3: "adjacent free blocks are always
// coalesced").
func (h *Heap) Free(addr uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if meta, ok := h.aligned[addr]; ok && meta.magic == alignedMagic {
		delete(h.aligned, addr)
		addr = meta.originalAddr
	}

	for i := range h.blocks {
		if h.blocks[i].addr != addr {
			continue
		}
		h.blocks[i].free = true
		h.coalesceLocked(i)
		return
	}
}

func (h *Heap) coalesceLocked(i int) {
	if i+1 < len(h.blocks) {
		b, n := h.blocks[i], h.blocks[i+1]
		if n.free && b.addr+b.size+headerSize == n.addr {
			h.blocks[i].size = b.size + headerSize + n.size
			h.blocks = append(h.blocks[:i+1], h.blocks[i+2:]...)
		}
	}
	if i > 0 {
		p, b := h.blocks[i-1], h.blocks[i]
		if p.free && p.addr+p.size+headerSize == b.addr {
			h.blocks[i-1].size = p.size + headerSize + b.size
			h.blocks = append(h.blocks[:i], h.blocks[i+1:]...)
		}
	}
}

// AllocateAligned allocates size bytes with payload start address a
// multiple of alignment, storing a metadata record immediately before
// the payload so Free can recover the original block (spec §4.3).
func (h *Heap) AllocateAligned(size, align uint32) (uint32, error) {
	if align == 0 || align&(align-1) != 0 {
		return 0, kernel.Err("kheap.AllocateAligned", kernel.InvalidArgument)
	}
	raw, err := h.Allocate(size + align + headerSize)
	if err != nil {
		return 0, err
	}
	payload := roundUp(raw+headerSize, align)

	h.mu.Lock()
	h.aligned[payload] = alignedMeta{magic: alignedMagic, originalAddr: raw}
	h.mu.Unlock()
	return payload, nil
}

// Verify walks the free list asserting the invariants of spec §4.3:
// address-sorted, every block word-aligned, no two adjacent free
// blocks left uncoalesced. Like
// the teacher's debug assertions, a violation panics rather than
// returning an error — Fatal is never an observable return value.
func (h *Heap) Verify() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, b := range h.blocks {
		if b.addr%alignment != 0 {
			panic("kheap: block not word-aligned")
		}
	}
	for i := 1; i < len(h.blocks); i++ {
		if h.blocks[i-1].addr >= h.blocks[i].addr {
			panic("kheap: free list out of address order")
		}
		prev, cur := h.blocks[i-1], h.blocks[i]
		if prev.free && cur.free && prev.addr+prev.size+headerSize == cur.addr {
			panic("kheap: adjacent free blocks left uncoalesced")
		}
	}
	return nil
}

// Bytes reports how many virtual bytes the heap currently has backed
// by committed frames, for the debug Snapshot surface.
func (h *Heap) Bytes() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.grown
}
