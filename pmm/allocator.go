// Package pmm implements the physical frame allocator: a bitmap-backed
// partition of RAM into fixed-size frames (spec §4.1), grounded on the
// teacher's BufferPoolImpl (fuse/bufferpool.go) page-multiple free-list
// idiom but generalized to a flat one-bit-per-frame bitmap so every
// frame's allocation state is directly testable (spec §8: "for every
// allocated frame, the bitmap bit is set").
package pmm

import (
	"math/bits"
	"sync"

	"github.com/bbelna/quantum/abi"
	"github.com/bbelna/quantum/kernel"
)

// FrameSize is the fixed physical page size (4 KiB).
const FrameSize = 4096

// Frame identifies one physical page by index (physical address / FrameSize).
type Frame uint32

// Address returns the physical byte address of the frame.
func (f Frame) Address() uint64 { return uint64(f) * FrameSize }

// FromAddress returns the frame containing the given physical address.
func FromAddress(addr uint64) Frame { return Frame(addr / FrameSize) }

// Allocator is the bitmap frame allocator. The zero value is not
// usable; construct with New.
type Allocator struct {
	mu        sync.Mutex
	bitmap    []uint64 // one bit per frame; set == allocated/reserved
	reserved  []uint64 // one bit per frame; set == reserved, never cleared by Free
	numFrames uint32
	zeroFn    func(Frame)
}

// maxFrames caps the addressable range (an implementation ceiling per
// spec §4.1, "clamped to an implementation ceiling"): a 32-bit frame
// index could name 4Gi frames, which would need a 512 MiB bitmap, so
// cap at 4 GiB of *physical memory* (1M frames, a 128 KiB bitmap)
// which comfortably covers any machine this kernel targets.
const maxFrames = 1 << 20

// New computes the highest usable frame from regions, reserves the
// frames holding the kernel image, init bundle, and the bitmap itself,
// and marks every other usable frame free.
//
// kernelImageBase/Size and bundleBase/Size are physical extents to
// reserve outright; bundleSize of 0 means no bundle was loaded.
func New(regions []abi.MemoryRegion, kernelImageBase, kernelImageSize, bundleBase, bundleSize uint64) *Allocator {
	var highest uint64
	for _, r := range regions {
		if !r.Usable() {
			continue
		}
		if end := r.End(); end > highest {
			highest = end
		}
	}

	numFrames := uint32(highest / FrameSize)
	if numFrames == 0 {
		numFrames = 1
	}
	if numFrames > maxFrames {
		numFrames = maxFrames
	}

	a := &Allocator{
		bitmap:    make([]uint64, (numFrames+63)/64),
		reserved:  make([]uint64, (numFrames+63)/64),
		numFrames: numFrames,
	}

	// Start everything reserved; usable regions are released below.
	for i := range a.bitmap {
		a.bitmap[i] = ^uint64(0)
		a.reserved[i] = ^uint64(0)
	}
	for _, r := range regions {
		if !r.Usable() {
			continue
		}
		a.releaseRangeLocked(r.Base(), r.Length())
	}

	// Bitmap placement: immediately above the kernel image, per spec
	// §4.1. Its own frames must always read back as allocated.
	bitmapBytes := uint64(len(a.bitmap)) * 8
	bitmapBase := kernelImageBase + kernelImageSize
	a.reserveRangeLocked(kernelImageBase, kernelImageSize)
	a.reserveRangeLocked(bitmapBase, bitmapBytes)
	if bundleSize > 0 {
		a.reserveRangeLocked(bundleBase, bundleSize)
	}

	return a
}

func frameRange(base, length uint64) (first, count uint32) {
	first = uint32(base / FrameSize)
	last := uint32((base + length + FrameSize - 1) / FrameSize)
	if last > first {
		count = last - first
	}
	return
}

func (a *Allocator) setLocked(f Frame, allocated bool) {
	if uint32(f) >= a.numFrames {
		return
	}
	word, bit := f/64, f%64
	if allocated {
		a.bitmap[word] |= 1 << bit
	} else {
		a.bitmap[word] &^= 1 << bit
	}
}

func (a *Allocator) testLocked(f Frame) bool {
	if uint32(f) >= a.numFrames {
		return true
	}
	word, bit := f/64, f%64
	return a.bitmap[word]&(1<<bit) != 0
}

func (a *Allocator) setReservedLocked(f Frame, reserved bool) {
	if uint32(f) >= a.numFrames {
		return
	}
	word, bit := f/64, f%64
	if reserved {
		a.reserved[word] |= 1 << bit
	} else {
		a.reserved[word] &^= 1 << bit
	}
}

func (a *Allocator) testReservedLocked(f Frame) bool {
	if uint32(f) >= a.numFrames {
		return true
	}
	word, bit := f/64, f%64
	return a.reserved[word]&(1<<bit) != 0
}

// ReserveRange marks every frame overlapping [base, base+length) both
// allocated and reserved (spec §4.1): a reserved frame never transitions
// back to free through Free; only a later ReleaseRange lifts it.
func (a *Allocator) ReserveRange(base, length uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reserveRangeLocked(base, length)
}

func (a *Allocator) reserveRangeLocked(base, length uint64) {
	first, count := frameRange(base, length)
	for i := uint32(0); i < count; i++ {
		f := Frame(first + i)
		a.setLocked(f, true)
		a.setReservedLocked(f, true)
	}
}

// ReleaseRange marks every frame overlapping [base, base+length) free
// and lifts any reservation over them. Used during boot to release
// regions the firmware reported usable, and is the only way a reserved
// frame ever becomes free again.
func (a *Allocator) ReleaseRange(base, length uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.releaseRangeLocked(base, length)
}

func (a *Allocator) releaseRangeLocked(base, length uint64) {
	first, count := frameRange(base, length)
	for i := uint32(0); i < count; i++ {
		f := Frame(first + i)
		a.setLocked(f, false)
		a.setReservedLocked(f, false)
	}
}

// SetZeroer installs a callback used by Allocate(zero=true) to clear a
// frame's backing memory. Tests may omit it; production wiring hands in
// a function that memsets the frame's mapped bytes.
func (a *Allocator) SetZeroer(fn func(Frame)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.zeroFn = fn
}

// Allocate returns the first free frame, marking it allocated. If zero
// is set and a zeroer is installed, the frame's contents are cleared
// before return.
func (a *Allocator) Allocate(zero bool) (Frame, error) {
	a.mu.Lock()
	f, ok := a.firstFreeLocked(0, a.numFrames)
	if ok {
		a.setLocked(f, true)
	}
	zeroFn := a.zeroFn
	a.mu.Unlock()

	if !ok {
		return 0, kernel.Err("pmm.Allocate", kernel.ResourceExhausted)
	}
	if zero && zeroFn != nil {
		zeroFn(f)
	}
	return f, nil
}

// AllocateBelow returns a free frame below the physical address max
// whose containing boundary-sized window it does not cross — the ISA
// DMA constraint spec §4.1 describes for the floppy driver.
func (a *Allocator) AllocateBelow(max uint64, zero bool, boundary uint64) (Frame, error) {
	limit := uint32(max / FrameSize)
	if limit > a.numFrames {
		limit = a.numFrames
	}

	a.mu.Lock()
	var found Frame
	ok := false
	for cand := uint32(0); cand < limit; cand++ {
		f := Frame(cand)
		if a.testLocked(f) {
			continue
		}
		if boundary > 0 && crossesBoundary(f.Address(), boundary) {
			continue
		}
		found, ok = f, true
		break
	}
	if ok {
		a.setLocked(found, true)
	}
	zeroFn := a.zeroFn
	a.mu.Unlock()

	if !ok {
		return 0, kernel.Err("pmm.AllocateBelow", kernel.ResourceExhausted)
	}
	if zero && zeroFn != nil {
		zeroFn(found)
	}
	return found, nil
}

func crossesBoundary(addr, boundary uint64) bool {
	return addr/boundary != (addr+FrameSize-1)/boundary
}

func (a *Allocator) firstFreeLocked(from, to uint32) (Frame, bool) {
	startWord := from / 64
	endWord := (to + 63) / 64
	for w := startWord; w < endWord && w < uint32(len(a.bitmap)); w++ {
		word := a.bitmap[w]
		if word == ^uint64(0) {
			continue
		}
		// Find the lowest clear bit.
		inv := ^word
		bit := uint32(bits.TrailingZeros64(inv))
		idx := w*64 + bit
		if idx >= to {
			return 0, false
		}
		return Frame(idx), true
	}
	return 0, false
}

// Free returns frame to the pool, unless frame is reserved, in which
// case Free is a no-op (spec §4.1: "attempting to free a reserved frame
// is a no-op"). The kernel image, the bitmap's own frames, and the init
// bundle are reserved at construction; ReserveRange reserves anything
// else. A reserved frame can only become free again through
// ReleaseRange.
func (a *Allocator) Free(f Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.testReservedLocked(f) {
		return
	}
	a.setLocked(f, false)
}

// NumFrames returns the total number of frames tracked.
func (a *Allocator) NumFrames() uint32 {
	return a.numFrames
}

// FreeCount returns the number of frames currently unallocated, used by
// the debug Snapshot surface.
func (a *Allocator) FreeCount() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var free uint32
	for i := uint32(0); i < a.numFrames; i++ {
		if !a.testLocked(Frame(i)) {
			free++
		}
	}
	return free
}

// IsAllocated reports the bitmap bit for frame f, used directly by
// tests asserting the universal invariant of spec §8.
func (a *Allocator) IsAllocated(f Frame) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.testLocked(f)
}

// IsReserved reports whether frame f is reserved, i.e. immune to Free,
// used directly by tests asserting spec §4.1's reserved-frame invariant.
func (a *Allocator) IsReserved(f Frame) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.testReservedLocked(f)
}
