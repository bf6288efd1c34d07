package kheap

import (
	"testing"

	"github.com/bbelna/quantum/abi"
	"github.com/bbelna/quantum/pmm"
	"github.com/bbelna/quantum/vmm"
)

func newHeap(t *testing.T) *Heap {
	t.Helper()
	frames := pmm.New([]abi.MemoryRegion{{Type: abi.RegionUsable, LengthLow: 8192 * pmm.FrameSize}}, 0, 0, 0, 0)
	mgr := vmm.NewManager(frames)
	space := mgr.CreateAddressSpace()
	return New(frames, mgr, space, vmm.HeapWindowBase, vmm.HeapWindowSize)
}

func TestGrowthTenLargeAllocations(t *testing.T) {
	h := newHeap(t)

	var addrs []uint32
	for i := 0; i < 10; i++ {
		addr, err := h.Allocate(8192)
		if err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
		if addr%8 != 0 {
			t.Fatalf("allocation %d not 8-byte aligned: %#x", i, addr)
		}
		if err := h.Verify(); err != nil {
			t.Fatalf("verify after allocate %d: %v", i, err)
		}
		addrs = append(addrs, addr)
	}

	for i := 0; i < len(addrs); i += 2 {
		h.Free(addrs[i])
		if err := h.Verify(); err != nil {
			t.Fatalf("verify after free %d: %v", i, err)
		}
	}

	if _, err := h.Allocate(16384); err != nil {
		t.Fatalf("expected coalesced allocation of 16384 to succeed: %v", err)
	}
}

func TestFreeThenAllocateSameAlignmentReuses(t *testing.T) {
	h := newHeap(t)

	addr, err := h.Allocate(64)
	if err != nil {
		t.Fatal(err)
	}
	h.Free(addr)
	if err := h.Verify(); err != nil {
		t.Fatal(err)
	}

	addr2, err := h.Allocate(64)
	if err != nil {
		t.Fatal(err)
	}
	if addr2 != addr {
		t.Fatalf("expected first-fit reuse of freed block at %#x, got %#x", addr, addr2)
	}
}

func TestAlignedAllocationRecoversHeader(t *testing.T) {
	h := newHeap(t)

	addr, err := h.AllocateAligned(100, 64)
	if err != nil {
		t.Fatal(err)
	}
	if addr%64 != 0 {
		t.Fatalf("expected 64-byte aligned address, got %#x", addr)
	}
	h.Free(addr)
	if err := h.Verify(); err != nil {
		t.Fatalf("verify after freeing aligned block: %v", err)
	}
}
