package pmm

import (
	"testing"

	"github.com/bbelna/quantum/abi"
	"github.com/bbelna/quantum/kernel"
)

func oneRegion(length uint64) []abi.MemoryRegion {
	return []abi.MemoryRegion{{Type: abi.RegionUsable, LengthLow: uint32(length)}}
}

func TestAllocateNeverDoubleHandsOut(t *testing.T) {
	a := New(oneRegion(64*FrameSize), 0, 0, 0, 0)

	seen := map[Frame]bool{}
	for i := 0; i < 10; i++ {
		f, err := a.Allocate(false)
		if err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
		if seen[f] {
			t.Fatalf("frame %d handed out twice", f)
		}
		seen[f] = true
		if !a.IsAllocated(f) {
			t.Fatalf("frame %d not marked allocated", f)
		}
	}
}

func TestFreeThenReallocate(t *testing.T) {
	a := New(oneRegion(8*FrameSize), 0, 0, 0, 0)

	f, err := a.Allocate(false)
	if err != nil {
		t.Fatal(err)
	}
	a.Free(f)
	if a.IsAllocated(f) {
		t.Fatalf("frame %d still allocated after Free", f)
	}

	f2, err := a.Allocate(false)
	if err != nil {
		t.Fatal(err)
	}
	if f2 != f {
		t.Fatalf("expected first-fit to reuse freed frame %d, got %d", f, f2)
	}
}

func TestOutOfMemory(t *testing.T) {
	// Frame 0 holds the bitmap itself, leaving two allocatable frames.
	a := New(oneRegion(3*FrameSize), 0, 0, 0, 0)
	for i := 0; i < 2; i++ {
		if _, err := a.Allocate(false); err != nil {
			t.Fatalf("unexpected error on frame %d: %v", i, err)
		}
	}
	_, err := a.Allocate(false)
	if kernel.AsCode(err) != kernel.ResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}
}

func TestReserveRangeExcludesKernelImage(t *testing.T) {
	a := New(oneRegion(16*FrameSize), 0, 4*FrameSize, 0, 0)
	for i := Frame(0); i < 4; i++ {
		if !a.IsAllocated(i) {
			t.Fatalf("kernel image frame %d should be reserved", i)
		}
	}
}

func TestFreeOnReservedFrameIsANoOp(t *testing.T) {
	a := New(oneRegion(16*FrameSize), 0, 4*FrameSize, 0, 0)
	f := Frame(0)
	if !a.IsReserved(f) {
		t.Fatalf("expected kernel image frame %d to be reserved", f)
	}
	a.Free(f)
	if !a.IsAllocated(f) {
		t.Fatalf("reserved frame %d was freed", f)
	}
	if !a.IsReserved(f) {
		t.Fatalf("reserved frame %d lost its reservation", f)
	}
}

func TestReleaseRangeLiftsReservation(t *testing.T) {
	a := New(oneRegion(16*FrameSize), 0, 4*FrameSize, 0, 0)
	f := Frame(0)
	a.ReleaseRange(f.Address(), FrameSize)
	if a.IsReserved(f) {
		t.Fatalf("expected ReleaseRange to lift the reservation on frame %d", f)
	}
	a.Free(f)
	if a.IsAllocated(f) {
		t.Fatalf("expected frame %d freeable after its reservation was lifted", f)
	}
}

func TestAllocateBelowRespectsMaxAndBoundary(t *testing.T) {
	a := New(oneRegion(64*FrameSize), 0, 0, 0, 0)

	f, err := a.AllocateBelow(8*FrameSize, false, 4*FrameSize)
	if err != nil {
		t.Fatal(err)
	}
	if f.Address() >= 8*FrameSize {
		t.Fatalf("frame %d not below max", f)
	}
	if crossesBoundary(f.Address(), 4*FrameSize) {
		t.Fatalf("frame %d crosses a %d-byte boundary", f, 4*FrameSize)
	}
}

func TestZeroerInvokedOnZeroAllocate(t *testing.T) {
	a := New(oneRegion(4*FrameSize), 0, 0, 0, 0)
	var zeroed []Frame
	a.SetZeroer(func(f Frame) { zeroed = append(zeroed, f) })

	f, err := a.Allocate(true)
	if err != nil {
		t.Fatal(err)
	}
	if len(zeroed) != 1 || zeroed[0] != f {
		t.Fatalf("expected zeroer called for frame %d, got %v", f, zeroed)
	}
}
