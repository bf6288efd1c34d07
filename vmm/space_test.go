package vmm

import (
	"testing"

	"github.com/bbelna/quantum/abi"
	"github.com/bbelna/quantum/pmm"
)

func newManager(t *testing.T) (*Manager, *pmm.Allocator) {
	t.Helper()
	frames := pmm.New([]abi.MemoryRegion{{Type: abi.RegionUsable, LengthLow: 4096 * pmm.FrameSize}}, 0, 0, 0, 0)
	return NewManager(frames), frames
}

func TestMapUnmapRoundTrip(t *testing.T) {
	m, frames := newManager(t)
	as := m.CreateAddressSpace()

	f, err := frames.Allocate(false)
	if err != nil {
		t.Fatal(err)
	}
	const va = 0x1000
	if err := m.MapPage(as, va, f, Writable|User); err != nil {
		t.Fatal(err)
	}
	got, perm, ok := m.Translate(as, va)
	if !ok || got != f || perm != Writable|User {
		t.Fatalf("translate mismatch: got=%v perm=%v ok=%v", got, perm, ok)
	}

	m.UnmapPage(as, va)
	if _, _, ok := m.Translate(as, va); ok {
		t.Fatalf("expected unmapped after UnmapPage")
	}

	// MapPage(va, pa); UnmapPage(va); MapPage(va, pa) restores the
	// original translation (spec §8 round-trip law).
	if err := m.MapPage(as, va, f, Writable); err != nil {
		t.Fatal(err)
	}
	got, _, ok = m.Translate(as, va)
	if !ok || got != f {
		t.Fatalf("remap mismatch: got=%v ok=%v", got, ok)
	}
}

func TestUserSpacesDivergeBelowBoundary(t *testing.T) {
	m, frames := newManager(t)
	a := m.CreateAddressSpace()
	b := m.CreateAddressSpace()

	fa, _ := frames.Allocate(false)
	if err := m.MapPage(a, 0x2000, fa, User); err != nil {
		t.Fatal(err)
	}
	if _, _, ok := m.Translate(b, 0x2000); ok {
		t.Fatalf("user mapping in space a leaked into space b")
	}
}

func TestKernelHalfSharedAcrossSpaces(t *testing.T) {
	m, frames := newManager(t)
	a := m.CreateAddressSpace()

	f, _ := frames.Allocate(false)
	if err := m.MapPage(a, KernelBoundary+0x1000, f, Writable); err != nil {
		t.Fatal(err)
	}

	b := m.CreateAddressSpace()
	got, _, ok := m.Translate(b, KernelBoundary+0x1000)
	if !ok || got != f {
		t.Fatalf("kernel-half mapping not visible in freshly created space b: ok=%v got=%v", ok, got)
	}
}

func TestDestroyClearsUserHalfOnly(t *testing.T) {
	m, frames := newManager(t)
	as := m.CreateAddressSpace()

	fu, _ := frames.Allocate(false)
	fk, _ := frames.Allocate(false)
	if err := m.MapPage(as, 0x3000, fu, User); err != nil {
		t.Fatal(err)
	}
	if err := m.MapPage(as, KernelBoundary+0x4000, fk, Writable); err != nil {
		t.Fatal(err)
	}

	m.Destroy(as)

	if _, _, ok := m.Translate(as, 0x3000); ok {
		t.Fatalf("expected user half cleared by Destroy")
	}
	if _, _, ok := m.Translate(as, KernelBoundary+0x4000); !ok {
		t.Fatalf("Destroy must not clear the kernel half")
	}
}
