// Package vmm implements address-space construction and page mapping
// (spec §4.2). Page tables are modeled as an arena of fixed-size entry
// arrays addressed by index rather than by pointer, following the
// arena+index translation spec.md §9 recommends for pointer-heavy
// kernel structures in a target language without raw pointers.
package vmm

import (
	"sync"

	"github.com/bbelna/quantum/kernel"
	"github.com/bbelna/quantum/pmm"
)

// PageSize matches pmm.FrameSize: one page maps to exactly one frame.
const PageSize = pmm.FrameSize

// KernelBoundary is the fixed virtual split: addresses at or above this
// boundary are kernel memory, reserved identically in every address
// space (spec §4.2, "implementation choice: 0xC0000000").
const KernelBoundary uint32 = 0xC0000000

// entriesPerTable is the IA-32 page-table/page-directory fan-out.
const entriesPerTable = 1024

// RecursiveSlot is the page-directory index reserved for the
// recursive self-map, the top slot.
const RecursiveSlot = entriesPerTable - 1

// HeapWindowBase/Size carve out the kernel heap's dedicated virtual
// range within the kernel half (spec §4.2/§4.3).
const (
	HeapWindowBase = uint32(0xD0000000)
	HeapWindowSize = uint32(0x10000000) // 256 MiB ceiling on heap growth
)

// Perm is a subset of {Writable, User, Global} attached to a mapping.
type Perm uint8

const (
	Writable Perm = 1 << iota
	User
	Global
)

type pte struct {
	present bool
	frame   pmm.Frame
	perm    Perm
}

type pageTable struct {
	entries [entriesPerTable]pte
}

// tableArena owns every allocated pageTable by index; "pointers" to a
// table are just its arena index, per spec.md §9's arena+index guidance.
type tableArena struct {
	mu     sync.Mutex
	tables []*pageTable
}

func (a *tableArena) alloc() (idx int, t *pageTable) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t = &pageTable{}
	a.tables = append(a.tables, t)
	return len(a.tables) - 1, t
}

func (a *tableArena) get(idx int) *pageTable {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tables[idx]
}

// Manager owns the physical allocator, the shared kernel directory
// entries, and every address space created from it.
type Manager struct {
	mu       sync.Mutex
	frames   *pmm.Allocator
	arena    tableArena
	kernelPD [entriesPerTable]int // directory index -> table arena index, or -1
	active   *AddressSpace
}

// NewManager builds the kernel's own address space scaffolding. Kernel
// higher-half entries are populated by callers via MapPage once the
// manager exists (mirrors spec §4.2: "Builds kernel higher-half
// mapping" as an explicit construction step, not an implicit default).
func NewManager(frames *pmm.Allocator) *Manager {
	m := &Manager{frames: frames}
	for i := range m.kernelPD {
		m.kernelPD[i] = -1
	}
	return m
}

// AddressSpace is a virtual-to-(frame,perm) mapping. Exactly one
// process-wide kernel AddressSpace exists; every user AddressSpace
// shares its upper-half directory entries by pointer-aliasing the same
// arena indices, never by copying table contents (spec §3).
type AddressSpace struct {
	mgr       *Manager
	directory [entriesPerTable]int // arena index per PD slot, or -1 if absent
	isKernel  bool
}

func dirIndex(va uint32) uint32  { return va >> 22 }
func tblIndex(va uint32) uint32  { return (va >> 12) & 0x3FF }
func pageAlign(va uint32) uint32 { return va &^ (PageSize - 1) }

// KernelSpace returns the single process-wide kernel address space,
// creating it on first use.
func (m *Manager) KernelSpace() *AddressSpace {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		as := &AddressSpace{mgr: m, isKernel: true}
		copy(as.directory[:], m.kernelPD[:])
		as.directory[RecursiveSlot] = -2 // sentinel: recursive, resolved specially
		m.active = as
	}
	return m.active
}

// CreateAddressSpace allocates a fresh address space for a user task,
// aliasing the kernel's upper-half entries and initializing the
// recursive self-map slot (spec §4.2).
func (m *Manager) CreateAddressSpace() *AddressSpace {
	m.mu.Lock()
	defer m.mu.Unlock()
	as := &AddressSpace{mgr: m}
	copy(as.directory[:], m.kernelPD[:])
	as.directory[RecursiveSlot] = -2
	return as
}

// IsKernelVA reports whether va lies in the shared kernel half.
func IsKernelVA(va uint32) bool { return va >= KernelBoundary }

func (m *Manager) tableFor(as *AddressSpace, va uint32, create bool) (*pageTable, error) {
	di := dirIndex(va)
	if as.directory[di] == -1 && IsKernelVA(va) && m.kernelPD[di] != -1 {
		// A kernel table created after as was: alias it in now.
		as.directory[di] = m.kernelPD[di]
	}
	if as.directory[di] == -1 {
		if !create {
			return nil, kernel.Err("vmm.tableFor", kernel.NotFound)
		}
		idx, _ := m.arena.alloc()
		as.directory[di] = idx
		if IsKernelVA(va) {
			m.kernelPD[di] = idx
		}
	}
	return m.arena.get(as.directory[di]), nil
}

// MapPage establishes va -> pa in as with the given permission bits.
// Mapping a kernel-half page updates the shared directory slot so every
// address space observes it, per spec §4.2.
func (m *Manager) MapPage(as *AddressSpace, va uint32, pa pmm.Frame, perm Perm) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	va = pageAlign(va)
	t, err := m.tableFor(as, va, true)
	if err != nil {
		return err
	}
	t.entries[tblIndex(va)] = pte{present: true, frame: pa, perm: perm}
	invalidate(va)
	return nil
}

// UnmapPage clears the mapping for va, if any, and invalidates the TLB
// entry. Unmapping an already-unmapped page is a no-op.
func (m *Manager) UnmapPage(as *AddressSpace, va uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	va = pageAlign(va)
	t, err := m.tableFor(as, va, false)
	if err != nil {
		return
	}
	t.entries[tblIndex(va)] = pte{}
	invalidate(va)
}

// Translate resolves va to its backing frame and permissions in as.
func (m *Manager) Translate(as *AddressSpace, va uint32) (pmm.Frame, Perm, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	va = pageAlign(va)
	t, err := m.tableFor(as, va, false)
	if err != nil {
		return 0, 0, false
	}
	e := t.entries[tblIndex(va)]
	if !e.present {
		return 0, 0, false
	}
	return e.frame, e.perm, true
}

// MapRange maps length bytes starting at va to consecutive frames
// starting at pa, rounding length up to a whole number of pages.
func (m *Manager) MapRange(as *AddressSpace, va uint32, pa pmm.Frame, length uint32, perm Perm) error {
	pages := (length + PageSize - 1) / PageSize
	for i := uint32(0); i < pages; i++ {
		if err := m.MapPage(as, va+i*PageSize, pmm.Frame(uint32(pa)+i), perm); err != nil {
			return err
		}
	}
	return nil
}

// UnmapRange unmaps length bytes starting at va, rounding up to pages.
func (m *Manager) UnmapRange(as *AddressSpace, va uint32, length uint32) {
	pages := (length + PageSize - 1) / PageSize
	for i := uint32(0); i < pages; i++ {
		m.UnmapPage(as, va+i*PageSize)
	}
}

// Activate loads as as the running address space. In the hosted
// simulation this just records which AddressSpace the rest of the
// kernel should resolve against; a bare-metal build would load CR3
// here instead.
func (m *Manager) Activate(as *AddressSpace) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = as
}

// Active returns the currently active address space.
func (m *Manager) Active() *AddressSpace {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Destroy frees as's user-half page tables. The kernel half is shared
// and is never freed by Destroy.
func (m *Manager) Destroy(as *AddressSpace) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for di := uint32(0); di < dirIndex(KernelBoundary); di++ {
		as.directory[di] = -1
	}
}

// invalidate is the hosted stand-in for INVLPG; there is no real TLB to
// flush, but the call site marks exactly where a bare-metal build would.
func invalidate(va uint32) {}
