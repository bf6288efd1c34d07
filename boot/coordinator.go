// Package boot parses the firmware boot-info memory map and the
// init-bundle container, and spawns the coordinator task that brings
// up the four reserved ports and the bundled user tasks (spec §4.9 /
// §6). Bundle caching and the validate-then-build sequencing follow
// the teacher's init handshake in fuse/fuse.go (parse the peer's
// capabilities once, then answer every later query from the cached
// result instead of re-parsing); the reserved ports are created one
// after another so their ids follow the fixed creation order.
package boot

import (
	"github.com/bbelna/quantum/abi"
	"github.com/bbelna/quantum/internal/arch"
	"github.com/bbelna/quantum/interrupt"
	"github.com/bbelna/quantum/ipc"
	"github.com/bbelna/quantum/irq"
	"github.com/bbelna/quantum/kernel"
	"github.com/bbelna/quantum/kernel/klog"
	"github.com/bbelna/quantum/kheap"
	"github.com/bbelna/quantum/pmm"
	"github.com/bbelna/quantum/sched"
	"github.com/bbelna/quantum/vmm"
)

// Coordinator owns every process-wide kernel structure (spec §7) and
// is the boot-time assembly point wiring them together.
type Coordinator struct {
	info    abi.BootInfo
	haveInfo bool
	entries []abi.BundleEntry
	bundle  []byte

	Scheduler  *sched.Scheduler
	Ports      *ipc.Registry
	IRQ        *irq.Table
	Frames     *pmm.Allocator
	Pager      *vmm.Manager
	Heap       *kheap.Heap
	Bus        *arch.Bus
	Log        *klog.Logger
	Dispatcher *interrupt.Dispatcher
	Reserved   [abi.ReservedPortCount]*ipc.Port

	CoordinatorTask *sched.TCB
}

// New assembles every kernel subsystem from the firmware-reported
// memory map and the init bundle blob (which may be nil if the
// bootloader reported no bundle), and parses and caches the bundle's
// header and entry table once, up front, per spec §6.
func New(info abi.BootInfo, bundle []byte, kernelImageBase, kernelImageSize uint64) (*Coordinator, error) {
	frames := pmm.New(info.Regions(), kernelImageBase, kernelImageSize, uint64(info.InitBundlePhysical), uint64(info.InitBundleSize))
	pager := vmm.NewManager(frames)
	space := pager.KernelSpace()
	heap := kheap.New(frames, pager, space, vmm.HeapWindowBase, vmm.HeapWindowSize)

	c := &Coordinator{
		info:     info,
		haveInfo: true,
		bundle:   bundle,

		Scheduler: sched.New(),
		Ports:     ipc.NewRegistry(),
		IRQ:       irq.New(),
		Frames:    frames,
		Pager:     pager,
		Heap:      heap,
		Bus:       arch.NewBus(),
		Log:       klog.New(),
	}

	if info.HasInitBundle() && len(bundle) > 0 {
		hdr, err := abi.ParseBundleHeader(bundle)
		if err != nil {
			return nil, err
		}
		entries, err := abi.ParseBundleEntries(bundle, hdr)
		if err != nil {
			return nil, err
		}
		c.entries = entries
	}

	c.Dispatcher = &interrupt.Dispatcher{
		Scheduler: c.Scheduler,
		Ports:     c.Ports,
		IRQ:       c.IRQ,
		Frames:    c.Frames,
		Heap:      c.Heap,
		Bus:       c.Bus,
		Log:       c.Log,
		Bundle:    c,
	}
	c.Dispatcher.InstallVectors()

	return c, nil
}

// Info implements interrupt.BundleProvider.
func (c *Coordinator) Info() (abi.BootInfo, bool) {
	return c.info, c.haveInfo
}

// createReservedPorts brings up the four well-known ports in the fixed
// order Devices, FileSystem, Input, IRQ (SPEC_FULL.md's Open Question
// decision; spec §6 left the order itself unspecified). The ports are
// created sequentially, so on a fresh registry they get ids 1..4 in
// that order, each one landing in its own Reserved slot.
func (c *Coordinator) createReservedPorts(owner uint32) error {
	for i := 0; i < abi.ReservedPortCount; i++ {
		p, err := c.Ports.CreatePort(owner)
		if err != nil {
			return err
		}
		c.Reserved[i] = p
	}
	return nil
}

// Boot starts the coordinator task and returns once it is running. The
// task itself then creates the reserved ports and spawns every
// BundleEntryTask in the cached entry table.
func (c *Coordinator) Boot() error {
	coordReady := make(chan *sched.TCB, 1)
	tcb, err := c.Scheduler.Create(func(t *sched.TCB) {
		t.IsCoordinator = true
		t.GrantIOAccess()
		coordReady <- t

		if err := c.createReservedPorts(t.ID); err != nil {
			c.Log.Printf("boot: reserved port creation failed: %v", err)
			t.Exit(1)
		}

		for _, e := range c.entries {
			if !e.Spawnable() {
				continue
			}
			if _, err := c.Spawn(e.NameString()); err != nil {
				c.Log.Printf("boot: spawn %q failed: %v", e.NameString(), err)
			}
		}

		for {
			t.Yield()
		}
	}, true, nil)
	if err != nil {
		return err
	}
	<-coordReady
	c.CoordinatorTask = tcb
	return nil
}

// Spawn implements interrupt.BundleProvider and spec §4.9's
// `SpawnTask(name)`: it looks up name in the cached entry table, maps
// a zeroed image page and a stack page into a fresh address space (the
// entry's bytes are not copied; see mapEntryImage), and creates a task whose
// entry is a trampoline standing in for "dispatch into ring 3 at the
// image's entry point" (spec §4.6) — this hosted simulation has no
// real ring 3 to dispatch into, so the trampoline logs the transition
// and exits cleanly, which is the furthest an in-process Go goroutine
// can honestly go in place of executing bundled machine code.
func (c *Coordinator) Spawn(name string) (uint32, error) {
	entry, ok := c.findEntry(name)
	if !ok {
		return 0, kernel.Err("boot.Spawn", kernel.NotFound)
	}
	if !entry.Spawnable() {
		return 0, kernel.Err("boot.Spawn", kernel.InvalidArgument)
	}

	space := c.Pager.CreateAddressSpace()
	if err := c.mapEntryImage(space, entry); err != nil {
		return 0, err
	}

	t, err := c.Scheduler.Create(func(t *sched.TCB) {
		c.Log.Printf("task %d: entered user image %q", t.ID, name)
		t.Exit(0)
	}, false, space)
	if err != nil {
		return 0, err
	}
	return t.ID, nil
}

func (c *Coordinator) findEntry(name string) (abi.BundleEntry, bool) {
	for _, e := range c.entries {
		if e.NameString() == name {
			return e, true
		}
	}
	return abi.BundleEntry{}, false
}

// userImageBase is the fixed virtual address the first page of a
// spawned task's image is mapped at.
const userImageBase = 0x08048000

// userStackTop is the fixed virtual address of a spawned task's
// initial stack pointer.
const userStackTop = 0xB0000000

func (c *Coordinator) mapEntryImage(space *vmm.AddressSpace, entry abi.BundleEntry) error {
	imageFrame, err := c.Frames.Allocate(true)
	if err != nil {
		return err
	}
	if err := c.Pager.MapPage(space, userImageBase, imageFrame, vmm.User); err != nil {
		return err
	}

	if entry.Offset+entry.Size <= uint32(len(c.bundle)) {
		// Image data would be copied into the mapped frame here on
		// real hardware; this hosted simulation has no byte-addressable
		// view of physical frames to copy into; the frame is reserved
		// and zeroed, which is as far as the simulation models it.
		_ = c.bundle[entry.Offset : entry.Offset+entry.Size]
	}

	stackFrame, err := c.Frames.Allocate(true)
	if err != nil {
		return err
	}
	return c.Pager.MapPage(space, pageFloor(userStackTop)-vmm.PageSize, stackFrame, vmm.User|vmm.Writable)
}

func pageFloor(va uint32) uint32 {
	return va &^ (vmm.PageSize - 1)
}
