package interrupt

import (
	"github.com/bbelna/quantum/abi"
	"github.com/bbelna/quantum/internal/arch"
	"github.com/bbelna/quantum/ipc"
	"github.com/bbelna/quantum/irq"
	"github.com/bbelna/quantum/kernel"
	"github.com/bbelna/quantum/kernel/klog"
	"github.com/bbelna/quantum/kheap"
	"github.com/bbelna/quantum/kobject"
	"github.com/bbelna/quantum/pmm"
	"github.com/bbelna/quantum/sched"
)

// Args is the syscall gate's argument bundle (spec §4.7: "Identifier
// and three argument words are delivered in four registers"). A real
// trap gate would pass only register-width words and a user-memory
// pointer/length pair for anything larger; since this hosted
// simulation has no separate user address space to copy out of, In
// and Out stand in directly for the buffer a real syscall would read
// from or write into user memory.
type Args struct {
	A0, A1, A2 uint32
	In         []byte
	Out        []byte
}

// Result is a syscall's return value (spec §4.7: "return value in the
// identifier register").
type Result struct {
	Value  uint32
	Handle uint32
	OutLen uint32
}

// BundleProvider is the init-bundle surface the boot package supplies
// (kept as an interface here so this package never imports boot,
// avoiding a cycle: boot builds a Dispatcher and wires itself in).
type BundleProvider interface {
	Info() (abi.BootInfo, bool)
	Spawn(name string) (uint32, error)
}

// Dispatcher ties the syscall gate to the live kernel subsystems. It is
// the top of the dependency graph: every other package it references
// is a leaf relative to it.
type Dispatcher struct {
	Scheduler *sched.Scheduler
	Ports     *ipc.Registry
	IRQ       *irq.Table
	Frames    *pmm.Allocator
	Heap      *kheap.Heap
	Bus       *arch.Bus
	Log       *klog.Logger
	Bundle    BundleProvider
	Vectors   *VectorTable

	faultTask *sched.TCB
}

// InstallVectors builds the CPU fault dispatch table (spec §4.7/§7) and
// wires its non-fatal branch to terminate only the faulting task. Call
// once the Dispatcher's Log field is set; the vector table's fault sink
// closes over d.
func (d *Dispatcher) InstallVectors() {
	d.Vectors = NewVectorTable(d.Log, d.onFault)
}

// onFault is the VectorTable's fault sink. A kernel-mode fault is fatal
// and the table panics before returning here regardless of what this
// does; a user-mode fault terminates whichever task was running when
// HandleFault was called, leaving every other task's state untouched.
func (d *Dispatcher) onFault(ctx *arch.InterruptContext, fatal bool) {
	if fatal || d.faultTask == nil {
		return
	}
	d.faultTask.Exit(1)
}

// HandleFault routes a CPU exception delivered while t holds the run
// token through the installed vector table (spec §4.7: "CPU faults in
// user mode terminate the offending task... CPU faults in kernel mode
// panic"). Only one task ever holds the run token at a time, so
// attributing the in-flight fault to t needs no locking beyond that
// invariant. HandleFault never returns when the fault is non-fatal, the
// same way TCB.Exit never returns to its caller.
func (d *Dispatcher) HandleFault(t *sched.TCB, ctx *arch.InterruptContext) {
	d.faultTask = t
	d.Vectors.Dispatch(ctx)
	d.faultTask = nil
}

type syscallFunc func(d *Dispatcher, t *sched.TCB, a Args) (Result, error)

var table map[uint32]syscallFunc

func init() {
	table = map[uint32]syscallFunc{
		abi.SysTaskYield:         sysTaskYield,
		abi.SysTaskGrantIOAccess: sysTaskGrantIOAccess,

		abi.SysConsoleWrite:     sysConsoleWrite,
		abi.SysConsoleWriteLine: sysConsoleWriteLine,

		abi.SysInitBundleGetInfo:   sysInitBundleGetInfo,
		abi.SysInitBundleSpawnTask: sysInitBundleSpawnTask,

		abi.SysIPCCreatePort:     sysIPCCreatePort,
		abi.SysIPCOpenPort:       sysIPCOpenPort,
		abi.SysIPCSend:           sysIPCSend,
		abi.SysIPCTrySend:        sysIPCTrySend,
		abi.SysIPCSendTimeout:    sysIPCSendTimeout,
		abi.SysIPCReceive:        sysIPCReceive,
		abi.SysIPCTryReceive:     sysIPCTryReceive,
		abi.SysIPCReceiveTimeout: sysIPCReceiveTimeout,
		abi.SysIPCSendHandle:     sysIPCSendHandle,
		abi.SysIPCDestroyPort:    sysIPCDestroyPort,
		abi.SysIPCCloseHandle:    sysIPCCloseHandle,

		abi.SysIOIn8:   sysIOIn8,
		abi.SysIOIn16:  sysIOIn16,
		abi.SysIOIn32:  sysIOIn32,
		abi.SysIOOut8:  sysIOOut8,
		abi.SysIOOut16: sysIOOut16,
		abi.SysIOOut32: sysIOOut32,

		abi.SysIRQRegister:   sysIRQRegister,
		abi.SysIRQUnregister: sysIRQUnregister,
		abi.SysIRQEnable:     sysIRQEnable,
		abi.SysIRQDisable:    sysIRQDisable,

		abi.SysMemoryExpandHeap: sysMemoryExpandHeap,

		abi.SysHandleQuery: sysHandleQuery,
		abi.SysHandleClose: sysHandleClose,
	}
}

// Dispatch executes syscall id on behalf of t. SysTaskExit is handled
// before the table lookup since it never returns to its caller, the
// same way a real exit() trap never resumes the calling context.
// Unknown identifiers return a generic error and do not terminate the
// caller (spec §4.7).
func (d *Dispatcher) Dispatch(t *sched.TCB, id uint32, a Args) (Result, error) {
	if id == abi.SysTaskExit {
		t.Exit(int(a.A0))
	}
	fn, ok := table[id]
	if !ok {
		return Result{}, kernel.Err("interrupt.Dispatch", kernel.Unsupported)
	}
	return fn(d, t, a)
}

func sysTaskYield(d *Dispatcher, t *sched.TCB, a Args) (Result, error) {
	t.Yield()
	return Result{}, nil
}

func sysTaskGrantIOAccess(d *Dispatcher, t *sched.TCB, a Args) (Result, error) {
	if !t.IsCoordinator {
		return Result{}, kernel.Err("sys.GrantIOAccess", kernel.PermissionDenied)
	}
	target := d.Scheduler.TaskByID(a.A0)
	if target == nil {
		return Result{}, kernel.Err("sys.GrantIOAccess", kernel.NotFound)
	}
	target.GrantIOAccess()
	return Result{}, nil
}

func sysConsoleWrite(d *Dispatcher, t *sched.TCB, a Args) (Result, error) {
	d.Log.Printf("%s", a.In)
	return Result{Value: uint32(len(a.In))}, nil
}

func sysConsoleWriteLine(d *Dispatcher, t *sched.TCB, a Args) (Result, error) {
	d.Log.Printf("%s\n", a.In)
	return Result{Value: uint32(len(a.In))}, nil
}

func sysInitBundleGetInfo(d *Dispatcher, t *sched.TCB, a Args) (Result, error) {
	if d.Bundle == nil {
		return Result{}, kernel.Err("sys.InitBundleGetInfo", kernel.NotFound)
	}
	info, ok := d.Bundle.Info()
	if !ok {
		return Result{}, kernel.Err("sys.InitBundleGetInfo", kernel.NotFound)
	}
	n := 0
	if len(a.Out) >= 8 {
		putU32(a.Out[0:4], info.EntryCount)
		putU32(a.Out[4:8], info.InitBundleSize)
		n = 8
	}
	return Result{Value: info.InitBundleSize, OutLen: uint32(n)}, nil
}

func sysInitBundleSpawnTask(d *Dispatcher, t *sched.TCB, a Args) (Result, error) {
	if d.Bundle == nil {
		return Result{}, kernel.Err("sys.InitBundleSpawnTask", kernel.NotFound)
	}
	id, err := d.Bundle.Spawn(string(a.In))
	if err != nil {
		return Result{}, err
	}
	return Result{Value: id}, nil
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func installPortHandle(d *Dispatcher, t *sched.TCB, p *ipc.Port, rights abi.Rights) uint32 {
	obj := kobject.New(kobject.TypePort, p, func() {
		d.Ports.DestroyPort(p.ID())
	})
	h := t.Handles.Create(kobject.TypePort, obj, rights)
	obj.Release() // table.Create already added its own ref; drop the constructor's
	return h
}

func sysIPCCreatePort(d *Dispatcher, t *sched.TCB, a Args) (Result, error) {
	p, err := d.Ports.CreatePort(t.ID)
	if err != nil {
		return Result{}, err
	}
	h := installPortHandle(d, t, p, abi.AllRights)
	return Result{Handle: h, Value: p.ID()}, nil
}

func sysIPCOpenPort(d *Dispatcher, t *sched.TCB, a Args) (Result, error) {
	p, err := d.Ports.OpenPort(a.A0)
	if err != nil {
		return Result{}, err
	}
	h := installPortHandle(d, t, p, abi.Rights(a.A1)&abi.AllRights)
	return Result{Handle: h}, nil
}

func resolvePort(t *sched.TCB, handle uint32, required abi.Rights) (*ipc.Port, error) {
	obj, err := t.Handles.Resolve(handle, kobject.TypePort, required)
	if err != nil {
		return nil, err
	}
	return obj.Resource().(*ipc.Port), nil
}

// sysIPCSend, sysIPCReceive and their Timeout variants pass the calling
// task through to the ipc package's blocking paths, which park it via
// TCB.Block rather than a raw goroutine wait: the run token is handed
// back to the scheduler while this task waits, so other ready tasks
// keep making progress (spec §4.6/§5 — blocking Send/Receive are
// suspension points equivalent to Yield).
func sysIPCSend(d *Dispatcher, t *sched.TCB, a Args) (Result, error) {
	p, err := resolvePort(t, a.A0, abi.RightSend)
	if err != nil {
		return Result{}, err
	}
	return Result{}, p.Send(t, a.In, a.A1)
}

func sysIPCTrySend(d *Dispatcher, t *sched.TCB, a Args) (Result, error) {
	p, err := resolvePort(t, a.A0, abi.RightSend)
	if err != nil {
		return Result{}, err
	}
	return Result{}, p.TrySend(t.ID, a.In, a.A1)
}

func sysIPCSendTimeout(d *Dispatcher, t *sched.TCB, a Args) (Result, error) {
	p, err := resolvePort(t, a.A0, abi.RightSend)
	if err != nil {
		return Result{}, err
	}
	return Result{}, p.SendTimeout(t, a.In, a.A1, int(a.A2))
}

func sysIPCReceive(d *Dispatcher, t *sched.TCB, a Args) (Result, error) {
	p, err := resolvePort(t, a.A0, abi.RightReceive)
	if err != nil {
		return Result{}, err
	}
	return receiveResult(t, p.Receive(t, a.Out))
}

func sysIPCTryReceive(d *Dispatcher, t *sched.TCB, a Args) (Result, error) {
	p, err := resolvePort(t, a.A0, abi.RightReceive)
	if err != nil {
		return Result{}, err
	}
	return receiveResult(t, p.TryReceive(a.Out))
}

func sysIPCReceiveTimeout(d *Dispatcher, t *sched.TCB, a Args) (Result, error) {
	p, err := resolvePort(t, a.A0, abi.RightReceive)
	if err != nil {
		return Result{}, err
	}
	return receiveResult(t, p.ReceiveTimeout(t, a.Out, int(a.A1)))
}

// receiveResult finishes a dequeue: the raw payload bytes are already
// copied into the caller's Out buffer by the ipc-level Receive/TryReceive
// call, so this only needs to surface the sender id and, for a
// handle-bearing message, install the transferred object into the
// receiving task's own handle table (spec §4.5 — the sender's handle
// value is meaningless here; only the object identity crosses over) and
// hand the freshly minted handle back in the Handle register, the same
// out-of-band convention every other handle-producing syscall uses.
func receiveResult(t *sched.TCB, msg ipc.Message, err error) (Result, error) {
	if err != nil {
		return Result{}, err
	}
	res := Result{Value: msg.SenderID, OutLen: msg.Length}
	if handle, rights, transfer, ok := ipc.TryGetHandleMessage(msg); ok {
		_ = handle // the sender-side handle value; not meaningful to the receiver
		if obj, ok := transfer.(*kobject.Object); ok {
			res.Handle = t.Handles.Create(obj.Type(), obj, rights)
			obj.Release() // Create took its own ref over the one SendHandle transferred
		}
	}
	return res, nil
}

// sysIPCSendHandle transfers a handle in-band (spec §4.5's "in-band
// handle transfer"). a.A0 is the destination port handle (needs
// RightSend); a.A1 is the handle being transferred, resolved from the
// sender's own table with rights a.A2 required to be a subset of what
// the sender holds. The underlying kernel object is passed through
// Message.Transfer so the receiver installs its own handle over the
// same object rather than over the sender's numeric handle value,
// which is meaningless outside the sender's table.
func sysIPCSendHandle(d *Dispatcher, t *sched.TCB, a Args) (Result, error) {
	dest, err := resolvePort(t, a.A0, abi.RightSend)
	if err != nil {
		return Result{}, err
	}
	grant := abi.Rights(a.A2)
	obj, err := t.Handles.Resolve(a.A1, kobject.TypeNone, grant)
	if err != nil {
		return Result{}, err
	}
	obj.AddRef()
	if err := dest.SendHandlePayload(t.ID, a.In, uint32(len(a.In)), a.A1, grant, obj); err != nil {
		obj.Release()
		return Result{}, err
	}
	return Result{}, nil
}

func sysIPCDestroyPort(d *Dispatcher, t *sched.TCB, a Args) (Result, error) {
	if !t.Handles.Close(a.A0) {
		return Result{}, kernel.Err("sys.IPCDestroyPort", kernel.NotFound)
	}
	return Result{}, nil
}

func sysIPCCloseHandle(d *Dispatcher, t *sched.TCB, a Args) (Result, error) {
	if !t.Handles.Close(a.A0) {
		return Result{}, kernel.Err("sys.IPCCloseHandle", kernel.NotFound)
	}
	return Result{}, nil
}

func requireIOAccess(t *sched.TCB) error {
	if !t.IOAccess {
		return kernel.Err("sys.io", kernel.PermissionDenied)
	}
	return nil
}

func sysIOIn8(d *Dispatcher, t *sched.TCB, a Args) (Result, error) {
	if err := requireIOAccess(t); err != nil {
		return Result{}, err
	}
	return Result{Value: uint32(d.Bus.In8(uint16(a.A0)))}, nil
}

func sysIOIn16(d *Dispatcher, t *sched.TCB, a Args) (Result, error) {
	if err := requireIOAccess(t); err != nil {
		return Result{}, err
	}
	return Result{Value: uint32(d.Bus.In16(uint16(a.A0)))}, nil
}

func sysIOIn32(d *Dispatcher, t *sched.TCB, a Args) (Result, error) {
	if err := requireIOAccess(t); err != nil {
		return Result{}, err
	}
	return Result{Value: d.Bus.In32(uint16(a.A0))}, nil
}

func sysIOOut8(d *Dispatcher, t *sched.TCB, a Args) (Result, error) {
	if err := requireIOAccess(t); err != nil {
		return Result{}, err
	}
	d.Bus.Out8(uint16(a.A0), uint8(a.A1))
	return Result{}, nil
}

func sysIOOut16(d *Dispatcher, t *sched.TCB, a Args) (Result, error) {
	if err := requireIOAccess(t); err != nil {
		return Result{}, err
	}
	d.Bus.Out16(uint16(a.A0), uint16(a.A1))
	return Result{}, nil
}

func sysIOOut32(d *Dispatcher, t *sched.TCB, a Args) (Result, error) {
	if err := requireIOAccess(t); err != nil {
		return Result{}, err
	}
	d.Bus.Out32(uint16(a.A0), a.A1)
	return Result{}, nil
}

func sysIRQRegister(d *Dispatcher, t *sched.TCB, a Args) (Result, error) {
	p, err := resolvePort(t, a.A1, abi.RightReceive)
	if err != nil {
		return Result{}, err
	}
	return Result{}, d.IRQ.Register(int(a.A0), p)
}

func sysIRQUnregister(d *Dispatcher, t *sched.TCB, a Args) (Result, error) {
	return Result{}, d.IRQ.Unregister(int(a.A0))
}

func sysIRQEnable(d *Dispatcher, t *sched.TCB, a Args) (Result, error) {
	return Result{}, d.IRQ.Enable(int(a.A0))
}

func sysIRQDisable(d *Dispatcher, t *sched.TCB, a Args) (Result, error) {
	return Result{}, d.IRQ.Disable(int(a.A0))
}

func sysMemoryExpandHeap(d *Dispatcher, t *sched.TCB, a Args) (Result, error) {
	addr, err := d.Heap.Allocate(a.A0)
	if err != nil {
		return Result{}, err
	}
	return Result{Value: addr}, nil
}

func sysHandleQuery(d *Dispatcher, t *sched.TCB, a Args) (Result, error) {
	typ, rights, ok := t.Handles.Query(a.A0)
	if !ok {
		return Result{}, kernel.Err("sys.HandleQuery", kernel.NotFound)
	}
	return Result{Value: uint32(typ), Handle: uint32(rights)}, nil
}

func sysHandleClose(d *Dispatcher, t *sched.TCB, a Args) (Result, error) {
	if !t.Handles.Close(a.A0) {
		return Result{}, kernel.Err("sys.HandleClose", kernel.NotFound)
	}
	return Result{}, nil
}
