package arch

import "sync/atomic"

// InterruptContext is the register snapshot pushed by the common
// interrupt dispatcher before calling a registered handler, modeling
// the stack layout a real trap stub would leave behind (spec §4.7).
type InterruptContext struct {
	Vector     uint32
	ErrorCode  uint32
	EIP        uint32
	CS         uint32
	EFlags     uint32
	EAX, EBX   uint32
	ECX, EDX   uint32
	ESI, EDI   uint32
	EBP, ESP   uint32
	CR2        uint32 // valid only for the page-fault vector
	UserMode   bool
}

// CPU models the handful of whole-machine control operations the
// kernel issues directly: halting until the next interrupt, a full
// memory fence around structures shared with "interrupt context", and
// an interrupt-enable flag mirroring EFLAGS.IF.
type CPU struct {
	interruptsEnabled int32
	halted            chan struct{}
}

// NewCPU returns a CPU with interrupts enabled.
func NewCPU() *CPU {
	return &CPU{interruptsEnabled: 1, halted: make(chan struct{}, 1)}
}

// DisableInterrupts clears EFLAGS.IF and reports the prior state, the
// save half of the interrupt-save/restore spinlock discipline spec §5
// mandates for structures touched from both task and interrupt context.
func (c *CPU) DisableInterrupts() (wasEnabled bool) {
	return atomic.SwapInt32(&c.interruptsEnabled, 0) != 0
}

// RestoreInterrupts sets EFLAGS.IF back to the state captured by a
// prior DisableInterrupts call.
func (c *CPU) RestoreInterrupts(wasEnabled bool) {
	if wasEnabled {
		atomic.StoreInt32(&c.interruptsEnabled, 1)
	}
}

// InterruptsEnabled reports the current EFLAGS.IF state.
func (c *CPU) InterruptsEnabled() bool {
	return atomic.LoadInt32(&c.interruptsEnabled) != 0
}

// Fence is a full compiler+CPU memory barrier, used where a structure
// is published to a goroutine standing in for interrupt context.
func Fence() {
	atomic.AddInt32(new(int32), 0)
}

// Halt blocks until Wake is called, the idle task's steady state.
func (c *CPU) Halt() {
	<-c.halted
}

// Wake resumes a single Halt call. It is safe to call when no task is
// halted; the wake is buffered for the next Halt.
func (c *CPU) Wake() {
	select {
	case c.halted <- struct{}{}:
	default:
	}
}

// IOSave captures and clears the interrupt flag, running fn, then
// restoring it — the spinlock discipline of spec §5 ("interrupts
// disabled within the critical section") for structures with no
// separate interrupt-context access.
func (c *CPU) IOSave(fn func()) {
	was := c.DisableInterrupts()
	defer c.RestoreInterrupts(was)
	fn()
}
