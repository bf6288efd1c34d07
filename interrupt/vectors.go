// Package interrupt implements the 256-vector dispatch table, the
// default CPU fault handlers, and the syscall gate (spec §4.7). The
// vector table and fault/terminate split are grounded on the teacher's
// opcode dispatch table (raw/opcode.go) and request-dispatch loop
// (fuse/fuse.go's (*RawFileSystem) dispatch-by-opcode pattern),
// generalized from FUSE opcodes to interrupt vectors.
package interrupt

import (
	"fmt"

	"github.com/bbelna/quantum/internal/arch"
	"github.com/bbelna/quantum/kernel/klog"
)

// FaultHandler processes a CPU exception delivered with the given
// register snapshot.
type FaultHandler func(ctx *arch.InterruptContext)

// VectorCount is the size of the IDT-equivalent dispatch table.
const VectorCount = 256

const (
	VectorDivideError     = 0
	VectorPageFault       = 14
	VectorGeneralProtect  = 13
)

// VectorTable is the 256-entry interrupt dispatch table (spec §4.7:
// "single software interrupt vector... Identifier space is grouped by
// subsystem"; here generalized to the full IDT-equivalent surface, of
// which the syscall gate is one entry).
type VectorTable struct {
	handlers [VectorCount]FaultHandler
	log      *klog.Logger
	onFault  func(ctx *arch.InterruptContext, fatal bool)
}

// NewVectorTable builds a table whose unpopulated vectors are no-ops,
// and installs the default fault handlers for divide-error, general
// protection, and page fault (spec §4.7/§7: "CPU faults in user mode
// terminate the offending task... CPU faults in kernel mode panic").
// onFault is invoked by the default handlers with fatal=true when the
// context indicates kernel mode (ctx.UserMode == false) and fatal=false
// otherwise; callers terminate the task for fatal=false, and for
// fatal=true the table itself panics once onFault returns.
func NewVectorTable(log *klog.Logger, onFault func(ctx *arch.InterruptContext, fatal bool)) *VectorTable {
	vt := &VectorTable{log: log, onFault: onFault}
	vt.handlers[VectorDivideError] = vt.defaultFault("divide error")
	vt.handlers[VectorGeneralProtect] = vt.defaultFault("general protection fault")
	vt.handlers[VectorPageFault] = vt.defaultFault("page fault")
	return vt
}

func (vt *VectorTable) defaultFault(name string) FaultHandler {
	return func(ctx *arch.InterruptContext) {
		fatal := !ctx.UserMode
		vt.log.Printf("interrupt: %s at eip=%#x cr2=%#x user=%v", name, ctx.EIP, ctx.CR2, ctx.UserMode)
		if vt.onFault != nil {
			vt.onFault(ctx, fatal)
		}
		if fatal {
			panic(fmt.Sprintf("interrupt: unrecoverable %s in kernel mode at eip=%#x", name, ctx.EIP))
		}
	}
}

// Install registers a handler for vector, overriding any default.
func (vt *VectorTable) Install(vector int, h FaultHandler) {
	vt.handlers[vector] = h
}

// Dispatch routes ctx to the handler installed for its vector, logging
// and dropping unknown vectors rather than terminating the caller
// (spec §4.7's "unknown identifiers return a generic error... and do
// not terminate the caller" extended to unpopulated fault vectors).
func (vt *VectorTable) Dispatch(ctx *arch.InterruptContext) {
	h := vt.handlers[ctx.Vector]
	if h == nil {
		vt.log.Tracef("interrupt: unhandled vector %d", ctx.Vector)
		return
	}
	h(ctx)
}
