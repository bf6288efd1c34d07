// Package sched implements the task control block table and the
// single-CPU round-robin scheduler: cooperative yield, blocking
// transitions, timer-tick preemption, and the idle task (spec §4.6).
// The ready queue is a fixed-capacity arena of TCB slots traversed with
// a ring cursor, per the teacher's fixed-table idiom (kobject's
// HandleTable, fuse/bufferpool.go) generalized to the arena+index
// design spec.md's REDESIGN FLAGS calls for. Task/Exit/Yield semantics
// are grounded on original_source/.../Task.cpp; the run/dispatch pump
// follows fuse/server.go's request loop, adapted to hand a single
// "run token" to one goroutine at a time instead of fanning work out.
package sched

import (
	"sync/atomic"

	"github.com/bbelna/quantum/kobject"
	"github.com/bbelna/quantum/vmm"
)

// State is a task's position in its lifecycle (spec §4.6: "Ready,
// Running, Blocked, Terminated").
type State int

const (
	StateUnused State = iota
	StateReady
	StateRunning
	StateBlocked
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "Ready"
	case StateRunning:
		return "Running"
	case StateBlocked:
		return "Blocked"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unused"
	}
}

// MaxTasks bounds the scheduler's TCB arena.
const MaxTasks = 64

// eventKind is what a running task reported back to the scheduler loop
// when it last gave up the CPU.
type eventKind int

const (
	evYield eventKind = iota
	evBlock
	evExit
)

type event struct {
	slot int
	kind eventKind
	code int
}

// TCB is a task control block (spec §4.6). Entry runs on its own
// goroutine and only executes while holding the scheduler's run token;
// Yield/Block/Exit hand the token back and park the goroutine on
// resume until the scheduler re-selects it (or, for Block, until
// another component calls Scheduler.Unblock).
type TCB struct {
	ID            uint32
	slot          int
	state         State
	IsCoordinator bool
	Handles       kobject.HandleTable
	Space         *vmm.AddressSpace
	ExitCode      int
	IOAccess      bool

	sched   *Scheduler
	resume  chan struct{}
	entry   func(*TCB)

	// wakePending covers the gap between a waiter registering itself
	// with a blocking resource and actually calling Block: a wakeup
	// delivered in that window (e.g. from IRQ-context notification
	// delivery, which runs outside the run-token discipline) must not
	// be lost. Unblock always sets it before touching scheduler state;
	// Block consumes it first and, if set, returns without yielding.
	wakePending int32
}

// State reports the task's current lifecycle state.
func (t *TCB) State() State { return t.state }

// Slot returns the task's fixed arena index, for the debug Snapshot surface.
func (t *TCB) Slot() int { return t.slot }

// Yield cooperatively gives up the CPU, returning once the scheduler
// has re-selected this task (spec §4.6: "switches occur on cooperative
// Yield").
func (t *TCB) Yield() {
	t.sched.handoff(event{slot: t.slot, kind: evYield})
	<-t.resume
}

// MaybeYield checks for a pending preemption request and, if one is
// set, yields immediately; otherwise it returns without blocking. Task
// entry functions call this at their natural checkpoints to cooperate
// with timer-tick preemption (see Scheduler.ShouldPreempt).
func (t *TCB) MaybeYield() {
	if t.sched.ShouldPreempt() {
		t.Yield()
	}
}

// Block transitions the task to Blocked and gives up the CPU, unless a
// wakeup already arrived for this task (see Unblock) before it got here
// — in which case Block returns immediately, the run token never
// leaves, and the pending wakeup is consumed. The caller is responsible
// for arranging a later Unblock.
func (t *TCB) Block() {
	if atomic.CompareAndSwapInt32(&t.wakePending, 1, 0) {
		return
	}
	t.sched.handoff(event{slot: t.slot, kind: evBlock})
	<-t.resume
	// Clear unconditionally: an Unblock racing in after the CAS above
	// already failed (because it runs concurrently with the handoff,
	// not before it) still must not leave a flag set for the next,
	// unrelated Block call to wrongly short-circuit on.
	atomic.StoreInt32(&t.wakePending, 0)
}

// Unblock marks a pending wakeup for this task and, if it has already
// transitioned to Blocked, returns it to Ready via the scheduler.
// Blocking resources (e.g. ipc.Port's wait lists) call this instead of
// reaching into Scheduler directly so a wakeup racing ahead of the
// matching Block call is never lost.
func (t *TCB) Unblock() {
	atomic.StoreInt32(&t.wakePending, 1)
	t.sched.Unblock(t)
}

// GrantIOAccess marks the task permitted to execute port I/O
// syscalls. Idempotent: granting access to a task that already has it
// is a no-op (SPEC_FULL.md's Open Question decision).
func (t *TCB) GrantIOAccess() {
	t.IOAccess = true
}

// Exit transitions the task to Terminated with the given code and
// never returns to its caller; the scheduler frees the slot after the
// next switch, never in the exiting task's own context (spec §4.6).
func (t *TCB) Exit(code int) {
	t.ExitCode = code
	t.sched.handoff(event{slot: t.slot, kind: evExit, code: code})
	select {}
}
