package sched

import (
	"sync"
	"sync/atomic"

	"github.com/cloudwego/gopkg/container/ring"

	"github.com/bbelna/quantum/kernel"
	"github.com/bbelna/quantum/vmm"
)

// Scheduler is the single-CPU round-robin scheduler described by spec
// §4.6. Exactly one TCB goroutine holds the run token at a time; the
// loop goroutine started by New selects the next ready slot, hands it
// the token, and waits for the task to report back why it gave up the
// CPU (yield, block, or exit).
type Scheduler struct {
	mu      sync.Mutex
	tasks   [MaxTasks]*TCB
	cursor  *ring.Ring[int]
	pos     int
	current int
	idle    int
	nextID  uint32

	preempt     int32
	preemptFlag int32
	ticks       uint64
	events      chan event
}

// New constructs a scheduler and immediately installs its idle task in
// slot 0, per spec §4.6 ("the idle task is created before any other").
func New() *Scheduler {
	slots := make([]int, MaxTasks)
	for i := range slots {
		slots[i] = i
	}
	s := &Scheduler{
		cursor:  ring.NewFromSlice(slots),
		current: -1,
		idle:    0,
		events:  make(chan event),
	}
	idleTCB := s.installLocked(func(t *TCB) {
		for {
			t.Yield()
		}
	}, false, nil)
	s.idle = idleTCB.slot
	go s.loop()
	return s
}

// SetPreemption enables or disables timer-tick preemption.
func (s *Scheduler) SetPreemption(enabled bool) {
	v := int32(0)
	if enabled {
		v = 1
	}
	atomic.StoreInt32(&s.preempt, v)
}

// Tick advances the tick counter and, if preemption is enabled, forces
// the currently running task to yield at the next opportunity (spec
// §4.6: "the tick handler runs to completion before returning to the
// interrupted task or switching to another" — here, the handoff simply
// happens on the next scheduler iteration since this is a cooperative
// hosted simulation, not a real hardware trap).
func (s *Scheduler) Tick() {
	atomic.AddUint64(&s.ticks, 1)
	if atomic.LoadInt32(&s.preempt) != 0 {
		atomic.StoreInt32(&s.preemptFlag, 1)
	}
}

// ShouldPreempt reports and clears a pending preemption request. A
// hosted simulation has no hardware trap to interrupt a running
// goroutine mid-instruction, so a preemptible task cooperates by
// calling this (directly, or via TCB.MaybeYield) at its own natural
// checkpoints; that is the closest honest analogue of "the tick
// handler invokes the scheduler" available without real interrupts.
func (s *Scheduler) ShouldPreempt() bool {
	return atomic.CompareAndSwapInt32(&s.preemptFlag, 1, 0)
}

// Ticks reports the number of timer ticks observed, for tests and the
// debug Snapshot surface.
func (s *Scheduler) Ticks() uint64 {
	return atomic.LoadUint64(&s.ticks)
}

func (s *Scheduler) installLocked(entry func(*TCB), coordinator bool, space *vmm.AddressSpace) *TCB {
	s.mu.Lock()
	slot := -1
	for i := 0; i < MaxTasks; i++ {
		if s.tasks[i] == nil {
			slot = i
			break
		}
	}
	if slot == -1 {
		s.mu.Unlock()
		panic("sched: task arena exhausted")
	}
	s.nextID++
	t := &TCB{
		ID:            s.nextID,
		slot:          slot,
		state:         StateReady,
		IsCoordinator: coordinator,
		Space:         space,
		sched:         s,
		resume:        make(chan struct{}),
		entry:         entry,
	}
	s.tasks[slot] = t
	s.mu.Unlock()

	go func() {
		<-t.resume
		entry(t)
	}()
	return t
}

// Create allocates a TCB and places it Ready (spec §4.6: "allocate a
// TCB... placed Ready"). entry runs on its own goroutine once the
// scheduler first selects it.
func (s *Scheduler) Create(entry func(*TCB), coordinator bool, space *vmm.AddressSpace) (*TCB, error) {
	s.mu.Lock()
	full := true
	for i := 0; i < MaxTasks; i++ {
		if s.tasks[i] == nil {
			full = false
			break
		}
	}
	s.mu.Unlock()
	if full {
		return nil, kernel.Err("sched.Create", kernel.ResourceExhausted)
	}
	return s.installLocked(entry, coordinator, space), nil
}

// Unblock transitions a Blocked task back to Ready, for callers (e.g.
// the ipc package's port wakeup path) that resumed a task without the
// scheduler having initiated it.
func (s *Scheduler) Unblock(t *TCB) {
	s.mu.Lock()
	if t.state == StateBlocked {
		t.state = StateReady
	}
	s.mu.Unlock()
}

// Current returns the slot index of the task presently holding the run
// token, or -1 if the scheduler loop is between dispatches.
func (s *Scheduler) Current() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// CurrentTask returns the TCB presently holding the run token, or nil
// between dispatches. Syscall and interrupt handlers use this to find
// the calling task's handle table and address space.
func (s *Scheduler) CurrentTask() *TCB {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current < 0 {
		return nil
	}
	return s.tasks[s.current]
}

// TaskByID looks up a live task by its id, for syscalls that name
// another task (e.g. GrantIOAccess).
func (s *Scheduler) TaskByID(id uint32) *TCB {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t != nil && t.ID == id {
			return t
		}
	}
	return nil
}

// handoff is called by a TCB's Yield/Block/Exit to report why it gave
// up the run token.
func (s *Scheduler) handoff(ev event) {
	s.events <- ev
}

// selectNextLocked rotates the ring cursor to the next Ready slot,
// falling back to idle if nothing else is runnable (spec §4.6's
// invariant: "the ready queue is never empty while the scheduler
// runs").
func (s *Scheduler) selectNextLocked() int {
	for i := 0; i < MaxTasks; i++ {
		item, ok := s.cursor.Next(s.pos)
		if !ok {
			item, _ = s.cursor.Get(0)
		}
		s.pos = item.Index()
		slot := item.Value()
		if slot == s.idle {
			continue
		}
		t := s.tasks[slot]
		if t != nil && t.state == StateReady {
			return slot
		}
	}
	return s.idle
}

func (s *Scheduler) loop() {
	for {
		s.mu.Lock()
		slot := s.selectNextLocked()
		t := s.tasks[slot]
		t.state = StateRunning
		s.current = slot
		s.mu.Unlock()

		t.resume <- struct{}{}

		ev := <-s.events

		s.mu.Lock()
		s.current = -1
		switch ev.kind {
		case evYield:
			t.state = StateReady
		case evBlock:
			t.state = StateBlocked
		case evExit:
			t.state = StateTerminated
			t.Handles.CloseAll()
			s.tasks[ev.slot] = nil
		}
		s.mu.Unlock()
	}
}

// Snapshot summarizes live scheduler state for the debug introspection
// surface.
type Snapshot struct {
	ReadyCount int
	Ticks      uint64
}

// Snapshot reports how many tasks are currently Ready and the observed
// tick count.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if t != nil && t.state == StateReady {
			n++
		}
	}
	return Snapshot{ReadyCount: n, Ticks: s.ticks}
}
