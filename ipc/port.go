package ipc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/bbelna/quantum/abi"
	"github.com/bbelna/quantum/kernel"
	"github.com/bbelna/quantum/sched"
)

// maxPortWaiters bounds how many tasks may be simultaneously blocked on
// one port's send or receive side; mirrors sched.MaxTasks, the most
// waiters a single port could ever actually see.
const maxPortWaiters = sched.MaxTasks

// DefaultTickInterval is the real-time duration one scheduler tick
// represents when no explicit interval is configured. SendTimeout and
// ReceiveTimeout budgets are tick counts (SPEC_FULL.md's Open Question
// decision), not milliseconds; this is the conversion factor used when
// a Port isn't wired to a real tick source.
const DefaultTickInterval = 10 * time.Millisecond

// Port is a named, bounded FIFO owned by one task (spec §3/§4.5). The
// zero value is not usable; construct with NewPort.
type Port struct {
	id             uint32
	owner          uint32
	creationRights abi.Rights
	tickInterval   time.Duration

	mu           sync.Mutex
	queue        [abi.MaxQueueDepth]Message
	head, tail   int
	count        int
	recvWaiters  []*waiter
	sendWaiters  []*waiter
	recvAdmit    *semaphore.Weighted
	sendAdmit    *semaphore.Weighted
	irqTemplate  *Message
	dropCount    uint64
	destroyed    bool
}

// waiter is one task parked on a port's send or receive side. It
// carries the calling task's TCB so blocking goes through the
// scheduler's own Block/Unblock instead of parking a raw goroutine —
// a task forever-blocked in Send/Receive still gives up the run token,
// so the scheduler keeps dispatching other ready tasks (spec §4.6/§5:
// blocking Send/Receive are suspension points equivalent to Yield).
type waiter struct {
	task    *sched.TCB
	expired int32 // set by a timed wait's timer if it fires first
}

// NewPort constructs a port owned by owner with the given creation
// rights (spec §4.5: "the owner has all creation rights by
// construction").
func NewPort(id, owner uint32, rights abi.Rights) *Port {
	return &Port{
		id:             id,
		owner:          owner,
		creationRights: rights,
		tickInterval:   DefaultTickInterval,
		recvAdmit:      semaphore.NewWeighted(maxPortWaiters),
		sendAdmit:      semaphore.NewWeighted(maxPortWaiters),
	}
}

// ID returns the port's process-wide unique numeric identifier.
func (p *Port) ID() uint32 { return p.id }

// Owner returns the id of the task that created this port.
func (p *Port) Owner() uint32 { return p.owner }

// CreationRights returns the full rights mask this port was created with.
func (p *Port) CreationRights() abi.Rights { return p.creationRights }

// SetTickInterval overrides the real-time duration a tick represents,
// for tests that want fast timeout expiry.
func (p *Port) SetTickInterval(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tickInterval = d
}

// BindIRQTemplate attaches the fixed notification payload template the
// IRQ subsystem delivers on this port when its bound line fires.
func (p *Port) BindIRQTemplate(tmpl Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.irqTemplate = &tmpl
}

// UnbindIRQTemplate clears a previously attached IRQ template.
func (p *Port) UnbindIRQTemplate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.irqTemplate = nil
}

// DropCount reports how many IRQ notifications were dropped because the
// queue was full when the interrupt handler tried to deliver them.
func (p *Port) DropCount() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropCount
}

func validatePayload(length uint32) error {
	if length == 0 || length > abi.MaxPayloadBytes {
		return kernel.Err("ipc.Send", kernel.InvalidArgument)
	}
	return nil
}

func (p *Port) enqueueLocked(senderID uint32, payload []byte, length uint32) {
	msg := &p.queue[p.tail]
	msg.SenderID = senderID
	msg.Length = length
	msg.HasHandle = false
	copy(msg.Payload[:length], payload[:length])

	p.tail = (p.tail + 1) % abi.MaxQueueDepth
	p.count++
}

func (p *Port) wakeOneLocked(waiters *[]*waiter) {
	if len(*waiters) == 0 {
		return
	}
	w := (*waiters)[0]
	*waiters = (*waiters)[1:]
	w.task.Unblock()
}

// Send enqueues a message, blocking the caller while the queue is full
// (spec §4.5). senderID is stamped by the kernel; callers never control
// it. t is the calling task, parked through TCB.Block/Unblock
// while it waits so the scheduler keeps dispatching other ready tasks.
func (p *Port) Send(t *sched.TCB, payload []byte, length uint32) error {
	return p.send(t, t.ID, payload, length, blockForever, 0)
}

// TrySend enqueues a message without blocking, returning WouldBlock if
// the queue is currently full. It never waits, so it needs no TCB.
func (p *Port) TrySend(senderID uint32, payload []byte, length uint32) error {
	return p.send(nil, senderID, payload, length, blockNone, 0)
}

// SendTimeout enqueues a message, blocking for at most ticks scheduler
// ticks before returning Timeout.
func (p *Port) SendTimeout(t *sched.TCB, payload []byte, length uint32, ticks int) error {
	return p.send(t, t.ID, payload, length, blockTicks, ticks)
}

type blockMode int

const (
	blockNone blockMode = iota
	blockTicks
	blockForever
)

func (p *Port) send(t *sched.TCB, senderID uint32, payload []byte, length uint32, mode blockMode, ticks int) error {
	if err := validatePayload(length); err != nil {
		return err
	}

	for {
		p.mu.Lock()
		if p.destroyed {
			p.mu.Unlock()
			return kernel.Err("ipc.Send", kernel.NotFound)
		}
		if p.count < abi.MaxQueueDepth {
			p.enqueueLocked(senderID, payload, length)
			p.wakeOneLocked(&p.recvWaiters)
			p.mu.Unlock()
			return nil
		}
		if mode == blockNone {
			p.mu.Unlock()
			return kernel.Err("ipc.TrySend", kernel.WouldBlock)
		}

		w := &waiter{task: t}
		p.sendWaiters = append(p.sendWaiters, w)
		interval := p.tickInterval
		p.mu.Unlock()

		_ = p.sendAdmit.Acquire(context.Background(), 1)
		woken := p.blockWaiter(w, &p.sendWaiters, mode, ticks, interval)
		p.sendAdmit.Release(1)
		if !woken {
			return kernel.Err("ipc.SendTimeout", kernel.Timeout)
		}
	}
}

// blockWaiter parks w.task via TCB.Block until another task wakes it
// (wakeOneLocked, DeliverNotification, or Destroy) or, for a budgeted
// wait, a tick-interval timer fires first. Whichever of the wake or the
// timer actually removes w from waiters under p.mu is the one that
// resolves it — the loser finds w already gone and does nothing, so a
// waiter is never resolved twice. Returns false on timeout.
func (p *Port) blockWaiter(w *waiter, waiters *[]*waiter, mode blockMode, ticks int, interval time.Duration) bool {
	if mode == blockForever {
		w.task.Block()
		return true
	}

	budget := time.Duration(ticks) * interval
	if ticks <= 0 {
		budget = 0
	}
	timer := time.AfterFunc(budget, func() {
		p.mu.Lock()
		for i, cand := range *waiters {
			if cand == w {
				*waiters = append((*waiters)[:i], (*waiters)[i+1:]...)
				p.mu.Unlock()
				atomic.StoreInt32(&w.expired, 1)
				w.task.Unblock()
				return
			}
		}
		p.mu.Unlock()
	})
	defer timer.Stop()

	w.task.Block()
	return atomic.LoadInt32(&w.expired) == 0
}

// Receive dequeues the head message, blocking while the queue is empty.
func (p *Port) Receive(t *sched.TCB, out []byte) (Message, error) {
	return p.receive(t, out, blockForever, 0)
}

// TryReceive dequeues the head message without blocking, returning
// WouldBlock if the queue is currently empty. It never waits, so it
// needs no TCB.
func (p *Port) TryReceive(out []byte) (Message, error) {
	return p.receive(nil, out, blockNone, 0)
}

// ReceiveTimeout dequeues the head message, blocking for at most ticks
// scheduler ticks before returning Timeout.
func (p *Port) ReceiveTimeout(t *sched.TCB, out []byte, ticks int) (Message, error) {
	return p.receive(t, out, blockTicks, ticks)
}

func (p *Port) receive(t *sched.TCB, out []byte, mode blockMode, ticks int) (Message, error) {
	for {
		p.mu.Lock()
		if p.destroyed {
			p.mu.Unlock()
			return Message{}, kernel.Err("ipc.Receive", kernel.NotFound)
		}
		if p.count > 0 {
			msg := p.queue[p.head]
			p.head = (p.head + 1) % abi.MaxQueueDepth
			p.count--
			p.wakeOneLocked(&p.sendWaiters)
			p.mu.Unlock()

			n := copy(out, msg.Payload[:msg.Length])
			msg.Length = uint32(n)
			return msg, nil
		}
		if mode == blockNone {
			p.mu.Unlock()
			return Message{}, kernel.Err("ipc.TryReceive", kernel.WouldBlock)
		}

		w := &waiter{task: t}
		p.recvWaiters = append(p.recvWaiters, w)
		interval := p.tickInterval
		p.mu.Unlock()

		_ = p.recvAdmit.Acquire(context.Background(), 1)
		woken := p.blockWaiter(w, &p.recvWaiters, mode, ticks, interval)
		p.recvAdmit.Release(1)
		if !woken {
			return Message{}, kernel.Err("ipc.ReceiveTimeout", kernel.Timeout)
		}
	}
}

// DeliverNotification non-blockingly enqueues this port's bound IRQ
// template, counting a drop if the queue is full rather than retrying
// (spec §4.5/§4.8 — never retried from interrupt context).
func (p *Port) DeliverNotification() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.irqTemplate == nil || p.destroyed {
		return
	}
	if p.count >= abi.MaxQueueDepth {
		p.dropCount++
		return
	}
	tmpl := *p.irqTemplate
	p.enqueueLocked(tmpl.SenderID, tmpl.Payload[:tmpl.Length], tmpl.Length)
	p.wakeOneLocked(&p.recvWaiters)
}

// SendHandlePayload enqueues a handle-bearing message (spec §4.5/§6).
// The handle value, rights and transferred object travel in the
// Message's handle fields; the payload is copied as given, with no
// prefix added. It never blocks: a full queue returns
// ResourceExhausted. The kobject-level resolve/addref/install sequence
// is orchestrated by the caller (the interrupt package's syscall
// layer), which owns the handle tables.
func (p *Port) SendHandlePayload(senderID uint32, payload []byte, length uint32, handle uint32, rights abi.Rights, transfer interface{}) error {
	if err := validatePayload(length); err != nil {
		return err
	}
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return kernel.Err("ipc.SendHandlePayload", kernel.NotFound)
	}
	if p.count >= abi.MaxQueueDepth {
		p.mu.Unlock()
		return kernel.Err("ipc.SendHandlePayload", kernel.ResourceExhausted)
	}
	msg := &p.queue[p.tail]
	msg.SenderID = senderID
	msg.Length = length
	copy(msg.Payload[:length], payload[:length])
	msg.HasHandle = true
	msg.HandleValue = handle
	msg.HandleRights = rights
	msg.Transfer = transfer
	p.tail = (p.tail + 1) % abi.MaxQueueDepth
	p.count++
	p.wakeOneLocked(&p.recvWaiters)
	p.mu.Unlock()
	return nil
}

// TryGetHandleMessage is the receive-side accessor for a handle-bearing
// message (spec §4.5).
func TryGetHandleMessage(msg Message) (handle uint32, rights abi.Rights, transfer interface{}, ok bool) {
	if !msg.HasHandle {
		return 0, 0, nil, false
	}
	return msg.HandleValue, msg.HandleRights, msg.Transfer, true
}

// Destroy marks the port unusable, wakes every waiter (each then
// returns NotFound), drains the queue and clears any attached IRQ
// template. An irq.Table binding that still names this port is not
// removed here; with the template cleared its notifications are
// dropped.
func (p *Port) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroyed = true
	p.irqTemplate = nil
	for _, w := range p.recvWaiters {
		w.task.Unblock()
	}
	for _, w := range p.sendWaiters {
		w.task.Unblock()
	}
	p.recvWaiters = nil
	p.sendWaiters = nil
	p.count = 0
	p.head, p.tail = 0, 0
}

// Len reports the number of messages currently queued, for the debug
// Snapshot surface and tests.
func (p *Port) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}
