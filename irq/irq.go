// Package irq binds hardware interrupt lines to IPC ports and delivers
// notification messages when a line fires (spec §4.8). Delivery is
// deliberately non-blocking and never retried: a full destination
// queue is a dropped notification, not a stall of whatever is
// simulating the firing device. Dispatch is grounded on the teacher's
// worker-pool fallback behavior (cloudwego-gopkg's gopool.CtxGo falls
// back to a bare goroutine when its queue is full instead of
// blocking the caller), which is the same shape as "never block the
// interrupt source."
package irq

import (
	"sync"

	"github.com/cloudwego/gopkg/concurrency/gopool"

	"github.com/bbelna/quantum/internal/arch"
	"github.com/bbelna/quantum/ipc"
	"github.com/bbelna/quantum/kernel"
)

// Table is the process-wide IRQ-to-port binding table (spec §6: "the
// IRQ binding table" is one of the kernel's process-wide structures).
type Table struct {
	mu       sync.Mutex
	bindings [arch.IRQCount]*ipc.Port
	enabled  [arch.IRQCount]bool
	pool     *gopool.GoPool
}

// New constructs an empty binding table with every line masked.
func New() *Table {
	return &Table{pool: gopool.NewGoPool("irq-delivery", nil)}
}

func checkLine(irq int) error {
	if irq < 0 || irq >= arch.IRQCount {
		return kernel.Err("irq", kernel.InvalidArgument)
	}
	return nil
}

// Register binds irq to port, installing the fixed Notify template
// (spec §4.5/§4.8) the port will see on every firing. Registering an
// already-bound line replaces the prior binding.
func (t *Table) Register(irq int, port *ipc.Port) error {
	if err := checkLine(irq); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bindings[irq] != nil {
		t.bindings[irq].UnbindIRQTemplate()
	}
	t.bindings[irq] = port
	port.BindIRQTemplate(ipc.NotifyTemplate(irq))
	return nil
}

// Unregister removes irq's binding, if any.
func (t *Table) Unregister(irq int) error {
	if err := checkLine(irq); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bindings[irq] != nil {
		t.bindings[irq].UnbindIRQTemplate()
		t.bindings[irq] = nil
	}
	t.enabled[irq] = false
	return nil
}

// Enable unmasks irq; Fire is a no-op on a disabled or unbound line.
func (t *Table) Enable(irq int) error {
	if err := checkLine(irq); err != nil {
		return err
	}
	t.mu.Lock()
	t.enabled[irq] = true
	t.mu.Unlock()
	return nil
}

// Disable masks irq.
func (t *Table) Disable(irq int) error {
	if err := checkLine(irq); err != nil {
		return err
	}
	t.mu.Lock()
	t.enabled[irq] = false
	t.mu.Unlock()
	return nil
}

// Fire simulates line irq asserting: if it is enabled and bound, the
// bound port's notification is delivered off the caller's goroutine so
// the interrupt source (a PIC tick, a device model) never blocks on a
// congested destination.
func (t *Table) Fire(irq int) {
	if irq < 0 || irq >= arch.IRQCount {
		return
	}
	t.mu.Lock()
	if !t.enabled[irq] || t.bindings[irq] == nil {
		t.mu.Unlock()
		return
	}
	port := t.bindings[irq]
	t.mu.Unlock()

	t.pool.Go(func() {
		port.DeliverNotification()
	})
}

// DropCount reports how many notifications were dropped on irq because
// the destination queue was full, for the debug Snapshot surface.
func (t *Table) DropCount(irq int) uint64 {
	if checkLine(irq) != nil {
		return 0
	}
	t.mu.Lock()
	port := t.bindings[irq]
	t.mu.Unlock()
	if port == nil {
		return 0
	}
	return port.DropCount()
}
