package irq

import (
	"testing"
	"time"

	"github.com/bbelna/quantum/abi"
	"github.com/bbelna/quantum/ipc"
	"github.com/bbelna/quantum/sched"
)

func TestThreeFiresYieldThreeNotifications(t *testing.T) {
	reg := ipc.NewRegistry()
	port, err := reg.CreatePort(1)
	if err != nil {
		t.Fatalf("CreatePort: %v", err)
	}

	tbl := New()
	if err := tbl.Register(0, port); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := tbl.Enable(0); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	for i := 0; i < 3; i++ {
		tbl.Fire(0)
	}

	s := sched.New()
	done := make(chan error, 1)
	_, err = s.Create(func(tcb *sched.TCB) {
		out := make([]byte, abi.MaxPayloadBytes)
		for i := 0; i < 3; i++ {
			msg, err := port.ReceiveTimeout(tcb, out, 500)
			if err != nil {
				done <- err
				tcb.Block()
				return
			}
			if msg.SenderID != abi.KernelSenderID {
				t.Errorf("expected kernel sentinel sender, got %d", msg.SenderID)
			}
			op := uint32(out[0]) | uint32(out[1])<<8 | uint32(out[2])<<16 | uint32(out[3])<<24
			line := uint32(out[4]) | uint32(out[5])<<8 | uint32(out[6])<<16 | uint32(out[7])<<24
			if op != abi.NotifyOp || line != 0 {
				t.Errorf("unexpected notification payload: op=%d irq=%d", op, line)
			}
		}
		done <- nil
		tcb.Block()
	}, false, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("receiver task never completed")
	}
}

func TestDisabledLineNeverDelivers(t *testing.T) {
	reg := ipc.NewRegistry()
	port, _ := reg.CreatePort(1)
	tbl := New()
	tbl.Register(1, port)
	tbl.Fire(1)

	time.Sleep(10 * time.Millisecond)
	if port.Len() != 0 {
		t.Fatalf("expected no delivery on a disabled line, queue has %d", port.Len())
	}
}

func TestUnregisterStopsDelivery(t *testing.T) {
	reg := ipc.NewRegistry()
	port, _ := reg.CreatePort(1)
	tbl := New()
	tbl.Register(2, port)
	tbl.Enable(2)
	tbl.Unregister(2)
	tbl.Fire(2)

	time.Sleep(10 * time.Millisecond)
	if port.Len() != 0 {
		t.Fatalf("expected no delivery after unregister, queue has %d", port.Len())
	}
}
