package interrupt

import (
	"testing"

	"github.com/bbelna/quantum/abi"
	"github.com/bbelna/quantum/internal/arch"
	"github.com/bbelna/quantum/ipc"
	"github.com/bbelna/quantum/irq"
	"github.com/bbelna/quantum/kernel"
	"github.com/bbelna/quantum/kernel/klog"
	"github.com/bbelna/quantum/sched"
)

func newDispatcher() (*Dispatcher, *sched.Scheduler) {
	s := sched.New()
	return &Dispatcher{
		Scheduler: s,
		Ports:     ipc.NewRegistry(),
		IRQ:       irq.New(),
		Bus:       arch.NewBus(),
		Log:       klog.New(),
	}, s
}

func spawnSyncTask(t *testing.T, s *sched.Scheduler, fn func(*sched.TCB)) *sched.TCB {
	ready := make(chan *sched.TCB, 1)
	tcb, err := s.Create(func(tcb *sched.TCB) {
		ready <- tcb
		fn(tcb)
		tcb.Block() // park so the test can inspect state after fn runs
	}, false, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	<-ready
	return tcb
}

func TestUnknownSyscallIsUnsupportedNotFatal(t *testing.T) {
	d, s := newDispatcher()
	var result Result
	var err error
	tcb := spawnSyncTask(t, s, func(tcb *sched.TCB) {
		result, err = d.Dispatch(tcb, 999999, Args{})
	})
	_ = tcb
	if err == nil || kernel.AsCode(err) != kernel.Unsupported {
		t.Fatalf("expected Unsupported, got %v", err)
	}
	_ = result
}

func TestIPCRoundTripViaDispatcher(t *testing.T) {
	d, s := newDispatcher()
	var senderHandle uint32
	var recvRes Result
	var recvErr error

	tcb := spawnSyncTask(t, s, func(tcb *sched.TCB) {
		res, err := d.Dispatch(tcb, abi.SysIPCCreatePort, Args{})
		if err != nil {
			t.Fatalf("CreatePort: %v", err)
		}
		senderHandle = res.Handle

		payload := []byte("hello")
		if _, err := d.Dispatch(tcb, abi.SysIPCSend, Args{A0: senderHandle, A1: uint32(len(payload)), In: payload}); err != nil {
			t.Fatalf("Send: %v", err)
		}

		out := make([]byte, abi.MaxPayloadBytes)
		recvRes, recvErr = d.Dispatch(tcb, abi.SysIPCTryReceive, Args{A0: senderHandle, Out: out})
		if recvErr == nil && string(out[:recvRes.OutLen]) != "hello" {
			t.Fatalf("unexpected payload %q", out[:recvRes.OutLen])
		}
	})
	if recvErr != nil {
		t.Fatalf("TryReceive: %v", recvErr)
	}
	if tcb.Handles.Count() == 0 {
		t.Fatalf("expected the port handle to remain installed")
	}
}

func TestGrantIOAccessRequiresCoordinatorAndIsIdempotent(t *testing.T) {
	d, s := newDispatcher()
	target, err := s.Create(func(tcb *sched.TCB) { tcb.Block() }, false, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	var errNonCoord error
	spawnSyncTask(t, s, func(tcb *sched.TCB) {
		_, errNonCoord = d.Dispatch(tcb, abi.SysTaskGrantIOAccess, Args{A0: target.ID})
	})
	if kernel.AsCode(errNonCoord) != kernel.PermissionDenied {
		t.Fatalf("expected PermissionDenied for a non-coordinator caller, got %v", errNonCoord)
	}

	coordReady := make(chan *sched.TCB, 1)
	coord, err := s.Create(func(tcb *sched.TCB) {
		tcb.IsCoordinator = true
		coordReady <- tcb
		tcb.Block()
	}, true, nil)
	if err != nil {
		t.Fatalf("Create coordinator: %v", err)
	}
	<-coordReady

	if _, err := d.Dispatch(coord, abi.SysTaskGrantIOAccess, Args{A0: target.ID}); err != nil {
		t.Fatalf("GrantIOAccess: %v", err)
	}
	if !target.IOAccess {
		t.Fatalf("expected target to have IO access granted")
	}
	if _, err := d.Dispatch(coord, abi.SysTaskGrantIOAccess, Args{A0: target.ID}); err != nil {
		t.Fatalf("expected granting twice to be idempotent, got %v", err)
	}
}

func TestHandleTransferAcrossTasks(t *testing.T) {
	d, s := newDispatcher()

	var portHandleA, destPortHandleA uint32
	var destHandleB uint32

	taskB := spawnSyncTask(t, s, func(tcb *sched.TCB) {
		res, err := d.Dispatch(tcb, abi.SysIPCCreatePort, Args{})
		if err != nil {
			t.Fatalf("B CreatePort: %v", err)
		}
		destHandleB = res.Handle
	})

	spawnSyncTask(t, s, func(tcb *sched.TCB) {
		res, err := d.Dispatch(tcb, abi.SysIPCCreatePort, Args{})
		if err != nil {
			t.Fatalf("A CreatePort (to transfer): %v", err)
		}
		portHandleA = res.Handle

		res2, err := d.Dispatch(tcb, abi.SysIPCOpenPort, Args{A0: destPortIDFromHandle(t, taskB, destHandleB), A1: uint32(abi.RightSend)})
		if err != nil {
			t.Fatalf("A OpenPort on B's destination: %v", err)
		}
		destPortHandleA = res2.Handle

		if _, err := d.Dispatch(tcb, abi.SysIPCSendHandle, Args{
			A0: destPortHandleA,
			A1: portHandleA,
			A2: uint32(abi.RightSend),
			In: []byte("transfer"),
		}); err != nil {
			t.Fatalf("SendHandle: %v", err)
		}
	})

	out := make([]byte, abi.MaxPayloadBytes)
	res, err := d.Dispatch(taskB, abi.SysIPCTryReceive, Args{A0: destHandleB, Out: out})
	if err != nil {
		t.Fatalf("B TryReceive: %v", err)
	}
	if res.Handle == 0 {
		t.Fatalf("expected B to receive a fresh handle over the transferred port")
	}
	if _, err := d.Dispatch(taskB, abi.SysIPCTrySend, Args{A0: res.Handle, A1: 1, In: []byte{9}}); err != nil {
		t.Fatalf("expected B's new handle to be usable for sending, got %v", err)
	}
}

// destPortIDFromHandle reads back the numeric port id behind a handle
// via HandleQuery-adjacent plumbing so task A can open the same port
// task B created (ports are looked up by id, not by another task's
// handle value).
func destPortIDFromHandle(t *testing.T, owner *sched.TCB, handle uint32) uint32 {
	typ, _, ok := owner.Handles.Query(handle)
	if !ok || typ.String() != "Port" {
		t.Fatalf("expected a valid port handle on the owning task")
	}
	obj, err := owner.Handles.Resolve(handle, 0, 0)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	return obj.Resource().(*ipc.Port).ID()
}
