package interrupt

import (
	"testing"

	"github.com/bbelna/quantum/internal/arch"
	"github.com/bbelna/quantum/kernel/klog"
)

func TestUserModeFaultTerminatesOnlyTheTask(t *testing.T) {
	var gotFatal *bool
	vt := NewVectorTable(klog.New(), func(ctx *arch.InterruptContext, fatal bool) {
		gotFatal = &fatal
	})

	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("user-mode fault should not panic, got %v", r)
		}
	}()

	vt.Dispatch(&arch.InterruptContext{Vector: VectorPageFault, UserMode: true, EIP: 0x1000, CR2: 0x2000})

	if gotFatal == nil || *gotFatal {
		t.Fatalf("expected a non-fatal callback for a user-mode fault")
	}
}

func TestKernelModeFaultPanics(t *testing.T) {
	vt := NewVectorTable(klog.New(), func(ctx *arch.InterruptContext, fatal bool) {})

	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected a kernel-mode fault to panic")
		}
	}()

	vt.Dispatch(&arch.InterruptContext{Vector: VectorGeneralProtect, UserMode: false, EIP: 0x3000})
}

func TestUnpopulatedVectorIsANoOp(t *testing.T) {
	vt := NewVectorTable(klog.New(), nil)
	vt.Dispatch(&arch.InterruptContext{Vector: 200})
}
