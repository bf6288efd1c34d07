package kobject

import (
	"testing"

	"github.com/bbelna/quantum/abi"
)

func TestCreateResolveClose(t *testing.T) {
	var destroyed bool
	obj := New(TypePort, "payload", func() { destroyed = true })

	var table HandleTable
	h := table.Create(TypePort, obj, abi.RightSend|abi.RightReceive)
	obj.Release() // the table holds its own reference now
	if h == 0 {
		t.Fatal("expected non-zero handle")
	}

	got, err := table.Resolve(h, TypePort, abi.RightSend)
	if err != nil || got != obj {
		t.Fatalf("resolve failed: got=%v err=%v", got, err)
	}

	if _, err := table.Resolve(h, TypePort, abi.RightSend|abi.RightManage); err == nil {
		t.Fatalf("expected resolve to fail when requiring a right beyond the handle's grant")
	}

	if !table.Close(h) {
		t.Fatalf("expected first close to succeed")
	}
	if table.Close(h) {
		t.Fatalf("expected second close to fail")
	}
	if !destroyed {
		t.Fatalf("expected destructor to run after last close")
	}
}

func TestRawIntegerIdRejected(t *testing.T) {
	var table HandleTable
	if _, err := table.Resolve(42, TypeNone, 0); err == nil {
		t.Fatalf("expected error resolving a tag-less integer")
	}
}

func TestDuplicateRightsNeverGrow(t *testing.T) {
	obj := New(TypePort, nil, func() {})
	var table HandleTable
	h := table.Create(TypePort, obj, abi.RightSend)
	obj.Release() // the table holds its own reference now

	if d := table.Duplicate(h, abi.RightSend|abi.RightManage); d != 0 {
		t.Fatalf("expected duplicate requesting extra rights to fail, got %#x", d)
	}
	d := table.Duplicate(h, abi.RightSend)
	if d == 0 {
		t.Fatalf("expected duplicate with a subset of rights to succeed")
	}
	if obj.RefCount() != 2 {
		t.Fatalf("expected refcount 2 after duplicate, got %d", obj.RefCount())
	}
}

func TestRefcountDropsToZeroExactlyOnce(t *testing.T) {
	count := 0
	obj := New(TypeBlockDevice, nil, func() { count++ })
	var table HandleTable
	h1 := table.Create(TypeBlockDevice, obj, abi.RightSend)
	obj.Release() // the table holds its own reference now
	h2 := table.Duplicate(h1, abi.RightSend)

	table.Close(h1)
	if count != 0 {
		t.Fatalf("destructor ran before last handle closed")
	}
	table.Close(h2)
	if count != 1 {
		t.Fatalf("expected destructor to run exactly once, ran %d times", count)
	}
}

func TestCloseAllReleasesEveryHandle(t *testing.T) {
	destroyedCount := 0
	var table HandleTable
	for i := 0; i < 3; i++ {
		obj := New(TypePort, i, func() { destroyedCount++ })
		table.Create(TypePort, obj, abi.RightSend)
		obj.Release() // the table holds its own reference now
	}
	table.CloseAll()
	if destroyedCount != 3 {
		t.Fatalf("expected 3 destructors to run, got %d", destroyedCount)
	}
	if table.Count() != 0 {
		t.Fatalf("expected empty table after CloseAll")
	}
}
