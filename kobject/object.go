// Package kobject implements the kernel object system: reference
// counted, variant-tagged objects (Port, BlockDevice, InputDevice,
// IRQLine) and the per-task handle table that grants tasks
// capability-style access to them (spec §3, §4.4). The handle
// encoding and refcount/destroy split are grounded directly on the
// teacher's HandleMap/Handled (fuse/handle.go) and on the original
// kernel's Handles.cpp tag-bit/one-based-index scheme.
package kobject

import (
	"sync"

	"github.com/bbelna/quantum/abi"
	"github.com/bbelna/quantum/kernel"
)

// Type tags which kernel-object variant an Object wraps.
type Type int

const (
	TypeNone Type = iota
	TypePort
	TypeBlockDevice
	TypeInputDevice
	TypeIRQLine
)

func (t Type) String() string {
	switch t {
	case TypePort:
		return "Port"
	case TypeBlockDevice:
		return "BlockDevice"
	case TypeInputDevice:
		return "InputDevice"
	case TypeIRQLine:
		return "IRQLine"
	default:
		return "None"
	}
}

// Object is a reference-counted kernel object. Resource holds the
// variant-specific payload (e.g. *ipc.Port); Destroy runs exactly once,
// when the refcount drops to zero, and is responsible for releasing
// whatever the variant owns (queued messages, bound IRQ state, a
// backing device id).
type Object struct {
	mu       sync.Mutex
	typ      Type
	refcount int32
	resource interface{}
	destroy  func()
}

// New returns a freshly constructed object with refcount 1, per spec
// §4.4 ("construction helpers return a freshly allocated object with
// refcount 1").
func New(typ Type, resource interface{}, destroy func()) *Object {
	return &Object{typ: typ, refcount: 1, resource: resource, destroy: destroy}
}

// Type reports the object's variant.
func (o *Object) Type() Type { return o.typ }

// Resource returns the variant-specific payload.
func (o *Object) Resource() interface{} { return o.resource }

// AddRef increments the reference count.
func (o *Object) AddRef() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.refcount <= 0 {
		panic("kobject: AddRef on object with non-positive refcount")
	}
	o.refcount++
}

// Release decrements the reference count, running Destroy exactly once
// when it reaches zero, and reports whether this call triggered it.
func (o *Object) Release() (destroyed bool) {
	o.mu.Lock()
	o.refcount--
	rc := o.refcount
	o.mu.Unlock()

	if rc < 0 {
		panic("kobject: refcount underflow")
	}
	if rc == 0 {
		if o.destroy != nil {
			o.destroy()
		}
		return true
	}
	return false
}

// RefCount returns the current reference count, for tests and the
// debug Snapshot surface.
func (o *Object) RefCount() int32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.refcount
}

// entry is one slot of a HandleTable.
type entry struct {
	inUse  bool
	typ    Type
	rights abi.Rights
	object *Object
	handle uint32
}

// HandleTable is a per-task, fixed-capacity array mapping tagged handle
// values to kernel objects, spec §3/§4.4.
type HandleTable struct {
	mu      sync.Mutex
	entries [abi.MaxHandles]entry
}

// IsHandle reports whether value carries the handle tag bit, per spec
// §8 ("resolving a raw integer id (tag bit not set)... InvalidArgument").
func IsHandle(value uint32) bool {
	return value&abi.HandleTag != 0
}

func indexOf(handle uint32) (int, bool) {
	if !IsHandle(handle) {
		return 0, false
	}
	idx := handle &^ abi.HandleTag
	if idx == 0 || int(idx) > abi.MaxHandles {
		return 0, false
	}
	return int(idx) - 1, true
}

// Create installs a fresh handle over object with the given rights,
// calling AddRef on the object. Returns 0 if the table is full, per
// spec §4.4 ("create(type, object, rights) -> handle | 0").
func (t *HandleTable) Create(typ Type, object *Object, rights abi.Rights) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.entries {
		if t.entries[i].inUse {
			continue
		}
		handle := abi.HandleTag | uint32(i+1)
		t.entries[i] = entry{inUse: true, typ: typ, rights: rights, object: object, handle: handle}
		object.AddRef()
		return handle
	}
	return 0
}

// Close clears the slot for handle and releases the underlying object.
// Closing an already-closed (or never-issued) handle returns false.
func (t *HandleTable) Close(handle uint32) bool {
	t.mu.Lock()
	idx, ok := indexOf(handle)
	if !ok || !t.entries[idx].inUse || t.entries[idx].handle != handle {
		t.mu.Unlock()
		return false
	}
	obj := t.entries[idx].object
	t.entries[idx] = entry{}
	t.mu.Unlock()

	obj.Release()
	return true
}

// Duplicate installs a new handle over the same object as handle,
// with rights restricted to a subset of the original entry's rights.
// Returns 0 if handle doesn't resolve, rights isn't a subset, or the
// table is full.
func (t *HandleTable) Duplicate(handle uint32, rights abi.Rights) uint32 {
	t.mu.Lock()
	idx, ok := indexOf(handle)
	if !ok || !t.entries[idx].inUse || t.entries[idx].handle != handle {
		t.mu.Unlock()
		return 0
	}
	src := t.entries[idx]
	if rights&^src.rights != 0 {
		t.mu.Unlock()
		return 0
	}
	t.mu.Unlock()
	return t.Create(src.typ, src.object, rights)
}

// Query returns the type and rights recorded for handle without
// consuming it.
func (t *HandleTable) Query(handle uint32) (typ Type, rights abi.Rights, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, valid := indexOf(handle)
	if !valid || !t.entries[idx].inUse || t.entries[idx].handle != handle {
		return TypeNone, 0, false
	}
	e := t.entries[idx]
	return e.typ, e.rights, true
}

// Resolve returns the object behind handle if it type-checks against
// expectedType (TypeNone matches any type) and its rights are a
// superset of requiredRights; otherwise it returns an error code from
// the closed taxonomy of spec §7.
func (t *HandleTable) Resolve(handle uint32, expectedType Type, requiredRights abi.Rights) (*Object, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := indexOf(handle)
	if !ok {
		return nil, kernel.Err("kobject.Resolve", kernel.InvalidArgument)
	}
	e := t.entries[idx]
	if !e.inUse || e.handle != handle {
		return nil, kernel.Err("kobject.Resolve", kernel.NotFound)
	}
	if expectedType != TypeNone && e.typ != expectedType {
		return nil, kernel.Err("kobject.Resolve", kernel.InvalidArgument)
	}
	if e.rights&requiredRights != requiredRights {
		return nil, kernel.Err("kobject.Resolve", kernel.PermissionDenied)
	}
	return e.object, nil
}

// CloseAll releases every handle still installed in the table, used
// when a task exits (spec §4.6: handle references must not outlive the
// owning task beyond what other refs keep alive).
func (t *HandleTable) CloseAll() {
	t.mu.Lock()
	var toRelease []*Object
	for i := range t.entries {
		if t.entries[i].inUse {
			toRelease = append(toRelease, t.entries[i].object)
			t.entries[i] = entry{}
		}
	}
	t.mu.Unlock()

	for _, o := range toRelease {
		o.Release()
	}
}

// Count reports the number of live handles, for the debug Snapshot surface.
func (t *HandleTable) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for i := range t.entries {
		if t.entries[i].inUse {
			n++
		}
	}
	return n
}
