// Package ipc implements named ports, bounded FIFO message queues, and
// blocking/try/timeout send and receive with in-band handle transfer
// (spec §4.5). Queue index arithmetic and per-sender FIFO ordering are
// grounded directly on the original kernel's IPC.cpp; the message pool
// discipline (pre-sized, reused buffers rather than per-send
// allocation) follows the teacher's request-object pooling in
// fuse/server.go.
package ipc

import "github.com/bbelna/quantum/abi"

// Message is the in-queue representation of spec §6's IPC wire format:
// a stamped sender id, a length-bounded opaque payload, and an optional
// transferred handle descriptor.
type Message struct {
	SenderID uint32
	Length   uint32
	Payload  [abi.MaxPayloadBytes]byte

	HasHandle    bool
	HandleValue  uint32
	HandleRights abi.Rights
	// Transfer carries the resolved kernel object (a *kobject.Object,
	// kept as interface{} so this package need not import kobject) for
	// a handle-bearing message. The wire-format fields above describe
	// what would cross a real address-space boundary; this field is
	// how the in-process hosted simulation actually moves the
	// underlying object to the receiver's handle table.
	Transfer interface{}
}

// NotifyTemplate builds the fixed IRQ notification payload template
// attached to a port bound to hardware line irq (spec §4.5/§4.8):
// op=Notify, irq=n, zeros elsewhere.
func NotifyTemplate(irq int) Message {
	var m Message
	m.SenderID = abi.KernelSenderID
	m.Length = 8
	byteOrderPutUint32(m.Payload[0:4], abi.NotifyOp)
	byteOrderPutUint32(m.Payload[4:8], uint32(irq))
	return m
}

func byteOrderPutUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
