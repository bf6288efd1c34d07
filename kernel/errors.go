// Package kernel defines the error taxonomy shared by every Quantum
// subsystem.
package kernel

import "fmt"

// Code is the closed set of failure codes a syscall can return. The
// kernel never unwinds: every failure is converted to one of these at
// the syscall boundary (spec §7).
type Code int

const (
	// OK indicates success. It is the zero value, so a freshly zeroed
	// Code reads as success.
	OK Code = iota
	InvalidArgument
	NotFound
	PermissionDenied
	ResourceExhausted
	Timeout
	WouldBlock
	Unsupported
	// Fatal is never returned to a caller. It only ever surfaces as a
	// panic from the kernel-mode fault path.
	Fatal
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case InvalidArgument:
		return "InvalidArgument"
	case NotFound:
		return "NotFound"
	case PermissionDenied:
		return "PermissionDenied"
	case ResourceExhausted:
		return "ResourceExhausted"
	case Timeout:
		return "Timeout"
	case WouldBlock:
		return "WouldBlock"
	case Unsupported:
		return "Unsupported"
	case Fatal:
		return "Fatal"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

// Error adapts a Code to the error interface so subsystem functions can
// return plain Go errors while syscall dispatch still recovers the
// underlying Code via AsCode.
type Error struct {
	Code Code
	Op   string
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Code.String()
	}
	return e.Op + ": " + e.Code.String()
}

// Err builds an *Error for the given code, or nil for OK.
func Err(op string, code Code) error {
	if code == OK {
		return nil
	}
	return &Error{Code: code, Op: op}
}

// AsCode recovers the Code carried by err, or OK/Fatal depending on
// whether err is nil or of an unrecognized shape.
func AsCode(err error) Code {
	if err == nil {
		return OK
	}
	if ke, ok := err.(*Error); ok {
		return ke.Code
	}
	return Fatal
}
