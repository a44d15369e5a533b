// Package status mirrors the RocketSpeed error taxonomy: every operation in
// the core returns a value or a StatusKind, never a panic or exception.
package status

import "fmt"

// Kind enumerates the error taxonomy from the spec's error-handling design.
type Kind int

const (
	Ok Kind = iota
	NotFound
	Corruption
	NotSupported
	InvalidArgument
	IOError
	MergeInProgress
	Incomplete
	ShutdownInProgress
	TimedOut
	Aborted
	Busy
	Expired
	NotInitialized
)

func (k Kind) String() string {
	switch k {
	case Ok:
		return "Ok"
	case NotFound:
		return "NotFound"
	case Corruption:
		return "Corruption"
	case NotSupported:
		return "NotSupported"
	case InvalidArgument:
		return "InvalidArgument"
	case IOError:
		return "IOError"
	case MergeInProgress:
		return "MergeInProgress"
	case Incomplete:
		return "Incomplete"
	case ShutdownInProgress:
		return "ShutdownInProgress"
	case TimedOut:
		return "TimedOut"
	case Aborted:
		return "Aborted"
	case Busy:
		return "Busy"
	case Expired:
		return "Expired"
	case NotInitialized:
		return "NotInitialized"
	default:
		return "Unknown"
	}
}

// Status is the sum-type error value threaded through the core instead of
// throwing primitives. A nil *Status means Ok.
type Status struct {
	kind Kind
	msg  string
}

// OK returns the nil Status representing success.
func OK() *Status { return nil }

func New(kind Kind, msg string) *Status {
	if kind == Ok {
		return nil
	}
	return &Status{kind: kind, msg: msg}
}

func Newf(kind Kind, format string, args ...interface{}) *Status {
	return New(kind, fmt.Sprintf(format, args...))
}

func (s *Status) Kind() Kind {
	if s == nil {
		return Ok
	}
	return s.kind
}

func (s *Status) Error() string {
	if s == nil {
		return "Ok"
	}
	if s.msg == "" {
		return s.kind.String()
	}
	return fmt.Sprintf("%s: %s", s.kind, s.msg)
}

func (s *Status) OK() bool { return s == nil }

func IsTimedOut(s *Status) bool { return s != nil && s.kind == TimedOut }
func IsNotFound(s *Status) bool { return s != nil && s.kind == NotFound }
