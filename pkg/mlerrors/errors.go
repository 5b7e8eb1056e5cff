package mlerrors

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies a failure so callers can decide whether to skip an item or abort an operation.
type Kind int

const (
	Unknown Kind = iota
	IO
	Malformed
	InvalidArgument
	ShapeMismatch
	UnsupportedConversion
	SubprocessFailure
	Precondition
	NotFound
)

func (k Kind) String() string {
	switch k {
	case IO:
		return "io error"
	case Malformed:
		return "malformed"
	case InvalidArgument:
		return "invalid argument"
	case ShapeMismatch:
		return "shape mismatch"
	case UnsupportedConversion:
		return "unsupported conversion"
	case SubprocessFailure:
		return "subprocess failure"
	case Precondition:
		return "precondition failed"
	case NotFound:
		return "not found"
	default:
		return "unknown"
	}
}

// Error is the error type returned by the modelforge packages.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "registry.Train".
	Op  string
	Err error
	// Output holds captured subprocess output for SubprocessFailure errors.
	Output string
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// GRPCStatus lets status.Code and status.FromError classify our errors.
func (e *Error) GRPCStatus() *status.Status {
	return status.New(e.Kind.code(), e.Error())
}

func (k Kind) code() codes.Code {
	switch k {
	case NotFound:
		return codes.NotFound
	case InvalidArgument, Malformed, ShapeMismatch, UnsupportedConversion:
		return codes.InvalidArgument
	case Precondition:
		return codes.FailedPrecondition
	case IO, SubprocessFailure:
		return codes.Internal
	default:
		return codes.Unknown
	}
}

// E wraps err with a kind and operation name.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an Error whose cause is formatted like fmt.Errorf, so %w is honoured.
func Errorf(kind Kind, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
