// Package errcode defines the stable integer exit codes returned by every
// session operation.
package errcode

import (
	stderrors "errors"
	"fmt"

	"github.com/brainwire/boardkit/internal/errors"
)

// Code is a stable exit code. The zero value is OK. Code implements error so
// it can be wrapped and recovered with Of.
type Code int

const (
	OK                     Code = 0
	PortAlreadyOpen        Code = 1
	UnableToOpenPort       Code = 2
	SetPortError           Code = 3
	BoardWriteError        Code = 4
	IncomingMsgError       Code = 5
	InitialMsgError        Code = 6
	BoardNotReady          Code = 7
	StreamAlreadyRunning   Code = 8
	InvalidBufferSize      Code = 9
	StreamThreadError      Code = 10
	StreamThreadNotRunning Code = 11
	EmptyBuffer            Code = 12
	InvalidArguments       Code = 13
	UnsupportedBoard       Code = 14
	BoardNotCreated        Code = 15
	BoardAlreadyCreated    Code = 16
	GeneralError           Code = 17
	SyncTimeoutError       Code = 18
)

var names = map[Code]string{
	OK:                     "OK",
	PortAlreadyOpen:        "PortAlreadyOpen",
	UnableToOpenPort:       "UnableToOpenPort",
	SetPortError:           "SetPortError",
	BoardWriteError:        "BoardWriteError",
	IncomingMsgError:       "IncomingMsgError",
	InitialMsgError:        "InitialMsgError",
	BoardNotReady:          "BoardNotReady",
	StreamAlreadyRunning:   "StreamAlreadyRunning",
	InvalidBufferSize:      "InvalidBufferSize",
	StreamThreadError:      "StreamThreadError",
	StreamThreadNotRunning: "StreamThreadNotRunning",
	EmptyBuffer:            "EmptyBuffer",
	InvalidArguments:       "InvalidArguments",
	UnsupportedBoard:       "UnsupportedBoard",
	BoardNotCreated:        "BoardNotCreated",
	BoardAlreadyCreated:    "BoardAlreadyCreated",
	GeneralError:           "GeneralError",
	SyncTimeoutError:       "SyncTimeoutError",
}

// String returns the symbolic name.
func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

func (c Code) Error() string { return c.String() }

// ErrorCategory groups codes for logging and telemetry.
func (c Code) ErrorCategory() errors.ErrorCategory {
	switch c {
	case PortAlreadyOpen:
		return errors.CategoryConflict
	case UnableToOpenPort, SetPortError, BoardWriteError, BoardNotReady:
		return errors.CategoryTransport
	case IncomingMsgError, InitialMsgError:
		return errors.CategoryProtocol
	case StreamAlreadyRunning, StreamThreadNotRunning, BoardNotCreated, BoardAlreadyCreated, StreamThreadError:
		return errors.CategoryLifecycle
	case InvalidBufferSize, EmptyBuffer:
		return errors.CategoryBuffer
	case InvalidArguments, UnsupportedBoard:
		return errors.CategoryValidation
	case SyncTimeoutError:
		return errors.CategoryTimeout
	default:
		return errors.CategoryGeneric
	}
}

// Of returns the Code carried by err. A nil error is OK; an error without a
// Code is GeneralError.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	var c Code
	if stderrors.As(err, &c) {
		return c
	}
	return GeneralError
}

// New wraps code in an EnhancedError with a message and component.
func New(code Code, component, format string, args ...any) error {
	return errors.New(&codeError{code: code, msg: fmt.Sprintf(format, args...)}).
		Component(component).
		Category(code.ErrorCategory()).
		Build()
}

// codeError carries a human readable message next to the code.
type codeError struct {
	code Code
	msg  string
}

func (e *codeError) Error() string { return e.code.String() + ": " + e.msg }
func (e *codeError) Unwrap() error { return e.code }
