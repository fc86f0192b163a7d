// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package objwire

import (
	"errors"
	"fmt"

	"github.com/objwire/objwire/class"
	"github.com/objwire/objwire/marshal"
	"github.com/objwire/objwire/registry"
)

// The error kinds below are the Go errors of the object-graph layer.
// ErrUnknownRemote, ErrUnknownLocal, ErrUnknownParentClass and
// ErrDuplicateRemote implement the resultCoder extension interface (see
// peer.go), so a handler that returns one gets a specific ResultCode on
// the wire. ErrConnectionLost and UserException do not; a handler error
// of either kind, like any other handler error, is sent as the generic
// CodeServiceError. The unsupported-GC case is reported by
// gcbridge.Unsupported, not by an error value here.

// ErrUnknownRemote is reported when an incoming reference names an ID
// with no live stub and no accompanying description.
type ErrUnknownRemote struct{ ID string }

func (e *ErrUnknownRemote) Error() string          { return fmt.Sprintf("unknown remote object %q", e.ID) }
func (e *ErrUnknownRemote) ResultCode() ResultCode { return CodeUnknownRemote }

// ErrUnknownLocal is reported when an incoming idRemote names an ID not
// registered locally (or collected between a del send and a
// re-reference).
type ErrUnknownLocal struct{ ID string }

func (e *ErrUnknownLocal) Error() string          { return fmt.Sprintf("unknown local object %q", e.ID) }
func (e *ErrUnknownLocal) ResultCode() ResultCode { return CodeUnknownLocal }

// ErrUnknownParentClass is reported when a class description names a
// parent not yet received.
type ErrUnknownParentClass struct{ Class, Parent string }

func (e *ErrUnknownParentClass) Error() string {
	return fmt.Sprintf("class %q extends unknown parent %q", e.Class, e.Parent)
}
func (e *ErrUnknownParentClass) ResultCode() ResultCode { return CodeUnknownParentClass }

// ErrDuplicateRemote is reported when the peer re-introduces an ID
// that already names a live stub.
type ErrDuplicateRemote struct{ ID string }

func (e *ErrDuplicateRemote) Error() string { return fmt.Sprintf("duplicate remote object %q", e.ID) }
func (e *ErrDuplicateRemote) ResultCode() ResultCode {
	return CodeDuplicateRemote
}

// ErrConnectionLost is the error with which every Call that was
// pending when the transport failed is rejected, and with which every
// subsequent Call immediately fails.
var ErrConnectionLost = fmt.Errorf("objwire: connection lost")

// UserException wraps an error raised by a local method invocation so
// that it is recognizable on the far side of the wire as originating
// from application code, not from the runtime. The core never catches
// a UserException — see the Dispatch Core's inbound handler.
type UserException struct{ Err error }

func (e *UserException) Error() string { return e.Err.Error() }
func (e *UserException) Unwrap() error { return e.Err }

// translateError maps the internal error types raised by registry, marshal,
// and class into the resultCoder-implementing sentinels above, so the §7
// error kinds reach peer.go's dispatch loop with a specific ResultCode
// instead of falling through to CodeServiceError. Any error that doesn't
// match one of these kinds (including a nil error) passes through
// unchanged.
func translateError(err error) error {
	var unknownLocal *registry.ErrUnknownLocal
	if errors.As(err, &unknownLocal) {
		return &ErrUnknownLocal{ID: unknownLocal.ID}
	}
	var dupRemote *registry.ErrDuplicateRemote
	if errors.As(err, &dupRemote) {
		return &ErrDuplicateRemote{ID: dupRemote.ID}
	}
	var unknownRemote *marshal.ErrUnknownRemote
	if errors.As(err, &unknownRemote) {
		return &ErrUnknownRemote{ID: unknownRemote.ID}
	}
	var unknownParent *class.ErrUnknownParentClass
	if errors.As(err, &unknownParent) {
		return &ErrUnknownParentClass{Class: unknownParent.Class, Parent: unknownParent.Parent}
	}
	return err
}
