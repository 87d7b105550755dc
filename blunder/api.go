// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package blunder provides error-handling wrappers
//
// These wrappers allow callers to annotate errors with the relay failure
// kind (expressed as an errno value) so that the kind can be tested without
// parsing strings.
//
// This package is currently implemented on top of the ansel1/merry package:
//   https://github.com/ansel1/merry
//
//   merry provides the ability to annotate any error with additional context
//   (a value, an HTTP status code) while retaining the stack trace of where the
//   error was first wrapped.
//
// Callers should use NewError() or AddError() to create errors and Is()/IsNot()
// to check them.
package blunder

import (
	"fmt"
	"net/http"

	"github.com/ansel1/merry"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/fsrelay/logger"
)

// RelayError is the failure kind attached to errors returned by the relay.
type RelayError int

const (
	ResourceExhaustedError RelayError = RelayError(int(unix.ENOMEM))    // An allocation or OS object creation ran out of resources
	NameCollisionError     RelayError = RelayError(int(unix.EEXIST))    // A device, link or interface name is already taken
	AccessSetupError       RelayError = RelayError(int(unix.EACCES))    // Security descriptor could not be built or applied
	NotFoundError          RelayError = RelayError(int(unix.ENOENT))    // The named object is not registered
	DeviceWithdrawnError   RelayError = RelayError(int(unix.ENODEV))    // The volume is no longer accepting requests
	UnmountedError         RelayError = RelayError(int(unix.ESHUTDOWN)) // Completion status of requests drained at teardown
	CancelledError         RelayError = RelayError(int(unix.ECANCELED)) // Completion status of a cancelled request
	InvalidStateError      RelayError = RelayError(int(unix.EINVAL))    // Operation not permitted in the current lifecycle state
	RegistryError          RelayError = RelayError(int(unix.EIO))       // Any other failure reported by an OS registry
)

const SuccessError RelayError = 0

const successErrno = 0
const failureErrno = -1

const errnoKey = "errno"

// Value returns the int value for the specified RelayError constant.
func (err RelayError) Value() int {
	return int(err)
}

func (err RelayError) String() string {
	switch err {
	case SuccessError:
		return "Success"
	case ResourceExhaustedError:
		return "ResourceExhausted"
	case NameCollisionError:
		return "NameCollision"
	case AccessSetupError:
		return "AccessSetup"
	case NotFoundError:
		return "NotFound"
	case DeviceWithdrawnError:
		return "DeviceWithdrawn"
	case UnmountedError:
		return "Unmounted"
	case CancelledError:
		return "Cancelled"
	case InvalidStateError:
		return "InvalidState"
	case RegistryError:
		return "RegistryError"
	}
	return fmt.Sprintf("RelayError(%d)", int(err))
}

// HTTPStatus maps a RelayError to the status the status server replies with.
func (err RelayError) HTTPStatus() int {
	switch err {
	case SuccessError:
		return http.StatusOK
	case NotFoundError:
		return http.StatusNotFound
	case NameCollisionError, InvalidStateError:
		return http.StatusConflict
	case DeviceWithdrawnError, UnmountedError:
		return http.StatusGone
	case AccessSetupError:
		return http.StatusForbidden
	case ResourceExhaustedError:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// NewError creates a new merry/blunder.RelayError-annotated error using the given
// format string and arguments.
func NewError(errValue RelayError, format string, a ...interface{}) error {
	return merry.WrapSkipping(fmt.Errorf(format, a...), 1).WithValue(errnoKey, int(errValue))
}

// AddError is used to add RelayError detail to a Go error.
//
// NOTE: Checks whether the error value has already been set
//       Overwrites an existing errno value.
func AddError(e error, errValue RelayError) error {
	if nil == e {
		return merry.New("regular error").WithValue(errnoKey, int(errValue))
	}

	prevValue := Errno(e)
	if (successErrno != prevValue) && (failureErrno != prevValue) && (int(errValue) != prevValue) {
		logger.Warnf("replacing error value %v with value %v for error %v", RelayError(prevValue), errValue, e)
	}

	return merry.WrapSkipping(e, 1).WithValue(errnoKey, int(errValue))
}

// Errno extracts errno from the error, if it was previously wrapped.
// Otherwise a default value is returned.
func Errno(e error) int {
	if nil == e {
		return successErrno
	}

	errno := failureErrno
	if tmp := merry.Value(e, errnoKey); nil != tmp {
		errno = tmp.(int)
	}

	return errno
}

// Kind returns the RelayError carried by e (RegistryError if e carries none).
func Kind(e error) RelayError {
	errno := Errno(e)
	if failureErrno == errno {
		return RegistryError
	}
	return RelayError(errno)
}

func ErrorString(e error) string {
	if nil == e {
		return ""
	}

	errPlusVal := e.Error()
	if tmp := merry.Value(e, errnoKey); nil != tmp {
		errPlusVal = fmt.Sprintf("%s. Error Value: %v", errPlusVal, RelayError(tmp.(int)))
	}

	return errPlusVal
}

// Is returns true if the error value matches theError.
func Is(e error, theError RelayError) bool {
	return Errno(e) == theError.Value()
}

// IsNot returns true if the error value does not match theError.
func IsNot(e error, theError RelayError) bool {
	return Errno(e) != theError.Value()
}

func IsSuccess(e error) bool {
	return Errno(e) == successErrno
}

func IsNotSuccess(e error) bool {
	return Errno(e) != successErrno
}

// Location returns the file and line where e was first wrapped.
func Location(e error) (file string, line int) {
	file, line = merry.Location(e)
	return
}
