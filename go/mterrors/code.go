// Copyright 2022 The Vitess Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
// Modifications Copyright 2025 Supabase, Inc.

// Package mterrors defines the coded errors surfaced by pool lifecycle
// operations. Every error carries a stable ID so operators can grep logs and
// documentation for it.
package mterrors

import (
	"errors"
	"fmt"
	"strings"
)

// Code classifies an error by how the caller should react to it.
type Code int

const (
	// CodeInternal marks invariant violations. Not retried.
	CodeInternal Code = iota
	// CodeInvalidArgument marks programmer errors such as a nil pool handle.
	CodeInvalidArgument
	// CodeFailedPrecondition marks a transition the pool refused.
	CodeFailedPrecondition
	// CodeUnavailable marks a pool that could not be brought back.
	CodeUnavailable
)

var codeNames = map[Code]string{
	CodeInternal:           "INTERNAL",
	CodeInvalidArgument:    "INVALID_ARGUMENT",
	CodeFailedPrecondition: "FAILED_PRECONDITION",
	CodeUnavailable:        "UNAVAILABLE",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Errors added to the list of variables below must be added to the Errors slice a little below in this same file.

var (
	// MTP0001 UnexpectedPoolState
	MTP0001 = errorWithoutCause("MTP0001", CodeInternal, "unexpected pool state %v", "The pool reported a raw state outside normal, suspended and shutdown. The lifecycle coordinator and the pool implementation disagree on the state model.")

	// MTP0002 InvalidPoolHandle
	MTP0002 = errorWithoutCause("MTP0002", CodeInvalidArgument, "invalid pool handle", "A lifecycle operation was invoked without a pool to act on.")

	// MTP0003 ForcedCloseFailure
	MTP0003 = errorWithCause("MTP0003", CodeInternal, "forced close of pool %s failed", "Closing the pool after a failed drain returned an error. There is no further fallback, the pool state is unknown.")

	// MTP0004 ReconstructFailure
	MTP0004 = errorWithCause("MTP0004", CodeUnavailable, "reconstructing pool %s failed", "The pool was shut down and a replacement could not be built from the stored configuration.")

	// MTP0005 ResumeFailure
	MTP0005 = errorWithCause("MTP0005", CodeFailedPrecondition, "resuming suspended pool %s failed", "The pool refused to lift its suspension.")

	// Errors is a list of the parameter-only error constructors above.
	Errors = []func(args ...any) *MultigresError{
		MTP0001,
		MTP0002,
	}

	// ErrorsWithCause is a list of the cause-wrapping error constructors above.
	ErrorsWithCause = []func(cause error, args ...any) *MultigresError{
		MTP0003,
		MTP0004,
		MTP0005,
	}
)

// MultigresError is an error with a stable ID and a long-form description.
type MultigresError struct {
	Err         error
	Description string
	ID          string
	Code        Code
}

func (o *MultigresError) Error() string {
	return o.Err.Error()
}

// Cause returns the wrapped error.
func (o *MultigresError) Cause() error {
	return o.Err
}

func (o *MultigresError) Unwrap() error {
	return o.Err
}

// Is reports whether target is a MultigresError with the same ID, so that
// errors.Is(err, mterrors.MTP0001()) matches regardless of arguments.
func (o *MultigresError) Is(target error) bool {
	var other *MultigresError
	if !errors.As(target, &other) {
		return false
	}
	return other.ID == o.ID
}

var _ error = (*MultigresError)(nil)

func errorWithoutCause(id string, code Code, short, long string) func(args ...any) *MultigresError {
	return func(args ...any) *MultigresError {
		s := short
		if len(args) != 0 {
			s = fmt.Sprintf(s, args...)
		} else {
			s = strings.TrimSuffix(s, " %v")
		}

		return &MultigresError{
			Err:         errors.New(id + ": " + s),
			Description: long,
			ID:          id,
			Code:        code,
		}
	}
}

func errorWithCause(id string, code Code, short, long string) func(cause error, args ...any) *MultigresError {
	return func(cause error, args ...any) *MultigresError {
		s := short
		if len(args) != 0 {
			s = fmt.Sprintf(s, args...)
		}

		var err error
		if cause != nil {
			err = fmt.Errorf("%s: %s: %w", id, s, cause)
		} else {
			err = errors.New(id + ": " + s)
		}
		return &MultigresError{
			Err:         err,
			Description: long,
			ID:          id,
			Code:        code,
		}
	}
}

// IsError reports whether err, or any error it wraps, carries the given ID.
// Errors with no MultigresError in their chain are matched on their text.
func IsError(err error, id string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, &MultigresError{ID: id}) {
		return true
	}
	var mtErr *MultigresError
	if errors.As(err, &mtErr) {
		return false
	}
	return strings.Contains(err.Error(), id)
}

// CodeOf returns the code of the first MultigresError in err's chain, or
// CodeInternal when there is none.
func CodeOf(err error) Code {
	var mtErr *MultigresError
	if errors.As(err, &mtErr) {
		return mtErr.Code
	}
	return CodeInternal
}
