// Copyright 2026 The gVisor Authors.
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

package mapmgr

import (
	"fmt"
)

// ErrorKind classifies a mapping failure.
type ErrorKind int

// Error kinds.
const (
	// KindInvalidArgument is a malformed request: zero length, bad
	// alignment, unaligned carve point, or an unusable reservation.
	KindInvalidArgument ErrorKind = iota + 1

	// KindReservationConflict is a reservation that does not start at the
	// requested address or is too small.
	KindReservationConflict

	// KindKernelMapFailed is a failed host call.
	KindKernelMapFailed

	// KindAddressHintNotHonoured is a mapping that the kernel placed away
	// from the required address. The stray mapping has been removed.
	KindAddressHintNotHonoured

	// KindLowMemoryExhausted means no range below 4GiB could be found.
	KindLowMemoryExhausted

	// KindUnsupportedOperation is an operation the host cannot perform.
	KindUnsupportedOperation

	numKinds = iota + 1
)

var kindNames = [numKinds]string{
	KindInvalidArgument:        "invalid_argument",
	KindReservationConflict:    "reservation_conflict",
	KindKernelMapFailed:        "kernel_map_failed",
	KindAddressHintNotHonoured: "address_hint_not_honoured",
	KindLowMemoryExhausted:     "low_memory_exhausted",
	KindUnsupportedOperation:   "unsupported_operation",
}

// String implements fmt.Stringer.String.
func (k ErrorKind) String() string {
	if k > 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Error is returned by every failing Manager and Mapping operation.
type Error struct {
	// Kind classifies the failure.
	Kind ErrorKind

	// Op is the failing operation, e.g. "MapAnonymous".
	Op string

	// Msg describes the failure.
	Msg string

	// Err is the underlying host error, if any.
	Err error
}

// Error implements error.Error.
func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap returns the underlying host error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinels below, so that
// errors.Is(err, ErrInvalidArgument) holds for any invalid argument error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrInvalidArgument        = &Error{Kind: KindInvalidArgument}
	ErrReservationConflict    = &Error{Kind: KindReservationConflict}
	ErrKernelMapFailed        = &Error{Kind: KindKernelMapFailed}
	ErrAddressHintNotHonoured = &Error{Kind: KindAddressHintNotHonoured}
	ErrLowMemoryExhausted     = &Error{Kind: KindLowMemoryExhausted}
	ErrUnsupportedOperation   = &Error{Kind: KindUnsupportedOperation}
)

func newError(kind ErrorKind, op string, err error, format string, v ...any) *Error {
	return &Error{
		Kind: kind,
		Op:   op,
		Msg:  fmt.Sprintf(format, v...),
		Err:  err,
	}
}
