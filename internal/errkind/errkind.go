// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Plexus License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package errkind classifies agent errors into the kinds spec §7 names, so
// callers can branch on classification via errors.As without string
// matching. No other package in this module imports it.
package errkind

import "fmt"

// AuthError marks a failure as Authentication: invalid or missing
// credentials. Fatal to a send or connect attempt.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("authentication: %v", e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// TransportError marks a failure as Transport: timeout, reset, or closed
// connection. Retryable.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError marks a failure as Protocol: malformed frame or schema
// violation. Logged and the offending frame is dropped; never fatal.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("protocol: %v", e.Err) }
func (e *ProtocolError) Unwrap() error { return e.Err }

// ValidationError marks a failure as Validation: a bad command parameter.
// Returned as a structured error on that command only.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return fmt.Sprintf("validation: %v", e.Err) }
func (e *ValidationError) Unwrap() error { return e.Err }

// PolicyError marks a failure as Policy: a shell command denied by the
// allowlist/denylist.
type PolicyError struct {
	Err error
}

func (e *PolicyError) Error() string { return fmt.Sprintf("policy: %v", e.Err) }
func (e *PolicyError) Unwrap() error { return e.Err }

// DriverTransientError marks a failure as DriverTransient: a hardware read
// failure that does not end the stream.
type DriverTransientError struct {
	Err error
}

func (e *DriverTransientError) Error() string { return fmt.Sprintf("driver transient: %v", e.Err) }
func (e *DriverTransientError) Unwrap() error { return e.Err }

// DriverFatalError marks a failure as DriverFatal: the device disappeared,
// the owning stream must terminate.
type DriverFatalError struct {
	Err error
}

func (e *DriverFatalError) Error() string { return fmt.Sprintf("driver fatal: %v", e.Err) }
func (e *DriverFatalError) Unwrap() error { return e.Err }

// ResourceExhaustedError marks a failure as ResourceExhausted: the buffer is
// full and the oldest entries were evicted. Never fatal.
type ResourceExhaustedError struct {
	Err error
}

func (e *ResourceExhaustedError) Error() string { return fmt.Sprintf("resource exhausted: %v", e.Err) }
func (e *ResourceExhaustedError) Unwrap() error { return e.Err }
