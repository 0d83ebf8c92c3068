// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package streampool

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors. Use errors.Is to check for these conditions.
var (
	// ErrInvalidConfig is matched by every *ConfigError.
	ErrInvalidConfig = errors.New("streampool: invalid config")

	// ErrPoolExhausted is matched by every *ExhaustedError.
	ErrPoolExhausted = errors.New("streampool: pool exhausted")

	// ErrValidationFailed is matched by every *ValidationError.
	// It is logged by the pool and never returned from Conn or Close.
	ErrValidationFailed = errors.New("streampool: validation failed")

	// ErrInvalidState is matched by every *StateError.
	ErrInvalidState = errors.New("streampool: invalid connection state")

	// ErrPoolClosed is returned by Pool operations after Close.
	ErrPoolClosed = errors.New("streampool: pool is closed")

	// ErrConnDone is returned by any operation that is performed on a connection
	// that has already been returned to the pool.
	ErrConnDone = errors.New("streampool: connection is already closed")
)

// ConfigError reports invalid pool sizing or settings.
type ConfigError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("streampool: invalid config: %s=%v: %s", e.Field, e.Value, e.Reason)
}

func (e *ConfigError) Is(target error) bool { return target == ErrInvalidConfig }

// ExhaustedError is returned by Pool.Conn when no connection became
// available within the borrow timeout.
type ExhaustedError struct {
	Max    int           // ConnectionsMax of the pool
	Waited time.Duration // time spent waiting; zero if the pool can never serve
	Err    error         // usually context.DeadlineExceeded
}

func (e *ExhaustedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("streampool: pool exhausted (connections_max=%d)", e.Max)
	}
	return fmt.Sprintf("streampool: pool exhausted (connections_max=%d) after %v: %v", e.Max, e.Waited, e.Err)
}

func (e *ExhaustedError) Is(target error) bool { return target == ErrPoolExhausted }

func (e *ExhaustedError) Unwrap() error { return e.Err }

// ValidationError records why a session failed validation.
type ValidationError struct {
	ConnID string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("streampool: conn %s failed validation: %v", e.ConnID, e.Err)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidationFailed }

func (e *ValidationError) Unwrap() error { return e.Err }

// StateError is returned when an operation is not allowed in the
// connection's current state.
type StateError struct {
	ConnID string
	Op     string
	State  State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("streampool: %s on conn %s in state %s", e.Op, e.ConnID, e.State)
}

func (e *StateError) Is(target error) bool { return target == ErrInvalidState }

// OpError is the error type returned by Conn and Rows operations.
// It wraps the driver error that caused it.
type OpError struct {
	Op     string // "execute", "next", "probe", ...
	ConnID string
	Query  string
	Err    error
}

func (e *OpError) Error() string {
	if e.Query == "" {
		return fmt.Sprintf("streampool: %s on conn %s: %v", e.Op, e.ConnID, e.Err)
	}
	return fmt.Sprintf("streampool: %s %q on conn %s: %v", e.Op, e.Query, e.ConnID, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// maxChainDepth bounds chain traversal.
const maxChainDepth = 64

// Cause returns the immediate cause of err, or nil.
func Cause(err error) error {
	if err == nil {
		return nil
	}
	return unwrapOne(err)
}

// Chain returns err followed by each of its causes, outermost first.
// Traversal stops at a cycle or after a fixed depth.
// For errors wrapping several errors only the first branch is followed.
func Chain(err error) []error {
	var chain []error
	seen := make(map[error]bool)
	for err != nil && len(chain) < maxChainDepth {
		if hashable(err) {
			if seen[err] {
				break
			}
			seen[err] = true
		}
		chain = append(chain, err)
		err = unwrapOne(err)
	}
	return chain
}

// RootCause returns the deepest cause of err.
// It returns err itself if err wraps nothing, and nil for a nil err.
func RootCause(err error) error {
	chain := Chain(err)
	if len(chain) == 0 {
		return nil
	}
	return chain[len(chain)-1]
}

func unwrapOne(err error) error {
	switch x := err.(type) {
	case interface{ Unwrap() error }:
		return x.Unwrap()
	case interface{ Unwrap() []error }:
		for _, e := range x.Unwrap() {
			if e != nil {
				return e
			}
		}
	}
	return nil
}

// hashable reports whether err may be used as a map key.
func hashable(err error) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	_ = map[error]bool{err: true}
	return true
}
