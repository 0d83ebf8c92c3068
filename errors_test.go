// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package streampool

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiwenchen2022/streampool/driver"
)

// loopError wraps itself through next.
type loopError struct {
	next *loopError
}

func (e *loopError) Error() string { return "loop" }
func (e *loopError) Unwrap() error { return e.next }

// deepError wraps n further deepErrors.
type deepError struct {
	n int
}

func (e deepError) Error() string { return fmt.Sprintf("deep %d", e.n) }

func (e deepError) Unwrap() error {
	if e.n == 0 {
		return nil
	}
	return deepError{n: e.n - 1}
}

func TestErrorChain(t *testing.T) {
	desync := &fakeDesyncError{Want: 3, Got: 2}
	err := &OpError{
		Op:     "execute",
		ConnID: "c1",
		Query:  "SELECT 1",
		Err:    fmt.Errorf("read header: %w", desync),
	}

	chain := Chain(err)
	require.Len(t, chain, 3)
	assert.Same(t, err, chain[0])
	assert.Equal(t, "read header: partially consumed query: want frames of query 3, got query 2", chain[1].Error())
	assert.Same(t, desync, chain[2])

	assert.Equal(t, chain[1], Cause(err))
	assert.Same(t, desync, RootCause(err))
	assert.ErrorIs(t, err, driver.ErrStreamDesync)

	assert.Nil(t, Cause(nil))
	assert.Nil(t, RootCause(nil))
	assert.Empty(t, Chain(nil))

	plain := errors.New("plain")
	assert.Nil(t, Cause(plain))
	assert.Equal(t, plain, RootCause(plain))
}

func TestErrorChainCycle(t *testing.T) {
	a := &loopError{}
	b := &loopError{next: a}
	a.next = b

	chain := Chain(a)
	assert.Len(t, chain, 2)
	assert.Same(t, b, RootCause(a))
}

func TestErrorChainDepth(t *testing.T) {
	chain := Chain(deepError{n: 1000})
	assert.Len(t, chain, maxChainDepth)
	assert.Equal(t, deepError{n: 1000 - maxChainDepth + 1}, RootCause(deepError{n: 1000}))

	assert.Len(t, Chain(deepError{n: 3}), 4)
	assert.Equal(t, deepError{n: 0}, RootCause(deepError{n: 3}))
}

func TestErrorChainJoined(t *testing.T) {
	first := errors.New("first")
	err := fmt.Errorf("op: %w", errors.Join(first, errors.New("second")))

	chain := Chain(err)
	require.Len(t, chain, 3)
	assert.Equal(t, first, RootCause(err))
}

func TestErrorTypes(t *testing.T) {
	cfgErr := &ConfigError{Field: "connections_max", Value: -1, Reason: "must not be negative"}
	assert.ErrorIs(t, cfgErr, ErrInvalidConfig)
	assert.Equal(t, "streampool: invalid config: connections_max=-1: must not be negative", cfgErr.Error())

	exhausted := &ExhaustedError{Max: 2, Err: context.DeadlineExceeded}
	assert.ErrorIs(t, exhausted, ErrPoolExhausted)
	assert.ErrorIs(t, exhausted, context.DeadlineExceeded)
	assert.NotErrorIs(t, &ExhaustedError{}, context.DeadlineExceeded)
	assert.Equal(t, "streampool: pool exhausted (connections_max=0)", (&ExhaustedError{}).Error())

	cause := errors.New("probe failed")
	verr := &ValidationError{ConnID: "c1", Err: cause}
	assert.ErrorIs(t, verr, ErrValidationFailed)
	assert.ErrorIs(t, verr, cause)

	serr := &StateError{ConnID: "c1", Op: "execute", State: StateStreamOpen}
	assert.ErrorIs(t, serr, ErrInvalidState)
	assert.Equal(t, "streampool: execute on conn c1 in state stream-open", serr.Error())

	opErr := &OpError{Op: "probe", ConnID: "c1", Err: cause}
	assert.Equal(t, "streampool: probe on conn c1: probe failed", opErr.Error())
	assert.ErrorIs(t, opErr, cause)
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateIdle:       "idle",
		StateBorrowed:   "borrowed",
		StateStreamOpen: "stream-open",
		StatePoisoned:   "poisoned",
		StateClosed:     "closed",
		State(42):       "unknown",
		State(-1):       "unknown",
	} {
		assert.Equal(t, want, s.String())
	}
}
