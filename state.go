// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package streampool

// State is the lifecycle state of a pooled connection.
//
//	Idle -> Borrowed -> StreamOpen -> Borrowed -> Idle
//	{Borrowed, StreamOpen} -> Poisoned -> Closed
type State int32

const (
	// StateIdle: in the pool, available to borrow.
	StateIdle State = iota

	// StateBorrowed: owned by a caller, no unread result stream.
	StateBorrowed

	// StateStreamOpen: a result stream was handed out and has not
	// reached end-of-stream.
	StateStreamOpen

	// StatePoisoned: the session may hold unread protocol data and
	// must never be reused.
	StatePoisoned

	// StateClosed: the session has been released. Terminal.
	StateClosed
)

var stateNames = [...]string{
	StateIdle:       "idle",
	StateBorrowed:   "borrowed",
	StateStreamOpen: "stream-open",
	StatePoisoned:   "poisoned",
	StateClosed:     "closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
