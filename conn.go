// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package streampool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/weiwenchen2022/streampool/driver"
)

type releaseConn func(error)

// Conn represents a single borrowed connection.
//
// A Conn must call Close to return the connection to the pool
// and may do so concurrently with a running call.
//
// After a call to Close, all operations on the
// connection fail with ErrConnDone.
type Conn struct {
	p  *Pool
	id string

	// closemu prevents the connection from closing while there
	// is an active operation. It is held for read during operations
	// and exclusively during close.
	closemu sync.RWMutex

	// pc is owned until close, at which point
	// it's returned to the connection pool.
	pc *poolConn

	// released is the state the connection ended in after close.
	released State

	// done transitions from false to true exactly once, on close.
	// Once done, all operations fail with ErrConnDone.
	done atomic.Bool
}

// grabConn takes a context to implement connGrabber
// but the context is not used.
func (c *Conn) grabConn(context.Context) (*poolConn, releaseConn, error) {
	if c.done.Load() {
		return nil, nil, ErrConnDone
	}

	c.closemu.RLock()
	if c.pc == nil {
		c.closemu.RUnlock()
		return nil, nil, ErrConnDone
	}
	return c.pc, c.closemuRUnlockCondReleaseConn, nil
}

// ID returns the identifier of the underlying session, as used in logs
// and errors.
func (c *Conn) ID() string {
	return c.id
}

// State returns the connection's state. After Close it reports how the
// connection was released: StateIdle if the session went back to the
// pool, StateClosed if it was discarded.
func (c *Conn) State() State {
	c.closemu.RLock()
	defer c.closemu.RUnlock()
	if c.pc == nil {
		return c.released
	}
	return c.pc.getState()
}

// Execute sends query on the connection and returns its result stream.
//
// The connection must be in StateBorrowed: a second Execute while a
// previous stream is unfinished fails with a *StateError. The returned
// Rows must be read to the end for the session to be reused.
func (c *Conn) Execute(ctx context.Context, query string) (*Rows, error) {
	pc, release, err := c.grabConn(ctx)
	if err != nil {
		return nil, err
	}

	return pc.execute(ctx, c, query, release)
}

// Exec executes a statement whose rows, if any, are not needed.
// The result stream is read to the end before Exec returns.
func (c *Conn) Exec(ctx context.Context, query string) error {
	rows, err := c.Execute(ctx, query)
	if err != nil {
		return err
	}

	for rows.Next() {
	}
	return rows.Err()
}

// Probe runs the driver's probe on the connection.
func (c *Conn) Probe(ctx context.Context) error {
	pc, release, err := c.grabConn(ctx)
	if err != nil {
		return err
	}
	return pc.probe(ctx, release)
}

// Raw executes f exposing the underlying driver session for the
// duration of f. The session must not be used outside of f.
//
// Once f returns and err is not driver.ErrBadConn, the Conn will continue to be usable
// until Conn.Close is called.
func (c *Conn) Raw(f func(session driver.Session) error) (err error) {
	var pc *poolConn
	var release releaseConn

	// grabConn takes a context to implement connGrabber, but the context is not used.
	pc, release, err = c.grabConn(c.ctx())
	if err != nil {
		return
	}

	fPanic := true
	pc.Mutex.Lock()
	defer func() {
		pc.Mutex.Unlock()

		// If f panics fPanic will remain true.
		// Ensure an error is passed to release so the connection
		// may be discarded.
		if fPanic {
			err = driver.ErrBadConn
		}
		release(err)
	}()

	err = f(pc.si)
	fPanic = false
	return
}

// closemuRUnlockCondReleaseConn read unlocks closemu
// as the operation is done with the pc.
func (c *Conn) closemuRUnlockCondReleaseConn(err error) {
	c.closemu.RUnlock()
	if errors.Is(err, driver.ErrBadConn) {
		c.close(err)
	}
}

func (c *Conn) ctx() context.Context {
	return nil
}

func (c *Conn) close(err error) error {
	if !c.done.CompareAndSwap(false, true) {
		return ErrConnDone
	}

	// Lock around releasing the pool connection
	// to ensure all reads have been stopped before doing so.
	c.closemu.Lock()
	defer c.closemu.Unlock()

	c.released = c.pc.releaseConn(err)
	c.pc = nil
	c.p = nil
	return nil
}

// Close returns the connection to the pool.
// All operations after a Close will return with ErrConnDone.
//
// If a result stream of the connection is unfinished the session is
// poisoned and closed instead of being reused. Close itself does not
// fail in that case; State reports StateClosed afterwards.
//
// Close is safe to call concurrently with other operations and will
// block until all other operations finish.
func (c *Conn) Close() error {
	return c.close(nil)
}

// connGrabber represents a Conn that will return the underlying
// poolConn and release function.
type connGrabber interface {
	// grabConn returns the poolConn and the associated release function
	// that must be called when the operation completes.
	grabConn(context.Context) (*poolConn, releaseConn, error)

	// ctx returns the context if available.
	ctx() context.Context
}

var _ connGrabber = &Conn{}

// execute runs query on pc's session. The connection must be borrowed
// without an open stream.
func (pc *poolConn) execute(ctx context.Context, c *Conn, query string, release func(error)) (rows *Rows, err error) {
	defer func() {
		var r any
		if r = recover(); r != nil {
			if err == nil {
				err = driver.ErrBadConn
			}
		}
		pc.markBad(err)
		release(err)

		if r != nil {
			panic(r)
		}
	}()

	withLock(pc, func() {
		if pc.state != StateBorrowed {
			err = &StateError{ConnID: pc.id, Op: "execute", State: pc.state}
			return
		}

		var rs driver.RowStream
		rs, err = pc.si.Execute(ctx, query)
		if err != nil {
			err = &OpError{Op: "execute", ConnID: pc.id, Query: query, Err: err}
			return
		}

		pc.streamSeq++
		pc.state = StateStreamOpen
		rows = &Rows{
			c:     c,
			rs:    rs,
			seq:   pc.streamSeq,
			query: query,
			cols:  rs.Columns(),
		}
	})

	if err != nil {
		pc.p.log.WithField("conn", pc.id).WithError(err).Debug("execute failed")
	}
	return rows, err
}

func (pc *poolConn) probe(ctx context.Context, release func(error)) (err error) {
	defer func() {
		var r any
		if r = recover(); r != nil {
			if err == nil {
				err = driver.ErrBadConn
			}
		}
		pc.markBad(err)
		release(err)

		if r != nil {
			panic(r)
		}
	}()

	if prober, ok := pc.si.(driver.Prober); ok {
		withLock(pc, func() {
			err = prober.Probe(ctx)
		})
	}
	if err != nil {
		err = &OpError{Op: "probe", ConnID: pc.id, Err: err}
	}
	return err
}

// markBad records that the session reported driver.ErrBadConn.
func (pc *poolConn) markBad(err error) {
	if errors.Is(err, driver.ErrBadConn) {
		withLock(pc, func() {
			pc.bad = true
		})
	}
}
