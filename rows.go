// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package streampool

import (
	"context"
	"errors"
	"io"
	"iter"

	"github.com/weiwenchen2022/streampool/driver"
)

// Rows is the result stream of a query. Its cursor starts before the first
// row of the result; use Next to advance from row to row.
//
// While a Rows is not read to the end its Conn is in StateStreamOpen.
// Reaching the end of the stream is the only way back to StateBorrowed,
// unless the pool was configured with DrainOnClose and the driver can
// cancel the stream, see Close.
//
// Rows is not safe for concurrent use.
type Rows struct {
	c     *Conn
	rs    driver.RowStream
	seq   uint64 // pc.streamSeq at Execute
	query string
	cols  []string

	row       driver.Row
	lasterr   error // non-nil only if closed or failed
	exhausted bool
	closed    bool
}

// Columns returns the column names.
func (rs *Rows) Columns() []string {
	return rs.cols
}

// Next prepares the next result row for reading with the Row method.
// It returns true on success, or false if there is no next result row
// or an error happened while preparing it. Err should be consulted to
// distinguish between the two cases.
func (rs *Rows) Next() bool {
	if rs.closed || rs.exhausted || rs.lasterr != nil {
		return false
	}

	pc, release, err := rs.c.grabConn(context.Background())
	if err != nil {
		rs.lasterr = err
		return false
	}

	// A panicking driver leaves the stream in an unknown state.
	driverPanic := true
	defer func() {
		if driverPanic {
			pc.markBad(driver.ErrBadConn)
			release(driver.ErrBadConn)
		}
	}()

	var row driver.Row
	withLock(pc, func() {
		if pc.streamSeq != rs.seq {
			err = &StateError{ConnID: pc.id, Op: "next", State: pc.state}
			return
		}
		row, err = rs.rs.Next()
		if errors.Is(err, io.EOF) && pc.state == StateStreamOpen {
			pc.state = StateBorrowed
		}
	})
	driverPanic = false

	switch {
	case err == nil:
		rs.row = row
		release(nil)
		return true
	case errors.Is(err, io.EOF):
		rs.row = nil
		rs.exhausted = true
		release(nil)
		return false
	}

	var stateErr *StateError
	if !errors.As(err, &stateErr) {
		err = &OpError{Op: "next", ConnID: pc.id, Query: rs.query, Err: err}
	}
	pc.p.log.WithField("conn", pc.id).WithError(err).Debug("reading result stream failed")

	rs.row = nil
	rs.lasterr = err
	pc.markBad(err)
	release(err)
	return false
}

// Row returns the current row. It is valid until the next call to Next.
func (rs *Rows) Row() driver.Row {
	return rs.row
}

// Err returns the error, if any, that was encountered during iteration.
// Err may be called after an explicit or implicit Close.
//
// A stream that failed is not finished: its connection stays in
// StateStreamOpen and is discarded on release.
func (rs *Rows) Err() error {
	if errors.Is(rs.lasterr, errRowsClosed) {
		return nil
	}
	return rs.lasterr
}

// Exhausted reports whether the stream was read to the end.
func (rs *Rows) Exhausted() bool {
	return rs.exhausted
}

var errRowsClosed = errors.New("streampool: rows are closed")

// Close closes the Rows, preventing further enumeration. If Next is called
// and returns false, the Rows are closed automatically only when the end
// of the stream was reached. Close is idempotent.
//
// Closing a stream that was not read to the end abandons it: the
// connection stays in StateStreamOpen and is poisoned on release. When the
// pool has DrainOnClose set and the stream implements driver.Canceler,
// Close cancels the rest of the stream instead and the connection can be
// reused.
func (rs *Rows) Close() error {
	if rs.closed {
		return nil
	}
	rs.closed = true
	if rs.lasterr == nil {
		rs.lasterr = errRowsClosed
	}
	if rs.exhausted {
		return nil
	}

	pc, release, err := rs.c.grabConn(context.Background())
	if err != nil {
		// The connection was already released, and discarded with it.
		return nil
	}

	driverPanic := true
	defer func() {
		if driverPanic {
			pc.markBad(driver.ErrBadConn)
			release(driver.ErrBadConn)
		}
	}()

	cancel, canCancel := rs.rs.(driver.Canceler)
	withLock(pc, func() {
		if pc.streamSeq != rs.seq || pc.state != StateStreamOpen {
			return
		}
		if pc.p.cfg.DrainOnClose && canCancel {
			if err = cancel.Cancel(); err == nil {
				pc.state = StateBorrowed
			}
			return
		}
		if c, ok := rs.rs.(io.Closer); ok {
			err = c.Close()
		}
	})
	driverPanic = false

	logger := pc.p.log.WithField("conn", pc.id)
	if err != nil {
		err = &OpError{Op: "close", ConnID: pc.id, Query: rs.query, Err: err}
		logger.WithError(err).Debug("closing result stream failed")
	} else if pc.getState() == StateStreamOpen {
		logger.Debug("result stream closed before the end; session is tainted")
	}

	pc.markBad(err)
	release(err)
	return err
}

// All returns an iterator over the remaining rows. The stream is read
// lazily; a failure is yielded once as the final pair.
//
// Leaving the range loop early abandons the stream, exactly like
// calling Close before the end.
func (rs *Rows) All() iter.Seq2[driver.Row, error] {
	return func(yield func(driver.Row, error) bool) {
		for rs.Next() {
			if !yield(rs.Row(), nil) {
				return
			}
		}
		if err := rs.Err(); err != nil {
			yield(nil, err)
		}
	}
}
