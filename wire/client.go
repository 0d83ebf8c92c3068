// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package wire implements a small line-framed streaming protocol: a
// client driver for package streampool, registered as "wire", and an
// in-memory server.
//
// Every response frame carries the id of the query it answers. A client
// that reads a frame with the wrong id reports a *DesyncError; this is
// what happens when a session is reused while frames of an earlier,
// abandoned result are still unread.
package wire

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/weiwenchen2022/streampool"
	"github.com/weiwenchen2022/streampool/driver"
)

func init() {
	streampool.Register("wire", &Driver{})
}

// DesyncError reports a response frame that belongs to another query.
type DesyncError struct {
	Want uint64 // id of the query being read
	Got  uint64 // id carried by the frame
	Kind byte   // kind of the unexpected frame
}

func (e *DesyncError) Error() string {
	return fmt.Sprintf("wire: partially consumed query: expected frames for query %d, got %c frame of query %d",
		e.Want, e.Kind, e.Got)
}

// Is reports whether target is driver.ErrStreamDesync or
// driver.ErrBadConn; a desynchronized session can't be reused.
func (e *DesyncError) Is(target error) bool {
	return target == driver.ErrStreamDesync || target == driver.ErrBadConn
}

// OperationalError is returned by session operations that failed at the
// protocol or network level. It wraps the condition that caused it.
// The session it came from is unusable, so it matches driver.ErrBadConn.
type OperationalError struct {
	Op  string
	Err error
}

func (e *OperationalError) Error() string {
	return "wire: " + e.Op + ": " + e.Err.Error()
}

func (e *OperationalError) Is(target error) bool { return target == driver.ErrBadConn }

func (e *OperationalError) Unwrap() error { return e.Err }

// ServerError is an error reported by the server for one query.
// The session stays usable.
type ServerError struct {
	QueryID uint64
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("wire: server error for query %d: %s", e.QueryID, e.Message)
}

// Driver is the "wire" driver. Its zero value is ready to use.
type Driver struct {
	// DialTimeout bounds dialing when the context carries no deadline.
	// Zero means no timeout.
	DialTimeout time.Duration
}

var (
	_ driver.Driver        = (*Driver)(nil)
	_ driver.DriverContext = (*Driver)(nil)
)

// Open dials address, a host:port.
func (d *Driver) Open(address string) (driver.Session, error) {
	c, err := d.OpenConnector(address)
	if err != nil {
		return nil, err
	}
	return c.Connect(context.Background())
}

// OpenConnector accepts "host:port" or "wire://host:port".
func (d *Driver) OpenConnector(address string) (driver.Connector, error) {
	address = strings.TrimPrefix(address, "wire://")
	if _, _, err := net.SplitHostPort(address); err != nil {
		return nil, fmt.Errorf("wire: invalid address %q: %w", address, err)
	}
	return &connector{address: address, driver: d}, nil
}

type connector struct {
	address string
	driver  *Driver
}

func (c *connector) Connect(ctx context.Context) (driver.Session, error) {
	dialer := net.Dialer{Timeout: c.driver.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.address)
	if err != nil {
		return nil, fmt.Errorf("wire: dial %s: %w", c.address, err)
	}
	return newSession(conn), nil
}

func (c *connector) Driver() driver.Driver {
	return c.driver
}

// Session is a client session over one TCP connection.
type Session struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer

	nextID uint64
	bad    bool
	closed bool
}

var (
	_ driver.Session   = (*Session)(nil)
	_ driver.Prober    = (*Session)(nil)
	_ driver.Validator = (*Session)(nil)
)

func newSession(conn net.Conn) *Session {
	return &Session{
		conn:   conn,
		r:      bufio.NewReader(conn),
		w:      bufio.NewWriter(conn),
		nextID: 1,
	}
}

// Execute sends query and reads the result header.
func (s *Session) Execute(ctx context.Context, query string) (driver.RowStream, error) {
	if s.bad || s.closed {
		return nil, driver.ErrBadConn
	}

	id := s.nextID
	s.nextID++

	if deadline, ok := ctx.Deadline(); ok {
		s.conn.SetDeadline(deadline)
		defer s.conn.SetDeadline(time.Time{})
	}

	if err := s.write(frame{kind: kindQuery, id: id, fields: []string{query}}); err != nil {
		return nil, s.fail("execute", err)
	}

	f, err := s.read()
	if err != nil {
		return nil, s.fail("execute", err)
	}
	if f.id != id {
		return nil, s.fail("execute", &DesyncError{Want: id, Got: f.id, Kind: f.kind})
	}

	switch f.kind {
	case kindHeader:
		return &stream{s: s, id: id, cols: f.fields}, nil
	case kindError:
		return nil, &ServerError{QueryID: id, Message: strings.Join(f.fields, "\t")}
	}
	return nil, s.fail("execute", fmt.Errorf("unexpected %c frame", f.kind))
}

// Probe writes a no-op frame. It checks that the connection is writable,
// not that it is in sync.
func (s *Session) Probe(ctx context.Context) error {
	if s.bad || s.closed {
		return driver.ErrBadConn
	}

	if deadline, ok := ctx.Deadline(); ok {
		s.conn.SetWriteDeadline(deadline)
		defer s.conn.SetWriteDeadline(time.Time{})
	}
	if err := s.write(frame{kind: kindProbe}); err != nil {
		return s.fail("probe", err)
	}
	return nil
}

// IsValid reports whether the session has not failed.
func (s *Session) IsValid() bool {
	return !s.bad && !s.closed
}

// Close closes the connection. Unread frames are dropped with it.
func (s *Session) Close() error {
	if s.closed {
		return errors.New("wire: session already closed")
	}
	s.closed = true
	return s.conn.Close()
}

func (s *Session) write(f frame) error {
	if err := writeFrame(s.w, f); err != nil {
		return err
	}
	return s.w.Flush()
}

func (s *Session) read() (frame, error) {
	line, err := s.r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return frame{}, err
	}
	return parseFrame(strings.TrimSuffix(line, "\n"))
}

// fail marks the session bad and wraps err.
func (s *Session) fail(op string, err error) error {
	s.bad = true
	return &OperationalError{Op: op, Err: err}
}

type stream struct {
	s    *Session
	id   uint64
	cols []string
	done bool
}

var (
	_ driver.RowStream = (*stream)(nil)
	_ driver.Canceler  = (*stream)(nil)
	_ io.Closer        = (*stream)(nil)
)

func (st *stream) Columns() []string {
	return st.cols
}

func (st *stream) Next() (driver.Row, error) {
	if st.done {
		return nil, io.EOF
	}
	if st.s.bad || st.s.closed {
		return nil, driver.ErrBadConn
	}

	f, err := st.s.read()
	if err != nil {
		return nil, st.s.fail("read", err)
	}
	if f.id != st.id {
		return nil, st.s.fail("read", &DesyncError{Want: st.id, Got: f.id, Kind: f.kind})
	}

	switch f.kind {
	case kindRow:
		row := make(driver.Row, len(f.fields))
		for i, field := range f.fields {
			if row[i], err = decodeValue(field); err != nil {
				return nil, st.s.fail("read", err)
			}
		}
		return row, nil
	case kindEnd:
		st.done = true
		return nil, io.EOF
	case kindError:
		st.done = true
		return nil, &ServerError{QueryID: st.id, Message: strings.Join(f.fields, "\t")}
	}
	return nil, st.s.fail("read", fmt.Errorf("unexpected %c frame", f.kind))
}

// Cancel reads and drops the rest of the result.
func (st *stream) Cancel() error {
	for !st.done {
		if _, err := st.Next(); err != nil {
			var serr *ServerError
			if errors.Is(err, io.EOF) || errors.As(err, &serr) {
				return nil
			}
			return err
		}
	}
	return nil
}

// Close stops reading. Frames not yet read stay on the connection.
func (st *stream) Close() error {
	st.done = true
	return nil
}
