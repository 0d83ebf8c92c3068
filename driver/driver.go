// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package driver defines interfaces to be implemented by streaming
// database drivers as used by package streampool.
//
// Most code should use package streampool.
//
// Drivers should implement Connector and DriverContext interfaces.
// The Connector.Connect and Driver.Open methods should never return ErrBadConn.
// ErrBadConn should only be returned from Session or RowStream methods
// if the session is already in an invalid (e.g. closed or desynchronized) state.
//
// All Session implementations should implement the following interfaces:
// Prober and Validator.
//
// Before a session is returned to the pool after use, IsValid is
// called if implemented.
package driver

import (
	"context"
	"errors"
)

// ErrBadConn should be returned by a driver to signal to the streampool
// package that a Session is in a bad state (such as the server having
// earlier closed the connection) and the pool should discard it.
var ErrBadConn = errors.New("driver: bad connection")

// ErrStreamDesync is the condition a driver reports when a response
// frame does not belong to the query being read, typically because
// frames of an earlier, abandoned result stream were still unread.
//
// Drivers should return an error that matches ErrStreamDesync with
// errors.Is, and that also matches ErrBadConn.
var ErrStreamDesync = errors.New("driver: result stream out of sync")

// Row is a single row of a result stream.
type Row []any

// The DriverFunc type is an adapter to allow the use of
// ordinary functions as Driver. If f is a function
// with the appropriate signature, DriverFunc(f) is a
// Driver that calls f.
type DriverFunc func(dataSource string) (Session, error)

// Open returns f(dataSource).
func (f DriverFunc) Open(dataSource string) (Session, error) {
	return f(dataSource)
}

// Driver is the interface that must be implemented by a database
// driver.
//
// Drivers may implement DriverContext for access
// to contexts and to parse the data source only once for a pool of sessions,
// instead of once per session.
type Driver interface {
	// Open returns a new session to the database.
	// The dataSource is a string in a driver-specific format.
	//
	// The returned session is only used by one goroutine at a
	// time.
	Open(dataSource string) (Session, error)
}

// DriverContext is an optional interface that may be implemented by a Driver.
// If a Driver implements DriverContext, then streampool.Open will call
// OpenConnector to obtain a Connector and then invoke
// that Connector's Connect method to obtain each needed session,
// instead of invoking the Driver's Open method for each session.
type DriverContext interface {
	// OpenConnector must parse the data source in the same format that Driver.Open
	// parses the dataSource parameter.
	OpenConnector(dataSource string) (Connector, error)
}

// A Connector represents a driver in a fixed configuration
// and can create any number of equivalent Sessions for use
// by multiple goroutines.
//
// If a Connector implements io.Closer, the streampool package's Pool.Close
// method will call Close and return error (if any).
type Connector interface {
	// Connect returns a session to the database.
	//
	// The provided context.Context is for dialing purposes only
	// and should not be stored or used for other purposes.
	Connect(context.Context) (Session, error)

	// Driver returns the underlying Driver of the Connector.
	Driver() Driver
}

// Session is one live connection to the database server.
//
// A Session is used by one goroutine at a time.
type Session interface {
	// Execute sends query to the server and returns its result stream.
	// The stream must be read to io.EOF before the session is
	// protocol-clean again.
	Execute(ctx context.Context, query string) (RowStream, error)

	// Close releases the session.
	Close() error
}

// RowStream is an ordered, single-pass sequence of rows produced by Execute.
//
// A RowStream may implement io.Closer; closing it does not by itself
// make the session reusable, see Canceler.
type RowStream interface {
	// Columns returns the names of the columns.
	Columns() []string

	// Next returns the next row. Next returns io.EOF when there
	// are no more rows.
	Next() (Row, error)
}

// Canceler is an optional interface that may be implemented by a RowStream
// whose protocol can discard the remainder of a partially read result.
//
// Cancel must leave the session in a state where the next Execute
// reads only its own response.
type Canceler interface {
	Cancel() error
}

// Prober is an optional interface that may be implemented by a Session.
//
// Probe is a lightweight round trip used by the pool's default validator.
// If Probe returns an error the session is discarded.
type Prober interface {
	Probe(ctx context.Context) error
}

// Validator may be implemented by Session to allow drivers to
// signal if a session is valid or if it should be discarded.
type Validator interface {
	// IsValid is called prior to placing the session into the
	// pool. The session will be discarded if false is returned.
	IsValid() bool
}
