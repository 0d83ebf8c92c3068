// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sqldriver adapts database/sql drivers to package streampool.
//
// Importing it registers the streampool drivers "sqlite3", "mysql" and
// "pgx", backed by github.com/mattn/go-sqlite3,
// github.com/go-sql-driver/mysql and github.com/jackc/pgx/v5/stdlib.
// Each streampool session owns one *sql.Conn; database/sql does not pool
// behind it.
package sqldriver

import (
	"context"
	"database/sql"
	sqldrv "database/sql/driver"
	"errors"
	"fmt"
	"io"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/weiwenchen2022/streampool"
	"github.com/weiwenchen2022/streampool/driver"
)

func init() {
	for _, name := range []string{"sqlite3", "mysql", "pgx"} {
		streampool.Register(name, &Driver{SQLDriver: name})
	}
}

// Driver opens sessions through the database/sql driver named SQLDriver.
type Driver struct {
	SQLDriver string
}

var (
	_ driver.Driver        = (*Driver)(nil)
	_ driver.DriverContext = (*Driver)(nil)
)

// Open opens a single session. The underlying *sql.DB is closed with it.
func (d *Driver) Open(dsn string) (driver.Session, error) {
	c, err := d.OpenConnector(dsn)
	if err != nil {
		return nil, err
	}
	s, err := c.Connect(context.Background())
	if err != nil {
		c.(io.Closer).Close()
		return nil, err
	}
	s.(*session).db = c.(*Connector).db
	return s, nil
}

// OpenConnector opens the *sql.DB shared by the sessions of a pool.
func (d *Driver) OpenConnector(dsn string) (driver.Connector, error) {
	db, err := sql.Open(d.SQLDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqldriver: %s: %w", d.SQLDriver, err)
	}
	// Released sql.Conns must close their driver connection.
	db.SetMaxIdleConns(-1)
	return &Connector{db: db, driver: d}, nil
}

// Connector hands out one *sql.Conn per session.
// Close closes the underlying *sql.DB.
type Connector struct {
	db     *sql.DB
	driver *Driver
}

var (
	_ driver.Connector = (*Connector)(nil)
	_ io.Closer        = (*Connector)(nil)
)

func (c *Connector) Connect(ctx context.Context) (driver.Session, error) {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqldriver: %s: %w", c.driver.SQLDriver, err)
	}
	return &session{conn: conn, open: make(map[*stream]struct{})}, nil
}

func (c *Connector) Driver() driver.Driver {
	return c.driver
}

func (c *Connector) Close() error {
	return c.db.Close()
}

// DB returns the *sql.DB behind the connector, e.g. for schema setup.
func (c *Connector) DB() *sql.DB {
	return c.db
}

type session struct {
	conn *sql.Conn
	db   *sql.DB // set by Driver.Open only

	// open streams hold the conn; they must be closed before it.
	open map[*stream]struct{}
	bad  bool
}

var (
	_ driver.Session   = (*session)(nil)
	_ driver.Prober    = (*session)(nil)
	_ driver.Validator = (*session)(nil)
)

func (s *session) Execute(ctx context.Context, query string) (driver.RowStream, error) {
	if s.bad {
		return nil, driver.ErrBadConn
	}

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, s.check(err)
	}

	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, s.check(err)
	}

	st := &stream{s: s, rows: rows, cols: cols}
	s.open[st] = struct{}{}
	return st, nil
}

func (s *session) Probe(ctx context.Context) error {
	if s.bad {
		return driver.ErrBadConn
	}
	return s.check(s.conn.PingContext(ctx))
}

func (s *session) IsValid() bool {
	return !s.bad
}

func (s *session) Close() error {
	for st := range s.open {
		st.close()
	}

	err := s.conn.Close()
	if s.db != nil {
		if err1 := s.db.Close(); err == nil {
			err = err1
		}
	}
	return err
}

// check records a broken connection. database/sql reports it with
// database/sql/driver.ErrBadConn; it is translated to driver.ErrBadConn.
func (s *session) check(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sqldrv.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		s.bad = true
		return fmt.Errorf("%w: %w", driver.ErrBadConn, err)
	}
	return err
}

type stream struct {
	s    *session
	rows *sql.Rows
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

	if !st.rows.Next() {
		err := st.rows.Err()
		st.close()
		if err != nil {
			return nil, st.s.check(err)
		}
		return nil, io.EOF
	}

	row := make(driver.Row, len(st.cols))
	dest := make([]any, len(st.cols))
	for i := range row {
		dest[i] = &row[i]
	}
	if err := st.rows.Scan(dest...); err != nil {
		return nil, st.s.check(err)
	}
	for i, v := range row {
		if b, ok := v.([]byte); ok {
			row[i] = string(b)
		}
	}
	return row, nil
}

// Cancel closes the rows. database/sql discards the rest of the result,
// leaving the connection ready for the next query.
func (st *stream) Cancel() error {
	return st.close()
}

func (st *stream) Close() error {
	return st.close()
}

func (st *stream) close() error {
	if st.done {
		return nil
	}
	st.done = true
	delete(st.s.open, st)
	return st.s.check(st.rows.Close())
}
