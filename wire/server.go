// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wire

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// Result is the answer to one query.
type Result struct {
	Columns []string
	Rows    [][]any
}

// A Handler answers queries for a Server.
type Handler interface {
	Query(ctx context.Context, query string) (*Result, error)
}

// The HandlerFunc type is an adapter to allow the use of
// ordinary functions as Handler.
type HandlerFunc func(ctx context.Context, query string) (*Result, error)

// Query returns f(ctx, query).
func (f HandlerFunc) Query(ctx context.Context, query string) (*Result, error) {
	return f(ctx, query)
}

// ErrServerClosed is returned by Serve after a call to Close.
var ErrServerClosed = errors.New("wire: server closed")

// Server serves the wire protocol. A result is written completely
// before the next query of the connection is read, so a client that
// stops reading early leaves the remaining frames on the connection.
type Server struct {
	Handler Handler

	// Logger defaults to logrus.StandardLogger().
	Logger logrus.FieldLogger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool

	wg sync.WaitGroup
}

// NewServer returns a Server answering queries with h.
func NewServer(h Handler) *Server {
	return &Server{Handler: h}
}

func (s *Server) log() *logrus.Entry {
	l := s.Logger
	if l == nil {
		l = logrus.StandardLogger()
	}
	return l.WithField("component", "wire-server")
}

// Listen listens on the TCP address addr and serves in a new goroutine.
// Use ":0" or "127.0.0.1:0" for an ephemeral port; the bound address is
// returned.
func (s *Server) Listen(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Serve(ln)
	}()
	return ln.Addr(), nil
}

// Serve accepts connections on ln until Close is called.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	if s.conns == nil {
		s.conns = make(map[net.Conn]struct{})
	}
	s.mu.Unlock()

	s.log().WithField("addr", ln.Addr().String()).Debug("serving")
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return ErrServerClosed
			}
			return err
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return ErrServerClosed
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
		}()
	}
}

func (s *Server) serveConn(conn net.Conn) {
	logger := s.log().WithField("remote", conn.RemoteAddr().String())
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		logger.Debug("connection closed")
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	w := bufio.NewWriter(conn)

	for sc.Scan() {
		f, err := parseFrame(sc.Text())
		if err != nil {
			logger.WithError(err).Warn("dropping connection")
			return
		}

		switch f.kind {
		case kindProbe:
			continue
		case kindQuery:
		default:
			logger.WithField("frame", f.String()).Warn("unexpected frame; dropping connection")
			return
		}

		var query string
		if len(f.fields) > 0 {
			query = f.fields[0]
		}
		s.answer(ctx, w, f.id, query)
		if err := w.Flush(); err != nil {
			logger.WithError(err).Debug("write failed")
			return
		}
	}
	if err := sc.Err(); err != nil {
		logger.WithError(err).Debug("read failed")
	}
}

func (s *Server) answer(ctx context.Context, w *bufio.Writer, id uint64, query string) {
	res, err := s.Handler.Query(ctx, query)
	if err != nil {
		writeFrame(w, frame{kind: kindError, id: id, fields: []string{err.Error()}})
		return
	}
	if res == nil {
		res = &Result{}
	}

	writeFrame(w, frame{kind: kindHeader, id: id, fields: res.Columns})
	for _, row := range res.Rows {
		vals := make([]string, len(row))
		for i, v := range row {
			vals[i] = encodeValue(v)
		}
		writeFrame(w, frame{kind: kindRow, id: id, fields: vals})
	}
	writeFrame(w, frame{kind: kindEnd, id: id})
}

// Close stops the listener, closes all connections and waits for their
// goroutines to exit.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}
