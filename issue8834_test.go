// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package streampool

import (
	"context"
	"testing"
)

// Test cases where there's more than maxBadConnRetries bad connections in the
// pool (issue 8834)
func TestManyErrBadConn(t *testing.T) {
	manyErrBadConnSetup := func() *Pool {
		nconn := maxBadConnRetries + 1
		p := newTestPoolConfig(t, testConfig(1, nconn))

		// open enough connections
		func() {
			for i := 0; i < nconn; i++ {
				conn, err := p.Conn(context.Background())
				if err != nil {
					t.Fatal(err)
				}
				defer conn.Close()
			}
		}()

		p.mu.Lock()
		defer p.mu.Unlock()
		if nconn != p.numOpen {
			t.Fatalf("unexpected numOpen %d (was expecting %d)", p.numOpen, nconn)
		} else if nconn != len(p.freeConn) {
			t.Fatalf("unexpected len(p.freeConn) %d (was expecting %d)", len(p.freeConn), nconn)
		}

		for _, conn := range p.freeConn {
			conn.Lock()
			conn.si.(*fakeSession).stickyBad = true
			conn.Unlock()
		}

		return p
	}

	// Conn
	p := manyErrBadConnSetup()
	defer closePool(t, p)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn, err := p.Conn(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.Exec(ctx, "ROWS 1"); err != nil {
		t.Fatal(err)
	}
	if err := conn.Close(); err != nil {
		t.Fatal(err)
	}

	// Ping
	p = manyErrBadConnSetup()
	defer closePool(t, p)
	if err := p.PingContext(ctx); err != nil {
		t.Fatal(err)
	}
}
