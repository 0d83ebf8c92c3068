// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package streampool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/weiwenchen2022/streampool/driver"
)

// sessionOf returns the fake session behind c.
func sessionOf(t *testing.T, c *Conn) *fakeSession {
	t.Helper()
	var s *fakeSession
	err := c.Raw(func(si driver.Session) error {
		s = si.(*fakeSession)
		return nil
	})
	require.NoError(t, err)
	return s
}

// abandon executes a multi-row query on c, reads one row and stops.
func abandon(t *testing.T, c *Conn) *Rows {
	t.Helper()
	rows, err := c.Execute(context.Background(), "ROWS 3")
	require.NoError(t, err)
	require.True(t, rows.Next())
	assert.Equal(t, driver.Row{int64(0)}, rows.Row())
	assert.Equal(t, StateStreamOpen, c.State())
	return rows
}

type countingValidator struct {
	calls atomic.Int32
	err   error
}

func (v *countingValidator) Validate(ctx context.Context, s driver.Session) error {
	v.calls.Add(1)
	return v.err
}

func TestInitialSize(t *testing.T) {
	for _, tc := range []struct{ min, max int }{
		{0, 1},
		{1, 1},
		{2, 4},
		{4, 4},
	} {
		p := newTestPoolConfig(t, testConfig(tc.min, tc.max))
		want := tc.min
		if tc.min == 0 {
			want = 1 // the Ping of newTestPool leaves its session idle
		}
		assert.Equal(t, want, p.Size(), "min=%d max=%d", tc.min, tc.max)
		assert.LessOrEqual(t, p.numOpenConns(), tc.max)
		closePool(t, p)
	}
}

func TestAbandonedStreamIsDiscarded(t *testing.T) {
	p := newTestPoolConfig(t, testConfig(1, 1))
	defer closePool(t, p)

	ctx := context.Background()
	c, err := p.Conn(ctx)
	require.NoError(t, err)
	first := c.ID()
	abandon(t, c)

	require.NoError(t, c.Close())
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, 0, p.Size())
	assert.Equal(t, int64(1), p.Stats().PoisonedClosed)

	c, err = p.Conn(ctx)
	require.NoError(t, err)
	defer c.Close()
	assert.NotEqual(t, first, c.ID(), "a new session must be created")
	require.NoError(t, c.Exec(ctx, "ROWS 2"))
}

func TestAbandonedStreamIsDiscardedWithCheckOnReturn(t *testing.T) {
	v := &countingValidator{}
	cfg := testConfig(1, 1)
	cfg.CheckOnReturn = true
	cfg.Validator = v
	p := newTestPoolConfig(t, cfg)
	defer closePool(t, p)

	ctx := context.Background()
	c, err := p.Conn(ctx)
	require.NoError(t, err)
	first := c.ID()
	abandon(t, c)

	// A probe on the tainted session still passes.
	require.NoError(t, sessionOf(t, c).Probe(ctx))

	calls := v.calls.Load()
	require.NoError(t, c.Close())
	assert.Equal(t, calls, v.calls.Load(), "validator must not run for an abandoned stream")
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, 0, p.Size())

	c, err = p.Conn(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first, c.ID())
	require.NoError(t, c.Exec(ctx, "ROWS 1"))
	require.NoError(t, c.Close())

	assert.Equal(t, StateIdle, c.State())
	assert.Equal(t, calls+1, v.calls.Load())
}

func TestConsumedStreamIsReused(t *testing.T) {
	p := newTestPoolConfig(t, testConfig(1, 1))
	defer closePool(t, p)

	ctx := context.Background()
	before := p.Size()

	c, err := p.Conn(ctx)
	require.NoError(t, err)
	first := c.ID()

	rows, err := c.Execute(ctx, "ROWS 3")
	require.NoError(t, err)
	n := 0
	for rows.Next() {
		n++
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, 3, n)
	assert.True(t, rows.Exhausted())
	assert.Equal(t, StateBorrowed, c.State())

	require.NoError(t, c.Close())
	assert.Equal(t, StateIdle, c.State())
	assert.Equal(t, before, p.Size())

	c, err = p.Conn(ctx)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, first, c.ID(), "the same session must be reused")
}

func TestRepeatedAbandonStaysInBounds(t *testing.T) {
	const min, max = 2, 4
	p := newTestPoolConfig(t, testConfig(min, max))
	defer closePool(t, p)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		c, err := p.Conn(ctx)
		require.NoError(t, err)
		abandon(t, c)
		require.NoError(t, c.Close())

		size := p.Size()
		assert.GreaterOrEqual(t, size, 0)
		assert.LessOrEqual(t, size, max)
		assert.LessOrEqual(t, p.numOpenConns(), max)

		if i%3 == 2 {
			require.NoError(t, p.Fill(ctx))
			assert.Equal(t, min, p.Size())
		}
	}

	require.NoError(t, p.Fill(ctx))
	assert.Equal(t, min, p.Size())
	assert.Equal(t, int64(10), p.Stats().PoisonedClosed)
}

func TestReusedTaintedSessionReportsDesync(t *testing.T) {
	p := newTestPoolConfig(t, testConfig(1, 1))
	defer closePool(t, p)
	p.skipStreamCheck = true

	ctx := context.Background()
	c, err := p.Conn(ctx)
	require.NoError(t, err)
	abandon(t, c)
	require.NoError(t, c.Close())
	require.Equal(t, StateIdle, c.State(), "the tainted session went back to the pool")

	c, err = p.Conn(ctx)
	require.NoError(t, err)
	_, err = c.Execute(ctx, "ROWS 1")
	require.Error(t, err)

	var opErr *OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "execute", opErr.Op)
	assert.ErrorIs(t, err, driver.ErrStreamDesync)
	assert.ErrorIs(t, err, driver.ErrBadConn)

	var desync *fakeDesyncError
	require.ErrorAs(t, RootCause(err), &desync)
	assert.Equal(t, 2, desync.Want)
	assert.Equal(t, 1, desync.Got)
	assert.IsType(t, fakeError{}, Cause(err))
	assert.Len(t, Chain(err), 3)

	// ErrBadConn released the connection.
	assert.Equal(t, StateClosed, c.State())
	assert.ErrorIs(t, c.Close(), ErrConnDone)
	assert.Equal(t, 0, p.Size())
}

func TestEmptyPool(t *testing.T) {
	p := newTestPoolConfig(t, testConfig(0, 0))
	defer closePool(t, p)

	assert.Equal(t, 0, p.Size())

	start := time.Now()
	_, err := p.Conn(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.Less(t, time.Since(start), time.Second, "an empty pool must not wait")

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 0, exhausted.Max)
	assert.Equal(t, 0, p.numOpenConns())
}

func TestBoundedPool(t *testing.T) {
	cfg := testConfig(2, 4)
	cfg.BorrowTimeout = 50 * time.Millisecond
	p := newTestPoolConfig(t, cfg)
	defer closePool(t, p)

	assert.Equal(t, 2, p.Size())

	var (
		mu    sync.Mutex
		conns []*Conn
	)
	var g errgroup.Group
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			c, err := p.Conn(context.Background())
			if err != nil {
				return err
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 4, p.numOpenConns())

	_, err := p.Conn(context.Background())
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	for _, c := range conns {
		require.NoError(t, c.Close())
	}
	assert.Equal(t, 4, p.Size())
}

func TestRowsCloseAbandonsStream(t *testing.T) {
	p := newTestPoolConfig(t, testConfig(1, 1))
	defer closePool(t, p)

	ctx := context.Background()
	c, err := p.Conn(ctx)
	require.NoError(t, err)
	rows := abandon(t, c)

	require.NoError(t, rows.Close())
	require.NoError(t, rows.Err())
	assert.False(t, rows.Next())
	assert.Equal(t, StateStreamOpen, c.State(), "closing does not finish the stream")

	require.NoError(t, c.Close())
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, 0, p.Size())
	assert.Equal(t, int64(1), p.Stats().PoisonedClosed)
}

func TestDrainOnClose(t *testing.T) {
	cfg := testConfig(1, 1)
	cfg.DrainOnClose = true
	p := newTestPoolConfig(t, cfg)
	defer closePool(t, p)

	ctx := context.Background()

	t.Run("Canceler", func(t *testing.T) {
		c, err := p.Conn(ctx)
		require.NoError(t, err)
		first := c.ID()
		rows := abandon(t, c)

		require.NoError(t, rows.Close())
		assert.Equal(t, StateBorrowed, c.State())
		require.NoError(t, c.Exec(ctx, "ROWS 2"), "the next query reads only its own frames")
		require.NoError(t, c.Close())
		assert.Equal(t, StateIdle, c.State())
		assert.Equal(t, 1, p.Size())

		c, err = p.Conn(ctx)
		require.NoError(t, err)
		assert.Equal(t, first, c.ID())
		require.NoError(t, c.Close())
	})

	t.Run("NoCanceler", func(t *testing.T) {
		c, err := p.Conn(ctx)
		require.NoError(t, err)
		rows, err := c.Execute(ctx, "NOCANCEL 3")
		require.NoError(t, err)
		require.True(t, rows.Next())

		require.NoError(t, rows.Close())
		assert.Equal(t, StateStreamOpen, c.State())
		require.NoError(t, c.Close())
		assert.Equal(t, StateClosed, c.State())
		assert.Equal(t, 0, p.Size())
	})
}

func TestValidatorFailureDiscards(t *testing.T) {
	errUnhealthy := errors.New("unhealthy")

	testCases := []struct {
		name      string
		validator Validator
	}{
		{"Error", ValidatorFunc(func(context.Context, driver.Session) error { return errUnhealthy })},
		{"Panic", ValidatorFunc(func(context.Context, driver.Session) error { panic("validator panic") })},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(1, 1)
			cfg.CheckOnReturn = true
			cfg.Validator = tc.validator
			p, err := NewPool(context.Background(), fdriver.(*fakeDriverCtx).NewConnector(nil), cfg)
			require.NoError(t, err)
			defer closePool(t, p)

			ctx := context.Background()
			c, err := p.Conn(ctx)
			require.NoError(t, err)
			require.NoError(t, c.Exec(ctx, "ROWS 1"))

			require.NotPanics(t, func() {
				require.NoError(t, c.Close(), "validation failures are not surfaced")
			})
			assert.Equal(t, StateClosed, c.State())
			assert.Equal(t, 0, p.Size())
			assert.Equal(t, int64(1), p.Stats().InvalidClosed)

			c, err = p.Conn(ctx)
			require.NoError(t, err)
			require.NoError(t, c.Close())
		})
	}
}

func TestCheckOnBorrow(t *testing.T) {
	v := &countingValidator{err: errors.New("stale")}
	cfg := testConfig(1, 1)
	cfg.CheckOnBorrow = true
	cfg.Validator = v
	p, err := NewPool(context.Background(), fdriver.(*fakeDriverCtx).NewConnector(nil), cfg)
	require.NoError(t, err)
	defer closePool(t, p)
	require.Equal(t, 1, p.Size())

	c, err := p.Conn(context.Background())
	require.NoError(t, err, "a failed idle session is replaced by a new one")
	assert.Equal(t, int32(1), v.calls.Load())
	assert.Equal(t, int64(1), p.Stats().InvalidClosed)
	require.NoError(t, c.Close())
}

func TestBorrowTimeout(t *testing.T) {
	cfg := testConfig(1, 1)
	cfg.BorrowTimeout = 20 * time.Millisecond
	p := newTestPoolConfig(t, cfg)
	defer closePool(t, p)

	c, err := p.Conn(context.Background())
	require.NoError(t, err)
	defer c.Close()

	_, err = p.Conn(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 1, exhausted.Max)
	assert.Greater(t, exhausted.Waited, time.Duration(0))
	assert.Equal(t, int64(1), p.Stats().WaitCount)
}

func TestWaiterGetsReleasedSession(t *testing.T) {
	p := newTestPoolConfig(t, testConfig(1, 1))
	defer closePool(t, p)

	ctx := context.Background()
	c, err := p.Conn(ctx)
	require.NoError(t, err)
	first := c.ID()

	got := make(chan string, 1)
	go func() {
		c, err := p.Conn(ctx)
		if err != nil {
			t.Error(err)
			got <- ""
			return
		}
		got <- c.ID()
		c.Close()
	}()
	require.True(t, waitCondition(t, func() bool { return p.numWaiters() == 1 }))

	require.NoError(t, c.Exec(ctx, "ROWS 2"))
	require.NoError(t, c.Close())
	assert.Equal(t, first, <-got)
}

func TestWaiterGetsReplacementForPoisonedSession(t *testing.T) {
	p := newTestPoolConfig(t, testConfig(1, 1))
	defer closePool(t, p)

	ctx := context.Background()
	c, err := p.Conn(ctx)
	require.NoError(t, err)
	first := c.ID()

	got := make(chan string, 1)
	go func() {
		c, err := p.Conn(ctx)
		if err != nil {
			t.Error(err)
			got <- ""
			return
		}
		defer c.Close()
		if err := c.Exec(ctx, "ROWS 1"); err != nil {
			t.Error(err)
		}
		got <- c.ID()
	}()
	require.True(t, waitCondition(t, func() bool { return p.numWaiters() == 1 }))

	abandon(t, c)
	require.NoError(t, c.Close())

	id := <-got
	assert.NotEmpty(t, id)
	assert.NotEqual(t, first, id)
}
