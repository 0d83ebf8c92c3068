// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package streampool maintains a bounded pool of sessions to a
// row-streaming database and guarantees that a session handed to a
// borrower is protocol-clean.
//
// A session whose result stream was not read to the end when it was
// released is never reused: unread frames would be read by the next
// query instead of its own response. Such sessions are poisoned and
// closed at release time, whether or not validation is enabled.
package streampool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/weiwenchen2022/streampool/driver"
)

var drivers = struct {
	sync.RWMutex
	m map[string]driver.Driver
}{m: make(map[string]driver.Driver)}

// nowFunc returns the current time; it's overridden in tests.
var nowFunc = time.Now

// Register makes a driver available by the provided name.
// If Register is called twice with the same name or if driver is nil,
// it panics.
func Register(name string, driver driver.Driver) {
	if driver == nil {
		panic("streampool: Register driver is nil")
	}

	drivers.Lock()
	defer drivers.Unlock()
	if _, dup := drivers.m[name]; dup {
		panic("streampool: Register called twice for driver " + name)
	}
	drivers.m[name] = driver
}

// For tests.
func unregisterAllDrivers() {
	drivers.Lock()
	defer drivers.Unlock()
	drivers.m = make(map[string]driver.Driver)
}

// Drivers returns a sorted list of the names of the registered drivers.
func Drivers() []string {
	drivers.RLock()
	defer drivers.RUnlock()
	list := make([]string, 0, len(drivers.m))
	for name := range drivers.m {
		list = append(list, name)
	}
	sort.Strings(list)
	return list
}

// Pool is a bounded pool of sessions to one database.
// It's safe for concurrent use by multiple goroutines.
//
// Idle plus borrowed sessions never exceed Config.ConnectionsMax.
type Pool struct {
	// Total time waited for new connections.
	waitDuration atomic.Int64

	connector driver.Connector
	cfg       Config
	validator Validator
	log       *logrus.Entry

	mu       sync.Mutex  // protects following fields
	freeConn []*poolConn // free connections ordered by returnedAt oldest to newest

	connRequests map[uint64]chan connRequest
	nextRequest  uint64 // Next key to use in connRequests.

	numOpen int // number of opened and pending open connections

	// Used to signal the need for new connections
	// a goroutine running connectionOpener() reads on this chan and
	// maybeOpenNewConnections sends on the chan (one send per needed connection)
	// It is closed during p.Close(). The close tells the connectionOpener
	// goroutine to exit.
	openerCh chan struct{}

	closed bool

	lastPut map[*poolConn]string // stacktrace of last conn's put; debug only

	maxLifetime time.Duration // maximum amount of time a connection may be reused
	maxIdleTime time.Duration // maximum amount of time a connection may be idle before being closed

	cleanerCh chan struct{}

	waitCount         int64 // Total number of connections waited for.
	maxIdleTimeClosed int64 // Total number of connections closed due to idle time.
	maxLifetimeClosed int64 // Total number of connections closed due to max connection lifetime limit.
	poisonedClosed    int64 // Total number of connections released with an open result stream.
	invalidClosed     int64 // Total number of connections that failed validation or were bad.

	// skipStreamCheck disables poisoning of abandoned streams; tests only.
	skipStreamCheck bool

	stop func() // stop cancels the connection opener.
}

// connReuseStrategy determines how (*Pool).conn returns connections.
type connReuseStrategy uint8

const (
	// alwaysNewConn forces a new connection.
	alwaysNewConn connReuseStrategy = iota

	// cachedOrNewConn returns a cached connection, if available, else waits
	// for one to become available (if ConnectionsMax has been reached) or
	// creates a new connection.
	cachedOrNewConn
)

// poolConn wraps a driver.Session with a mutex, to
// be held during all calls into the Session. (including any calls onto
// streams returned via that Session)
type poolConn struct {
	p  *Pool
	id string

	createdAt time.Time

	sync.Mutex  // guards following
	si          driver.Session
	state       State
	streamSeq   uint64 // incremented by each Execute
	bad         bool   // the driver reported ErrBadConn
	closed      bool
	finalClosed bool // si.Close has been called

	// guarded by p.mu
	inUse      bool
	returnedAt time.Time // Time the connection was created or returned.
}

func (pc *poolConn) releaseConn(err error) State {
	return pc.p.putConn(pc, err)
}

func (pc *poolConn) expired(timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	return pc.createdAt.Add(timeout).Before(nowFunc())
}

func (pc *poolConn) getState() State {
	pc.Lock()
	defer pc.Unlock()
	return pc.state
}

func (pc *poolConn) setState(s State) {
	pc.Lock()
	pc.state = s
	pc.Unlock()
}

// validateConnection runs the driver's IsValid and, if requested,
// the pool's Validator.
func (pc *poolConn) validateConnection(ctx context.Context, full bool) error {
	pc.Lock()
	defer pc.Unlock()

	if pc.bad {
		return driver.ErrBadConn
	}
	if cv, ok := pc.si.(driver.Validator); ok && !cv.IsValid() {
		return driver.ErrBadConn
	}
	if !full {
		return nil
	}
	if err := runValidator(ctx, pc.p.validator, pc.si); err != nil {
		return &ValidationError{ConnID: pc.id, Err: err}
	}
	return nil
}

func (pc *poolConn) Close() error {
	pc.Lock()
	if pc.closed {
		pc.Unlock()
		return errors.New("streampool: duplicate poolConn close")
	}

	pc.closed = true
	pc.Unlock() // not defer; finalClose needs to lock
	return pc.finalClose()
}

func (pc *poolConn) finalClose() error {
	var err error
	withLock(pc, func() {
		pc.finalClosed = true
		err = pc.si.Close()
		pc.si = nil
		pc.state = StateClosed
	})

	pc.p.log.WithField("conn", pc.id).Debug("session closed")

	pc.p.mu.Lock()
	pc.p.numOpen--
	pc.p.maybeOpenNewConnections()
	pc.p.mu.Unlock()

	return err
}

// This is the size of the connectionOpener request chan (Pool.openerCh).
// This value should be larger than the maximum typical value
// used for ConnectionsMax. If ConnectionsMax is significantly larger than
// connectionRequestQueueSize then it is possible for ALL calls into the *Pool
// to block until the connectionOpener can satisfy the backlog of requests.
const connectionRequestQueueSize = 1000_000

type dsnConnector struct {
	dsn    string
	driver driver.Driver
}

func (t dsnConnector) Connect(context.Context) (driver.Session, error) {
	return t.driver.Open(t.dsn)
}

func (t dsnConnector) Driver() driver.Driver {
	return t.driver
}

// NewPool opens a pool using a Connector and eagerly creates
// cfg.ConnectionsMin sessions.
//
// NewPool returns a *ConfigError if cfg is invalid, and the first
// connection error if the eager sessions cannot be created.
func NewPool(ctx context.Context, c driver.Connector, cfg Config) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	v := cfg.Validator
	if v == nil {
		v = ProbeValidator
	}

	opener, cancel := context.WithCancel(context.Background())
	p := &Pool{
		connector:    c,
		cfg:          cfg,
		validator:    v,
		log:          newLogger(cfg.Logger),
		openerCh:     make(chan struct{}, connectionRequestQueueSize),
		lastPut:      make(map[*poolConn]string),
		connRequests: make(map[uint64]chan connRequest),
		maxLifetime:  cfg.MaxLifetime,
		maxIdleTime:  cfg.MaxIdleTime,
		stop:         cancel,
	}

	go p.connectionOpener(opener)

	if err := p.Fill(ctx); err != nil {
		p.Close()
		return nil, err
	}

	p.log.WithFields(logrus.Fields{
		"connections_min": cfg.ConnectionsMin,
		"connections_max": cfg.ConnectionsMax,
		"check_on_return": cfg.CheckOnReturn,
	}).Debug("pool initialized")
	return p, nil
}

// Open opens a pool specified by its driver name and a
// driver-specific data source name. Pool parameters are taken from the
// DSN query string, see ParseDSN.
func Open(ctx context.Context, driverName, dataSourceName string) (*Pool, error) {
	address, cfg, err := ParseDSN(dataSourceName)
	if err != nil {
		return nil, err
	}
	return OpenConfig(ctx, driverName, address, cfg)
}

// OpenConfig is like Open with the pool parameters given explicitly.
// The address is passed to the driver unchanged.
func OpenConfig(ctx context.Context, driverName, address string, cfg Config) (*Pool, error) {
	drivers.RLock()
	driveri, ok := drivers.m[driverName]
	drivers.RUnlock()
	if !ok {
		return nil, fmt.Errorf("streampool: unknown driver %q (forgotten import?)", driverName)
	}

	if driverCtx, ok := driveri.(driver.DriverContext); ok {
		connector, err := driverCtx.OpenConnector(address)
		if err != nil {
			return nil, err
		}
		return NewPool(ctx, connector, cfg)
	}

	return NewPool(ctx, dsnConnector{dsn: address, driver: driveri}, cfg)
}

// Fill creates sessions until the pool holds ConnectionsMin idle
// sessions or reaches ConnectionsMax. Sessions are created concurrently.
//
// Discarded sessions are not replaced eagerly; Fill restores the
// minimum on demand.
func (p *Pool) Fill(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}

	n := p.cfg.ConnectionsMin - len(p.freeConn)
	if room := p.cfg.ConnectionsMax - p.numOpen; n > room {
		n = room
	}
	if n <= 0 {
		p.mu.Unlock()
		return nil
	}
	p.numOpen += n // optimistically
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			si, err := p.connector.Connect(gctx)

			p.mu.Lock()
			defer p.mu.Unlock()
			if err != nil {
				p.numOpen-- // correct for earlier optimism
				p.maybeOpenNewConnections()
				return err
			}

			pc := p.newPoolConnLocked(si)
			if !p.putConnPoolLocked(pc, nil) {
				p.numOpen--
				si.Close()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("streampool: fill: %w", err)
	}
	return nil
}

func (p *Pool) newPoolConnLocked(si driver.Session) *poolConn {
	pc := &poolConn{
		p:          p,
		id:         uuid.NewString(),
		createdAt:  nowFunc(),
		returnedAt: nowFunc(),
		si:         si,
	}
	p.log.WithField("conn", pc.id).Debug("session opened")
	return pc
}

// PingContext verifies a connection is still alive,
// establishing a connection if necessary.
func (p *Pool) PingContext(ctx context.Context) error {
	var err error

	err = p.retry(func(strategy connReuseStrategy) error {
		err = p.ping(ctx, strategy)
		return err
	})

	return err
}

// Ping verifies a connection is still alive,
// establishing a connection if necessary.
//
// Ping uses context.Background internally; to specify the context, use
// PingContext.
func (p *Pool) Ping() error {
	return p.PingContext(context.Background())
}

func (p *Pool) ping(ctx context.Context, strategy connReuseStrategy) error {
	pc, err := p.conn(ctx, strategy)
	if err != nil {
		return err
	}
	pc.setState(StateBorrowed)

	return pc.probe(ctx, func(err error) { pc.releaseConn(err) })
}

// Close closes the pool, its idle sessions and its connector.
// Waiting borrowers fail with ErrPoolClosed; borrowed sessions are
// closed when they are released.
//
// It is rare to Close a Pool, as the Pool is meant to be
// long-lived and shared between many goroutines.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed { // Make Pool.Close idempotent
		p.mu.Unlock()
		return nil
	}

	if p.cleanerCh != nil {
		close(p.cleanerCh)
	}

	closing := p.freeConn
	p.freeConn = nil
	p.closed = true

	for _, req := range p.connRequests {
		close(req)
	}
	p.mu.Unlock()

	var err error
	for _, pc := range closing {
		if err1 := pc.Close(); err1 != nil {
			err = err1
		}
	}
	p.stop()

	if c, ok := p.connector.(io.Closer); ok {
		if err1 := c.Close(); err1 != nil {
			err = err1
		}
	}

	p.log.Debug("pool closed")
	return err
}

// Size returns the number of idle sessions.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.freeConn)
}

// Config returns the pool's configuration.
func (p *Pool) Config() Config {
	return p.cfg
}

func (p *Pool) shortestIdleTimeLocked() time.Duration {
	if p.maxIdleTime <= 0 {
		return p.maxLifetime
	}

	if p.maxLifetime <= 0 {
		return p.maxIdleTime
	}

	min := p.maxIdleTime
	if p.maxLifetime < min {
		min = p.maxLifetime
	}
	return min
}

// SetConnMaxLifetime sets the maximum amount of time a connection may be reused.
//
// Expired connections may be closed lazily before reuse.
//
// If d <= 0, connections are not closed due to a connection's age.
func (p *Pool) SetConnMaxLifetime(d time.Duration) {
	if d < 0 {
		d = 0
	}

	p.mu.Lock()
	// Wake cleaner up when lifetime is shortened.
	if d > 0 && d < p.maxLifetime && p.cleanerCh != nil {
		select {
		case p.cleanerCh <- struct{}{}:
		default:
		}
	}

	p.maxLifetime = d
	p.startCleanerLocked()
	p.mu.Unlock()
}

// SetConnMaxIdleTime sets the maximum amount of time a connection may be idle.
//
// Expired connections may be closed lazily before reuse.
//
// If d <= 0, connections are not closed due to a connection's idle time.
func (p *Pool) SetConnMaxIdleTime(d time.Duration) {
	if d < 0 {
		d = 0
	}

	p.mu.Lock()
	// Wake cleaner up when idle time is shortened.
	if d > 0 && d < p.maxIdleTime && p.cleanerCh != nil {
		select {
		case p.cleanerCh <- struct{}{}:
		default:
		}
	}
	p.maxIdleTime = d
	p.startCleanerLocked()
	p.mu.Unlock()
}

// startCleanerLocked starts connectionCleaner if needed.
func (p *Pool) startCleanerLocked() {
	if (p.maxLifetime > 0 || p.maxIdleTime > 0) && p.numOpen > 0 && p.cleanerCh == nil {
		p.cleanerCh = make(chan struct{}, 1)
		go p.connectionCleaner(p.shortestIdleTimeLocked())
	}
}

func (p *Pool) connectionCleaner(d time.Duration) {
	const minInterval = 1 * time.Second

	if d < minInterval {
		d = minInterval
	}

	t := time.NewTimer(d)

	for {
		select {
		case <-p.cleanerCh: // maxLifetime was changed or p was closed.
		case <-t.C:
		}

		p.mu.Lock()
		d = p.shortestIdleTimeLocked()
		if p.closed || p.numOpen == 0 || d <= 0 {
			p.cleanerCh = nil
			p.mu.Unlock()
			return
		}

		d, closing := p.connectionCleanerRunLocked(d)
		p.mu.Unlock()

		for _, c := range closing {
			c.Close()
		}

		if d < minInterval {
			d = minInterval
		}

		if !t.Stop() {
			select {
			case <-t.C:
			default:
			}
		}
		t.Reset(d)
	}
}

// connectionCleanerRunLocked removes connections that should be closed from
// freeConn and returns them along side an updated duration to the next check
// if a quicker check is required to ensure connections are checked appropriately.
func (p *Pool) connectionCleanerRunLocked(d time.Duration) (time.Duration, []*poolConn) {
	var idleClosing int64
	var closing []*poolConn

	if p.maxIdleTime > 0 {
		// As freeConn is ordered by returnedAt process
		// in reverse order to minimise the work needed.
		idleSince := nowFunc().Add(-p.maxIdleTime)
		last := len(p.freeConn) - 1
		for i := last; i >= 0; i-- {
			c := p.freeConn[i]
			if c.returnedAt.Before(idleSince) {
				i++
				closing = p.freeConn[:i:i]
				p.freeConn = p.freeConn[i:]
				idleClosing = int64(len(closing))
				p.maxIdleTimeClosed += idleClosing
				break
			}
		}

		if len(p.freeConn) > 0 {
			c := p.freeConn[0]
			if d2 := c.returnedAt.Sub(idleSince); d2 < d {
				// Ensure idle connections are cleaned up as soon as
				// possible.
				d = d2
			}
		}
	}

	if p.maxLifetime > 0 {
		expiredSince := nowFunc().Add(-p.maxLifetime)
		for i := 0; i < len(p.freeConn); i++ {
			c := p.freeConn[i]
			if c.createdAt.Before(expiredSince) {
				closing = append(closing, c)

				last := len(p.freeConn) - 1
				// Use slow delete as order is required to ensure
				// connections are reused least idle time first.
				copy(p.freeConn[i:], p.freeConn[i+1:])
				p.freeConn[last] = nil
				p.freeConn = p.freeConn[:last]
				i--
			} else if d2 := c.createdAt.Sub(expiredSince); d2 < d {
				// Prevent connections sitting the freeConn when they
				// have expired by updating our next deadline d.
				d = d2
			}
		}
		p.maxLifetimeClosed += int64(len(closing)) - idleClosing
	}

	return d, closing
}

// PoolStats contains pool statistics.
type PoolStats struct {
	ConnectionsMin int // Configured minimum of idle connections.
	ConnectionsMax int // Maximum number of open connections.

	// Pool Status
	OpenConnections int // The number of established connections both in use and idle.
	InUse           int // The number of connections currently in use.
	Idle            int // The number of idle connections.

	// Counters
	WaitCount         int64         // The total number of connections waited for.
	WaitDuration      time.Duration // The total time blocked waiting for a new connection.
	MaxIdleTimeClosed int64         // The total number of connections closed due to MaxIdleTime.
	MaxLifetimeClosed int64         // The total number of connections closed due to MaxLifetime.
	PoisonedClosed    int64         // The total number of connections released with an unfinished result stream.
	InvalidClosed     int64         // The total number of connections discarded as bad or failing validation.
}

// Stats returns pool statistics.
func (p *Pool) Stats() PoolStats {
	wait := p.waitDuration.Load()

	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PoolStats{
		ConnectionsMin: p.cfg.ConnectionsMin,
		ConnectionsMax: p.cfg.ConnectionsMax,

		OpenConnections: p.numOpen,
		InUse:           p.numOpen - len(p.freeConn),
		Idle:            len(p.freeConn),

		WaitCount:         p.waitCount,
		WaitDuration:      time.Duration(wait),
		MaxIdleTimeClosed: p.maxIdleTimeClosed,
		MaxLifetimeClosed: p.maxLifetimeClosed,
		PoisonedClosed:    p.poisonedClosed,
		InvalidClosed:     p.invalidClosed,
	}
	return stats
}

// Assumes p.mu is locked.
// If there are connRequests and the connection limit hasn't been reached,
// then tell the connectionOpener to open new connections.
func (p *Pool) maybeOpenNewConnections() {
	numRequests := len(p.connRequests)
	if numCanOpen := p.cfg.ConnectionsMax - p.numOpen; numRequests > numCanOpen {
		numRequests = numCanOpen
	}

	for numRequests > 0 {
		p.numOpen++ // optimistically
		numRequests--
		if p.closed {
			return
		}

		p.openerCh <- struct{}{}
	}
}

// Runs in a separate goroutine, opens new connections when requested.
func (p *Pool) connectionOpener(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.openerCh:
			p.openNewConnection(ctx)
		}
	}
}

// Open one new connection
func (p *Pool) openNewConnection(ctx context.Context) {
	// maybeOpenNewConnections has already executed p.numOpen++ before it sent
	// on p.openerCh. This function must execute p.numOpen-- if the
	// connection fails or is closed before returning.
	si, err := p.connector.Connect(ctx)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		if err == nil {
			si.Close()
		}

		p.numOpen--
		return
	}

	if err != nil {
		p.numOpen--
		p.log.WithError(err).Warn("opening replacement session failed")
		p.putConnPoolLocked(nil, err)
		p.maybeOpenNewConnections()
		return
	}

	pc := p.newPoolConnLocked(si)
	if !p.putConnPoolLocked(pc, err) {
		p.numOpen--
		si.Close()
	}
}

// connRequest represents one request for a new connection
// When there are no idle connections available, Pool.conn will create
// a new connRequest and put it on the p.connRequests list.
type connRequest struct {
	conn *poolConn
	err  error
}

// nextRequestKeyLocked returns the next connection request key.
// It is assumed that nextRequest will not overflow.
func (p *Pool) nextRequestKeyLocked() uint64 {
	next := p.nextRequest
	p.nextRequest++
	return next
}

// conn returns a newly-opened or cached *poolConn.
func (p *Pool) conn(ctx context.Context, strategy connReuseStrategy) (*poolConn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	// Check if the context is expired.
	select {
	case <-ctx.Done():
		p.mu.Unlock()
		return nil, ctx.Err()
	default:
	}

	// A pool without capacity can never serve; don't wait for it.
	if p.cfg.ConnectionsMax == 0 {
		p.mu.Unlock()
		return nil, &ExhaustedError{Max: 0}
	}

	lifetime := p.maxLifetime

	// Prefer a free connection, if possible.
	last := len(p.freeConn) - 1
	if cachedOrNewConn == strategy && last >= 0 {
		// Reuse the lowest idle time connection so we can close
		// connections which remain idle as soon as possible.
		conn := p.freeConn[last]
		p.freeConn = p.freeConn[:last]
		conn.inUse = true

		if conn.expired(lifetime) {
			p.maxLifetimeClosed++
			p.mu.Unlock()
			conn.Close()
			return nil, driver.ErrBadConn
		}
		p.mu.Unlock()

		if err := conn.validateConnection(ctx, p.cfg.CheckOnBorrow); err != nil {
			p.discard(conn, err)
			return nil, driver.ErrBadConn
		}

		return conn, nil
	}

	// Out of free connections or we were asked not to use one. If we're not
	// allowed to open any more connections, make a request and wait.
	if p.numOpen >= p.cfg.ConnectionsMax {
		// Make the connRequest channel. It's buffered so that the
		// connectionOpener doesn't block while waiting for the req to be read.
		req := make(chan connRequest, 1)
		reqKey := p.nextRequestKeyLocked()
		p.connRequests[reqKey] = req
		p.waitCount++
		p.mu.Unlock()

		waitStart := nowFunc()

		// Timeout the connection request with the context.
		select {
		case <-ctx.Done():
			// Remove the connection request and ensure no value has been sent
			// on it after removing.
			p.mu.Lock()
			delete(p.connRequests, reqKey)
			p.mu.Unlock()

			waited := time.Since(waitStart)
			p.waitDuration.Add(int64(waited))

			select {
			case ret, ok := <-req:
				if ok && ret.conn != nil {
					p.putConn(ret.conn, ret.err)
				}
			default:
			}

			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, &ExhaustedError{Max: p.cfg.ConnectionsMax, Waited: waited, Err: ctx.Err()}
			}
			return nil, ctx.Err()
		case ret, ok := <-req:
			p.waitDuration.Add(int64(time.Since(waitStart)))

			if !ok {
				return nil, ErrPoolClosed
			}

			// Only check if the connection is expired if the strategy is cachedOrNewConns.
			// If we require a new connection, just re-use the connection without looking
			// at the expiry time. If it is expired, it will be checked when it is placed
			// back into the connection pool.
			// This prioritizes giving a valid connection to a client over the exact connection
			// lifetime, which could expire exactly after this point anyway.
			if cachedOrNewConn == strategy && ret.err == nil && ret.conn.expired(lifetime) {
				p.mu.Lock()
				p.maxLifetimeClosed++
				p.mu.Unlock()
				ret.conn.Close()
				return nil, driver.ErrBadConn
			}

			if ret.conn == nil {
				return nil, ret.err
			}

			return ret.conn, ret.err
		}
	}

	p.numOpen++ // optimistically
	p.mu.Unlock()
	si, err := p.connector.Connect(ctx)
	if err != nil {
		p.mu.Lock()
		p.numOpen-- // correct for earlier optimism
		p.maybeOpenNewConnections()
		p.mu.Unlock()
		return nil, err
	}

	p.mu.Lock()
	pc := p.newPoolConnLocked(si)
	pc.inUse = true
	p.mu.Unlock()
	return pc, nil
}

// discard closes a borrowed pc that will not be reused.
func (p *Pool) discard(pc *poolConn, err error) {
	p.log.WithField("conn", pc.id).WithError(err).Info("discarding session")

	p.mu.Lock()
	p.invalidClosed++
	pc.inUse = false
	p.mu.Unlock()

	pc.setState(StatePoisoned)
	pc.Close()
}

// putConnHook is a hook for testing.
var putConnHook func(*Pool, *poolConn)

// debugGetPut determines whether getConn & putConn calls' stack traces
// are returned for more verbose crashes.
const debugGetPut = false

// putConn returns a borrowed connection to the pool, or discards it.
// err is optionally the last error that occurred on this connection.
// It reports the state the connection ended in: StateIdle if it will
// be reused, StateClosed otherwise.
//
// A connection whose result stream is still open is always discarded,
// before and regardless of validation: a probe can succeed on a session
// whose next real query would read stale frames.
func (p *Pool) putConn(pc *poolConn, err error) State {
	logger := p.log.WithField("conn", pc.id)

	var (
		discardErr error
		poisoned   bool
	)
	switch {
	case pc.getState() == StateStreamOpen && !p.skipStreamCheck:
		poisoned = true
		discardErr = &StateError{ConnID: pc.id, Op: "release", State: StateStreamOpen}
		logger.Warn("released with an unfinished result stream; poisoning session")
	case errors.Is(err, driver.ErrBadConn):
		discardErr = err
	default:
		if verr := pc.validateConnection(context.Background(), p.cfg.CheckOnReturn); verr != nil {
			discardErr = verr
			logger.WithError(verr).Info("session failed validation on release")
		}
	}

	p.mu.Lock()
	if !pc.inUse {
		p.mu.Unlock()
		if debugGetPut {
			fmt.Printf("putConn(%v) DUPLICATE was: %s\n\nPREVIOUS was: %s", pc, stack(), p.lastPut[pc])
		}

		panic("connection returned that was never out")
	}

	switch {
	case poisoned:
		p.poisonedClosed++
	case discardErr != nil:
		p.invalidClosed++
	case pc.expired(p.maxLifetime):
		p.maxLifetimeClosed++
		discardErr = driver.ErrBadConn
	}

	if debugGetPut {
		p.lastPut[pc] = stack()
	}

	pc.inUse = false
	pc.returnedAt = nowFunc()

	if discardErr != nil {
		// Don't reuse bad connections.
		// Don't decrement the open count here, finalClose will
		// take care of that.
		p.maybeOpenNewConnections()
		p.mu.Unlock()
		pc.setState(StatePoisoned)
		pc.Close()
		return StateClosed
	}

	pc.setState(StateIdle)

	if putConnHook != nil {
		putConnHook(p, pc)
	}

	added := p.putConnPoolLocked(pc, nil)
	p.mu.Unlock()

	if !added {
		pc.Close()
		return StateClosed
	}
	return StateIdle
}

// Satisfy a connRequest or put the poolConn in the idle pool and return true
// or return false.
// putConnPoolLocked will satisfy a connRequest if there is one, or it will
// return the *poolConn to the freeConn list if err == nil and the
// connection limit will not be exceeded.
// If err != nil, the value of pc is ignored.
// If err == nil, then pc must not equal nil.
// If a connRequest was fulfilled or the *poolConn was placed in the
// freeConn list, then true is returned, otherwise false is returned.
func (p *Pool) putConnPoolLocked(pc *poolConn, err error) bool {
	if p.closed {
		return false
	}

	if p.numOpen > p.cfg.ConnectionsMax {
		return false
	}

	if c := len(p.connRequests); c > 0 {
		var req chan connRequest
		var reqKey uint64
		for reqKey, req = range p.connRequests {
			break
		}

		delete(p.connRequests, reqKey) // Remove from pending requests.
		if err == nil {
			pc.inUse = true
		}

		req <- connRequest{
			conn: pc,
			err:  err,
		}

		return true
	} else if err == nil && !p.closed {
		if p.cfg.ConnectionsMax > len(p.freeConn) {
			p.freeConn = append(p.freeConn, pc)
			p.startCleanerLocked()
			return true
		}
	}

	return false
}

// maxBadConnRetries is the number of maximum retries if the driver returns
// driver.ErrBadConn to signal a broken connection before forcing a new
// connection to be opened.
const maxBadConnRetries = 2

func (p *Pool) retry(fn func(strategy connReuseStrategy) error) error {
	for i := int64(0); i < maxBadConnRetries; i++ {
		err := fn(cachedOrNewConn)
		// retry if err is driver.ErrBadConn
		if err == nil || !errors.Is(err, driver.ErrBadConn) {
			return err
		}
	}

	return fn(alwaysNewConn)
}

// Driver returns the pool's underlying driver.
func (p *Pool) Driver() driver.Driver {
	return p.connector.Driver()
}

// Conn borrows a connection, reusing an idle session or opening a new
// one. If the pool is at ConnectionsMax, Conn waits until a connection is
// released, ctx is done, or Config.BorrowTimeout elapses; the latter
// returns an *ExhaustedError.
//
// Every Conn must be returned to the pool after use by
// calling Conn.Close.
func (p *Pool) Conn(ctx context.Context) (*Conn, error) {
	if p.cfg.BorrowTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.BorrowTimeout)
		defer cancel()
	}

	var pc *poolConn
	var err error

	err = p.retry(func(strategy connReuseStrategy) error {
		pc, err = p.conn(ctx, strategy)
		return err
	})
	if err != nil {
		return nil, err
	}

	pc.setState(StateBorrowed)
	conn := &Conn{
		p:  p,
		pc: pc,
		id: pc.id,
	}
	return conn, nil
}

// WithConn borrows a connection, calls fn with it and releases it on
// every exit path, including a panic in fn.
//
// Releasing is not the same as releasing cleanly: if fn leaves a result
// stream unfinished the session is discarded.
func (p *Pool) WithConn(ctx context.Context, fn func(*Conn) error) error {
	c, err := p.Conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	return fn(c)
}

// Exec borrows a connection, executes query and discards its rows.
func (p *Pool) Exec(ctx context.Context, query string) error {
	return p.WithConn(ctx, func(c *Conn) error {
		return c.Exec(ctx, query)
	})
}

func stack() string {
	var buf [2 << 10]byte
	return string(buf[:runtime.Stack(buf[:], false)])
}

// withLock runs while holding lk.
func withLock(l sync.Locker, fn func()) {
	l.Lock()
	defer l.Unlock() // in case fn panics
	fn()
}
