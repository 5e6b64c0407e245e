package redisr

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gomodule/redigo/redis"
	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ConnState is the lifecycle state of a Conn.
type ConnState int32

// Lifecycle states. A Conn starts Connecting, serves traffic while
// Ready, and goes through Reconnecting and back to Connecting on
// transport loss. Closed is terminal: it is entered on explicit close,
// or when the dial backoff gives up, after which the pool evicts the
// connection.
const (
	StateConnecting ConnState = iota
	StateReady
	StateDraining
	StateReconnecting
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// result is the outcome delivered through a pending's completion handle.
type result struct {
	reply interface{}
	err   error
}

// pending correlates one outbound command with its eventual reply. The
// connection writes commands as they arrive and pushes their pendings
// on a strict FIFO queue; the read loop pops the head for each decoded
// reply. Queue order always equals wire order.
type pending struct {
	name     string
	args     []interface{}
	slot     int
	blocking bool

	resolved atomic.Bool
	done     chan result
}

func newPending(name string, args []interface{}) *pending {
	return &pending{
		name: name,
		args: args,
		slot: -1,
		done: make(chan result, 1),
	}
}

// wait blocks until the pending resolves or the context expires. On
// expiry the pending is orphaned: a reply that arrives later is
// discarded without blocking the read loop.
func (p *pending) wait(ctx context.Context) (interface{}, error) {
	select {
	case res := <-p.done:
		return res.reply, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type connConfig struct {
	addr        string
	dial        func(ctx context.Context, addr string) (redis.Conn, error)
	dialTimeout time.Duration
	// onConnected runs on the fresh transport every time the connection
	// (re)establishes, before any queued traffic is written. Replica
	// READONLY setup and subscription replay both hang off this hook.
	onConnected func(rc redis.Conn) error
	// onPush switches the connection to push mode: the read loop hands
	// every decoded value to onPush instead of correlating replies with
	// the FIFO queue. Used for pub/sub connections.
	onPush      func(reply interface{})
	maxInflight int
	policy      Policy
	// maxDialAttempts bounds consecutive failed dials/handshakes before
	// the connection reports itself unusable. 0 means retry forever.
	maxDialAttempts int
	log             *zap.Logger
}

// Conn owns one physical transport to a node. A writer goroutine
// serializes and transmits queued commands immediately, enabling
// pipelining; a reader goroutine decodes replies and resolves the FIFO
// queue head. On transport failure every queued request fails with a
// ConnectivityError and the connection redials with backoff.
type Conn struct {
	cfg connConfig
	id  string
	log *zap.Logger

	state atomic.Int32

	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	writeq  []*pending
	readyCh chan struct{} // closed while the conn is Ready
	down    bool

	notify chan struct{}

	pendingN     atomic.Int32
	blockingBusy atomic.Int32
}

func newConn(cfg connConfig) *Conn {
	if cfg.maxInflight <= 0 {
		cfg.maxInflight = 128
	}
	if cfg.dialTimeout <= 0 {
		cfg.dialTimeout = 5 * time.Second
	}
	if cfg.log == nil {
		cfg.log = zap.NewNop()
	}
	c := &Conn{
		cfg:     cfg,
		id:      uuid.NewString()[:8],
		closed:  make(chan struct{}),
		readyCh: make(chan struct{}),
		notify:  make(chan struct{}, 1),
	}
	c.log = cfg.log.With(zap.String("conn", c.id), zap.String("addr", cfg.addr))
	go c.run()
	return c
}

// Addr returns the node address this connection serves.
func (c *Conn) Addr() string { return c.cfg.addr }

// State returns the current lifecycle state.
func (c *Conn) State() ConnState { return ConnState(c.state.Load()) }

func (c *Conn) setState(s ConnState) { c.state.Store(int32(s)) }

// Pending returns the number of requests queued or in flight.
func (c *Conn) Pending() int { return int(c.pendingN.Load()) }

// busyBlocking reports whether a blocking command is currently in
// flight; such a connection must not receive interleaved traffic.
func (c *Conn) busyBlocking() bool { return c.blockingBusy.Load() > 0 }

// Close shuts the connection down. All queued and in-flight requests
// resolve with a ConnectivityError.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// send enqueues the pendings as one atomic batch, preserving their
// relative wire order (an ASK retry relies on ASKING immediately
// preceding the retried command). It blocks until the connection is
// Ready, the context expires, or the connection dies.
func (c *Conn) send(ctx context.Context, ps ...*pending) error {
	c.mu.Lock()
	if c.down {
		c.mu.Unlock()
		return &ConnectivityError{Addr: c.cfg.addr, Err: ErrClosed}
	}
	ready := c.readyCh
	c.mu.Unlock()

	select {
	case <-ready:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return &ConnectivityError{Addr: c.cfg.addr, Err: ErrClosed}
	}

	c.mu.Lock()
	if c.down {
		c.mu.Unlock()
		return &ConnectivityError{Addr: c.cfg.addr, Err: ErrClosed}
	}
	for _, p := range ps {
		c.pendingN.Inc()
		if p.blocking {
			c.blockingBusy.Inc()
		}
	}
	c.writeq = append(c.writeq, ps...)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

// resolvePending resolves p exactly once and updates load accounting.
func (c *Conn) resolvePending(p *pending, reply interface{}, err error) {
	if !p.resolved.CompareAndSwap(false, true) {
		return
	}
	c.pendingN.Dec()
	if p.blocking {
		c.blockingBusy.Dec()
	}
	p.done <- result{reply: reply, err: err}
}

func (c *Conn) run() {
	var fails int
	for {
		c.setState(StateConnecting)
		rc, err := c.dialLoop()
		if err != nil {
			c.terminate(err)
			return
		}

		if err := c.handshake(rc); err != nil {
			rc.Close()
			fails++
			c.log.Warn("connection setup failed", zap.Error(err), zap.Int("attempt", fails))
			if c.cfg.maxDialAttempts > 0 && fails >= c.cfg.maxDialAttempts {
				c.terminate(&ConnectivityError{Addr: c.cfg.addr, Attempts: fails, Err: err})
				return
			}
			if !c.sleepFor(c.cfg.policy.Delay(fails - 1)) {
				c.terminate(ErrClosed)
				return
			}
			continue
		}
		fails = 0

		c.setReady()
		c.log.Debug("connection ready")
		err = c.serve(rc)
		c.clearReady()

		select {
		case <-c.closed:
			c.setState(StateDraining)
			c.terminate(ErrClosed)
			return
		default:
		}
		c.log.Info("connection lost, reconnecting", zap.Error(err))
		c.setState(StateReconnecting)
	}
}

// dialLoop establishes a transport, retrying with exponential backoff
// until it succeeds, the attempt ceiling is reached, or the connection
// is closed.
func (c *Conn) dialLoop() (redis.Conn, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.policy.base()
	bo.MaxInterval = c.cfg.policy.max()
	bo.MaxElapsedTime = 0

	var attempts int
	for {
		select {
		case <-c.closed:
			return nil, ErrClosed
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.dialTimeout)
		rc, err := c.cfg.dial(ctx, c.cfg.addr)
		cancel()
		if err == nil {
			return rc, nil
		}

		attempts++
		c.log.Debug("dial failed", zap.Error(err), zap.Int("attempt", attempts))
		if c.cfg.maxDialAttempts > 0 && attempts >= c.cfg.maxDialAttempts {
			return nil, &ConnectivityError{Addr: c.cfg.addr, Attempts: attempts, Err: err}
		}
		if !c.sleepFor(bo.NextBackOff()) {
			return nil, ErrClosed
		}
	}
}

func (c *Conn) sleepFor(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.closed:
		return false
	}
}

func (c *Conn) handshake(rc redis.Conn) error {
	if c.cfg.onConnected == nil {
		return nil
	}
	return c.cfg.onConnected(rc)
}

// serve runs the writer and reader loops until the transport fails or
// the connection is closed, then fails everything still in flight.
func (c *Conn) serve(rc redis.Conn) error {
	inflight := make(chan *pending, c.cfg.maxInflight)
	stop := make(chan struct{})
	errCh := make(chan error, 2)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errCh <- c.writeLoop(rc, inflight, stop)
	}()
	go func() {
		defer wg.Done()
		errCh <- c.readLoop(rc, inflight, stop)
	}()

	var err error
	select {
	case err = <-errCh:
	case <-c.closed:
		err = ErrClosed
	}
	close(stop)
	rc.Close() // unblocks the loops
	wg.Wait()

	// every request written but unanswered fails now, so callers are
	// never left waiting on a dead transport
	for {
		select {
		case p := <-inflight:
			c.resolvePending(p, nil, &ConnectivityError{Addr: c.cfg.addr, Err: err})
		default:
			return err
		}
	}
}

func (c *Conn) writeLoop(rc redis.Conn, inflight chan *pending, stop chan struct{}) error {
	for {
		select {
		case <-stop:
			return nil
		case <-c.notify:
		}

		for {
			c.mu.Lock()
			q := c.writeq
			c.writeq = nil
			c.mu.Unlock()
			if len(q) == 0 {
				break
			}

			for i, p := range q {
				if err := rc.Send(p.name, p.args...); err != nil {
					c.failBatch(q[i:], err)
					return err
				}
			}
			if err := rc.Flush(); err != nil {
				// the whole batch is of uncertain fate
				c.failBatch(q, err)
				return err
			}
			for i, p := range q {
				if c.cfg.onPush != nil {
					// push mode has no reply correlation
					c.resolvePending(p, nil, nil)
					continue
				}
				select {
				case inflight <- p:
				case <-stop:
					c.failBatch(q[i:], ErrClosed)
					return nil
				}
			}
		}
	}
}

func (c *Conn) failBatch(ps []*pending, cause error) {
	for _, p := range ps {
		c.resolvePending(p, nil, &ConnectivityError{Addr: c.cfg.addr, Err: cause})
	}
}

func (c *Conn) readLoop(rc redis.Conn, inflight chan *pending, stop chan struct{}) error {
	if c.cfg.onPush != nil {
		for {
			reply, err := rc.Receive()
			if err != nil {
				return c.classifyIOErr(err)
			}
			c.cfg.onPush(reply)
		}
	}

	for {
		var p *pending
		select {
		case <-stop:
			return nil
		case p = <-inflight:
		}

		reply, err := rc.Receive()
		if err != nil {
			var re redis.Error
			if errors.As(err, &re) {
				// a well-formed error reply still satisfies the queue
				// head; the connection stays healthy
				c.resolvePending(p, nil, re)
				continue
			}
			cerr := c.classifyIOErr(err)
			c.resolvePending(p, nil, cerr)
			return cerr
		}
		c.resolvePending(p, reply, nil)
	}
}

// classifyIOErr distinguishes transport loss, which is retried, from a
// malformed reply, which means the FIFO correlation can no longer be
// trusted and the connection must be replaced.
func (c *Conn) classifyIOErr(err error) error {
	var ne net.Error
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.As(err, &ne) || errors.Is(err, net.ErrClosed) {
		return &ConnectivityError{Addr: c.cfg.addr, Err: err}
	}
	return &ProtocolError{Addr: c.cfg.addr, Reason: "malformed reply", Err: err}
}

func (c *Conn) setReady() {
	c.mu.Lock()
	close(c.readyCh)
	c.mu.Unlock()
	c.setState(StateReady)
}

func (c *Conn) clearReady() {
	c.mu.Lock()
	c.readyCh = make(chan struct{})
	c.mu.Unlock()
}

// terminate marks the connection permanently unusable and fails every
// request still queued for write. Senders blocked waiting for readiness
// are released through the closed channel.
func (c *Conn) terminate(cause error) {
	c.closeOnce.Do(func() { close(c.closed) })
	c.mu.Lock()
	c.down = true
	q := c.writeq
	c.writeq = nil
	c.mu.Unlock()

	c.setState(StateClosed)
	for _, p := range q {
		c.resolvePending(p, nil, &ConnectivityError{Addr: c.cfg.addr, Err: cause})
	}
	if !errors.Is(cause, ErrClosed) {
		c.log.Warn("connection terminated", zap.Error(cause))
	}
}
