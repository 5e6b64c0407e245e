package redisr

import (
	"sync"

	"go.uber.org/multierr"
)

// pool maintains the connections for every node the router talks to,
// up to maxPerNode regular connections per address. Blocking commands
// get a connection with nothing in flight, and never share with
// concurrent non-blocking traffic; when none is idle and the node is at
// capacity, a temporary overflow connection is created rather than
// queueing behind a blocked transport.
type pool struct {
	newConn    func(addr string, readonly bool) *Conn
	maxPerNode int

	mu     sync.Mutex
	conns  map[string][]*Conn
	next   map[string]int
	closed bool
}

func newPool(maxPerNode int, newConn func(addr string, readonly bool) *Conn) *pool {
	if maxPerNode <= 0 {
		maxPerNode = 2
	}
	return &pool{
		newConn:    newConn,
		maxPerNode: maxPerNode,
		conns:      make(map[string][]*Conn),
		next:       make(map[string]int),
	}
}

type connFlags struct {
	blocking bool
	readonly bool
}

// get hands out a connection for the address, creating one lazily.
// Permanently failed connections are evicted as they are encountered.
func (p *pool) get(addr string, flags connFlags) (*Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}

	key := addr
	if flags.readonly {
		key = addr + "/ro"
	}

	// drop connections that reported themselves unusable
	live := p.conns[key][:0]
	for _, c := range p.conns[key] {
		if c.State() != StateClosed {
			live = append(live, c)
		}
	}
	p.conns[key] = live

	if flags.blocking {
		// a blocking command wants a connection with nothing in flight
		for _, c := range live {
			if c.Pending() == 0 && !c.busyBlocking() {
				return c, nil
			}
		}
		c := p.newConn(addr, flags.readonly)
		p.conns[key] = append(live, c)
		return c, nil
	}

	// round-robin over connections not held by a blocking command
	if n := len(live); n > 0 {
		start := p.next[key] % n
		p.next[key]++
		for i := 0; i < n; i++ {
			c := live[(start+i)%n]
			if !c.busyBlocking() {
				return c, nil
			}
		}
	}
	if len(live) < p.maxPerNode {
		c := p.newConn(addr, flags.readonly)
		p.conns[key] = append(p.conns[key], c)
		return c, nil
	}
	// every connection is running a blocking command; overflow
	c := p.newConn(addr, flags.readonly)
	p.conns[key] = append(p.conns[key], c)
	return c, nil
}

// closeNode closes every connection to the address, failing their
// in-flight requests. Used when a sentinel failover retires a primary.
func (p *pool) closeNode(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, key := range []string{addr, addr + "/ro"} {
		for _, c := range p.conns[key] {
			_ = c.Close()
		}
		delete(p.conns, key)
	}
}

func (p *pool) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.closed = true

	var err error
	for _, conns := range p.conns {
		for _, c := range conns {
			err = multierr.Append(err, c.Close())
		}
	}
	p.conns = nil
	return err
}
