package redisr

import (
	"context"
	"sync"

	"github.com/gomodule/redigo/redis"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// SubKind is the kind of a pub/sub subscription.
type SubKind uint8

const (
	// SubChannel is an exact channel subscription (SUBSCRIBE).
	SubChannel SubKind = iota
	// SubPattern is a glob pattern subscription (PSUBSCRIBE).
	SubPattern
	// SubShard is a sharded channel subscription (SSUBSCRIBE), routed
	// by the channel's hash slot in cluster mode.
	SubShard
)

func (k SubKind) String() string {
	switch k {
	case SubChannel:
		return "channel"
	case SubPattern:
		return "pattern"
	case SubShard:
		return "shard"
	}
	return "unknown"
}

func (k SubKind) subscribeCmd() string {
	switch k {
	case SubPattern:
		return "PSUBSCRIBE"
	case SubShard:
		return "SSUBSCRIBE"
	}
	return "SUBSCRIBE"
}

func (k SubKind) unsubscribeCmd() string {
	switch k {
	case SubPattern:
		return "PUNSUBSCRIBE"
	case SubShard:
		return "SUNSUBSCRIBE"
	}
	return "UNSUBSCRIBE"
}

// Message is a pub/sub delivery handed to a subscription's sink.
type Message struct {
	// Channel is the channel the message was published to.
	Channel string
	// Pattern is the matching pattern for pattern subscriptions, empty
	// otherwise.
	Pattern string
	Payload []byte
}

type subKey struct {
	kind SubKind
	name string
}

// subscription is one registry entry. It survives reconnects: the
// owning connection replays the subscribe command on every fresh
// transport before accepting new traffic.
type subscription struct {
	key  subKey
	addr string
	sink chan<- Message

	ackOnce sync.Once
	acked   chan struct{}
}

func (s *subscription) ack() {
	s.ackOnce.Do(func() { close(s.acked) })
}

// registry is the shared set of active subscriptions, keyed by
// (kind, name). Reconnects read it at the moment of replay.
type registry struct {
	mu   sync.Mutex
	subs map[subKey]*subscription
}

func newRegistry() *registry {
	return &registry{subs: make(map[subKey]*subscription)}
}

func (r *registry) add(sub *subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[sub.key]; ok {
		return false
	}
	r.subs[sub.key] = sub
	return true
}

func (r *registry) remove(key subKey) *subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub := r.subs[key]
	delete(r.subs, key)
	return sub
}

func (r *registry) get(key subKey) *subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subs[key]
}

// forAddr snapshots the subscriptions routed to the given node.
func (r *registry) forAddr(addr string) []*subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*subscription
	for _, sub := range r.subs {
		if sub.addr == addr {
			out = append(out, sub)
		}
	}
	return out
}

// subscriber owns the push-mode connections that carry pub/sub traffic
// and dispatches incoming messages to subscription sinks.
type subscriber struct {
	newConn func(addr string, onConnected func(rc redis.Conn) error, onPush func(interface{})) *Conn
	// route picks the node carrying a subscription: the slot owner for
	// shard channels in cluster mode, the default node otherwise.
	route func(ctx context.Context, kind SubKind, name string) (string, error)
	log   *zap.Logger

	reg *registry

	mu     sync.Mutex
	conns  map[string]*Conn
	closed bool
}

func newSubscriber(route func(ctx context.Context, kind SubKind, name string) (string, error),
	newConn func(addr string, onConnected func(rc redis.Conn) error, onPush func(interface{})) *Conn,
	log *zap.Logger) *subscriber {
	return &subscriber{
		newConn: newConn,
		route:   route,
		log:     log,
		reg:     newRegistry(),
		conns:   make(map[string]*Conn),
	}
}

// subscribe registers the sink and issues the subscribe command,
// waiting for the server's acknowledgement so the subscription is
// guaranteed active once the call returns.
func (s *subscriber) subscribe(ctx context.Context, kind SubKind, name string, sink chan<- Message) error {
	addr, err := s.route(ctx, kind, name)
	if err != nil {
		return err
	}

	sub := &subscription{
		key:   subKey{kind: kind, name: name},
		addr:  addr,
		sink:  sink,
		acked: make(chan struct{}),
	}
	if !s.reg.add(sub) {
		return &RoutingError{Reason: "already subscribed to " + kind.String() + " " + name}
	}

	conn, err := s.connFor(addr)
	if err != nil {
		s.reg.remove(sub.key)
		return err
	}
	if err := conn.send(ctx, newPending(kind.subscribeCmd(), []interface{}{name})); err != nil {
		s.reg.remove(sub.key)
		return err
	}

	select {
	case <-sub.acked:
		return nil
	case <-ctx.Done():
		s.reg.remove(sub.key)
		return ctx.Err()
	}
}

// unsubscribe removes the registry entry and tells the server. Failing
// to reach the server is not an error: the entry is gone from the
// registry, so it will not be replayed on the next reconnect.
func (s *subscriber) unsubscribe(ctx context.Context, kind SubKind, name string) error {
	sub := s.reg.remove(subKey{kind: kind, name: name})
	if sub == nil {
		return nil
	}

	s.mu.Lock()
	conn := s.conns[sub.addr]
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	_ = conn.send(ctx, newPending(kind.unsubscribeCmd(), []interface{}{name}))
	return nil
}

func (s *subscriber) connFor(addr string) (*Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if c, ok := s.conns[addr]; ok && c.State() != StateClosed {
		return c, nil
	}
	c := s.newConn(addr,
		func(rc redis.Conn) error { return s.replay(addr, rc) },
		s.dispatch)
	s.conns[addr] = c
	return c, nil
}

// replay re-issues every subscription routed to addr on the fresh
// transport. It runs before the connection accepts new traffic, so
// deliveries resume without a gap visible to callers.
func (s *subscriber) replay(addr string, rc redis.Conn) error {
	subs := s.reg.forAddr(addr)
	for _, sub := range subs {
		if err := rc.Send(sub.key.kind.subscribeCmd(), sub.key.name); err != nil {
			return err
		}
	}
	if len(subs) == 0 {
		return nil
	}
	if err := rc.Flush(); err != nil {
		return err
	}
	s.log.Debug("replayed subscriptions", zap.String("addr", addr), zap.Int("count", len(subs)))
	return nil
}

// dispatch routes one decoded push frame to the right sink. Sinks are
// never allowed to stall the read loop: a full sink drops the message.
func (s *subscriber) dispatch(reply interface{}) {
	fields, err := redis.Values(reply, nil)
	if err != nil || len(fields) < 3 {
		return
	}
	typ, err := redis.String(fields[0], nil)
	if err != nil {
		return
	}

	switch typ {
	case "message", "smessage":
		channel, _ := redis.String(fields[1], nil)
		payload, _ := redis.Bytes(fields[2], nil)
		kind := SubChannel
		if typ == "smessage" {
			kind = SubShard
		}
		s.deliver(subKey{kind: kind, name: channel}, Message{Channel: channel, Payload: payload})

	case "pmessage":
		if len(fields) < 4 {
			return
		}
		pattern, _ := redis.String(fields[1], nil)
		channel, _ := redis.String(fields[2], nil)
		payload, _ := redis.Bytes(fields[3], nil)
		s.deliver(subKey{kind: SubPattern, name: pattern},
			Message{Channel: channel, Pattern: pattern, Payload: payload})

	case "subscribe", "psubscribe", "ssubscribe":
		name, _ := redis.String(fields[1], nil)
		kind := SubChannel
		switch typ {
		case "psubscribe":
			kind = SubPattern
		case "ssubscribe":
			kind = SubShard
		}
		if sub := s.reg.get(subKey{kind: kind, name: name}); sub != nil {
			sub.ack()
		}
	}
}

func (s *subscriber) deliver(key subKey, msg Message) {
	sub := s.reg.get(key)
	if sub == nil {
		return
	}
	select {
	case sub.sink <- msg:
	default:
		s.log.Warn("dropping message, sink is full",
			zap.String("kind", key.kind.String()), zap.String("name", key.name))
	}
}

func (s *subscriber) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var err error
	for _, c := range s.conns {
		err = multierr.Append(err, c.Close())
	}
	s.conns = nil
	return err
}
