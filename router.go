package redisr

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/gomodule/redigo/redis"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ReplicaPolicy picks the node serving a read-only command, given the
// slot's primary and its known replicas. The policy is consulted only
// for commands marked ReadOnly.
type ReplicaPolicy func(primary string, replicas []string) string

// RoutePrimary always reads from the primary. This is the default.
func RoutePrimary(primary string, _ []string) string { return primary }

// RouteRandomReplica reads from a random replica, falling back to the
// primary when no replica is known.
func RouteRandomReplica(primary string, replicas []string) string {
	if len(replicas) == 0 {
		return primary
	}
	return replicas[rand.Intn(len(replicas))]
}

// Options configures a Router. The zero value of every field has a
// usable default; only the node addresses are required.
type Options struct {
	// Nodes is the list of initial node addresses ("host:port"). In
	// cluster mode these are the startup nodes used to discover the
	// full topology; otherwise the first entry is the server.
	Nodes []string

	// Cluster enables cluster-mode routing: keys are hashed to slots
	// and commands routed to the owning node.
	Cluster bool

	// MasterName enables sentinel mode: the primary for this monitored
	// service name is discovered through the Sentinels addresses.
	MasterName string
	// Sentinels is the list of sentinel addresses. They are used for
	// discovery only, never for command traffic.
	Sentinels []string

	// DialOptions is applied to every node connection. TLS, AUTH
	// credentials and the logical database all ride here; they are
	// re-applied automatically on every reconnect.
	DialOptions []redis.DialOption
	// SentinelDialOptions is applied to sentinel connections, which
	// often carry different credentials than the data nodes.
	SentinelDialOptions []redis.DialOption

	// DialTimeout bounds each connection attempt. Default 5s.
	DialTimeout time.Duration

	// MaxAttempts is the retry ceiling for transient failures
	// (connectivity, CLUSTERDOWN, LOADING, TRYAGAIN). Default 3.
	MaxAttempts int

	// Retry shapes the delay between retries.
	Retry Policy

	// ConnsPerNode is the number of regular connections kept per node.
	// Default 2. Blocking commands may create overflow connections so
	// they never share a transport with concurrent traffic.
	ConnsPerNode int

	// MaxInflight caps the pipelined requests per connection.
	// Default 128.
	MaxInflight int

	// MaxDialAttempts is the number of consecutive failed dials before
	// a connection declares itself unusable and is evicted from the
	// pool. Default 3.
	MaxDialAttempts int

	// RefreshInterval enables periodic topology refresh in cluster
	// mode. 0 disables the timer; refreshes still happen on MOVED and
	// cluster-down errors.
	RefreshInterval time.Duration

	// ReplicaPolicy routes read-only commands. Nil routes everything
	// to the primary.
	ReplicaPolicy ReplicaPolicy

	// Logger receives structured logs. Nil disables logging.
	Logger *zap.Logger
}

func (o *Options) maxAttempts() int {
	if o.MaxAttempts > 0 {
		return o.MaxAttempts
	}
	return 3
}

func (o *Options) dialTimeout() time.Duration {
	if o.DialTimeout > 0 {
		return o.DialTimeout
	}
	return 5 * time.Second
}

// Command is one caller-facing unit of work.
type Command struct {
	Name string
	Args []interface{}

	// Keys are the routing keys. When empty, the first string or
	// []byte argument is assumed to be the key, the way redis commands
	// conventionally place it. All keys must hash to the same slot.
	Keys []string

	// ReadOnly marks the command as safe to run on a replica, subject
	// to the configured ReplicaPolicy.
	ReadOnly bool

	// Blocking marks commands like BLPOP that hold the transport; they
	// are given a connection with nothing else in flight.
	Blocking bool
}

// Router turns logical commands into routed, fault-tolerant wire
// traffic against a single server, a sentinel-monitored pair, or a
// sharded cluster. It is safe for concurrent use.
type Router struct {
	opts Options
	log  *zap.Logger

	pool *pool
	topo *topology
	sent *sentinelResolver
	subs *subscriber

	closed atomic.Bool
}

// New creates a Router. It performs no network I/O: connections are
// established lazily and topology is discovered on first use (or
// explicitly via Refresh).
func New(opts Options) (*Router, error) {
	opts.Nodes = normAddrs(opts.Nodes, defaultRedisPort)
	opts.Sentinels = normAddrs(opts.Sentinels, defaultSentinelPort)

	switch {
	case opts.MasterName != "":
		if len(opts.Sentinels) == 0 {
			return nil, errors.New("redisr: sentinel mode requires at least one sentinel address")
		}
	case len(opts.Nodes) == 0:
		return nil, errors.New("redisr: at least one node address is required")
	}

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	r := &Router{opts: opts, log: log}
	r.pool = newPool(opts.ConnsPerNode, r.nodeConn)

	if opts.Cluster {
		r.topo = newTopology(opts.Nodes, opts.RefreshInterval, opts.dialTimeout(), r.dialNode, log.Named("topology"))
		r.topo.schedule()
	}
	if opts.MasterName != "" {
		r.sent = newSentinelResolver(opts.MasterName, opts.Sentinels, opts.Retry,
			opts.dialTimeout(), r.dialSentinel, log.Named("sentinel"))
		r.sent.onSwitch = func(prev, next string) {
			// retire the old primary's connections so their in-flight
			// requests re-route to the new primary
			r.pool.closeNode(prev)
		}
	}
	r.subs = newSubscriber(r.subRoute, r.pubsubConn, log.Named("pubsub"))
	return r, nil
}

func (r *Router) dialNode(ctx context.Context, addr string) (redis.Conn, error) {
	return redis.DialContext(ctx, "tcp", addr, r.opts.DialOptions...)
}

func (r *Router) dialSentinel(ctx context.Context, addr string) (redis.Conn, error) {
	return redis.DialContext(ctx, "tcp", addr, r.opts.SentinelDialOptions...)
}

// nodeConn builds a pooled connection to a node. Replica connections
// enter READONLY mode on every (re)connect.
func (r *Router) nodeConn(addr string, readonly bool) *Conn {
	var hook func(rc redis.Conn) error
	if readonly {
		hook = func(rc redis.Conn) error {
			_, err := rc.Do("READONLY")
			return err
		}
	}
	return newConn(connConfig{
		addr:            addr,
		dial:            r.dialNode,
		dialTimeout:     r.opts.dialTimeout(),
		onConnected:     hook,
		maxInflight:     r.opts.MaxInflight,
		policy:          r.opts.Retry,
		maxDialAttempts: r.maxDialAttempts(),
		log:             r.log,
	})
}

func (r *Router) pubsubConn(addr string, onConnected func(rc redis.Conn) error, onPush func(interface{})) *Conn {
	return newConn(connConfig{
		addr:        addr,
		dial:        r.dialNode,
		dialTimeout: r.opts.dialTimeout(),
		onConnected: onConnected,
		onPush:      onPush,
		policy:      r.opts.Retry,
		log:         r.log,
	})
}

func (r *Router) maxDialAttempts() int {
	if r.opts.MaxDialAttempts > 0 {
		return r.opts.MaxDialAttempts
	}
	return 3
}

// Do executes a command, routing by its first key argument.
func (r *Router) Do(ctx context.Context, name string, args ...interface{}) (interface{}, error) {
	return r.Execute(ctx, Command{Name: name, Args: args})
}

// Execute routes and executes the command, transparently following
// MOVED and ASK redirections and retrying transient failures with
// backoff up to the configured ceiling. It never hangs indefinitely:
// the context deadline and the retry ceiling both bound it.
func (r *Router) Execute(ctx context.Context, cmd Command) (interface{}, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	if cmd.Name == "" {
		return nil, &RoutingError{Reason: "empty command name"}
	}

	slot := -1
	if r.topo != nil {
		var err error
		slot, err = commandSlot(&cmd)
		if err != nil {
			return nil, err
		}
	}

	var (
		attempt int
		moved   int
		asked   bool
		askAddr string
	)
	for {
		addr := askAddr
		ask := askAddr != ""
		askAddr = ""

		var (
			ro  bool
			err error
		)
		if !ask {
			addr, ro, err = r.destination(ctx, &cmd, slot)
		}

		var reply interface{}
		if err == nil {
			var conn *Conn
			conn, err = r.pool.get(addr, connFlags{blocking: cmd.Blocking, readonly: ro})
			if err == nil {
				reply, err = r.dispatch(ctx, conn, &cmd, slot, ask)
			}
		}
		if err == nil {
			return reply, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}

		if re := ParseRedir(err); re != nil {
			if re.Type == "MOVED" {
				// patch the one affected slot and retry immediately
				// against the new owner
				if r.topo != nil {
					r.topo.patch(re.NewSlot, re.Addr)
				}
				moved++
				if moved > r.opts.maxAttempts() {
					return nil, &RoutingError{Reason: "redirection loop: " + err.Error()}
				}
				continue
			}
			if asked {
				// a second ASK for the same request is a protocol
				// fault, not something to chase
				return nil, &ProtocolError{Addr: addr, Reason: "repeated ASK redirection", Err: err}
			}
			asked = true
			askAddr = re.Addr
			continue
		}

		if retryable(err) {
			if r.topo != nil && !IsTryAgain(err) {
				r.topo.schedule()
			}
		} else if !IsConnectivity(err) {
			// server errors surface verbatim; protocol errors already
			// cost the connection its transport
			return nil, err
		}

		attempt++
		if attempt >= r.opts.maxAttempts() {
			if IsConnectivity(err) {
				return nil, &ConnectivityError{Addr: addr, Attempts: attempt, Err: err}
			}
			return nil, err
		}
		r.log.Debug("retrying command",
			zap.String("cmd", cmd.Name), zap.Int("attempt", attempt), zap.Error(err))
		if serr := sleep(ctx, r.opts.Retry.Delay(attempt-1)); serr != nil {
			return nil, serr
		}
	}
}

// DoAt executes a command against one explicit node, for admin and
// keyless commands where guessing a destination would be wrong.
// Redirections are not followed in targeted mode.
func (r *Router) DoAt(ctx context.Context, addr, name string, args ...interface{}) (interface{}, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}

	var attempt int
	for {
		conn, err := r.pool.get(addr, connFlags{})
		var reply interface{}
		if err == nil {
			reply, err = r.dispatch(ctx, conn, &Command{Name: name, Args: args}, -1, false)
		}
		if err == nil {
			return reply, nil
		}
		if !IsConnectivity(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		attempt++
		if attempt >= r.opts.maxAttempts() {
			return nil, &ConnectivityError{Addr: addr, Attempts: attempt, Err: err}
		}
		if serr := sleep(ctx, r.opts.Retry.Delay(attempt-1)); serr != nil {
			return nil, serr
		}
	}
}

// dispatch enqueues the command on the connection and awaits its
// completion handle. An ASK retry sends the ASKING directive and the
// command as one atomic batch so nothing lands between them.
func (r *Router) dispatch(ctx context.Context, conn *Conn, cmd *Command, slot int, ask bool) (interface{}, error) {
	p := newPending(cmd.Name, cmd.Args)
	p.slot = slot
	p.blocking = cmd.Blocking

	if ask {
		pa := newPending("ASKING", nil)
		if err := conn.send(ctx, pa, p); err != nil {
			return nil, err
		}
		if _, err := pa.wait(ctx); err != nil {
			return nil, err
		}
		return p.wait(ctx)
	}

	if err := conn.send(ctx, p); err != nil {
		return nil, err
	}
	return p.wait(ctx)
}

// destination resolves the node for the command per the deployment
// mode. A readonly result means the connection must be switched to
// READONLY mode (cluster replicas reject reads otherwise).
func (r *Router) destination(ctx context.Context, cmd *Command, slot int) (addr string, readonly bool, err error) {
	switch {
	case r.sent != nil:
		view := r.sent.currentView()
		if view == nil {
			if view, err = r.sent.resolve(ctx); err != nil {
				return "", false, err
			}
		}
		if cmd.ReadOnly && r.opts.ReplicaPolicy != nil {
			return r.opts.ReplicaPolicy(view.Primary, view.Replicas), false, nil
		}
		return view.Primary, false, nil

	case r.topo != nil:
		m := r.topo.slotMap()
		if slot >= 0 {
			if owner := m.Owner(slot); owner != "" {
				if cmd.ReadOnly && r.opts.ReplicaPolicy != nil {
					picked := r.opts.ReplicaPolicy(owner, m.Replicas(slot))
					return picked, picked != owner, nil
				}
				return owner, false, nil
			}
			// unknown slot, get the map rebuilt and try any node
			r.topo.schedule()
		}
		return r.randomNode(), false, nil

	default:
		return r.opts.Nodes[0], false, nil
	}
}

func (r *Router) randomNode() string {
	nodes := r.opts.Nodes
	if r.topo != nil {
		nodes = r.topo.nodes()
	}
	return nodes[rand.Intn(len(nodes))]
}

// subRoute picks the node carrying a subscription: shard channels go
// to their slot owner in cluster mode, everything else to the default
// node (the sentinel primary, or the first configured node).
func (r *Router) subRoute(ctx context.Context, kind SubKind, name string) (string, error) {
	if r.topo != nil && kind == SubShard {
		if owner := r.topo.slotMap().Owner(HashSlotForKey(name)); owner != "" {
			return owner, nil
		}
		r.topo.schedule()
		return r.randomNode(), nil
	}
	if r.sent != nil {
		view := r.sent.currentView()
		if view == nil {
			var err error
			if view, err = r.sent.resolve(ctx); err != nil {
				return "", err
			}
		}
		return view.Primary, nil
	}
	return r.opts.Nodes[0], nil
}

// Subscribe delivers messages published to the channel into sink. The
// sink should be buffered; deliveries to a full sink are dropped. The
// subscription survives reconnects until Unsubscribe is called.
func (r *Router) Subscribe(ctx context.Context, channel string, sink chan<- Message) error {
	return r.subs.subscribe(ctx, SubChannel, channel, sink)
}

// PSubscribe subscribes to a glob pattern.
func (r *Router) PSubscribe(ctx context.Context, pattern string, sink chan<- Message) error {
	return r.subs.subscribe(ctx, SubPattern, pattern, sink)
}

// SSubscribe subscribes to a sharded channel, routed by hash slot in
// cluster mode.
func (r *Router) SSubscribe(ctx context.Context, channel string, sink chan<- Message) error {
	return r.subs.subscribe(ctx, SubShard, channel, sink)
}

// Unsubscribe removes a channel subscription.
func (r *Router) Unsubscribe(ctx context.Context, channel string) error {
	return r.subs.unsubscribe(ctx, SubChannel, channel)
}

// PUnsubscribe removes a pattern subscription.
func (r *Router) PUnsubscribe(ctx context.Context, pattern string) error {
	return r.subs.unsubscribe(ctx, SubPattern, pattern)
}

// SUnsubscribe removes a sharded channel subscription.
func (r *Router) SUnsubscribe(ctx context.Context, channel string) error {
	return r.subs.unsubscribe(ctx, SubShard, channel)
}

// Refresh forces a topology rebuild: the slot map in cluster mode, the
// primary/replica view in sentinel mode. It is safe to call
// concurrently; callers collapse into one in-flight refresh.
func (r *Router) Refresh(ctx context.Context) error {
	if r.closed.Load() {
		return ErrClosed
	}
	switch {
	case r.topo != nil:
		_, err := r.topo.refresh(ctx)
		return err
	case r.sent != nil:
		_, err := r.sent.resolve(ctx)
		return err
	}
	return nil
}

// SlotMap returns the current cluster slot snapshot, nil outside of
// cluster mode or before the first successful refresh.
func (r *Router) SlotMap() *SlotMap {
	if r.topo == nil {
		return nil
	}
	return r.topo.slotMap()
}

// Close releases all resources. In-flight requests resolve with a
// ConnectivityError.
func (r *Router) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	err := r.subs.close()
	err = multierr.Append(err, r.pool.close())
	if r.topo != nil {
		r.topo.stop()
	}
	if r.sent != nil {
		r.sent.stop()
	}
	return err
}

// commandSlot computes the command's hash slot, rejecting multi-key
// commands whose keys span slots. -1 means keyless.
func commandSlot(cmd *Command) (int, error) {
	keys := cmd.Keys
	if len(keys) == 0 {
		k, ok := firstKeyArg(cmd)
		if !ok {
			return -1, nil
		}
		keys = []string{k}
	}

	slot := HashSlotForKey(keys[0])
	for _, k := range keys[1:] {
		if HashSlotForKey(k) != slot {
			return 0, &RoutingError{Reason: "keys hash to different slots"}
		}
	}
	return slot, nil
}

func firstKeyArg(cmd *Command) (string, bool) {
	if len(cmd.Args) == 0 {
		return "", false
	}
	switch a := cmd.Args[0].(type) {
	case string:
		return a, true
	case []byte:
		return string(a), true
	}
	return "", false
}
