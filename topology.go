package redisr

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gomodule/redigo/redis"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// topology keeps the router's SlotMap snapshot current. A full refresh
// queries CLUSTER SLOTS on each known node until one answers and swaps
// the snapshot atomically; concurrent refresh callers collapse into a
// single in-flight query. MOVED redirections patch the one affected
// slot without waiting for a full refresh.
type topology struct {
	startup     []string
	dial        func(ctx context.Context, addr string) (redis.Conn, error)
	dialTimeout time.Duration
	interval    time.Duration
	log         *zap.Logger

	current atomic.Pointer[SlotMap]
	group   singleflight.Group
	kick    chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func newTopology(startup []string, interval time.Duration, dialTimeout time.Duration,
	dial func(ctx context.Context, addr string) (redis.Conn, error), log *zap.Logger) *topology {
	t := &topology{
		startup:     startup,
		dial:        dial,
		dialTimeout: dialTimeout,
		interval:    interval,
		log:         log,
		kick:        make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}
	t.wg.Add(1)
	go t.run()
	return t
}

// slotMap returns the current snapshot, which may be nil before the
// first successful refresh.
func (t *topology) slotMap() *SlotMap { return t.current.Load() }

// nodes returns the candidate addresses for topology queries: every
// node in the current snapshot, falling back to the startup nodes.
func (t *topology) nodes() []string {
	if m := t.current.Load(); m != nil {
		if addrs := m.Nodes(); len(addrs) > 0 {
			return addrs
		}
	}
	return t.startup
}

// refresh rebuilds the SlotMap from any reachable node. Concurrent
// callers share one in-flight refresh. On total failure the previous
// snapshot stays in effect.
func (t *topology) refresh(ctx context.Context) (*SlotMap, error) {
	v, err, _ := t.group.Do("refresh", func() (interface{}, error) {
		return t.doRefresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*SlotMap), nil
}

func (t *topology) doRefresh(ctx context.Context) (*SlotMap, error) {
	var lastErr error
	for _, addr := range t.nodes() {
		ranges, err := t.querySlots(ctx, addr)
		if err != nil {
			lastErr = err
			t.log.Debug("topology query failed", zap.String("addr", addr), zap.Error(err))
			continue
		}
		m := newSlotMap(ranges)
		t.current.Store(m)
		t.log.Debug("slot map refreshed", zap.Int("nodes", len(m.Nodes())))
		return m, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no nodes to query")
	}
	return nil, &ConnectivityError{Err: lastErr}
}

// querySlots runs CLUSTER SLOTS against one node and parses the reply.
func (t *topology) querySlots(ctx context.Context, addr string) ([]slotRange, error) {
	dctx, cancel := context.WithTimeout(ctx, t.dialTimeout)
	defer cancel()
	conn, err := t.dial(dctx, addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	vals, err := redis.Values(redis.DoContext(conn, ctx, "CLUSTER", "SLOTS"))
	if err != nil {
		return nil, err
	}

	ranges := make([]slotRange, 0, len(vals))
	for _, v := range vals {
		// entry layout: start, end, primary node, then replica nodes
		entry, err := redis.Values(v, nil)
		if err != nil {
			return nil, err
		}
		var r slotRange
		if _, err = redis.Scan(entry, &r.start, &r.end); err != nil {
			return nil, err
		}
		for _, nv := range entry[2:] {
			node, err := redis.Values(nv, nil)
			if err != nil {
				return nil, err
			}
			var host string
			var port int
			if _, err = redis.Scan(node, &host, &port); err != nil {
				return nil, err
			}
			addr := host + ":" + strconv.Itoa(port)
			if r.primary == "" {
				r.primary = addr
			} else {
				r.replicas = append(r.replicas, addr)
			}
		}
		ranges = append(ranges, r)
	}
	return ranges, nil
}

// patch installs addr as the owner of the single slot, leaving every
// other slot untouched, and schedules a background full refresh since
// a MOVED usually means a resharding is under way.
func (t *topology) patch(slot int, addr string) {
	for {
		cur := t.current.Load()
		if cur.Owner(slot) == addr {
			break
		}
		if t.current.CompareAndSwap(cur, cur.withOwner(slot, addr)) {
			break
		}
	}
	t.schedule()
}

// schedule requests an asynchronous refresh; requests collapse while
// one is pending.
func (t *topology) schedule() {
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

func (t *topology) run() {
	defer t.wg.Done()

	var tick <-chan time.Time
	if t.interval > 0 {
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	for {
		select {
		case <-t.stopCh:
			return
		case <-t.kick:
		case <-tick:
		}

		// a failed refresh keeps the stale snapshot; routing continues
		// and the next MOVED or cluster-down kicks us again
		if _, err := t.refresh(context.Background()); err != nil {
			d := bo.NextBackOff()
			t.log.Debug("background refresh failed", zap.Error(err), zap.Duration("retry_in", d))
			select {
			case <-time.After(d):
				t.schedule()
			case <-t.stopCh:
				return
			}
			continue
		}
		bo.Reset()
	}
}

func (t *topology) stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	t.wg.Wait()
}
