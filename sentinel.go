package redisr

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// SentinelView is a snapshot of what the sentinels report for a
// monitored service: the current primary, its healthy replicas, and
// the sentinel addresses known to monitor it.
type SentinelView struct {
	Primary   string
	Replicas  []string
	Sentinels []string
}

// sentinelResolver discovers the primary/replica set for a monitored
// service name and keeps it current by subscribing to the sentinels'
// +switch-master channel. Sentinel addresses are used for discovery
// only, never for command traffic.
type sentinelResolver struct {
	master      string
	dial        func(ctx context.Context, addr string) (redis.Conn, error)
	dialTimeout time.Duration
	policy      Policy
	log         *zap.Logger

	// onSwitch fires when a failover moves the primary; the router uses
	// it to retire connections to the old primary.
	onSwitch func(prev, next string)

	view atomic.Pointer[SentinelView]

	mu    sync.Mutex
	addrs []string // known sentinels, last working one first
	watch *Conn    // push-mode connection to the working sentinel

	stopOnce sync.Once
	stopCh   chan struct{}
}

func newSentinelResolver(master string, addrs []string, policy Policy, dialTimeout time.Duration,
	dial func(ctx context.Context, addr string) (redis.Conn, error), log *zap.Logger) *sentinelResolver {
	return &sentinelResolver{
		master:      master,
		addrs:       append([]string(nil), addrs...),
		dial:        dial,
		dialTimeout: dialTimeout,
		policy:      policy,
		log:         log,
		stopCh:      make(chan struct{}),
	}
}

// currentView returns the last resolved view, nil before the first
// successful resolve.
func (s *sentinelResolver) currentView() *SentinelView { return s.view.Load() }

// resolve asks the configured sentinels, in order, for the current
// primary and replica set. The first sentinel that answers is promoted
// to the front of the list and becomes the failover watch target.
func (s *sentinelResolver) resolve(ctx context.Context) (*SentinelView, error) {
	s.mu.Lock()
	addrs := append([]string(nil), s.addrs...)
	s.mu.Unlock()

	var lastErr error
	for _, addr := range addrs {
		view, more, err := s.query(ctx, addr)
		if err != nil {
			lastErr = err
			s.log.Debug("sentinel query failed", zap.String("sentinel", addr), zap.Error(err))
			continue
		}

		s.promote(addr, more)
		view.Sentinels = s.knownSentinels()
		prev := s.view.Swap(view)
		s.ensureWatch(addr)

		if prev != nil && prev.Primary != view.Primary {
			s.log.Info("primary changed on resolve",
				zap.String("master", s.master),
				zap.String("old", prev.Primary), zap.String("new", view.Primary))
			if s.onSwitch != nil {
				s.onSwitch(prev.Primary, view.Primary)
			}
		}
		return view, nil
	}

	if lastErr == nil {
		lastErr = errors.New("no sentinel addresses configured")
	}
	return nil, &ConnectivityError{Err: lastErr}
}

// query asks a single sentinel for the master address, its replicas and
// the other sentinels monitoring the service.
func (s *sentinelResolver) query(ctx context.Context, addr string) (*SentinelView, []string, error) {
	dctx, cancel := context.WithTimeout(ctx, s.dialTimeout)
	defer cancel()
	conn, err := s.dial(dctx, addr)
	if err != nil {
		return nil, nil, err
	}
	defer conn.Close()

	parts, err := redis.Strings(redis.DoContext(conn, ctx, "SENTINEL", "get-master-addr-by-name", s.master))
	if err != nil {
		return nil, nil, err
	}
	if len(parts) != 2 {
		return nil, nil, &ProtocolError{Addr: addr, Reason: "malformed get-master-addr-by-name reply"}
	}
	view := &SentinelView{Primary: net.JoinHostPort(parts[0], parts[1])}

	// replica discovery is best-effort: a sentinel that knows the
	// primary but reports no replicas still yields a usable view
	if replies, err := redis.Values(redis.DoContext(conn, ctx, "SENTINEL", "replicas", s.master)); err == nil {
		view.Replicas = filterReplicas(replies)
	}

	var more []string
	if replies, err := redis.Values(redis.DoContext(conn, ctx, "SENTINEL", "sentinels", s.master)); err == nil {
		for _, reply := range replies {
			m, err := redis.StringMap(reply, nil)
			if err != nil {
				continue
			}
			if m["ip"] != "" && m["port"] != "" {
				more = append(more, net.JoinHostPort(m["ip"], m["port"]))
			}
		}
	}
	return view, more, nil
}

// filterReplicas keeps the replicas the sentinel considers reachable,
// dropping any flagged s_down, o_down or disconnected.
func filterReplicas(replies []interface{}) []string {
	var out []string
	for _, reply := range replies {
		m, err := redis.StringMap(reply, nil)
		if err != nil {
			continue
		}
		if m["ip"] == "" || m["port"] == "" {
			continue
		}
		down := false
		for _, f := range strings.Split(m["flags"], ",") {
			switch f {
			case "s_down", "o_down", "disconnected":
				down = true
			}
		}
		if !down {
			out = append(out, net.JoinHostPort(m["ip"], m["port"]))
		}
	}
	return out
}

// promote moves the working sentinel to the front and merges any newly
// discovered sentinel addresses.
func (s *sentinelResolver) promote(working string, discovered []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := []string{working}
	seen := map[string]bool{working: true}
	for _, lists := range [][]string{s.addrs, discovered} {
		for _, a := range lists {
			if !seen[a] {
				seen[a] = true
				merged = append(merged, a)
			}
		}
	}
	s.addrs = merged
}

func (s *sentinelResolver) knownSentinels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.addrs...)
}

// ensureWatch keeps a push-mode connection subscribed to the working
// sentinel's +switch-master channel so failovers are applied without
// waiting for a command to fail.
func (s *sentinelResolver) ensureWatch(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.stopCh:
		return
	default:
	}
	if s.watch != nil && s.watch.Addr() == addr && s.watch.State() != StateClosed {
		return
	}
	if s.watch != nil {
		_ = s.watch.Close()
	}
	s.watch = newConn(connConfig{
		addr:        addr,
		dial:        s.dial,
		dialTimeout: s.dialTimeout,
		policy:      s.policy,
		onConnected: func(rc redis.Conn) error {
			if err := rc.Send("SUBSCRIBE", "+switch-master"); err != nil {
				return err
			}
			return rc.Flush()
		},
		onPush: s.handlePush,
		log:    s.log.Named("sentinel-watch"),
	})
}

// handlePush processes pub/sub frames from the watched sentinel. A
// +switch-master payload is "<master> <oldip> <oldport> <newip> <newport>".
func (s *sentinelResolver) handlePush(reply interface{}) {
	fields, err := redis.Strings(reply, nil)
	if err != nil || len(fields) < 3 || fields[0] != "message" || fields[1] != "+switch-master" {
		return
	}
	parts := strings.Fields(fields[2])
	if len(parts) != 5 || parts[0] != s.master {
		return
	}

	old := net.JoinHostPort(parts[1], parts[2])
	next := net.JoinHostPort(parts[3], parts[4])
	s.log.Info("sentinel announced failover",
		zap.String("master", s.master), zap.String("old", old), zap.String("new", next))

	for {
		cur := s.view.Load()
		updated := &SentinelView{Primary: next, Sentinels: s.knownSentinels()}
		if cur != nil {
			// keep known replicas minus the promoted one; the follow-up
			// resolve will rebuild the exact set
			for _, r := range cur.Replicas {
				if r != next {
					updated.Replicas = append(updated.Replicas, r)
				}
			}
		}
		if s.view.CompareAndSwap(cur, updated) {
			break
		}
	}

	if s.onSwitch != nil {
		s.onSwitch(old, next)
	}

	// refresh the replica set in the background
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*s.dialTimeout)
		defer cancel()
		_, _ = s.resolve(ctx)
	}()
}

func (s *sentinelResolver) stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.mu.Lock()
	w := s.watch
	s.watch = nil
	s.mu.Unlock()
	if w != nil {
		_ = w.Close()
	}
}
