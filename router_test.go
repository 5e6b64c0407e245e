package redisr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/nkeyed/redisr/redisrtest"
)

func TestRouterValidation(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)

	_, err = New(Options{MasterName: "mymaster"})
	require.Error(t, err)

	r, err := New(Options{Nodes: []string{"127.0.0.1:6379"}})
	require.NoError(t, err)
	require.NoError(t, r.Close())
}

func TestRouterStandalone(t *testing.T) {
	store := map[string]string{}
	var mu sync.Mutex
	srv := redisrtest.StartMockServer(t, func(cmd string, args ...string) interface{} {
		mu.Lock()
		defer mu.Unlock()
		switch cmd {
		case "SET":
			store[args[0]] = args[1]
			return redisrtest.OK{}
		case "GET":
			if v, ok := store[args[0]]; ok {
				return v
			}
			return nil
		case "INCR":
			return redisrtest.Error("ERR value is not an integer or out of range")
		}
		return redisrtest.Pong{}
	})
	defer srv.Close()

	r, err := New(Options{Nodes: []string{srv.Addr}, Retry: testPolicy})
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	v, err := r.Do(ctx, "SET", "k", "v")
	require.NoError(t, err)
	assert.Equal(t, "OK", v)

	v, err = r.Do(ctx, "GET", "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(v.([]byte)))

	// ordinary command errors surface verbatim, with no retrying
	_, err = r.Do(ctx, "INCR", "k")
	require.Error(t, err)
	assert.True(t, IsServerError(err))
	assert.Contains(t, err.Error(), "not an integer")
}

func TestRouterMovedPatchesSlot(t *testing.T) {
	const key = "k"
	slot := HashSlotForKey(key)

	var aGets atomic.Int32
	var b *redisrtest.MockServer
	b = redisrtest.StartMockServer(t, func(cmd string, args ...string) interface{} {
		switch cmd {
		case "GET":
			return "v-b"
		case "CLUSTER":
			return redisrtest.Array{redisrtest.SlotRangeReply(t, 0, 16383, b.Addr)}
		}
		return redisrtest.Pong{}
	})
	defer b.Close()

	a := redisrtest.StartMockServer(t, func(cmd string, args ...string) interface{} {
		switch cmd {
		case "GET":
			aGets.Inc()
			return redisrtest.Error(fmt.Sprintf("MOVED %d %s", slot, b.Addr))
		case "CLUSTER":
			return redisrtest.Error("LOADING still loading")
		}
		return redisrtest.Pong{}
	})
	defer a.Close()

	r, err := New(Options{Nodes: []string{a.Addr}, Cluster: true, Retry: testPolicy})
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	v, err := r.Do(ctx, "GET", key)
	require.NoError(t, err)
	assert.Equal(t, "v-b", string(v.([]byte)))
	assert.Equal(t, int32(1), aGets.Load())

	// the single slot was re-pointed without waiting for a full refresh
	assert.Equal(t, b.Addr, r.SlotMap().Owner(slot))

	// the next command goes straight to the new owner
	_, err = r.Do(ctx, "GET", key)
	require.NoError(t, err)
	assert.Equal(t, int32(1), aGets.Load())
}

func TestRouterAskRetriesOnce(t *testing.T) {
	const key = "k"
	slot := HashSlotForKey(key)

	var mu sync.Mutex
	var bSeen []string
	b := redisrtest.StartMockServer(t, func(cmd string, args ...string) interface{} {
		switch cmd {
		case "ASKING":
			mu.Lock()
			bSeen = append(bSeen, cmd)
			mu.Unlock()
			return redisrtest.OK{}
		case "GET":
			mu.Lock()
			bSeen = append(bSeen, cmd)
			mu.Unlock()
			return "v-ask"
		}
		return redisrtest.Pong{}
	})
	defer b.Close()

	a := redisrtest.StartMockServer(t, func(cmd string, args ...string) interface{} {
		switch cmd {
		case "GET":
			return redisrtest.Error(fmt.Sprintf("ASK %d %s", slot, b.Addr))
		case "CLUSTER":
			return redisrtest.Error("ERR no slots")
		}
		return redisrtest.Pong{}
	})
	defer a.Close()

	r, err := New(Options{Nodes: []string{a.Addr}, Cluster: true, Retry: testPolicy})
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	v, err := r.Do(ctx, "GET", key)
	require.NoError(t, err)
	assert.Equal(t, "v-ask", string(v.([]byte)))

	// ASKING preceded the retried command on the target node
	mu.Lock()
	assert.Equal(t, []string{"ASKING", "GET"}, bSeen)
	mu.Unlock()

	// an ASK is one-shot; it must not patch the slot map
	assert.Equal(t, "", r.SlotMap().Owner(slot))
}

func TestRouterRepeatedAskIsProtocolError(t *testing.T) {
	const key = "k"
	slot := HashSlotForKey(key)

	var a, b *redisrtest.MockServer
	b = redisrtest.StartMockServer(t, func(cmd string, args ...string) interface{} {
		switch cmd {
		case "ASKING":
			return redisrtest.OK{}
		case "GET":
			return redisrtest.Error(fmt.Sprintf("ASK %d %s", slot, a.Addr))
		}
		return redisrtest.Pong{}
	})
	defer b.Close()

	a = redisrtest.StartMockServer(t, func(cmd string, args ...string) interface{} {
		switch cmd {
		case "GET":
			return redisrtest.Error(fmt.Sprintf("ASK %d %s", slot, b.Addr))
		case "CLUSTER":
			return redisrtest.Error("ERR no slots")
		}
		return redisrtest.Pong{}
	})
	defer a.Close()

	r, err := New(Options{Nodes: []string{a.Addr}, Cluster: true, Retry: testPolicy})
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = r.Do(ctx, "GET", key)
	require.Error(t, err)
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
}

func TestRouterRetriesClusterDown(t *testing.T) {
	var gets atomic.Int32
	srv := redisrtest.StartMockServer(t, func(cmd string, args ...string) interface{} {
		switch cmd {
		case "GET":
			if gets.Inc() == 1 {
				return redisrtest.Error("CLUSTERDOWN The cluster is down")
			}
			return "v"
		case "CLUSTER":
			return redisrtest.Error("CLUSTERDOWN The cluster is down")
		}
		return redisrtest.Pong{}
	})
	defer srv.Close()

	r, err := New(Options{Nodes: []string{srv.Addr}, Cluster: true, MaxAttempts: 3, Retry: testPolicy})
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	v, err := r.Do(ctx, "GET", "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(v.([]byte)))
	assert.Equal(t, int32(2), gets.Load())
}

func TestRouterRetriesTryAgain(t *testing.T) {
	var gets atomic.Int32
	srv := redisrtest.StartMockServer(t, func(cmd string, args ...string) interface{} {
		switch cmd {
		case "MGET":
			if gets.Inc() == 1 {
				return redisrtest.Error("TRYAGAIN Multiple keys request during rehashing of slot")
			}
			return redisrtest.Array{"1", "2"}
		case "CLUSTER":
			return redisrtest.Error("ERR no slots")
		}
		return redisrtest.Pong{}
	})
	defer srv.Close()

	r, err := New(Options{Nodes: []string{srv.Addr}, Cluster: true, MaxAttempts: 3, Retry: testPolicy})
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	v, err := r.Execute(ctx, Command{Name: "MGET",
		Args: []interface{}{"{t}a", "{t}b"}, Keys: []string{"{t}a", "{t}b"}})
	require.NoError(t, err)
	require.Len(t, v.([]interface{}), 2)
	assert.Equal(t, int32(2), gets.Load())
}

func TestRouterRetryCeiling(t *testing.T) {
	srv := redisrtest.StartMockServer(t, func(cmd string, args ...string) interface{} {
		if cmd == "CLUSTER" {
			return redisrtest.Error("CLUSTERDOWN down")
		}
		return redisrtest.Error("CLUSTERDOWN The cluster is down")
	})
	defer srv.Close()

	r, err := New(Options{Nodes: []string{srv.Addr}, Cluster: true, MaxAttempts: 2, Retry: testPolicy})
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = r.Do(ctx, "GET", "k")
	require.Error(t, err)
	assert.True(t, IsClusterDown(err))
}

func TestRouterCrossSlotRejected(t *testing.T) {
	r, err := New(Options{Nodes: []string{"127.0.0.1:6379"}, Cluster: true, Retry: testPolicy})
	require.NoError(t, err)
	defer r.Close()

	ctx := context.Background()
	_, err = r.Execute(ctx, Command{Name: "MGET",
		Args: []interface{}{"a", "b"}, Keys: []string{"a", "b"}})
	require.Error(t, err)
	var re *RoutingError
	require.ErrorAs(t, err, &re)
}

func TestRouterConnectivityTerminal(t *testing.T) {
	srv := redisrtest.StartMockServer(t, func(cmd string, args ...string) interface{} {
		return redisrtest.Pong{}
	})
	addr := srv.Addr
	srv.Close()

	r, err := New(Options{
		Nodes:           []string{addr},
		MaxAttempts:     2,
		MaxDialAttempts: 1,
		DialTimeout:     200 * time.Millisecond,
		Retry:           testPolicy,
	})
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err = r.Do(ctx, "GET", "k")
	require.Error(t, err)
	var ce *ConnectivityError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 2, ce.Attempts)
}

func TestRouterKeylessCommand(t *testing.T) {
	srv := redisrtest.StartMockServer(t, func(cmd string, args ...string) interface{} {
		if cmd == "CLUSTER" {
			return redisrtest.Error("ERR no slots")
		}
		return redisrtest.Pong{}
	})
	defer srv.Close()

	r, err := New(Options{Nodes: []string{srv.Addr}, Cluster: true, Retry: testPolicy})
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	v, err := r.Do(ctx, "PING")
	require.NoError(t, err)
	assert.Equal(t, "PONG", v)
}

func TestRouterReplicaReads(t *testing.T) {
	const key = "k"

	var mu sync.Mutex
	var replicaSeen []string
	var a, c *redisrtest.MockServer
	c = redisrtest.StartMockServer(t, func(cmd string, args ...string) interface{} {
		mu.Lock()
		replicaSeen = append(replicaSeen, cmd)
		mu.Unlock()
		switch cmd {
		case "READONLY":
			return redisrtest.OK{}
		case "GET":
			return "v-replica"
		}
		return redisrtest.Pong{}
	})
	defer c.Close()

	a = redisrtest.StartMockServer(t, func(cmd string, args ...string) interface{} {
		switch cmd {
		case "CLUSTER":
			return redisrtest.Array{redisrtest.SlotRangeReply(t, 0, 16383, a.Addr, c.Addr)}
		case "GET":
			return "v-primary"
		}
		return redisrtest.Pong{}
	})
	defer a.Close()

	r, err := New(Options{
		Nodes:         []string{a.Addr},
		Cluster:       true,
		Retry:         testPolicy,
		ReplicaPolicy: RouteRandomReplica,
	})
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Refresh(ctx))

	v, err := r.Execute(ctx, Command{Name: "GET", Args: []interface{}{key}, ReadOnly: true})
	require.NoError(t, err)
	assert.Equal(t, "v-replica", string(v.([]byte)))

	// the replica connection was switched to READONLY before serving
	mu.Lock()
	require.NotEmpty(t, replicaSeen)
	assert.Equal(t, "READONLY", replicaSeen[0])
	mu.Unlock()

	// writes still go to the primary
	v, err = r.Execute(ctx, Command{Name: "GET", Args: []interface{}{key}})
	require.NoError(t, err)
	assert.Equal(t, "v-primary", string(v.([]byte)))
}

func TestRouterSentinelFailover(t *testing.T) {
	old := redisrtest.StartMockServer(t, func(cmd string, args ...string) interface{} {
		if cmd == "GET" {
			return "old"
		}
		return redisrtest.Pong{}
	})
	defer old.Close()
	next := redisrtest.StartMockServer(t, func(cmd string, args ...string) interface{} {
		if cmd == "GET" {
			return "new"
		}
		return redisrtest.Pong{}
	})
	defer next.Close()

	h := &sentinelHandler{primary: old.Addr}
	sent := redisrtest.StartMockServer(t, h.handle)
	defer sent.Close()

	r, err := New(Options{
		MasterName: "mymaster",
		Sentinels:  []string{sent.Addr},
		Retry:      testPolicy,
	})
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	v, err := r.Do(ctx, "GET", "k")
	require.NoError(t, err)
	assert.Equal(t, "old", string(v.([]byte)))

	// fail over: the sentinel reports the new primary and announces it
	h.setPrimary(next.Addr)
	oh, op, err := net.SplitHostPort(old.Addr)
	require.NoError(t, err)
	nh, np, err := net.SplitHostPort(next.Addr)
	require.NoError(t, err)
	payload := fmt.Sprintf("mymaster %s %s %s %s", oh, op, nh, np)

	require.Eventually(t, func() bool {
		sent.Push(redisrtest.Array{"message", "+switch-master", payload})
		v, err := r.Do(ctx, "GET", "k")
		return err == nil && string(v.([]byte)) == "new"
	}, 5*time.Second, 50*time.Millisecond)
}

func TestRouterDoAt(t *testing.T) {
	slot := HashSlotForKey("k")
	a := redisrtest.StartMockServer(t, func(cmd string, args ...string) interface{} {
		switch cmd {
		case "GET":
			return redisrtest.Error(fmt.Sprintf("MOVED %d 10.255.0.1:7000", slot))
		case "CLUSTER":
			return redisrtest.Error("ERR no slots")
		}
		return redisrtest.Pong{}
	})
	defer a.Close()
	b := redisrtest.StartMockServer(t, func(cmd string, args ...string) interface{} {
		if cmd == "GET" {
			return "v-b"
		}
		return redisrtest.Pong{}
	})
	defer b.Close()

	r, err := New(Options{Nodes: []string{a.Addr}, Cluster: true, Retry: testPolicy})
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// targeted commands hit exactly the named node
	v, err := r.DoAt(ctx, b.Addr, "GET", "k")
	require.NoError(t, err)
	assert.Equal(t, "v-b", string(v.([]byte)))

	// and never chase redirections
	_, err = r.DoAt(ctx, a.Addr, "GET", "k")
	require.Error(t, err)
	require.NotNil(t, ParseRedir(err))
}

func TestRouterClosed(t *testing.T) {
	r, err := New(Options{Nodes: []string{"127.0.0.1:6379"}})
	require.NoError(t, err)
	require.NoError(t, r.Close())

	ctx := context.Background()
	_, err = r.Do(ctx, "GET", "k")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = r.DoAt(ctx, "127.0.0.1:6379", "GET", "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, r.Refresh(ctx), ErrClosed)
	assert.ErrorIs(t, r.Close(), ErrClosed)
}

func TestCommandSlot(t *testing.T) {
	cases := []struct {
		cmd  Command
		slot int
		err  bool
	}{
		{Command{Name: "GET", Args: []interface{}{"a"}}, HashSlotForKey("a"), false},
		{Command{Name: "GET", Args: []interface{}{[]byte("a")}}, HashSlotForKey("a"), false},
		{Command{Name: "PING"}, -1, false},
		{Command{Name: "WAIT", Args: []interface{}{1, 500}}, -1, false},
		{Command{Name: "MGET", Keys: []string{"{t}a", "{t}b"}}, HashSlotForKey("{t}a"), false},
		{Command{Name: "MGET", Keys: []string{"a", "b"}}, 0, true},
	}
	for i, c := range cases {
		slot, err := commandSlot(&c.cmd)
		if c.err {
			require.Error(t, err, "case %d", i)
			var re *RoutingError
			assert.True(t, errors.As(err, &re), "case %d", i)
			continue
		}
		require.NoError(t, err, "case %d", i)
		assert.Equal(t, c.slot, slot, "case %d", i)
	}
}

func TestReplicaPolicies(t *testing.T) {
	assert.Equal(t, "p:1", RoutePrimary("p:1", []string{"r:1", "r:2"}))
	assert.Equal(t, "p:1", RouteRandomReplica("p:1", nil))
	got := RouteRandomReplica("p:1", []string{"r:1", "r:2"})
	assert.Contains(t, []string{"r:1", "r:2"}, got)
}
