// Package redisr implements the connection and command-routing core of
// a redis client on top of the redigo wire protocol package. It routes
// commands against a single server, a sentinel-monitored deployment or
// a sharded cluster, handling redirections, failovers and reconnects
// behind a single API. See http://redis.io/topics/cluster-spec for the
// cluster protocol details.
//
// Router
//
// The Router type is the entry point. It is created once with New,
// shared across goroutines, and closed when no longer used:
//
//     r, err := redisr.New(redisr.Options{
//       Nodes:   []string{"127.0.0.1:7000"},
//       Cluster: true,
//     })
//     if err != nil {
//       // handle error
//     }
//     defer r.Close()
//
//     v, err := redis.String(r.Do(ctx, "GET", "my-key"))
//
// In cluster mode the Router hashes the command's key to one of the
// 16384 slots and sends the command to the node that owns it. The
// slot-to-node mapping is discovered lazily via CLUSTER SLOTS and kept
// up to date from MOVED replies, so an explicit Refresh call is never
// required, although calling it once at startup lets the very first
// commands benefit from smart routing.
//
// In sentinel mode (MasterName and Sentinels set), the Router asks the
// sentinels for the current primary and follows +switch-master events,
// so commands re-route to the new primary after a failover without any
// caller involvement.
//
// Connections
//
// Connections are managed internally. Each node gets a small fixed set
// of pipelined connections; concurrent commands to the same node share
// a transport, with replies correlated to callers in FIFO order.
// Commands marked Blocking get a connection with nothing else in
// flight, so a BLPOP cannot stall unrelated traffic. Lost connections
// reconnect with exponential backoff, and requests that were in flight
// when the transport dropped fail with a connectivity error rather
// than waiting forever.
//
// Redirections and retries
//
// MOVED replies patch the affected slot immediately and retry against
// the new owner; a full topology refresh proceeds in the background.
// ASK replies retry once against the temporary destination, preceded
// by the ASKING directive on the same connection. Transient failures
// (CLUSTERDOWN, LOADING, TRYAGAIN and connection loss) retry with
// backoff up to Options.MaxAttempts. Ordinary command errors from the
// server are returned verbatim.
//
// Pub/sub
//
// Subscribe, PSubscribe and SSubscribe deliver messages into caller
// supplied channels. Subscriptions are tracked by the Router and
// replayed automatically when their carrying connection reconnects,
// before any other traffic is accepted on it.
package redisr
