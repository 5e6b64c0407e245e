package redisrtest

import (
	"bufio"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// MockServer is a scriptable in-process redis server. The handler is
// called for every command received, on the goroutine serving that
// connection, and its return value is encoded to the client.
type MockServer struct {
	Addr string

	t    *testing.T
	l    net.Listener
	h    func(cmd string, args ...string) interface{}
	done chan struct{}
	wg   sync.WaitGroup

	mu    sync.Mutex
	conns map[*serverConn]struct{}
}

type serverConn struct {
	net.Conn
	mu sync.Mutex // serializes writes so pushes do not interleave with replies
}

func (c *serverConn) write(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return encodeRESP(c.Conn, v)
}

// StartMockServer starts a mock server on a random local port. The
// caller should Close it after use.
func StartMockServer(t *testing.T, handler func(cmd string, args ...string) interface{}) *MockServer {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "net.Listen")

	s := &MockServer{
		Addr:  l.Addr().String(),
		t:     t,
		l:     l,
		h:     handler,
		done:  make(chan struct{}),
		conns: make(map[*serverConn]struct{}),
	}
	go s.serve()
	return s
}

// Port returns the server's listen port.
func (s *MockServer) Port() int {
	_, port, err := net.SplitHostPort(s.Addr)
	require.NoError(s.t, err)
	n, err := strconv.Atoi(port)
	require.NoError(s.t, err)
	return n
}

// Push writes a raw frame to every live client connection, outside of
// any request/response exchange. This is how pub/sub deliveries and
// other server-initiated traffic are simulated.
func (s *MockServer) Push(v interface{}) {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.write(v)
	}
}

// DropAll severs every live client connection while keeping the
// listener open, simulating a transport failure that clients can
// recover from by reconnecting.
func (s *MockServer) DropAll() {
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.conns = make(map[*serverConn]struct{})
	s.mu.Unlock()
}

// Close shuts the server down and waits for its connections to finish.
func (s *MockServer) Close() {
	select {
	case <-s.done:
		return
	default:
	}

	require.NoError(s.t, s.l.Close(), "close listener")
	<-s.done
	s.DropAll()

	exit := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(exit)
	}()
	select {
	case <-exit:
	case <-time.After(5 * time.Second):
		s.t.Error("mock server did not stop cleanly")
	}
}

func (s *MockServer) serve() {
	defer close(s.done)
	for {
		conn, err := s.l.Accept()
		if err != nil {
			return
		}
		sc := &serverConn{Conn: conn}
		s.mu.Lock()
		s.conns[sc] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serveConn(sc)
	}
}

func (s *MockServer) serveConn(c *serverConn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = c.Close()
	}()

	br := bufio.NewReader(c)
	for {
		args, err := decodeCommand(br)
		if err != nil {
			return
		}
		v := s.h(strings.ToUpper(args[0]), args[1:]...)
		if _, skip := v.(NoReply); skip {
			continue
		}
		if err := c.write(v); err != nil {
			return
		}
	}
}

// SlotRangeReply builds one element of a CLUSTER SLOTS reply covering
// the given slot range. The first address is the primary, the rest are
// replicas.
func SlotRangeReply(t *testing.T, start, end int, addrs ...string) Array {
	out := Array{int64(start), int64(end)}
	for _, addr := range addrs {
		host, port, err := net.SplitHostPort(addr)
		require.NoError(t, err, "split %s", addr)
		n, err := strconv.Atoi(port)
		require.NoError(t, err, "port %s", addr)
		out = append(out, Array{host, int64(n)})
	}
	return out
}
