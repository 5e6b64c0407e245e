// Command rcheck implements the consistency checker workload described
// in http://redis.io/topics/cluster-tutorial on top of the redisr
// router. It is used to exercise the package against real failover and
// resharding situations: it counts lost and unacknowledged writes
// while INCRing keys across the whole slot space.
package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/mna/mainer"
	"go.uber.org/zap"

	"github.com/nkeyed/redisr"
)

const binName = "rcheck"

var (
	shortUsage = fmt.Sprintf(`
usage: %s [<option>...]
Run '%[1]s --help' for details.
`, binName)

	longUsage = fmt.Sprintf(`usage: %s [<option>...]
       %[1]s -h|--help

Run a read-after-write consistency check against a redis deployment,
reporting lost and unacknowledged writes once per second.

Valid flag options are:
       -h --help                 Show this help and exit immediately.
       -a --addrs ADDRS          Comma-separated list of node addresses.
       -c --cluster              Route in cluster mode.
       --master-name NAME        Sentinel mode: monitored service name.
       --sentinels ADDRS         Comma-separated sentinel addresses.
       --hash KEY                Compute and print the hash slot of KEY
                                 and exit immediately.
       -d --delay DUR            Delay between INCR calls.
       -t --timeout DUR          Per-command timeout (default 1s).
       --retry INT               Maximum attempts per command.
       -v --verbose              Log routing decisions to stderr.
`, binName)
)

const (
	workingSet = 1000
	keySpace   = 10000
)

type cmd struct {
	Help bool `flag:"h,help"`

	Addrs      string        `flag:"a,addrs"`
	Cluster    bool          `flag:"c,cluster"`
	MasterName string        `flag:"master-name"`
	Sentinels  string        `flag:"sentinels"`
	Hash       string        `flag:"hash"`
	Delay      time.Duration `flag:"d,delay"`
	Timeout    time.Duration `flag:"t,timeout"`
	Retry      int           `flag:"retry"`
	Verbose    bool          `flag:"v,verbose"`

	args []string
}

func (c *cmd) SetArgs(args []string) {
	c.args = args
}

func (c *cmd) Validate() error {
	if c.Help || c.Hash != "" {
		return nil
	}

	if c.Addrs == "" && c.MasterName == "" {
		return errors.New("--addrs or --master-name is required")
	}
	if c.MasterName != "" && c.Sentinels == "" {
		return errors.New("--sentinels is required with --master-name")
	}
	if c.Retry < 0 {
		return errors.New("--retry must be >= 0")
	}
	return nil
}

func (c *cmd) Main(args []string, stdio mainer.Stdio) mainer.ExitCode {
	var p mainer.Parser
	if err := p.Parse(args, c); err != nil {
		fmt.Fprintln(stdio.Stderr, err)
		fmt.Fprint(stdio.Stderr, shortUsage)
		return mainer.InvalidArgs
	}

	switch {
	case c.Help:
		fmt.Fprint(stdio.Stdout, longUsage)
		return mainer.Success

	case c.Hash != "":
		fmt.Fprintf(stdio.Stdout, "slot for %q: %d\n", c.Hash, redisr.HashSlotForKey(c.Hash))
		return mainer.Success
	}

	if c.Timeout <= 0 {
		c.Timeout = time.Second
	}

	var log *zap.Logger
	if c.Verbose {
		var err error
		if log, err = zap.NewDevelopment(); err != nil {
			fmt.Fprintln(stdio.Stderr, err)
			return mainer.Failure
		}
	}

	r, err := redisr.New(redisr.Options{
		Nodes:       splitAddrs(c.Addrs),
		Cluster:     c.Cluster,
		MasterName:  c.MasterName,
		Sentinels:   splitAddrs(c.Sentinels),
		MaxAttempts: c.Retry,
		DialOptions: []redis.DialOption{
			redis.DialConnectTimeout(c.Timeout),
			redis.DialReadTimeout(c.Timeout),
			redis.DialWriteTimeout(c.Timeout),
		},
		Logger: log,
	})
	if err != nil {
		fmt.Fprintln(stdio.Stderr, err)
		return mainer.Failure
	}
	defer r.Close()

	chk := &checker{router: r, timeout: c.Timeout, delay: c.Delay, stdio: stdio}
	go chk.printStats()
	chk.run()
	return mainer.Success
}

func splitAddrs(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type checker struct {
	router  *redisr.Router
	timeout time.Duration
	delay   time.Duration
	stdio   mainer.Stdio

	mu                        sync.Mutex
	writes, reads             int
	failedWrites, failedReads int
	lostWrites, noAckWrites   int
}

func (c *checker) run() {
	cache := make(map[string]int, workingSet)
	for {
		var r, w, fr, fw, lw, naw int

		key := genKey()

		// read only if we know what that key should hold
		if exp, ok := cache[key]; ok {
			v, err := redis.Int(c.do("GET", key))
			if err != nil {
				c.report(fmt.Errorf("read from slot %d failed: %v", redisr.HashSlotForKey(key), err))
				fr = 1
			} else {
				r = 1
				if exp > v {
					lw = exp - v
				} else if exp < v {
					naw = v - exp
				}
			}
		}

		v, err := redis.Int(c.do("INCR", key))
		if err != nil {
			c.report(fmt.Errorf("write to slot %d failed: %v", redisr.HashSlotForKey(key), err))
			fw = 1
		} else {
			w = 1
			cache[key] = v
		}

		c.update(w, r, fw, fr, lw, naw)
		time.Sleep(c.delay)
	}
}

func (c *checker) do(name string, key string) (interface{}, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return c.router.Do(ctx, name, key)
}

func (c *checker) report(err error) {
	fmt.Fprintln(c.stdio.Stderr, err)
}

func (c *checker) update(deltas ...int) {
	c.mu.Lock()
	c.writes += deltas[0]
	c.reads += deltas[1]
	c.failedWrites += deltas[2]
	c.failedReads += deltas[3]
	c.lostWrites += deltas[4]
	c.noAckWrites += deltas[5]
	c.mu.Unlock()
}

// each second, print stats
func (c *checker) printStats() {
	for range time.Tick(time.Second) {
		c.mu.Lock()
		w, r := c.writes, c.reads
		fw, fr := c.failedWrites, c.failedReads
		lw, naw := c.lostWrites, c.noAckWrites
		c.mu.Unlock()
		fmt.Fprintf(c.stdio.Stdout, "%d R (%d err) | %d W (%d err) | %d lost | %d noack\n", r, fr, w, fw, lw, naw)
	}
}

func genKey() string {
	ks := workingSet
	if rand.Float64() > 0.5 {
		ks = keySpace
	}
	return "key_" + strconv.Itoa(rand.Intn(ks))
}

func main() {
	var c cmd
	os.Exit(int(c.Main(os.Args, mainer.CurrentStdio())))
}
