package client

import (
	"bufio"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"code.dopame.me/veonik/klaver/cancel"
)

// poolKey identifies the connections that may be shared between requests.
type poolKey struct {
	scheme string
	host   string
	port   string
}

func (k poolKey) addr() string {
	return net.JoinHostPort(k.host, k.port)
}

func (k poolKey) String() string {
	return k.scheme + "://" + k.addr()
}

type dialFunc func(ctx context.Context, key poolKey) (net.Conn, error)

// Stats is a snapshot of the connection pool.
type Stats struct {
	// Open counts every connection the pool has dialed and not yet closed,
	// whether in use or idle.
	Open int
	// Idle counts connections waiting to be reused.
	Idle int
}

type idleConn struct {
	conn  net.Conn
	br    *bufio.Reader
	bw    *bufio.Writer
	since time.Time
}

type hostPool struct {
	// sem limits connections in use; nil means unlimited.
	sem  *semaphore.Weighted
	idle []*idleConn
}

type pool struct {
	dial        dialFunc
	maxConns    int
	maxIdle     int
	idleTimeout time.Duration

	hosts map[poolKey]*hostPool
	open  atomic.Int64
	mu    sync.Mutex
}

func newPool(dial dialFunc, maxConns, maxIdle int, idleTimeout time.Duration) *pool {
	return &pool{
		dial:        dial,
		maxConns:    maxConns,
		maxIdle:     maxIdle,
		idleTimeout: idleTimeout,
		hosts:       make(map[poolKey]*hostPool),
	}
}

func (p *pool) host(key poolKey) *hostPool {
	p.mu.Lock()
	defer p.mu.Unlock()
	hp, ok := p.hosts[key]
	if !ok {
		hp = &hostPool{}
		if p.maxConns > 0 {
			hp.sem = semaphore.NewWeighted(int64(p.maxConns))
		}
		p.hosts[key] = hp
	}
	return hp
}

// popIdle takes the most recently used idle connection, closing any that
// have been idle for too long.
func (p *pool) popIdle(hp *hostPool) *idleConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(hp.idle) > 0 {
		ic := hp.idle[len(hp.idle)-1]
		hp.idle[len(hp.idle)-1] = nil
		hp.idle = hp.idle[:len(hp.idle)-1]
		if p.idleTimeout > 0 && time.Since(ic.since) > p.idleTimeout {
			p.closeConn(ic.conn)
			continue
		}
		return ic
	}
	return nil
}

// closeConn stops counting c before closing it. Closing wakes any reader
// blocked on c, and that reader must not see c counted as open.
func (p *pool) closeConn(c net.Conn) {
	p.open.Add(-1)
	if err := c.Close(); err != nil {
		logrus.Debugln("client: error closing connection:", err)
	}
}

// alive reports whether an idle connection can still be written to. A
// server that closed the connection while it sat idle shows up as a
// readable EOF.
func alive(ic *idleConn) bool {
	if ic.br.Buffered() > 0 {
		// unsolicited bytes; the stream is out of sync
		return false
	}
	if err := ic.conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return false
	}
	_, err := ic.br.Peek(1)
	if rerr := ic.conn.SetReadDeadline(time.Time{}); rerr != nil {
		return false
	}
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// get checks out a connection for key, reusing an idle one if possible.
func (p *pool) get(ctx context.Context, key poolKey) (*poolConn, error) {
	hp := p.host(key)
	if hp.sem != nil {
		if err := hp.sem.Acquire(ctx, 1); err != nil {
			return nil, cancel.FromContext(ctx)
		}
	}
	for {
		ic := p.popIdle(hp)
		if ic == nil {
			break
		}
		if !alive(ic) {
			p.closeConn(ic.conn)
			continue
		}
		logrus.Debugln("client: reusing connection to", key)
		return &poolConn{Conn: ic.conn, br: ic.br, bw: ic.bw, key: key, p: p, hp: hp, reused: true, closed: make(chan struct{})}, nil
	}
	c, err := p.dial(ctx, key)
	if err != nil {
		if hp.sem != nil {
			hp.sem.Release(1)
		}
		return nil, err
	}
	p.open.Add(1)
	logrus.Debugln("client: opened connection to", key)
	return &poolConn{
		Conn:   c,
		br:     bufio.NewReader(c),
		bw:     bufio.NewWriter(c),
		key:    key,
		p:      p,
		hp:     hp,
		closed: make(chan struct{}),
	}, nil
}

// Stats returns the current pool counts.
func (p *pool) Stats() Stats {
	p.mu.Lock()
	idle := 0
	for _, hp := range p.hosts {
		idle += len(hp.idle)
	}
	p.mu.Unlock()
	return Stats{Open: int(p.open.Load()), Idle: idle}
}

// closeIdle closes every idle connection.
func (p *pool) closeIdle() error {
	p.mu.Lock()
	var conns []net.Conn
	for _, hp := range p.hosts {
		for _, ic := range hp.idle {
			conns = append(conns, ic.conn)
		}
		hp.idle = nil
	}
	p.mu.Unlock()
	var g errgroup.Group
	for _, c := range conns {
		g.Go(func() error {
			p.open.Add(-1)
			return c.Close()
		})
	}
	return g.Wait()
}

// A poolConn is a connection checked out of the pool. Exactly one of
// release or discard takes effect, and closed is closed once it has.
type poolConn struct {
	net.Conn
	br *bufio.Reader
	bw *bufio.Writer

	key    poolKey
	p      *pool
	hp     *hostPool
	reused bool
	done   atomic.Bool
	closed chan struct{}
}

// release returns the connection to the idle list, or closes it if the list
// is full.
func (c *poolConn) release() {
	if !c.done.CompareAndSwap(false, true) {
		return
	}
	p := c.p
	kept := false
	p.mu.Lock()
	if len(c.hp.idle) < p.maxIdle {
		c.hp.idle = append(c.hp.idle, &idleConn{conn: c.Conn, br: c.br, bw: c.bw, since: time.Now()})
		kept = true
	}
	p.mu.Unlock()
	if c.hp.sem != nil {
		c.hp.sem.Release(1)
	}
	if !kept {
		p.closeConn(c.Conn)
	}
	close(c.closed)
}

// discard closes the connection.
func (c *poolConn) discard() {
	if !c.done.CompareAndSwap(false, true) {
		return
	}
	if c.hp.sem != nil {
		c.hp.sem.Release(1)
	}
	c.p.closeConn(c.Conn)
	close(c.closed)
}

// wait blocks until the connection has been released or discarded.
func (c *poolConn) wait() {
	<-c.closed
}
