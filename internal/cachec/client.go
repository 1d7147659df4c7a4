package cachec

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/ignite/leadgen-engine/internal/cached"
)

// The cache is advisory: when the daemon is down or slow the rest of the
// system must keep making progress. Every call here therefore has a bounded
// timeout and a short-circuit window after failures.

const (
	// DefaultPoolSize is the number of reusable connections.
	DefaultPoolSize = 10
	// DefaultRPCTimeout bounds one request/response exchange.
	DefaultRPCTimeout = time.Second

	// backoff windows after a timeout vs. a connect/IO error
	downAfterTimeout = 50 * time.Millisecond
	downAfterIOError = 500 * time.Millisecond
)

// ErrUnavailable is returned while the client is in its back-off window.
var ErrUnavailable = errors.New("cachec: daemon unavailable")

// Client is a pooled cache-daemon client. The back-off state lives on the
// client (one per process), not in package globals.
type Client struct {
	socketPath string
	rpcTimeout time.Duration

	pool chan net.Conn // idle connections; nil slots are dialed on demand

	mu        sync.Mutex
	downUntil time.Time
}

// Options configures a Client; zero values take defaults.
type Options struct {
	PoolSize   int
	RPCTimeout time.Duration
}

// New creates a client for the daemon at socketPath.
func New(socketPath string, opts Options) *Client {
	size := opts.PoolSize
	if size <= 0 {
		size = DefaultPoolSize
	}
	timeout := opts.RPCTimeout
	if timeout <= 0 {
		timeout = DefaultRPCTimeout
	}
	c := &Client{
		socketPath: socketPath,
		rpcTimeout: timeout,
		pool:       make(chan net.Conn, size),
	}
	for i := 0; i < size; i++ {
		c.pool <- nil
	}
	return c
}

// Close drops all pooled connections.
func (c *Client) Close() {
	for {
		select {
		case conn := <-c.pool:
			if conn != nil {
				conn.Close()
			}
		default:
			return
		}
	}
}

func (c *Client) down() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().Before(c.downUntil)
}

func (c *Client) markDown(d time.Duration) {
	c.mu.Lock()
	c.downUntil = time.Now().Add(d)
	c.mu.Unlock()
}

// call performs one framed request/response exchange.
func (c *Client) call(ctx context.Context, req *cached.Request) (*cached.Response, error) {
	if c.down() {
		return nil, ErrUnavailable
	}

	var conn net.Conn
	select {
	case conn = <-c.pool:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if conn == nil {
		var err error
		conn, err = net.DialTimeout("unix", c.socketPath, c.rpcTimeout)
		if err != nil {
			c.pool <- nil
			c.markDown(downAfterIOError)
			return nil, ErrUnavailable
		}
	}

	deadline := time.Now().Add(c.rpcTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	var resp cached.Response
	err := cached.WriteFrame(conn, req)
	if err == nil {
		err = cached.ReadFrame(conn, &resp)
	}
	if err != nil {
		conn.Close()
		c.pool <- nil
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			c.markDown(downAfterTimeout)
		} else {
			c.markDown(downAfterIOError)
		}
		return nil, ErrUnavailable
	}

	c.pool <- conn
	return &resp, nil
}

// Get fetches a key. Absent and unavailable both report found=false.
func (c *Client) Get(ctx context.Context, key string) (value []byte, found bool) {
	resp, err := c.call(ctx, &cached.Request{Op: cached.OpGet, Key: key})
	if err != nil || !resp.OK || !resp.Found {
		return nil, false
	}
	return resp.Value, true
}

// Set stores a key; no-op while the daemon is down.
func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool {
	resp, err := c.call(ctx, &cached.Request{
		Op: cached.OpSet, Key: key, Value: value, TTLMS: ttl.Milliseconds(),
	})
	return err == nil && resp.OK
}

// Del removes keys.
func (c *Client) Del(ctx context.Context, keys ...string) {
	c.call(ctx, &cached.Request{Op: cached.OpDel, Keys: keys})
}

// MGet fetches many keys; missing keys are absent from the result.
func (c *Client) MGet(ctx context.Context, keys ...string) map[string][]byte {
	resp, err := c.call(ctx, &cached.Request{Op: cached.OpMGet, Keys: keys})
	if err != nil || !resp.OK {
		return nil
	}
	return resp.Values
}

// SetMany stores many pairs in one frame.
func (c *Client) SetMany(ctx context.Context, pairs []cached.KV) bool {
	resp, err := c.call(ctx, &cached.Request{Op: cached.OpSetMany, Pairs: pairs})
	return err == nil && resp.OK
}

// Lease is a held lock on a cache key.
type Lease struct {
	Key   string
	Token string
}

// LockTry attempts to take a lease; returns nil when held elsewhere or the
// daemon is unavailable.
func (c *Client) LockTry(ctx context.Context, key string, ttl time.Duration, owner string) *Lease {
	resp, err := c.call(ctx, &cached.Request{
		Op: cached.OpLockTry, Key: key, TTLMS: ttl.Milliseconds(), Owner: owner,
	})
	if err != nil || !resp.OK || !resp.Acquired {
		return nil
	}
	return &Lease{Key: key, Token: resp.Token}
}

// LockRenew extends a held lease.
func (c *Client) LockRenew(ctx context.Context, l *Lease, ttl time.Duration) bool {
	resp, err := c.call(ctx, &cached.Request{
		Op: cached.OpLockRenew, Key: l.Key, TTLMS: ttl.Milliseconds(), Token: l.Token,
	})
	return err == nil && resp.OK && resp.Renewed
}

// LockRelease releases a held lease.
func (c *Client) LockRelease(ctx context.Context, l *Lease) bool {
	if l == nil {
		return false
	}
	resp, err := c.call(ctx, &cached.Request{
		Op: cached.OpLockRelease, Key: l.Key, Token: l.Token,
	})
	return err == nil && resp.OK && resp.Released
}

// Stats fetches the daemon's counters.
func (c *Client) Stats(ctx context.Context) (*cached.StatsSnapshot, error) {
	resp, err := c.call(ctx, &cached.Request{Op: cached.OpStats})
	if err != nil {
		return nil, err
	}
	return resp.Stats, nil
}
