package cached

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/leadgen-engine/internal/pkg/logger"
)

const (
	// watchdogStale is how old the event-loop heartbeat may get before the
	// watchdog kills the process. Better dead than wedged.
	watchdogStale    = 60 * time.Second
	watchdogInterval = 5 * time.Second
	sweepInterval    = time.Second
	livenessInterval = 10 * time.Second
)

// Options configures a Daemon.
type Options struct {
	SocketPath    string
	MaxValueBytes int
	MaxCacheBytes int64
	DefaultTTL    time.Duration

	// DisableWatchdog is for tests; the watchdog exits the whole process.
	DisableWatchdog bool
}

// Daemon is the cache and lease-lock daemon. A single event-loop goroutine
// owns all state; per-connection goroutines only do socket I/O and hand
// framed requests to the loop, so every command is atomic to callers.
type Daemon struct {
	opts  Options
	store *store

	requests  chan *envelope
	heartbeat atomic.Int64 // unix nanos of the loop's last progress
	exit      func(int)

	ln      net.Listener
	wg      sync.WaitGroup
	connWG  sync.WaitGroup
	connMu  sync.Mutex
	conns   map[net.Conn]struct{}
	stopped chan struct{}
}

type envelope struct {
	req   *Request
	reply chan *Response
}

// New creates a daemon. Run starts it.
func New(opts Options) *Daemon {
	return &Daemon{
		opts:     opts,
		store:    newStore(opts.MaxValueBytes, opts.MaxCacheBytes, opts.DefaultTTL),
		requests: make(chan *envelope, 256),
		exit:     os.Exit,
		conns:    make(map[net.Conn]struct{}),
		stopped:  make(chan struct{}),
	}
}

// SnapshotPath returns the snapshot file location beside the socket.
func (d *Daemon) SnapshotPath() string {
	dir := filepath.Dir(d.opts.SocketPath)
	return filepath.Join(dir, filepath.Base(d.opts.SocketPath)+".snapshot")
}

// Run serves until ctx is cancelled, then snapshots and returns.
func (d *Daemon) Run(ctx context.Context) error {
	now := time.Now()
	if err := d.store.loadSnapshot(d.SnapshotPath(), now); err != nil {
		logger.Warn("cached: snapshot restore failed", "error", err)
	} else if len(d.store.entries) > 0 {
		logger.Info("cached: snapshot restored", "items", len(d.store.entries), "bytes", d.store.totalBytes)
	}

	os.Remove(d.opts.SocketPath)
	ln, err := net.Listen("unix", d.opts.SocketPath)
	if err != nil {
		return fmt.Errorf("cached: listen %s: %w", d.opts.SocketPath, err)
	}
	d.ln = ln
	d.heartbeat.Store(time.Now().UnixNano())

	d.wg.Add(1)
	go d.loop()

	if !d.opts.DisableWatchdog {
		go d.watchdog()
	}

	d.wg.Add(1)
	go d.acceptLoop()

	<-ctx.Done()

	// Stop flag first: acceptLoop reads it to tell shutdown from a real
	// listener error once Close makes Accept fail.
	close(d.stopped)
	ln.Close()
	d.connMu.Lock()
	for c := range d.conns {
		c.Close()
	}
	d.connMu.Unlock()
	d.connWG.Wait()
	d.wg.Wait()

	if err := d.store.writeSnapshot(d.SnapshotPath()); err != nil {
		logger.Error("cached: snapshot write failed", "error", err)
		return err
	}
	logger.Info("cached: snapshot written", "items", len(d.store.entries))
	return nil
}

func (d *Daemon) acceptLoop() {
	defer d.wg.Done()
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			select {
			case <-d.stopped:
			default:
				// Listener errors outside shutdown are logged and the loop
				// keeps accepting; a single bad handshake must not stop us.
				logger.Warn("cached: accept failed", "error", err)
				continue
			}
			return
		}
		d.connWG.Add(1)
		go d.serveConn(conn)
	}
}

func (d *Daemon) serveConn(conn net.Conn) {
	defer d.connWG.Done()
	defer conn.Close()

	d.connMu.Lock()
	d.conns[conn] = struct{}{}
	d.connMu.Unlock()
	defer func() {
		d.connMu.Lock()
		delete(d.conns, conn)
		d.connMu.Unlock()
	}()

	reply := make(chan *Response, 1)
	for {
		var req Request
		if err := ReadFrame(conn, &req); err != nil {
			// Any socket or framing error drops the connection.
			return
		}

		select {
		case d.requests <- &envelope{req: &req, reply: reply}:
		case <-d.stopped:
			return
		}

		var resp *Response
		select {
		case resp = <-reply:
		case <-d.stopped:
			return
		}

		if err := WriteFrame(conn, resp); err != nil {
			return
		}
	}
}

// loop is the single-threaded event loop owning all cache state.
func (d *Daemon) loop() {
	defer d.wg.Done()

	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()
	liveness := time.NewTicker(livenessInterval)
	defer liveness.Stop()

	for {
		select {
		case env := <-d.requests:
			now := time.Now()
			d.heartbeat.Store(now.UnixNano())
			d.store.sweep(now)
			env.reply <- d.handle(env.req, now)

		case <-sweep.C:
			now := time.Now()
			d.heartbeat.Store(now.UnixNano())
			d.store.sweep(now)

		case <-liveness.C:
			st := d.store.stats()
			logger.Info("cached: alive",
				"items", st.Items,
				"locks", st.Locks,
				"mem", fmt.Sprintf("%d/%d", st.TotalBytes, st.LimitBytes),
				"evicted", st.Evicted,
				"expired", st.Expired,
				"errors", st.Errors,
				"ops", st.Ops,
			)
			d.store.resetCounters()

		case <-d.stopped:
			return
		}
	}
}

func (d *Daemon) handle(req *Request, now time.Time) *Response {
	d.store.ops++
	switch req.Op {
	case OpGet:
		if v, ok := d.store.get(req.Key, now); ok {
			return &Response{OK: true, Found: true, Value: v}
		}
		return &Response{OK: true, Found: false}

	case OpSet:
		if !d.store.set(req.Key, req.Value, time.Duration(req.TTLMS)*time.Millisecond, now) {
			return errResponse("value too large: %d bytes (max %d)", len(req.Value), d.store.maxValueBytes)
		}
		return &Response{OK: true, Stored: 1}

	case OpDel:
		keys := req.Keys
		if len(keys) == 0 && req.Key != "" {
			keys = []string{req.Key}
		}
		return &Response{OK: true, Deleted: d.store.del(keys)}

	case OpMGet:
		values := make(map[string][]byte, len(req.Keys))
		for _, k := range req.Keys {
			if v, ok := d.store.get(k, now); ok {
				values[k] = v
			}
		}
		return &Response{OK: true, Values: values}

	case OpSetMany:
		stored := 0
		for _, kv := range req.Pairs {
			if d.store.set(kv.Key, kv.Value, time.Duration(kv.TTLMS)*time.Millisecond, now) {
				stored++
			}
		}
		return &Response{OK: true, Stored: stored}

	case OpStats:
		return &Response{OK: true, Stats: d.store.stats()}

	case OpLockTry:
		acquired, token, heldBy := d.store.lockTry(req.Key, time.Duration(req.TTLMS)*time.Millisecond, req.Owner, now)
		return &Response{OK: true, Acquired: acquired, Token: token, HeldBy: heldBy}

	case OpLockRenew:
		renewed := d.store.lockRenew(req.Key, time.Duration(req.TTLMS)*time.Millisecond, req.Token, now)
		return &Response{OK: true, Renewed: renewed}

	case OpLockRelease:
		return &Response{OK: true, Released: d.store.lockRelease(req.Key, req.Token)}

	case OpLockStatus:
		locked, owner := d.store.lockStatus(req.Key, now)
		return &Response{OK: true, Locked: locked, HeldBy: owner}

	default:
		d.store.errors++
		return errResponse("unknown op %q", req.Op)
	}
}

// watchdog runs beside the event loop and kills the process if the loop
// stops making progress.
func (d *Daemon) watchdog() {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			last := time.Unix(0, d.heartbeat.Load())
			if time.Since(last) > watchdogStale {
				logger.Error("cached: event loop wedged, exiting", "last_heartbeat", last)
				d.exit(2)
				return
			}
		case <-d.stopped:
			return
		}
	}
}
