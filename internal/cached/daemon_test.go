package cached

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func startTestDaemon(t *testing.T, sock string) (stop func()) {
	t.Helper()
	d := New(Options{SocketPath: sock, DisableWatchdog: true})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		conn, err := net.Dial("unix", sock)
		if err == nil {
			conn.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("daemon did not come up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	return func() {
		cancel()
		if err := <-done; err != nil {
			t.Fatalf("daemon shutdown: %v", err)
		}
	}
}

func call(t *testing.T, conn net.Conn, req *Request) *Response {
	t.Helper()
	if err := WriteFrame(conn, req); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return &resp
}

func TestDaemonSetGetOverSocket(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "cache.sock")
	stop := startTestDaemon(t, sock)
	defer stop()

	conn, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	resp := call(t, conn, &Request{Op: OpSet, Key: "greeting", Value: []byte("hello"), TTLMS: 60000})
	if !resp.OK {
		t.Fatalf("SET failed: %s", resp.Error)
	}

	resp = call(t, conn, &Request{Op: OpGet, Key: "greeting"})
	if !resp.OK || !resp.Found || !bytes.Equal(resp.Value, []byte("hello")) {
		t.Errorf("GET = ok:%v found:%v value:%q", resp.OK, resp.Found, resp.Value)
	}

	resp = call(t, conn, &Request{Op: OpGet, Key: "absent"})
	if !resp.OK || resp.Found {
		t.Errorf("GET absent = ok:%v found:%v, want ok, not found", resp.OK, resp.Found)
	}
}

func TestDaemonBulkOpsAndStats(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "cache.sock")
	stop := startTestDaemon(t, sock)
	defer stop()

	conn, _ := net.Dial("unix", sock)
	defer conn.Close()

	resp := call(t, conn, &Request{Op: OpSetMany, Pairs: []KV{
		{Key: "a", Value: []byte("1"), TTLMS: 60000},
		{Key: "b", Value: []byte("2"), TTLMS: 60000},
		{Key: "c", Value: []byte("3"), TTLMS: 60000},
	}})
	if !resp.OK || resp.Stored != 3 {
		t.Fatalf("SET_MANY stored = %d, want 3", resp.Stored)
	}

	resp = call(t, conn, &Request{Op: OpMGet, Keys: []string{"a", "c", "zz"}})
	if len(resp.Values) != 2 {
		t.Errorf("MGET returned %d values, want 2", len(resp.Values))
	}

	resp = call(t, conn, &Request{Op: OpDel, Keys: []string{"a", "b"}})
	if resp.Deleted != 2 {
		t.Errorf("DEL deleted = %d, want 2", resp.Deleted)
	}

	resp = call(t, conn, &Request{Op: OpStats})
	if resp.Stats == nil || resp.Stats.Items != 1 {
		t.Errorf("STATS items = %+v, want 1", resp.Stats)
	}
}

func TestDaemonLockCommands(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "cache.sock")
	stop := startTestDaemon(t, sock)
	defer stop()

	conn, _ := net.Dial("unix", sock)
	defer conn.Close()

	resp := call(t, conn, &Request{Op: OpLockTry, Key: "prep:geo:lock", TTLMS: 60000, Owner: "w1"})
	if !resp.Acquired || resp.Token == "" {
		t.Fatalf("LOCK_TRY = %+v, want acquired", resp)
	}
	token := resp.Token

	resp = call(t, conn, &Request{Op: OpLockTry, Key: "prep:geo:lock", TTLMS: 60000, Owner: "w2"})
	if resp.Acquired || resp.HeldBy != "w1" {
		t.Errorf("second LOCK_TRY = %+v, want refused held_by=w1", resp)
	}

	resp = call(t, conn, &Request{Op: OpLockStatus, Key: "prep:geo:lock"})
	if !resp.Locked || resp.HeldBy != "w1" {
		t.Errorf("LOCK_STATUS = %+v", resp)
	}

	resp = call(t, conn, &Request{Op: OpLockRelease, Key: "prep:geo:lock", Token: "wrong"})
	if resp.Released {
		t.Error("LOCK_RELEASE with wrong token succeeded")
	}

	resp = call(t, conn, &Request{Op: OpLockRenew, Key: "prep:geo:lock", TTLMS: 60000, Token: token})
	if !resp.Renewed {
		t.Error("LOCK_RENEW with right token failed")
	}

	resp = call(t, conn, &Request{Op: OpLockRelease, Key: "prep:geo:lock", Token: token})
	if !resp.Released {
		t.Error("LOCK_RELEASE with right token failed")
	}
}

func TestDaemonUnknownOpRepliesError(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "cache.sock")
	stop := startTestDaemon(t, sock)
	defer stop()

	conn, _ := net.Dial("unix", sock)
	defer conn.Close()

	resp := call(t, conn, &Request{Op: "EXPLODE"})
	if resp.OK || resp.Error == "" {
		t.Errorf("unknown op = %+v, want error reply", resp)
	}

	// The connection must survive a bad command.
	resp = call(t, conn, &Request{Op: OpStats})
	if !resp.OK {
		t.Error("connection died after bad command")
	}
}

func TestDaemonShutdownIsQuiet(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "cache.sock")
	d := New(Options{SocketPath: sock, DisableWatchdog: true})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		conn, err := net.Dial("unix", sock)
		if err == nil {
			conn.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("daemon did not come up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Capture stderr across the shutdown: closing the listener must read as
	// shutdown in the accept loop, not as a stream of accept failures.
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	old := os.Stderr
	os.Stderr = w

	cancel()
	runErr := <-done

	os.Stderr = old
	w.Close()
	captured, _ := io.ReadAll(r)

	if runErr != nil {
		t.Fatalf("Run() = %v on clean shutdown", runErr)
	}
	if strings.Contains(string(captured), "accept failed") {
		t.Errorf("shutdown logged accept failures:\n%s", captured)
	}
}

func TestDaemonSnapshotRestart(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "cache.sock")

	stop := startTestDaemon(t, sock)
	conn, _ := net.Dial("unix", sock)
	call(t, conn, &Request{Op: OpSet, Key: "durable", Value: []byte("survives"), TTLMS: int64(time.Hour / time.Millisecond)})
	call(t, conn, &Request{Op: OpSet, Key: "ephemeral", Value: []byte("expires"), TTLMS: 1})
	call(t, conn, &Request{Op: OpLockTry, Key: "held", TTLMS: int64(time.Hour / time.Millisecond), Owner: "w1"})
	conn.Close()
	stop()

	snapshot := sock + ".snapshot"
	if _, err := os.Stat(snapshot); err != nil {
		t.Fatalf("snapshot not written: %v", err)
	}

	time.Sleep(10 * time.Millisecond) // let "ephemeral" expire

	stop = startTestDaemon(t, sock)
	defer stop()

	if _, err := os.Stat(snapshot); !os.IsNotExist(err) {
		t.Error("snapshot file not deleted after restore")
	}

	conn, _ = net.Dial("unix", sock)
	defer conn.Close()

	resp := call(t, conn, &Request{Op: OpGet, Key: "durable"})
	if !resp.Found || !bytes.Equal(resp.Value, []byte("survives")) {
		t.Errorf("durable entry lost across restart: %+v", resp)
	}
	resp = call(t, conn, &Request{Op: OpGet, Key: "ephemeral"})
	if resp.Found {
		t.Error("expired entry restored")
	}
	// Locks never survive restart.
	resp = call(t, conn, &Request{Op: OpLockTry, Key: "held", TTLMS: 60000, Owner: "w2"})
	if !resp.Acquired {
		t.Error("lease survived restart")
	}
}
