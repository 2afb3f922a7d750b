package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vietddude/courier/internal/core/domain"
)

// newTestPool returns a pool whose clock advances one second per read.
func newTestPool(t *testing.T, maxSize int) *ConnPool {
	t.Helper()

	pool := NewConnPool(PoolConfig{MaxSize: maxSize})
	clock := time.Unix(1700000000, 0)
	pool.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

func lease(t *testing.T, pool *ConnPool, address string) *GRPCConn {
	t.Helper()
	conn, err := pool.get(address)
	if err != nil {
		t.Fatalf("get(%s): %v", address, err)
	}
	return conn
}

func pooled(pool *ConnPool, address string) bool {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	_, ok := pool.conns[address]
	return ok
}

func TestPoolEvictsLeastRecentlyUsedIdle(t *testing.T) {
	pool := newTestPool(t, 2)

	lease(t, pool, "127.0.0.1:1001").release()
	lease(t, pool, "127.0.0.1:1002").release()
	lease(t, pool, "127.0.0.1:1001").release()

	lease(t, pool, "127.0.0.1:1003").release()

	if !pooled(pool, "127.0.0.1:1001") {
		t.Error("Expected recently used connection to stay pooled")
	}
	if pooled(pool, "127.0.0.1:1002") {
		t.Error("Expected least recently used connection to be evicted")
	}
	if !pooled(pool, "127.0.0.1:1003") {
		t.Error("Expected new connection to be pooled")
	}

	if _, ok := pool.Stats("127.0.0.1:1002"); !ok {
		t.Error("Expected stats of evicted peer to survive")
	}
}

func TestPoolFullWhenEveryConnectionBusy(t *testing.T) {
	pool := newTestPool(t, 1)

	busy := lease(t, pool, "127.0.0.1:1001")

	_, err := pool.get("127.0.0.1:1002")
	var te *TransportError
	if !errors.As(err, &te) || te.Kind != domain.ErrorKindConnectionError {
		t.Fatalf("Expected connection error while every connection is busy, got %v", err)
	}

	busy.release()
	lease(t, pool, "127.0.0.1:1002").release()
	if pooled(pool, "127.0.0.1:1001") {
		t.Error("Expected idle connection to make room")
	}
}

func TestPoolKeepsStreamingConnection(t *testing.T) {
	pool := newTestPool(t, 1)

	conn := lease(t, pool, "127.0.0.1:1001")
	conn.release()
	conn.active.Add(1) // a stream still receiving its body

	if _, err := pool.get("127.0.0.1:1002"); err == nil {
		t.Fatal("Expected streaming connection not to be evicted")
	}

	conn.active.Add(-1)
	lease(t, pool, "127.0.0.1:1002").release()
}

func TestLeasedConnReleasesAfterSend(t *testing.T) {
	pool := newTestPool(t, 1)

	conn := lease(t, pool, "127.0.0.1:1001")
	leased := &leasedConn{GRPCConn: conn}
	if conn.Idle() {
		t.Fatal("Expected leased connection to be in use")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := leased.Send(ctx, &Request{Service: "svc", Operation: "op"}); err == nil {
		t.Fatal("Expected send on cancelled context to fail")
	}
	if !conn.Idle() {
		t.Error("Expected lease to be released after send")
	}

	_, _ = leased.Send(ctx, &Request{Service: "svc", Operation: "op"})
	if got := conn.active.Load(); got != 0 {
		t.Errorf("Expected lease to be released once, active=%d", got)
	}
}
