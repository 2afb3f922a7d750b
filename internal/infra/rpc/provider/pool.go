package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/courier/internal/core/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
)

// PoolConfig configures a ConnPool.
type PoolConfig struct {
	MaxSize             int
	ConnectTimeout      time.Duration
	HealthCheckInterval time.Duration
	DialOptions         []grpc.DialOption
}

// DefaultPoolConfig provides sensible defaults.
var DefaultPoolConfig = PoolConfig{
	MaxSize:             64,
	ConnectTimeout:      2 * time.Second,
	HealthCheckInterval: 30 * time.Second,
}

// ErrPoolClosed is returned by Connect after Close.
var ErrPoolClosed = errors.New("connection pool is closed")

// ConnPool implements Connector with one shared gRPC connection per peer
// address. Broken connections are evicted by a health check loop and dialed
// again on the next Connect. When MaxSize connections are open, dialing a
// new peer closes the least recently used idle connection first.
type ConnPool struct {
	mu sync.Mutex

	conns    map[string]*GRPCConn
	monitors map[string]*PeerMonitor // outlive evicted connections
	closed   bool

	config PoolConfig
	now    func() time.Time

	stopHealthCheck chan struct{}
	closeOnce       sync.Once
}

// NewConnPool creates a new connection pool.
func NewConnPool(config PoolConfig) *ConnPool {
	if config.MaxSize <= 0 {
		config.MaxSize = DefaultPoolConfig.MaxSize
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = DefaultPoolConfig.ConnectTimeout
	}
	if config.HealthCheckInterval <= 0 {
		config.HealthCheckInterval = DefaultPoolConfig.HealthCheckInterval
	}

	pool := &ConnPool{
		conns:           make(map[string]*GRPCConn),
		monitors:        make(map[string]*PeerMonitor),
		config:          config,
		now:             time.Now,
		stopHealthCheck: make(chan struct{}),
	}

	go pool.healthCheckLoop()

	return pool
}

// Connect returns the pooled connection for address, dialing on first use,
// and waits until it is ready. The connection is not evicted for capacity
// before its first Send completes.
func (p *ConnPool) Connect(ctx context.Context, address string) (Conn, error) {
	conn, err := p.get(address)
	if err != nil {
		return nil, err
	}

	if p.config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.ConnectTimeout)
		defer cancel()
	}

	if err := conn.WaitReady(ctx); err != nil {
		conn.release()
		p.evict(address, conn)
		return nil, err
	}
	return &leasedConn{GRPCConn: conn}, nil
}

// leasedConn holds a pool lease on its connection until the first Send.
type leasedConn struct {
	*GRPCConn
	once sync.Once
}

func (l *leasedConn) Send(ctx context.Context, req *Request) (*Response, error) {
	defer l.once.Do(l.GRPCConn.release)
	return l.GRPCConn.Send(ctx, req)
}

// get returns the leased connection for address.
func (p *ConnPool) get(address string) (*GRPCConn, error) {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if conn, ok := p.conns[address]; ok {
		conn.acquire(p.now())
		p.mu.Unlock()
		return conn, nil
	}

	var victim *GRPCConn
	if len(p.conns) >= p.config.MaxSize {
		victim = p.leastRecentlyUsedIdle()
		if victim == nil {
			p.mu.Unlock()
			return nil, &TransportError{
				Kind:    domain.ErrorKindConnectionError,
				Message: fmt.Sprintf("pool is full (%d connections in use)", p.config.MaxSize),
				Peer:    address,
			}
		}
		delete(p.conns, victim.address)
	}

	conn, err := NewGRPCConn(address, p.config.DialOptions...)
	if err != nil {
		if victim != nil {
			p.conns[victim.address] = victim
		}
		p.mu.Unlock()
		return nil, &TransportError{
			Kind:    domain.ErrorKindConnectionError,
			Message: "dial failed",
			Peer:    address,
			Cause:   err,
		}
	}
	if m, ok := p.monitors[address]; ok {
		conn.monitor = m
	} else {
		p.monitors[address] = conn.monitor
	}
	conn.acquire(p.now())
	p.conns[address] = conn
	p.mu.Unlock()

	if victim != nil {
		slog.Debug("Evicting idle connection", "peer", victim.address, "for", address)
		if err := victim.Close(); err != nil {
			slog.Debug("Failed to close evicted connection", "peer", victim.address, "error", err)
		}
	}
	return conn, nil
}

// leastRecentlyUsedIdle must be called with p.mu held.
func (p *ConnPool) leastRecentlyUsedIdle() *GRPCConn {
	var lru *GRPCConn
	for _, conn := range p.conns {
		if !conn.Idle() {
			continue
		}
		if lru == nil || conn.lastUsed.Load() < lru.lastUsed.Load() {
			lru = conn
		}
	}
	return lru
}

// evict drops conn if it is still the pooled connection for address.
func (p *ConnPool) evict(address string, conn *GRPCConn) {
	p.mu.Lock()
	current, ok := p.conns[address]
	if ok && current == conn {
		delete(p.conns, address)
	}
	p.mu.Unlock()

	if ok && current == conn {
		if err := conn.Close(); err != nil {
			slog.Debug("Failed to close evicted connection", "peer", address, "error", err)
		}
	}
}

// Stats returns the monitor statistics of a peer the pool has dialed.
func (p *ConnPool) Stats(address string) (PeerStats, bool) {
	p.mu.Lock()
	m, ok := p.monitors[address]
	p.mu.Unlock()

	if !ok {
		return PeerStats{}, false
	}
	return m.GetStats(), true
}

// Addresses returns every address the pool has dialed.
func (p *ConnPool) Addresses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	addrs := make([]string, 0, len(p.monitors))
	for addr := range p.monitors {
		addrs = append(addrs, addr)
	}
	return addrs
}

// Close closes all connections and stops health checks.
func (p *ConnPool) Close() error {
	p.closeOnce.Do(func() { close(p.stopHealthCheck) })

	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*GRPCConn)
	p.closed = true
	p.mu.Unlock()

	var errs []error
	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *ConnPool) healthCheckLoop() {
	ticker := time.NewTicker(p.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.performHealthCheck()
		case <-p.stopHealthCheck:
			return
		}
	}
}

func (p *ConnPool) performHealthCheck() {
	p.mu.Lock()
	conns := make(map[string]*GRPCConn, len(p.conns))
	for addr, conn := range p.conns {
		conns[addr] = conn
	}
	p.mu.Unlock()

	for addr, conn := range conns {
		state := conn.State()
		if state == connectivity.TransientFailure || state == connectivity.Shutdown {
			slog.Debug("Evicting broken connection", "peer", addr, "state", state.String())
			p.evict(addr, conn)
		}
	}
}
