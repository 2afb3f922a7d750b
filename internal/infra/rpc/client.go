package rpc

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/courier/internal/infra/rpc/provider"
	"github.com/vietddude/courier/internal/infra/rpc/routing"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// Service is the default service of requests.
	Service string

	// Timeout bounds every attempt. Zero uses routing.DefaultTimeout.
	Timeout time.Duration

	// Deadline bounds a whole call across retries. Zero means none.
	Deadline time.Duration

	RetryFlags RetryFlags
	Strategy   Strategy
	Pool       provider.PoolConfig
	Logger     *slog.Logger
}

// Client is the high-level interface for making calls.
// This is what application layers should use.
type Client struct {
	config     ClientConfig
	peers      *routing.PeerList
	pool       *provider.ConnPool
	dispatcher *routing.Dispatcher
}

// NewClient creates a client with its own connection pool.
func NewClient(config ClientConfig) (*Client, error) {
	pool := provider.NewConnPool(config.Pool)

	selector, err := routing.NewSelector(config.Strategy, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}

	dispatcher := routing.NewDispatcher(pool, selector)
	dispatcher.SetDefaultTimeout(config.Timeout)
	dispatcher.SetLogger(config.Logger)

	return &Client{
		config:     config,
		peers:      routing.NewPeerList(),
		pool:       pool,
		dispatcher: dispatcher,
	}, nil
}

// AddPeers registers peers for the default service.
func (c *Client) AddPeers(addresses ...string) {
	c.peers.Add(c.config.Service, addresses...)
}

// Peers returns the peer list requests draw from.
func (c *Client) Peers() *routing.PeerList {
	return c.peers
}

// AddObserver registers an observer of every call. Call before sending.
func (c *Client) AddObserver(o Observer) {
	c.dispatcher.AddObserver(o)
}

// CallOption customizes one request.
type CallOption func(*callOptions)

type callOptions struct {
	req   routing.Request
	peers []string
}

// WithService overrides the client's default service.
func WithService(service string) CallOption {
	return func(o *callOptions) { o.req.Service = service }
}

// WithHeader sets a request header.
func WithHeader(key, value string) CallOption {
	return func(o *callOptions) {
		if o.req.Headers == nil {
			o.req.Headers = make(map[string]string)
		}
		o.req.Headers[key] = value
	}
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.req.Timeout = d }
}

// WithDeadline bounds the whole call.
func WithDeadline(d time.Duration) CallOption {
	return func(o *callOptions) { o.req.Deadline = d }
}

// WithRetryFlags sets the transport retry toggles.
func WithRetryFlags(flags RetryFlags) CallOption {
	return func(o *callOptions) { o.req.RetryFlags = flags }
}

// WithShouldRetry installs an application retry predicate.
func WithShouldRetry(p Predicate) CallOption {
	return func(o *callOptions) { o.req.ShouldRetry = p }
}

// WithStream asks peers to stream the response.
func WithStream() CallOption {
	return func(o *callOptions) { o.req.Stream = true }
}

// WithPeers sends to addresses instead of the registered peers.
func WithPeers(addresses ...string) CallOption {
	return func(o *callOptions) { o.peers = addresses }
}

// NewRequest prepares a call. Peers are captured when the request is
// created.
func (c *Client) NewRequest(operation string, arg2, arg3 []byte, opts ...CallOption) *RequestContext {
	o := callOptions{req: routing.Request{
		Service:    c.config.Service,
		Operation:  operation,
		Arg2:       arg2,
		Arg3:       arg3,
		Timeout:    c.config.Timeout,
		Deadline:   c.config.Deadline,
		RetryFlags: c.config.RetryFlags,
	}}
	for _, opt := range opts {
		opt(&o)
	}

	peers := c.peers.Peers(o.req.Service)
	if o.peers != nil {
		peers = provider.Peers(o.peers...)
	}
	return routing.NewRequestContext(o.req, peers)
}

// Send dispatches rc and returns its terminal outcome.
func (c *Client) Send(ctx context.Context, rc *RequestContext) (*Response, error) {
	return c.dispatcher.Dispatch(ctx, rc)
}

// Call prepares and sends a request in one step.
func (c *Client) Call(ctx context.Context, operation string, arg2, arg3 []byte, opts ...CallOption) (*RequestContext, *Response, error) {
	rc := c.NewRequest(operation, arg2, arg3, opts...)
	res, err := c.Send(ctx, rc)
	return rc, res, err
}

// Pool returns the client's connection pool.
func (c *Client) Pool() *provider.ConnPool {
	return c.pool
}

// PeerStats returns monitoring stats for every peer the client dialed.
func (c *Client) PeerStats() map[string]PeerStats {
	stats := make(map[string]PeerStats)
	for _, addr := range c.pool.Addresses() {
		if s, ok := c.pool.Stats(addr); ok {
			stats[addr] = s
		}
	}
	return stats
}

// Close releases all pooled connections.
func (c *Client) Close() error {
	return c.pool.Close()
}
