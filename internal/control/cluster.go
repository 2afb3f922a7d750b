package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/vietddude/courier/internal/core/config"
	"github.com/vietddude/courier/internal/health"
	"github.com/vietddude/courier/internal/infra/rpc"
	"github.com/vietddude/courier/internal/infra/rpc/provider"
	"github.com/vietddude/courier/internal/infra/rpc/server"
	"github.com/vietddude/courier/internal/metrics"
)

// Config holds the cluster configuration.
type Config struct {
	Port    int
	Cluster config.ClusterConfig
	Pool    config.PoolConfig
}

// Cluster runs a set of local peers hosting one service, plus the health
// server that probes them.
type Cluster struct {
	cfg          Config
	servers      []*server.Server
	client       *rpc.Client
	healthMon    *health.Monitor
	healthServer *health.Server
	log          *slog.Logger

	wg sync.WaitGroup
}

// NewCluster binds every peer of the cluster. Peers do not accept calls
// until Start.
func NewCluster(cfg Config) (*Cluster, error) {
	log := slog.Default().With("component", "cluster", "service", cfg.Cluster.Name)

	c := &Cluster{cfg: cfg, log: log}
	for i := 0; i < cfg.Cluster.Size; i++ {
		behavior := cfg.Cluster.Behavior(i)
		name := fmt.Sprintf("%s-%d", cfg.Cluster.Name, i)

		handler, err := server.Behavior(behavior, name)
		if err != nil {
			c.closeServers()
			return nil, fmt.Errorf("peer %d: %w", i, err)
		}

		s := server.New(name)
		s.Register(cfg.Cluster.Name, "echo", handler)
		s.Register(cfg.Cluster.Name, "ping", server.Echo(name))

		if err := s.Listen(c.listenAddress(i)); err != nil {
			c.closeServers()
			return nil, err
		}
		log.Debug("Peer bound", "peer", name, "address", s.Address(), "behavior", behavior)
		c.servers = append(c.servers, s)
	}

	client, err := rpc.NewClient(rpc.ClientConfig{
		Service:    cfg.Cluster.Name,
		RetryFlags: rpc.RetryFlags{Never: true},
		Strategy:   rpc.StrategyFirst,
		Pool: provider.PoolConfig{
			MaxSize:             cfg.Pool.MaxSize,
			ConnectTimeout:      cfg.Pool.ConnectTimeout,
			HealthCheckInterval: cfg.Pool.HealthCheckInterval,
		},
	})
	if err != nil {
		c.closeServers()
		return nil, err
	}
	client.AddObserver(metrics.NewObserver())
	c.client = client

	c.healthMon = health.NewMonitor(client.Pool())
	for _, addr := range c.Addresses() {
		c.healthMon.AddCheck(addr, c.probe(addr))
	}
	c.healthServer = health.NewServer(c.healthMon, cfg.Port)

	return c, nil
}

// listenAddress returns where peer i binds. Without a base port every peer
// takes an ephemeral port.
func (c *Cluster) listenAddress(i int) string {
	if c.cfg.Cluster.BasePort == 0 {
		return net.JoinHostPort(c.cfg.Cluster.Host, "0")
	}
	return c.cfg.Cluster.Address(i)
}

// Addresses returns the bound address of every peer.
func (c *Cluster) Addresses() []string {
	addrs := make([]string, len(c.servers))
	for i, s := range c.servers {
		addrs[i] = s.Address()
	}
	return addrs
}

// Client returns the client used for health probes.
func (c *Cluster) Client() *rpc.Client {
	return c.client
}

// probe calls the health operation of one peer.
func (c *Cluster) probe(addr string) health.CheckFunc {
	return func(ctx context.Context) error {
		_, res, err := c.client.Call(ctx, server.HealthOperation, nil, nil, rpc.WithPeers(addr))
		if err != nil {
			return err
		}

		var body struct {
			OK      bool   `json:"ok"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(res.Arg3.Value(), &body); err != nil {
			return fmt.Errorf("invalid health reply: %w", err)
		}
		if !res.OK || !body.OK {
			return fmt.Errorf("not ok: %s", body.Message)
		}
		return nil
	}
}

// Start starts every peer and the health server.
func (c *Cluster) Start(ctx context.Context) error {
	// Start Health Server
	go func() {
		if err := c.healthServer.Start(); err != nil {
			c.log.Error("Health server failed", "error", err)
		}
	}()

	// Start Peers
	for _, s := range c.servers {
		c.wg.Add(1)
		go func(s *server.Server) {
			defer c.wg.Done()
			if err := s.Serve(); err != nil {
				c.log.Error("Peer failed", "peer", s.Name(), "error", err)
			}
		}(s)
	}

	c.log.Info("Cluster started", "peers", c.Addresses(), "health_port", c.cfg.Port)
	return nil
}

// Stop stops the cluster.
func (c *Cluster) Stop(ctx context.Context) error {
	c.log.Info("Stopping cluster...")

	var errs []error
	for _, s := range c.servers {
		if err := s.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.wg.Wait()

	if err := c.client.Close(); err != nil {
		errs = append(errs, err)
	}

	// Stop Health Server
	if err := c.healthServer.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Cluster) closeServers() {
	for _, s := range c.servers {
		_ = s.Stop(context.Background())
	}
}
