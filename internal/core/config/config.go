package config

import (
	"net"
	"strconv"
	"time"

	"github.com/vietddude/courier/internal/core/domain"
	redisclient "github.com/vietddude/courier/internal/infra/redis"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server  ServerConfig       `yaml:"server"`
	Logging LoggingConfig      `yaml:"logging"`
	Client  ClientConfig       `yaml:"client"`
	Pool    PoolConfig         `yaml:"pool"`
	Cluster ClusterConfig      `yaml:"cluster"`
	Redis   redisclient.Config `yaml:"redis"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// ClientConfig holds defaults for outgoing calls.
type ClientConfig struct {
	Service  string            `yaml:"service"`
	Peers    []string          `yaml:"peers"`
	Timeout  time.Duration     `yaml:"timeout"`  // per attempt
	Deadline time.Duration     `yaml:"deadline"` // whole call, 0 = none
	Strategy string            `yaml:"strategy"` // first, random, round_robin, least_pending
	Retry    domain.RetryFlags `yaml:"retry"`
}

// PoolConfig holds connection pool settings.
type PoolConfig struct {
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	MaxSize             int           `yaml:"max_size"`
}

// ClusterConfig describes the local peers started by serve.
type ClusterConfig struct {
	Name      string   `yaml:"name"` // service hosted by every peer
	Host      string   `yaml:"host"`
	BasePort  int      `yaml:"base_port"`
	Size      int      `yaml:"size"`
	Behaviors []string `yaml:"behaviors"` // per peer: ok, declined, busy, unexpected, timeout, notok
}

// Addresses returns the address of every cluster peer.
func (c ClusterConfig) Addresses() []string {
	addrs := make([]string, c.Size)
	for i := range addrs {
		addrs[i] = c.Address(i)
	}
	return addrs
}

// Address returns the address of peer i.
func (c ClusterConfig) Address(i int) string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.BasePort+i))
}

// Behavior returns the configured behavior of peer i.
func (c ClusterConfig) Behavior(i int) string {
	if i < len(c.Behaviors) && c.Behaviors[i] != "" {
		return c.Behaviors[i]
	}
	return "ok"
}
