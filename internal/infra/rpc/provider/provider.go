// Package provider implements the connection layer used by the dispatcher.
//
// This package contains:
//   - Conn and Connector: the transport abstraction the retry engine consumes
//   - Peer, Request, Response, Arg: call data
//   - TransportError: transport failures tagged with an error kind
//   - GRPCConn and ConnPool: the gRPC transport with pooled connections
//   - PeerMonitor: per-peer latency, in-flight and error tracking
package provider

import (
	"context"
	"time"
)

// Peer is a remote endpoint a call can be sent to.
type Peer struct {
	// Address is the host:port of the peer and identifies it within a call.
	Address string

	// Conn is an already established handle to the peer. When nil, the
	// dispatcher borrows one from its Connector for every attempt.
	Conn Conn
}

// Peers builds peers from bare addresses.
func Peers(addresses ...string) []Peer {
	peers := make([]Peer, 0, len(addresses))
	for _, addr := range addresses {
		peers = append(peers, Peer{Address: addr})
	}
	return peers
}

// Request is one outgoing call as seen by a connection.
type Request struct {
	Service   string
	Operation string
	Headers   map[string]string
	Arg2      []byte
	Arg3      []byte

	// Timeout bounds this single attempt. Zero means no transport deadline.
	Timeout time.Duration

	// Stream asks the peer to deliver arg2/arg3 incrementally.
	Stream bool
}

// Conn is a usable connection to a single peer. Implementations must be safe
// for concurrent use since one connection is shared by many calls.
type Conn interface {
	// Address returns the peer address this connection talks to.
	Address() string

	// Send performs one call. It returns either a response or an error,
	// never both. Transport failures should be *TransportError.
	Send(ctx context.Context, req *Request) (*Response, error)
}

// Connector hands out connections by peer address. It owns their lifecycle.
type Connector interface {
	// Connect returns a usable connection, waiting until the peer is ready.
	// A peer that cannot be reached fails with a connection error.
	Connect(ctx context.Context, address string) (Conn, error)
}
