// Package rpc provides a retrying RPC client for courier peers.
//
// This package offers:
//   - Pooled gRPC connections to peers
//   - Per-call retry on another peer, driven by error kind and retry flags
//   - Application-level retry predicates over delivered responses
//   - Per-peer monitoring and pluggable peer selection
//
// # Quick Start
//
//	import "github.com/vietddude/courier/internal/infra/rpc"
//
//	client, err := rpc.NewClient(rpc.ClientConfig{Service: "wallet"})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	client.AddPeers("127.0.0.1:3000", "127.0.0.1:3001")
//
//	rc := client.NewRequest("balance", nil, []byte(`{"id":1}`),
//	    rpc.WithRetryFlags(rpc.RetryFlags{OnTimeout: true}))
//	res, err := client.Send(ctx, rc)
//
// # Package Structure
//
//   - provider/ - Connections, gRPC transport, pooling and monitoring
//   - routing/  - Error classification, peer selection, retry dispatch
//   - server/   - Peer server and canned handlers
//
// Most types are re-exported at the root level for convenience.
package rpc

import (
	"github.com/vietddude/courier/internal/core/domain"
	"github.com/vietddude/courier/internal/infra/rpc/provider"
	"github.com/vietddude/courier/internal/infra/rpc/routing"
)

// =============================================================================
// Re-exported types from domain package
// =============================================================================

// ErrorKind classifies failed attempts.
type ErrorKind = domain.ErrorKind

// RetryFlags are the caller's retry toggles.
type RetryFlags = domain.RetryFlags

// =============================================================================
// Re-exported types from provider package
// =============================================================================

// Peer is a remote endpoint.
type Peer = provider.Peer

// Response is a delivered call result.
type Response = provider.Response

// TransportError is a failed attempt reported by the transport.
type TransportError = provider.TransportError

// PeerStats holds monitoring statistics for a peer.
type PeerStats = provider.PeerStats

// =============================================================================
// Re-exported types from routing package
// =============================================================================

// RequestContext is the retry state of one call.
type RequestContext = routing.RequestContext

// Attempt is one outgoing call to a peer.
type Attempt = routing.Attempt

// Decision is the verdict of a retry predicate.
type Decision = routing.Decision

// Predicate inspects delivered responses.
type Predicate = routing.Predicate

// Observer is notified as calls progress.
type Observer = routing.Observer

// Strategy names a peer selection strategy.
type Strategy = routing.Strategy

// Selection strategy constants
const (
	StrategyFirst        = routing.StrategyFirst
	StrategyRandom       = routing.StrategyRandom
	StrategyRoundRobin   = routing.StrategyRoundRobin
	StrategyLeastPending = routing.StrategyLeastPending
)

// Predicate verdicts.
var (
	Retry  = routing.Retry
	Finish = routing.Finish
	Fail   = routing.Fail
)

// KindOf returns the error kind of a terminal error.
var KindOf = routing.KindOf
