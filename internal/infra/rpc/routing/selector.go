package routing

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync/atomic"

	"github.com/vietddude/courier/internal/infra/rpc/provider"
)

// ErrExhausted is returned by a Selector when every peer has been tried.
var ErrExhausted = errors.New("no untried peers left")

// Tried reports whether a peer address was already attempted.
type Tried interface {
	Tried(address string) bool
}

// Selector chooses the next peer for a call. It must never return a peer
// whose address is tried, and returns ErrExhausted when none is left.
type Selector interface {
	Select(peers []provider.Peer, tried Tried) (provider.Peer, error)
}

// Strategy names a selection strategy.
type Strategy string

const (
	StrategyFirst        Strategy = "first"         // List order
	StrategyRandom       Strategy = "random"        // Uniform among untried peers
	StrategyRoundRobin   Strategy = "round_robin"   // Rotating start offset across calls
	StrategyLeastPending Strategy = "least_pending" // Fewest in-flight calls, then lowest latency
)

// StatsSource exposes per-peer monitoring, typically the connection pool.
type StatsSource interface {
	Stats(address string) (provider.PeerStats, bool)
}

// NewSelector creates a selector for strategy. stats is only used by
// StrategyLeastPending and may be nil otherwise.
func NewSelector(strategy Strategy, stats StatsSource) (Selector, error) {
	switch strategy {
	case StrategyFirst:
		return FirstSelector{}, nil
	case StrategyRandom, "":
		return &RandomSelector{}, nil
	case StrategyRoundRobin:
		return &RoundRobinSelector{}, nil
	case StrategyLeastPending:
		return &LeastPendingSelector{Stats: stats}, nil
	default:
		return nil, fmt.Errorf("unknown selection strategy %q", strategy)
	}
}

// untried returns the peers not yet attempted, keeping the first occurrence
// of every address.
func untried(peers []provider.Peer, tried Tried) []provider.Peer {
	seen := make(map[string]struct{}, len(peers))
	out := make([]provider.Peer, 0, len(peers))
	for _, p := range peers {
		if _, dup := seen[p.Address]; dup {
			continue
		}
		seen[p.Address] = struct{}{}
		if tried != nil && tried.Tried(p.Address) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// FirstSelector picks the first untried peer in list order.
type FirstSelector struct{}

func (FirstSelector) Select(peers []provider.Peer, tried Tried) (provider.Peer, error) {
	candidates := untried(peers, tried)
	if len(candidates) == 0 {
		return provider.Peer{}, ErrExhausted
	}
	return candidates[0], nil
}

// RandomSelector picks uniformly among untried peers.
type RandomSelector struct {
	// Intn returns a value in [0, n). Defaults to math/rand/v2.
	Intn func(n int) int
}

func (s *RandomSelector) Select(peers []provider.Peer, tried Tried) (provider.Peer, error) {
	candidates := untried(peers, tried)
	if len(candidates) == 0 {
		return provider.Peer{}, ErrExhausted
	}

	intn := s.Intn
	if intn == nil {
		intn = rand.IntN
	}
	return candidates[intn(len(candidates))], nil
}

// RoundRobinSelector rotates the first peer a call starts with so load
// spreads across the list. Later attempts continue from there.
type RoundRobinSelector struct {
	next atomic.Uint64
}

func (s *RoundRobinSelector) Select(peers []provider.Peer, tried Tried) (provider.Peer, error) {
	candidates := untried(peers, tried)
	if len(candidates) == 0 {
		return provider.Peer{}, ErrExhausted
	}

	index := (s.next.Add(1) - 1) % uint64(len(candidates))
	return candidates[index], nil
}

// LeastPendingSelector prefers reachable peers with the fewest in-flight
// calls, breaking ties by average latency and then list order.
type LeastPendingSelector struct {
	Stats StatsSource
}

func (s *LeastPendingSelector) Select(peers []provider.Peer, tried Tried) (provider.Peer, error) {
	candidates := untried(peers, tried)
	if len(candidates) == 0 {
		return provider.Peer{}, ErrExhausted
	}
	if s.Stats == nil {
		return candidates[0], nil
	}

	type scored struct {
		peer  provider.Peer
		stats provider.PeerStats
		index int
	}

	ranked := make([]scored, len(candidates))
	for i, p := range candidates {
		stats, _ := s.Stats.Stats(p.Address)
		ranked[i] = scored{peer: p, stats: stats, index: i}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i].stats, ranked[j].stats
		aDown := a.Status == provider.StatusUnreachable
		bDown := b.Status == provider.StatusUnreachable
		if aDown != bDown {
			return !aDown
		}
		if a.Pending != b.Pending {
			return a.Pending < b.Pending
		}
		if a.AverageLatency != b.AverageLatency {
			return a.AverageLatency < b.AverageLatency
		}
		return ranked[i].index < ranked[j].index
	})

	return ranked[0].peer, nil
}
