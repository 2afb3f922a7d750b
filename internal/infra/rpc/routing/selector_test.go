package routing

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/vietddude/courier/internal/infra/rpc/provider"
)

type triedSet map[string]bool

func (s triedSet) Tried(address string) bool { return s[address] }

type fakeStats map[string]provider.PeerStats

func (f fakeStats) Stats(address string) (provider.PeerStats, bool) {
	s, ok := f[address]
	return s, ok
}

var allStrategies = []Strategy{StrategyFirst, StrategyRandom, StrategyRoundRobin, StrategyLeastPending}

func TestSelectorNeverRepeatsPeer(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("selection visits every distinct peer exactly once", prop.ForAll(
		func(ids []int, strategyIndex int) bool {
			peers := make([]provider.Peer, len(ids))
			distinct := make(map[string]bool)
			for i, id := range ids {
				peers[i] = provider.Peer{Address: fmt.Sprintf("10.0.0.%d:4040", id)}
				distinct[peers[i].Address] = true
			}

			sel, err := NewSelector(allStrategies[strategyIndex], fakeStats{})
			if err != nil {
				return false
			}

			tried := triedSet{}
			for range distinct {
				p, err := sel.Select(peers, tried)
				if err != nil || tried[p.Address] || !distinct[p.Address] {
					return false
				}
				tried[p.Address] = true
			}

			_, err = sel.Select(peers, tried)
			return errors.Is(err, ErrExhausted)
		},
		gen.SliceOf(gen.IntRange(0, 9)),
		gen.IntRange(0, len(allStrategies)-1),
	))

	properties.TestingRun(t)
}

func TestSelectorEmpty(t *testing.T) {
	for _, strategy := range allStrategies {
		sel, err := NewSelector(strategy, nil)
		if err != nil {
			t.Fatalf("NewSelector(%s): %v", strategy, err)
		}
		if _, err := sel.Select(nil, triedSet{}); !errors.Is(err, ErrExhausted) {
			t.Errorf("%s: expected ErrExhausted, got %v", strategy, err)
		}
	}
}

func TestNewSelectorUnknown(t *testing.T) {
	if _, err := NewSelector("weighted", nil); err == nil {
		t.Error("expected error for unknown strategy")
	}
	sel, err := NewSelector("", nil)
	if err != nil {
		t.Fatalf("empty strategy: %v", err)
	}
	if _, ok := sel.(*RandomSelector); !ok {
		t.Errorf("empty strategy should select randomly, got %T", sel)
	}
}

func TestRandomSelectorUsesHook(t *testing.T) {
	peers := provider.Peers("a:1", "b:1", "c:1")
	sel := &RandomSelector{Intn: func(n int) int { return n - 1 }}

	p, err := sel.Select(peers, triedSet{"c:1": true})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if p.Address != "b:1" {
		t.Errorf("expected b:1, got %s", p.Address)
	}
}

func TestRoundRobinRotatesStart(t *testing.T) {
	peers := provider.Peers("a:1", "b:1", "c:1")
	sel := &RoundRobinSelector{}

	var got []string
	for i := 0; i < 4; i++ {
		p, err := sel.Select(peers, triedSet{})
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		got = append(got, p.Address)
	}

	want := []string{"a:1", "b:1", "c:1", "a:1"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rotation = %v, want %v", got, want)
		}
	}
}

func TestLeastPendingSelector(t *testing.T) {
	peers := provider.Peers("a:1", "b:1", "c:1")
	stats := fakeStats{
		"a:1": {Pending: 3},
		"b:1": {Pending: 1, AverageLatency: 50 * time.Millisecond},
		"c:1": {Pending: 1, AverageLatency: 10 * time.Millisecond},
	}
	sel := &LeastPendingSelector{Stats: stats}

	p, _ := sel.Select(peers, triedSet{})
	if p.Address != "c:1" {
		t.Errorf("expected c:1, got %s", p.Address)
	}

	stats["c:1"] = provider.PeerStats{Status: provider.StatusUnreachable}
	p, _ = sel.Select(peers, triedSet{})
	if p.Address != "b:1" {
		t.Errorf("unreachable peer should rank last, got %s", p.Address)
	}

	p, _ = sel.Select(peers, triedSet{"b:1": true})
	if p.Address != "a:1" {
		t.Errorf("expected a:1, got %s", p.Address)
	}
}
