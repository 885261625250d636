// Package selector chooses which acknowledging peers take part in a
// transfer.
package selector

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"dpn/pkg/types"
)

// Policy orders candidates by preference. Selector takes the first k.
// Implementations must return a permutation of candidates.
type Policy interface {
	Name() string
	Rank(candidates []types.NodeID) []types.NodeID
}

// RandomPolicy samples uniformly. It stands in until a scoring policy based
// on peer health or capacity exists.
type RandomPolicy struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewRandomPolicy(seed int64) *RandomPolicy {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &RandomPolicy{rng: rand.New(rand.NewSource(seed))}
}

func (p *RandomPolicy) Name() string { return "random" }

func (p *RandomPolicy) Rank(candidates []types.NodeID) []types.NodeID {
	out := append([]types.NodeID(nil), candidates...)
	p.mu.Lock()
	p.rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	p.mu.Unlock()
	return out
}

// PreferredPolicy ranks configured nodes first, in configured order, then
// the remaining candidates by name.
type PreferredPolicy struct {
	order map[types.NodeID]int
}

func NewPreferredPolicy(preferred []types.NodeID) *PreferredPolicy {
	order := make(map[types.NodeID]int, len(preferred))
	for i, n := range preferred {
		if _, seen := order[n]; !seen {
			order[n] = i
		}
	}
	return &PreferredPolicy{order: order}
}

func (p *PreferredPolicy) Name() string { return "preferred" }

func (p *PreferredPolicy) Rank(candidates []types.NodeID) []types.NodeID {
	out := append([]types.NodeID(nil), candidates...)
	sort.SliceStable(out, func(i, j int) bool {
		oi, iok := p.order[out[i]]
		oj, jok := p.order[out[j]]
		switch {
		case iok && jok:
			return oi < oj
		case iok != jok:
			return iok
		default:
			return out[i] < out[j]
		}
	})
	return out
}

// PolicyByName builds a policy from configuration.
func PolicyByName(name string, preferred []types.NodeID) (Policy, error) {
	switch name {
	case "", "random":
		return NewRandomPolicy(0), nil
	case "preferred":
		return NewPreferredPolicy(preferred), nil
	}
	return nil, fmt.Errorf("unknown selection policy %q", name)
}

// Selector picks k distinct peers from a candidate pool.
type Selector struct {
	policy Policy
}

func New(policy Policy) *Selector {
	if policy == nil {
		policy = NewRandomPolicy(0)
	}
	return &Selector{policy: policy}
}

func (s *Selector) Policy() Policy {
	return s.policy
}

// Select returns k distinct peers. Duplicate candidates count once.
func (s *Selector) Select(candidates []types.NodeID, k int) ([]types.NodeID, error) {
	if k < 0 {
		return nil, fmt.Errorf("selection count must not be negative, got %d", k)
	}

	seen := make(map[types.NodeID]bool, len(candidates))
	unique := make([]types.NodeID, 0, len(candidates))
	for _, c := range candidates {
		if !seen[c] {
			seen[c] = true
			unique = append(unique, c)
		}
	}
	if k > len(unique) {
		return nil, fmt.Errorf("cannot select %d nodes from %d candidates", k, len(unique))
	}
	if k == 0 {
		return []types.NodeID{}, nil
	}

	ranked := s.policy.Rank(unique)
	return ranked[:k], nil
}
