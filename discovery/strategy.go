package discovery

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"strconv"
	"sync"
	"time"
)

// Strategy names a selection policy.
type Strategy string

const (
	StrategyRandom         Strategy = "random"
	StrategyRoundRobin     Strategy = "round_robin"
	StrategyWeighted       Strategy = "weighted"
	StrategyConsistentHash Strategy = "consistent_hash"
	StrategyFirst          Strategy = "first"
)

// SelectionKey describes the request a selector is choosing for.
type SelectionKey struct {
	ServiceID   string
	Environment string
	Protocol    string
	// RequestKey pins a caller to an instance under consistent hashing.
	RequestKey string
}

// Selector picks one endpoint from a non-empty candidate list. Candidates
// arrive sorted by key. Implementations must be safe for concurrent use.
type Selector interface {
	Select(key SelectionKey, candidates []*Endpoint) *Endpoint
}

// SelectorFunc adapts a function to Selector.
type SelectorFunc func(key SelectionKey, candidates []*Endpoint) *Endpoint

// Select implements Selector.
func (f SelectorFunc) Select(key SelectionKey, candidates []*Endpoint) *Endpoint {
	return f(key, candidates)
}

// NewSelector returns the selector for strategy. A zero seed uses the
// current time.
func NewSelector(strategy Strategy, seed int64) (Selector, error) {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	r := &lockedRand{r: rand.New(rand.NewSource(seed))}
	switch strategy {
	case StrategyRandom, "":
		return &randomSelector{r: r}, nil
	case StrategyRoundRobin:
		return &roundRobinSelector{next: make(map[SelectionKey]int)}, nil
	case StrategyWeighted:
		return &weightedSelector{r: r}, nil
	case StrategyConsistentHash:
		return &hashSelector{fallback: &randomSelector{r: r}}, nil
	case StrategyFirst:
		return SelectorFunc(func(_ SelectionKey, c []*Endpoint) *Endpoint { return c[0] }), nil
	default:
		return nil, fmt.Errorf("unknown selection strategy %q", strategy)
	}
}

type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) Intn(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Intn(n)
}

type randomSelector struct {
	r *lockedRand
}

func (s *randomSelector) Select(_ SelectionKey, candidates []*Endpoint) *Endpoint {
	return candidates[s.r.Intn(len(candidates))]
}

type roundRobinSelector struct {
	mu   sync.Mutex
	next map[SelectionKey]int
}

func (s *roundRobinSelector) Select(key SelectionKey, candidates []*Endpoint) *Endpoint {
	key.RequestKey = ""
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.next[key] % len(candidates)
	s.next[key] = (idx + 1) % len(candidates)
	return candidates[idx]
}

type weightedSelector struct {
	r *lockedRand
}

func (s *weightedSelector) Select(_ SelectionKey, candidates []*Endpoint) *Endpoint {
	total := 0
	for _, ep := range candidates {
		total += weightOf(ep)
	}
	n := s.r.Intn(total)
	for _, ep := range candidates {
		n -= weightOf(ep)
		if n < 0 {
			return ep
		}
	}
	return candidates[0]
}

// weightOf reads the weight parameter. Missing or non-positive weights
// count as 1.
func weightOf(ep *Endpoint) int {
	v, ok := ep.Parameter(ParamWeight)
	if !ok {
		return 1
	}
	w, err := strconv.Atoi(v)
	if err != nil || w <= 0 {
		return 1
	}
	return w
}

// hashSelector uses rendezvous hashing so that the same request key keeps
// landing on the same instance while membership is stable, and only keys
// owned by a removed instance move.
type hashSelector struct {
	fallback Selector
}

func (s *hashSelector) Select(key SelectionKey, candidates []*Endpoint) *Endpoint {
	if key.RequestKey == "" {
		return s.fallback.Select(key, candidates)
	}
	var (
		best      *Endpoint
		bestScore uint64
	)
	for _, ep := range candidates {
		h := fnv.New64a()
		_, _ = h.Write([]byte(key.RequestKey))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(ep.Key()))
		if score := h.Sum64(); best == nil || score > bestScore {
			best, bestScore = ep, score
		}
	}
	return best
}
