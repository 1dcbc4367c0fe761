package battle

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// ErrUnknownStrategy is returned for an assignment strategy name that was
// never registered.
var ErrUnknownStrategy = errors.New("unknown assignment strategy")

const (
	StrategyFileAffinity = "file-affinity-balanced"
	StrategyRandom       = "random"
	StrategyLeastLoaded  = "least-loaded"
)

// miscGroup collects subtasks that are not split along a file.
const miscGroup = "misc"

// Strategy distributes subtasks over dev branches. The result has an entry
// for every branch, empty or not, and lists every subtask exactly once.
type Strategy interface {
	Name() string
	Assign(subtasks []*models.Subtask, branches []string) map[string][]string
}

func emptyAssignment(branches []string) map[string][]string {
	out := make(map[string][]string, len(branches))
	for _, b := range branches {
		out[b] = nil
	}
	return out
}

// leastLoaded returns the branch with the fewest assignments, lowest index
// first on ties.
func leastLoaded(branches []string, load map[string]int) string {
	best := branches[0]
	for _, b := range branches[1:] {
		if load[b] < load[best] {
			best = b
		}
	}
	return best
}

// FileAffinity groups subtasks by target file and places each group whole
// on the currently least-loaded branch. Subtasks of other kinds share one
// group.
type FileAffinity struct{}

func (FileAffinity) Name() string { return StrategyFileAffinity }

func (FileAffinity) Assign(subtasks []*models.Subtask, branches []string) map[string][]string {
	out := emptyAssignment(branches)
	if len(branches) == 0 {
		return out
	}

	var order []string
	groups := make(map[string][]string)
	for _, st := range subtasks {
		key := miscGroup
		if st.Kind == models.SplitKindFile {
			key = st.Target
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], st.ID)
	}

	load := make(map[string]int, len(branches))
	for _, key := range order {
		b := leastLoaded(branches, load)
		out[b] = append(out[b], groups[key]...)
		load[b] += len(groups[key])
	}
	return out
}

// LeastLoaded hands each subtask to the branch with the fewest
// assignments, which is round-robin in practice.
type LeastLoaded struct{}

func (LeastLoaded) Name() string { return StrategyLeastLoaded }

func (LeastLoaded) Assign(subtasks []*models.Subtask, branches []string) map[string][]string {
	out := emptyAssignment(branches)
	if len(branches) == 0 {
		return out
	}
	load := make(map[string]int, len(branches))
	for _, st := range subtasks {
		b := leastLoaded(branches, load)
		out[b] = append(out[b], st.ID)
		load[b]++
	}
	return out
}

// Random places each subtask on a uniformly chosen branch.
type Random struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandom creates a Random strategy. A zero seed is replaced by the
// current time.
func NewRandom(seed int64) *Random {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Random{rng: rand.New(rand.NewSource(seed))}
}

func (r *Random) Name() string { return StrategyRandom }

func (r *Random) Assign(subtasks []*models.Subtask, branches []string) map[string][]string {
	out := emptyAssignment(branches)
	if len(branches) == 0 {
		return out
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range subtasks {
		b := branches[r.rng.Intn(len(branches))]
		out[b] = append(out[b], st.ID)
	}
	return out
}

// Strategies is a registry of assignment strategies keyed by name.
type Strategies struct {
	mu    sync.RWMutex
	byKey map[string]Strategy
}

// DefaultStrategies registers the three built-in strategies.
func DefaultStrategies(seed int64) *Strategies {
	s := &Strategies{byKey: make(map[string]Strategy)}
	s.Register(FileAffinity{})
	s.Register(LeastLoaded{})
	s.Register(NewRandom(seed))
	return s
}

// Register adds or replaces a strategy.
func (s *Strategies) Register(st Strategy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byKey[st.Name()] = st
}

// Get returns the strategy registered under name.
func (s *Strategies) Get(name string) (Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.byKey[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	return st, nil
}

// Names returns the registered strategy names, sorted.
func (s *Strategies) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.byKey))
	for name := range s.byKey {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
