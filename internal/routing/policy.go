package routing

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

// Policy is the delivery budget attached to a strategy.
type Policy struct {
	Timeout    time.Duration // Per-attempt bound on the mailbox store call
	MaxRetries int           // Retries allowed after the initial attempt
	RetryDelay time.Duration // Pause before each retry (0 = immediate)
}

// UnknownStrategyError is returned by PolicyTable.Lookup on a miss.
// It is recoverable: Lookup also returns the conservative fallback policy.
type UnknownStrategyError struct {
	Strategy string
}

func (e *UnknownStrategyError) Error() string {
	return fmt.Sprintf("no routing policy for strategy %q", e.Strategy)
}

// PolicyTable maps strategy names to policies.
type PolicyTable struct {
	mu             sync.RWMutex
	policies       map[string]Policy
	defaultTimeout time.Duration
}

// NewPolicyTable creates a table. defaultTimeout is used for the fallback
// policy returned on lookup misses.
func NewPolicyTable(policies map[string]Policy, defaultTimeout time.Duration) *PolicyTable {
	t := &PolicyTable{
		policies:       make(map[string]Policy, len(policies)),
		defaultTimeout: defaultTimeout,
	}
	maps.Copy(t.policies, policies)
	return t
}

// Fallback returns the policy applied to strategies with no table entry.
func (t *PolicyTable) Fallback() Policy {
	return Policy{Timeout: t.defaultTimeout, MaxRetries: 0}
}

// Lookup returns the policy for a strategy. On a miss it returns the fallback
// policy together with an *UnknownStrategyError.
func (t *PolicyTable) Lookup(strategy string) (Policy, error) {
	t.mu.RLock()
	policy, ok := t.policies[strategy]
	t.mu.RUnlock()

	if !ok {
		return t.Fallback(), &UnknownStrategyError{Strategy: strategy}
	}
	if policy.Timeout <= 0 {
		policy.Timeout = t.defaultTimeout
	}
	return policy, nil
}

// SetPolicy adds or replaces the policy for a strategy.
func (t *PolicyTable) SetPolicy(strategy string, policy Policy) error {
	if strategy == "" {
		return fmt.Errorf("strategy name cannot be empty")
	}
	if policy.MaxRetries < 0 {
		return fmt.Errorf("strategy %q: max_retries must be >= 0, got %d", strategy, policy.MaxRetries)
	}

	t.mu.Lock()
	t.policies[strategy] = policy
	t.mu.Unlock()
	return nil
}

// Strategies returns the known strategy names in sorted order.
func (t *PolicyTable) Strategies() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Sorted(maps.Keys(t.policies))
}
