// ABOUTME: Retry policy model, exponential backoff delay calculation, and the TTL-cached policy registry.
// ABOUTME: Resolution order: cache, (service, stage) row, (service, nil) row, compiled-in default.
package pipeline

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// RetryPolicy controls retry behavior for one service or (service, stage) pair.
type RetryPolicy struct {
	ServiceName     string
	StageName       string // empty = applies to all stages of the service
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	Jitter          bool
}

// DefaultRetryPolicy returns the compiled-in fallback policy:
// 3 retries, 1s base delay, 60s max delay, 2x backoff, jitter enabled.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      3,
		BaseDelay:       time.Second,
		MaxDelay:        60 * time.Second,
		ExponentialBase: 2.0,
		Jitter:          true,
	}
}

// Delay computes the backoff delay for a retry attempt (1-indexed):
// min(base * exponential_base^attempt, max), with jitter multiplying the
// result by a uniform random factor in [0.5, 1.5] when enabled.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delayFloat := float64(p.BaseDelay) * math.Pow(p.ExponentialBase, float64(attempt))
	if delayFloat > float64(p.MaxDelay) {
		delayFloat = float64(p.MaxDelay)
	}

	if p.Jitter {
		delayFloat *= 0.5 + rand.Float64()
	}

	return time.Duration(delayFloat)
}

// PolicyStore loads persisted retry policies. A nil policy with nil error
// means no row matched.
type PolicyStore interface {
	GetRetryPolicy(ctx context.Context, serviceName, stageName string) (*RetryPolicy, error)
}

// PolicyRegistry resolves retry policies with a bounded-TTL in-memory cache
// in front of the persisted policy table. Reads never block each other.
type PolicyRegistry struct {
	store    PolicyStore
	ttl      time.Duration
	fallback RetryPolicy

	mu    sync.RWMutex
	cache map[string]cachedPolicy
}

type cachedPolicy struct {
	policy  RetryPolicy
	expires time.Time
}

// NewPolicyRegistry creates a registry over the given store. A zero ttl
// disables caching. The fallback policy is returned when no persisted row
// matches; pass DefaultRetryPolicy() unless configuration overrides it.
func NewPolicyRegistry(store PolicyStore, ttl time.Duration, fallback RetryPolicy) *PolicyRegistry {
	return &PolicyRegistry{
		store:    store,
		ttl:      ttl,
		fallback: fallback,
		cache:    make(map[string]cachedPolicy),
	}
}

// GetPolicy resolves the policy for a (service, stage) pair. First hit wins:
// unexpired cache entry, persisted (service, stage) row, persisted (service)
// row with stage unset, compiled-in default. Store errors degrade to the
// fallback policy rather than failing the stage.
func (r *PolicyRegistry) GetPolicy(ctx context.Context, serviceName, stageName string) RetryPolicy {
	key := serviceName + "/" + stageName

	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()
	if ok && time.Now().Before(entry.expires) {
		return entry.policy
	}

	policy := r.resolve(ctx, serviceName, stageName)

	if r.ttl > 0 {
		r.mu.Lock()
		r.cache[key] = cachedPolicy{policy: policy, expires: time.Now().Add(r.ttl)}
		r.mu.Unlock()
	}

	return policy
}

func (r *PolicyRegistry) resolve(ctx context.Context, serviceName, stageName string) RetryPolicy {
	if r.store != nil {
		if stageName != "" {
			if p, err := r.store.GetRetryPolicy(ctx, serviceName, stageName); err == nil && p != nil {
				return *p
			}
		}
		if p, err := r.store.GetRetryPolicy(ctx, serviceName, ""); err == nil && p != nil {
			return *p
		}
	}
	return r.fallback
}
