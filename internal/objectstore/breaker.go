package objectstore

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/dwsmith1983/ferry/internal/metrics"
)

// BreakerStore fails fast once the wrapped store keeps failing, then probes
// again after a cooldown.
type BreakerStore struct {
	next Store
	cb   *gobreaker.CircuitBreaker
}

// WithBreaker wraps next with a circuit breaker that opens after
// failThreshold consecutive failures and half-opens after cooldown.
func WithBreaker(next Store, failThreshold uint32, cooldown time.Duration, logger *slog.Logger) *BreakerStore {
	if failThreshold == 0 {
		failThreshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "object-store",
		Timeout: cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				metrics.ObjectStoreBreakerOpen.Add(1)
			}
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &BreakerStore{next: next, cb: cb}
}

// Put uploads through the breaker.
func (b *BreakerStore) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	url, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Put(ctx, key, body, contentType)
	})
	if err != nil {
		return "", err
	}
	return url.(string), nil
}

// State returns the breaker state name.
func (b *BreakerStore) State() string { return b.cb.State().String() }
