package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wortley/dechecs/pkg/logging"
)

const refillPeriod = time.Minute

// tokenBucket gates new connections process-wide. It is not per-IP: it
// bounds total unauthenticated connection churn on this worker.
type tokenBucket struct {
	mu           sync.Mutex
	tokens       int
	capacity     int
	refillAmount int
}

func newTokenBucket(initial, capacity, refillAmount int) *tokenBucket {
	return &tokenBucket{
		tokens:       initial,
		capacity:     capacity,
		refillAmount: refillAmount,
	}
}

// TryConsume takes one token if available. A denied caller must reject and
// terminate the connection attempt.
func (b *tokenBucket) TryConsume() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}

func (b *tokenBucket) refill() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = min(b.tokens+b.refillAmount, b.capacity)
}

// Start runs the refiller until the context is cancelled at shutdown.
func (b *tokenBucket) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(refillPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				logging.Info("token refiller stopped")
				return
			case <-ticker.C:
				b.refill()
			}
		}
	}()
	logging.Info("token refiller started",
		zap.Int("capacity", b.capacity),
		zap.Int("refill_per_minute", b.refillAmount),
	)
}
