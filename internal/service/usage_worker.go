package service

import (
	"context"
	"time"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/aicodex-proxy/gateway/internal/domain"
)

// defaultUsageWorkerConcurrency bounds how many usage-snapshot writes run
// concurrently; usage persistence is off the request's hot path but must
// not be allowed to open unbounded database connections under load.
const defaultUsageWorkerConcurrency = 8

// UsageWorkerPool submits usage observations to the accountant off the
// request goroutine, so a slow database write never adds latency to the
// SSE forward. A submission made when there is no pool or the pool has been
// stopped falls back to a synchronous call so an observation is never
// silently dropped.
type UsageWorkerPool struct {
	pool       pond.Pool
	accountant *RateLimitAccountant
	logger     *zap.Logger
}

func NewUsageWorkerPool(accountant *RateLimitAccountant, concurrency int, logger *zap.Logger) *UsageWorkerPool {
	if concurrency <= 0 {
		concurrency = defaultUsageWorkerConcurrency
	}
	return &UsageWorkerPool{
		pool:       pond.NewPool(concurrency),
		accountant: accountant,
		logger:     logger,
	}
}

// Submit queues an Observe call for acc/prior/obs, falling back to a
// synchronous call if the pool has already been stopped.
func (p *UsageWorkerPool) Submit(ctx context.Context, acc *domain.Account, prior *domain.UsageSnapshot, obs quotaStateInput) {
	now := time.Now()
	task := func() {
		if _, _, err := p.accountant.Observe(ctx, acc, prior, obs, now); err != nil && p.logger != nil {
			p.logger.Warn("usage worker: observation failed", zap.String("account_id", acc.ID), zap.Error(err))
		}
	}

	if p.pool == nil || p.pool.Stopped() {
		task()
		return
	}
	p.pool.Submit(task)
}

// StopAndWait drains any in-flight submissions, used during graceful
// shutdown so a usage write in flight isn't lost.
func (p *UsageWorkerPool) StopAndWait() {
	if p.pool != nil {
		p.pool.StopAndWait()
	}
}
