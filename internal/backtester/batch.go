package backtester

import (
	"context"
	"fmt"
	"sync"

	"github.com/atlas-desktop/trading-engine/internal/strategy"
	"github.com/atlas-desktop/trading-engine/internal/workers"
	"github.com/atlas-desktop/trading-engine/pkg/types"
	"go.uber.org/zap"
)

// Job is one isolated backtest in a batch
type Job struct {
	Strategy strategy.Strategy
	Bars     []types.Bar
	Symbol   string
	Config   types.BacktestConfig
}

// RunBatch runs jobs in parallel on a worker pool. Each job gets its own
// ledger and order manager; results and errors are returned in job order.
// Jobs must not share a stateful Strategy value.
func RunBatch(ctx context.Context, jobs []Job, numWorkers int, opts ...Option) ([]types.MetricsReport, []error) {
	reports := make([]types.MetricsReport, len(jobs))
	errs := make([]error, len(jobs))
	if len(jobs) == 0 {
		return reports, errs
	}

	o := runOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	pool := workers.NewPool(o.logger, &workers.PoolConfig{
		Name:            "backtest",
		NumWorkers:      numWorkers,
		QueueSize:       len(jobs),
		ShutdownTimeout: workers.DefaultPoolConfig("backtest").ShutdownTimeout,
	})
	pool.Start()
	defer pool.Stop()

	var wg sync.WaitGroup
	for i := range jobs {
		i := i
		wg.Add(1)
		err := pool.SubmitWait(ctx, workers.TaskFunc(func() (err error) {
			defer wg.Done()
			// An invariant panic fails this job instead of leaving a zero report
			defer func() {
				if r := recover(); r != nil {
					reports[i] = types.MetricsReport{}
					err = fmt.Errorf("job %d panicked: %v", i, r)
					errs[i] = err
					o.logger.Error("Backtest job panicked", zap.Int("job", i), zap.Any("panic", r))
				}
			}()
			job := jobs[i]
			reports[i], errs[i] = RunBacktest(ctx, job.Strategy, job.Bars, job.Symbol, job.Config, opts...)
			return errs[i]
		}))
		if err != nil {
			wg.Done()
			errs[i] = fmt.Errorf("job %d not scheduled: %w", i, err)
		}
	}
	wg.Wait()

	o.logger.Info("Batch completed",
		zap.Int("jobs", len(jobs)),
		zap.Int64("failed", pool.Stats().TasksFailed))
	return reports, errs
}
