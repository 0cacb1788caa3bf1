// Package accrual runs the periodic accrual jobs: daily investment
// profit and per-period copy-trading earnings. A Redis lease per
// (job, period) keeps multiple instances from running the same period
// at once; the per-row accrual records remain the correctness guarantee
// if the lease expires mid-run.
package accrual

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/altavest/ledgercore/internal/copytrading"
	"github.com/altavest/ledgercore/internal/investment"
)

// Options configures the scheduler intervals and the copy earnings rate.
type Options struct {
	InvestmentInterval time.Duration
	CopyInterval       time.Duration
	CopyReturnRate     decimal.Decimal
	LockTTL            time.Duration
}

// Scheduler drives the accrual engines on tickers.
type Scheduler struct {
	logger      *zap.Logger
	redis       *redis.Client
	investments *investment.Service
	copying     *copytrading.Service
	opts        Options

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewScheduler creates a scheduler. redisClient may be nil; leases are
// then skipped, which is fine for single-instance deployments.
func NewScheduler(logger *zap.Logger, redisClient *redis.Client, investments *investment.Service, copying *copytrading.Service, opts Options) *Scheduler {
	if opts.InvestmentInterval <= 0 {
		opts.InvestmentInterval = time.Hour
	}
	if opts.CopyInterval <= 0 {
		opts.CopyInterval = time.Hour
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 10 * time.Minute
	}
	return &Scheduler{
		logger:      logger,
		redis:       redisClient,
		investments: investments,
		copying:     copying,
		opts:        opts,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start launches the ticker loops. Call Stop to shut them down.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop halts the loops and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

func (s *Scheduler) run() {
	defer close(s.doneCh)

	investTicker := time.NewTicker(s.opts.InvestmentInterval)
	defer investTicker.Stop()
	copyTicker := time.NewTicker(s.opts.CopyInterval)
	defer copyTicker.Stop()

	// Run once at startup so a restart never waits a full interval.
	s.runInvestment()
	s.runCopy()

	for {
		select {
		case <-s.stopCh:
			return
		case <-investTicker.C:
			s.runInvestment()
		case <-copyTicker.C:
			s.runCopy()
		}
	}
}

func (s *Scheduler) runInvestment() {
	now := time.Now().UTC()
	period := now.Format("2006-01-02")
	if !s.acquireLease("investment", period) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.LockTTL)
	defer cancel()
	if err := s.investments.RunDailyAccrual(ctx, now); err != nil {
		s.logger.Error("investment accrual run failed", zap.String("period", period), zap.Error(err))
	}
}

func (s *Scheduler) runCopy() {
	now := time.Now().UTC()
	period := now.Format("2006-01-02T15")
	if !s.acquireLease("copytrading", period) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.LockTTL)
	defer cancel()
	if err := s.copying.ApplyEarnings(ctx, period, s.opts.CopyReturnRate); err != nil {
		s.logger.Error("copy-trading earnings run failed", zap.String("period", period), zap.Error(err))
	}
}

// acquireLease takes the per-period lease via SETNX. A Redis failure
// lets the run proceed: the accrual records keep duplicates out.
func (s *Scheduler) acquireLease(job, period string) bool {
	if s.redis == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := "ledgercore:accrual:" + job + ":" + period
	ok, err := s.redis.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), s.opts.LockTTL).Result()
	if err != nil {
		s.logger.Warn("accrual lease check failed, proceeding without lease",
			zap.String("job", job), zap.Error(err))
		return true
	}
	if !ok {
		s.logger.Debug("accrual period already leased",
			zap.String("job", job), zap.String("period", period))
	}
	return ok
}
