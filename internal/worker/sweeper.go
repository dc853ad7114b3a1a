package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"enrollment-service/internal/models"
	"enrollment-service/internal/service"
	"enrollment-service/internal/util"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const sweepLockKey = "sweeper:stale-payments"

// StalePayments lists pending payments nobody has reconciled yet
type StalePayments interface {
	ListStalePendingPayments(ctx context.Context, cutoff time.Time, limit int) ([]models.Payment, error)
}

// Locker is a distributed mutex
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// SweeperConfig tunes the stale payment sweeper
type SweeperConfig struct {
	Schedule    string
	StaleAfter  time.Duration
	BatchSize   int
	Parallelism int
	LockTTL     time.Duration
}

func (c SweeperConfig) withDefaults() SweeperConfig {
	if c.Schedule == "" {
		c.Schedule = "@every 1m"
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 8
	}
	if c.LockTTL <= 0 {
		c.LockTTL = time.Minute
	}
	return c
}

// SweepStats summarises one sweep
type SweepStats struct {
	Scanned      int  `json:"scanned"`
	Reconciled   int  `json:"reconciled"`
	StillPending int  `json:"still_pending"`
	Errors       int  `json:"errors"`
	Skipped      bool `json:"skipped"`
}

// Sweeper periodically reconciles pending payments whose webhook never
// arrived and whose buyer never came back to poll.
type Sweeper struct {
	payments   StalePayments
	reconciler Reconciler
	locker     Locker
	cfg        SweeperConfig
	cron       *cron.Cron
	now        func() time.Time
	logger     *zap.Logger
}

// NewSweeper creates a new sweeper. locker may be nil for single-instance setups.
func NewSweeper(payments StalePayments, reconciler Reconciler, locker Locker, cfg SweeperConfig) *Sweeper {
	return &Sweeper{
		payments:   payments,
		reconciler: reconciler,
		locker:     locker,
		cfg:        cfg.withDefaults(),
		now:        time.Now,
		logger:     util.GetLogger(),
	}
}

// Start schedules the sweep. Overlapping runs are skipped.
func (s *Sweeper) Start() error {
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.LockTTL)
		defer cancel()
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("Sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("invalid sweeper schedule %q: %w", s.cfg.Schedule, err)
	}

	s.cron.Start()
	s.logger.Info("Stale payment sweeper scheduled",
		zap.String("schedule", s.cfg.Schedule),
		zap.Duration("stale_after", s.cfg.StaleAfter))
	return nil
}

// Stop waits for a running sweep to finish
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.logger.Info("Stale payment sweeper stopped")
}

// RunOnce reconciles one batch of stale pending payments
func (s *Sweeper) RunOnce(ctx context.Context) (*SweepStats, error) {
	stats := &SweepStats{}

	if s.locker != nil {
		token, ok, err := s.locker.AcquireLock(ctx, sweepLockKey, s.cfg.LockTTL)
		if err != nil {
			util.SweeperRunsTotal.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("failed to acquire sweep lock: %w", err)
		}
		if !ok {
			util.SweeperRunsTotal.WithLabelValues("skipped").Inc()
			stats.Skipped = true
			return stats, nil
		}
		defer func() {
			if err := s.locker.ReleaseLock(context.Background(), sweepLockKey, token); err != nil {
				s.logger.Warn("Failed to release sweep lock", zap.Error(err))
			}
		}()
	}

	cutoff := s.now().Add(-s.cfg.StaleAfter)
	payments, err := s.payments.ListStalePendingPayments(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		util.SweeperRunsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to list stale payments: %w", err)
	}
	stats.Scanned = len(payments)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Parallelism)

	for _, p := range payments {
		reference := p.Reference
		g.Go(func() error {
			res, err := s.reconciler.Reconcile(gctx, reference, service.ReconcileOptions{})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && res.Outcome == service.OutcomeStillPending:
				stats.StillPending++
			case err == nil:
				stats.Reconciled++
			case errors.Is(err, service.ErrGatewayUnavailable):
				stats.StillPending++
			default:
				stats.Errors++
				s.logger.Error("Sweep reconciliation failed",
					zap.String("reference", reference),
					zap.Error(err))
			}
			// one bad reference must not cancel the batch
			return nil
		})
	}
	_ = g.Wait()

	util.SweeperRunsTotal.WithLabelValues("ok").Inc()
	if stats.Scanned > 0 {
		s.logger.Info("Sweep finished",
			zap.Int("scanned", stats.Scanned),
			zap.Int("reconciled", stats.Reconciled),
			zap.Int("still_pending", stats.StillPending),
			zap.Int("errors", stats.Errors))
	}
	return stats, nil
}
