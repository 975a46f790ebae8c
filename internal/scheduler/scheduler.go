package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/leadpipe/flowstate/internal/store"
)

// Policy describes one recurring retention sweep.
type Policy struct {
	CronExpression string
	DaysToKeep     int
	KeepFailed     bool
}

// Sweeper runs retention cleanups on a cron schedule. The store performs
// no scheduling of its own; this loop is the only background work in the
// process.
type Sweeper struct {
	retention *store.RetentionManager
	policy    Policy
	parser    cron.Parser
	logger    *slog.Logger
	cancel    context.CancelFunc
	done      chan struct{}
	wg        sync.WaitGroup
	mu        sync.Mutex

	// running dedupes overlapping sweeps when a cleanup outlasts a tick.
	runningMu sync.Mutex
	running   bool
}

// NewSweeper creates a retention sweeper for the given policy.
func NewSweeper(rm *store.RetentionManager, policy Policy, logger *slog.Logger) (*Sweeper, error) {
	s := &Sweeper{
		retention: rm,
		policy:    policy,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:    logger,
	}
	if _, err := s.parser.Parse(policy.CronExpression); err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", policy.CronExpression, err)
	}
	return s, nil
}

// Start launches the background sweep loop with a 60s ticker.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("sweeper already started")
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(sweepCtx)
	s.logger.Info("retention sweeper started",
		slog.String("schedule", s.policy.CronExpression),
		slog.Int("days_to_keep", s.policy.DaysToKeep),
		slog.Bool("keep_failed", s.policy.KeepFailed),
	)
	return nil
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	schedule, err := s.parser.Parse(s.policy.CronExpression)
	if err != nil {
		// Validated in NewSweeper; unreachable unless the policy changed.
		s.logger.Error("invalid sweep schedule", slog.String("error", err.Error()))
		return
	}

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	next := schedule.Next(time.Now().UTC())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()
			if now.Before(next) {
				continue
			}
			next = schedule.Next(now)
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.sweep(ctx)
			}()
		}
	}
}

// sweep runs one cleanup unless another is still in flight.
func (s *Sweeper) sweep(ctx context.Context) {
	s.runningMu.Lock()
	if s.running {
		s.runningMu.Unlock()
		return
	}
	s.running = true
	s.runningMu.Unlock()
	defer func() {
		s.runningMu.Lock()
		s.running = false
		s.runningMu.Unlock()
	}()

	if _, err := s.retention.Cleanup(ctx, s.policy.DaysToKeep, s.policy.KeepFailed); err != nil {
		s.logger.Error("scheduled retention sweep failed", slog.String("error", err.Error()))
	}
}

// NextRun computes the next sweep time after from.
func (s *Sweeper) NextRun(from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(s.policy.CronExpression)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", s.policy.CronExpression, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the sweeper.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.wg.Wait()
	s.cancel = nil
	s.done = nil

	s.logger.Info("retention sweeper stopped")
	return nil
}
