package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const sweepTimeout = time.Minute

// ExpirySweeper deactivates cards past their expiry date
type ExpirySweeper interface {
	DeactivateExpired(ctx context.Context) (int64, error)
}

// Scheduler runs periodic maintenance jobs
type Scheduler struct {
	cron *cron.Cron
	log  *logrus.Logger
}

// NewScheduler creates a scheduler whose jobs never overlap with themselves
func NewScheduler(log *logrus.Logger) *Scheduler {
	cronLog := cron.PrintfLogger(log)
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
		log: log,
	}
}

// AddExpirySweep registers the expired card sweep on a standard cron spec or descriptor
func (s *Scheduler) AddExpirySweep(spec string, sweeper ExpirySweeper) error {
	if _, err := s.cron.AddFunc(spec, func() { s.sweepExpired(sweeper) }); err != nil {
		return fmt.Errorf("failed to schedule expiry sweep: %w", err)
	}
	s.log.Infof("Expiry sweep scheduled: %s", spec)
	return nil
}

func (s *Scheduler) sweepExpired(sweeper ExpirySweeper) {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	n, err := sweeper.DeactivateExpired(ctx)
	if err != nil {
		s.log.Errorf("Expiry sweep failed: %v", err)
		return
	}
	s.log.WithField("deactivated", n).Debug("Expiry sweep finished")
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents new runs and waits for running jobs until ctx is done
func (s *Scheduler) Stop(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
