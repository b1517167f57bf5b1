package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// DefaultSchedule runs a drain every minute.
const DefaultSchedule = "@every 1m"

// Scheduler drains a Ledger on a cron schedule.
type Scheduler struct {
	cron    *cron.Cron
	ledger  *Ledger
	pub     Publisher
	batch   int
	timeout time.Duration

	// running prevents overlapping drains when one outlasts the interval.
	running sync.Mutex
}

// NewScheduler registers the drain job. batch <= 0 drains everything pending.
func NewScheduler(l *Ledger, p Publisher, spec string, batch int) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	s := &Scheduler{
		cron:    cron.New(),
		ledger:  l,
		pub:     p,
		batch:   batch,
		timeout: 30 * time.Second,
	}
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins running the schedule in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	log.Info().Str("key", s.ledger.Key()).Msg("reconcile scheduler started")
}

// Stop halts the schedule and waits for a running drain, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs a single drain. It returns 0 without draining when another
// drain is in progress.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	if !s.running.TryLock() {
		return 0, nil
	}
	defer s.running.Unlock()
	return s.ledger.Drain(ctx, s.pub, s.batch)
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	ctx = log.Logger.WithContext(ctx)

	n, err := s.RunOnce(ctx)
	if err != nil {
		log.Warn().Err(err).Int("republished", n).Msg("reconcile drain stopped")
		return
	}
	if n > 0 {
		log.Info().Int("republished", n).Msg("reconcile drain")
	}
}
