package memory

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/dotsetgreg/ctxkeeper/pkg/config"
)

// Scheduler drives the periodic promotion sweep. A poll ticker wakes it
// up; the cron expression decides whether a sweep is actually due, so the
// poll interval only bounds scheduling latency.
type Scheduler struct {
	promoter *Promoter
	schedule string
	poll     time.Duration
	gron     *gronx.Gronx
	log      *slog.Logger

	stopCh    chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once

	lastDue time.Time
}

// NewScheduler validates the cron expression and returns a stopped
// scheduler.
func NewScheduler(cfg config.Promotion, promoter *Promoter, log *slog.Logger) (*Scheduler, error) {
	gron := gronx.New()
	if !gron.IsValid(cfg.SweepSchedule) {
		return nil, fmt.Errorf("invalid promotion sweep schedule %q", cfg.SweepSchedule)
	}
	poll := cfg.SweepPoll
	if poll <= 0 {
		poll = time.Minute
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Scheduler{
		promoter: promoter,
		schedule: cfg.SweepSchedule,
		poll:     poll,
		gron:     gron,
		log:      log,
		stopCh:   make(chan struct{}),
	}, nil
}

// Start launches the sweep loop. Safe to call once.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.run()
	})
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
	})
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

func (s *Scheduler) tick(now time.Time) {
	minute := now.Truncate(time.Minute)
	if !minute.After(s.lastDue) {
		return
	}
	due, err := s.gron.IsDue(s.schedule, now)
	if err != nil {
		s.log.Error("promotion schedule evaluation failed", "schedule", s.schedule, "error", err)
		return
	}
	if !due {
		return
	}
	s.lastDue = minute

	promoted, err := s.promoter.Sweep(context.Background())
	if err != nil {
		s.log.Error("promotion sweep failed", "error", err)
		return
	}
	if promoted > 0 {
		s.log.Info("promotion sweep finished", "promoted", promoted)
	}
}
