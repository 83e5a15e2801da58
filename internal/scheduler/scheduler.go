package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/chispa/internal/store"
)

// specParser is the five-field cron dialect accepted by schedules.
var specParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateSpec checks a cron spec against the dialect the scheduler runs.
// Used by the API so a bad spec is rejected at creation instead of failing
// on every tick.
func ValidateSpec(spec string) error {
	if _, err := specParser.Parse(spec); err != nil {
		return fmt.Errorf("parse cron spec %q: %w", spec, err)
	}
	return nil
}

// Submitter is the interface the scheduler uses to hand due schedules to the
// queue path. Satisfied by the submission service.
type Submitter interface {
	SubmitCommand(ctx context.Context, command, queue string, workflowID *int64) (*store.Run, error)
	SubmitWorkflow(ctx context.Context, workflowYAML, queue string) (*store.Run, error)
}

// Scheduler polls the store for due schedules and submits them. Scheduled
// work goes through the same submission path as API traffic; the scheduler
// never touches the broker directly.
type Scheduler struct {
	store     store.Store
	submitter Submitter
	parser    cron.Parser
	logger    *slog.Logger
	cancel    context.CancelFunc
	done      chan struct{}
	mu        sync.Mutex
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.Store, submitter Submitter, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:     s,
		submitter: submitter,
		parser:    specParser,
		logger:    logger,
	}
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick checks all enabled schedules and submits those that are due.
func (s *Scheduler) Tick(ctx context.Context) {
	schedules, err := s.store.ListSchedules(ctx, true)
	if err != nil {
		s.logger.Error("failed to list schedules", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, sched := range schedules {
		due, err := s.due(sched, now)
		if err != nil {
			s.logger.Error("invalid cron spec, skipping schedule",
				slog.Int64("schedule_id", sched.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !due {
			continue
		}
		if err := s.submit(ctx, sched); err != nil {
			s.logger.Error("failed to submit scheduled run",
				slog.Int64("schedule_id", sched.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := s.store.TouchSchedule(ctx, sched.ID); err != nil {
			s.logger.Error("failed to touch schedule",
				slog.Int64("schedule_id", sched.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// due reports whether the schedule's next fire time after its last run has
// passed. A schedule that has never run fires on the first tick after its
// next cron boundary from creation.
func (s *Scheduler) due(sched *store.Schedule, now time.Time) (bool, error) {
	schedule, err := s.parser.Parse(sched.CronSpec)
	if err != nil {
		return false, fmt.Errorf("parse cron spec %q: %w", sched.CronSpec, err)
	}
	from := sched.CreatedAt
	if sched.LastRunAt != nil {
		from = *sched.LastRunAt
	}
	return !schedule.Next(from).After(now), nil
}

func (s *Scheduler) submit(ctx context.Context, sched *store.Schedule) error {
	s.logger.Info("submitting scheduled run",
		slog.Int64("schedule_id", sched.ID),
		slog.String("queue", sched.Queue),
	)
	var err error
	if sched.WorkflowYAML != "" {
		_, err = s.submitter.SubmitWorkflow(ctx, sched.WorkflowYAML, sched.Queue)
	} else {
		_, err = s.submitter.SubmitCommand(ctx, sched.Command, sched.Queue, nil)
	}
	return err
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
