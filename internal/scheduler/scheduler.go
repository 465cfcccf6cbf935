package scheduler

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// jobTimeout bounds a single run of any job
const jobTimeout = 2 * time.Minute

// Job is one unit of background work, e.g. a cache sweep.
type Job func(ctx context.Context) error

// Status describes a registered job and how its runs went.
type Status struct {
	Name     string
	Schedule string
	NextRun  time.Time
	// LastRun is the start of the most recent run, scheduled or manual.
	LastRun time.Time
	LastErr error
	Runs    int
	Failed  int
}

type entry struct {
	id       cron.EntryID
	schedule string
	lastRun  time.Time
	lastErr  error
	runs     int
	failed   int
}

// Scheduler runs the cache sweep and feed refresh in the background.
type Scheduler struct {
	cron *cron.Cron
	log  *zap.SugaredLogger
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates a scheduler evaluating cron expressions in timezone.
func New(timezone string, log *zap.SugaredLogger) (*Scheduler, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %s: %w", timezone, err)
	}

	return &Scheduler{
		cron:    cron.New(cron.WithLocation(loc)),
		log:     log.Named("scheduler"),
		now:     time.Now,
		entries: make(map[string]*entry),
	}, nil
}

// AddJob registers job under name, replacing any job of the same name.
// schedule is a cron expression ("*/5 * * * *") or a descriptor ("@every 5m").
func (s *Scheduler) AddJob(name, schedule string, job Job) error {
	id, err := s.cron.AddFunc(schedule, func() {
		if err := s.run(name, job); err != nil {
			s.log.Warnw("job failed", "job", name, "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", name, err)
	}

	s.mu.Lock()
	if old, ok := s.entries[name]; ok {
		s.cron.Remove(old.id)
	}
	s.entries[name] = &entry{id: id, schedule: schedule}
	s.mu.Unlock()

	s.log.Infow("added job", "job", name, "schedule", schedule)
	return nil
}

// AddIntervalJob runs job every interval
func (s *Scheduler) AddIntervalJob(name string, interval time.Duration, job Job) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive, got %s", name, interval)
	}
	return s.AddJob(name, "@every "+interval.String(), job)
}

// run executes job with a timeout and records the outcome against name.
// Unregistered names (manual one-off runs) are executed but not recorded.
func (s *Scheduler) run(name string, job Job) error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	start := s.now()
	s.log.Debugw("starting job", "job", name)
	err := job(ctx)

	s.mu.Lock()
	if e, ok := s.entries[name]; ok {
		e.lastRun = start
		e.lastErr = err
		e.runs++
		if err != nil {
			e.failed++
		}
	}
	s.mu.Unlock()

	if err != nil {
		return err
	}
	s.log.Debugw("job completed", "job", name, "took", time.Since(start))
	return nil
}

// RemoveJob unregisters name; unknown names are ignored.
func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[name]; ok {
		s.cron.Remove(e.id)
		delete(s.entries, name)
		s.log.Infow("removed job", "job", name)
	}
}

// Start begins running scheduled jobs
func (s *Scheduler) Start() {
	s.log.Info("starting scheduler")
	s.cron.Start()
}

// Stop halts the scheduler; the returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	s.log.Info("stopping scheduler")
	return s.cron.Stop()
}

// RunNow executes job immediately, outside its schedule.
func (s *Scheduler) RunNow(name string, job Job) error {
	s.log.Infow("running job now", "job", name)
	return s.run(name, job)
}

// Jobs reports every registered job, sorted by name.
func (s *Scheduler) Jobs() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Status, 0, len(s.entries))
	for name, e := range s.entries {
		out = append(out, Status{
			Name:     name,
			Schedule: e.schedule,
			NextRun:  s.cron.Entry(e.id).Next,
			LastRun:  e.lastRun,
			LastErr:  e.lastErr,
			Runs:     e.runs,
			Failed:   e.failed,
		})
	}
	slices.SortFunc(out, func(a, b Status) int { return strings.Compare(a.Name, b.Name) })
	return out
}
