// Package housekeeping runs periodic maintenance jobs (pipeline cleanup,
// daily statistics) on a robfig/cron runner.
package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "focusloop/pkg/logx"
)

var ErrUnknownJob = errors.New("unknown housekeeping job")

type Config struct {
	Enabled            bool
	Timezone           string // IANA name; empty means local time
	CleanupSchedule    string
	DailyStatsSchedule string
	JobTimeout         time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		CleanupSchedule:    "@every 30s",
		DailyStatsSchedule: "0 0 * * *",
		JobTimeout:         10 * time.Second,
	}
}

// JobStatus is a point-in-time view of one registered job.
type JobStatus struct {
	Name     string
	Spec     string
	Next     time.Time
	Prev     time.Time
	Runs     uint64
	Failures uint64
	Skipped  uint64
	LastErr  string
	LastTook time.Duration
}

type job struct {
	name    string
	spec    string
	timeout time.Duration
	run     func(ctx context.Context) error
	entryID cron.EntryID

	running atomic.Bool
	// guarded by Service.mu
	runs, failures, skipped uint64
	lastErr                 string
	lastTook                time.Duration
}

// Service owns the cron runner. Jobs can be added before or after Start;
// a job never overlaps with its own previous run.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	base   context.Context
	jobs   []*job
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log.With(logx.String("comp", "housekeeping")),
		// SecondOptional allows both 5-field and 6-field cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		base:   context.Background(),
	}
}

// Add registers or replaces the job called name.
func (s *Service) Add(name, schedule string, timeout time.Duration, run func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("job name required")
	}
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	spec := sched.Spec()
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("%s: invalid cron spec %q: %w", name, spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if timeout <= 0 {
		timeout = s.cfg.JobTimeout
	}
	s.removeLocked(name)
	j := &job{name: name, spec: spec, timeout: timeout, run: run}
	s.jobs = append(s.jobs, j)
	if s.c != nil {
		if err := s.scheduleLocked(j); err != nil {
			return err
		}
	}
	s.log.Debug("job registered", logx.String("name", name), logx.String("spec", spec), logx.Duration("timeout", timeout))
	return nil
}

func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

func (s *Service) removeLocked(name string) bool {
	n := len(s.jobs)
	s.jobs = slices.DeleteFunc(s.jobs, func(j *job) bool {
		if j.name != name {
			return false
		}
		if s.c != nil && j.entryID != 0 {
			s.c.Remove(j.entryID)
		}
		return true
	})
	return len(s.jobs) != n
}

func (s *Service) scheduleLocked(j *job) error {
	id, err := s.c.AddFunc(j.spec, func() { s.execute(j) })
	if err != nil {
		return fmt.Errorf("%s: %w", j.name, err)
	}
	j.entryID = id
	return nil
}

// Start begins triggering. Jobs run with a context derived from ctx.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			s.log.Warn("invalid timezone, using local", logx.String("tz", tz), logx.Err(err))
		} else {
			loc = l
		}
	}
	s.loc = loc
	s.base = ctx
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for _, j := range s.jobs {
		if err := s.scheduleLocked(j); err != nil {
			s.log.Error("job register failed", logx.String("name", j.name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", loc.String()), logx.Int("jobs", len(s.jobs)))
	return nil
}

// Stop halts triggering and waits for running jobs until ctx is done.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, j := range s.jobs {
		j.entryID = 0
	}
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		s.log.Info("service stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow executes the named job synchronously, respecting the overlap guard.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	var target *job
	for _, j := range s.jobs {
		if j.name == name {
			target = j
			break
		}
	}
	s.mu.Unlock()
	if target == nil {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(target)
}

func (s *Service) execute(j *job) (err error) {
	if !j.running.CompareAndSwap(false, true) {
		s.mu.Lock()
		j.skipped++
		s.mu.Unlock()
		s.log.Debug("job still running, skipped", logx.String("name", j.name))
		return nil
	}
	defer j.running.Store(false)

	s.mu.Lock()
	base := s.base
	s.mu.Unlock()
	ctx, cancel := context.WithTimeout(base, j.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		took := time.Since(start)
		s.mu.Lock()
		j.runs++
		j.lastTook = took
		j.lastErr = ""
		if err != nil {
			j.failures++
			j.lastErr = err.Error()
		}
		s.mu.Unlock()
		if err != nil {
			s.log.Warn("job failed", logx.String("name", j.name), logx.Duration("took", took), logx.Err(err))
			return
		}
		s.log.Trace("job done", logx.String("name", j.name), logx.Duration("took", took))
	}()
	return j.run(ctx)
}

func (s *Service) Snapshot() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		st := JobStatus{
			Name:     j.name,
			Spec:     j.spec,
			Runs:     j.runs,
			Failures: j.failures,
			Skipped:  j.skipped,
			LastErr:  j.lastErr,
			LastTook: j.lastTook,
		}
		if s.c != nil && j.entryID != 0 {
			e := s.c.Entry(j.entryID)
			st.Next, st.Prev = e.Next, e.Prev
		}
		out = append(out, st)
	}
	return out
}
