// Package maintenance runs the daemon's periodic housekeeping jobs (badge
// resync, store compaction) on cron schedules.
//
// A job never overlaps with itself: a tick that fires while the previous
// run is still going is skipped and counted.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "mangabell/pkg/logx"
)

var ErrUnknownJob = errors.New("maintenance: unknown job")

const defaultHistory = 50

// Job is one named schedule. An empty Spec registers the job for RunNow
// but never triggers it.
type Job struct {
	Name    string
	Spec    string // cron expression or descriptor ("@every 5m", "@daily")
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Run records one finished execution.
type Run struct {
	Job      string        `json:"job"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

type Snapshot struct {
	Jobs    []JobInfo `json:"jobs"`
	History []Run     `json:"history"`
}

type JobInfo struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	Next    time.Time `json:"next,omitempty"`
	Skipped uint64    `json:"skipped"`
}

type entry struct {
	job     Job
	id      cron.EntryID
	running bool
	skipped uint64
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	parser cron.Parser
	c      *cron.Cron
	ctx    context.Context
	wg     sync.WaitGroup

	jobs  map[string]*entry
	order []string

	history []Run
}

func New(log logx.Logger) *Service {
	return &Service{
		log:    log.With(logx.String("comp", "maintenance")),
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		jobs:   map[string]*entry{},
	}
}

// Validate reports whether spec parses. Empty is valid (disabled).
func (s *Service) Validate(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// Set adds or replaces a job. While running, the new schedule takes effect
// immediately.
func (s *Service) Set(j Job) error {
	j.Name = strings.TrimSpace(j.Name)
	j.Spec = strings.TrimSpace(j.Spec)
	if j.Name == "" || j.Run == nil {
		return fmt.Errorf("maintenance: job needs a name and a func")
	}
	if err := s.Validate(j.Spec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[j.Name]
	if !ok {
		e = &entry{}
		s.jobs[j.Name] = e
		s.order = append(s.order, j.Name)
	}
	if s.c != nil && e.id != 0 {
		s.c.Remove(e.id)
		e.id = 0
	}
	e.job = j
	if s.c != nil {
		s.scheduleLocked(e)
	}
	return nil
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(time.Local))
	for _, name := range s.order {
		s.scheduleLocked(s.jobs[name])
	}
	s.c.Start()
	s.log.Info("maintenance started", logx.Int("jobs", len(s.order)))
}

// Stop halts triggers and waits for in-flight runs until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, e := range s.jobs {
		e.id = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("maintenance stop timed out", logx.Err(ctx.Err()))
	}
}

// RunNow runs a job synchronously on the caller's goroutine, still
// honoring the no-overlap rule.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(ctx, e)
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Snapshot{History: append([]Run(nil), s.history...)}
	for _, name := range s.order {
		e := s.jobs[name]
		info := JobInfo{Name: name, Spec: e.job.Spec, Skipped: e.skipped}
		if s.c != nil && e.id != 0 {
			info.Next = s.c.Entry(e.id).Next
		}
		out.Jobs = append(out.Jobs, info)
	}
	return out
}

func (s *Service) scheduleLocked(e *entry) {
	if e.job.Spec == "" {
		return
	}
	id, err := s.c.AddFunc(e.job.Spec, func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx == nil || ctx.Err() != nil {
			return
		}
		_ = s.execute(ctx, e)
	})
	if err != nil {
		// Set validated the spec already.
		s.log.Error("schedule rejected", logx.String("job", e.job.Name), logx.Err(err))
		return
	}
	e.id = id
}

var errSkipped = errors.New("maintenance: previous run still in progress")

func (s *Service) execute(ctx context.Context, e *entry) error {
	s.mu.Lock()
	if e.running {
		e.skipped++
		name := e.job.Name
		s.mu.Unlock()
		s.log.Debug("skipping overlapping run", logx.String("job", name))
		return errSkipped
	}
	e.running = true
	job := e.job
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		e.running = false
		s.mu.Unlock()
		s.wg.Done()
	}()

	runCtx := ctx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := runSafe(runCtx, job.Run)
	r := Run{Job: job.Name, Started: start, Duration: time.Since(start)}
	if err != nil {
		r.Error = err.Error()
		s.log.Warn("maintenance job failed", logx.String("job", job.Name), logx.Err(err))
	} else {
		s.log.Debug("maintenance job done", logx.String("job", job.Name), logx.Duration("took", r.Duration))
	}

	s.mu.Lock()
	s.history = append(s.history, r)
	if over := len(s.history) - defaultHistory; over > 0 {
		s.history = append(s.history[:0], s.history[over:]...)
	}
	s.mu.Unlock()
	return err
}

func runSafe(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}
