package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/courier/pkg/log"
	"github.com/cuemby/courier/pkg/metrics"
	"github.com/cuemby/courier/pkg/storage"
	"github.com/cuemby/courier/pkg/types"
)

// DefaultLeaseTTL is how long a run lease survives a crashed holder
const DefaultLeaseTTL = 5 * time.Minute

// Task is one periodic unit of work
type Task func(ctx context.Context) error

// Config configures a Scheduler
type Config struct {
	// Holder prefixes this scheduler's lease holder id. A random suffix is
	// always added, so schedulers sharing a Holder still exclude each other.
	Holder   string
	LeaseTTL time.Duration
}

type job struct {
	name     string
	interval time.Duration
	task     Task
	trigger  chan struct{}
	mu       sync.Mutex // serializes runs of this job within the process
}

// Scheduler invokes named tasks periodically. Each run holds the lease
// "run:<name>" so that at most one run of a job is in flight across every
// process sharing the store; a stalled holder loses the lease once its TTL
// expires.
type Scheduler struct {
	leaser   storage.Leaser
	holder   string
	leaseTTL time.Duration

	mu      sync.RWMutex
	jobs    map[string]*job
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a scheduler. A nil leaser disables cross-process exclusion.
func New(leaser storage.Leaser, cfg Config) *Scheduler {
	if cfg.Holder == "" {
		cfg.Holder = "scheduler"
	}
	cfg.Holder += "-" + uuid.NewString()
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	return &Scheduler{
		leaser:   leaser,
		holder:   cfg.Holder,
		leaseTTL: cfg.LeaseTTL,
		jobs:     make(map[string]*job),
		stopCh:   make(chan struct{}),
	}
}

// Every registers task to run every interval. It must be called before Start.
func (s *Scheduler) Every(name string, interval time.Duration, task Task) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("job %s: scheduler already started", name)
	}
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s: already registered", name)
	}

	s.jobs[name] = &job{
		name:     name,
		interval: interval,
		task:     task,
		trigger:  make(chan struct{}, 1),
	}
	return nil
}

// Jobs returns the registered job names in sorted order
func (s *Scheduler) Jobs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Trigger asks a started job to run as soon as possible. Requests made while
// one is already queued are coalesced. It reports whether the job exists.
func (s *Scheduler) Trigger(name string) bool {
	s.mu.RLock()
	j, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return false
	}

	select {
	case j.trigger <- struct{}{}:
	default:
	}
	return true
}

// Start launches one loop per job
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.started = true

	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.run(ctx, j)
	}
}

// Stop stops all loops and waits for in-flight runs to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// RunOnce runs a job immediately under its lease and returns the task error.
// It returns types.ErrLeaseHeld if another holder is running the job.
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	s.mu.RLock()
	j, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown job %s", name)
	}
	return s.execute(ctx, j)
}

// run is the loop of one job
func (s *Scheduler) run(ctx context.Context, j *job) {
	defer s.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	logger := log.WithComponent("scheduler")

	for {
		select {
		case <-ticker.C:
		case <-j.trigger:
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}

		err := s.execute(ctx, j)
		switch {
		case err == nil:
		case errors.Is(err, types.ErrLeaseHeld):
			logger.Debug().Str("job", j.name).Msg("Run skipped, lease held elsewhere")
		default:
			// Log error but continue
			logger.Error().Err(err).Str("job", j.name).Msg("Scheduled run failed")
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, j *job) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if s.leaser == nil {
		return j.task(ctx)
	}

	lease := "run:" + j.name
	ok, err := s.leaser.AcquireLease(ctx, lease, s.holder, s.leaseTTL)
	if err != nil {
		return fmt.Errorf("acquire %s: %w", lease, err)
	}
	if !ok {
		metrics.LeaseContention.WithLabelValues(lease).Inc()
		return fmt.Errorf("%s: %w", lease, types.ErrLeaseHeld)
	}
	defer func() {
		if err := s.leaser.ReleaseLease(context.WithoutCancel(ctx), lease, s.holder); err != nil {
			logger := log.WithComponent("scheduler")
			logger.Warn().Err(err).Str("lease", lease).Msg("Failed to release run lease")
		}
	}()

	return j.task(ctx)
}
