package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// Job names
const (
	JobExpireReferralCredits    = "expire_referral_credits"
	JobRefreshReferralAnalytics = "refresh_referral_analytics"
)

var ErrUnknownJob = errors.New("unknown job")

type Config struct {
	Enabled              bool          `yaml:"enabled" env:"SCHEDULER_ENABLED" env-default:"true"`
	ExpireCreditsSpec    string        `yaml:"expire_credits_spec" env:"SCHEDULER_EXPIRE_CREDITS_SPEC" env-default:"*/10 * * * *"`
	RefreshAnalyticsSpec string        `yaml:"refresh_analytics_spec" env:"SCHEDULER_REFRESH_ANALYTICS_SPEC" env-default:"*/30 * * * *"`
	BatchSize            int           `yaml:"batch_size" env:"SCHEDULER_BATCH_SIZE" env-default:"200"`
	JobTimeout           time.Duration `yaml:"job_timeout" env:"SCHEDULER_JOB_TIMEOUT" env-default:"2m"`
}

type JobFunc func(ctx context.Context) error

// JobStats counts runs of a single job.
type JobStats struct {
	Name      string
	Spec      string
	Runs      int64
	Failures  int64
	LastRunAt time.Time
	LastError string
}

type job struct {
	name      string
	spec      string
	fn        JobFunc
	runs      atomic.Int64
	failures  atomic.Int64
	lastRunAt atomic.Time
	lastError atomic.String
}

type Scheduler struct {
	cfg      Config
	cron     *cron.Cron
	mu       sync.Mutex
	jobs     map[string]*job
	sequence atomic.Int64
	stopOnce sync.Once
	logger   *zerolog.Logger
}

func New(cfg Config, logger *zerolog.Logger) *Scheduler {
	log := logger.With().Str("channel", "scheduler").Logger()

	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 2 * time.Minute
	}

	return &Scheduler{
		cfg: cfg,
		cron: cron.New(
			cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
		),
		jobs:   make(map[string]*job),
		logger: &log,
	}
}

// RegisterHandler adds the billing jobs of h with their configured schedules.
func (s *Scheduler) RegisterHandler(h *Handler) error {
	if err := s.Register(JobExpireReferralCredits, s.cfg.ExpireCreditsSpec, h.ExpireReferralCredits); err != nil {
		return err
	}

	return s.Register(JobRefreshReferralAnalytics, s.cfg.RefreshAnalyticsSpec, h.RefreshReferralAnalytics)
}

func (s *Scheduler) Register(name, spec string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return errors.Errorf("job %q is already registered", name)
	}

	j := &job{name: name, spec: spec, fn: fn}

	if _, err := s.cron.AddFunc(spec, func() { _ = s.run(context.Background(), j) }); err != nil {
		return errors.Wrapf(err, "invalid schedule %q for job %q", spec, name)
	}

	s.jobs[name] = j

	return nil
}

// Start runs the cron loop until ctx is canceled.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		s.logger.Info().Msg("scheduler disabled")
		return
	}

	s.cron.Start()
	s.logger.Info().Int("jobs", len(s.jobs)).Msg("scheduler started")

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Stop waits for running jobs to finish. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		<-s.cron.Stop().Done()
		s.logger.Info().Msg("scheduler stopped")
	})
}

// RunJob executes a registered job immediately.
func (s *Scheduler) RunJob(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()

	if !ok {
		return errors.Wrap(ErrUnknownJob, name)
	}

	return s.run(ctx, j)
}

func (s *Scheduler) Stats() []JobStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make([]JobStats, 0, len(s.jobs))
	for _, j := range s.jobs {
		stats = append(stats, JobStats{
			Name:      j.name,
			Spec:      j.spec,
			Runs:      j.runs.Load(),
			Failures:  j.failures.Load(),
			LastRunAt: j.lastRunAt.Load(),
			LastError: j.lastError.Load(),
		})
	}

	sort.Slice(stats, func(i, k int) bool { return stats[i].Name < stats[k].Name })

	return stats
}

func (s *Scheduler) run(ctx context.Context, j *job) error {
	jobID := s.sequence.Inc()

	logger := s.logger.With().Str("job", j.name).Int64("job_id", jobID).Logger()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()

	ctx = context.WithValue(logger.WithContext(ctx), ContextJobID{}, jobID)

	start := time.Now()
	err := j.fn(ctx)

	j.runs.Inc()
	j.lastRunAt.Store(start)

	if err != nil {
		j.failures.Inc()
		j.lastError.Store(err.Error())
		logger.Error().Err(err).Dur("took", time.Since(start)).Msg("job failed")

		return err
	}

	j.lastError.Store("")
	logger.Debug().Dur("took", time.Since(start)).Msg("job finished")

	return nil
}
