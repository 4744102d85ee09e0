package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/avkeypool/internal/credential"
	"github.com/vyrodovalexey/avkeypool/internal/observability"
	"github.com/vyrodovalexey/avkeypool/internal/statestore"
)

// Settings drives the periodic validation jobs. A zero interval
// disables the corresponding job.
type Settings struct {
	ActiveInterval    time.Duration
	ExhaustedInterval time.Duration
	ErrorInterval     time.Duration

	// Workers bounds concurrent probes (clamped to 1..10).
	Workers int

	// ProbesPerSecond paces probes within a pass; zero means unpaced.
	ProbesPerSecond float64

	// TaskTTL is how long bulk validation task records are retained.
	TaskTTL time.Duration
}

// DefaultSettings returns scheduler defaults.
func DefaultSettings() Settings {
	return Settings{
		ActiveInterval:    10 * time.Minute,
		ExhaustedInterval: 30 * time.Minute,
		ErrorInterval:     time.Hour,
		Workers:           5,
		TaskTTL:           time.Hour,
	}
}

// PassResult summarizes one validation pass.
type PassResult struct {
	Status    credential.Status          `json:"status"`
	Probed    int                        `json:"probed"`
	ByOutcome map[credential.Outcome]int `json:"byOutcome"`
	Took      time.Duration              `json:"took"`
}

// job is one row of the internal job table.
type job struct {
	name     string
	status   credential.Status
	interval time.Duration
	enabled  bool
	lastRun  time.Time
	running  bool
}

// snapshotHistoryKey is the state store list holding pool censuses.
const snapshotHistoryKey = "stats:history"

// snapshotHistoryLimit bounds retained censuses.
const snapshotHistoryLimit = 288

// Scheduler owns the periodic validation jobs and bulk tasks.
type Scheduler struct {
	store    credential.Store
	tracker  *credential.Tracker
	prober   *Prober
	state    *statestore.Store
	logger   observability.Logger
	tick     time.Duration
	settings Settings

	mu   sync.Mutex
	jobs map[string]*job

	started   bool
	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
	wg        sync.WaitGroup
}

// Option customizes the scheduler.
type Option func(*Scheduler)

// WithTickInterval sets how often the job table is checked for due
// work.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.tick = d }
}

// New creates a scheduler. state may carry nil-safe behavior elsewhere
// but here it is required for tasks and snapshots.
func New(
	store credential.Store,
	tracker *credential.Tracker,
	prober *Prober,
	state *statestore.Store,
	settings Settings,
	logger observability.Logger,
	opts ...Option,
) *Scheduler {
	if logger == nil {
		logger = observability.NopLogger()
	}

	s := &Scheduler{
		store:    store,
		tracker:  tracker,
		prober:   prober,
		state:    state,
		logger:   logger,
		tick:     time.Second,
		settings: clampSettings(settings),
		jobs:     make(map[string]*job),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.rebuildJobTable()
	return s
}

func clampSettings(settings Settings) Settings {
	if settings.Workers < 1 {
		settings.Workers = 1
	}
	if settings.Workers > 10 {
		settings.Workers = 10
	}
	if settings.TaskTTL <= 0 {
		settings.TaskTTL = time.Hour
	}
	return settings
}

// rebuildJobTable syncs the job rows with current settings, keeping
// lastRun for surviving jobs.
func (s *Scheduler) rebuildJobTable() {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := []struct {
		name     string
		status   credential.Status
		interval time.Duration
	}{
		{"validate-active", credential.StatusActive, s.settings.ActiveInterval},
		{"validate-exhausted", credential.StatusExhausted, s.settings.ExhaustedInterval},
		{"validate-error", credential.StatusError, s.settings.ErrorInterval},
	}

	for _, row := range rows {
		existing, ok := s.jobs[row.name]
		if !ok {
			s.jobs[row.name] = &job{
				name:     row.name,
				status:   row.status,
				interval: row.interval,
				enabled:  row.interval > 0,
			}
			continue
		}
		existing.interval = row.interval
		existing.enabled = row.interval > 0
	}
}

// Reconcile applies new settings, typically after a config reload.
func (s *Scheduler) Reconcile(settings Settings) {
	s.mu.Lock()
	s.settings = clampSettings(settings)
	s.mu.Unlock()

	s.rebuildJobTable()

	s.logger.Info("validation schedule reconciled",
		observability.Duration("active", settings.ActiveInterval),
		observability.Duration("exhausted", settings.ExhaustedInterval),
		observability.Duration("error", settings.ErrorInterval),
		observability.Int("workers", s.settings.Workers),
	)
}

// Start launches the job loop. Idempotent.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.mu.Lock()
		s.started = true
		s.mu.Unlock()
		go s.loop(ctx)
	})
}

// Stop halts the job loop and waits for in-flight passes. Safe to call
// without Start.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.mu.Lock()
		started := s.started
		s.mu.Unlock()
		if started {
			<-s.doneCh
		}
		s.wg.Wait()
	})
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runDueJobs(ctx)
		}
	}
}

// runDueJobs launches a pass for every enabled job whose interval has
// elapsed. A job never overlaps itself.
func (s *Scheduler) runDueJobs(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if !j.enabled || j.running {
			continue
		}
		if now.Sub(j.lastRun) >= j.interval {
			j.running = true
			j.lastRun = now
			due = append(due, j)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		j := j
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				j.running = false
				s.mu.Unlock()
			}()

			if _, err := s.RunPass(ctx, j.status); err != nil {
				s.logger.Error("validation pass failed",
					observability.String("job", j.name),
					observability.Error(err),
				)
			}
		}()
	}
}

// RunPass probes every credential currently in the given status and
// applies the outcomes. Probe successes never count as usage.
func (s *Scheduler) RunPass(ctx context.Context, status credential.Status) (*PassResult, error) {
	start := time.Now()

	creds, err := s.store.ListByStatus(ctx, status)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	workers := s.settings.Workers
	pps := s.settings.ProbesPerSecond
	s.mu.Unlock()

	sem := semaphore.NewWeighted(int64(workers))
	var pacer *rate.Limiter
	if pps > 0 {
		pacer = rate.NewLimiter(rate.Limit(pps), 1)
	}

	result := &PassResult{
		Status:    status,
		ByOutcome: make(map[credential.Outcome]int),
	}
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, c := range creds {
		if pacer != nil {
			if err := pacer.Wait(ctx); err != nil {
				break
			}
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}

		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			outcome, _ := s.prober.Probe(ctx, c.Secret)
			probesTotal.WithLabelValues(string(status), string(outcome)).Inc()

			if _, err := s.tracker.Record(ctx, credential.Report{
				CredentialID: c.ID,
				Outcome:      outcome,
				CountUsage:   false,
			}); err != nil {
				s.logger.Warn("failed to apply probe outcome",
					observability.String("credential_id", c.ID),
					observability.Error(err),
				)
			}

			mu.Lock()
			result.Probed++
			result.ByOutcome[outcome]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	result.Took = time.Since(start)
	passDuration.WithLabelValues(string(status)).Observe(result.Took.Seconds())

	s.recordSnapshot(ctx)

	s.logger.Info("validation pass completed",
		observability.String("status", string(status)),
		observability.Int("probed", result.Probed),
		observability.Duration("took", result.Took),
	)

	return result, nil
}

// recordSnapshot persists a pool census to the rolling history and
// exports it to metrics. Best-effort.
func (s *Scheduler) recordSnapshot(ctx context.Context) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		s.logger.Warn("failed to take pool census", observability.Error(err))
		return
	}

	credential.ObserveStats(stats)

	data, err := json.Marshal(stats)
	if err != nil {
		return
	}
	if err := s.state.PushBounded(ctx, snapshotHistoryKey, data, snapshotHistoryLimit); err != nil {
		s.logger.Warn("failed to persist pool census", observability.Error(err))
	}
}

// Snapshots returns up to limit most recent pool censuses, newest
// first.
func (s *Scheduler) Snapshots(ctx context.Context, limit int) ([]credential.Stats, error) {
	if limit <= 0 || limit > snapshotHistoryLimit {
		limit = snapshotHistoryLimit
	}

	entries, err := s.state.Range(ctx, snapshotHistoryKey, 0, int64(limit-1))
	if err != nil {
		return nil, err
	}

	out := make([]credential.Stats, 0, len(entries))
	for _, e := range entries {
		var stats credential.Stats
		if err := json.Unmarshal(e, &stats); err != nil {
			continue
		}
		out = append(out, stats)
	}

	return out, nil
}
