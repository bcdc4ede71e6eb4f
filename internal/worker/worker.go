// Package worker runs the periodic maintenance jobs (offline replay and the
// period-end sweep) on cron schedules, with instrumentation hooks and
// graceful shutdown handling.
package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/PortNumber53/subsync/internal/metrics"
)

// Job is a unit of scheduled work.
type Job func(ctx context.Context) error

// Instrumentation provides hooks for monitoring job lifecycle
type Instrumentation struct {
	OnStart    func(name string)
	OnComplete func(name string, duration time.Duration)
	OnFail     func(name string, err error, duration time.Duration)
}

// Stats holds worker statistics
type Stats struct {
	JobsProcessed   int64
	JobsSucceeded   int64
	JobsFailed      int64
	LastProcessedAt time.Time
}

// Config holds worker configuration
type Config struct {
	// JobTimeout is the maximum time allowed for a single run
	JobTimeout time.Duration
	// ShutdownTimeout is the maximum time to wait for running jobs during shutdown
	ShutdownTimeout time.Duration
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		JobTimeout:      5 * time.Minute,
		ShutdownTimeout: 30 * time.Second,
	}
}

type entry struct {
	spec string
	job  Job
	id   cron.EntryID
}

// Worker schedules named jobs. A job that is still running when its next
// tick arrives is skipped rather than stacked.
type Worker struct {
	config          Config
	log             *zap.Logger
	cron            *cron.Cron
	instrumentation *Instrumentation

	mu      sync.RWMutex
	jobs    map[string]*entry
	baseCtx context.Context
	cancel  context.CancelFunc
	started bool

	statsMu         sync.RWMutex
	jobsProcessed   int64
	jobsSucceeded   int64
	jobsFailed      int64
	lastProcessedAt time.Time
}

// New creates a new Worker instance
func New(config Config, log *zap.Logger) *Worker {
	if config.JobTimeout <= 0 {
		config.JobTimeout = DefaultConfig().JobTimeout
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}

	cl := cronLogger{log.Sugar()}
	return &Worker{
		config:          config,
		log:             log,
		cron:            cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)), cron.WithLogger(cl)),
		instrumentation: &Instrumentation{},
		jobs:            make(map[string]*entry),
		baseCtx:         context.Background(),
	}
}

// SetInstrumentation sets the instrumentation hooks
func (w *Worker) SetInstrumentation(inst *Instrumentation) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.instrumentation = inst
}

// Register adds a job under name. An empty spec registers the job for
// manual runs only.
func (w *Worker) Register(name, spec string, job Job) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.jobs[name]; exists {
		return fmt.Errorf("job %q already registered", name)
	}
	e := &entry{spec: spec, job: job}
	if spec != "" {
		id, err := w.cron.AddFunc(spec, func() { _ = w.run(name, e.job) })
		if err != nil {
			return fmt.Errorf("schedule %q (%s): %w", name, spec, err)
		}
		e.id = id
	} else {
		w.log.Info("job registered without schedule", zap.String("job", name))
	}
	w.jobs[name] = e
	return nil
}

// Start begins firing scheduled jobs. Runs use contexts derived from ctx.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.baseCtx, w.cancel = context.WithCancel(ctx)
	w.started = true
	w.mu.Unlock()

	w.cron.Start()
	w.log.Info("worker started", zap.Strings("jobs", w.Names()))
}

// Stop halts scheduling and waits for running jobs to finish.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return nil
	}
	w.started = false
	cancel := w.cancel
	w.mu.Unlock()

	w.log.Info("initiating graceful shutdown")
	done := w.cron.Stop()

	shutdownCtx, stop := context.WithTimeout(ctx, w.config.ShutdownTimeout)
	defer stop()

	select {
	case <-done.Done():
		cancel()
		w.log.Info("graceful shutdown completed")
		return nil
	case <-shutdownCtx.Done():
		cancel()
		w.log.Warn("shutdown timeout exceeded, cancelling running jobs")
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

// RunNow executes the named job synchronously, outside its schedule.
func (w *Worker) RunNow(name string) error {
	w.mu.RLock()
	e, ok := w.jobs[name]
	w.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no job registered as %q", name)
	}
	return w.run(name, e.job)
}

// Names lists registered jobs.
func (w *Worker) Names() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	names := make([]string, 0, len(w.jobs))
	for name := range w.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NextRun reports when the named job fires next. The zero time means the job
// is unscheduled or the worker is not running.
func (w *Worker) NextRun(name string) time.Time {
	w.mu.RLock()
	e, ok := w.jobs[name]
	w.mu.RUnlock()
	if !ok || e.id == 0 {
		return time.Time{}
	}
	return w.cron.Entry(e.id).Next
}

func (w *Worker) run(name string, job Job) error {
	w.mu.RLock()
	base := w.baseCtx
	inst := w.instrumentation
	w.mu.RUnlock()

	ctx, cancel := context.WithTimeout(base, w.config.JobTimeout)
	defer cancel()

	start := time.Now()
	if inst.OnStart != nil {
		inst.OnStart(name)
	}

	err := job(ctx)
	duration := time.Since(start)
	metrics.JobRuns.WithLabelValues(name, metrics.Result(err)).Inc()

	w.statsMu.Lock()
	w.jobsProcessed++
	if err != nil {
		w.jobsFailed++
	} else {
		w.jobsSucceeded++
	}
	w.lastProcessedAt = time.Now()
	w.statsMu.Unlock()

	if err != nil {
		w.log.Error("job failed", zap.String("job", name), zap.Duration("elapsed", duration), zap.Error(err))
		if inst.OnFail != nil {
			inst.OnFail(name, err, duration)
		}
		return err
	}
	w.log.Debug("job completed", zap.String("job", name), zap.Duration("elapsed", duration))
	if inst.OnComplete != nil {
		inst.OnComplete(name, duration)
	}
	return nil
}

// GetStats returns current worker statistics
func (w *Worker) GetStats() Stats {
	w.statsMu.RLock()
	defer w.statsMu.RUnlock()
	return Stats{
		JobsProcessed:   w.jobsProcessed,
		JobsSucceeded:   w.jobsSucceeded,
		JobsFailed:      w.jobsFailed,
		LastProcessedAt: w.lastProcessedAt,
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
