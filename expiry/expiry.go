package expiry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wolfeidau/jobstore/lock"
	"github.com/wolfeidau/jobstore/store/jobdb"
	"go.opentelemetry.io/otel/metric"
)

// ErrSweepInProgress is returned by Sweep when this process is already sweeping.
var ErrSweepInProgress = errors.New("expiry: sweep already in progress")

// KindResult contains the outcome of sweeping one record kind.
type KindResult struct {
	Kind         jobdb.Kind    `json:"kind"`
	Deleted      int           `json:"deleted"`
	Rounds       int           `json:"rounds"`
	LockAcquired bool          `json:"lock_acquired"`
	Duration     time.Duration `json:"duration"`
	Error        string        `json:"error,omitempty"`
}

// Result contains the results of one expiration pass.
type Result struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Deleted   int           `json:"deleted"`
	Kinds     []KindResult  `json:"kinds"`
	Errors    []string      `json:"errors,omitempty"`
}

// Manager removes expired records from every record kind.
type Manager struct {
	sources  []Source
	executor *Executor
	config   Config
	meter    metric.Meter
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time

	sweeping atomic.Bool

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	doneCh  chan struct{}
	lastRun *Result
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithNow sets the time function used to decide expiry (for testing).
func WithNow(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// WithMetrics records pass and lock metrics on meter.
func WithMetrics(meter metric.Meter) ManagerOption {
	return func(m *Manager) {
		m.meter = meter
	}
}

// New creates a new expiration manager sweeping sources in order.
// Use SourcesFor to build the standard five record kinds.
func New(sources []Source, locker lock.Locker, config Config, opts ...ManagerOption) *Manager {
	config = config.withDefaults()

	m := &Manager{
		sources: sources,
		config:  config,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.meter != nil {
		metrics, err := NewMetrics(m.meter)
		if err != nil {
			m.logger.Error("failed to create expiry metrics", "error", err)
		} else {
			m.metrics = metrics
		}
	}

	m.executor = NewExecutor(locker, m.logger.With(
		"check_interval_seconds", config.JobExpirationCheckInterval.Seconds(),
	))
	m.executor.metrics = m.metrics
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.config
}

// RunOnce performs one expiration pass over every record kind, then waits for
// the check interval or until ctx is cancelled. Cancellation during the wait
// is not an error. A data-access fault is returned after the remaining kinds
// have been attempted, without waiting.
func (m *Manager) RunOnce(ctx context.Context) error {
	if _, err := m.Sweep(ctx); err != nil {
		return err
	}

	m.wait(ctx)
	return nil
}

// Sweep performs one expiration pass without the trailing wait.
func (m *Manager) Sweep(ctx context.Context) (*Result, error) {
	if !m.sweeping.CompareAndSwap(false, true) {
		return nil, ErrSweepInProgress
	}
	defer m.sweeping.Store(false)

	result := &Result{
		StartedAt: m.now(),
	}

	var errs []error
	for _, src := range m.sources {
		kr, err := m.sweepKind(ctx, src)
		result.Kinds = append(result.Kinds, kr)
		result.Deleted += kr.Deleted
		if err != nil {
			errs = append(errs, err)
			result.Errors = append(result.Errors, err.Error())
		}
	}

	result.Duration = m.now().Sub(result.StartedAt)

	m.mu.Lock()
	m.lastRun = result
	m.mu.Unlock()

	m.recordMetrics(ctx, result)

	m.logger.Info("expiration pass completed",
		"duration", result.Duration,
		"deleted", result.Deleted,
		"errors", len(result.Errors),
	)

	return result, errors.Join(errs...)
}

func (m *Manager) sweepKind(ctx context.Context, src Source) (KindResult, error) {
	kr := KindResult{Kind: src.Kind()}
	start := m.now()

	m.logger.Info("removing expired records", "kind", kr.Kind)

	err := m.executor.RunExclusive(ctx, m.config.LockResource, m.config.DistributedLockTimeout, func(ctx context.Context) error {
		kr.LockAcquired = true
		var err error
		kr.Deleted, kr.Rounds, err = removeExpired(ctx, src, m.config.BatchSize, m.now, func(n int) {
			m.recordBatch(ctx, kr.Kind, n)
		})
		return err
	})
	kr.Duration = m.now().Sub(start)

	if err != nil {
		kr.Error = err.Error()
		m.logger.Error("failed to remove expired records",
			"kind", kr.Kind,
			"deleted", kr.Deleted,
			"error", err)
		return kr, err
	}

	m.logger.Info("removed expired records",
		"kind", kr.Kind,
		"deleted", kr.Deleted,
		"rounds", kr.Rounds,
		"lock_acquired", kr.LockAcquired,
		"duration", kr.Duration,
	)
	return kr, nil
}

// wait blocks for the check interval. Returns false if ctx was cancelled first.
func (m *Manager) wait(ctx context.Context) bool {
	timer := time.NewTimer(m.config.JobExpirationCheckInterval)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Start starts the background goroutine calling RunOnce until stopped.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.doneCh = make(chan struct{})
	doneCh := m.doneCh
	m.mu.Unlock()

	go m.run(runCtx, doneCh)
}

// Stop gracefully stops the background goroutine.
// An in-flight batch completes before the loop exits.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	cancel, doneCh := m.cancel, m.doneCh
	m.mu.Unlock()

	cancel()

	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the last pass result, or nil before the first pass.
func (m *Manager) Status() *Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun
}

func (m *Manager) run(ctx context.Context, doneCh chan struct{}) {
	defer close(doneCh)
	defer m.setRunning(false)

	m.logger.Info("expiration manager starting",
		"interval", m.config.JobExpirationCheckInterval,
		"lock_timeout", m.config.DistributedLockTimeout,
		"batch_size", m.config.BatchSize,
	)

	for ctx.Err() == nil {
		if err := m.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, ErrSweepInProgress) {
				m.logger.Debug("expiration pass skipped, another pass is running in this process")
			} else {
				m.logger.Error("expiration pass failed", "error", err)
			}
			// Wait out the interval so a persistent fault does not spin.
			m.wait(ctx)
		}
	}

	m.logger.Info("expiration manager stopped")
}

func (m *Manager) setRunning(running bool) {
	m.mu.Lock()
	m.running = running
	m.mu.Unlock()
}

func (m *Manager) recordBatch(ctx context.Context, kind jobdb.Kind, deleted int) {
	if m.metrics == nil {
		return
	}
	m.metrics.recordBatch(ctx, kind, deleted)
}

func (m *Manager) recordMetrics(ctx context.Context, result *Result) {
	if m.metrics == nil {
		return
	}
	m.metrics.recordPass(ctx, result)
}
