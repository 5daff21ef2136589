// Package workers implements the pipeline's stage workers: one
// lifecycle-managed loop per stage, each following the three-phase
// claim/work/commit protocol over the shared Store.
package workers

import (
	"context"
	"sync"
	"time"

	core "github.com/theboyknowsclass/secure-package-manager/internal/core/service"
	"github.com/theboyknowsclass/secure-package-manager/internal/metrics"
	"github.com/theboyknowsclass/secure-package-manager/internal/system"
	"github.com/theboyknowsclass/secure-package-manager/pkg/logger"
)

// Config governs a stage loop's batch size, polling cadence and per-cycle
// work-phase timeout.
type Config struct {
	BatchSize     int
	SleepInterval time.Duration
	StageTimeout  time.Duration
}

// DefaultConfig mirrors the engine's documented defaults: small batches,
// a 5-30s poll cadence, and a generous per-cycle bound.
var DefaultConfig = Config{
	BatchSize:     10,
	SleepInterval: 10 * time.Second,
	StageTimeout:  120 * time.Second,
}

// Cycle is the unit of work a stage loop repeats: claim a batch, work it,
// commit the results. Implementations never propagate a row's error to any
// other row in the same batch.
type Cycle interface {
	// RunCycle claims and processes one batch. It returns an error only for
	// conditions that should be logged at the loop level (e.g. the claim
	// query itself failing); individual row failures are handled and
	// committed internally.
	RunCycle(ctx context.Context) error
}

// Loop is a generic lifecycle-managed stage runner built on a ticker, a
// cancel func and a WaitGroup.
type Loop struct {
	name   string
	cycle  Cycle
	cfg    Config
	log    *logger.Logger
	desc   core.Descriptor
	hooks  core.ObservationHooks

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

var _ system.Service = (*Loop)(nil)

// NewLoop builds a named stage loop. desc advertises the stage's placement
// for the descriptor registry; it has no effect on runtime behavior.
func NewLoop(name string, cycle Cycle, cfg Config, log *logger.Logger, desc core.Descriptor) *Loop {
	if log == nil {
		log = logger.NewDefault(name)
	}
	if cfg.SleepInterval <= 0 {
		cfg.SleepInterval = DefaultConfig.SleepInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig.BatchSize
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = DefaultConfig.StageTimeout
	}
	l := &Loop{name: name, cycle: cycle, cfg: cfg, log: log, desc: desc}
	l.hooks = core.ObservationHooks{
		OnStart: func(ctx context.Context, meta map[string]string) {
			l.log.WithField("stage", meta["stage"]).Debug("stage cycle starting")
		},
		OnComplete: func(ctx context.Context, meta map[string]string, err error, duration time.Duration) {
			fields := map[string]any{"stage": meta["stage"], "duration_ms": duration.Milliseconds()}
			if err != nil {
				l.log.WithError(err).WithFields(fields).Debug("stage cycle completed with error")
				return
			}
			l.log.WithFields(fields).Debug("stage cycle completed")
		},
	}
	return l
}

func (l *Loop) Name() string { return l.name }

func (l *Loop) Descriptor() core.Descriptor { return l.desc }

func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.running = true
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.cfg.SleepInterval)
		defer ticker.Stop()
		// Run an immediate first cycle instead of waiting a full interval.
		l.tick(runCtx)
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				l.tick(runCtx)
			}
		}
	}()

	l.log.WithField("stage", l.name).Info("stage worker started")
	return nil
}

func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	cancel := l.cancel
	l.running = false
	l.cancel = nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		l.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	l.log.WithField("stage", l.name).Info("stage worker stopped")
	return nil
}

func (l *Loop) tick(ctx context.Context) {
	cycleCtx, cancel := context.WithTimeout(ctx, l.cfg.StageTimeout)
	defer cancel()

	complete := core.StartObservation(cycleCtx, l.hooks, map[string]string{"stage": l.name})
	start := time.Now()
	err := l.cycle.RunCycle(cycleCtx)
	complete(err)
	metrics.RecordStageWork(l.name, outcomeFor(err), time.Since(start))
	if err != nil {
		l.log.WithError(err).WithField("stage", l.name).Warn("stage cycle failed")
	}
}

func outcomeFor(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
