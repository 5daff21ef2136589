// Package supervisor implements stuck-work recovery: on a configurable
// schedule it resets in-flight PackageStatus rows whose updated_at predates
// the stage timeout back to their prior checked state, the only sanctioned
// backward transition in the state machine.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	core "github.com/theboyknowsclass/secure-package-manager/internal/core/service"
	"github.com/theboyknowsclass/secure-package-manager/internal/domain/pkgmgr"
	"github.com/theboyknowsclass/secure-package-manager/internal/metrics"
	"github.com/theboyknowsclass/secure-package-manager/internal/store"
	"github.com/theboyknowsclass/secure-package-manager/internal/system"
	"github.com/theboyknowsclass/secure-package-manager/pkg/logger"
)

// Config governs the sweep schedule, the stuck-work threshold and the
// filesystem the resource sample watches for low disk space.
type Config struct {
	// CronSpec is a robfig/cron schedule, e.g. "@every 1m".
	CronSpec     string
	StuckTimeout time.Duration
	// CacheDir is PACKAGE_CACHE_DIR; its filesystem's free space is sampled
	// each sweep. Empty disables the disk check.
	CacheDir string
}

// lowDiskFreePercent is the free-space threshold below which a sweep logs a
// warning and the health endpoint reports degraded.
const lowDiskFreePercent = 10.0

// ResourceSample is the most recent host resource snapshot taken alongside a
// sweep, surfaced by the HTTP health endpoint.
type ResourceSample struct {
	CPUPercent      float64   `json:"cpu_percent"`
	MemoryPercent   float64   `json:"memory_percent"`
	DiskFreePercent float64   `json:"disk_free_percent"`
	DiskLow         bool      `json:"disk_low"`
	SampledAt       time.Time `json:"sampled_at"`
}

// Supervisor is a lifecycle-managed cron job that sweeps PackageStatus for
// stuck in-flight rows.
type Supervisor struct {
	store store.PackageStore
	cfg   Config
	log   *logger.Logger

	mu      sync.Mutex
	cr      *cron.Cron
	entryID cron.EntryID
	running bool

	sampleMu sync.Mutex
	sample   ResourceSample
}

var _ system.Service = (*Supervisor)(nil)

// New builds a Supervisor against st, sweeping on cfg's schedule.
func New(st store.PackageStore, cfg Config, log *logger.Logger) *Supervisor {
	if log == nil {
		log = logger.NewDefault("supervisor")
	}
	if cfg.CronSpec == "" {
		cfg.CronSpec = "@every 1m"
	}
	if cfg.StuckTimeout <= 0 {
		cfg.StuckTimeout = 15 * time.Minute
	}
	return &Supervisor{store: st, cfg: cfg, log: log}
}

func (s *Supervisor) Name() string { return "supervisor" }

func (s *Supervisor) Descriptor() core.Descriptor {
	return core.Descriptor{Name: "supervisor", Domain: "pipeline", Layer: core.LayerEngine, Capabilities: []string{"stuck-work-recovery"}}
}

func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	s.cr = cron.New()
	id, err := s.cr.AddFunc(s.cfg.CronSpec, func() { s.Sweep(context.Background()) })
	if err != nil {
		return err
	}
	s.entryID = id
	s.cr.Start()
	s.running = true

	s.log.WithField("schedule", s.cfg.CronSpec).Info("supervisor started")
	return nil
}

func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	stopCtx := s.cr.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	s.running = false
	s.log.Info("supervisor stopped")
	return nil
}

// Sweep runs one recovery pass: every in-flight row older than the stuck
// timeout is reset to its prior checked state via CommitTransition, so a
// worker racing the reset either completes first (the reset is then a
// no-op) or loses cleanly.
func (s *Supervisor) Sweep(ctx context.Context) {
	s.logResourceSample(ctx)

	stuck, err := s.store.ListStuck(ctx, time.Now().Add(-s.cfg.StuckTimeout))
	if err != nil {
		s.log.WithError(err).Warn("supervisor sweep: list stuck rows failed")
		return
	}
	if len(stuck) == 0 {
		return
	}

	for _, ps := range stuck {
		target, ok := ps.Status.RecoveryTarget()
		if !ok {
			continue
		}
		err := s.store.CommitTransition(ctx, ps.PackageID, ps.Status, target, nil)
		if err == store.ErrConflict {
			continue // a worker finished first; nothing to recover.
		}
		if err != nil {
			s.log.WithError(err).WithField("package_id", ps.PackageID).Warn("supervisor: recovery commit failed")
			continue
		}
		metrics.RecordStuckRecovered(string(ps.Status))
		s.log.WithFields(map[string]any{
			"package_id": ps.PackageID,
			"from":       ps.Status,
			"to":         target,
		}).Info("supervisor recovered stuck package")
	}
}

// logResourceSample reports process-host CPU, memory and cache-disk
// pressure alongside each sweep, so an operator correlating stuck-work
// spikes with host load doesn't need a separate monitoring pass. A low
// disk-free reading on PACKAGE_CACHE_DIR's filesystem is logged as a
// warning, not debug, and is surfaced on the health endpoint.
func (s *Supervisor) logResourceSample(ctx context.Context) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	var cpuPercent float64
	if err == nil && len(percents) > 0 {
		cpuPercent = percents[0]
	}
	var memPercent float64
	if vmem, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		memPercent = vmem.UsedPercent
	}

	var diskFreePercent float64
	var diskLow bool
	if s.cfg.CacheDir != "" {
		if usage, err := disk.UsageWithContext(ctx, s.cfg.CacheDir); err == nil {
			diskFreePercent = 100 - usage.UsedPercent
			diskLow = diskFreePercent < lowDiskFreePercent
		}
	}

	sample := ResourceSample{
		CPUPercent:      cpuPercent,
		MemoryPercent:   memPercent,
		DiskFreePercent: diskFreePercent,
		DiskLow:         diskLow,
		SampledAt:       time.Now().UTC(),
	}
	s.sampleMu.Lock()
	s.sample = sample
	s.sampleMu.Unlock()

	if diskLow {
		s.log.WithFields(map[string]any{
			"cache_dir":         s.cfg.CacheDir,
			"disk_free_percent": diskFreePercent,
		}).Warn("supervisor: package cache disk space is low")
	}
	s.log.WithFields(map[string]any{
		"cpu_percent":       cpuPercent,
		"memory_percent":    memPercent,
		"disk_free_percent": diskFreePercent,
	}).Debug("supervisor resource sample")
}

// LastSample returns the most recent resource snapshot, for the HTTP
// health endpoint. Zero value until the first sweep runs.
func (s *Supervisor) LastSample() ResourceSample {
	s.sampleMu.Lock()
	defer s.sampleMu.Unlock()
	return s.sample
}

// InFlightStatuses exists for tests that need to enumerate the in-flight
// set without importing pkgmgr directly.
var InFlightStatuses = []pkgmgr.Status{
	pkgmgr.StatusCheckingLicence,
	pkgmgr.StatusDownloading,
	pkgmgr.StatusSecurityScanning,
	pkgmgr.StatusPublishing,
}
