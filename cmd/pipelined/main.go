// Command pipelined runs the secure package pipeline engine: the HTTP
// boundary, the five stage workers and the stuck-work supervisor, all
// sharing one Store.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/theboyknowsclass/secure-package-manager/internal/cache"
	"github.com/theboyknowsclass/secure-package-manager/internal/config"
	core "github.com/theboyknowsclass/secure-package-manager/internal/core/service"
	"github.com/theboyknowsclass/secure-package-manager/internal/domain/pkgmgr"
	"github.com/theboyknowsclass/secure-package-manager/internal/httpapi"
	"github.com/theboyknowsclass/secure-package-manager/internal/platform/database"
	"github.com/theboyknowsclass/secure-package-manager/internal/platform/migrations"
	"github.com/theboyknowsclass/secure-package-manager/internal/ratelimit"
	"github.com/theboyknowsclass/secure-package-manager/internal/registry"
	"github.com/theboyknowsclass/secure-package-manager/internal/scanner"
	"github.com/theboyknowsclass/secure-package-manager/internal/store"
	"github.com/theboyknowsclass/secure-package-manager/internal/store/postgres"
	"github.com/theboyknowsclass/secure-package-manager/internal/supervisor"
	"github.com/theboyknowsclass/secure-package-manager/internal/system"
	"github.com/theboyknowsclass/secure-package-manager/internal/workers"
	"github.com/theboyknowsclass/secure-package-manager/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	lg := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	rootCtx := context.Background()

	db, err := database.Open(rootCtx, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("connect to postgres: %v", err)
	}
	defer db.Close()
	configurePool(db, cfg)

	if cfg.Database.MigrateOnStart {
		if err := migrations.Apply(rootCtx, db); err != nil {
			log.Fatalf("apply migrations: %v", err)
		}
	}

	st := postgres.New(db)

	artifactCache, err := cache.New(cfg.Cache.Dir, nil)
	if err != nil {
		log.Fatalf("initialise artifact cache: %v", err)
	}

	limiter := ratelimit.New(ratelimit.RateLimitConfig{
		RequestsPerSecond: cfg.Registry.RequestsPerSecond,
		Burst:             cfg.Registry.Burst,
	})
	publisher := registry.New(cfg.Registry.DownstreamURL, cfg.Registry.DownstreamToken, nil, limiter)

	services := buildServices(st, artifactCache, publisher, cfg, lg)

	ctx, stop := signal.NotifyContext(rootCtx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, svc := range services {
		if err := svc.Start(ctx); err != nil {
			log.Fatalf("start %s: %v", svc.Name(), err)
		}
	}
	lg.WithField("addr", listenAddr(cfg)).Info("pipeline engine started")

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for i := len(services) - 1; i >= 0; i-- {
		if err := services[i].Stop(shutdownCtx); err != nil {
			lg.WithError(err).WithField("service", services[i].Name()).Error("shutdown error")
		}
	}
}

func buildServices(st store.Store, artifactCache *cache.Cache, publisher *registry.Publisher, cfg *config.Config, lg *logger.Logger) []system.Service {
	batchSize := cfg.Pipeline.ClaimBatchSize

	licenseLoop := workers.NewLoop("license", &workers.LicenseCycle{
		Store:     st,
		Licenses:  st,
		BatchSize: batchSize,
	}, workers.Config{BatchSize: batchSize}, lg, core.Descriptor{Name: "license", Domain: "pipeline", Layer: core.LayerEngine, Capabilities: []string{"license-classification"}})

	downloadLoop := workers.NewLoop("download", &workers.DownloadCycle{
		Store:       st,
		Cache:       artifactCache,
		UpstreamURL: cfg.Registry.UpstreamURL,
		BatchSize:   batchSize,
		Log:         lg,
	}, workers.Config{BatchSize: batchSize, StageTimeout: cfg.Pipeline.DownloadTimeout()}, lg, core.Descriptor{Name: "download", Domain: "pipeline", Layer: core.LayerEngine, Capabilities: []string{"artifact-fetch"}})

	scannerLoop := workers.NewLoop("scanner", &workers.ScannerCycle{
		Store:     st,
		Scans:     st,
		Adapter:   &scanner.NullAdapter{ToolVersion: "null-adapter/1"},
		BatchSize: batchSize,
	}, workers.Config{BatchSize: batchSize, StageTimeout: cfg.Pipeline.ScanTimeout()}, lg, core.Descriptor{Name: "scanner", Domain: "pipeline", Layer: core.LayerEngine, Capabilities: []string{"security-scan"}})

	approvalLoop := workers.NewLoop("approval-transition", &workers.ApprovalTransitionCycle{
		Store:     st,
		BatchSize: batchSize,
	}, workers.Config{BatchSize: batchSize}, lg, core.Descriptor{Name: "approval-transition", Domain: "pipeline", Layer: core.LayerEngine, Capabilities: []string{"approval-gate"}})

	publisherLoop := workers.NewLoop("publisher", &workers.PublisherCycle{
		Store:     st,
		Publisher: publisher,
		BatchSize: batchSize,
	}, workers.Config{BatchSize: batchSize, StageTimeout: cfg.Pipeline.PublishTimeout()}, lg, core.Descriptor{Name: "publisher", Domain: "pipeline", Layer: core.LayerEngine, Capabilities: []string{"registry-publish"}})

	sup := supervisor.New(st, supervisor.Config{
		CronSpec:     cfg.Pipeline.StuckSweepCron,
		StuckTimeout: cfg.Pipeline.StuckTimeout(),
		CacheDir:     cfg.Cache.Dir,
	}, lg)

	handler := &httpapi.Handler{Store: st, Publisher: publisher, Supervisor: sup, Log: lg}
	httpService := httpapi.NewService(listenAddr(cfg), handler, resolveAPIPrincipals(), lg)

	return []system.Service{
		licenseLoop,
		downloadLoop,
		scannerLoop,
		approvalLoop,
		publisherLoop,
		sup,
		httpService,
	}
}

func configurePool(db *sql.DB, cfg *config.Config) {
	if cfg.Database.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)
	}
}

func listenAddr(cfg *config.Config) string {
	host := cfg.Server.Host
	if host == "" {
		host = "0.0.0.0"
	}
	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// resolveAPIPrincipals builds the bearer-token-to-User table wrapWithAuth
// enforces. API_TOKENS is a comma-separated "token:role" list (role
// defaults to "member", request_packages only); API_TOKEN/API_TOKEN_ROLE is
// a single legacy token (role defaults to "admin", for ops scripts).
func resolveAPIPrincipals() map[string]pkgmgr.User {
	principals := make(map[string]pkgmgr.User)
	for _, entry := range splitTokens(os.Getenv("API_TOKENS")) {
		token, role := splitTokenRole(entry)
		principals[token] = pkgmgr.User{ID: token, Role: role}
	}
	if token := strings.TrimSpace(os.Getenv("API_TOKEN")); token != "" {
		role := strings.TrimSpace(os.Getenv("API_TOKEN_ROLE"))
		if role == "" {
			role = "admin"
		}
		principals[token] = pkgmgr.User{ID: token, Role: role}
	}
	return principals
}

func splitTokenRole(entry string) (token, role string) {
	if idx := strings.Index(entry, ":"); idx != -1 {
		return strings.TrimSpace(entry[:idx]), strings.TrimSpace(entry[idx+1:])
	}
	return entry, "member"
}

func splitTokens(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	trimmed := make([]string, 0, len(parts))
	for _, part := range parts {
		if p := strings.TrimSpace(part); p != "" {
			trimmed = append(trimmed, p)
		}
	}
	return trimmed
}
