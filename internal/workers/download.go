package workers

import (
	"context"

	"github.com/theboyknowsclass/secure-package-manager/internal/cache"
	"github.com/theboyknowsclass/secure-package-manager/internal/domain/pkgmgr"
	"github.com/theboyknowsclass/secure-package-manager/internal/metrics"
	"github.com/theboyknowsclass/secure-package-manager/internal/pipelineerr"
	"github.com/theboyknowsclass/secure-package-manager/internal/store"
	"github.com/theboyknowsclass/secure-package-manager/pkg/logger"
)

// DownloadCycle consumes packages at LicenceChecked: it serves an existing
// cache hit directly, or fetches, extracts and records a fresh one.
type DownloadCycle struct {
	Store       store.PackageStore
	Cache       *cache.Cache
	UpstreamURL string
	BatchSize   int
	Log         *logger.Logger
}

func (c *DownloadCycle) RunCycle(ctx context.Context) error {
	batchSize := c.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultConfig.BatchSize
	}

	claimed, err := c.Store.ClaimBatch(ctx, pkgmgr.StatusLicenceChecked, batchSize)
	if err != nil {
		return err
	}
	if len(claimed) == 0 {
		return nil
	}
	metrics.RecordStageClaim("download")

	for _, ps := range claimed {
		pkg, err := c.Store.GetPackage(ctx, ps.PackageID)
		if err != nil {
			continue
		}

		if entry, ok := c.Cache.Lookup(pkg.Name, pkg.Version); ok {
			c.commitFromLicenceChecked(ctx, pkg.ID, pkgmgr.StatusDownloaded, entry)
			continue
		}

		// Mark the row in-flight before the I/O-bound work phase so the
		// supervisor can recognize and recover it if this cycle never
		// reaches its terminal commit.
		if err := c.Store.CommitTransition(ctx, pkg.ID, pkgmgr.StatusLicenceChecked, pkgmgr.StatusDownloading, nil); err != nil {
			if err == store.ErrConflict {
				metrics.RecordCASConflict("download")
			}
			continue
		}

		url := cache.UpstreamURL(c.UpstreamURL, pkg.URL, pkg.Name, pkg.Version)
		entry, err := c.Cache.Fetch(ctx, pkg.Name, pkg.Version, url)
		if err != nil {
			if c.Log != nil {
				classified := pipelineerr.Wrap(pipelineerr.ErrTransientIO, err.Error())
				c.Log.WithError(classified).WithField("package", pkg.Key()).Warn("download fetch failed")
			}
			c.commitFromDownloading(ctx, pkg.ID, pkgmgr.StatusDownloadFailed, cache.Entry{})
			continue
		}
		c.commitFromDownloading(ctx, pkg.ID, pkgmgr.StatusDownloaded, entry)
	}
	return nil
}

func (c *DownloadCycle) commitFromLicenceChecked(ctx context.Context, packageID string, to pkgmgr.Status, entry cache.Entry) {
	err := c.Store.CommitTransition(ctx, packageID, pkgmgr.StatusLicenceChecked, to, func(row *pkgmgr.PackageStatus) {
		row.CachePath = entry.Path
		row.FileSize = entry.FileSize
		row.Checksum = entry.Checksum
	})
	if err == store.ErrConflict {
		metrics.RecordCASConflict("download")
	}
}

func (c *DownloadCycle) commitFromDownloading(ctx context.Context, packageID string, to pkgmgr.Status, entry cache.Entry) {
	err := c.Store.CommitTransition(ctx, packageID, pkgmgr.StatusDownloading, to, func(row *pkgmgr.PackageStatus) {
		row.CachePath = entry.Path
		row.FileSize = entry.FileSize
		row.Checksum = entry.Checksum
	})
	if err == store.ErrConflict {
		metrics.RecordCASConflict("download")
	}
}
