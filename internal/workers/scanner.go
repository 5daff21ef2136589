package workers

import (
	"context"

	"github.com/theboyknowsclass/secure-package-manager/internal/domain/pkgmgr"
	"github.com/theboyknowsclass/secure-package-manager/internal/metrics"
	"github.com/theboyknowsclass/secure-package-manager/internal/scanner"
	"github.com/theboyknowsclass/secure-package-manager/internal/store"
)

// ScannerCycle consumes packages at Downloaded, invokes the Scanner Adapter
// against the cached tree, and records a SecurityScan plus the derived
// PackageStatus outcome.
type ScannerCycle struct {
	Store     store.PackageStore
	Scans     store.ScanStore
	Adapter   scanner.Adapter
	BatchSize int
}

func (c *ScannerCycle) RunCycle(ctx context.Context) error {
	batchSize := c.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultConfig.BatchSize
	}

	claimed, err := c.Store.ClaimBatch(ctx, pkgmgr.StatusDownloaded, batchSize)
	if err != nil {
		return err
	}
	if len(claimed) == 0 {
		return nil
	}
	metrics.RecordStageClaim("scanner")

	for _, ps := range claimed {
		if err := c.Store.CommitTransition(ctx, ps.PackageID, pkgmgr.StatusDownloaded, pkgmgr.StatusSecurityScanning, nil); err != nil {
			if err == store.ErrConflict {
				metrics.RecordCASConflict("scanner")
			}
			continue
		}

		result, err := c.Adapter.Scan(ctx, ps.CachePath)
		if err != nil {
			c.commit(ctx, ps.PackageID, pkgmgr.StatusSecurityScanFailed, nil)
			continue
		}

		score := pkgmgr.SecurityScoreFor(result.Critical, result.High, result.Medium, result.Low)
		_, scanErr := c.Scans.CreateScan(ctx, pkgmgr.SecurityScan{
			PackageID:     ps.PackageID,
			CriticalCount: result.Critical,
			HighCount:     result.High,
			MediumCount:   result.Medium,
			LowCount:      result.Low,
			InfoCount:     result.Info,
			SecurityScore: score,
			RawResult:     result.RawResult,
			DurationMS:    result.DurationMS,
			ToolVersion:   result.ToolVersion,
		})
		if scanErr != nil {
			c.commit(ctx, ps.PackageID, pkgmgr.StatusSecurityScanFailed, nil)
			continue
		}

		c.commit(ctx, ps.PackageID, pkgmgr.StatusSecurityScanned, nil)
	}
	return nil
}

func (c *ScannerCycle) commit(ctx context.Context, packageID string, to pkgmgr.Status, mutate func(*pkgmgr.PackageStatus)) {
	err := c.Store.CommitTransition(ctx, packageID, pkgmgr.StatusSecurityScanning, to, mutate)
	if err == store.ErrConflict {
		metrics.RecordCASConflict("scanner")
	}
}
