package workers

import (
	"context"

	"github.com/theboyknowsclass/secure-package-manager/internal/domain/pkgmgr"
	"github.com/theboyknowsclass/secure-package-manager/internal/metrics"
	"github.com/theboyknowsclass/secure-package-manager/internal/store"
)

// ApprovalTransitionCycle is the lightweight, no-I/O worker that moves
// SecurityScanned packages to PendingApproval so "ready for human review" is
// its own distinct, queryable state.
type ApprovalTransitionCycle struct {
	Store     store.PackageStore
	BatchSize int
}

func (c *ApprovalTransitionCycle) RunCycle(ctx context.Context) error {
	batchSize := c.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultConfig.BatchSize
	}

	claimed, err := c.Store.ClaimBatch(ctx, pkgmgr.StatusSecurityScanned, batchSize)
	if err != nil {
		return err
	}
	if len(claimed) == 0 {
		return nil
	}
	metrics.RecordStageClaim("approval_transition")

	for _, ps := range claimed {
		err := c.Store.CommitTransition(ctx, ps.PackageID, pkgmgr.StatusSecurityScanned, pkgmgr.StatusPendingApproval, nil)
		if err == store.ErrConflict {
			metrics.RecordCASConflict("approval_transition")
		}
	}
	return nil
}
