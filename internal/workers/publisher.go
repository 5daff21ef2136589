package workers

import (
	"context"
	"time"

	"github.com/theboyknowsclass/secure-package-manager/internal/domain/pkgmgr"
	"github.com/theboyknowsclass/secure-package-manager/internal/metrics"
	"github.com/theboyknowsclass/secure-package-manager/internal/pipelineerr"
	"github.com/theboyknowsclass/secure-package-manager/internal/registry"
	"github.com/theboyknowsclass/secure-package-manager/internal/store"
)

// PublisherCycle consumes packages at Approved: it builds a publish
// envelope from the cached tree and posts it to the downstream registry.
type PublisherCycle struct {
	Store     store.PackageStore
	Publisher *registry.Publisher
	BatchSize int
}

func (c *PublisherCycle) RunCycle(ctx context.Context) error {
	batchSize := c.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultConfig.BatchSize
	}

	claimed, err := c.Store.ClaimBatch(ctx, pkgmgr.StatusApproved, batchSize)
	if err != nil {
		return err
	}
	if len(claimed) == 0 {
		return nil
	}
	metrics.RecordStageClaim("publisher")

	for _, ps := range claimed {
		PublishOne(ctx, c.Store, c.Publisher, ps.PackageID)
	}
	return nil
}

// PublishOne drives a single Approved package through Publishing to
// Published or PublishFailed. It is shared by the stage loop and the
// force-publish HTTP endpoint so both follow the identical CAS sequence.
func PublishOne(ctx context.Context, st store.PackageStore, pub *registry.Publisher, packageID string) error {
	pkg, err := st.GetPackage(ctx, packageID)
	if err != nil {
		return err
	}
	ps, err := st.GetPackageStatus(ctx, packageID)
	if err != nil {
		return err
	}

	if err := st.CommitTransition(ctx, pkg.ID, pkgmgr.StatusApproved, pkgmgr.StatusPublishing, nil); err != nil {
		if err == store.ErrConflict {
			metrics.RecordCASConflict("publisher")
		}
		return err
	}

	tarball, shasum, err := registry.BuildEnvelope(ps.CachePath, pkg.Name, pkg.Version, pkg.LicenceIdentifier)
	if err != nil {
		commitPublishOutcome(ctx, st, pkg.ID, pkgmgr.StatusPublishFailed, nil)
		return pipelineerr.Wrap(pipelineerr.ErrInvariantViolation, "build publish envelope: "+err.Error())
	}

	if err := pub.Publish(ctx, pkg.Name, pkg.Version, pkg.LicenceIdentifier, tarball, shasum); err != nil {
		commitPublishOutcome(ctx, st, pkg.ID, pkgmgr.StatusPublishFailed, nil)
		return pipelineerr.Wrap(pipelineerr.ErrTransientIO, "publish upstream: "+err.Error())
	}

	commitPublishOutcome(ctx, st, pkg.ID, pkgmgr.StatusPublished, func(row *pkgmgr.PackageStatus) {
		row.PublishedAt = time.Now().UTC()
	})
	return nil
}

func commitPublishOutcome(ctx context.Context, st store.PackageStore, packageID string, to pkgmgr.Status, mutate func(*pkgmgr.PackageStatus)) {
	err := st.CommitTransition(ctx, packageID, pkgmgr.StatusPublishing, to, mutate)
	if err == store.ErrConflict {
		metrics.RecordCASConflict("publisher")
	}
}
