package workers

import (
	"context"

	"github.com/theboyknowsclass/secure-package-manager/internal/domain/pkgmgr"
	"github.com/theboyknowsclass/secure-package-manager/internal/license"
	"github.com/theboyknowsclass/secure-package-manager/internal/metrics"
	"github.com/theboyknowsclass/secure-package-manager/internal/pipelineerr"
	"github.com/theboyknowsclass/secure-package-manager/internal/store"
)

// LicenseCycle consumes packages at CheckingLicence, classifies their
// license expression, and advances them to LicenceChecked or
// LicenceCheckFailed.
type LicenseCycle struct {
	Store     store.PackageStore
	Licenses  store.LicenseStore
	BatchSize int
}

func (c *LicenseCycle) RunCycle(ctx context.Context) error {
	batchSize := c.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultConfig.BatchSize
	}

	claimed, err := c.Store.ClaimBatch(ctx, pkgmgr.StatusCheckingLicence, batchSize)
	if err != nil {
		return err
	}
	if len(claimed) == 0 {
		return nil
	}
	metrics.RecordStageClaim("license")

	licenses, err := c.Licenses.ListSupportedLicenses(ctx)
	if err != nil {
		return err
	}
	table := license.NewTable(licenses)

	// Packages are grouped by license expression within the batch so the
	// classifier table is consulted once per unique expression, per the
	// stage's documented optimization.
	results := make(map[string]license.Result)
	for _, ps := range claimed {
		pkg, err := c.Store.GetPackage(ctx, ps.PackageID)
		if err != nil {
			continue
		}
		if _, ok := results[pkg.LicenceIdentifier]; !ok {
			results[pkg.LicenceIdentifier] = license.Classify(table, pkg.LicenceIdentifier)
		}
	}

	for _, ps := range claimed {
		pkg, err := c.Store.GetPackage(ctx, ps.PackageID)
		if err != nil {
			continue
		}
		result := results[pkg.LicenceIdentifier]

		to := pkgmgr.StatusLicenceChecked
		licenceErrors := result.Errors
		if result.Tier == pkgmgr.TierBlocked || result.Score == 0 {
			to = pkgmgr.StatusLicenceCheckFailed
			policyErr := pipelineerr.Wrap(pipelineerr.ErrPolicyFailure, "license "+pkg.LicenceIdentifier+" is blocked by policy")
			licenceErrors = append(append([]string{}, licenceErrors...), policyErr.Error())
		}

		err = c.Store.CommitTransition(ctx, ps.PackageID, pkgmgr.StatusCheckingLicence, to, func(row *pkgmgr.PackageStatus) {
			row.LicenceScore = result.Score
			row.LicenceTier = result.Tier
			row.LicenceErrors = licenceErrors
		})
		if err == store.ErrConflict {
			metrics.RecordCASConflict("license")
			continue
		}
		if err != nil {
			continue
		}
	}
	return nil
}
