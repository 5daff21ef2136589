// Package aggregator implements the Request Aggregator: a read-only
// projection over a request's linked packages, recomputed per query.
package aggregator

import (
	"context"

	"github.com/theboyknowsclass/secure-package-manager/internal/domain/pkgmgr"
	"github.com/theboyknowsclass/secure-package-manager/internal/store"
)

// CurrentStatus is the Aggregator's derived, request-level summary status.
type CurrentStatus string

const (
	StatusNoPackages       CurrentStatus = "no_packages"
	StatusProcessing       CurrentStatus = "processing"
	StatusPendingApprovalAll CurrentStatus = "pending_approval"
	StatusApprovedAll       CurrentStatus = "approved"
)

// Projection is the Aggregator's output for one request.
type Projection struct {
	RequestID            string
	TotalPackages        int
	CompletionPercentage float64
	CurrentStatus        CurrentStatus
	Counts               map[pkgmgr.Status]int
}

var completionStatuses = map[pkgmgr.Status]bool{
	pkgmgr.StatusSecurityScanned:     true,
	pkgmgr.StatusPendingApproval:     true,
	pkgmgr.StatusApproved:            true,
	pkgmgr.StatusPublished:           true,
	pkgmgr.StatusRejected:            true,
	pkgmgr.StatusLicenceCheckFailed:  true,
	pkgmgr.StatusDownloadFailed:      true,
	pkgmgr.StatusSecurityScanFailed:  true,
	pkgmgr.StatusPublishFailed:       true,
}

// Aggregate computes the Projection for requestID from a single grouped
// status-count query. It performs no mutation and caches nothing; every
// call re-derives the answer from the current counts.
func Aggregate(ctx context.Context, st store.PackageStore, requestID string) (Projection, error) {
	counts, err := st.CountByStatus(ctx, requestID)
	if err != nil {
		return Projection{}, err
	}

	total := 0
	for _, n := range counts {
		total += n
	}

	proj := Projection{RequestID: requestID, TotalPackages: total, Counts: counts}
	if total == 0 {
		proj.CurrentStatus = StatusNoPackages
		return proj, nil
	}

	completed := 0
	for status, n := range counts {
		if completionStatuses[status] {
			completed += n
		}
	}
	proj.CompletionPercentage = float64(completed) / float64(total) * 100

	proj.CurrentStatus = deriveStatus(counts, total)
	return proj, nil
}

func deriveStatus(counts map[pkgmgr.Status]int, total int) CurrentStatus {
	if counts[pkgmgr.StatusPendingApproval] == total {
		return StatusPendingApprovalAll
	}
	if counts[pkgmgr.StatusApproved]+counts[pkgmgr.StatusPublished] == total {
		return StatusApprovedAll
	}
	for status, n := range counts {
		if n == 0 {
			continue
		}
		if status.InFlight() || status == pkgmgr.StatusPendingApproval {
			return StatusProcessing
		}
	}
	return StatusProcessing
}
