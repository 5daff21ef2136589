package aggregator

import (
	"context"
	"testing"

	"github.com/theboyknowsclass/secure-package-manager/internal/domain/pkgmgr"
	"github.com/theboyknowsclass/secure-package-manager/internal/store/memory"
)

// toApproved is the legal status path from creation to Approved.
var toApproved = []pkgmgr.Status{
	pkgmgr.StatusCheckingLicence, pkgmgr.StatusLicenceChecked, pkgmgr.StatusDownloaded,
	pkgmgr.StatusSecurityScanning, pkgmgr.StatusSecurityScanned, pkgmgr.StatusPendingApproval,
	pkgmgr.StatusApproved,
}

// walk commits each consecutive pair of statuses in path, in order.
func walk(ctx context.Context, s *memory.Store, id string, path ...pkgmgr.Status) {
	for i := 1; i < len(path); i++ {
		s.CommitTransition(ctx, id, path[i-1], path[i], nil)
	}
}

func TestAggregate_NoPackages(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	req, _ := s.CreateRequest(ctx, pkgmgr.Request{Filename: "package-lock.json"})

	proj, err := Aggregate(ctx, s, req.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if proj.CurrentStatus != StatusNoPackages {
		t.Fatalf("expected no_packages, got %s", proj.CurrentStatus)
	}
}

func TestAggregate_AllPendingApproval(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	req, _ := s.CreateRequest(ctx, pkgmgr.Request{Filename: "package-lock.json"})
	for i := 0; i < 2; i++ {
		pkg, _ := s.CreatePackageWithStatus(ctx, pkgmgr.Package{Name: "pkg", Version: string(rune('a' + i))})
		s.CommitTransition(ctx, pkg.ID, pkgmgr.StatusCheckingLicence, pkgmgr.StatusLicenceChecked, nil)
		s.CommitTransition(ctx, pkg.ID, pkgmgr.StatusLicenceChecked, pkgmgr.StatusDownloaded, nil)
		s.CommitTransition(ctx, pkg.ID, pkgmgr.StatusDownloaded, pkgmgr.StatusSecurityScanning, nil)
		s.CommitTransition(ctx, pkg.ID, pkgmgr.StatusSecurityScanning, pkgmgr.StatusSecurityScanned, nil)
		s.CommitTransition(ctx, pkg.ID, pkgmgr.StatusSecurityScanned, pkgmgr.StatusPendingApproval, nil)
		s.LinkPackage(ctx, pkgmgr.RequestPackage{RequestID: req.ID, PackageID: pkg.ID, PackageType: pkgmgr.PackageTypeNew})
	}

	proj, err := Aggregate(ctx, s, req.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if proj.CurrentStatus != StatusPendingApprovalAll {
		t.Fatalf("expected pending_approval, got %s", proj.CurrentStatus)
	}
	if proj.CompletionPercentage != 100 {
		t.Fatalf("expected 100%% completion, got %f", proj.CompletionPercentage)
	}
}

func TestAggregate_MixedInFlightIsProcessing(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	req, _ := s.CreateRequest(ctx, pkgmgr.Request{Filename: "package-lock.json"})

	done, _ := s.CreatePackageWithStatus(ctx, pkgmgr.Package{Name: "a", Version: "1.0.0"})
	s.CommitTransition(ctx, done.ID, pkgmgr.StatusCheckingLicence, pkgmgr.StatusLicenceChecked, nil)
	s.LinkPackage(ctx, pkgmgr.RequestPackage{RequestID: req.ID, PackageID: done.ID, PackageType: pkgmgr.PackageTypeNew})

	inFlight, _ := s.CreatePackageWithStatus(ctx, pkgmgr.Package{Name: "b", Version: "1.0.0"})
	s.LinkPackage(ctx, pkgmgr.RequestPackage{RequestID: req.ID, PackageID: inFlight.ID, PackageType: pkgmgr.PackageTypeNew})

	proj, err := Aggregate(ctx, s, req.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if proj.CurrentStatus != StatusProcessing {
		t.Fatalf("expected processing, got %s", proj.CurrentStatus)
	}
	if proj.TotalPackages != 2 {
		t.Fatalf("expected 2 total packages, got %d", proj.TotalPackages)
	}
}

func TestAggregate_AllApprovedOrPublished(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	req, _ := s.CreateRequest(ctx, pkgmgr.Request{Filename: "package-lock.json"})

	a, _ := s.CreatePackageWithStatus(ctx, pkgmgr.Package{Name: "a", Version: "1.0.0"})
	walk(ctx, s, a.ID, toApproved...)
	s.LinkPackage(ctx, pkgmgr.RequestPackage{RequestID: req.ID, PackageID: a.ID, PackageType: pkgmgr.PackageTypeNew})

	b, _ := s.CreatePackageWithStatus(ctx, pkgmgr.Package{Name: "b", Version: "1.0.0"})
	walk(ctx, s, b.ID, append(toApproved, pkgmgr.StatusPublishing, pkgmgr.StatusPublished)...)
	s.LinkPackage(ctx, pkgmgr.RequestPackage{RequestID: req.ID, PackageID: b.ID, PackageType: pkgmgr.PackageTypeNew})

	proj, err := Aggregate(ctx, s, req.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if proj.CurrentStatus != StatusApprovedAll {
		t.Fatalf("expected approved, got %s", proj.CurrentStatus)
	}
}
