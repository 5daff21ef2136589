package memory

import (
	"context"
	"testing"
	"time"

	"github.com/theboyknowsclass/secure-package-manager/internal/domain/pkgmgr"
	"github.com/theboyknowsclass/secure-package-manager/internal/store"
)

func TestCreatePackageWithStatus_StartsAtCheckingLicence(t *testing.T) {
	s := New()
	ctx := context.Background()

	pkg, err := s.CreatePackageWithStatus(ctx, pkgmgr.Package{Name: "lodash", Version: "4.17.21"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ps, err := s.GetPackageStatus(ctx, pkg.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ps.Status != pkgmgr.StatusCheckingLicence {
		t.Fatalf("expected initial status checking_licence, got %s", ps.Status)
	}
}

func TestFindPackage_DedupsByNameVersion(t *testing.T) {
	s := New()
	ctx := context.Background()
	created, _ := s.CreatePackageWithStatus(ctx, pkgmgr.Package{Name: "lodash", Version: "4.17.21"})

	found, err := s.FindPackage(ctx, "lodash", "4.17.21")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found.ID != created.ID {
		t.Fatalf("expected to find the same package id")
	}

	if _, err := s.FindPackage(ctx, "lodash", "9.9.9"); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound for unknown version, got %v", err)
	}
}

func TestCommitTransition_RejectsStaleExpectedStatus(t *testing.T) {
	s := New()
	ctx := context.Background()
	pkg, _ := s.CreatePackageWithStatus(ctx, pkgmgr.Package{Name: "left-pad", Version: "1.0.0"})

	if err := s.CommitTransition(ctx, pkg.ID, pkgmgr.StatusCheckingLicence, pkgmgr.StatusLicenceChecked, nil); err != nil {
		t.Fatalf("unexpected error on first transition: %v", err)
	}

	err := s.CommitTransition(ctx, pkg.ID, pkgmgr.StatusCheckingLicence, pkgmgr.StatusLicenceChecked, nil)
	if err != store.ErrConflict {
		t.Fatalf("expected ErrConflict on stale transition, got %v", err)
	}
}

func TestCommitTransition_AppliesMutateButCannotOverrideStatus(t *testing.T) {
	s := New()
	ctx := context.Background()
	pkg, _ := s.CreatePackageWithStatus(ctx, pkgmgr.Package{Name: "left-pad", Version: "1.0.0"})

	err := s.CommitTransition(ctx, pkg.ID, pkgmgr.StatusCheckingLicence, pkgmgr.StatusLicenceChecked, func(ps *pkgmgr.PackageStatus) {
		ps.LicenceScore = 100
		ps.Status = pkgmgr.StatusPublished // must not stick
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ps, _ := s.GetPackageStatus(ctx, pkg.ID)
	if ps.Status != pkgmgr.StatusLicenceChecked {
		t.Fatalf("expected mutate to be unable to override the transition target, got %s", ps.Status)
	}
	if ps.LicenceScore != 100 {
		t.Fatalf("expected mutate's other field changes to persist")
	}
}

func TestClaimBatch_RespectsLimitAndStatus(t *testing.T) {
	s := New()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		s.CreatePackageWithStatus(ctx, pkgmgr.Package{Name: "pkg", Version: string(rune('a' + i))})
	}

	claimed, err := s.ClaimBatch(ctx, pkgmgr.StatusCheckingLicence, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("expected batch limited to 2, got %d", len(claimed))
	}
}

func TestListStuck_OnlyInFlightPastDeadline(t *testing.T) {
	s := New()
	ctx := context.Background()
	pkg, _ := s.CreatePackageWithStatus(ctx, pkgmgr.Package{Name: "pkg", Version: "1.0.0"})

	stuck, err := s.ListStuck(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stuck) != 1 || stuck[0].PackageID != pkg.ID {
		t.Fatalf("expected the in-flight package to be reported stuck, got %+v", stuck)
	}

	none, err := s.ListStuck(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected nothing stuck before the deadline, got %+v", none)
	}
}

func TestLinkPackage_SecondLinkIsNoOp(t *testing.T) {
	s := New()
	ctx := context.Background()
	req, _ := s.CreateRequest(ctx, pkgmgr.Request{Filename: "package-lock.json"})
	pkg, _ := s.CreatePackageWithStatus(ctx, pkgmgr.Package{Name: "lodash", Version: "4.17.21"})

	link := pkgmgr.RequestPackage{RequestID: req.ID, PackageID: pkg.ID, PackageType: pkgmgr.PackageTypeNew}
	if _, err := s.LinkPackage(ctx, link); err != nil {
		t.Fatalf("unexpected error on first link: %v", err)
	}
	if _, err := s.LinkPackage(ctx, link); err != store.ErrAlreadyLinked {
		t.Fatalf("expected ErrAlreadyLinked on duplicate link, got %v", err)
	}
}

func TestCountByStatus_GroupsLinkedPackages(t *testing.T) {
	s := New()
	ctx := context.Background()
	req, _ := s.CreateRequest(ctx, pkgmgr.Request{Filename: "package-lock.json"})
	a, _ := s.CreatePackageWithStatus(ctx, pkgmgr.Package{Name: "a", Version: "1.0.0"})
	b, _ := s.CreatePackageWithStatus(ctx, pkgmgr.Package{Name: "b", Version: "1.0.0"})
	s.LinkPackage(ctx, pkgmgr.RequestPackage{RequestID: req.ID, PackageID: a.ID, PackageType: pkgmgr.PackageTypeNew})
	s.LinkPackage(ctx, pkgmgr.RequestPackage{RequestID: req.ID, PackageID: b.ID, PackageType: pkgmgr.PackageTypeNew})
	s.CommitTransition(ctx, a.ID, pkgmgr.StatusCheckingLicence, pkgmgr.StatusLicenceChecked, nil)

	counts, err := s.CountByStatus(ctx, req.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counts[pkgmgr.StatusLicenceChecked] != 1 || counts[pkgmgr.StatusCheckingLicence] != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
}
