package workers

import (
	"context"
	"testing"

	"github.com/theboyknowsclass/secure-package-manager/internal/domain/pkgmgr"
	"github.com/theboyknowsclass/secure-package-manager/internal/store/memory"
)

func TestLicenseCycle_AdvancesKnownLicenseToChecked(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	s.UpsertSupportedLicense(ctx, pkgmgr.SupportedLicense{Identifier: "MIT", Tier: pkgmgr.TierAlwaysAllowed})
	pkg, _ := s.CreatePackageWithStatus(ctx, pkgmgr.Package{Name: "lodash", Version: "4.17.21", LicenceIdentifier: "MIT"})

	cycle := &LicenseCycle{Store: s, Licenses: s, BatchSize: 10}
	if err := cycle.RunCycle(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ps, _ := s.GetPackageStatus(ctx, pkg.ID)
	if ps.Status != pkgmgr.StatusLicenceChecked {
		t.Fatalf("expected licence_checked, got %s", ps.Status)
	}
	if ps.LicenceScore != 100 {
		t.Fatalf("expected score 100, got %d", ps.LicenceScore)
	}
}

func TestLicenseCycle_BlockedLicenseFailsStage(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	s.UpsertSupportedLicense(ctx, pkgmgr.SupportedLicense{Identifier: "Evil-1.0", Tier: pkgmgr.TierBlocked})
	pkg, _ := s.CreatePackageWithStatus(ctx, pkgmgr.Package{Name: "bad-pkg", Version: "1.0.0", LicenceIdentifier: "Evil-1.0"})

	cycle := &LicenseCycle{Store: s, Licenses: s, BatchSize: 10}
	if err := cycle.RunCycle(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ps, _ := s.GetPackageStatus(ctx, pkg.ID)
	if ps.Status != pkgmgr.StatusLicenceCheckFailed {
		t.Fatalf("expected licence_check_failed, got %s", ps.Status)
	}
}
