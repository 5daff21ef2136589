package pkgmgr

import "testing"

func TestStatus_CanTransition_ForwardEdges(t *testing.T) {
	cases := []struct {
		from Status
		to   Status
		want bool
	}{
		{StatusCheckingLicence, StatusLicenceChecked, true},
		{StatusCheckingLicence, StatusLicenceCheckFailed, true},
		{StatusCheckingLicence, StatusDownloading, false},
		{StatusLicenceChecked, StatusDownloading, true},
		{StatusLicenceChecked, StatusDownloaded, true}, // cache-hit fast path skips Downloading
		{StatusDownloading, StatusDownloaded, true},
		{StatusDownloading, StatusDownloadFailed, true},
		{StatusDownloaded, StatusSecurityScanning, true},
		{StatusSecurityScanning, StatusSecurityScanned, true},
		{StatusSecurityScanned, StatusPendingApproval, true},
		{StatusPendingApproval, StatusApproved, true},
		{StatusPendingApproval, StatusRejected, true},
		{StatusApproved, StatusPublishing, true},
		{StatusPublishFailed, StatusApproved, true},
		{StatusPublished, StatusApproved, false},
		{StatusRejected, StatusApproved, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.want {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestStatus_CanTransition_AllowsSanctionedRecoveryEdges(t *testing.T) {
	for from := range priorChecked {
		target, ok := from.RecoveryTarget()
		if !ok {
			t.Fatalf("priorChecked entry %s has no RecoveryTarget", from)
		}
		if !from.CanTransition(target) {
			t.Errorf("CanTransition(%s -> %s) = false, want true (sanctioned recovery edge)", from, target)
		}
	}
}

func TestStatus_CanTransition_RejectsSkippedStages(t *testing.T) {
	if StatusCheckingLicence.CanTransition(StatusSecurityScanning) {
		t.Error("CanTransition should reject skipping straight from checking_licence to security_scanning")
	}
	if StatusDownloaded.CanTransition(StatusPendingApproval) {
		t.Error("CanTransition should reject skipping the security-scanning stage")
	}
}

func TestStatus_InFlightAndTerminal(t *testing.T) {
	for _, s := range []Status{StatusCheckingLicence, StatusDownloading, StatusSecurityScanning, StatusPublishing} {
		if !s.InFlight() {
			t.Errorf("%s should be in-flight", s)
		}
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	for _, s := range []Status{StatusLicenceCheckFailed, StatusDownloadFailed, StatusSecurityScanFailed, StatusRejected, StatusPublished} {
		if s.InFlight() {
			t.Errorf("%s should not be in-flight", s)
		}
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}
