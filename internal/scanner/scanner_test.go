package scanner

import (
	"context"
	"testing"
)

func TestNullAdapter_ReportsZeroFindingsForExistingDir(t *testing.T) {
	result, err := NullAdapter{}.Scan(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Critical != 0 || result.High != 0 {
		t.Fatalf("expected zero findings, got %+v", result)
	}
	if result.ToolVersion == "" {
		t.Fatal("expected a tool version to be reported")
	}
}

func TestNullAdapter_FailsOnMissingDir(t *testing.T) {
	_, err := NullAdapter{}.Scan(context.Background(), "/nonexistent/path/does/not/exist")
	if err == nil {
		t.Fatal("expected an error for a missing tree")
	}
}
