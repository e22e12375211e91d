package policy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	content := `policies:
  - SOURCES orders CONSTRAINT max(orders.total) > 10 ON FAIL REMOVE
  - AGGREGATE SOURCES orders SINK summary CONSTRAINT sum(orders.total) < count(summary) ON FAIL INVALIDATE DESCRIPTION totals stay bounded
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	policies, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("got %d policies, want 2", len(policies))
	}
	if policies[0].OnFail != Remove {
		t.Fatalf("first policy OnFail = %s", policies[0].OnFail)
	}
	if !policies[1].Aggregate {
		t.Fatal("second policy should be aggregate")
	}
	if policies[1].Description != "totals stay bounded" {
		t.Fatalf("description = %q", policies[1].Description)
	}
}

func TestLoadFileInvalidEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	content := "policies:\n  - SOURCES orders ON FAIL REMOVE\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := LoadFile(path)
	if err == nil {
		t.Fatal("expected error for entry without CONSTRAINT")
	}
	if !strings.Contains(err.Error(), "policy 1") {
		t.Fatalf("error should name the entry: %v", err)
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
