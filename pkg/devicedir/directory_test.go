package devicedir

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStaticTrimsAndDropsEmptyIDs(t *testing.T) {
	dir := NewStatic([]string{" 123 ", "", "456", "   "})

	ids, err := dir.AllowedDeviceIDs(context.Background())
	if err != nil {
		t.Fatalf("AllowedDeviceIDs failed: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("allowlist size = %d, want 2", len(ids))
	}
	if _, ok := ids["123"]; !ok {
		t.Error("trimmed id 123 missing")
	}
	if _, ok := ids["456"]; !ok {
		t.Error("id 456 missing")
	}
}

func TestFileSkipsCommentsAndBlankLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "allowlist")
	content := "# fleet one\n123\n\n  456  \n# retired\n#789\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	dir := NewFile(path, time.Minute)
	ids, err := dir.AllowedDeviceIDs(context.Background())
	if err != nil {
		t.Fatalf("AllowedDeviceIDs failed: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("allowlist size = %d, want 2", len(ids))
	}
	if _, ok := ids["789"]; ok {
		t.Error("commented-out id must not be allowed")
	}
}

func TestFileCachesWithinTTL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "allowlist")
	if err := os.WriteFile(path, []byte("123\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	dir := NewFile(path, time.Hour)
	if _, err := dir.AllowedDeviceIDs(context.Background()); err != nil {
		t.Fatalf("first read failed: %v", err)
	}

	// Within the TTL the cached set is served even if the file vanishes.
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	ids, err := dir.AllowedDeviceIDs(context.Background())
	if err != nil {
		t.Fatalf("cached read failed: %v", err)
	}
	if _, ok := ids["123"]; !ok {
		t.Error("cache lost the allowlist")
	}
}

func TestFileMissingIsAnError(t *testing.T) {
	dir := NewFile(filepath.Join(t.TempDir(), "nope"), time.Minute)
	if _, err := dir.AllowedDeviceIDs(context.Background()); err == nil {
		t.Error("expected error for missing allowlist file")
	}
}
