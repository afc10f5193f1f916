package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func touchOld(t *testing.T, path string, age time.Duration) {
	t.Helper()
	old := time.Now().Add(-age)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
}

func newTestConfig(root string) Config {
	return Config{
		MaxStorageSizeGB: 1,
		AutoCleanup:      true,
		CleanupThreshold: 80,
		DownloadPath:     filepath.Join(root, "downloads"),
		BlockstorePath:   filepath.Join(root, "blockstore"),
		TempPath:         filepath.Join(root, "temp"),
		ChunkStoragePath: filepath.Join(root, "chunks"),
	}
}

func TestCalculateUsage(t *testing.T) {
	root := t.TempDir()
	cfg := newTestConfig(root)
	writeFile(t, filepath.Join(cfg.DownloadPath, "a.bin"), 100)
	writeFile(t, filepath.Join(cfg.TempPath, "b.tmp"), 50)

	m := New(cfg, nil)
	usage, err := m.CalculateUsage()
	if err != nil {
		t.Fatalf("CalculateUsage: %v", err)
	}
	if usage.TotalBytes != 150 {
		t.Fatalf("TotalBytes = %d, want 150", usage.TotalBytes)
	}
	if usage.DownloadsBytes != 100 || usage.TempBytes != 50 {
		t.Fatalf("unexpected per-location split: %+v", usage)
	}
}

func TestUsage_NeedsCleanup(t *testing.T) {
	u := Usage{TotalBytes: 9 * 1024 * 1024 * 1024}
	if !u.NeedsCleanup(10, 80) {
		t.Fatal("expected cleanup needed at 90% usage with 80% threshold")
	}
	if u.NeedsCleanup(100, 80) {
		t.Fatal("did not expect cleanup needed at 9% usage")
	}
}

func TestFormatBytes(t *testing.T) {
	cases := map[int64]string{
		500:                "500 B",
		2048:               "2.00 KB",
		5 * 1024 * 1024:    "5.00 MB",
		3 * 1024 * 1024 * 1024: "3.00 GB",
	}
	for bytes, want := range cases {
		if got := FormatBytes(bytes); got != want {
			t.Errorf("FormatBytes(%d) = %q, want %q", bytes, got, want)
		}
	}
}

func TestCleanup_OrphanedTempFiles(t *testing.T) {
	root := t.TempDir()
	cfg := newTestConfig(root)

	writeFile(t, filepath.Join(cfg.TempPath, "orphan.tmp"), 10)
	writeFile(t, filepath.Join(cfg.TempPath, "active.tmp"), 10)
	writeFile(t, filepath.Join(cfg.TempPath, "active.bitmap"), 10)
	writeFile(t, filepath.Join(cfg.TempPath, "stale.bitmap"), 10)

	m := New(cfg, nil)
	report := &CleanupReport{}
	if _, err := m.cleanupOrphanedTempFiles(report); err != nil {
		t.Fatalf("cleanupOrphanedTempFiles: %v", err)
	}

	if _, err := os.Stat(filepath.Join(cfg.TempPath, "orphan.tmp")); !os.IsNotExist(err) {
		t.Fatal("expected orphan.tmp to be removed")
	}
	if _, err := os.Stat(filepath.Join(cfg.TempPath, "active.tmp")); err != nil {
		t.Fatal("expected active.tmp (has matching session) to survive")
	}
	if _, err := os.Stat(filepath.Join(cfg.TempPath, "active.bitmap")); err != nil {
		t.Fatal("expected active.bitmap (has matching .tmp) to survive")
	}
	if _, err := os.Stat(filepath.Join(cfg.TempPath, "stale.bitmap")); !os.IsNotExist(err) {
		t.Fatal("expected stale.bitmap (no matching .tmp) to be removed")
	}
}

func TestCleanup_OldTempFiles(t *testing.T) {
	root := t.TempDir()
	cfg := newTestConfig(root)

	fresh := filepath.Join(cfg.TempPath, "fresh.tmp")
	old := filepath.Join(cfg.TempPath, "stale.tmp")
	writeFile(t, fresh, 10)
	writeFile(t, old, 10)
	touchOld(t, old, 48*time.Hour)

	m := New(cfg, nil)
	report := &CleanupReport{}
	freed, err := m.cleanupOldTempFiles(report, 24*time.Hour)
	if err != nil {
		t.Fatalf("cleanupOldTempFiles: %v", err)
	}
	if freed != 10 {
		t.Fatalf("freed = %d, want 10", freed)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatal("expected stale.tmp removed")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatal("expected fresh.tmp to survive")
	}
}

func TestCleanup_OrphanedPartFiles(t *testing.T) {
	root := t.TempDir()
	cfg := newTestConfig(root)

	orphanPart := filepath.Join(cfg.DownloadPath, "orphan.part")
	pairedPart := filepath.Join(cfg.DownloadPath, "paired.part")
	pairedMeta := pairedPart + ".meta.json"

	writeFile(t, orphanPart, 10)
	touchOld(t, orphanPart, 8*24*time.Hour)
	writeFile(t, pairedPart, 10)
	writeFile(t, pairedMeta, 5)
	touchOld(t, pairedPart, 8*24*time.Hour)

	m := New(cfg, nil)
	report := &CleanupReport{}
	if _, err := m.cleanupOrphanedPartFiles(report, 7*24*time.Hour); err != nil {
		t.Fatalf("cleanupOrphanedPartFiles: %v", err)
	}

	if _, err := os.Stat(orphanPart); !os.IsNotExist(err) {
		t.Fatal("expected orphaned .part file to be removed")
	}
	if _, err := os.Stat(pairedPart); err != nil {
		t.Fatal("expected .part with .meta.json sibling to survive")
	}
}

func TestCleanup_LRUDownloads_StopsEarly(t *testing.T) {
	root := t.TempDir()
	cfg := newTestConfig(root)

	oldest := filepath.Join(cfg.DownloadPath, "oldest.bin")
	middle := filepath.Join(cfg.DownloadPath, "middle.bin")
	newest := filepath.Join(cfg.DownloadPath, "newest.bin")
	writeFile(t, oldest, 100)
	writeFile(t, middle, 100)
	writeFile(t, newest, 100)
	touchOld(t, oldest, 72*time.Hour)
	touchOld(t, middle, 48*time.Hour)
	touchOld(t, newest, 1*time.Hour)

	m := New(cfg, nil)
	report := &CleanupReport{}
	freed, err := m.cleanupOldDownloads(report, 100)
	if err != nil {
		t.Fatalf("cleanupOldDownloads: %v", err)
	}
	if freed != 100 {
		t.Fatalf("freed = %d, want 100 (stop after first file)", freed)
	}
	if _, err := os.Stat(oldest); !os.IsNotExist(err) {
		t.Fatal("expected oldest file removed first")
	}
	if _, err := os.Stat(middle); err != nil {
		t.Fatal("expected middle file to survive (target already met)")
	}
	if _, err := os.Stat(newest); err != nil {
		t.Fatal("expected newest file to survive")
	}
}

func TestForceCleanup_RunsRegardlessOfThreshold(t *testing.T) {
	root := t.TempDir()
	cfg := newTestConfig(root)
	cfg.AutoCleanup = false

	stale := filepath.Join(cfg.TempPath, "stale.tmp")
	writeFile(t, stale, 10)
	touchOld(t, stale, 48*time.Hour)

	m := New(cfg, nil)
	report, err := m.ForceCleanup()
	if err != nil {
		t.Fatalf("ForceCleanup: %v", err)
	}
	if report.BytesFreed == 0 {
		t.Fatal("expected ForceCleanup to free the stale temp file despite AutoCleanup=false")
	}
}

func TestCheckAndCleanup_SkipsWhenAutoCleanupDisabled(t *testing.T) {
	root := t.TempDir()
	cfg := newTestConfig(root)
	cfg.AutoCleanup = false
	writeFile(t, filepath.Join(cfg.DownloadPath, "a.bin"), 5)

	m := New(cfg, nil)
	report, err := m.CheckAndCleanup()
	if err != nil {
		t.Fatalf("CheckAndCleanup: %v", err)
	}
	if report != nil {
		t.Fatal("expected nil report when AutoCleanup is disabled")
	}
}
