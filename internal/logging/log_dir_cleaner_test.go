package logging

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPruneRemovesOldestFirst(t *testing.T) {
	dir := t.TempDir()
	writeLogFile(t, filepath.Join(dir, "main-2025-01-01T00-00-00.000.log"), 60, time.Unix(1, 0))
	writeLogFile(t, filepath.Join(dir, "main-2025-01-02T00-00-00.000.log"), 60, time.Unix(2, 0))
	active := filepath.Join(dir, mainLogName)
	writeLogFile(t, active, 60, time.Unix(3, 0))
	writeLogFile(t, filepath.Join(dir, "notes.txt"), 500, time.Unix(0, 0))

	p := &logPruner{dir: dir, maxBytes: 120, active: active}
	removed, err := p.prune()
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed file, got %d", removed)
	}
	if _, err := os.Stat(filepath.Join(dir, "main-2025-01-01T00-00-00.000.log")); !os.IsNotExist(err) {
		t.Fatalf("oldest rotated log should be gone, stat error: %v", err)
	}
	for _, keep := range []string{"main-2025-01-02T00-00-00.000.log", mainLogName, "notes.txt"} {
		if _, err := os.Stat(filepath.Join(dir, keep)); err != nil {
			t.Fatalf("%s should remain: %v", keep, err)
		}
	}
}

func TestPruneNeverRemovesActiveLog(t *testing.T) {
	dir := t.TempDir()
	active := filepath.Join(dir, mainLogName)
	writeLogFile(t, active, 200, time.Unix(1, 0))
	writeLogFile(t, filepath.Join(dir, "other.log.gz"), 50, time.Unix(2, 0))

	p := &logPruner{dir: dir, maxBytes: 100, active: active}
	removed, err := p.prune()
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed file, got %d", removed)
	}
	if _, err := os.Stat(active); err != nil {
		t.Fatalf("active log must remain: %v", err)
	}
}

func TestPruneMissingDirectory(t *testing.T) {
	p := &logPruner{dir: filepath.Join(t.TempDir(), "absent"), maxBytes: 1}
	if removed, err := p.prune(); err != nil || removed != 0 {
		t.Fatalf("expected no-op, got %d, %v", removed, err)
	}
}

func writeLogFile(t *testing.T, path string, size int, modTime time.Time) {
	t.Helper()
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := os.Chtimes(path, modTime, modTime); err != nil {
		t.Fatalf("set times: %v", err)
	}
}
