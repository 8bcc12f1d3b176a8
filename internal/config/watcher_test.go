package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherReportsJobsFileChange(t *testing.T) {
	home := t.TempDir()
	jobsPath := JobsPath(home)
	if err := os.WriteFile(jobsPath, []byte(`{"jobs":[]}`), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWatcher(home, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// Simulate an atomic rewrite: temp file + rename onto jobs.json.
	tmp := filepath.Join(home, "jobs.json.tmp")
	if err := os.WriteFile(tmp, []byte(`{"jobs":[{"id":"j1"}]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, jobsPath); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-w.Events():
		if filepath.Base(ev.Path) != "jobs.json" {
			t.Errorf("unexpected path %q", ev.Path)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload event within deadline")
	}
}

func TestWatcherIgnoresUnrelatedFiles(t *testing.T) {
	home := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWatcher(home, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	if err := os.WriteFile(filepath.Join(home, "scratch.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event for %q", ev.Path)
	case <-time.After(300 * time.Millisecond):
	}
}
