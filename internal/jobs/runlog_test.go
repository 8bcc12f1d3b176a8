package jobs

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRunLogAppendAndTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.jsonl")
	l := NewRunLog(path, 0, nil)

	for i, status := range []RunStatus{RunOK, RunError, RunSkipped} {
		err := l.Append(Run{
			Timestamp: time.Now(),
			RunID:     "run-" + string(rune('a'+i)),
			JobID:     "job-1",
			Status:    status,
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	runs, err := l.Tail(2)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(runs) != 2 || runs[0].Status != RunError || runs[1].Status != RunSkipped {
		t.Fatalf("tail = %+v", runs)
	}

	all, err := l.Tail(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("full history = %d records", len(all))
	}
}

func TestRunLogMissingFileIsEmpty(t *testing.T) {
	l := NewRunLog(filepath.Join(t.TempDir(), "runs.jsonl"), 0, nil)
	runs, err := l.Tail(10)
	if err != nil || runs != nil {
		t.Fatalf("tail = %v, %v", runs, err)
	}
}

func TestRunLogToleratesTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.jsonl")
	l := NewRunLog(path, 0, nil)
	if err := l.Append(Run{RunID: "run-1", JobID: "job-1", Status: RunOK}); err != nil {
		t.Fatal(err)
	}

	// Simulate a crash mid-append.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"runId":"run-2","jo`); err != nil {
		t.Fatal(err)
	}
	f.Close()

	runs, err := l.Tail(0)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != "run-1" {
		t.Fatalf("runs = %+v", runs)
	}
}
