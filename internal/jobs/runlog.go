package jobs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Run is one append-only execution record. Written once, never rewritten.
type Run struct {
	Timestamp      time.Time `json:"timestamp"`
	RunID          string    `json:"runId"`
	JobID          string    `json:"jobId"`
	ConversationID string    `json:"conversationId"`
	Status         RunStatus `json:"status"`
	DurationMs     int64     `json:"durationMs"`
	ErrorCode      string    `json:"errorCode,omitempty"`
	Error          string    `json:"error,omitempty"`
	Detail         string    `json:"detail,omitempty"`
}

// RunLog appends run records to a newline-delimited JSON file. It warns once
// when the file grows past warnBytes; rotation is the operator's business.
type RunLog struct {
	path      string
	warnBytes int64
	logger    *slog.Logger

	mu     sync.Mutex
	warned bool
}

func NewRunLog(path string, warnBytes int64, logger *slog.Logger) *RunLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunLog{
		path:      path,
		warnBytes: warnBytes,
		logger:    logger.With("component", "jobs"),
	}
}

// Append writes one record. Failures surface to the caller; the run itself
// has already happened.
func (l *RunLog) Append(r Run) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal run record: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create run log dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open run log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append run record: %w", err)
	}

	if l.warnBytes > 0 && !l.warned {
		if info, err := f.Stat(); err == nil && info.Size() > l.warnBytes {
			l.warned = true
			l.logger.Warn("run log is getting large, consider rotating it",
				"path", l.path, "size_bytes", info.Size())
		}
	}
	return nil
}

// Tail returns up to n of the most recent records, oldest first. Used by job
// status queries; a missing file is an empty history.
func (l *RunLog) Tail(n int) ([]Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read run log: %w", err)
	}

	var runs []Run
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var r Run
		if err := dec.Decode(&r); err != nil {
			// A torn final line after a crash is expected; stop there.
			l.logger.Debug("run log truncated record skipped", "error", err)
			break
		}
		runs = append(runs, r)
	}
	if n > 0 && len(runs) > n {
		runs = runs[len(runs)-n:]
	}
	return runs, nil
}
