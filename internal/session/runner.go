// Package session executes a conversation's action by running the configured
// session command inside the route's workspace. The daemon treats it as an
// opaque deliver function: text in, text out.
package session

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/42atom/msgcode/internal/config"
	otelpkg "github.com/42atom/msgcode/internal/otel"
	"github.com/42atom/msgcode/internal/routing"
)

const defaultTimeout = 10 * time.Minute

// Runner invokes one subprocess per delivery, with the message text on stdin
// and the workspace as working directory.
type Runner struct {
	command string
	args    []string
	timeout time.Duration
	logger  *slog.Logger
	tracer  trace.Tracer
}

func New(cfg config.SessionConfig, logger *slog.Logger, tracer trace.Tracer) (*Runner, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("session: command is required")
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelpkg.TracerName)
	}
	return &Runner{
		command: cfg.Command,
		args:    cfg.Args,
		timeout: timeout,
		logger:  logger.With("component", "session"),
		tracer:  tracer,
	}, nil
}

// Deliver runs the session command and returns its trimmed stdout. A non-zero
// exit or timeout is an error carrying a stderr snippet for the logs.
func (r *Runner) Deliver(ctx context.Context, route routing.Route, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	ctx, span := otelpkg.StartSpan(ctx, r.tracer, "session.deliver",
		otelpkg.AttrConversationID.String(route.ConversationID))
	defer span.End()

	start := time.Now()
	cmd := exec.CommandContext(ctx, r.command, r.args...)
	cmd.Dir = route.Workspace
	cmd.Stdin = strings.NewReader(text)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("session timed out after %s", r.timeout)
		}
		return "", fmt.Errorf("session command failed: %w: %s", err, errSnippet(stderr.String()))
	}

	r.logger.Debug("session finished",
		"conversation_id", route.ConversationID,
		"workspace", route.Workspace,
		"duration_ms", elapsed.Milliseconds())
	return strings.TrimSpace(stdout.String()), nil
}

func errSnippet(s string) string {
	s = strings.TrimSpace(s)
	const max = 300
	if len(s) > max {
		return s[:max] + "..."
	}
	if s == "" {
		return "(no stderr)"
	}
	return s
}
