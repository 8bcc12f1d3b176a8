package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/42atom/msgcode/internal/bridge"
	"github.com/42atom/msgcode/internal/jobs"
	"github.com/42atom/msgcode/internal/lane"
	"github.com/42atom/msgcode/internal/routing"
)

// makeFastHandler builds the handler for the recognized control commands.
// These answer immediately, outside the conversation's queue.
func makeFastHandler(routes *routing.Table, jobStore *jobs.Store, startedAt time.Time) lane.FastHandler {
	return func(_ context.Context, ev bridge.InboundEvent, route routing.Route, routed bool) (string, error) {
		cmd := ev.Text
		if i := strings.IndexAny(cmd, " \t\n"); i >= 0 {
			cmd = cmd[:i]
		}
		switch strings.ToLower(strings.TrimSpace(cmd)) {
		case "/ping":
			return "pong", nil
		case "/where":
			if !routed {
				return "This conversation has no workspace mapped.", nil
			}
			return route.Workspace, nil
		case "/status":
			return statusText(routes, jobStore, startedAt), nil
		default:
			return "", fmt.Errorf("unrecognized fast command %q", cmd)
		}
	}
}

func statusText(routes *routing.Table, jobStore *jobs.Store, startedAt time.Time) string {
	all := routes.All()
	active := 0
	for _, r := range all {
		if r.Status == routing.StatusActive {
			active++
		}
	}
	enabled := 0
	jobList := jobStore.List()
	for _, j := range jobList {
		if j.Enabled {
			enabled++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Up %s.", time.Since(startedAt).Round(time.Second))
	fmt.Fprintf(&b, " Routes: %d (%d active).", len(all), active)
	fmt.Fprintf(&b, " Jobs: %d (%d enabled).", len(jobList), enabled)
	return b.String()
}
