package shared

import (
	"context"
	"testing"
)

func TestTraceIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Errorf("TraceID on empty context = %q, want \"-\"", got)
	}

	id := NewTraceID()
	ctx = WithTraceID(ctx, id)
	if got := TraceID(ctx); got != id {
		t.Errorf("TraceID = %q, want %q", got, id)
	}
}

func TestConversationAndJobIDs(t *testing.T) {
	ctx := context.Background()
	if got := ConversationID(ctx); got != "" {
		t.Errorf("ConversationID on empty context = %q, want empty", got)
	}

	ctx = WithConversationID(ctx, "chat-A")
	ctx = WithJobID(ctx, "job-1")
	ctx = WithRunID(ctx, "run-1")
	ctx = WithEventRow(ctx, 42)

	if got := ConversationID(ctx); got != "chat-A" {
		t.Errorf("ConversationID = %q", got)
	}
	if got := JobID(ctx); got != "job-1" {
		t.Errorf("JobID = %q", got)
	}
	if got := RunID(ctx); got != "run-1" {
		t.Errorf("RunID = %q", got)
	}
	if got := EventRow(ctx); got != 42 {
		t.Errorf("EventRow = %d", got)
	}
}

func TestNewTraceIDUnique(t *testing.T) {
	a, b := NewTraceID(), NewTraceID()
	if a == b {
		t.Error("expected distinct trace ids")
	}
}
