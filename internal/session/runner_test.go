package session

import (
	"context"
	"strings"
	"testing"

	"github.com/42atom/msgcode/internal/config"
	"github.com/42atom/msgcode/internal/routing"
)

func TestDeliverReturnsStdout(t *testing.T) {
	r, err := New(config.SessionConfig{Command: "cat", TimeoutSeconds: 5}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	out, err := r.Deliver(context.Background(), routing.Route{Workspace: t.TempDir()}, "echo this back\n")
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if out != "echo this back" {
		t.Errorf("out = %q", out)
	}
}

func TestDeliverRunsInWorkspace(t *testing.T) {
	ws := t.TempDir()
	r, err := New(config.SessionConfig{Command: "pwd", TimeoutSeconds: 5}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	out, err := r.Deliver(context.Background(), routing.Route{Workspace: ws}, "")
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if !strings.Contains(out, ws) && !strings.HasSuffix(out, ws[strings.LastIndex(ws, "/"):]) {
		t.Errorf("pwd = %q, workspace = %q", out, ws)
	}
}

func TestDeliverSurfacesFailure(t *testing.T) {
	r, err := New(config.SessionConfig{Command: "sh", Args: []string{"-c", "echo broken >&2; exit 3"}, TimeoutSeconds: 5}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = r.Deliver(context.Background(), routing.Route{Workspace: t.TempDir()}, "")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "broken") {
		t.Errorf("error %q does not carry stderr", err)
	}
}

func TestDeliverTimesOut(t *testing.T) {
	r, err := New(config.SessionConfig{Command: "sleep", Args: []string{"5"}, TimeoutSeconds: 1}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Deliver(context.Background(), routing.Route{Workspace: t.TempDir()}, ""); err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestNewRequiresCommand(t *testing.T) {
	if _, err := New(config.SessionConfig{}, nil, nil); err == nil {
		t.Fatal("expected error without command")
	}
}
