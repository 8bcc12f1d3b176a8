package routing

import (
	"testing"

	"github.com/42atom/msgcode/internal/config"
)

func boolPtr(b bool) *bool { return &b }

func TestLookup(t *testing.T) {
	table := NewTable([]config.RouteConfig{
		{ConversationID: "chat-A", Workspace: "/work/a"},
		{ConversationID: "chat-B", Workspace: "/work/b", Active: boolPtr(false)},
	})

	r, ok := table.Lookup("chat-A")
	if !ok || r.Workspace != "/work/a" || r.Status != StatusActive {
		t.Errorf("chat-A = %+v, %v", r, ok)
	}

	r, ok = table.Lookup("chat-B")
	if !ok || r.Status != StatusInactive {
		t.Errorf("chat-B = %+v, %v", r, ok)
	}

	if _, ok := table.Lookup("chat-missing"); ok {
		t.Error("expected miss for unknown conversation")
	}
}

func TestReplaceSwapsSnapshot(t *testing.T) {
	table := NewTable([]config.RouteConfig{{ConversationID: "chat-A", Workspace: "/old"}})
	table.Replace([]config.RouteConfig{{ConversationID: "chat-A", Workspace: "/new"}})

	r, _ := table.Lookup("chat-A")
	if r.Workspace != "/new" {
		t.Errorf("workspace = %q after replace", r.Workspace)
	}
}

func TestAllSorted(t *testing.T) {
	table := NewTable([]config.RouteConfig{
		{ConversationID: "chat-B", Workspace: "/b"},
		{ConversationID: "chat-A", Workspace: "/a"},
	})
	all := table.All()
	if len(all) != 2 || all[0].ConversationID != "chat-A" {
		t.Errorf("all = %+v", all)
	}
}
