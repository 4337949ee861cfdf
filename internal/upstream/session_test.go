package upstream

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/coral-mesh/coral-broker/internal/registry"
)

func TestSession_StartUnknownCommandReturnsStartupError(t *testing.T) {
	sess := NewSession(registry.ServerRecord{
		Name:    "bogus",
		Command: "coral-broker-definitely-does-not-exist",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := sess.Start(ctx)
	if err == nil {
		t.Fatal("expected Start to fail for a nonexistent command")
	}
	var startupErr *StartupError
	if !errors.As(err, &startupErr) {
		t.Fatalf("expected *StartupError, got %T: %v", err, err)
	}
	if startupErr.Server != "bogus" {
		t.Errorf("Server = %q, want bogus", startupErr.Server)
	}
}

func TestSession_ListToolsBeforeStart(t *testing.T) {
	sess := NewSession(registry.ServerRecord{Name: "unstarted"})
	_, err := sess.ListTools(context.Background())
	if err == nil {
		t.Fatal("expected error calling ListTools before Start")
	}
}

func TestSession_CallToolBeforeStart(t *testing.T) {
	sess := NewSession(registry.ServerRecord{Name: "unstarted"})
	_, err := sess.CallTool(context.Background(), "whatever", nil)
	if err == nil {
		t.Fatal("expected error calling CallTool before Start")
	}
}

func TestSession_StopBeforeStartIsNoop(t *testing.T) {
	sess := NewSession(registry.ServerRecord{Name: "unstarted"})
	if err := sess.Stop(); err != nil {
		t.Errorf("Stop() on unstarted session = %v, want nil", err)
	}
}

func TestSession_Name(t *testing.T) {
	sess := NewSession(registry.ServerRecord{Name: "weather"})
	if sess.Name() != "weather" {
		t.Errorf("Name() = %q, want weather", sess.Name())
	}
}

func TestEnvSlice(t *testing.T) {
	if got := envSlice(nil); got != nil {
		t.Errorf("envSlice(nil) = %v, want nil", got)
	}
	got := envSlice(map[string]string{"A": "1"})
	if len(got) != 1 || got[0] != "A=1" {
		t.Errorf("envSlice = %v, want [A=1]", got)
	}
}

func TestStderrTail_BoundsLines(t *testing.T) {
	tail := newStderrTail(2)
	tail.drain(strings.NewReader("one\ntwo\nthree\n"))
	if got := tail.String(); got != "two\nthree" {
		t.Errorf("String() = %q, want %q", got, "two\nthree")
	}
}
