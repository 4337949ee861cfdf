package invocation

import (
	"context"
	"errors"
	"testing"

	"github.com/coral-mesh/coral-broker/internal/brokererr"
	"github.com/coral-mesh/coral-broker/internal/catalog"
	"github.com/coral-mesh/coral-broker/internal/registry"
	"github.com/coral-mesh/coral-broker/internal/runtime"
	"github.com/coral-mesh/coral-broker/internal/sandbox"
	"github.com/coral-mesh/coral-broker/internal/upstream"
)

func newTestFactory(t *testing.T) (*Factory, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	up := upstream.NewManager()
	cat := catalog.NewCache()
	sup := sandbox.NewSupervisor(runtime.Detect("/nonexistent-runtime-binary"), sandbox.Limits{}, t.TempDir())
	return NewFactory(reg, up, cat, sup, t.TempDir()), reg
}

func TestNewFactory_DefaultsToKeepAlive(t *testing.T) {
	f, _ := newTestFactory(t)
	if f.SessionPolicy != SessionPolicyKeepAlive {
		t.Errorf("SessionPolicy = %q, want %q", f.SessionPolicy, SessionPolicyKeepAlive)
	}
}

func TestNewFactory_RespectsPerInvocationEnv(t *testing.T) {
	t.Setenv(EnvSessionPolicy, SessionPolicyPerInvocation)
	f, _ := newTestFactory(t)
	if f.SessionPolicy != SessionPolicyPerInvocation {
		t.Errorf("SessionPolicy = %q, want %q", f.SessionPolicy, SessionPolicyPerInvocation)
	}
}

func TestNewFactory_UnrecognizedEnvValueFallsBackToKeepAlive(t *testing.T) {
	t.Setenv(EnvSessionPolicy, "garbage")
	f, _ := newTestFactory(t)
	if f.SessionPolicy != SessionPolicyKeepAlive {
		t.Errorf("SessionPolicy = %q, want %q", f.SessionPolicy, SessionPolicyKeepAlive)
	}
}

func TestFactory_Run_UnknownServerIsValidationError(t *testing.T) {
	f, _ := newTestFactory(t)
	_, err := f.Run(context.Background(), Request{Code: "print(1)", Servers: []string{"ghost"}, Timeout: 1})
	if err == nil {
		t.Fatal("expected an error for an unknown server")
	}
	var verr *brokererr.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected a *brokererr.ValidationError, got %T: %v", err, err)
	}
}

func TestFactory_Run_UpstreamStartFailureIsWrapped(t *testing.T) {
	f, reg := newTestFactory(t)
	reg.Add(registry.ServerRecord{Name: "broken", Command: "/nonexistent-command-xyz"})

	_, err := f.Run(context.Background(), Request{Code: "print(1)", Servers: []string{"broken"}, Timeout: 1})
	if err == nil {
		t.Fatal("expected an error when the upstream command cannot start")
	}
}

func TestFactory_ResolveServers_EmptyListIsFine(t *testing.T) {
	f, _ := newTestFactory(t)
	recs, err := f.resolveServers(nil)
	if err != nil {
		t.Fatalf("resolveServers(nil): %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("recs = %+v, want empty", recs)
	}
}
