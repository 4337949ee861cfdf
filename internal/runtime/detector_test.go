package runtime

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func TestDetect_PreferredFound(t *testing.T) {
	d := Detect("echo")
	if d.Runtime == "" {
		t.Fatal("expected Detect to resolve 'echo' via PATH")
	}
}

func TestDetect_NoneFound(t *testing.T) {
	empty := t.TempDir()
	t.Setenv("PATH", empty)
	t.Setenv(EnvRuntime, "")

	d := Detect("")
	if d.Runtime != "" {
		t.Errorf("Runtime = %q, want empty with no candidates on PATH", d.Runtime)
	}
}

func TestDetect_EnvVarFallback(t *testing.T) {
	t.Setenv(EnvRuntime, "echo")
	d := Detect("")
	if d.Runtime == "" {
		t.Fatal("expected Detect to fall back to CORAL_BROKER_RUNTIME")
	}
}

func TestHasMachineConcept(t *testing.T) {
	cases := map[string]bool{
		"/usr/bin/podman":  true,
		"/usr/local/bin/docker": false,
		"":                 false,
	}
	for runtimeBin, want := range cases {
		d := &Detector{Runtime: runtimeBin, sharedPaths: make(map[string]bool)}
		if got := d.HasMachineConcept(); got != want {
			t.Errorf("HasMachineConcept() for %q = %v, want %v", runtimeBin, got, want)
		}
	}
}

func TestEnsureReady_NoRuntimeFound(t *testing.T) {
	d := &Detector{sharedPaths: make(map[string]bool)}
	if err := d.EnsureReady(context.Background()); err == nil {
		t.Fatal("expected error when no runtime was detected")
	}
}

func TestEnsureReady_DockerIsNoop(t *testing.T) {
	d := &Detector{Runtime: "docker-does-not-need-to-exist-for-this-check", sharedPaths: make(map[string]bool)}
	if err := d.EnsureReady(context.Background()); err != nil {
		t.Errorf("EnsureReady for docker = %v, want nil (no machine step)", err)
	}
}

func TestStopIdleRuntime_NonPodmanIsNoop(t *testing.T) {
	d := &Detector{Runtime: "docker", sharedPaths: make(map[string]bool)}
	d.StopIdleRuntime(context.Background()) // must not attempt to exec "docker machine stop"
}

func TestShareDirectory_NonPodmanSkipsExecAndMarksShared(t *testing.T) {
	d := &Detector{Runtime: "docker", sharedPaths: make(map[string]bool)}
	if err := d.ShareDirectory(context.Background(), "/tmp/whatever"); err != nil {
		t.Fatalf("ShareDirectory: %v", err)
	}
	if !d.sharedPaths["/tmp/whatever"] {
		t.Error("expected path marked shared after first call")
	}
	// Second call must be a fast idempotent no-op.
	if err := d.ShareDirectory(context.Background(), "/tmp/whatever"); err != nil {
		t.Fatalf("ShareDirectory (second call): %v", err)
	}
}

// fakePodman writes an executable shell script that mimics podman's CLI
// surface just enough to exercise EnsureReady's retry state machine
// without a real container runtime installed.
func fakePodman(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake podman script requires a POSIX shell")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "podman")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestEnsureReady_PodmanAlreadyRunning(t *testing.T) {
	path := fakePodman(t, "#!/bin/sh\nif [ \"$1\" = info ]; then exit 0; fi\nexit 1\n")
	d := &Detector{Runtime: path, sharedPaths: make(map[string]bool)}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.EnsureReady(ctx); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
}

func TestEnsureReady_StartsStoppedMachine(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "started")
	script := "#!/bin/sh\n" +
		"if [ \"$1\" = info ]; then\n" +
		"  if [ -f \"" + marker + "\" ]; then exit 0; fi\n" +
		"  echo 'Error: cannot connect to Podman.' 1>&2\n" +
		"  exit 1\n" +
		"fi\n" +
		"if [ \"$1\" = machine ] && [ \"$2\" = start ]; then\n" +
		"  touch \"" + marker + "\"\n" +
		"  exit 0\n" +
		"fi\n" +
		"exit 1\n"
	path := fakePodman(t, script)
	d := &Detector{Runtime: path, sharedPaths: make(map[string]bool)}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.EnsureReady(ctx); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
}

func TestEnsureReady_InitsMissingMachineThenStarts(t *testing.T) {
	initDone := filepath.Join(t.TempDir(), "inited")
	started := filepath.Join(t.TempDir(), "started")
	script := "#!/bin/sh\n" +
		"if [ \"$1\" = info ]; then\n" +
		"  if [ -f \"" + started + "\" ]; then exit 0; fi\n" +
		"  echo 'Error: cannot connect to Podman.' 1>&2\n" +
		"  exit 1\n" +
		"fi\n" +
		"if [ \"$1\" = machine ] && [ \"$2\" = start ]; then\n" +
		"  if [ ! -f \"" + initDone + "\" ]; then\n" +
		"    echo 'Error: VM does not exist' 1>&2\n" +
		"    exit 1\n" +
		"  fi\n" +
		"  touch \"" + started + "\"\n" +
		"  exit 0\n" +
		"fi\n" +
		"if [ \"$1\" = machine ] && [ \"$2\" = init ]; then\n" +
		"  touch \"" + initDone + "\"\n" +
		"  exit 0\n" +
		"fi\n" +
		"exit 1\n"
	path := fakePodman(t, script)
	d := &Detector{Runtime: path, sharedPaths: make(map[string]bool)}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.EnsureReady(ctx); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
}

func TestEnsureReady_FailsWhenMachineInitFails(t *testing.T) {
	script := "#!/bin/sh\n" +
		"if [ \"$1\" = info ]; then echo 'cannot connect to podman' 1>&2; exit 1; fi\n" +
		"if [ \"$1\" = machine ] && [ \"$2\" = start ]; then echo 'no such machine' 1>&2; exit 1; fi\n" +
		"if [ \"$1\" = machine ] && [ \"$2\" = init ]; then echo 'init failed' 1>&2; exit 1; fi\n" +
		"exit 1\n"
	path := fakePodman(t, script)
	d := &Detector{Runtime: path, sharedPaths: make(map[string]bool)}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.EnsureReady(ctx); err == nil {
		t.Fatal("expected EnsureReady to fail when machine init fails")
	}
}

func TestContainsAny(t *testing.T) {
	if !containsAny("cannot connect to podman", "podman machine", "cannot connect") {
		t.Error("expected match")
	}
	if containsAny("all fine", "error", "fail") {
		t.Error("expected no match")
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "  ", "second"); got != "second" {
		t.Errorf("firstNonEmpty = %q, want second", got)
	}
	if got := firstNonEmpty("", ""); got != "" {
		t.Errorf("firstNonEmpty = %q, want empty", got)
	}
}

func TestFilepathBase(t *testing.T) {
	cases := map[string]string{
		"/usr/bin/podman": "podman",
		"podman":          "podman",
		"":                "",
	}
	for in, want := range cases {
		if got := filepathBase(in); got != want {
			t.Errorf("filepathBase(%q) = %q, want %q", in, got, want)
		}
	}
}
