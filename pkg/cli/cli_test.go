package cli_test

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/catkinbloom/catkinbloom/internal/engine"
	"github.com/catkinbloom/catkinbloom/pkg/cli"
	"github.com/catkinbloom/catkinbloom/pkg/config"
	"github.com/catkinbloom/catkinbloom/pkg/mocks"
	"github.com/catkinbloom/catkinbloom/pkg/repository"
)

func writePackage(t *testing.T, src, name string, deps ...string) {
	t.Helper()
	dir := filepath.Join(src, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "<package format=\"2\">\n  <name>%s</name>\n", name)
	for _, d := range deps {
		fmt.Fprintf(&b, "  <depend>%s</depend>\n", d)
	}
	b.WriteString("</package>\n")
	if err := os.WriteFile(filepath.Join(dir, "package.xml"), []byte(b.String()), 0644); err != nil {
		t.Fatal(err)
	}
}

type testCLI struct {
	*cli.CLI
	out     *bytes.Buffer
	errOut  *bytes.Buffer
	backend *mocks.MockBackend
	pm      *mocks.MockPackageManager
}

func newTestCLI() *testCLI {
	backend := mocks.NewMockBackend()
	pm := mocks.NewMockPackageManager()

	cfg := cli.NewConfig()
	cfg.Version = "1.2.3"
	cfg.Overrides = engine.Dependencies{
		Runner:         mocks.NewMockRunner(),
		Backend:        backend,
		PackageManager: pm,
	}

	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	return &testCLI{
		CLI:     cli.NewCLIWithOutput(cfg, out, errOut),
		out:     out,
		errOut:  errOut,
		backend: backend,
		pm:      pm,
	}
}

func TestRootCommand_Build(t *testing.T) {
	src := t.TempDir()
	writePackage(t, src, "base")
	writePackage(t, src, "app", "base", "roscpp")
	repo := filepath.Join(t.TempDir(), "repo")

	c := newTestCLI()
	err := c.Execute([]string{src, "-r", repo, "-j", "2", "-D", "vendor=vendor-dev", "--ros-distro", "noetic"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := c.backend.Built(); !reflect.DeepEqual(got, []string{"base", "app"}) {
		t.Errorf("expected base then app, got %v", got)
	}
	for _, req := range c.backend.Requests() {
		if req.Distro != "noetic" || req.OSName != "ubuntu" || req.OSVersion != "bionic" {
			t.Errorf("unexpected platform in request %+v", req)
		}
	}
	if len(c.pm.Indexed) != 1 {
		t.Errorf("expected index regeneration, got %v", c.pm.Indexed)
	}

	mapping, err := os.ReadFile(filepath.Join(repo, repository.MappingFileName))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(mapping), "ros-noetic-base") || !strings.Contains(string(mapping), "vendor-dev") {
		t.Errorf("unexpected mapping:\n%s", mapping)
	}
	if !strings.Contains(c.out.String(), "2 built") {
		t.Errorf("expected run summary, got:\n%s", c.out.String())
	}
}

func TestRootCommand_MissingRepoPath(t *testing.T) {
	c := newTestCLI()
	err := c.Execute([]string{t.TempDir()})

	if !errors.Is(err, config.ErrMissingRepoPath) {
		t.Fatalf("expected ErrMissingRepoPath, got %v", err)
	}
	if cli.ExitCode(err) != cli.ExitUsage {
		t.Errorf("expected usage exit code, got %d", cli.ExitCode(err))
	}
	if len(c.backend.Built()) != 0 {
		t.Error("expected nothing to be built")
	}
}

func TestRootCommand_ConfigFile(t *testing.T) {
	src := t.TempDir()
	writePackage(t, src, "only")
	repo := filepath.Join(t.TempDir(), "repo")
	content := fmt.Sprintf("repo-path: %s\nnoinstall-deps: true\n", repo)
	if err := os.WriteFile(filepath.Join(src, config.FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	c := newTestCLI()
	if err := c.Execute([]string{src}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := os.Stat(filepath.Join(repo, repository.MappingFileName)); err != nil {
		t.Errorf("expected repository from config file: %v", err)
	}
	if len(c.pm.DependenciesFor) != 0 {
		t.Errorf("expected dependency install to be disabled, got %v", c.pm.DependenciesFor)
	}
}

func TestRootCommand_LayerFailure(t *testing.T) {
	src := t.TempDir()
	writePackage(t, src, "base")
	repo := filepath.Join(t.TempDir(), "repo")

	c := newTestCLI()
	c.backend.Fail("base", errors.New("fakeroot exploded"))

	err := c.Execute([]string{src, "--repo-path", repo})
	if !errors.Is(err, engine.ErrLayerFailed) {
		t.Fatalf("expected ErrLayerFailed, got %v", err)
	}
	if cli.ExitCode(err) != cli.ExitFailure {
		t.Errorf("expected failure exit code, got %d", cli.ExitCode(err))
	}
	if !strings.Contains(c.out.String(), "fakeroot exploded") {
		t.Errorf("expected failure to be reported, got:\n%s", c.out.String())
	}
}

func TestPlanCommand(t *testing.T) {
	src := t.TempDir()
	writePackage(t, src, "a")
	writePackage(t, src, "b", "a")
	writePackage(t, src, "loop1", "loop2")
	writePackage(t, src, "loop2", "loop1")

	c := newTestCLI()
	if err := c.Execute([]string{"plan", src}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := c.out.String()
	for _, want := range []string{"0      a", "1      b", "loop1 waiting on loop2", "loop2 waiting on loop1"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
	if len(c.backend.Built()) != 0 || len(c.pm.Registered) != 0 {
		t.Error("plan must not build or register anything")
	}
}

func TestStatusCommand(t *testing.T) {
	src := t.TempDir()
	writePackage(t, src, "base")
	writePackage(t, src, "app", "base")
	repo := filepath.Join(t.TempDir(), "repo")

	empty := newTestCLI()
	if err := empty.Execute([]string{"status", "-r", repo}); err != nil {
		t.Fatalf("status of an empty repository failed: %v", err)
	}
	if !strings.Contains(empty.out.String(), "No builds recorded") {
		t.Errorf("expected empty notice, got:\n%s", empty.out.String())
	}

	build := newTestCLI()
	build.backend.Fail("app", errors.New("broken rules"))
	if err := build.Execute([]string{src, "-r", repo}); !errors.Is(err, engine.ErrLayerFailed) {
		t.Fatalf("expected ErrLayerFailed, got %v", err)
	}

	c := newTestCLI()
	if err := c.Execute([]string{"status", "-r", repo}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := c.out.String()
	for _, want := range []string{"PACKAGE", "base", "succeeded", "app", "failed"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	c := newTestCLI()
	if err := c.Execute([]string{"version"}); err != nil {
		t.Fatal(err)
	}
	if got := c.out.String(); got != "catkin-bloom v1.2.3\n" {
		t.Errorf("unexpected version output %q", got)
	}
}

func TestRootCommand_TooManyArgs(t *testing.T) {
	c := newTestCLI()
	if err := c.Execute([]string{"a", "b", "-r", "/tmp/x"}); err == nil {
		t.Error("expected error for two source directories")
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, cli.ExitOK},
		{fmt.Errorf("wrapped: %w", engine.ErrInterrupted), cli.ExitInterrupted},
		{config.ErrMissingRepoPath, cli.ExitUsage},
		{errors.New("boom"), cli.ExitFailure},
	}
	for _, tt := range tests {
		if got := cli.ExitCode(tt.err); got != tt.want {
			t.Errorf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
