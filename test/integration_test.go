//go:build integration

package integration_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"testing"

	"github.com/catkinbloom/catkinbloom/internal/engine"
	"github.com/catkinbloom/catkinbloom/pkg/logger"
	"github.com/catkinbloom/catkinbloom/pkg/mocks"
	"github.com/catkinbloom/catkinbloom/pkg/process"
	"github.com/catkinbloom/catkinbloom/pkg/repository"
	"github.com/catkinbloom/catkinbloom/pkg/types"
)

// installToolchain scripts the runner to behave like the Debian and ROS
// tools on disk. Builds of packages in failing exit non-zero in fakeroot.
func installToolchain(r *mocks.MockRunner, failing ...string) {
	fail := types.NewDependencySet(failing...)

	r.Handle("rosdep", func(cmd process.Command) (*process.Result, error) {
		res := &process.Result{Command: cmd}
		if len(cmd.Args) > 0 && cmd.Args[0] == "check" {
			res.Stdout = []byte("All system dependencies have not been satisified\napt\tlibyaml-cpp-dev\napt\tlibeigen3-dev\n")
			res.ExitCode = 1
		}
		return res, nil
	})

	r.Handle("bloom-generate", func(cmd process.Command) (*process.Result, error) {
		source := cmd.Args[len(cmd.Args)-1]
		debian := filepath.Join(cmd.Dir, "debian")
		if err := os.MkdirAll(debian, 0755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(filepath.Join(debian, "control"), []byte(filepath.Base(source)), 0644); err != nil {
			return nil, err
		}
		rules := "override_dh_auto_configure:\n\tdh_auto_configure -- $(BUILD_TESTING_ARG)\n"
		if err := os.WriteFile(filepath.Join(debian, "rules"), []byte(rules), 0755); err != nil {
			return nil, err
		}
		return &process.Result{Command: cmd}, nil
	})

	r.Handle("fakeroot", func(cmd process.Command) (*process.Result, error) {
		name, err := os.ReadFile(filepath.Join(cmd.Dir, "debian", "control"))
		if err != nil {
			return nil, err
		}
		if fail.Has(string(name)) {
			return &process.Result{Command: cmd, ExitCode: 2, Stderr: []byte("dh_auto_build: error: make -j1 returned exit code 2")}, nil
		}
		deb := fmt.Sprintf("ros-melodic-%s_1.0.0-0bionic_amd64.deb", strings.ReplaceAll(string(name), "_", "-"))
		if err := os.WriteFile(filepath.Join(filepath.Dir(cmd.Dir), deb), []byte(name), 0644); err != nil {
			return nil, err
		}
		return &process.Result{Command: cmd}, nil
	})

	r.Handle("dpkg-scanpackages", func(cmd process.Command) (*process.Result, error) {
		debs, err := filepath.Glob(filepath.Join(cmd.Dir, "*.deb"))
		if err != nil {
			return nil, err
		}
		sort.Strings(debs)
		var out strings.Builder
		for _, deb := range debs {
			fmt.Fprintf(&out, "Package: %s\nFilename: ./%s\n\n",
				strings.SplitN(filepath.Base(deb), "_", 2)[0], filepath.Base(deb))
		}
		return &process.Result{Command: cmd, Stdout: []byte(out.String())}, nil
	})
}

func writeWorkspace(t *testing.T, pkgs map[string][]string) string {
	t.Helper()
	src := t.TempDir()
	for name, deps := range pkgs {
		dir := filepath.Join(src, "src", name)
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
		var b strings.Builder
		fmt.Fprintf(&b, "<?xml version=\"1.0\"?>\n<package format=\"2\">\n  <name>%s</name>\n  <version>1.0.0</version>\n", name)
		b.WriteString("  <buildtool_depend>catkin</buildtool_depend>\n")
		for _, d := range deps {
			fmt.Fprintf(&b, "  <depend>%s</depend>\n", d)
		}
		b.WriteString("</package>\n")
		if err := os.WriteFile(filepath.Join(dir, "package.xml"), []byte(b.String()), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return src
}

func newEngine(t *testing.T, src string, runner *mocks.MockRunner) (*engine.Engine, *types.RunConfig) {
	t.Helper()
	cfg := &types.RunConfig{
		OSName:        "ubuntu",
		OSVersion:     "bionic",
		Distro:        "melodic",
		RepoPath:      filepath.Join(t.TempDir(), "repo"),
		Src:           src,
		Jobs:          3,
		LogLevel:      types.LogLevelDebug,
		RosdepListDir: t.TempDir(),
		AptListDir:    t.TempDir(),
	}
	log := logger.NewNopLogger()
	deps := engine.NewDependencyFactory(cfg, log).CreateWithOverrides(engine.Dependencies{Runner: runner})
	return engine.New(cfg, log, deps), cfg
}

// TestEndToEndBuild runs a complete build against the scripted toolchain
func TestEndToEndBuild(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	src := writeWorkspace(t, map[string][]string{
		"robot_msgs":    {"std_msgs"},
		"robot_driver":  {"robot_msgs", "roscpp"},
		"robot_planner": {"robot_msgs"},
		"robot_bringup": {"robot_driver", "robot_planner"},
	})
	runner := mocks.NewMockRunner()
	installToolchain(runner)

	e, cfg := newEngine(t, src, runner)
	report, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("build failed: %v\ncommands:\n%s", err, strings.Join(runner.CommandLines(), "\n"))
	}
	if report.Layers != 3 || len(report.Built) != 4 {
		t.Errorf("unexpected report %+v", report)
	}

	repo := cfg.RepoPath
	for _, name := range []string{"robot-msgs", "robot-driver", "robot-planner", "robot-bringup"} {
		deb := filepath.Join(repo, "ros-melodic-"+name+"_1.0.0-0bionic_amd64.deb")
		if _, err := os.Stat(deb); err != nil {
			t.Errorf("expected artifact %s: %v", deb, err)
		}
	}

	index, err := os.ReadFile(filepath.Join(repo, repository.IndexFileName))
	if err != nil {
		t.Fatalf("expected package index: %v", err)
	}
	if strings.Count(string(index), "Filename:") != 4 {
		t.Errorf("expected 4 index entries, got:\n%s", index)
	}

	mapping, err := os.ReadFile(filepath.Join(repo, repository.MappingFileName))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(mapping), "robot_msgs:\n  ubuntu: [ros-melodic-robot-msgs]\n") {
		t.Errorf("expected first layer first in mapping, got:\n%s", mapping)
	}

	aptList, err := os.ReadFile(filepath.Join(cfg.AptListDir, repository.ListFileName(0, repo)))
	if err != nil {
		t.Fatalf("expected apt source list: %v", err)
	}
	if !strings.Contains(string(aptList), "deb [trusted=yes] file://") {
		t.Errorf("unexpected apt source list %q", aptList)
	}

	var installs [][]string
	var aptInstall []string
	for _, c := range runner.Calls() {
		switch {
		case c.Name == "dpkg":
			installs = append(installs, c.Args[1:])
		case c.Name == "apt" && c.Args[0] == "install":
			aptInstall = c.Args
		}
	}
	if len(installs) != 3 || len(installs[1]) != 2 {
		t.Errorf("expected one dpkg -i per layer, got %v", installs)
	}
	if want := []string{"install", "-y", "libyaml-cpp-dev", "libeigen3-dev"}; !reflect.DeepEqual(aptInstall, want) {
		t.Errorf("expected apt install %v, got %v", want, aptInstall)
	}

	logData, err := os.ReadFile(filepath.Join(repo, repository.StateDirName, "logs", "robot_bringup.log"))
	if err != nil {
		t.Fatalf("expected build log: %v", err)
	}
	if !strings.Contains(string(logData), "Build SUCCEEDED") {
		t.Errorf("unexpected build log:\n%s", logData)
	}
}

// TestBuildFailureRecovery checks that a failed layer keeps earlier layers
// installed and that a fixed rerun completes the repository
func TestBuildFailureRecovery(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	src := writeWorkspace(t, map[string][]string{
		"base":   nil,
		"broken": {"base"},
		"fine":   {"base"},
		"top":    {"broken", "fine"},
	})

	runner := mocks.NewMockRunner()
	installToolchain(runner, "broken")
	e, cfg := newEngine(t, src, runner)

	report, err := e.Run(context.Background())
	var layerErr *engine.LayerError
	if !errors.As(err, &layerErr) {
		t.Fatalf("expected LayerError, got %v", err)
	}
	if layerErr.Layer != 1 || layerErr.Failed[0].Package != "broken" {
		t.Errorf("unexpected layer error %v", layerErr)
	}
	var cmdErr *process.CommandError
	if !errors.As(err, &cmdErr) || !strings.Contains(cmdErr.Stderr, "make -j1") {
		t.Errorf("expected captured fakeroot output in error chain, got %v", err)
	}
	if !reflect.DeepEqual(report.Built, []string{"base", "fine"}) || report.Layers != 1 {
		t.Errorf("unexpected report %+v", report)
	}
	if _, err := os.Stat(filepath.Join(cfg.RepoPath, repository.IndexFileName)); !os.IsNotExist(err) {
		t.Error("index must not be regenerated after a failed layer")
	}

	// Rerun against the same repository with the failure fixed
	fixed := mocks.NewMockRunner()
	installToolchain(fixed)
	log := logger.NewNopLogger()
	deps := engine.NewDependencyFactory(cfg, log).CreateWithOverrides(engine.Dependencies{Runner: fixed})
	if _, err := engine.New(cfg, log, deps).Run(context.Background()); err != nil {
		t.Fatalf("rerun failed: %v", err)
	}

	states, err := deps.State.DiscoverStates()
	if err != nil {
		t.Fatal(err)
	}
	broken := states["broken"]
	if broken == nil || broken.Status != types.BuildStatusSucceeded || broken.FailureCount != 1 || broken.BuildCount != 1 {
		t.Errorf("expected broken to have one failure then one success, got %+v", broken)
	}
	if states["base"].BuildCount != 2 {
		t.Errorf("expected base to be built twice, got %d", states["base"].BuildCount)
	}
}

// TestConcurrentRunsAreExclusive checks the repository lock
func TestConcurrentRunsAreExclusive(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	src := writeWorkspace(t, map[string][]string{"only": nil})
	runner := mocks.NewMockRunner()
	installToolchain(runner)
	e, cfg := newEngine(t, src, runner)

	unlock, err := repository.NewWriter(cfg.RepoPath, logger.NewNopLogger()).Lock()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Run(context.Background()); !errors.Is(err, repository.ErrRepositoryLocked) {
		t.Fatalf("expected ErrRepositoryLocked, got %v", err)
	}
	if err := unlock(); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("expected run after unlock to succeed, got %v", err)
	}
}
