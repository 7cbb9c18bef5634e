package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/catkinbloom/catkinbloom/pkg/config"
	"github.com/catkinbloom/catkinbloom/pkg/types"
)

func TestLoad_Defaults(t *testing.T) {
	v := config.New()
	v.Set(config.KeyRepoPath, "/srv/repo")

	cfg, err := config.Load(v, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.OSName != "ubuntu" || cfg.OSVersion != "bionic" || cfg.Distro != "melodic" {
		t.Errorf("unexpected platform defaults: %s/%s/%s", cfg.OSName, cfg.OSVersion, cfg.Distro)
	}
	if cfg.Jobs != 1 {
		t.Errorf("expected 1 job, got %d", cfg.Jobs)
	}
	if cfg.Src != "." {
		t.Errorf("expected src '.', got %q", cfg.Src)
	}
	if cfg.OnlyCheck != nil {
		t.Errorf("expected nil only-check, got %v", cfg.OnlyCheck)
	}
	if cfg.LogLevel != types.LogLevelInfo {
		t.Errorf("expected info log level, got %s", cfg.LogLevel)
	}
}

func TestLoad_MissingRepoPath(t *testing.T) {
	_, err := config.Load(config.New(), []string{"src"})
	if !errors.Is(err, config.ErrMissingRepoPath) {
		t.Fatalf("expected ErrMissingRepoPath, got %v", err)
	}
}

func TestLoad_Options(t *testing.T) {
	v := config.New()
	v.Set(config.KeyRepoPath, "/srv/repo")
	v.Set(config.KeyOSVersion, "focal")
	v.Set(config.KeyDistro, "noetic")
	v.Set(config.KeyIgnorePkgs, "broken, legacy")
	v.Set(config.KeyOnlyCheck, "a,b")
	v.Set(config.KeyExtraRepos, "/srv/a,/srv/b")
	v.Set(config.KeyRosdepDefs, "vendor_sdk=vendor-sdk,nonsense,lib=liblib-dev")
	v.Set(config.KeyJobs, "8")
	v.Set(config.KeyNoInstallDeps, true)
	v.Set(config.KeyVerbosity, "DEBUG")

	cfg, err := config.Load(v, []string{"/ws/src"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Src != "/ws/src" {
		t.Errorf("expected src from args, got %q", cfg.Src)
	}
	if cfg.OSVersion != "focal" || cfg.Distro != "noetic" {
		t.Errorf("unexpected platform %s/%s", cfg.OSVersion, cfg.Distro)
	}
	if want := []string{"broken", "legacy"}; !reflect.DeepEqual(cfg.IgnoredPkgs, want) {
		t.Errorf("expected ignored %v, got %v", want, cfg.IgnoredPkgs)
	}
	if want := []string{"a", "b"}; !reflect.DeepEqual(cfg.OnlyCheck, want) {
		t.Errorf("expected only-check %v, got %v", want, cfg.OnlyCheck)
	}
	if want := []string{"/srv/a", "/srv/b"}; !reflect.DeepEqual(cfg.ExtraRepos, want) {
		t.Errorf("expected extra repos %v, got %v", want, cfg.ExtraRepos)
	}
	wantDefs := []types.RosdepDef{
		{Name: "vendor_sdk", Identifier: "vendor-sdk"},
		{Name: "lib", Identifier: "liblib-dev"},
	}
	if !reflect.DeepEqual(cfg.RosdepDefs, wantDefs) {
		t.Errorf("expected defs %v, got %v", wantDefs, cfg.RosdepDefs)
	}
	if cfg.Jobs != 8 {
		t.Errorf("expected 8 jobs, got %d", cfg.Jobs)
	}
	if !cfg.NoInstallDeps {
		t.Error("expected noinstall-deps")
	}
	if cfg.LogLevel != types.LogLevelDebug {
		t.Errorf("expected debug, got %s", cfg.LogLevel)
	}
}

func TestLoad_EmptyOnlyCheckBuildsNothing(t *testing.T) {
	v := config.New()
	v.Set(config.KeyRepoPath, "/srv/repo")
	v.Set(config.KeyOnlyCheck, "")

	cfg, err := config.Load(v, nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.OnlyCheck == nil || len(cfg.OnlyCheck) != 0 {
		t.Errorf("expected empty non-nil only-check, got %#v", cfg.OnlyCheck)
	}
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("CATKIN_BLOOM_REPO_PATH", "/env/repo")
	t.Setenv("CATKIN_BLOOM_JOBS", "4")
	t.Setenv("CATKIN_BLOOM_ROS_DISTRO", "noetic")

	cfg, err := config.Load(config.New(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RepoPath != "/env/repo" || cfg.Jobs != 4 || cfg.Distro != "noetic" {
		t.Errorf("expected environment values, got %+v", cfg)
	}
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	content := "repo-path: /file/repo\njobs: 3\nignore-pkgs:\n  - a\n  - b\n"
	if err := os.WriteFile(filepath.Join(dir, config.FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	v := config.New()
	used, err := config.ReadFile(v, "", dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if used != filepath.Join(dir, config.FileName) {
		t.Errorf("expected %s to be used, got %q", config.FileName, used)
	}

	cfg, err := config.Load(v, nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RepoPath != "/file/repo" || cfg.Jobs != 3 {
		t.Errorf("expected values from file, got %+v", cfg)
	}
	if want := []string{"a", "b"}; !reflect.DeepEqual(cfg.IgnoredPkgs, want) {
		t.Errorf("expected %v, got %v", want, cfg.IgnoredPkgs)
	}
}

func TestReadFile_Optional(t *testing.T) {
	used, err := config.ReadFile(config.New(), "", t.TempDir())
	if err != nil {
		t.Fatalf("missing default config file must not fail, got %v", err)
	}
	if used != "" {
		t.Errorf("expected no file used, got %q", used)
	}

	if _, err := config.ReadFile(config.New(), filepath.Join(t.TempDir(), "missing.yaml"), ""); err == nil {
		t.Error("expected error for an explicit missing config file")
	}
}

func TestParseJobs(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 1},
		{"4", 4},
		{" 2 ", 2},
		{"0", 1},
		{"-3", 1},
		{"many", 1},
	}
	for _, tt := range tests {
		if got := config.ParseJobs(tt.in); got != tt.want {
			t.Errorf("ParseJobs(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestList(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
		want []string
	}{
		{"nil", nil, nil},
		{"empty", "", nil},
		{"csv", "a,b,,c", []string{"a", "b", "c"}},
		{"slice", []string{"a,b", "c"}, []string{"a", "b", "c"}},
		{"yaml", []interface{}{"a", 1}, []string{"a", "1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := config.List(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("List(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]types.LogLevel{
		"debug":   types.LogLevelDebug,
		"Warning": types.LogLevelWarn,
		"error":   types.LogLevelError,
		"loud":    types.LogLevelInfo,
		"":        types.LogLevelInfo,
	}
	for in, want := range tests {
		if got := config.ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
