package repository

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/catkinbloom/catkinbloom/pkg/logger"
	"github.com/catkinbloom/catkinbloom/pkg/process"
)

// Default locations of the source list directories
const (
	DefaultRosdepListDir = "/etc/ros/rosdep/sources.list.d"
	DefaultAptListDir    = "/etc/apt/sources.list.d"
)

// PackageManager is everything catkin-bloom needs from the host packaging system
type PackageManager interface {
	// RegisterRepository makes the repository at root known to rosdep and apt.
	// index orders the registration files of several repositories.
	RegisterRepository(ctx context.Context, root string, index int) error
	// UpdateSources refreshes the rosdep database
	UpdateSources(ctx context.Context) error
	// InstallDependencies installs the system dependencies of every package under src
	InstallDependencies(ctx context.Context, src string) error
	// Install installs a batch of built artifacts
	Install(ctx context.Context, artifacts []string) error
	// RegenerateIndex rewrites the Packages index of the repository at root
	RegenerateIndex(ctx context.Context, root string) error
}

// DebianManager implements PackageManager with rosdep, apt and dpkg
type DebianManager struct {
	runner        process.Runner
	logger        logger.Logger
	rosdepListDir string
	aptListDir    string
}

// ManagerOption configures a DebianManager
type ManagerOption func(*DebianManager)

// WithListDirs overrides the rosdep and apt source list directories
func WithListDirs(rosdepDir, aptDir string) ManagerOption {
	return func(m *DebianManager) {
		if rosdepDir != "" {
			m.rosdepListDir = rosdepDir
		}
		if aptDir != "" {
			m.aptListDir = aptDir
		}
	}
}

// NewDebianManager creates a new Debian package manager
func NewDebianManager(runner process.Runner, log logger.Logger, opts ...ManagerOption) *DebianManager {
	m := &DebianManager{
		runner:        runner,
		logger:        log,
		rosdepListDir: DefaultRosdepListDir,
		aptListDir:    DefaultAptListDir,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ListFileName returns the registration file name for the repository at root
func ListFileName(index int, root string) string {
	base := filepath.Base(filepath.Clean(root))
	if base == "." || base == string(filepath.Separator) || base == "" {
		base = "unknown"
	}
	return fmt.Sprintf("99-catkin-bloom-%d-%s.list", index, base)
}

// RegisterRepository writes the rosdep and apt list files for root
func (m *DebianManager) RegisterRepository(ctx context.Context, root string, index int) error {
	abs, err := filepath.Abs(root)
	if err == nil {
		abs, err = filepath.EvalSymlinks(abs)
	}
	if err != nil {
		return fmt.Errorf("failed to resolve repository %s: %w", root, err)
	}

	name := ListFileName(index, root)

	rosdepLine := fmt.Sprintf("yaml file://%s/package.yaml\n", abs)
	if err := writeListFile(filepath.Join(m.rosdepListDir, name), rosdepLine); err != nil {
		return err
	}

	aptLine := fmt.Sprintf("deb [trusted=yes] file://%s /\n", abs)
	if err := writeListFile(filepath.Join(m.aptListDir, name), aptLine); err != nil {
		return err
	}

	m.logger.Debug("Registered repository",
		logger.WithField("root", abs),
		logger.WithField("index", index))
	return nil
}

func writeListFile(path, content string) error {
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write source list: %w", err)
	}
	return nil
}

// UpdateSources runs rosdep update. Its exit code is not checked: an
// unreachable index only means stale remote definitions.
func (m *DebianManager) UpdateSources(ctx context.Context) error {
	res, err := m.runner.Run(ctx, process.Command{Name: "rosdep", Args: []string{"update"}})
	if err != nil {
		return err
	}
	if err := res.Err(); err != nil {
		m.logger.Warn("rosdep update failed, continuing with cached definitions",
			logger.WithError(err))
	}
	return nil
}

// InstallDependencies installs the system dependencies of the workspace under
// src. apt dependencies are installed in one batch first, rosdep handles the rest.
func (m *DebianManager) InstallDependencies(ctx context.Context, src string) error {
	m.logger.Info("Running rosdep check")
	check, err := m.runner.Run(ctx, process.Command{
		Name: "rosdep",
		Args: []string{"check", "--from-paths", src, "--ignore-src"},
	})
	if err != nil {
		return err
	}
	// rosdep check exits non-zero exactly when dependencies are missing

	m.logger.Info("Running apt update")
	if _, err := m.runner.Run(ctx, process.Command{Name: "apt", Args: []string{"update"}}); err != nil {
		return err
	}

	aptPkgs := ParseAptDependencies(check.Stdout)
	if len(aptPkgs) > 0 {
		m.logger.Info("Running apt install", logger.WithField("count", len(aptPkgs)))
		res, err := m.runner.Run(ctx, process.Command{
			Name: "apt",
			Args: append([]string{"install", "-y"}, aptPkgs...),
			Env:  []string{"DEBIAN_FRONTEND=noninteractive"},
		})
		if err != nil {
			return err
		}
		if err := res.Err(); err != nil {
			return fmt.Errorf("%w: apt install: %w", ErrInstallFailed, err)
		}
	}

	m.logger.Info("Running rosdep install")
	res, err := m.runner.Run(ctx, process.Command{
		Name: "rosdep",
		Args: []string{"install", "--from-paths", src, "--ignore-src", "-y"},
		Env:  []string{"DEBIAN_FRONTEND=noninteractive"},
	})
	if err != nil {
		return err
	}
	if err := res.Err(); err != nil {
		return fmt.Errorf("%w: rosdep install: %w", ErrInstallFailed, err)
	}
	return nil
}

// ParseAptDependencies extracts the apt package names from rosdep check output
func ParseAptDependencies(output []byte) []string {
	var pkgs []string
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		if name, ok := strings.CutPrefix(scanner.Text(), "apt\t"); ok {
			if name = strings.TrimSpace(name); name != "" {
				pkgs = append(pkgs, name)
			}
		}
	}
	return pkgs
}

// Install installs artifacts with dpkg -i
func (m *DebianManager) Install(ctx context.Context, artifacts []string) error {
	if len(artifacts) == 0 {
		return nil
	}

	res, err := m.runner.Run(ctx, process.Command{
		Name: "dpkg",
		Args: append([]string{"-i"}, artifacts...),
	})
	if err != nil {
		return err
	}
	if err := res.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	m.logger.Debug("dpkg output",
		logger.WithField("stdout", string(res.Stdout)),
		logger.WithField("stderr", string(res.Stderr)))
	return nil
}

// RegenerateIndex runs dpkg-scanpackages in root and replaces root/Packages
// with its output
func (m *DebianManager) RegenerateIndex(ctx context.Context, root string) error {
	res, err := m.runner.Run(ctx, process.Command{
		Name: "dpkg-scanpackages",
		Args: []string{"-m", "."},
		Dir:  root,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIndexFailed, err)
	}
	if err := res.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrIndexFailed, err)
	}

	if err := os.WriteFile(filepath.Join(root, IndexFileName), res.Stdout, 0644); err != nil {
		return fmt.Errorf("%w: %w", ErrIndexFailed, err)
	}
	return nil
}
