package engine

import (
	"github.com/catkinbloom/catkinbloom/internal/state"
	"github.com/catkinbloom/catkinbloom/pkg/builders"
	"github.com/catkinbloom/catkinbloom/pkg/logger"
	"github.com/catkinbloom/catkinbloom/pkg/manifest"
	"github.com/catkinbloom/catkinbloom/pkg/notifier"
	"github.com/catkinbloom/catkinbloom/pkg/process"
	"github.com/catkinbloom/catkinbloom/pkg/repository"
	"github.com/catkinbloom/catkinbloom/pkg/types"
)

// Dependencies are the collaborators an Engine is built from
type Dependencies struct {
	Runner         process.Runner
	Scanner        *manifest.Scanner
	Backend        builders.Backend
	PackageManager repository.PackageManager
	Writer         *repository.Writer
	Notifier       *notifier.BuildNotifier
	State          *state.StateManager
}

// DependencyFactory creates default implementations of dependencies.
// This removes hidden concrete fallbacks from constructors.
type DependencyFactory struct {
	config *types.RunConfig
	logger logger.Logger
}

// NewDependencyFactory creates a new dependency factory
func NewDependencyFactory(config *types.RunConfig, log logger.Logger) *DependencyFactory {
	return &DependencyFactory{
		config: config,
		logger: log,
	}
}

// CreateDefaults creates all default dependencies of a run
func (f *DependencyFactory) CreateDefaults() Dependencies {
	return f.create(process.NewExecRunner())
}

// CreateWithOverrides creates dependencies with specific overrides.
// A Runner override is used by every default that runs commands.
func (f *DependencyFactory) CreateWithOverrides(overrides Dependencies) Dependencies {
	runner := overrides.Runner
	if runner == nil {
		runner = process.NewExecRunner()
	}
	deps := f.create(runner)

	// Apply overrides (non-nil values replace defaults)
	if overrides.Scanner != nil {
		deps.Scanner = overrides.Scanner
	}
	if overrides.Backend != nil {
		deps.Backend = overrides.Backend
	}
	if overrides.PackageManager != nil {
		deps.PackageManager = overrides.PackageManager
	}
	if overrides.Writer != nil {
		deps.Writer = overrides.Writer
	}
	if overrides.Notifier != nil {
		deps.Notifier = overrides.Notifier
	}
	if overrides.State != nil {
		deps.State = overrides.State
	}

	return deps
}

func (f *DependencyFactory) create(runner process.Runner) Dependencies {
	writer := f.createWriter()
	return Dependencies{
		Runner:         runner,
		Scanner:        manifest.NewScanner(f.logger),
		Backend:        f.createBackend(runner, writer),
		PackageManager: f.createPackageManager(runner),
		Writer:         writer,
		Notifier:       f.createNotifier(),
		State:          state.NewStateManager(writer.StateDir(), f.logger),
	}
}

// Individual factory methods for each dependency

func (f *DependencyFactory) createWriter() *repository.Writer {
	return repository.NewWriter(f.config.RepoPath, f.logger)
}

func (f *DependencyFactory) createBackend(runner process.Runner, writer *repository.Writer) builders.Backend {
	return builders.NewBloomBackend(runner, f.logger, builders.WithLogDir(writer.LogDir()))
}

func (f *DependencyFactory) createPackageManager(runner process.Runner) repository.PackageManager {
	return repository.NewDebianManager(runner, f.logger,
		repository.WithListDirs(f.config.RosdepListDir, f.config.AptListDir))
}

func (f *DependencyFactory) createNotifier() *notifier.BuildNotifier {
	return notifier.New(notifier.Config{Enabled: f.config.Notify, Beep: f.config.Notify}, f.logger)
}
