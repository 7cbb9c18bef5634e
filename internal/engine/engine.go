// Package engine runs a complete catkin-bloom build: it scans the source
// tree, orders the packages into layers, builds and installs them layer by
// layer and publishes the resulting repository.
package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	pcontext "github.com/catkinbloom/catkinbloom/pkg/context"
	"github.com/catkinbloom/catkinbloom/pkg/graph"
	"github.com/catkinbloom/catkinbloom/pkg/logger"
	"github.com/catkinbloom/catkinbloom/pkg/types"
)

// Engine is the build orchestrator
type Engine struct {
	config *types.RunConfig
	logger logger.Logger
	deps   Dependencies
}

// New creates a new engine
func New(config *types.RunConfig, log logger.Logger, deps Dependencies) *Engine {
	if deps.Scanner == nil {
		panic("Scanner dependency is required")
	}
	if deps.Backend == nil {
		panic("Backend dependency is required")
	}
	if deps.PackageManager == nil {
		panic("PackageManager dependency is required")
	}
	if deps.Writer == nil {
		panic("Writer dependency is required")
	}

	return &Engine{
		config: config,
		logger: log,
		deps:   deps,
	}
}

// Plan scans the source tree and computes the build layers
func (e *Engine) Plan(ctx context.Context) (types.Workspace, *types.Plan, error) {
	log := logger.WithContext(ctx, e.logger)
	log.Info("Collecting packages", logger.WithField("src", e.config.Src))

	ws, err := e.deps.Scanner.Scan(ctx, e.config.Src, e.config.IgnoredPkgs)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to scan workspace: %w", err)
	}

	plan := graph.Resolve(ws)
	if err := plan.Validate(ws); err != nil {
		return nil, nil, fmt.Errorf("invalid build plan: %w", err)
	}

	log.Info(fmt.Sprintf("Found %d package(s) in %d layer(s)", plan.Count(), len(plan.Layers)))

	if len(plan.Cyclic) > 0 {
		names := make([]string, 0, len(plan.Cyclic))
		for name := range plan.Cyclic {
			names = append(names, name)
		}
		sort.Strings(names)
		log.Warn(fmt.Sprintf("Found %d package(s) with cycles, they will not be built", len(names)))
		for _, name := range names {
			log.Warn("Unresolved package",
				logger.WithField("package", name),
				logger.WithField("waiting_on", plan.Cyclic[name]))
		}
	}

	for _, name := range e.config.OnlyCheck {
		if _, ok := ws[name]; !ok {
			log.Warn("only-check names a package that is not in the workspace",
				logger.WithField("package", name))
		}
	}

	return ws, &plan, nil
}

// Run executes a complete build. The returned report is non-nil whenever the
// build phase was reached, even if the run failed.
func (e *Engine) Run(ctx context.Context) (*RunReport, error) {
	ctx = pcontext.EnrichContext(ctx)
	ctx = pcontext.WithOperation(ctx, "run")
	log := logger.WithContext(ctx, e.logger)
	start := time.Now()

	report, err := e.run(ctx, log)
	if err != nil && ctx.Err() != nil && !errors.Is(err, ErrInterrupted) {
		err = fmt.Errorf("%w: %w", ErrInterrupted, err)
	}
	if err != nil {
		var layerErr *LayerError
		if !errors.As(err, &layerErr) {
			e.deps.Notifier.NotifyRunFailed(err)
		}
		return report, err
	}

	log.Success(fmt.Sprintf("Built %d package(s)", len(report.Built)),
		logger.WithField("duration", time.Since(start).Round(time.Millisecond)))
	e.deps.Notifier.NotifyRunComplete(len(report.Built), time.Since(start))
	return report, nil
}

func (e *Engine) run(ctx context.Context, log logger.Logger) (*RunReport, error) {
	writer := e.deps.Writer
	pm := e.deps.PackageManager

	unlock, err := writer.Lock()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := unlock(); err != nil {
			log.Warn("Failed to release repository lock", logger.WithError(err))
		}
	}()

	ws, plan, err := e.Plan(ctx)
	if err != nil {
		return nil, err
	}

	if err := writer.WriteMapping(plan, ws, e.config.OSName, e.config.Distro, e.config.RosdepDefs); err != nil {
		return nil, err
	}

	for i, root := range e.config.Roots() {
		if err := pm.RegisterRepository(ctx, root, i); err != nil {
			return nil, err
		}
	}

	log.Info("Running rosdep update")
	if err := pm.UpdateSources(ctx); err != nil {
		return nil, fmt.Errorf("rosdep update: %w", err)
	}

	if !e.config.NoInstallDeps {
		log.Info("Installing dependencies")
		if err := pm.InstallDependencies(ctx, e.config.Src); err != nil {
			return nil, err
		}
	}

	outputDir, err := filepath.Abs(writer.Root())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve repository path: %w", err)
	}

	var recorder StatusRecorder
	if e.deps.State != nil {
		recorder = e.deps.State
	}

	scheduler := NewScheduler(e.deps.Backend, pm, e.deps.Notifier, e.logger, SchedulerOptions{
		Jobs:      e.config.Jobs,
		OnlyCheck: e.config.OnlyCheckSet(),
		OSName:    e.config.OSName,
		OSVersion: e.config.OSVersion,
		Distro:    e.config.Distro,
		OutputDir: outputDir,
		Recorder:  recorder,
	})

	report, err := scheduler.Run(ctx, plan, ws)
	if err != nil {
		return report, err
	}

	log.Info("Generating package index")
	if err := pm.RegenerateIndex(ctx, writer.Root()); err != nil {
		return report, err
	}

	return report, nil
}
