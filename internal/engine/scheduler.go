package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/catkinbloom/catkinbloom/pkg/builders"
	pcontext "github.com/catkinbloom/catkinbloom/pkg/context"
	"github.com/catkinbloom/catkinbloom/pkg/logger"
	"github.com/catkinbloom/catkinbloom/pkg/notifier"
	"github.com/catkinbloom/catkinbloom/pkg/repository"
	"github.com/catkinbloom/catkinbloom/pkg/types"
)

// SchedulerState is the phase the scheduler is in
type SchedulerState int

const (
	StateReady SchedulerState = iota
	StateDispatching
	StateDraining
	StateInstalling
	StateAborted
	StateDone
)

func (s SchedulerState) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateDispatching:
		return "dispatching"
	case StateDraining:
		return "draining"
	case StateInstalling:
		return "installing"
	case StateAborted:
		return "aborted"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Installer installs the artifacts of a completed layer
type Installer interface {
	Install(ctx context.Context, artifacts []string) error
}

// StatusRecorder is told about every status change of a package
type StatusRecorder interface {
	Record(result types.BuildResult) error
}

// RunReport summarizes what a scheduler run did
type RunReport struct {
	// Layers is the number of layers built and installed
	Layers    int
	Built     []string
	Failed    []string
	Skipped   []string
	Artifacts []string
	Duration  time.Duration
}

// SchedulerOptions configures a Scheduler
type SchedulerOptions struct {
	Jobs int
	// OnlyCheck restricts building to these packages; nil builds everything
	OnlyCheck types.DependencySet
	OSName    string
	OSVersion string
	Distro    string
	OutputDir string
	// Recorder receives package status changes; nil records nothing
	Recorder StatusRecorder
}

// Scheduler builds the layers of a plan one after another. Packages of a
// layer are built concurrently on a bounded pool; the layer's artifacts are
// installed in one batch before the next layer starts.
type Scheduler struct {
	backend   builders.Backend
	installer Installer
	notifier  *notifier.BuildNotifier
	logger    logger.Logger
	opts      SchedulerOptions

	mu      sync.Mutex
	state   SchedulerState
	history []SchedulerState
}

// NewScheduler creates a new scheduler. A non-positive job count means one job.
func NewScheduler(backend builders.Backend, installer Installer, n *notifier.BuildNotifier, log logger.Logger, opts SchedulerOptions) *Scheduler {
	if opts.Jobs < 1 {
		opts.Jobs = 1
	}
	return &Scheduler{
		backend:   backend,
		installer: installer,
		notifier:  n,
		logger:    log,
		opts:      opts,
		state:     StateReady,
		history:   []SchedulerState{StateReady},
	}
}

// State returns the current scheduler state
func (s *Scheduler) State() SchedulerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// History returns every state the scheduler went through
func (s *Scheduler) History() []SchedulerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SchedulerState(nil), s.history...)
}

func (s *Scheduler) setState(state SchedulerState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.history = append(s.history, state)
}

func (s *Scheduler) record(log logger.Logger, result types.BuildResult) {
	if s.opts.Recorder == nil {
		return
	}
	if err := s.opts.Recorder.Record(result); err != nil {
		log.Warn("Failed to record build status",
			logger.WithField("package", result.Package),
			logger.WithError(err))
	}
}

func (s *Scheduler) allowed(name string) bool {
	return s.opts.OnlyCheck == nil || s.opts.OnlyCheck.Has(name)
}

// Run builds every layer of plan in order. It stops at the first layer that
// has a failed package, returning a *LayerError; layers installed before it
// stay installed. Cancelling ctx stops dispatching new builds but never
// interrupts a build that already started.
func (s *Scheduler) Run(ctx context.Context, plan *types.Plan, ws types.Workspace) (*RunReport, error) {
	start := time.Now()
	report := &RunReport{}
	defer func() { report.Duration = time.Since(start) }()

	total := 0
	for _, name := range plan.Packages() {
		if s.allowed(name) {
			total++
		}
	}

	s.logger.Info(fmt.Sprintf("Building packages (%d)", total),
		logger.WithField("layers", len(plan.Layers)),
		logger.WithField("jobs", s.opts.Jobs))

	group := NewSafeGroup(s.logger)
	group.SetLimit(s.opts.Jobs)
	var completed atomic.Int32

	for i, layer := range plan.Layers {
		if err := ctx.Err(); err != nil {
			s.setState(StateAborted)
			return report, fmt.Errorf("%w before layer %d: %w", ErrInterrupted, i, err)
		}

		layerCtx := pcontext.WithLayer(ctx, i)
		log := logger.WithContext(layerCtx, s.logger)

		s.setState(StateDispatching)
		log.Info(fmt.Sprintf("Layer %d", i), logger.WithField("packages", len(layer)))

		var success atomic.Bool
		success.Store(true)

		var mu sync.Mutex
		var artifacts, built, skipped []string

		for _, name := range layer {
			if !s.allowed(name) {
				log.Debug("Not in only-check list, skipping", logger.WithField("package", name))
				report.Skipped = append(report.Skipped, name)
				s.record(log, types.BuildResult{Package: name, Status: types.BuildStatusSkipped, Layer: i})
				continue
			}

			pkg := ws[name]
			group.Go(name, func() error {
				finished := false
				defer func() {
					if !finished {
						success.Store(false)
					}
				}()

				if !success.Load() || layerCtx.Err() != nil {
					finished = true
					mu.Lock()
					skipped = append(skipped, name)
					mu.Unlock()
					s.record(log, types.BuildResult{Package: name, Status: types.BuildStatusSkipped, Layer: i})
					return nil
				}

				pkgLog := log.WithPackage(name)
				pkgLog.Debug("Building")
				s.record(log, types.BuildResult{Package: name, Status: types.BuildStatusBuilding, Layer: i})

				started := time.Now()
				result, err := s.backend.Build(pcontext.WithPackage(layerCtx, name), s.request(pkg))
				n := completed.Add(1)
				if err != nil {
					success.Store(false)
					pkgLog.Error(fmt.Sprintf("[%d/%d] Build failed", n, total), logger.WithError(err))
					s.record(log, types.BuildResult{
						Package:  name,
						Status:   types.BuildStatusFailed,
						Layer:    i,
						Duration: time.Since(started),
						Err:      err,
					})
					return &PackageFailure{Package: name, Err: err}
				}

				finished = true
				mu.Lock()
				artifacts = append(artifacts, result...)
				built = append(built, name)
				mu.Unlock()
				s.record(log, types.BuildResult{
					Package:   name,
					Status:    types.BuildStatusSucceeded,
					Layer:     i,
					Artifacts: result,
					Duration:  time.Since(started),
				})

				pkgLog.Success(fmt.Sprintf("[%d/%d] Built", n, total),
					logger.WithField("artifacts", len(result)))
				return nil
			})
		}

		s.setState(StateDraining)
		failures := collectFailures(group.Wait())

		sort.Strings(built)
		sort.Strings(skipped)
		sort.Strings(artifacts)
		report.Built = append(report.Built, built...)
		report.Skipped = append(report.Skipped, skipped...)
		report.Artifacts = append(report.Artifacts, artifacts...)

		if len(failures) > 0 {
			s.setState(StateAborted)

			names := make([]string, len(failures))
			for j, f := range failures {
				names[j] = f.Package
				var pe *PanicError
				if errors.As(f.Err, &pe) {
					s.record(log, types.BuildResult{Package: f.Package, Status: types.BuildStatusFailed, Layer: i, Err: pe})
				}
			}
			report.Failed = append(report.Failed, names...)
			s.notifier.NotifyLayerFailed(i, names)

			return report, &LayerError{Layer: i, Failed: failures}
		}

		if err := ctx.Err(); err != nil {
			s.setState(StateAborted)
			return report, fmt.Errorf("%w during layer %d: %w", ErrInterrupted, i, err)
		}

		s.setState(StateInstalling)
		if len(artifacts) > 0 {
			log.Info("Installing layer", logger.WithField("artifacts", len(artifacts)))
			if err := s.installer.Install(layerCtx, artifacts); err != nil {
				s.setState(StateAborted)
				if !errors.Is(err, repository.ErrInstallFailed) {
					err = fmt.Errorf("%w: %w", repository.ErrInstallFailed, err)
				}
				return report, fmt.Errorf("layer %d: %w", i, err)
			}
		}

		report.Layers++
		s.setState(StateReady)
	}

	s.setState(StateDone)
	return report, nil
}

func (s *Scheduler) request(pkg *types.Package) builders.BuildRequest {
	return builders.BuildRequest{
		Name:      pkg.Name,
		SourceDir: pkg.Dir,
		Depends:   pkg.Depends.Sorted(),
		OSName:    s.opts.OSName,
		OSVersion: s.opts.OSVersion,
		Distro:    s.opts.Distro,
		OutputDir: s.opts.OutputDir,
	}
}

// collectFailures turns the task errors of a layer into sorted package failures
func collectFailures(errs []error) []PackageFailure {
	failures := make([]PackageFailure, 0, len(errs))
	for _, err := range errs {
		var pf *PackageFailure
		var pe *PanicError
		switch {
		case errors.As(err, &pf):
			failures = append(failures, *pf)
		case errors.As(err, &pe):
			failures = append(failures, PackageFailure{Package: pe.Task, Err: pe})
		default:
			failures = append(failures, PackageFailure{Package: "unknown", Err: err})
		}
	}
	sort.Slice(failures, func(a, b int) bool {
		return failures[a].Package < failures[b].Package
	})
	return failures
}
