package engine

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors of a build run. These enable reliable error checking with errors.Is()
var (
	// ErrLayerFailed indicates at least one package of a layer failed to build
	ErrLayerFailed = errors.New("layer build failed")

	// ErrInterrupted indicates the run was stopped before every layer completed
	ErrInterrupted = errors.New("build run interrupted")
)

// PackageFailure is the error of one package build
type PackageFailure struct {
	Package string
	Err     error
}

func (f *PackageFailure) Error() string {
	return fmt.Sprintf("%s: %v", f.Package, f.Err)
}

func (f *PackageFailure) Unwrap() error { return f.Err }

// LayerError reports every package that failed in a layer
type LayerError struct {
	Layer  int
	Failed []PackageFailure
}

func (e *LayerError) Error() string {
	names := make([]string, len(e.Failed))
	for i, f := range e.Failed {
		names[i] = f.Package
	}
	return fmt.Sprintf("layer %d: %d package(s) failed: %s",
		e.Layer, len(e.Failed), strings.Join(names, ", "))
}

func (e *LayerError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed)+1)
	errs = append(errs, ErrLayerFailed)
	for i := range e.Failed {
		errs = append(errs, &e.Failed[i])
	}
	return errs
}
