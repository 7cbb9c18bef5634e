// Package builders turns one source package into installable artifacts
package builders

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/catkinbloom/catkinbloom/pkg/logger"
	"github.com/catkinbloom/catkinbloom/pkg/process"
)

// BuildRequest is everything a backend needs to package one source package
type BuildRequest struct {
	Name      string
	SourceDir string
	Depends   []string
	OSName    string
	OSVersion string
	Distro    string
	// OutputDir is the shared, append-only artifact directory of the run
	OutputDir string
}

// Backend packages a single source package.
// Implementations must use a private scratch directory per call and only
// write into OutputDir when copying out finished artifacts.
type Backend interface {
	Build(ctx context.Context, req BuildRequest) ([]string, error)
}

// BuildError reports which package and which step of its build failed
type BuildError struct {
	Package string
	Step    string
	Err     error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("%s: %s failed: %v", e.Package, e.Step, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// rulesPlaceholder is the debian/rules token the source path is injected before
const rulesPlaceholder = "$(BUILD_TESTING_ARG)"

// BloomBackend builds Debian packages with bloom-generate and fakeroot
type BloomBackend struct {
	runner  process.Runner
	logger  logger.Logger
	logDir  string
	tempDir string
}

// BloomOption configures a BloomBackend
type BloomOption func(*BloomBackend)

// WithLogDir stores a per-package build log under dir
func WithLogDir(dir string) BloomOption {
	return func(b *BloomBackend) { b.logDir = dir }
}

// WithTempDir places scratch directories under dir instead of the OS default
func WithTempDir(dir string) BloomOption {
	return func(b *BloomBackend) { b.tempDir = dir }
}

// NewBloomBackend creates a new bloom backend
func NewBloomBackend(runner process.Runner, log logger.Logger, opts ...BloomOption) *BloomBackend {
	b := &BloomBackend{
		runner: runner,
		logger: log,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build generates the debian directory for the package, builds the binary
// packages and copies them into req.OutputDir. Once started, a build runs to
// completion even if ctx is cancelled.
func (b *BloomBackend) Build(ctx context.Context, req BuildRequest) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, &BuildError{Package: req.Name, Step: "start", Err: err}
	}
	ctx = context.WithoutCancel(ctx)

	log := b.logger.WithPackage(req.Name)
	startTime := time.Now()

	sourceDir, err := filepath.Abs(req.SourceDir)
	if err != nil {
		return nil, &BuildError{Package: req.Name, Step: "resolve source", Err: err}
	}

	buildRoot, err := os.MkdirTemp(b.tempDir, "catkin-bloom-"+req.Name+"-")
	if err != nil {
		return nil, &BuildError{Package: req.Name, Step: "create scratch dir", Err: err}
	}
	defer os.RemoveAll(buildRoot)

	buildDir := filepath.Join(buildRoot, "build")
	if err := os.Mkdir(buildDir, 0755); err != nil {
		return nil, &BuildError{Package: req.Name, Step: "create build dir", Err: err}
	}

	logFile, err := b.prepareLogFile(req.Name)
	if err != nil {
		log.Warn("Failed to create build log", logger.WithError(err))
	}
	defer func() {
		if logFile != nil {
			logFile.Close()
		}
	}()
	logToFile(logFile, fmt.Sprintf("\n=== Build started at %s ===\n", startTime.Format("2006-01-02 15:04:05")))

	var tee io.Writer
	if logFile != nil {
		tee = logFile
	}

	log.Debug("Generating debian directory", logger.WithField("source", sourceDir))
	if err := b.run(ctx, process.Command{
		Name: "bloom-generate",
		Args: []string{
			"rosdebian",
			"--os-name", req.OSName,
			"--os-version", req.OSVersion,
			"--ros-distro", req.Distro,
			sourceDir,
		},
		Dir: buildDir,
		Tee: tee,
	}); err != nil {
		logToFile(logFile, fmt.Sprintf("\n=== Build FAILED after %s ===\n", time.Since(startTime)))
		return nil, &BuildError{Package: req.Name, Step: "bloom-generate", Err: err}
	}

	if err := patchRules(filepath.Join(buildDir, "debian", "rules"), sourceDir); err != nil {
		return nil, &BuildError{Package: req.Name, Step: "patch debian/rules", Err: err}
	}

	log.Debug("Building binary package")
	if err := b.run(ctx, process.Command{
		Name: "fakeroot",
		Args: []string{"debian/rules", "binary"},
		Dir:  buildDir,
		Tee:  tee,
	}); err != nil {
		logToFile(logFile, fmt.Sprintf("\n=== Build FAILED after %s ===\n", time.Since(startTime)))
		return nil, &BuildError{Package: req.Name, Step: "fakeroot debian/rules binary", Err: err}
	}

	res, err := b.runner.Run(ctx, process.Command{
		Name: "dpkg-scanpackages",
		Args: []string{"-m", "."},
		Dir:  buildRoot,
	})
	if err == nil {
		err = res.Err()
	}
	if err != nil {
		return nil, &BuildError{Package: req.Name, Step: "dpkg-scanpackages", Err: err}
	}

	var artifacts []string
	for _, rel := range ParseFilenames(res.Stdout) {
		origin := filepath.Join(buildRoot, rel)
		target := filepath.Join(req.OutputDir, rel)
		if err := copyFile(origin, target); err != nil {
			return nil, &BuildError{Package: req.Name, Step: "copy artifact", Err: err}
		}
		log.Debug("Copied artifact", logger.WithField("path", target))
		artifacts = append(artifacts, target)
	}

	if len(artifacts) == 0 {
		log.Warn("Build produced no artifacts")
	}

	logToFile(logFile, fmt.Sprintf("\n=== Build SUCCEEDED after %s ===\n", time.Since(startTime)))
	return artifacts, nil
}

// run executes cmd and converts a non-zero exit into an error
func (b *BloomBackend) run(ctx context.Context, cmd process.Command) error {
	res, err := b.runner.Run(ctx, cmd)
	if err != nil {
		return err
	}
	return res.Err()
}

// ParseFilenames extracts the artifact paths from dpkg-scanpackages output
func ParseFilenames(output []byte) []string {
	var files []string
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if name, ok := strings.CutPrefix(line, "Filename: "); ok {
			files = append(files, strings.TrimSpace(name))
		}
	}
	return files
}

// patchRules points the generated debian/rules at the package source
func patchRules(path, sourceDir string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	patched := strings.ReplaceAll(string(data), rulesPlaceholder, sourceDir+" "+rulesPlaceholder)

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(patched), info.Mode().Perm())
}

// prepareLogFile opens the build log for a package in append mode
func (b *BloomBackend) prepareLogFile(name string) (*os.File, error) {
	if b.logDir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(b.logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	logPath := filepath.Join(b.logDir, name+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return logFile, nil
}

func logToFile(logFile *os.File, message string) {
	if logFile != nil {
		logFile.WriteString(message)
	}
}

// copyFile copies src to dst, creating dst's directory when needed
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
