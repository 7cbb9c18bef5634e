// Package mocks provides hand-written test doubles for the process runner,
// the build backend and the package manager.
package mocks

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/catkinbloom/catkinbloom/pkg/builders"
	"github.com/catkinbloom/catkinbloom/pkg/process"
	"github.com/catkinbloom/catkinbloom/pkg/repository"
)

var (
	_ process.Runner            = (*MockRunner)(nil)
	_ builders.Backend          = (*MockBackend)(nil)
	_ repository.PackageManager = (*MockPackageManager)(nil)
)

// CommandHandler produces the result of a recorded command
type CommandHandler func(cmd process.Command) (*process.Result, error)

// MockRunner records every command and answers from per-tool handlers.
// Commands without a handler succeed with empty output.
type MockRunner struct {
	mu       sync.Mutex
	calls    []process.Command
	handlers map[string]CommandHandler
}

// NewMockRunner creates a new mock runner
func NewMockRunner() *MockRunner {
	return &MockRunner{handlers: make(map[string]CommandHandler)}
}

// Handle registers the handler for commands named name
func (m *MockRunner) Handle(name string, h CommandHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[name] = h
}

// Exit makes commands named name exit with code and the given output
func (m *MockRunner) Exit(name string, code int, stdout, stderr string) {
	m.Handle(name, func(cmd process.Command) (*process.Result, error) {
		return &process.Result{
			Command:  cmd,
			Stdout:   []byte(stdout),
			Stderr:   []byte(stderr),
			ExitCode: code,
		}, nil
	})
}

// Run records cmd and dispatches it to its handler
func (m *MockRunner) Run(ctx context.Context, cmd process.Command) (*process.Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, cmd)
	h := m.handlers[cmd.Name]
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if h == nil {
		return &process.Result{Command: cmd}, nil
	}
	return h(cmd)
}

// Calls returns a copy of every recorded command
func (m *MockRunner) Calls() []process.Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]process.Command(nil), m.calls...)
}

// CommandLines returns the recorded commands rendered as strings
func (m *MockRunner) CommandLines() []string {
	calls := m.Calls()
	lines := make([]string, len(calls))
	for i, c := range calls {
		lines[i] = c.String()
	}
	return lines
}

// MockBackend is a scripted build backend
type MockBackend struct {
	mu        sync.Mutex
	failures  map[string]error
	gates     map[string]chan struct{}
	started   chan string
	calls     []builders.BuildRequest
	running   atomic.Int32
	maxActive atomic.Int32
}

// NewMockBackend creates a backend where every build succeeds
func NewMockBackend() *MockBackend {
	return &MockBackend{
		failures: make(map[string]error),
		gates:    make(map[string]chan struct{}),
	}
}

// Fail makes the build of name return err
func (m *MockBackend) Fail(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[name] = err
}

// Gate makes the build of name block until the returned channel is closed
func (m *MockBackend) Gate(name string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan struct{})
	m.gates[name] = ch
	return ch
}

// NotifyStarted makes every build send its package name on the returned
// channel once it has started
func (m *MockBackend) NotifyStarted(buffer int) <-chan string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = make(chan string, buffer)
	return m.started
}

// Build records req, waits for its gate and returns "<OutputDir>/<Name>.deb"
func (m *MockBackend) Build(ctx context.Context, req builders.BuildRequest) ([]string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	failure := m.failures[req.Name]
	gate := m.gates[req.Name]
	started := m.started
	m.mu.Unlock()

	active := m.running.Add(1)
	defer m.running.Add(-1)
	for {
		peak := m.maxActive.Load()
		if active <= peak || m.maxActive.CompareAndSwap(peak, active) {
			break
		}
	}

	if started != nil {
		started <- req.Name
	}
	if gate != nil {
		<-gate
	}

	if failure != nil {
		return nil, failure
	}
	return []string{filepath.Join(req.OutputDir, req.Name+".deb")}, nil
}

// Built returns the names of every package a build was requested for
func (m *MockBackend) Built() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, len(m.calls))
	for i, c := range m.calls {
		names[i] = c.Name
	}
	return names
}

// Requests returns a copy of every recorded build request
func (m *MockBackend) Requests() []builders.BuildRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]builders.BuildRequest(nil), m.calls...)
}

// MaxConcurrent returns the highest number of builds seen running at once
func (m *MockBackend) MaxConcurrent() int {
	return int(m.maxActive.Load())
}

// MockPackageManager records every package manager call
type MockPackageManager struct {
	mu sync.Mutex

	Registered      []string
	SourcesUpdated  int
	DependenciesFor []string
	Installed       [][]string
	Indexed         []string

	RegisterError error
	UpdateError   error
	DepsError     error
	InstallError  error
	IndexError    error

	// OnInstallDependencies runs before InstallDependencies returns
	OnInstallDependencies func()
}

// NewMockPackageManager creates a new mock package manager
func NewMockPackageManager() *MockPackageManager {
	return &MockPackageManager{}
}

// RegisterRepository records root
func (m *MockPackageManager) RegisterRepository(ctx context.Context, root string, index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Registered = append(m.Registered, root)
	return m.RegisterError
}

// UpdateSources counts the call
func (m *MockPackageManager) UpdateSources(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SourcesUpdated++
	return m.UpdateError
}

// InstallDependencies records src
func (m *MockPackageManager) InstallDependencies(ctx context.Context, src string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DependenciesFor = append(m.DependenciesFor, src)
	if m.OnInstallDependencies != nil {
		m.OnInstallDependencies()
	}
	return m.DepsError
}

// Install records the batch
func (m *MockPackageManager) Install(ctx context.Context, artifacts []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Installed = append(m.Installed, append([]string(nil), artifacts...))
	return m.InstallError
}

// RegenerateIndex records root
func (m *MockPackageManager) RegenerateIndex(ctx context.Context, root string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Indexed = append(m.Indexed, root)
	return m.IndexError
}

// InstallBatches returns a copy of every installed batch
func (m *MockPackageManager) InstallBatches() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]string, len(m.Installed))
	for i, b := range m.Installed {
		out[i] = append([]string(nil), b...)
	}
	return out
}
