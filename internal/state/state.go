// Package state persists the build status of every package between runs
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/catkinbloom/catkinbloom/pkg/logger"
	"github.com/catkinbloom/catkinbloom/pkg/types"
)

// PackageState is the persistent state of one package
type PackageState struct {
	Package       string            `json:"package"`
	Status        types.BuildStatus `json:"status"`
	Layer         int               `json:"layer"`
	LastBuildTime time.Time         `json:"lastBuildTime"`
	BuildCount    int               `json:"buildCount"`
	FailureCount  int               `json:"failureCount"`
	LastError     string            `json:"lastError,omitempty"`
	BuildDuration time.Duration     `json:"buildDuration,omitempty"`
	Artifacts     []string          `json:"artifacts,omitempty"`
}

// StateManager handles the state files of a repository
type StateManager struct {
	stateDir string
	logger   logger.Logger
	mu       sync.RWMutex
	states   map[string]*PackageState
}

// NewStateManager creates a state manager keeping one file per package in
// stateDir. The directory is created on the first write.
func NewStateManager(stateDir string, log logger.Logger) *StateManager {
	return &StateManager{
		stateDir: stateDir,
		logger:   log,
		states:   make(map[string]*PackageState),
	}
}

// Dir returns the state directory
func (sm *StateManager) Dir() string {
	return sm.stateDir
}

// Record applies a status change and saves the package's state file.
// Build and failure counters only move on succeeded and failed results.
func (sm *StateManager) Record(result types.BuildResult) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	state, ok := sm.states[result.Package]
	if !ok {
		existing, err := sm.loadStateFile(result.Package)
		switch {
		case err == nil:
			state = existing
		case os.IsNotExist(err):
			state = &PackageState{Package: result.Package}
		default:
			return err
		}
		sm.states[result.Package] = state
	}

	state.Status = result.Status
	state.Layer = result.Layer

	switch result.Status {
	case types.BuildStatusSucceeded:
		state.LastBuildTime = time.Now()
		state.BuildCount++
		state.BuildDuration = result.Duration
		state.Artifacts = append([]string(nil), result.Artifacts...)
		state.LastError = ""
	case types.BuildStatusFailed:
		state.LastBuildTime = time.Now()
		state.FailureCount++
		state.BuildDuration = result.Duration
		if result.Err != nil {
			state.LastError = result.Err.Error()
		}
	}

	return sm.saveStateFile(state)
}

// ReadState reads the state of a package
func (sm *StateManager) ReadState(name string) (*PackageState, error) {
	sm.mu.RLock()
	if state, ok := sm.states[name]; ok {
		copied := *state
		sm.mu.RUnlock()
		return &copied, nil
	}
	sm.mu.RUnlock()

	return sm.loadStateFile(name)
}

// DiscoverStates loads every state file of the directory
func (sm *StateManager) DiscoverStates() (map[string]*PackageState, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	states := make(map[string]*PackageState)

	files, err := os.ReadDir(sm.stateDir)
	if err != nil {
		if os.IsNotExist(err) {
			return states, nil
		}
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}

	for _, file := range files {
		name, ok := strings.CutSuffix(file.Name(), ".json")
		if !ok || file.IsDir() {
			continue
		}

		state, err := sm.loadStateFile(name)
		if err != nil {
			sm.logger.Warn("Failed to load state file",
				logger.WithField("package", name),
				logger.WithError(err))
			continue
		}

		states[name] = state
	}

	return states, nil
}

func (sm *StateManager) getStateFilePath(name string) string {
	return filepath.Join(sm.stateDir, name+".json")
}

func (sm *StateManager) loadStateFile(name string) (*PackageState, error) {
	data, err := os.ReadFile(sm.getStateFilePath(name))
	if err != nil {
		return nil, err
	}

	var state PackageState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}

	return &state, nil
}

func (sm *StateManager) saveStateFile(state *PackageState) error {
	if err := os.MkdirAll(sm.stateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	// Write atomically
	stateFile := sm.getStateFilePath(state.Package)
	tempFile := stateFile + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}

	if err := os.Rename(tempFile, stateFile); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename state file: %w", err)
	}

	return nil
}
