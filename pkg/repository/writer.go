// Package repository maintains the local package repository a run publishes
// into: the rosdep mapping, the source registrations and the package index.
package repository

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"

	"github.com/catkinbloom/catkinbloom/pkg/logger"
	"github.com/catkinbloom/catkinbloom/pkg/types"
)

// File names inside the repository root
const (
	MappingFileName = "package.yaml"
	IndexFileName   = "Packages"
	LockFileName    = ".catkin-bloom.lock"
	StateDirName    = ".catkin-bloom"
)

// Writer owns the files of the repository root
type Writer struct {
	root   string
	logger logger.Logger
}

// NewWriter creates a writer for the repository at root
func NewWriter(root string, log logger.Logger) *Writer {
	return &Writer{root: root, logger: log}
}

// Root returns the repository directory
func (w *Writer) Root() string {
	return w.root
}

// LogDir returns the directory per-package build logs are written to
func (w *Writer) LogDir() string {
	return filepath.Join(w.root, StateDirName, "logs")
}

// StateDir returns the directory holding the persisted package states
func (w *Writer) StateDir() string {
	return filepath.Join(w.root, StateDirName, "state")
}

// Prepare creates the repository directory if it does not exist
func (w *Writer) Prepare() error {
	if err := os.MkdirAll(w.root, 0755); err != nil {
		return fmt.Errorf("failed to create repository %s: %w", w.root, err)
	}
	return nil
}

// Lock takes an exclusive lock on the repository so concurrent runs cannot
// write into it at the same time. The returned function releases the lock.
func (w *Writer) Lock() (func() error, error) {
	if err := w.Prepare(); err != nil {
		return nil, err
	}

	lockPath := filepath.Join(w.root, LockFileName)
	fileLock := flock.New(lockPath)

	locked, err := fileLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrRepositoryLocked, lockPath)
	}
	return fileLock.Unlock, nil
}

// BuildMapping builds the rosdep document mapping every resolved package, in
// layer order, to its generated identifier. Static definitions follow and
// replace any package entry of the same name.
func BuildMapping(plan *types.Plan, ws types.Workspace, osName, distro string, extra []types.RosdepDef) *yaml.Node {
	overridden := make(map[string]string, len(extra))
	for _, def := range extra {
		overridden[def.Name] = def.Identifier
	}

	doc := &yaml.Node{Kind: yaml.MappingNode}
	for _, name := range plan.Packages() {
		if _, ok := overridden[name]; ok {
			continue
		}
		pkg, ok := ws[name]
		if !ok {
			continue
		}
		doc.Content = append(doc.Content, mappingEntry(name, osName, pkg.Identifier(distro))...)
	}

	emitted := make(map[string]bool, len(extra))
	for _, def := range extra {
		if emitted[def.Name] {
			continue
		}
		emitted[def.Name] = true
		doc.Content = append(doc.Content, mappingEntry(def.Name, osName, overridden[def.Name])...)
	}

	return doc
}

// mappingEntry renders "name:\n  os: [identifier]"
func mappingEntry(name, osName, identifier string) []*yaml.Node {
	return []*yaml.Node{
		{Kind: yaml.ScalarNode, Value: name},
		{
			Kind: yaml.MappingNode,
			Content: []*yaml.Node{
				{Kind: yaml.ScalarNode, Value: osName},
				{
					Kind:    yaml.SequenceNode,
					Style:   yaml.FlowStyle,
					Content: []*yaml.Node{{Kind: yaml.ScalarNode, Value: identifier}},
				},
			},
		},
	}
}

// WriteMapping regenerates package.yaml in the repository root
func (w *Writer) WriteMapping(plan *types.Plan, ws types.Workspace, osName, distro string, extra []types.RosdepDef) error {
	doc := BuildMapping(plan, ws, osName, distro, extra)

	var buf bytes.Buffer
	if len(doc.Content) > 0 {
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("failed to encode rosdep mapping: %w", err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("failed to encode rosdep mapping: %w", err)
		}
	}

	path := filepath.Join(w.root, MappingFileName)
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write rosdep mapping: %w", err)
	}

	w.logger.Debug("Wrote rosdep mapping",
		logger.WithField("path", path),
		logger.WithField("entries", len(doc.Content)/2))
	return nil
}
