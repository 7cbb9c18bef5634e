// Package types provides core types shared across catkin-bloom
package types

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// BuildStatus represents the outcome of a single package build
type BuildStatus string

const (
	BuildStatusQueued    BuildStatus = "queued"
	BuildStatusBuilding  BuildStatus = "building"
	BuildStatusSucceeded BuildStatus = "succeeded"
	BuildStatusFailed    BuildStatus = "failed"
	BuildStatusSkipped   BuildStatus = "skipped"
)

// LogLevel represents logging verbosity levels
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// DependencySet is an unordered set of package names
type DependencySet map[string]struct{}

// NewDependencySet creates a set holding the given names
func NewDependencySet(names ...string) DependencySet {
	s := make(DependencySet, len(names))
	for _, n := range names {
		s.Add(n)
	}
	return s
}

// Add inserts a name into the set
func (s DependencySet) Add(name string) { s[name] = struct{}{} }

// Remove deletes a name from the set
func (s DependencySet) Remove(name string) { delete(s, name) }

// Has reports whether name is in the set
func (s DependencySet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Len returns the number of names in the set
func (s DependencySet) Len() int { return len(s) }

// Retain keeps only the names for which keep returns true
func (s DependencySet) Retain(keep func(name string) bool) {
	for n := range s {
		if !keep(n) {
			delete(s, n)
		}
	}
}

// Clone returns an independent copy of the set
func (s DependencySet) Clone() DependencySet {
	c := make(DependencySet, len(s))
	for n := range s {
		c[n] = struct{}{}
	}
	return c
}

// Sorted returns the names in lexical order
func (s DependencySet) Sorted() []string {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Package is one source package discovered in the workspace
type Package struct {
	Name    string
	Dir     string
	Depends DependencySet
}

// Identifier returns the distribution package name generated for this package
func (p *Package) Identifier(distro string) string {
	return PackageIdentifier(distro, p.Name)
}

// PackageIdentifier derives the generated package identifier for a name and
// distro tag, e.g. ("melodic", "my_pkg") -> "ros-melodic-my-pkg".
func PackageIdentifier(distro, name string) string {
	return fmt.Sprintf("ros-%s-%s", distro, strings.ReplaceAll(name, "_", "-"))
}

// Workspace is the name-keyed table of every discovered package
type Workspace map[string]*Package

// Names returns the sorted package names of the workspace
func (w Workspace) Names() []string {
	names := make([]string, 0, len(w))
	for n := range w {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Layer is a set of packages that can be built in parallel
type Layer []string

// Plan is the output of the layering engine
type Plan struct {
	Layers []Layer
	// Cyclic maps each unresolved package to its still-unsatisfied dependencies
	Cyclic map[string][]string
}

// Packages returns every resolved package name in layer order
func (p *Plan) Packages() []string {
	var names []string
	for _, l := range p.Layers {
		names = append(names, l...)
	}
	return names
}

// Count returns the number of resolved packages
func (p *Plan) Count() int {
	n := 0
	for _, l := range p.Layers {
		n += len(l)
	}
	return n
}

// Validate checks that the plan partitions ws: every package appears in exactly
// one layer or in the cyclic set, and no package depends on a package of its
// own or a later layer.
func (p *Plan) Validate(ws Workspace) error {
	seen := make(map[string]int, len(ws))
	for i, layer := range p.Layers {
		if len(layer) == 0 {
			return fmt.Errorf("layer %d is empty", i)
		}
		for _, name := range layer {
			if _, dup := seen[name]; dup {
				return fmt.Errorf("package %s appears more than once", name)
			}
			seen[name] = i
		}
	}
	for name := range p.Cyclic {
		if _, dup := seen[name]; dup {
			return fmt.Errorf("package %s is both layered and cyclic", name)
		}
		seen[name] = -1
	}
	for name, pkg := range ws {
		idx, ok := seen[name]
		if !ok {
			return fmt.Errorf("package %s is missing from the plan", name)
		}
		if idx < 0 {
			continue
		}
		for dep := range pkg.Depends {
			depIdx, ok := seen[dep]
			if !ok {
				return fmt.Errorf("package %s depends on unknown package %s", name, dep)
			}
			if depIdx < 0 || depIdx >= idx {
				return fmt.Errorf("package %s (layer %d) depends on %s which is not in an earlier layer", name, idx, dep)
			}
		}
	}
	if len(seen) != len(ws) {
		return fmt.Errorf("plan references %d packages, workspace has %d", len(seen), len(ws))
	}
	return nil
}

// BuildResult is a status change of one package during a run
type BuildResult struct {
	Package   string
	Status    BuildStatus
	Layer     int
	Artifacts []string
	Duration  time.Duration
	Err       error
}

// RosdepDef is a static name -> identifier mapping entry
type RosdepDef struct {
	Name       string
	Identifier string
}

// RunConfig holds every option of a catkin-bloom run
type RunConfig struct {
	OSName        string      `json:"osName" yaml:"osName"`
	OSVersion     string      `json:"osVersion" yaml:"osVersion"`
	Distro        string      `json:"rosDistro" yaml:"rosDistro"`
	RepoPath      string      `json:"repoPath" yaml:"repoPath"`
	ExtraRepos    []string    `json:"extraRepos,omitempty" yaml:"extraRepos,omitempty"`
	IgnoredPkgs   []string    `json:"ignorePkgs,omitempty" yaml:"ignorePkgs,omitempty"`
	OnlyCheck     []string    `json:"onlyCheck,omitempty" yaml:"onlyCheck,omitempty"`
	RosdepDefs    []RosdepDef `json:"rosdepDefs,omitempty" yaml:"rosdepDefs,omitempty"`
	Src           string      `json:"src" yaml:"src"`
	Jobs          int         `json:"jobs" yaml:"jobs"`
	NoInstallDeps bool        `json:"noinstallDeps" yaml:"noinstallDeps"`
	Notify        bool        `json:"notify" yaml:"notify"`
	LogFile       string      `json:"logFile,omitempty" yaml:"logFile,omitempty"`
	LogLevel      LogLevel    `json:"logLevel" yaml:"logLevel"`
	// RosdepListDir and AptListDir receive the repository registration files
	RosdepListDir string      `json:"rosdepListDir,omitempty" yaml:"rosdepListDir,omitempty"`
	AptListDir    string      `json:"aptListDir,omitempty" yaml:"aptListDir,omitempty"`
}

// Roots returns the primary repository path followed by every extra repository
func (c *RunConfig) Roots() []string {
	roots := make([]string, 0, 1+len(c.ExtraRepos))
	roots = append(roots, c.RepoPath)
	return append(roots, c.ExtraRepos...)
}

// OnlyCheckSet returns the allow-list as a set, or nil when every package is allowed
func (c *RunConfig) OnlyCheckSet() DependencySet {
	if c.OnlyCheck == nil {
		return nil
	}
	return NewDependencySet(c.OnlyCheck...)
}
