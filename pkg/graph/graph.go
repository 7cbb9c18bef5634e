// Package graph turns a scanned workspace into an ordered build plan.
//
// Prune restricts every package's dependencies to the workspace itself, and
// Layers partitions the pruned workspace into layers that can be built in
// parallel, each depending only on earlier layers.
package graph

import (
	"sort"

	"github.com/catkinbloom/catkinbloom/pkg/types"
)

// Prune drops every dependency that does not name a workspace package.
// Afterwards each dependency of each package is a key of ws.
func Prune(ws types.Workspace) {
	for _, pkg := range ws {
		if pkg.Depends == nil {
			pkg.Depends = types.NewDependencySet()
			continue
		}
		pkg.Depends.Retain(func(name string) bool {
			_, ok := ws[name]
			return ok
		})
	}
}

// Layers computes the build layers of a pruned workspace by repeatedly
// draining every package whose remaining dependencies are all satisfied.
// Packages that can never be drained are returned in Plan.Cyclic together
// with the dependencies they are still waiting on. ws is not modified.
func Layers(ws types.Workspace) types.Plan {
	remaining := make(map[string]types.DependencySet, len(ws))
	for name, pkg := range ws {
		remaining[name] = pkg.Depends.Clone()
	}

	var plan types.Plan
	for {
		var drained types.Layer
		for name, deps := range remaining {
			if deps.Len() == 0 {
				drained = append(drained, name)
			}
		}
		if len(drained) == 0 {
			break
		}

		for _, name := range drained {
			delete(remaining, name)
		}
		for _, deps := range remaining {
			for _, name := range drained {
				deps.Remove(name)
			}
		}

		sort.Strings(drained)
		plan.Layers = append(plan.Layers, drained)
	}

	if len(remaining) > 0 {
		plan.Cyclic = make(map[string][]string, len(remaining))
		for name, deps := range remaining {
			plan.Cyclic[name] = deps.Sorted()
		}
	}

	return plan
}

// Resolve prunes ws and computes its layers
func Resolve(ws types.Workspace) types.Plan {
	Prune(ws)
	return Layers(ws)
}
