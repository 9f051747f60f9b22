// Package resolve orders migration units so that every unit runs after the
// units it depends on.
package resolve

import (
	"fmt"
	"slices"

	"github.com/root-talis/shinka/migration"
)

// Order returns units in apply order: a topological order of the dependency
// graph in which, among units whose prerequisites are met, the smallest
// version goes first. The smallest version of the set is an implicit
// prerequisite of every other unit.
//
// Order touches nothing but its argument, so conflicts surface before any
// database access.
func Order(units []migration.Unit) ([]migration.Unit, error) {
	if len(units) == 0 {
		return []migration.Unit{}, nil
	}

	byVersion := make(map[migration.Version]migration.Unit, len(units))
	versions := make([]migration.Version, 0, len(units))
	for _, u := range units {
		if _, ok := byVersion[u.Version]; ok {
			return nil, fmt.Errorf("%w: %s", migration.ErrDuplicateVersion, u.Version)
		}
		byVersion[u.Version] = u
		versions = append(versions, u.Version)
	}
	migration.SortVersions(versions)

	prerequisites, err := buildGraph(byVersion, versions)
	if err != nil {
		return nil, err
	}

	dependents := make(map[migration.Version][]migration.Version, len(units))
	pending := make(map[migration.Version]int, len(units))
	for _, v := range versions {
		pending[v] = len(prerequisites[v])
		for _, p := range prerequisites[v] {
			dependents[p] = append(dependents[p], v)
		}
	}

	ready := make([]migration.Version, 0)
	for _, v := range versions {
		if pending[v] == 0 {
			ready = append(ready, v)
		}
	}

	result := make([]migration.Unit, 0, len(units))
	for len(ready) > 0 {
		slices.Sort(ready)
		next := ready[0]
		ready = ready[1:]

		result = append(result, byVersion[next])

		for _, d := range dependents[next] {
			pending[d]--
			if pending[d] == 0 {
				ready = append(ready, d)
			}
		}
	}

	if len(result) != len(units) {
		return nil, &migration.CycleError{Path: findCycle(prerequisites, pending, versions)}
	}

	return result, nil
}

func buildGraph(
	byVersion map[migration.Version]migration.Unit, versions []migration.Version,
) (map[migration.Version][]migration.Version, error) {
	base := versions[0]
	graph := make(map[migration.Version][]migration.Version, len(versions))

	for _, v := range versions {
		u := byVersion[v]
		prerequisites := make([]migration.Version, 0, len(u.DependsOn)+1)

		if v != base {
			prerequisites = append(prerequisites, base)
		}

		for _, dep := range u.DependsOn {
			if _, ok := byVersion[dep]; !ok {
				return nil, fmt.Errorf("%w: %s depends on %s", migration.ErrMissingDependency, v, dep)
			}
			if !slices.Contains(prerequisites, dep) {
				prerequisites = append(prerequisites, dep)
			}
		}

		graph[v] = prerequisites
	}

	return graph, nil
}

// findCycle walks prerequisites among the units that could not be ordered
// and returns the first cycle found as a chain of "depends on" links, closed
// with its starting version.
func findCycle(
	prerequisites map[migration.Version][]migration.Version,
	pending map[migration.Version]int,
	versions []migration.Version,
) []migration.Version {
	const (
		unvisited = iota
		inPath
		done
	)

	state := make(map[migration.Version]int, len(versions))
	path := make([]migration.Version, 0)

	var visit func(v migration.Version) []migration.Version
	visit = func(v migration.Version) []migration.Version {
		state[v] = inPath
		path = append(path, v)

		for _, p := range prerequisites[v] {
			switch state[p] {
			case inPath:
				cycle := slices.Clone(path[slices.Index(path, p):])
				return append(cycle, p)
			case unvisited:
				if cycle := visit(p); cycle != nil {
					return cycle
				}
			}
		}

		path = path[:len(path)-1]
		state[v] = done
		return nil
	}

	for _, v := range versions {
		if pending[v] > 0 && state[v] == unvisited {
			if cycle := visit(v); cycle != nil {
				return cycle
			}
		}
	}

	return nil
}
