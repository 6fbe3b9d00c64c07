// Copyright 2025 Chartstack Authors
// SPDX-License-Identifier: Apache-2.0

package chartsync

import "sort"

// PatchGroup is a maximal set of patches mutually reachable through
// reference edges. Groups of size 1 are the common case; a larger group is a
// true reference cycle and must be uploaded as one atomic unit.
type PatchGroup struct {
	Patches []Patch
}

// Cyclic reports whether the group is a genuine reference cycle.
func (g *PatchGroup) Cyclic() bool {
	return len(g.Patches) > 1
}

// GroupPatches builds the directed reference graph over the batch (an edge
// A -> B when A's payload references B's record and B is in the batch),
// partitions it into strongly connected components, and returns the
// condensed groups in a deterministic topological order: every group comes
// after the groups it depends on, so dependencies upload first.
func GroupPatches(patches []Patch) []PatchGroup {
	n := len(patches)
	if n == 0 {
		return nil
	}

	byRef := make(map[string]int, n)
	for i := range patches {
		byRef[patches[i].Ref()] = i
	}

	adj := make([][]int, n)
	for i := range patches {
		seen := map[int]struct{}{}
		for _, ref := range patches[i].References {
			j, ok := byRef[ref]
			if !ok || j == i {
				continue
			}
			if _, dup := seen[j]; dup {
				continue
			}
			seen[j] = struct{}{}
			adj[i] = append(adj[i], j)
		}
		sort.Ints(adj[i])
	}

	comp := tarjanSCC(adj)

	groups := 0
	for _, c := range comp {
		if c+1 > groups {
			groups = c + 1
		}
	}

	members := make([][]int, groups)
	for i, c := range comp {
		members[c] = append(members[c], i)
	}

	// Condense: group g depends on every distinct group reachable through a
	// member's outgoing edge.
	deps := make([]map[int]struct{}, groups)
	dependents := make([]map[int]struct{}, groups)
	for g := range deps {
		deps[g] = map[int]struct{}{}
		dependents[g] = map[int]struct{}{}
	}
	for v, c := range comp {
		for _, w := range adj[v] {
			if comp[w] != c {
				deps[c][comp[w]] = struct{}{}
				dependents[comp[w]][c] = struct{}{}
			}
		}
	}

	// Kahn's algorithm over the condensed DAG, deterministic by each
	// group's smallest member reference.
	groupKey := make([]string, groups)
	for g, ms := range members {
		key := patches[ms[0]].Ref()
		for _, m := range ms[1:] {
			if r := patches[m].Ref(); r < key {
				key = r
			}
		}
		groupKey[g] = key
	}

	depCount := make([]int, groups)
	var ready []int
	for g := range deps {
		depCount[g] = len(deps[g])
		if depCount[g] == 0 {
			ready = append(ready, g)
		}
	}
	sortByKey := func(gs []int) {
		sort.Slice(gs, func(a, b int) bool { return groupKey[gs[a]] < groupKey[gs[b]] })
	}
	sortByKey(ready)

	var ordered []PatchGroup
	for len(ready) > 0 {
		g := ready[0]
		ready = ready[1:]

		group := PatchGroup{}
		for _, m := range members[g] {
			group.Patches = append(group.Patches, patches[m])
		}
		sort.Slice(group.Patches, func(a, b int) bool {
			return group.Patches[a].Ref() < group.Patches[b].Ref()
		})
		ordered = append(ordered, group)

		var unlocked []int
		for dep := range dependents[g] {
			depCount[dep]--
			if depCount[dep] == 0 {
				unlocked = append(unlocked, dep)
			}
		}
		sortByKey(unlocked)
		ready = append(ready, unlocked...)
		sortByKey(ready)
	}

	return ordered
}

// tarjanSCC assigns a strongly connected component id to every node, using
// an explicit-stack iterative formulation so pathological reference chains
// cannot exhaust the goroutine stack.
func tarjanSCC(adj [][]int) []int {
	n := len(adj)
	const unvisited = -1

	index := make([]int, n)
	low := make([]int, n)
	comp := make([]int, n)
	onStack := make([]bool, n)
	for i := range index {
		index[i] = unvisited
		comp[i] = unvisited
	}

	var (
		counter int
		nextID  int
		stack   []int
	)

	type frame struct {
		v    int
		edge int
	}

	for root := 0; root < n; root++ {
		if index[root] != unvisited {
			continue
		}

		frames := []frame{{v: root}}
		index[root] = counter
		low[root] = counter
		counter++
		stack = append(stack, root)
		onStack[root] = true

		for len(frames) > 0 {
			f := &frames[len(frames)-1]

			if f.edge < len(adj[f.v]) {
				w := adj[f.v][f.edge]
				f.edge++
				if index[w] == unvisited {
					index[w] = counter
					low[w] = counter
					counter++
					stack = append(stack, w)
					onStack[w] = true
					frames = append(frames, frame{v: w})
				} else if onStack[w] && index[w] < low[f.v] {
					low[f.v] = index[w]
				}
				continue
			}

			// v is fully explored; emit its component if it is a root.
			if low[f.v] == index[f.v] {
				for {
					w := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[w] = false
					comp[w] = nextID
					if w == f.v {
						break
					}
				}
				nextID++
			}

			v := f.v
			frames = frames[:len(frames)-1]
			if len(frames) > 0 {
				parent := &frames[len(frames)-1]
				if low[v] < low[parent.v] {
					low[parent.v] = low[v]
				}
			}
		}
	}

	return comp
}
