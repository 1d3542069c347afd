// Package lca implements the multi-parent, multi-perspective lowest common
// ancestor finder (C4, spec.md §4.4). The algorithm is a symmetric BFS
// frontier expansion adapted from the causal-history comparison style in
// sfurman3-chatroom/vector (vector-clock LessThan/Concurrent), generalized
// from a vector of counters to explicit parent-pointer traversal since this
// DAG is content-addressed rather than clock-indexed.
package lca

import (
	"errors"
	"fmt"
)

// ErrDifferentIds is raised when X and Y disagree on id.
var ErrDifferentIds = errors.New("lca: items disagree on id")

// ErrCorruptDAG is raised when a referenced parent cannot be resolved.
var ErrCorruptDAG = errors.New("lca: corrupt dag, dangling parent")

// MissingPerspectiveError is raised when an ancestor exists in only one of
// the two perspectives under comparison.
type MissingPerspectiveError struct {
	Version      string
	Perspectives [2]string
}

func (e *MissingPerspectiveError) Error() string {
	return fmt.Sprintf("lca: version %s missing from one of perspectives {%s, %s}", e.Version, e.Perspectives[0], e.Perspectives[1])
}

// Item is the minimal shape the LCA finder needs: an id, the perspective it
// was observed from, and its ordered parent list. Items need not be
// persisted — virtual merge candidates are allowed (spec.md §4.4).
type Item struct {
	ID          string
	Perspective string
	V           string
	Parents     []string
}

// Resolver looks up an ancestor version in a specific perspective. Callers
// typically back this with a dag.Index; it is abstracted here so the LCA
// finder has no storage dependency.
type Resolver interface {
	// Lookup returns the parents of (id, v, pe), or ok=false if that
	// version does not exist in that perspective.
	Lookup(id, v, pe string) (parents []string, ok bool)
}

type source int

const (
	sourceX source = 1 << 0
	sourceY source = 1 << 1
)

// Find returns the antichain of lowest common ancestors of x and y.
//
//   - x == y (by id, pe, v) -> [x.V].
//   - disconnected roots -> nil.
//   - criss-cross merges -> both/all LCAs, in first-encounter-from-y order.
//
// When x.Perspective != y.Perspective, ancestor parents are resolved by
// looking them up in *both* perspectives via r; a version that exists in
// only one of the two perspectives is reported as MissingPerspectiveError.
func Find(r Resolver, x, y Item) ([]string, error) {
	if x.ID != y.ID {
		return nil, ErrDifferentIds
	}
	if x.Perspective == y.Perspective && x.V == y.V {
		return []string{x.V}, nil
	}

	marks := make(map[string]source)
	frontierX := []string{x.V}
	frontierY := []string{y.V}
	marks[x.V] |= sourceX
	marks[y.V] |= sourceY

	// first-encounter-from-Y order is the spec's tie-break; record it
	// independently of the mark bitset above.
	var yOrder []string
	yOrderSeen := map[string]struct{}{}
	recordY := func(v string) {
		if _, ok := yOrderSeen[v]; !ok {
			yOrderSeen[v] = struct{}{}
			yOrder = append(yOrder, v)
		}
	}
	recordY(y.V)

	candidates := map[string]struct{}{}
	if marks[x.V] == sourceX|sourceY {
		candidates[x.V] = struct{}{}
	}

	lookup := func(v, pe, otherPE string) ([]string, error) {
		parents, ok := r.Lookup(x.ID, v, pe)
		if !ok {
			return nil, &MissingPerspectiveError{Version: v, Perspectives: [2]string{pe, otherPE}}
		}
		return parents, nil
	}

	for len(frontierX) > 0 || len(frontierY) > 0 {
		var nextX, nextY []string
		for _, v := range frontierX {
			parents, err := lookup(v, x.Perspective, y.Perspective)
			if err != nil {
				return nil, err
			}
			for _, p := range parents {
				before := marks[p]
				marks[p] |= sourceX
				if before == 0 {
					nextX = append(nextX, p)
				}
				if marks[p] == sourceX|sourceY {
					candidates[p] = struct{}{}
				}
			}
		}
		for _, v := range frontierY {
			parents, err := lookup(v, y.Perspective, x.Perspective)
			if err != nil {
				return nil, err
			}
			for _, p := range parents {
				recordY(p)
				before := marks[p]
				marks[p] |= sourceY
				if before == 0 {
					nextY = append(nextY, p)
				}
				if marks[p] == sourceX|sourceY {
					candidates[p] = struct{}{}
				}
			}
		}
		frontierX, frontierY = nextX, nextY
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	// Cross-perspective comparison: a candidate LCA must actually resolve
	// in both perspectives (invariant 4 guarantees its body/parents agree
	// wherever it is mirrored). A candidate reached only through one side's
	// local-only history is not a valid cross-perspective common ancestor.
	if x.Perspective != y.Perspective {
		for v := range candidates {
			if _, ok := r.Lookup(x.ID, v, x.Perspective); !ok {
				return nil, &MissingPerspectiveError{Version: v, Perspectives: [2]string{x.Perspective, y.Perspective}}
			}
			if _, ok := r.Lookup(x.ID, v, y.Perspective); !ok {
				return nil, &MissingPerspectiveError{Version: v, Perspectives: [2]string{x.Perspective, y.Perspective}}
			}
		}
	}

	// antichain filter: drop any candidate that is itself an ancestor of
	// another candidate.
	isAncestorOf := func(anc, desc string) bool {
		seen := map[string]struct{}{desc: {}}
		frontier := []string{desc}
		for len(frontier) > 0 {
			var next []string
			for _, v := range frontier {
				if v == anc {
					return true
				}
				// a candidate can be reached from either perspective's
				// parent edges; try x's perspective first, then y's.
				parents, ok := r.Lookup(x.ID, v, x.Perspective)
				if !ok {
					parents, ok = r.Lookup(x.ID, v, y.Perspective)
				}
				if !ok {
					continue
				}
				for _, p := range parents {
					if _, ok := seen[p]; ok {
						continue
					}
					seen[p] = struct{}{}
					next = append(next, p)
				}
			}
			frontier = next
		}
		return false
	}

	result := make([]string, 0, len(candidates))
	for _, v := range yOrder {
		if _, ok := candidates[v]; !ok {
			continue
		}
		dominated := false
		for other := range candidates {
			if other == v {
				continue
			}
			if isAncestorOf(v, other) {
				dominated = true
				break
			}
		}
		if !dominated {
			result = append(result, v)
		}
	}
	return result, nil
}
